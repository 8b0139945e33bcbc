package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warpdl/swdriver/pkg/fetch"
)

// notificationOptions are the keys copied from a push payload into the
// shown notification.
var notificationOptions = []string{
	"actions", "badge", "body", "data", "dir", "icon", "image", "lang",
	"renotify", "requireInteraction", "silent", "tag", "timestamp", "title",
	"vibrate",
}

// Activate is the host start-up hook: the driver initializes right away
// instead of waiting for the first request.
func (d *Driver) Activate(ctx context.Context) error {
	return d.HandleMessage(ctx, "", Initialize{})
}

// HandleMessage processes a message from clientID. Messages are ignored
// in safe mode. Operations report their outcome back to the sender as a
// STATUS event.
func (d *Driver) HandleMessage(ctx context.Context, clientID string, msg Message) error {
	if st, _ := d.State(); st == SafeMode {
		return nil
	}
	if _, ok := msg.(Initialize); ok || clientID == "" {
		return d.EnsureInitialized(ctx)
	}
	if err := d.EnsureInitialized(ctx); err != nil {
		return err
	}
	switch m := msg.(type) {
	case CheckForUpdates:
		ok, err := d.CheckForUpdate(ctx)
		d.completeOperation(ctx, clientID, m.Nonce, ok, err)
	case ActivateUpdate:
		ok, err := d.updateClient(ctx, clientID)
		d.completeOperation(ctx, clientID, m.Nonce, ok, err)
	}
	return nil
}

func (d *Driver) completeOperation(ctx context.Context, clientID string, nonce int64, ok bool, err error) {
	ev := StatusEvent{Type: EventStatus, Nonce: nonce, Status: ok}
	if err != nil {
		ev.Status = false
		ev.Error = err.Error()
	}
	d.post(ctx, clientID, ev)
}

type pushPayload struct {
	Notification map[string]any `json:"notification"`
}

// HandlePush broadcasts the payload and, when it carries a titled
// notification, shows it through the registration.
func (d *Driver) HandlePush(ctx context.Context, data json.RawMessage) error {
	if st, _ := d.State(); st == SafeMode {
		return nil
	}
	d.broadcast(ctx, PushEvent{Type: EventPush, Data: data})

	var p pushPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Notification == nil {
		return nil
	}
	title, _ := p.Notification["title"].(string)
	if title == "" {
		return nil
	}
	return d.registration.ShowNotification(ctx, title, pickOptions(p.Notification))
}

type clickAction struct {
	Operation string `json:"operation"`
	URL       string `json:"url"`
}

// HandleNotificationClick runs the notification's configured click
// action and tells every client about the click. Only "sendRequest" has
// an effect on a host without windows; the others are logged.
func (d *Driver) HandleNotificationClick(ctx context.Context, action string, notification map[string]any) error {
	if st, _ := d.State(); st == SafeMode {
		return nil
	}
	key := action
	if key == "" {
		key = "default"
	}
	if a, ok := lookupClickAction(notification, key); ok {
		target := d.scope.Resolve(a.URL)
		switch a.Operation {
		case "sendRequest":
			req, err := fetch.NewRequest(http.MethodGet, target.String())
			if err == nil {
				_ = d.safeFetch(ctx, req)
			}
		case "":
		default:
			d.debug.Log(fmt.Sprintf("Unsupported notification click operation %q for %s", a.Operation, target), "handleClick")
		}
	}
	d.broadcast(ctx, NotificationClickEvent{
		Type: EventNotificationClick,
		Data: NotificationClickData{Action: action, Notification: pickOptions(notification)},
	})
	return nil
}

func lookupClickAction(notification map[string]any, key string) (clickAction, bool) {
	var a clickAction
	data, ok := notification["data"].(map[string]any)
	if !ok {
		return a, false
	}
	actions, ok := data["onActionClick"].(map[string]any)
	if !ok {
		return a, false
	}
	raw, ok := actions[key]
	if !ok {
		return a, false
	}
	b, err := json.Marshal(raw)
	if err != nil || json.Unmarshal(b, &a) != nil {
		return a, false
	}
	return a, true
}

func pickOptions(src map[string]any) map[string]any {
	out := make(map[string]any)
	for _, k := range notificationOptions {
		if v, ok := src[k]; ok {
			out[k] = v
		}
	}
	return out
}
