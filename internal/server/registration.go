package server

import (
	"context"
	"sync/atomic"

	"github.com/warpdl/swdriver/internal/driver"
	"github.com/warpdl/swdriver/pkg/logger"
)

// EventShowNotification is posted to pages when the driver shows a
// notification; the page renders it with the Notification API.
const EventShowNotification = "SHOW_NOTIFICATION"

// ShowNotificationEvent is the payload of EventShowNotification.
type ShowNotificationEvent struct {
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Options map[string]any `json:"options,omitempty"`
}

// Registration is the daemon's side of the driver registration. Once
// unregistered, every request bypasses the driver until restart.
type Registration struct {
	hub          *Hub
	log          logger.Logger
	unregistered atomic.Bool
}

func NewRegistration(hub *Hub, l logger.Logger) *Registration {
	if l == nil {
		l = logger.NewNopLogger()
	}
	return &Registration{hub: hub, log: l}
}

func (r *Registration) Unregister(context.Context) error {
	if r.unregistered.CompareAndSwap(false, true) {
		r.log.Warning("driver unregistered; requests now go straight to the upstream")
	}
	return nil
}

func (r *Registration) Unregistered() bool { return r.unregistered.Load() }

func (r *Registration) ShowNotification(ctx context.Context, title string, options map[string]any) error {
	r.hub.Broadcast(ctx, &ShowNotificationEvent{Type: EventShowNotification, Title: title, Options: options})
	return nil
}

var _ driver.Registration = (*Registration)(nil)
