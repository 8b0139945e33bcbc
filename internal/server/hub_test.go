package server

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	cws "github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/warpdl/swdriver/internal/driver"
)

func dialPage(t *testing.T, td *testDaemon, ctx context.Context, id string) *cws.Conn {
	t.Helper()
	conn, _, err := cws.Dial(ctx, td.wsURL("/ngsw/ws?client="+id), nil)
	if err != nil {
		t.Fatalf("page dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close(cws.StatusNormalClosure, "") })
	return conn
}

func TestHub_MatchAllExpiresIdleClients(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := NewHub(nil, time.Hour, func() time.Time { return now })
	h.Touch("b", "http://app.test/b")
	h.Touch("a", "")
	h.Touch("", "ignored")

	got, _ := h.MatchAll(context.Background())
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" || got[1].URL != "http://app.test/b" {
		t.Fatalf("unexpected clients %+v", got)
	}

	now = now.Add(2 * time.Hour)
	h.Touch("b", "")
	got, _ = h.MatchAll(context.Background())
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("expected only the refreshed client, got %+v", got)
	}
}

func TestHub_PostMessageWithoutSocket(t *testing.T) {
	h := NewHub(nil, 0, nil)
	h.Touch("c1", "")
	err := h.PostMessage(context.Background(), "c1", map[string]string{"type": "X"})
	if !errors.Is(err, driver.ErrClientGone) {
		t.Fatalf("expected ErrClientGone, got %v", err)
	}
}

func TestHub_RejectsMissingClientID(t *testing.T) {
	td := newTestDaemon(t)
	resp, _ := td.get(t, "/ngsw/ws", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHub_CheckForUpdatesReportsStatus(t *testing.T) {
	td := newTestDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	td.get(t, "/", navigation())

	page := dialPage(t, td, ctx, "c1")
	waitFor(t, "page connection", func() bool { return td.hub.Connected() == 1 })

	if err := wsjson.Write(ctx, page, map[string]any{"action": driver.ActionCheckForUpdates, "nonce": 7}); err != nil {
		t.Fatal(err)
	}
	var ev driver.StatusEvent
	if err := wsjson.Read(ctx, page, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != driver.EventStatus || ev.Nonce != 7 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Status || ev.Error != "" {
		t.Fatalf("expected a clean no-update status, got %+v", ev)
	}
}

func TestHub_InvalidMessageKeepsConnection(t *testing.T) {
	td := newTestDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	page := dialPage(t, td, ctx, "c1")
	waitFor(t, "page connection", func() bool { return td.hub.Connected() == 1 })
	if err := wsjson.Write(ctx, page, map[string]any{"action": "NOPE"}); err != nil {
		t.Fatal(err)
	}
	if err := wsjson.Write(ctx, page, map[string]any{"action": driver.ActionCheckForUpdates, "nonce": 1}); err != nil {
		t.Fatal(err)
	}
	var ev driver.StatusEvent
	if err := wsjson.Read(ctx, page, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Nonce != 1 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestHub_NewerConnectionReplacesOlder(t *testing.T) {
	td := newTestDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	old := dialPage(t, td, ctx, "c1")
	waitFor(t, "first connection", func() bool { return td.hub.Connected() == 1 })
	dialPage(t, td, ctx, "c1")

	_, _, err := old.Read(ctx)
	if cws.CloseStatus(err) != cws.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	if td.hub.Connected() != 1 {
		t.Fatalf("expected one live connection, got %d", td.hub.Connected())
	}
}

func TestRegistration_ShowNotification(t *testing.T) {
	td := newTestDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	page := dialPage(t, td, ctx, "c1")
	waitFor(t, "page connection", func() bool { return td.hub.Connected() == 1 })

	go func() { _ = td.reg.ShowNotification(ctx, "Hello", map[string]any{"body": "x"}) }()
	var ev ShowNotificationEvent
	if err := wsjson.Read(ctx, page, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventShowNotification || ev.Title != "Hello" || ev.Options["body"] != "x" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
