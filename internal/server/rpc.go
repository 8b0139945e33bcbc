package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"

	cws "github.com/coder/websocket"
	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/jhttp"

	"github.com/warpdl/swdriver/internal/driver"
	"github.com/warpdl/swdriver/pkg/logger"
)

const codeInvalidParams = jrpc2.Code(-32602)

// RPCConfig configures the admin endpoint.
type RPCConfig struct {
	Secret  string // bearer token; empty disables the endpoint
	Version string
	Commit  string
}

// RPCServer exposes driver introspection and control over JSON-RPC 2.0,
// both as HTTP POST and as a websocket session with pushed events.
type RPCServer struct {
	bridge   jhttp.Bridge
	methods  handler.Map
	secret   atomic.Value // string
	version  string
	commit   string
	driver   *driver.Driver
	notifier *RPCNotifier
	log      logger.Logger
}

type VersionResult struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
}

type UpdateResult struct {
	Updated bool `json:"updated"`
}

type ClientsResult struct {
	Assignments map[string]string `json:"assignments"`
}

type PushParams struct {
	Data json.RawMessage `json:"data"`
}

type ClickParams struct {
	Action       string         `json:"action,omitempty"`
	Notification map[string]any `json:"notification"`
}

type IdleResult struct {
	Ran []string `json:"ran"`
}

type EmptyResult struct{}

// NewRPCServer wires the method table for d.
func NewRPCServer(cfg *RPCConfig, d *driver.Driver, l logger.Logger) *RPCServer {
	if l == nil {
		l = logger.NewNopLogger()
	}
	rs := &RPCServer{
		version:  cfg.Version,
		commit:   cfg.Commit,
		driver:   d,
		notifier: NewRPCNotifier(l),
		log:      l,
	}
	rs.secret.Store(cfg.Secret)
	rs.methods = handler.Map{
		"system.getVersion":        handler.New(rs.systemGetVersion),
		"driver.state":             handler.New(rs.driverState),
		"driver.versions":          handler.New(rs.driverVersions),
		"driver.idle":              handler.New(rs.driverIdle),
		"driver.clients":           handler.New(rs.driverClients),
		"driver.checkForUpdate":    handler.New(rs.driverCheckForUpdate),
		"driver.runIdle":           handler.New(rs.driverRunIdle),
		"driver.push":              handler.New(rs.driverPush),
		"driver.notificationClick": handler.New(rs.driverNotificationClick),
	}
	rs.bridge = jhttp.NewBridge(rs.methods, nil)
	return rs
}

func (rs *RPCServer) systemGetVersion(context.Context) (*VersionResult, error) {
	return &VersionResult{Version: rs.version, Commit: rs.commit}, nil
}

func (rs *RPCServer) driverState(context.Context) (*driver.DebugState, error) {
	st := rs.driver.DebugState()
	return &st, nil
}

func (rs *RPCServer) driverVersions(context.Context) ([]driver.DebugVersion, error) {
	return rs.driver.DebugVersions(), nil
}

func (rs *RPCServer) driverIdle(context.Context) (*driver.DebugIdleState, error) {
	st := rs.driver.DebugIdleState()
	return &st, nil
}

func (rs *RPCServer) driverClients(context.Context) (*ClientsResult, error) {
	return &ClientsResult{Assignments: rs.driver.Assignments()}, nil
}

// driverCheckForUpdate initializes the driver if needed and runs an
// update check right away.
func (rs *RPCServer) driverCheckForUpdate(ctx context.Context) (*UpdateResult, error) {
	if err := rs.driver.EnsureInitialized(ctx); err != nil {
		return nil, &jrpc2.Error{Code: jrpc2.InternalError, Message: err.Error()}
	}
	ok, err := rs.driver.CheckForUpdate(ctx)
	if err != nil {
		return nil, err
	}
	return &UpdateResult{Updated: ok}, nil
}

// driverRunIdle drains the idle queue without waiting for quiet traffic.
func (rs *RPCServer) driverRunIdle(ctx context.Context) (*IdleResult, error) {
	queued := rs.driver.Idle().TaskDescriptions()
	rs.driver.Idle().Execute(ctx)
	return &IdleResult{Ran: queued}, nil
}

func (rs *RPCServer) driverPush(ctx context.Context, p *PushParams) (*EmptyResult, error) {
	if len(p.Data) == 0 {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: data"}
	}
	if err := rs.driver.HandlePush(ctx, p.Data); err != nil {
		return nil, err
	}
	return &EmptyResult{}, nil
}

func (rs *RPCServer) driverNotificationClick(ctx context.Context, p *ClickParams) (*EmptyResult, error) {
	if p.Notification == nil {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: notification"}
	}
	if err := rs.driver.HandleNotificationClick(ctx, p.Action, p.Notification); err != nil {
		return nil, err
	}
	return &EmptyResult{}, nil
}

// ServeHTTP answers JSON-RPC over HTTP POST.
func (rs *RPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rs.bridge.ServeHTTP(w, r)
}

// serveWS runs one admin websocket session until the peer goes away.
func (rs *RPCServer) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := cws.Accept(w, r, nil)
	if err != nil {
		rs.log.Warning("rpc websocket accept failed: %v", err)
		return
	}
	ch := &wsChannel{conn: conn, ctx: r.Context()}
	srv := jrpc2.NewServer(rs.methods, &jrpc2.ServerOptions{AllowPush: true})
	srv.Start(ch)
	rs.notifier.Register(srv)
	defer rs.notifier.Unregister(srv)
	_ = srv.Wait()
}

// Close releases the bridge.
func (rs *RPCServer) Close() {
	rs.bridge.Close()
}

// Secret returns the current admin bearer secret.
func (rs *RPCServer) Secret() string {
	return rs.secret.Load().(string)
}

// SetSecret replaces the admin secret. Live sessions are kept.
func (rs *RPCServer) SetSecret(secret string) {
	rs.secret.Store(secret)
}
