package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/warpdl/swdriver/internal/driver"
	"github.com/warpdl/swdriver/pkg/fetch"
	"github.com/warpdl/swdriver/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

// Config describes the listening side of the daemon.
type Config struct {
	Addr      string
	Scope     *fetch.Scope
	Upstream  *url.URL
	Transport http.RoundTripper
	RPC       RPCConfig
}

// Server is the edge HTTP server. Under the scope path it serves:
//
//	ngsw/ws      page event channel
//	ngsw/rpc     admin JSON-RPC over HTTP POST
//	ngsw/rpc/ws  admin JSON-RPC over websocket with pushed driver events
//
// Everything else goes through the driver.
type Server struct {
	cfg    Config
	log    logger.Logger
	hub    *Hub
	rpc    *RPCServer
	front  *front
	mux    *http.ServeMux
	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
	closed sync.Once
}

// New wires d, hub and reg into an HTTP server. Page messages received by
// the hub are handed to the driver.
func New(cfg Config, d *driver.Driver, hub *Hub, reg *Registration, l logger.Logger) (*Server, error) {
	if cfg.Scope == nil || cfg.Upstream == nil {
		return nil, errors.New("error: scope and upstream are required")
	}
	if l == nil {
		l = logger.NewNopLogger()
	}
	s := &Server{
		cfg: cfg,
		log: l,
		hub: hub,
		rpc: NewRPCServer(&cfg.RPC, d, l),
	}
	hub.OnMessage(d.HandleMessage)
	hub.mirror(s.rpc.notifier)
	s.front = newFront(cfg.Scope, cfg.Upstream, cfg.Transport, d, hub, reg, l)

	base := cfg.Scope.Path()
	s.mux = http.NewServeMux()
	s.mux.Handle(base+"ngsw/ws", hub)
	s.mux.Handle(base+"ngsw/rpc", requireToken(s.rpc.Secret, s.rpc))
	s.mux.Handle(base+"ngsw/rpc/ws", requireToken(s.rpc.Secret, http.HandlerFunc(s.rpc.serveWS)))
	s.mux.Handle("/", s.front)
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// SetRPCSecret swaps the admin secret without a restart.
func (s *Server) SetRPCSecret(secret string) {
	s.rpc.SetSecret(secret)
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start listens on cfg.Addr and blocks until ctx is canceled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.addr = l.Addr()
	s.mu.Unlock()
	s.log.Info("listening on %s, scope %s, upstream %s", l.Addr(), s.cfg.Scope.URL(), s.cfg.Upstream)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops accepting requests and waits briefly for in-flight ones.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	defer s.closed.Do(s.rpc.Close)
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warning("error shutting down http server: %v", err)
		return err
	}
	return nil
}
