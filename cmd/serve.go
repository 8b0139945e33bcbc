package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
	"github.com/urfave/cli"

	"github.com/warpdl/swdriver/cmd/common"
	swcommon "github.com/warpdl/swdriver/common"
	"github.com/warpdl/swdriver/internal/config"
	"github.com/warpdl/swdriver/internal/cron"
	"github.com/warpdl/swdriver/internal/driver"
	"github.com/warpdl/swdriver/internal/server"
	"github.com/warpdl/swdriver/pkg/fetch"
	"github.com/warpdl/swdriver/pkg/logger"
	"github.com/warpdl/swdriver/pkg/storage"
)

const checkJob = "check-for-updates"

// loadConfig layers flags over the file and environment.
func loadConfig(ctx *cli.Context, fs afero.Fs) (*config.Config, error) {
	cfg, err := config.Load(fs, configPath)
	if err != nil {
		return nil, err
	}
	strs := map[string]*string{
		"origin":     &cfg.Origin,
		"listen":     &cfg.Listen,
		"scope":      &cfg.Scope,
		"data-dir":   &cfg.DataDir,
		"rpc-secret": &cfg.RPCSecret,
		"check-cron": &cfg.CheckCron,
		"proxy":      &cfg.Proxy,
	}
	for name, dst := range strs {
		if ctx.IsSet(name) {
			*dst = ctx.String(name)
		}
	}
	if ctx.IsSet("ephemeral") {
		cfg.Ephemeral = ctx.Bool("ephemeral")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// daemon is everything serve wires together.
type daemon struct {
	log    *logger.StandardLogger
	driver *driver.Driver
	server *server.Server
	cfg    *config.Config
	closer func() error
	sched  *cron.Scheduler

	// reload re-reads the layered config; nil disables hot reload.
	reload func() (*config.Config, error)
}

func newDaemon(cfg *config.Config, fs afero.Fs, l *logger.StandardLogger, version string) (*daemon, error) {
	scope, err := fetch.NewScope(cfg.ScopeURL())
	if err != nil {
		return nil, err
	}
	upstream, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, err
	}
	client, err := fetch.NewClient(cfg.Proxy, cfg.Timeout.Std())
	if err != nil {
		return nil, err
	}

	var (
		db     storage.Database
		closer = func() error { return nil }
	)
	if cfg.Ephemeral {
		db = storage.NewMemoryDatabase()
		fs = afero.NewMemMapFs()
	} else {
		if err := fs.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("error: cannot create data dir: %w", err)
		}
		sq, err := storage.OpenSQLite(filepath.Join(cfg.DataDir, swcommon.DatabaseFile))
		if err != nil {
			return nil, err
		}
		db, closer = sq, sq.Close
	}
	caches, err := storage.NewFSCacheStorage(fs, filepath.Join(cfg.DataDir, swcommon.CacheDirName))
	if err != nil {
		_ = closer()
		return nil, err
	}

	var debugNext logger.Logger = logger.NewNopLogger()
	if debugLog {
		debugNext = l.Named("debug")
	}
	// driver and server messages also land on the /ngsw/state page
	dbg := logger.NewDebugLogger(nil, debugNext)
	hub := server.NewHub(l.Named("hub"), 0, nil)
	reg := server.NewRegistration(hub, l.Named("registration"))
	d, err := driver.New(driver.Options{
		Scope:        scope,
		Fetcher:      &fetch.HTTPFetcher{Client: client, Upstream: upstream, Scope: scope},
		DB:           db,
		Caches:       caches,
		Clients:      hub,
		Registration: reg,
		Logger:       logger.NewMultiLogger(l.Named("driver"), dbg),
		Debug:        dbg,
		IdleDelay:    cfg.Idle.Delay.Std(),
		MaxIdleDelay: cfg.Idle.MaxDelay.Std(),
		BuildVersion: version,
	})
	if err != nil {
		_ = closer()
		return nil, err
	}
	srv, err := server.New(server.Config{
		Addr:      cfg.Listen,
		Scope:     scope,
		Upstream:  upstream,
		Transport: client.Transport,
		RPC:       server.RPCConfig{Secret: cfg.RPCSecret, Version: version},
	}, d, hub, reg, logger.NewMultiLogger(l.Named("server"), dbg))
	if err != nil {
		_ = d.Close()
		_ = closer()
		return nil, err
	}
	return &daemon{log: l, driver: d, server: srv, cfg: cfg, closer: closer}, nil
}

// run activates the driver, starts background checks and serves until
// ctx is done.
func (dm *daemon) run(ctx context.Context) error {
	defer func() {
		_ = dm.driver.Close()
		if err := dm.closer(); err != nil {
			dm.log.Warning("error closing state database: %v", err)
		}
	}()

	go func() {
		if err := dm.driver.Activate(ctx); err != nil {
			dm.log.Warning("initial install failed, serving from the network: %v", err)
		}
	}()

	dm.sched = cron.New(ctx, dm.log.Named("cron"))
	if err := dm.scheduleChecks(dm.cfg.CheckCron); err != nil {
		return err
	}
	if dm.reload != nil && configPath != "" {
		if err := config.Watch(ctx, configPath, dm.log.Named("config"), dm.onConfigChange); err != nil {
			dm.log.Warning("config reload disabled: %v", err)
		}
	}

	err := dm.server.Start(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// scheduleChecks (re)installs the periodic update check for expr.
func (dm *daemon) scheduleChecks(expr string) error {
	dm.sched.Remove(checkJob)
	if expr == "" || expr == config.CheckCronOff {
		return nil
	}
	return dm.sched.Add(checkJob, expr, func(ctx context.Context) error {
		if err := dm.driver.EnsureInitialized(ctx); err != nil {
			return err
		}
		_, err := dm.driver.CheckForUpdate(ctx)
		return err
	})
}

// onConfigChange applies the settings that can change at runtime and
// warns about the rest.
func (dm *daemon) onConfigChange() {
	next, err := dm.reload()
	if err != nil {
		dm.log.Warning("ignoring config change: %v", err)
		return
	}
	cur := dm.cfg
	if next.RPCSecret != cur.RPCSecret {
		dm.server.SetRPCSecret(next.RPCSecret)
		dm.log.Info("admin secret updated")
	}
	if next.CheckCron != cur.CheckCron {
		if err := dm.scheduleChecks(next.CheckCron); err != nil {
			dm.log.Warning("keeping update checks on %q: %v", cur.CheckCron, err)
			next.CheckCron = cur.CheckCron
			_ = dm.scheduleChecks(cur.CheckCron)
		} else {
			dm.log.Info("update checks now run on %q", next.CheckCron)
		}
	}
	if next.Origin != cur.Origin || next.Listen != cur.Listen || next.ScopeURL() != cur.ScopeURL() ||
		next.DataDir != cur.DataDir || next.Ephemeral != cur.Ephemeral || next.Proxy != cur.Proxy {
		dm.log.Warning("network and storage settings changed; restart swdriver to apply them")
	}
	dm.cfg = next
}

func serve(ctx *cli.Context) error {
	fs := afero.NewOsFs()
	cfg, err := loadConfig(ctx, fs)
	if err != nil {
		common.PrintRuntimeErr(ctx, "serve", "config", err)
		return nil
	}
	l := logger.NewStandardLogger(log.New(os.Stderr, "swdriver: ", log.LstdFlags))
	dm, err := newDaemon(cfg, fs, l, ctx.App.Version)
	if err != nil {
		common.PrintRuntimeErr(ctx, "serve", "init", err)
		return nil
	}
	dm.reload = func() (*config.Config, error) { return loadConfig(ctx, fs) }
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := dm.run(sigCtx); err != nil {
		common.PrintRuntimeErr(ctx, "serve", "listen", err)
	}
	return nil
}
