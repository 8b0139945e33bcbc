// Package driver is the control plane of the offline cache: it pins
// clients to manifest versions, installs updates, cleans up unused caches
// and decides, per request, whether a version or the network answers.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/warpdl/swdriver/internal/appversion"
	"github.com/warpdl/swdriver/internal/idle"
	"github.com/warpdl/swdriver/pkg/clock"
	"github.com/warpdl/swdriver/pkg/fetch"
	"github.com/warpdl/swdriver/pkg/logger"
	"github.com/warpdl/swdriver/pkg/manifest"
	"github.com/warpdl/swdriver/pkg/storage"
)

// State is the driver's readiness.
type State int

const (
	// Normal serves every client from the latest version.
	Normal State = iota
	// ExistingClientsOnly keeps assigned clients on their version and
	// sends everyone else to the network.
	ExistingClientsOnly
	// SafeMode never intercepts.
	SafeMode
)

func (s State) String() string {
	switch s {
	case ExistingClientsOnly:
		return "EXISTING_CLIENTS_ONLY"
	case SafeMode:
		return "SAFE_MODE"
	default:
		return "NORMAL"
	}
}

const (
	keyManifests   = "manifests"
	keyAssignments = "assignments"
	keyLatest      = "latest"

	nominal = "(nominal)"
)

type latestEntry struct {
	Latest string `json:"latest"`
}

type initState int

const (
	initPending initState = iota
	initRunning
	initReady
	initFailed
)

// Options configures a Driver. Scope, Fetcher, DB and Caches are
// required.
type Options struct {
	Scope        *fetch.Scope
	Fetcher      fetch.Fetcher
	DB           storage.Database
	Caches       storage.CacheStorage
	Clients      Clients
	Registration Registration
	Clock        clock.Clock
	Logger       logger.Logger
	// Debug collects the diagnostic log shown on the state page.
	Debug *logger.DebugLogger
	// IdleDelay and MaxIdleDelay default to idle.IdleDelay and
	// idle.MaxIdleDelay.
	IdleDelay    time.Duration
	MaxIdleDelay time.Duration
	// BlockOnInit makes initialization install every version before
	// returning. It defaults to true for a localhost scope.
	BlockOnInit *bool
	// NewVersion overrides how versions are built; tests use it.
	NewVersion VersionFactory
	// BuildVersion is shown on the state page.
	BuildVersion string
}

// Driver is safe for concurrent use. mu guards the in-memory state and is
// never held across network or storage calls.
type Driver struct {
	scope        *fetch.Scope
	fetcher      fetch.Fetcher
	db           storage.Database
	caches       storage.CacheStorage
	clients      Clients
	registration Registration
	clock        clock.Clock
	log          logger.Logger
	debug        *logger.DebugLogger
	idle         *idle.Scheduler
	newVersion   VersionFactory
	blockOnInit  bool
	buildVersion string
	statePath    string
	controlName  string

	ctx    context.Context
	cancel context.CancelFunc

	mu                      sync.Mutex
	state                   State
	stateMessage            string
	versions                map[string]Version
	installing              map[string]Version
	clientVersion           map[string]string
	latestHash              string
	lastUpdateCheck         time.Time
	scheduledNavUpdateCheck bool
	loggedOnlyIfCached      bool

	initMu   sync.Mutex
	phase    initState
	initDone chan struct{}
	initErr  error

	// syncMu orders control table writes.
	syncMu sync.Mutex
	update singleflight.Group
}

// New wires a driver. Nothing is read or fetched until the first request
// or message.
func New(opts Options) (*Driver, error) {
	if opts.Scope == nil || opts.Fetcher == nil || opts.DB == nil || opts.Caches == nil {
		return nil, errors.New("error: driver needs a scope, fetcher, database and cache storage")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}
	if opts.Debug == nil {
		opts.Debug = logger.NewDebugLogger(opts.Clock.Now, opts.Logger)
	}
	if opts.Clients == nil {
		opts.Clients = noClients{}
	}
	if opts.Registration == nil {
		opts.Registration = noRegistration{}
	}
	if opts.IdleDelay <= 0 {
		opts.IdleDelay = idle.IdleDelay
	}
	if opts.MaxIdleDelay <= 0 {
		opts.MaxIdleDelay = idle.MaxIdleDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		scope:        opts.Scope,
		fetcher:      opts.Fetcher,
		db:           opts.DB,
		caches:       opts.Caches,
		clients:      opts.Clients,
		registration: opts.Registration,
		clock:        opts.Clock,
		log:          opts.Logger,
		debug:        opts.Debug,
		buildVersion: opts.BuildVersion,
		statePath:    opts.Scope.Resolve("ngsw/state").Path,
		controlName:  opts.Scope.CacheNamePrefix() + ":db:control",
		ctx:          ctx,
		cancel:       cancel,

		state:         Normal,
		stateMessage:  nominal,
		versions:      map[string]Version{},
		installing:    map[string]Version{},
		clientVersion: map[string]string{},
	}
	d.idle = idle.New(ctx, opts.Clock, opts.IdleDelay, opts.MaxIdleDelay, d.debug)
	d.blockOnInit = opts.Scope.IsLocalhost()
	if opts.BlockOnInit != nil {
		d.blockOnInit = *opts.BlockOnInit
	}
	d.newVersion = opts.NewVersion
	if d.newVersion == nil {
		env := appversion.Env{
			Scope:   d.scope,
			Fetcher: d.fetcher,
			Caches:  d.caches,
			DB:      d.db,
			Idle:    d.idle,
			Debug:   d.debug,
			Clock:   d.clock,
		}
		d.newVersion = func(m *manifest.Manifest, hash string) (Version, error) {
			return appversion.New(env, m, hash)
		}
	}
	return d, nil
}

// Close stops the idle scheduler. Queued tasks are dropped.
func (d *Driver) Close() error {
	d.cancel()
	d.idle.Stop()
	return nil
}

// Idle exposes the maintenance queue, mostly so callers can drain it.
func (d *Driver) Idle() *idle.Scheduler { return d.idle }

// State returns the current readiness and the reason for it.
func (d *Driver) State() (State, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.stateMessage
}

// LatestHash is empty until initialization succeeds.
func (d *Driver) LatestHash() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latestHash
}

// Assignments returns a copy of the client to version map.
func (d *Driver) Assignments() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.clientVersion))
	for k, v := range d.clientVersion {
		out[k] = v
	}
	return out
}

// EnsureInitialized runs initialization exactly once; concurrent and
// later callers share its outcome. A failure puts the driver in safe mode
// for the rest of its life.
func (d *Driver) EnsureInitialized(ctx context.Context) error {
	d.initMu.Lock()
	switch d.phase {
	case initReady:
		d.initMu.Unlock()
		return nil
	case initFailed:
		err := d.initErr
		d.initMu.Unlock()
		return err
	case initRunning:
		done := d.initDone
		d.initMu.Unlock()
		select {
		case <-done:
			d.initMu.Lock()
			defer d.initMu.Unlock()
			return d.initErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.phase = initRunning
	d.initDone = make(chan struct{})
	d.initMu.Unlock()

	err := d.initialize(context.WithoutCancel(ctx))
	if err != nil {
		d.mu.Lock()
		d.state = SafeMode
		d.stateMessage = fmt.Sprintf("Initialization failed due to error: %v", err)
		d.mu.Unlock()
		d.log.Error("initialization failed, entering safe mode: %v", err)
	}

	d.initMu.Lock()
	if err != nil {
		d.phase = initFailed
	} else {
		d.phase = initReady
	}
	d.initErr = err
	close(d.initDone)
	d.initMu.Unlock()

	d.idle.Trigger()
	return err
}

func (d *Driver) controlTable(ctx context.Context) (storage.Table, error) {
	return d.db.Open(ctx, d.controlName)
}

// readControl loads the three control entries concurrently.
func (d *Driver) readControl(ctx context.Context) (map[string]*manifest.Manifest, map[string]string, latestEntry, error) {
	var (
		manifests   map[string]*manifest.Manifest
		assignments map[string]string
		latest      latestEntry
	)
	table, err := d.controlTable(ctx)
	if err != nil {
		return nil, nil, latest, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return table.Read(gctx, keyManifests, &manifests) })
	g.Go(func() error { return table.Read(gctx, keyAssignments, &assignments) })
	g.Go(func() error { return table.Read(gctx, keyLatest, &latest) })
	if err := g.Wait(); err != nil {
		return nil, nil, latest, err
	}
	d.mu.Lock()
	_, known := d.versions[latest.Latest]
	d.mu.Unlock()
	if _, ok := manifests[latest.Latest]; !ok && !known {
		d.debug.Log(fmt.Sprintf("Missing manifest for latest version hash %s", latest.Latest), "initialize: read from DB")
		return nil, nil, latest, fmt.Errorf("missing manifest for latest hash %q", latest.Latest)
	}
	return manifests, assignments, latest, nil
}

func (d *Driver) initialize(ctx context.Context) error {
	manifests, assignments, latest, err := d.readControl(ctx)
	if err == nil {
		d.idle.Schedule("init post-load (update)", func(ctx context.Context) error {
			_, err := d.CheckForUpdate(ctx)
			return err
		})
		d.idle.Schedule("init post-load (cleanup)", d.cleanupCaches)
	} else {
		if !errors.Is(err, storage.ErrNotFound) {
			d.debug.Log(err, "initialize: read from DB")
		}
		m, err := d.fetchLatestManifest(ctx, false)
		if err != nil {
			return err
		}
		if err := manifest.Validate(m); err != nil {
			d.deleteAllCaches(ctx)
			if uerr := d.registration.Unregister(ctx); uerr != nil {
				d.debug.Log(uerr, "initialize: unregister")
			}
			return err
		}
		hash, err := manifest.Hash(m)
		if err != nil {
			return err
		}
		manifests = map[string]*manifest.Manifest{hash: m}
		assignments = map[string]string{}
		latest = latestEntry{Latest: hash}
		table, err := d.controlTable(ctx)
		if err != nil {
			return err
		}
		err = storage.WriteAll(ctx, table, map[string]any{
			keyManifests:   manifests,
			keyAssignments: assignments,
			keyLatest:      latest,
		})
		if err != nil {
			return err
		}
	}

	d.idle.Schedule("init post-load (cleanup old caches)", d.cleanupOldCaches)

	hashes := make([]string, 0, len(manifests))
	for hash := range manifests {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)
	built := make([]Version, 0, len(hashes))

	d.mu.Lock()
	for _, hash := range hashes {
		v, ok := d.versions[hash]
		if !ok {
			v, err = d.newVersion(manifests[hash], hash)
			if err != nil {
				d.mu.Unlock()
				return fmt.Errorf("error: cannot build version %s: %w", hash, err)
			}
			d.versions[hash] = v
		}
		built = append(built, v)
	}
	for clientID, hash := range assignments {
		if _, ok := d.versions[hash]; ok {
			d.clientVersion[clientID] = hash
			continue
		}
		d.clientVersion[clientID] = latest.Latest
		d.debug.Log(fmt.Sprintf("Unknown version %s mapped for client %s, using latest instead", hash, clientID), "initialize: map assignments")
	}
	d.latestHash = latest.Latest
	d.mu.Unlock()

	for _, v := range built {
		d.scheduleInitialization(ctx, v)
	}
	return nil
}

// scheduleInitialization installs v in the background, or right away on a
// development scope so the first response already comes from cache.
func (d *Driver) scheduleInitialization(ctx context.Context, v Version) {
	run := func(ctx context.Context) error {
		if err := v.InitializeFully(ctx, nil); err != nil {
			d.debug.Log(err, fmt.Sprintf("initializeFully for %s", v.Hash()))
			d.versionFailed(ctx, v, err)
		}
		return nil
	}
	if d.blockOnInit {
		_ = run(ctx)
		return
	}
	d.idle.Schedule(fmt.Sprintf("initialization(%s)", v.Hash()), run)
}

// sync persists versions, assignments and the latest hash as one write.
func (d *Driver) sync(ctx context.Context) error {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()

	d.mu.Lock()
	manifests := make(map[string]*manifest.Manifest, len(d.versions))
	for hash, v := range d.versions {
		manifests[hash] = v.Manifest()
	}
	assignments := make(map[string]string, len(d.clientVersion))
	for id, hash := range d.clientVersion {
		assignments[id] = hash
	}
	latest := latestEntry{Latest: d.latestHash}
	d.mu.Unlock()

	table, err := d.controlTable(ctx)
	if err != nil {
		return fmt.Errorf("error: cannot open control table: %w", err)
	}
	err = storage.WriteAll(ctx, table, map[string]any{
		keyManifests:   manifests,
		keyAssignments: assignments,
		keyLatest:      latest,
	})
	if err != nil {
		return fmt.Errorf("error: cannot persist driver state: %w", err)
	}
	return nil
}

func (d *Driver) lookupVersion(hash string) (Version, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.versions[hash]
	return v, ok
}

// liveVersions returns every known version, latest first.
func (d *Driver) liveVersions() []Version {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Version, 0, len(d.versions))
	if v, ok := d.versions[d.latestHash]; ok {
		out = append(out, v)
	}
	hashes := make([]string, 0, len(d.versions))
	for h := range d.versions {
		if h != d.latestHash {
			hashes = append(hashes, h)
		}
	}
	sort.Strings(hashes)
	for _, h := range hashes {
		out = append(out, d.versions[h])
	}
	return out
}

// The driver is the update source for versions being installed. None of
// these methods wait for initialization.

func (d *Driver) LookupResourceWithHash(ctx context.Context, url, hash string) (*fetch.Response, error) {
	for _, v := range d.liveVersions() {
		resp, err := v.LookupResourceWithHash(ctx, url, hash)
		if err != nil {
			d.debug.Log(err, "lookupResourceWithHash")
			continue
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, nil
}

func (d *Driver) latestVersion() Version {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.versions[d.latestHash]
}

func (d *Driver) LookupResourceWithoutHash(ctx context.Context, url string) (*appversion.CacheState, error) {
	v := d.latestVersion()
	if v == nil {
		return nil, nil
	}
	return v.LookupResourceWithoutHash(ctx, url)
}

func (d *Driver) PreviouslyCachedResources(ctx context.Context) ([]string, error) {
	v := d.latestVersion()
	if v == nil {
		return nil, nil
	}
	return v.PreviouslyCachedResources(ctx)
}

func (d *Driver) RecentCacheStatus(ctx context.Context, url string) (appversion.UpdateCacheStatus, error) {
	v := d.latestVersion()
	if v == nil {
		return appversion.NotCached, nil
	}
	return v.RecentCacheStatus(ctx, url)
}

var _ appversion.UpdateSource = (*Driver)(nil)

type noClients struct{}

func (noClients) MatchAll(context.Context) ([]Client, error) { return nil, nil }
func (noClients) PostMessage(context.Context, string, any) error {
	return ErrClientGone
}

type noRegistration struct{}

func (noRegistration) Unregister(context.Context) error { return nil }
func (noRegistration) ShowNotification(context.Context, string, map[string]any) error {
	return nil
}
