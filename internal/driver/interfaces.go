package driver

import (
	"context"
	"errors"

	"github.com/warpdl/swdriver/internal/appversion"
	"github.com/warpdl/swdriver/pkg/fetch"
	"github.com/warpdl/swdriver/pkg/manifest"
)

// ErrClientGone is returned by Clients.PostMessage when the client is no
// longer connected.
var ErrClientGone = errors.New("client is not connected")

// Client is a controlled page as seen by the host.
type Client struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// Clients enumerates controlled pages and delivers messages to them.
type Clients interface {
	MatchAll(ctx context.Context) ([]Client, error)
	PostMessage(ctx context.Context, clientID string, msg any) error
}

// Registration is the host-side registration the driver runs under.
type Registration interface {
	// Unregister stops the host from routing requests through the driver.
	Unregister(ctx context.Context) error
	ShowNotification(ctx context.Context, title string, options map[string]any) error
}

// Version is the part of an application version the driver relies on.
// *appversion.AppVersion implements it.
type Version interface {
	Hash() string
	Manifest() *manifest.Manifest
	Okay() bool
	InitializeFully(ctx context.Context, updateFrom appversion.UpdateSource) error
	HandleFetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error)
	IsNavigationRequest(req *fetch.Request) bool
	LookupResourceWithHash(ctx context.Context, url, hash string) (*fetch.Response, error)
	LookupResourceWithoutHash(ctx context.Context, url string) (*appversion.CacheState, error)
	PreviouslyCachedResources(ctx context.Context) ([]string, error)
	RecentCacheStatus(ctx context.Context, url string) (appversion.UpdateCacheStatus, error)
	// CacheNames lists the caches and tables the version owns.
	CacheNames() []string
	Cleanup(ctx context.Context) error
}

// VersionFactory builds the runtime version for a manifest.
type VersionFactory func(m *manifest.Manifest, hash string) (Version, error)

var _ Version = (*appversion.AppVersion)(nil)
