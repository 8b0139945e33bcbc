package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/warpdl/swdriver/pkg/fetch"
)

var errNoLatest = errors.New("invariant violated (assignVersion): latestHash was empty")

// assignVersion picks the version that serves req, pinning new clients to
// the latest version. A nil version means the network should answer.
func (d *Driver) assignVersion(ctx context.Context, req *fetch.Request) (Version, error) {
	v, err := d.assign(ctx, req)
	if err != nil || v == nil || v.Okay() {
		return v, err
	}
	// The pinned version broke since it was assigned; move its clients
	// and try once more.
	d.versionFailed(ctx, v, fmt.Errorf("version %s is no longer healthy", v.Hash()))
	return d.assign(ctx, req)
}

func (d *Driver) assign(ctx context.Context, req *fetch.Request) (Version, error) {
	clientID := req.ResultingClientID
	if clientID == "" {
		clientID = req.ClientID
	}

	d.mu.Lock()
	state := d.state
	latest := d.latestHash
	if clientID == "" {
		d.mu.Unlock()
		if state != Normal {
			return nil, nil
		}
		return d.versionOrError(latest)
	}
	hash, assigned := d.clientVersion[clientID]
	if !assigned {
		if state != Normal {
			d.mu.Unlock()
			return nil, nil
		}
		if latest == "" {
			d.mu.Unlock()
			return nil, errNoLatest
		}
		d.clientVersion[clientID] = latest
		d.mu.Unlock()
		if err := d.sync(ctx); err != nil {
			d.debug.Log(err, "assignVersion")
		}
		return d.versionOrError(latest)
	}
	d.mu.Unlock()

	v, err := d.versionOrError(hash)
	if err != nil {
		return nil, err
	}
	if state == Normal && hash != latest && v.IsNavigationRequest(req) {
		if latest == "" {
			return nil, errNoLatest
		}
		if _, err := d.updateClient(ctx, clientID); err != nil {
			d.debug.Log(err, "assignVersion: updateClient")
		}
		return d.versionOrError(latest)
	}
	return v, nil
}

func (d *Driver) versionOrError(hash string) (Version, error) {
	if hash == "" {
		return nil, errNoLatest
	}
	v, ok := d.lookupVersion(hash)
	if !ok {
		return nil, fmt.Errorf("invariant violated (assignVersion): want AppVersion for %s but not loaded", hash)
	}
	return v, nil
}

// updateClient moves clientID to the latest version and tells it so. It
// reports false when the client was already there.
func (d *Driver) updateClient(ctx context.Context, clientID string) (bool, error) {
	d.mu.Lock()
	latest := d.latestHash
	existing, assigned := d.clientVersion[clientID]
	if assigned && existing == latest {
		d.mu.Unlock()
		return false, nil
	}
	current, ok := d.versions[latest]
	if !ok {
		d.mu.Unlock()
		return false, errNoLatest
	}
	var previous *VersionDescriptor
	if prev, ok := d.versions[existing]; assigned && ok {
		desc := describe(prev)
		previous = &desc
	}
	d.clientVersion[clientID] = latest
	d.mu.Unlock()

	if err := d.sync(ctx); err != nil {
		return false, err
	}
	d.post(ctx, clientID, UpdateActivatedEvent{
		Type:     EventUpdateActivated,
		Previous: previous,
		Current:  describe(current),
	})
	return true, nil
}
