package driver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/warpdl/swdriver/pkg/logger"
	"github.com/warpdl/swdriver/pkg/manifest"
)

type DebugState struct {
	State           string    `json:"state"`
	Why             string    `json:"why"`
	LatestHash      string    `json:"latestHash,omitempty"`
	LastUpdateCheck time.Time `json:"lastUpdateCheck"`
}

type DebugVersion struct {
	Hash     string             `json:"hash"`
	Manifest *manifest.Manifest `json:"manifest"`
	Clients  []string           `json:"clients"`
	Status   string             `json:"status"`
}

type DebugIdleState struct {
	Queue       []string  `json:"queue"`
	LastTrigger time.Time `json:"lastTrigger"`
	LastRun     time.Time `json:"lastRun"`
}

func (d *Driver) DebugState() DebugState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DebugState{
		State:           d.state.String(),
		Why:             d.stateMessage,
		LatestHash:      d.latestHash,
		LastUpdateCheck: d.lastUpdateCheck,
	}
}

// DebugVersions lists known versions, sorted by hash, with their clients.
func (d *Driver) DebugVersions() []DebugVersion {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DebugVersion, 0, len(d.versions))
	for hash, v := range d.versions {
		clients := []string{}
		for id, h := range d.clientVersion {
			if h == hash {
				clients = append(clients, id)
			}
		}
		sort.Strings(clients)
		status := ""
		if !v.Okay() {
			status = "broken"
		}
		out = append(out, DebugVersion{Hash: hash, Manifest: v.Manifest(), Clients: clients, Status: status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

func (d *Driver) DebugIdleState() DebugIdleState {
	return DebugIdleState{
		Queue:       d.idle.TaskDescriptions(),
		LastTrigger: d.idle.LastTrigger(),
		LastRun:     d.idle.LastRun(),
	}
}

// DebugPage renders the plain-text state page served at ngsw/state.
func (d *Driver) DebugPage(context.Context) string {
	now := d.clock.Now()
	st := d.DebugState()
	latest := st.LatestHash
	if latest == "" {
		latest = "none"
	}
	build := d.buildVersion
	if build == "" {
		build = "dev"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "NGSW Debug Info:\n\n")
	fmt.Fprintf(&sb, "Driver version: %s\n", build)
	fmt.Fprintf(&sb, "Driver state: %s (%s)\n", st.State, st.Why)
	fmt.Fprintf(&sb, "Latest manifest hash: %s\n", latest)
	fmt.Fprintf(&sb, "Last update check: %s\n\n", logger.Since(now, st.LastUpdateCheck))

	for _, v := range d.DebugVersions() {
		fmt.Fprintf(&sb, "=== Version %s ===\n\nClients: %s\n\n", v.Hash, strings.Join(v.Clients, ", "))
	}

	is := d.DebugIdleState()
	fmt.Fprintf(&sb, "=== Idle Task Queue ===\n")
	fmt.Fprintf(&sb, "Last update tick: %s\n", logger.Since(now, is.LastTrigger))
	fmt.Fprintf(&sb, "Last update run: %s\n", logger.Since(now, is.LastRun))
	fmt.Fprintf(&sb, "Task queue:\n")
	for _, desc := range is.Queue {
		fmt.Fprintf(&sb, " * %s\n", desc)
	}
	fmt.Fprintf(&sb, "\nDebug log:\n%s", d.debug.Format(now))
	return sb.String()
}
