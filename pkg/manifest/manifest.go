// Package manifest defines the ngsw.json application manifest: the
// immutable, versioned description of an application's static resources,
// their cache grouping and hashes, and the navigation routing rules.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// SupportedConfigVersion is the only manifest schema this driver
// understands. There is no migration path between schema versions.
const SupportedConfigVersion = 1

var (
	ErrConfigVersionMismatch = errors.New("unsupported manifest config version")
	ErrMissingIndex          = errors.New("manifest has no index")
	ErrInvalidManifest       = errors.New("invalid manifest")
)

// Install and update modes for asset groups.
const (
	ModePrefetch = "prefetch"
	ModeLazy     = "lazy"
)

// Data group caching strategies.
const (
	StrategyPerformance = "performance"
	StrategyFreshness   = "freshness"
)

// Manifest mirrors the ngsw.json wire format.
type Manifest struct {
	ConfigVersion             int               `json:"configVersion"`
	Timestamp                 int64             `json:"timestamp,omitempty"`
	AppData                   json.RawMessage   `json:"appData,omitempty"`
	Index                     string            `json:"index"`
	AssetGroups               []AssetGroup      `json:"assetGroups,omitempty"`
	DataGroups                []DataGroup       `json:"dataGroups,omitempty"`
	NavigationUrls            []NavigationURL   `json:"navigationUrls"`
	NavigationRequestStrategy string            `json:"navigationRequestStrategy,omitempty"`
	HashTable                 map[string]string `json:"hashTable"`
}

// CacheQueryOptions mirrors the Cache API match options.
type CacheQueryOptions struct {
	IgnoreSearch bool `json:"ignoreSearch,omitempty"`
	IgnoreVary   bool `json:"ignoreVary,omitempty"`
}

// AssetGroup describes a set of versioned static resources.
type AssetGroup struct {
	Name              string             `json:"name"`
	InstallMode       string             `json:"installMode"`
	UpdateMode        string             `json:"updateMode"`
	CacheQueryOptions *CacheQueryOptions `json:"cacheQueryOptions,omitempty"`
	Urls              []string           `json:"urls"`
	Patterns          []string           `json:"patterns"`
}

// DataGroup describes a set of unversioned (API) resources cached with
// an expiry policy.
type DataGroup struct {
	Name                 string             `json:"name"`
	Version              int                `json:"version"`
	Strategy             string             `json:"strategy"`
	Patterns             []string           `json:"patterns"`
	MaxSize              int                `json:"maxSize"`
	MaxAge               Millis             `json:"maxAge"`
	Timeout              *Millis            `json:"timeoutMs,omitempty"`
	RefreshAhead         *Millis            `json:"refreshAheadMs,omitempty"`
	CacheOpaqueResponses *bool              `json:"cacheOpaqueResponses,omitempty"`
	CacheQueryOptions    *CacheQueryOptions `json:"cacheQueryOptions,omitempty"`
}

// NavigationURL is one allow (Positive) or deny rule matched against the
// path of a navigation request.
type NavigationURL struct {
	Positive bool   `json:"positive"`
	Regex    string `json:"regex"`
}

// Parse decodes and sanity-checks an ngsw.json document. It does not
// check the config version; callers decide how to react to a mismatch.
func Parse(data []byte) (*Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if m.Index == "" {
		return nil, ErrMissingIndex
	}
	if m.HashTable == nil {
		m.HashTable = map[string]string{}
	}
	for i, g := range m.AssetGroups {
		if g.InstallMode != ModePrefetch && g.InstallMode != ModeLazy {
			return nil, fmt.Errorf("%w: asset group %q has install mode %q", ErrInvalidManifest, g.Name, g.InstallMode)
		}
		if g.UpdateMode == "" {
			m.AssetGroups[i].UpdateMode = g.InstallMode
		}
	}
	for _, g := range m.DataGroups {
		if g.Strategy != StrategyPerformance && g.Strategy != StrategyFreshness {
			return nil, fmt.Errorf("%w: data group %q has strategy %q", ErrInvalidManifest, g.Name, g.Strategy)
		}
	}
	return &m, nil
}

// Validate reports ErrConfigVersionMismatch when m was produced for a
// different schema version.
func Validate(m *Manifest) error {
	if m.ConfigVersion != SupportedConfigVersion {
		return fmt.Errorf("%w: expected %d, got %d", ErrConfigVersionMismatch, SupportedConfigVersion, m.ConfigVersion)
	}
	return nil
}
