// Package config loads the daemon configuration.
//
// Values come from three layers, later ones winning: built-in defaults,
// an optional YAML file, and SWDRIVER_* environment variables. Command
// line flags are applied on top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/warpdl/swdriver/common"
	"github.com/warpdl/swdriver/internal/cron"
	"github.com/warpdl/swdriver/internal/idle"
)

// Config is the daemon configuration.
type Config struct {
	// Origin is the upstream application server, e.g. http://127.0.0.1:4200.
	Origin string `yaml:"origin"`

	// Scope is the public URL the daemon serves the app under. Defaults
	// to http://<listen>/.
	Scope string `yaml:"scope"`

	Listen string `yaml:"listen"`

	// DataDir holds the control database and cached bodies.
	DataDir string `yaml:"dataDir"`

	// Ephemeral keeps all state in memory.
	Ephemeral bool `yaml:"ephemeral"`

	// RPCSecret is the bearer token for the admin endpoint. Empty
	// disables it.
	RPCSecret string `yaml:"rpcSecret"`

	// CheckCron schedules background update checks. "off" disables them.
	CheckCron string `yaml:"checkCron"`

	// Proxy is an optional http, https or socks5 proxy for upstream calls.
	Proxy string `yaml:"proxy"`

	Timeout Duration `yaml:"timeout"`

	Idle IdleConfig `yaml:"idle"`
}

// IdleConfig tunes the idle task scheduler.
type IdleConfig struct {
	Delay    Duration `yaml:"delay"`
	MaxDelay Duration `yaml:"maxDelay"`
}

// CheckCronOff disables periodic update checks.
const CheckCronOff = "off"

var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration written as "30s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() *Config {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return &Config{
		Listen:    common.DefaultListen,
		DataDir:   filepath.Join(dir, common.DataDirName),
		CheckCron: common.DefaultCheckCron,
		Timeout:   Duration(common.DefaultTimeout),
		Idle: IdleConfig{
			Delay:    Duration(idle.IdleDelay),
			MaxDelay: Duration(idle.MaxIdleDelay),
		},
	}
}

// Load builds the configuration from the defaults, the file at path (if
// not empty) and the process environment.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(fs, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile merges the YAML file at path into c. Unknown keys are errors.
// Files ending in .json or .jsonc are read as JSON with comments and
// trailing commas allowed.
func (c *Config) LoadFile(fs afero.Fs, path string) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("error: failed to open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

// ApplyEnv overrides fields from SWDRIVER_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		common.OriginEnv:    &c.Origin,
		common.ScopeEnv:     &c.Scope,
		common.ListenEnv:    &c.Listen,
		common.DataDirEnv:   &c.DataDir,
		common.RPCSecretEnv: &c.RPCSecret,
		common.CheckCronEnv: &c.CheckCron,
		common.ProxyEnv:     &c.Proxy,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	if v, ok := lookup(common.EphemeralEnv); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, common.EphemeralEnv, v, err)
		}
		c.Ephemeral = b
	}
	return nil
}

// ScopeURL returns the configured scope, or one derived from Listen.
func (c *Config) ScopeURL() string {
	if c.Scope != "" {
		return c.Scope
	}
	return "http://" + c.Listen + "/"
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Origin == "" {
		errs = append(errs, errors.New("origin is required"))
	} else if u, err := url.Parse(c.Origin); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("origin %q is not an absolute URL", c.Origin))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.Scope != "" {
		if u, err := url.Parse(c.Scope); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("scope %q is not an absolute URL", c.Scope))
		}
	}
	if !c.Ephemeral && c.DataDir == "" {
		errs = append(errs, errors.New("dataDir is required unless ephemeral"))
	}
	if c.CheckCron != "" && c.CheckCron != CheckCronOff {
		if err := cron.Validate(c.CheckCron); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Idle.Delay < 0 || c.Idle.MaxDelay < 0 || c.Timeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
