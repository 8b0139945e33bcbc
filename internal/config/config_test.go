package config

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/warpdl/swdriver/common"
)

func writeFile(t *testing.T, fs afero.Fs, path, data string) {
	t.Helper()
	if err := afero.WriteFile(fs, path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/etc/swdriver.yaml", `
origin: http://127.0.0.1:4200
listen: 0.0.0.0:9000
rpcSecret: s3cret
checkCron: "0 * * * *"
timeout: 10s
idle:
  delay: 2s
  maxDelay: 1m
`)
	cfg := Default()
	if err := cfg.LoadFile(fs, "/etc/swdriver.yaml"); err != nil {
		t.Fatal(err)
	}
	if cfg.Origin != "http://127.0.0.1:4200" || cfg.Listen != "0.0.0.0:9000" || cfg.RPCSecret != "s3cret" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Idle.Delay.Std() != 2*time.Second || cfg.Idle.MaxDelay.Std() != time.Minute || cfg.Timeout.Std() != 10*time.Second {
		t.Fatalf("unexpected durations %+v / %v", cfg.Idle, cfg.Timeout)
	}
	if cfg.DataDir == "" {
		t.Fatal("expected default data dir to survive")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestLoadFile_JSONC(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/swdriver.jsonc", `{
  // upstream dev server
  "origin": "http://127.0.0.1:4200",
  /* keep everything in memory */
  "ephemeral": true,
  "idle": {"delay": "3s",},
}`)
	writeFile(t, fs, "/empty.yaml", "")

	cfg := Default()
	if err := cfg.LoadFile(fs, "/swdriver.jsonc"); err != nil {
		t.Fatal(err)
	}
	if cfg.Origin != "http://127.0.0.1:4200" || !cfg.Ephemeral || cfg.Idle.Delay.Std() != 3*time.Second {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if err := Default().LoadFile(fs, "/empty.yaml"); err != nil {
		t.Fatalf("empty file should keep defaults: %v", err)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/unknown.yaml", "origin: http://x\nbogus: 1\n")
	writeFile(t, fs, "/baddur.yaml", "idle:\n  delay: soon\n")

	tests := []struct {
		name string
		path string
	}{
		{"missing file", "/nope.yaml"},
		{"unknown key", "/unknown.yaml"},
		{"bad duration", "/baddur.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Default().LoadFile(fs, tt.path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		common.OriginEnv:    "http://upstream:8000",
		common.RPCSecretEnv: "from-env",
		common.EphemeralEnv: "true",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Default()
	cfg.Origin = "http://from-file"
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatal(err)
	}
	if cfg.Origin != "http://upstream:8000" || cfg.RPCSecret != "from-env" || !cfg.Ephemeral {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Listen != common.DefaultListen {
		t.Fatalf("unset env changed listen to %q", cfg.Listen)
	}

	env[common.EphemeralEnv] = "maybe"
	if err := cfg.ApplyEnv(lookup); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"ok", func(c *Config) {}, false},
		{"cron off", func(c *Config) { c.CheckCron = CheckCronOff }, false},
		{"missing origin", func(c *Config) { c.Origin = "" }, true},
		{"relative origin", func(c *Config) { c.Origin = "/app" }, true},
		{"bad scope", func(c *Config) { c.Scope = "app" }, true},
		{"bad cron", func(c *Config) { c.CheckCron = "every day" }, true},
		{"no data dir", func(c *Config) { c.DataDir = "" }, true},
		{"ephemeral without data dir", func(c *Config) { c.DataDir = ""; c.Ephemeral = true }, false},
		{"negative idle", func(c *Config) { c.Idle.Delay = Duration(-time.Second) }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			c.Origin = "http://127.0.0.1:4200"
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestScopeURL(t *testing.T) {
	c := Default()
	c.Listen = "127.0.0.1:9000"
	if got := c.ScopeURL(); got != "http://127.0.0.1:9000/" {
		t.Fatalf("unexpected derived scope %q", got)
	}
	c.Scope = "https://app.example.com/shop/"
	if got := c.ScopeURL(); got != c.Scope {
		t.Fatalf("unexpected scope %q", got)
	}
}
