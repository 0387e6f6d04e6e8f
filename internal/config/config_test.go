package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"aegis/internal/errors"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Workers != 4 {
		t.Fatalf("workers = %d, want 4", cfg.Scheduler.Workers)
	}
	if cfg.Guardrails.SignatureCooldown != 10*time.Minute {
		t.Fatalf("signature cooldown = %v", cfg.Guardrails.SignatureCooldown)
	}
	if cfg.Fuse.Threshold != 5 {
		t.Fatalf("fuse threshold = %d", cfg.Fuse.Threshold)
	}
	if cfg.Engine.DrainInterval != 30*time.Second {
		t.Fatalf("drain interval = %v", cfg.Engine.DrainInterval)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegis.yaml")
	content := `
data_dir: /var/lib/aegis
log_level: debug
scheduler:
  workers: 8
fuse:
  threshold: 3
  cooldown: 2h
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/aegis" {
		t.Fatalf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Scheduler.Workers != 8 {
		t.Fatalf("workers = %d, want 8", cfg.Scheduler.Workers)
	}
	if cfg.Fuse.Cooldown != 2*time.Hour {
		t.Fatalf("fuse cooldown = %v", cfg.Fuse.Cooldown)
	}

	// Untouched sections keep their defaults.
	if cfg.Engine.MediumPerBatch != 2 {
		t.Fatalf("medium_per_batch = %d, want default 2", cfg.Engine.MediumPerBatch)
	}
}

func TestLoadMissingNamedFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("missing named config file accepted")
	}
	if !errors.IsConfig(err) {
		t.Fatalf("error %v is not a config error", err)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}

	cases := map[string]func(*Config){
		"no data dir":        func(c *Config) { c.DataDir = "" },
		"zero workers":       func(c *Config) { c.Scheduler.Workers = 0 },
		"zero medium quota":  func(c *Config) { c.Engine.MediumPerBatch = 0 },
		"threshold over one": func(c *Config) { c.Guardrails.BudgetThreshold = 1.5 },
		"floor over one":     func(c *Config) { c.Reactor.SuccessRateFloor = 1.5 },
		"zero fuse":          func(c *Config) { c.Fuse.Threshold = 0 },
		"no playbooks":       func(c *Config) { c.Playbooks.Path = "" },
		"metrics no listen":  func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Listen = "" },
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: invalid config accepted", name)
		} else if !errors.IsConfig(err) {
			t.Errorf("%s: error %v is not a config error", name, err)
		}
	}
}
