package main

import (
	"testing"
	"time"
)

func TestBackoffBudget(t *testing.T) {
	cfg := Config{RetryDelayBase: 2, MaxRetryAttempts: 5}
	// 2 + 4 + 8 + 16 seconds between the five attempts.
	if got := cfg.backoffBudget(); got != 30*time.Second {
		t.Errorf("backoffBudget = %s, want 30s", got)
	}

	cfg.MaxRetryAttempts = 1
	if got := cfg.backoffBudget(); got != 0 {
		t.Errorf("single-attempt budget = %s, want 0", got)
	}
}

func TestPerFileTimeout(t *testing.T) {
	cfg := Config{RetryDelayBase: 2, MaxRetryAttempts: 3, FileTimeout: time.Minute}
	if got := cfg.perFileTimeout(); got != time.Minute+6*time.Second {
		t.Errorf("perFileTimeout = %s, want 1m6s", got)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		SourceDir:        "/inbox",
		ArchiveRoot:      "/archive",
		MaxWorkers:       4,
		BatchSize:        50,
		MaxRetryAttempts: 5,
		RetryDelayBase:   2,
	}
	if err := valid.validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	broken := []func(*Config){
		func(c *Config) { c.SourceDir = "" },
		func(c *Config) { c.ArchiveRoot = "" },
		func(c *Config) { c.MaxWorkers = 0 },
		func(c *Config) { c.BatchSize = 0 },
		func(c *Config) { c.MaxRetryAttempts = 0 },
		func(c *Config) { c.RetryDelayBase = 0 },
	}
	for i, mutate := range broken {
		c := valid
		mutate(&c)
		if err := c.validate(); err == nil {
			t.Errorf("mutation %d accepted", i)
		}
	}
}

func TestDefaultConfigEnvOverrides(t *testing.T) {
	t.Setenv("SOURCE_DIRECTORY", "/mnt/inbox")
	t.Setenv("MAX_WORKERS", "9")
	t.Setenv("SCAN_INTERVAL", "10")
	t.Setenv("RETRY_DELAY_BASE", "1.5")

	cfg := defaultConfig()
	if cfg.SourceDir != "/mnt/inbox" {
		t.Errorf("SourceDir = %q", cfg.SourceDir)
	}
	if cfg.MaxWorkers != 9 {
		t.Errorf("MaxWorkers = %d", cfg.MaxWorkers)
	}
	if cfg.ScanInterval != 10*time.Second {
		t.Errorf("ScanInterval = %s", cfg.ScanInterval)
	}
	if cfg.RetryDelayBase != 1.5 {
		t.Errorf("RetryDelayBase = %v", cfg.RetryDelayBase)
	}
}

func TestDefaultConfigIgnoresGarbageEnv(t *testing.T) {
	t.Setenv("MAX_WORKERS", "lots")
	t.Setenv("RETRY_DELAY_BASE", "fast")
	cfg := defaultConfig()
	if cfg.MaxWorkers != 4 {
		t.Errorf("MaxWorkers = %d, want default 4", cfg.MaxWorkers)
	}
	if cfg.RetryDelayBase != 2 {
		t.Errorf("RetryDelayBase = %v, want default 2", cfg.RetryDelayBase)
	}
}
