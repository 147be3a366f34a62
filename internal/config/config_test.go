// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("RC_WORKITEM_ADAPTER")
	os.Unsetenv("RC_WORKITEM_DB_PATH")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.QueueName != "default" {
		t.Fatalf("expected default queue name, got %q", cfg.QueueName)
	}
	if cfg.OrphanTimeout != 30*time.Minute {
		t.Fatalf("expected default orphan timeout 30m, got %v", cfg.OrphanTimeout)
	}
	if cfg.FileSizeThreshold != 1_000_000 {
		t.Fatalf("expected default file size threshold 1MB, got %d", cfg.FileSizeThreshold)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	os.Setenv("RC_WORKITEM_ADAPTER", "sqlite")
	os.Setenv("RC_WORKITEM_DB_PATH", "devdata/work_items.db")
	os.Setenv("RC_WORKITEM_ORPHAN_TIMEOUT_MINUTES", "45")
	defer func() {
		os.Unsetenv("RC_WORKITEM_ADAPTER")
		os.Unsetenv("RC_WORKITEM_DB_PATH")
		os.Unsetenv("RC_WORKITEM_ORPHAN_TIMEOUT_MINUTES")
	}()

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Adapter != AdapterSQLite {
		t.Fatalf("expected sqlite adapter, got %q", cfg.Adapter)
	}
	if cfg.SQLite.DBPath != "devdata/work_items.db" {
		t.Fatalf("expected db path override, got %q", cfg.SQLite.DBPath)
	}
	if cfg.OrphanTimeout != 45*time.Minute {
		t.Fatalf("expected 45m orphan timeout, got %v", cfg.OrphanTimeout)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := &Config{OrphanTimeout: 30 * time.Minute, FileSizeThreshold: 1_000_000, MetricsPort: 9090}
	cfg.Adapter = AdapterSQLite
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for missing sqlite db path")
	}

	cfg.Adapter = AdapterDocDB
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for missing docdb connection info")
	}

	cfg.Adapter = "bogus"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unknown adapter")
	}

	cfg.Adapter = AdapterRedis
	cfg.MetricsPort = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for invalid metrics port")
	}
}
