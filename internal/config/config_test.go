package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
server:
  listen_addr: ":9000"
upstream:
  base_url: https://localhost:5000/v1/api
  timeout: 3s
poller:
  batch_size: 5
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("Server.ListenAddr = %q, want %q", cfg.Server.ListenAddr, ":9000")
	}
	if cfg.Upstream.BaseURL != "https://localhost:5000/v1/api" {
		t.Errorf("Upstream.BaseURL = %q, want %q", cfg.Upstream.BaseURL, "https://localhost:5000/v1/api")
	}
	if cfg.Upstream.Timeout != 3*time.Second {
		t.Errorf("Upstream.Timeout = %v, want %v", cfg.Upstream.Timeout, 3*time.Second)
	}
	if cfg.Poller.BatchSize != 5 {
		t.Errorf("Poller.BatchSize = %d, want 5", cfg.Poller.BatchSize)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_UPSTREAM_URL", "https://gw.example.com/v1/api")

	yaml := `
upstream:
  base_url: ${TEST_UPSTREAM_URL}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Upstream.BaseURL != "https://gw.example.com/v1/api" {
		t.Errorf("Upstream.BaseURL = %q, want env-expanded value", cfg.Upstream.BaseURL)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/relay.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &RelayConfig{}
	cfg.ApplyDefaults()

	if cfg.Server.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, DefaultListenAddr)
	}
	if cfg.Session.TickleInterval != DefaultTickleInterval {
		t.Errorf("TickleInterval = %v, want %v", cfg.Session.TickleInterval, DefaultTickleInterval)
	}
	if cfg.Session.MaxProbeFailures != DefaultMaxProbeFailures {
		t.Errorf("MaxProbeFailures = %d, want %d", cfg.Session.MaxProbeFailures, DefaultMaxProbeFailures)
	}
	if cfg.Poller.MinInterval != 200*time.Millisecond {
		t.Errorf("MinInterval = %v, want 200ms", cfg.Poller.MinInterval)
	}
	if cfg.Poller.MaxInterval != 5*time.Second {
		t.Errorf("MaxInterval = %v, want 5s", cfg.Poller.MaxInterval)
	}
	if cfg.Poller.BatchSize != 10 {
		t.Errorf("BatchSize = %d, want 10", cfg.Poller.BatchSize)
	}
	if cfg.Batcher.Window != 100*time.Millisecond {
		t.Errorf("Batcher.Window = %v, want 100ms", cfg.Batcher.Window)
	}
	if cfg.Hub.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", cfg.Hub.MaxReconnectAttempts)
	}
	if cfg.Hub.ReconnectMaxDelay != 30*time.Second {
		t.Errorf("ReconnectMaxDelay = %v, want 30s", cfg.Hub.ReconnectMaxDelay)
	}
	if cfg.Cache.HistoryDepth != 1000 {
		t.Errorf("HistoryDepth = %d, want 1000", cfg.Cache.HistoryDepth)
	}
}

func TestApplyDefaultsPreservesExplicit(t *testing.T) {
	cfg := &RelayConfig{}
	cfg.Poller.BatchSize = 4
	cfg.Hub.OutboundQueueSize = 16
	cfg.ApplyDefaults()

	if cfg.Poller.BatchSize != 4 {
		t.Errorf("BatchSize = %d, want explicit 4", cfg.Poller.BatchSize)
	}
	if cfg.Hub.OutboundQueueSize != 16 {
		t.Errorf("OutboundQueueSize = %d, want explicit 16", cfg.Hub.OutboundQueueSize)
	}
}

func TestValidate(t *testing.T) {
	base := func() *RelayConfig {
		cfg := &RelayConfig{}
		cfg.Upstream.BaseURL = "https://localhost:5000/v1/api"
		cfg.ApplyDefaults()
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		if err := base().Validate(); err != nil {
			t.Errorf("Validate failed: %v", err)
		}
	})

	t.Run("missing base_url", func(t *testing.T) {
		cfg := base()
		cfg.Upstream.BaseURL = ""
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for missing upstream.base_url")
		}
	})

	t.Run("interval bounds inverted", func(t *testing.T) {
		cfg := base()
		cfg.Poller.MinInterval = time.Second
		cfg.Poller.MaxInterval = 100 * time.Millisecond
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for max_interval < min_interval")
		}
	})

	t.Run("archive enabled requires database", func(t *testing.T) {
		cfg := base()
		cfg.Archive.Enabled = true
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for incomplete archive database config")
		}
	})

	t.Run("archive enabled with database", func(t *testing.T) {
		cfg := base()
		cfg.Archive.Enabled = true
		cfg.Archive.Database = DBConfig{
			Host:     "localhost",
			Port:     5432,
			Name:     "quotes",
			User:     "relay",
			Password: "secret",
			MaxConns: 4,
			MinConns: 1,
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate failed: %v", err)
		}
	})
}

func TestLoadAndValidate(t *testing.T) {
	yaml := `
upstream:
  base_url: https://localhost:5000/v1/api
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadAndValidate(path)
	if err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}
	if cfg.Poller.BatchSize != DefaultBatchSize {
		t.Errorf("BatchSize = %d, want default %d", cfg.Poller.BatchSize, DefaultBatchSize)
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
