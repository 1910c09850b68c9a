package beatsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Remote.RequestTimeout.Std() != 30*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.Remote.RequestTimeout)
	}
	if cfg.Sync.MinInterval.Std() != 30*time.Second {
		t.Errorf("MinInterval = %v", cfg.Sync.MinInterval)
	}
	if cfg.Sync.FetchTimeout.Std() != 8*time.Second {
		t.Errorf("FetchTimeout = %v", cfg.Sync.FetchTimeout)
	}
	if cfg.Cache.StaleAfter.Std() != 2*time.Minute {
		t.Errorf("StaleAfter = %v", cfg.Cache.StaleAfter)
	}
	if !cfg.Snapshot.Compress {
		t.Error("Compress should default to true")
	}
}

func TestConfig_NormalizeBackfillsZeroes(t *testing.T) {
	var cfg Config
	cfg.normalize()

	def := DefaultConfig()
	if cfg.Remote.MaxRetries != def.Remote.MaxRetries {
		t.Errorf("MaxRetries = %d, want default %d", cfg.Remote.MaxRetries, def.Remote.MaxRetries)
	}
	if cfg.Sync.MinInterval != def.Sync.MinInterval {
		t.Errorf("MinInterval = %v, want default", cfg.Sync.MinInterval)
	}
	if cfg.LiveFeed.ReconnectBackoff != def.LiveFeed.ReconnectBackoff {
		t.Errorf("ReconnectBackoff = %v, want default", cfg.LiveFeed.ReconnectBackoff)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults pass", func(*Config) {}, false},
		{"encryption without password", func(c *Config) {
			c.Snapshot.Encryption = &SnapshotEncryptionConfig{Enabled: true}
		}, true},
		{"live feed without url", func(c *Config) {
			c.LiveFeed.Enabled = true
		}, true},
		{"s3 without bucket", func(c *Config) {
			c.Snapshot.S3 = &S3BackupConfig{Region: "ap-south-1"}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	yaml := `
remote:
  base_url: https://api.example.com
  request_timeout: 10s
sync:
  min_interval: 45s
snapshot:
  dir: /var/lib/beatsync/snapshots
  compress: true
live_feed:
  enabled: true
  url: wss://api.example.com/feed
`
	path := filepath.Join(t.TempDir(), "beatsync.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}

	if cfg.Remote.BaseURL != "https://api.example.com" {
		t.Errorf("BaseURL = %q", cfg.Remote.BaseURL)
	}
	if cfg.Remote.RequestTimeout.Std() != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want file value", cfg.Remote.RequestTimeout)
	}
	if cfg.Sync.MinInterval.Std() != 45*time.Second {
		t.Errorf("MinInterval = %v, want file value", cfg.Sync.MinInterval)
	}
	// Omitted fields keep defaults.
	if cfg.Sync.FetchTimeout.Std() != 8*time.Second {
		t.Errorf("FetchTimeout = %v, want default for omitted field", cfg.Sync.FetchTimeout)
	}
	if !cfg.LiveFeed.Enabled || cfg.LiveFeed.URL == "" {
		t.Errorf("LiveFeed = %+v, want enabled with url", cfg.LiveFeed)
	}
}

func TestLoadConfigFile_InvalidConfigRejected(t *testing.T) {
	yaml := `
live_feed:
  enabled: true
`
	path := filepath.Join(t.TempDir(), "beatsync.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigFile(path); err == nil {
		t.Error("config with enabled live feed and no url accepted")
	}
}

func TestLoadConfigFile_MissingFile(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
