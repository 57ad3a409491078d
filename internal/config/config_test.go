package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/contemptx/usenetsync-sub001/internal/config"
)

func TestManager_RoundTrip(t *testing.T) {
	t.Parallel()

	cfg := config.NewConfig("host-1", "/var/lib/usenetsync")
	cfg.Transport = config.TransportConfig{
		Type:     "s3",
		S3Bucket: "sync-bucket",
		S3Prefix: "packs/",
		S3Region: "us-east-1",
	}
	cfg.Store = config.StoreConfig{Type: "sharded", DataDir: "/var/lib/usenetsync/data", Shards: 4}
	cfg.Sync.Ignore = []string{"*.tmp", ".git/*"}

	var buf bytes.Buffer
	m := &config.Manager{}
	if err := m.Write(&buf, cfg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	decoded, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if decoded.HostID != "host-1" {
		t.Errorf("host id = %s, want host-1", decoded.HostID)
	}
	if decoded.Transport.Type != "s3" || decoded.Transport.S3Bucket != "sync-bucket" {
		t.Errorf("transport = %+v, want the s3 settings back", decoded.Transport)
	}
	if decoded.Store.Shards != 4 {
		t.Errorf("store shards = %d, want 4", decoded.Store.Shards)
	}
	if len(decoded.Sync.Ignore) != 2 {
		t.Errorf("ignore patterns = %v, want 2 entries", decoded.Sync.Ignore)
	}
}

func TestManager_ReadPartialConfig(t *testing.T) {
	t.Parallel()

	raw := `
host_id = "host-2"
base_dir = "/home/user/.usenetsync"

[sync]
segment_size = 512000
max_pack_size = 4194304
workers = 2
max_attempts = 3
lease_seconds = 60
`
	m := &config.Manager{}
	cfg, err := m.Read(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if cfg.Sync.SegmentSize != 512000 {
		t.Errorf("segment size = %d, want 512000", cfg.Sync.SegmentSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*config.Config){
		"missing host id":       func(c *config.Config) { c.HostID = "" },
		"zero segment size":     func(c *config.Config) { c.Sync.SegmentSize = 0 },
		"zero pack size":        func(c *config.Config) { c.Sync.MaxPackSize = 0 },
		"zero workers":          func(c *config.Config) { c.Sync.Workers = 0 },
		"zero attempts":         func(c *config.Config) { c.Sync.MaxAttempts = 0 },
		"zero lease":            func(c *config.Config) { c.Sync.LeaseSeconds = 0 },
		"negative redundancy":   func(c *config.Config) { c.Sync.Redundancy = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.NewConfig("host-1", "/base")
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}

	if err := config.NewConfig("host-1", "/base").Validate(); err != nil {
		t.Errorf("Validate() of defaults error = %v", err)
	}
}

func TestInit_RefusesExistingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := config.NewConfig("host-1", "/base")
	if err := config.Init(path, cfg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file was not written: %v", err)
	}
	if err := config.Init(path, cfg); err == nil {
		t.Error("second Init() = nil, want error")
	}
}
