package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for usenetsync.
type Config struct {
	HostID    string          `toml:"host_id"`
	BaseDir   string          `toml:"base_dir"`
	LogDir    string          `toml:"log_dir"`
	Store     StoreConfig     `toml:"store"`
	Transport TransportConfig `toml:"transport"`
	Security  SecurityConfig  `toml:"security"`
	Sync      SyncConfig      `toml:"sync"`
}

// StoreConfig configures the metadata store.
// This uses a tagged union pattern: the Type field determines which other
// fields are relevant.
type StoreConfig struct {
	Type    string `toml:"type"`               // "sqlite", "memory" or "sharded"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite and type=sharded
	Shards  int    `toml:"shards,omitempty"`   // only used for type=sharded
}

// TransportConfig configures the message transport.
// This uses a tagged union pattern: the Type field determines which other
// fields are relevant.
type TransportConfig struct {
	Type string `toml:"type"` // "filesystem", "s3" or "memory"

	// Filesystem-specific fields (only used when Type == "filesystem")
	SpoolDir string `toml:"spool_dir,omitempty"`

	// S3-specific fields (only used when Type == "s3"). Leaving the key
	// pair empty falls back to the ambient AWS credential chain.
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`
}

// SecurityConfig configures payload encryption and share tokens.
type SecurityConfig struct {
	Type   string `toml:"type"`              // "age" (default) or "plain"
	KeyDir string `toml:"key_dir,omitempty"` // per-folder age identities live here
}

// SyncConfig holds the tunables of indexing, packing and transfer.
type SyncConfig struct {
	SegmentSize  int64    `toml:"segment_size"`  // bytes per segment; must be positive
	MaxPackSize  int64    `toml:"max_pack_size"` // data bytes per posted pack; must be positive
	Workers      int      `toml:"workers"`       // concurrent hash and transfer workers
	MaxAttempts  int      `toml:"max_attempts"`  // transport tries per operation, first included
	LeaseSeconds int      `toml:"lease_seconds"` // claim lease duration for downloads
	Redundancy   int      `toml:"redundancy"`    // extra copies posted per segment
	Ignore       []string `toml:"ignore"`
}

// NewConfig creates a Config with the provided values and defaults for
// everything else.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Store: StoreConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "data"),
		},
		Transport: TransportConfig{
			Type:     "filesystem",
			SpoolDir: filepath.Join(baseDir, "spool"),
		},
		Security: SecurityConfig{
			Type:   "age",
			KeyDir: filepath.Join(baseDir, "keys"),
		},
		Sync: SyncConfig{
			SegmentSize:  750 * 1024,
			MaxPackSize:  5 * 1024 * 1024,
			Workers:      4,
			MaxAttempts:  4,
			LeaseSeconds: 300,
		},
	}
}

// Validate checks the fields every component depends on.
func (c *Config) Validate() error {
	if c.HostID == "" {
		return fmt.Errorf("host_id is required")
	}
	if c.Sync.SegmentSize <= 0 {
		return fmt.Errorf("sync.segment_size must be positive")
	}
	if c.Sync.MaxPackSize <= 0 {
		return fmt.Errorf("sync.max_pack_size must be positive")
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync.workers must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	if c.Sync.LeaseSeconds <= 0 {
		return fmt.Errorf("sync.lease_seconds must be positive")
	}
	if c.Sync.Redundancy < 0 {
		return fmt.Errorf("sync.redundancy must not be negative")
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
