package store

import (
	"fmt"
	"path/filepath"

	"github.com/contemptx/usenetsync-sub001/internal/config"
	"github.com/contemptx/usenetsync-sub001/internal/core"
)

// NewStoreFromConfig creates a Store implementation based on the store
// config type.
func NewStoreFromConfig(cfg config.StoreConfig, hostID string) (core.Store, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite store")
		}
		return NewSQLiteStore(filepath.Join(cfg.DataDir, hostID+".db"))
	case "memory":
		return NewMemoryStore(), nil
	case "sharded":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sharded store")
		}
		if cfg.Shards <= 0 {
			return nil, fmt.Errorf("shards must be positive for sharded store")
		}
		shards := make([]core.Store, cfg.Shards)
		for i := range shards {
			path := filepath.Join(cfg.DataDir, fmt.Sprintf("%s-shard-%d.db", hostID, i))
			sh, err := NewSQLiteStore(path)
			if err != nil {
				for _, open := range shards[:i] {
					open.Close()
				}
				return nil, fmt.Errorf("opening shard %d: %w", i, err)
			}
			shards[i] = sh
		}
		return NewShardedStore(shards), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}
