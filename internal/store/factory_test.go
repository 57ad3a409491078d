package store_test

import (
	"testing"

	"github.com/contemptx/usenetsync-sub001/internal/config"
	"github.com/contemptx/usenetsync-sub001/internal/store"
)

func TestNewStoreFromConfig(t *testing.T) {
	t.Run("memory store", func(t *testing.T) {
		got, err := store.NewStoreFromConfig(config.StoreConfig{Type: "memory"}, "test-host")
		if err != nil {
			t.Errorf("NewStoreFromConfig() unexpected error: %v", err)
			return
		}
		if got == nil {
			t.Error("NewStoreFromConfig() returned nil")
		}
		if got != nil {
			got.Close()
		}
	})

	t.Run("sqlite store", func(t *testing.T) {
		cfg := config.StoreConfig{Type: "sqlite", DataDir: t.TempDir()}
		got, err := store.NewStoreFromConfig(cfg, "test-host")
		if err != nil {
			t.Errorf("NewStoreFromConfig() unexpected error: %v", err)
			return
		}
		if got == nil {
			t.Error("NewStoreFromConfig() returned nil")
		}
		if got != nil {
			got.Close()
		}
	})

	t.Run("sqlite store without data_dir", func(t *testing.T) {
		got, err := store.NewStoreFromConfig(config.StoreConfig{Type: "sqlite"}, "test-host")
		if err == nil {
			t.Error("NewStoreFromConfig() expected error for missing data_dir, got nil")
		}
		if got != nil {
			t.Error("NewStoreFromConfig() should return nil on error")
			got.Close()
		}
	})

	t.Run("sharded store without shard count", func(t *testing.T) {
		cfg := config.StoreConfig{Type: "sharded", DataDir: t.TempDir()}
		got, err := store.NewStoreFromConfig(cfg, "test-host")
		if err == nil {
			t.Error("NewStoreFromConfig() expected error for missing shard count, got nil")
		}
		if got != nil {
			t.Error("NewStoreFromConfig() should return nil on error")
			got.Close()
		}
	})

	t.Run("unknown store type", func(t *testing.T) {
		got, err := store.NewStoreFromConfig(config.StoreConfig{Type: "unknown"}, "test-host")
		if err == nil {
			t.Error("NewStoreFromConfig() expected error for unknown type, got nil")
		}
		if got != nil {
			t.Error("NewStoreFromConfig() should return nil on error")
			got.Close()
		}
	})
}
