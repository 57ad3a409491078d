package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/contemptx/usenetsync-sub001/internal/config"
	"github.com/contemptx/usenetsync-sub001/internal/core"
	"github.com/contemptx/usenetsync-sub001/internal/security"
	"github.com/contemptx/usenetsync-sub001/internal/store"
	"github.com/contemptx/usenetsync-sub001/internal/syncer"
	"github.com/contemptx/usenetsync-sub001/internal/transport"
)

// App is the application layer between the CLI and the syncer service.
// It constructs all dependencies from config and manages the store
// lifecycle on Close.
type App struct {
	cfg     *config.Config
	store   core.Store
	service *syncer.Service
	logFile *os.File
}

// NewApp creates a fully wired App from the given config. operation
// identifies the CLI command being run (e.g. "index", "download"); it is
// stamped on every log line. The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, operation string) (*App, error) {
	st, err := store.NewStoreFromConfig(cfg.Store, cfg.HostID)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	tr, err := transport.NewTransportFromConfig(ctx, cfg.Transport)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating transport: %w", err)
	}

	sec, err := security.NewSecurityFromConfig(cfg.Security)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating security: %w", err)
	}

	opID := operation + "-" + time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	svc, err := syncer.NewService(st, tr, sec, &slogAdapter{l: logger}, nil, nil, cfg.Sync)
	if err != nil {
		logFile.Close()
		st.Close()
		return nil, fmt.Errorf("creating service: %w", err)
	}

	return &App{
		cfg:     cfg,
		store:   st,
		service: svc,
		logFile: logFile,
	}, nil
}

// Service exposes the wired syncer service to the CLI.
func (a *App) Service() *syncer.Service { return a.service }

// Close releases the store and the log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
