// Package syncer orchestrates the publishing pipeline (scan, delta, pack,
// post, manifest, share) and the subscribing pipeline (fetch manifest,
// resumable download) over the store, transport and security collaborators.
package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/contemptx/usenetsync-sub001/internal/config"
	"github.com/contemptx/usenetsync-sub001/internal/core"
	"github.com/contemptx/usenetsync-sub001/internal/model"
	"github.com/contemptx/usenetsync-sub001/internal/retry"
	"github.com/contemptx/usenetsync-sub001/internal/scan"
	"github.com/contemptx/usenetsync-sub001/internal/version"
)

// Service exposes the synchronization operations the CLI drives.
type Service struct {
	store     core.Store
	transport core.Transport
	security  core.Security
	engine    *version.Engine
	policy    *retry.Policy
	logger    core.Logger
	clock     core.Clock
	ids       core.IDGenerator
	cfg       config.SyncConfig
}

// NewService wires a Service from its collaborators. A nil logger
// discards output; nil clock and id generator get real implementations.
func NewService(store core.Store, transport core.Transport, security core.Security,
	logger core.Logger, clock core.Clock, ids core.IDGenerator, cfg config.SyncConfig) (*Service, error) {
	if cfg.SegmentSize <= 0 || cfg.MaxPackSize <= 0 {
		return nil, core.Validationf("segment size and pack size must be positive")
	}
	if cfg.Workers <= 0 || cfg.MaxAttempts <= 0 || cfg.LeaseSeconds <= 0 {
		return nil, core.Validationf("workers, max attempts and lease must be positive")
	}
	if logger == nil {
		logger = core.NewNopLogger()
	}
	if clock == nil {
		clock = core.RealClock{}
	}
	if ids == nil {
		ids = core.UUIDGenerator{}
	}
	return &Service{
		store:     store,
		transport: transport,
		security:  security,
		engine:    version.NewEngine(ids, clock),
		policy:    retry.NewPolicy(cfg.MaxAttempts, core.IsTransient),
		logger:    logger,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
	}, nil
}

// AddFolder registers a local directory for tracking. The folder starts at
// version 0; the first IndexFolder pass creates version 1.
func (s *Service) AddFolder(name, path string) (*model.Folder, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving folder path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat folder: %w", err)
	}
	if !info.IsDir() {
		return nil, core.Validationf("%s is not a directory", abs)
	}

	existing, err := s.store.FindFolderByPath(abs)
	if err != nil {
		return nil, fmt.Errorf("checking for existing folder: %w", err)
	}
	if existing != nil {
		return nil, core.Validationf("folder %s is already tracked as %q", abs, existing.Name)
	}

	folder := &model.Folder{
		ID:        s.ids.New(),
		Name:      name,
		Path:      abs,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateFolder(folder); err != nil {
		return nil, fmt.Errorf("creating folder: %w", err)
	}
	s.logger.Info("folder added", "folder", folder.ID, "name", name, "path", abs)
	return folder, nil
}

// Folders returns all tracked folders.
func (s *Service) Folders() ([]*model.Folder, error) {
	return s.store.ListFolders()
}

// IndexFolder scans a folder, computes the delta against its last indexed
// state and records a new folder version. Returns nil when nothing
// changed; no version is created in that case.
func (s *Service) IndexFolder(ctx context.Context, folderID string) (*model.FolderVersion, error) {
	folder, err := s.store.GetFolder(folderID)
	if err != nil {
		return nil, fmt.Errorf("loading folder: %w", err)
	}
	if folder == nil {
		return nil, core.Validationf("folder %s is not tracked", folderID)
	}

	scanner, err := scan.NewScanner(s.cfg.SegmentSize, s.cfg.Workers, scan.NewIgnoreMatcher(s.cfg.Ignore), s.logger)
	if err != nil {
		return nil, err
	}
	entries, err := scanner.Scan(ctx, folder.Path)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", folder.Path, err)
	}

	snapshot, err := s.snapshot(folder)
	if err != nil {
		return nil, err
	}

	delta, err := s.engine.ComputeDelta(snapshot, entries)
	if err != nil {
		return nil, err
	}
	if !delta.Changed() {
		s.logger.Info("folder unchanged", "folder", folder.ID, "version", folder.CurrentVersion)
		return nil, nil
	}

	s.addRedundancy(delta)

	if err := s.store.ApplyDelta(delta); err != nil {
		return nil, fmt.Errorf("recording version %d: %w", delta.FolderVersion.Version, err)
	}
	fv := delta.FolderVersion
	s.logger.Info("folder indexed",
		"folder", folder.ID, "version", fv.Version,
		"added", fv.FilesAdded, "modified", fv.FilesModified, "deleted", fv.FilesDeleted)
	return &fv, nil
}

// snapshot reconstructs the folder's last indexed state from the store.
func (s *Service) snapshot(folder *model.Folder) (*model.FolderSnapshot, error) {
	snapshot := &model.FolderSnapshot{
		FolderID: folder.ID,
		Version:  folder.CurrentVersion,
	}
	if folder.CurrentVersion == 0 {
		return snapshot, nil
	}

	fv, err := s.store.GetFolderVersion(folder.ID, folder.CurrentVersion)
	if err != nil {
		return nil, fmt.Errorf("loading folder version: %w", err)
	}
	if fv == nil {
		return nil, core.Integrityf("folder %s is at version %d but that version is not recorded",
			folder.ID, folder.CurrentVersion)
	}
	snapshot.FileCount = fv.FileCount
	snapshot.TotalSize = fv.TotalSize

	files, err := s.store.ListFiles(folder.ID)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	for _, file := range files {
		state := model.FileState{
			FileID:  file.ID,
			Path:    file.Path,
			Version: file.CurrentVersion,
			Size:    file.CurrentSize,
			Hash:    file.CurrentHash,
			Deleted: file.Deleted,
		}
		if !file.Deleted {
			segments, err := s.store.ListSegments(file.ID, file.CurrentVersion)
			if err != nil {
				return nil, fmt.Errorf("listing segments of %s: %w", file.Path, err)
			}
			for _, seg := range segments {
				state.Segments = append(state.Segments, *seg)
			}
		}
		snapshot.Files = append(snapshot.Files, state)
	}
	return snapshot, nil
}

// addRedundancy appends duplicate segment rows for every new primary,
// so the upload pass posts extra copies.
func (s *Service) addRedundancy(delta *model.Delta) {
	if s.cfg.Redundancy <= 0 {
		return
	}
	for i := range delta.Files {
		fd := &delta.Files[i]
		primaries := fd.NewSegments
		for _, primary := range primaries {
			for r := 1; r <= s.cfg.Redundancy; r++ {
				dup := primary
				dup.ID = s.ids.New()
				dup.RedundancyIndex = int64(r)
				fd.NewSegments = append(fd.NewSegments, dup)
			}
		}
	}
}

// History returns a folder's recorded versions, oldest first.
func (s *Service) History(folderID string) ([]*model.FolderVersion, error) {
	folder, err := s.store.GetFolder(folderID)
	if err != nil {
		return nil, fmt.Errorf("loading folder: %w", err)
	}
	if folder == nil {
		return nil, core.Validationf("folder %s is not tracked", folderID)
	}
	return s.store.ListFolderVersions(folderID)
}

// SessionStatus pairs a transfer session with its per-segment counts.
type SessionStatus struct {
	Session  *model.TransferSession
	Progress core.Progress
}

// Status reports one session's progress.
func (s *Service) Status(sessionID string) (*SessionStatus, error) {
	session, err := s.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if session == nil {
		return nil, core.Validationf("session %s does not exist", sessionID)
	}
	progress, err := s.store.SessionProgress(sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading session progress: %w", err)
	}
	return &SessionStatus{Session: session, Progress: progress}, nil
}

// Sessions lists all transfer sessions, oldest first.
func (s *Service) Sessions() ([]*model.TransferSession, error) {
	return s.store.ListSessions()
}

func (s *Service) leaseDuration() time.Duration {
	return time.Duration(s.cfg.LeaseSeconds) * time.Second
}
