package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/contemptx/usenetsync-sub001/internal/core"
	"github.com/contemptx/usenetsync-sub001/internal/manifest"
	"github.com/contemptx/usenetsync-sub001/internal/model"
	"github.com/contemptx/usenetsync-sub001/internal/transfer"
)

// FetchManifest resolves a share token, fetches the manifest blob it
// points at and decodes it, verifying the blob against the recorded hash.
func (s *Service) FetchManifest(ctx context.Context, token string) (*manifest.Tree, *model.Share, error) {
	share, err := s.store.GetShare(token)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving share token: %w", err)
	}
	if share == nil {
		return nil, nil, core.Validationf("unknown share token")
	}

	record, err := s.store.GetManifest(share.FolderID, share.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("loading manifest record: %w", err)
	}
	if record == nil {
		return nil, nil, core.Integrityf("share targets version %d of folder %s but no manifest is recorded",
			share.Version, share.FolderID)
	}

	var payload []byte
	err = s.policy.Do(ctx, "fetch manifest", func() error {
		var ferr error
		payload, ferr = s.transport.Fetch(ctx, record.Locator)
		return ferr
	})
	if err != nil {
		return nil, nil, err
	}

	encoded, err := s.security.Decrypt(share.FolderID, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypting manifest: %w", err)
	}

	digest := sha256.Sum256(encoded)
	if hex.EncodeToString(digest[:]) != record.Hash {
		return nil, nil, core.Integrityf("fetched manifest does not match its recorded hash")
	}

	tree, err := manifest.Decode(encoded)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if tree.FolderID != share.FolderID || tree.Version != share.Version {
		return nil, nil, core.Integrityf("manifest identifies %s@%d, share targets %s@%d",
			tree.FolderID, tree.Version, share.FolderID, share.Version)
	}
	return tree, share, nil
}

// Download restores the shared folder version into target. The run is
// resumable: calling again with the same session id picks up where the
// previous run stopped, re-downloading only unfinished segments. An empty
// session id starts a fresh session.
func (s *Service) Download(ctx context.Context, token, target, sessionID string) (*transfer.Outcome, error) {
	tree, share, err := s.FetchManifest(ctx, token)
	if err != nil {
		return nil, err
	}

	if sessionID == "" {
		sessionID = s.ids.New()
	}

	if err := s.prepareTarget(target, tree); err != nil {
		return nil, err
	}

	planned, offsets := planSegments(sessionID, tree)

	queue, err := transfer.NewQueue(s.store, s.transport, s.security, s.policy, s.clock, s.logger,
		transfer.Config{
			FolderID: share.FolderID,
			Workers:  s.cfg.Workers,
			Lease:    s.leaseDuration(),
		})
	if err != nil {
		return nil, err
	}

	session := &model.TransferSession{
		ID:            sessionID,
		Target:        target,
		TotalSegments: int64(len(planned)),
		Status:        model.SessionActive,
		CreatedAt:     s.clock.Now(),
		UpdatedAt:     s.clock.Now(),
	}
	if err := queue.StartOrResume(session, planned); err != nil {
		return nil, err
	}

	sink := func(row *model.SegmentTransfer, data []byte) error {
		return writeSegmentAt(target, row.FilePath, offsets[row.SegmentID], data)
	}
	outcome, err := queue.Run(ctx, sessionID, sink)
	if err != nil {
		return nil, err
	}

	if outcome.Succeeded() {
		if err := verifyTarget(target, tree); err != nil {
			return nil, err
		}
		s.logger.Info("download complete", "session", sessionID, "target", target,
			"segments", outcome.Progress.Complete)
	} else {
		s.logger.Warn("download incomplete", "session", sessionID,
			"failed", outcome.Progress.Failed, "complete", outcome.Progress.Complete)
	}
	return outcome, nil
}

// prepareTarget creates the directory skeleton and sizes every file, so
// concurrent segment writes never race on file creation. Truncating an
// existing file to its manifest size preserves already restored bytes.
func (s *Service) prepareTarget(target string, tree *manifest.Tree) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("creating target directory: %w", err)
	}
	for _, dir := range tree.Dirs {
		if err := os.MkdirAll(filepath.Join(target, filepath.FromSlash(dir)), 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	for _, file := range tree.Files {
		full := filepath.Join(target, filepath.FromSlash(file.Path))
		f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("creating %s: %w", file.Path, err)
		}
		if err := f.Truncate(file.Size); err != nil {
			f.Close()
			return fmt.Errorf("sizing %s: %w", file.Path, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("closing %s: %w", file.Path, err)
		}
	}
	return nil
}

// planSegments derives the per-segment transfer rows and byte offsets
// from the manifest. Segment ids are deterministic so a resumed session
// lines up with the rows created by the original run.
func planSegments(sessionID string, tree *manifest.Tree) ([]*model.SegmentTransfer, map[string]int64) {
	var planned []*model.SegmentTransfer
	offsets := make(map[string]int64)

	for _, file := range tree.Files {
		var offset int64
		for i, seg := range file.Segments {
			segmentID := fmt.Sprintf("%s#%d", file.Path, i)
			planned = append(planned, &model.SegmentTransfer{
				SessionID: sessionID,
				SegmentID: segmentID,
				FilePath:  file.Path,
				Index:     int64(i),
				Size:      seg.Size,
				Hash:      hex.EncodeToString(seg.Hash[:]),
				Locator:   seg.Locator,
				Status:    model.TransferPending,
			})
			offsets[segmentID] = offset
			offset += seg.Size
		}
	}
	return planned, offsets
}

func writeSegmentAt(target, relPath string, offset int64, data []byte) error {
	full := filepath.Join(target, filepath.FromSlash(relPath))
	f, err := os.OpenFile(full, os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteAt(data, offset); err != nil {
		return err
	}
	return nil
}

// verifyTarget checks every restored file against the manifest's
// whole-file hash.
func verifyTarget(target string, tree *manifest.Tree) error {
	for _, file := range tree.Files {
		full := filepath.Join(target, filepath.FromSlash(file.Path))
		f, err := os.Open(full)
		if err != nil {
			return fmt.Errorf("opening restored file %s: %w", file.Path, err)
		}
		h := sha256.New()
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("hashing restored file %s: %w", file.Path, err)
		}
		var digest [sha256.Size]byte
		h.Sum(digest[:0])
		if digest != file.Hash {
			return core.Integrityf("restored file %s does not match the manifest hash", file.Path)
		}
	}
	return nil
}
