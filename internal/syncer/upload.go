package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/contemptx/usenetsync-sub001/internal/core"
	"github.com/contemptx/usenetsync-sub001/internal/manifest"
	"github.com/contemptx/usenetsync-sub001/internal/model"
	"github.com/contemptx/usenetsync-sub001/internal/pack"
)

// UploadReport summarizes one UploadPending pass.
type UploadReport struct {
	SegmentsPosted int
	PacksPosted    int
	BytesPosted    int64
}

// UploadPending reads every not-yet-posted segment of the folder's current
// file versions from disk, bins them into packs, and posts each pack
// encrypted. Segments are marked posted only after the pack holding them
// is on the transport, so a crashed pass re-posts at pack granularity.
func (s *Service) UploadPending(ctx context.Context, folderID string) (*UploadReport, error) {
	folder, err := s.store.GetFolder(folderID)
	if err != nil {
		return nil, fmt.Errorf("loading folder: %w", err)
	}
	if folder == nil {
		return nil, core.Validationf("folder %s is not tracked", folderID)
	}

	segments, err := s.store.ListUnuploadedSegments(folderID)
	if err != nil {
		return nil, fmt.Errorf("listing unuploaded segments: %w", err)
	}
	if len(segments) == 0 {
		return &UploadReport{}, nil
	}

	pathsByFile, err := s.filePaths(folderID)
	if err != nil {
		return nil, err
	}

	inputs := make([]pack.Input, 0, len(segments))
	for _, seg := range segments {
		relPath, ok := pathsByFile[seg.FileID]
		if !ok {
			return nil, core.Integrityf("segment %s references unknown file %s", seg.ID, seg.FileID)
		}
		data, err := s.readSegment(folder.Path, relPath, seg)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, pack.Input{SegmentID: seg.ID, Data: data})
	}

	packs, err := pack.Build(inputs, s.cfg.MaxPackSize)
	if err != nil {
		return nil, err
	}

	report := &UploadReport{SegmentsPosted: len(segments)}
	locators := make(map[string][]string) // segment id → pack locators, in posting order

	for _, p := range packs {
		encrypted, err := s.security.Encrypt(folderID, p.Marshal())
		if err != nil {
			return nil, fmt.Errorf("encrypting pack: %w", err)
		}

		var locator string
		err = s.policy.Do(ctx, "post pack", func() error {
			var perr error
			locator, perr = s.transport.Post(ctx, encrypted, core.RoutingMeta{FolderID: folderID, Kind: core.KindPack})
			return perr
		})
		if err != nil {
			return nil, err
		}

		if err := s.store.CreatePackResult(&model.PackResult{
			ID:        s.ids.New(),
			FolderID:  folderID,
			Locator:   locator,
			Size:      int64(len(encrypted)),
			CreatedAt: s.clock.Now(),
		}); err != nil {
			return nil, fmt.Errorf("recording pack result: %w", err)
		}
		report.PacksPosted++
		report.BytesPosted += int64(len(encrypted))

		for _, entry := range p.Entries {
			segLocators := locators[entry.SegmentID]
			if len(segLocators) == 0 || segLocators[len(segLocators)-1] != locator {
				locators[entry.SegmentID] = append(segLocators, locator)
			}
		}
	}

	for _, seg := range segments {
		joined := strings.Join(locators[seg.ID], ",")
		if err := s.store.MarkSegmentPosted(seg.ID, joined); err != nil {
			return nil, fmt.Errorf("marking segment posted: %w", err)
		}
	}

	s.logger.Info("upload complete",
		"folder", folderID, "segments", report.SegmentsPosted,
		"packs", report.PacksPosted, "bytes", report.BytesPosted)
	return report, nil
}

// readSegment reads one segment's bytes at its fixed boundary offset and
// verifies them against the hash recorded at index time. A mismatch means
// the file changed since the last index pass.
func (s *Service) readSegment(root, relPath string, seg *model.Segment) ([]byte, error) {
	full := filepath.Join(root, filepath.FromSlash(relPath))
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", relPath, err)
	}
	defer f.Close()

	data := make([]byte, seg.Size)
	n, err := f.ReadAt(data, seg.Index*s.cfg.SegmentSize)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading segment %d of %s: %w", seg.Index, relPath, err)
	}
	if int64(n) != seg.Size {
		return nil, core.Integrityf("segment %d of %s is short: read %d of %d bytes; re-index the folder",
			seg.Index, relPath, n, seg.Size)
	}

	digest := sha256.Sum256(data)
	if hex.EncodeToString(digest[:]) != seg.Hash {
		return nil, core.Integrityf("segment %d of %s changed since indexing; re-index the folder",
			seg.Index, relPath)
	}
	return data, nil
}

func (s *Service) filePaths(folderID string) (map[string]string, error) {
	files, err := s.store.ListFiles(folderID)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	out := make(map[string]string, len(files))
	for _, file := range files {
		out[file.ID] = file.Path
	}
	return out, nil
}

// PublishManifest encodes the folder's current version as a manifest blob
// and posts it. Publishing the same version twice returns the existing
// record; a version whose tree hashes identically to the previously
// published one reuses its locator without posting again.
func (s *Service) PublishManifest(ctx context.Context, folderID string) (*model.Manifest, error) {
	folder, err := s.store.GetFolder(folderID)
	if err != nil {
		return nil, fmt.Errorf("loading folder: %w", err)
	}
	if folder == nil {
		return nil, core.Validationf("folder %s is not tracked", folderID)
	}
	if folder.CurrentVersion == 0 {
		return nil, core.Validationf("folder %s has never been indexed", folderID)
	}

	existing, err := s.store.GetManifest(folderID, folder.CurrentVersion)
	if err != nil {
		return nil, fmt.Errorf("checking for published manifest: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	tree, err := s.buildTree(folder)
	if err != nil {
		return nil, err
	}
	encoded, err := manifest.Encode(tree)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	digest := sha256.Sum256(encoded)
	hash := hex.EncodeToString(digest[:])

	record := &model.Manifest{
		FolderID:  folderID,
		Version:   folder.CurrentVersion,
		Hash:      hash,
		Size:      int64(len(encoded)),
		CreatedAt: s.clock.Now(),
	}

	prior, err := s.store.GetManifest(folderID, folder.CurrentVersion-1)
	if err != nil {
		return nil, fmt.Errorf("checking previous manifest: %w", err)
	}
	if prior != nil && prior.Hash == hash {
		record.Locator = prior.Locator
		if err := s.store.CreateManifest(record); err != nil {
			return nil, fmt.Errorf("recording manifest: %w", err)
		}
		s.logger.Info("manifest unchanged, locator reused",
			"folder", folderID, "version", record.Version)
		return record, nil
	}

	encrypted, err := s.security.Encrypt(folderID, encoded)
	if err != nil {
		return nil, fmt.Errorf("encrypting manifest: %w", err)
	}
	err = s.policy.Do(ctx, "post manifest", func() error {
		var perr error
		record.Locator, perr = s.transport.Post(ctx, encrypted, core.RoutingMeta{FolderID: folderID, Kind: core.KindManifest})
		return perr
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateManifest(record); err != nil {
		return nil, fmt.Errorf("recording manifest: %w", err)
	}
	s.logger.Info("manifest published",
		"folder", folderID, "version", record.Version, "bytes", record.Size)
	return record, nil
}

// buildTree assembles the manifest tree of the folder's current version
// from the store. Every live segment must already be posted.
func (s *Service) buildTree(folder *model.Folder) (*manifest.Tree, error) {
	files, err := s.store.ListFiles(folder.ID)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}

	tree := &manifest.Tree{FolderID: folder.ID, Version: folder.CurrentVersion}
	dirs := make(map[string]bool)

	for _, file := range files {
		if file.Deleted {
			continue
		}
		entry := manifest.FileEntry{
			Path: file.Path,
			Size: file.CurrentSize,
		}
		if entry.Hash, err = decodeHash(file.CurrentHash); err != nil {
			return nil, core.Integrityf("file %s has a malformed hash: %v", file.Path, err)
		}

		fv, err := s.store.GetFileVersion(file.ID, file.CurrentVersion)
		if err != nil {
			return nil, fmt.Errorf("loading version of %s: %w", file.Path, err)
		}
		if fv != nil {
			entry.ModTime = fv.ModTime.Unix()
		}

		segments, err := s.store.ListSegments(file.ID, file.CurrentVersion)
		if err != nil {
			return nil, fmt.Errorf("listing segments of %s: %w", file.Path, err)
		}
		for _, seg := range segments {
			if seg.RedundancyIndex != 0 {
				continue
			}
			if !seg.Uploaded || seg.Locator == "" {
				return nil, core.Validationf("segment %d of %s is not posted yet; run upload first",
					seg.Index, file.Path)
			}
			segEntry := manifest.SegmentEntry{Size: seg.Size, Locator: seg.Locator}
			if segEntry.Hash, err = decodeHash(seg.Hash); err != nil {
				return nil, core.Integrityf("segment %d of %s has a malformed hash: %v", seg.Index, file.Path, err)
			}
			entry.Segments = append(entry.Segments, segEntry)
		}
		tree.Files = append(tree.Files, entry)

		for dir := path.Dir(file.Path); dir != "." && dir != "/"; dir = path.Dir(dir) {
			dirs[dir] = true
		}
	}

	for dir := range dirs {
		tree.Dirs = append(tree.Dirs, dir)
	}
	sort.Strings(tree.Dirs)
	return tree, nil
}

func decodeHash(hexHash string) ([manifest.HashSize]byte, error) {
	var out [manifest.HashSize]byte
	raw, err := hex.DecodeString(hexHash)
	if err != nil {
		return out, err
	}
	if len(raw) != manifest.HashSize {
		return out, fmt.Errorf("hash is %d bytes, want %d", len(raw), manifest.HashSize)
	}
	copy(out[:], raw)
	return out, nil
}

// CreateShare mints an opaque token granting access to the folder's
// current published version.
func (s *Service) CreateShare(folderID, shareType, metadata string) (*model.Share, error) {
	folder, err := s.store.GetFolder(folderID)
	if err != nil {
		return nil, fmt.Errorf("loading folder: %w", err)
	}
	if folder == nil {
		return nil, core.Validationf("folder %s is not tracked", folderID)
	}

	published, err := s.store.GetManifest(folderID, folder.CurrentVersion)
	if err != nil {
		return nil, fmt.Errorf("checking published manifest: %w", err)
	}
	if published == nil {
		return nil, core.Validationf("folder %s has no published manifest for version %d; publish first",
			folderID, folder.CurrentVersion)
	}

	token, err := s.security.NewShareToken()
	if err != nil {
		return nil, err
	}
	share := &model.Share{
		Token:     token,
		FolderID:  folderID,
		Version:   folder.CurrentVersion,
		ShareType: shareType,
		Metadata:  metadata,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateShare(share); err != nil {
		return nil, fmt.Errorf("recording share: %w", err)
	}
	s.logger.Info("share created", "folder", folderID, "version", share.Version, "type", shareType)
	return share, nil
}

// Shares lists a folder's shares, oldest first.
func (s *Service) Shares(folderID string) ([]*model.Share, error) {
	return s.store.ListShares(folderID)
}
