// Package scan walks a tracked folder and produces the per-file content
// and segment hashes the versioning engine diffs against history.
package scan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/contemptx/usenetsync-sub001/internal/core"
	"github.com/contemptx/usenetsync-sub001/internal/model"
)

// Scanner hashes a folder's files at fixed segment boundaries. Hashing is
// parallel across files; within one file, segment digests are computed
// sequentially so indices stay gapless.
type Scanner struct {
	segmentSize int64
	workers     int
	ignore      *IgnoreMatcher
	logger      core.Logger
}

// NewScanner creates a scanner. segmentSize and workers must be positive.
func NewScanner(segmentSize int64, workers int, ignore *IgnoreMatcher, logger core.Logger) (*Scanner, error) {
	if segmentSize <= 0 {
		return nil, core.Validationf("segment size %d is not positive", segmentSize)
	}
	if workers <= 0 {
		return nil, core.Validationf("worker count %d is not positive", workers)
	}
	if ignore == nil {
		ignore = NewIgnoreMatcher(nil)
	}
	return &Scanner{segmentSize: segmentSize, workers: workers, ignore: ignore, logger: logger}, nil
}

// Scan walks root and returns one entry per regular, non-ignored file,
// sorted by relative path. Symlinks and other special files are skipped.
func (s *Scanner) Scan(ctx context.Context, root string) ([]model.ScanEntry, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat folder root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("folder root is not a directory: %s", root)
	}

	var relPaths []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)
		if s.ignore.Match(rel) {
			return nil
		}
		relPaths = append(relPaths, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking folder: %w", err)
	}
	sort.Strings(relPaths)

	entries := make([]model.ScanEntry, len(relPaths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for i, rel := range relPaths {
		i, rel := i, rel
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			entry, err := s.hashFile(root, rel)
			if err != nil {
				return fmt.Errorf("hashing %s: %w", rel, err)
			}
			entries[i] = *entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.Debug("scan complete", "root", root, "files", len(entries))
	}
	return entries, nil
}

// hashFile reads one file once, computing the whole-file hash and the
// per-segment digests at fixed segmentSize boundaries in the same pass.
func (s *Scanner) hashFile(root, rel string) (*model.ScanEntry, error) {
	full := filepath.Join(root, filepath.FromSlash(rel))

	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	entry := &model.ScanEntry{Path: rel, ModTime: info.ModTime()}
	whole := sha256.New()
	buf := make([]byte, s.segmentSize)

	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			chunk := buf[:n]
			whole.Write(chunk)
			digest := sha256.Sum256(chunk)
			entry.Segments = append(entry.Segments, model.SegmentDigest{
				Size: int64(n),
				Hash: hex.EncodeToString(digest[:]),
			})
			entry.Size += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	entry.Hash = hex.EncodeToString(whole.Sum(nil))
	return entry, nil
}
