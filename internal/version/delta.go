// Package version computes the minimal delta between a folder's last known
// snapshot and a fresh scan: only files whose content actually changed get
// new versions, and only segments whose bytes differ at the same aligned
// offset get new records. Everything else is carried forward untouched.
package version

import (
	"sort"
	"time"

	"github.com/contemptx/usenetsync-sub001/internal/core"
	"github.com/contemptx/usenetsync-sub001/internal/model"
)

// Engine computes folder version deltas. The clock and id generator are
// injected so results are deterministic in tests; ComputeDelta itself
// never mutates its inputs and never touches external state.
type Engine struct {
	ids   core.IDGenerator
	clock core.Clock
}

// NewEngine creates a delta engine.
func NewEngine(ids core.IDGenerator, clock core.Clock) *Engine {
	return &Engine{ids: ids, clock: clock}
}

// ComputeDelta compares a fresh scan against the last known snapshot and
// returns the new folder version, file versions and segments needed to
// advance the folder. An unchanged folder yields a delta with no file
// changes and no new segments.
//
// Fails with IntegrityError if the snapshot's declared totals disagree
// with its detail records, and ValidationError if a scan entry's segments
// do not exactly tile the file.
func (e *Engine) ComputeDelta(prev *model.FolderSnapshot, scan []model.ScanEntry) (*model.Delta, error) {
	if prev == nil {
		return nil, core.Validationf("previous snapshot is nil")
	}
	if err := checkSnapshot(prev); err != nil {
		return nil, err
	}

	entries := append([]model.ScanEntry(nil), scan...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	for _, entry := range entries {
		if err := checkTiling(&entry); err != nil {
			return nil, err
		}
	}

	prior := make(map[string]*model.FileState, len(prev.Files))
	for i := range prev.Files {
		prior[prev.Files[i].Path] = &prev.Files[i]
	}

	now := e.clock.Now()
	nextVersion := prev.Version + 1
	delta := &model.Delta{
		FolderVersion: model.FolderVersion{
			FolderID:  prev.FolderID,
			Version:   nextVersion,
			CreatedAt: now,
		},
	}

	seen := make(map[string]bool, len(entries))
	var liveCount, liveSize int64

	for _, entry := range entries {
		seen[entry.Path] = true
		liveCount++
		liveSize += entry.Size

		state, existed := prior[entry.Path]
		if existed && !state.Deleted && state.Size == entry.Size && state.Hash == entry.Hash {
			// Unchanged: zero new records, zero scheduled bytes.
			continue
		}

		if !existed {
			delta.Files = append(delta.Files, e.createFile(prev.FolderID, entry, now))
			delta.FolderVersion.FilesAdded++
			continue
		}

		fd := e.modifyFile(prev.FolderID, state, entry, now)
		delta.Files = append(delta.Files, fd)
		if state.Deleted {
			delta.FolderVersion.FilesAdded++
		} else {
			delta.FolderVersion.FilesModified++
		}
	}

	// Files present in the snapshot but missing from the scan are flagged
	// deleted. History and prior segments stay in place.
	for i := range prev.Files {
		state := &prev.Files[i]
		if seen[state.Path] || state.Deleted {
			continue
		}
		delta.Files = append(delta.Files, model.FileDelta{
			File: model.File{
				ID:             state.FileID,
				FolderID:       prev.FolderID,
				Path:           state.Path,
				CurrentVersion: state.Version + 1,
				Deleted:        true,
			},
			FileVersion: model.FileVersion{
				FileID:     state.FileID,
				Version:    state.Version + 1,
				ChangeType: model.ChangeDelete,
				CreatedAt:  now,
			},
		})
		delta.FolderVersion.FilesDeleted++
	}

	sort.Slice(delta.Files, func(i, j int) bool {
		return delta.Files[i].File.Path < delta.Files[j].File.Path
	})

	delta.FolderVersion.FileCount = liveCount
	delta.FolderVersion.TotalSize = liveSize
	return delta, nil
}

// createFile builds the delta records for a file the snapshot has never
// seen: every segment is new.
func (e *Engine) createFile(folderID string, entry model.ScanEntry, now time.Time) model.FileDelta {
	fileID := e.ids.New()
	fd := model.FileDelta{
		File: model.File{
			ID:             fileID,
			FolderID:       folderID,
			Path:           entry.Path,
			CurrentVersion: 1,
			CurrentSize:    entry.Size,
			CurrentHash:    entry.Hash,
		},
		FileVersion: model.FileVersion{
			FileID:     fileID,
			Version:    1,
			Size:       entry.Size,
			Hash:       entry.Hash,
			ModTime:    entry.ModTime,
			ChangeType: model.ChangeCreate,
			CreatedAt:  now,
		},
	}
	for i, digest := range entry.Segments {
		fd.FileVersion.ChangedSegments = append(fd.FileVersion.ChangedSegments, int64(i))
		fd.NewSegments = append(fd.NewSegments, model.Segment{
			ID:      e.ids.New(),
			FileID:  fileID,
			Version: 1,
			Index:   int64(i),
			Size:    digest.Size,
			Hash:    digest.Hash,
		})
	}
	return fd
}

// modifyFile builds the delta records for a changed (or resurrected) file.
// Segments whose hash and size match the prior primary at the same index
// are carried forward with their locators; only the rest become new.
func (e *Engine) modifyFile(folderID string, state *model.FileState, entry model.ScanEntry, now time.Time) model.FileDelta {
	newVersion := state.Version + 1
	changeType := model.ChangeModify
	if state.Deleted {
		changeType = model.ChangeCreate
	}

	fd := model.FileDelta{
		File: model.File{
			ID:             state.FileID,
			FolderID:       folderID,
			Path:           entry.Path,
			CurrentVersion: newVersion,
			CurrentSize:    entry.Size,
			CurrentHash:    entry.Hash,
		},
		FileVersion: model.FileVersion{
			FileID:     state.FileID,
			Version:    newVersion,
			Size:       entry.Size,
			Hash:       entry.Hash,
			ModTime:    entry.ModTime,
			ChangeType: changeType,
			CreatedAt:  now,
		},
	}

	priorByIndex := make(map[int64]*model.Segment, len(state.Segments))
	for i := range state.Segments {
		seg := &state.Segments[i]
		if seg.RedundancyIndex == 0 {
			priorByIndex[seg.Index] = seg
		}
	}

	for i, digest := range entry.Segments {
		idx := int64(i)
		if p, ok := priorByIndex[idx]; ok && p.Hash == digest.Hash && p.Size == digest.Size {
			carried := *p
			carried.ID = e.ids.New()
			carried.Version = newVersion
			fd.CarriedSegments = append(fd.CarriedSegments, carried)
			continue
		}
		fd.FileVersion.ChangedSegments = append(fd.FileVersion.ChangedSegments, idx)
		fd.NewSegments = append(fd.NewSegments, model.Segment{
			ID:      e.ids.New(),
			FileID:  state.FileID,
			Version: newVersion,
			Index:   idx,
			Size:    digest.Size,
			Hash:    digest.Hash,
		})
	}
	return fd
}

// checkSnapshot verifies the snapshot's declared totals against its detail
// records.
func checkSnapshot(prev *model.FolderSnapshot) error {
	var count, size int64
	for i := range prev.Files {
		if prev.Files[i].Deleted {
			continue
		}
		count++
		size += prev.Files[i].Size
	}
	if count != prev.FileCount {
		return core.Integrityf("snapshot of folder %s declares %d files but has %d detail records",
			prev.FolderID, prev.FileCount, count)
	}
	if size != prev.TotalSize {
		return core.Integrityf("snapshot of folder %s declares %d total bytes but details sum to %d",
			prev.FolderID, prev.TotalSize, size)
	}
	return nil
}

// checkTiling verifies a scan entry's segments exactly tile the file.
func checkTiling(entry *model.ScanEntry) error {
	var sum int64
	for _, digest := range entry.Segments {
		if digest.Size <= 0 {
			return core.Validationf("file %s has a segment of size %d", entry.Path, digest.Size)
		}
		sum += digest.Size
	}
	if sum != entry.Size {
		return core.Validationf("file %s segments sum to %d bytes, file is %d", entry.Path, sum, entry.Size)
	}
	return nil
}
