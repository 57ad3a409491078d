package store

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/contemptx/usenetsync-sub001/internal/core"
	"github.com/contemptx/usenetsync-sub001/internal/model"
)

// MemoryStore is an in-memory implementation of the Store interface.
// It is useful for tests and throwaway runs; nothing survives the process.
// Safe for concurrent use. All returned records are copies.
type MemoryStore struct {
	mu             sync.Mutex
	folders        map[string]*model.Folder
	folderVersions map[string][]*model.FolderVersion // folder id → versions, oldest first
	files          map[string]*model.File            // file id → file
	fileVersions   map[string][]*model.FileVersion   // file id → versions, oldest first
	segments       map[string][]*model.Segment       // file id → all segment rows
	segmentsByID   map[string]*model.Segment
	packResults    map[string][]*model.PackResult // folder id → results, oldest first
	manifests      map[string]*model.Manifest     // folder id + version → manifest
	shares         map[string]*model.Share        // token → share
	sharesByFolder map[string][]*model.Share
	sessions       map[string]*model.TransferSession
	transfers      map[string][]*model.SegmentTransfer // session id → rows, (path, index) order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		folders:        make(map[string]*model.Folder),
		folderVersions: make(map[string][]*model.FolderVersion),
		files:          make(map[string]*model.File),
		fileVersions:   make(map[string][]*model.FileVersion),
		segments:       make(map[string][]*model.Segment),
		segmentsByID:   make(map[string]*model.Segment),
		packResults:    make(map[string][]*model.PackResult),
		manifests:      make(map[string]*model.Manifest),
		shares:         make(map[string]*model.Share),
		sharesByFolder: make(map[string][]*model.Share),
		sessions:       make(map[string]*model.TransferSession),
		transfers:      make(map[string][]*model.SegmentTransfer),
	}
}

var _ core.Store = (*MemoryStore)(nil)

// Folder operations

func (m *MemoryStore) CreateFolder(folder *model.Folder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.folders[folder.ID]; ok {
		return &core.ConflictError{Msg: "folder " + folder.ID + " already exists"}
	}
	clone := *folder
	m.folders[folder.ID] = &clone
	return nil
}

func (m *MemoryStore) GetFolder(id string) (*model.Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	folder, ok := m.folders[id]
	if !ok {
		return nil, nil
	}
	clone := *folder
	return &clone, nil
}

func (m *MemoryStore) FindFolderByPath(path string) (*model.Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, folder := range m.folders {
		if folder.Path == path {
			clone := *folder
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListFolders() ([]*model.Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Folder, 0, len(m.folders))
	for _, folder := range m.folders {
		clone := *folder
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Versioning operations

func (m *MemoryStore) ApplyDelta(delta *model.Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	folder, ok := m.folders[delta.FolderVersion.FolderID]
	if !ok {
		return core.Validationf("folder %s is not tracked", delta.FolderVersion.FolderID)
	}
	if delta.FolderVersion.Version != folder.CurrentVersion+1 {
		return &core.ConflictError{Msg: "delta version is stale"}
	}

	fv := delta.FolderVersion
	m.folderVersions[folder.ID] = append(m.folderVersions[folder.ID], &fv)

	for _, fd := range delta.Files {
		file := fd.File
		m.files[file.ID] = &file

		ver := fd.FileVersion
		ver.ChangedSegments = append([]int64(nil), fd.FileVersion.ChangedSegments...)
		m.fileVersions[file.ID] = append(m.fileVersions[file.ID], &ver)

		for _, seg := range fd.NewSegments {
			clone := seg
			m.segments[file.ID] = append(m.segments[file.ID], &clone)
			m.segmentsByID[clone.ID] = &clone
		}
		for _, seg := range fd.CarriedSegments {
			clone := seg
			m.segments[file.ID] = append(m.segments[file.ID], &clone)
			m.segmentsByID[clone.ID] = &clone
		}
	}

	folder.CurrentVersion = delta.FolderVersion.Version
	return nil
}

func (m *MemoryStore) GetFolderVersion(folderID string, version int64) (*model.FolderVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fv := range m.folderVersions[folderID] {
		if fv.Version == version {
			clone := *fv
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListFolderVersions(folderID string) ([]*model.FolderVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.FolderVersion, 0, len(m.folderVersions[folderID]))
	for _, fv := range m.folderVersions[folderID] {
		clone := *fv
		out = append(out, &clone)
	}
	return out, nil
}

// File operations

func (m *MemoryStore) ListFiles(folderID string) ([]*model.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.File
	for _, file := range m.files {
		if file.FolderID == folderID {
			clone := *file
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *MemoryStore) FindFileByPath(folderID string, path string) (*model.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, file := range m.files {
		if file.FolderID == folderID && file.Path == path {
			clone := *file
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) GetFileVersion(fileID string, version int64) (*model.FileVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fv := range m.fileVersions[fileID] {
		if fv.Version == version {
			clone := *fv
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListFileVersions(fileID string) ([]*model.FileVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.FileVersion, 0, len(m.fileVersions[fileID]))
	for _, fv := range m.fileVersions[fileID] {
		clone := *fv
		out = append(out, &clone)
	}
	return out, nil
}

// Segment operations

func (m *MemoryStore) ListSegments(fileID string, version int64) ([]*model.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Segment
	for _, seg := range m.segments[fileID] {
		if seg.Version == version {
			clone := *seg
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].RedundancyIndex < out[j].RedundancyIndex
	})
	return out, nil
}

func (m *MemoryStore) ListUnuploadedSegments(folderID string) ([]*model.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type pathSegment struct {
		path string
		seg  *model.Segment
	}
	var found []pathSegment
	for _, file := range m.files {
		if file.FolderID != folderID || file.Deleted {
			continue
		}
		for _, seg := range m.segments[file.ID] {
			if seg.Version == file.CurrentVersion && !seg.Uploaded {
				clone := *seg
				found = append(found, pathSegment{path: file.Path, seg: &clone})
			}
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].path != found[j].path {
			return found[i].path < found[j].path
		}
		if found[i].seg.Index != found[j].seg.Index {
			return found[i].seg.Index < found[j].seg.Index
		}
		return found[i].seg.RedundancyIndex < found[j].seg.RedundancyIndex
	})

	out := make([]*model.Segment, len(found))
	for i := range found {
		out[i] = found[i].seg
	}
	return out, nil
}

func (m *MemoryStore) MarkSegmentPosted(segmentID string, locator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segmentsByID[segmentID]
	if !ok {
		return core.Validationf("segment %s does not exist", segmentID)
	}
	seg.Locator = locator
	seg.Uploaded = true
	return nil
}

func (m *MemoryStore) CreatePackResult(result *model.PackResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *result
	m.packResults[result.FolderID] = append(m.packResults[result.FolderID], &clone)
	return nil
}

func (m *MemoryStore) ListPackResults(folderID string) ([]*model.PackResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.PackResult, 0, len(m.packResults[folderID]))
	for _, pr := range m.packResults[folderID] {
		clone := *pr
		out = append(out, &clone)
	}
	return out, nil
}

// Manifest operations

func manifestKey(folderID string, version int64) string {
	return folderID + "@" + strconv.FormatInt(version, 10)
}

func (m *MemoryStore) CreateManifest(manifest *model.Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := manifestKey(manifest.FolderID, manifest.Version)
	if _, ok := m.manifests[key]; ok {
		return &core.ConflictError{Msg: "manifest for " + key + " already exists"}
	}
	clone := *manifest
	m.manifests[key] = &clone
	return nil
}

func (m *MemoryStore) GetManifest(folderID string, version int64) (*model.Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	manifest, ok := m.manifests[manifestKey(folderID, version)]
	if !ok {
		return nil, nil
	}
	clone := *manifest
	return &clone, nil
}

// Share operations

func (m *MemoryStore) CreateShare(share *model.Share) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shares[share.Token]; ok {
		return &core.ConflictError{Msg: "share token collision"}
	}
	clone := *share
	m.shares[share.Token] = &clone
	m.sharesByFolder[share.FolderID] = append(m.sharesByFolder[share.FolderID], &clone)
	return nil
}

func (m *MemoryStore) GetShare(token string) (*model.Share, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	share, ok := m.shares[token]
	if !ok {
		return nil, nil
	}
	clone := *share
	return &clone, nil
}

func (m *MemoryStore) ListShares(folderID string) ([]*model.Share, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Share, 0, len(m.sharesByFolder[folderID]))
	for _, share := range m.sharesByFolder[folderID] {
		clone := *share
		out = append(out, &clone)
	}
	return out, nil
}

// Transfer session operations

func (m *MemoryStore) CreateSession(session *model.TransferSession, segments []*model.SegmentTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; ok {
		return &core.ConflictError{Msg: "session " + session.ID + " already exists"}
	}
	clone := *session
	m.sessions[session.ID] = &clone

	rows := make([]*model.SegmentTransfer, len(segments))
	for i, seg := range segments {
		row := *seg
		rows[i] = &row
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].FilePath != rows[j].FilePath {
			return rows[i].FilePath < rows[j].FilePath
		}
		return rows[i].Index < rows[j].Index
	})
	m.transfers[session.ID] = rows
	return nil
}

func (m *MemoryStore) GetSession(id string) (*model.TransferSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	clone := *session
	return &clone, nil
}

func (m *MemoryStore) ListSessions() ([]*model.TransferSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.TransferSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		clone := *session
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ListSegmentTransfers(sessionID string) ([]*model.SegmentTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.SegmentTransfer, 0, len(m.transfers[sessionID]))
	for _, row := range m.transfers[sessionID] {
		clone := *row
		out = append(out, &clone)
	}
	return out, nil
}

func (m *MemoryStore) ClaimNextSegment(sessionID string, now time.Time, leaseUntil time.Time) (*model.SegmentTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.transfers[sessionID] {
		if row.Status != model.TransferPending {
			continue
		}
		row.Status = model.TransferInProgress
		row.Attempts++
		row.LeaseUntil = leaseUntil
		clone := *row
		return &clone, nil
	}
	return nil, nil
}

func (m *MemoryStore) RenewLease(sessionID string, segmentID string, leaseUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.transfers[sessionID] {
		if row.SegmentID != segmentID {
			continue
		}
		if row.Status != model.TransferInProgress {
			return &core.ConflictError{Msg: "segment " + segmentID + " is not in progress"}
		}
		row.LeaseUntil = leaseUntil
		return nil
	}
	return core.Validationf("segment %s is not part of session %s", segmentID, sessionID)
}

func (m *MemoryStore) CompleteSegment(sessionID string, segmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.transfers[sessionID] {
		if row.SegmentID != segmentID {
			continue
		}
		if row.Status == model.TransferComplete {
			// Idempotent: already counted.
			return nil
		}
		row.Status = model.TransferComplete
		row.LeaseUntil = time.Time{}
		return nil
	}
	return core.Validationf("segment %s is not part of session %s", segmentID, sessionID)
}

func (m *MemoryStore) FailSegment(sessionID string, segmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.transfers[sessionID] {
		if row.SegmentID != segmentID {
			continue
		}
		if row.Status == model.TransferComplete {
			return &core.ConflictError{Msg: "segment " + segmentID + " is already complete"}
		}
		row.Status = model.TransferFailed
		row.LeaseUntil = time.Time{}
		return nil
	}
	return core.Validationf("segment %s is not part of session %s", segmentID, sessionID)
}

func (m *MemoryStore) ResetSegments(sessionID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.transfers[sessionID] {
		switch row.Status {
		case model.TransferFailed:
			row.Status = model.TransferPending
			row.LeaseUntil = time.Time{}
		case model.TransferInProgress:
			if row.LeaseUntil.Before(now) {
				row.Status = model.TransferPending
				row.LeaseUntil = time.Time{}
			}
		}
	}
	return nil
}

func (m *MemoryStore) SessionProgress(sessionID string) (core.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var p core.Progress
	for _, row := range m.transfers[sessionID] {
		switch row.Status {
		case model.TransferPending:
			p.Pending++
		case model.TransferInProgress:
			p.InProgress++
		case model.TransferComplete:
			p.Complete++
		case model.TransferFailed:
			p.Failed++
		}
	}
	return p, nil
}

func (m *MemoryStore) SetSessionStatus(sessionID string, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return core.Validationf("session %s does not exist", sessionID)
	}
	session.Status = status
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }
