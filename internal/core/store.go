package core

import (
	"time"

	"github.com/contemptx/usenetsync-sub001/internal/model"
)

// Progress summarizes the per-segment state counts of a transfer session.
type Progress struct {
	Pending    int64
	InProgress int64
	Complete   int64
	Failed     int64
}

// Total returns the number of segments the session spans.
func (p Progress) Total() int64 {
	return p.Pending + p.InProgress + p.Complete + p.Failed
}

// Store provides transactional metadata storage for all record types.
// Lookups that find nothing return (nil, nil), not an error.
//
// Implementations must make ApplyDelta, CreateSession, ClaimNextSegment and
// CompleteSegment atomic and durable before reporting success: these carry
// the crash-safety guarantees of the transfer queue and the versioning
// engine.
type Store interface {
	// Folder operations

	// CreateFolder registers a folder for tracking.
	CreateFolder(folder *model.Folder) error

	// GetFolder returns a folder by id.
	GetFolder(id string) (*model.Folder, error)

	// FindFolderByPath returns a folder with an exact path match.
	FindFolderByPath(path string) (*model.Folder, error)

	// ListFolders returns all tracked folders ordered by path.
	ListFolders() ([]*model.Folder, error)

	// Versioning operations

	// ApplyDelta atomically records a new folder version: the version row,
	// new and updated file rows, file version rows, segment rows (changed
	// and carried), and the folder's bumped current_version. Fails with
	// ConflictError if the delta's version is not current_version+1.
	ApplyDelta(delta *model.Delta) error

	// GetFolderVersion returns one immutable folder version snapshot.
	GetFolderVersion(folderID string, version int64) (*model.FolderVersion, error)

	// ListFolderVersions returns a folder's versions, oldest first.
	ListFolderVersions(folderID string) ([]*model.FolderVersion, error)

	// File operations

	// ListFiles returns all files of a folder, deleted ones included,
	// ordered by path.
	ListFiles(folderID string) ([]*model.File, error)

	// FindFileByPath returns a file within a folder by relative path.
	FindFileByPath(folderID string, path string) (*model.File, error)

	// GetFileVersion returns one immutable file version.
	GetFileVersion(fileID string, version int64) (*model.FileVersion, error)

	// ListFileVersions returns a file's versions, oldest first.
	ListFileVersions(fileID string) ([]*model.FileVersion, error)

	// Segment operations

	// ListSegments returns the segments of one file version ordered by
	// index, primaries before duplicates.
	ListSegments(fileID string, version int64) ([]*model.Segment, error)

	// ListUnuploadedSegments returns every segment of a folder's current
	// file versions that has no transport locator yet, ordered by
	// (file path, index).
	ListUnuploadedSegments(folderID string) ([]*model.Segment, error)

	// MarkSegmentPosted records a segment's transport locator and sets its
	// uploaded flag. The content hash is never touched.
	MarkSegmentPosted(segmentID string, locator string) error

	// CreatePackResult records the locator of a transmitted pack.
	CreatePackResult(result *model.PackResult) error

	// ListPackResults returns a folder's pack locators, oldest first.
	ListPackResults(folderID string) ([]*model.PackResult, error)

	// Manifest operations

	// CreateManifest records a published manifest for a folder version.
	CreateManifest(manifest *model.Manifest) error

	// GetManifest returns the manifest record of one folder version.
	GetManifest(folderID string, version int64) (*model.Manifest, error)

	// Share operations

	// CreateShare records a share token.
	CreateShare(share *model.Share) error

	// GetShare resolves a share token.
	GetShare(token string) (*model.Share, error)

	// ListShares returns all shares for a folder, oldest first.
	ListShares(folderID string) ([]*model.Share, error)

	// Transfer session operations

	// CreateSession atomically creates a session and its per-segment rows.
	CreateSession(session *model.TransferSession, segments []*model.SegmentTransfer) error

	// GetSession returns a session by id.
	GetSession(id string) (*model.TransferSession, error)

	// ListSessions returns all sessions, oldest first.
	ListSessions() ([]*model.TransferSession, error)

	// ListSegmentTransfers returns a session's per-segment rows ordered by
	// (file path, index).
	ListSegmentTransfers(sessionID string) ([]*model.SegmentTransfer, error)

	// ClaimNextSegment atomically transitions the first pending segment
	// (in file path, index order) to in_progress with the given lease
	// deadline, increments its attempt counter, and returns it. Returns
	// (nil, nil) when nothing is claimable. Two concurrent callers never
	// receive the same segment.
	ClaimNextSegment(sessionID string, now time.Time, leaseUntil time.Time) (*model.SegmentTransfer, error)

	// RenewLease extends the lease of an in_progress segment.
	RenewLease(sessionID string, segmentID string, leaseUntil time.Time) error

	// CompleteSegment durably marks a segment complete. Idempotent: a
	// repeat call is a no-op and never double-counts.
	CompleteSegment(sessionID string, segmentID string) error

	// FailSegment transitions an in_progress segment to failed.
	FailSegment(sessionID string, segmentID string) error

	// ResetSegments reverts failed segments and in_progress segments with
	// expired leases back to pending. Called on resume and between claim
	// sweeps.
	ResetSegments(sessionID string, now time.Time) error

	// SessionProgress returns the per-state segment counts of a session.
	SessionProgress(sessionID string) (Progress, error)

	// SetSessionStatus updates a session's status.
	SetSessionStatus(sessionID string, status string) error

	// Close closes the store.
	Close() error
}
