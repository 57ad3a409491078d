package model

import "time"

// Change types recorded on a FileVersion.
const (
	ChangeCreate = "create"
	ChangeModify = "modify"
	ChangeDelete = "delete"
)

// Per-segment transfer states.
const (
	TransferPending    = "pending"
	TransferInProgress = "in_progress"
	TransferComplete   = "complete"
	TransferFailed     = "failed"
)

// Transfer session states.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
)

// Folder represents a tracked folder on the local host.
type Folder struct {
	ID             string // UUID
	Name           string // Display name
	Path           string // Absolute path on host
	CurrentVersion int64  // Monotonic, 0 until the first index pass
	CreatedAt      time.Time
}

// FolderVersion is an immutable snapshot of a folder at one version.
type FolderVersion struct {
	FolderID      string
	Version       int64
	FileCount     int64 // Non-deleted files at this version
	TotalSize     int64 // Sum of non-deleted file sizes
	FilesAdded    int64
	FilesModified int64
	FilesDeleted  int64
	CreatedAt     time.Time
}

// File represents a file within a tracked folder.
type File struct {
	ID             string // UUID
	FolderID       string // Foreign key to Folder
	Path           string // Relative path within the folder, forward slashes
	CurrentVersion int64
	CurrentSize    int64
	CurrentHash    string // SHA-256 hex of the full file content
	Deleted        bool   // Logical flag; history and shares are preserved
}

// FileVersion is an immutable record of a file's state at one version.
type FileVersion struct {
	FileID          string
	Version         int64
	Size            int64
	Hash            string // SHA-256 hex
	ModTime         time.Time
	ChangeType      string  // create, modify or delete
	ChangedSegments []int64 // Segment indices that differ from the prior version
	CreatedAt       time.Time
}

// Segment is a fixed-offset chunk of one file version's content.
type Segment struct {
	ID              string // UUID
	FileID          string
	Version         int64
	Index           int64 // Sequential, gapless within the file version
	Size            int64
	Hash            string // SHA-256 hex of the segment content; immutable once set
	RedundancyIndex int64  // 0 = primary copy, >0 = duplicate
	Locator         string // Opaque transport locator, empty until posted
	Uploaded        bool
}

// PackResult records the transport locator of a transmitted pack.
// The pack itself is transient; only its locator outlives the post.
type PackResult struct {
	ID        string // UUID
	FolderID  string
	Locator   string
	Size      int64
	CreatedAt time.Time
}

// Manifest records a published manifest blob for one folder version.
type Manifest struct {
	FolderID  string
	Version   int64
	Hash      string // SHA-256 hex of the encoded bytes, for unchanged detection
	Size      int64
	Locator   string
	CreatedAt time.Time
}

// Share grants access to exactly one immutable folder version.
// The token is opaque and encodes nothing about its target.
type Share struct {
	Token     string
	FolderID  string
	Version   int64
	ShareType string // e.g. "full" or "read"
	Metadata  string
	CreatedAt time.Time
}

// TransferSession tracks one download run across restarts.
type TransferSession struct {
	ID            string
	Target        string // Destination directory
	TotalSegments int64
	Status        string // active or completed
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SegmentTransfer is the per-segment progress row of a TransferSession.
type SegmentTransfer struct {
	SessionID  string
	SegmentID  string
	FilePath   string // Relative path, for stable ordering and error reporting
	Index      int64
	Size       int64
	Hash       string
	Locator    string
	Status     string // pending, in_progress, complete or failed
	Attempts   int64
	LeaseUntil time.Time // Zero unless in_progress
}

// ScanEntry is one file observed by a scan pass.
type ScanEntry struct {
	Path     string // Relative path, forward slashes
	Size     int64
	ModTime  time.Time
	Hash     string // SHA-256 hex of the full content
	Segments []SegmentDigest
}

// SegmentDigest is the hash and size of one aligned segment of a scanned file.
type SegmentDigest struct {
	Size int64
	Hash string
}

// FolderSnapshot is the last known state of a folder, reconstructed from
// the store and fed to delta computation.
type FolderSnapshot struct {
	FolderID  string
	Version   int64
	FileCount int64
	TotalSize int64
	Files     []FileState
}

// FileState is one file's state inside a FolderSnapshot.
type FileState struct {
	FileID   string
	Path     string
	Version  int64
	Size     int64
	Hash     string
	Deleted  bool
	Segments []Segment
}

// Delta is the minimal set of new records needed to advance a folder
// from one version to the next. Produced by the versioning engine and
// applied atomically by the store.
type Delta struct {
	FolderVersion FolderVersion
	Files         []FileDelta
}

// FileDelta bundles the new records for one changed file.
type FileDelta struct {
	File        File
	FileVersion FileVersion
	// NewSegments holds only segments whose content actually changed.
	NewSegments []Segment
	// CarriedSegments are re-referenced at the new version without
	// re-upload. They keep the prior hash, locator and uploaded flag
	// and are stored as fresh rows under the new version number.
	CarriedSegments []Segment
}

// Changed reports whether the delta advances the folder at all.
func (d *Delta) Changed() bool {
	return len(d.Files) > 0
}
