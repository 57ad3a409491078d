package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/contemptx/usenetsync-sub001/internal/core"
	"github.com/contemptx/usenetsync-sub001/internal/model"
	"github.com/contemptx/usenetsync-sub001/internal/store/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements the Store interface on a single SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ core.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite store at path and migrates
// it to the latest schema. path can be ":memory:" for a throwaway store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating store at %s: %w", path, err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection with the
// PRAGMAs the store relies on. Exported for tools and tests that need a
// properly configured connection.
func OpenConnection(path string) (*sql.DB, error) {
	// Foreign keys are off by default in SQLite, and concurrent claim
	// workers contend on the same file. The PRAGMAs go through the DSN so
	// every pooled connection gets them, not just the first.
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteStore) Path() string { return s.path }

// CheckMigrations verifies the schema is up to date.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo writes a complete copy of the database to destPath.
func (s *SQLiteStore) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Folder operations

func (s *SQLiteStore) CreateFolder(folder *model.Folder) error {
	_, err := s.db.Exec(
		`INSERT INTO folders (id, name, path, current_version, created_at) VALUES (?, ?, ?, ?, ?)`,
		folder.ID, folder.Name, folder.Path, folder.CurrentVersion, folder.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating folder: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanFolder(row *sql.Row) (*model.Folder, error) {
	var folder model.Folder
	err := row.Scan(&folder.ID, &folder.Name, &folder.Path, &folder.CurrentVersion, &folder.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &folder, nil
}

func (s *SQLiteStore) GetFolder(id string) (*model.Folder, error) {
	folder, err := s.scanFolder(s.db.QueryRow(
		`SELECT id, name, path, current_version, created_at FROM folders WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("getting folder: %w", err)
	}
	return folder, nil
}

func (s *SQLiteStore) FindFolderByPath(path string) (*model.Folder, error) {
	folder, err := s.scanFolder(s.db.QueryRow(
		`SELECT id, name, path, current_version, created_at FROM folders WHERE path = ?`, path))
	if err != nil {
		return nil, fmt.Errorf("finding folder by path: %w", err)
	}
	return folder, nil
}

func (s *SQLiteStore) ListFolders() ([]*model.Folder, error) {
	rows, err := s.db.Query(
		`SELECT id, name, path, current_version, created_at FROM folders ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	defer rows.Close()

	var out []*model.Folder
	for rows.Next() {
		var folder model.Folder
		if err := rows.Scan(&folder.ID, &folder.Name, &folder.Path, &folder.CurrentVersion, &folder.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning folder: %w", err)
		}
		out = append(out, &folder)
	}
	return out, rows.Err()
}

// Versioning operations

func (s *SQLiteStore) ApplyDelta(delta *model.Delta) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	fv := delta.FolderVersion

	var current int64
	err = tx.QueryRow(`SELECT current_version FROM folders WHERE id = ?`, fv.FolderID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Validationf("folder %s is not tracked", fv.FolderID)
	}
	if err != nil {
		return fmt.Errorf("reading folder version: %w", err)
	}
	if fv.Version != current+1 {
		return &core.ConflictError{Msg: "delta version is stale"}
	}

	_, err = tx.Exec(
		`INSERT INTO folder_versions
		 (folder_id, version, file_count, total_size, files_added, files_modified, files_deleted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fv.FolderID, fv.Version, fv.FileCount, fv.TotalSize,
		fv.FilesAdded, fv.FilesModified, fv.FilesDeleted, fv.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting folder version: %w", err)
	}

	for _, fd := range delta.Files {
		file := fd.File
		_, err = tx.Exec(
			`INSERT INTO files (id, folder_id, path, current_version, current_size, current_hash, deleted)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
			   current_version = excluded.current_version,
			   current_size = excluded.current_size,
			   current_hash = excluded.current_hash,
			   deleted = excluded.deleted`,
			file.ID, file.FolderID, file.Path, file.CurrentVersion,
			file.CurrentSize, file.CurrentHash, file.Deleted)
		if err != nil {
			return fmt.Errorf("upserting file %s: %w", file.Path, err)
		}

		ver := fd.FileVersion
		_, err = tx.Exec(
			`INSERT INTO file_versions
			 (file_id, version, size, hash, mod_time, change_type, changed_segments, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ver.FileID, ver.Version, ver.Size, ver.Hash, ver.ModTime,
			ver.ChangeType, joinIndices(ver.ChangedSegments), ver.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting file version for %s: %w", file.Path, err)
		}

		for _, seg := range append(fd.NewSegments, fd.CarriedSegments...) {
			_, err = tx.Exec(
				`INSERT INTO segments
				 (id, file_id, version, idx, size, hash, redundancy_index, locator, uploaded)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				seg.ID, seg.FileID, seg.Version, seg.Index, seg.Size,
				seg.Hash, seg.RedundancyIndex, seg.Locator, seg.Uploaded)
			if err != nil {
				return fmt.Errorf("inserting segment %d of %s: %w", seg.Index, file.Path, err)
			}
		}
	}

	result, err := tx.Exec(
		`UPDATE folders SET current_version = ? WHERE id = ? AND current_version = ?`,
		fv.Version, fv.FolderID, current)
	if err != nil {
		return fmt.Errorf("bumping folder version: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking folder version bump: %w", err)
	}
	if affected != 1 {
		return &core.ConflictError{Msg: "folder version moved during delta application"}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delta: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFolderVersion(folderID string, version int64) (*model.FolderVersion, error) {
	var fv model.FolderVersion
	err := s.db.QueryRow(
		`SELECT folder_id, version, file_count, total_size, files_added, files_modified, files_deleted, created_at
		 FROM folder_versions WHERE folder_id = ? AND version = ?`, folderID, version).
		Scan(&fv.FolderID, &fv.Version, &fv.FileCount, &fv.TotalSize,
			&fv.FilesAdded, &fv.FilesModified, &fv.FilesDeleted, &fv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting folder version: %w", err)
	}
	return &fv, nil
}

func (s *SQLiteStore) ListFolderVersions(folderID string) ([]*model.FolderVersion, error) {
	rows, err := s.db.Query(
		`SELECT folder_id, version, file_count, total_size, files_added, files_modified, files_deleted, created_at
		 FROM folder_versions WHERE folder_id = ? ORDER BY version`, folderID)
	if err != nil {
		return nil, fmt.Errorf("listing folder versions: %w", err)
	}
	defer rows.Close()

	var out []*model.FolderVersion
	for rows.Next() {
		var fv model.FolderVersion
		if err := rows.Scan(&fv.FolderID, &fv.Version, &fv.FileCount, &fv.TotalSize,
			&fv.FilesAdded, &fv.FilesModified, &fv.FilesDeleted, &fv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning folder version: %w", err)
		}
		out = append(out, &fv)
	}
	return out, rows.Err()
}

// File operations

func (s *SQLiteStore) ListFiles(folderID string) ([]*model.File, error) {
	rows, err := s.db.Query(
		`SELECT id, folder_id, path, current_version, current_size, current_hash, deleted
		 FROM files WHERE folder_id = ? ORDER BY path`, folderID)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	defer rows.Close()

	var out []*model.File
	for rows.Next() {
		var file model.File
		if err := rows.Scan(&file.ID, &file.FolderID, &file.Path, &file.CurrentVersion,
			&file.CurrentSize, &file.CurrentHash, &file.Deleted); err != nil {
			return nil, fmt.Errorf("scanning file: %w", err)
		}
		out = append(out, &file)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FindFileByPath(folderID string, path string) (*model.File, error) {
	var file model.File
	err := s.db.QueryRow(
		`SELECT id, folder_id, path, current_version, current_size, current_hash, deleted
		 FROM files WHERE folder_id = ? AND path = ?`, folderID, path).
		Scan(&file.ID, &file.FolderID, &file.Path, &file.CurrentVersion,
			&file.CurrentSize, &file.CurrentHash, &file.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding file by path: %w", err)
	}
	return &file, nil
}

func (s *SQLiteStore) GetFileVersion(fileID string, version int64) (*model.FileVersion, error) {
	var fv model.FileVersion
	var changed string
	err := s.db.QueryRow(
		`SELECT file_id, version, size, hash, mod_time, change_type, changed_segments, created_at
		 FROM file_versions WHERE file_id = ? AND version = ?`, fileID, version).
		Scan(&fv.FileID, &fv.Version, &fv.Size, &fv.Hash, &fv.ModTime,
			&fv.ChangeType, &changed, &fv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting file version: %w", err)
	}
	fv.ChangedSegments, err = splitIndices(changed)
	if err != nil {
		return nil, fmt.Errorf("parsing changed segments: %w", err)
	}
	return &fv, nil
}

func (s *SQLiteStore) ListFileVersions(fileID string) ([]*model.FileVersion, error) {
	rows, err := s.db.Query(
		`SELECT file_id, version, size, hash, mod_time, change_type, changed_segments, created_at
		 FROM file_versions WHERE file_id = ? ORDER BY version`, fileID)
	if err != nil {
		return nil, fmt.Errorf("listing file versions: %w", err)
	}
	defer rows.Close()

	var out []*model.FileVersion
	for rows.Next() {
		var fv model.FileVersion
		var changed string
		if err := rows.Scan(&fv.FileID, &fv.Version, &fv.Size, &fv.Hash, &fv.ModTime,
			&fv.ChangeType, &changed, &fv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning file version: %w", err)
		}
		fv.ChangedSegments, err = splitIndices(changed)
		if err != nil {
			return nil, fmt.Errorf("parsing changed segments: %w", err)
		}
		out = append(out, &fv)
	}
	return out, rows.Err()
}

// Segment operations

func (s *SQLiteStore) scanSegments(rows *sql.Rows) ([]*model.Segment, error) {
	defer rows.Close()
	var out []*model.Segment
	for rows.Next() {
		var seg model.Segment
		if err := rows.Scan(&seg.ID, &seg.FileID, &seg.Version, &seg.Index, &seg.Size,
			&seg.Hash, &seg.RedundancyIndex, &seg.Locator, &seg.Uploaded); err != nil {
			return nil, fmt.Errorf("scanning segment: %w", err)
		}
		out = append(out, &seg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListSegments(fileID string, version int64) ([]*model.Segment, error) {
	rows, err := s.db.Query(
		`SELECT id, file_id, version, idx, size, hash, redundancy_index, locator, uploaded
		 FROM segments WHERE file_id = ? AND version = ?
		 ORDER BY idx, redundancy_index`, fileID, version)
	if err != nil {
		return nil, fmt.Errorf("listing segments: %w", err)
	}
	return s.scanSegments(rows)
}

func (s *SQLiteStore) ListUnuploadedSegments(folderID string) ([]*model.Segment, error) {
	rows, err := s.db.Query(
		`SELECT s.id, s.file_id, s.version, s.idx, s.size, s.hash, s.redundancy_index, s.locator, s.uploaded
		 FROM segments s JOIN files f ON s.file_id = f.id
		 WHERE f.folder_id = ? AND f.deleted = 0 AND s.version = f.current_version AND s.uploaded = 0
		 ORDER BY f.path, s.idx, s.redundancy_index`, folderID)
	if err != nil {
		return nil, fmt.Errorf("listing unuploaded segments: %w", err)
	}
	return s.scanSegments(rows)
}

func (s *SQLiteStore) MarkSegmentPosted(segmentID string, locator string) error {
	result, err := s.db.Exec(
		`UPDATE segments SET locator = ?, uploaded = 1 WHERE id = ?`, locator, segmentID)
	if err != nil {
		return fmt.Errorf("marking segment posted: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking segment update: %w", err)
	}
	if affected == 0 {
		return core.Validationf("segment %s does not exist", segmentID)
	}
	return nil
}

func (s *SQLiteStore) CreatePackResult(result *model.PackResult) error {
	_, err := s.db.Exec(
		`INSERT INTO pack_results (id, folder_id, locator, size, created_at) VALUES (?, ?, ?, ?, ?)`,
		result.ID, result.FolderID, result.Locator, result.Size, result.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating pack result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPackResults(folderID string) ([]*model.PackResult, error) {
	rows, err := s.db.Query(
		`SELECT id, folder_id, locator, size, created_at
		 FROM pack_results WHERE folder_id = ? ORDER BY created_at, id`, folderID)
	if err != nil {
		return nil, fmt.Errorf("listing pack results: %w", err)
	}
	defer rows.Close()

	var out []*model.PackResult
	for rows.Next() {
		var pr model.PackResult
		if err := rows.Scan(&pr.ID, &pr.FolderID, &pr.Locator, &pr.Size, &pr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning pack result: %w", err)
		}
		out = append(out, &pr)
	}
	return out, rows.Err()
}

// Manifest operations

func (s *SQLiteStore) CreateManifest(manifest *model.Manifest) error {
	_, err := s.db.Exec(
		`INSERT INTO manifests (folder_id, version, hash, size, locator, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		manifest.FolderID, manifest.Version, manifest.Hash, manifest.Size,
		manifest.Locator, manifest.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating manifest: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetManifest(folderID string, version int64) (*model.Manifest, error) {
	var m model.Manifest
	err := s.db.QueryRow(
		`SELECT folder_id, version, hash, size, locator, created_at
		 FROM manifests WHERE folder_id = ? AND version = ?`, folderID, version).
		Scan(&m.FolderID, &m.Version, &m.Hash, &m.Size, &m.Locator, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting manifest: %w", err)
	}
	return &m, nil
}

// Share operations

func (s *SQLiteStore) CreateShare(share *model.Share) error {
	_, err := s.db.Exec(
		`INSERT INTO shares (token, folder_id, version, share_type, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		share.Token, share.FolderID, share.Version, share.ShareType, share.Metadata, share.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating share: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetShare(token string) (*model.Share, error) {
	var share model.Share
	err := s.db.QueryRow(
		`SELECT token, folder_id, version, share_type, metadata, created_at
		 FROM shares WHERE token = ?`, token).
		Scan(&share.Token, &share.FolderID, &share.Version, &share.ShareType,
			&share.Metadata, &share.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting share: %w", err)
	}
	return &share, nil
}

func (s *SQLiteStore) ListShares(folderID string) ([]*model.Share, error) {
	rows, err := s.db.Query(
		`SELECT token, folder_id, version, share_type, metadata, created_at
		 FROM shares WHERE folder_id = ? ORDER BY created_at, token`, folderID)
	if err != nil {
		return nil, fmt.Errorf("listing shares: %w", err)
	}
	defer rows.Close()

	var out []*model.Share
	for rows.Next() {
		var share model.Share
		if err := rows.Scan(&share.Token, &share.FolderID, &share.Version, &share.ShareType,
			&share.Metadata, &share.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning share: %w", err)
		}
		out = append(out, &share)
	}
	return out, rows.Err()
}

// Transfer session operations

func (s *SQLiteStore) CreateSession(session *model.TransferSession, segments []*model.SegmentTransfer) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO transfer_sessions (id, target, total_segments, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, session.Target, session.TotalSegments, session.Status,
		session.CreatedAt, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	for _, seg := range segments {
		_, err = tx.Exec(
			`INSERT INTO segment_transfers
			 (session_id, segment_id, file_path, idx, size, hash, locator, status, attempts, lease_until)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			seg.SessionID, seg.SegmentID, seg.FilePath, seg.Index, seg.Size,
			seg.Hash, seg.Locator, seg.Status, seg.Attempts)
		if err != nil {
			return fmt.Errorf("creating segment transfer %s: %w", seg.SegmentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(id string) (*model.TransferSession, error) {
	var session model.TransferSession
	err := s.db.QueryRow(
		`SELECT id, target, total_segments, status, created_at, updated_at
		 FROM transfer_sessions WHERE id = ?`, id).
		Scan(&session.ID, &session.Target, &session.TotalSegments, &session.Status,
			&session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return &session, nil
}

func (s *SQLiteStore) ListSessions() ([]*model.TransferSession, error) {
	rows, err := s.db.Query(
		`SELECT id, target, total_segments, status, created_at, updated_at
		 FROM transfer_sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*model.TransferSession
	for rows.Next() {
		var session model.TransferSession
		if err := rows.Scan(&session.ID, &session.Target, &session.TotalSegments,
			&session.Status, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, &session)
	}
	return out, rows.Err()
}

func scanSegmentTransfer(scanner interface{ Scan(...any) error }) (*model.SegmentTransfer, error) {
	var row model.SegmentTransfer
	var lease sql.NullTime
	err := scanner.Scan(&row.SessionID, &row.SegmentID, &row.FilePath, &row.Index,
		&row.Size, &row.Hash, &row.Locator, &row.Status, &row.Attempts, &lease)
	if err != nil {
		return nil, err
	}
	if lease.Valid {
		row.LeaseUntil = lease.Time
	}
	return &row, nil
}

const segmentTransferColumns = `session_id, segment_id, file_path, idx, size, hash, locator, status, attempts, lease_until`

func (s *SQLiteStore) ListSegmentTransfers(sessionID string) ([]*model.SegmentTransfer, error) {
	rows, err := s.db.Query(
		`SELECT `+segmentTransferColumns+` FROM segment_transfers
		 WHERE session_id = ? ORDER BY file_path, idx`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing segment transfers: %w", err)
	}
	defer rows.Close()

	var out []*model.SegmentTransfer
	for rows.Next() {
		row, err := scanSegmentTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning segment transfer: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ClaimNextSegment(sessionID string, now time.Time, leaseUntil time.Time) (*model.SegmentTransfer, error) {
	// The compare-and-set update guards against two workers selecting the
	// same row; the loser just looks again.
	for {
		row, err := scanSegmentTransfer(s.db.QueryRow(
			`SELECT `+segmentTransferColumns+` FROM segment_transfers
			 WHERE session_id = ? AND status = ?
			 ORDER BY file_path, idx LIMIT 1`, sessionID, model.TransferPending))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("selecting next pending segment: %w", err)
		}

		result, err := s.db.Exec(
			`UPDATE segment_transfers
			 SET status = ?, attempts = attempts + 1, lease_until = ?
			 WHERE session_id = ? AND segment_id = ? AND status = ?`,
			model.TransferInProgress, leaseUntil, sessionID, row.SegmentID, model.TransferPending)
		if err != nil {
			return nil, fmt.Errorf("claiming segment: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("checking claim: %w", err)
		}
		if affected == 1 {
			row.Status = model.TransferInProgress
			row.Attempts++
			row.LeaseUntil = leaseUntil
			return row, nil
		}
	}
}

func (s *SQLiteStore) RenewLease(sessionID string, segmentID string, leaseUntil time.Time) error {
	result, err := s.db.Exec(
		`UPDATE segment_transfers SET lease_until = ?
		 WHERE session_id = ? AND segment_id = ? AND status = ?`,
		leaseUntil, sessionID, segmentID, model.TransferInProgress)
	if err != nil {
		return fmt.Errorf("renewing lease: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking lease renewal: %w", err)
	}
	if affected == 0 {
		return &core.ConflictError{Msg: "segment " + segmentID + " is not in progress"}
	}
	return nil
}

func (s *SQLiteStore) CompleteSegment(sessionID string, segmentID string) error {
	result, err := s.db.Exec(
		`UPDATE segment_transfers SET status = ?, lease_until = NULL
		 WHERE session_id = ? AND segment_id = ? AND status != ?`,
		model.TransferComplete, sessionID, segmentID, model.TransferComplete)
	if err != nil {
		return fmt.Errorf("completing segment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking completion: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// Zero rows: either already complete (fine) or unknown.
	var status string
	err = s.db.QueryRow(
		`SELECT status FROM segment_transfers WHERE session_id = ? AND segment_id = ?`,
		sessionID, segmentID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Validationf("segment %s is not part of session %s", segmentID, sessionID)
	}
	if err != nil {
		return fmt.Errorf("checking segment status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailSegment(sessionID string, segmentID string) error {
	result, err := s.db.Exec(
		`UPDATE segment_transfers SET status = ?, lease_until = NULL
		 WHERE session_id = ? AND segment_id = ? AND status != ?`,
		model.TransferFailed, sessionID, segmentID, model.TransferComplete)
	if err != nil {
		return fmt.Errorf("failing segment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking failure update: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRow(
		`SELECT status FROM segment_transfers WHERE session_id = ? AND segment_id = ?`,
		sessionID, segmentID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Validationf("segment %s is not part of session %s", segmentID, sessionID)
	}
	if err != nil {
		return fmt.Errorf("checking segment status: %w", err)
	}
	return &core.ConflictError{Msg: "segment " + segmentID + " is already complete"}
}

func (s *SQLiteStore) ResetSegments(sessionID string, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE segment_transfers SET status = ?, lease_until = NULL
		 WHERE session_id = ?
		   AND (status = ? OR (status = ? AND lease_until < ?))`,
		model.TransferPending, sessionID,
		model.TransferFailed, model.TransferInProgress, now)
	if err != nil {
		return fmt.Errorf("resetting segments: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SessionProgress(sessionID string) (core.Progress, error) {
	rows, err := s.db.Query(
		`SELECT status, COUNT(*) FROM segment_transfers WHERE session_id = ? GROUP BY status`,
		sessionID)
	if err != nil {
		return core.Progress{}, fmt.Errorf("reading session progress: %w", err)
	}
	defer rows.Close()

	var p core.Progress
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return core.Progress{}, fmt.Errorf("scanning progress row: %w", err)
		}
		switch status {
		case model.TransferPending:
			p.Pending = count
		case model.TransferInProgress:
			p.InProgress = count
		case model.TransferComplete:
			p.Complete = count
		case model.TransferFailed:
			p.Failed = count
		}
	}
	return p, rows.Err()
}

func (s *SQLiteStore) SetSessionStatus(sessionID string, status string) error {
	result, err := s.db.Exec(
		`UPDATE transfer_sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("setting session status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking session update: %w", err)
	}
	if affected == 0 {
		return core.Validationf("session %s does not exist", sessionID)
	}
	return nil
}

// joinIndices serializes segment indices as a comma-separated list.
func joinIndices(indices []int64) string {
	if len(indices) == 0 {
		return ""
	}
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = strconv.FormatInt(idx, 10)
	}
	return strings.Join(parts, ",")
}

func splitIndices(joined string) ([]int64, error) {
	if joined == "" {
		return nil, nil
	}
	parts := strings.Split(joined, ",")
	out := make([]int64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad segment index %q: %w", part, err)
		}
		out[i] = v
	}
	return out, nil
}
