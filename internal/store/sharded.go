package store

import (
	"errors"
	"sort"
	"time"

	"github.com/contemptx/usenetsync-sub001/internal/core"
	"github.com/contemptx/usenetsync-sub001/internal/model"
	"github.com/contemptx/usenetsync-sub001/internal/shard"
)

// ShardedStore spreads records across a fixed set of stores. Folder-rooted
// records (versions, files, segments, packs, manifests) live on the shard
// of their folder id, so ApplyDelta stays atomic within one store. Shares
// route by token and sessions by session id; lookups keyed some other way
// fan out across all shards.
//
// The shard count is fixed for the lifetime of the data set.
type ShardedStore struct {
	shards []core.Store
	router shard.Router
}

// NewShardedStore creates a store over the given shards. Panics if shards
// is empty, matching the router's contract.
func NewShardedStore(shards []core.Store) *ShardedStore {
	return &ShardedStore{
		shards: shards,
		router: shard.NewRouter(len(shards)),
	}
}

var _ core.Store = (*ShardedStore)(nil)

func (s *ShardedStore) byFolder(folderID string) core.Store {
	return s.shards[s.router.ShardFor(folderID)]
}

func (s *ShardedStore) byToken(token string) core.Store {
	return s.shards[s.router.ShardFor(token)]
}

func (s *ShardedStore) bySession(sessionID string) core.Store {
	return s.shards[s.router.ShardFor(sessionID)]
}

// Folder operations

func (s *ShardedStore) CreateFolder(folder *model.Folder) error {
	return s.byFolder(folder.ID).CreateFolder(folder)
}

func (s *ShardedStore) GetFolder(id string) (*model.Folder, error) {
	return s.byFolder(id).GetFolder(id)
}

func (s *ShardedStore) FindFolderByPath(path string) (*model.Folder, error) {
	for _, sh := range s.shards {
		folder, err := sh.FindFolderByPath(path)
		if err != nil {
			return nil, err
		}
		if folder != nil {
			return folder, nil
		}
	}
	return nil, nil
}

func (s *ShardedStore) ListFolders() ([]*model.Folder, error) {
	var out []*model.Folder
	for _, sh := range s.shards {
		folders, err := sh.ListFolders()
		if err != nil {
			return nil, err
		}
		out = append(out, folders...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Versioning operations

func (s *ShardedStore) ApplyDelta(delta *model.Delta) error {
	return s.byFolder(delta.FolderVersion.FolderID).ApplyDelta(delta)
}

func (s *ShardedStore) GetFolderVersion(folderID string, version int64) (*model.FolderVersion, error) {
	return s.byFolder(folderID).GetFolderVersion(folderID, version)
}

func (s *ShardedStore) ListFolderVersions(folderID string) ([]*model.FolderVersion, error) {
	return s.byFolder(folderID).ListFolderVersions(folderID)
}

// File operations

func (s *ShardedStore) ListFiles(folderID string) ([]*model.File, error) {
	return s.byFolder(folderID).ListFiles(folderID)
}

func (s *ShardedStore) FindFileByPath(folderID string, path string) (*model.File, error) {
	return s.byFolder(folderID).FindFileByPath(folderID, path)
}

// File ids do not encode their folder, so per-file lookups probe every
// shard and return the first hit.

func (s *ShardedStore) GetFileVersion(fileID string, version int64) (*model.FileVersion, error) {
	for _, sh := range s.shards {
		fv, err := sh.GetFileVersion(fileID, version)
		if err != nil {
			return nil, err
		}
		if fv != nil {
			return fv, nil
		}
	}
	return nil, nil
}

func (s *ShardedStore) ListFileVersions(fileID string) ([]*model.FileVersion, error) {
	for _, sh := range s.shards {
		versions, err := sh.ListFileVersions(fileID)
		if err != nil {
			return nil, err
		}
		if len(versions) > 0 {
			return versions, nil
		}
	}
	return nil, nil
}

// Segment operations

func (s *ShardedStore) ListSegments(fileID string, version int64) ([]*model.Segment, error) {
	for _, sh := range s.shards {
		segments, err := sh.ListSegments(fileID, version)
		if err != nil {
			return nil, err
		}
		if len(segments) > 0 {
			return segments, nil
		}
	}
	return nil, nil
}

func (s *ShardedStore) ListUnuploadedSegments(folderID string) ([]*model.Segment, error) {
	return s.byFolder(folderID).ListUnuploadedSegments(folderID)
}

func (s *ShardedStore) MarkSegmentPosted(segmentID string, locator string) error {
	for _, sh := range s.shards {
		err := sh.MarkSegmentPosted(segmentID, locator)
		if err == nil {
			return nil
		}
		var validation *core.ValidationError
		if errors.As(err, &validation) {
			continue
		}
		return err
	}
	return core.Validationf("segment %s does not exist", segmentID)
}

func (s *ShardedStore) CreatePackResult(result *model.PackResult) error {
	return s.byFolder(result.FolderID).CreatePackResult(result)
}

func (s *ShardedStore) ListPackResults(folderID string) ([]*model.PackResult, error) {
	return s.byFolder(folderID).ListPackResults(folderID)
}

// Manifest operations

func (s *ShardedStore) CreateManifest(manifest *model.Manifest) error {
	return s.byFolder(manifest.FolderID).CreateManifest(manifest)
}

func (s *ShardedStore) GetManifest(folderID string, version int64) (*model.Manifest, error) {
	return s.byFolder(folderID).GetManifest(folderID, version)
}

// Share operations

func (s *ShardedStore) CreateShare(share *model.Share) error {
	return s.byToken(share.Token).CreateShare(share)
}

func (s *ShardedStore) GetShare(token string) (*model.Share, error) {
	return s.byToken(token).GetShare(token)
}

func (s *ShardedStore) ListShares(folderID string) ([]*model.Share, error) {
	var out []*model.Share
	for _, sh := range s.shards {
		shares, err := sh.ListShares(folderID)
		if err != nil {
			return nil, err
		}
		out = append(out, shares...)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Token < out[j].Token
	})
	return out, nil
}

// Transfer session operations

func (s *ShardedStore) CreateSession(session *model.TransferSession, segments []*model.SegmentTransfer) error {
	return s.bySession(session.ID).CreateSession(session, segments)
}

func (s *ShardedStore) GetSession(id string) (*model.TransferSession, error) {
	return s.bySession(id).GetSession(id)
}

func (s *ShardedStore) ListSessions() ([]*model.TransferSession, error) {
	var out []*model.TransferSession
	for _, sh := range s.shards {
		sessions, err := sh.ListSessions()
		if err != nil {
			return nil, err
		}
		out = append(out, sessions...)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *ShardedStore) ListSegmentTransfers(sessionID string) ([]*model.SegmentTransfer, error) {
	return s.bySession(sessionID).ListSegmentTransfers(sessionID)
}

func (s *ShardedStore) ClaimNextSegment(sessionID string, now time.Time, leaseUntil time.Time) (*model.SegmentTransfer, error) {
	return s.bySession(sessionID).ClaimNextSegment(sessionID, now, leaseUntil)
}

func (s *ShardedStore) RenewLease(sessionID string, segmentID string, leaseUntil time.Time) error {
	return s.bySession(sessionID).RenewLease(sessionID, segmentID, leaseUntil)
}

func (s *ShardedStore) CompleteSegment(sessionID string, segmentID string) error {
	return s.bySession(sessionID).CompleteSegment(sessionID, segmentID)
}

func (s *ShardedStore) FailSegment(sessionID string, segmentID string) error {
	return s.bySession(sessionID).FailSegment(sessionID, segmentID)
}

func (s *ShardedStore) ResetSegments(sessionID string, now time.Time) error {
	return s.bySession(sessionID).ResetSegments(sessionID, now)
}

func (s *ShardedStore) SessionProgress(sessionID string) (core.Progress, error) {
	return s.bySession(sessionID).SessionProgress(sessionID)
}

func (s *ShardedStore) SetSessionStatus(sessionID string, status string) error {
	return s.bySession(sessionID).SetSessionStatus(sessionID, status)
}

// Close closes every shard, returning the first error seen.
func (s *ShardedStore) Close() error {
	var first error
	for _, sh := range s.shards {
		if err := sh.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
