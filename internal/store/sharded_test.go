package store_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/contemptx/usenetsync-sub001/internal/config"
	"github.com/contemptx/usenetsync-sub001/internal/core"
	"github.com/contemptx/usenetsync-sub001/internal/model"
	"github.com/contemptx/usenetsync-sub001/internal/shard"
	"github.com/contemptx/usenetsync-sub001/internal/store"
	"github.com/contemptx/usenetsync-sub001/internal/testutil"
)

// newShardedStore builds an N-shard SQLite store through the factory, the
// way production config wires it.
func newShardedStore(t *testing.T, shards int) core.Store {
	t.Helper()
	st, err := store.NewStoreFromConfig(config.StoreConfig{
		Type:    "sharded",
		DataDir: t.TempDir(),
		Shards:  shards,
	}, "test-host")
	if err != nil {
		t.Fatalf("NewStoreFromConfig() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// keyOnOtherShard returns a key that routes to a different shard than ref.
func keyOnOtherShard(t *testing.T, shards int, prefix, ref string) string {
	t.Helper()
	router := shard.NewRouter(shards)
	want := router.ShardFor(ref)
	for i := 0; i < 256; i++ {
		key := fmt.Sprintf("%s-%d", prefix, i)
		if router.ShardFor(key) != want {
			return key
		}
	}
	t.Fatalf("no %s key routing away from shard %d", prefix, want)
	return ""
}

func TestShardedStore_FoldersSpreadAcrossShards(t *testing.T) {
	t.Parallel()

	st := newShardedStore(t, 3)
	now := testutil.NewFixedClock().Now()

	router := shard.NewRouter(3)
	used := make(map[int]bool)
	for i := 0; i < 9; i++ {
		id := fmt.Sprintf("folder-%d", i)
		used[router.ShardFor(id)] = true
		err := st.CreateFolder(&model.Folder{
			ID:        id,
			Name:      fmt.Sprintf("name-%d", i),
			Path:      fmt.Sprintf("/data/folder-%d", i),
			CreatedAt: now,
		})
		if err != nil {
			t.Fatalf("CreateFolder(%s) error = %v", id, err)
		}
	}
	if len(used) < 2 {
		t.Fatal("all folder ids routed to one shard; the ids need reshuffling")
	}

	for i := 0; i < 9; i++ {
		id := fmt.Sprintf("folder-%d", i)
		folder, err := st.GetFolder(id)
		if err != nil {
			t.Fatalf("GetFolder(%s) error = %v", id, err)
		}
		if folder == nil || folder.ID != id {
			t.Fatalf("GetFolder(%s) = %+v", id, folder)
		}
	}

	folders, err := st.ListFolders()
	if err != nil {
		t.Fatalf("ListFolders() error = %v", err)
	}
	if len(folders) != 9 {
		t.Fatalf("ListFolders() returned %d folders, want 9", len(folders))
	}
	for i := 1; i < len(folders); i++ {
		if folders[i-1].Path >= folders[i].Path {
			t.Fatalf("folders not sorted by path: %s before %s", folders[i-1].Path, folders[i].Path)
		}
	}

	found, err := st.FindFolderByPath("/data/folder-7")
	if err != nil {
		t.Fatalf("FindFolderByPath() error = %v", err)
	}
	if found == nil || found.ID != "folder-7" {
		t.Errorf("FindFolderByPath() = %+v, want folder-7", found)
	}
}

func TestShardedStore_ShareOnDifferentShardThanFolder(t *testing.T) {
	t.Parallel()

	st := newShardedStore(t, 2)
	now := testutil.NewFixedClock().Now()

	seedFolder(t, st, "folder-1")

	// The share must land on the shard of its token even when the owning
	// folder lives elsewhere.
	token := keyOnOtherShard(t, 2, "token", "folder-1")
	err := st.CreateShare(&model.Share{
		Token:     token,
		FolderID:  "folder-1",
		Version:   1,
		ShareType: "full",
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateShare() error = %v", err)
	}

	share, err := st.GetShare(token)
	if err != nil {
		t.Fatalf("GetShare() error = %v", err)
	}
	if share == nil || share.FolderID != "folder-1" {
		t.Fatalf("GetShare() = %+v, want share of folder-1", share)
	}

	shares, err := st.ListShares("folder-1")
	if err != nil {
		t.Fatalf("ListShares() error = %v", err)
	}
	if len(shares) != 1 || shares[0].Token != token {
		t.Errorf("ListShares() = %+v, want the created share", shares)
	}
}

func TestShardedStore_MarkSegmentPostedProbesShards(t *testing.T) {
	t.Parallel()

	st := newShardedStore(t, 3)
	now := testutil.NewFixedClock().Now()

	seedFolder(t, st, "folder-1")
	if err := st.ApplyDelta(segmentDelta("folder-1", now)); err != nil {
		t.Fatalf("ApplyDelta() error = %v", err)
	}

	// The caller only has the segment id, not the folder shard.
	if err := st.MarkSegmentPosted("seg-1", "pack-locator-1"); err != nil {
		t.Fatalf("MarkSegmentPosted() error = %v", err)
	}
	segments, err := st.ListSegments("file-1", 1)
	if err != nil {
		t.Fatalf("ListSegments() error = %v", err)
	}
	if segments[0].Locator != "pack-locator-1" || !segments[0].Uploaded {
		t.Errorf("posted segment = %+v, want locator and uploaded flag set", segments[0])
	}

	err = st.MarkSegmentPosted("seg-missing", "pack-locator-2")
	var validation *core.ValidationError
	if !errors.As(err, &validation) {
		t.Errorf("MarkSegmentPosted(missing) error = %v, want ValidationError", err)
	}
}

func TestShardedStore_SessionLifecycle(t *testing.T) {
	t.Parallel()

	st := newShardedStore(t, 2)
	now := testutil.NewFixedClock().Now()

	seedSession(t, st, "sess-1", 2)

	first, err := st.ClaimNextSegment("sess-1", now, now.Add(time.Minute))
	if err != nil || first == nil {
		t.Fatalf("ClaimNextSegment() = %v, %v", first, err)
	}
	if err := st.CompleteSegment("sess-1", first.SegmentID); err != nil {
		t.Fatalf("CompleteSegment() error = %v", err)
	}

	second, err := st.ClaimNextSegment("sess-1", now, now.Add(time.Minute))
	if err != nil || second == nil {
		t.Fatalf("ClaimNextSegment() = %v, %v", second, err)
	}
	if err := st.FailSegment("sess-1", second.SegmentID); err != nil {
		t.Fatalf("FailSegment() error = %v", err)
	}

	progress, err := st.SessionProgress("sess-1")
	if err != nil {
		t.Fatalf("SessionProgress() error = %v", err)
	}
	if progress.Complete != 1 || progress.Failed != 1 {
		t.Fatalf("progress = %+v, want 1 complete 1 failed", progress)
	}

	if err := st.ResetSegments("sess-1", now); err != nil {
		t.Fatalf("ResetSegments() error = %v", err)
	}
	progress, err = st.SessionProgress("sess-1")
	if err != nil {
		t.Fatalf("SessionProgress() error = %v", err)
	}
	if progress.Pending != 1 || progress.Complete != 1 || progress.Failed != 0 {
		t.Errorf("progress after reset = %+v, want 1 pending 1 complete", progress)
	}
}
