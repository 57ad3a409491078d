package transfer_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/contemptx/usenetsync-sub001/internal/core"
	"github.com/contemptx/usenetsync-sub001/internal/model"
	"github.com/contemptx/usenetsync-sub001/internal/pack"
	"github.com/contemptx/usenetsync-sub001/internal/retry"
	"github.com/contemptx/usenetsync-sub001/internal/security"
	"github.com/contemptx/usenetsync-sub001/internal/store"
	"github.com/contemptx/usenetsync-sub001/internal/testutil"
	"github.com/contemptx/usenetsync-sub001/internal/transfer"
	"github.com/contemptx/usenetsync-sub001/internal/transport"
)

func postPacks(t *testing.T, tr *transport.MemoryTransport, inputs []pack.Input, bound int64) []string {
	t.Helper()
	packs, err := pack.Build(inputs, bound)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	var locators []string
	for _, p := range packs {
		locator, err := tr.Post(context.Background(), p.Marshal(),
			core.RoutingMeta{FolderID: "folder-1", Kind: core.KindPack})
		if err != nil {
			t.Fatalf("Post() error = %v", err)
		}
		locators = append(locators, locator)
	}
	return locators
}

func plannedRow(sessionID, segmentID, path string, index int64, data []byte, locator string) *model.SegmentTransfer {
	digest := sha256.Sum256(data)
	return &model.SegmentTransfer{
		SessionID: sessionID,
		SegmentID: segmentID,
		FilePath:  path,
		Index:     index,
		Size:      int64(len(data)),
		Hash:      hex.EncodeToString(digest[:]),
		Locator:   locator,
		Status:    model.TransferPending,
	}
}

func newQueue(t *testing.T, st core.Store, tr core.Transport, attempts int) *transfer.Queue {
	t.Helper()
	policy := &retry.Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      1.5,
		Retryable:       core.IsTransient,
	}
	q, err := transfer.NewQueue(st, tr, security.NewPlainSecurity(), policy,
		testutil.NewFixedClock(), nil, transfer.Config{
			FolderID: "folder-1",
			Workers:  2,
			Lease:    time.Minute,
		})
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}
	return q
}

// collector is a Sink that records delivered segment bytes by path#index.
type collector struct {
	mu  sync.Mutex
	got map[string][]byte
}

func newCollector() *collector { return &collector{got: make(map[string][]byte)} }

func (c *collector) sink(row *model.SegmentTransfer, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got[fmt.Sprintf("%s#%d", row.FilePath, row.Index)] = append([]byte(nil), data...)
	return nil
}

func newSession(id string, total int64) *model.TransferSession {
	return &model.TransferSession{
		ID:            id,
		Target:        "/restore",
		TotalSegments: total,
		Status:        model.SessionActive,
		CreatedAt:     testutil.NewFixedClock().Now(),
	}
}

func TestQueue_DownloadsAllSegments(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	tr := transport.NewMemoryTransport(testutil.NewSequentialIDs())

	alpha := bytes.Repeat([]byte{'a'}, 300)
	beta := bytes.Repeat([]byte{'b'}, 300)
	gamma := bytes.Repeat([]byte{'g'}, 200)
	locators := postPacks(t, tr, []pack.Input{
		{SegmentID: "seg-a0", Data: alpha},
		{SegmentID: "seg-a1", Data: beta},
		{SegmentID: "seg-b0", Data: gamma},
	}, 1024)
	if len(locators) != 1 {
		t.Fatalf("got %d packs, want 1", len(locators))
	}

	planned := []*model.SegmentTransfer{
		plannedRow("sess-1", "seg-a0", "a.txt", 0, alpha, locators[0]),
		plannedRow("sess-1", "seg-a1", "a.txt", 1, beta, locators[0]),
		plannedRow("sess-1", "seg-b0", "b.txt", 0, gamma, locators[0]),
	}

	q := newQueue(t, st, tr, 3)
	if err := q.StartOrResume(newSession("sess-1", 3), planned); err != nil {
		t.Fatalf("StartOrResume() error = %v", err)
	}

	c := newCollector()
	outcome, err := q.Run(context.Background(), "sess-1", c.sink)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !outcome.Succeeded() {
		t.Fatalf("outcome = %+v, want success", outcome)
	}

	if !bytes.Equal(c.got["a.txt#1"], beta) {
		t.Errorf("a.txt segment 1 bytes do not match")
	}
	if len(c.got) != 3 {
		t.Errorf("sink saw %d segments, want 3", len(c.got))
	}

	session, err := st.GetSession("sess-1")
	if err != nil || session == nil {
		t.Fatalf("GetSession() = %v, %v", session, err)
	}
	if session.Status != model.SessionCompleted {
		t.Errorf("session status = %s, want %s", session.Status, model.SessionCompleted)
	}
}

func TestQueue_RetriesTransientFetch(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	tr := transport.NewMemoryTransport(testutil.NewSequentialIDs())

	data := bytes.Repeat([]byte{'x'}, 100)
	locators := postPacks(t, tr, []pack.Input{{SegmentID: "seg-1", Data: data}}, 1024)

	// Three transient failures, then success: within a 4-attempt budget.
	tr.FailFetches(locators[0], 3)

	planned := []*model.SegmentTransfer{plannedRow("sess-1", "seg-1", "f.bin", 0, data, locators[0])}
	q := newQueue(t, st, tr, 4)
	if err := q.StartOrResume(newSession("sess-1", 1), planned); err != nil {
		t.Fatalf("StartOrResume() error = %v", err)
	}

	c := newCollector()
	outcome, err := q.Run(context.Background(), "sess-1", c.sink)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !outcome.Succeeded() {
		t.Fatalf("outcome = %+v, want success after retries", outcome)
	}
	if !bytes.Equal(c.got["f.bin#0"], data) {
		t.Error("delivered bytes do not match after retries")
	}
}

func TestQueue_FailsAfterRetryBudget(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	tr := transport.NewMemoryTransport(testutil.NewSequentialIDs())

	data := bytes.Repeat([]byte{'x'}, 100)
	locators := postPacks(t, tr, []pack.Input{{SegmentID: "seg-1", Data: data}}, 1024)
	tr.FailFetches(locators[0], 100)

	planned := []*model.SegmentTransfer{plannedRow("sess-1", "seg-1", "f.bin", 0, data, locators[0])}
	q := newQueue(t, st, tr, 2)
	if err := q.StartOrResume(newSession("sess-1", 1), planned); err != nil {
		t.Fatalf("StartOrResume() error = %v", err)
	}

	outcome, err := q.Run(context.Background(), "sess-1", newCollector().sink)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Succeeded() {
		t.Fatal("outcome reports success, want failure")
	}
	if len(outcome.Failures) != 1 || outcome.Failures[0].FilePath != "f.bin" || outcome.Failures[0].Index != 0 {
		t.Errorf("failures = %+v, want f.bin segment 0", outcome.Failures)
	}

	session, err := st.GetSession("sess-1")
	if err != nil || session == nil {
		t.Fatalf("GetSession() = %v, %v", session, err)
	}
	if session.Status != model.SessionActive {
		t.Errorf("session status = %s, want still %s", session.Status, model.SessionActive)
	}
}

func TestQueue_ResumeRedownloadsOnlyUnfinished(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	tr := transport.NewMemoryTransport(testutil.NewSequentialIDs())

	good := bytes.Repeat([]byte{'g'}, 100)
	bad := bytes.Repeat([]byte{'b'}, 100)
	goodLoc := postPacks(t, tr, []pack.Input{{SegmentID: "seg-good", Data: good}}, 1024)[0]
	badLoc := postPacks(t, tr, []pack.Input{{SegmentID: "seg-bad", Data: bad}}, 1024)[0]
	tr.FailFetches(badLoc, 100)

	planned := []*model.SegmentTransfer{
		plannedRow("sess-1", "seg-good", "good.bin", 0, good, goodLoc),
		plannedRow("sess-1", "seg-bad", "bad.bin", 0, bad, badLoc),
	}

	q := newQueue(t, st, tr, 2)
	if err := q.StartOrResume(newSession("sess-1", 2), planned); err != nil {
		t.Fatalf("StartOrResume() error = %v", err)
	}
	first := newCollector()
	outcome, err := q.Run(context.Background(), "sess-1", first.sink)
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if outcome.Progress.Complete != 1 || outcome.Progress.Failed != 1 {
		t.Fatalf("first run progress = %+v, want 1 complete 1 failed", outcome.Progress)
	}

	// The flaky pack recovers; a fresh queue resumes the same session.
	tr.FailFetches(badLoc, 0)
	q2 := newQueue(t, st, tr, 2)
	if err := q2.StartOrResume(newSession("sess-1", 2), nil); err != nil {
		t.Fatalf("resume StartOrResume() error = %v", err)
	}
	second := newCollector()
	outcome, err = q2.Run(context.Background(), "sess-1", second.sink)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if !outcome.Succeeded() {
		t.Fatalf("second run outcome = %+v, want success", outcome)
	}

	// Completed segments are not downloaded again.
	if _, ok := second.got["good.bin#0"]; ok {
		t.Error("resume re-downloaded an already complete segment")
	}
	if !bytes.Equal(second.got["bad.bin#0"], bad) {
		t.Error("resume did not deliver the previously failed segment")
	}
}

func TestQueue_ReclaimsExpiredLease(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	tr := transport.NewMemoryTransport(testutil.NewSequentialIDs())
	clock := testutil.NewFixedClock()

	data := bytes.Repeat([]byte{'x'}, 100)
	locator := postPacks(t, tr, []pack.Input{{SegmentID: "seg-1", Data: data}}, 1024)[0]

	planned := []*model.SegmentTransfer{plannedRow("sess-1", "seg-1", "f.bin", 0, data, locator)}
	q := newQueue(t, st, tr, 2)
	if err := q.StartOrResume(newSession("sess-1", 1), planned); err != nil {
		t.Fatalf("StartOrResume() error = %v", err)
	}

	// A crashed worker left the segment in_progress with an expired lease.
	expired := clock.Now().Add(-time.Minute)
	if _, err := st.ClaimNextSegment("sess-1", clock.Now().Add(-2*time.Minute), expired); err != nil {
		t.Fatalf("ClaimNextSegment() error = %v", err)
	}

	if err := q.StartOrResume(newSession("sess-1", 1), nil); err != nil {
		t.Fatalf("resume StartOrResume() error = %v", err)
	}
	c := newCollector()
	outcome, err := q.Run(context.Background(), "sess-1", c.sink)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !outcome.Succeeded() {
		t.Fatalf("outcome = %+v, want success after lease reclaim", outcome)
	}
}

func TestQueue_RejectsCorruptSegment(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	tr := transport.NewMemoryTransport(testutil.NewSequentialIDs())

	data := bytes.Repeat([]byte{'x'}, 100)
	locator := postPacks(t, tr, []pack.Input{{SegmentID: "seg-1", Data: data}}, 1024)[0]

	row := plannedRow("sess-1", "seg-1", "f.bin", 0, data, locator)
	wrong := sha256.Sum256([]byte("something else"))
	row.Hash = hex.EncodeToString(wrong[:])

	q := newQueue(t, st, tr, 3)
	if err := q.StartOrResume(newSession("sess-1", 1), []*model.SegmentTransfer{row}); err != nil {
		t.Fatalf("StartOrResume() error = %v", err)
	}

	c := newCollector()
	outcome, err := q.Run(context.Background(), "sess-1", c.sink)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Succeeded() {
		t.Fatal("outcome reports success for a hash mismatch")
	}
	if len(c.got) != 0 {
		t.Error("sink received bytes that failed verification")
	}
}

func TestQueue_ReassemblesSplitSegment(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	tr := transport.NewMemoryTransport(testutil.NewSequentialIDs())

	// A 1000-byte segment against a 400-byte pack bound splits into three
	// packs; the locator lists them in posting order.
	data := bytes.Repeat([]byte("0123456789"), 100)
	locators := postPacks(t, tr, []pack.Input{{SegmentID: "seg-big", Data: data}}, 400)
	if len(locators) != 3 {
		t.Fatalf("got %d packs, want 3", len(locators))
	}

	planned := []*model.SegmentTransfer{
		plannedRow("sess-1", "seg-big", "big.bin", 0, data, strings.Join(locators, ",")),
	}
	q := newQueue(t, st, tr, 2)
	if err := q.StartOrResume(newSession("sess-1", 1), planned); err != nil {
		t.Fatalf("StartOrResume() error = %v", err)
	}

	c := newCollector()
	outcome, err := q.Run(context.Background(), "sess-1", c.sink)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !outcome.Succeeded() {
		t.Fatalf("outcome = %+v, want success", outcome)
	}
	if !bytes.Equal(c.got["big.bin#0"], data) {
		t.Error("reassembled split segment does not match the original bytes")
	}
}
