// Package transfer implements the resumable download queue: per-segment
// state rows in the store, concurrent workers claiming segments with
// leases, and crash-safe resume of interrupted sessions.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/contemptx/usenetsync-sub001/internal/core"
	"github.com/contemptx/usenetsync-sub001/internal/model"
	"github.com/contemptx/usenetsync-sub001/internal/pack"
	"github.com/contemptx/usenetsync-sub001/internal/retry"
)

// Sink receives one verified segment's bytes. It must be safe for
// concurrent calls; workers deliver segments in claim order but finish
// out of order.
type Sink func(row *model.SegmentTransfer, data []byte) error

// Failure identifies one segment that stayed failed after its attempt
// budget was spent.
type Failure struct {
	FilePath string
	Index    int64
}

// Outcome summarizes a finished Run.
type Outcome struct {
	SessionID string
	Progress  core.Progress
	Failures  []Failure
}

// Succeeded reports whether every segment of the session completed.
func (o *Outcome) Succeeded() bool {
	return o.Progress.Failed == 0 && o.Progress.Complete == o.Progress.Total()
}

// Config carries the tunables of a Queue.
type Config struct {
	// FolderID selects the decryption key for fetched payloads.
	FolderID string
	// Workers is the number of concurrent segment claims. Must be positive.
	Workers int
	// Lease is how long a claim stays reserved before a resuming run may
	// reclaim it. Must be positive.
	Lease time.Duration
}

// Queue drives the download of a planned set of segments. All progress
// lives in the store, so a crashed or cancelled run can be resumed by a
// fresh Queue with the same session id.
type Queue struct {
	store     core.Store
	transport core.Transport
	security  core.Security
	policy    *retry.Policy
	clock     core.Clock
	logger    core.Logger
	folderID  string
	workers   int
	lease     time.Duration

	mu    sync.Mutex
	packs map[string][]pack.Entry // decrypted pack entries by locator
}

// NewQueue creates a download queue over the given collaborators.
func NewQueue(store core.Store, transport core.Transport, security core.Security,
	policy *retry.Policy, clock core.Clock, logger core.Logger, cfg Config) (*Queue, error) {
	if cfg.FolderID == "" {
		return nil, core.Validationf("transfer queue needs a folder id")
	}
	if cfg.Workers <= 0 {
		return nil, core.Validationf("worker count %d is not positive", cfg.Workers)
	}
	if cfg.Lease <= 0 {
		return nil, core.Validationf("lease duration %s is not positive", cfg.Lease)
	}
	if clock == nil {
		clock = &core.RealClock{}
	}
	if logger == nil {
		logger = &core.NopLogger{}
	}
	return &Queue{
		store:     store,
		transport: transport,
		security:  security,
		policy:    policy,
		clock:     clock,
		logger:    logger,
		folderID:  cfg.FolderID,
		workers:   cfg.Workers,
		lease:     cfg.Lease,
		packs:     make(map[string][]pack.Entry),
	}, nil
}

// StartOrResume prepares the session for a Run. A session id not yet in
// the store is created with the planned segment rows, all pending. A
// known session is resumed instead: failed rows and in_progress rows
// with expired leases revert to pending, completed rows stay completed,
// and the planned rows are ignored.
func (q *Queue) StartOrResume(session *model.TransferSession, planned []*model.SegmentTransfer) error {
	existing, err := q.store.GetSession(session.ID)
	if err != nil {
		return fmt.Errorf("looking up session %s: %w", session.ID, err)
	}
	if existing == nil {
		if err := q.store.CreateSession(session, planned); err != nil {
			return fmt.Errorf("creating session %s: %w", session.ID, err)
		}
		q.logger.Info("transfer session created", "session", session.ID, "segments", len(planned))
		return nil
	}

	if err := q.store.ResetSegments(session.ID, q.clock.Now()); err != nil {
		return fmt.Errorf("resuming session %s: %w", session.ID, err)
	}
	progress, err := q.store.SessionProgress(session.ID)
	if err != nil {
		return fmt.Errorf("reading progress of session %s: %w", session.ID, err)
	}
	q.logger.Info("transfer session resumed",
		"session", session.ID, "complete", progress.Complete, "pending", progress.Pending)
	return nil
}

// Run claims and downloads segments until the session has no claimable
// work left, then reports the outcome. Segments that fail verification
// or exhaust the transport retry budget are marked failed and reported;
// they do not abort the run. The session is marked completed only when
// every segment completed.
func (q *Queue) Run(ctx context.Context, sessionID string, sink Sink) (*Outcome, error) {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			return q.worker(ctx, sessionID, sink)
		})
	}
	if err := g.Wait(); err != nil {
		// Claims in flight keep their leases; a resume reclaims them
		// once the leases expire.
		return nil, err
	}

	progress, err := q.store.SessionProgress(sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading progress of session %s: %w", sessionID, err)
	}
	outcome := &Outcome{SessionID: sessionID, Progress: progress}

	if progress.Failed > 0 {
		rows, err := q.store.ListSegmentTransfers(sessionID)
		if err != nil {
			return nil, fmt.Errorf("listing segments of session %s: %w", sessionID, err)
		}
		for _, row := range rows {
			if row.Status == model.TransferFailed {
				outcome.Failures = append(outcome.Failures, Failure{FilePath: row.FilePath, Index: row.Index})
			}
		}
	}

	if outcome.Succeeded() {
		if err := q.store.SetSessionStatus(sessionID, model.SessionCompleted); err != nil {
			return nil, fmt.Errorf("completing session %s: %w", sessionID, err)
		}
	}
	return outcome, nil
}

func (q *Queue) worker(ctx context.Context, sessionID string, sink Sink) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := q.clock.Now()
		row, err := q.store.ClaimNextSegment(sessionID, now, now.Add(q.lease))
		if err != nil {
			return fmt.Errorf("claiming next segment: %w", err)
		}
		if row == nil {
			return nil
		}

		if err := q.process(ctx, sessionID, row, sink); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Warn("segment download failed",
				"session", sessionID, "path", row.FilePath, "index", row.Index,
				"attempts", row.Attempts, "error", err)
			if ferr := q.store.FailSegment(sessionID, row.SegmentID); ferr != nil {
				return fmt.Errorf("marking segment failed: %w", ferr)
			}
			continue
		}

		if err := q.store.CompleteSegment(sessionID, row.SegmentID); err != nil {
			return fmt.Errorf("marking segment complete: %w", err)
		}
		q.logger.Debug("segment complete",
			"session", sessionID, "path", row.FilePath, "index", row.Index)
	}
}

// process fetches the packs holding one segment, reassembles and verifies
// the segment bytes, and hands them to the sink.
func (q *Queue) process(ctx context.Context, sessionID string, row *model.SegmentTransfer, sink Sink) error {
	if row.Locator == "" {
		return core.Validationf("segment %s has no locator", row.SegmentID)
	}

	// A segment larger than the pack bound spans several packs; its
	// locator lists them in posting order.
	var data []byte
	for _, locator := range strings.Split(row.Locator, ",") {
		entries, err := q.packEntries(ctx, locator)
		if err != nil {
			return err
		}
		found := false
		for _, entry := range entries {
			if entry.SegmentID == row.SegmentID {
				data = append(data, entry.Data...)
				found = true
			}
		}
		if !found {
			return core.Integrityf("pack %s does not contain segment %s", locator, row.SegmentID)
		}
	}

	// Fetching with retries can outlast the claim lease.
	now := q.clock.Now()
	if err := q.store.RenewLease(sessionID, row.SegmentID, now.Add(q.lease)); err != nil {
		return fmt.Errorf("renewing lease: %w", err)
	}

	if int64(len(data)) != row.Size {
		return core.Integrityf("segment %s is %d bytes, expected %d", row.SegmentID, len(data), row.Size)
	}
	digest := sha256.Sum256(data)
	if hex.EncodeToString(digest[:]) != row.Hash {
		return core.Integrityf("segment %s content does not match its recorded hash", row.SegmentID)
	}

	if err := sink(row, data); err != nil {
		return fmt.Errorf("writing segment %s: %w", row.SegmentID, err)
	}
	return nil
}

// packEntries returns the decrypted entries of one pack, fetching it at
// most once per Run. Concurrent workers asking for an uncached locator
// may fetch it twice; the second result simply replaces the first.
func (q *Queue) packEntries(ctx context.Context, locator string) ([]pack.Entry, error) {
	q.mu.Lock()
	if entries, ok := q.packs[locator]; ok {
		q.mu.Unlock()
		return entries, nil
	}
	q.mu.Unlock()

	var payload []byte
	err := q.policy.Do(ctx, "fetch pack", func() error {
		var ferr error
		payload, ferr = q.transport.Fetch(ctx, locator)
		return ferr
	})
	if err != nil {
		return nil, err
	}

	plaintext, err := q.security.Decrypt(q.folderID, payload)
	if err != nil {
		return nil, fmt.Errorf("decrypting pack %s: %w", locator, err)
	}
	entries, err := pack.Unpack(plaintext)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", locator, err)
	}

	q.mu.Lock()
	q.packs[locator] = entries
	q.mu.Unlock()
	return entries, nil
}
