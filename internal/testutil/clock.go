// Package testutil provides deterministic test doubles for the core
// collaborator interfaces.
package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/contemptx/usenetsync-sub001/internal/core"
)

// FixedClock always returns the same instant.
type FixedClock struct {
	Time time.Time
}

func (c *FixedClock) Now() time.Time { return c.Time }

// NewFixedClock returns a clock pinned to a round reference time.
func NewFixedClock() *FixedClock {
	return &FixedClock{Time: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// SequentialIDs generates "id-1", "id-2", ... so record ids are stable
// across test runs. Safe for concurrent use.
type SequentialIDs struct {
	mu sync.Mutex
	n  int
}

func NewSequentialIDs() *SequentialIDs { return &SequentialIDs{} }

func (g *SequentialIDs) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n)
}

var (
	_ core.Clock       = (*FixedClock)(nil)
	_ core.IDGenerator = (*SequentialIDs)(nil)
)
