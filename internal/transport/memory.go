package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/contemptx/usenetsync-sub001/internal/core"
)

// MemoryTransport stores posted payloads in a process-local map. Used in
// tests and throwaway runs; it also supports injecting transient failures
// to exercise retry and resume paths.
type MemoryTransport struct {
	mu            sync.Mutex
	ids           core.IDGenerator
	payloads      map[string][]byte
	fetchFailures map[string]int // locator → remaining transient failures
	postFailures  int
}

// NewMemoryTransport creates an empty in-memory transport. A nil id
// generator falls back to random UUIDs.
func NewMemoryTransport(ids core.IDGenerator) *MemoryTransport {
	if ids == nil {
		ids = core.UUIDGenerator{}
	}
	return &MemoryTransport{
		ids:           ids,
		payloads:      make(map[string][]byte),
		fetchFailures: make(map[string]int),
	}
}

var _ core.Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) Post(ctx context.Context, payload []byte, meta core.RoutingMeta) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.postFailures > 0 {
		t.postFailures--
		return "", &core.TransientTransportError{Op: "post", Err: errors.New("injected failure")}
	}

	locator := meta.Kind + "-" + t.ids.New()
	stored := make([]byte, len(payload))
	copy(stored, payload)
	t.payloads[locator] = stored
	return locator, nil
}

func (t *MemoryTransport) Fetch(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if remaining := t.fetchFailures[locator]; remaining > 0 {
		t.fetchFailures[locator] = remaining - 1
		return nil, &core.TransientTransportError{Op: "fetch", Err: errors.New("injected failure")}
	}

	payload, ok := t.payloads[locator]
	if !ok {
		return nil, &core.TerminalTransportError{Op: "fetch", Err: errors.New("no payload under locator " + locator)}
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

// FailFetches makes the next n fetches of locator fail transiently.
func (t *MemoryTransport) FailFetches(locator string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fetchFailures[locator] = n
}

// FailPosts makes the next n posts fail transiently.
func (t *MemoryTransport) FailPosts(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.postFailures = n
}

// Locators returns every stored locator, in no particular order.
func (t *MemoryTransport) Locators() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.payloads))
	for locator := range t.payloads {
		out = append(out, locator)
	}
	return out
}
