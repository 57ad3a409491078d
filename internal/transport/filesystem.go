// Package transport moves opaque payloads to and from a store-and-forward
// target: a local spool directory, an S3 bucket, or an in-memory map.
package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/contemptx/usenetsync-sub001/internal/core"
)

// FileSystemTransport posts payloads into a spool directory, one file per
// message:
//
//	<root>/
//	  <kind>-<id>   (payload files, named by their locator)
//
// Writes are atomic (temp file + rename), so a crash never leaves a
// half-written payload under a valid locator.
type FileSystemTransport struct {
	root string
	ids  core.IDGenerator
}

// NewFileSystemTransport creates a transport spooling into root, creating
// the directory if needed. A nil id generator falls back to random UUIDs.
func NewFileSystemTransport(root string, ids core.IDGenerator) (*FileSystemTransport, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	if ids == nil {
		ids = core.UUIDGenerator{}
	}
	return &FileSystemTransport{root: root, ids: ids}, nil
}

var _ core.Transport = (*FileSystemTransport)(nil)

func (t *FileSystemTransport) Post(ctx context.Context, payload []byte, meta core.RoutingMeta) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	locator := meta.Kind + "-" + t.ids.New()
	destPath := filepath.Join(t.root, locator)

	// Temp file in the same directory so the rename stays atomic.
	tmpFile, err := os.CreateTemp(t.root, ".tmp-*")
	if err != nil {
		return "", &core.TransientTransportError{Op: "post", Err: err}
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(payload); err != nil {
		tmpFile.Close()
		return "", &core.TransientTransportError{Op: "post", Err: err}
	}
	if err := tmpFile.Close(); err != nil {
		return "", &core.TransientTransportError{Op: "post", Err: err}
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return "", &core.TransientTransportError{Op: "post", Err: err}
	}

	success = true
	return locator, nil
}

func (t *FileSystemTransport) Fetch(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if locator == "" || locator != filepath.Base(locator) {
		return nil, &core.TerminalTransportError{Op: "fetch", Err: fmt.Errorf("malformed locator %q", locator)}
	}

	payload, err := os.ReadFile(filepath.Join(t.root, locator))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &core.TerminalTransportError{Op: "fetch", Err: fmt.Errorf("no payload under locator %s", locator)}
		}
		return nil, &core.TransientTransportError{Op: "fetch", Err: err}
	}
	return payload, nil
}
