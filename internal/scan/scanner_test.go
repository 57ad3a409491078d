package scan_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/contemptx/usenetsync-sub001/internal/pack"
	"github.com/contemptx/usenetsync-sub001/internal/scan"
)

func writeFile(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("creating parent directory: %v", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		t.Fatalf("writing %s: %v", rel, err)
	}
}

func newScanner(t *testing.T, segmentSize int64, ignore []string) *scan.Scanner {
	t.Helper()
	s, err := scan.NewScanner(segmentSize, 4, scan.NewIgnoreMatcher(ignore), nil)
	if err != nil {
		t.Fatalf("NewScanner() error = %v", err)
	}
	return s
}

func TestScanner_Scan(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "b.txt", bytes.Repeat([]byte{'b'}, 250))
	writeFile(t, root, "a/nested.bin", bytes.Repeat([]byte{'n'}, 100))
	writeFile(t, root, "empty.dat", nil)

	entries, err := newScanner(t, 100, nil).Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	// Sorted by relative slash path.
	wantPaths := []string{"a/nested.bin", "b.txt", "empty.dat"}
	for i, want := range wantPaths {
		if entries[i].Path != want {
			t.Errorf("entry %d path = %s, want %s", i, entries[i].Path, want)
		}
	}

	// 250 bytes at a 100-byte boundary: segments of 100, 100, 50.
	b := entries[1]
	if b.Size != 250 || len(b.Segments) != 3 {
		t.Fatalf("b.txt = %d bytes in %d segments, want 250 in 3", b.Size, len(b.Segments))
	}
	wantSizes := []int64{100, 100, 50}
	for i, seg := range b.Segments {
		if seg.Size != wantSizes[i] {
			t.Errorf("b.txt segment %d size = %d, want %d", i, seg.Size, wantSizes[i])
		}
	}

	// Segment hashes are the SHA-256 of the aligned chunk.
	chunk := sha256.Sum256(bytes.Repeat([]byte{'b'}, 100))
	if b.Segments[0].Hash != hex.EncodeToString(chunk[:]) {
		t.Errorf("b.txt segment 0 hash = %s, want %s", b.Segments[0].Hash, hex.EncodeToString(chunk[:]))
	}
	whole := sha256.Sum256(bytes.Repeat([]byte{'b'}, 250))
	if b.Hash != hex.EncodeToString(whole[:]) {
		t.Errorf("b.txt whole hash = %s, want %s", b.Hash, hex.EncodeToString(whole[:]))
	}

	// An empty file has a hash but no segments.
	empty := entries[2]
	if empty.Size != 0 || len(empty.Segments) != 0 {
		t.Errorf("empty.dat = %d bytes in %d segments, want 0 in 0", empty.Size, len(empty.Segments))
	}
	emptyHash := sha256.Sum256(nil)
	if empty.Hash != hex.EncodeToString(emptyHash[:]) {
		t.Errorf("empty.dat hash = %s", empty.Hash)
	}
}

func TestScanner_SegmentAndPackBoundaries(t *testing.T) {
	t.Parallel()

	const segmentSize = 750 * 1024
	const packBound = 5 * 1024 * 1024

	files := map[string][]byte{
		"small.bin":  bytes.Repeat([]byte{'s'}, 100*1024),
		"medium.bin": bytes.Repeat([]byte{'m'}, 700*1024),
		"large.bin":  bytes.Repeat([]byte{'l'}, 2048*1024),
	}
	root := t.TempDir()
	for name, data := range files {
		writeFile(t, root, name, data)
	}

	entries, err := newScanner(t, segmentSize, nil).Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	wantCounts := map[string]int{"small.bin": 1, "medium.bin": 1, "large.bin": 3}
	for _, entry := range entries {
		if got := len(entry.Segments); got != wantCounts[entry.Path] {
			t.Errorf("%s has %d segments, want %d", entry.Path, got, wantCounts[entry.Path])
		}
	}
	large := entries[0]
	if large.Path != "large.bin" {
		t.Fatalf("first entry = %s, want large.bin", large.Path)
	}
	wantSizes := []int64{segmentSize, segmentSize, 2048*1024 - 2*segmentSize}
	for i, seg := range large.Segments {
		if seg.Size != wantSizes[i] {
			t.Errorf("large.bin segment %d size = %d, want %d", i, seg.Size, wantSizes[i])
		}
	}

	// The scanned segments feed the packer; everything fits one pack at
	// the default bound.
	var inputs []pack.Input
	var total int64
	for _, entry := range entries {
		data := files[entry.Path]
		var off int64
		for i, seg := range entry.Segments {
			inputs = append(inputs, pack.Input{
				SegmentID: fmt.Sprintf("%s#%d", entry.Path, i),
				Data:      data[off : off+seg.Size],
			})
			off += seg.Size
			total += seg.Size
		}
	}
	packs, err := pack.Build(inputs, packBound)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(packs) != 1 {
		t.Fatalf("got %d packs, want 1", len(packs))
	}
	if packs[0].DataSize != total {
		t.Errorf("pack data size = %d, want %d", packs[0].DataSize, total)
	}

	recovered, err := pack.Unpack(packs[0].Marshal())
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	bySegment := make(map[string][]byte)
	for _, entry := range recovered {
		bySegment[entry.SegmentID] = append(bySegment[entry.SegmentID], entry.Data...)
	}
	for _, in := range inputs {
		if !bytes.Equal(bySegment[in.SegmentID], in.Data) {
			t.Errorf("segment %s round-tripped with different bytes", in.SegmentID)
		}
	}
}

func TestScanner_Deterministic(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	for _, name := range []string{"one", "two", "three", "four", "five"} {
		writeFile(t, root, name+".bin", bytes.Repeat([]byte(name), 64))
	}

	s := newScanner(t, 128, nil)
	first, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	second, err := s.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("entry counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Path != second[i].Path || first[i].Hash != second[i].Hash {
			t.Errorf("entry %d differs between scans: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestScanner_Ignore(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "keep.txt", []byte("keep"))
	writeFile(t, root, "skip.tmp", []byte("skip"))
	writeFile(t, root, "logs/out.log", []byte("log"))

	entries, err := newScanner(t, 100, []string{"*.tmp", "logs/*"}).Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "keep.txt" {
		t.Errorf("entries = %+v, want only keep.txt", entries)
	}
}

func TestScanner_RootMustBeDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "file.txt", []byte("x"))

	if _, err := newScanner(t, 100, nil).Scan(context.Background(), filepath.Join(root, "file.txt")); err == nil {
		t.Fatal("Scan() of a file succeeded, want error")
	}
}

func TestIgnoreMatcher(t *testing.T) {
	t.Parallel()

	m := scan.NewIgnoreMatcher([]string{"*.swp", "build/*", "", "# comment"})

	cases := map[string]bool{
		"notes.swp":        true,
		"deep/nested.swp":  true, // basename patterns apply at any depth
		"build/out.o":      true,
		"build":            false,
		"src/main.go":      false,
		"# comment":        false,
	}
	for path, want := range cases {
		if got := m.Match(path); got != want {
			t.Errorf("Match(%q) = %v, want %v", path, got, want)
		}
	}
}
