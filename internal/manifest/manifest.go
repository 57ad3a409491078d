// Package manifest encodes a folder version's file tree to a compact,
// self-describing binary blob and back. Encoding is canonical: logically
// identical trees serialize to byte-identical blobs regardless of input
// order, so an unchanged manifest can be detected by hash equality alone.
package manifest

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/contemptx/usenetsync-sub001/internal/core"
)

// Magic is the uncompressed 4-byte marker at the start of every manifest.
var Magic = [4]byte{'U', 'S', 'Y', 'M'}

// FormatVersion is the current manifest format version.
const FormatVersion = 1

// HashSize is the fixed width of content hashes in the manifest.
const HashSize = 32

// Tree is the logical content of a manifest: one folder version's full
// file tree.
type Tree struct {
	FolderID string
	Version  int64
	// Dirs lists the folder's directories as relative slash paths.
	Dirs []string
	// Files lists the folder's files. Segment order is positional.
	Files []FileEntry
}

// FileEntry is one file record of a manifest.
type FileEntry struct {
	Path    string // relative, forward slashes
	Size    int64
	ModTime int64 // unix seconds
	Hash    [HashSize]byte
	// Segments tile the file in index order.
	Segments []SegmentEntry
}

// SegmentEntry is one segment record of a file entry.
type SegmentEntry struct {
	Size    int64
	Hash    [HashSize]byte
	Locator string
}

// Encode serializes the tree: magic, format version, then a zstd-compressed
// body holding the folder identity, a deduplicated path-component
// dictionary, directory records and file records. Inputs are sorted
// canonically before emission, so repeat encodings of the same logical
// tree are byte-identical.
func Encode(tree *Tree) ([]byte, error) {
	canonical, err := canonicalize(tree)
	if err != nil {
		return nil, err
	}

	dict, index := buildDictionary(canonical)

	body := make([]byte, 0, 1024)
	body = appendString(body, canonical.FolderID)
	body = binary.AppendUvarint(body, uint64(canonical.Version))

	body = binary.AppendUvarint(body, uint64(len(dict)))
	for _, component := range dict {
		body = appendString(body, component)
	}

	body = binary.AppendUvarint(body, uint64(len(canonical.Dirs)))
	for _, dir := range canonical.Dirs {
		body = appendPath(body, dir, index)
	}

	body = binary.AppendUvarint(body, uint64(len(canonical.Files)))
	for _, file := range canonical.Files {
		body = appendPath(body, file.Path, index)
		body = binary.AppendUvarint(body, uint64(file.Size))
		body = binary.AppendVarint(body, file.ModTime)
		body = binary.AppendUvarint(body, uint64(len(file.Segments)))
		body = append(body, file.Hash[:]...)
		for _, seg := range file.Segments {
			body = binary.AppendUvarint(body, uint64(seg.Size))
			body = append(body, seg.Hash[:]...)
			body = appendString(body, seg.Locator)
		}
	}

	compressed, err := compress(body)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(compressed)+5)
	out = append(out, Magic[:]...)
	out = append(out, FormatVersion)
	out = append(out, compressed...)
	return out, nil
}

// Decode is the exact inverse of Encode.
func Decode(data []byte) (*Tree, error) {
	if len(data) < 5 {
		return nil, core.Truncatedf("manifest is %d bytes, need at least 5", len(data))
	}
	if !bytes.Equal(data[:4], Magic[:]) {
		return nil, core.Formatf("bad magic %q", data[:4])
	}
	if data[4] != FormatVersion {
		return nil, core.Formatf("unsupported format version %d", data[4])
	}

	body, err := decompress(data[5:])
	if err != nil {
		return nil, err
	}
	r := &reader{buf: body}

	tree := &Tree{}
	if tree.FolderID, err = r.str("folder id"); err != nil {
		return nil, err
	}
	version, err := r.uvarint("folder version")
	if err != nil {
		return nil, err
	}
	tree.Version = int64(version)

	dictLen, err := r.count("dictionary")
	if err != nil {
		return nil, err
	}
	dict := make([]string, dictLen)
	for i := range dict {
		if dict[i], err = r.str("dictionary component"); err != nil {
			return nil, err
		}
	}

	dirCount, err := r.count("directories")
	if err != nil {
		return nil, err
	}
	if dirCount > 0 {
		tree.Dirs = make([]string, dirCount)
		for i := range tree.Dirs {
			if tree.Dirs[i], err = r.path(dict); err != nil {
				return nil, err
			}
		}
	}

	fileCount, err := r.count("files")
	if err != nil {
		return nil, err
	}
	if fileCount > 0 {
		tree.Files = make([]FileEntry, fileCount)
	}
	for i := range tree.Files {
		file := &tree.Files[i]
		if file.Path, err = r.path(dict); err != nil {
			return nil, err
		}
		size, err := r.uvarint("file size")
		if err != nil {
			return nil, err
		}
		file.Size = int64(size)
		if file.ModTime, err = r.varint("file mtime"); err != nil {
			return nil, err
		}
		segCount, err := r.count("segments")
		if err != nil {
			return nil, err
		}
		hash, err := r.bytes(HashSize, "file hash")
		if err != nil {
			return nil, err
		}
		copy(file.Hash[:], hash)
		if segCount > 0 {
			file.Segments = make([]SegmentEntry, segCount)
		}
		for j := range file.Segments {
			seg := &file.Segments[j]
			segSize, err := r.uvarint("segment size")
			if err != nil {
				return nil, err
			}
			seg.Size = int64(segSize)
			segHash, err := r.bytes(HashSize, "segment hash")
			if err != nil {
				return nil, err
			}
			copy(seg.Hash[:], segHash)
			if seg.Locator, err = r.str("segment locator"); err != nil {
				return nil, err
			}
		}
	}

	if r.off != len(r.buf) {
		return nil, core.Formatf("%d trailing bytes after manifest body", len(r.buf)-r.off)
	}
	return tree, nil
}

// canonicalize validates the tree and returns a sorted copy.
func canonicalize(tree *Tree) (*Tree, error) {
	if tree.FolderID == "" {
		return nil, core.Validationf("manifest tree has no folder id")
	}

	out := &Tree{FolderID: tree.FolderID, Version: tree.Version}

	out.Dirs = append([]string(nil), tree.Dirs...)
	sort.Strings(out.Dirs)

	out.Files = append([]FileEntry(nil), tree.Files...)
	sort.Slice(out.Files, func(i, j int) bool { return out.Files[i].Path < out.Files[j].Path })

	seen := make(map[string]bool, len(out.Files))
	for _, file := range out.Files {
		if file.Path == "" {
			return nil, core.Validationf("manifest tree has a file with an empty path")
		}
		if seen[file.Path] {
			return nil, core.Validationf("manifest tree has duplicate path %q", file.Path)
		}
		seen[file.Path] = true
	}
	return out, nil
}

// buildDictionary collects the unique path components of all directory and
// file paths, sorted, plus a component→index lookup.
func buildDictionary(tree *Tree) ([]string, map[string]uint64) {
	set := make(map[string]bool)
	collect := func(path string) {
		for _, c := range strings.Split(path, "/") {
			set[c] = true
		}
	}
	for _, dir := range tree.Dirs {
		collect(dir)
	}
	for _, file := range tree.Files {
		collect(file.Path)
	}

	dict := make([]string, 0, len(set))
	for c := range set {
		dict = append(dict, c)
	}
	sort.Strings(dict)

	index := make(map[string]uint64, len(dict))
	for i, c := range dict {
		index[c] = uint64(i)
	}
	return dict, index
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendPath(buf []byte, path string, index map[string]uint64) []byte {
	components := strings.Split(path, "/")
	buf = binary.AppendUvarint(buf, uint64(len(components)))
	for _, c := range components {
		buf = binary.AppendUvarint(buf, index[c])
	}
	return buf
}

func compress(body []byte) ([]byte, error) {
	// Concurrency 1 keeps the frame layout independent of GOMAXPROCS,
	// which the byte-determinism guarantee relies on.
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, core.Formatf("creating zstd encoder: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(body, nil), nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, core.Formatf("creating zstd decoder: %v", err)
	}
	defer dec.Close()

	body, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, core.Formatf("decompressing manifest body: %v", err)
	}
	return body, nil
}

// reader walks the decompressed body, converting short reads into
// TruncationErrors that name what was being read.
type reader struct {
	buf []byte
	off int
}

func (r *reader) uvarint(what string) (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, core.Truncatedf("reading %s at offset %d", what, r.off)
	}
	r.off += n
	return v, nil
}

func (r *reader) varint(what string) (int64, error) {
	v, n := binary.Varint(r.buf[r.off:])
	if n <= 0 {
		return 0, core.Truncatedf("reading %s at offset %d", what, r.off)
	}
	r.off += n
	return v, nil
}

// count reads a declared element count and rejects counts that cannot
// possibly fit in the remaining buffer, so a corrupt count fails fast
// instead of driving a huge allocation.
func (r *reader) count(what string) (int, error) {
	v, err := r.uvarint(what + " count")
	if err != nil {
		return 0, err
	}
	if v > uint64(len(r.buf)-r.off) {
		return 0, core.Truncatedf("%s count %d exceeds %d remaining bytes", what, v, len(r.buf)-r.off)
	}
	return int(v), nil
}

func (r *reader) bytes(n int, what string) ([]byte, error) {
	if n > len(r.buf)-r.off {
		return nil, core.Truncatedf("reading %d-byte %s with %d bytes remaining", n, what, len(r.buf)-r.off)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) str(what string) (string, error) {
	n, err := r.uvarint(what + " length")
	if err != nil {
		return "", err
	}
	if n > uint64(len(r.buf)-r.off) {
		return "", core.Truncatedf("%s length %d exceeds %d remaining bytes", what, n, len(r.buf)-r.off)
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func (r *reader) path(dict []string) (string, error) {
	n, err := r.uvarint("path component count")
	if err != nil {
		return "", err
	}
	if n > uint64(len(r.buf)-r.off) {
		return "", core.Truncatedf("path component count %d exceeds %d remaining bytes", n, len(r.buf)-r.off)
	}
	components := make([]string, n)
	for i := range components {
		idx, err := r.uvarint("path component index")
		if err != nil {
			return "", err
		}
		if idx >= uint64(len(dict)) {
			return "", core.Formatf("path component index %d out of dictionary range %d", idx, len(dict))
		}
		components[i] = dict[idx]
	}
	return strings.Join(components, "/"), nil
}
