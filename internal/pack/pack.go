// Package pack bins content segments into size-bounded transport
// containers, amortizing the per-message overhead of posting many small
// segments individually.
package pack

import (
	"bytes"
	"encoding/binary"

	"github.com/contemptx/usenetsync-sub001/internal/core"
)

// Magic is the 4-byte marker at the start of every pack payload.
var Magic = [4]byte{'U', 'S', 'P', 'K'}

// Input is one segment handed to Build.
type Input struct {
	SegmentID string
	Data      []byte
}

// Entry is one segment (or sub-segment) inside a pack. Part is 0 for an
// unsplit segment; a segment pre-split because it exceeded the bound
// carries its pieces as Part 0..k in order.
type Entry struct {
	SegmentID string
	Part      int
	Data      []byte
}

// Pack is a transient container of segment bytes. It persists only as the
// transport locator recorded after posting its payload.
type Pack struct {
	Entries  []Entry
	DataSize int64 // sum of entry data bytes, never above the build bound
}

// Build greedily accumulates segments into packs whose data size stays
// within maxPackSize, keeping input order. A segment larger than the bound
// is pre-split into sub-segments no larger than the bound before packing.
// The result is deterministic for identical input order and bound.
func Build(segments []Input, maxPackSize int64) ([]*Pack, error) {
	if maxPackSize <= 0 {
		return nil, core.Validationf("pack size bound %d is not positive", maxPackSize)
	}
	if len(segments) == 0 {
		return nil, core.Validationf("no segments to pack")
	}

	var entries []Entry
	for _, seg := range segments {
		if seg.SegmentID == "" {
			return nil, core.Validationf("segment with empty id")
		}
		if len(seg.Data) == 0 {
			return nil, core.Validationf("segment %s is empty", seg.SegmentID)
		}
		if int64(len(seg.Data)) <= maxPackSize {
			entries = append(entries, Entry{SegmentID: seg.SegmentID, Data: seg.Data})
			continue
		}
		for part, off := 0, int64(0); off < int64(len(seg.Data)); part++ {
			end := off + maxPackSize
			if end > int64(len(seg.Data)) {
				end = int64(len(seg.Data))
			}
			entries = append(entries, Entry{SegmentID: seg.SegmentID, Part: part, Data: seg.Data[off:end]})
			off = end
		}
	}

	var packs []*Pack
	current := &Pack{}
	for _, entry := range entries {
		size := int64(len(entry.Data))
		if current.DataSize > 0 && current.DataSize+size > maxPackSize {
			packs = append(packs, current)
			current = &Pack{}
		}
		current.Entries = append(current.Entries, entry)
		current.DataSize += size
	}
	packs = append(packs, current)
	return packs, nil
}

// Marshal frames the pack into a single transport payload.
func (p *Pack) Marshal() []byte {
	buf := make([]byte, 0, p.DataSize+int64(len(p.Entries))*16+8)
	buf = append(buf, Magic[:]...)
	buf = binary.AppendUvarint(buf, uint64(len(p.Entries)))
	for _, entry := range p.Entries {
		buf = binary.AppendUvarint(buf, uint64(len(entry.SegmentID)))
		buf = append(buf, entry.SegmentID...)
		buf = binary.AppendUvarint(buf, uint64(entry.Part))
		buf = binary.AppendUvarint(buf, uint64(len(entry.Data)))
		buf = append(buf, entry.Data...)
	}
	return buf
}

// Unpack is the inverse of Marshal: it recovers the entries of one pack
// payload in their packed order. The concatenation of the returned data
// equals the concatenation of the bytes that went in.
func Unpack(payload []byte) ([]Entry, error) {
	if len(payload) < 4 {
		return nil, core.Truncatedf("pack payload is %d bytes, need at least 4", len(payload))
	}
	if !bytes.Equal(payload[:4], Magic[:]) {
		return nil, core.Formatf("bad pack magic %q", payload[:4])
	}

	off := 4
	uvarint := func(what string) (uint64, error) {
		v, n := binary.Uvarint(payload[off:])
		if n <= 0 {
			return 0, core.Truncatedf("reading %s at offset %d", what, off)
		}
		off += n
		return v, nil
	}

	count, err := uvarint("entry count")
	if err != nil {
		return nil, err
	}
	if count > uint64(len(payload)-off) {
		return nil, core.Truncatedf("entry count %d exceeds %d remaining bytes", count, len(payload)-off)
	}

	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		idLen, err := uvarint("segment id length")
		if err != nil {
			return nil, err
		}
		if idLen > uint64(len(payload)-off) {
			return nil, core.Truncatedf("segment id length %d exceeds %d remaining bytes", idLen, len(payload)-off)
		}
		id := string(payload[off : off+int(idLen)])
		off += int(idLen)

		part, err := uvarint("part number")
		if err != nil {
			return nil, err
		}
		dataLen, err := uvarint("data length")
		if err != nil {
			return nil, err
		}
		if dataLen > uint64(len(payload)-off) {
			return nil, core.Truncatedf("data length %d exceeds %d remaining bytes", dataLen, len(payload)-off)
		}
		if dataLen == 0 {
			return nil, core.Validationf("segment %s has no data in pack", id)
		}
		entries = append(entries, Entry{
			SegmentID: id,
			Part:      int(part),
			Data:      payload[off : off+int(dataLen)],
		})
		off += int(dataLen)
	}

	if off != len(payload) {
		return nil, core.Formatf("%d trailing bytes after pack entries", len(payload)-off)
	}
	return entries, nil
}
