// Package wal reads a SQLite write-ahead log as a raw binary structure.
//
// The file is memory-mapped read-only and decoded sequentially: a
// 32-byte header followed by frames of a 24-byte frame header plus one
// page of payload. Nothing here touches SQLite itself — this is how
// uncommitted and overwritten page versions are recovered after the
// library would have discarded them.
//
// Layout reference: https://www.sqlite.org/walformat.html
package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/RoaringBitmap/roaring"
)

const (
	// HeaderSize is the fixed WAL file header length.
	HeaderSize = 32
	// FrameHeaderSize is the fixed per-frame header length.
	FrameHeaderSize = 24

	// The magic's low bit selects the word order checksums are computed
	// in; every other header field is big-endian regardless.
	magicLE = 0x377f0682
	magicBE = 0x377f0683
)

// B-tree page type bytes (first byte of a page, offset 100 on page 1).
const (
	PageIndexInterior = 0x02
	PageTableInterior = 0x05
	PageIndexLeaf     = 0x0a
	PageTableLeaf     = 0x0d
)

// PageTypeLabel renders a page type byte for diagnostics.
func PageTypeLabel(b byte) string {
	switch b {
	case PageIndexInterior:
		return "index interior"
	case PageTableInterior:
		return "table interior"
	case PageIndexLeaf:
		return "index leaf"
	case PageTableLeaf:
		return "table leaf"
	case 0x00:
		return "overflow/free"
	}
	return fmt.Sprintf("unknown (0x%02x)", b)
}

// FormatError reports a structurally invalid WAL file or page. The
// offset pins the failure to a byte position for the caller's report.
type FormatError struct {
	Offset int64
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("wal format error at offset %d: %s", e.Offset, e.Reason)
}

// Header is the decoded 32-byte WAL header.
type Header struct {
	Magic         uint32
	Version       uint32
	PageSize      uint32
	CheckpointSeq uint32
	Salt1         uint32
	Salt2         uint32
	Checksum1     uint32
	Checksum2     uint32
}

// Frame is one decoded frame header. The page payload stays in the
// mapping; Index.Page returns it on demand.
type Frame struct {
	// Index is the 0-based position in the file.
	Index int
	// Offset is the byte offset of the frame header.
	Offset int64
	// PageNumber is the database page this frame carries a version of.
	PageNumber uint32
	// CommitSize is the database size in pages after commit; non-zero
	// only on the final frame of a committed transaction.
	CommitSize uint32
	Salt1      uint32
	Salt2      uint32
	Checksum1  uint32
	Checksum2  uint32
	// ChecksumOK reports whether the stored checksum matched the running
	// chain. Invalid frames stay in the index for diagnostic display but
	// are excluded from transaction grouping and classification.
	ChecksumOK bool
	// PageType is the payload's b-tree type byte (taken at offset 100
	// for page 1, which carries the database file header prefix).
	PageType byte
}

// IsCommit reports whether this frame terminates a transaction.
func (f *Frame) IsCommit() bool { return f.CommitSize > 0 }

// Index is the structural index of one WAL file: the header plus every
// complete frame, in file order. Page payloads are zero-copy views into
// the read-only mapping and are valid until Close.
type Index struct {
	Header Header
	Frames []Frame

	path string
	data []byte
	m    *mapping
}

// Open maps the WAL file at path and parses its header and every
// complete frame. A trailing partial frame is dropped, not an error.
func Open(path string) (*Index, error) {
	m, err := openMapping(path)
	if err != nil {
		return nil, fmt.Errorf("map wal %s: %w", path, err)
	}

	ix := &Index{path: path, data: m.data, m: m}
	if err := ix.parse(); err != nil {
		_ = m.Close() // best-effort unmap on a bad file
		return nil, err
	}
	return ix, nil
}

// Close releases the mapping. Page views obtained earlier go invalid.
func (ix *Index) Close() error {
	if ix.m == nil {
		return nil
	}
	err := ix.m.Close()
	ix.m = nil
	ix.data = nil
	ix.Frames = nil
	return err
}

// Path returns the file this index was opened from.
func (ix *Index) Path() string { return ix.path }

// Size returns the mapped file length in bytes.
func (ix *Index) Size() int64 { return int64(len(ix.data)) }

// Page returns the raw page payload of frame i as a zero-copy slice
// into the mapping.
func (ix *Index) Page(i int) ([]byte, error) {
	if i < 0 || i >= len(ix.Frames) {
		return nil, fmt.Errorf("frame %d out of range [0,%d)", i, len(ix.Frames))
	}
	start := ix.Frames[i].Offset + FrameHeaderSize
	end := start + int64(ix.Header.PageSize)
	if end > int64(len(ix.data)) {
		return nil, &FormatError{Offset: start, Reason: "page payload past end of file"}
	}
	return ix.data[start:end:end], nil
}

func (ix *Index) parse() error {
	data := ix.data
	if len(data) < HeaderSize {
		return &FormatError{Offset: 0, Reason: fmt.Sprintf("file is %d bytes, smaller than the %d-byte WAL header", len(data), HeaderSize)}
	}

	h := Header{
		Magic:         binary.BigEndian.Uint32(data[0:4]),
		Version:       binary.BigEndian.Uint32(data[4:8]),
		PageSize:      binary.BigEndian.Uint32(data[8:12]),
		CheckpointSeq: binary.BigEndian.Uint32(data[12:16]),
		Salt1:         binary.BigEndian.Uint32(data[16:20]),
		Salt2:         binary.BigEndian.Uint32(data[20:24]),
		Checksum1:     binary.BigEndian.Uint32(data[24:28]),
		Checksum2:     binary.BigEndian.Uint32(data[28:32]),
	}
	if h.Magic != magicLE && h.Magic != magicBE {
		return &FormatError{Offset: 0, Reason: fmt.Sprintf("bad magic 0x%08x", h.Magic)}
	}
	if !validPageSize(h.PageSize) {
		return &FormatError{Offset: 8, Reason: fmt.Sprintf("page size %d not a power of two in [512,65536]", h.PageSize)}
	}
	ix.Header = h

	var order binary.ByteOrder = binary.LittleEndian
	if h.Magic == magicBE {
		order = binary.BigEndian
	}

	// The checksum chain is seeded over the first 24 header bytes. The
	// stored header checksum must match or every frame would fail too;
	// a mismatch here means the header was torn mid-write.
	s1, s2 := walChecksum(0, 0, data[:24], order)
	headerOK := s1 == h.Checksum1 && s2 == h.Checksum2

	frameSize := int64(FrameHeaderSize) + int64(h.PageSize)
	offset := int64(HeaderSize)
	prevSalt1, prevSalt2 := h.Salt1, h.Salt2

	for offset+frameSize <= int64(len(data)) {
		fh := data[offset : offset+FrameHeaderSize]
		f := Frame{
			Index:      len(ix.Frames),
			Offset:     offset,
			PageNumber: binary.BigEndian.Uint32(fh[0:4]),
			CommitSize: binary.BigEndian.Uint32(fh[4:8]),
			Salt1:      binary.BigEndian.Uint32(fh[8:12]),
			Salt2:      binary.BigEndian.Uint32(fh[12:16]),
			Checksum1:  binary.BigEndian.Uint32(fh[16:20]),
			Checksum2:  binary.BigEndian.Uint32(fh[20:24]),
		}

		page := data[offset+FrameHeaderSize : offset+frameSize]
		typeAt := 0
		if f.PageNumber == 1 && len(page) > 100 {
			typeAt = 100
		}
		f.PageType = page[typeAt]

		if f.Salt1 != prevSalt1 || f.Salt2 != prevSalt2 {
			// A salt change means a WAL restart: the chain state the
			// writer used for this frame is gone, so the frame's stored
			// pair re-seeds the chain and the frame is accepted. Frames
			// after it in the same run still validate against each other.
			f.ChecksumOK = true
			s1, s2 = f.Checksum1, f.Checksum2
		} else {
			s1, s2 = walChecksum(s1, s2, fh[0:8], order)
			s1, s2 = walChecksum(s1, s2, page, order)
			f.ChecksumOK = headerOK && s1 == f.Checksum1 && s2 == f.Checksum2
			if !f.ChecksumOK {
				// Re-seed from the stored pair so one corrupt frame does
				// not cascade invalidity over the rest of the file.
				s1, s2 = f.Checksum1, f.Checksum2
			}
		}
		prevSalt1, prevSalt2 = f.Salt1, f.Salt2

		ix.Frames = append(ix.Frames, f)
		offset += frameSize
	}
	return nil
}

// ValidFrames counts frames whose checksum chain held.
func (ix *Index) ValidFrames() int {
	n := 0
	for i := range ix.Frames {
		if ix.Frames[i].ChecksumOK {
			n++
		}
	}
	return n
}

// Summary aggregates structural statistics over the frame index.
type Summary struct {
	TotalFrames   int
	ValidFrames   int
	CommitFrames  int
	UniquePages   uint64
	PageTypes     map[string]int
	FileSize      int64
	PageSize      uint32
	CheckpointSeq uint32
	Salt1         uint32
	Salt2         uint32
}

// Summarize walks the index once and returns its Summary.
func (ix *Index) Summarize() Summary {
	s := Summary{
		PageTypes:     make(map[string]int),
		FileSize:      ix.Size(),
		PageSize:      ix.Header.PageSize,
		CheckpointSeq: ix.Header.CheckpointSeq,
		Salt1:         ix.Header.Salt1,
		Salt2:         ix.Header.Salt2,
	}
	pages := roaring.New()
	for i := range ix.Frames {
		f := &ix.Frames[i]
		s.TotalFrames++
		if f.ChecksumOK {
			s.ValidFrames++
		}
		if f.IsCommit() {
			s.CommitFrames++
		}
		pages.Add(f.PageNumber)
		s.PageTypes[PageTypeLabel(f.PageType)]++
	}
	s.UniquePages = pages.GetCardinality()
	return s
}

func validPageSize(n uint32) bool {
	return n >= 512 && n <= 65536 && n&(n-1) == 0
}

// walChecksum folds data into the running (s1, s2) pair, 8 bytes at a
// time, reading words in the order the header magic selects. Trailing
// bytes short of a full pair are ignored, as SQLite's checksum inputs
// are always 8-byte aligned.
func walChecksum(s1, s2 uint32, data []byte, order binary.ByteOrder) (uint32, uint32) {
	for i := 0; i+8 <= len(data); i += 8 {
		x0 := order.Uint32(data[i : i+4])
		x1 := order.Uint32(data[i+4 : i+8])
		s1 += x0 + s2
		s2 += x1 + s1
	}
	return s1, s2
}

// ReadHeader decodes just the header of a WAL file without mapping it,
// for cheap "is there anything here" probes.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer func() { _ = f.Close() }() // safe to ignore

	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return Header{}, &FormatError{Offset: 0, Reason: "short read on WAL header"}
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != magicLE && magic != magicBE {
		return Header{}, &FormatError{Offset: 0, Reason: fmt.Sprintf("bad magic 0x%08x", magic)}
	}
	return Header{
		Magic:         magic,
		Version:       binary.BigEndian.Uint32(buf[4:8]),
		PageSize:      binary.BigEndian.Uint32(buf[8:12]),
		CheckpointSeq: binary.BigEndian.Uint32(buf[12:16]),
		Salt1:         binary.BigEndian.Uint32(buf[16:20]),
		Salt2:         binary.BigEndian.Uint32(buf[20:24]),
		Checksum1:     binary.BigEndian.Uint32(buf[24:28]),
		Checksum2:     binary.BigEndian.Uint32(buf[28:32]),
	}, nil
}
