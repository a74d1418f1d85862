package wal

import (
	"encoding/binary"
	"fmt"
	"math"
)

// B-tree page decoding, reimplemented here because the live connection
// cannot be pointed at uncommitted or overwritten page versions. The
// decoders accept any byte slice shaped like a page, so they serve both
// WAL payloads and pages read straight from the main database file.
//
// Format reference: https://www.sqlite.org/fileformat2.html

// ReadVarint decodes a SQLite varint (1-9 bytes, MSB continuation) at
// off and returns the value and the next offset.
func ReadVarint(data []byte, off int) (int64, int, error) {
	var result uint64
	for i := 0; i < 9; i++ {
		if off >= len(data) {
			return 0, off, &FormatError{Offset: int64(off), Reason: "truncated varint"}
		}
		b := data[off]
		off++
		if i == 8 {
			// Ninth byte contributes all 8 bits.
			result = result<<8 | uint64(b)
			return int64(result), off, nil
		}
		result = result<<7 | uint64(b&0x7f)
		if b < 0x80 {
			return int64(result), off, nil
		}
	}
	return int64(result), off, nil
}

// serialTypeSize returns the payload byte length of a serial type.
func serialTypeSize(st int64) int {
	switch st {
	case 0, 8, 9:
		return 0
	case 1:
		return 1
	case 2:
		return 2
	case 3:
		return 3
	case 4:
		return 4
	case 5:
		return 6
	case 6, 7:
		return 8
	}
	if st >= 12 {
		return int((st - 12) / 2)
	}
	return 0
}

// readSerialValue decodes one value. Integers come back as int64,
// floats as float64, TEXT as string, BLOB as a zero-copy sub-slice of
// data, NULL as nil.
func readSerialValue(data []byte, off int, st int64) (any, int, error) {
	switch st {
	case 0:
		return nil, off, nil
	case 8:
		return int64(0), off, nil
	case 9:
		return int64(1), off, nil
	}

	size := serialTypeSize(st)
	if off+size > len(data) {
		return nil, off, &FormatError{
			Offset: int64(off),
			Reason: fmt.Sprintf("truncated value: serial type %d needs %d bytes", st, size),
		}
	}
	chunk := data[off : off+size]

	switch st {
	case 1, 2, 3, 4, 5, 6:
		// Signed big-endian integer of 1/2/3/4/6/8 bytes.
		var v int64
		if chunk[0]&0x80 != 0 {
			v = -1
		}
		for _, b := range chunk {
			v = v<<8 | int64(b)
		}
		return v, off + size, nil
	case 7:
		bits := binary.BigEndian.Uint64(chunk)
		return math.Float64frombits(bits), off + size, nil
	}

	if st%2 == 0 {
		return chunk[:size:size], off + size, nil // BLOB
	}
	return string(chunk), off + size, nil // TEXT
}

// ParseRecord decodes a full record payload: a varint header length,
// varint serial types, then the values.
func ParseRecord(payload []byte) ([]any, error) {
	headerLen, off, err := ReadVarint(payload, 0)
	if err != nil {
		return nil, err
	}
	if headerLen < 0 || headerLen > int64(len(payload)) {
		return nil, &FormatError{Offset: 0, Reason: fmt.Sprintf("record header length %d out of range", headerLen)}
	}

	var serialTypes []int64
	for off < int(headerLen) {
		var st int64
		st, off, err = ReadVarint(payload, off)
		if err != nil {
			return nil, err
		}
		serialTypes = append(serialTypes, st)
	}
	off = int(headerLen)

	values := make([]any, 0, len(serialTypes))
	for _, st := range serialTypes {
		var v any
		v, off, err = readSerialValue(payload, off, st)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// PageInfo is a decoded b-tree page header.
type PageInfo struct {
	Type        byte
	CellCount   int
	CellOffsets []int
	// RightChild is set for interior pages only.
	RightChild uint32
}

// IsLeaf reports whether the page holds cells rather than children.
func (p *PageInfo) IsLeaf() bool {
	return p.Type == PageTableLeaf || p.Type == PageIndexLeaf
}

// headerOffset returns where the b-tree header starts: page 1 carries
// the 100-byte database file header first.
func headerOffset(pageNumber uint32) int {
	if pageNumber == 1 {
		return 100
	}
	return 0
}

// ParsePage decodes the b-tree header and cell pointer array of a page.
// pageNumber selects the page-1 header offset; the payload itself does
// not record its own number.
func ParsePage(page []byte, pageNumber uint32) (*PageInfo, error) {
	hdr := headerOffset(pageNumber)
	if len(page) < hdr+8 {
		return nil, &FormatError{Offset: int64(hdr), Reason: "page shorter than b-tree header"}
	}

	pt := page[hdr]
	switch pt {
	case PageIndexInterior, PageTableInterior, PageIndexLeaf, PageTableLeaf:
	default:
		return nil, &FormatError{Offset: int64(hdr), Reason: "not a b-tree page: " + PageTypeLabel(pt)}
	}

	interior := pt == PageIndexInterior || pt == PageTableInterior
	hdrSize := 8
	if interior {
		hdrSize = 12
	}
	if len(page) < hdr+hdrSize {
		return nil, &FormatError{Offset: int64(hdr), Reason: "page shorter than interior header"}
	}

	info := &PageInfo{
		Type:      pt,
		CellCount: int(binary.BigEndian.Uint16(page[hdr+3 : hdr+5])),
	}
	if interior {
		info.RightChild = binary.BigEndian.Uint32(page[hdr+8 : hdr+12])
	}

	ptrStart := hdr + hdrSize
	for i := 0; i < info.CellCount; i++ {
		po := ptrStart + i*2
		if po+2 > len(page) {
			break // pointer array truncated; keep what decoded
		}
		info.CellOffsets = append(info.CellOffsets, int(binary.BigEndian.Uint16(page[po:po+2])))
	}
	return info, nil
}

// Cell is one decoded table-leaf cell.
type Cell struct {
	RowID  int64
	Values []any
}

// ParseTableLeaf decodes every cell of a table leaf page. Corrupt cells
// are skipped and counted so the caller can report partial decodes;
// a page of the wrong type is an error.
//
// Payloads that spill to overflow pages are decoded as far as the
// in-page prefix allows; a record whose used columns live in the prefix
// still materializes.
func ParseTableLeaf(page []byte, pageNumber uint32) (cells []Cell, skipped int, err error) {
	info, err := ParsePage(page, pageNumber)
	if err != nil {
		return nil, 0, err
	}
	if info.Type != PageTableLeaf {
		return nil, 0, &FormatError{
			Offset: int64(headerOffset(pageNumber)),
			Reason: "expected table leaf, got " + PageTypeLabel(info.Type),
		}
	}

	for _, cellOff := range info.CellOffsets {
		if cellOff < 0 || cellOff >= len(page) {
			skipped++
			continue
		}
		payloadLen, off, verr := ReadVarint(page, cellOff)
		if verr != nil {
			skipped++
			continue
		}
		rowid, off, verr := ReadVarint(page, off)
		if verr != nil {
			skipped++
			continue
		}

		end := off + int(payloadLen)
		if end > len(page) {
			end = len(page) // overflow spill: decode the in-page prefix
		}
		if end <= off {
			skipped++
			continue
		}
		values, perr := ParseRecord(page[off:end])
		if perr != nil {
			skipped++
			continue
		}
		cells = append(cells, Cell{RowID: rowid, Values: values})
	}
	return cells, skipped, nil
}

// InteriorChildren returns every child page number an interior page
// points at: one per cell plus the right-most pointer.
func InteriorChildren(page []byte, pageNumber uint32) ([]uint32, error) {
	info, err := ParsePage(page, pageNumber)
	if err != nil {
		return nil, err
	}
	if info.IsLeaf() {
		return nil, &FormatError{
			Offset: int64(headerOffset(pageNumber)),
			Reason: "expected interior page, got " + PageTypeLabel(info.Type),
		}
	}

	var children []uint32
	for _, cellOff := range info.CellOffsets {
		if cellOff < 0 || cellOff+4 > len(page) {
			continue
		}
		if child := binary.BigEndian.Uint32(page[cellOff : cellOff+4]); child > 0 {
			children = append(children, child)
		}
	}
	if info.RightChild > 0 {
		children = append(children, info.RightChild)
	}
	return children, nil
}
