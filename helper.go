// Copyright 2026 The evtx-parser-sub002 Authors.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"bytes"
	"encoding/binary"
)

// cursor is a bounds-checked view over a byte slice, shared by every
// component that reads chunk- or file-relative offsets. It never
// retains a copy: readers borrow into the caller's slice.
type cursor struct {
	data []byte
}

// readUint8 reads a uint8 at offset.
func (c cursor) readUint8(offset uint32) (uint8, error) {
	if offset >= uint32(len(c.data)) {
		return 0, ErrOutsideBoundary
	}
	return c.data[offset], nil
}

// readUint16 reads a little-endian uint16 at offset.
func (c cursor) readUint16(offset uint32) (uint16, error) {
	if !c.fits(offset, 2) {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint16(c.data[offset:]), nil
}

// readUint32 reads a little-endian uint32 at offset.
func (c cursor) readUint32(offset uint32) (uint32, error) {
	if !c.fits(offset, 4) {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint32(c.data[offset:]), nil
}

// readUint64 reads a little-endian uint64 at offset.
func (c cursor) readUint64(offset uint32) (uint64, error) {
	if !c.fits(offset, 8) {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint64(c.data[offset:]), nil
}

// readBytesAt returns size bytes starting at offset, without copying.
func (c cursor) readBytesAt(offset, size uint32) ([]byte, error) {
	if !c.fits(offset, size) {
		return nil, ErrOutsideBoundary
	}
	return c.data[offset : offset+size], nil
}

// fits reports whether [offset, offset+size) lies within the cursor,
// guarding against the offset+size addition itself overflowing.
func (c cursor) fits(offset, size uint32) bool {
	total := offset + size
	if total < offset && size > 0 {
		return false
	}
	return offset <= uint32(len(c.data)) && total <= uint32(len(c.data))
}

// unpackStruct decodes size little-endian bytes at offset into iface,
// mirroring the teacher's structUnpack bounds-checked binary.Read call.
func (c cursor) unpackStruct(iface interface{}, offset, size uint32) error {
	buf, err := c.readBytesAt(offset, size)
	if err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, iface)
}

// utf16LEUnits decodes a byte slice of even length into a newly
// allocated slice of little-endian uint16 code units.
func utf16LEUnits(b []byte) []uint16 {
	n := len(b) / 2
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return out
}
