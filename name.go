// Copyright 2026 The evtx-parser-sub002 Authors.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

// nameTable interns element/attribute names by chunk-relative offset,
// lazily and with memoization, per spec §4.2. A name's decoded value is
// a pure function of the chunk bytes and the offset, so the table is
// safe to consult from any position in the token stream regardless of
// whether that offset has been "visited" yet.
//
// One nameTable is owned by exactly one chunk parse and is never shared
// across goroutines, so no locking is needed here (spec §5: "Workers do
// not share mutable state within a single chunk").
type nameTable struct {
	data   []byte
	cached map[uint32]string
}

func newNameTable(chunkData []byte) *nameTable {
	return &nameTable{data: chunkData, cached: make(map[uint32]string)}
}

// Name wire layout at offset, per spec §3:
//   [next:u32][hash:u16][char_count:u16][utf16 payload][u16 null]
func (nt *nameTable) resolve(offset uint32) (string, error) {
	if s, ok := nt.cached[offset]; ok {
		return s, nil
	}

	c := cursor{data: nt.data}
	// next pointer at offset+0 is not followed here; names form no
	// traversal chain the interpreter needs, only the offset index does.
	charCount, err := c.readUint16(offset + 6)
	if err != nil {
		return "", err
	}
	payload, err := c.readBytesAt(offset+8, uint32(charCount)*2)
	if err != nil {
		return "", err
	}
	s, err := decodeUTF16LE(payload, false)
	if err != nil {
		return "", err
	}
	nt.cached[offset] = s
	return s, nil
}
