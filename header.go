// Copyright 2026 The evtx-parser-sub002 Authors.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"hash/crc32"
)

const (
	// FileHeaderSize is the fixed size of the file header block.
	FileHeaderSize = 4096

	// ChunkSize is the fixed size of a chunk.
	ChunkSize = 65536

	// ChunkHeaderSize is the size of the fixed portion of a chunk header,
	// including the common-string and template-pointer tables.
	ChunkHeaderSize = 512

	// RecordHeaderSize is the size of the fixed EventRecord preamble
	// (signature, size, id, timestamp).
	RecordHeaderSize = 24

	// MinRecordSize is the smallest legal EventRecord.Size (header + the
	// trailing 4-byte size copy).
	MinRecordSize = 28

	fileSignature  = "ElfFile\x00"
	chunkSignature = "ElfChnk\x00"
	recordMagic    = 0x00002A2A
)

// Flags on FileHeader.Flags.
const (
	FileFlagDirty uint32 = 1 << 0
	FileFlagFull  uint32 = 1 << 1
)

// FileHeader is the 4096-byte preamble of an EVTX file. See spec §6.
type FileHeader struct {
	FirstChunk    uint64
	LastChunk     uint64
	NextRecordID  uint64
	HeaderSize    uint32
	MinorVersion  uint16
	MajorVersion  uint16
	HeaderBlock   uint16
	ChunkCount    uint16
	Flags         uint32
	HeaderCRC     uint32
	CRCValid      bool
}

// parseFileHeader validates the signature/version and checks the CRC
// over bytes [0,120) — a CRC mismatch is a warning, never fatal.
func parseFileHeader(data []byte) (*FileHeader, error) {
	if len(data) < FileHeaderSize {
		return nil, ErrFileTooSmall
	}
	if string(data[0:8]) != fileSignature {
		return nil, &FormatError{Reason: "file signature mismatch"}
	}
	c := cursor{data: data}

	h := &FileHeader{}
	h.FirstChunk, _ = c.readUint64(8)
	h.LastChunk, _ = c.readUint64(16)
	h.NextRecordID, _ = c.readUint64(24)
	h.HeaderSize, _ = c.readUint32(32)
	h.MinorVersion, _ = c.readUint16(36)
	h.MajorVersion, _ = c.readUint16(38)
	h.HeaderBlock, _ = c.readUint16(40)
	h.ChunkCount, _ = c.readUint16(42)
	h.Flags, _ = c.readUint32(120)
	h.HeaderCRC, _ = c.readUint32(124)

	if h.MajorVersion != 3 {
		return h, &FormatError{Reason: "unsupported major version, expected 3"}
	}

	computed := crc32.ChecksumIEEE(data[0:120])
	h.CRCValid = computed == h.HeaderCRC

	return h, nil
}

// ChunkHeader is the 512-byte preamble of a chunk. See spec §6.
type ChunkHeader struct {
	FirstRecordNumber uint64
	LastRecordNumber  uint64
	FirstRecordID     uint64
	LastRecordID      uint64
	HeaderSize        uint32
	LastEventOffset   uint32
	FreeSpaceOffset   uint32
	EventsCRC         uint32
	CommonStrings     [64]uint32
	TemplatePointers  [32]uint32
	HeaderCRCValid    bool
	DataCRCValid      bool
}

// parseChunkHeader validates the signature and both CRCs (warnings
// only). bad signature is reported via the returned bool, not an error,
// per spec §4.5 step 1.
func parseChunkHeader(data []byte) (*ChunkHeader, bool) {
	if len(data) < ChunkHeaderSize || string(data[0:8]) != chunkSignature {
		return nil, false
	}
	c := cursor{data: data}

	h := &ChunkHeader{}
	h.FirstRecordNumber, _ = c.readUint64(8)
	h.LastRecordNumber, _ = c.readUint64(16)
	h.FirstRecordID, _ = c.readUint64(24)
	h.LastRecordID, _ = c.readUint64(32)
	h.HeaderSize, _ = c.readUint32(40)
	h.LastEventOffset, _ = c.readUint32(44)
	h.FreeSpaceOffset, _ = c.readUint32(48)
	h.EventsCRC, _ = c.readUint32(52)

	for i := range h.CommonStrings {
		h.CommonStrings[i], _ = c.readUint32(uint32(128 + i*4))
	}
	for i := range h.TemplatePointers {
		h.TemplatePointers[i], _ = c.readUint32(uint32(384 + i*4))
	}

	headerCRC, _ := c.readUint32(124)
	crcBuf := make([]byte, 0, 120+384)
	crcBuf = append(crcBuf, data[0:120]...)
	crcBuf = append(crcBuf, data[128:512]...)
	h.HeaderCRCValid = crc32.ChecksumIEEE(crcBuf) == headerCRC

	if h.FreeSpaceOffset >= ChunkHeaderSize && int(h.FreeSpaceOffset) <= len(data) {
		h.DataCRCValid = crc32.ChecksumIEEE(data[ChunkHeaderSize:h.FreeSpaceOffset]) == h.EventsCRC
	}

	return h, true
}

// recordHeader is the fixed 24-byte preamble of an EventRecord.
type recordHeader struct {
	Magic     uint32
	Size      uint32
	ID        uint64
	Timestamp uint64
}

// parseRecordHeader reads the fixed preamble at offset within a chunk.
func parseRecordHeader(data []byte, offset uint32) (recordHeader, bool) {
	var rh recordHeader
	c := cursor{data: data}
	magic, err := c.readUint32(offset)
	if err != nil || magic != recordMagic {
		return rh, false
	}
	rh.Magic = magic
	rh.Size, _ = c.readUint32(offset + 4)
	rh.ID, _ = c.readUint64(offset + 8)
	rh.Timestamp, _ = c.readUint64(offset + 16)
	return rh, true
}

// sizeCopyAt reads the trailing 4-byte size copy of a record whose
// payload spans [offset, offset+size).
func sizeCopyAt(data []byte, offset, size uint32) (uint32, error) {
	c := cursor{data: data}
	return c.readUint32(offset + size - 4)
}
