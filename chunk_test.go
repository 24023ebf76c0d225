// Copyright 2026 The evtx-parser-sub002 Authors.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"hash/crc32"
	"testing"

	"github.com/axolmain/evtx-parser-sub002/log"
	"github.com/google/uuid"
)

// finalizeChunkHeader stamps the signature, free space offset and both
// CRCs over an otherwise-populated ChunkSize buffer.
func finalizeChunkHeader(data []byte, freeSpaceOffset uint32) {
	copy(data, chunkSignature)
	copy(data[48:], u32le(freeSpaceOffset))
	copy(data[52:], u32le(crc32.ChecksumIEEE(data[ChunkHeaderSize:freeSpaceOffset])))

	crcBuf := make([]byte, 0, 120+384)
	crcBuf = append(crcBuf, data[0:120]...)
	crcBuf = append(crcBuf, data[128:512]...)
	copy(data[124:], u32le(crc32.ChecksumIEEE(crcBuf)))
}

func recordBytes(id uint64, payload []byte) []byte {
	size := uint32(RecordHeaderSize + len(payload) + 4)
	buf := make([]byte, 0, size)
	buf = append(buf, u32le(recordMagic)...)
	buf = append(buf, u32le(size)...)
	buf = append(buf, u64le(id)...)
	buf = append(buf, u64le(0)...) // timestamp
	buf = append(buf, payload...)
	buf = append(buf, u32le(size)...)
	return buf
}

func TestParseChunkBasicRecord(t *testing.T) {
	rawNames, offsets := buildNameTable("Event")

	// The name table lives past the single record; BinXml name offsets
	// are always absolute within the chunk buffer, per name.go.
	namesBase := uint32(ChunkHeaderSize) + uint32(RecordHeaderSize+4) + 32
	eventNameOffset := namesBase + offsets[0]

	var payload []byte
	payload = append(payload, fragmentHeaderTok...)
	payload = append(payload, openStartElementTok(eventNameOffset, false, 0)...)
	payload = append(payload, closeEmptyTok...)
	payload = append(payload, eofTok...)

	rec := recordBytes(1, payload)

	data := make([]byte, ChunkSize)
	copy(data[ChunkHeaderSize:], rec)
	copy(data[namesBase:], rawNames)
	finalizeChunkHeader(data, namesBase+uint32(len(rawNames)))

	global := NewTemplateCache()
	result := parseChunk(0, data, global, log.NewHelper(nil))

	if result.Stats.BadSignature {
		t.Fatal("expected a valid chunk signature")
	}
	if len(result.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(result.Records))
	}
	if result.Records[0].RecordID != 1 {
		t.Errorf("got record id %d, want 1", result.Records[0].RecordID)
	}
	if got := result.Records[0].Root.Children[0].Name; got != "Event" {
		t.Errorf("got root child %q, want Event", got)
	}
}

func TestParseChunkBadSignature(t *testing.T) {
	data := make([]byte, ChunkSize)
	copy(data, "Nope")

	result := parseChunk(3, data, NewTemplateCache(), log.NewHelper(nil))
	if !result.Stats.BadSignature {
		t.Fatal("expected BadSignature to be set")
	}
	if len(result.Records) != 0 {
		t.Errorf("expected no records from an unparsable chunk")
	}

	merged := mergeStats([]*PartialStats{result.Stats})
	if merged.ChunksSkipped != 1 {
		t.Errorf("got ChunksSkipped %d, want 1", merged.ChunksSkipped)
	}
}

func TestParseChunkTemplatePointerPreseed(t *testing.T) {
	const defOffset = ChunkHeaderSize

	rawNames, offsets := buildNameTable("Event")
	namesBase := uint32(defOffset) + 256
	eventNameOffset := namesBase + offsets[0]

	var fragment []byte
	fragment = append(fragment, fragmentHeaderTok...)
	fragment = append(fragment, openStartElementTok(eventNameOffset, false, 0)...)
	fragment = append(fragment, closeEmptyTok...)
	fragment = append(fragment, eofTok...)

	id := uuid.New()
	defBody := templateDefBody(id, fragment)

	data := make([]byte, ChunkSize)
	copy(data[defOffset:], defBody)
	copy(data[namesBase:], rawNames)

	copy(data[384:], u32le(uint32(defOffset))) // TemplatePointers[0]
	finalizeChunkHeader(data, namesBase+uint32(len(rawNames)))

	global := NewTemplateCache()
	result := parseChunk(1, data, global, log.NewHelper(nil))

	if result.Stats.BadSignature {
		t.Fatal("expected a valid chunk signature")
	}
	if global.Len() != 1 {
		t.Errorf("got global cache len %d, want 1 after template pointer preseed", global.Len())
	}
	if len(result.Stats.Definitions) != 1 {
		t.Errorf("got %d tracked definitions, want 1", len(result.Stats.Definitions))
	}
}
