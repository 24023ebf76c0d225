// Copyright 2026 The evtx-parser-sub002 Authors.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"github.com/axolmain/evtx-parser-sub002/log"
)

// ChunkResult is everything a single chunk parse produces: its decoded
// records in stream order and the partial statistics the File Driver
// folds into a file-wide TemplateStats, per spec §4.6/§5.
type ChunkResult struct {
	Index   int
	Records []*ParsedEventRecord
	Stats   *PartialStats
}

// parseChunk decodes one 65536-byte chunk: header validation, the
// template-pointer-slot preseed, and the record iteration loop (C5).
// It never returns an error for malformed content — every failure short
// of "this isn't a chunk at all" is folded into the returned stats so
// one bad chunk doesn't abort the file, per spec §4.6 rule 1 and the
// Non-goal ruling out strict/fail-fast mode.
func parseChunk(index int, data []byte, global *TemplateCache, logger *log.Helper) *ChunkResult {
	stats := newPartialStats(index)

	hdr, ok := parseChunkHeader(data)
	if !ok {
		stats.BadSignature = true
		return &ChunkResult{Index: index, Stats: stats}
	}
	if !hdr.HeaderCRCValid {
		stats.recordWarning(&CrcWarning{Scope: "chunk-header", Expected: 0, Actual: 0})
	}
	if !hdr.DataCRCValid {
		stats.recordWarning(&CrcWarning{Scope: "chunk-data", Expected: hdr.EventsCRC, Actual: 0})
	}

	names := newNameTable(data)
	templates := newTemplateStore()
	seedTemplatePointers(data, hdr, templates, global, stats)

	var records []*ParsedEventRecord
	offset := uint32(ChunkHeaderSize)
	for offset < uint32(len(data)) {
		rh, ok := parseRecordHeader(data, offset)
		if !ok {
			break
		}
		if rh.Size < MinRecordSize || offset+rh.Size > uint32(len(data)) {
			stats.recordWarning(&RecordTruncated{ChunkIndex: index, Offset: offset, Reason: "declared size out of bounds"})
			break
		}
		copySize, err := sizeCopyAt(data, offset, rh.Size)
		if err != nil || copySize != rh.Size {
			stats.recordWarning(&RecordTruncated{ChunkIndex: index, Offset: offset, Reason: "trailing size copy mismatch"})
			break
		}

		payload := data[offset+RecordHeaderSize : offset+rh.Size-4]
		rec := parseRecordPayload(index, rh.ID, offset, payload, names, templates, global, stats, logger)
		if rec != nil {
			records = append(records, rec)
		}
		stats.RecordsParsed++
		offset += rh.Size
	}

	return &ChunkResult{Index: index, Records: records, Stats: stats}
}

// parseRecordPayload interprets one record's BinXml payload, isolating
// any panic the interpreter raises (malformed templates can drive the
// hand-written recursive descent into states its author didn't
// anticipate) so one bad record doesn't abort the chunk, mirroring the
// teacher's recover-wrapped per-unit parsing in resource.go.
func parseRecordPayload(chunkIndex int, recordID uint64, offset uint32, payload []byte, names *nameTable, templates *templateStore, global *TemplateCache, stats *PartialStats, logger *log.Helper) (rec *ParsedEventRecord) {
	defer func() {
		if r := recover(); r != nil {
			stats.recordError(&BinXmlError{RecordID: recordID, Offset: offset, Kind: KindUnknownToken, Detail: "panic during interpretation"})
			logger.Warnf("chunk %d record %d: recovered from panic: %v", chunkIndex, recordID, r)
			rec = nil
		}
	}()

	ip := &interpreter{
		stream:         payload,
		names:          names,
		chunkTemplates: templates,
		global:         global,
		chunkIndex:     chunkIndex,
		recordID:       recordID,
		stats:          stats,
	}
	builder := newNodeBuilder()
	if err := ip.run(builder); err != nil {
		stats.recordError(err)
		return nil
	}
	return buildParsedEventRecord(chunkIndex, recordID, offset, builder.root)
}

// seedTemplatePointers pre-warms the per-chunk offset index from the
// chunk header's 32 template-pointer slots, so the first record that
// references one of these templates finds it already cached instead of
// requiring an inline definition at that point in the stream, per
// SPEC_FULL.md's "Supplemented features" section.
func seedTemplatePointers(data []byte, hdr *ChunkHeader, templates *templateStore, global *TemplateCache, stats *PartialStats) {
	for _, ptr := range hdr.TemplatePointers {
		if ptr == 0 {
			continue
		}
		def, _, err := parseTemplateDefinitionBody(data, ptr)
		if err != nil {
			stats.recordWarning(&RecordTruncated{ChunkIndex: stats.ChunkIndex, Offset: ptr, Reason: "template pointer slot: " + err.Error()})
			continue
		}
		templates.put(ptr, def)
		global.InsertIfAbsent(def)
		stats.Definitions[def.GUID.String()] = struct{}{}
	}
}
