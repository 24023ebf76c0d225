// Copyright 2026 The evtx-parser-sub002 Authors.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

// PartialStats is produced by a single chunk parse and merged
// sequentially by the File Driver, per spec §4.6/§5. Definitions uses
// first-seen-GUID-wins semantics on merge; all counters sum.
type PartialStats struct {
	ChunkIndex        int
	Definitions       map[string]struct{} // GUIDs observed in this chunk
	References        int
	MissingReferences int
	ParseErrors       int
	Warnings          []error
	BadSignature      bool
	RecordsParsed     int
}

func newPartialStats(chunkIndex int) *PartialStats {
	return &PartialStats{
		ChunkIndex:  chunkIndex,
		Definitions: make(map[string]struct{}),
	}
}

func (p *PartialStats) recordWarning(err error) {
	p.Warnings = append(p.Warnings, err)
}

func (p *PartialStats) recordError(err error) {
	p.ParseErrors++
	p.Warnings = append(p.Warnings, err)
}

// TemplateStats is the merged, file-level view of PartialStats.
type TemplateStats struct {
	DefinitionCount   int
	ReferenceCount    int
	MissingReferences int
	ParseErrors       int
	ChunksSkipped     int
	Warnings          []error
}

// mergeStats folds parts (already in ascending chunk-index order) into
// a single TemplateStats using first-wins GUID-set union and summed
// counters, per spec §5/§8.
func mergeStats(parts []*PartialStats) TemplateStats {
	seen := make(map[string]struct{})
	var out TemplateStats
	for _, p := range parts {
		if p == nil {
			continue
		}
		if p.BadSignature {
			out.ChunksSkipped++
		}
		for guid := range p.Definitions {
			if _, ok := seen[guid]; !ok {
				seen[guid] = struct{}{}
				out.DefinitionCount++
			}
		}
		out.ReferenceCount += p.References
		out.MissingReferences += p.MissingReferences
		out.ParseErrors += p.ParseErrors
		out.Warnings = append(out.Warnings, p.Warnings...)
	}
	return out
}
