// Copyright 2026 The evtx-parser-sub002 Authors.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"sync"

	"github.com/google/uuid"
)

// TemplateDefinition is a compiled BinXml fragment with holes, cached
// by GUID (process-wide) and by chunk-relative offset (per chunk), per
// spec §3/§4.4. Fragment is copied out of the file image so the cache
// entry outlives the mmap'd image, per spec §9's arena-independence
// guidance.
type TemplateDefinition struct {
	GUID                 uuid.UUID
	DataSize             uint32
	Fragment             []byte
	NextDefinitionOffset uint32
}

// SubstitutionDescriptor is one entry of a TemplateInstance's
// substitution array: [size:u16][type:u8][reserved:u8].
type SubstitutionDescriptor struct {
	Size     uint16
	Type     ValueType
	Reserved byte
}

// TemplateInstance binds a TemplateDefinition to a concrete array of
// substitution values for one occurrence in the record stream.
type TemplateInstance struct {
	DefOffset   uint32
	GUID        uuid.UUID
	Descriptors []SubstitutionDescriptor
	Values      []Value
}

// templateStore is the per-chunk offset→TemplateDefinition index. It is
// owned by a single chunk parse (spec §4.4: "thread-local to a chunk")
// and seeded from the chunk header's 32 template-pointer slots before
// the first record is parsed (SPEC_FULL.md §"Supplemented features").
type templateStore struct {
	byOffset map[uint32]*TemplateDefinition
}

func newTemplateStore() *templateStore {
	return &templateStore{byOffset: make(map[uint32]*TemplateDefinition)}
}

func (s *templateStore) get(offset uint32) (*TemplateDefinition, bool) {
	d, ok := s.byOffset[offset]
	return d, ok
}

func (s *templateStore) put(offset uint32, def *TemplateDefinition) {
	s.byOffset[offset] = def
}

// parseTemplateDefinitionBody reads the wire layout
// [next_def_offset:u32][guid:16][data_size:u32][fragment bytes] from
// data at offset, returning the decoded definition and the number of
// bytes consumed. Used both for inline definitions encountered in a
// record's token stream and for the chunk header's template-pointer
// preseed (SPEC_FULL.md §"Supplemented features").
func parseTemplateDefinitionBody(data []byte, offset uint32) (*TemplateDefinition, uint32, error) {
	c := cursor{data: data}
	next, err := c.readUint32(offset)
	if err != nil {
		return nil, 0, err
	}
	guidBytes, err := c.readBytesAt(offset+4, 16)
	if err != nil {
		return nil, 0, err
	}
	id, err := uuid.FromBytes(guidBytes)
	if err != nil {
		return nil, 0, err
	}
	dataSize, err := c.readUint32(offset + 20)
	if err != nil {
		return nil, 0, err
	}
	fragment, err := c.readBytesAt(offset+24, dataSize)
	if err != nil {
		return nil, 0, err
	}
	frag := make([]byte, len(fragment))
	copy(frag, fragment)
	return &TemplateDefinition{
		GUID:                 id,
		DataSize:             dataSize,
		Fragment:             frag,
		NextDefinitionOffset: next,
	}, 24 + dataSize, nil
}

// peekTemplateHeader reads a template definition's header —
// [next_def_offset:u32][guid:16] and, if present, [data_size:u32] — at
// offset, without requiring the declared fragment bytes to actually follow.
// A TemplateInstance whose declared fragment doesn't fit in the stream is
// treated as a GUID-only reference: the fragment is never written, and the
// reader is expected to resolve it from the process-wide TemplateCache
// instead. The returned length is the number of header bytes actually
// verified present (20 or 24), which is exactly what such a reference
// consumes from the stream.
func peekTemplateHeader(data []byte, offset uint32) (uuid.UUID, uint32, error) {
	c := cursor{data: data}
	if _, err := c.readUint32(offset); err != nil {
		return uuid.UUID{}, 0, err
	}
	guidBytes, err := c.readBytesAt(offset+4, 16)
	if err != nil {
		return uuid.UUID{}, 0, err
	}
	id, err := uuid.FromBytes(guidBytes)
	if err != nil {
		return uuid.UUID{}, 0, err
	}
	if _, err := c.readUint32(offset + 20); err != nil {
		return id, 20, nil
	}
	return id, 24, nil
}

// shardCount is the number of stripes in the process-wide GUID cache.
// A small power of two keeps contention low without over-allocating
// for files with only a handful of distinct providers.
const shardCount = 32

// TemplateCache is the process-wide by-GUID template cache, shared by
// every worker and optionally preseeded by the WEVT Manifest Loader
// (C7). It is sharded by GUID hash for cheap concurrent reads and
// first-wins concurrent writes, per spec §5/§9.
type TemplateCache struct {
	shards [shardCount]templateShard
}

type templateShard struct {
	mu   sync.RWMutex
	defs map[uuid.UUID]*TemplateDefinition
}

// NewTemplateCache returns an empty, ready-to-use cache.
func NewTemplateCache() *TemplateCache {
	c := &TemplateCache{}
	for i := range c.shards {
		c.shards[i].defs = make(map[uuid.UUID]*TemplateDefinition)
	}
	return c
}

func (c *TemplateCache) shardFor(id uuid.UUID) *templateShard {
	var h uint32
	for _, b := range id {
		h = h*31 + uint32(b)
	}
	return &c.shards[h%shardCount]
}

// Lookup returns the definition registered for guid, if any.
func (c *TemplateCache) Lookup(guid uuid.UUID) (*TemplateDefinition, bool) {
	shard := c.shardFor(guid)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	d, ok := shard.defs[guid]
	return d, ok
}

// InsertIfAbsent registers def under its GUID if no definition is
// already present, returning whether the insert took place (first-wins
// semantics, per spec §4.4/§8).
func (c *TemplateCache) InsertIfAbsent(def *TemplateDefinition) bool {
	shard := c.shardFor(def.GUID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, exists := shard.defs[def.GUID]; exists {
		return false
	}
	shard.defs[def.GUID] = def
	return true
}

// Len returns the total number of distinct GUIDs registered.
func (c *TemplateCache) Len() int {
	n := 0
	for i := range c.shards {
		c.shards[i].mu.RLock()
		n += len(c.shards[i].defs)
		c.shards[i].mu.RUnlock()
	}
	return n
}
