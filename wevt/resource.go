// Copyright 2026 The evtx-parser-sub002 Authors.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package wevt

const wevtTemplateTypeName = "WEVT_TEMPLATE"

// resourceDirectoryEntry mirrors IMAGE_RESOURCE_DIRECTORY_ENTRY: Name
// is either a numeric ID or, when its high bit is set, an offset (from
// the resource section base) to a length-prefixed UTF-16 string.
type resourceDirectoryEntry struct {
	name         uint32
	offsetToData uint32
}

// findWEVTTemplateData walks the three-level resource directory (type
// -> name -> language) looking for the "WEVT_TEMPLATE" type name, per
// spec §4.7's "locate the resource type named WEVT_TEMPLATE (type
// name, not id)". Adapted from the teacher's doParseResourceDirectory
// (resource.go): same named-vs-id entry branch and the same
// visited-RVA anti-cycle guard, restricted to the one path this
// package actually needs instead of building a generic resource tree.
func (img *peImage) findWEVTTemplateData() ([]byte, error) {
	if img.resourceRVA == 0 {
		return nil, ErrNoResourceTable
	}
	baseOffset := img.offsetFromRVA(img.resourceRVA)

	typeDirOffset, visited := baseOffset, map[uint32]bool{baseOffset: true}
	entries, err := img.readDirectoryEntries(typeDirOffset)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if e.name&0x80000000 == 0 {
			continue // only the named type we care about is string-identified
		}
		name, err := img.readDirectoryEntryName(baseOffset, e.name&0x7FFFFFFF)
		if err != nil || name != wevtTemplateTypeName {
			continue
		}
		if e.offsetToData&0x80000000 == 0 {
			continue // a WEVT_TEMPLATE type entry should point at a subdirectory
		}
		nameDirOffset := baseOffset + e.offsetToData&0x7FFFFFFF
		if visited[nameDirOffset] {
			continue
		}
		visited[nameDirOffset] = true
		return img.descendToLanguageLeaf(baseOffset, nameDirOffset, visited)
	}
	return nil, ErrNoWEVTResource
}

// descendToLanguageLeaf walks the name-level directory down to its
// first language leaf and returns that leaf's data slice.
func (img *peImage) descendToLanguageLeaf(baseOffset, dirOffset uint32, visited map[uint32]bool) ([]byte, error) {
	entries, err := img.readDirectoryEntries(dirOffset)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		target := baseOffset + e.offsetToData&0x7FFFFFFF
		if e.offsetToData&0x80000000 != 0 {
			if visited[target] {
				continue
			}
			visited[target] = true
			if data, err := img.descendToLanguageLeaf(baseOffset, target, visited); err == nil {
				return data, nil
			}
			continue
		}
		return img.readResourceDataEntry(target)
	}
	return nil, ErrNoWEVTResource
}

// readDirectoryEntries reads IMAGE_RESOURCE_DIRECTORY's header counts
// and the NumberOfNamedEntries+NumberOfIDEntries entries that follow it.
func (img *peImage) readDirectoryEntries(dirOffset uint32) ([]resourceDirectoryEntry, error) {
	namedCount, ok := readU16(img.data, dirOffset+12)
	if !ok {
		return nil, ErrNoResourceTable
	}
	idCount, ok := readU16(img.data, dirOffset+14)
	if !ok {
		return nil, ErrNoResourceTable
	}
	total := int(namedCount) + int(idCount)

	entries := make([]resourceDirectoryEntry, 0, total)
	base := dirOffset + 16
	for i := 0; i < total; i++ {
		name, ok1 := readU32(img.data, base+uint32(i)*8)
		offset, ok2 := readU32(img.data, base+uint32(i)*8+4)
		if !ok1 || !ok2 {
			break
		}
		entries = append(entries, resourceDirectoryEntry{name: name, offsetToData: offset})
	}
	return entries, nil
}

// readDirectoryEntryName reads a length-prefixed UTF-16LE resource name
// at baseOffset+nameOffset.
func (img *peImage) readDirectoryEntryName(baseOffset, nameOffset uint32) (string, error) {
	length, ok := readU16(img.data, baseOffset+nameOffset)
	if !ok {
		return "", ErrNoResourceTable
	}
	start := baseOffset + nameOffset + 2
	end := uint64(start) + uint64(length)*2
	if end > uint64(len(img.data)) {
		return "", ErrNoResourceTable
	}
	raw := img.data[start:uint32(end)]
	out := make([]byte, 0, length)
	for i := 0; i+1 < len(raw); i += 2 {
		out = append(out, raw[i])
	}
	return string(out), nil
}

// readResourceDataEntry reads IMAGE_RESOURCE_DATA_ENTRY at offset and
// returns the raw bytes it describes.
func (img *peImage) readResourceDataEntry(offset uint32) ([]byte, error) {
	dataRVA, ok := readU32(img.data, offset)
	if !ok {
		return nil, ErrNoResourceTable
	}
	size, ok := readU32(img.data, offset+4)
	if !ok {
		return nil, ErrNoResourceTable
	}
	fileOffset := img.offsetFromRVA(dataRVA)
	if uint64(fileOffset)+uint64(size) > uint64(len(img.data)) {
		return nil, ErrNoResourceTable
	}
	return img.data[fileOffset : fileOffset+size], nil
}
