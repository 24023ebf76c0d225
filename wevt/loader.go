// Copyright 2026 The evtx-parser-sub002 Authors.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package wevt

import (
	"os"
	"path/filepath"

	evtx "github.com/axolmain/evtx-parser-sub002"
)

// ExtractWEVT walks peBytes' DOS/NT headers to the resource directory
// and returns the raw WEVT_TEMPLATE resource data, per spec §4.7's
// extract_wevt operation.
func ExtractWEVT(peBytes []byte) ([]byte, error) {
	img, err := newPEImage(peBytes)
	if err != nil {
		return nil, err
	}
	return img.findWEVTTemplateData()
}

// LoadFile extracts and parses one PE file's WEVT_TEMPLATE resource,
// registering every template blob it contains into cache. It returns
// the number of blobs that were newly inserted (first-wins; duplicates
// already present in cache don't count).
func LoadFile(path string, cache *evtx.TemplateCache) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	wevtData, err := ExtractWEVT(data)
	if err != nil {
		return 0, err
	}
	blobs, err := ParseCRIM(wevtData)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, b := range blobs {
		def := &evtx.TemplateDefinition{GUID: b.GUID, DataSize: uint32(len(b.Bytes)), Fragment: b.Bytes}
		if cache.InsertIfAbsent(def) {
			inserted++
		}
	}
	return inserted, nil
}

// LoadDir walks dir non-recursively and loads every *.dll/*.exe/*.sys file it
// finds via LoadFile, per spec §4.7's load_dir(path) -> count operation.
// Files that aren't PE images, or have no WEVT_TEMPLATE resource, are
// skipped rather than treated as an error — most binaries in a system
// directory carry no event manifest at all.
func LoadDir(dir string, cache *evtx.TemplateCache) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".dll" && ext != ".exe" && ext != ".sys" {
			continue
		}
		n, err := LoadFile(filepath.Join(dir, e.Name()), cache)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}
