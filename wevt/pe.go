// Copyright 2026 The evtx-parser-sub002 Authors.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package wevt walks a PE image's resource directory to pull
// WEVT_TEMPLATE manifests and parses the CRIM/WEVT/TEMP blobs they
// carry into template blobs a parser cache can register by GUID.
package wevt

import (
	"encoding/binary"
	"errors"
)

// Errors returned while walking a PE image.
var (
	ErrNotPE             = errors.New("wevt: not a PE image (bad DOS/NT signature)")
	ErrNoResourceTable    = errors.New("wevt: image has no resource data directory")
	ErrNoWEVTResource     = errors.New("wevt: image has no WEVT_TEMPLATE resource")
	ErrBadCRIMSignature   = errors.New("wevt: blob does not start with CRIM")
	ErrBadWEVTSignature   = errors.New("wevt: provider entry does not point at a WEVT block")
	ErrBadTEMPSignature   = errors.New("wevt: WEVT block does not point at a TEMP block")
)

const (
	imageDOSSignature = 0x5A4D // "MZ"
	imageNTSignature  = 0x00004550
	resourceDirIndex  = 2 // IMAGE_DIRECTORY_ENTRY_RESOURCE
)

// imageSection is the handful of IMAGE_SECTION_HEADER fields needed to
// translate an RVA to a file offset, trimmed from the teacher's
// section.go (full characteristics/entropy fields dropped: this
// package never reports section metadata, only uses it for RVA math).
type imageSection struct {
	virtualAddress   uint32
	virtualSize      uint32
	pointerToRawData uint32
}

// peImage is a minimal read-only view over a PE image: just enough of
// the DOS header, NT header and section table to locate the resource
// data directory and translate RVAs, trimmed from the teacher's
// File/ImageDOSHeader/ImageNtHeader/ImageSectionHeader trio.
type peImage struct {
	data        []byte
	resourceRVA uint32
	resourceLen uint32
	sections    []imageSection
}

func readU16(data []byte, off uint32) (uint16, bool) {
	if uint64(off)+2 > uint64(len(data)) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(data[off:]), true
}

func readU32(data []byte, off uint32) (uint32, bool) {
	if uint64(off)+4 > uint64(len(data)) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(data[off:]), true
}

// newPEImage parses just enough of data's headers to find the resource
// data directory and section table.
func newPEImage(data []byte) (*peImage, error) {
	magic, ok := readU16(data, 0)
	if !ok || magic != imageDOSSignature {
		return nil, ErrNotPE
	}
	elfanew, ok := readU32(data, 0x3C)
	if !ok {
		return nil, ErrNotPE
	}
	ntSig, ok := readU32(data, elfanew)
	if !ok || ntSig != imageNTSignature {
		return nil, ErrNotPE
	}

	fileHeaderOffset := elfanew + 4
	numberOfSections, ok := readU16(data, fileHeaderOffset+2)
	if !ok {
		return nil, ErrNotPE
	}
	sizeOfOptionalHeader, ok := readU16(data, fileHeaderOffset+16)
	if !ok {
		return nil, ErrNotPE
	}
	optionalHeaderOffset := fileHeaderOffset + 20

	magic16, ok := readU16(data, optionalHeaderOffset)
	if !ok {
		return nil, ErrNotPE
	}
	// PE32 (0x10b) data directories start at +96, PE32+ (0x20b) at +112.
	var dataDirOffset uint32
	switch magic16 {
	case 0x10b:
		dataDirOffset = optionalHeaderOffset + 96
	case 0x20b:
		dataDirOffset = optionalHeaderOffset + 112
	default:
		return nil, ErrNotPE
	}

	resourceEntryOffset := dataDirOffset + uint32(resourceDirIndex)*8
	resourceRVA, _ := readU32(data, resourceEntryOffset)
	resourceSize, _ := readU32(data, resourceEntryOffset+4)

	sectionTableOffset := optionalHeaderOffset + uint32(sizeOfOptionalHeader)
	sections := make([]imageSection, 0, numberOfSections)
	for i := uint16(0); i < numberOfSections; i++ {
		base := sectionTableOffset + uint32(i)*40
		if uint64(base)+40 > uint64(len(data)) {
			break
		}
		vsize, _ := readU32(data, base+8)
		vaddr, _ := readU32(data, base+12)
		praw, _ := readU32(data, base+20)
		sections = append(sections, imageSection{virtualAddress: vaddr, virtualSize: vsize, pointerToRawData: praw})
	}

	return &peImage{data: data, resourceRVA: resourceRVA, resourceLen: resourceSize, sections: sections}, nil
}

// offsetFromRVA mirrors the teacher's GetOffsetFromRva: find the
// section containing rva and translate via its virtual/raw addresses,
// falling back to treating rva as a raw offset when no section claims it.
func (img *peImage) offsetFromRVA(rva uint32) uint32 {
	for _, s := range img.sections {
		if rva >= s.virtualAddress && rva < s.virtualAddress+s.virtualSize {
			return rva - s.virtualAddress + s.pointerToRawData
		}
	}
	return rva
}
