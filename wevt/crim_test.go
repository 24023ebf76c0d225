// Copyright 2026 The evtx-parser-sub002 Authors.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package wevt

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
)

func w16(v uint16) []byte { b := make([]byte, 2); binary.LittleEndian.PutUint16(b, v); return b }
func w32(v uint32) []byte { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); return b }

// buildCRIMBlob assembles a single-provider, single-template CRIM/WEVT/TEMP
// blob per the wire layout documented in crim.go.
func buildCRIMBlob(id uuid.UUID, fragment []byte) []byte {
	guidBytes, _ := id.MarshalBinary()

	tempEntry := append(append([]byte{}, guidBytes...), w32(uint32(len(fragment)))...)
	tempEntry = append(tempEntry, fragment...)

	tempBlock := append([]byte("TEMP"), w32(0)...)
	tempBlock = append(tempBlock, w32(1)...) // numTemplates
	tempBlock = append(tempBlock, w32(16)...) // entryOffset, relative to TEMP start
	tempBlock = append(tempBlock, tempEntry...)

	const wevtHeaderLen = 16
	wevtBlockOffset := uint32(16 + 20) // crim header + one provider entry
	tempBlockOffset := wevtBlockOffset + wevtHeaderLen + 4

	wevtBlock := append([]byte("WEVT"), w32(0)...)
	wevtBlock = append(wevtBlock, w32(0)...) // messageTableOffset
	wevtBlock = append(wevtBlock, w32(0)...) // numDescriptors
	wevtBlock = append(wevtBlock, w32(tempBlockOffset)...)

	providerEntry := append(append([]byte{}, guidBytes...), w32(wevtBlockOffset)...)

	crimHeader := append([]byte("CRIM"), w32(0)...)
	crimHeader = append(crimHeader, w16(1)...) // major
	crimHeader = append(crimHeader, w16(0)...) // minor
	crimHeader = append(crimHeader, w32(1)...) // numProviders

	blob := append(crimHeader, providerEntry...)
	blob = append(blob, wevtBlock...)
	blob = append(blob, tempBlock...)
	return blob
}

func TestParseCRIMRoundTrip(t *testing.T) {
	id := uuid.New()
	fragment := []byte("fragment-bytes")
	blob := buildCRIMBlob(id, fragment)

	blobs, err := ParseCRIM(blob)
	if err != nil {
		t.Fatalf("ParseCRIM: %v", err)
	}
	if len(blobs) != 1 {
		t.Fatalf("got %d blobs, want 1", len(blobs))
	}
	if blobs[0].GUID != id {
		t.Errorf("got GUID %s, want %s", blobs[0].GUID, id)
	}
	if string(blobs[0].Bytes) != string(fragment) {
		t.Errorf("got fragment %q, want %q", blobs[0].Bytes, fragment)
	}
}

func TestParseCRIMBadSignature(t *testing.T) {
	if _, err := ParseCRIM([]byte("NOPE0000000000000000")); err != ErrBadCRIMSignature {
		t.Fatalf("got %v, want ErrBadCRIMSignature", err)
	}
}

func TestParseCRIMTooShort(t *testing.T) {
	if _, err := ParseCRIM([]byte("CRIM")); err != ErrBadCRIMSignature {
		t.Fatalf("got %v, want ErrBadCRIMSignature", err)
	}
}
