// Copyright 2026 The evtx-parser-sub002 Authors.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"testing"

	"github.com/google/uuid"
)

func buildNameTable(names ...string) (data []byte, offsets []uint32) {
	offsets = make([]uint32, len(names))
	for i, s := range names {
		offsets[i] = uint32(len(data))
		rec := make([]byte, 8+len(s)*2)
		copy(rec[6:], u16le(uint16(len(s))))
		copy(rec[8:], utf16leString(s)[:len(s)*2])
		data = append(data, rec...)
	}
	return
}

var (
	fragmentHeaderTok  = []byte{0x0F, 0, 0, 0}
	closeStartTok      = []byte{0x02}
	closeEmptyTok      = []byte{0x03}
	endElementTok      = []byte{0x04}
	eofTok             = []byte{0x00}
)

func openStartElementTok(nameOffset uint32, hasAttrs bool, attrListSize uint32) []byte {
	tok := byte(0x01)
	if hasAttrs {
		tok |= tokMoreFlag
	}
	buf := []byte{tok}
	buf = append(buf, u16le(0xFFFF)...)
	buf = append(buf, u32le(0)...)
	buf = append(buf, u32le(nameOffset)...)
	if hasAttrs {
		buf = append(buf, u32le(attrListSize)...)
	}
	return buf
}

func attributeTok(nameOffset uint32, value []byte) []byte {
	buf := []byte{0x06}
	buf = append(buf, u32le(nameOffset)...)
	return append(buf, value...)
}

func valueTok(vt ValueType, raw []byte) []byte {
	buf := []byte{0x05, byte(vt)}
	buf = append(buf, u16le(uint16(len(raw)))...)
	return append(buf, raw...)
}

func substitutionTok(optional bool, subID uint16, declaredType ValueType) []byte {
	tok := byte(0x0D)
	if optional {
		tok = 0x0E
	}
	buf := []byte{tok}
	buf = append(buf, u16le(subID)...)
	return append(buf, byte(declaredType))
}

func templateDefBody(id uuid.UUID, fragment []byte) []byte {
	g, _ := id.MarshalBinary()
	buf := u32le(0)
	buf = append(buf, g...)
	buf = append(buf, u32le(uint32(len(fragment)))...)
	return append(buf, fragment...)
}

func substitutionBlock(descs []SubstitutionDescriptor, values [][]byte) []byte {
	buf := u32le(uint32(len(descs)))
	for _, d := range descs {
		buf = append(buf, u16le(d.Size)...)
		buf = append(buf, byte(d.Type), d.Reserved)
	}
	for _, v := range values {
		buf = append(buf, v...)
	}
	return buf
}

func templateInstanceTok(defOffset uint32, def, subBlock []byte) []byte {
	buf := []byte{0x0C, 0x01}
	buf = append(buf, u32le(defOffset)...)
	buf = append(buf, def...)
	return append(buf, subBlock...)
}

func newTestInterpreter(stream, names []byte) *interpreter {
	return &interpreter{
		stream:         stream,
		names:          newNameTable(names),
		chunkTemplates: newTemplateStore(),
		global:         NewTemplateCache(),
		stats:          newPartialStats(0),
	}
}

func TestInterpretSimpleElementWithText(t *testing.T) {
	names, offsets := buildNameTable("Event")

	var payload []byte
	payload = append(payload, fragmentHeaderTok...)
	payload = append(payload, openStartElementTok(offsets[0], false, 0)...)
	payload = append(payload, closeStartTok...)
	payload = append(payload, valueTok(TypeString, utf16leString("hi"))...)
	payload = append(payload, endElementTok...)
	payload = append(payload, eofTok...)

	ip := newTestInterpreter(payload, names)
	builder := newNodeBuilder()
	if err := ip.run(builder); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(builder.root.Children) != 1 {
		t.Fatalf("got %d root children, want 1", len(builder.root.Children))
	}
	event := builder.root.Children[0]
	if event.Name != "Event" {
		t.Errorf("got name %q, want Event", event.Name)
	}
	if event.Text.String() != "hi" {
		t.Errorf("got text %q, want hi", event.Text.String())
	}
}

func TestInterpretSelfClosingElementWithAttribute(t *testing.T) {
	names, offsets := buildNameTable("Provider", "Name")

	var payload []byte
	payload = append(payload, fragmentHeaderTok...)
	payload = append(payload, openStartElementTok(offsets[0], true, 0)...)
	payload = append(payload, attributeTok(offsets[1], valueTok(TypeString, utf16leString("svc")))...)
	payload = append(payload, closeEmptyTok...)
	payload = append(payload, eofTok...)

	ip := newTestInterpreter(payload, names)
	builder := newNodeBuilder()
	if err := ip.run(builder); err != nil {
		t.Fatalf("run: %v", err)
	}

	provider := builder.root.Children[0]
	if provider.Name != "Provider" {
		t.Fatalf("got name %q, want Provider", provider.Name)
	}
	if len(provider.Children) != 0 {
		t.Errorf("expected no children on a self-closing element")
	}
	if len(provider.Attrs) != 1 || provider.Attrs[0].Name != "Name" || provider.Attrs[0].Value != "svc" {
		t.Fatalf("got attrs %+v", provider.Attrs)
	}

	rec := &ParsedEventRecord{Root: builder.root}
	got := rec.RenderXML()
	want := `<Provider Name="svc"/>`
	if got != want {
		t.Errorf("got XML %q, want %q", got, want)
	}
}

func TestInterpretTemplateInstanceSubstitution(t *testing.T) {
	names, offsets := buildNameTable("Event")

	var innerFragment []byte
	innerFragment = append(innerFragment, fragmentHeaderTok...)
	innerFragment = append(innerFragment, openStartElementTok(offsets[0], false, 0)...)
	innerFragment = append(innerFragment, closeStartTok...)
	innerFragment = append(innerFragment, substitutionTok(false, 0, TypeString)...)
	innerFragment = append(innerFragment, endElementTok...)
	innerFragment = append(innerFragment, eofTok...)

	id := uuid.New()
	defBody := templateDefBody(id, innerFragment)

	valueRaw := utf16leString("hello")
	descs := []SubstitutionDescriptor{{Size: uint16(len(valueRaw)), Type: TypeString}}
	subBlock := substitutionBlock(descs, [][]byte{valueRaw})

	var payload []byte
	payload = append(payload, fragmentHeaderTok...)
	payload = append(payload, templateInstanceTok(1000, defBody, subBlock)...)
	payload = append(payload, eofTok...)

	ip := newTestInterpreter(payload, names)
	builder := newNodeBuilder()
	if err := ip.run(builder); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(builder.root.Children) != 1 {
		t.Fatalf("got %d root children, want 1", len(builder.root.Children))
	}
	event := builder.root.Children[0]
	if event.Name != "Event" {
		t.Errorf("got name %q, want Event", event.Name)
	}
	if event.Text.String() != "hello" {
		t.Errorf("got text %q, want hello", event.Text.String())
	}

	if _, ok := ip.chunkTemplates.get(1000); !ok {
		t.Error("expected the template definition to be cached by its chunk-relative offset")
	}
	if ip.global.Len() != 1 {
		t.Errorf("got global cache len %d, want 1", ip.global.Len())
	}
}

// TestInterpretContentPositionBinXmlSubstitutionPreservesElements guards
// against flattening a nested BinXml substitution to text when it occurs in
// content position: the child <Inner> element must survive as a real node,
// not get collapsed into its parent's text.
func TestInterpretContentPositionBinXmlSubstitutionPreservesElements(t *testing.T) {
	names, offsets := buildNameTable("Event", "Inner")

	var nestedFragment []byte
	nestedFragment = append(nestedFragment, fragmentHeaderTok...)
	nestedFragment = append(nestedFragment, openStartElementTok(offsets[1], false, 0)...)
	nestedFragment = append(nestedFragment, closeStartTok...)
	nestedFragment = append(nestedFragment, valueTok(TypeString, utf16leString("nested"))...)
	nestedFragment = append(nestedFragment, endElementTok...)
	nestedFragment = append(nestedFragment, eofTok...)

	id := uuid.New()
	var innerFragment []byte
	innerFragment = append(innerFragment, fragmentHeaderTok...)
	innerFragment = append(innerFragment, openStartElementTok(offsets[0], false, 0)...)
	innerFragment = append(innerFragment, closeStartTok...)
	innerFragment = append(innerFragment, substitutionTok(false, 0, TypeBinXml)...)
	innerFragment = append(innerFragment, endElementTok...)
	innerFragment = append(innerFragment, eofTok...)
	defBody := templateDefBody(id, innerFragment)

	descs := []SubstitutionDescriptor{{Size: uint16(len(nestedFragment)), Type: TypeBinXml}}
	subBlock := substitutionBlock(descs, [][]byte{nestedFragment})

	var payload []byte
	payload = append(payload, fragmentHeaderTok...)
	payload = append(payload, templateInstanceTok(1000, defBody, subBlock)...)
	payload = append(payload, eofTok...)

	ip := newTestInterpreter(payload, names)
	builder := newNodeBuilder()
	if err := ip.run(builder); err != nil {
		t.Fatalf("run: %v", err)
	}

	event := builder.root.Children[0]
	if event.Name != "Event" {
		t.Fatalf("got name %q, want Event", event.Name)
	}
	if len(event.Children) != 1 {
		t.Fatalf("got %d children on Event, want 1 (the nested BinXml substitution flattened its element away)", len(event.Children))
	}
	inner := event.Children[0]
	if inner.Name != "Inner" {
		t.Fatalf("got child name %q, want Inner", inner.Name)
	}
	if inner.Text.String() != "nested" {
		t.Errorf("got inner text %q, want nested", inner.Text.String())
	}
}

// TestInterpretTemplateInstanceTruncatedFragmentResolvesFromGlobalCache
// covers the fallback path: a TemplateInstance whose inline definition body
// is truncated (its declared fragment doesn't fit) still resolves if the
// same GUID is already registered in the process-wide cache, e.g. by the
// WEVT manifest loader.
func TestInterpretTemplateInstanceTruncatedFragmentResolvesFromGlobalCache(t *testing.T) {
	names, offsets := buildNameTable("Event")

	var knownFragment []byte
	knownFragment = append(knownFragment, fragmentHeaderTok...)
	knownFragment = append(knownFragment, openStartElementTok(offsets[0], false, 0)...)
	knownFragment = append(knownFragment, closeEmptyTok...)
	knownFragment = append(knownFragment, eofTok...)

	id := uuid.New()
	known := &TemplateDefinition{GUID: id, Fragment: knownFragment}

	// Build an inline definition header (next_def_offset+guid+data_size)
	// that claims a fragment far longer than what actually follows it.
	g, _ := id.MarshalBinary()
	truncatedDef := u32le(0)
	truncatedDef = append(truncatedDef, g...)
	truncatedDef = append(truncatedDef, u32le(9000)...) // declared data_size, nowhere near available

	noSubs := substitutionBlock(nil, nil)

	var payload []byte
	payload = append(payload, fragmentHeaderTok...)
	payload = append(payload, []byte{0x0C, 0x01}...)
	payload = append(payload, u32le(3000)...)
	payload = append(payload, truncatedDef...)
	payload = append(payload, noSubs...)
	payload = append(payload, eofTok...)

	ip := newTestInterpreter(payload, names)
	ip.global.InsertIfAbsent(known)

	builder := newNodeBuilder()
	if err := ip.run(builder); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(builder.root.Children) != 1 || builder.root.Children[0].Name != "Event" {
		t.Fatalf("got children %+v", builder.root.Children)
	}
	if ip.stats.MissingReferences != 0 {
		t.Errorf("got MissingReferences %d, want 0 (resolved from the global cache)", ip.stats.MissingReferences)
	}
}

// TestInterpretTemplateInstanceUnresolvableRecordsMissingReference covers the
// genuine failure path: a truncated inline definition whose GUID is not
// registered anywhere must fail the record and count a MissingReferences.
func TestInterpretTemplateInstanceUnresolvableRecordsMissingReference(t *testing.T) {
	names, _ := buildNameTable("Event")

	id := uuid.New()
	g, _ := id.MarshalBinary()
	truncatedDef := u32le(0)
	truncatedDef = append(truncatedDef, g...)
	truncatedDef = append(truncatedDef, u32le(9000)...)

	var payload []byte
	payload = append(payload, fragmentHeaderTok...)
	payload = append(payload, []byte{0x0C, 0x01}...)
	payload = append(payload, u32le(4000)...)
	payload = append(payload, truncatedDef...)
	payload = append(payload, eofTok...)

	ip := newTestInterpreter(payload, names)
	builder := newNodeBuilder()
	if err := ip.run(builder); err == nil {
		t.Fatal("expected an error for an unresolvable template reference")
	}
	if ip.stats.MissingReferences != 1 {
		t.Errorf("got MissingReferences %d, want 1", ip.stats.MissingReferences)
	}
	if ip.stats.ParseErrors != 1 {
		t.Errorf("got ParseErrors %d, want 1", ip.stats.ParseErrors)
	}
}

func TestInterpretTemplateInstanceSecondEncounterSkipsInlineBody(t *testing.T) {
	names, offsets := buildNameTable("Event")

	var innerFragment []byte
	innerFragment = append(innerFragment, fragmentHeaderTok...)
	innerFragment = append(innerFragment, openStartElementTok(offsets[0], false, 0)...)
	innerFragment = append(innerFragment, closeEmptyTok...)
	innerFragment = append(innerFragment, eofTok...)

	id := uuid.New()
	def := &TemplateDefinition{GUID: id, Fragment: innerFragment}

	noSubs := substitutionBlock(nil, nil)

	var payload []byte
	payload = append(payload, fragmentHeaderTok...)
	payload = append(payload, []byte{0x0C, 0x01}...)
	payload = append(payload, u32le(2000)...)
	payload = append(payload, noSubs...)
	payload = append(payload, eofTok...)

	ip := newTestInterpreter(payload, names)
	ip.chunkTemplates.put(2000, def) // simulate the offset already seen earlier in the chunk
	ip.global.InsertIfAbsent(def)

	builder := newNodeBuilder()
	if err := ip.run(builder); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(builder.root.Children) != 1 || builder.root.Children[0].Name != "Event" {
		t.Fatalf("got children %+v", builder.root.Children)
	}
}
