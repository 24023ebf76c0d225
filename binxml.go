// Copyright 2026 The evtx-parser-sub002 Authors.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"strings"

	"github.com/google/uuid"
)

// BinXml tokens, low five bits ignoring the 0x40 "has more" flag bit,
// per spec §4.3.
const (
	tokEOF                   byte = 0x00
	tokOpenStartElement      byte = 0x01
	tokCloseStartElement     byte = 0x02
	tokCloseEmptyElement     byte = 0x03
	tokEndElement            byte = 0x04
	tokValue                 byte = 0x05
	tokAttribute             byte = 0x06
	tokCDataSection          byte = 0x07
	tokCharRef               byte = 0x08
	tokEntityRef             byte = 0x09
	tokPITarget              byte = 0x0A
	tokPIData                byte = 0x0B
	tokTemplateInstance      byte = 0x0C
	tokNormalSubstitution    byte = 0x0D
	tokOptionalSubstitution  byte = 0x0E
	tokFragmentHeader        byte = 0x0F

	tokMoreFlag byte = 0x40
)

// eventHandler receives the SAX-style stream the token decoder
// produces. The handlers are nodeBuilder (record.go), which materializes
// the tree used for both field extraction and XML rendering, and
// textCaptureHandler below. There is no handler that streams XML
// straight to a writer: XML is always rendered from the built tree.
type eventHandler interface {
	openElement(name string)
	attribute(name, value string)
	closeStartElement()
	closeEmptyElement()
	endElement()
	text(s string)
	cdata(s string)
	processingInstruction(target, data string)
}

// interpreter consumes a single record's (or nested fragment's) token
// stream. scope is the stack of "current instance" frames substitution
// nodes resolve against; it is pushed on entering a TemplateInstance
// and popped on leaving it, per spec §9 (explicit stack, not
// call-stack-implicit scoping).
type interpreter struct {
	stream []byte
	pos    uint32

	names          *nameTable
	chunkTemplates *templateStore
	global         *TemplateCache

	scope []*TemplateInstance

	chunkIndex int
	recordID   uint64
	stats      *PartialStats
}

func (ip *interpreter) fail(kind BinXmlErrorKind, detail string) error {
	return &BinXmlError{RecordID: ip.recordID, Offset: ip.pos, Kind: kind, Detail: detail}
}

func (ip *interpreter) c() cursor { return cursor{data: ip.stream} }

func (ip *interpreter) readU16() (uint16, error) {
	v, err := ip.c().readUint16(ip.pos)
	if err != nil {
		return 0, ip.fail(KindOutOfBounds, "u16 read past end of stream")
	}
	ip.pos += 2
	return v, nil
}

func (ip *interpreter) readU32() (uint32, error) {
	v, err := ip.c().readUint32(ip.pos)
	if err != nil {
		return 0, ip.fail(KindOutOfBounds, "u32 read past end of stream")
	}
	ip.pos += 4
	return v, nil
}

func (ip *interpreter) readU8() (byte, error) {
	v, err := ip.c().readUint8(ip.pos)
	if err != nil {
		return 0, ip.fail(KindOutOfBounds, "u8 read past end of stream")
	}
	ip.pos++
	return v, nil
}

func (ip *interpreter) readBytes(n uint32) ([]byte, error) {
	b, err := ip.c().readBytesAt(ip.pos, n)
	if err != nil {
		return nil, ip.fail(KindOutOfBounds, "byte read past end of stream")
	}
	ip.pos += n
	return b, nil
}

func (ip *interpreter) peek() (byte, error) {
	b, err := ip.c().readUint8(ip.pos)
	if err != nil {
		return 0, ip.fail(KindOutOfBounds, "peek past end of stream")
	}
	return b, nil
}

// run parses a full fragment (including an optional leading
// FragmentHeader token) and feeds events to handler until EOF.
func (ip *interpreter) run(handler eventHandler) error {
	return ip.parseNodes(handler, false)
}

// parseNodes is the shared Body/Content production: it loops over
// content tokens, recursing into nested elements, template instances
// and substitutions, until EOF (stopAtEndElement == false) or
// EndElement (stopAtEndElement == true).
func (ip *interpreter) parseNodes(handler eventHandler, stopAtEndElement bool) error {
	for {
		tok, err := ip.peek()
		if err != nil {
			return err
		}
		base := tok &^ tokMoreFlag

		switch base {
		case tokEOF:
			ip.pos++
			if stopAtEndElement {
				return ip.fail(KindUnbalancedElement, "EOF before matching EndElement")
			}
			return nil

		case tokEndElement:
			if !stopAtEndElement {
				return ip.fail(KindUnbalancedElement, "unexpected EndElement")
			}
			ip.pos++
			return nil

		case tokFragmentHeader:
			ip.pos++
			if _, err := ip.readBytes(3); err != nil {
				return err
			}

		case tokOpenStartElement:
			if err := ip.parseElement(handler); err != nil {
				return err
			}

		case tokTemplateInstance:
			if err := ip.parseTemplateInstance(handler); err != nil {
				return err
			}

		case tokValue:
			s, handled, err := ip.parseValueToken(handler)
			if err != nil {
				return err
			}
			if !handled {
				handler.text(s)
			}

		case tokCDataSection:
			s, err := ip.parseSizedUTF16()
			if err != nil {
				return err
			}
			handler.cdata(s)

		case tokCharRef:
			ip.pos++
			code, err := ip.readU16()
			if err != nil {
				return err
			}
			handler.text(string(rune(code)))

		case tokEntityRef:
			ip.pos++
			nameOffset, err := ip.readU32()
			if err != nil {
				return err
			}
			name, err := ip.names.resolve(nameOffset)
			if err != nil {
				return ip.fail(KindOutOfBounds, "entity ref name lookup failed")
			}
			handler.text("&" + name + ";")

		case tokPITarget:
			ip.pos++
			nameOffset, err := ip.readU32()
			if err != nil {
				return err
			}
			target, err := ip.names.resolve(nameOffset)
			if err != nil {
				return ip.fail(KindOutOfBounds, "PI target name lookup failed")
			}
			data := ""
			if next, perr := ip.peek(); perr == nil && next&^tokMoreFlag == tokPIData {
				ip.pos++
				data, err = ip.parseSizedUTF16()
				if err != nil {
					return err
				}
			}
			handler.processingInstruction(target, data)

		case tokNormalSubstitution, tokOptionalSubstitution:
			text, elided, err := ip.parseSubstitution(handler)
			if err != nil {
				return err
			}
			if !elided {
				handler.text(text)
			}

		default:
			return ip.fail(KindUnknownToken, "unrecognized token in content position")
		}
	}
}

// parseElement implements the Element production: OpenStartElement,
// zero or more Attributes, then either CloseEmptyElement or
// CloseStartElement+Content+EndElement, per spec §4.3 rules 2-4.
func (ip *interpreter) parseElement(handler eventHandler) error {
	tok, _ := ip.peek()
	hasAttrs := tok&tokMoreFlag != 0
	ip.pos++ // token

	if _, err := ip.readU16(); err != nil { // dependency id
		return err
	}
	if _, err := ip.readU32(); err != nil { // data_size
		return err
	}
	nameOffset, err := ip.readU32()
	if err != nil {
		return err
	}
	name, err := ip.names.resolve(nameOffset)
	if err != nil {
		return ip.fail(KindOutOfBounds, "element name lookup failed")
	}
	if hasAttrs {
		if _, err := ip.readU32(); err != nil { // attribute list byte size
			return err
		}
	}

	handler.openElement(name)

	for {
		tok, err := ip.peek()
		if err != nil {
			return err
		}
		if tok&^tokMoreFlag != tokAttribute {
			break
		}
		ip.pos++
		attrNameOffset, err := ip.readU32()
		if err != nil {
			return err
		}
		attrName, err := ip.names.resolve(attrNameOffset)
		if err != nil {
			return ip.fail(KindOutOfBounds, "attribute name lookup failed")
		}
		value, elided, err := ip.parseAttributeValue(handler)
		if err != nil {
			return err
		}
		if !elided {
			handler.attribute(attrName, value)
		}
	}

	tok, err = ip.peek()
	if err != nil {
		return err
	}
	switch tok &^ tokMoreFlag {
	case tokCloseStartElement:
		ip.pos++
		handler.closeStartElement()
		if err := ip.parseNodes(handler, true); err != nil {
			return err
		}
		handler.endElement()
	case tokCloseEmptyElement:
		ip.pos++
		handler.closeEmptyElement()
	default:
		return ip.fail(KindUnbalancedElement, "expected CloseStartElement or CloseEmptyElement")
	}
	return nil
}

// parseAttributeValue reads exactly one value-producing token and
// returns its rendered text plus whether the attribute should be
// elided (Optional substitution resolving to a size-0 value).
func (ip *interpreter) parseAttributeValue(handler eventHandler) (string, bool, error) {
	tok, err := ip.peek()
	if err != nil {
		return "", false, err
	}
	switch tok &^ tokMoreFlag {
	case tokValue:
		s, _, err := ip.parseValueToken(nil)
		return s, false, err
	case tokNormalSubstitution, tokOptionalSubstitution:
		return ip.parseSubstitution(nil)
	case tokCharRef:
		ip.pos++
		code, err := ip.readU16()
		if err != nil {
			return "", false, err
		}
		return string(rune(code)), false, nil
	case tokEntityRef:
		ip.pos++
		nameOffset, err := ip.readU32()
		if err != nil {
			return "", false, err
		}
		name, err := ip.names.resolve(nameOffset)
		if err != nil {
			return "", false, ip.fail(KindOutOfBounds, "entity ref name lookup failed")
		}
		return "&" + name + ";", false, nil
	default:
		return "", false, ip.fail(KindUnbalancedElement, "attribute missing a value token")
	}
}

// parseValueToken reads a Value token: [token][value_type:u8][size:u16][bytes].
// handler is non-nil in content position, where a BinXml-typed value
// recurses directly into it so child elements survive; handler is nil from
// attribute position, where the value is flattened to text instead (the
// returned bool reports whether handler already received the rendering, so
// the caller must not also emit it as text).
func (ip *interpreter) parseValueToken(handler eventHandler) (string, bool, error) {
	ip.pos++ // token
	vt, err := ip.readU8()
	if err != nil {
		return "", false, err
	}
	size, err := ip.readU16()
	if err != nil {
		return "", false, err
	}
	raw, err := ip.readBytes(uint32(size))
	if err != nil {
		return "", false, err
	}
	v, err := DecodeValue(ValueType(vt), raw, ip.pos-uint32(size))
	if err != nil {
		return "", false, ip.fail(KindValueDecodeOverrun, err.Error())
	}
	if v.Type.Base() == TypeBinXml {
		if handler != nil {
			return "", true, ip.runSubFragment(v.Raw, handler)
		}
		s, err := ip.renderNestedFragmentToString(v.Raw)
		return s, false, err
	}
	return v.Text, false, nil
}

// parseSizedUTF16 reads [size:u16][utf16 bytes], used by CDATA and PI data.
func (ip *interpreter) parseSizedUTF16() (string, error) {
	ip.pos++ // token
	size, err := ip.readU16()
	if err != nil {
		return "", err
	}
	raw, err := ip.readBytes(uint32(size))
	if err != nil {
		return "", err
	}
	return decodeUTF16LE(raw, false)
}

// parseSubstitution reads [token][sub_id:u16][value_type:u8] and
// resolves it against the current instance scope, per spec §4.3 rule 6.
// handler is non-nil in content position, where a BinXml-typed
// substitution recurses directly into it instead of flattening to text
// (the second return then reports true so the caller skips handler.text);
// attribute position calls this with handler == nil, where it always
// renders to a string since attribute values cannot hold child elements.
func (ip *interpreter) parseSubstitution(handler eventHandler) (string, bool, error) {
	tok, _ := ip.peek()
	optional := tok&^tokMoreFlag == tokOptionalSubstitution
	ip.pos++
	subID, err := ip.readU16()
	if err != nil {
		return "", false, err
	}
	if _, err := ip.readU8(); err != nil { // declared value type
		return "", false, err
	}

	if len(ip.scope) == 0 {
		return "", false, ip.fail(KindSubstitutionOutOfRange, "substitution outside any template instance")
	}
	inst := ip.scope[len(ip.scope)-1]
	if int(subID) >= len(inst.Values) {
		return "", false, ip.fail(KindSubstitutionOutOfRange, "substitution id beyond substitution array")
	}
	val := inst.Values[subID]

	if val.Type == TypeNull {
		if optional {
			return "", true, nil
		}
		return "", false, nil
	}
	if val.Type.Base() == TypeBinXml {
		if handler != nil {
			return "", true, ip.runSubFragment(val.Raw, handler)
		}
		s, err := ip.renderNestedFragmentToString(val.Raw)
		return s, false, err
	}
	return val.Text, false, nil
}

// renderNestedFragmentToString interprets raw as an independent BinXml
// fragment and captures its SAX output as flattened text. Only called from
// attribute position: an attribute cannot hold child elements, so a nested
// BinXml value must collapse to its text content there, unlike in content
// position where runSubFragment recurses straight into the live handler.
func (ip *interpreter) renderNestedFragmentToString(raw []byte) (string, error) {
	cap := &textCaptureHandler{}
	if err := ip.runSubFragment(raw, cap); err != nil {
		return "", err
	}
	return cap.buf.String(), nil
}

// runSubFragment temporarily redirects token walking to raw (keeping
// the name table, template caches, and substitution scope stack
// shared), per spec §9's "explicit stack" guidance — nested fragments
// share the outer scope unless they open their own TemplateInstance.
func (ip *interpreter) runSubFragment(raw []byte, handler eventHandler) error {
	savedStream, savedPos := ip.stream, ip.pos
	ip.stream, ip.pos = raw, 0
	err := ip.parseNodes(handler, false)
	ip.stream, ip.pos = savedStream, savedPos
	return err
}

// parseTemplateInstance implements spec §4.3's TemplateInstance wire
// shape and first-encounter/cache-hit distinction (rule 5).
func (ip *interpreter) parseTemplateInstance(handler eventHandler) error {
	ip.pos++ // token
	if _, err := ip.readU8(); err != nil { // constant 0x01
		return err
	}
	defOffset, err := ip.readU32()
	if err != nil {
		return err
	}

	def, cached := ip.chunkTemplates.get(defOffset)
	if !cached {
		d, consumed, parseErr := parseTemplateDefinitionBody(ip.stream, ip.pos)
		if parseErr == nil {
			ip.pos += consumed
			ip.chunkTemplates.put(defOffset, d)
			ip.global.InsertIfAbsent(d)
			ip.stats.Definitions[d.GUID.String()] = struct{}{}
			def = d
		} else {
			// The declared fragment doesn't fit in the stream: treat this
			// as a GUID-only reference and resolve it from the
			// process-wide cache (seeded by the WEVT manifest loader or
			// an earlier chunk) instead of failing outright.
			guid, headerLen, headerErr := peekTemplateHeader(ip.stream, ip.pos)
			var resolved *TemplateDefinition
			var foundGlobally bool
			if headerErr == nil {
				resolved, foundGlobally = ip.global.Lookup(guid)
			}
			if !foundGlobally {
				guidStr := "unknown"
				if headerErr == nil {
					guidStr = guid.String()
				}
				ip.stats.MissingReferences++
				ip.stats.recordError(&TemplateMissing{RecordID: ip.recordID, GUID: guidStr, DefOffset: defOffset})
				return ip.fail(KindBadTemplateInstance, "template definition body: "+parseErr.Error())
			}
			ip.pos += headerLen
			ip.chunkTemplates.put(defOffset, resolved)
			def = resolved
		}
	}
	ip.stats.References++

	inst, err := ip.parseSubstitutionBlock(defOffset, def.GUID)
	if err != nil {
		return err
	}

	ip.scope = append(ip.scope, inst)
	err = ip.runSubFragment(def.Fragment, handler)
	ip.scope = ip.scope[:len(ip.scope)-1]
	return err
}

// parseSubstitutionBlock reads [count:u32][descriptor[count]][values...]
// per spec §4.3/§6.
func (ip *interpreter) parseSubstitutionBlock(defOffset uint32, guid uuid.UUID) (*TemplateInstance, error) {
	count, err := ip.readU32()
	if err != nil {
		return nil, err
	}
	descriptors := make([]SubstitutionDescriptor, count)
	for i := range descriptors {
		size, err := ip.readU16()
		if err != nil {
			return nil, err
		}
		typ, err := ip.readU8()
		if err != nil {
			return nil, err
		}
		reserved, err := ip.readU8()
		if err != nil {
			return nil, err
		}
		descriptors[i] = SubstitutionDescriptor{Size: size, Type: ValueType(typ), Reserved: reserved}
	}

	values := make([]Value, count)
	for i, d := range descriptors {
		if d.Size == 0 {
			values[i] = Value{Type: TypeNull}
			continue
		}
		raw, err := ip.readBytes(uint32(d.Size))
		if err != nil {
			return nil, err
		}
		v, err := DecodeValue(d.Type, raw, ip.pos-uint32(d.Size))
		if err != nil {
			ip.stats.recordError(ip.fail(KindValueDecodeOverrun, err.Error()))
			values[i] = Value{Type: TypeNull}
			continue
		}
		values[i] = v
	}

	return &TemplateInstance{
		DefOffset:   defOffset,
		GUID:        guid,
		Descriptors: descriptors,
		Values:      values,
	}, nil
}

// textCaptureHandler flattens a SAX stream into plain text, used to
// render a nested BinXml value or substitution that occurs in attribute
// position, where child elements cannot be preserved structurally.
type textCaptureHandler struct {
	buf strings.Builder
}

func (h *textCaptureHandler) openElement(name string)             {}
func (h *textCaptureHandler) attribute(name, value string)        {}
func (h *textCaptureHandler) closeStartElement()                  {}
func (h *textCaptureHandler) closeEmptyElement()                  {}
func (h *textCaptureHandler) endElement()                         {}
func (h *textCaptureHandler) text(s string)                       { h.buf.WriteString(s) }
func (h *textCaptureHandler) cdata(s string)                      { h.buf.WriteString(s) }
func (h *textCaptureHandler) processingInstruction(t, d string)    {}
