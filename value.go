// Copyright 2026 The evtx-parser-sub002 Authors.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
)

// ValueType identifies the wire type of a Value, per spec §6. The high
// bit (0x80) marks an array of the base type.
type ValueType byte

// Scalar value types.
const (
	TypeNull       ValueType = 0x00
	TypeString     ValueType = 0x01
	TypeAnsiString ValueType = 0x02
	TypeInt8       ValueType = 0x03
	TypeUInt8      ValueType = 0x04
	TypeInt16      ValueType = 0x05
	TypeUInt16     ValueType = 0x06
	TypeInt32      ValueType = 0x07
	TypeUInt32     ValueType = 0x08
	TypeInt64      ValueType = 0x09
	TypeUInt64     ValueType = 0x0A
	TypeReal32     ValueType = 0x0B
	TypeReal64     ValueType = 0x0C
	TypeBool       ValueType = 0x0D
	TypeBinary     ValueType = 0x0E
	TypeGUID       ValueType = 0x0F
	TypeSizeT      ValueType = 0x10
	TypeFileTime   ValueType = 0x11
	TypeSystemTime ValueType = 0x12
	TypeSID        ValueType = 0x13
	TypeHexInt32   ValueType = 0x14
	TypeHexInt64   ValueType = 0x15
	TypeBinXml     ValueType = 0x21

	arrayFlag ValueType = 0x80
)

// IsArray reports whether the high bit marking an array of the base
// type is set.
func (t ValueType) IsArray() bool { return t&arrayFlag != 0 }

// Base strips the array flag, returning the element type.
func (t ValueType) Base() ValueType { return t &^ arrayFlag }

// Value is a decoded, typed scalar or array pulled from the BinXml
// token stream. Null (size-zero) values carry Type == TypeNull.
type Value struct {
	Type ValueType
	// Text is the canonical rendered form, computed eagerly so repeated
	// renders (e.g. the same substitution used by two attributes) are
	// cheap.
	Text string
	// Raw holds the undecoded nested BinXml fragment bytes for
	// TypeBinXml values; the interpreter renders these itself rather
	// than the codec.
	Raw []byte
}

var utf16Decoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()

// decodeUTF16LE decodes a UTF-16LE byte slice to a Go string, stopping
// at the first embedded NUL if trimNul is set (used for the
// null-terminated names/strings the format embeds).
func decodeUTF16LE(b []byte, trimNul bool) (string, error) {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	units := utf16LEUnits(b)
	if trimNul {
		for i, u := range units {
			if u == 0 {
				units = units[:i]
				break
			}
		}
	}
	buf := make([]byte, 0, len(units)*3)
	for _, u := range units {
		buf = binary.LittleEndian.AppendUint16(buf, u)
	}
	out, err := utf16Decoder.Bytes(buf)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DecodeValue decodes size bytes of raw at the given offset (used only
// for error reporting) as a scalar or array of valueType, rendering the
// canonical XML text form eagerly.
func DecodeValue(valueType ValueType, raw []byte, offset uint32) (Value, error) {
	if len(raw) == 0 {
		return Value{Type: TypeNull}, nil
	}
	if valueType.Base() == TypeBinXml {
		return Value{Type: TypeBinXml, Raw: raw}, nil
	}
	if valueType.IsArray() {
		text, err := renderArray(valueType.Base(), raw, offset)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: valueType, Text: text}, nil
	}
	text, err := renderScalar(valueType, raw, offset)
	if err != nil {
		return Value{}, err
	}
	return Value{Type: valueType, Text: text}, nil
}

func renderScalar(t ValueType, raw []byte, offset uint32) (string, error) {
	need := func(n int) error {
		if len(raw) < n {
			return &DecodeError{Offset: offset, Type: byte(t), Wanted: n, Remaining: len(raw)}
		}
		return nil
	}
	switch t {
	case TypeString:
		s, err := decodeUTF16LE(raw, false)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(s, "\x00"), nil
	case TypeAnsiString:
		return strings.TrimRight(string(raw), "\x00"), nil
	case TypeInt8:
		if err := need(1); err != nil {
			return "", err
		}
		return strconv.FormatInt(int64(int8(raw[0])), 10), nil
	case TypeUInt8:
		if err := need(1); err != nil {
			return "", err
		}
		return strconv.FormatUint(uint64(raw[0]), 10), nil
	case TypeInt16:
		if err := need(2); err != nil {
			return "", err
		}
		return strconv.FormatInt(int64(int16(binary.LittleEndian.Uint16(raw))), 10), nil
	case TypeUInt16:
		if err := need(2); err != nil {
			return "", err
		}
		return strconv.FormatUint(uint64(binary.LittleEndian.Uint16(raw)), 10), nil
	case TypeInt32:
		if err := need(4); err != nil {
			return "", err
		}
		return strconv.FormatInt(int64(int32(binary.LittleEndian.Uint32(raw))), 10), nil
	case TypeUInt32:
		if err := need(4); err != nil {
			return "", err
		}
		return strconv.FormatUint(uint64(binary.LittleEndian.Uint32(raw)), 10), nil
	case TypeInt64:
		if err := need(8); err != nil {
			return "", err
		}
		return strconv.FormatInt(int64(binary.LittleEndian.Uint64(raw)), 10), nil
	case TypeUInt64:
		if err := need(8); err != nil {
			return "", err
		}
		return strconv.FormatUint(binary.LittleEndian.Uint64(raw), 10), nil
	case TypeReal32:
		if err := need(4); err != nil {
			return "", err
		}
		f := math.Float32frombits(binary.LittleEndian.Uint32(raw))
		return strconv.FormatFloat(float64(f), 'g', -1, 32), nil
	case TypeReal64:
		if err := need(8); err != nil {
			return "", err
		}
		f := math.Float64frombits(binary.LittleEndian.Uint64(raw))
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	case TypeBool:
		if err := need(4); err != nil {
			return "", err
		}
		if binary.LittleEndian.Uint32(raw) != 0 {
			return "true", nil
		}
		return "false", nil
	case TypeBinary:
		return renderHex(raw), nil
	case TypeGUID:
		if err := need(16); err != nil {
			return "", err
		}
		return renderGUID(raw), nil
	case TypeSizeT:
		switch len(raw) {
		case 4:
			return strconv.FormatUint(uint64(binary.LittleEndian.Uint32(raw)), 10), nil
		case 8:
			return strconv.FormatUint(binary.LittleEndian.Uint64(raw), 10), nil
		default:
			return "", &DecodeError{Offset: offset, Type: byte(t), Wanted: 4, Remaining: len(raw)}
		}
	case TypeFileTime:
		if err := need(8); err != nil {
			return "", err
		}
		return renderFileTime(binary.LittleEndian.Uint64(raw)), nil
	case TypeSystemTime:
		if err := need(16); err != nil {
			return "", err
		}
		return renderSystemTime(raw), nil
	case TypeSID:
		return renderSID(raw, offset)
	case TypeHexInt32:
		if err := need(4); err != nil {
			return "", err
		}
		return fmt.Sprintf("0x%08X", binary.LittleEndian.Uint32(raw)), nil
	case TypeHexInt64:
		if err := need(8); err != nil {
			return "", err
		}
		return fmt.Sprintf("0x%016X", binary.LittleEndian.Uint64(raw)), nil
	default:
		return "", &DecodeError{Offset: offset, Type: byte(t), Wanted: 0, Remaining: len(raw)}
	}
}

// renderArray decodes a concatenation of base-typed elements. String
// arrays are null-terminated UTF-16 elements back to back; numeric
// arrays are fixed-width elements with no separators.
func renderArray(base ValueType, raw []byte, offset uint32) (string, error) {
	var parts []string
	if base == TypeString {
		units := utf16LEUnits(raw)
		start := 0
		for i, u := range units {
			if u == 0 {
				s, err := utf16ToString(units[start:i])
				if err != nil {
					return "", err
				}
				parts = append(parts, s)
				start = i + 1
			}
		}
		if start < len(units) {
			s, err := utf16ToString(units[start:])
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	}

	width, ok := fixedWidth(base)
	if !ok {
		return "", &DecodeError{Offset: offset, Type: byte(base | arrayFlag), Wanted: 0, Remaining: len(raw)}
	}
	for i := 0; i+width <= len(raw); i += width {
		s, err := renderScalar(base, raw[i:i+width], offset+uint32(i))
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ","), nil
}

func utf16ToString(units []uint16) (string, error) {
	buf := make([]byte, 0, len(units)*2)
	for _, u := range units {
		buf = binary.LittleEndian.AppendUint16(buf, u)
	}
	out, err := utf16Decoder.Bytes(buf)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func fixedWidth(base ValueType) (int, bool) {
	switch base {
	case TypeInt8, TypeUInt8:
		return 1, true
	case TypeInt16, TypeUInt16:
		return 2, true
	case TypeInt32, TypeUInt32, TypeReal32, TypeHexInt32:
		return 4, true
	case TypeInt64, TypeUInt64, TypeReal64, TypeHexInt64, TypeFileTime:
		return 8, true
	case TypeBool:
		return 4, true
	case TypeGUID:
		return 16, true
	case TypeSystemTime:
		return 16, true
	default:
		return 0, false
	}
}

func renderHex(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 2)
	const hexDigits = "0123456789ABCDEF"
	for _, c := range b {
		sb.WriteByte(hexDigits[c>>4])
		sb.WriteByte(hexDigits[c&0x0F])
	}
	return sb.String()
}

// renderGUID renders a 16-byte wire GUID in Windows brace form, with
// the first three groups byte-swapped to big-endian per spec §4.1.
func renderGUID(b []byte) string {
	d1 := binary.LittleEndian.Uint32(b[0:4])
	w1 := binary.LittleEndian.Uint16(b[4:6])
	w2 := binary.LittleEndian.Uint16(b[6:8])
	return fmt.Sprintf("{%08X-%04X-%04X-%02X%02X-%02X%02X%02X%02X%02X%02X}",
		d1, w1, w2, b[8], b[9], b[10], b[11], b[12], b[13], b[14], b[15])
}

// renderFileTime converts 100ns ticks since 1601-01-01 UTC to
// millisecond-precision ISO-8601 with a trailing Z, per spec §4.1.
func renderFileTime(ticks uint64) string {
	const epochDeltaSeconds = 11644473600 // 1601-01-01 to 1970-01-01, in seconds
	secs := int64(ticks/10000000) - epochDeltaSeconds
	nanos := int64(ticks%10000000) * 100
	t := time.Unix(secs, nanos).UTC()
	return t.Format("2006-01-02T15:04:05.000") + "Z"
}

// renderSystemTime renders eight little-endian uint16 fields (year,
// month, day-of-week, day, hour, min, sec, ms) per spec §4.1.
func renderSystemTime(b []byte) string {
	f := func(i int) uint16 { return binary.LittleEndian.Uint16(b[i*2:]) }
	year, month, _, day, hour, minute, sec, ms := f(0), f(1), f(2), f(3), f(4), f(5), f(6), f(7)
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d.%03dZ",
		year, month, day, hour, minute, sec, ms)
}

// renderSID renders a Windows SID: 1-byte revision, 6-byte big-endian
// authority, then N little-endian uint32 sub-authorities.
func renderSID(raw []byte, offset uint32) (string, error) {
	if len(raw) < 8 {
		return "", &DecodeError{Offset: offset, Type: byte(TypeSID), Wanted: 8, Remaining: len(raw)}
	}
	revision := raw[0]
	subAuthCount := int(raw[1])
	var authority uint64
	for i := 0; i < 6; i++ {
		authority = authority<<8 | uint64(raw[2+i])
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "S-%d-%d", revision, authority)
	off := 8
	for i := 0; i < subAuthCount && off+4 <= len(raw); i++ {
		sub := binary.LittleEndian.Uint32(raw[off:])
		fmt.Fprintf(&sb, "-%d", sub)
		off += 4
	}
	return sb.String(), nil
}
