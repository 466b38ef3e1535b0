package amf

import (
	"encoding/binary"
	"math"
)

// longStringThreshold is the boundary past which String() switches from
// the short (2-byte length) to the long (4-byte length) wire form.
const longStringThreshold = 65536

// Encode serialises a sequence of top-level values, in order.
func Encode(values ...*Value) []byte {
	var out []byte
	for _, v := range values {
		out = appendValue(out, v)
	}
	return out
}

// EncodeObjects serialises only the Object/EcmaArray body (the
// ⟨key,value⟩* terminator sequence) of v, without its leading type tag —
// used when composing a command's argument object inline. Key order is
// exactly the insertion order recorded on v, which is what the round-trip
// property in spec.md §8 requires.
func EncodeObjects(v *Value) []byte {
	return appendProps(nil, v.props)
}

func appendValue(out []byte, v *Value) []byte {
	if v == nil {
		v = Undefined()
	}
	// A TypeString value whose length has grown past the short-string
	// limit must switch its wire tag to TypeLongString along with its
	// length field — the two have to change together, or a decoder
	// reading the short (2-byte) form off a long-string tag, or vice
	// versa, desyncs the whole remaining stream.
	typ := v.typ
	if typ == TypeString && len(v.strVal) >= longStringThreshold {
		typ = TypeLongString
	}
	out = append(out, byte(typ))
	switch typ {
	case TypeNumber, TypeDate:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, math.Float64bits(v.floatVal))
		if typ == TypeDate {
			out = append(out, 0, 0)
		}
		out = append(out, b...)
	case TypeBoolean:
		if v.boolVal {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
	case TypeString:
		out = appendShortStringRaw(out, v.strVal)
	case TypeLongString, TypeXMLDoc:
		out = appendLongStringRaw(out, v.strVal)
	case TypeObject:
		out = appendProps(out, v.props)
	case TypeTypedObj:
		out = appendShortStringRaw(out, v.className)
		out = appendProps(out, v.props)
	case TypeEcmaArray:
		cnt := make([]byte, 4)
		binary.BigEndian.PutUint32(cnt, uint32(len(v.props)))
		out = append(out, cnt...)
		out = appendProps(out, v.props)
	case TypeStrictArr:
		cnt := make([]byte, 4)
		binary.BigEndian.PutUint32(cnt, uint32(len(v.items)))
		out = append(out, cnt...)
		for _, it := range v.items {
			out = appendValue(out, it)
		}
	case TypeReference:
		idx := make([]byte, 2)
		binary.BigEndian.PutUint16(idx, uint16(v.floatVal))
		out = append(out, idx...)
	case TypeNull, TypeUndefined:
		// no payload
	}
	return out
}

func appendShortStringRaw(out []byte, s string) []byte {
	l := make([]byte, 2)
	binary.BigEndian.PutUint16(l, uint16(len(s)))
	out = append(out, l...)
	return append(out, s...)
}

func appendLongStringRaw(out []byte, s string) []byte {
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(s)))
	out = append(out, l...)
	return append(out, s...)
}

func appendProps(out []byte, props []pair) []byte {
	for _, p := range props {
		out = appendShortStringRaw(out, p.key)
		out = appendValue(out, p.val)
	}
	out = append(out, 0, 0, objectTermCode)
	return out
}
