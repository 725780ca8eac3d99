// Package cbor implements the deterministic, canonical CBOR subset this
// node depends on: unsigned/negative integers in shortest form, byte
// strings, UTF-8 strings, arrays, maps (canonical short-keys-first order
// plus an order-preserving variant), tag 42 for CID, and booleans/null.
//
// It intentionally does not implement the whole of RFC 8949 — only the
// major types and encodings the Filecoin block/tipset/wire schemas in
// this repository actually use, mirroring the teacher's own bespoke wire
// codec in consensus/encode.go rather than wrapping a generic library.
package cbor

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/big"
	"sort"

	"github.com/ipfs/go-cid"
)

const (
	majorUint byte = 0
	majorNeg  byte = 1
	majorByte byte = 2
	majorStr  byte = 3
	majorArr  byte = 4
	majorMap  byte = 5
	majorTag  byte = 6
	majorSimp byte = 7
)

const (
	simpleFalse uint64 = 20
	simpleTrue  uint64 = 21
	simpleNull  uint64 = 22
)

const tagCID uint64 = 42

// WriteHeader writes a major-type/extra-value header in shortest canonical form.
func WriteHeader(w io.Writer, major byte, extra uint64) error {
	lead := major << 5
	switch {
	case extra < 24:
		_, err := w.Write([]byte{lead | byte(extra)})
		return err
	case extra <= 0xff:
		_, err := w.Write([]byte{lead | 24, byte(extra)})
		return err
	case extra <= 0xffff:
		var buf [3]byte
		buf[0] = lead | 25
		binary.BigEndian.PutUint16(buf[1:], uint16(extra))
		_, err := w.Write(buf[:])
		return err
	case extra <= 0xffffffff:
		var buf [5]byte
		buf[0] = lead | 26
		binary.BigEndian.PutUint32(buf[1:], uint32(extra))
		_, err := w.Write(buf[:])
		return err
	default:
		var buf [9]byte
		buf[0] = lead | 27
		binary.BigEndian.PutUint64(buf[1:], extra)
		_, err := w.Write(buf[:])
		return err
	}
}

// WriteUInt encodes v as major type 0.
func WriteUInt(w io.Writer, v uint64) error {
	return WriteHeader(w, majorUint, v)
}

// WriteInt encodes v as major type 0 (non-negative) or 1 (negative), per CBOR's
// "negative integer = -1-n" rule.
func WriteInt(w io.Writer, v int64) error {
	if v >= 0 {
		return WriteUInt(w, uint64(v))
	}
	return WriteHeader(w, majorNeg, uint64(-1-v))
}

// WriteBytes encodes a byte string.
func WriteBytes(w io.Writer, b []byte) error {
	if err := WriteHeader(w, majorByte, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// WriteString encodes a UTF-8 string.
func WriteString(w io.Writer, s string) error {
	if err := WriteHeader(w, majorStr, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// WriteArrayHeader starts an array of n elements; the caller writes each element.
func WriteArrayHeader(w io.Writer, n int) error {
	return WriteHeader(w, majorArr, uint64(n))
}

// WriteMapHeader starts a map of n pairs; the caller writes each key/value.
func WriteMapHeader(w io.Writer, n int) error {
	return WriteHeader(w, majorMap, uint64(n))
}

// WriteBool encodes a boolean as a CBOR simple value.
func WriteBool(w io.Writer, b bool) error {
	if b {
		return WriteHeader(w, majorSimp, simpleTrue)
	}
	return WriteHeader(w, majorSimp, simpleFalse)
}

// WriteNull encodes the CBOR null simple value, used for absent optional<T>.
func WriteNull(w io.Writer) error {
	return WriteHeader(w, majorSimp, simpleNull)
}

// WriteCID encodes c as tag(42, bytes(0x00 ++ c.Bytes())), per spec §4.1/§6.
func WriteCID(w io.Writer, c cid.Cid) error {
	if !c.Defined() {
		return newErr(InvalidCborCID, "undefined cid")
	}
	if err := WriteHeader(w, majorTag, tagCID); err != nil {
		return err
	}
	raw := c.Bytes()
	out := make([]byte, 1+len(raw))
	out[0] = 0x00
	copy(out[1:], raw)
	return WriteBytes(w, out)
}

// WriteBigInt encodes v as a byte string: a single sign byte (0x00 positive
// or zero, 0x01 negative) followed by the big-endian magnitude, with no
// sign byte at all for zero — byte-compatible with the reference Filecoin
// BigInt wire encoding used for parent_weight and similar fields.
func WriteBigInt(w io.Writer, v *big.Int) error {
	if v == nil || v.Sign() == 0 {
		return WriteBytes(w, nil)
	}
	mag := v.Bytes()
	out := make([]byte, 1+len(mag))
	if v.Sign() < 0 {
		out[0] = 0x01
	}
	copy(out[1:], mag)
	return WriteBytes(w, out)
}

// MapField is a pre-encoded map entry: Key is the field name, Value is the
// already-CBOR-encoded value bytes.
type MapField struct {
	Key   string
	Value []byte
}

// WriteCanonicalMap writes fields as a CBOR map with keys ordered
// shortest-length-then-lexicographic ("short-keys-first"), matching the
// reference Filecoin encoding.
func WriteCanonicalMap(w io.Writer, fields []MapField) error {
	ordered := append([]MapField(nil), fields...)
	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i].Key) != len(ordered[j].Key) {
			return len(ordered[i].Key) < len(ordered[j].Key)
		}
		return ordered[i].Key < ordered[j].Key
	})
	if err := WriteMapHeader(w, len(ordered)); err != nil {
		return err
	}
	for _, f := range ordered {
		if err := WriteString(w, f.Key); err != nil {
			return err
		}
		if _, err := w.Write(f.Value); err != nil {
			return err
		}
	}
	return nil
}

// WriteOrderedMap writes fields in the given insertion order, unsorted —
// for wire forms that need external byte-for-byte compatibility rather
// than canonical ordering.
func WriteOrderedMap(w io.Writer, fields []MapField) error {
	if err := WriteMapHeader(w, len(fields)); err != nil {
		return err
	}
	for _, f := range fields {
		if err := WriteString(w, f.Key); err != nil {
			return err
		}
		if _, err := w.Write(f.Value); err != nil {
			return err
		}
	}
	return nil
}

// Label is the market-deal-label sum type: String | Bytes, distinguished by
// CBOR major type on decode; encoding preserves whichever constructor built it.
type Label struct {
	IsBytes bool
	Str     string
	Bytes   []byte
}

func LabelFromString(s string) Label { return Label{Str: s} }
func LabelFromBytes(b []byte) Label  { return Label{IsBytes: true, Bytes: b} }

func WriteLabel(w io.Writer, l Label) error {
	if l.IsBytes {
		return WriteBytes(w, l.Bytes)
	}
	return WriteString(w, l.Str)
}

// EncodeToBytes runs fn against a fresh buffer and returns the resulting bytes.
func EncodeToBytes(fn func(io.Writer) error) ([]byte, error) {
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
