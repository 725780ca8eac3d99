package cbor

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"math/big"

	"github.com/ipfs/go-cid"
)

// Reader decodes the CBOR subset this repository writes. It wraps a
// bufio.Reader so ReadRawItem can use ReadByte/UnreadByte while scanning.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{br: br}
	}
	return &Reader{br: bufio.NewReader(r)}
}

func NewReaderBytes(b []byte) *Reader {
	return &Reader{br: bufio.NewReader(bytes.NewReader(b))}
}

// ReadHeader reads a major-type/extra-value header.
func (r *Reader) ReadHeader() (byte, uint64, error) {
	lead, err := r.br.ReadByte()
	if err != nil {
		return 0, 0, newErr(InvalidCbor, "read header: %v", err)
	}
	major := lead >> 5
	low := lead & 0x1f
	switch {
	case low < 24:
		return major, uint64(low), nil
	case low == 24:
		b, err := r.br.ReadByte()
		if err != nil {
			return 0, 0, newErr(InvalidCbor, "truncated 1-byte length: %v", err)
		}
		return major, uint64(b), nil
	case low == 25:
		var buf [2]byte
		if _, err := io.ReadFull(r.br, buf[:]); err != nil {
			return 0, 0, newErr(InvalidCbor, "truncated 2-byte length: %v", err)
		}
		return major, uint64(buf[0])<<8 | uint64(buf[1]), nil
	case low == 26:
		var buf [4]byte
		if _, err := io.ReadFull(r.br, buf[:]); err != nil {
			return 0, 0, newErr(InvalidCbor, "truncated 4-byte length: %v", err)
		}
		v := uint64(buf[0])<<24 | uint64(buf[1])<<16 | uint64(buf[2])<<8 | uint64(buf[3])
		return major, v, nil
	case low == 27:
		var buf [8]byte
		if _, err := io.ReadFull(r.br, buf[:]); err != nil {
			return 0, 0, newErr(InvalidCbor, "truncated 8-byte length: %v", err)
		}
		var v uint64
		for _, b := range buf {
			v = v<<8 | uint64(b)
		}
		return major, v, nil
	default:
		return 0, 0, newErr(InvalidCbor, "reserved length field %d", low)
	}
}

// PeekMajor returns the major type of the next item without consuming it.
func (r *Reader) PeekMajor() (byte, error) {
	b, err := r.br.Peek(1)
	if err != nil {
		return 0, newErr(InvalidCbor, "peek: %v", err)
	}
	return b[0] >> 5, nil
}

// IsNull reports whether the next item is the null simple value, without consuming
// anything if it is not null.
func (r *Reader) IsNull() (bool, error) {
	b, err := r.br.Peek(1)
	if err != nil {
		return false, newErr(InvalidCbor, "peek: %v", err)
	}
	return b[0] == (majorSimp<<5)|byte(simpleNull), nil
}

// ReadNull consumes a null simple value.
func (r *Reader) ReadNull() error {
	major, extra, err := r.ReadHeader()
	if err != nil {
		return err
	}
	if major != majorSimp || extra != simpleNull {
		return newErr(WrongType, "expected null, got major=%d extra=%d", major, extra)
	}
	return nil
}

func (r *Reader) ReadUInt() (uint64, error) {
	major, extra, err := r.ReadHeader()
	if err != nil {
		return 0, err
	}
	if major != majorUint {
		return 0, newErr(WrongType, "expected uint, got major=%d", major)
	}
	return extra, nil
}

// ReadInt decodes a signed integer, returning IntOverflow if the CBOR value
// (positive or negative) cannot be represented as an int64.
func (r *Reader) ReadInt() (int64, error) {
	major, extra, err := r.ReadHeader()
	if err != nil {
		return 0, err
	}
	switch major {
	case majorUint:
		if extra > math.MaxInt64 {
			return 0, newErr(IntOverflow, "uint %d overflows int64", extra)
		}
		return int64(extra), nil
	case majorNeg:
		if extra > math.MaxInt64 {
			return 0, newErr(IntOverflow, "negative int -1-%d overflows int64", extra)
		}
		v := int64(extra)
		if v == math.MaxInt64 {
			return math.MinInt64, nil
		}
		return -1 - v, nil
	default:
		return 0, newErr(WrongType, "expected int, got major=%d", major)
	}
}

func (r *Reader) ReadBytes() ([]byte, error) {
	major, extra, err := r.ReadHeader()
	if err != nil {
		return nil, err
	}
	if major != majorByte {
		return nil, newErr(WrongType, "expected bytes, got major=%d", major)
	}
	out := make([]byte, extra)
	if _, err := io.ReadFull(r.br, out); err != nil {
		return nil, newErr(InvalidCbor, "truncated bytes: %v", err)
	}
	return out, nil
}

func (r *Reader) ReadString() (string, error) {
	major, extra, err := r.ReadHeader()
	if err != nil {
		return "", err
	}
	if major != majorStr {
		return "", newErr(WrongType, "expected string, got major=%d", major)
	}
	out := make([]byte, extra)
	if _, err := io.ReadFull(r.br, out); err != nil {
		return "", newErr(InvalidCbor, "truncated string: %v", err)
	}
	return string(out), nil
}

func (r *Reader) ReadArrayHeader() (int, error) {
	major, extra, err := r.ReadHeader()
	if err != nil {
		return 0, err
	}
	if major != majorArr {
		return 0, newErr(WrongType, "expected array, got major=%d", major)
	}
	if extra > math.MaxInt32 {
		return 0, newErr(WrongSize, "array length %d too large", extra)
	}
	return int(extra), nil
}

func (r *Reader) ReadMapHeader() (int, error) {
	major, extra, err := r.ReadHeader()
	if err != nil {
		return 0, err
	}
	if major != majorMap {
		return 0, newErr(WrongType, "expected map, got major=%d", major)
	}
	if extra > math.MaxInt32 {
		return 0, newErr(WrongSize, "map length %d too large", extra)
	}
	return int(extra), nil
}

func (r *Reader) ReadBool() (bool, error) {
	major, extra, err := r.ReadHeader()
	if err != nil {
		return false, err
	}
	if major != majorSimp || (extra != simpleTrue && extra != simpleFalse) {
		return false, newErr(WrongType, "expected bool, got major=%d extra=%d", major, extra)
	}
	return extra == simpleTrue, nil
}

// ReadCID decodes tag(42, bytes(0x00 ++ raw)), verifying the 0x00 multibase prefix byte.
func (r *Reader) ReadCID() (cid.Cid, error) {
	major, tag, err := r.ReadHeader()
	if err != nil {
		return cid.Undef, err
	}
	if major != majorTag || tag != tagCID {
		return cid.Undef, newErr(InvalidCborCID, "expected tag 42, got major=%d tag=%d", major, tag)
	}
	b, err := r.ReadBytes()
	if err != nil {
		return cid.Undef, err
	}
	if len(b) == 0 || b[0] != 0x00 {
		return cid.Undef, newErr(InvalidCborCID, "missing multibase-identity prefix byte")
	}
	_, c, err := cid.CidFromBytes(b[1:])
	if err != nil {
		return cid.Undef, newErr(InvalidCborCID, "malformed cid: %v", err)
	}
	return c, nil
}

// ReadBigInt decodes the sign-byte-prefixed byte string written by
// WriteBigInt. An empty byte string decodes as zero.
func (r *Reader) ReadBigInt() (*big.Int, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return new(big.Int), nil
	}
	v := new(big.Int).SetBytes(b[1:])
	if b[0] == 0x01 {
		v.Neg(v)
	}
	return v, nil
}

// ReadLabel decodes a Label, dispatching on the next item's major type.
func (r *Reader) ReadLabel() (Label, error) {
	major, err := r.PeekMajor()
	if err != nil {
		return Label{}, err
	}
	switch major {
	case majorByte:
		b, err := r.ReadBytes()
		if err != nil {
			return Label{}, err
		}
		return LabelFromBytes(b), nil
	case majorStr:
		s, err := r.ReadString()
		if err != nil {
			return Label{}, err
		}
		return LabelFromString(s), nil
	default:
		return Label{}, newErr(WrongType, "label: unexpected major=%d", major)
	}
}

// ReadRawItem consumes exactly one well-formed CBOR item (scalar, or
// recursively an array/map/tag's full subtree) and returns its raw encoded
// bytes without interpreting them. This backs per-field hashing/signature
// payloads that need to operate over a sub-object's exact wire bytes.
func (r *Reader) ReadRawItem() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.copyItem(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *Reader) copyItem(out *bytes.Buffer) error {
	lead, err := r.br.ReadByte()
	if err != nil {
		return newErr(InvalidCbor, "raw item: %v", err)
	}
	out.WriteByte(lead)
	major := lead >> 5
	low := lead & 0x1f

	var extra uint64
	switch {
	case low < 24:
		extra = uint64(low)
	case low == 24:
		b, err := r.br.ReadByte()
		if err != nil {
			return newErr(InvalidCbor, "raw item length: %v", err)
		}
		out.WriteByte(b)
		extra = uint64(b)
	case low == 25, low == 26, low == 27:
		n := map[byte]int{25: 2, 26: 4, 27: 8}[low]
		tmp := make([]byte, n)
		if _, err := io.ReadFull(r.br, tmp); err != nil {
			return newErr(InvalidCbor, "raw item length: %v", err)
		}
		out.Write(tmp)
		for _, b := range tmp {
			extra = extra<<8 | uint64(b)
		}
	default:
		return newErr(InvalidCbor, "raw item: reserved length field %d", low)
	}

	switch major {
	case majorUint, majorNeg:
		return nil
	case majorByte, majorStr:
		tmp := make([]byte, extra)
		if _, err := io.ReadFull(r.br, tmp); err != nil {
			return newErr(InvalidCbor, "raw item data: %v", err)
		}
		out.Write(tmp)
		return nil
	case majorArr:
		for i := uint64(0); i < extra; i++ {
			if err := r.copyItem(out); err != nil {
				return err
			}
		}
		return nil
	case majorMap:
		for i := uint64(0); i < extra; i++ {
			if err := r.copyItem(out); err != nil { // key
				return err
			}
			if err := r.copyItem(out); err != nil { // value
				return err
			}
		}
		return nil
	case majorTag:
		return r.copyItem(out) // tagged value follows
	case majorSimp:
		return nil
	default:
		return newErr(InvalidCbor, "raw item: unknown major %d", major)
	}
}
