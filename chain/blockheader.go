package chain

import (
	"bytes"
	"io"
	"math/big"

	"github.com/fuhon-project/fuhon/cbor"
	"github.com/fuhon-project/fuhon/ipld"
	"github.com/ipfs/go-cid"
)

// BlockHeader is the structured record from spec §3/§4.1: fields are encoded
// as a canonical CBOR map (short-keys-first order), addressed by CbCid.
type BlockHeader struct {
	Miner                 []byte
	Parents               TipsetKey
	ParentWeight          *big.Int
	ParentStateRoot       cid.Cid
	ParentMessageReceipts cid.Cid
	Messages              cid.Cid
	Height                uint64
	Timestamp             uint64
	Ticket                []byte
	ElectionProof         []byte // optional; nil when absent
	BlockSig              []byte // optional; nil when absent
}

// field encodes one map value into its own buffer so WriteCanonicalMap can
// sort fields by key before writing any of them.
func field(key string, fn func(w *bytes.Buffer) error) (cbor.MapField, error) {
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		return cbor.MapField{}, err
	}
	return cbor.MapField{Key: key, Value: buf.Bytes()}, nil
}

// MarshalCBOR writes the header's canonical map encoding.
func (h *BlockHeader) MarshalCBOR(w io.Writer) error {
	parents := h.Parents.Cids()
	builders := []struct {
		key string
		fn  func(b *bytes.Buffer) error
	}{
		{"miner", func(b *bytes.Buffer) error { return cbor.WriteBytes(b, h.Miner) }},
		{"parents", func(b *bytes.Buffer) error {
			if err := cbor.WriteArrayHeader(b, len(parents)); err != nil {
				return err
			}
			for _, c := range parents {
				if err := cbor.WriteCID(b, c); err != nil {
					return err
				}
			}
			return nil
		}},
		{"parent_weight", func(b *bytes.Buffer) error { return cbor.WriteBigInt(b, h.ParentWeight) }},
		{"parent_state_root", func(b *bytes.Buffer) error { return cbor.WriteCID(b, h.ParentStateRoot) }},
		{"parent_message_receipts", func(b *bytes.Buffer) error { return cbor.WriteCID(b, h.ParentMessageReceipts) }},
		{"messages", func(b *bytes.Buffer) error { return cbor.WriteCID(b, h.Messages) }},
		{"height", func(b *bytes.Buffer) error { return cbor.WriteUInt(b, h.Height) }},
		{"timestamp", func(b *bytes.Buffer) error { return cbor.WriteUInt(b, h.Timestamp) }},
		{"ticket", func(b *bytes.Buffer) error { return cbor.WriteBytes(b, h.Ticket) }},
		{"election_proof", func(b *bytes.Buffer) error { return writeOptionalBytes(b, h.ElectionProof) }},
		{"block_sig", func(b *bytes.Buffer) error { return writeOptionalBytes(b, h.BlockSig) }},
	}
	fields := make([]cbor.MapField, 0, len(builders))
	for _, bld := range builders {
		f, err := field(bld.key, bld.fn)
		if err != nil {
			return err
		}
		fields = append(fields, f)
	}
	return cbor.WriteCanonicalMap(w, fields)
}

func writeOptionalBytes(w *bytes.Buffer, b []byte) error {
	if b == nil {
		return cbor.WriteNull(w)
	}
	return cbor.WriteBytes(w, b)
}

// UnmarshalCBOR reads back a header written by MarshalCBOR. Fields are read
// in their canonical (short-keys-first) order, matching the encoder.
func (h *BlockHeader) UnmarshalCBOR(b []byte) error {
	r := cbor.NewReaderBytes(b)
	n, err := r.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		key, err := r.ReadString()
		if err != nil {
			return err
		}
		switch key {
		case "miner":
			if h.Miner, err = r.ReadBytes(); err != nil {
				return err
			}
		case "parents":
			cnt, err := r.ReadArrayHeader()
			if err != nil {
				return err
			}
			cids := make([]cid.Cid, cnt)
			for j := 0; j < cnt; j++ {
				if cids[j], err = r.ReadCID(); err != nil {
					return err
				}
			}
			h.Parents = NewTipsetKey(cids)
		case "parent_weight":
			if h.ParentWeight, err = r.ReadBigInt(); err != nil {
				return err
			}
		case "parent_state_root":
			if h.ParentStateRoot, err = r.ReadCID(); err != nil {
				return err
			}
		case "parent_message_receipts":
			if h.ParentMessageReceipts, err = r.ReadCID(); err != nil {
				return err
			}
		case "messages":
			if h.Messages, err = r.ReadCID(); err != nil {
				return err
			}
		case "height":
			if h.Height, err = r.ReadUInt(); err != nil {
				return err
			}
		case "timestamp":
			if h.Timestamp, err = r.ReadUInt(); err != nil {
				return err
			}
		case "ticket":
			if h.Ticket, err = r.ReadBytes(); err != nil {
				return err
			}
		case "election_proof":
			if h.ElectionProof, err = readOptionalBytes(r); err != nil {
				return err
			}
		case "block_sig":
			if h.BlockSig, err = readOptionalBytes(r); err != nil {
				return err
			}
		default:
			if _, err := r.ReadRawItem(); err != nil {
				return err
			}
		}
	}
	return nil
}

func readOptionalBytes(r *cbor.Reader) ([]byte, error) {
	isNull, err := r.IsNull()
	if err != nil {
		return nil, err
	}
	if isNull {
		return nil, r.ReadNull()
	}
	return r.ReadBytes()
}

// Cid derives the block's CbCid: Blake2b-256 over the canonical CBOR
// encoding, tagged dag-cbor (spec §8: CbCid::hash(encode(h)) == cid(h)).
func (h *BlockHeader) Cid() (cid.Cid, error) {
	b, err := cbor.EncodeToBytes(h.MarshalCBOR)
	if err != nil {
		return cid.Undef, err
	}
	c, err := ipld.HashCbCid(b)
	if err != nil {
		return cid.Undef, err
	}
	return c.Cid, nil
}
