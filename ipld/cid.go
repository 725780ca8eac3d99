// Package ipld implements the content-addressed object store this node
// persists blocks, tipsets, HAMT/AMT nodes, and the interpreter cache into:
// CID-keyed bytes, with a CAR-file append-only backing and an external
// offset index, following spec §3/§4.2.
package ipld

import (
	"fmt"
	"io"

	"github.com/fuhon-project/fuhon/cbor"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"golang.org/x/crypto/blake2b"
)

// CbCid is the CID specialization used for CBOR blocks and tipset graph
// nodes in this project: V1, DagCbor codec, Blake2b-256 multihash — a
// compact 32-byte-hash key, per spec §3.
type CbCid struct {
	cid.Cid
}

// CodecDagCbor is the IPLD codec table value for "dag-cbor".
const CodecDagCbor = 0x71

// HashBlake2b256 hashes bytes with the Blake2b-256 function this project
// uses throughout (CbCid derivation, HAMT key hashing, TipsetKey hashing).
func HashBlake2b256(b []byte) [32]byte {
	return blake2b.Sum256(b)
}

// HashCbCid derives the CbCid of a dag-cbor-encoded value's raw bytes.
func HashCbCid(encoded []byte) (CbCid, error) {
	sum := HashBlake2b256(encoded)
	mhash, err := mh.Encode(sum[:], mh.BLAKE2B_MIN+31) // BLAKE2B-256 table entry
	if err != nil {
		return CbCid{}, fmt.Errorf("ipld: multihash encode: %w", err)
	}
	return CbCid{Cid: cid.NewCidV1(CodecDagCbor, mhash)}, nil
}

// CbCidFromCid validates that c is a well-formed CbCid (V1/DagCbor/Blake2b-256)
// and returns it wrapped.
func CbCidFromCid(c cid.Cid) (CbCid, error) {
	if c.Version() != 1 {
		return CbCid{}, fmt.Errorf("ipld: expected CID version 1, got %d", c.Version())
	}
	if c.Type() != CodecDagCbor {
		return CbCid{}, fmt.Errorf("ipld: expected dag-cbor codec, got 0x%x", c.Type())
	}
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return CbCid{}, fmt.Errorf("ipld: decode multihash: %w", err)
	}
	if decoded.Code != mh.BLAKE2B_MIN+31 || decoded.Length != 32 {
		return CbCid{}, fmt.Errorf("ipld: expected blake2b-256, got code=0x%x len=%d", decoded.Code, decoded.Length)
	}
	return CbCid{Cid: c}, nil
}

// WriteCID encodes c into w using the codec's tag-42 CID form.
func WriteCID(w io.Writer, c cid.Cid) error {
	return cbor.WriteCID(w, c)
}
