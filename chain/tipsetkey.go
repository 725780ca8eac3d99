package chain

import (
	"github.com/fuhon-project/fuhon/ipld"
	"github.com/ipfs/go-cid"
)

// TipsetKey is an ordered sequence of block CIDs, canonicalized by the
// (ticket, CID) sort Tipset::create applies (spec §4.5). Two tipsets with
// the same block set always produce the same TipsetKey.
type TipsetKey struct {
	cids []cid.Cid
}

// NewTipsetKey wraps an already-canonically-ordered CID list. Callers that
// build a key from raw blocks should go through Create instead.
func NewTipsetKey(cids []cid.Cid) TipsetKey {
	out := make([]cid.Cid, len(cids))
	copy(out, cids)
	return TipsetKey{cids: out}
}

func (k TipsetKey) Cids() []cid.Cid {
	out := make([]cid.Cid, len(k.cids))
	copy(out, k.cids)
	return out
}

func (k TipsetKey) Len() int { return len(k.cids) }

func (k TipsetKey) Equals(other TipsetKey) bool {
	if len(k.cids) != len(other.cids) {
		return false
	}
	for i := range k.cids {
		if !k.cids[i].Equals(other.cids[i]) {
			return false
		}
	}
	return true
}

// TipsetHash is the Blake2b-256 of the concatenated, canonically-ordered
// block CID bytes — used as the dictionary/index key for a tipset (spec
// §3: "the hash of a tipset key ... is used as a dictionary key").
type TipsetHash [32]byte

func (k TipsetKey) Hash() TipsetHash {
	var buf []byte
	for _, c := range k.cids {
		buf = append(buf, c.Bytes()...)
	}
	return TipsetHash(ipld.HashBlake2b256(buf))
}

func (k TipsetKey) String() string {
	s := "{"
	for i, c := range k.cids {
		if i > 0 {
			s += ","
		}
		s += c.String()
	}
	return s + "}"
}
