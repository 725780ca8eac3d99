package chain

import (
	"bytes"
	"math/big"
	"sort"

	"github.com/ipfs/go-cid"
)

// Tipset is a non-empty set of block headers at the same height sharing
// identical parents, ordered canonically by (ticket, CID) (spec §4.5).
type Tipset struct {
	blocks []*BlockHeader
	cids   []cid.Cid
	key    TipsetKey
}

// Create sorts blocks by (ticket, CID) and verifies they share height,
// parents, and parent_weight before building the canonical TipsetKey.
func Create(blocks []*BlockHeader) (*Tipset, error) {
	if len(blocks) == 0 {
		return nil, newErr(EmptyBlockSet, "tipset must contain at least one block")
	}
	type entry struct {
		h *BlockHeader
		c cid.Cid
	}
	entries := make([]entry, len(blocks))
	for i, b := range blocks {
		c, err := b.Cid()
		if err != nil {
			return nil, err
		}
		entries[i] = entry{h: b, c: c}
	}
	sort.Slice(entries, func(i, j int) bool {
		if cmp := bytes.Compare(entries[i].h.Ticket, entries[j].h.Ticket); cmp != 0 {
			return cmp < 0
		}
		return bytes.Compare(entries[i].c.Bytes(), entries[j].c.Bytes()) < 0
	})

	height := entries[0].h.Height
	parents := entries[0].h.Parents
	weight := entries[0].h.ParentWeight
	for _, e := range entries[1:] {
		if e.h.Height != height {
			return nil, newErr(HeightMismatch, "block %s has height %d, want %d", e.c, e.h.Height, height)
		}
		if !e.h.Parents.Equals(parents) {
			return nil, newErr(ParentsMismatch, "block %s has differing parents", e.c)
		}
		if e.h.ParentWeight.Cmp(weight) != 0 {
			return nil, newErr(WeightMismatch, "block %s has differing parent_weight", e.c)
		}
	}

	out := &Tipset{blocks: make([]*BlockHeader, len(entries)), cids: make([]cid.Cid, len(entries))}
	for i, e := range entries {
		out.blocks[i] = e.h
		out.cids[i] = e.c
	}
	out.key = NewTipsetKey(out.cids)
	return out, nil
}

func (t *Tipset) Blocks() []*BlockHeader { return t.blocks }
func (t *Tipset) Key() TipsetKey         { return t.key }
func (t *Tipset) Height() uint64         { return t.blocks[0].Height }
func (t *Tipset) Parents() TipsetKey     { return t.blocks[0].Parents }
func (t *Tipset) ParentWeight() *big.Int { return t.blocks[0].ParentWeight }
