package node

import (
	"github.com/fuhon-project/fuhon/chain"
	"github.com/fuhon-project/fuhon/ipld"
)

// loadTipsetFromStore decodes every block header named by key out of
// store and reassembles the canonical Tipset (spec §4.5/§4.12: re-deriving
// a Tipset from a key already known to be locally available).
func loadTipsetFromStore(store ipld.Store, key chain.TipsetKey) (*chain.Tipset, error) {
	cids := key.Cids()
	blocks := make([]*chain.BlockHeader, len(cids))
	for i, c := range cids {
		raw, err := store.Get(c)
		if err != nil {
			return nil, err
		}
		h := &chain.BlockHeader{}
		if err := h.UnmarshalCBOR(raw); err != nil {
			return nil, err
		}
		blocks[i] = h
	}
	return chain.Create(blocks)
}
