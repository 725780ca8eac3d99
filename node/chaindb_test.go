package node

import (
	"path/filepath"
	"testing"

	"github.com/fuhon-project/fuhon/chain"
	"github.com/fuhon-project/fuhon/ipld"
)

func newTestChainDb(t *testing.T) (*ChainDb, *chain.Tipset) {
	t.Helper()
	idx, err := OpenIndexDb(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	store := ipld.NewMemStore()
	cdb := NewChainDb(idx, store)
	genesis := tipset(t, 0, 0, chain.NewTipsetKey(nil))
	if err := cdb.Init(genesis, true); err != nil {
		t.Fatal(err)
	}
	return cdb, genesis
}

func TestChainDbStoreLinearChain(t *testing.T) {
	cdb, genesis := newTestChainDb(t)

	ts1 := tipset(t, 1, 1, genesis.Key())
	state, err := cdb.StoreTipset(ts1, genesis.Key())
	if err != nil {
		t.Fatal(err)
	}
	if !state.TipsetIndexed || !state.ChainIndexed {
		t.Fatalf("expected tipset+chain indexed, got %+v", state)
	}

	ts2 := tipset(t, 2, 2, ts1.Key())
	state2, err := cdb.StoreTipset(ts2, ts1.Key())
	if err != nil {
		t.Fatal(err)
	}
	if !state2.ChainIndexed {
		t.Fatalf("expected chain indexed for ts2, got %+v", state2)
	}
}

func TestChainDbWalkForwardAndBackward(t *testing.T) {
	cdb, genesis := newTestChainDb(t)
	ts1 := tipset(t, 1, 1, genesis.Key())
	if _, err := cdb.StoreTipset(ts1, genesis.Key()); err != nil {
		t.Fatal(err)
	}
	ts2 := tipset(t, 2, 2, ts1.Key())
	if _, err := cdb.StoreTipset(ts2, ts1.Key()); err != nil {
		t.Fatal(err)
	}

	var heights []uint64
	err := cdb.WalkForward(genesis.Key().Hash(), ts2.Key().Hash(), 0, func(info *TipsetInfo) error {
		heights = append(heights, info.Height)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(heights) != 3 || heights[0] != 0 || heights[2] != 2 {
		t.Fatalf("unexpected forward walk: %v", heights)
	}

	var back []uint64
	err = cdb.WalkBackward(ts2.Key().Hash(), 0, func(info *TipsetInfo) error {
		back = append(back, info.Height)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != 3 || back[0] != 2 || back[2] != 0 {
		t.Fatalf("unexpected backward walk: %v", back)
	}
}

func TestChainDbHeadCallbackFiresOnInsert(t *testing.T) {
	cdb, genesis := newTestChainDb(t)
	var gotChanges []HeadChanges
	cdb.Start(func(c HeadChanges) { gotChanges = append(gotChanges, c) })

	ts1 := tipset(t, 1, 1, genesis.Key())
	if _, err := cdb.StoreTipset(ts1, genesis.Key()); err != nil {
		t.Fatal(err)
	}
	if len(gotChanges) == 0 {
		t.Fatal("expected at least one head-change callback")
	}
}
