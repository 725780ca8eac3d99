package node

import (
	"math/big"
	"testing"

	"github.com/fuhon-project/fuhon/chain"
	"github.com/fuhon-project/fuhon/ipld"
	"github.com/ipfs/go-cid"
)

func mustCid(t *testing.T, b []byte) cid.Cid {
	t.Helper()
	c, err := ipld.HashCbCid(b)
	if err != nil {
		t.Fatal(err)
	}
	return c.Cid
}

func header(t *testing.T, ticket byte, height uint64, parents chain.TipsetKey) *chain.BlockHeader {
	t.Helper()
	return &chain.BlockHeader{
		Miner:                 []byte("t01000"),
		Parents:               parents,
		ParentWeight:          big.NewInt(int64(height)),
		ParentStateRoot:       mustCid(t, []byte("s")),
		ParentMessageReceipts: mustCid(t, []byte("r")),
		Messages:              mustCid(t, []byte{'m', ticket, byte(height)}),
		Height:                height,
		Ticket:                []byte{ticket},
	}
}

func tipset(t *testing.T, ticket byte, height uint64, parents chain.TipsetKey) *chain.Tipset {
	t.Helper()
	ts, err := chain.Create([]*chain.BlockHeader{header(t, ticket, height, parents)})
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestStoreGenesisCreatesHead(t *testing.T) {
	b := NewBranches()
	genesis := tipset(t, 0, 0, chain.NewTipsetKey(nil))
	b.StoreGenesis(genesis.Key())

	heads := b.Heads()
	if len(heads) != 1 || heads[0] != genesisBranchID {
		t.Fatalf("expected single genesis head, got %v", heads)
	}
}

func TestLinearExtensionStaysOnGenesisBranch(t *testing.T) {
	b := NewBranches()
	genesis := tipset(t, 0, 0, chain.NewTipsetKey(nil))
	b.StoreGenesis(genesis.Key())

	ts1 := tipset(t, 1, 1, genesis.Key())
	pos := b.FindStorePosition(ts1.Key(), ts1.Height(), genesis.Key().Hash(), genesisBranchID, 0)
	if pos.OnTopOf != genesisBranchID {
		t.Fatalf("expected extension on top of genesis branch, got %+v", pos)
	}
	b.StoreTipset(ts1, genesis.Key().Hash(), pos)

	info := b.Get(genesisBranchID)
	if info.TopHeight != 1 || !info.Top.Equals(ts1.Key()) {
		t.Fatalf("branch not extended: %+v", info)
	}
}

func TestSplitOnMidBranchParent(t *testing.T) {
	b := NewBranches()
	genesis := tipset(t, 0, 0, chain.NewTipsetKey(nil))
	b.StoreGenesis(genesis.Key())

	ts1 := tipset(t, 1, 1, genesis.Key())
	pos1 := b.FindStorePosition(ts1.Key(), 1, genesis.Key().Hash(), genesisBranchID, 0)
	b.StoreTipset(ts1, genesis.Key().Hash(), pos1)

	ts2 := tipset(t, 2, 2, ts1.Key())
	pos2 := b.FindStorePosition(ts2.Key(), 2, ts1.Key().Hash(), genesisBranchID, 1)
	b.StoreTipset(ts2, ts1.Key().Hash(), pos2)

	// A competing block also at height 1, forking off genesis (mid-branch parent).
	forkTs := tipset(t, 9, 1, genesis.Key())
	pos3 := b.FindStorePosition(forkTs.Key(), 1, genesis.Key().Hash(), genesisBranchID, 0)
	if pos3.Rename == nil || !pos3.Rename.Split {
		t.Fatalf("expected a split for a second block at height 1, got %+v", pos3)
	}
	b.SplitBranch(pos3.Rename, genesis.Key())
	b.StoreTipset(forkTs, genesis.Key().Hash(), pos3)

	// genesis branch must now end exactly at height 0.
	gInfo := b.Get(genesisBranchID)
	if gInfo.TopHeight != 0 {
		t.Fatalf("expected genesis branch truncated to height 0, got %d", gInfo.TopHeight)
	}
}

func TestGetCommonRootAndRoute(t *testing.T) {
	b := NewBranches()
	genesis := tipset(t, 0, 0, chain.NewTipsetKey(nil))
	b.StoreGenesis(genesis.Key())

	ts1 := tipset(t, 1, 1, genesis.Key())
	pos1 := b.FindStorePosition(ts1.Key(), 1, genesis.Key().Hash(), genesisBranchID, 0)
	b.StoreTipset(ts1, genesis.Key().Hash(), pos1)

	forkTs := tipset(t, 9, 1, genesis.Key())
	pos2 := b.FindStorePosition(forkTs.Key(), 1, genesis.Key().Hash(), genesisBranchID, 0)
	b.SplitBranch(pos2.Rename, genesis.Key())
	b.StoreTipset(forkTs, genesis.Key().Hash(), pos2)

	root := b.GetCommonRoot(pos1.AssignedBranch, pos2.AssignedBranch)
	if root != genesisBranchID {
		t.Fatalf("expected common root = genesis branch, got %d", root)
	}
	route := b.GetRoute(pos1.AssignedBranch, pos2.AssignedBranch)
	if len(route) == 0 || route[0] != pos1.AssignedBranch || route[len(route)-1] != pos2.AssignedBranch {
		t.Fatalf("unexpected route: %v", route)
	}
}
