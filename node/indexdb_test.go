package node

import (
	"path/filepath"
	"testing"

	"github.com/fuhon-project/fuhon/chain"
)

func openTestIndexDb(t *testing.T) *IndexDb {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	db, err := OpenIndexDb(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestIndexDbStoreAndGet(t *testing.T) {
	db := openTestIndexDb(t)
	genesis := tipset(t, 0, 0, chain.NewTipsetKey(nil))
	info := TipsetInfo{Key: genesis.Key(), Branch: genesisBranchID, Height: 0}
	if err := db.Store(info, nil); err != nil {
		t.Fatal(err)
	}

	got, err := db.Get(genesis.Key().Hash())
	if err != nil {
		t.Fatal(err)
	}
	if got.Branch != genesisBranchID || got.Height != 0 {
		t.Fatalf("unexpected row: %+v", got)
	}

	got2, err := db.GetAtHeight(genesisBranchID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !got2.Key.Equals(genesis.Key()) {
		t.Fatalf("height lookup mismatch")
	}
}

func TestIndexDbNotFound(t *testing.T) {
	db := openTestIndexDb(t)
	var h chain.TipsetHash
	_, err := db.Get(h)
	if err == nil {
		t.Fatal("expected TipsetNotFound")
	}
	if e, ok := err.(*IndexDbError); !ok || e.Code != TipsetNotFound {
		t.Fatalf("expected TipsetNotFound, got %v", err)
	}
}

func TestIndexDbRenameRelabelsRows(t *testing.T) {
	db := openTestIndexDb(t)
	genesis := tipset(t, 0, 0, chain.NewTipsetKey(nil))
	ts1 := tipset(t, 1, 1, genesis.Key())
	ts2 := tipset(t, 2, 2, ts1.Key())

	if err := db.Store(TipsetInfo{Key: genesis.Key(), Branch: genesisBranchID, Height: 0}, nil); err != nil {
		t.Fatal(err)
	}
	if err := db.Store(TipsetInfo{Key: ts1.Key(), Branch: genesisBranchID, Height: 1, ParentHash: genesis.Key().Hash()}, nil); err != nil {
		t.Fatal(err)
	}
	if err := db.Store(TipsetInfo{Key: ts2.Key(), Branch: genesisBranchID, Height: 2, ParentHash: ts1.Key().Hash()}, nil); err != nil {
		t.Fatal(err)
	}

	rename := &RenameBranch{OldID: genesisBranchID, NewID: 5, AboveHeight: 0, Split: true}
	fork := tipset(t, 9, 1, genesis.Key())
	if err := db.Store(TipsetInfo{Key: fork.Key(), Branch: genesisBranchID, Height: 1, ParentHash: genesis.Key().Hash()}, rename); err != nil {
		t.Fatal(err)
	}

	row1, err := db.Get(ts1.Key().Hash())
	if err != nil {
		t.Fatal(err)
	}
	if row1.Branch != 5 {
		t.Fatalf("expected ts1 relabeled to branch 5, got %d", row1.Branch)
	}
	row2, err := db.Get(ts2.Key().Hash())
	if err != nil {
		t.Fatal(err)
	}
	if row2.Branch != 5 {
		t.Fatalf("expected ts2 relabeled to branch 5, got %d", row2.Branch)
	}
	rowGenesis, err := db.Get(genesis.Key().Hash())
	if err != nil {
		t.Fatal(err)
	}
	if rowGenesis.Branch != genesisBranchID {
		t.Fatalf("genesis row should not be relabeled, got %d", rowGenesis.Branch)
	}
}

func TestIndexDbWalkAscendingWithLimit(t *testing.T) {
	db := openTestIndexDb(t)
	genesis := tipset(t, 0, 0, chain.NewTipsetKey(nil))
	prev := genesis
	if err := db.Store(TipsetInfo{Key: genesis.Key(), Branch: genesisBranchID, Height: 0}, nil); err != nil {
		t.Fatal(err)
	}
	for h := uint64(1); h <= 3; h++ {
		ts := tipset(t, byte(h), h, prev.Key())
		if err := db.Store(TipsetInfo{Key: ts.Key(), Branch: genesisBranchID, Height: h, ParentHash: prev.Key().Hash()}, nil); err != nil {
			t.Fatal(err)
		}
		prev = ts
	}

	var heights []uint64
	err := db.Walk(genesisBranchID, 0, 2, func(info *TipsetInfo) error {
		heights = append(heights, info.Height)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(heights) != 2 || heights[0] != 0 || heights[1] != 1 {
		t.Fatalf("unexpected walk result: %v", heights)
	}
}
