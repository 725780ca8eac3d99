package node

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fuhon-project/fuhon/cbor"
	"github.com/fuhon-project/fuhon/chain"
	"github.com/fuhon-project/fuhon/event"
	"github.com/fuhon-project/fuhon/ipld"
)

func storeTipsetBlocks(t *testing.T, store ipld.Store, ts *chain.Tipset) {
	t.Helper()
	for _, h := range ts.Blocks() {
		c, err := h.Cid()
		if err != nil {
			t.Fatal(err)
		}
		enc, err := cbor.EncodeToBytes(h.MarshalCBOR)
		if err != nil {
			t.Fatal(err)
		}
		if err := store.Set(c, enc); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSyncJobEnqueuesLocallyAvailableHeadForInterpret(t *testing.T) {
	idx, err := OpenIndexDb(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	store := ipld.NewMemStore()
	cdb := NewChainDb(idx, store)
	genesis := tipset(t, 0, 0, chain.NewTipsetKey(nil))
	if err := cdb.Init(genesis, true); err != nil {
		t.Fatal(err)
	}
	storeTipsetBlocks(t, store, genesis)

	child := tipset(t, 1, 1, genesis.Key())
	if _, err := cdb.StoreTipset(child, genesis.Key()); err != nil {
		t.Fatal(err)
	}
	storeTipsetBlocks(t, store, child)

	var mu sync.Mutex
	var got []*chain.Tipset
	job := NewSyncJob(NewTipsetLoader(nil, store, nil), cdb, cdb.Branches(), chain.NewInterpreterCache(store), store,
		func(ts *chain.Tipset) { mu.Lock(); got = append(got, ts); mu.Unlock() })

	bus := event.New(16)
	defer bus.Stop()
	subs := job.Subscribe(bus)
	defer func() {
		for _, s := range subs {
			s.Close()
		}
	}()

	bus.Publish(event.PossibleHead{Head: child.Key(), Height: child.Height()})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || !got[0].Key().Equals(child.Key()) {
		t.Fatalf("expected child tipset enqueued for interpret, got %v", got)
	}
}

func TestSyncJobAdvancesChildOnHeadInterpreted(t *testing.T) {
	idx, err := OpenIndexDb(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	store := ipld.NewMemStore()
	cdb := NewChainDb(idx, store)
	genesis := tipset(t, 0, 0, chain.NewTipsetKey(nil))
	if err := cdb.Init(genesis, true); err != nil {
		t.Fatal(err)
	}
	storeTipsetBlocks(t, store, genesis)

	child := tipset(t, 1, 1, genesis.Key())
	if _, err := cdb.StoreTipset(child, genesis.Key()); err != nil {
		t.Fatal(err)
	}
	storeTipsetBlocks(t, store, child)

	var mu sync.Mutex
	var got []*chain.Tipset
	job := NewSyncJob(NewTipsetLoader(nil, store, nil), cdb, cdb.Branches(), chain.NewInterpreterCache(store), store,
		func(ts *chain.Tipset) { mu.Lock(); got = append(got, ts); mu.Unlock() })

	bus := event.New(16)
	defer bus.Stop()
	subs := job.Subscribe(bus)
	defer func() {
		for _, s := range subs {
			s.Close()
		}
	}()

	bus.Publish(event.HeadInterpreted{Head: genesis.Key()})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || !got[0].Key().Equals(child.Key()) {
		t.Fatalf("expected child of genesis enqueued for interpret, got %v", got)
	}
}
