package chain

import (
	"math/big"
	"testing"

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

func makeHeader(t *testing.T, ticket byte, height uint64, weight int64) *BlockHeader {
	t.Helper()
	return &BlockHeader{
		Miner:                 []byte("t01000"),
		Parents:               NewTipsetKey(nil),
		ParentWeight:          big.NewInt(weight),
		ParentStateRoot:       mustCid(t, []byte("state")),
		ParentMessageReceipts: mustCid(t, []byte("receipts")),
		Messages:              mustCid(t, []byte{'m', ticket}),
		Height:                height,
		Timestamp:             1700000000,
		Ticket:                []byte{ticket},
	}
}

func TestBlockHeaderCborRoundTrip(t *testing.T) {
	h := makeHeader(t, 7, 100, 42)
	h.ElectionProof = []byte("proof")

	b, err := encodeHeader(h)
	if err != nil {
		t.Fatal(err)
	}
	var out BlockHeader
	if err := out.UnmarshalCBOR(b); err != nil {
		t.Fatal(err)
	}
	if out.Height != h.Height || out.Timestamp != h.Timestamp {
		t.Fatalf("roundtrip mismatch: %+v", out)
	}
	if out.ParentWeight.Cmp(h.ParentWeight) != 0 {
		t.Fatalf("parent_weight mismatch: %v vs %v", out.ParentWeight, h.ParentWeight)
	}
	if string(out.ElectionProof) != string(h.ElectionProof) {
		t.Fatalf("election_proof mismatch: %q", out.ElectionProof)
	}
	if out.BlockSig != nil {
		t.Fatalf("expected nil block_sig, got %v", out.BlockSig)
	}
}

func encodeHeader(h *BlockHeader) ([]byte, error) {
	var buf []byte
	err := func() error {
		w := &byteSink{}
		if err := h.MarshalCBOR(w); err != nil {
			return err
		}
		buf = w.buf
		return nil
	}()
	return buf, err
}

type byteSink struct{ buf []byte }

func (s *byteSink) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

func TestBlockHeaderCidIsHashOfEncoding(t *testing.T) {
	h := makeHeader(t, 3, 5, 1)
	c1, err := h.Cid()
	if err != nil {
		t.Fatal(err)
	}
	b, err := encodeHeader(h)
	if err != nil {
		t.Fatal(err)
	}
	want, err := ipld.HashCbCid(b)
	if err != nil {
		t.Fatal(err)
	}
	if !c1.Equals(want.Cid) {
		t.Fatalf("cid mismatch: %s vs %s", c1, want.Cid)
	}
}

func TestTipsetCreateCanonicalAndIdempotent(t *testing.T) {
	a := makeHeader(t, 9, 10, 5)
	b := makeHeader(t, 2, 10, 5)
	cHeader := makeHeader(t, 5, 10, 5)

	ts, err := Create([]*BlockHeader{a, b, cHeader})
	if err != nil {
		t.Fatal(err)
	}
	if len(ts.Blocks()) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(ts.Blocks()))
	}
	for i := 1; i < len(ts.Blocks()); i++ {
		if string(ts.Blocks()[i-1].Ticket) > string(ts.Blocks()[i].Ticket) {
			t.Fatalf("blocks not sorted by ticket: %v", ts.Blocks())
		}
	}

	ts2, err := Create(ts.Blocks())
	if err != nil {
		t.Fatal(err)
	}
	if !ts.Key().Equals(ts2.Key()) {
		t.Fatalf("create not idempotent on its own output: %s vs %s", ts.Key(), ts2.Key())
	}
}

func TestTipsetCreateRejectsHeightMismatch(t *testing.T) {
	a := makeHeader(t, 1, 10, 5)
	b := makeHeader(t, 2, 11, 5)
	_, err := Create([]*BlockHeader{a, b})
	if err == nil {
		t.Fatal("expected HeightMismatch error")
	}
	if e, ok := err.(*Error); !ok || e.Code != HeightMismatch {
		t.Fatalf("expected HeightMismatch, got %v", err)
	}
}

func TestTipsetCreateRejectsEmpty(t *testing.T) {
	_, err := Create(nil)
	if err == nil {
		t.Fatal("expected EmptyBlockSet error")
	}
}

func TestInterpreterCachePutAndMarkBad(t *testing.T) {
	store := ipld.NewMemStore()
	cache := NewInterpreterCache(store)

	var key TipsetHash
	key[0] = 1

	if _, _, ok, err := cache.TryGet(key); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	res := Result{StateRoot: mustCid(t, []byte("s")), MessageReceipts: mustCid(t, []byte("r"))}
	if err := cache.Put(key, res); err != nil {
		t.Fatal(err)
	}
	got, bad, ok, err := cache.TryGet(key)
	if err != nil || !ok || bad {
		t.Fatalf("TryGet after Put: ok=%v bad=%v err=%v", ok, bad, err)
	}
	if !got.StateRoot.Equals(res.StateRoot) {
		t.Fatalf("state root mismatch")
	}

	var badKey TipsetHash
	badKey[0] = 2
	if err := cache.MarkBad(badKey, "interpret failed"); err != nil {
		t.Fatal(err)
	}
	_, bad, ok, err = cache.TryGet(badKey)
	if err != nil || !ok || !bad {
		t.Fatalf("TryGet after MarkBad: ok=%v bad=%v err=%v", ok, bad, err)
	}
}

func TestInterpreterCacheSurvivesReloadThroughStore(t *testing.T) {
	store := ipld.NewMemStore()
	cache1 := NewInterpreterCache(store)
	var key TipsetHash
	key[3] = 9
	res := Result{StateRoot: mustCid(t, []byte("x")), MessageReceipts: mustCid(t, []byte("y"))}
	if err := cache1.Put(key, res); err != nil {
		t.Fatal(err)
	}

	cache2 := NewInterpreterCache(store) // fresh in-memory map, same backing store
	got, bad, ok, err := cache2.TryGet(key)
	if err != nil || !ok || bad {
		t.Fatalf("TryGet on fresh cache: ok=%v bad=%v err=%v", ok, bad, err)
	}
	if !got.StateRoot.Equals(res.StateRoot) {
		t.Fatal("state root mismatch across cache instances")
	}
}
