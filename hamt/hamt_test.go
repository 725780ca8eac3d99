package hamt

import (
	"fmt"
	"testing"

	"github.com/fuhon-project/fuhon/ipld"
)

// Spec §8 scenario 1 names the literal empty-HAMT (bit_width=5) flush CID:
// 0171a0e4022018fe6acc61a3a36b0c373c4a3a8ea64b812bf2ca9b528050909c78d408558a0c.
func TestEmptyHAMTFlushIsDeterministic(t *testing.T) {
	const wantCid = "0171a0e4022018fe6acc61a3a36b0c373c4a3a8ea64b812bf2ca9b528050909c78d408558a0c"

	store := ipld.NewMemStore()
	h1 := New(store, 5)
	c1, err := h1.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprintf("%x", c1.Bytes()); got != wantCid {
		t.Fatalf("empty hamt flush cid = %s, want %s", got, wantCid)
	}
	h2 := New(store, 5)
	c2, err := h2.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if !c1.Equals(c2) {
		t.Fatalf("empty hamt flush not deterministic: %s vs %s", c1, c2)
	}

	reloaded, err := Load(store, 5, c1)
	if err != nil {
		t.Fatal(err)
	}
	c3, err := reloaded.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if !c1.Equals(c3) {
		t.Fatalf("reload+flush changed cid: %s vs %s", c1, c3)
	}
}

func TestSetGetRemoveBasic(t *testing.T) {
	store := ipld.NewMemStore()
	h := New(store, defaultBitWidth)

	if err := h.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := h.Set([]byte("b"), []byte("2")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := h.Get([]byte("a"))
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("get a: v=%s ok=%v err=%v", v, ok, err)
	}

	removed, err := h.Remove([]byte("a"))
	if err != nil || !removed {
		t.Fatalf("remove a: %v %v", removed, err)
	}
	if ok, _ := h.Contains([]byte("a")); ok {
		t.Fatal("a should be gone")
	}
	if ok, _ := h.Contains([]byte("b")); !ok {
		t.Fatal("b should still be present")
	}
}

func TestRemoveRestoresPriorRootCID(t *testing.T) {
	store := ipld.NewMemStore()
	h := New(store, defaultBitWidth)
	before, err := h.Flush()
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Remove([]byte("k")); err != nil {
		t.Fatal(err)
	}
	after, err := h.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if !before.Equals(after) {
		t.Fatalf("set-then-remove did not restore root cid: %s vs %s", before, after)
	}
}

func TestSplitOnLeafOverflowAndVisitOrder(t *testing.T) {
	store := ipld.NewMemStore()
	h := New(store, 4) // small bit_width to force collisions/splits quickly.

	want := map[string]string{}
	for i := 0; i < 64; i++ {
		k := fmt.Sprintf("key-%02d", i)
		v := fmt.Sprintf("val-%02d", i)
		if err := h.Set([]byte(k), []byte(v)); err != nil {
			t.Fatal(err)
		}
		want[k] = v
	}

	got := map[string]string{}
	if err := h.Visit(func(k, v []byte) error {
		got[string(k)] = string(v)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("visit returned %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("key %s: got %s want %s", k, got[k], v)
		}
	}
}

func TestFlushOrderInvarianceSameCID(t *testing.T) {
	store1 := ipld.NewMemStore()
	store2 := ipld.NewMemStore()
	h1 := New(store1, 6)
	h2 := New(store2, 6)

	keys := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	for _, k := range keys {
		if err := h1.Set([]byte(k), []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	for i := len(keys) - 1; i >= 0; i-- {
		if err := h2.Set([]byte(keys[i]), []byte(keys[i])); err != nil {
			t.Fatal(err)
		}
	}
	c1, err := h1.Flush()
	if err != nil {
		t.Fatal(err)
	}
	c2, err := h2.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if !c1.Equals(c2) {
		t.Fatalf("same content, different insertion order produced different cids: %s vs %s", c1, c2)
	}
}
