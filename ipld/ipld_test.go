package ipld

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/fuhon-project/fuhon/cbor"
)

type testVal struct {
	N int64
	S string
}

func (v *testVal) MarshalCBOR(w io.Writer) error {
	if err := cbor.WriteArrayHeader(w, 2); err != nil {
		return err
	}
	if err := cbor.WriteInt(w, v.N); err != nil {
		return err
	}
	return cbor.WriteString(w, v.S)
}

func (v *testVal) UnmarshalCBOR(b []byte) error {
	r := cbor.NewReaderBytes(b)
	n, err := r.ReadArrayHeader()
	if err != nil || n != 2 {
		return err
	}
	if v.N, err = r.ReadInt(); err != nil {
		return err
	}
	v.S, err = r.ReadString()
	return err
}

func TestHashCbCidDeterministic(t *testing.T) {
	a, err := HashCbCid([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := HashCbCid([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equals(b.Cid) {
		t.Fatalf("hash not deterministic: %s vs %s", a, b)
	}
	c, err := HashCbCid([]byte("world"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Equals(c.Cid) {
		t.Fatal("different bytes hashed to same cid")
	}
}

func TestMemStoreCborRoundTrip(t *testing.T) {
	s := NewMemStore()
	v := &testVal{N: 42, S: "tipset"}
	c, err := SetCbor(s, v)
	if err != nil {
		t.Fatal(err)
	}
	var out testVal
	if err := GetCbor(s, c.Cid, &out); err != nil {
		t.Fatal(err)
	}
	if out.N != v.N || out.S != v.S {
		t.Fatalf("roundtrip mismatch: %+v", out)
	}
}

func TestMemStoreNotFound(t *testing.T) {
	s := NewMemStore()
	c, _ := HashCbCid([]byte("missing"))
	if _, err := s.Get(c.Cid); err == nil {
		t.Fatal("expected NotFound")
	}
}

func TestCidsIpldSetGetAndReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chain.car")

	store, err := OpenCidsIpld(path, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	v := &testVal{N: 7, S: "block"}
	var buf bytes.Buffer
	if err := v.MarshalCBOR(&buf); err != nil {
		t.Fatal(err)
	}
	c, err := HashCbCid(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set(c.Cid, buf.Bytes()); err != nil {
		t.Fatal(err)
	}
	// Duplicate set of the same CID is a no-op.
	if err := store.Set(c.Cid, buf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenCidsIpld(path, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	ok, err := reopened.Contains(c.Cid)
	if err != nil || !ok {
		t.Fatalf("contains after reopen: ok=%v err=%v", ok, err)
	}
	got, err := reopened.Get(c.Cid)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, buf.Bytes()) {
		t.Fatalf("get after reopen mismatch")
	}
}

func TestCidsIpldReadOnlyMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := OpenCidsIpld(filepath.Join(dir, "missing.car"), false, 0); err == nil {
		t.Fatal("expected error opening missing read-only car")
	}
}
