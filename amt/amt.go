// Package amt implements the content-addressed AMT (array mapped trie)
// from spec §4.4: a CBOR-serialized sparse array keyed by u64 < kMaxIndex,
// mirroring the hamt package's node shape and flush discipline.
package amt

import (
	"bytes"

	"github.com/fuhon-project/fuhon/cbor"
	"github.com/fuhon-project/fuhon/ipld"
	"github.com/ipfs/go-cid"
)

const defaultBitWidth = 3 // width = 8

// MaxIndex bounds the set of legal keys: keys in [0, MaxIndex) are valid,
// MaxIndex itself and above fail with IndexTooBig. Spec §8 names the
// boundary behavior (kMaxIndex-1 succeeds, kMaxIndex fails) without a
// literal value; chosen generously but small enough that width^(height+1)
// never overflows uint64 for any bit_width this package supports.
const MaxIndex = uint64(1) << 48

// AMT is a handle onto one trie: freshly created (root held only in
// memory) or loaded from a CID.
type AMT struct {
	store    ipld.Store
	bitWidth uint
	width    int
	height   int
	count    uint64
	root     *Node
}

// New creates an empty AMT over store with the given bit_width.
func New(store ipld.Store, bitWidth uint) *AMT {
	width := 1 << bitWidth
	return &AMT{store: store, bitWidth: bitWidth, width: width, height: 0, root: newNode(width)}
}

// Load opens an existing AMT from its root CID. The root record omits
// bit_width when it equals defaultBitWidth (spec §4.4 "optional bit_width"),
// so the record is either 3 or 4 elements long.
func Load(store ipld.Store, rootCid cid.Cid) (*AMT, error) {
	b, err := store.Get(rootCid)
	if err != nil {
		return nil, err
	}
	r := cbor.NewReaderBytes(b)
	n, err := r.ReadArrayHeader()
	if err != nil || (n != 3 && n != 4) {
		return nil, newErr(MalformedNode, "expected 3- or 4-element root array")
	}
	bitWidth := uint64(defaultBitWidth)
	if n == 4 {
		bitWidth, err = r.ReadUInt()
		if err != nil {
			return nil, newErr(MalformedNode, "bit_width: %v", err)
		}
	}
	height, err := r.ReadUInt()
	if err != nil {
		return nil, newErr(MalformedNode, "height: %v", err)
	}
	count, err := r.ReadUInt()
	if err != nil {
		return nil, newErr(MalformedNode, "count: %v", err)
	}
	rootBytes, err := r.ReadRawItem()
	if err != nil {
		return nil, newErr(MalformedNode, "root node: %v", err)
	}
	width := 1 << bitWidth
	root, err := unmarshalNode(width, height == 0, rootBytes)
	if err != nil {
		return nil, err
	}
	return &AMT{store: store, bitWidth: uint(bitWidth), width: width, height: int(height), count: count, root: root}, nil
}

func (a *AMT) rootNode() *Node {
	if a.root == nil {
		a.root = newNode(a.width)
	}
	return a.root
}

func (a *AMT) Count() uint64 { return a.count }

// widthPow returns width^exp as a uint64, capped deliberately low by
// MaxIndex so callers never need to worry about overflow.
func (a *AMT) widthPow(exp int) uint64 {
	v := uint64(1)
	for i := 0; i < exp; i++ {
		v *= uint64(a.width)
		if v >= MaxIndex {
			return MaxIndex
		}
	}
	return v
}

func (a *AMT) Set(key uint64, value []byte) error {
	if key >= MaxIndex {
		return newErr(IndexTooBig, "key %d >= MaxIndex %d", key, MaxIndex)
	}
	for key >= a.widthPow(a.height+1) {
		newRoot := newNode(a.width)
		newRoot.insertAt(0, item{node: a.rootNode()})
		a.root = newRoot
		a.height++
	}
	_, existed, err := a.getNode(a.rootNode(), key, a.height)
	if err != nil {
		return err
	}
	if err := a.setNode(a.rootNode(), key, value, a.height); err != nil {
		return err
	}
	if !existed {
		a.count++
	}
	return nil
}

func (a *AMT) setNode(n *Node, key uint64, value []byte, height int) error {
	if height == 0 {
		slot := int(key)
		n.insertAt(slot, item{leaf: value})
		return nil
	}
	sub := a.widthPow(height)
	slot := int(key / sub)
	childKey := key % sub
	it, occupied := n.getAt(slot)
	var child *Node
	if occupied {
		c, err := a.loadChild(it, height-1)
		if err != nil {
			return err
		}
		child = c
	} else {
		child = newNode(a.width)
	}
	if err := a.setNode(child, childKey, value, height-1); err != nil {
		return err
	}
	n.insertAt(slot, item{node: child})
	return nil
}

func (a *AMT) loadChild(it item, height int) (*Node, error) {
	if it.node != nil {
		return it.node, nil
	}
	return loadNode(a.store, a.width, height == 0, it.cid)
}

func (a *AMT) Get(key uint64) ([]byte, bool, error) {
	if key >= MaxIndex {
		return nil, false, newErr(IndexTooBig, "key %d >= MaxIndex %d", key, MaxIndex)
	}
	if key >= a.widthPow(a.height+1) {
		return nil, false, nil
	}
	return a.getNode(a.rootNode(), key, a.height)
}

func (a *AMT) getNode(n *Node, key uint64, height int) ([]byte, bool, error) {
	if height == 0 {
		slot := int(key)
		it, ok := n.getAt(slot)
		if !ok {
			return nil, false, nil
		}
		return it.leaf, true, nil
	}
	sub := a.widthPow(height)
	slot := int(key / sub)
	childKey := key % sub
	it, ok := n.getAt(slot)
	if !ok {
		return nil, false, nil
	}
	child, err := a.loadChild(it, height-1)
	if err != nil {
		return nil, false, err
	}
	return a.getNode(child, childKey, height-1)
}

func (a *AMT) Contains(key uint64) (bool, error) {
	_, ok, err := a.Get(key)
	return ok, err
}

func (a *AMT) Remove(key uint64) (bool, error) {
	if key >= a.widthPow(a.height+1) {
		return false, nil
	}
	removed, err := a.removeNode(a.rootNode(), key, a.height)
	if err != nil || !removed {
		return removed, err
	}
	a.count--
	a.shrink()
	return true, nil
}

func (a *AMT) removeNode(n *Node, key uint64, height int) (bool, error) {
	if height == 0 {
		slot := int(key)
		_, ok := n.getAt(slot)
		if !ok {
			return false, nil
		}
		n.removeAt(slot)
		return true, nil
	}
	sub := a.widthPow(height)
	slot := int(key / sub)
	childKey := key % sub
	it, ok := n.getAt(slot)
	if !ok {
		return false, nil
	}
	child, err := a.loadChild(it, height-1)
	if err != nil {
		return false, err
	}
	removed, err := a.removeNode(child, childKey, height-1)
	if err != nil || !removed {
		return removed, err
	}
	if child.childCount() == 0 {
		n.removeAt(slot)
	} else {
		n.insertAt(slot, item{node: child})
	}
	return true, nil
}

// shrink applies spec §4.4's shrink policy: while height > 0 and the root
// has zero or one child and that child (if any) sits at slot 0, descend.
func (a *AMT) shrink() {
	for a.height > 0 {
		root := a.rootNode()
		switch root.childCount() {
		case 0:
			a.root = newNode(a.width)
			a.height--
		case 1:
			it, ok := root.getAt(0)
			if !ok {
				return
			}
			child, err := a.loadChild(it, a.height-1)
			if err != nil {
				return
			}
			a.root = child
			a.height--
		default:
			return
		}
	}
}

// Visit walks every key/value pair in ascending key order. The callback may
// stop the walk early by returning a non-nil error, which Visit propagates.
func (a *AMT) Visit(fn func(key uint64, value []byte) error) error {
	return a.visitNode(a.rootNode(), 0, a.height, fn)
}

func (a *AMT) visitNode(n *Node, base uint64, height int, fn func(uint64, []byte) error) error {
	if height == 0 {
		for slot := 0; slot < a.width; slot++ {
			it, ok := n.getAt(slot)
			if !ok {
				continue
			}
			if err := fn(base+uint64(slot), it.leaf); err != nil {
				return err
			}
		}
		return nil
	}
	sub := a.widthPow(height)
	for slot := 0; slot < a.width; slot++ {
		it, ok := n.getAt(slot)
		if !ok {
			continue
		}
		child, err := a.loadChild(it, height-1)
		if err != nil {
			return err
		}
		if err := a.visitNode(child, base+uint64(slot)*sub, height-1, fn); err != nil {
			return err
		}
	}
	return nil
}

// flushChild recursively resolves and persists an interior/leaf child node,
// returning its CID. Unlike the root node, every child IS separately
// content-addressed (it may be shared/referenced independently of its
// parent's encoding).
func (a *AMT) flushChild(n *Node, height int) (cid.Cid, error) {
	if err := n.resolveChildren(height, a.flushChild); err != nil {
		return cid.Undef, err
	}
	return n.persist(a.store, height == 0)
}

// Flush writes every unsaved child as CBOR and rewrites the root, returning
// the root record's CID. The root node itself is embedded inline in the
// root record (spec §4.4: "a root holds (optional bit_width, height,
// count, root_node)"), not separately content-addressed. bit_width is
// omitted from the record when it equals defaultBitWidth, matching the
// reference encoder and the literal 3-element empty-AMT root of spec §8
// scenario 2.
func (a *AMT) Flush() (cid.Cid, error) {
	root := a.rootNode()
	if err := root.resolveChildren(a.height, a.flushChild); err != nil {
		return cid.Undef, err
	}
	includeBitWidth := a.bitWidth != defaultBitWidth
	var buf bytes.Buffer
	arrLen := 3
	if includeBitWidth {
		arrLen = 4
	}
	if err := cbor.WriteArrayHeader(&buf, arrLen); err != nil {
		return cid.Undef, err
	}
	if includeBitWidth {
		if err := cbor.WriteUInt(&buf, uint64(a.bitWidth)); err != nil {
			return cid.Undef, err
		}
	}
	if err := cbor.WriteUInt(&buf, uint64(a.height)); err != nil {
		return cid.Undef, err
	}
	if err := cbor.WriteUInt(&buf, a.count); err != nil {
		return cid.Undef, err
	}
	if err := root.marshalCBOR(&buf, a.height == 0); err != nil {
		return cid.Undef, err
	}
	c, err := ipld.HashCbCid(buf.Bytes())
	if err != nil {
		return cid.Undef, err
	}
	if err := a.store.Set(c.Cid, buf.Bytes()); err != nil {
		return cid.Undef, err
	}
	return c.Cid, nil
}
