package hamt

import (
	"bytes"
	"io"
	"sort"

	"github.com/fuhon-project/fuhon/cbor"
	"github.com/fuhon-project/fuhon/ipld"
	"github.com/ipfs/go-cid"
)

// kLeafMax is the maximum key/value pairs an inline leaf bucket holds before
// it splits into a child node (spec §4.3).
const kLeafMax = 3

// item is one occupied child slot: exactly one of cid / node / leaf is set.
// This is the Node::Item ∈ {CID, Ptr, Leaf} sum type from spec §9, and the
// leaf/interior duality is modeled the same way node-wide: an all-leaf
// Node (no cid/node-valued items) is the spec's "leaf node" shape; a Node
// with any cid/node-valued item is the "interior" shape.
type item struct {
	cid    cid.Cid
	node   *Node // in-memory child, not yet flushed (Ptr)
	leaf   map[string][]byte
	isLeaf bool
}

// Node is one HAMT trie node: a bitfield of occupied slots plus one item
// per occupied slot, in ascending slot order.
type Node struct {
	slotCount int
	bitfield  []byte // ceil(slotCount/8) bytes, bit i = slot i occupied
	items     []item // parallel to set bits, ascending slot order
}

func newNode(slotCount int) *Node {
	return &Node{slotCount: slotCount, bitfield: make([]byte, (slotCount+7)/8)}
}

func (n *Node) bitSet(slot int) bool {
	return n.bitfield[slot/8]&(1<<uint(slot%8)) != 0
}

func (n *Node) setBit(slot int) {
	n.bitfield[slot/8] |= 1 << uint(slot%8)
}

func (n *Node) clearBit(slot int) {
	n.bitfield[slot/8] &^= 1 << uint(slot%8)
}

// indexOf returns the position within n.items for slot, and whether it is occupied.
func (n *Node) indexOf(slot int) (int, bool) {
	if !n.bitSet(slot) {
		idx := 0
		for s := 0; s < slot; s++ {
			if n.bitSet(s) {
				idx++
			}
		}
		return idx, false
	}
	idx := 0
	for s := 0; s < slot; s++ {
		if n.bitSet(s) {
			idx++
		}
	}
	return idx, true
}

func (n *Node) insertAt(slot int, it item) {
	idx, occupied := n.indexOf(slot)
	if occupied {
		n.items[idx] = it
		return
	}
	n.setBit(slot)
	n.items = append(n.items, item{})
	copy(n.items[idx+1:], n.items[idx:])
	n.items[idx] = it
}

func (n *Node) removeAt(slot int) {
	idx, occupied := n.indexOf(slot)
	if !occupied {
		return
	}
	n.clearBit(slot)
	n.items = append(n.items[:idx], n.items[idx+1:]...)
}

func (n *Node) getAt(slot int) (item, bool) {
	idx, occupied := n.indexOf(slot)
	if !occupied {
		return item{}, false
	}
	return n.items[idx], true
}

// isAllLeaves reports whether every occupied slot in n is an inline leaf
// bucket (no cid/node-pointer children) — needed for the cleanShard fold rule.
func (n *Node) isAllLeaves() bool {
	for _, it := range n.items {
		if !it.isLeaf {
			return false
		}
	}
	return true
}

func (n *Node) totalLeafEntries() int {
	total := 0
	for _, it := range n.items {
		if it.isLeaf {
			total += len(it.leaf)
		}
	}
	return total
}

// bitfieldBytes returns n's fixed-width bitfield re-encoded as a minimal
// big.Int byte string: trailing (high-order) zero bytes are stripped and
// the remainder is written most-significant-byte first, matching the
// reference HAMT's big.Int.Bytes() convention (spec §6/§8 scenario 1: the
// empty node's bitfield is the zero-length string, not a zero-padded one).
func bitfieldBytes(fixed []byte) []byte {
	end := len(fixed)
	for end > 0 && fixed[end-1] == 0 {
		end--
	}
	out := make([]byte, end)
	for i := 0; i < end; i++ {
		out[end-1-i] = fixed[i]
	}
	return out
}

// expandBitfield is the inverse of bitfieldBytes: it reverses a minimal
// big-endian byte string back into this package's fixed-width, slot-major
// little-endian layout, zero-padding to byteLen.
func expandBitfield(minimal []byte, byteLen int) ([]byte, error) {
	if len(minimal) > byteLen {
		return nil, newErr(MalformedNode, "bitfield too long: %d bytes for %d-byte field", len(minimal), byteLen)
	}
	out := make([]byte, byteLen)
	for i, b := range minimal {
		out[len(minimal)-1-i] = b
	}
	return out, nil
}

// marshalCBOR encodes the node as the spec's (bitset, item-list) pair.
func (n *Node) marshalCBOR(w io.Writer) error {
	if err := cbor.WriteArrayHeader(w, 2); err != nil {
		return err
	}
	if err := cbor.WriteBytes(w, bitfieldBytes(n.bitfield)); err != nil {
		return err
	}
	if err := cbor.WriteArrayHeader(w, len(n.items)); err != nil {
		return err
	}
	for _, it := range n.items {
		if it.isLeaf {
			if err := writeLeaf(w, it.leaf); err != nil {
				return err
			}
			continue
		}
		if it.node != nil {
			return newErr(MalformedNode, "flush: unflushed child node pointer")
		}
		if err := cbor.WriteCID(w, it.cid); err != nil {
			return err
		}
	}
	return nil
}

func writeLeaf(w io.Writer, leaf map[string][]byte) error {
	keys := make([]string, 0, len(leaf))
	for k := range leaf {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := cbor.WriteMapHeader(w, len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := cbor.WriteBytes(w, []byte(k)); err != nil {
			return err
		}
		if err := cbor.WriteBytes(w, leaf[k]); err != nil {
			return err
		}
	}
	return nil
}

// unmarshalNode decodes a node from its CBOR bytes.
func unmarshalNode(slotCount int, b []byte) (*Node, error) {
	r := cbor.NewReaderBytes(b)
	arrLen, err := r.ReadArrayHeader()
	if err != nil || arrLen != 2 {
		return nil, newErr(MalformedNode, "expected 2-element array: %v", err)
	}
	minimal, err := r.ReadBytes()
	if err != nil {
		return nil, newErr(MalformedNode, "bitfield: %v", err)
	}
	wantLen := (slotCount + 7) / 8
	bitfield, err := expandBitfield(minimal, wantLen)
	if err != nil {
		return nil, err
	}
	n := &Node{slotCount: slotCount, bitfield: bitfield}

	popcount := 0
	for _, b := range bitfield {
		popcount += popcountByte(b)
	}
	itemsLen, err := r.ReadArrayHeader()
	if err != nil {
		return nil, newErr(MalformedNode, "items array: %v", err)
	}
	if itemsLen != popcount {
		return nil, newErr(MalformedNode, "items length %d != popcount %d", itemsLen, popcount)
	}
	n.items = make([]item, 0, itemsLen)
	for i := 0; i < itemsLen; i++ {
		major, err := r.PeekMajor()
		if err != nil {
			return nil, newErr(MalformedNode, "item peek: %v", err)
		}
		if major == 5 { // map -> leaf
			leaf, err := readLeaf(r)
			if err != nil {
				return nil, err
			}
			n.items = append(n.items, item{isLeaf: true, leaf: leaf})
			continue
		}
		c, err := r.ReadCID()
		if err != nil {
			return nil, newErr(MalformedNode, "item cid: %v", err)
		}
		n.items = append(n.items, item{cid: c})
	}
	return n, nil
}

func readLeaf(r *cbor.Reader) (map[string][]byte, error) {
	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, newErr(MalformedNode, "leaf map: %v", err)
	}
	out := make(map[string][]byte, n)
	for i := 0; i < n; i++ {
		k, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		out[string(k)] = v
	}
	return out, nil
}

func popcountByte(b byte) int {
	c := 0
	for b != 0 {
		c += int(b & 1)
		b >>= 1
	}
	return c
}

// flush recursively persists dirty (Ptr) children, replacing them with CIDs,
// then stores the node itself and returns its CID.
func (n *Node) flush(store ipld.Store) (cid.Cid, error) {
	for i := range n.items {
		if n.items[i].isLeaf || n.items[i].node == nil {
			continue
		}
		childCid, err := n.items[i].node.flush(store)
		if err != nil {
			return cid.Undef, err
		}
		n.items[i].cid = childCid
		n.items[i].node = nil
	}
	var buf bytes.Buffer
	if err := n.marshalCBOR(&buf); err != nil {
		return cid.Undef, err
	}
	c, err := ipld.HashCbCid(buf.Bytes())
	if err != nil {
		return cid.Undef, err
	}
	if err := store.Set(c.Cid, buf.Bytes()); err != nil {
		return cid.Undef, err
	}
	return c.Cid, nil
}

func loadNode(store ipld.Store, slotCount int, c cid.Cid) (*Node, error) {
	b, err := store.Get(c)
	if err != nil {
		return nil, err
	}
	return unmarshalNode(slotCount, b)
}
