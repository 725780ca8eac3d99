package amt

import (
	"bytes"
	"io"

	"github.com/fuhon-project/fuhon/cbor"
	"github.com/fuhon-project/fuhon/ipld"
	"github.com/ipfs/go-cid"
)

// item is one occupied slot in a node. At height 0 it holds a leaf value;
// above height 0 it holds a child, either already-flushed (cid) or still
// in-memory (node).
type item struct {
	leaf []byte
	cid  cid.Cid
	node *Node
}

// Node is one AMT trie node: width slots addressed by bitfield, same
// sparse-array-of-items shape as the HAMT node (spec §4.4 mirrors §4.3).
type Node struct {
	width    int
	bitfield []byte
	items    []item
}

func newNode(width int) *Node {
	return &Node{width: width, bitfield: make([]byte, (width+7)/8)}
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

func (n *Node) indexOf(slot int) (int, bool) {
	idx := 0
	for s := 0; s < slot; s++ {
		if n.bitSet(s) {
			idx++
		}
	}
	return idx, n.bitSet(slot)
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

func (n *Node) childCount() int {
	return len(n.items)
}

// bitfieldBytes and expandBitfield mirror the hamt package's big.Int
// minimal-encoding convention for the bmap field (spec §6/§8 scenario 2:
// the empty AMT node's bmap is the zero-length string, not a zero-padded
// one).
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

// marshalCBOR encodes the node as the reference go-amt-ipld shape
// (bmap, links, values): at height 0 every occupied slot's value is
// written into values and links is empty; above height 0 every occupied
// slot's child CID is written into links and values is empty. The caller
// (flush) already resolved in-memory child pointers to CIDs.
func (n *Node) marshalCBOR(w io.Writer, leafLevel bool) error {
	if err := cbor.WriteArrayHeader(w, 3); err != nil {
		return err
	}
	if err := cbor.WriteBytes(w, bitfieldBytes(n.bitfield)); err != nil {
		return err
	}
	if leafLevel {
		if err := cbor.WriteArrayHeader(w, 0); err != nil {
			return err
		}
		if err := cbor.WriteArrayHeader(w, len(n.items)); err != nil {
			return err
		}
		for _, it := range n.items {
			if err := cbor.WriteBytes(w, it.leaf); err != nil {
				return err
			}
		}
		return nil
	}
	if err := cbor.WriteArrayHeader(w, len(n.items)); err != nil {
		return err
	}
	for _, it := range n.items {
		if it.node != nil {
			return newErr(MalformedNode, "flush: unflushed child node pointer")
		}
		if err := cbor.WriteCID(w, it.cid); err != nil {
			return err
		}
	}
	return cbor.WriteArrayHeader(w, 0)
}

func unmarshalNode(width int, leafLevel bool, b []byte) (*Node, error) {
	r := cbor.NewReaderBytes(b)
	arrLen, err := r.ReadArrayHeader()
	if err != nil || arrLen != 3 {
		return nil, newErr(MalformedNode, "expected 3-element array: %v", err)
	}
	minimal, err := r.ReadBytes()
	if err != nil {
		return nil, newErr(MalformedNode, "bitfield: %v", err)
	}
	wantLen := (width + 7) / 8
	bitfield, err := expandBitfield(minimal, wantLen)
	if err != nil {
		return nil, err
	}
	n := &Node{width: width, bitfield: bitfield}

	popcount := 0
	for _, bb := range bitfield {
		popcount += popcountByte(bb)
	}
	linksLen, err := r.ReadArrayHeader()
	if err != nil {
		return nil, newErr(MalformedNode, "links array: %v", err)
	}
	valuesLen, err := r.ReadArrayHeader()
	if err != nil {
		return nil, newErr(MalformedNode, "values array: %v", err)
	}
	if leafLevel {
		if linksLen != 0 {
			return nil, newErr(MalformedNode, "leaf node has %d links, want 0", linksLen)
		}
		if valuesLen != popcount {
			return nil, newErr(MalformedNode, "values length %d != popcount %d", valuesLen, popcount)
		}
	} else {
		if valuesLen != 0 {
			return nil, newErr(MalformedNode, "interior node has %d values, want 0", valuesLen)
		}
		if linksLen != popcount {
			return nil, newErr(MalformedNode, "links length %d != popcount %d", linksLen, popcount)
		}
	}
	itemsLen := linksLen + valuesLen
	n.items = make([]item, 0, itemsLen)
	for i := 0; i < valuesLen; i++ {
		v, err := r.ReadBytes()
		if err != nil {
			return nil, newErr(MalformedNode, "leaf value: %v", err)
		}
		n.items = append(n.items, item{leaf: v})
	}
	for i := 0; i < linksLen; i++ {
		c, err := r.ReadCID()
		if err != nil {
			return nil, newErr(MalformedNode, "child cid: %v", err)
		}
		n.items = append(n.items, item{cid: c})
	}
	return n, nil
}

func popcountByte(b byte) int {
	c := 0
	for b != 0 {
		c += int(b & 1)
		b >>= 1
	}
	return c
}

// resolveChildren replaces this node's in-memory child pointers with the
// CIDs returned by flushChild for each, leaving leaf-level nodes untouched.
// height is the number of levels below n (0 means n's own items are leaves).
func (n *Node) resolveChildren(height int, flushChild func(child *Node, childHeight int) (cid.Cid, error)) error {
	if height == 0 {
		return nil
	}
	for i := range n.items {
		if n.items[i].node == nil {
			continue
		}
		childCid, err := flushChild(n.items[i].node, height-1)
		if err != nil {
			return err
		}
		n.items[i].cid = childCid
		n.items[i].node = nil
	}
	return nil
}

// persist marshals n (whose children must already be resolved to CIDs) and
// stores it, returning its CID.
func (n *Node) persist(store ipld.Store, leafLevel bool) (cid.Cid, error) {
	var buf bytes.Buffer
	if err := n.marshalCBOR(&buf, leafLevel); err != nil {
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

func loadNode(store ipld.Store, width int, leafLevel bool, c cid.Cid) (*Node, error) {
	b, err := store.Get(c)
	if err != nil {
		return nil, err
	}
	return unmarshalNode(width, leafLevel, b)
}
