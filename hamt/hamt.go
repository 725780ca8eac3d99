// Package hamt implements the content-addressed HAMT (hash array mapped
// trie) from spec §4.3: a CBOR-serialized map keyed by arbitrary byte
// strings, branching factor 2^bitWidth, Blake2b-256-hashed keys.
package hamt

import (
	"github.com/fuhon-project/fuhon/ipld"
	"github.com/ipfs/go-cid"
)

const defaultBitWidth = 8

// HAMT is a handle onto one trie: either freshly created (root held only
// in memory) or loaded from a CID. Set/Remove mutate the in-memory root;
// Flush persists it and returns the new root CID.
type HAMT struct {
	store     ipld.Store
	bitWidth  uint
	slotCount int
	root      *Node

	schemaChecked bool
}

// New creates an empty HAMT over store with the given bit_width (branching
// factor 2^bitWidth).
func New(store ipld.Store, bitWidth uint) *HAMT {
	slots := 1 << bitWidth
	return &HAMT{
		store:     store,
		bitWidth:  bitWidth,
		slotCount: slots,
		root:      newNode(slots),
	}
}

// Load opens an existing HAMT rooted at rootCid.
func Load(store ipld.Store, bitWidth uint, rootCid cid.Cid) (*HAMT, error) {
	slots := 1 << bitWidth
	root, err := loadNode(store, slots, rootCid)
	if err != nil {
		return nil, err
	}
	return &HAMT{store: store, bitWidth: bitWidth, slotCount: slots, root: root, schemaChecked: true}, nil
}

func hashKey(key []byte) [32]byte {
	return ipld.HashBlake2b256(key)
}

// bitsAt extracts the depth-th group of bitWidth bits from hash, most
// significant bits first.
func bitsAt(hash [32]byte, depth int, bitWidth uint) (int, error) {
	bitOffset := depth * int(bitWidth)
	if bitOffset+int(bitWidth) > len(hash)*8 {
		return 0, newErr(MaxDepthExceeded, "depth %d exceeds hash bit length", depth)
	}
	val := 0
	for i := 0; i < int(bitWidth); i++ {
		bitIdx := bitOffset + i
		byteIdx := bitIdx / 8
		bitInByte := 7 - uint(bitIdx%8)
		bit := (hash[byteIdx] >> bitInByte) & 1
		val = (val << 1) | int(bit)
	}
	return val, nil
}

func (h *HAMT) Set(key, value []byte) error {
	return h.setNode(h.rootNode(), key, value, 0)
}

func (h *HAMT) rootNode() *Node {
	if h.root == nil {
		h.root = newNode(h.slotCount)
	}
	return h.root
}

func (h *HAMT) setNode(n *Node, key, value []byte, depth int) error {
	hash := hashKey(key)
	slot, err := bitsAt(hash, depth, h.bitWidth)
	if err != nil {
		return err
	}
	it, occupied := n.getAt(slot)
	if !occupied {
		n.insertAt(slot, item{isLeaf: true, leaf: map[string][]byte{string(key): value}})
		return nil
	}
	if it.isLeaf {
		if _, has := it.leaf[string(key)]; has {
			it.leaf[string(key)] = value
			return nil
		}
		if len(it.leaf) < kLeafMax {
			it.leaf[string(key)] = value
			return nil
		}
		// Split: redistribute the bucket's keys plus the new one into a child node.
		child := newNode(h.slotCount)
		for k, v := range it.leaf {
			if err := h.setNode(child, []byte(k), v, depth+1); err != nil {
				return err
			}
		}
		if err := h.setNode(child, key, value, depth+1); err != nil {
			return err
		}
		n.insertAt(slot, item{node: child})
		return nil
	}
	child, err := h.loadChild(it)
	if err != nil {
		return err
	}
	if err := h.setNode(child, key, value, depth+1); err != nil {
		return err
	}
	n.insertAt(slot, item{node: child})
	return nil
}

func (h *HAMT) loadChild(it item) (*Node, error) {
	if it.node != nil {
		return it.node, nil
	}
	if err := h.checkSchema(it.cid); err != nil {
		return nil, err
	}
	return loadNode(h.store, h.slotCount, it.cid)
}

// checkSchema is a placeholder for the v3/pre-v3 stickiness rule (spec §9):
// this HAMT only ever writes the v3 (bitset, item-list) form, so loading
// any node is trivially consistent; kept as a seam in case a pre-v3 reader
// is added later.
func (h *HAMT) checkSchema(cid.Cid) error {
	h.schemaChecked = true
	return nil
}

func (h *HAMT) Get(key []byte) ([]byte, bool, error) {
	return h.getNode(h.rootNode(), key, 0)
}

func (h *HAMT) getNode(n *Node, key []byte, depth int) ([]byte, bool, error) {
	hash := hashKey(key)
	slot, err := bitsAt(hash, depth, h.bitWidth)
	if err != nil {
		return nil, false, err
	}
	it, occupied := n.getAt(slot)
	if !occupied {
		return nil, false, nil
	}
	if it.isLeaf {
		v, has := it.leaf[string(key)]
		return v, has, nil
	}
	child, err := h.loadChild(it)
	if err != nil {
		return nil, false, err
	}
	return h.getNode(child, key, depth+1)
}

func (h *HAMT) Contains(key []byte) (bool, error) {
	_, ok, err := h.Get(key)
	return ok, err
}

func (h *HAMT) Remove(key []byte) (bool, error) {
	removed, err := h.removeNode(h.rootNode(), key, 0)
	return removed, err
}

func (h *HAMT) removeNode(n *Node, key []byte, depth int) (bool, error) {
	hash := hashKey(key)
	slot, err := bitsAt(hash, depth, h.bitWidth)
	if err != nil {
		return false, err
	}
	it, occupied := n.getAt(slot)
	if !occupied {
		return false, nil
	}
	if it.isLeaf {
		if _, has := it.leaf[string(key)]; !has {
			return false, nil
		}
		delete(it.leaf, string(key))
		if len(it.leaf) == 0 {
			n.removeAt(slot)
		}
		return true, nil
	}
	child, err := h.loadChild(it)
	if err != nil {
		return false, err
	}
	removed, err := h.removeNode(child, key, depth+1)
	if err != nil || !removed {
		return removed, err
	}
	h.cleanShard(n, slot, child)
	return true, nil
}

// cleanShard applies spec §4.3's post-remove shrink rules to child, the
// node occupying n's slot, folding it back into n's slot as a leaf when
// either collapse condition holds.
func (h *HAMT) cleanShard(n *Node, slot int, child *Node) {
	if len(child.items) == 0 {
		n.removeAt(slot)
		return
	}
	if len(child.items) == 1 && child.items[0].isLeaf {
		n.insertAt(slot, item{isLeaf: true, leaf: child.items[0].leaf})
		return
	}
	if child.isAllLeaves() && child.totalLeafEntries() <= kLeafMax {
		merged := make(map[string][]byte, child.totalLeafEntries())
		for _, it := range child.items {
			for k, v := range it.leaf {
				merged[k] = v
			}
		}
		n.insertAt(slot, item{isLeaf: true, leaf: merged})
		return
	}
	n.insertAt(slot, item{node: child})
}

// Visit walks every key/value pair depth-first in ascending node-key (slot)
// order, which is deterministic given a fixed set of entries.
func (h *HAMT) Visit(fn func(key, value []byte) error) error {
	return h.visitNode(h.rootNode(), fn)
}

func (h *HAMT) visitNode(n *Node, fn func(key, value []byte) error) error {
	for _, it := range n.items {
		if it.isLeaf {
			keys := make([]string, 0, len(it.leaf))
			for k := range it.leaf {
				keys = append(keys, k)
			}
			sortStrings(keys)
			for _, k := range keys {
				if err := fn([]byte(k), it.leaf[k]); err != nil {
					return err
				}
			}
			continue
		}
		child, err := h.loadChild(it)
		if err != nil {
			return err
		}
		if err := h.visitNode(child, fn); err != nil {
			return err
		}
	}
	return nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Flush writes every unsaved child node as CBOR and rewrites the root,
// returning the root's CID. Already-CID-valued children are left as-is.
func (h *HAMT) Flush() (cid.Cid, error) {
	return h.rootNode().flush(h.store)
}
