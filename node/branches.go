// Package node implements the tipset-graph, sync engine, and interpreter
// driver described in spec §4.6-§4.13: Branches, IndexDb, ChainDb, the
// peer/height tables, the hello and blocksync protocols, and the
// sync/interpret job pair that drives them.
package node

import (
	"sync"

	"github.com/fuhon-project/fuhon/chain"
)

// BranchID identifies a branch in the acyclic graph of branches. The
// genesis branch always has id 1 (spec §4.6).
type BranchID uint32

const genesisBranchID BranchID = 1

// BranchInfo is the per-branch record of spec §3 "Branch and branch graph".
type BranchInfo struct {
	ID              BranchID
	Top             chain.TipsetKey
	TopHeight       uint64
	Bottom          chain.TipsetKey
	BottomHeight    uint64
	Parent          BranchID
	ParentHash      chain.TipsetHash
	SyncedToGenesis bool
	Forks           map[BranchID]struct{}
}

func (b *BranchInfo) clone() *BranchInfo {
	forks := make(map[BranchID]struct{}, len(b.Forks))
	for id := range b.Forks {
		forks[id] = struct{}{}
	}
	cp := *b
	cp.Forks = forks
	return &cp
}

// StorePosition is the result of findStorePosition: where a new tipset
// lands in the branch graph (spec §4.6).
type StorePosition struct {
	AssignedBranch BranchID
	AtBottomOf     BranchID // 0 if this insertion does not extend a branch downward
	OnTopOf        BranchID // 0 if this insertion does not extend a branch upward
	Rename         *RenameBranch
}

// RenameBranch describes an atomic relabel of every index row in
// [above_height+1, ...) of old_id to new_id (spec §4.6/§4.7).
type RenameBranch struct {
	OldID       BranchID
	NewID       BranchID
	AboveHeight uint64
	Split       bool
}

// HeadChanges is the delta to the head set produced by storeTipset.
type HeadChanges struct {
	Removed []BranchID
	Added   []BranchID
}

// Branches is the in-memory acyclic graph of branches (spec §4.6). All
// mutation happens under mu, mirroring the single-writer-thread
// discipline of spec §5 ("any mutation of TsBranches ... is performed on
// the sync worker thread under branches_mutex_").
type Branches struct {
	mu       sync.Mutex
	branches map[BranchID]*BranchInfo
	byTop    map[chain.TipsetHash]BranchID

	// byBottomParentHash indexes detached branches by the hash their
	// bottom tipset expects to find as a parent — populated so a later
	// FindStorePosition call for that exact parent can extend the branch
	// downward (spec §4.6 "at_bottom_of_branch").
	byBottomParentHash map[chain.TipsetHash]BranchID
	nextID             BranchID

	currentHead       BranchID
	currentHeadHeight uint64
}

func NewBranches() *Branches {
	return &Branches{
		branches:           make(map[BranchID]*BranchInfo),
		byTop:              make(map[chain.TipsetHash]BranchID),
		byBottomParentHash: make(map[chain.TipsetHash]BranchID),
		nextID:             genesisBranchID,
	}
}

// StoreGenesis creates branch 1 rooted at genesis (spec §4.6 storeGenesis).
func (b *Branches) StoreGenesis(genesis chain.TipsetKey) *BranchInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := &BranchInfo{
		ID:              genesisBranchID,
		Top:             genesis,
		Bottom:          genesis,
		SyncedToGenesis: true,
		Forks:           make(map[BranchID]struct{}),
	}
	b.branches[genesisBranchID] = info
	b.byTop[genesis.Hash()] = genesisBranchID
	b.nextID = genesisBranchID + 1
	b.currentHead = genesisBranchID
	return info.clone()
}

func (b *Branches) allocID() BranchID {
	id := b.nextID
	b.nextID++
	return id
}

// Get returns a copy of the branch record for id, or nil if unknown.
func (b *Branches) Get(id BranchID) *BranchInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.branches[id]
	if !ok {
		return nil
	}
	return info.clone()
}

// FindStorePosition decides where a tipset at tsHeight, parented by
// parentHash, lands in the graph (spec §4.6). parentBranch/parentHeight
// identify the branch and height the parent tipset currently occupies, or
// zero if the parent is not yet locally known.
func (b *Branches) FindStorePosition(tsKey chain.TipsetKey, tsHeight uint64, parentHash chain.TipsetHash, parentBranch BranchID, parentHeight uint64) StorePosition {
	b.mu.Lock()
	defer b.mu.Unlock()

	if parentBranch == 0 {
		if waiting, ok := b.byBottomParentHash[tsKey.Hash()]; ok {
			// A previously-detached branch was waiting on exactly this
			// tipset as its parent: extend it downward.
			delete(b.byBottomParentHash, tsKey.Hash())
			return StorePosition{AssignedBranch: waiting, AtBottomOf: waiting}
		}
		// Parent not locally known: this tipset roots a new, detached branch.
		return StorePosition{AssignedBranch: b.allocID()}
	}

	parent := b.branches[parentBranch]
	if parent != nil && parentHeight == parent.TopHeight {
		// Extends the parent branch upward in place.
		return StorePosition{AssignedBranch: parentBranch, OnTopOf: parentBranch}
	}

	// Parent is mid-branch: split. The parent branch keeps its id but is
	// truncated to [bottom..parent_height]; the existing tail above
	// parent_height is renamed to a fresh id; the new tipset starts yet
	// another fresh branch forking from the (now-truncated) parent.
	tailID := b.allocID()
	newBranchID := b.allocID()
	return StorePosition{
		AssignedBranch: newBranchID,
		Rename: &RenameBranch{
			OldID:       parentBranch,
			NewID:       tailID,
			AboveHeight: parentHeight,
			Split:       true,
		},
	}
}

// SplitBranch applies a pending split: it truncates the parent branch and
// creates the renamed tail branch. truncatedTop is the tipset key at
// r.AboveHeight in the old branch (the caller, ChainDb, looks this up via
// IndexDb since Branches itself holds no height-indexed rows). The caller
// is responsible for applying the matching IndexDb row relabel in the same
// transaction.
func (b *Branches) SplitBranch(r *RenameBranch, truncatedTop chain.TipsetKey) {
	if r == nil || !r.Split {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.branches[r.OldID]
	if old == nil {
		return
	}
	tail := old.clone()
	tail.ID = r.NewID
	tail.BottomHeight = r.AboveHeight + 1
	tail.Parent = r.OldID
	tail.Forks = old.Forks

	old.Forks = map[BranchID]struct{}{r.NewID: {}}
	delete(b.byTop, old.Top.Hash())
	old.Top = truncatedTop
	old.TopHeight = r.AboveHeight
	b.byTop[old.Top.Hash()] = old.ID

	b.byTop[tail.Top.Hash()] = r.NewID
	b.branches[r.NewID] = tail
	if b.currentHead == r.OldID {
		b.currentHead = r.NewID
	}
}

// StoreTipset mutates the graph per pos and returns the head-set delta
// (spec §4.6 storeTipset).
func (b *Branches) StoreTipset(ts *chain.Tipset, parentHash chain.TipsetHash, pos StorePosition) HeadChanges {
	b.mu.Lock()
	defer b.mu.Unlock()

	var changes HeadChanges
	key := ts.Key()
	height := ts.Height()

	branch, exists := b.branches[pos.AssignedBranch]
	switch {
	case !exists:
		branch = &BranchInfo{
			ID:           pos.AssignedBranch,
			Top:          key,
			TopHeight:    height,
			Bottom:       key,
			BottomHeight: height,
			ParentHash:   parentHash,
			Forks:        make(map[BranchID]struct{}),
		}
		if pos.Rename != nil {
			branch.Parent = pos.Rename.OldID
			if parentBranch := b.branches[pos.Rename.OldID]; parentBranch != nil {
				parentBranch.Forks[branch.ID] = struct{}{}
				branch.SyncedToGenesis = parentBranch.SyncedToGenesis
			}
		} else {
			b.byBottomParentHash[parentHash] = branch.ID
		}
		b.branches[branch.ID] = branch
	case pos.AtBottomOf != 0:
		branch.Bottom = key
		branch.BottomHeight = height
		branch.ParentHash = parentHash
		if parentID, ok := b.byTop[parentHash]; ok {
			branch.Parent = parentID
			if parentInfo := b.branches[parentID]; parentInfo != nil {
				parentInfo.Forks[branch.ID] = struct{}{}
				branch.SyncedToGenesis = parentInfo.SyncedToGenesis
			}
		} else {
			b.byBottomParentHash[parentHash] = branch.ID
		}
	default:
		delete(b.byTop, branch.Top.Hash())
		branch.Top = key
		branch.TopHeight = height
	}
	b.byTop[key.Hash()] = branch.ID

	if branch.ID == genesisBranchID || branch.SyncedToGenesis {
		changes.Added = append(changes.Added, branch.ID)
	}

	b.maybeMerge(branch.ID, &changes)
	return changes
}

// maybeMerge implements the merge policy of spec §4.6: when a branch's
// bottom parent-hash matches an existing branch's top-hash and that parent
// ends up with exactly one child, absorb the child into the parent.
func (b *Branches) maybeMerge(childID BranchID, changes *HeadChanges) {
	child := b.branches[childID]
	if child == nil || child.Parent == 0 {
		return
	}
	parent := b.branches[child.Parent]
	if parent == nil || len(parent.Forks) != 1 {
		return
	}
	// Absorb child's range into parent.
	parent.Top = child.Top
	parent.TopHeight = child.TopHeight
	delete(b.byTop, child.Top.Hash())
	b.byTop[parent.Top.Hash()] = parent.ID
	parent.Forks = child.Forks
	for _, grandchild := range keysOf(child.Forks) {
		if gc := b.branches[grandchild]; gc != nil {
			gc.Parent = parent.ID
		}
	}
	delete(b.branches, childID)
	if b.currentHead == childID {
		b.currentHead = parent.ID
	}
	changes.Removed = append(changes.Removed, childID)
}

func keysOf(m map[BranchID]struct{}) []BranchID {
	out := make([]BranchID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// SetCurrentHead sets the active chain so height-indexed reads resolve
// (spec §4.6 setCurrentHead).
func (b *Branches) SetCurrentHead(id BranchID, height uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentHead = id
	b.currentHeadHeight = height
}

// BranchAtHeight resolves height to a branch id along the currently active
// chain, or 0 if height is out of range.
func (b *Branches) BranchAtHeight(height uint64) BranchID {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.currentHead
	for id != 0 {
		info := b.branches[id]
		if info == nil {
			return 0
		}
		if height >= info.BottomHeight && height <= info.TopHeight {
			return id
		}
		if height > info.TopHeight {
			return 0
		}
		id = info.Parent
	}
	return 0
}

// GetCommonRoot returns the highest common ancestor branch of a and b
// (spec §4.6 getCommonRoot).
func (b *Branches) GetCommonRoot(a, c BranchID) BranchID {
	b.mu.Lock()
	defer b.mu.Unlock()
	ancestorsOfA := map[BranchID]struct{}{}
	for id := a; id != 0; {
		ancestorsOfA[id] = struct{}{}
		info := b.branches[id]
		if info == nil {
			break
		}
		id = info.Parent
	}
	for id := c; id != 0; {
		if _, ok := ancestorsOfA[id]; ok {
			return id
		}
		info := b.branches[id]
		if info == nil {
			break
		}
		id = info.Parent
	}
	return 0
}

// GetRoute returns the branch ids from a up to the common ancestor and
// back down to c (spec §4.6 getRoute).
func (b *Branches) GetRoute(a, c BranchID) []BranchID {
	root := b.GetCommonRoot(a, c)
	b.mu.Lock()
	defer b.mu.Unlock()

	var up []BranchID
	for id := a; id != root; {
		up = append(up, id)
		info := b.branches[id]
		if info == nil {
			break
		}
		id = info.Parent
	}
	up = append(up, root)

	var down []BranchID
	for id := c; id != root; {
		down = append(down, id)
		info := b.branches[id]
		if info == nil {
			break
		}
		id = info.Parent
	}
	for i, j := 0, len(down)-1; i < j; i, j = i+1, j-1 {
		down[i], down[j] = down[j], down[i]
	}
	return append(up, down...)
}

// Heads returns the current set of branch ids with no children that are
// synced to genesis (spec §3 "Heads = branches with no children that are
// synced_to_genesis").
func (b *Branches) Heads() []BranchID {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []BranchID
	for id, info := range b.branches {
		if info.SyncedToGenesis && len(info.Forks) == 0 {
			out = append(out, id)
		}
	}
	return out
}
