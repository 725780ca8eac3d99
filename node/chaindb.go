package node

import (
	"fmt"

	"github.com/fuhon-project/fuhon/chain"
	"github.com/fuhon-project/fuhon/ipld"
)

// ChainDb error kinds (spec §4.8).
type ChainDbErrorCode string

const (
	NotInitialized          ChainDbErrorCode = "CHAINDB_NOT_INITIALIZED"
	BadTipset               ChainDbErrorCode = "CHAINDB_BAD_TIPSET"
	NoGenesis               ChainDbErrorCode = "CHAINDB_NO_GENESIS"
	GenesisMismatch         ChainDbErrorCode = "CHAINDB_GENESIS_MISMATCH"
	ChainDataIntegrityError ChainDbErrorCode = "CHAINDB_DATA_INTEGRITY_ERROR"
)

type ChainDbError struct {
	Code ChainDbErrorCode
	Msg  string
}

func (e *ChainDbError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Msg) }

func newChainDbErr(code ChainDbErrorCode, format string, args ...any) *ChainDbError {
	return &ChainDbError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// SyncState is the outcome of storing one tipset (spec §4.8).
type SyncState struct {
	TipsetIndexed  bool
	ChainIndexed   bool
	UnsyncedBottom *chain.TipsetKey
}

// HeadCallback is invoked with every head-change delta storeTipset produces.
type HeadCallback func(HeadChanges)

// ChainDb is the façade composing a tipset loader, Branches, and IndexDb
// (spec §4.8), grounded on node/sync.go's SyncEngine composition style.
type ChainDb struct {
	index       *IndexDb
	branches    *Branches
	store       ipld.Store
	headCb      HeadCallback
	initialized bool
	genesisKey  chain.TipsetKey
}

func NewChainDb(index *IndexDb, store ipld.Store) *ChainDb {
	return &ChainDb{index: index, branches: NewBranches(), store: store}
}

// Init loads or creates the chain per spec §4.8 init.
func (c *ChainDb) Init(genesis *chain.Tipset, creatingNewDb bool) error {
	if creatingNewDb {
		if genesis == nil {
			return newChainDbErr(NoGenesis, "genesis required when creating a new db")
		}
		c.branches.StoreGenesis(genesis.Key())
		if err := c.index.Store(TipsetInfo{Key: genesis.Key(), Branch: genesisBranchID, Height: 0}, nil); err != nil {
			return newChainDbErr(ChainDataIntegrityError, "%v", err)
		}
		c.branches.SetCurrentHead(genesisBranchID, 0)
		c.genesisKey = genesis.Key()
		c.initialized = true
		return nil
	}

	branches, err := c.index.Init()
	if err != nil {
		return newChainDbErr(ChainDataIntegrityError, "%v", err)
	}
	gInfo, ok := branches[genesisBranchID]
	if !ok {
		return newChainDbErr(NoGenesis, "no genesis branch in index")
	}
	if genesis != nil && !genesis.Key().Equals(gInfo.Bottom) {
		return newChainDbErr(GenesisMismatch, "stored genesis differs from provided genesis_cid")
	}
	c.genesisKey = gInfo.Bottom
	// Rebuild Branches from the recovered map directly rather than replaying
	// StoreTipset, since Init's rows already encode the final graph shape.
	c.branches = rebuildBranches(branches)
	c.branches.SetCurrentHead(genesisBranchID, gInfo.TopHeight)
	c.initialized = true
	return nil
}

func rebuildBranches(loaded map[BranchID]*BranchInfo) *Branches {
	b := NewBranches()
	b.mu.Lock()
	defer b.mu.Unlock()
	maxID := genesisBranchID
	for id, info := range loaded {
		b.branches[id] = info
		b.byTop[info.Top.Hash()] = id
		if id > maxID {
			maxID = id
		}
	}
	b.nextID = maxID + 1
	return b
}

// Start begins emitting head-change callbacks (spec §4.8 start).
func (c *ChainDb) Start(cb HeadCallback) {
	c.headCb = cb
}

// StoreTipset inserts ts (parented by parentKey) into the graph (spec §4.8
// storeTipset).
func (c *ChainDb) StoreTipset(ts *chain.Tipset, parentKey chain.TipsetKey) (SyncState, error) {
	if !c.initialized {
		return SyncState{}, newChainDbErr(NotInitialized, "Init not called")
	}

	parentHash := parentKey.Hash()
	parentInfo, perr := c.index.Get(parentHash)
	var parentBranch BranchID
	var parentHeight uint64
	if perr == nil {
		parentBranch = parentInfo.Branch
		parentHeight = parentInfo.Height
	}

	pos := c.branches.FindStorePosition(ts.Key(), ts.Height(), parentHash, parentBranch, parentHeight)
	if pos.Rename != nil {
		truncatedTop, err := c.index.GetAtHeight(pos.Rename.OldID, pos.Rename.AboveHeight)
		if err != nil {
			return SyncState{}, newChainDbErr(ChainDataIntegrityError, "%v", err)
		}
		c.branches.SplitBranch(pos.Rename, truncatedTop.Key)
	}

	if err := c.index.Store(TipsetInfo{
		Key:        ts.Key(),
		Branch:     pos.AssignedBranch,
		Height:     ts.Height(),
		ParentHash: parentHash,
	}, pos.Rename); err != nil {
		return SyncState{}, newChainDbErr(ChainDataIntegrityError, "%v", err)
	}

	changes := c.branches.StoreTipset(ts, parentHash, pos)
	if c.headCb != nil && (len(changes.Added) > 0 || len(changes.Removed) > 0) {
		c.headCb(changes)
	}

	state := SyncState{TipsetIndexed: true}
	assigned := c.branches.Get(pos.AssignedBranch)
	if assigned != nil && assigned.SyncedToGenesis {
		state.ChainIndexed = true
	} else {
		bottom := ts.Key()
		state.UnsyncedBottom = &bottom
	}
	return state, nil
}

// WalkForward follows the route between from and to, iterating by
// (branch, height) in the index (spec §4.8 walkForward).
func (c *ChainDb) WalkForward(from, to chain.TipsetHash, limit int, fn func(*TipsetInfo) error) error {
	fromInfo, err := c.index.Get(from)
	if err != nil {
		return err
	}
	toInfo, err := c.index.Get(to)
	if err != nil {
		return err
	}
	route := c.branches.GetRoute(fromInfo.Branch, toInfo.Branch)
	count := 0
	for i, branch := range route {
		startHeight := uint64(0)
		if bi := c.branches.Get(branch); bi != nil {
			startHeight = bi.BottomHeight
		}
		if i == 0 {
			startHeight = fromInfo.Height
		}
		endHeight := uint64(0)
		if bi := c.branches.Get(branch); bi != nil {
			endHeight = bi.TopHeight
		}
		if i == len(route)-1 {
			endHeight = toInfo.Height
		}
		err := c.index.Walk(branch, startHeight, 0, func(info *TipsetInfo) error {
			if info.Height > endHeight {
				return errStopWalk
			}
			if limit > 0 && count >= limit {
				return errStopWalk
			}
			count++
			return fn(info)
		})
		if err != nil && err != errStopWalk {
			return err
		}
	}
	return nil
}

var errStopWalk = fmt.Errorf("chaindb: walk limit reached")

// WalkBackward follows parent_hash pointers from `from` down to toHeight
// (spec §4.8 walkBackward).
func (c *ChainDb) WalkBackward(from chain.TipsetHash, toHeight uint64, fn func(*TipsetInfo) error) error {
	cur := from
	for {
		info, err := c.index.Get(cur)
		if err != nil {
			return err
		}
		if err := fn(info); err != nil {
			return err
		}
		if info.Height <= toHeight {
			return nil
		}
		cur = info.ParentHash
	}
}

func (c *ChainDb) GenesisKey() chain.TipsetKey { return c.genesisKey }
func (c *ChainDb) Index() *IndexDb             { return c.index }
func (c *ChainDb) Branches() *Branches         { return c.branches }
