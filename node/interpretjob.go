package node

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fuhon-project/fuhon/chain"
	"github.com/fuhon-project/fuhon/event"
	"github.com/fuhon-project/fuhon/ipld"
)

// errChainInconsistency aborts a forward walk when a tipset's declared
// parent_state_root/parent_message_receipts disagree with the result just
// computed for its parent (spec §4.13).
var errChainInconsistency = errors.New("node: interpretjob: chain inconsistency")

// InterpretJob is the serial worker of spec §4.13: it converts a target
// head into a sequence of state transitions, walking backward to the
// nearest cached ancestor and then forward applying the external
// Interpreter. Grounded on node/store/reorg.go's sequential
// apply-with-rollback-on-mismatch loop, generalized to the chain package's
// Interpreter/WeightCalculator contracts.
type InterpretJob struct {
	chainDb     *ChainDb
	interpreter chain.Interpreter
	weightCalc  chain.WeightCalculator
	cache       *chain.InterpreterCache
	store       ipld.Store
	bus         *event.Bus

	mu             sync.Mutex
	activeHead     *chain.TipsetKey
	pendingTargets map[uint64]chain.TipsetKey
}

func NewInterpretJob(chainDb *ChainDb, interpreter chain.Interpreter, weightCalc chain.WeightCalculator, cache *chain.InterpreterCache, store ipld.Store, bus *event.Bus) *InterpretJob {
	return &InterpretJob{
		chainDb: chainDb, interpreter: interpreter, weightCalc: weightCalc,
		cache: cache, store: store, bus: bus,
		pendingTargets: make(map[uint64]chain.TipsetKey),
	}
}

// Add requests that ts be interpreted (spec §4.13 newJob). A request for
// the tipset already active is ignored; a request for a different head
// while one is active is queued by height, replacing any previously
// queued target at the same height.
func (j *InterpretJob) Add(ts *chain.Tipset) {
	j.mu.Lock()
	if j.activeHead != nil {
		if j.activeHead.Equals(ts.Key()) {
			j.mu.Unlock()
			return
		}
		j.pendingTargets[ts.Height()] = ts.Key()
		j.mu.Unlock()
		return
	}
	head := ts.Key()
	j.activeHead = &head
	j.mu.Unlock()

	go j.run(ts)
}

// run executes one job then, per spec §5 "scheduleStep posts the next
// iteration back to the scheduler so long chains don't monopolize the
// thread", picks up the next pending target (if any) as a fresh job
// rather than recursing within the same call frame.
func (j *InterpretJob) run(target *chain.Tipset) {
	j.runOnce(target)

	j.mu.Lock()
	j.activeHead = nil
	var nextKey chain.TipsetKey
	var nextHeight uint64
	found := false
	for h, k := range j.pendingTargets {
		if !found || h < nextHeight {
			nextHeight, nextKey, found = h, k, true
		}
	}
	if found {
		delete(j.pendingTargets, nextHeight)
	}
	j.mu.Unlock()

	if found {
		if ts, err := loadTipsetFromStore(j.store, nextKey); err == nil {
			j.Add(ts)
		}
	}
}

func (j *InterpretJob) emitFatal(err error) {
	if j.bus != nil {
		j.bus.Publish(event.FatalError{Err: err})
	}
}

func (j *InterpretJob) runOnce(target *chain.Tipset) {
	currentHash, err := j.findCachedAncestor(target)
	if err != nil {
		j.emitFatal(fmt.Errorf("node: interpretjob: %w", err))
		return
	}

	currentResult, _, ok, err := j.cache.TryGet(currentHash)
	if err != nil || !ok {
		j.emitFatal(fmt.Errorf("node: interpretjob: missing cache entry for ancestor"))
		return
	}

	err = j.chainDb.WalkForward(currentHash, target.Key().Hash(), 100, func(info *TipsetInfo) error {
		if info.Key.Hash() == currentHash {
			return nil
		}
		ts, err := loadTipsetFromStore(j.store, info.Key)
		if err != nil {
			return err
		}
		res, ierr := j.interpreter.Interpret(j.store, ts)
		if ierr != nil {
			_ = j.cache.MarkBad(ts.Key().Hash(), ierr.Error())
			return ierr
		}
		parent := ts.Blocks()[0]
		if !parent.ParentStateRoot.Equals(currentResult.StateRoot) || !parent.ParentMessageReceipts.Equals(currentResult.MessageReceipts) {
			_ = j.cache.MarkBad(ts.Key().Hash(), "chain inconsistency: parent_state_root/parent_message_receipts mismatch")
			return errChainInconsistency
		}
		if err := j.cache.Put(ts.Key().Hash(), res); err != nil {
			return err
		}
		currentResult = res
		currentHash = ts.Key().Hash()
		return nil
	})
	if err == errChainInconsistency {
		return
	}
	if err != nil {
		j.emitFatal(fmt.Errorf("node: interpretjob: %w", err))
		return
	}

	weight, err := j.weightCalc.Weight(j.store, target)
	if err != nil {
		j.emitFatal(fmt.Errorf("node: interpretjob: weight: %w", err))
		return
	}

	j.bus.Publish(event.HeadInterpreted{Head: target.Key(), Result: currentResult, Weight: weight})
}

// findCachedAncestor walks backward from target to the highest ancestor
// with a cached result, interpreting genesis in place if none is found
// (spec §4.13).
func (j *InterpretJob) findCachedAncestor(target *chain.Tipset) (chain.TipsetHash, error) {
	var found chain.TipsetHash
	hasFound := false
	err := j.chainDb.WalkBackward(target.Key().Hash(), 0, func(info *TipsetInfo) error {
		if _, _, ok, cerr := j.cache.TryGet(info.Key.Hash()); cerr == nil && ok {
			found = info.Key.Hash()
			hasFound = true
			return errStopWalk
		}
		return nil
	})
	if err != nil && err != errStopWalk {
		return chain.TipsetHash{}, err
	}
	if hasFound {
		return found, nil
	}

	genesisTs, err := loadTipsetFromStore(j.store, j.chainDb.GenesisKey())
	if err != nil {
		return chain.TipsetHash{}, fmt.Errorf("load genesis: %w", err)
	}
	result, err := j.interpreter.Interpret(j.store, genesisTs)
	if err != nil {
		_ = j.cache.MarkBad(genesisTs.Key().Hash(), err.Error())
		return chain.TipsetHash{}, fmt.Errorf("interpret genesis: %w", err)
	}
	if err := j.cache.Put(genesisTs.Key().Hash(), result); err != nil {
		return chain.TipsetHash{}, err
	}
	return genesisTs.Key().Hash(), nil
}
