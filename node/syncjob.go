package node

import (
	"context"
	"sync"
	"time"

	"github.com/fuhon-project/fuhon/chain"
	"github.com/fuhon-project/fuhon/event"
	"github.com/fuhon-project/fuhon/ipld"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	syncFetchDepth   = 5
	syncFetchTimeout = 60 * time.Second
)

type fetchRequest struct {
	peer peer.ID
	key  chain.TipsetKey
}

// SyncJob is the driver of spec §4.12: two mutex-guarded work queues (a
// fetch queue and an interpret queue) plus a single in-flight blocksync
// request, grounded on node/sync.go's mutex-guarded SyncEngine counters,
// generalized here to branch-aware fetch/interpret queues.
type SyncJob struct {
	loader   *TipsetLoader
	chainDb  *ChainDb
	branches *Branches
	cache    *chain.InterpreterCache
	store    ipld.Store

	// onInterpretable is invoked once per tipset the job decides is ready
	// to interpret; wired to InterpretJob.Add by the caller.
	onInterpretable func(*chain.Tipset)

	mu             sync.Mutex
	requests       []fetchRequest
	interpretQueue []*chain.Tipset
	fetching       bool
}

func NewSyncJob(loader *TipsetLoader, chainDb *ChainDb, branches *Branches, cache *chain.InterpreterCache, store ipld.Store, onInterpretable func(*chain.Tipset)) *SyncJob {
	return &SyncJob{
		loader: loader, chainDb: chainDb, branches: branches,
		cache: cache, store: store, onInterpretable: onInterpretable,
	}
}

// Subscribe wires PossibleHead and HeadInterpreted into the job's queues
// (spec §4.12).
func (j *SyncJob) Subscribe(bus *event.Bus) []*event.Subscription {
	return []*event.Subscription{
		event.Subscribe(bus, func(ev event.PossibleHead) { j.handlePossibleHead(ev) }),
		event.Subscribe(bus, func(ev event.HeadInterpreted) { j.handleHeadInterpreted(ev) }),
	}
}

func (j *SyncJob) locallyAvailable(key chain.TipsetKey) (*chain.Tipset, bool) {
	if _, err := j.chainDb.Index().Get(key.Hash()); err != nil {
		return nil, false
	}
	ts, err := loadTipsetFromStore(j.store, key)
	if err != nil {
		return nil, false
	}
	return ts, true
}

func (j *SyncJob) handlePossibleHead(ev event.PossibleHead) {
	if ts, ok := j.locallyAvailable(ev.Head); ok {
		j.enqueueInterpret(ts)
		return
	}
	if ev.Source == nil {
		return
	}
	j.enqueueFetch(*ev.Source, ev.Head)
}

// handleHeadInterpreted advances children of the just-interpreted tipset
// onto the interpret queue (spec §4.12), found via the same-branch next
// height row and any branch that forked exactly at this height.
func (j *SyncJob) handleHeadInterpreted(ev event.HeadInterpreted) {
	info, err := j.chainDb.Index().Get(ev.Head.Hash())
	if err != nil {
		return
	}
	if next, err := j.chainDb.Index().GetAtHeight(info.Branch, info.Height+1); err == nil {
		if ts, err := loadTipsetFromStore(j.store, next.Key); err == nil {
			j.enqueueInterpret(ts)
		}
	}
	if bi := j.branches.Get(info.Branch); bi != nil {
		for forkID := range bi.Forks {
			fork := j.branches.Get(forkID)
			if fork == nil || fork.BottomHeight != info.Height+1 {
				continue
			}
			if ts, err := loadTipsetFromStore(j.store, fork.Bottom); err == nil {
				j.enqueueInterpret(ts)
			}
		}
	}
}

func (j *SyncJob) enqueueFetch(p peer.ID, key chain.TipsetKey) {
	j.mu.Lock()
	j.requests = append(j.requests, fetchRequest{peer: p, key: key})
	start := !j.fetching
	j.mu.Unlock()
	if start {
		j.fetchDequeue()
	}
}

// fetchDequeue pops the next fetch request and launches it through the
// TipsetLoader, unless the popped target turned out to be already
// locally available (spec §4.12 fetchDequeue).
func (j *SyncJob) fetchDequeue() {
	j.mu.Lock()
	if j.fetching || len(j.requests) == 0 {
		j.mu.Unlock()
		return
	}
	next := j.requests[0]
	j.requests = j.requests[1:]
	if _, err := j.chainDb.Index().Get(next.key.Hash()); err == nil {
		j.mu.Unlock()
		j.fetchDequeue()
		return
	}
	j.fetching = true
	j.mu.Unlock()

	j.loader.Load(context.Background(), next.peer, next.key, next.key.Cids(), syncFetchDepth, syncFetchTimeout, func(result BlocksyncResult) {
		j.mu.Lock()
		j.fetching = false
		j.mu.Unlock()
		if result.Err == nil {
			for _, ts := range result.BlocksAvailable {
				j.enqueueInterpret(ts)
			}
			for _, ts := range result.Parents {
				j.enqueueInterpret(ts)
			}
		}
		j.fetchDequeue()
	})
}

func (j *SyncJob) enqueueInterpret(ts *chain.Tipset) {
	j.mu.Lock()
	j.interpretQueue = append(j.interpretQueue, ts)
	j.mu.Unlock()
	j.interpretDequeue()
}

// interpretDequeue drains tipsets whose cached interpreter result already
// exists (dropping them) and hands the rest to onInterpretable (spec
// §4.12 interpretDequeue).
func (j *SyncJob) interpretDequeue() {
	j.mu.Lock()
	pending := j.interpretQueue
	j.interpretQueue = nil
	j.mu.Unlock()

	for _, ts := range pending {
		if _, bad, ok, err := j.cache.TryGet(ts.Key().Hash()); err == nil && ok && !bad {
			continue
		}
		if j.onInterpretable != nil {
			j.onInterpretable(ts)
		}
	}
}
