package node

import (
	"context"
	"sync"
	"time"

	"github.com/fuhon-project/fuhon/chain"
	"github.com/fuhon-project/fuhon/ipld"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// TipsetLoader coalesces concurrent blocksync requests for the same
// tipset (spec §4.12): at most one outstanding BlocksyncRequest per
// distinct TipsetHash; additional callers queue behind it and are all
// resolved from the one shared outcome. Grounded on node/sync.go's
// mutex-guarded request bookkeeping, keyed here by TipsetHash instead of
// a single global cursor.
type TipsetLoader struct {
	host  Host
	store ipld.Store
	peers *Peers

	mu      sync.Mutex
	waiters map[chain.TipsetHash][]func(BlocksyncResult)
}

func NewTipsetLoader(host Host, store ipld.Store, peers *Peers) *TipsetLoader {
	return &TipsetLoader{
		host: host, store: store, peers: peers,
		waiters: make(map[chain.TipsetHash][]func(BlocksyncResult)),
	}
}

// Load fetches the tipset named by key (with the given block CIDs),
// invoking cb exactly once. Concurrent Load calls for the same key share
// one network round trip.
func (l *TipsetLoader) Load(ctx context.Context, id peer.ID, key chain.TipsetKey, cids []cid.Cid, depth uint64, timeout time.Duration, cb func(BlocksyncResult)) {
	hash := key.Hash()

	l.mu.Lock()
	if existing, inFlight := l.waiters[hash]; inFlight {
		l.waiters[hash] = append(existing, cb)
		l.mu.Unlock()
		return
	}
	l.waiters[hash] = []func(BlocksyncResult){cb}
	l.mu.Unlock()

	req := NewBlocksyncRequest(l.host, l.store, l.peers, id, cids, depth, BlocksAndMessages, timeout)
	req.Start(ctx, func(result BlocksyncResult) {
		l.mu.Lock()
		cbs := l.waiters[hash]
		delete(l.waiters, hash)
		l.mu.Unlock()
		for _, fn := range cbs {
			fn(result)
		}
	})
}
