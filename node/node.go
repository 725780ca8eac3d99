package node

import (
	"log/slog"
	"path/filepath"

	"github.com/fuhon-project/fuhon/chain"
	"github.com/fuhon-project/fuhon/event"
	"github.com/fuhon-project/fuhon/ipld"
)

// Node composes the tipset-graph, sync engine, and interpreter pipeline
// into the single object a cmd entrypoint starts and stops (spec §4.8/
// §4.12/§4.13), grounded on node/sync.go's SyncEngine as the teacher's own
// composition root over store+chainstate+peers.
type Node struct {
	Store    ipld.Store
	Index    *IndexDb
	ChainDb  *ChainDb
	Bus      *event.Bus
	Peers    *Peers
	Height   *PeerHeight
	Loader   *TipsetLoader
	Sync     *SyncJob
	Interp   *InterpretJob
	Hello    *Hello
	subs     []*event.Subscription
}

// Open wires every component named above, matching the field names a
// caller passed genesis/host/interpreter for. bus is created here with a
// queue depth of 1024.
func Open(dataDir string, genesis *chain.Tipset, host Host, local LocalView, interp chain.Interpreter, weigher chain.WeightCalculator, nowUsec func() int64, logger *slog.Logger) (*Node, error) {
	store, err := ipld.OpenCidsIpld(filepath.Join(dataDir, "blocks.car"), true, 1<<20)
	if err != nil {
		return nil, err
	}
	idx, err := OpenIndexDb(filepath.Join(dataDir, "index.db"))
	if err != nil {
		return nil, err
	}
	existing, err := idx.Init()
	if err != nil {
		return nil, err
	}
	cdb := NewChainDb(idx, store)
	if err := cdb.Init(genesis, len(existing) == 0); err != nil {
		return nil, err
	}

	bus := event.New(1024)
	peers := NewPeers(nil, nil)
	height := NewPeerHeight()
	cache := chain.NewInterpreterCache(store)
	loader := NewTipsetLoader(host, store, peers)

	interpJob := NewInterpretJob(cdb, interp, weigher, cache, store, bus)
	syncJob := NewSyncJob(loader, cdb, cdb.Branches(), cache, store, interpJob.Add)
	hello := NewHello(host, local, bus, nowUsec)

	n := &Node{
		Store: store, Index: idx, ChainDb: cdb, Bus: bus,
		Peers: peers, Height: height, Loader: loader,
		Sync: syncJob, Interp: interpJob, Hello: hello,
	}
	n.subs = append(n.subs, peers.Subscribe(bus)...)
	n.subs = append(n.subs, height.Subscribe(bus))
	n.subs = append(n.subs, syncJob.Subscribe(bus)...)
	n.subs = append(n.subs, hello.Subscribe())
	if logger != nil {
		logger.Info("node opened", "data_dir", dataDir, "genesis_known", genesis != nil)
	}
	return n, nil
}

// Close releases every subscription and the on-disk store (spec §1:
// nothing here is a Non-goal, so shutdown must be orderly rather than a
// bare process exit).
func (n *Node) Close() error {
	for _, s := range n.subs {
		s.Close()
	}
	n.Bus.Stop()
	if closer, ok := n.Store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
