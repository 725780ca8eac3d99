// Command fuhon-node runs the chain-synchronization node (spec §1/§4.8):
// it opens the on-disk tipset graph, dials configured bootstrap peers,
// exchanges Hello, and lets SyncJob/InterpretJob drive the chain forward
// as PossibleHead/HeadInterpreted events arrive.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fuhon-project/fuhon/chain"
	"github.com/fuhon-project/fuhon/ipld"
	"github.com/fuhon-project/fuhon/node"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
)

// libp2pHost adapts a real libp2p host.Host onto this repo's narrow Host
// interface (spec §1: transport framing itself is out of scope, so only
// NewStream is exposed to node.Hello/node.BlocksyncRequest).
type libp2pHost struct {
	h host.Host
}

func (l libp2pHost) NewStream(ctx context.Context, id peer.ID, protocolID string) (node.Stream, error) {
	s, err := l.h.NewStream(ctx, id, protocol.ID(protocolID))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// nullLocalView always reports genesis as the heaviest tipset, at height 0
// with weight 0; nothing in this command updates it (spec §4.10).
type nullLocalView struct {
	genesis    cid.Cid
	genesisKey chain.TipsetKey
}

func (v *nullLocalView) HeaviestTipset() (chain.TipsetKey, uint64, *big.Int) {
	return v.genesisKey, 0, big.NewInt(0)
}

func (v *nullLocalView) Genesis() cid.Cid { return v.genesis }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	defaults := node.DefaultConfig()
	fs := flag.NewFlagSet("fuhon-node", flag.ContinueOnError)
	fs.SetOutput(stderr)

	datadir := fs.String("datadir", defaults.DataDir, "node data directory")
	network_ := fs.String("network", defaults.Network, "network name (devnet/testnet/mainnet)")
	bind := fs.String("bind", defaults.BindAddr, "libp2p listen address host:port")
	logLevel := fs.String("log-level", defaults.LogLevel, "log level: debug|info|warn|error")
	peersCSV := fs.String("peers", "", "bootstrap peer multiaddrs, comma-separated")
	genesisCidStr := fs.String("genesis-cid", "", "genesis block CID (required on first run)")
	dryRun := fs.Bool("dry-run", false, "print effective config and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := defaults
	cfg.DataDir = *datadir
	cfg.Network = *network_
	cfg.BindAddr = *bind
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(*logLevel))
	cfg.Peers = node.NormalizePeers(*peersCSV)
	if err := node.ValidateConfig(cfg); err != nil {
		fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 2
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		fmt.Fprintf(stderr, "datadir create failed: %v\n", err)
		return 2
	}

	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: logLevelFromString(cfg.LogLevel)}))

	if *dryRun {
		logger.Info("effective config", "datadir", cfg.DataDir, "network", cfg.Network, "bind", cfg.BindAddr, "peers", cfg.Peers)
		return 0
	}

	listenAddr, err := hostPortToMultiaddr(cfg.BindAddr)
	if err != nil {
		fmt.Fprintf(stderr, "bind addr: %v\n", err)
		return 2
	}
	h, err := libp2p.New(libp2p.ListenAddrs(listenAddr))
	if err != nil {
		fmt.Fprintf(stderr, "libp2p host: %v\n", err)
		return 2
	}
	defer h.Close()

	var genesisCid cid.Cid
	if *genesisCidStr != "" {
		genesisCid, err = cid.Decode(*genesisCidStr)
		if err != nil {
			fmt.Fprintf(stderr, "genesis-cid: %v\n", err)
			return 2
		}
	}

	local := &nullLocalView{genesis: genesisCid}
	var genesis *chain.Tipset
	if genesisCid.Defined() {
		store, err := ipld.OpenCidsIpld(cfg.DataDir+"/blocks.car", true, 1<<20)
		if err != nil {
			fmt.Fprintf(stderr, "open store: %v\n", err)
			return 2
		}
		genesis, err = loadTipsetFromCids(store, []cid.Cid{genesisCid})
		_ = store.Close()
		if err != nil {
			fmt.Fprintf(stderr, "load genesis: %v\n", err)
			return 2
		}
		local.genesisKey = genesis.Key()
	}

	// State-transition interpretation and weight computation are external
	// to this repo (spec §4.13/§4.5: Interpreter/WeightCalculator are
	// contracts the caller supplies, not something this module implements).
	n, err := node.Open(cfg.DataDir, genesis, libp2pHost{h}, local, nil, nil, nowUsec, logger)
	if err != nil {
		fmt.Fprintf(stderr, "node open failed: %v\n", err)
		return 2
	}
	defer n.Close()

	h.SetStreamHandler(protocol.ID(node.HelloProtocolID), func(s network.Stream) {
		if err := n.Hello.HandleIncoming(s, s.Conn().RemotePeer()); err != nil {
			logger.Warn("hello handler failed", "peer", s.Conn().RemotePeer(), "err", err)
		}
	})

	for _, addrStr := range cfg.Peers {
		addr, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			logger.Warn("skipping unparseable peer addr", "addr", addrStr, "err", err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			logger.Warn("skipping unparseable peer addr", "addr", addrStr, "err", err)
			continue
		}
		h.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := h.Connect(ctx, *info); err != nil {
			logger.Warn("dial failed", "peer", info.ID, "err", err)
		} else if err := n.Hello.SendHello(ctx, info.ID); err != nil {
			logger.Warn("hello failed", "peer", info.ID, "err", err)
		}
		cancel()
	}

	logger.Info("fuhon-node running", "peer_id", h.ID(), "listen", listenAddr)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("fuhon-node stopped")
	return 0
}

func loadTipsetFromCids(store ipld.Store, cids []cid.Cid) (*chain.Tipset, error) {
	blocks := make([]*chain.BlockHeader, len(cids))
	for i, c := range cids {
		raw, err := store.Get(c)
		if err != nil {
			return nil, err
		}
		bh := &chain.BlockHeader{}
		if err := bh.UnmarshalCBOR(raw); err != nil {
			return nil, err
		}
		blocks[i] = bh
	}
	return chain.Create(blocks)
}

func nowUsec() int64 { return time.Now().UnixMicro() }

func logLevelFromString(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func hostPortToMultiaddr(hostPort string) (multiaddr.Multiaddr, error) {
	idx := strings.LastIndex(hostPort, ":")
	if idx < 0 {
		return nil, fmt.Errorf("expected host:port, got %q", hostPort)
	}
	h, port := hostPort[:idx], hostPort[idx+1:]
	if h == "" || h == "0.0.0.0" {
		return multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%s", port))
	}
	return multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%s", h, port))
}
