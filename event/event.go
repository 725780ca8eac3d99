// Package event implements the single-threaded event bus that glues the
// sync components together (spec §9 / §4.13): per-event-type FIFO fan-out,
// typed subscriber handles, unsubscribe-on-drop.
package event

import (
	"log/slog"
	"math/big"

	"github.com/fuhon-project/fuhon/chain"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerConnected is emitted once a peer's protocol list has been negotiated.
type PeerConnected struct {
	PeerID    peer.ID
	Protocols []string
}

// PeerDisconnected is emitted when a peer's connection is torn down.
type PeerDisconnected struct {
	PeerID peer.ID
}

// PeerLatency is emitted after a round-trip latency measurement (e.g. the
// hello/latency exchange) completes.
type PeerLatency struct {
	PeerID      peer.ID
	LatencyUsec int64
}

// TipsetFromHello is emitted server-side when a hello handshake reveals a
// peer's heaviest known tipset.
type TipsetFromHello struct {
	Source peer.ID
	Head   chain.TipsetKey
	Height uint64
}

// BlockFromPubSub is emitted when a BlockWithCids arrives on the blocks topic.
type BlockFromPubSub struct {
	From    peer.ID
	Header  *chain.BlockHeader
	Blsmsg  []cid.Cid
	Secpmsg []cid.Cid
}

// MessageFromPubSub is emitted when a SignedMessage arrives on the msgs topic.
type MessageFromPubSub struct {
	From    peer.ID
	Message []byte
}

// PossibleHead is emitted whenever a peer or gossip path reveals a tipset
// that may extend the known chain. Source is nil when the head originates
// locally (e.g. from pubsub without an attributable peer).
type PossibleHead struct {
	Source *peer.ID
	Head   chain.TipsetKey
	Height uint64
}

// CurrentHead is emitted whenever the active chain's head changes.
type CurrentHead struct {
	Head   chain.TipsetKey
	Height uint64
}

// HeadInterpreted is emitted once per completed interpret job.
type HeadInterpreted struct {
	Head   chain.TipsetKey
	Result chain.Result
	Weight *big.Int
}

// FatalError is emitted for non-recoverable errors (spec §9: CAR corruption,
// genesis failing to interpret). Dispatch stops after this event is handled.
type FatalError struct {
	Err error
}

// Logger is the structured logger used for bus-internal diagnostics
// (panics recovered from handlers). Callers may replace it;
// it defaults to slog.Default() matching the ambient logging style used
// throughout this module.
var Logger = slog.Default()
