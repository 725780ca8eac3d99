package node

import (
	"context"
	"io"
	"math/big"
	"time"

	"github.com/fuhon-project/fuhon/cbor"
	"github.com/fuhon-project/fuhon/chain"
	"github.com/fuhon-project/fuhon/event"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	HelloProtocolID = "/fil/hello/1.0.0"
	helloHeartbeat  = 10 * time.Second
)

// Stream is the narrow byte-stream abstraction this package needs from the
// transport (spec §1: "the core assumes a transport that offers:
// dial-by-peer-id, protocol-multiplexed byte streams ... and identify" —
// libp2p transport internals themselves are out of scope).
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}

// Host opens protocol-multiplexed streams to peers.
type Host interface {
	NewStream(ctx context.Context, id peer.ID, protocolID string) (Stream, error)
}

// HelloMessage is the client->server greeting of spec §4.10.
type HelloMessage struct {
	HeaviestTipset       []cid.Cid
	HeaviestTipsetHeight uint64
	HeaviestTipsetWeight *big.Int
	Genesis              cid.Cid
}

func encodeHelloMessage(m HelloMessage) ([]byte, error) {
	return cbor.EncodeToBytes(func(w io.Writer) error {
		if err := cbor.WriteArrayHeader(w, len(m.HeaviestTipset)); err != nil {
			return err
		}
		for _, c := range m.HeaviestTipset {
			if err := cbor.WriteCID(w, c); err != nil {
				return err
			}
		}
		if err := cbor.WriteUInt(w, m.HeaviestTipsetHeight); err != nil {
			return err
		}
		if err := cbor.WriteBigInt(w, m.HeaviestTipsetWeight); err != nil {
			return err
		}
		return cbor.WriteCID(w, m.Genesis)
	})
}

func decodeHelloMessage(b []byte) (HelloMessage, error) {
	r := cbor.NewReaderBytes(b)
	n, err := r.ReadArrayHeader()
	if err != nil {
		return HelloMessage{}, err
	}
	cids := make([]cid.Cid, n)
	for i := 0; i < n; i++ {
		if cids[i], err = r.ReadCID(); err != nil {
			return HelloMessage{}, err
		}
	}
	height, err := r.ReadUInt()
	if err != nil {
		return HelloMessage{}, err
	}
	weight, err := r.ReadBigInt()
	if err != nil {
		return HelloMessage{}, err
	}
	genesis, err := r.ReadCID()
	if err != nil {
		return HelloMessage{}, err
	}
	return HelloMessage{HeaviestTipset: cids, HeaviestTipsetHeight: height, HeaviestTipsetWeight: weight, Genesis: genesis}, nil
}

// LatencyMessage is the server->client reply of spec §4.10.
type LatencyMessage struct {
	ArrivalUsec int64
	SentUsec    int64
}

func encodeLatencyMessage(m LatencyMessage) ([]byte, error) {
	return cbor.EncodeToBytes(func(w io.Writer) error {
		if err := cbor.WriteUInt(w, uint64(m.ArrivalUsec)); err != nil {
			return err
		}
		return cbor.WriteUInt(w, uint64(m.SentUsec))
	})
}

func decodeLatencyMessage(b []byte) (LatencyMessage, error) {
	r := cbor.NewReaderBytes(b)
	arrival, err := r.ReadUInt()
	if err != nil {
		return LatencyMessage{}, err
	}
	sent, err := r.ReadUInt()
	if err != nil {
		return LatencyMessage{}, err
	}
	return LatencyMessage{ArrivalUsec: int64(arrival), SentUsec: int64(sent)}, nil
}

// LocalView supplies the local heaviest tipset and genesis for outgoing
// hello messages.
type LocalView interface {
	HeaviestTipset() (key chain.TipsetKey, height uint64, weight *big.Int)
	Genesis() cid.Cid
}

// Hello drives the one-shot-per-peer hello handshake of spec §4.10,
// grounded on node/p2p/handshake.go's single round-trip exchange style.
type Hello struct {
	host  Host
	local LocalView
	bus   *event.Bus
	now   func() int64 // microseconds; overridable for tests
}

func NewHello(host Host, local LocalView, bus *event.Bus, nowUsec func() int64) *Hello {
	return &Hello{host: host, local: local, bus: bus, now: nowUsec}
}

// Subscribe fires SendHello on every PeerConnected event.
func (h *Hello) Subscribe() *event.Subscription {
	return event.Subscribe(h.bus, func(ev event.PeerConnected) {
		go func() {
			_ = h.SendHello(context.Background(), ev.PeerID)
		}()
	})
}

// SendHello performs the client side of spec §4.10: send HelloMessage,
// await LatencyMessage, emit PeerLatency.
func (h *Hello) SendHello(ctx context.Context, id peer.ID) error {
	ctx, cancel := context.WithTimeout(ctx, helloHeartbeat)
	defer cancel()

	s, err := h.host.NewStream(ctx, id, HelloProtocolID)
	if err != nil {
		return err
	}
	defer s.Close()

	key, height, weight := h.local.HeaviestTipset()
	sentUsec := h.now()
	msg, err := encodeHelloMessage(HelloMessage{
		HeaviestTipset:       key.Cids(),
		HeaviestTipsetHeight: height,
		HeaviestTipsetWeight: weight,
		Genesis:              h.local.Genesis(),
	})
	if err != nil {
		return err
	}
	if _, err := s.Write(msg); err != nil {
		return err
	}

	respBuf := make([]byte, 4096)
	n, err := s.Read(respBuf)
	if err != nil {
		return err
	}
	if _, err := decodeLatencyMessage(respBuf[:n]); err != nil {
		return err
	}
	latencyUsec := h.now() - sentUsec
	h.bus.Publish(event.PeerLatency{PeerID: id, LatencyUsec: latencyUsec})
	return nil
}

// HandleIncoming is the server side of spec §4.10: read HelloMessage,
// verify genesis, emit TipsetFromHello, reply with a LatencyMessage.
func (h *Hello) HandleIncoming(s Stream, from peer.ID) error {
	buf := make([]byte, 4096)
	n, err := s.Read(buf)
	if err != nil {
		return err
	}
	arrivalUsec := h.now()

	msg, err := decodeHelloMessage(buf[:n])
	if err != nil {
		return err
	}
	if !msg.Genesis.Equals(h.local.Genesis()) {
		return s.Close()
	}

	h.bus.Publish(event.TipsetFromHello{
		Source: from,
		Head:   chain.NewTipsetKey(msg.HeaviestTipset),
		Height: msg.HeaviestTipsetHeight,
	})

	reply, err := encodeLatencyMessage(LatencyMessage{ArrivalUsec: arrivalUsec, SentUsec: h.now()})
	if err != nil {
		return err
	}
	_, err = s.Write(reply)
	return err
}
