package node

import (
	"context"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/fuhon-project/fuhon/chain"
	"github.com/fuhon-project/fuhon/event"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// pipeStream adapts an io.Reader/io.Writer pair (from io.Pipe) to Stream.
type pipeStream struct {
	io.Reader
	io.Writer
}

func (pipeStream) Close() error { return nil }

type fakeHost struct {
	peerStream Stream
}

func (h *fakeHost) NewStream(ctx context.Context, id peer.ID, protocolID string) (Stream, error) {
	return h.peerStream, nil
}

type fakeLocalView struct {
	key     chain.TipsetKey
	height  uint64
	weight  *big.Int
	genesis cid.Cid
}

func (v fakeLocalView) HeaviestTipset() (chain.TipsetKey, uint64, *big.Int) {
	return v.key, v.height, v.weight
}
func (v fakeLocalView) Genesis() cid.Cid { return v.genesis }

func TestHelloClientServerRoundTrip(t *testing.T) {
	genesisCid := mustCid(t, []byte("genesis"))
	genesisKey := chain.NewTipsetKey([]cid.Cid{genesisCid})

	clientToServerR, clientToServerW := io.Pipe()
	serverToClientR, serverToClientW := io.Pipe()

	clientSideStream := pipeStream{Reader: serverToClientR, Writer: clientToServerW}
	serverSideStream := pipeStream{Reader: clientToServerR, Writer: serverToClientW}

	bus := event.New(16)
	defer bus.Stop()

	var usec int64
	clock := func() int64 { usec += 1000; return usec }

	clientHello := NewHello(&fakeHost{peerStream: clientSideStream}, fakeLocalView{
		key: genesisKey, height: 0, weight: big.NewInt(0), genesis: genesisCid,
	}, bus, clock)
	serverHello := NewHello(nil, fakeLocalView{
		key: genesisKey, height: 0, weight: big.NewInt(0), genesis: genesisCid,
	}, bus, clock)

	gotTipsetFromHello := make(chan event.TipsetFromHello, 1)
	sub1 := event.Subscribe(bus, func(ev event.TipsetFromHello) { gotTipsetFromHello <- ev })
	defer sub1.Close()
	gotLatency := make(chan event.PeerLatency, 1)
	sub2 := event.Subscribe(bus, func(ev event.PeerLatency) { gotLatency <- ev })
	defer sub2.Close()

	serverDone := make(chan error, 1)
	go func() { serverDone <- serverHello.HandleIncoming(serverSideStream, peer.ID("client")) }()

	if err := clientHello.SendHello(context.Background(), peer.ID("server")); err != nil {
		t.Fatal(err)
	}
	if err := <-serverDone; err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-gotTipsetFromHello:
		if ev.Source != peer.ID("client") || !ev.Head.Equals(genesisKey) {
			t.Fatalf("unexpected TipsetFromHello: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for TipsetFromHello")
	}
	select {
	case ev := <-gotLatency:
		if ev.PeerID != peer.ID("server") {
			t.Fatalf("unexpected PeerLatency source: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PeerLatency")
	}
}

func TestHelloRejectsGenesisMismatch(t *testing.T) {
	genesisA := mustCid(t, []byte("genesis-a"))
	genesisB := mustCid(t, []byte("genesis-b"))
	keyA := chain.NewTipsetKey([]cid.Cid{genesisA})

	clientToServerR, clientToServerW := io.Pipe()
	serverToClientR, _ := io.Pipe()
	clientSideStream := pipeStream{Reader: serverToClientR, Writer: clientToServerW}
	serverSideStream := pipeStream{Reader: clientToServerR, Writer: io.Discard}

	bus := event.New(16)
	defer bus.Stop()
	clock := func() int64 { return 0 }

	clientHello := NewHello(&fakeHost{peerStream: clientSideStream}, fakeLocalView{
		key: keyA, genesis: genesisA, weight: big.NewInt(0),
	}, bus, clock)
	serverHello := NewHello(nil, fakeLocalView{
		key: keyA, genesis: genesisB, weight: big.NewInt(0),
	}, bus, clock)

	gotTipsetFromHello := make(chan event.TipsetFromHello, 1)
	sub := event.Subscribe(bus, func(ev event.TipsetFromHello) { gotTipsetFromHello <- ev })
	defer sub.Close()

	go func() {
		_ = clientHello.SendHello(context.Background(), peer.ID("server"))
	}()
	_ = serverHello.HandleIncoming(serverSideStream, peer.ID("client"))

	select {
	case ev := <-gotTipsetFromHello:
		t.Fatalf("expected no TipsetFromHello on genesis mismatch, got %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
