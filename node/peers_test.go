package node

import (
	"testing"
	"time"

	"github.com/fuhon-project/fuhon/event"
	"github.com/libp2p/go-libp2p/core/peer"
)

func mustPeerID(t *testing.T, s string) peer.ID {
	t.Helper()
	// peer.ID is just a string of binary multihash bytes in this library;
	// for tests we only need distinct stable values, not valid multihashes.
	return peer.ID(s)
}

func TestPeersConnectDisconnectAndRating(t *testing.T) {
	bus := event.New(16)
	defer bus.Stop()
	peers := NewPeers(nil, nil)
	subs := peers.Subscribe(bus)
	defer func() {
		for _, s := range subs {
			s.Close()
		}
	}()

	p1 := mustPeerID(t, "peer1")
	bus.Publish(event.PeerConnected{PeerID: p1, Protocols: []string{"/fil/sync/blk/0.0.1"}})
	bus.Publish(event.PeerLatency{PeerID: p1, LatencyUsec: 1_000_000})

	deadline := time.After(time.Second)
	for {
		if r, ok := peers.Rating(p1); ok && r != 0 {
			if r != 90 {
				t.Fatalf("unexpected rating: %d", r)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for rating update")
		default:
		}
	}

	bus.Publish(event.PeerDisconnected{PeerID: p1})
	for {
		if _, ok := peers.Rating(p1); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for disconnect removal")
		default:
		}
	}
}

func TestPeersRejectsUnfilteredProtocols(t *testing.T) {
	bus := event.New(16)
	defer bus.Stop()
	peers := NewPeers(nil, nil)
	subs := peers.Subscribe(bus)
	defer func() {
		for _, s := range subs {
			s.Close()
		}
	}()

	p1 := mustPeerID(t, "peer-no-blocksync")
	bus.Publish(event.PeerConnected{PeerID: p1, Protocols: []string{"/fil/hello/1.0.0"}})

	marker := mustPeerID(t, "marker")
	markerSub := event.Subscribe(bus, func(ev event.PeerLatency) {})
	defer markerSub.Close()
	bus.Publish(event.PeerLatency{PeerID: marker, LatencyUsec: 0})
	time.Sleep(50 * time.Millisecond)

	if _, ok := peers.Rating(p1); ok {
		t.Fatal("peer lacking blocksync protocol should not be inserted")
	}
}

func TestSelectBestPeerPrefersNonNegativePreferred(t *testing.T) {
	peers := NewPeers(nil, nil)
	peers.insert(mustPeerID(t, "a"))
	peers.insert(mustPeerID(t, "b"))
	peers.ChangeRating(mustPeerID(t, "b"), 50)

	got, ok := peers.SelectBestPeer(mustPeerID(t, "a"), nil)
	if !ok || got != mustPeerID(t, "a") {
		t.Fatalf("expected preferred peer a, got %v ok=%v", got, ok)
	}

	peers.ChangeRating(mustPeerID(t, "a"), -10)
	got2, ok := peers.SelectBestPeer(mustPeerID(t, "a"), nil)
	if !ok || got2 != mustPeerID(t, "b") {
		t.Fatalf("expected fallback to highest-rated peer b, got %v ok=%v", got2, ok)
	}
}

func TestPeerHeightKeepsOnlyLargerUpdates(t *testing.T) {
	ph := NewPeerHeight()
	p1 := mustPeerID(t, "p1")
	ph.update(p1, 10)
	ph.update(p1, 5)
	if h, _ := ph.Height(p1); h != 10 {
		t.Fatalf("expected height to stay at 10, got %d", h)
	}
	ph.update(p1, 20)
	if h, _ := ph.Height(p1); h != 20 {
		t.Fatalf("expected height updated to 20, got %d", h)
	}
}

func TestPeerHeightVisitDescendingStops(t *testing.T) {
	ph := NewPeerHeight()
	ph.update(mustPeerID(t, "a"), 10)
	ph.update(mustPeerID(t, "b"), 20)
	ph.update(mustPeerID(t, "c"), 30)

	var seen []uint64
	ph.VisitDescending(15, func(id peer.ID, height uint64) bool {
		seen = append(seen, height)
		return len(seen) < 1
	})
	if len(seen) != 1 || seen[0] != 30 {
		t.Fatalf("expected scan to stop after one result, got %v", seen)
	}
}
