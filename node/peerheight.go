package node

import (
	"sort"
	"sync"

	"github.com/fuhon-project/fuhon/event"
	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerHeight maintains the bidirectional peer<->height map populated from
// PossibleHead events (spec §4.9).
type PeerHeight struct {
	mu       sync.Mutex
	heightOf map[peer.ID]uint64
	peersAt  map[uint64]map[peer.ID]struct{}
}

func NewPeerHeight() *PeerHeight {
	return &PeerHeight{
		heightOf: make(map[peer.ID]uint64),
		peersAt:  make(map[uint64]map[peer.ID]struct{}),
	}
}

// Subscribe wires this PeerHeight to the event bus (spec §4.9).
func (h *PeerHeight) Subscribe(bus *event.Bus) *event.Subscription {
	return event.Subscribe(bus, func(ev event.PossibleHead) {
		if ev.Source != nil {
			h.update(*ev.Source, ev.Height)
		}
	})
}

// update replaces the recorded height for id only if height is larger
// (spec §3: "height updates replace smaller values only").
func (h *PeerHeight) update(id peer.ID, height uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.heightOf[id]; ok {
		if height <= cur {
			return
		}
		if set := h.peersAt[cur]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(h.peersAt, cur)
			}
		}
	}
	h.heightOf[id] = height
	if h.peersAt[height] == nil {
		h.peersAt[height] = make(map[peer.ID]struct{})
	}
	h.peersAt[height][id] = struct{}{}
}

func (h *PeerHeight) Height(id peer.ID) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	height, ok := h.heightOf[id]
	return height, ok
}

// Remove drops id's recorded height, e.g. on PeerDisconnected.
func (h *PeerHeight) Remove(id peer.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	height, ok := h.heightOf[id]
	if !ok {
		return
	}
	delete(h.heightOf, id)
	if set := h.peersAt[height]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(h.peersAt, height)
		}
	}
}

// VisitDescending iterates peers with height >= min in descending height
// order; visit may stop the scan by returning false (spec §4.9).
func (h *PeerHeight) VisitDescending(min uint64, visit func(id peer.ID, height uint64) bool) {
	h.mu.Lock()
	heights := make([]uint64, 0, len(h.peersAt))
	for height := range h.peersAt {
		if height >= min {
			heights = append(heights, height)
		}
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] > heights[j] })
	type pair struct {
		id     peer.ID
		height uint64
	}
	var flat []pair
	for _, height := range heights {
		for id := range h.peersAt[height] {
			flat = append(flat, pair{id, height})
		}
	}
	h.mu.Unlock()

	for _, pr := range flat {
		if !visit(pr.id, pr.height) {
			return
		}
	}
}
