package node

import (
	"sort"
	"sync"

	"github.com/fuhon-project/fuhon/event"
	"github.com/libp2p/go-libp2p/core/peer"
)

// RatingFunc maps the current rating and a freshly observed latency (in
// microseconds) to a new rating (spec §4.9 default policy).
type RatingFunc func(current int, latencyUsec int64) int

// DefaultRatingFunc implements the spec §4.9 default: under 10s latency,
// rating increases inversely with latency; at or above 10s, it is
// penalized flatly.
func DefaultRatingFunc(current int, latencyUsec int64) int {
	if latencyUsec < 10_000_000 {
		return current + int((10_000_000-latencyUsec)/100_000)
	}
	return current - 100
}

// ProtocolFilter decides whether a peer's negotiated protocol list
// qualifies it for inclusion (spec §4.9: "if protocols pass a configurable
// filter").
type ProtocolFilter func(protocols []string) bool

// HandlesBlocksync is the default ProtocolFilter: a peer qualifies if it
// negotiated the blocksync protocol.
func HandlesBlocksync(protocols []string) bool {
	for _, p := range protocols {
		if p == "/fil/sync/blk/0.0.1" {
			return true
		}
	}
	return false
}

// Peers maintains peer_id -> rating (spec §3/§4.9). No reverse
// rating -> peer index is kept: SelectBestPeer sorts the candidates by
// rating on each call. Grounded on node/p2p/banscore.go's additive
// score-state style, generalized from a decay-based ban score to a
// latency-derived peer rating.
type Peers struct {
	mu     sync.Mutex
	rating map[peer.ID]int
	filter ProtocolFilter
	rateFn RatingFunc
}

func NewPeers(filter ProtocolFilter, rateFn RatingFunc) *Peers {
	if filter == nil {
		filter = HandlesBlocksync
	}
	if rateFn == nil {
		rateFn = DefaultRatingFunc
	}
	return &Peers{rating: make(map[peer.ID]int), filter: filter, rateFn: rateFn}
}

// Subscribe wires this Peers instance to the event bus (spec §4.9).
func (p *Peers) Subscribe(bus *event.Bus) []*event.Subscription {
	return []*event.Subscription{
		event.Subscribe(bus, func(ev event.PeerConnected) {
			if p.filter(ev.Protocols) {
				p.insert(ev.PeerID)
			}
		}),
		event.Subscribe(bus, func(ev event.PeerDisconnected) {
			p.remove(ev.PeerID)
		}),
		event.Subscribe(bus, func(ev event.PeerLatency) {
			p.mu.Lock()
			cur, ok := p.rating[ev.PeerID]
			if ok {
				p.rating[ev.PeerID] = p.rateFn(cur, ev.LatencyUsec)
			}
			p.mu.Unlock()
		}),
	}
}

func (p *Peers) insert(id peer.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.rating[id]; !ok {
		p.rating[id] = 0
	}
}

func (p *Peers) remove(id peer.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rating, id)
}

// ChangeRating applies an additive adjustment used after request outcomes
// (spec §4.9 changeRating).
func (p *Peers) ChangeRating(id peer.ID, delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.rating[id]; ok {
		p.rating[id] = cur + delta
	}
}

func (p *Peers) Rating(id peer.ID) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rating[id]
	return r, ok
}

// SelectBestPeer returns preferred if it has non-negative rating, else the
// globally highest-rated peer excluding any id in ignored, else "", false
// (spec §4.9 selectBestPeer, resolved as the two-argument form per the
// Open Question in spec §9).
func (p *Peers) SelectBestPeer(preferred peer.ID, ignored map[peer.ID]struct{}) (peer.ID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if preferred != "" {
		if r, ok := p.rating[preferred]; ok && r >= 0 {
			if _, isIgnored := ignored[preferred]; !isIgnored {
				return preferred, true
			}
		}
	}

	type candidate struct {
		id     peer.ID
		rating int
	}
	var candidates []candidate
	for id, r := range p.rating {
		if _, isIgnored := ignored[id]; isIgnored {
			continue
		}
		candidates = append(candidates, candidate{id, r})
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].rating > candidates[j].rating })
	return candidates[0].id, true
}
