package node

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/fuhon-project/fuhon/chain"
	"github.com/fuhon-project/fuhon/ipld"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestBlocksyncRequestResponseRoundTrip(t *testing.T) {
	store := ipld.NewMemStore()

	genesisHeader := header(t, 0, 0, chain.NewTipsetKey(nil))
	metaRoot, err := buildMsgMetaRoot(store, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	genesisHeader.Messages = metaRoot
	genesisTs, err := chain.Create([]*chain.BlockHeader{genesisHeader})
	if err != nil {
		t.Fatal(err)
	}

	bundle := TipsetBundle{Blocks: genesisTs.Blocks(), HasMessages: true}
	resp := BlocksyncResponseMsg{Status: StatusComplete, Message: "ok", Chain: []TipsetBundle{bundle}}

	encoded, err := encodeBlocksyncResponse(resp)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := decodeBlocksyncResponse(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Status != StatusComplete || len(decoded.Chain) != 1 {
		t.Fatalf("unexpected decode: %+v", decoded)
	}
	if len(decoded.Chain[0].Blocks) != 1 || decoded.Chain[0].Blocks[0].Height != 0 {
		t.Fatalf("unexpected decoded block: %+v", decoded.Chain[0].Blocks)
	}
}

func TestBlocksyncRequestMessageRoundTrip(t *testing.T) {
	cidA := mustCid(t, []byte("msg-a"))
	req := BlocksyncRequestMsg{BlockCids: []cid.Cid{cidA}, Depth: 5, Options: BlocksAndMessages}
	enc, err := encodeBlocksyncRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := decodeBlocksyncRequest(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Depth != 5 || dec.Options != BlocksAndMessages || len(dec.BlockCids) != 1 || !dec.BlockCids[0].Equals(cidA) {
		t.Fatalf("unexpected round-trip: %+v", dec)
	}
}

// streamReaderWriter wraps a fixed response buffer and a discard writer so
// a BlocksyncRequest can run its client loop against a canned reply.
type streamReaderWriter struct {
	io.Reader
	io.Writer
}

func (streamReaderWriter) Close() error { return nil }

type fixedResponseHost struct {
	response []byte
}

func (h *fixedResponseHost) NewStream(ctx context.Context, id peer.ID, protocolID string) (Stream, error) {
	return streamReaderWriter{Reader: newOnceReader(h.response), Writer: io.Discard}, nil
}

// onceReader yields its buffer once then returns io.EOF, matching a stream
// whose peer writes one response and stops.
type onceReader struct {
	buf  []byte
	read bool
}

func newOnceReader(buf []byte) *onceReader { return &onceReader{buf: buf} }

func (r *onceReader) Read(p []byte) (int, error) {
	if r.read {
		return 0, io.EOF
	}
	r.read = true
	n := copy(p, r.buf)
	return n, nil
}

func TestBlocksyncRequestStoresBundleAndRatesComplete(t *testing.T) {
	store := ipld.NewMemStore()
	genesisHeader := header(t, 0, 0, chain.NewTipsetKey(nil))
	metaRoot, err := buildMsgMetaRoot(store, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	genesisHeader.Messages = metaRoot
	genesisTs, err := chain.Create([]*chain.BlockHeader{genesisHeader})
	if err != nil {
		t.Fatal(err)
	}
	requestedCid, err := genesisHeader.Cid()
	if err != nil {
		t.Fatal(err)
	}

	resp := BlocksyncResponseMsg{
		Status:  StatusComplete,
		Message: "ok",
		Chain:   []TipsetBundle{{Blocks: genesisTs.Blocks(), HasMessages: true}},
	}
	encoded, err := encodeBlocksyncResponse(resp)
	if err != nil {
		t.Fatal(err)
	}

	// store on a separate peers instance so we can assert rating deltas
	peers := NewPeers(nil, nil)
	peers.insert(mustPeerID(t, "remote"))

	destStore := ipld.NewMemStore()
	r := NewBlocksyncRequest(&fixedResponseHost{response: encoded}, destStore, peers, mustPeerID(t, "remote"),
		[]cid.Cid{requestedCid}, 1, BlocksAndMessages, time.Second)

	done := make(chan BlocksyncResult, 1)
	r.Start(context.Background(), func(res BlocksyncResult) { done <- res })

	select {
	case res := <-done:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if len(res.BlocksAvailable) != 1 {
			t.Fatalf("expected one available tipset, got %d", len(res.BlocksAvailable))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for blocksync result")
	}

	if ok, _ := destStore.Contains(requestedCid); !ok {
		t.Fatal("expected block header to be stored")
	}
	if rating, _ := peers.Rating(mustPeerID(t, "remote")); rating <= 0 {
		t.Fatalf("expected positive rating after Complete+save, got %d", rating)
	}
}

func TestBlocksyncRequestClampsDepth(t *testing.T) {
	r := NewBlocksyncRequest(nil, nil, nil, mustPeerID(t, "p"), nil, 0, BlocksOnly, time.Second)
	if r.depth != 1 {
		t.Fatalf("expected depth clamped to 1, got %d", r.depth)
	}
	r2 := NewBlocksyncRequest(nil, nil, nil, mustPeerID(t, "p"), nil, 1000, BlocksOnly, time.Second)
	if r2.depth != 100 {
		t.Fatalf("expected depth clamped to 100, got %d", r2.depth)
	}
}

func TestBlocksyncRequestMessagesOnlyNotImplemented(t *testing.T) {
	r := NewBlocksyncRequest(nil, ipld.NewMemStore(), nil, mustPeerID(t, "p"), nil, 1, MessagesOnly, time.Second)
	done := make(chan BlocksyncResult, 1)
	r.Start(context.Background(), func(res BlocksyncResult) { done <- res })
	select {
	case res := <-done:
		if res.Err != ErrNotImplemented {
			t.Fatalf("expected ErrNotImplemented, got %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}
