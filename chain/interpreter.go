package chain

import (
	"io"
	"math/big"
	"sync"

	"github.com/fuhon-project/fuhon/cbor"
	"github.com/fuhon-project/fuhon/ipld"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Result is the outcome of applying one tipset's state transition (spec
// §3: "Interpreter result").
type Result struct {
	StateRoot       cid.Cid
	MessageReceipts cid.Cid
}

// Interpreter is the external state-transition function (spec GLOSSARY):
// it maps (parent_state_root, tipset) to (next_state_root, receipts_root).
// The core never executes the VM itself; it only drives this contract.
type Interpreter interface {
	Interpret(store ipld.Store, ts *Tipset) (Result, error)
}

// WeightCalculator computes the monotone chain weight used to pick the
// heaviest head (spec GLOSSARY: "Weight").
type WeightCalculator interface {
	Weight(store ipld.Store, ts *Tipset) (*big.Int, error)
}

// InterpreterCache is a TipsetHash-keyed KV, persisted in the IPLD store,
// mapping to either a Result or a "known bad" error mark (spec §9: advancing
// never retries a permanently-bad tipset). Entries are additionally mirrored
// in memory for hot-path lookups, matching IndexDb's own hot-cache style.
type InterpreterCache struct {
	store ipld.Store
	mu    sync.RWMutex
	mem   map[TipsetHash]cacheEntry
}

type cacheEntry struct {
	result Result
	bad    bool
	errMsg string
}

func NewInterpreterCache(store ipld.Store) *InterpreterCache {
	return &InterpreterCache{store: store, mem: make(map[TipsetHash]cacheEntry)}
}

// identityCid wraps arbitrary bytes (here, a TipsetHash) as a CID so the
// cache can ride on ipld.Store's CID-keyed get/set without those bytes
// needing to be content-addressed themselves.
func identityCid(key TipsetHash) (cid.Cid, error) {
	builder := cid.V1Builder{Codec: cid.Raw, MhType: mh.IDENTITY}
	return builder.Sum(key[:])
}

// TryGet returns the cached entry for key, if any, distinguishing a cached
// result (bad=false) from a "known bad" mark (bad=true).
func (c *InterpreterCache) TryGet(key TipsetHash) (result Result, bad bool, ok bool, err error) {
	c.mu.RLock()
	entry, found := c.mem[key]
	c.mu.RUnlock()
	if found {
		return entry.result, entry.bad, true, nil
	}

	ck, err := identityCid(key)
	if err != nil {
		return Result{}, false, false, err
	}
	raw, getErr := c.store.Get(ck)
	if getErr != nil {
		return Result{}, false, false, nil // not found: no cache entry yet
	}
	entry, err = decodeCacheEntry(raw)
	if err != nil {
		return Result{}, false, false, err
	}
	c.mu.Lock()
	c.mem[key] = entry
	c.mu.Unlock()
	return entry.result, entry.bad, true, nil
}

// Put records a successful interpretation result.
func (c *InterpreterCache) Put(key TipsetHash, r Result) error {
	return c.storeEntry(key, cacheEntry{result: r})
}

// MarkBad records key as permanently uninterpretable.
func (c *InterpreterCache) MarkBad(key TipsetHash, errMsg string) error {
	return c.storeEntry(key, cacheEntry{bad: true, errMsg: errMsg})
}

func (c *InterpreterCache) storeEntry(key TipsetHash, entry cacheEntry) error {
	ck, err := identityCid(key)
	if err != nil {
		return err
	}
	raw, err := encodeCacheEntry(entry)
	if err != nil {
		return err
	}
	if err := c.store.Set(ck, raw); err != nil {
		return err
	}
	c.mu.Lock()
	c.mem[key] = entry
	c.mu.Unlock()
	return nil
}

func encodeCacheEntry(e cacheEntry) ([]byte, error) {
	return cbor.EncodeToBytes(func(w io.Writer) error {
		if err := cbor.WriteBool(w, e.bad); err != nil {
			return err
		}
		if e.bad {
			return cbor.WriteString(w, e.errMsg)
		}
		if err := cbor.WriteCID(w, e.result.StateRoot); err != nil {
			return err
		}
		return cbor.WriteCID(w, e.result.MessageReceipts)
	})
}

func decodeCacheEntry(b []byte) (cacheEntry, error) {
	r := cbor.NewReaderBytes(b)
	bad, err := r.ReadBool()
	if err != nil {
		return cacheEntry{}, err
	}
	if bad {
		msg, err := r.ReadString()
		if err != nil {
			return cacheEntry{}, err
		}
		return cacheEntry{bad: true, errMsg: msg}, nil
	}
	sr, err := r.ReadCID()
	if err != nil {
		return cacheEntry{}, err
	}
	mr, err := r.ReadCID()
	if err != nil {
		return cacheEntry{}, err
	}
	return cacheEntry{result: Result{StateRoot: sr, MessageReceipts: mr}}, nil
}
