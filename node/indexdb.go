package node

import (
	"encoding/binary"
	"fmt"

	"github.com/fuhon-project/fuhon/chain"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"
	bolt "go.etcd.io/bbolt"
)

// IndexDb error kinds (spec §4.7).
type IndexDbErrorCode string

const (
	CannotCreate       IndexDbErrorCode = "INDEXDB_CANNOT_CREATE"
	DataIntegrityError IndexDbErrorCode = "INDEXDB_DATA_INTEGRITY_ERROR"
	AlreadyExists      IndexDbErrorCode = "INDEXDB_ALREADY_EXISTS"
	ExecuteError       IndexDbErrorCode = "INDEXDB_EXECUTE_ERROR"
	TipsetNotFound     IndexDbErrorCode = "INDEXDB_TIPSET_NOT_FOUND"
)

type IndexDbError struct {
	Code IndexDbErrorCode
	Msg  string
}

func (e *IndexDbError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Msg) }

func newIndexDbErr(code IndexDbErrorCode, format string, args ...any) *IndexDbError {
	return &IndexDbError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// TipsetInfo is the IndexDb row of spec §3/§4.7.
type TipsetInfo struct {
	Key        chain.TipsetKey
	Branch     BranchID
	Height     uint64
	ParentHash chain.TipsetHash
}

var (
	bucketTipsetsByHash   = []byte("tipsets_by_hash")
	bucketTipsetsByBranch = []byte("tipsets_by_branch_height")
)

// IndexDb is the bbolt-backed persistent store over TipsetInfo rows, fronted
// by a size-1000 LRU of hot entries (spec §4.7), grounded on
// node/store/db.go's bucket-and-manual-encode style.
type IndexDb struct {
	db    *bolt.DB
	cache *lru.Cache[chain.TipsetHash, *TipsetInfo]
}

func OpenIndexDb(path string) (*IndexDb, error) {
	bdb, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, newIndexDbErr(CannotCreate, "open %s: %v", path, err)
	}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTipsetsByHash, bucketTipsetsByBranch} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, newIndexDbErr(CannotCreate, "create buckets: %v", err)
	}
	cache, err := lru.New[chain.TipsetHash, *TipsetInfo](1000)
	if err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return &IndexDb{db: bdb, cache: cache}, nil
}

func (d *IndexDb) Close() error { return d.db.Close() }

func branchHeightKey(branch BranchID, height uint64) []byte {
	k := make([]byte, 12)
	binary.BigEndian.PutUint32(k[0:4], uint32(branch))
	binary.BigEndian.PutUint64(k[4:12], height)
	return k
}

// Init rebuilds the branch map from persisted rows (spec §4.7 init).
func (d *IndexDb) Init() (map[BranchID]*BranchInfo, error) {
	branches := make(map[BranchID]*BranchInfo)
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTipsetsByHash).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			info, err := decodeTipsetInfo(v)
			if err != nil {
				return newIndexDbErr(DataIntegrityError, "row %x: %v", k, err)
			}
			bi, ok := branches[info.Branch]
			if !ok {
				bi = &BranchInfo{ID: info.Branch, Forks: make(map[BranchID]struct{})}
				bi.Top, bi.TopHeight = info.Key, info.Height
				bi.Bottom, bi.BottomHeight = info.Key, info.Height
				branches[info.Branch] = bi
			} else {
				if info.Height > bi.TopHeight {
					bi.Top, bi.TopHeight = info.Key, info.Height
				}
				if info.Height < bi.BottomHeight {
					bi.Bottom, bi.BottomHeight = info.Key, info.Height
					bi.ParentHash = info.ParentHash
				}
			}
		}
		return nil
	})
	return branches, err
}

// Store persists info, optionally applying a branch rename inside the same
// transaction (spec §4.7 store).
func (d *IndexDb) Store(info TipsetInfo, rename *RenameBranch) error {
	key := info.Key.Hash()
	val, err := encodeTipsetInfo(info)
	if err != nil {
		return newIndexDbErr(ExecuteError, "encode: %v", err)
	}
	err = d.db.Update(func(tx *bolt.Tx) error {
		byHash := tx.Bucket(bucketTipsetsByHash)
		byBranch := tx.Bucket(bucketTipsetsByBranch)

		if rename != nil {
			c := byBranch.Cursor()
			prefix := make([]byte, 4)
			binary.BigEndian.PutUint32(prefix, uint32(rename.OldID))
			for k, v := c.Seek(prefix); k != nil && len(k) >= 4 && binary.BigEndian.Uint32(k[0:4]) == uint32(rename.OldID); k, v = c.Next() {
				height := binary.BigEndian.Uint64(k[4:12])
				if height <= rename.AboveHeight {
					continue
				}
				rowHash := append([]byte(nil), v...)
				raw := byHash.Get(rowHash)
				if raw == nil {
					return newIndexDbErr(DataIntegrityError, "dangling branch-height row")
				}
				rowInfo, derr := decodeTipsetInfo(raw)
				if derr != nil {
					return derr
				}
				rowInfo.Branch = rename.NewID
				newRaw, eerr := encodeTipsetInfo(*rowInfo)
				if eerr != nil {
					return eerr
				}
				if err := byHash.Put(rowHash, newRaw); err != nil {
					return err
				}
				if err := byBranch.Delete(k); err != nil {
					return err
				}
				if err := byBranch.Put(branchHeightKey(rename.NewID, height), rowHash); err != nil {
					return err
				}
			}
		}

		if err := byHash.Put(key[:], val); err != nil {
			return err
		}
		return byBranch.Put(branchHeightKey(info.Branch, info.Height), key[:])
	})
	if err != nil {
		return err
	}
	d.cache.Remove(key)
	d.cache.Add(key, &info)
	return nil
}

// Get looks up a row by tipset hash.
func (d *IndexDb) Get(hash chain.TipsetHash) (*TipsetInfo, error) {
	if info, ok := d.cache.Get(hash); ok {
		return info, nil
	}
	var out *TipsetInfo
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTipsetsByHash).Get(hash[:])
		if v == nil {
			return nil
		}
		info, err := decodeTipsetInfo(v)
		if err != nil {
			return err
		}
		out = info
		return nil
	})
	if err != nil {
		return nil, newIndexDbErr(DataIntegrityError, "%v", err)
	}
	if out == nil {
		return nil, newIndexDbErr(TipsetNotFound, "%x", hash)
	}
	d.cache.Add(hash, out)
	return out, nil
}

// GetAtHeight looks up the row at (branch, height).
func (d *IndexDb) GetAtHeight(branch BranchID, height uint64) (*TipsetInfo, error) {
	var hash chain.TipsetHash
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTipsetsByBranch).Get(branchHeightKey(branch, height))
		if v == nil {
			return nil
		}
		copy(hash[:], v)
		found = true
		return nil
	})
	if err != nil {
		return nil, newIndexDbErr(DataIntegrityError, "%v", err)
	}
	if !found {
		return nil, newIndexDbErr(TipsetNotFound, "branch=%d height=%d", branch, height)
	}
	return d.Get(hash)
}

// Walk calls fn for each row in branch starting at fromHeight ascending,
// stopping after limit rows or when fn returns an error (spec §4.7 walk).
func (d *IndexDb) Walk(branch BranchID, fromHeight uint64, limit int, fn func(*TipsetInfo) error) error {
	return d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTipsetsByBranch).Cursor()
		start := branchHeightKey(branch, fromHeight)
		count := 0
		for k, v := c.Seek(start); k != nil && len(k) >= 4 && binary.BigEndian.Uint32(k[0:4]) == uint32(branch); k, v = c.Next() {
			if limit > 0 && count >= limit {
				return nil
			}
			raw := tx.Bucket(bucketTipsetsByHash).Get(v)
			if raw == nil {
				return newIndexDbErr(DataIntegrityError, "dangling branch-height row")
			}
			info, err := decodeTipsetInfo(raw)
			if err != nil {
				return err
			}
			if err := fn(info); err != nil {
				return err
			}
			count++
		}
		return nil
	})
}

func encodeTipsetInfo(info TipsetInfo) ([]byte, error) {
	cids := info.Key.Cids()
	out := make([]byte, 0, 4+8+32+2+len(cids)*40)
	var branchBuf [4]byte
	binary.BigEndian.PutUint32(branchBuf[:], uint32(info.Branch))
	out = append(out, branchBuf[:]...)
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], info.Height)
	out = append(out, heightBuf[:]...)
	out = append(out, info.ParentHash[:]...)
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(cids)))
	out = append(out, countBuf[:]...)
	for _, c := range cids {
		b := c.Bytes()
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
		out = append(out, lenBuf[:]...)
		out = append(out, b...)
	}
	return out, nil
}

func decodeTipsetInfo(b []byte) (*TipsetInfo, error) {
	if len(b) < 4+8+32+2 {
		return nil, fmt.Errorf("indexdb: truncated row")
	}
	branch := BranchID(binary.BigEndian.Uint32(b[0:4]))
	height := binary.BigEndian.Uint64(b[4:12])
	var parentHash chain.TipsetHash
	copy(parentHash[:], b[12:44])
	count := int(binary.BigEndian.Uint16(b[44:46]))
	off := 46
	cids := make([]cid.Cid, 0, count)
	for i := 0; i < count; i++ {
		if off+2 > len(b) {
			return nil, fmt.Errorf("indexdb: truncated cid length")
		}
		l := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if off+l > len(b) {
			return nil, fmt.Errorf("indexdb: truncated cid bytes")
		}
		c, err := cid.Cast(b[off : off+l])
		if err != nil {
			return nil, err
		}
		cids = append(cids, c)
		off += l
	}
	return &TipsetInfo{
		Key:        chain.NewTipsetKey(cids),
		Branch:     branch,
		Height:     height,
		ParentHash: parentHash,
	}, nil
}
