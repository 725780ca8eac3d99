package ipld

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/ipfs/go-cid"
	varint "github.com/multiformats/go-varint"
)

// carMagic/carVersion identify this store's append-only record stream.
// This is a simplified header (magic + version), not a full CARv1 roots
// header — spec §6 only requires "varint-prefixed (cid, bytes) records
// following the header", not CARv1 interop.
var carMagic = [8]byte{'F', 'U', 'H', 'O', 'N', 'C', 'A', 'R'}

const carVersion byte = 1
const carHeaderLen = 9 // magic + version

type offsetLen struct {
	offset int64
	length int64
}

// CidsIpld is the CAR-backed Store from spec §4.2/§6: an append-only file
// of (cid, bytes) records plus an in-memory index (persisted to a
// "<path>.cids" sidecar) mapping CID -> file offset.
type CidsIpld struct {
	mu       sync.Mutex
	carPath  string
	idxPath  string
	file     *os.File
	writable bool

	index map[string]offsetLen
	size  int64

	pending      map[string][]byte
	pendingBytes int
	flushOn      int
}

// OpenCidsIpld opens (or creates, if writable) a CAR-backed store at path.
// flushOn is the pending-bytes threshold that triggers an automatic flush
// of buffered writes (spec §4.2); 0 disables buffering (every Set is
// synchronous).
func OpenCidsIpld(path string, writable bool, flushOn int) (*CidsIpld, error) {
	idxPath := path + ".cids"

	if !writable {
		if _, err := os.Stat(path); err != nil {
			return nil, newErr(StoreIOError, "car %s does not exist and writable=false", path)
		}
		f, err := os.Open(path) // #nosec G304 -- path is operator-controlled datadir location.
		if err != nil {
			return nil, newErr(StoreIOError, "open car: %v", err)
		}
		c := &CidsIpld{carPath: path, idxPath: idxPath, file: f, writable: false, pending: map[string][]byte{}}
		if err := c.loadOrRebuildIndex(); err != nil {
			_ = f.Close()
			return nil, err
		}
		return c, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600) // #nosec G304 -- operator-controlled datadir.
	if err != nil {
		return nil, newErr(StoreIOError, "open/create car: %v", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, newErr(StoreIOError, "stat car: %v", err)
	}
	if info.Size() == 0 {
		if err := writeCarHeader(f); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	c := &CidsIpld{carPath: path, idxPath: idxPath, file: f, writable: true, flushOn: flushOn, pending: map[string][]byte{}}
	if err := c.loadOrRebuildIndex(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return c, nil
}

func writeCarHeader(f *os.File) error {
	var hdr [carHeaderLen]byte
	copy(hdr[:8], carMagic[:])
	hdr[8] = carVersion
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return newErr(StoreIOError, "write car header: %v", err)
	}
	return nil
}

func checkCarHeader(r io.Reader) error {
	var hdr [carHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return newErr(CidsIndexCorrupt, "truncated car header: %v", err)
	}
	if [8]byte(hdr[:8]) != carMagic {
		return newErr(CidsIndexCorrupt, "bad car magic")
	}
	if hdr[8] != carVersion {
		return newErr(CidsIndexCorrupt, "unsupported car version %d", hdr[8])
	}
	return nil
}

// loadOrRebuildIndex validates the persisted index sidecar against the
// CAR file's current size: truncates any trailing partial record, and
// discards + rebuilds the index entirely if the file head diverges from
// what the index expects (spec §4.2).
func (c *CidsIpld) loadOrRebuildIndex() error {
	info, err := c.file.Stat()
	if err != nil {
		return newErr(StoreIOError, "stat car: %v", err)
	}
	c.size = info.Size()

	if c.size < carHeaderLen {
		return newErr(CidsIndexCorrupt, "car file shorter than header")
	}
	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		return newErr(StoreIOError, "seek car: %v", err)
	}
	if err := checkCarHeader(bufio.NewReader(c.file)); err != nil {
		return err
	}

	idx, validUpTo, ok := c.tryLoadIndexFile()
	if ok && validUpTo <= c.size {
		// Re-scan only the tail the index doesn't cover, to catch records
		// appended since the index was last persisted.
		idx2, upTo, err := c.scanRecords(validUpTo)
		if err != nil {
			return err
		}
		for k, v := range idx2 {
			idx[k] = v
		}
		c.index = idx
		c.size = upTo
		return c.truncateTrailingPartial()
	}

	// Index missing or inconsistent with file size: discard and rebuild from scratch.
	full, upTo, err := c.scanRecords(carHeaderLen)
	if err != nil {
		return err
	}
	c.index = full
	c.size = upTo
	return c.truncateTrailingPartial()
}

// scanRecords reads (cid,bytes) records starting at fromOffset until EOF
// or a truncated/partial trailing record, returning the index built from
// complete records and the offset immediately after the last complete one.
func (c *CidsIpld) scanRecords(fromOffset int64) (map[string]offsetLen, int64, error) {
	idx := make(map[string]offsetLen)
	if _, err := c.file.Seek(fromOffset, io.SeekStart); err != nil {
		return nil, 0, newErr(StoreIOError, "seek car: %v", err)
	}
	br := bufio.NewReader(c.file)
	off := fromOffset
	for {
		recLen, n, err := varint.FromUvarint(mustPeek(br))
		if err != nil || n == 0 {
			break // EOF or unreadable varint: stop at last good offset.
		}
		header := make([]byte, n)
		if _, err := io.ReadFull(br, header); err != nil {
			break
		}
		body := make([]byte, recLen)
		if _, err := io.ReadFull(br, body); err != nil {
			break // partial trailing record.
		}
		cidLen, cn, err := varint.FromUvarint(body)
		if err != nil {
			break
		}
		if uint64(cn)+cidLen > uint64(len(body)) {
			break
		}
		_, recCid, err := cid.CidFromBytes(body[cn : cn+int(cidLen)])
		if err != nil {
			break
		}
		idx[recCid.KeyString()] = offsetLen{offset: off, length: int64(n) + int64(recLen)}
		off += int64(n) + int64(recLen)
	}
	return idx, off, nil
}

// mustPeek returns up to 10 bytes (max varint length) for FromUvarint without
// consuming them from br; br.Peek only errors on short reads near EOF, which
// scanRecords treats as end-of-stream.
func mustPeek(br *bufio.Reader) []byte {
	b, _ := br.Peek(10)
	return b
}

func (c *CidsIpld) truncateTrailingPartial() error {
	if c.writable {
		if err := c.file.Truncate(c.size); err != nil {
			return newErr(StoreIOError, "truncate car: %v", err)
		}
	}
	return nil
}

func (c *CidsIpld) Contains(cc cid.Cid) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[cc.KeyString()]; ok {
		return true, nil
	}
	_, ok := c.index[cc.KeyString()]
	return ok, nil
}

func (c *CidsIpld) Get(cc cid.Cid) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.pending[cc.KeyString()]; ok {
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	}
	ol, ok := c.index[cc.KeyString()]
	if !ok {
		return nil, newErr(NotFound, "%s", cc)
	}
	return c.readRecordAt(ol)
}

func (c *CidsIpld) readRecordAt(ol offsetLen) ([]byte, error) {
	buf := make([]byte, ol.length)
	if _, err := c.file.ReadAt(buf, ol.offset); err != nil {
		return nil, newErr(StoreIOError, "read record: %v", err)
	}
	recLen, n, err := varint.FromUvarint(buf)
	if err != nil {
		return nil, newErr(CidsIndexCorrupt, "record varint: %v", err)
	}
	body := buf[n : n+int(recLen)]
	cidLen, cn, err := varint.FromUvarint(body)
	if err != nil {
		return nil, newErr(CidsIndexCorrupt, "record cid varint: %v", err)
	}
	return body[cn+int(cidLen):], nil
}

// Set stores b under cc. Duplicate Set of the same CID is a no-op (spec
// §4.2): a single entry appears in the file. Buffered when flushOn>0.
func (c *CidsIpld) Set(cc cid.Cid, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setLocked(cc, b)
}

func (c *CidsIpld) setLocked(cc cid.Cid, b []byte) error {
	if !c.writable {
		return newErr(StoreIOError, "car opened read-only")
	}
	key := cc.KeyString()
	if _, ok := c.index[key]; ok {
		return nil
	}
	if _, ok := c.pending[key]; ok {
		return nil
	}
	c.pending[key] = b
	c.pendingBytes += len(b)
	if c.flushOn <= 0 || c.pendingBytes >= c.flushOn {
		return c.flushLocked()
	}
	return nil
}

func (c *CidsIpld) SetBatch(pairs map[cid.Cid][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for cc, b := range pairs {
		if err := c.setLocked(cc, b); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes all buffered records to the CAR file and appends their
// offsets to the index.
func (c *CidsIpld) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *CidsIpld) flushLocked() error {
	if len(c.pending) == 0 {
		return nil
	}
	if _, err := c.file.Seek(c.size, io.SeekStart); err != nil {
		return newErr(StoreIOError, "seek car: %v", err)
	}
	for key, data := range c.pending {
		cc, err := cid.Cast([]byte(key))
		if err != nil {
			return newErr(CidsIndexCorrupt, "pending key not a cid: %v", err)
		}
		cidBytes := cc.Bytes()
		body := make([]byte, 0, varint.MaxLenUvarint63+len(cidBytes)+len(data))
		body = varint.ToUvarint(uint64(len(cidBytes)))
		body = append(body, cidBytes...)
		body = append(body, data...)

		recHeader := varint.ToUvarint(uint64(len(body)))
		rec := append(recHeader, body...)

		n, err := c.file.Write(rec)
		if err != nil {
			return newErr(StoreIOError, "append record: %v", err)
		}
		c.index[key] = offsetLen{offset: c.size, length: int64(n)}
		c.size += int64(n)
	}
	if err := c.file.Sync(); err != nil {
		return newErr(StoreIOError, "fsync car: %v", err)
	}
	c.pending = map[string][]byte{}
	c.pendingBytes = 0
	return c.persistIndex()
}

func (c *CidsIpld) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writable {
		if err := c.flushLocked(); err != nil {
			return err
		}
	}
	return c.file.Close()
}

// --- index sidecar persistence ---
// Layout: repeated records of (cidLen varint, cid bytes, offset u64le, length u64le).

func (c *CidsIpld) persistIndex() error {
	tmp := c.idxPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) // #nosec G304 -- derived from operator-controlled datadir.
	if err != nil {
		return newErr(StoreIOError, "open index tmp: %v", err)
	}
	w := bufio.NewWriter(f)
	var tmp8 [8]byte
	for key, ol := range c.index {
		cc, err := cid.Cast([]byte(key))
		if err != nil {
			_ = f.Close()
			return newErr(CidsIndexCorrupt, "index key not a cid: %v", err)
		}
		cb := cc.Bytes()
		if _, err := w.Write(varint.ToUvarint(uint64(len(cb)))); err != nil {
			_ = f.Close()
			return newErr(StoreIOError, "write index: %v", err)
		}
		if _, err := w.Write(cb); err != nil {
			_ = f.Close()
			return newErr(StoreIOError, "write index: %v", err)
		}
		binary.LittleEndian.PutUint64(tmp8[:], uint64(ol.offset))
		if _, err := w.Write(tmp8[:]); err != nil {
			_ = f.Close()
			return newErr(StoreIOError, "write index: %v", err)
		}
		binary.LittleEndian.PutUint64(tmp8[:], uint64(ol.length))
		if _, err := w.Write(tmp8[:]); err != nil {
			_ = f.Close()
			return newErr(StoreIOError, "write index: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return newErr(StoreIOError, "flush index: %v", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return newErr(StoreIOError, "fsync index: %v", err)
	}
	if err := f.Close(); err != nil {
		return newErr(StoreIOError, "close index: %v", err)
	}
	return os.Rename(tmp, c.idxPath)
}

// tryLoadIndexFile reads the persisted sidecar, returning (index, the byte
// offset it claims to be valid up to, ok). ok is false when the sidecar is
// missing or malformed, in which case the caller rebuilds from scratch.
func (c *CidsIpld) tryLoadIndexFile() (map[string]offsetLen, int64, bool) {
	b, err := os.ReadFile(c.idxPath) // #nosec G304 -- derived from operator-controlled datadir.
	if err != nil {
		return nil, 0, false
	}
	idx := make(map[string]offsetLen)
	var maxEnd int64 = carHeaderLen
	pos := 0
	for pos < len(b) {
		cidLen, n, err := varint.FromUvarint(b[pos:])
		if err != nil || n == 0 {
			return nil, 0, false
		}
		pos += n
		if pos+int(cidLen)+16 > len(b) {
			return nil, 0, false
		}
		cc, err := cid.Cast(b[pos : pos+int(cidLen)])
		if err != nil {
			return nil, 0, false
		}
		pos += int(cidLen)
		offset := int64(binary.LittleEndian.Uint64(b[pos : pos+8]))
		pos += 8
		length := int64(binary.LittleEndian.Uint64(b[pos : pos+8]))
		pos += 8
		idx[cc.KeyString()] = offsetLen{offset: offset, length: length}
		if end := offset + length; end > maxEnd {
			maxEnd = end
		}
	}
	return idx, maxEnd, true
}
