package pmem

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/klauspost/compress/zstd"
)

// WAL is the write-ahead log that makes arena transactions crash-safe.
// It is a raftboltdb.BoltStore used as a plain durable LogStore with
// raft.Log as the on-disk record envelope and no consensus on top: each
// append is a local sequential log entry, never replicated or voted on.
type WAL struct {
	mu    sync.Mutex
	store *raftboltdb.BoltStore
	seq   uint64
}

// walRecord is the framed payload of one raft.Log entry:
// (seq, tx_id, range_count, (offset,len,bytes)…, crc).
type walRecord struct {
	Seq    uint64
	TxID   uint64
	Ranges []walRange
	CRC    uint32
}

// OpenWAL opens (creating if absent) the WAL's backing bbolt file under
// dataDir and recovers the last assigned sequence number from the log
// store's tail so new appends continue monotonically across restarts.
func OpenWAL(dataDir string) (*WAL, error) {
	store, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "wal.db"))
	if err != nil {
		return nil, fmt.Errorf("pmem: open wal: %w", err)
	}
	last, err := store.LastIndex()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("pmem: wal last index: %w", err)
	}
	w := &WAL{store: store, seq: last}
	return w, nil
}

// Close closes the WAL's backing store.
func (w *WAL) Close() error {
	return w.store.Close()
}

// Append frames ranges into a walRecord, computes its CRC, and stores it
// as the next sequential raft.Log entry. It returns the assigned sequence
// number, which Tx.Commit threads back to the caller.
func (w *WAL) Append(ranges []walRange) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.seq + 1
	rec := walRecord{Seq: seq, TxID: seq, Ranges: ranges}
	rec.CRC = crc32.ChecksumIEEE(encodeRanges(ranges))

	data, err := encodeRecord(rec)
	if err != nil {
		return 0, fmt.Errorf("pmem: encode wal record: %w", err)
	}

	entry := &raft.Log{Index: seq, Term: 1, Type: raft.LogCommand, Data: data}
	if err := w.store.StoreLog(entry); err != nil {
		return 0, fmt.Errorf("pmem: store wal log: %w", err)
	}
	w.seq = seq
	return seq, nil
}

// ApplyFunc replays one decoded WAL record's ranges against the arena:
// a non-nil Data writes the block back in place, a nil Data frees it.
type ApplyFunc func(block BlockID, data []byte) error

// Replay scans the WAL from its first to last stored index and invokes fn
// for every range in every record whose CRC checks out, in seq order,
// restoring the arena to the state implied by every transaction the log
// recorded. A bad CRC terminates replay at that record and the error is
// returned as ErrCorrupt so the caller can mark the pool read-only.
func (w *WAL) Replay(fn ApplyFunc) error {
	first, err := w.store.FirstIndex()
	if err != nil {
		return fmt.Errorf("pmem: wal first index: %w", err)
	}
	last, err := w.store.LastIndex()
	if err != nil {
		return fmt.Errorf("pmem: wal last index: %w", err)
	}
	if first == 0 {
		first = 1
	}
	for idx := first; idx <= last; idx++ {
		var entry raft.Log
		if err := w.store.GetLog(idx, &entry); err != nil {
			if err == raft.ErrLogNotFound {
				continue
			}
			return fmt.Errorf("pmem: get wal log %d: %w", idx, err)
		}
		rec, err := decodeRecord(entry.Data)
		if err != nil {
			return fmt.Errorf("%w: wal record %d undecodable: %v", ErrCorrupt, idx, err)
		}
		if crc32.ChecksumIEEE(encodeRanges(rec.Ranges)) != rec.CRC {
			return fmt.Errorf("%w: wal record %d bad crc", ErrCorrupt, idx)
		}
		for _, r := range rec.Ranges {
			if err := fn(r.Block, r.Data); err != nil {
				return fmt.Errorf("pmem: replay wal record %d: %w", idx, err)
			}
		}
		atomic.StoreUint64(&w.seq, rec.Seq)
	}
	return nil
}

// Checkpoint discards log entries up to and including upTo, the way a
// completed checkpoint reclaims WAL space once its transactions are
// durable in the arena. Segments handed to an archival sink (none is
// wired here — vos keeps only the live tail) would be zstd-compressed
// first; CompressSegment below is the primitive an archival caller can
// use for that.
func (w *WAL) Checkpoint(upTo uint64) error {
	return w.store.DeleteRange(0, upTo)
}

// CompressSegment zstd-compresses a already-checkpointed WAL segment
// before it is handed to cold storage, reusing the corpus's
// klauspost/compress dependency rather than a hand-rolled codec.
func CompressSegment(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("pmem: zstd writer: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

// DecompressSegment reverses CompressSegment.
func DecompressSegment(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("pmem: zstd reader: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(compressed, nil)
}

func encodeRanges(ranges []walRange) []byte {
	var buf bytes.Buffer
	for _, r := range ranges {
		var hdr [16]byte
		binary.BigEndian.PutUint64(hdr[0:8], uint64(r.Block))
		binary.BigEndian.PutUint64(hdr[8:16], uint64(len(r.Data)))
		buf.Write(hdr[:])
		buf.Write(r.Data)
	}
	return buf.Bytes()
}

func encodeRecord(rec walRecord) ([]byte, error) {
	var buf bytes.Buffer
	var hdr [24]byte
	binary.BigEndian.PutUint64(hdr[0:8], rec.Seq)
	binary.BigEndian.PutUint64(hdr[8:16], rec.TxID)
	binary.BigEndian.PutUint64(hdr[16:24], uint64(len(rec.Ranges)))
	buf.Write(hdr[:])
	for _, r := range rec.Ranges {
		var rhdr [16]byte
		binary.BigEndian.PutUint64(rhdr[0:8], uint64(r.Block))
		isFree := r.Data == nil
		dataLen := uint64(len(r.Data))
		if isFree {
			dataLen = 1<<63 | dataLen // high bit marks a free (nil data)
		}
		binary.BigEndian.PutUint64(rhdr[8:16], dataLen)
		buf.Write(rhdr[:])
		buf.Write(r.Data)
	}
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], rec.CRC)
	buf.Write(crc[:])
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (walRecord, error) {
	var rec walRecord
	if len(data) < 24+4 {
		return rec, fmt.Errorf("truncated wal record")
	}
	rec.Seq = binary.BigEndian.Uint64(data[0:8])
	rec.TxID = binary.BigEndian.Uint64(data[8:16])
	count := binary.BigEndian.Uint64(data[16:24])
	off := 24
	for i := uint64(0); i < count; i++ {
		if off+16 > len(data)-4 {
			return rec, fmt.Errorf("truncated wal range header")
		}
		block := BlockID(binary.BigEndian.Uint64(data[off : off+8]))
		lenField := binary.BigEndian.Uint64(data[off+8 : off+16])
		off += 16
		isFree := lenField&(1<<63) != 0
		n := int(lenField &^ (1 << 63))
		if off+n > len(data)-4 {
			return rec, fmt.Errorf("truncated wal range data")
		}
		var rdata []byte
		if !isFree {
			rdata = append([]byte(nil), data[off:off+n]...)
		}
		off += n
		rec.Ranges = append(rec.Ranges, walRange{Block: block, Data: rdata})
	}
	rec.CRC = binary.BigEndian.Uint32(data[len(data)-4:])
	return rec, nil
}
