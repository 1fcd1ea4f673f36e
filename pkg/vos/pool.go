// Package vos is the caller-facing embeddable versioned object-store
// engine: pools → containers → objects → dkeys → akeys →
// values/arrays, built on pkg/pmem (arena + WAL), pkg/btree, pkg/index,
// and pkg/epoch.
package vos

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/vos/pkg/epoch"
	"github.com/cuemby/vos/pkg/events"
	"github.com/cuemby/vos/pkg/index"
	vlog "github.com/cuemby/vos/pkg/log"
	"github.com/cuemby/vos/pkg/metrics"
	"github.com/cuemby/vos/pkg/pmem"
	"github.com/cuemby/vos/pkg/types"
)

const (
	superblockMagic   = "VOSP"
	superblockVersion = 2
	superblockKey     = "superblock"
)

// openPools is the only process-wide state vos keeps: the set of pools
// currently open, keyed by data directory. The arena file is singly
// owned, so a second open of the same pool — exclusive or not — is
// refused with BUSY until the first handle closes, which is also what
// gives the exclusive open mode its refusal semantics.
var openPools = struct {
	mu sync.Mutex
	m  map[string]*Pool
}{m: make(map[string]*Pool)}

// superblock is the pool's fixed on-disk header: magic, layout
// version, pool UUID, and the container directory root.
type superblock struct {
	Magic            string
	Version          uint32
	PoolUUID         uuid.UUID
	ContainerDirRoot pmem.BlockID
	WALSeq           uint64
}

func encodeSuperblock(sb superblock) []byte {
	buf := make([]byte, 4+4+16+8+8)
	copy(buf[0:4], sb.Magic)
	binary.BigEndian.PutUint32(buf[4:8], sb.Version)
	copy(buf[8:24], sb.PoolUUID[:])
	binary.BigEndian.PutUint64(buf[24:32], uint64(sb.ContainerDirRoot))
	binary.BigEndian.PutUint64(buf[32:40], sb.WALSeq)
	return buf
}

func decodeSuperblock(data []byte) (superblock, error) {
	if len(data) < 40 {
		return superblock{}, fmt.Errorf("vos: truncated superblock")
	}
	var sb superblock
	sb.Magic = string(data[0:4])
	sb.Version = binary.BigEndian.Uint32(data[4:8])
	copy(sb.PoolUUID[:], data[8:24])
	sb.ContainerDirRoot = pmem.BlockID(binary.BigEndian.Uint64(data[24:32]))
	sb.WALSeq = binary.BigEndian.Uint64(data[32:40])
	return sb, nil
}

// Pool is an open handle to a single-node storage pool. All
// mutation inside a pool is serialised through its scheduler; readers take
// a versioned snapshot at entry.
type Pool struct {
	opts PoolOptions
	uuid uuid.UUID

	arena *pmem.Arena
	wal   *pmem.WAL
	sched *scheduler

	clock    *epoch.Clock
	dtx      *epoch.Registry
	snaps    *epoch.Snapshots
	contDir  *index.ContainerDirectory
	metrics  *metrics.PoolMetrics
	health   *metrics.HealthChecker
	broker   *events.Broker
	logger   zerolog.Logger

	mu          sync.RWMutex
	readOnly    bool
	handles     int64
	objectsOpen int64
	refs        int32
}

// PoolCreate creates a new pool under opts.DataDir and opens it.
func PoolCreate(opts PoolOptions) (*Pool, error) {
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, newErr("pool_create", InvalArg, err)
	}
	p, err := openPool(opts, true)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// PoolOpen opens an existing pool, or creates one first if
// ModeCreateIfAbsent is set and none exists.
func PoolOpen(opts PoolOptions) (*Pool, error) {
	return openPool(opts, opts.Mode.Has(types.ModeCreateIfAbsent))
}

func openPool(opts PoolOptions, createIfAbsent bool) (*Pool, error) {
	openPools.mu.Lock()
	if _, busy := openPools.m[opts.DataDir]; busy {
		openPools.mu.Unlock()
		return nil, newErr("pool_open", Busy, fmt.Errorf("pool at %s already open in this process", opts.DataDir))
	}
	openPools.mu.Unlock()

	arena, err := pmem.OpenArena(opts.DataDir)
	if err != nil {
		return nil, newErr("pool_open", Corrupt, err)
	}
	wal, err := pmem.OpenWAL(opts.DataDir)
	if err != nil {
		arena.Close()
		return nil, newErr("pool_open", Corrupt, err)
	}

	p := &Pool{
		opts:    opts,
		arena:   arena,
		wal:     wal,
		clock:   epoch.NewClock(),
		snaps:   epoch.NewSnapshots(),
		metrics: metrics.NewPoolMetrics(""),
		health:  metrics.NewHealthChecker(),
		broker:  events.NewBroker(),
		logger:  vlog.WithComponent("vos.pool"),
	}
	p.dtx = epoch.NewRegistry(nil, opts.DTXTimeout, opts.DTXResolveWait)

	// WAL replay runs before anything else touches the arena.
	if err := wal.Replay(func(block pmem.BlockID, data []byte) error {
		return arena.ReplayRange(block, data)
	}); err != nil {
		p.markReadOnly("wal_replay", err)
	}

	raw, err := arena.LoadCA(superblockKey)
	switch {
	case err == nil:
		sb, derr := decodeSuperblock(raw)
		if derr != nil || sb.Magic != superblockMagic {
			// the pool still opens, read-only, so an operator can inspect
			// and recover it
			p.markReadOnly("superblock_decode", derr)
			openPools.mu.Lock()
			openPools.m[opts.DataDir] = p
			openPools.mu.Unlock()
			p.sched = newScheduler(0, nil)
			p.sched.Start()
			p.broker.Start()
			return p, nil
		}
		if sb.Version == 1 {
			arena.Close()
			wal.Close()
			return nil, newErr("pool_open", DFIncompt, fmt.Errorf("layout version 1 recognised but incompatible"))
		}
		if sb.Version != superblockVersion {
			arena.Close()
			wal.Close()
			return nil, newErr("pool_open", DFIncompt, fmt.Errorf("unknown layout version %d", sb.Version))
		}
		p.uuid = sb.PoolUUID
		p.clock.Observe(types.Epoch(sb.WALSeq))
		p.contDir = index.OpenContainerDirectory(arena, sb.ContainerDirRoot)
	case errors.Is(err, pmem.ErrNotFound) && createIfAbsent:
		p.uuid = uuid.New()
		tx, terr := arena.Begin()
		if terr != nil {
			return nil, newErr("pool_create", NoSpace, terr)
		}
		cd, cerr := index.CreateContainerDirectory(arena, tx)
		if cerr != nil {
			tx.Abort()
			return nil, newErr("pool_create", NoSpace, cerr)
		}
		sb := superblock{Magic: superblockMagic, Version: superblockVersion, PoolUUID: p.uuid, ContainerDirRoot: cd.Root()}
		if serr := arena.SaveCA(tx, superblockKey, encodeSuperblock(sb)); serr != nil {
			tx.Abort()
			return nil, newErr("pool_create", NoSpace, serr)
		}
		if cerr := tx.WithWAL(wal).Commit(); cerr != nil {
			return nil, newErr("pool_create", NoSpace, cerr)
		}
		p.contDir = cd
	default:
		arena.Close()
		wal.Close()
		if !errors.Is(err, pmem.ErrNotFound) {
			return nil, newErr("pool_open", Corrupt, err)
		}
		return nil, newErr("pool_open", NoHdl, err)
	}

	p.metrics = metrics.NewPoolMetrics(p.uuid.String())
	p.metrics.WALReplays.Inc()
	p.logger = vlog.WithPool(p.uuid.String())
	p.health.RegisterComponent("arena", true, "")
	p.health.RegisterComponent("wal", true, "")
	p.health.RegisterComponent("dtx", true, "")

	openPools.mu.Lock()
	openPools.m[opts.DataDir] = p
	openPools.mu.Unlock()

	p.sched = newScheduler(1*time.Second, p.sweepDTX)
	p.sched.Start()
	p.broker.Start()
	p.broker.Publish(&events.Event{Type: events.EventWALReplayed, Message: p.uuid.String()})
	p.broker.Publish(&events.Event{Type: events.EventPoolOpened, Message: p.uuid.String()})
	return p, nil
}

// sweepDTX is the scheduler's background tick: it asks the registry to
// force-resolve every DTX that has aged past the pool's configured
// horizon. The pool's registry has no resolution callback, so such a DTX
// is not decided here: SweepTimeouts reports epoch.ErrTimeout, which is
// logged, and the DTX stays pending.
func (p *Pool) sweepDTX(ctx context.Context) {
	resolved, err := p.dtx.SweepTimeouts(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("dtx timeout sweep error")
	}
	for _, id := range resolved {
		p.metrics.DTXTimeouts.Inc()
		p.broker.Publish(&events.Event{Type: events.EventDTXTimedOut, Message: fmt.Sprintf("%+v", id)})
	}
}

// PoolClose releases the pool's handles and closes its backing files.
// It refuses while any reference-counted handle from this pool is still
// live.
func (p *Pool) PoolClose() error {
	if atomic.LoadInt32(&p.refs) > 0 {
		return newErr("pool_close", Busy, fmt.Errorf("open container/object handles remain"))
	}
	openPools.mu.Lock()
	delete(openPools.m, p.opts.DataDir)
	openPools.mu.Unlock()
	p.sched.Stop()
	p.broker.Publish(&events.Event{Type: events.EventPoolClosed, Message: p.uuid.String()})
	p.broker.Stop()
	if err := p.wal.Close(); err != nil {
		return newErr("pool_close", Corrupt, err)
	}
	if err := p.arena.Close(); err != nil {
		return newErr("pool_close", Corrupt, err)
	}
	return nil
}

// PoolDestroy closes (if open) and removes a pool's backing files
// entirely. This is a destructive, irreversible operation. While a
// container handle from the open pool is live, the close, and with it the
// destroy, is refused with BUSY.
func PoolDestroy(opts PoolOptions) error {
	openPools.mu.Lock()
	p, open := openPools.m[opts.DataDir]
	openPools.mu.Unlock()
	if open {
		if err := p.PoolClose(); err != nil {
			return err
		}
	}
	return os.RemoveAll(opts.DataDir)
}

func (p *Pool) markReadOnly(reason string, cause error) {
	p.mu.Lock()
	p.readOnly = true
	p.mu.Unlock()
	p.health.RegisterComponent(reason, false, fmt.Sprintf("%v", cause))
	p.logger.Error().Err(cause).Str("reason", reason).Msg("pool marked read-only")
	p.broker.Publish(&events.Event{Type: events.EventPoolReadOnly, Message: reason})
}

// ReadOnly reports whether the pool has been forced read-only by a
// durable error.
func (p *Pool) ReadOnly() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readOnly
}

func (p *Pool) checkWritable(op string) *Error {
	if p.ReadOnly() {
		return newErr(op, Corrupt, fmt.Errorf("pool is read-only"))
	}
	if p.opts.Mode.Has(types.ModeReadOnly) {
		return newErr(op, InvalState, fmt.Errorf("pool opened read-only"))
	}
	return nil
}

// UUID returns the pool's identity.
func (p *Pool) UUID() uuid.UUID { return p.uuid }

// Health returns the pool's aggregate subsystem health.
func (p *Pool) Health() metrics.HealthStatus { return p.health.Status() }

// Metrics returns the pool's private metrics set, fetched on demand by
// the embedding caller.
func (p *Pool) Metrics() *metrics.PoolMetrics { return p.metrics }

// Subscribe returns a channel of lifecycle events for this pool (pool
// read-only, container created/destroyed, DTX committed/aborted/timed
// out, aggregation/discard done, WAL replayed).
func (p *Pool) Subscribe() events.Subscriber { return p.broker.Subscribe() }

// ArenaBytesInUse implements metrics.Source.
func (p *Pool) ArenaBytesInUse() uint64 { return p.arena.BytesInUse() }

// ArenaBytesFree implements metrics.Source.
func (p *Pool) ArenaBytesFree() uint64 { return p.arena.BytesFree() }

// HandlesOpen implements metrics.Source.
func (p *Pool) HandlesOpen() int { return int(atomic.LoadInt64(&p.handles)) }

// ObjectsOpen implements metrics.Source.
func (p *Pool) ObjectsOpen() int { return int(atomic.LoadInt64(&p.objectsOpen)) }

// EpochStamp issues the next monotone epoch from the pool's hybrid
// logical clock.
func (p *Pool) EpochStamp() types.Epoch { return p.clock.Next() }

// Snapshot pins the current epoch as a live snapshot, returning it, so
// aggregation will preserve it until ReleaseSnapshot is called.
func (p *Pool) Snapshot() types.Epoch {
	e := p.clock.Last()
	p.snaps.Pin(e)
	return e
}

// ReleaseSnapshot drops a previously pinned snapshot.
func (p *Pool) ReleaseSnapshot(e types.Epoch) { p.snaps.Release(e) }

func (p *Pool) persistContainerDirRoot(tx *pmem.Tx) error {
	sb := superblock{
		Magic: superblockMagic, Version: superblockVersion,
		PoolUUID: p.uuid, ContainerDirRoot: p.contDir.Root(), WALSeq: uint64(p.clock.Last()),
	}
	return p.arena.SaveCA(tx, superblockKey, encodeSuperblock(sb))
}
