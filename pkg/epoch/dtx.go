package epoch

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/vos/pkg/types"
)

// DTXState is a distributed transaction's lifecycle state.
type DTXState int

const (
	DTXPending DTXState = iota
	DTXCommitted
	DTXAborted
)

func (s DTXState) String() string {
	switch s {
	case DTXPending:
		return "pending"
	case DTXCommitted:
		return "committed"
	case DTXAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// DTXID identifies a transaction by (leader epoch, sequence).
type DTXID struct {
	LeaderEpoch types.Epoch
	Seq         uint64
}

// DTX is one registry entry: the participant list, current state, and the
// epoch it committed at.
type DTX struct {
	ID          DTXID
	Participants []string
	State       DTXState
	CommitEpoch types.Epoch
	Opened      time.Time
}

// ResolveFunc is the externally supplied callback the registry calls to
// force a decision on a pending DTX a reader is blocked on, or one that
// has aged past the timeout horizon. It returns true to commit.
type ResolveFunc func(ctx context.Context, id DTXID) (commit bool, err error)

// Registry tracks in-flight and resolved DTXs for one pool and implements
// the conflict-resolution wait/force-resolve contract a blocked reader
// follows.
type Registry struct {
	mu       sync.Mutex
	entries  map[DTXID]*DTX
	resolve  ResolveFunc
	horizon  time.Duration
	waitWait time.Duration
	seq      uint64
}

// NewRegistry creates a DTX registry. horizon is the age at which a
// pending DTX is force-resolved; wait bounds how long a blocked reader
// tolerates a pending entry before forcing resolution early.
func NewRegistry(resolve ResolveFunc, horizon, wait time.Duration) *Registry {
	return &Registry{
		entries: make(map[DTXID]*DTX),
		resolve: resolve,
		horizon: horizon,
		waitWait: wait,
	}
}

// Open registers a new pending DTX under leaderEpoch and returns its id.
func (r *Registry) Open(leaderEpoch types.Epoch, participants []string) DTXID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := DTXID{LeaderEpoch: leaderEpoch, Seq: r.seq}
	r.entries[id] = &DTX{ID: id, Participants: participants, State: DTXPending, Opened: time.Now()}
	return id
}

// Commit transitions a DTX to committed at commitEpoch.
func (r *Registry) Commit(id DTXID, commitEpoch types.Epoch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.State = DTXCommitted
		e.CommitEpoch = commitEpoch
	}
}

// Abort transitions a DTX to aborted. Every record it owns must be moved
// to the discard set by the caller on the next discard pass.
func (r *Registry) Abort(id DTXID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.State = DTXAborted
	}
}

// Lookup returns the DTX entry, if any.
func (r *Registry) Lookup(id DTXID) (DTX, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return DTX{}, false
	}
	return *e, true
}

// ErrTimeout is returned by Resolve when the DTX is still pending after
// the registry's wait bound and no resolution callback is registered.
var ErrTimeout = errTimeout{}

type errTimeout struct{}

func (errTimeout) Error() string { return "epoch: dtx resolution timed out" }

// Resolve implements the conflict-resolution contract a reader follows when
// it encounters a pending DTX whose leader epoch is at or below the
// requested read epoch: block up to the registry's bounded
// wait, then force a resolution query via the callback; never return an
// ambiguous answer.
func (r *Registry) Resolve(ctx context.Context, id DTXID) (DTXState, error) {
	entry, ok := r.Lookup(id)
	if !ok {
		return DTXAborted, nil
	}
	if entry.State != DTXPending {
		return entry.State, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.waitWait)
	defer cancel()
	<-waitCtx.Done()

	entry, ok = r.Lookup(id)
	if !ok {
		return DTXAborted, nil
	}
	if entry.State != DTXPending {
		return entry.State, nil
	}

	if r.resolve == nil {
		return DTXPending, ErrTimeout
	}
	commit, err := r.resolve(ctx, id)
	if err != nil {
		return DTXPending, err
	}
	if commit {
		r.Commit(id, entry.ID.LeaderEpoch)
		return DTXCommitted, nil
	}
	r.Abort(id)
	return DTXAborted, nil
}

// SweepTimeouts force-resolves every pending DTX older than the registry's
// configured horizon, returning the ids that were resolved.
func (r *Registry) SweepTimeouts(ctx context.Context) ([]DTXID, error) {
	r.mu.Lock()
	var stale []DTXID
	now := time.Now()
	for id, e := range r.entries {
		if e.State == DTXPending && now.Sub(e.Opened) > r.horizon {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	var resolved []DTXID
	for _, id := range stale {
		if _, err := r.Resolve(ctx, id); err != nil {
			return resolved, err
		}
		resolved = append(resolved, id)
	}
	return resolved, nil
}

// Pending returns every DTX still awaiting resolution.
func (r *Registry) Pending() []DTX {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DTX, 0, len(r.entries))
	for _, e := range r.entries {
		if e.State == DTXPending {
			out = append(out, *e)
		}
	}
	return out
}
