package vos

import (
	"context"
	"fmt"

	"github.com/cuemby/vos/pkg/epoch"
	"github.com/cuemby/vos/pkg/events"
	"github.com/cuemby/vos/pkg/types"
)

// DTXOpen begins a multi-step transaction at a freshly stamped leader
// epoch. Every write made as part of the
// transaction should be stamped at the returned epoch via the normal
// obj_update path; the transaction becomes visible to readers only once
// DTXCommit runs.
func (p *Pool) DTXOpen(participants []string) (epoch.DTXID, types.Epoch) {
	leaderEpoch := p.EpochStamp()
	return p.dtx.Open(leaderEpoch, participants), leaderEpoch
}

// DTXCommit marks id committed at its leader epoch.
// Readers that had blocked in FetchSingle/FetchArray on this id's pending
// state resume seeing every record it wrote.
func (p *Pool) DTXCommit(id epoch.DTXID) *Error {
	entry, ok := p.dtx.Lookup(id)
	if !ok {
		return newErr("dtx_commit", InvalState, fmt.Errorf("unknown dtx %+v", id))
	}
	p.dtx.Commit(id, entry.ID.LeaderEpoch)
	p.metrics.DTXCommits.Inc()
	p.broker.Publish(&events.Event{Type: events.EventDTXCommitted, Message: fmt.Sprintf("%+v", id)})
	return nil
}

// DTXAbort marks id aborted and discards every record it wrote at its
// leader epoch.
func (p *Pool) DTXAbort(id epoch.DTXID) *Error {
	p.dtx.Abort(id)
	p.metrics.DTXAborts.Inc()
	le := id.LeaderEpoch
	if le > 0 && le < types.EpochMax-1 {
		if err := p.Discard(le-1, le+1); err != nil {
			return wrapErr("dtx_abort", err)
		}
	}
	p.broker.Publish(&events.Event{Type: events.EventDTXAborted, Message: fmt.Sprintf("%+v", id)})
	return nil
}

// resolvePendingAt blocks on any DTX pending at exactly recEpoch, per the
// conflict-resolution contract: a reader never returns an
// ambiguous answer for a write whose owning transaction has not yet
// resolved. Returns whether the record at recEpoch should be treated as
// visible (committed) or not (aborted/unknown).
func (o *Object) resolvePendingAt(recEpoch types.Epoch) (bool, error) {
	p := o.c.pool
	for _, d := range p.dtx.Pending() {
		if d.ID.LeaderEpoch != recEpoch {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.DTXResolveWait+p.opts.DTXTimeout)
		state, err := p.dtx.Resolve(ctx, d.ID)
		cancel()
		if err != nil {
			return false, err
		}
		return state == epoch.DTXCommitted, nil
	}
	return true, nil
}
