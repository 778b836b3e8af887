package lnd

import (
	"errors"
	"fmt"
	"time"

	"ptlnd/internal/fabric"
	"ptlnd/internal/proto"
)

// Wait handles completion events. Events already queued are handled
// without blocking; if there are none it blocks up to timeout for more.
// Descriptors whose completion was observed are then finalized. It
// returns the number of events handled.
func (ep *Endpoint) Wait(timeout time.Duration) int {
	found := 0
	blocked := false
	poll := time.Duration(0)
	for {
		ev, err := ep.ni.Poll(poll)
		poll = 0
		if errors.Is(err, fabric.ErrEQEmpty) {
			if found > 0 || timeout <= 0 || blocked {
				break
			}
			blocked = true
			poll = timeout
			continue
		}
		if errors.Is(err, fabric.ErrEQDropped) {
			ep.met.IncEventsDropped()
			ep.log.Error().Int("eq_size", ep.cfg.EQSize).Msg("event queue overflowed; events lost")
		} else if err != nil {
			if !errors.Is(err, fabric.ErrClosed) {
				ep.log.Error().Err(err).Msg("event poll failed")
			}
			break
		}
		found++
		ep.dispatch(ev)
	}
	ep.drainZombies()
	return found
}

func (ep *Endpoint) dispatch(ev fabric.Event) {
	switch obj := ep.handles.lookup(ev.Tag).(type) {
	case *tx:
		ep.txEvent(obj, ev)
	case *buffer:
		ep.bufEvent(obj, ev)
	default:
		ep.log.Debug().Str("event", ev.Kind.String()).Uint64("tag", ev.Tag).Msg("stale event")
	}
}

// txEvent records one completion on t. t is retired once neither of its
// regions is linked, or at once on error.
func (ep *Endpoint) txEvent(t *tx, ev fabric.Event) {
	isReq := ev.Handle != fabric.InvalidHandle && ev.Handle == t.reqMD
	isBulk := ev.Handle != fabric.InvalidHandle && ev.Handle == t.bulkMD
	if !isReq && !isBulk {
		ep.log.Debug().Str("event", ev.Kind.String()).Str("type", t.typ.String()).Msg("event for unknown region")
		return
	}
	unlinked := ev.Unlinked || ev.Kind == fabric.EventUnlink
	if unlinked {
		if isReq {
			t.reqMD = fabric.InvalidHandle
		} else {
			t.bulkMD = fabric.InvalidHandle
		}
	}

	if isBulk && !ev.Fail {
		switch {
		case ev.Kind == fabric.EventPutEnd && t.ureply != nil:
			t.ureply.Received = ev.MLength
			ep.met.AddBulkRead(ev.MLength)
		case ev.Kind == fabric.EventReplyEnd:
			if t.umsg != nil {
				t.umsg.Received = ev.MLength
			}
			ep.met.AddBulkRead(ev.MLength)
		case ev.Kind == fabric.EventGetEnd:
			ep.met.AddBulkWritten(ev.MLength)
		case ev.Kind == fabric.EventSendEnd && t.typ == proto.TypeRDMAWrite:
			ep.met.AddBulkWritten(t.iov.Len())
		}
	}

	if ev.Fail && t.status == nil {
		t.status = fmt.Errorf("%w: %s failed", ErrIO, ev.Kind)
		ep.log.Error().Uint64("peer", t.peer.nid).Str("type", t.typ.String()).Str("event", ev.Kind.String()).
			Msg("transfer failed")
	}

	if t.unlinking {
		if t.idle() {
			ep.retire(t)
		}
		return
	}
	if ev.Fail || t.idle() {
		ep.addZombie(t)
	}
}
