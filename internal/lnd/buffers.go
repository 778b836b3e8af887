package lnd

import (
	"errors"
	"fmt"

	"ptlnd/internal/fabric"
)

// buffer is one receive region. Incoming messages are packed into it
// until the interface unlinks it for lack of space, then it is reposted.
type buffer struct {
	key    uint64
	data   []byte
	md     fabric.Handle
	posted bool
}

// growBuffers posts enough receive buffers for every peer's credits plus
// the spare allowance.
func (ep *Endpoint) growBuffers() error {
	nmsgs := ep.npeers*ep.cfg.PeerCredits + ep.cfg.MsgsSpare
	nbufs := (nmsgs*ep.cfg.MaxMsgSize + ep.cfg.BufferSize - 1) / ep.cfg.BufferSize
	if nbufs <= len(ep.buffers) {
		return nil
	}
	if nbufs > ep.cfg.MaxBuffers {
		return fmt.Errorf("%w: %d buffers needed for %d peers, limit %d",
			ErrNoResources, nbufs, ep.npeers, ep.cfg.MaxBuffers)
	}
	for len(ep.buffers) < nbufs {
		b := &buffer{data: make([]byte, ep.cfg.BufferSize)}
		b.key = ep.handles.insert(b)
		if err := ep.postBuffer(b); err != nil {
			ep.handles.remove(b.key)
			return fmt.Errorf("%w: %v", ErrNoResources, err)
		}
		ep.buffers = append(ep.buffers, b)
	}
	return nil
}

func (ep *Endpoint) postBuffer(b *buffer) error {
	if b.posted {
		return nil
	}
	h, err := ep.ni.Attach(ep.cfg.Portal, fabric.MatchEntry{
		Source:    fabric.ProcessID{NID: fabric.AnyNID, PID: fabric.AnyPID},
		MatchBits: msgMatchBits,
	}, fabric.MD{
		Iov:       fabric.Iovec{b.data},
		Threshold: fabric.ThresholdInf,
		MaxSize:   ep.cfg.MaxMsgSize,
		Options:   fabric.OpPut | fabric.ManageLocal | fabric.AckDisable,
		Tag:       b.key,
	})
	if err != nil {
		ep.log.Error().Err(err).Msg("can't post receive buffer")
		return err
	}
	b.md = h
	b.posted = true
	ep.nposted++
	ep.met.SetBuffersPosted(ep.nposted)
	return nil
}

// bufEvent parses a message that landed in b and reposts b once the
// interface has unlinked it.
func (ep *Endpoint) bufEvent(b *buffer, ev fabric.Event) {
	if ev.Kind == fabric.EventPutEnd {
		end := ev.Offset + ev.MLength
		if ev.Offset < 0 || end > len(b.data) {
			ep.drop("bad_offset", ev.Initiator, fmt.Errorf("offset %d+%d", ev.Offset, ev.MLength))
		} else {
			ep.parse(ev.Initiator, b.data[ev.Offset:end])
		}
	}
	if !ev.Unlinked && ev.Kind != fabric.EventUnlink {
		return
	}
	if b.posted {
		b.posted = false
		b.md = fabric.InvalidHandle
		ep.nposted--
		ep.met.SetBuffersPosted(ep.nposted)
	}
	if !ep.shutdown {
		_ = ep.postBuffer(b)
	}
}

func (ep *Endpoint) unlinkBuffers() {
	for _, b := range ep.buffers {
		if b.posted {
			if err := ep.ni.Unlink(b.md); err != nil && !errors.Is(err, fabric.ErrInvalidHandle) {
				ep.log.Warn().Err(err).Msg("buffer unlink failed")
			}
			b.posted = false
			b.md = fabric.InvalidHandle
			ep.nposted--
		}
		ep.handles.remove(b.key)
	}
	ep.met.SetBuffersPosted(ep.nposted)
	ep.buffers = nil
}
