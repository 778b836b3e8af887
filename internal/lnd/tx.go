package lnd

import (
	"container/list"
	"errors"
	"fmt"

	"ptlnd/internal/fabric"
	"ptlnd/internal/proto"
)

type txPlace uint8

const (
	txNone txPlace = iota
	txQueued
	txActive
	txZombie
)

// tx is one outbound operation: a control message, or one side of a bulk
// transfer. It pins its peer until finalized.
type tx struct {
	key     uint64
	peer    *peer
	typ     proto.MsgType
	msg     proto.Msg
	msgSize int

	iov      fabric.Iovec
	bulkOpts fabric.Options

	reqMD  fabric.Handle
	bulkMD fabric.Handle

	umsg   *Msg
	ureply *Msg

	status     error
	completing bool
	unlinking  bool

	where txPlace
	elem  *list.Element
}

func (t *tx) idle() bool {
	return t.reqMD == fabric.InvalidHandle && t.bulkMD == fabric.InvalidHandle
}

// newTx allocates a descriptor of the given type for p. Message types
// get their header stamped here; the destination stamp and credits are
// refreshed when the message is actually sent.
func (ep *Endpoint) newTx(p *peer, typ proto.MsgType, payloadLen int) (*tx, error) {
	size, err := proto.Size(typ, payloadLen)
	if err != nil {
		return nil, err
	}
	if size > p.maxMsgSize {
		return nil, fmt.Errorf("%w: %s of %d bytes exceeds max message size %d for %#x",
			ErrNoResources, typ, size, p.maxMsgSize, p.nid)
	}
	t := &tx{peer: p, typ: typ, msgSize: size}
	if size != 0 {
		t.msg = proto.Msg{
			Version:  proto.Version,
			Type:     typ,
			SrcNID:   ep.cfg.NID,
			SrcStamp: ep.stamp,
			DstNID:   p.nid,
			DstStamp: p.stamp,
			Seq:      p.seq,
		}
		p.seq++
	}
	t.key = ep.handles.insert(t)
	p.addref()
	ep.ntxs++
	ep.met.IncTxAllocated()
	return t, nil
}

// postTx queues t behind the peer's earlier messages and tries to send.
func (ep *Endpoint) postTx(t *tx) {
	p := t.peer
	if p.state != PeerActive {
		t.status = ErrShutdown
		ep.addZombie(t)
		return
	}
	t.elem = p.txq.PushBack(t)
	t.where = txQueued
	ep.checkSends(p)
}

func (ep *Endpoint) transmit(t *tx) error {
	buf, err := proto.Encode(&t.msg, ep.cfg.Checksum)
	if err != nil {
		return err
	}
	h, err := ep.ni.Bind(fabric.MD{
		Iov:       fabric.Iovec{buf},
		Threshold: 1,
		Options:   fabric.AckDisable,
		Tag:       t.key,
	})
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	t.reqMD = h
	ep.addActive(t)
	if err := ep.ni.Put(h, t.peer.id, ep.cfg.Portal, msgMatchBits, 0); err != nil {
		return fmt.Errorf("put: %w", err)
	}
	return nil
}

func (ep *Endpoint) addActive(t *tx) {
	ep.unplace(t)
	ep.active[t] = struct{}{}
	t.where = txActive
}

func (ep *Endpoint) addZombie(t *tx) {
	ep.unplace(t)
	t.elem = ep.zombies.PushBack(t)
	t.where = txZombie
}

func (ep *Endpoint) unplace(t *tx) {
	switch t.where {
	case txQueued:
		if t.elem != nil {
			t.peer.txq.Remove(t.elem)
		}
	case txActive:
		delete(ep.active, t)
	case txZombie:
		if t.elem != nil {
			ep.zombies.Remove(t.elem)
		}
	}
	t.elem = nil
	t.where = txNone
}

// txDone finalizes t exactly once. Any failure closes the peer. Regions
// still in flight are unlinked; if the interface reports one busy, t is
// parked and retired when the unlink event arrives.
func (ep *Endpoint) txDone(t *tx) {
	if t.completing {
		return
	}
	t.completing = true
	ep.unplace(t)

	if t.status != nil {
		ep.closePeer(t.peer, t.status)
	}

	busy := ep.releaseMD(&t.reqMD)
	if ep.releaseMD(&t.bulkMD) {
		busy = true
	}
	if busy {
		t.unlinking = true
		return
	}
	ep.retire(t)
}

// releaseMD unlinks *h and reports whether an unlink event is still due.
func (ep *Endpoint) releaseMD(h *fabric.Handle) bool {
	if *h == fabric.InvalidHandle {
		return false
	}
	err := ep.ni.Unlink(*h)
	if errors.Is(err, fabric.ErrMDInUse) {
		return true
	}
	if err != nil && !errors.Is(err, fabric.ErrInvalidHandle) {
		ep.log.Warn().Err(err).Msg("unlink failed")
	}
	*h = fabric.InvalidHandle
	return false
}

func (ep *Endpoint) retire(t *tx) {
	t.unlinking = false
	t.iov = nil
	ep.handles.remove(t.key)

	switch {
	case t.ureply != nil:
		// the control message always succeeds; the reply carries the
		// outcome of the bulk transfer
		ep.complete(t.umsg, nil)
		ep.complete(t.ureply, t.status)
	case t.umsg != nil:
		ep.complete(t.umsg, t.status)
	}

	if t.status != nil {
		ep.met.IncTxFailed()
	}
	ep.met.IncTxFinalized()
	ep.decref(t.peer)
	ep.ntxs--
}

func (ep *Endpoint) complete(m *Msg, status error) {
	if m == nil {
		return
	}
	if m.inbound {
		ep.up.OnReceiveComplete(m, status)
	} else {
		ep.up.OnSendComplete(m, status)
	}
}

// abortTxs fails every active descriptor with ErrShutdown.
func (ep *Endpoint) abortTxs() {
	for len(ep.active) > 0 {
		for t := range ep.active {
			t.status = ErrShutdown
			ep.txDone(t)
			break
		}
	}
}

// drainZombies finalizes descriptors whose completion has been observed.
func (ep *Endpoint) drainZombies() {
	for e := ep.zombies.Front(); e != nil; e = ep.zombies.Front() {
		ep.txDone(e.Value.(*tx))
	}
}
