package lnd

import (
	"fmt"

	"ptlnd/internal/fabric"
	"ptlnd/internal/proto"
)

// passiveRDMA announces a bulk transfer the peer will drive: a GET
// exposes msg's buffers for the peer to write the reply into, a PUT
// exposes them for the peer to read. The region and its match tag are
// set up when the request reaches the head of the peer's queue with the
// peer's HELLO in hand.
func (ep *Endpoint) passiveRDMA(p *peer, typ proto.MsgType, msg *Msg, iov fabric.Iovec, offset, length int) error {
	if err := checkBulkLen(length); err != nil {
		return err
	}
	t, err := ep.newTx(p, typ, 0)
	if err != nil {
		ep.log.Error().Uint64("peer", p.nid).Str("type", typ.String()).Err(err).Msg("can't allocate bulk request")
		return err
	}
	t.iov, err = setTxIov(iov, offset, length)
	if err != nil {
		ep.txDone(t)
		return fmt.Errorf("%w: %v", ErrNoResources, err)
	}
	if typ == proto.TypeGet {
		t.bulkOpts = fabric.OpPut | fabric.AckDisable
		t.ureply = &Msg{
			Kind:    MsgReply,
			Target:  msg.Target,
			Header:  msg.Header,
			Iov:     msg.Iov,
			Offset:  msg.Offset,
			Len:     msg.Len,
			Private: msg.Private,
			inbound: true,
		}
	} else {
		t.bulkOpts = fabric.OpGet
	}
	t.msg.Req.Hdr = msg.Header
	t.umsg = msg
	ep.postTx(t)
	return nil
}

// exposeBulk attaches t's region under the peer's next match tag.
func (ep *Endpoint) exposeBulk(t *tx) error {
	p := t.peer
	if p.match < ReservedMatchBits {
		p.match = ReservedMatchBits
	}
	bits := p.match
	p.match++

	h, err := ep.ni.Attach(ep.cfg.Portal, fabric.MatchEntry{
		Source:       p.id,
		MatchBits:    bits,
		InsertBefore: true,
	}, fabric.MD{
		Iov:       t.iov,
		Threshold: 1,
		Options:   t.bulkOpts,
		Tag:       t.key,
	})
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	t.bulkMD = h
	t.msg.Req.MatchBits = bits
	return nil
}

func checkBulkLen(length int) error {
	if length > fabric.MaxTransfer {
		return fmt.Errorf("%w: %d byte bulk transfer, limit %d", ErrNoResources, length, fabric.MaxTransfer)
	}
	return nil
}

// activeRDMA reads from (RDMARead) or writes to (RDMAWrite) the region
// the peer exposed under matchBits. Any failure closes the peer.
func (ep *Endpoint) activeRDMA(p *peer, typ proto.MsgType, msg *Msg, matchBits uint64, iov fabric.Iovec, offset, length int) error {
	if err := checkBulkLen(length); err != nil {
		// the peer is waiting on a transfer that will never happen
		ep.log.Warn().Uint64("peer", p.nid).Str("type", typ.String()).Int("len", length).Msg("bulk transfer too large")
		ep.closePeer(p, err)
		return err
	}
	t, err := ep.newTx(p, typ, 0)
	if err != nil {
		ep.log.Error().Uint64("peer", p.nid).Str("type", typ.String()).Err(err).Msg("can't allocate bulk transfer")
		ep.closePeer(p, err)
		return err
	}
	t.iov, err = setTxIov(iov, offset, length)
	if err != nil {
		t.status = fmt.Errorf("%w: %v", ErrNoResources, err)
		ep.txDone(t)
		return t.status
	}

	md := fabric.MD{
		Iov:       t.iov,
		Threshold: 1,
		Options:   fabric.OpPut | fabric.AckDisable,
		Tag:       t.key,
	}
	if typ == proto.TypeRDMARead {
		// SEND_END and REPLY_END
		md.Options = fabric.OpGet
		md.Threshold = 2
	}
	h, err := ep.ni.Bind(md)
	if err != nil {
		t.status = fmt.Errorf("%w: bind: %v", ErrIO, err)
		ep.txDone(t)
		return t.status
	}
	t.bulkMD = h
	ep.addActive(t)

	if typ == proto.TypeRDMARead {
		err = ep.ni.Get(h, p.id, ep.cfg.Portal, matchBits, 0)
	} else {
		err = ep.ni.Put(h, p.id, ep.cfg.Portal, matchBits, 0)
	}
	if err != nil {
		// the caller reports this failure; don't complete msg twice
		t.status = fmt.Errorf("%w: %v", ErrIO, err)
		ep.txDone(t)
		return t.status
	}
	t.umsg = msg
	return nil
}
