package lnd

import (
	"errors"
	"fmt"

	"ptlnd/internal/fabric"
	"ptlnd/internal/proto"
)

// Rx is one inbound message being handed to the consumer. Its payload
// lives in a receive buffer until Eager copies it out; the endpoint does
// that itself when the consumer returns without finishing the Rx.
type Rx struct {
	peer    *peer
	msg     *proto.Msg
	nob     int
	replied bool
	done    bool
	eager   bool
}

func (rx *Rx) Type() proto.MsgType {
	return rx.msg.Type
}

func (rx *Rx) Source() uint64 {
	return rx.msg.SrcNID
}

func (rx *Rx) Header() proto.UpperHeader {
	if rx.msg.Type == proto.TypeImmediate {
		return rx.msg.Imm.Hdr
	}
	return rx.msg.Req.Hdr
}

func (rx *Rx) Replied() bool {
	return rx.replied
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, proto.ErrShort):
		return "short"
	case errors.Is(err, proto.ErrBadMagic):
		return "bad_magic"
	case errors.Is(err, proto.ErrBadVersion):
		return "bad_version"
	case errors.Is(err, proto.ErrBadChecksum):
		return "bad_checksum"
	case errors.Is(err, proto.ErrBadType):
		return "bad_type"
	default:
		return "malformed"
	}
}

func (ep *Endpoint) drop(reason string, from fabric.ProcessID, err error) {
	ep.met.IncDropByReason(reason)
	ev := ep.log.Warn().Str("reason", reason).Str("from", from.String())
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("dropping message")
}

// parse validates one message that landed in a receive buffer and hands
// it on. Violations are logged and dropped; they never change peer state.
func (ep *Endpoint) parse(initiator fabric.ProcessID, data []byte) {
	m, err := proto.ParseHeader(data)
	if err != nil {
		ep.drop(dropReason(err), initiator, err)
		return
	}
	if m.DstNID != ep.cfg.NID {
		ep.drop("bad_dstnid", initiator, fmt.Errorf("dstnid %#x", m.DstNID))
		return
	}
	// a HELLO may not know our stamp yet
	if m.DstStamp != ep.stamp && !(m.Type == proto.TypeHello && m.DstStamp == 0) {
		ep.drop("bad_dststamp", initiator, fmt.Errorf("dststamp %#x, expected %#x", m.DstStamp, ep.stamp))
		return
	}
	if err := m.ParseBody(); err != nil {
		ep.drop(dropReason(err), initiator, err)
		return
	}
	ep.met.IncRecvByType(m.Type.String())

	isHello := m.Type == proto.TypeHello
	p, err := ep.findPeer(m.SrcNID, isHello)
	if p == nil {
		ep.drop("no_peer", initiator, err)
		return
	}

	switch {
	case isHello && p.recvdHello:
		if m.SrcStamp == p.stamp {
			ep.decref(p)
			ep.drop("dup_hello", initiator, nil)
			return
		}
		// the peer restarted: forget the old session and start over
		ep.log.Info().Uint64("peer", p.nid).Uint64("old", p.stamp).Uint64("new", m.SrcStamp).Msg("peer restarted")
		ep.closePeer(p, errors.New("restarted"))
		ep.decref(p)
		if p, err = ep.findPeer(m.SrcNID, true); p == nil {
			ep.drop("no_peer", initiator, err)
			return
		}
		ep.acceptHello(p, m)
	case isHello:
		ep.acceptHello(p, m)
	case !p.recvdHello:
		ep.decref(p)
		ep.drop("no_hello", initiator, fmt.Errorf("%s before HELLO", m.Type))
		return
	case m.SrcStamp != p.stamp:
		ep.decref(p)
		ep.drop("bad_srcstamp", initiator, fmt.Errorf("srcstamp %#x, expected %#x", m.SrcStamp, p.stamp))
		return
	case m.Seq <= p.lastSeq:
		ep.decref(p)
		ep.drop("bad_seq", initiator, fmt.Errorf("seq %d after %d", m.Seq, p.lastSeq))
		return
	default:
		p.lastSeq = m.Seq
	}

	ep.applyCredits(p, int(m.Credits))

	rx := &Rx{peer: p, msg: m, nob: int(m.Nob)}
	p.addref()
	ep.nrxs++

	switch m.Type {
	case proto.TypePut, proto.TypeGet:
		if err := ep.up.DeliverBulkRequest(rx, m.Req.Hdr); err != nil {
			ep.log.Debug().Uint64("peer", p.nid).Err(err).Msg("bulk request refused")
			ep.rxDone(rx)
		}
	case proto.TypeImmediate:
		if err := ep.up.DeliverImmediate(rx, m.Imm.Hdr, m.Imm.Payload); err != nil {
			ep.log.Debug().Uint64("peer", p.nid).Err(err).Msg("immediate refused")
			ep.rxDone(rx)
		}
	default:
		ep.rxDone(rx)
	}
	if !rx.done && !rx.eager {
		ep.Eager(rx)
	}
	ep.decref(p)
}

func (ep *Endpoint) acceptHello(p *peer, m *proto.Msg) {
	p.maxMsgSize = max(ep.cfg.MaxMsgSize, int(m.Hello.MaxMsgSize))
	p.match = m.Hello.MatchBits
	p.stamp = m.SrcStamp
	p.maxCredits += int(m.Credits)
	p.lastSeq = m.Seq
	p.recvdHello = true
	ep.log.Debug().Uint64("peer", p.nid).Int("max_msg_size", p.maxMsgSize).Int("max_credits", p.maxCredits).
		Msg("HELLO received")
}

// Eager copies rx's payload out of the receive buffer so rx stays valid
// after the buffer is reused.
func (ep *Endpoint) Eager(rx *Rx) {
	if rx.eager || rx.done {
		return
	}
	if rx.msg.Type == proto.TypeImmediate {
		rx.msg.Imm.Payload = append([]byte(nil), rx.msg.Imm.Payload...)
	}
	rx.eager = true
}

// Recv completes an inbound message. An IMMEDIATE is copied into
// iov[offset:offset+mlen]; a PUT request starts a bulk read of mlen bytes
// into the same window; a GET request needs no buffers (msg is nil) but
// must already have been answered with Send, or the peer is closed. The
// receive slot is released in every case.
func (ep *Endpoint) Recv(rx *Rx, msg *Msg, iov fabric.Iovec, offset, mlen int) error {
	if rx.done {
		return fmt.Errorf("%w: rx already completed", ErrProtocol)
	}
	var err error
	switch rx.msg.Type {
	case proto.TypeImmediate:
		if mlen < 0 || proto.ImmediateOverhead+mlen > rx.nob {
			ep.log.Warn().Uint64("peer", rx.peer.nid).Int("want", mlen).Int("nob", rx.nob).Msg("immediate too big")
			err = fmt.Errorf("%w: immediate of %d bytes, have %d", ErrProtocol, mlen, rx.nob-proto.ImmediateOverhead)
			break
		}
		n := iov.Scatter(offset, rx.msg.Imm.Payload[:mlen])
		if msg != nil {
			msg.inbound = true
			msg.Received = n
			ep.complete(msg, nil)
		}
	case proto.TypePut:
		if msg != nil {
			msg.inbound = true
		}
		err = ep.activeRDMA(rx.peer, proto.TypeRDMARead, msg, rx.msg.Req.MatchBits, iov, offset, mlen)
	case proto.TypeGet:
		if !rx.replied {
			// the peer would wait for a reply forever
			ep.closePeer(rx.peer, errors.New("GET not answered"))
		}
	}
	ep.rxDone(rx)
	return err
}

// rxDone returns rx's buffer slot to the peer as an owed credit.
func (ep *Endpoint) rxDone(rx *Rx) {
	if rx.done {
		return
	}
	rx.done = true
	p := rx.peer
	if p.outstanding < ep.cfg.PeerCredits {
		p.outstanding++
	} else {
		ep.log.Warn().Uint64("peer", p.nid).Msg("peer sent beyond its credits")
	}
	ep.checkSends(p)
	ep.nrxs--
	ep.decref(p)
}
