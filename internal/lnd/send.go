package lnd

import (
	"fmt"

	"ptlnd/internal/proto"
)

// Send starts msg towards msg.Target. Small payloads travel inline in an
// IMMEDIATE message; larger PUTs and GETs announce a bulk transfer. A
// REPLY needs the Rx of the request it answers. msg is completed through
// the Consumer once the transport is done with it, unless Send returns
// an error.
func (ep *Endpoint) Send(msg *Msg, rx *Rx) error {
	if msg == nil {
		return fmt.Errorf("lnd send: nil message")
	}
	if msg.Offset < 0 || msg.Len < 0 || msg.Offset+msg.Len > msg.Iov.Len() {
		return fmt.Errorf("lnd send: window %d+%d outside %d byte iov", msg.Offset, msg.Len, msg.Iov.Len())
	}
	msg.inbound = false

	p, err := ep.findPeer(msg.Target, true)
	if err != nil {
		return err
	}
	defer ep.decref(p)

	payload := 0
	switch msg.Kind {
	case MsgAck:
		if msg.Len != 0 {
			return fmt.Errorf("lnd send: ACK with %d byte payload", msg.Len)
		}

	case MsgGet:
		if !msg.ToRouter && proto.ImmediateOverhead+msg.Len > ep.cfg.MaxMsgSize {
			return ep.passiveRDMA(p, proto.TypeGet, msg, msg.Iov, msg.Offset, msg.Len)
		}

	case MsgReply:
		if rx == nil {
			return fmt.Errorf("%w: REPLY without a request", ErrProtocol)
		}
		switch rx.msg.Type {
		case proto.TypeGet:
			if rx.replied {
				return fmt.Errorf("%w: GET from %#x already answered", ErrProtocol, rx.Source())
			}
			err := ep.activeRDMA(p, proto.TypeRDMAWrite, msg, rx.msg.Req.MatchBits, msg.Iov, msg.Offset, msg.Len)
			rx.replied = err == nil
			return err
		case proto.TypeImmediate:
			if proto.ImmediateOverhead+msg.Len > p.maxMsgSize {
				return ep.passiveRDMA(p, proto.TypePut, msg, msg.Iov, msg.Offset, msg.Len)
			}
			payload = msg.Len
		default:
			ep.log.Error().Uint64("peer", p.nid).Str("type", rx.msg.Type.String()).Msg("reply to bad message type")
			return fmt.Errorf("%w: reply to %s", ErrProtocol, rx.msg.Type)
		}

	case MsgPut:
		if proto.ImmediateOverhead+msg.Len > p.maxMsgSize {
			return ep.passiveRDMA(p, proto.TypePut, msg, msg.Iov, msg.Offset, msg.Len)
		}
		payload = msg.Len

	default:
		return fmt.Errorf("lnd send: unknown message kind %s", msg.Kind)
	}

	t, err := ep.newTx(p, proto.TypeImmediate, payload)
	if err != nil {
		ep.log.Error().Uint64("peer", p.nid).Str("kind", msg.Kind.String()).Err(err).Msg("can't allocate immediate")
		return err
	}
	t.msg.Imm.Hdr = msg.Header
	if payload > 0 {
		t.msg.Imm.Payload = msg.Iov.Gather(msg.Offset, payload)
	}
	t.umsg = msg
	ep.postTx(t)
	return nil
}

// Reply addresses msg as the answer to the request carried by rx and
// sends it.
func (ep *Endpoint) Reply(rx *Rx, hdr proto.UpperHeader, msg *Msg) error {
	msg.Kind = MsgReply
	msg.Target = rx.Source()
	msg.Header = hdr
	return ep.Send(msg, rx)
}
