package lnd

import (
	"container/list"
	"fmt"

	"ptlnd/internal/fabric"
	"ptlnd/internal/proto"
)

type PeerState uint8

const (
	PeerActive PeerState = iota
	PeerClosing
	PeerZombie
)

func (s PeerState) String() string {
	switch s {
	case PeerActive:
		return "active"
	case PeerClosing:
		return "closing"
	case PeerZombie:
		return "zombie"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s PeerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PeerState) UnmarshalText(b []byte) error {
	for _, v := range []PeerState{PeerActive, PeerClosing, PeerZombie} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("lnd: unknown peer state %q", b)
}

type peer struct {
	nid  uint64
	id   fabric.ProcessID
	hash int

	// stamp is the remote incarnation learned from its HELLO.
	stamp      uint64
	match      uint64
	maxMsgSize int
	recvdHello bool

	credits     int
	maxCredits  int
	outstanding int

	seq     uint64
	lastSeq uint64

	state PeerState
	refs  int
	txq   *list.List
}

// PeerInfo is a copy of a peer's flow control state.
type PeerInfo struct {
	NID         uint64    `json:"nid"`
	Stamp       uint64    `json:"stamp"`
	State       PeerState `json:"state"`
	RecvdHello  bool      `json:"recvd_hello"`
	Credits     int       `json:"credits"`
	MaxCredits  int       `json:"max_credits"`
	Outstanding int       `json:"outstanding"`
	MaxMsgSize  int       `json:"max_msg_size"`
	Queued      int       `json:"queued"`
	Refs        int       `json:"refs"`
}

func (p *peer) info() PeerInfo {
	return PeerInfo{
		NID:         p.nid,
		Stamp:       p.stamp,
		State:       p.state,
		RecvdHello:  p.recvdHello,
		Credits:     p.credits,
		MaxCredits:  p.maxCredits,
		Outstanding: p.outstanding,
		MaxMsgSize:  p.maxMsgSize,
		Queued:      p.txq.Len(),
		Refs:        p.refs,
	}
}

// Peer returns the state of the peer registered for nid.
func (ep *Endpoint) Peer(nid uint64) (PeerInfo, bool) {
	p := ep.lookupPeer(nid)
	if p == nil {
		return PeerInfo{}, false
	}
	return p.info(), true
}

// Peers lists every registered peer.
func (ep *Endpoint) Peers() []PeerInfo {
	var out []PeerInfo
	for _, bucket := range ep.peers {
		for _, p := range bucket {
			out = append(out, p.info())
		}
	}
	return out
}

func (ep *Endpoint) peerHash(nid uint64) int {
	return int(nid % uint64(len(ep.peers)))
}

func (ep *Endpoint) lookupPeer(nid uint64) *peer {
	for _, p := range ep.peers[ep.peerHash(nid)] {
		if p.nid == nid {
			return p
		}
	}
	return nil
}

func (p *peer) addref() {
	p.refs++
}

func (ep *Endpoint) decref(p *peer) {
	if p.refs <= 0 {
		ep.log.Error().Uint64("peer", p.nid).Msg("peer reference underflow")
		return
	}
	p.refs--
	if p.refs == 0 {
		ep.destroyPeer(p)
	}
}

func (ep *Endpoint) destroyPeer(p *peer) {
	if p.state != PeerClosing || p.txq.Len() != 0 {
		ep.log.Error().Uint64("peer", p.nid).Str("state", p.state.String()).Int("queued", p.txq.Len()).
			Msg("destroying peer that is still in use")
	}
	p.state = PeerZombie
	ep.npeers--
}

// findPeer returns the peer for nid with a new reference the caller must
// drop. A missing peer is created only when create is set; creating one
// makes sure there are enough receive buffers for it and queues a HELLO.
// A nil peer with a nil error means "not found".
func (ep *Endpoint) findPeer(nid uint64, create bool) (*peer, error) {
	if p := ep.lookupPeer(nid); p != nil {
		p.addref()
		return p, nil
	}
	if !create {
		return nil, nil
	}
	if ep.shutdown {
		return nil, ErrShutdown
	}

	ep.npeers++
	if err := ep.growBuffers(); err != nil {
		ep.npeers--
		ep.log.Warn().Uint64("peer", nid).Err(err).Msg("no buffers for new peer")
		return nil, err
	}

	p := &peer{
		nid:         nid,
		id:          fabric.ProcessID{NID: nid, PID: ep.cfg.PID},
		hash:        ep.peerHash(nid),
		maxMsgSize:  ep.cfg.MaxMsgSize,
		credits:     1,
		maxCredits:  1,
		outstanding: ep.cfg.PeerCredits - 1,
		refs:        1,
		txq:         list.New(),
	}
	p.addref()
	ep.peers[p.hash] = append(ep.peers[p.hash], p)
	ep.met.IncPeerCreated(nid)
	ep.log.Debug().Uint64("peer", nid).Msg("peer created")

	hello, err := ep.newTx(p, proto.TypeHello, 0)
	if err != nil {
		ep.log.Error().Uint64("peer", nid).Err(err).Msg("can't send HELLO")
		ep.closePeer(p, err)
		ep.decref(p)
		return nil, err
	}
	hello.msg.Hello.MatchBits = ReservedMatchBits
	hello.msg.Hello.MaxMsgSize = uint32(ep.cfg.MaxMsgSize)
	ep.postTx(hello)
	return p, nil
}

// closePeer stops all traffic to p. Queued descriptors fail with
// ErrShutdown and are finalized from the event loop; the table's
// reference is dropped. Closing twice is a no-op.
func (ep *Endpoint) closePeer(p *peer, reason error) {
	if p.state != PeerActive {
		return
	}
	p.state = PeerClosing
	for e := p.txq.Front(); e != nil; e = p.txq.Front() {
		t := e.Value.(*tx)
		p.txq.Remove(e)
		t.elem = nil
		t.status = ErrShutdown
		ep.addZombie(t)
	}

	bucket := ep.peers[p.hash]
	for i, x := range bucket {
		if x == p {
			ep.peers[p.hash] = append(bucket[:i:i], bucket[i+1:]...)
			break
		}
	}
	why := "closed"
	if reason != nil {
		why = reason.Error()
	}
	ep.met.IncPeerClosed(p.nid, why)
	ep.log.Info().Uint64("peer", p.nid).Str("reason", why).Msg("peer closed")
	ep.decref(p)
}

// ClosePeer closes the connection to nid, failing anything queued for it.
func (ep *Endpoint) ClosePeer(nid uint64) bool {
	p := ep.lookupPeer(nid)
	if p == nil {
		return false
	}
	ep.closePeer(p, nil)
	return true
}

// applyCredits adds a peer's credit return, clamping at maxCredits.
func (ep *Endpoint) applyCredits(p *peer, n int) {
	if n <= 0 {
		return
	}
	if p.credits+n > p.maxCredits {
		ep.met.IncCreditOverflow()
		ep.log.Warn().Uint64("peer", p.nid).Int("credits", p.credits).Int("returned", n).
			Int("max", p.maxCredits).Msg("too many credits")
		p.credits = p.maxCredits
	} else {
		p.credits += n
	}
	ep.checkSends(p)
}

// checkSends drains p's queue as far as credits allow. The last credit is
// only spent on a message that returns credits, so two peers can never
// both sit on their final credit. An idle peer owed enough credits gets
// a NOOP to carry them back.
func (ep *Endpoint) checkSends(p *peer) {
	if p.state != PeerActive {
		return
	}
	if p.txq.Len() == 0 && p.outstanding >= ep.cfg.highWater() {
		noop, err := ep.newTx(p, proto.TypeNoop, 0)
		if err != nil {
			ep.log.Error().Uint64("peer", p.nid).Err(err).Msg("can't return credits")
		} else {
			noop.elem = p.txq.PushBack(noop)
			noop.where = txQueued
		}
	}

	for p.state == PeerActive && p.txq.Len() > 0 {
		e := p.txq.Front()
		t := e.Value.(*tx)

		if p.credits == 0 {
			break
		}
		if p.credits == 1 && p.outstanding == 0 {
			break
		}
		if t.bulkOpts != 0 && !p.recvdHello {
			// match tags are only valid once the peer's HELLO is in
			break
		}

		p.txq.Remove(e)
		t.elem = nil
		t.where = txNone

		if t.typ == proto.TypeNoop &&
			(p.txq.Len() > 0 || p.outstanding < ep.cfg.highWater()) {
			ep.met.IncNoopDropped()
			ep.txDone(t)
			continue
		}

		if t.bulkOpts != 0 {
			if err := ep.exposeBulk(t); err != nil {
				ep.log.Error().Uint64("peer", p.nid).Err(err).Msg("can't expose bulk region")
				t.status = fmt.Errorf("%w: %v", ErrIO, err)
				ep.txDone(t)
				break
			}
		}

		// a HELLO may have changed the stamp since the tx was built
		t.msg.DstStamp = p.stamp
		t.msg.Credits = uint8(p.outstanding)
		p.outstanding = 0
		p.credits--

		if err := ep.transmit(t); err != nil {
			ep.log.Error().Uint64("peer", p.nid).Str("type", t.typ.String()).Err(err).Msg("send failed")
			t.status = fmt.Errorf("%w: %v", ErrIO, err)
			ep.txDone(t)
			break
		}
		if t.typ == proto.TypeNoop {
			ep.met.IncNoopSent()
		}
	}
}
