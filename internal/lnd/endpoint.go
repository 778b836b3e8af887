// Package lnd is a credit flow controlled message transport over a
// one-sided put/get network interface. Small messages travel inline in
// pre-posted receive buffers; large payloads are moved by announcing a
// matched region that the other side reads or writes directly.
//
// An Endpoint is single threaded: all of its methods, and every Consumer
// callback, run on the goroutine that calls Wait.
package lnd

import (
	"container/list"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ptlnd/internal/debuglog"
	"ptlnd/internal/fabric"
	"ptlnd/internal/metrics"
	"ptlnd/internal/proto"
)

// Consumer is the layer above the transport. Deliver callbacks return an
// error to refuse a message, in which case its receive slot is released
// at once. Otherwise the consumer must eventually call Recv on the Rx.
type Consumer interface {
	DeliverImmediate(rx *Rx, hdr proto.UpperHeader, payload []byte) error
	DeliverBulkRequest(rx *Rx, hdr proto.UpperHeader) error
	OnSendComplete(msg *Msg, status error)
	OnReceiveComplete(msg *Msg, status error)
}

type MsgKind uint8

const (
	MsgAck MsgKind = iota + 1
	MsgPut
	MsgGet
	MsgReply
)

func (k MsgKind) String() string {
	switch k {
	case MsgAck:
		return "ACK"
	case MsgPut:
		return "PUT"
	case MsgGet:
		return "GET"
	case MsgReply:
		return "REPLY"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Msg is one operation of the consumer. For PUT and REPLY, Iov[Offset:
// Offset+Len] is the data to send; for GET it is where the reply lands.
// Received is filled in with the byte count that arrived for inbound
// completions.
type Msg struct {
	Kind     MsgKind
	Target   uint64
	Header   proto.UpperHeader
	Iov      fabric.Iovec
	Offset   int
	Len      int
	ToRouter bool
	Received int
	Private  any

	inbound bool
}

// Inbound reports whether msg completes through OnReceiveComplete.
func (m *Msg) Inbound() bool {
	return m.inbound
}

type Stats struct {
	Peers         int `json:"peers"`
	Txs           int `json:"txs"`
	Rxs           int `json:"rxs"`
	Buffers       int `json:"buffers"`
	PostedBuffers int `json:"posted_buffers"`
	Zombies       int `json:"zombies"`
}

type Endpoint struct {
	cfg   Config
	ni    fabric.NI
	up    Consumer
	log   zerolog.Logger
	met   *metrics.Metrics
	stamp uint64

	handles handleTable

	peers  [][]*peer
	npeers int

	ntxs    int
	nrxs    int
	active  map[*tx]struct{}
	zombies *list.List

	buffers []*buffer
	nposted int

	shutdown bool
}

// New creates an endpoint on ni and posts its initial receive buffers.
// m may be nil.
func New(cfg Config, ni fabric.NI, up Consumer, m *metrics.Metrics) (*Endpoint, error) {
	if ni == nil || up == nil {
		return nil, fmt.Errorf("lnd: network interface and consumer are required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("lnd: %w", err)
	}
	if m == nil {
		m = metrics.New()
	}
	ep := &Endpoint{
		cfg:     cfg,
		ni:      ni,
		up:      up,
		log:     debuglog.With("lnd").With().Str("nid", fmt.Sprintf("%#x", cfg.NID)).Logger(),
		met:     m,
		stamp:   cfg.Stamp,
		peers:   make([][]*peer, cfg.PeerHashSize),
		active:  make(map[*tx]struct{}),
		zombies: list.New(),
	}
	if err := ep.growBuffers(); err != nil {
		ep.unlinkBuffers()
		return nil, err
	}
	ep.log.Debug().Uint64("stamp", ep.stamp).Int("buffers", len(ep.buffers)).Msg("endpoint up")
	return ep, nil
}

func (ep *Endpoint) Config() Config {
	return ep.cfg
}

func (ep *Endpoint) NID() uint64 {
	return ep.cfg.NID
}

func (ep *Endpoint) Stamp() uint64 {
	return ep.stamp
}

func (ep *Endpoint) Metrics() *metrics.Metrics {
	return ep.met
}

func (ep *Endpoint) Stats() Stats {
	return Stats{
		Peers:         ep.npeers,
		Txs:           ep.ntxs,
		Rxs:           ep.nrxs,
		Buffers:       len(ep.buffers),
		PostedBuffers: ep.nposted,
		Zombies:       ep.zombies.Len(),
	}
}

// Shutdown closes every peer, aborts active descriptors and pumps the
// event loop until all of them are reclaimed, then unlinks the receive
// buffers. Completions for aborted operations carry ErrShutdown.
func (ep *Endpoint) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.cfg.ShutdownTimeout)
		defer cancel()
	}
	ep.shutdown = true
	for _, bucket := range ep.peers {
		for len(bucket) > 0 {
			p := bucket[0]
			ep.closePeer(p, ErrShutdown)
			bucket = ep.peers[p.hash]
		}
	}
	ep.abortTxs()
	for ep.ntxs > 0 {
		if err := ctx.Err(); err != nil {
			ep.log.Error().Int("txs", ep.ntxs).Msg("shutdown timed out with descriptors outstanding")
			return fmt.Errorf("lnd shutdown: %d descriptors outstanding: %w", ep.ntxs, err)
		}
		ep.Wait(10 * time.Millisecond)
	}
	ep.unlinkBuffers()
	return nil
}
