package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ptlnd/internal/config"
	"ptlnd/internal/debuglog"
	"ptlnd/internal/fabric"
	"ptlnd/internal/lnd"
	"ptlnd/internal/metrics"
	"ptlnd/internal/network"
	"ptlnd/internal/peer"
	"ptlnd/internal/proto"
)

// Upper header layout used between ptlnd commands: op, length, cookie.
const (
	opPut   = 'P'
	opGet   = 'G'
	opReply = 'R'

	maxTransfer = 8 << 20
)

func protoVersion() uint16 {
	return proto.Version
}

func makeHeader(op byte, length int, cookie uint64) proto.UpperHeader {
	var h proto.UpperHeader
	h[0] = op
	binary.BigEndian.PutUint64(h[1:9], uint64(length))
	binary.BigEndian.PutUint64(h[9:17], cookie)
	return h
}

func parseHeader(h proto.UpperHeader) (op byte, length int, cookie uint64) {
	n := binary.BigEndian.Uint64(h[1:9])
	if n > maxTransfer {
		n = maxTransfer
	}
	return h[0], int(n), binary.BigEndian.Uint64(h[9:17])
}

// consumer is an lnd.Consumer that needs its endpoint once it exists.
type consumer interface {
	lnd.Consumer
	bind(ep *lnd.Endpoint)
}

// node wires an endpoint to the QUIC link through a fabric engine.
type node struct {
	cfg    *config.Config
	log    zerolog.Logger
	met    *metrics.Metrics
	engine *fabric.Engine
	book   *peer.Store
	link   *network.QUICLink
	ep     *lnd.Endpoint
}

func newNode(cfg *config.Config, up consumer) (*node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	book, err := openBook(cfg)
	if err != nil {
		return nil, err
	}
	for nid, addr := range cfg.Peers {
		if err := book.Upsert(peer.Peer{NID: nid, Addr: addr}, false); err != nil {
			return nil, fmt.Errorf("peer %#x: %w", nid, err)
		}
	}

	met := metrics.New()
	lc := cfg.ToLND()
	engine := fabric.NewEngine(fabric.ProcessID{NID: cfg.NID, PID: lc.PID}, lc.EQSize)
	link, err := network.NewQUICLink(cfg.NID, engine, book, network.Options{
		ListenAddr: cfg.Listen,
		Insecure:   cfg.TLS.Insecure,
		CAPath:     cfg.TLS.CAPath,
		CertFile:   cfg.TLS.CertFile,
		KeyFile:    cfg.TLS.KeyFile,
		Metrics:    met,
	})
	if err != nil {
		return nil, err
	}
	engine.SetLink(link)
	ep, err := lnd.New(lc, engine, up, met)
	if err != nil {
		_ = link.Close()
		_ = engine.Close()
		return nil, err
	}
	up.bind(ep)
	return &node{
		cfg:    cfg,
		log:    debuglog.With("node").With().Str("nid", fmt.Sprintf("%#x", cfg.NID)).Logger(),
		met:    met,
		engine: engine,
		book:   book,
		link:   link,
		ep:     ep,
	}, nil
}

// close shuts the endpoint down and then the link. It must run on the
// goroutine that pumps the endpoint.
func (n *node) close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := n.ep.Shutdown(ctx)
	_ = n.link.Close()
	_ = n.engine.Close()
	return err
}

// sink serves a running node: it counts what arrives and answers GETs
// from a served file or with zeros.
type sink struct {
	ep    *lnd.Endpoint
	log   zerolog.Logger
	serve []byte

	puts     uint64
	gets     uint64
	bytesIn  uint64
	bytesOut uint64
}

func newSink(serve []byte) *sink {
	return &sink{serve: serve, log: debuglog.With("sink")}
}

func (s *sink) bind(ep *lnd.Endpoint) {
	s.ep = ep
}

func (s *sink) region(n int) []byte {
	out := make([]byte, n)
	copy(out, s.serve)
	return out
}

func (s *sink) answer(rx *lnd.Rx, length int, cookie uint64) error {
	data := s.region(length)
	s.gets++
	s.bytesOut += uint64(length)
	reply := &lnd.Msg{Iov: fabric.Iovec{data}, Len: length}
	return s.ep.Reply(rx, makeHeader(opReply, length, cookie), reply)
}

func (s *sink) DeliverImmediate(rx *lnd.Rx, hdr proto.UpperHeader, payload []byte) error {
	op, length, cookie := parseHeader(hdr)
	if op == opGet {
		err := s.answer(rx, length, cookie)
		if !rx.Replied() {
			s.log.Warn().Uint64("peer", rx.Source()).Err(err).Msg("GET left unanswered, closing peer")
		}
		return s.ep.Recv(rx, nil, nil, 0, 0)
	}
	s.puts++
	s.bytesIn += uint64(len(payload))
	s.log.Debug().Uint64("peer", rx.Source()).Int("bytes", len(payload)).Msg("immediate")
	return s.ep.Recv(rx, nil, nil, 0, 0)
}

func (s *sink) DeliverBulkRequest(rx *lnd.Rx, hdr proto.UpperHeader) error {
	_, length, cookie := parseHeader(hdr)
	switch rx.Type() {
	case proto.TypeGet:
		err := s.answer(rx, length, cookie)
		if !rx.Replied() {
			s.log.Warn().Uint64("peer", rx.Source()).Err(err).Msg("GET left unanswered, closing peer")
		}
		return s.ep.Recv(rx, nil, nil, 0, 0)
	case proto.TypePut:
		buf := make([]byte, length)
		m := &lnd.Msg{Kind: lnd.MsgPut, Target: rx.Source(), Header: hdr, Iov: fabric.Iovec{buf}, Len: length}
		return s.ep.Recv(rx, m, m.Iov, 0, length)
	default:
		return fmt.Errorf("unexpected bulk request %s", rx.Type())
	}
}

func (s *sink) OnSendComplete(msg *lnd.Msg, status error) {
	if status != nil {
		s.log.Warn().Uint64("peer", msg.Target).Str("kind", msg.Kind.String()).Err(status).Msg("send failed")
	}
}

func (s *sink) OnReceiveComplete(msg *lnd.Msg, status error) {
	if status != nil {
		s.log.Warn().Uint64("peer", msg.Target).Err(status).Msg("bulk receive failed")
		return
	}
	s.puts++
	s.bytesIn += uint64(msg.Received)
	s.log.Debug().Uint64("peer", msg.Target).Int("bytes", msg.Received).Msg("bulk put")
}
