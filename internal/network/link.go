package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ptlnd/internal/debuglog"
	"ptlnd/internal/fabric"
	"ptlnd/internal/metrics"
)

const streamReset quic.StreamErrorCode = 1

const (
	DefaultQueueDepth        = 4096
	DefaultMaxConnsPerHost   = 16
	DefaultMaxStreamsPerHost = 256
)

// Resolver maps a node id to the QUIC address it listens on.
type Resolver interface {
	Lookup(nid uint64) (string, bool)
}

// Deliverer accepts inbound frames; *fabric.Engine implements it.
type Deliverer interface {
	Deliver(f *fabric.Frame)
}

type Options struct {
	ListenAddr string
	// Insecure skips server certificate verification on dial.
	Insecure bool
	CAPath   string
	CertFile string
	KeyFile  string

	QueueDepth        int
	MaxConnsPerHost   int
	MaxStreamsPerHost int
	IdleTimeout       time.Duration

	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.MaxConnsPerHost == 0 {
		o.MaxConnsPerHost = DefaultMaxConnsPerHost
	}
	if o.MaxStreamsPerHost == 0 {
		o.MaxStreamsPerHost = DefaultMaxStreamsPerHost
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = connIdle
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	return o
}

type pending struct {
	f    *fabric.Frame
	done func(error)
}

// frameStream is the write half of a *quic.Stream.
type frameStream interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
	CancelWrite(quic.StreamErrorCode)
	Close() error
}

// sendQueue owns the ordered stream to one destination node.
type sendQueue struct {
	nid     uint64
	ch      chan pending
	addr    string
	conn    *quic.Conn
	stream  frameStream
	written int // frames written on stream
}

// QUICLink implements fabric.Link over QUIC.
type QUICLink struct {
	local     uint64
	ni        Deliverer
	book      Resolver
	opts      Options
	pool      *connPool
	lim       *hostLimiter
	serverTLS *tls.Config
	quicConf  *quic.Config
	met       *metrics.Metrics
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[uint64]*sendQueue
	closed bool

	addr atomic.Value // net.Addr once listening
}

func NewQUICLink(local uint64, ni Deliverer, book Resolver, opts Options) (*QUICLink, error) {
	if ni == nil || book == nil {
		return nil, errors.New("network: interface and resolver are required")
	}
	opts = opts.withDefaults()
	clientTLS, err := clientTLSConfig(opts.Insecure, opts.CAPath)
	if err != nil {
		return nil, fmt.Errorf("network: client tls: %w", err)
	}
	serverTLS, err := serverTLSConfig(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("network: server tls: %w", err)
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:  opts.IdleTimeout,
		KeepAlivePeriod: opts.IdleTimeout / 3,
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QUICLink{
		local:     local,
		ni:        ni,
		book:      book,
		opts:      opts,
		pool:      newConnPool(clientTLS, quicConf, opts.IdleTimeout),
		lim:       newHostLimiter(opts.MaxConnsPerHost, opts.MaxStreamsPerHost),
		serverTLS: serverTLS,
		quicConf:  quicConf,
		met:       opts.Metrics,
		log:       debuglog.With("quic").With().Str("nid", fmt.Sprintf("%#x", local)).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		queues:    make(map[uint64]*sendQueue),
	}, nil
}

// Addr returns the listening address once Serve is up.
func (l *QUICLink) Addr() net.Addr {
	a, _ := l.addr.Load().(net.Addr)
	return a
}

// Send queues f behind earlier frames for the same node. done runs on a
// link goroutine once the frame is written or has failed.
func (l *QUICLink) Send(f *fabric.Frame, done func(error)) {
	finish := func(err error) {
		if done != nil {
			done(err)
		}
	}
	if f.Dst.NID == l.local {
		l.ni.Deliver(f)
		finish(nil)
		return
	}
	q := l.queue(f.Dst.NID)
	if q == nil {
		finish(fabric.ErrClosed)
		return
	}
	select {
	case q.ch <- pending{f: f, done: done}:
	default:
		debuglog.RateLimitedf(fmt.Sprintf("quic-queue-full-%d", f.Dst.NID), 5*time.Second,
			"quic send queue full for %#x", f.Dst.NID)
		finish(fabric.ErrNoSpace)
	}
}

func (l *QUICLink) queue(nid uint64) *sendQueue {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	q := l.queues[nid]
	if q == nil {
		q = &sendQueue{nid: nid, ch: make(chan pending, l.opts.QueueDepth)}
		l.queues[nid] = q
		l.wg.Add(1)
		go l.runQueue(q)
	}
	return q
}

func (l *QUICLink) runQueue(q *sendQueue) {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			l.resetStream(q, "shutdown")
			for {
				select {
				case p := <-q.ch:
					if p.done != nil {
						p.done(fabric.ErrClosed)
					}
				default:
					return
				}
			}
		case p := <-q.ch:
			err := l.write(q, p.f)
			if p.done != nil {
				p.done(err)
			}
		}
	}
}

func (l *QUICLink) write(q *sendQueue, f *fabric.Frame) error {
	wire, err := fabric.MarshalFrame(f)
	if err != nil {
		l.log.Error().Uint64("dst", q.nid).Str("kind", f.Kind.String()).Err(err).Msg("frame not encodable")
		return err
	}
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 && !waitRetry(l.ctx, attempt) {
			return fabric.ErrClosed
		}
		if q.stream == nil {
			if err = l.openStream(q); err != nil {
				l.log.Debug().Uint64("dst", q.nid).Err(err).Int("attempt", attempt+1).Msg("open stream failed")
				continue
			}
		}
		_ = q.stream.SetWriteDeadline(time.Now().Add(ioTimeout))
		if _, err = q.stream.Write(wire); err == nil {
			q.written++
			l.pool.used(q.addr, q.conn)
			return nil
		}
		l.log.Debug().Uint64("dst", q.nid).Err(err).Int("attempt", attempt+1).Msg("frame write failed")
		earlier := q.written
		l.resetStream(q, "write failed")
		if earlier > 0 {
			// earlier frames may still be in flight on the old stream and a
			// new stream could overtake them
			break
		}
	}
	n := l.pool.fail(q.addr)
	l.log.Error().Uint64("dst", q.nid).Str("addr", q.addr).Int("failures", n).Err(err).Msg("frame not delivered")
	return fmt.Errorf("%w: %#x: %v", fabric.ErrNoRoute, q.nid, err)
}

func (l *QUICLink) openStream(q *sendQueue) error {
	addr, ok := l.book.Lookup(q.nid)
	if !ok {
		return fmt.Errorf("no address for %#x", q.nid)
	}
	conn, err := l.pool.dial(l.ctx, addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(l.ctx, ioTimeout)
	defer cancel()
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		l.pool.evict(addr, conn, "open stream failed")
		return err
	}
	q.addr, q.conn, q.stream = addr, conn, stream
	l.met.AddCurrentStreams(1)
	return nil
}

func (l *QUICLink) resetStream(q *sendQueue, reason string) {
	if q.stream == nil {
		return
	}
	if reason == "shutdown" {
		_ = q.stream.Close()
	} else {
		// the peer discards a partly written frame on reset
		q.stream.CancelWrite(streamReset)
		l.pool.evict(q.addr, q.conn, reason)
	}
	q.stream, q.conn, q.written = nil, nil, 0
	l.met.AddCurrentStreams(-1)
}

// Serve listens on the configured address and delivers inbound frames
// until ctx is done. ready, if not nil, is closed once the listener is up.
func (l *QUICLink) Serve(ctx context.Context, ready chan<- struct{}) error {
	ln, err := quic.ListenAddr(l.opts.ListenAddr, l.serverTLS, l.quicConf)
	if err != nil {
		l.log.Error().Str("addr", l.opts.ListenAddr).Err(err).Msg("quic listen failed")
		return err
	}
	l.addr.Store(ln.Addr())
	l.log.Info().Str("addr", ln.Addr().String()).Msg("quic listen ready")
	if ready != nil {
		close(ready)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("quic accept: %w", err)
			}
			g.Go(func() error {
				l.serveConn(gctx, conn)
				return nil
			})
		}
	})
	err = g.Wait()
	if errors.Is(err, quic.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (l *QUICLink) serveConn(ctx context.Context, conn *quic.Conn) {
	host := hostForAddr(conn.RemoteAddr().String())
	if !l.lim.acquire(limitConn, host) {
		l.log.Warn().Str("host", host).Msg("too many connections")
		_ = conn.CloseWithError(1, "too many connections")
		return
	}
	defer l.lim.release(limitConn, host)
	l.met.AddCurrentConns(1)
	defer l.met.AddCurrentConns(-1)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.CloseWithError(0, "shutdown")
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			l.log.Debug().Str("host", host).Err(err).Msg("connection done")
			return
		}
		if !l.lim.acquire(limitStream, host) {
			l.log.Warn().Str("host", host).Msg("too many streams")
			stream.CancelRead(1)
			_ = stream.Close()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer l.lim.release(limitStream, host)
			l.serveStream(host, stream)
		}()
	}
}

func (l *QUICLink) serveStream(host string, s *quic.Stream) {
	defer s.Close()
	for {
		f, err := fabric.ReadFrame(s)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.log.Debug().Str("host", host).Err(err).Msg("stream read ended")
			}
			return
		}
		if f.Dst.NID != l.local {
			debuglog.RateLimitedf("quic-misrouted-"+host, 5*time.Second,
				"frame for %#x arrived at %#x from %s", f.Dst.NID, l.local, host)
			continue
		}
		l.ni.Deliver(f)
	}
}

// Close stops the send queues and closes outbound connections. Frames
// still queued fail with fabric.ErrClosed.
func (l *QUICLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	l.wg.Wait()
	l.pool.closeAll()
	return nil
}

var _ fabric.Link = (*QUICLink)(nil)
