package network

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"ptlnd/internal/fabric"
)

const (
	writeAttempts = 3
	retryBase     = 100 * time.Millisecond
	retryMax      = time.Second
	connIdle      = 30 * time.Second
	ioTimeout     = 8 * time.Second
)

// remote is what the pool knows about one address.
type remote struct {
	conn     *quic.Conn
	lastUsed time.Time
	// dialing is closed when the dial in progress finishes.
	dialing  chan struct{}
	failures int
}

// connPool shares one outbound connection per address between the send
// queues of all nodes reachable there. Only one dial per address runs at
// a time; other callers wait for its result.
type connPool struct {
	tlsConf  *tls.Config
	quicConf *quic.Config
	idle     time.Duration

	mu      sync.Mutex
	remotes map[string]*remote
	closed  bool
}

func newConnPool(tlsConf *tls.Config, quicConf *quic.Config, idle time.Duration) *connPool {
	if idle <= 0 {
		idle = connIdle
	}
	return &connPool{
		tlsConf:  tlsConf,
		quicConf: quicConf,
		idle:     idle,
		remotes:  make(map[string]*remote),
	}
}

func (p *connPool) remoteLocked(addr string) *remote {
	r := p.remotes[addr]
	if r == nil {
		r = &remote{}
		p.remotes[addr] = r
	}
	return r
}

// dial returns a live connection to addr, reusing the pooled one unless
// it is closed or has been idle too long.
func (p *connPool) dial(ctx context.Context, addr string) (*quic.Conn, error) {
	if addr == "" {
		return nil, errors.New("missing addr")
	}
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fabric.ErrClosed
		}
		r := p.remoteLocked(addr)
		if c := r.conn; c != nil {
			if c.Context().Err() == nil && time.Since(r.lastUsed) <= p.idle {
				r.lastUsed = time.Now()
				p.mu.Unlock()
				return c, nil
			}
			r.conn = nil
			p.mu.Unlock()
			_ = c.CloseWithError(0, "stale")
			continue
		}
		if wait := r.dialing; wait != nil {
			p.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		wait := make(chan struct{})
		r.dialing = wait
		p.mu.Unlock()

		dctx, cancel := context.WithTimeout(ctx, ioTimeout)
		conn, err := quic.DialAddr(dctx, addr, p.tlsConf, p.quicConf)
		cancel()

		p.mu.Lock()
		r.dialing = nil
		close(wait)
		if err == nil && p.closed {
			p.mu.Unlock()
			_ = conn.CloseWithError(0, "shutdown")
			return nil, fabric.ErrClosed
		}
		if err == nil {
			r.conn, r.lastUsed = conn, time.Now()
		}
		p.mu.Unlock()
		return conn, err
	}
}

// used records a successful write over conn and clears addr's failures.
func (p *connPool) used(addr string, conn *quic.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.remotes[addr]
	if r == nil {
		return
	}
	if r.conn == conn {
		r.lastUsed = time.Now()
	}
	r.failures = 0
}

// fail counts a failed delivery to addr and returns the running total.
func (p *connPool) fail(addr string) int {
	if addr == "" {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.remoteLocked(addr)
	r.failures++
	return r.failures
}

// evict closes conn and forgets it if it is still the pooled one.
func (p *connPool) evict(addr string, conn *quic.Conn, reason string) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	if r := p.remotes[addr]; r != nil && r.conn == conn {
		r.conn = nil
	}
	p.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

func (p *connPool) closeAll() {
	p.mu.Lock()
	p.closed = true
	var conns []*quic.Conn
	for _, r := range p.remotes {
		if r.conn != nil {
			conns = append(conns, r.conn)
			r.conn = nil
		}
	}
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.CloseWithError(0, "shutdown")
	}
}

// size returns the number of pooled connections.
func (p *connPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.remotes {
		if r.conn != nil {
			n++
		}
	}
	return n
}

// waitRetry sleeps before write attempt number attempt (1 for the first
// retry) and reports false if ctx ended first.
func waitRetry(ctx context.Context, attempt int) bool {
	if attempt <= 0 {
		return true
	}
	d := min(retryBase<<min(attempt-1, 10), retryMax)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
