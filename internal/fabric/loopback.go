package fabric

import (
	"errors"
	"sync"
)

var errInjected = errors.New("injected send failure")

type heldFrame struct {
	f    *Frame
	done func(error)
}

// Loopback connects engines in one process. Frames are delivered
// synchronously unless holding is switched on, in which case they queue
// until Flush.
type Loopback struct {
	mu      sync.Mutex
	engines map[uint64]*Engine
	hold    bool
	held    []heldFrame
	failN   map[uint64]int
}

func NewLoopback() *Loopback {
	return &Loopback{
		engines: make(map[uint64]*Engine),
		failN:   make(map[uint64]int),
	}
}

// NewNI creates an engine for id and plugs it into the loopback.
func (l *Loopback) NewNI(id ProcessID, eqSize int) *Engine {
	e := NewEngine(id, eqSize)
	e.SetLink(&loopPort{hub: l})
	l.mu.Lock()
	l.engines[id.NID] = e
	l.mu.Unlock()
	return e
}

// Detach removes the engine for nid; frames addressed to it fail with
// ErrNoRoute afterwards.
func (l *Loopback) Detach(nid uint64) {
	l.mu.Lock()
	delete(l.engines, nid)
	l.mu.Unlock()
}

func (l *Loopback) SetHold(on bool) {
	l.mu.Lock()
	l.hold = on
	l.mu.Unlock()
}

// Flush delivers every held frame in order and returns how many there
// were. Frames sent while flushing are delivered directly unless holding
// is still on.
func (l *Loopback) Flush() int {
	l.mu.Lock()
	held := l.held
	l.held = nil
	l.mu.Unlock()
	for _, h := range held {
		l.deliver(h.f, h.done)
	}
	return len(held)
}

// Held reports the number of frames waiting for Flush.
func (l *Loopback) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// FailSends makes the next n frames sent by nid fail.
func (l *Loopback) FailSends(nid uint64, n int) {
	l.mu.Lock()
	l.failN[nid] = n
	l.mu.Unlock()
}

func (l *Loopback) deliver(f *Frame, done func(error)) {
	l.mu.Lock()
	dst := l.engines[f.Dst.NID]
	l.mu.Unlock()
	if dst == nil {
		if done != nil {
			done(ErrNoRoute)
		}
		return
	}
	dst.Deliver(f)
	if done != nil {
		done(nil)
	}
}

type loopPort struct {
	hub *Loopback
}

func (p *loopPort) Send(f *Frame, done func(error)) {
	l := p.hub
	l.mu.Lock()
	if n := l.failN[f.Src.NID]; n > 0 {
		l.failN[f.Src.NID] = n - 1
		l.mu.Unlock()
		if done != nil {
			done(errInjected)
		}
		return
	}
	if l.hold {
		l.held = append(l.held, heldFrame{f: f, done: done})
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.deliver(f, done)
}
