package network

import "sync"

type limitKind int

const (
	limitConn limitKind = iota
	limitStream
)

// hostLimiter caps inbound connections and streams per remote host. A
// cap of zero or less disables that kind.
type hostLimiter struct {
	mu     sync.Mutex
	caps   [2]int
	counts [2]map[string]int
}

func newHostLimiter(maxConns, maxStreams int) *hostLimiter {
	return &hostLimiter{
		caps:   [2]int{maxConns, maxStreams},
		counts: [2]map[string]int{make(map[string]int), make(map[string]int)},
	}
}

func (l *hostLimiter) acquire(k limitKind, host string) bool {
	if l.caps[k] <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[k][host] >= l.caps[k] {
		return false
	}
	l.counts[k][host]++
	return true
}

func (l *hostLimiter) release(k limitKind, host string) {
	if l.caps[k] <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[k][host] <= 1 {
		delete(l.counts[k], host)
		return
	}
	l.counts[k][host]--
}
