// Package peer keeps the address book that maps node ids to QUIC
// addresses. Entries live in memory in LRU order and are appended to a
// JSONL file when persisted; the last record for a node wins on load.
package peer

import (
	"bufio"
	"container/list"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	DefaultCap       = 512
	DefaultLoadLimit = 4096
	maxPeerScanSize  = 64 * 1024
)

type Peer struct {
	NID  uint64
	Addr string
}

type Options struct {
	Cap       int
	LoadLimit int
}

type Store struct {
	mu        sync.Mutex
	path      string
	cap       int
	hot       map[uint64]*list.Element
	order     *list.List
	addrIndex map[string]uint64
}

type entry struct {
	peer Peer
}

type diskPeer struct {
	NID     uint64 `json:"nid"`
	Addr    string `json:"addr,omitempty"`
	Removed bool   `json:"removed,omitempty"`
}

var (
	ErrAddrConflict = errors.New("addr conflict")
	ErrBadAddr      = errors.New("bad addr")
)

// NewStore opens the book at path, loading the newest records. An empty
// path keeps the book in memory only.
func NewStore(path string, opts Options) (*Store, error) {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	loadLimit := opts.LoadLimit
	if loadLimit <= 0 {
		loadLimit = DefaultLoadLimit
	}
	s := &Store{
		path:      path,
		cap:       capacity,
		hot:       make(map[uint64]*list.Element),
		order:     list.New(),
		addrIndex: make(map[string]uint64),
	}
	if path == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := s.loadLast(loadLimit); err != nil {
		return nil, err
	}
	return s, nil
}

// Upsert records p's address, replacing any earlier one for the node.
// An address already owned by another node is refused.
func (s *Store) Upsert(p Peer, persist bool) error {
	if _, _, err := net.SplitHostPort(p.Addr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrBadAddr, p.Addr, err)
	}
	s.mu.Lock()
	err := s.setLocked(p)
	s.mu.Unlock()
	if err != nil || !persist {
		return err
	}
	return s.appendDisk(diskPeer{NID: p.NID, Addr: p.Addr})
}

// Remove forgets nid and reports whether it was known. The entry is
// gone from memory even when recording the removal on disk fails.
func (s *Store) Remove(nid uint64, persist bool) (bool, error) {
	s.mu.Lock()
	el, ok := s.hot[nid]
	if ok {
		s.dropLocked(el)
	}
	s.mu.Unlock()
	if !ok || !persist {
		return ok, nil
	}
	if err := s.appendDisk(diskPeer{NID: nid, Removed: true}); err != nil {
		return true, fmt.Errorf("record removal of %#x: %w", nid, err)
	}
	return true, nil
}

// Lookup returns the address recorded for nid.
func (s *Store) Lookup(nid uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.hot[nid]
	if !ok {
		return "", false
	}
	s.order.MoveToFront(el)
	return el.Value.(*entry).peer.Addr, true
}

// List returns the entries ordered by node id.
func (s *Store) List() []Peer {
	s.mu.Lock()
	out := make([]Peer, 0, len(s.hot))
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).peer)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NID < out[j].NID })
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	n := len(s.hot)
	s.mu.Unlock()
	return n
}

func (s *Store) setLocked(p Peer) error {
	if owner, ok := s.addrIndex[p.Addr]; ok && owner != p.NID {
		return fmt.Errorf("%w: %s belongs to %#x", ErrAddrConflict, p.Addr, owner)
	}
	if el, ok := s.hot[p.NID]; ok {
		ent := el.Value.(*entry)
		if ent.peer.Addr != p.Addr {
			delete(s.addrIndex, ent.peer.Addr)
			ent.peer.Addr = p.Addr
		}
		s.order.MoveToFront(el)
	} else {
		if len(s.hot) >= s.cap {
			s.evictLocked(len(s.hot) - s.cap + 1)
		}
		s.hot[p.NID] = s.order.PushFront(&entry{peer: p})
	}
	s.addrIndex[p.Addr] = p.NID
	return nil
}

func (s *Store) dropLocked(el *list.Element) {
	ent := el.Value.(*entry)
	if owner, ok := s.addrIndex[ent.peer.Addr]; ok && owner == ent.peer.NID {
		delete(s.addrIndex, ent.peer.Addr)
	}
	delete(s.hot, ent.peer.NID)
	s.order.Remove(el)
}

func (s *Store) evictLocked(n int) {
	for ; n > 0; n-- {
		el := s.order.Back()
		if el == nil {
			return
		}
		s.dropLocked(el)
	}
}

func (s *Store) appendDisk(rec diskPeer) error {
	if s.path == "" {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Store) loadLast(limit int) error {
	records, err := readLastN(s.path, limit)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if rec.Removed {
			if el, ok := s.hot[rec.NID]; ok {
				s.dropLocked(el)
			}
			continue
		}
		if _, _, err := net.SplitHostPort(rec.Addr); err != nil {
			continue
		}
		// a later record for the same address wins over the older owner
		if owner, ok := s.addrIndex[rec.Addr]; ok && owner != rec.NID {
			if el, ok := s.hot[owner]; ok {
				s.dropLocked(el)
			}
		}
		_ = s.setLocked(Peer{NID: rec.NID, Addr: rec.Addr})
	}
	return nil
}

func readLastN(path string, n int) ([]diskPeer, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	out := make([]diskPeer, 0, min(n, 256))
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), maxPeerScanSize)
	for sc.Scan() {
		var rec diskPeer
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if len(out) < n {
			out = append(out, rec)
		} else {
			copy(out, out[1:])
			out[n-1] = rec
		}
	}
	return out, sc.Err()
}
