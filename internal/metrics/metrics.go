package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// PeerEvent records one peer lifecycle change for the status output.
type PeerEvent struct {
	At     time.Time `json:"at"`
	NID    uint64    `json:"nid"`
	Event  string    `json:"event"`
	Reason string    `json:"reason,omitempty"`
}

type Snapshot struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	Tx             TxMetrics         `json:"tx"`
	Peers          PeerMetrics       `json:"peers"`
	Bulk           BulkMetrics       `json:"bulk"`
	CreditOverflow uint64            `json:"credit_overflow"`
	EventsDropped  uint64            `json:"events_dropped"`
	BuffersPosted  uint64            `json:"buffers_posted"`
	RecvByType     map[string]uint64 `json:"recv_by_type"`
	DropByReason   map[string]uint64 `json:"drop_by_reason"`
	CurrentConns   int64             `json:"current_conns"`
	CurrentStreams int64             `json:"current_streams"`
	Recent         []PeerEvent       `json:"recent"`
}

type TxMetrics struct {
	Allocated uint64 `json:"allocated"`
	Finalized uint64 `json:"finalized"`
	Failed    uint64 `json:"failed"`
	NoopsSent uint64 `json:"noops_sent"`
	NoopsDrop uint64 `json:"noops_dropped"`
}

type PeerMetrics struct {
	Created uint64 `json:"created"`
	Closed  uint64 `json:"closed"`
}

type BulkMetrics struct {
	BytesRead    uint64 `json:"bytes_read"`
	BytesWritten uint64 `json:"bytes_written"`
}

type Metrics struct {
	txAllocated    atomic.Uint64
	txFinalized    atomic.Uint64
	txFailed       atomic.Uint64
	noopsSent      atomic.Uint64
	noopsDropped   atomic.Uint64
	peersCreated   atomic.Uint64
	peersClosed    atomic.Uint64
	bulkRead       atomic.Uint64
	bulkWritten    atomic.Uint64
	creditOverflow atomic.Uint64
	eventsDropped  atomic.Uint64
	buffersPosted  atomic.Uint64
	currentConns   atomic.Int64
	currentStreams atomic.Int64

	mu           sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64
	recent       *PeerRecent
}

func New() *Metrics {
	return &Metrics{
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewPeerRecent(64),
	}
}

func (m *Metrics) IncTxAllocated() {
	m.txAllocated.Add(1)
}

func (m *Metrics) IncTxFinalized() {
	m.txFinalized.Add(1)
}

func (m *Metrics) IncTxFailed() {
	m.txFailed.Add(1)
}

func (m *Metrics) IncNoopSent() {
	m.noopsSent.Add(1)
}

func (m *Metrics) IncNoopDropped() {
	m.noopsDropped.Add(1)
}

func (m *Metrics) IncCreditOverflow() {
	m.creditOverflow.Add(1)
}

func (m *Metrics) IncEventsDropped() {
	m.eventsDropped.Add(1)
}

func (m *Metrics) IncPeerCreated(nid uint64) {
	m.peersCreated.Add(1)
	m.recent.Add(PeerEvent{At: time.Now().UTC(), NID: nid, Event: "created"})
}

func (m *Metrics) IncPeerClosed(nid uint64, reason string) {
	m.peersClosed.Add(1)
	m.recent.Add(PeerEvent{At: time.Now().UTC(), NID: nid, Event: "closed", Reason: reason})
}

func (m *Metrics) AddBulkRead(n int) {
	if n > 0 {
		m.bulkRead.Add(uint64(n))
	}
}

func (m *Metrics) AddBulkWritten(n int) {
	if n > 0 {
		m.bulkWritten.Add(uint64(n))
	}
}

func (m *Metrics) SetBuffersPosted(n int) {
	if n >= 0 {
		m.buffersPosted.Store(uint64(n))
	}
}

func (m *Metrics) IncRecvByType(t string) {
	m.mu.Lock()
	m.recvByType[t]++
	m.mu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) AddCurrentConns(d int64) {
	m.currentConns.Add(d)
}

func (m *Metrics) AddCurrentStreams(d int64) {
	m.currentStreams.Add(d)
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	recv := copyCounts(m.recvByType)
	drop := copyCounts(m.dropByReason)
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Tx: TxMetrics{
			Allocated: m.txAllocated.Load(),
			Finalized: m.txFinalized.Load(),
			Failed:    m.txFailed.Load(),
			NoopsSent: m.noopsSent.Load(),
			NoopsDrop: m.noopsDropped.Load(),
		},
		Peers: PeerMetrics{
			Created: m.peersCreated.Load(),
			Closed:  m.peersClosed.Load(),
		},
		Bulk: BulkMetrics{
			BytesRead:    m.bulkRead.Load(),
			BytesWritten: m.bulkWritten.Load(),
		},
		CreditOverflow: m.creditOverflow.Load(),
		EventsDropped:  m.eventsDropped.Load(),
		BuffersPosted:  m.buffersPosted.Load(),
		RecvByType:     recv,
		DropByReason:   drop,
		CurrentConns:   m.currentConns.Load(),
		CurrentStreams: m.currentStreams.Load(),
		Recent:         m.recent.List(),
	}
}

// WriteSnapshot writes the snapshot as JSON, replacing path atomically.
func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	err = json.Unmarshal(data, &snap)
	return snap, err
}

type PeerRecent struct {
	mu   sync.Mutex
	cap  int
	list []PeerEvent
}

func NewPeerRecent(capacity int) *PeerRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &PeerRecent{cap: capacity}
}

func (r *PeerRecent) Add(ev PeerEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = ev
		return
	}
	r.list = append(r.list, ev)
}

func (r *PeerRecent) List() []PeerEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PeerEvent, len(r.list))
	copy(out, r.list)
	return out
}
