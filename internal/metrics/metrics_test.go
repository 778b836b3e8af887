package metrics

import (
	"path/filepath"
	"testing"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncTxAllocated()
	m.IncTxAllocated()
	m.IncTxFinalized()
	m.IncTxFailed()
	m.IncNoopSent()
	m.IncNoopDropped()
	m.IncPeerCreated(7)
	m.IncPeerClosed(7, "shutdown")
	m.AddBulkRead(100)
	m.AddBulkWritten(-1)
	m.IncCreditOverflow()
	m.IncRecvByType("HELLO")
	m.IncRecvByType("HELLO")
	m.IncDropByReason("bad_magic")
	m.AddCurrentConns(3)
	m.AddCurrentStreams(8)
	m.AddCurrentStreams(-1)
	snap := m.Snapshot()
	if snap.Tx.Allocated != 2 || snap.Tx.Finalized != 1 || snap.Tx.Failed != 1 {
		t.Fatalf("unexpected tx counts: %+v", snap.Tx)
	}
	if snap.Tx.NoopsSent != 1 || snap.Tx.NoopsDrop != 1 {
		t.Fatalf("unexpected noop counts: %+v", snap.Tx)
	}
	if snap.Peers.Created != 1 || snap.Peers.Closed != 1 {
		t.Fatalf("unexpected peer counts: %+v", snap.Peers)
	}
	if snap.Bulk.BytesRead != 100 || snap.Bulk.BytesWritten != 0 {
		t.Fatalf("unexpected bulk counts: %+v", snap.Bulk)
	}
	if snap.CreditOverflow != 1 {
		t.Fatalf("expected credit_overflow=1, got %d", snap.CreditOverflow)
	}
	if snap.RecvByType["HELLO"] != 2 {
		t.Fatalf("expected recv_by_type HELLO=2, got %d", snap.RecvByType["HELLO"])
	}
	if snap.DropByReason["bad_magic"] != 1 {
		t.Fatalf("expected drop_by_reason bad_magic=1, got %d", snap.DropByReason["bad_magic"])
	}
	if snap.CurrentConns != 3 || snap.CurrentStreams != 7 {
		t.Fatalf("expected conns/streams 3/7, got %d/%d", snap.CurrentConns, snap.CurrentStreams)
	}
	if len(snap.Recent) != 2 || snap.Recent[1].Reason != "shutdown" {
		t.Fatalf("unexpected recent: %+v", snap.Recent)
	}
}

func TestPeerRecentRing(t *testing.T) {
	r := NewPeerRecent(2)
	for i := uint64(1); i <= 3; i++ {
		r.Add(PeerEvent{NID: i})
	}
	got := r.List()
	if len(got) != 2 || got[0].NID != 2 || got[1].NID != 3 {
		t.Fatalf("unexpected ring contents: %+v", got)
	}
}

func TestWriteReadSnapshot(t *testing.T) {
	m := New()
	m.IncTxAllocated()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot failed: %v", err)
	}
	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read snapshot failed: %v", err)
	}
	if snap.Tx.Allocated != 1 {
		t.Fatalf("expected allocated=1, got %d", snap.Tx.Allocated)
	}
}
