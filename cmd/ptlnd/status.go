package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"ptlnd/internal/lnd"
	"ptlnd/internal/metrics"
)

// nodeStatus is what a running node publishes next to its metrics.
type nodeStatus struct {
	NID   uint64         `json:"nid"`
	Stamp uint64         `json:"stamp"`
	Addr  string         `json:"addr"`
	At    time.Time      `json:"at"`
	Stats lnd.Stats      `json:"stats"`
	Peers []lnd.PeerInfo `json:"peers"`
}

func (n *node) status() nodeStatus {
	st := nodeStatus{
		NID:   n.ep.NID(),
		Stamp: n.ep.Stamp(),
		At:    time.Now().UTC(),
		Stats: n.ep.Stats(),
		Peers: n.ep.Peers(),
	}
	if a := n.link.Addr(); a != nil {
		st.Addr = a.String()
	}
	sort.Slice(st.Peers, func(i, j int) bool { return st.Peers[i].NID < st.Peers[j].NID })
	return st
}

func writeStatus(path string, st nodeStatus) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(path), ".status.json.tmp")
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readStatus returns ok=false when no node has published a status yet.
func readStatus(path string) (nodeStatus, bool, error) {
	var st nodeStatus
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return st, false, nil
	}
	if err != nil {
		return st, false, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return st, true, nil
}

func printStatus(w io.Writer, st nodeStatus) {
	fmt.Fprintf(w, "node       %#x stamp=%#x addr=%s\n", st.NID, st.Stamp, st.Addr)
	fmt.Fprintf(w, "endpoint   peers=%d txs=%d rxs=%d buffers=%d/%d zombies=%d\n",
		st.Stats.Peers, st.Stats.Txs, st.Stats.Rxs, st.Stats.PostedBuffers, st.Stats.Buffers, st.Stats.Zombies)
	for _, p := range st.Peers {
		fmt.Fprintf(w, "peer       %#x %-7s credits=%d/%d outstanding=%d queued=%d\n",
			p.NID, p.State, p.Credits, p.MaxCredits, p.Outstanding, p.Queued)
	}
}

func metricsSnapshot(path string) (metrics.Snapshot, error) {
	snap, err := metrics.ReadSnapshot(path)
	if errors.Is(err, fs.ErrNotExist) {
		return snap, fmt.Errorf("no metrics at %s; is the node running?", path)
	}
	return snap, err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printSummary(w io.Writer, s metrics.Snapshot) {
	fmt.Fprintf(w, "snapshot   %s (%s ago)\n", s.GeneratedAt.Format(time.RFC3339), time.Since(s.GeneratedAt).Round(time.Second))
	fmt.Fprintf(w, "txs        allocated=%d finalized=%d failed=%d\n", s.Tx.Allocated, s.Tx.Finalized, s.Tx.Failed)
	fmt.Fprintf(w, "noops      sent=%d dropped=%d\n", s.Tx.NoopsSent, s.Tx.NoopsDrop)
	fmt.Fprintf(w, "peers      created=%d closed=%d\n", s.Peers.Created, s.Peers.Closed)
	fmt.Fprintf(w, "bulk       read=%d written=%d\n", s.Bulk.BytesRead, s.Bulk.BytesWritten)
	fmt.Fprintf(w, "buffers    posted=%d\n", s.BuffersPosted)
	fmt.Fprintf(w, "quic       conns=%d streams=%d\n", s.CurrentConns, s.CurrentStreams)
	if s.CreditOverflow > 0 || s.EventsDropped > 0 {
		fmt.Fprintf(w, "warnings   credit_overflow=%d events_dropped=%d\n", s.CreditOverflow, s.EventsDropped)
	}
	for _, k := range sortedKeys(s.RecvByType) {
		fmt.Fprintf(w, "recv       %-10s %d\n", k, s.RecvByType[k])
	}
	for _, k := range sortedKeys(s.DropByReason) {
		fmt.Fprintf(w, "drop       %-12s %d\n", k, s.DropByReason[k])
	}
	for _, ev := range s.Recent {
		line := fmt.Sprintf("event      %s %#x %s", ev.At.Format(time.RFC3339), ev.NID, ev.Event)
		if ev.Reason != "" {
			line += " (" + ev.Reason + ")"
		}
		fmt.Fprintln(w, line)
	}
}
