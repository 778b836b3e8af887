package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ptlnd/internal/config"
	"ptlnd/internal/lnd"
	"ptlnd/internal/metrics"
	"ptlnd/internal/peer"
	"ptlnd/internal/testutil"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

func TestHelpListsCommands(t *testing.T) {
	code, out, _ := runCLI(t, "--help")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	for _, name := range []string{"run", "send", "status", "peer", "devca", "version"} {
		if !strings.Contains(out, name) {
			t.Fatalf("help missing %q:\n%s", name, out)
		}
	}
}

func TestVersion(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(out, version) {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestDevCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	code, out, errOut := runCLI(t, "devca", path)
	if code != 0 {
		t.Fatalf("devca failed: %s", errOut)
	}
	if !strings.Contains(out, "PTLND_DEVTLS_CA_PATH") {
		t.Fatalf("unexpected devca output %q", out)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ca failed: %v", err)
	}
	if !bytes.Contains(data, []byte("BEGIN CERTIFICATE")) {
		t.Fatalf("not a PEM certificate: %q", data)
	}
}

func TestUnknownCommandFails(t *testing.T) {
	code, _, errOut := runCLI(t, "frobnicate")
	if code != 1 || !strings.Contains(errOut, "unknown command") {
		t.Fatalf("expected unknown command error, got %d %q", code, errOut)
	}
}

func TestStatusPrintsSnapshot(t *testing.T) {
	home := t.TempDir()
	cfgPath := writeConfig(t, "nid: 7\nhome: "+home+"\n")

	code, _, errOut := runCLI(t, "--config", cfgPath, "status")
	if code != 1 || !strings.Contains(errOut, "no metrics") {
		t.Fatalf("expected missing metrics error, got %d %q", code, errOut)
	}

	m := metrics.New()
	m.IncTxAllocated()
	m.IncDropByReason("bad_seq")
	m.AddBulkRead(4096)
	if err := m.WriteSnapshot(filepath.Join(home, "metrics.json")); err != nil {
		t.Fatalf("write snapshot failed: %v", err)
	}
	code, out, errOut := runCLI(t, "--config", cfgPath, "status")
	if code != 0 {
		t.Fatalf("status failed: %s", errOut)
	}
	for _, want := range []string{"allocated=1", "read=4096", "bad_seq"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}

	code, out, _ = runCLI(t, "--config", cfgPath, "status", "--json")
	if code != 0 || !strings.Contains(out, `"bytes_read": 4096`) {
		t.Fatalf("unexpected json status %d:\n%s", code, out)
	}
}

func TestSendRejectsUnknownTarget(t *testing.T) {
	cfgPath := writeConfig(t, "nid: 2\nhome: "+t.TempDir()+"\n")
	code, _, errOut := runCLI(t, "--config", cfgPath, "send", "5")
	if code != 1 || !strings.Contains(errOut, "no address configured") {
		t.Fatalf("expected missing address error, got %d %q", code, errOut)
	}
}

func TestSendRejectsBadMode(t *testing.T) {
	cfgPath := writeConfig(t, "nid: 2\nhome: "+t.TempDir()+"\npeers:\n  5: 127.0.0.1:1\n")
	code, _, errOut := runCLI(t, "--config", cfgPath, "send", "5", "--mode", "post")
	if code != 1 || !strings.Contains(errOut, "unknown mode") {
		t.Fatalf("expected bad mode error, got %d %q", code, errOut)
	}
}

func TestPeerBook(t *testing.T) {
	cfgPath := writeConfig(t, "nid: 1\nhome: "+t.TempDir()+"\npeers:\n  9: 10.0.0.9:7700\n")

	code, _, errOut := runCLI(t, "--config", cfgPath, "peer", "add", "0x2", "10.0.0.2:7700")
	require.Equal(t, 0, code, errOut)
	code, _, errOut = runCLI(t, "--config", cfgPath, "peer", "add", "3", "10.0.0.2:7700")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "addr conflict")

	code, out, _ := runCLI(t, "--config", cfgPath, "peer", "list")
	require.Equal(t, 0, code)
	require.Equal(t, "0x2 10.0.0.2:7700\n0x9 10.0.0.9:7700\n", out)

	code, _, _ = runCLI(t, "--config", cfgPath, "peer", "rm", "2")
	require.Equal(t, 0, code)
	code, out, _ = runCLI(t, "--config", cfgPath, "peer", "list")
	require.Equal(t, 0, code)
	require.Equal(t, "0x9 10.0.0.9:7700\n", out)

	code, _, errOut = runCLI(t, "--config", cfgPath, "peer", "rm", "2")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "no peer")
}

func TestHeaderRoundTrip(t *testing.T) {
	h := makeHeader(opGet, 12345, 99)
	op, n, cookie := parseHeader(h)
	require.Equal(t, byte(opGet), op)
	require.Equal(t, 12345, n)
	require.Equal(t, uint64(99), cookie)

	_, n, _ = parseHeader(makeHeader(opPut, maxTransfer*4, 0))
	require.Equal(t, maxTransfer, n)
}

type server struct {
	n    *node
	sink *sink
	stop func()
}

func startNode(t *testing.T, nid uint64, up consumer, peers map[uint64]string) *node {
	t.Helper()
	cfg := config.Default()
	cfg.NID = nid
	cfg.Listen = "127.0.0.1:0"
	cfg.Home = t.TempDir()
	cfg.Peers = peers
	n, err := newNode(cfg, up)
	if err != nil {
		t.Fatalf("new node failed: %v", err)
	}
	return n
}

func serve(t *testing.T, n *node) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- n.link.Serve(ctx, ready) }()
	select {
	case <-ready:
	case err := <-errCh:
		cancel()
		t.Fatalf("serve failed: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("listener not ready")
	}
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
	return cancel
}

func startServer(t *testing.T, data []byte) server {
	t.Helper()
	s := newSink(data)
	n := startNode(t, 1, s, nil)
	serve(t, n)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.loop(ctx, 10*time.Millisecond, 20*time.Millisecond, n.cfg.MetricsPath(), n.cfg.StatusPath())
	}()
	var once bool
	stop := func() {
		if once {
			return
		}
		once = true
		cancel()
		if err := <-done; err != nil {
			t.Errorf("server loop returned: %v", err)
		}
	}
	t.Cleanup(stop)
	return server{n: n, sink: s, stop: stop}
}

// connectClient starts a client node and registers its address with
// the server so replies can find it.
func connectClient(t *testing.T, srv server, nid uint64, c *client) *node {
	t.Helper()
	n := startNode(t, nid, c, map[uint64]string{1: srv.n.link.Addr().String()})
	serve(t, n)
	if err := srv.n.book.Upsert(peer.Peer{NID: nid, Addr: n.link.Addr().String()}, false); err != nil {
		t.Fatalf("register client failed: %v", err)
	}
	t.Cleanup(func() { _ = n.close(5 * time.Second) })
	return n
}

func TestPutOverQUIC(t *testing.T) {
	srv := startServer(t, nil)
	for i, size := range []int{64, 300000} {
		c, msg, err := newRequest("put", 1, size, 3)
		require.NoError(t, err)
		n := connectClient(t, srv, uint64(2+i), c)
		require.NoError(t, n.exchange(context.Background(), c, msg, 10*time.Second))
		require.NoError(t, c.err)
	}
	require.Eventually(t, func() bool {
		return srv.n.met.Snapshot().Bulk.BytesRead == 300000
	}, 10*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		st, ok, err := readStatus(srv.n.cfg.StatusPath())
		return err == nil && ok && len(st.Peers) == 2 && st.Peers[0].NID == 2 && st.Peers[0].State == lnd.PeerActive
	}, 10*time.Second, 20*time.Millisecond)
	srv.stop()
	_, ok, err := readStatus(srv.n.cfg.StatusPath())
	require.NoError(t, err)
	require.False(t, ok, "status file left behind")
	require.Equal(t, uint64(2), srv.sink.puts)
	require.Equal(t, uint64(300064), srv.sink.bytesIn)
}

func TestGetOverQUIC(t *testing.T) {
	const size = 200000
	srv := startServer(t, testutil.Pattern(7, size))
	for i, want := range []int{100, size} {
		c, msg, err := newRequest("get", 1, want, 0)
		require.NoError(t, err)
		n := connectClient(t, srv, uint64(2+i), c)
		require.NoError(t, n.exchange(context.Background(), c, msg, 10*time.Second))
		require.Equal(t, want, c.received)
		require.Equal(t, -1, testutil.VerifyPattern(7, c.buf))
	}
	srv.stop()
	require.Equal(t, uint64(2), srv.sink.gets)
}

