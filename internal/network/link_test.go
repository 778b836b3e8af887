package network

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	quic "github.com/quic-go/quic-go"

	"ptlnd/internal/fabric"
	"ptlnd/internal/peer"
)

const testPortal = 9

type node struct {
	e    *fabric.Engine
	link *QUICLink
}

func startNode(t *testing.T, nid uint64, book *peer.Store) node {
	t.Helper()
	e := fabric.NewEngine(fabric.ProcessID{NID: nid}, 128)
	l, err := NewQUICLink(nid, e, book, Options{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new link failed: %v", err)
	}
	e.SetLink(l)
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- l.Serve(ctx, ready) }()
	select {
	case <-ready:
	case err := <-errCh:
		cancel()
		t.Fatalf("serve failed: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("listener not ready")
	}
	if err := book.Upsert(peer.Peer{NID: nid, Addr: l.Addr().String()}, false); err != nil {
		t.Fatalf("register addr failed: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = l.Close()
		_ = e.Close()
		if err := <-errCh; err != nil {
			t.Errorf("serve returned: %v", err)
		}
	})
	return node{e: e, link: l}
}

func poll(t *testing.T, ni fabric.NI) fabric.Event {
	t.Helper()
	ev, err := ni.Poll(5 * time.Second)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	return ev
}

func newBook(t *testing.T) *peer.Store {
	t.Helper()
	book, err := peer.NewStore("", peer.Options{})
	if err != nil {
		t.Fatalf("new book failed: %v", err)
	}
	return book
}

func TestQUICPutAndGet(t *testing.T) {
	book := newBook(t)
	a := startNode(t, 1, book)
	b := startNode(t, 2, book)

	inbox := make([]byte, 64)
	if _, err := b.e.Attach(testPortal, fabric.MatchEntry{
		Source: fabric.ProcessID{NID: fabric.AnyNID, PID: fabric.AnyPID},
	}, fabric.MD{Iov: fabric.Iovec{inbox}, Threshold: fabric.ThresholdInf, Options: fabric.OpPut, Tag: 5}); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	msg := []byte("hello over quic")
	h, err := a.e.Bind(fabric.MD{Iov: fabric.Iovec{msg}, Threshold: 1, Tag: 9})
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if err := a.e.Put(h, fabric.ProcessID{NID: 2}, testPortal, 0, 0); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if ev := poll(t, a.e); ev.Kind != fabric.EventSendEnd || ev.Fail || ev.Tag != 9 {
		t.Fatalf("unexpected send event %+v", ev)
	}
	ev := poll(t, b.e)
	if ev.Kind != fabric.EventPutEnd || ev.Initiator.NID != 1 || ev.MLength != len(msg) {
		t.Fatalf("unexpected put event %+v", ev)
	}
	if !bytes.Equal(inbox[:len(msg)], msg) {
		t.Fatalf("payload mismatch: %q", inbox[:len(msg)])
	}

	exposed := bytes.Repeat([]byte{0xc3}, 300000)
	if _, err := b.e.Attach(testPortal, fabric.MatchEntry{
		Source:    fabric.ProcessID{NID: 1},
		MatchBits: 0x100,
	}, fabric.MD{Iov: fabric.Iovec{exposed}, Threshold: 1, Options: fabric.OpGet, Tag: 6}); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	sink := make([]byte, len(exposed))
	h, err = a.e.Bind(fabric.MD{Iov: fabric.Iovec{sink}, Threshold: 2, Options: fabric.OpGet, Tag: 10})
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if err := a.e.Get(h, fabric.ProcessID{NID: 2}, testPortal, 0x100, 0); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	var sawSend, sawReply bool
	for !sawSend || !sawReply {
		ev := poll(t, a.e)
		switch ev.Kind {
		case fabric.EventSendEnd:
			sawSend = true
		case fabric.EventReplyEnd:
			sawReply = true
			if ev.Fail || ev.MLength != len(exposed) {
				t.Fatalf("unexpected reply %+v", ev)
			}
		default:
			t.Fatalf("unexpected event %+v", ev)
		}
	}
	if !bytes.Equal(sink, exposed) {
		t.Fatalf("get data mismatch")
	}
	if ev := poll(t, b.e); ev.Kind != fabric.EventGetEnd || !ev.Unlinked {
		t.Fatalf("unexpected get event %+v", ev)
	}
}

func TestQUICKeepsOrder(t *testing.T) {
	book := newBook(t)
	a := startNode(t, 1, book)
	b := startNode(t, 2, book)

	const n = 50
	inbox := make([]byte, n*8)
	if _, err := b.e.Attach(testPortal, fabric.MatchEntry{
		Source: fabric.ProcessID{NID: fabric.AnyNID, PID: fabric.AnyPID},
	}, fabric.MD{Iov: fabric.Iovec{inbox}, Threshold: fabric.ThresholdInf, MaxSize: 8,
		Options: fabric.OpPut | fabric.ManageLocal, Tag: 1}); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	for i := 0; i < n; i++ {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(i))
		h, err := a.e.Bind(fabric.MD{Iov: fabric.Iovec{buf}, Threshold: 1})
		if err != nil {
			t.Fatalf("bind failed: %v", err)
		}
		if err := a.e.Put(h, fabric.ProcessID{NID: 2}, testPortal, 0, 0); err != nil {
			t.Fatalf("put %d failed: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		ev := poll(t, b.e)
		if ev.Kind != fabric.EventPutEnd {
			t.Fatalf("unexpected event %+v", ev)
		}
		got := binary.BigEndian.Uint64(inbox[ev.Offset:])
		if got != uint64(i) {
			t.Fatalf("expected frame %d, got %d", i, got)
		}
	}
}

func TestQUICUnknownDestinationFails(t *testing.T) {
	book := newBook(t)
	a := startNode(t, 1, book)

	h, err := a.e.Bind(fabric.MD{Iov: fabric.Iovec{[]byte("x")}, Threshold: 1})
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if err := a.e.Put(h, fabric.ProcessID{NID: 42}, testPortal, 0, 0); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	ev := poll(t, a.e)
	if ev.Kind != fabric.EventSendEnd || !ev.Fail || !ev.Unlinked {
		t.Fatalf("expected failed send, got %+v", ev)
	}
}

func TestQUICSendAfterClose(t *testing.T) {
	book := newBook(t)
	a := startNode(t, 1, book)
	_ = a.link.Close()

	errCh := make(chan error, 1)
	a.link.Send(&fabric.Frame{Kind: fabric.FramePut, Dst: fabric.ProcessID{NID: 2}}, func(err error) {
		errCh <- err
	})
	if err := <-errCh; err != fabric.ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func newIdleLink(t *testing.T, book *peer.Store) *QUICLink {
	t.Helper()
	e := fabric.NewEngine(fabric.ProcessID{NID: 1}, 16)
	l, err := NewQUICLink(1, e, book, Options{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new link failed: %v", err)
	}
	t.Cleanup(func() {
		_ = l.Close()
		_ = e.Close()
	})
	return l
}

func TestQUICOversizedFrameFailsAtOnce(t *testing.T) {
	book := newBook(t)
	if err := book.Upsert(peer.Peer{NID: 2, Addr: "127.0.0.1:1"}, false); err != nil {
		t.Fatalf("register addr failed: %v", err)
	}
	l := newIdleLink(t, book)

	start := time.Now()
	errCh := make(chan error, 1)
	l.Send(&fabric.Frame{Kind: fabric.FramePut, Dst: fabric.ProcessID{NID: 2}, Data: make([]byte, fabric.MaxTransfer+1)},
		func(err error) { errCh <- err })
	select {
	case err := <-errCh:
		if !errors.Is(err, fabric.ErrTooLarge) {
			t.Fatalf("expected ErrTooLarge, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("oversized frame never completed")
	}
	if elapsed := time.Since(start); elapsed >= retryBase {
		t.Fatalf("oversized frame was retried (%s)", elapsed)
	}
	if n := l.pool.fail("127.0.0.1:1"); n != 1 {
		t.Fatalf("expected no earlier host failures, got %d", n-1)
	}
}

type brokenStream struct {
	writes    int
	cancelled bool
	closed    bool
}

func (s *brokenStream) Write(p []byte) (int, error) {
	s.writes++
	return 0, errors.New("stream reset by peer")
}

func (s *brokenStream) SetWriteDeadline(time.Time) error { return nil }

func (s *brokenStream) CancelWrite(quic.StreamErrorCode) { s.cancelled = true }

func (s *brokenStream) Close() error {
	s.closed = true
	return nil
}

func TestQUICWriteFailureAfterEarlierFrames(t *testing.T) {
	l := newIdleLink(t, newBook(t))

	s := &brokenStream{}
	q := &sendQueue{nid: 2, stream: s, written: 3}
	start := time.Now()
	err := l.write(q, &fabric.Frame{Kind: fabric.FramePut, Dst: fabric.ProcessID{NID: 2}})
	if !errors.Is(err, fabric.ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
	if s.writes != 1 {
		t.Fatalf("expected a single write attempt, got %d", s.writes)
	}
	if !s.cancelled || s.closed {
		t.Fatalf("expected the stream to be reset, cancelled=%v closed=%v", s.cancelled, s.closed)
	}
	if q.stream != nil || q.written != 0 {
		t.Fatalf("stream state not cleared")
	}
	if elapsed := time.Since(start); elapsed >= retryBase {
		t.Fatalf("write was retried (%s)", elapsed)
	}
}
