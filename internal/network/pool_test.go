package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"ptlnd/internal/fabric"
)

func TestWaitRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if waitRetry(ctx, 5) {
		t.Fatalf("expected waitRetry to give up on a cancelled context")
	}
	start := time.Now()
	if !waitRetry(context.Background(), 1) {
		t.Fatalf("expected first retry to wait and succeed")
	}
	if elapsed := time.Since(start); elapsed < retryBase {
		t.Fatalf("retry waited only %s", elapsed)
	}
}

func TestPoolRefusesAfterClose(t *testing.T) {
	clientTLS, err := clientTLSConfig(false, "")
	if err != nil {
		t.Fatalf("client tls failed: %v", err)
	}
	p := newConnPool(clientTLS, nil, 0)
	if _, err := p.dial(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty addr")
	}
	if n := p.fail("127.0.0.1:1"); n != 1 {
		t.Fatalf("expected one failure, got %d", n)
	}
	if n := p.fail("127.0.0.1:1"); n != 2 {
		t.Fatalf("expected two failures, got %d", n)
	}
	p.used("127.0.0.1:1", nil)
	if n := p.fail("127.0.0.1:1"); n != 1 {
		t.Fatalf("expected failures reset, got %d", n)
	}
	p.closeAll()
	if _, err := p.dial(context.Background(), "127.0.0.1:1"); !errors.Is(err, fabric.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if p.size() != 0 {
		t.Fatalf("expected empty pool")
	}
}
