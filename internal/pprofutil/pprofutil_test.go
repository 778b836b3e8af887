package pprofutil

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "192.168.1.10:6060", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		if got := isLoopbackBind(tc.addr); got != tc.ok {
			t.Fatalf("isLoopbackBind(%q)=%v want %v", tc.addr, got, tc.ok)
		}
	}
}

func TestStartFromEnvDisabled(t *testing.T) {
	t.Setenv("PTLND_PPROF", "")
	srv, err := StartFromEnv(zerolog.Nop())
	if err != nil || srv != nil {
		t.Fatalf("expected no server, got %v %v", srv, err)
	}
}

func TestStartRefusesPublicAddr(t *testing.T) {
	if _, err := Start("0.0.0.0:0", false, zerolog.Nop()); !errors.Is(err, ErrPublicAddr) {
		t.Fatalf("expected ErrPublicAddr, got %v", err)
	}
}

func TestStartServesProfiles(t *testing.T) {
	srv, err := Start("127.0.0.1:0", false, zerolog.Nop())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	resp, err := http.Get("http://" + srv.Addr() + "/debug/pprof/")
	if err != nil {
		t.Fatalf("get index failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if err := srv.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := http.Get("http://" + srv.Addr() + "/debug/pprof/"); err == nil {
		t.Fatalf("expected the server to be gone after close")
	}
}
