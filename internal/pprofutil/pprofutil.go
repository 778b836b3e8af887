// Package pprofutil serves the runtime profiles of a running node.
package pprofutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const DefaultAddr = "127.0.0.1:6060"

// ErrPublicAddr is returned for a non-loopback address without opt-in.
var ErrPublicAddr = errors.New("pprof: refusing non-loopback address")

type Server struct {
	ln   net.Listener
	http *http.Server
	log  zerolog.Logger
}

// StartFromEnv honours PTLND_PPROF=1, PTLND_PPROF_ADDR and
// PTLND_PPROF_ALLOW_PUBLIC=1. It returns a nil Server when profiling is off.
func StartFromEnv(log zerolog.Logger) (*Server, error) {
	if strings.TrimSpace(os.Getenv("PTLND_PPROF")) != "1" {
		return nil, nil
	}
	public := strings.TrimSpace(os.Getenv("PTLND_PPROF_ALLOW_PUBLIC")) == "1"
	return Start(os.Getenv("PTLND_PPROF_ADDR"), public, log)
}

// Start serves the profiles under /debug/pprof/ on addr.
func Start(addr string, allowPublic bool, log zerolog.Logger) (*Server, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("%w %s (set PTLND_PPROF_ALLOW_PUBLIC=1)", ErrPublicAddr, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof: listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	s := &Server{
		ln:   ln,
		http: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log:  log,
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn().Err(err).Msg("pprof server stopped")
		}
	}()
	log.Info().Str("url", "http://"+s.Addr()+"/debug/pprof/").Msg("pprof enabled")
	return s, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops the server, waiting for in-flight profiles until ctx ends.
func (s *Server) Close(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}
