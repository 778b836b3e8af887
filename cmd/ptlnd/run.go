package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ptlnd/internal/debuglog"
	"ptlnd/internal/pprofutil"
)

func newRunCmd(opts *rootOpts) *cobra.Command {
	var (
		listen    string
		nid       string
		serveFile string
		pprofAddr string
		tick      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if err := applyNodeFlags(cfg, nid, listen); err != nil {
				return err
			}
			var serve []byte
			if serveFile != "" {
				data, err := os.ReadFile(serveFile)
				if err != nil {
					return fmt.Errorf("read %s: %w", serveFile, err)
				}
				serve = data
			}
			if err := os.MkdirAll(cfg.Home, 0700); err != nil {
				return err
			}
			s := newSink(serve)
			n, err := newNode(cfg, s)
			if err != nil {
				return err
			}
			var prof *pprofutil.Server
			if pprofAddr != "" {
				prof, err = pprofutil.Start(pprofAddr, false, n.log)
			} else {
				prof, err = pprofutil.StartFromEnv(n.log)
			}
			if err != nil {
				_ = n.close(time.Second)
				return err
			}
			if prof != nil {
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					_ = prof.Close(ctx)
				}()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, gctx := errgroup.WithContext(ctx)
			ready := make(chan struct{})
			g.Go(func() error {
				return n.link.Serve(gctx, ready)
			})
			g.Go(func() error {
				select {
				case <-ready:
				case <-gctx.Done():
					return n.close(n.ep.Config().ShutdownTimeout)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "READY nid=%#x addr=%s stamp=%#x\n", cfg.NID, n.link.Addr(), n.ep.Stamp())
				return n.loop(gctx, tick, cfg.MetricsInterval, cfg.MetricsPath(), cfg.StatusPath())
			})
			err = g.Wait()
			if err == nil || errors.Is(err, context.Canceled) {
				debuglog.Logf("node %#x stopped: %d puts (%d bytes), %d gets (%d bytes)",
					cfg.NID, s.puts, s.bytesIn, s.gets, s.bytesOut)
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&nid, "nid", "", "node id (overrides config)")
	cmd.Flags().StringVar(&serveFile, "serve", "", "file whose bytes answer GET requests (zeros if unset)")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "serve pprof on this loopback address")
	cmd.Flags().DurationVar(&tick, "tick", 100*time.Millisecond, "event loop wait timeout")
	return cmd
}

// loop pumps the endpoint and writes metrics and status snapshots until
// ctx is done, then shuts the node down on the same goroutine.
func (n *node) loop(ctx context.Context, tick, every time.Duration, metricsPath, statusPath string) error {
	last := time.Now()
	for ctx.Err() == nil {
		n.ep.Wait(tick)
		if time.Since(last) >= every {
			last = time.Now()
			if err := n.met.WriteSnapshot(metricsPath); err != nil {
				n.log.Warn().Err(err).Msg("metrics snapshot failed")
			}
			if err := writeStatus(statusPath, n.status()); err != nil {
				n.log.Warn().Err(err).Msg("status snapshot failed")
			}
		}
	}
	err := n.close(n.ep.Config().ShutdownTimeout)
	if werr := n.met.WriteSnapshot(metricsPath); werr != nil {
		debuglog.Errorf("final metrics snapshot to %s failed: %v", metricsPath, werr)
	}
	// a stopped node has no peers to report
	_ = os.Remove(statusPath)
	return err
}
