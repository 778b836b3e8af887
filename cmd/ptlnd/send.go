package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ptlnd/internal/config"
	"ptlnd/internal/debuglog"
	"ptlnd/internal/fabric"
	"ptlnd/internal/lnd"
	"ptlnd/internal/proto"
	"ptlnd/internal/testutil"
)

// applyNodeFlags overrides the configured identity with command line
// values.
func applyNodeFlags(cfg *config.Config, nid, listen string) error {
	if nid != "" {
		v, err := strconv.ParseUint(nid, 0, 64)
		if err != nil {
			return fmt.Errorf("bad --nid %q: %w", nid, err)
		}
		cfg.NID = v
	}
	if listen != "" {
		cfg.Listen = listen
	}
	return nil
}

// client drives one request from the send command and records how it
// ended.
type client struct {
	ep     *lnd.Endpoint
	log    zerolog.Logger
	cookie uint64
	want   int
	buf    []byte

	done     bool
	err      error
	received int
}

func (c *client) bind(ep *lnd.Endpoint) {
	c.ep = ep
}

func (c *client) finish(n int, err error) {
	if c.done {
		return
	}
	c.done = true
	c.received = n
	c.err = err
}

func (c *client) DeliverImmediate(rx *lnd.Rx, hdr proto.UpperHeader, payload []byte) error {
	op, _, cookie := parseHeader(hdr)
	if op != opReply || cookie != c.cookie {
		return fmt.Errorf("unexpected message from %#x", rx.Source())
	}
	n := min(len(payload), len(c.buf))
	err := c.ep.Recv(rx, nil, fabric.Iovec{c.buf}, 0, n)
	c.finish(n, err)
	return nil
}

func (c *client) DeliverBulkRequest(rx *lnd.Rx, hdr proto.UpperHeader) error {
	op, length, cookie := parseHeader(hdr)
	if rx.Type() != proto.TypePut || op != opReply || cookie != c.cookie {
		return fmt.Errorf("unexpected %s from %#x", rx.Type(), rx.Source())
	}
	n := min(length, len(c.buf))
	m := &lnd.Msg{Kind: lnd.MsgReply, Target: rx.Source(), Header: hdr, Iov: fabric.Iovec{c.buf}, Len: n}
	if err := c.ep.Recv(rx, m, m.Iov, 0, n); err != nil {
		c.finish(0, err)
	}
	return nil
}

func (c *client) OnSendComplete(msg *lnd.Msg, status error) {
	if status != nil || msg.Kind == lnd.MsgPut {
		c.finish(msg.Len, status)
	}
}

func (c *client) OnReceiveComplete(msg *lnd.Msg, status error) {
	c.finish(msg.Received, status)
}

func newSendCmd(opts *rootOpts) *cobra.Command {
	var (
		nid     string
		listen  string
		size    int
		mode    string
		seed    uint64
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <nid>",
		Short: "Send one PUT or GET to a running node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseNID(args[0])
			if err != nil {
				return err
			}
			if size < 0 || size > maxTransfer {
				return fmt.Errorf("size must be between 0 and %d", maxTransfer)
			}
			cfg := opts.cfg
			if err := applyNodeFlags(cfg, nid, listen); err != nil {
				return err
			}
			c, msg, err := newRequest(mode, target, size, seed)
			if err != nil {
				return err
			}
			n, err := newNode(cfg, c)
			if err != nil {
				return err
			}
			if _, ok := n.book.Lookup(target); !ok {
				_ = n.close(time.Second)
				return fmt.Errorf("no address configured for %#x", target)
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			ready := make(chan struct{})
			g.Go(func() error {
				return n.link.Serve(gctx, ready)
			})
			select {
			case <-ready:
			case <-gctx.Done():
				_ = n.close(time.Second)
				return g.Wait()
			}

			start := time.Now()
			runErr := n.exchange(gctx, c, msg, timeout)
			elapsed := time.Since(start)
			closeErr := n.close(n.ep.Config().ShutdownTimeout)
			cancel()
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if runErr != nil {
				return runErr
			}
			if closeErr != nil {
				n.log.Warn().Err(closeErr).Msg("shutdown incomplete")
			}

			out := cmd.OutOrStdout()
			switch mode {
			case "put":
				fmt.Fprintf(out, "PUT %d bytes to %#x in %s\n", size, target, elapsed)
			case "get":
				fmt.Fprintf(out, "GET %d bytes from %#x in %s\n", c.received, target, elapsed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&nid, "nid", "", "node id of this client (overrides config)")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address for replies (overrides config; the target must know it)")
	cmd.Flags().IntVar(&size, "size", 4096, "bytes to transfer")
	cmd.Flags().StringVar(&mode, "mode", "put", "put or get")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "seed of the PUT data pattern")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long")
	return cmd
}

func newRequest(mode string, target uint64, size int, seed uint64) (*client, *lnd.Msg, error) {
	c := &client{log: debuglog.With("send"), cookie: uint64(time.Now().UnixNano())}
	switch mode {
	case "put":
		data := testutil.Pattern(seed, size)
		return c, &lnd.Msg{Kind: lnd.MsgPut, Target: target, Header: makeHeader(opPut, size, c.cookie),
			Iov: fabric.Iovec{data}, Len: size}, nil
	case "get":
		c.want = size
		c.buf = make([]byte, size)
		return c, &lnd.Msg{Kind: lnd.MsgGet, Target: target, Header: makeHeader(opGet, size, c.cookie),
			Iov: fabric.Iovec{c.buf}, Len: size}, nil
	default:
		return nil, nil, fmt.Errorf("unknown mode %q (want put or get)", mode)
	}
}

// exchange sends msg and pumps the endpoint until c has seen the result.
func (n *node) exchange(ctx context.Context, c *client, msg *lnd.Msg, timeout time.Duration) error {
	if err := n.ep.Send(msg, nil); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	deadline := time.Now().Add(timeout)
	for !c.done {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no answer from %#x within %s", msg.Target, timeout)
		}
		n.ep.Wait(50 * time.Millisecond)
	}
	if c.err != nil {
		return fmt.Errorf("%s to %#x failed: %w", msg.Kind, msg.Target, c.err)
	}
	if c.want > 0 && c.received != c.want {
		c.log.Warn().Int("want", c.want).Int("got", c.received).Msg("short reply")
	}
	return nil
}

func newStatusCmd(opts *rootOpts) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last metrics snapshot of the local node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.cfg.MetricsPath()
			snap, err := metricsSnapshot(path)
			if err != nil {
				return err
			}
			st, live, err := readStatus(opts.cfg.StatusPath())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				v := map[string]any{"metrics": snap}
				if live {
					v["node"] = st
				}
				return writeJSON(out, v)
			}
			if live {
				printStatus(out, st)
			}
			printSummary(out, snap)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw snapshot")
	return cmd
}

