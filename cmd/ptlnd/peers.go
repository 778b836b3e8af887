package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"ptlnd/internal/config"
	"ptlnd/internal/peer"
)

func openBook(cfg *config.Config) (*peer.Store, error) {
	if err := os.MkdirAll(cfg.Home, 0700); err != nil {
		return nil, err
	}
	book, err := peer.NewStore(cfg.PeerBookPath(), peer.Options{})
	if err != nil {
		return nil, fmt.Errorf("peer book: %w", err)
	}
	return book, nil
}

func parseNID(s string) (uint64, error) {
	nid, err := strconv.ParseUint(s, 0, 64)
	if err != nil || nid == 0 {
		return 0, fmt.Errorf("bad node id %q", s)
	}
	return nid, nil
}

func newPeerCmd(opts *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Manage the persistent peer address book",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <nid> <host:port>",
			Short: "Record the QUIC address of a node",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				nid, err := parseNID(args[0])
				if err != nil {
					return err
				}
				book, err := openBook(opts.cfg)
				if err != nil {
					return err
				}
				if err := book.Upsert(peer.Peer{NID: nid, Addr: args[1]}, true); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%#x %s\n", nid, args[1])
				return nil
			},
		},
		&cobra.Command{
			Use:   "rm <nid>",
			Short: "Forget a node",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				nid, err := parseNID(args[0])
				if err != nil {
					return err
				}
				book, err := openBook(opts.cfg)
				if err != nil {
					return err
				}
				ok, err := book.Remove(nid, true)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no peer %#x", nid)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List known nodes, including those from the config file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				book, err := openBook(opts.cfg)
				if err != nil {
					return err
				}
				for nid, addr := range opts.cfg.Peers {
					_ = book.Upsert(peer.Peer{NID: nid, Addr: addr}, false)
				}
				for _, p := range book.List() {
					fmt.Fprintf(cmd.OutOrStdout(), "%#x %s\n", p.NID, p.Addr)
				}
				return nil
			},
		},
	)
	return cmd
}
