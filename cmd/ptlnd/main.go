package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"ptlnd/internal/config"
	"ptlnd/internal/network"
)

const version = "0.4.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

type rootOpts struct {
	cfgFile string
	debug   bool
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOpts{}
	root := &cobra.Command{
		Use:   "ptlnd",
		Short: "Credit flow controlled message transport over QUIC",
		Long: `ptlnd moves small messages inline and large payloads by one-sided
bulk transfer between nodes, with per-peer credit flow control.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.debug {
				_ = os.Setenv("PTLND_DEBUG", "1")
			}
			path := opts.cfgFile
			if path == "" {
				path = config.DefaultPath()
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default is ~/.ptlnd/config.yaml)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	root.AddCommand(
		newRunCmd(opts),
		newSendCmd(opts),
		newStatusCmd(opts),
		newPeerCmd(opts),
		newDevCACmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the ptlnd version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "ptlnd version %s (wire version %d)\n", version, protoVersion())
			return nil
		},
	}
}

func newDevCACmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devca <path>",
		Short: "Write the development TLS certificate for other hosts to trust",
		Args:  cobra.ExactArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := network.WriteDevCA(args[0]); err != nil {
				return fmt.Errorf("write %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s; point PTLND_DEVTLS_CA_PATH at it\n", args[0])
			return nil
		},
	}
}
