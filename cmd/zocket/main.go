package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "zocket",
		Short: "Bidirectional RPC and events over a single WebSocket",
		Long: `Zocket is a bidirectional RPC-and-event framework layered over a
single long-lived duplex stream.

A server advertises a router: a nested namespace of named procedures
(client to server, optionally returning a value) and event channels
(server to client). Clients connect, authenticate via the handshake,
then invoke procedures and subscribe to events.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
