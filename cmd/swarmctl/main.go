// Command swarmctl runs the swarm topology controller and talks to a
// running one.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli holds the state shared by the operator subcommands.
type cli struct {
	addr     string
	intentID string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "swarmctl",
		Short:         "Swarm topology controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.addr, "addr", envOr("SWARM_ADDR", "localhost:50051"), "Operator gRPC address of a running controller")
	root.PersistentFlags().StringVar(&c.intentID, "intent-id", "", "Intent id to attach to the request (generated when empty)")

	root.AddCommand(newServeCmd())
	c.addOperatorCommands(root)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
