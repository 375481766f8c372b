package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Rusteze-AP/simulation-controller/internal/nbi"
	"github.com/Rusteze-AP/simulation-controller/model"
)

func (c *cli) addOperatorCommands(root *cobra.Command) {
	root.AddCommand(&cobra.Command{
		Use:   "crash [node-id]",
		Short: "Crash a node and detach it from its neighbors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNode(args[0])
			if err != nil {
				return err
			}
			return c.intent(cmd, func(ctx context.Context, cl *nbi.Client) (nbi.IntentReply, error) {
				return cl.CrashNode(ctx, id)
			})
		},
	})

	addEdge := &cobra.Command{
		Use:   "add-edge [a] [b]",
		Short: "Connect two nodes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, b, err := parsePair(args)
			if err != nil {
				return err
			}
			across, _ := cmd.Flags().GetBool("across-kinds")
			return c.intent(cmd, func(ctx context.Context, cl *nbi.Client) (nbi.IntentReply, error) {
				if across {
					return cl.AddEdgeAcrossKinds(ctx, a, b)
				}
				return cl.AddEdge(ctx, a, b)
			})
		},
	}
	addEdge.Flags().Bool("across-kinds", false, "Connect a drone to a client or server")
	root.AddCommand(addEdge)

	removeEdge := &cobra.Command{
		Use:   "remove-edge [a] [b]",
		Short: "Disconnect two nodes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, b, err := parsePair(args)
			if err != nil {
				return err
			}
			across, _ := cmd.Flags().GetBool("across-kinds")
			return c.intent(cmd, func(ctx context.Context, cl *nbi.Client) (nbi.IntentReply, error) {
				if across {
					return cl.RemoveEdgeAcrossKinds(ctx, a, b)
				}
				return cl.RemoveEdge(ctx, a, b)
			})
		},
	}
	removeEdge.Flags().Bool("across-kinds", false, "Disconnect a drone from a client or server")
	root.AddCommand(removeEdge)

	root.AddCommand(&cobra.Command{
		Use:   "set-drop-rate [drone-id] [rate]",
		Short: "Change the packet drop probability of a drone",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseNode(args[0])
			if err != nil {
				return err
			}
			rate, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid rate %q: %w", args[1], err)
			}
			return c.intent(cmd, func(ctx context.Context, cl *nbi.Client) (nbi.IntentReply, error) {
				return cl.SetDropRate(ctx, id, rate)
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "swap [config-path]",
		Short: "Replace the running topology with one loaded from a file on the controller host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.intent(cmd, func(ctx context.Context, cl *nbi.Client) (nbi.IntentReply, error) {
				return cl.SwapTopology(ctx, args[0])
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "shutdown",
		Short: "Quiesce every node and stop the controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.intent(cmd, func(ctx context.Context, cl *nbi.Client) (nbi.IntentReply, error) {
				return cl.Shutdown(ctx)
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "topology",
		Short: "Print the live topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := nbi.Dial(c.addr)
			if err != nil {
				return err
			}
			defer cl.Close()
			snap, err := cl.GetTopology(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Stream observer updates as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := nbi.Dial(c.addr)
			if err != nil {
				return err
			}
			defer cl.Close()
			enc := json.NewEncoder(cmd.OutOrStdout())
			return cl.WatchEvents(cmd.Context(), func(u map[string]any) error {
				return enc.Encode(u)
			})
		},
	})
}

// intent dials the controller, tags the call with an intent id and prints
// the reply.
func (c *cli) intent(cmd *cobra.Command, call func(context.Context, *nbi.Client) (nbi.IntentReply, error)) error {
	cl, err := nbi.Dial(c.addr)
	if err != nil {
		return err
	}
	defer cl.Close()

	id := c.intentID
	if id == "" {
		id = uuid.NewString()
	}
	reply, err := call(nbi.WithIntentID(cmd.Context(), id), cl)
	if err != nil {
		return fmt.Errorf("intent %s: %w", id, err)
	}
	return printJSON(cmd.OutOrStdout(), reply)
}

func parseNode(s string) (model.NodeID, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: ids lie in [0,255]", s)
	}
	return model.NodeID(v), nil
}

func parsePair(args []string) (model.NodeID, model.NodeID, error) {
	a, err := parseNode(args[0])
	if err != nil {
		return 0, 0, err
	}
	b, err := parseNode(args[1])
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
