package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cuemby/rgmanager/pkg/api"
	"github.com/cuemby/rgmanager/pkg/client"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show membership and the state of every group",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			m, err := c.GetMembership(ctx)
			if err != nil {
				return err
			}
			list, err := c.ListGroups(ctx)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), m, list, time.Now())
			return nil
		})
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable GROUP",
	Short: "Start a group, optionally on a given node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _ := cmd.Flags().GetString("node")
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.EnableGroup(ctx, args[0], types.NodeID(node)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Group %s enabled\n", args[0])
			return nil
		})
	},
}

var disableCmd = groupCommand("disable", "Stop a group and keep it stopped", "disabled",
	func(ctx context.Context, c *client.Client, group string) error { return c.DisableGroup(ctx, group) })

var freezeCmd = groupCommand("freeze", "Suspend all transitions of a group", "frozen",
	func(ctx context.Context, c *client.Client, group string) error { return c.FreezeGroup(ctx, group) })

var unfreezeCmd = groupCommand("unfreeze", "Resume transitions of a frozen group", "unfrozen",
	func(ctx context.Context, c *client.Client, group string) error { return c.UnfreezeGroup(ctx, group) })

var relocateCmd = &cobra.Command{
	Use:   "relocate GROUP NODE",
	Short: "Move a group to a member node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.RelocateGroup(ctx, args[0], types.NodeID(args[1])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Group %s relocating to %s\n", args[0], args[1])
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history GROUP",
	Short: "Show the recorded state transitions of a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			recs, err := c.GetHistory(ctx, args[0], limit)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), recs)
			return nil
		})
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stream, err := c.WatchEvents(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for ev := range stream {
			line := fmt.Sprintf("%s  %-20s %-10s %s", ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Group, ev.Message)
			if ev.Node != "" {
				line += "  node=" + string(ev.Node)
			}
			fmt.Fprintln(out, strings.TrimRight(line, " "))
		}
		return nil
	},
}

func init() {
	enableCmd.Flags().String("node", "", "Start the group on this member node")
	historyCmd.Flags().Int("limit", 20, "Number of transitions to show (0 for all)")

	rootCmd.AddCommand(statusCmd, enableCmd, disableCmd, freezeCmd, unfreezeCmd, relocateCmd, historyCmd, eventsCmd)
}

func groupCommand(use, short, done string, call func(context.Context, *client.Client, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " GROUP",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := call(ctx, c, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Group %s %s\n", args[0], done)
				return nil
			})
		},
	}
}

func dial(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	tlsDir, _ := cmd.Flags().GetString("tls-dir")

	c, err := client.NewClient(addr, tlsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return c, nil
}

func withClient(cmd *cobra.Command, fn func(context.Context, *client.Client) error) error {
	c, err := dial(cmd)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(cmd.Context(), c)
}

var stateColors = map[types.GroupState]func(a ...interface{}) string{
	types.GroupStateStarted:    color.New(color.FgGreen).SprintFunc(),
	types.GroupStateStarting:   color.New(color.FgCyan).SprintFunc(),
	types.GroupStateStopping:   color.New(color.FgCyan).SprintFunc(),
	types.GroupStateRecovering: color.New(color.FgYellow).SprintFunc(),
	types.GroupStateFailed:     color.New(color.FgRed).SprintFunc(),
	types.GroupStateStopped:    color.New(color.FgWhite).SprintFunc(),
}

func colorState(state types.GroupState) string {
	if fn, ok := stateColors[state]; ok {
		return fn(string(state))
	}
	return string(state)
}

// printStatus renders a clustat-style overview
func printStatus(w io.Writer, m api.Membership, list api.GroupList, now time.Time) {
	quorum := "Quorate"
	if !m.Quorate {
		quorum = color.New(color.FgRed).Sprint("Inquorate")
	}
	fmt.Fprintf(w, "Member Status: %s (generation %d, %d members)\n\n", quorum, m.Generation, m.MemberCount)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MEMBER\tSTATUS")
	for _, id := range m.Members {
		var flags []string
		flags = append(flags, "Online")
		if id == m.NodeID {
			flags = append(flags, "Local")
		}
		if id == m.Leader {
			flags = append(flags, "Leader")
		}
		fmt.Fprintf(tw, "%s\t%s\n", id, strings.Join(flags, ", "))
	}
	_ = tw.Flush()
	fmt.Fprintln(w)

	groups := append([]types.GroupStatus(nil), list.Groups...)
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })

	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tOWNER\tSTATE\tFLAGS\tUPDATED")
	for _, g := range groups {
		owner := string(g.Owner)
		if owner == "" {
			owner = "(none)"
		}
		updated := "-"
		if !g.UpdatedAt.IsZero() {
			updated = humanize.RelTime(g.UpdatedAt, now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", g.ID, owner, colorState(g.State), groupFlags(g), updated)
	}
	_ = tw.Flush()

	for _, e := range list.ConfigErrors {
		fmt.Fprintf(w, "\nconfig: %s", e)
	}
	if len(list.ConfigErrors) > 0 {
		fmt.Fprintln(w)
	}
}

func groupFlags(g types.GroupStatus) string {
	var flags []string
	if !g.Enabled {
		flags = append(flags, "disabled")
	}
	if g.Frozen {
		flags = append(flags, "frozen")
	}
	if g.Excluded {
		flags = append(flags, "excluded")
	}
	if g.Restarts > 0 {
		flags = append(flags, fmt.Sprintf("restarts=%d", g.Restarts))
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

func printHistory(w io.Writer, recs []types.TransitionRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tFROM\tTO\tOWNER\tEPOCH\tREASON")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.At.Format(time.RFC3339), r.From, r.To, r.Owner, r.Epoch, r.Reason)
	}
	_ = tw.Flush()
}
