package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/0x6d61/defectscan/internal/report"
	"github.com/0x6d61/defectscan/internal/session"
)

func newSessionsCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage stored sessions",
	}
	cmd.AddCommand(
		newSessionsListCmd(g),
		newSessionsShowCmd(g),
		newSessionsCancelCmd(g),
		newSessionsDeleteCmd(g),
		newSessionsCleanupCmd(g),
	)
	return cmd
}

// withApp opens the store for the duration of fn.
func withApp(cmd *cobra.Command, g *globalOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, g.cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	return fn(ctx, a)
}

func newSessionsListCmd(g *globalOptions) *cobra.Command {
	var incomplete bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				list := a.manager.List
				if incomplete {
					list = a.manager.ListIncomplete
				}
				sums, err := list(ctx)
				if err != nil {
					return err
				}
				printSummaries(cmd.OutOrStdout(), sums)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&incomplete, "incomplete", false, "Only list resumable sessions")
	return cmd
}

func printSummaries(out io.Writer, sums []session.Summary) {
	if len(sums) == 0 {
		fmt.Fprintln(out, color.New(color.FgHiBlack).Sprint("No sessions"))
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tDEFECTS\tFAILED\tUPDATED\tROOT")
	for _, s := range sums {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d (%.0f%%)\t%d\t%d\t%s\t%s\n",
			s.ID, s.Status, s.ProcessedFiles, s.TotalFiles, s.Percentage,
			s.TotalDefectsFound, s.FailedFiles,
			s.LastUpdateTime.Local().Format(time.DateTime), s.RootPath)
	}
	tw.Flush()
}

func newSessionsShowCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session's progress and findings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				s, err := a.manager.Load(ctx, args[0])
				if err != nil {
					return fmt.Errorf("load session %s: %w", args[0], err)
				}
				r := &report.TextReporter{Verbose: 1}
				return r.Generate(ctx, s, cmd.OutOrStdout())
			})
		},
	}
}

func newSessionsCancelCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a paused or interrupted session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				orch, err := a.orchestrator(ctx, "rules")
				if err != nil {
					return err
				}
				defer orch.Close()
				res, err := orch.CancelSession(ctx, args[0])
				if err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("cancel session %s: %w", args[0], res.Err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Session %s %s\n", res.SessionID, statusColor(res.Status)(string(res.Status)))
				return nil
			})
		},
	}
}

func newSessionsDeleteCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a finished or interrupted session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				if err := a.manager.Delete(ctx, args[0]); err != nil {
					return fmt.Errorf("delete session %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Session %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func newSessionsCleanupCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Interrupt stale sessions and delete expired ones",
		Long: `Cleanup marks sessions without activity for longer than session.stale_after
as INTERRUPTED, deletes finished sessions older than session.retention and
then evicts the oldest finished sessions above session.max_sessions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				orch, err := a.orchestrator(ctx, "rules")
				if err != nil {
					return err
				}
				defer orch.Close()
				res, err := orch.CleanupOldSessions(ctx)
				if err != nil {
					return err
				}
				if !res.Success {
					return res.Err
				}
				rep := res.Report
				fmt.Fprintf(cmd.OutOrStdout(), "Interrupted %d stale, deleted %d expired and %d over the limit\n",
					rep.ByStale, rep.ByRetention, rep.ByMaxCount)
				return nil
			})
		},
	}
}

func newReportCmd(g *globalOptions) *cobra.Command {
	o := &outputOptions{}
	cmd := &cobra.Command{
		Use:   "report <session-id>",
		Short: "Render a stored session as text or JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				s, err := a.manager.Load(ctx, args[0])
				if err != nil {
					return fmt.Errorf("load session %s: %w", args[0], err)
				}
				return writeReport(ctx, cmd.OutOrStdout(), s, *o)
			})
		},
	}
	o.register(cmd)
	return cmd
}
