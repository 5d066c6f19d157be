package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"pkt.systems/sessiond/api"
	"pkt.systems/sessiond/client"
)

func newWorkersCommand(rt *cliRuntime) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workers",
		Aliases: []string{"worker"},
		Short:   "Control workers on a running sessiond server (--server)",
	}
	cmd.AddCommand(
		newWorkersListCommand(rt),
		newWorkersStatusCommand(rt),
		newWorkersStartCommand(rt),
		newWorkersStopCommand(rt),
		newWorkersStatsCommand(rt),
		newWorkersSessionsCommand(rt),
	)
	return cmd
}

func writeWorkerTable(out io.Writer, workers []api.WorkerStatus) error {
	if len(workers) == 0 {
		_, err := fmt.Fprintln(out, "no workers configured")
		return err
	}
	tw := newTable(out)
	fmt.Fprintln(tw, "WORKER\tIDENTITY\tSTATE\tLOCK\tCYCLES\tSTARTED\tERROR")
	for _, w := range workers {
		lock := "-"
		if w.LockHeld {
			lock = "held"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", w.WorkerID, w.Identity, w.State, lock, w.Cycles, formatTimePtr(w.StartedAt), dash(w.Error))
	}
	return tw.Flush()
}

func newWorkersListCommand(rt *cliRuntime) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured workers and their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := outputJSON()
			if err != nil {
				return err
			}
			cli, err := rt.apiClient()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			workers, err := cli.Workers(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), api.WorkerListResponse{Workers: workers})
			}
			return writeWorkerTable(cmd.OutOrStdout(), workers)
		},
	}
}

func newWorkersStatusCommand(rt *cliRuntime) *cobra.Command {
	return &cobra.Command{
		Use:   "status WORKER",
		Short: "Show one worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := outputJSON()
			if err != nil {
				return err
			}
			cli, err := rt.apiClient()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			status, err := cli.Worker(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), status)
			}
			return writeWorkerTable(cmd.OutOrStdout(), []api.WorkerStatus{status})
		},
	}
}

func newWorkersStartCommand(rt *cliRuntime) *cobra.Command {
	return &cobra.Command{
		Use:   "start WORKER",
		Short: "Start a worker (fails when its identity is locked elsewhere)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := rt.apiClient()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			ctx, _ := commandContextWithCorrelation(cmd)
			resp, err := cli.StartWorker(ctx, args[0])
			if err != nil {
				if client.IsSessionConflict(err) {
					return fmt.Errorf("worker %s: identity is in use by another process: %w", args[0], err)
				}
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %s\n", resp.WorkerID, resp.Identity, resp.Status)
			return err
		},
	}
}

func newWorkersStopCommand(rt *cliRuntime) *cobra.Command {
	return &cobra.Command{
		Use:   "stop WORKER",
		Short: "Stop a worker and release its identity lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := rt.apiClient()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			ctx, _ := commandContextWithCorrelation(cmd)
			resp, err := cli.StopWorker(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %s\n", resp.WorkerID, resp.Identity, resp.Status)
			return err
		},
	}
}

func newWorkersStatsCommand(rt *cliRuntime) *cobra.Command {
	return &cobra.Command{
		Use:   "stats WORKER",
		Short: "Show action totals and the remaining hourly budget of a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := outputJSON()
			if err != nil {
				return err
			}
			cli, err := rt.apiClient()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			stats, err := cli.WorkerStats(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			return writeStatsTable(cmd.OutOrStdout(), stats)
		},
	}
}

func writeStatsTable(out io.Writer, stats api.WorkerStatsResponse) error {
	kinds := make(map[string]struct{})
	for k := range stats.Totals {
		kinds[k] = struct{}{}
	}
	for k := range stats.Limits {
		kinds[k] = struct{}{}
	}
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	tw := newTable(out)
	fmt.Fprintln(tw, "KIND\tTOTAL\tSUCCESS\tERROR\tLAST HOUR\tLIMIT\tREMAINING")
	for _, k := range names {
		t := stats.Totals[k]
		limit, remaining := "-", "-"
		if l, ok := stats.Limits[k]; ok {
			limit = fmt.Sprint(l)
			remaining = fmt.Sprint(stats.Remaining[k])
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n", k, t.Total, t.Success, t.Error, stats.Hourly[k], limit, remaining)
	}
	return tw.Flush()
}

func newWorkersSessionsCommand(rt *cliRuntime) *cobra.Command {
	var sweep bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List identities with a live lock as seen by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := outputJSON()
			if err != nil {
				return err
			}
			cli, err := rt.apiClient()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			out := cmd.OutOrStdout()
			if sweep {
				removed, err := cli.SweepSessions(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, api.SweepResponse{Removed: removed})
				}
				for _, id := range removed {
					fmt.Fprintf(out, "removed %s\n", id)
				}
			}
			sessions, err := cli.Sessions(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, sessions)
			}
			if len(sessions.Locks) == 0 {
				_, err := fmt.Fprintln(out, "no active sessions")
				return err
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "IDENTITY\tPID\tHOST\tOWNED\tACQUIRED")
			for _, l := range sessions.Locks {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%t\t%s\n", l.Identity, l.PID, dash(l.Host), l.Owned, formatAge(l.AcquiredAt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&sweep, "sweep", false, "ask the server to sweep stale locks first")
	return cmd
}
