package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/sessiond"
	"pkt.systems/sessiond/api"
	"pkt.systems/sessiond/internal/locks"
	"pkt.systems/sessiond/internal/loggingutil"
	"pkt.systems/sessiond/internal/storage"
	"pkt.systems/sessiond/internal/storage/storagecheck"
)

// Lock row states reported by `locks list`.
const (
	lockStateLive    = "live"
	lockStateStale   = "stale"
	lockStateCorrupt = "corrupt"
)

func newLocksCommand(rt *cliRuntime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and repair identity locks directly in the lock store",
		Long: `The locks commands talk to the lock store named by --store, not to a
running server. They work while no sessiond is running, which is when
stale locks usually need attention.`,
	}
	cmd.AddCommand(
		newLocksListCommand(rt),
		newLocksSweepCommand(rt),
		newLocksReleaseCommand(rt),
		newLocksWatchCommand(rt),
		newLocksVerifyCommand(rt),
	)
	return cmd
}

// lockSession is an opened store plus a manager that never owns anything:
// it exists to classify and remove records.
type lockSession struct {
	backend  storage.Backend
	manager  *locks.Manager
	provider string
	host     string
}

func (rt *cliRuntime) openLocks(ctx context.Context) (*lockSession, error) {
	var cfg sessiond.Config
	if err := bindConfig(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.WithSubsystem(rt.logger, "cli.locks")
	backend, err := sessiond.OpenLockStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	mgr := locks.New(backend, locks.Config{
		Timeout: cfg.LockTimeout,
		Host:    cfg.HostTag,
		Logger:  logger,
	})
	host := cfg.HostTag
	if host == "" {
		host = locks.LocalHost()
	}
	provider := cfg.Store
	if u, err := url.Parse(cfg.Store); err == nil {
		provider = u.Scheme
	}
	return &lockSession{backend: backend, manager: mgr, provider: provider, host: host}, nil
}

func (s *lockSession) Close() error {
	return s.backend.Close()
}

type lockRow struct {
	Identity   string    `json:"identity"`
	State      string    `json:"state"`
	PID        int       `json:"pid,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	Host       string    `json:"host,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// rows classifies every record in the store, sorted by identity.
func (s *lockSession) rows(ctx context.Context, includeInactive bool) ([]lockRow, error) {
	ids, err := s.backend.ListLocks(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	rows := make([]lockRow, 0, len(ids))
	for _, id := range ids {
		lock, err := s.backend.LoadLock(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			continue
		case errors.Is(err, storage.ErrCorrupt):
			if includeInactive {
				rows = append(rows, lockRow{Identity: id, State: lockStateCorrupt, Error: err.Error()})
			}
			continue
		case err != nil:
			return nil, fmt.Errorf("load %q: %w", id, err)
		}
		state := lockStateLive
		if s.manager.IsStale(ctx, lock) {
			state = lockStateStale
		}
		if state != lockStateLive && !includeInactive {
			continue
		}
		rows = append(rows, lockRow{
			Identity:   lock.Identity,
			State:      state,
			PID:        lock.PID,
			TaskID:     lock.TaskID,
			Host:       lock.Host,
			Platform:   lock.Platform,
			AcquiredAt: lock.AcquiredAt,
		})
	}
	return rows, nil
}

func writeLockRows(out io.Writer, rows []lockRow) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(out, "no locks")
		return err
	}
	tw := newTable(out)
	fmt.Fprintln(tw, "IDENTITY\tSTATE\tPID\tHOST\tPLATFORM\tACQUIRED")
	for _, r := range rows {
		pid := "-"
		if r.PID > 0 {
			pid = fmt.Sprint(r.PID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Identity, r.State, pid, dash(r.Host), dash(r.Platform), formatAge(r.AcquiredAt))
	}
	return tw.Flush()
}

func newLocksListCommand(rt *cliRuntime) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List identity locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := outputJSON()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			sess, err := rt.openLocks(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()
			rows, err := sess.rows(ctx, all)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			return writeLockRows(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include stale and corrupt records")
	return cmd
}

func newLocksSweepCommand(rt *cliRuntime) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete stale and corrupt lock records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := outputJSON()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			sess, err := rt.openLocks(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()
			removed, err := sess.manager.SweepStale(ctx)
			if err != nil {
				return err
			}
			if removed == nil {
				removed = []string{}
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), api.SweepResponse{Removed: removed})
			}
			out := cmd.OutOrStdout()
			if len(removed) == 0 {
				_, err := fmt.Fprintln(out, "no stale locks")
				return err
			}
			for _, id := range removed {
				fmt.Fprintf(out, "removed %s\n", id)
			}
			return nil
		},
	}
}

func newLocksReleaseCommand(rt *cliRuntime) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "release IDENTITY...",
		Short: "Remove the lock of one or more identities",
		Long: `Remove identity locks. Live locks held by another process are refused
unless --force is given; stale and corrupt records are always removed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			sess, err := rt.openLocks(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()
			out := cmd.OutOrStdout()
			var errs []error
			for _, id := range args {
				msg, err := sess.release(ctx, id, force)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintln(out, msg)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove live locks owned by other processes")
	return cmd
}

func (s *lockSession) release(ctx context.Context, identity string, force bool) (string, error) {
	if err := storage.ValidateIdentity(identity); err != nil {
		return "", err
	}
	lock, err := s.backend.LoadLock(ctx, identity)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Sprintf("%s: no lock", identity), nil
	case errors.Is(err, storage.ErrCorrupt):
	case err != nil:
		return "", fmt.Errorf("%s: %w", identity, err)
	case !force && !s.manager.IsStale(ctx, lock):
		return "", fmt.Errorf("%s: held by pid %d on %s since %s (use --force to remove it)",
			identity, lock.PID, dash(lock.Host), formatAge(lock.AcquiredAt))
	}
	removed, err := s.manager.ForceRelease(ctx, identity)
	if err != nil {
		return "", err
	}
	if !removed {
		return fmt.Sprintf("%s: no lock", identity), nil
	}
	return fmt.Sprintf("%s: released", identity), nil
}

func newLocksWatchCommand(rt *cliRuntime) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the live lock set whenever it changes",
		Long: `Print the live lock set on start and after every change. Stores that
push change events (mem, disk) are followed directly; other stores are
polled every --interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			sess, err := rt.openLocks(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()
			return sess.watch(ctx, cmd.OutOrStdout(), interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval for stores without change events")
	return cmd
}

func (s *lockSession) watch(ctx context.Context, out io.Writer, interval time.Duration) error {
	var events <-chan struct{}
	sub, err := s.manager.SubscribeChanges()
	switch {
	case err == nil:
		defer sub.Close()
		events = sub.Events()
	case errors.Is(err, storage.ErrNotImplemented):
		if interval <= 0 {
			interval = 2 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		poll := make(chan struct{})
		go func() {
			defer close(poll)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case poll <- struct{}{}:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
		events = poll
	default:
		return err
	}

	last, printed := "", false
	report := func() error {
		active, err := s.manager.ListActive(ctx)
		if err != nil {
			return err
		}
		line := strings.Join(active, ", ")
		if printed && line == last {
			return nil
		}
		last, printed = line, true
		if line == "" {
			line = "(none)"
		}
		_, err = fmt.Fprintf(out, "%s %d active: %s\n", time.Now().Format(time.RFC3339), len(active), line)
		return err
	}
	if err := report(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-events:
			if !ok {
				return nil
			}
			if err := report(); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func newLocksVerifyCommand(rt *cliRuntime) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Round-trip a synthetic lock through the store to check access",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := outputJSON()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			sess, err := rt.openLocks(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()
			res := storagecheck.Verify(ctx, sess.provider, sess.backend, sess.host)
			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, verifyReport(res)); err != nil {
					return err
				}
			} else {
				tw := newTable(out)
				for _, c := range res.Checks {
					status, detail := "PASS", ""
					switch {
					case c.Skipped:
						status = "SKIP"
					case c.Err != nil:
						status, detail = "FAIL", c.Err.Error()
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", status, c.Name, c.Elapsed.Round(time.Microsecond), detail)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			if !res.Passed() {
				return fmt.Errorf("%s store verification failed", res.Provider)
			}
			return nil
		},
	}
}

type verifyCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	ElapsedUS int64  `json:"elapsed_us"`
	Error     string `json:"error,omitempty"`
}

type verifyResult struct {
	Provider string        `json:"provider"`
	Identity string        `json:"identity"`
	Passed   bool          `json:"passed"`
	Checks   []verifyCheck `json:"checks"`
}

func verifyReport(res storagecheck.Result) verifyResult {
	out := verifyResult{Provider: res.Provider, Identity: res.Identity, Passed: res.Passed()}
	for _, c := range res.Checks {
		vc := verifyCheck{Name: c.Name, Status: "pass", ElapsedUS: c.Elapsed.Microseconds()}
		switch {
		case c.Skipped:
			vc.Status = "skip"
		case c.Err != nil:
			vc.Status, vc.Error = "fail", c.Err.Error()
		}
		out.Checks = append(out.Checks, vc)
	}
	return out
}
