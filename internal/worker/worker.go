// Package worker drives one identity through repeated interaction cycles:
// collect candidate users from target accounts, filter them, then like,
// follow and message each one within the hourly budgets.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sessiond/internal/actionlog"
	"pkt.systems/sessiond/internal/clock"
	"pkt.systems/sessiond/internal/loggingutil"
	"pkt.systems/sessiond/internal/pacing"
	"pkt.systems/sessiond/internal/ratelimit"
	"pkt.systems/sessiond/internal/remote"
	"pkt.systems/sessiond/internal/retry"
	"pkt.systems/sessiond/internal/workerconfig"
)

const (
	// MaxLoginAttempts is the number of consecutive failed logins after
	// which the worker gives up.
	MaxLoginAttempts = 3
	// UsersPerTarget caps the candidates collected from one target.
	UsersPerTarget = 15
	// LikersPerPost caps the likers taken from one post.
	LikersPerPost = 15
)

// Pauses are the long waits between units of work.
type Pauses struct {
	BetweenTargets  pacing.Range
	AfterFirstCycle pacing.Range
	AfterCycle      pacing.Range
	CycleError      pacing.Range
	UserError       pacing.Range
	TargetError     pacing.Range
	LoginRetry      pacing.Range
}

// DefaultPauses returns the production pause schedule.
func DefaultPauses() Pauses {
	return Pauses{
		BetweenTargets:  pacing.Range{Min: 45 * time.Minute, Max: 90 * time.Minute},
		AfterFirstCycle: pacing.Range{Min: 60 * time.Minute, Max: 120 * time.Minute},
		AfterCycle:      pacing.Range{Min: 6 * time.Hour, Max: 12 * time.Hour},
		CycleError:      pacing.Range{Min: 30 * time.Minute, Max: 60 * time.Minute},
		UserError:       pacing.Range{Min: 120 * time.Second, Max: 240 * time.Second},
		TargetError:     pacing.Range{Min: 10 * time.Minute, Max: 20 * time.Minute},
		LoginRetry:      pacing.Range{Min: time.Minute, Max: 2 * time.Minute},
	}
}

// Deps are the collaborators a worker needs.
type Deps struct {
	Client   remote.Client
	Log      actionlog.Log
	Governor *ratelimit.Governor
	Policy   *retry.Policy
	// Sessions is optional; without it every start performs a fresh login.
	Sessions *remote.SessionStore
	Clock    clock.Clock
	Jitter   *pacing.Jitter
	Logger   pslog.Logger
	// Pauses overrides DefaultPauses when non-nil.
	Pauses *Pauses
}

// Worker runs the interaction loop for one configured identity.
type Worker struct {
	cfg      workerconfig.Worker
	filters  workerconfig.Filters
	client   remote.Client
	log      actionlog.Log
	governor *ratelimit.Governor
	policy   *retry.Policy
	sessions *remote.SessionStore
	clock    clock.Clock
	jitter   *pacing.Jitter
	logger   pslog.Logger
	pauses   Pauses

	cycles        atomic.Int64
	loginAttempts int

	mu      sync.Mutex
	lastErr error
}

// New validates deps and returns a Worker for cfg.
func New(cfg workerconfig.Worker, deps Deps) (*Worker, error) {
	if deps.Client == nil {
		return nil, errors.New("worker: remote client required")
	}
	if deps.Log == nil {
		return nil, errors.New("worker: action log required")
	}
	clk := clock.Or(deps.Clock)
	if deps.Governor == nil {
		deps.Governor = ratelimit.New(deps.Log, cfg.Limits, ratelimit.WithClock(clk), ratelimit.WithLogger(deps.Logger))
	}
	if deps.Policy == nil {
		deps.Policy = retry.New(retry.Config{Clock: clk, Jitter: deps.Jitter, Logger: deps.Logger})
	}
	pauses := DefaultPauses()
	if deps.Pauses != nil {
		pauses = *deps.Pauses
	}
	logger := loggingutil.WithSubsystem(loggingutil.EnsureLogger(deps.Logger), "worker.loop").
		With("worker_id", cfg.ID, "identity", cfg.Identity)
	return &Worker{
		cfg:      cfg,
		filters:  cfg.EffectiveFilters(),
		client:   deps.Client,
		log:      deps.Log,
		governor: deps.Governor,
		policy:   deps.Policy,
		sessions: deps.Sessions,
		clock:    clk,
		jitter:   deps.Jitter.Or(),
		logger:   logger,
		pauses:   pauses,
	}, nil
}

// Cycles returns the number of completed cycles.
func (w *Worker) Cycles() int { return int(w.cycles.Load()) }

// LastError returns the most recent cycle-level error.
func (w *Worker) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

func (w *Worker) setLastError(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

// Run logs in and loops over cycles until flag is stopped, ctx ends,
// max_cycles is reached or a fatal error occurs. A stop is a clean exit.
func (w *Worker) Run(ctx context.Context, flag *pacing.Flag) error {
	if flag == nil {
		flag = pacing.NewFlag()
	}
	ctx = pslog.ContextWithLogger(ctx, w.logger)
	w.logger.Info("worker.run.start", "targets", len(w.cfg.Targets), "max_cycles", w.cfg.MaxCycles)
	err := w.run(ctx, flag)
	switch {
	case err == nil, errors.Is(err, pacing.ErrStopped):
		w.logger.Info("worker.run.stopped", "cycles", w.Cycles())
		return nil
	default:
		w.setLastError(err)
		w.logger.Error("worker.run.failed", "cycles", w.Cycles(), "error", err)
		return err
	}
}

func (w *Worker) run(ctx context.Context, flag *pacing.Flag) error {
	if err := w.login(ctx, flag); err != nil {
		return err
	}
	for cycle := 0; w.cfg.MaxCycles == 0 || cycle < w.cfg.MaxCycles; cycle++ {
		if !flag.Running() {
			return pacing.ErrStopped
		}
		err := w.runCycle(ctx, flag)
		w.cycles.Add(1)
		last := w.cfg.MaxCycles > 0 && cycle+1 >= w.cfg.MaxCycles
		switch {
		case err == nil:
			w.logger.Info("worker.cycle.done", "cycle", cycle+1)
		case errors.Is(err, pacing.ErrStopped):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		case retry.IsFatal(err):
			return err
		default:
			w.setLastError(err)
			w.logger.Warn("worker.cycle.failed", "cycle", cycle+1, "error", err)
			w.record(ctx, actionlog.KindError, "", err)
			if last {
				return nil
			}
			if err := w.pause(ctx, flag, w.pauses.CycleError, "cycle_error"); err != nil {
				return err
			}
			continue
		}
		if last {
			return nil
		}
		next := w.pauses.AfterCycle
		if cycle == 0 {
			next = w.pauses.AfterFirstCycle
		}
		if err := w.pause(ctx, flag, next, "between_cycles"); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) pause(ctx context.Context, flag *pacing.Flag, r pacing.Range, reason string) error {
	d := w.jitter.Pick(r)
	w.logger.Debug("worker.pause", "reason", reason, "duration", d)
	return pacing.Wait(ctx, w.clock, flag, d)
}

func (w *Worker) login(ctx context.Context, flag *pacing.Flag) error {
	for {
		var session []byte
		if w.sessions != nil && w.loginAttempts == 0 {
			blob, ok, err := w.sessions.Load(w.cfg.Identity)
			if err != nil {
				w.logger.Warn("worker.session.load_failed", "error", err)
			} else if ok {
				session = blob
			}
		}
		blob, err := retry.Do(ctx, w.policy, flag, retry.OpLogin, func(ctx context.Context) ([]byte, error) {
			return w.client.Login(ctx, remote.Credentials{Username: w.cfg.Identity, Password: w.cfg.Password, Session: session})
		})
		if err == nil {
			w.loginAttempts = 0
			if w.sessions != nil && len(blob) > 0 {
				if err := w.sessions.Save(w.cfg.Identity, blob); err != nil {
					w.logger.Warn("worker.session.save_failed", "error", err)
				}
			}
			w.logger.Info("worker.login.ok", "session_reused", session != nil)
			return nil
		}
		if errors.Is(err, pacing.ErrStopped) || ctx.Err() != nil {
			return err
		}
		if w.sessions != nil {
			if derr := w.sessions.Delete(w.cfg.Identity); derr != nil {
				w.logger.Warn("worker.session.delete_failed", "error", derr)
			}
		}
		if retry.IsFatal(err) {
			w.logger.Error("worker.login.rejected", "error", err)
			return err
		}
		w.loginAttempts++
		w.logger.Warn("worker.login.failed", "attempt", w.loginAttempts, "error", err)
		if w.loginAttempts >= MaxLoginAttempts {
			return &retry.Error{
				Op:       retry.OpLogin,
				Class:    retry.ClassFatal,
				Attempts: w.loginAttempts,
				Err:      fmt.Errorf("login attempts exhausted: %w", err),
			}
		}
		if err := w.pause(ctx, flag, w.pauses.LoginRetry, "login_retry"); err != nil {
			return err
		}
	}
}

// escalates reports whether err must leave the current unit of work
// instead of being absorbed by a local pause.
func escalates(ctx context.Context, err error) bool {
	if errors.Is(err, pacing.ErrStopped) || ctx.Err() != nil {
		return true
	}
	switch retry.Classify(err) {
	case retry.ClassFatal, retry.ClassRateLimited:
		return true
	}
	return false
}

func (w *Worker) runCycle(ctx context.Context, flag *pacing.Flag) error {
	failed := 0
	var lastErr error
	for i, target := range w.cfg.Targets {
		if !flag.Running() {
			return pacing.ErrStopped
		}
		err := w.processTarget(ctx, flag, target)
		if err != nil {
			if escalates(ctx, err) {
				return err
			}
			failed++
			lastErr = err
			w.logger.Warn("worker.target.failed", "target", target, "error", err)
			w.record(ctx, actionlog.KindError, target, err)
			if perr := w.pause(ctx, flag, w.pauses.TargetError, "target_error"); perr != nil {
				return perr
			}
			continue
		}
		if i < len(w.cfg.Targets)-1 {
			if err := w.pause(ctx, flag, w.pauses.BetweenTargets, "between_targets"); err != nil {
				return err
			}
		}
	}
	if failed == len(w.cfg.Targets) && lastErr != nil {
		return fmt.Errorf("worker: all %d targets failed: %w", failed, lastErr)
	}
	return nil
}

func (w *Worker) processTarget(ctx context.Context, flag *pacing.Flag, target string) error {
	profile, err := retry.Do(ctx, w.policy, flag, retry.OpFetchProfile, func(ctx context.Context) (remote.Profile, error) {
		return w.client.FetchProfile(ctx, target)
	})
	if err != nil {
		return fmt.Errorf("worker: fetch target %s: %w", target, err)
	}
	users, err := w.collectUsers(ctx, flag, profile)
	if err != nil {
		return err
	}
	w.logger.Info("worker.target.collected", "target", target, "users", len(users))

	for _, u := range users {
		if !flag.Running() {
			return pacing.ErrStopped
		}
		exhausted, err := w.budgetExhausted(ctx)
		if err != nil {
			return err
		}
		if exhausted {
			w.logger.Info("worker.target.budget_exhausted", "target", target)
			return nil
		}
		done, err := w.log.IsProcessed(ctx, w.cfg.ID, u.ID)
		if err != nil {
			return fmt.Errorf("worker: processed lookup: %w", err)
		}
		if done {
			continue
		}
		acted, err := w.processUser(ctx, flag, u)
		if err != nil {
			if escalates(ctx, err) {
				return err
			}
			w.logger.Warn("worker.user.failed", "user_id", u.ID, "username", u.Username, "error", err)
			w.record(ctx, actionlog.KindError, u.ID, err)
			if perr := w.pause(ctx, flag, w.pauses.UserError, "user_error"); perr != nil {
				return perr
			}
			continue
		}
		if acted {
			if err := w.pause(ctx, flag, w.cfg.Delay(), "between_users"); err != nil {
				return err
			}
		}
	}
	return nil
}

// collectUsers gathers up to UsersPerTarget distinct candidates from the
// likers and commenters of the target's recent posts.
func (w *Worker) collectUsers(ctx context.Context, flag *pacing.Flag, target remote.Profile) ([]remote.User, error) {
	posts, err := retry.Do(ctx, w.policy, flag, retry.OpFetchRecentPosts, func(ctx context.Context) ([]remote.Post, error) {
		return w.client.FetchRecentPosts(ctx, target.UserID, w.cfg.PostsToAnalyze)
	})
	if err != nil {
		return nil, fmt.Errorf("worker: fetch posts of %s: %w", target.Username, err)
	}
	seen := map[string]struct{}{target.UserID: {}}
	var users []remote.User
	add := func(u remote.User) bool {
		if u.ID == "" || u.Username == w.cfg.Identity {
			return len(users) < UsersPerTarget
		}
		if _, dup := seen[u.ID]; dup {
			return len(users) < UsersPerTarget
		}
		seen[u.ID] = struct{}{}
		users = append(users, u)
		return len(users) < UsersPerTarget
	}
	for _, post := range posts {
		if len(users) >= UsersPerTarget {
			break
		}
		if w.cfg.WantsLikers() {
			likers, err := retry.Do(ctx, w.policy, flag, retry.OpFetchLikers, func(ctx context.Context) ([]remote.User, error) {
				return w.client.FetchLikers(ctx, post.ID)
			})
			if err != nil {
				if escalates(ctx, err) {
					return nil, err
				}
				w.logger.Warn("worker.collect.likers_failed", "post_id", post.ID, "error", err)
			}
			if len(likers) > LikersPerPost {
				likers = likers[:LikersPerPost]
			}
			for _, u := range likers {
				if !add(u) {
					break
				}
			}
		}
		if w.cfg.WantsCommenters() && len(users) < UsersPerTarget {
			comments, err := retry.Do(ctx, w.policy, flag, retry.OpFetchComments, func(ctx context.Context) ([]remote.Comment, error) {
				return w.client.FetchComments(ctx, post.ID, UsersPerTarget)
			})
			if err != nil {
				if escalates(ctx, err) {
					return nil, err
				}
				w.logger.Warn("worker.collect.comments_failed", "post_id", post.ID, "error", err)
			}
			for _, c := range comments {
				if !add(c.User) {
					break
				}
			}
		}
	}
	return users, nil
}

func (w *Worker) budgetExhausted(ctx context.Context) (bool, error) {
	for _, kind := range []actionlog.Kind{actionlog.KindLike, actionlog.KindFollow, actionlog.KindMessage} {
		left, err := w.governor.Remaining(ctx, w.cfg.ID, kind)
		if err != nil {
			return false, err
		}
		if left > 0 {
			return false, nil
		}
	}
	return true, nil
}

// processUser applies the filters and then the like, follow, message
// chain. Each step runs only when the one before it succeeded. acted
// reports whether any remote action was performed.
func (w *Worker) processUser(ctx context.Context, flag *pacing.Flag, u remote.User) (acted bool, err error) {
	profile, err := retry.Do(ctx, w.policy, flag, retry.OpFetchProfile, func(ctx context.Context) (remote.Profile, error) {
		return w.client.FetchProfile(ctx, u.Username)
	})
	if err != nil {
		return false, fmt.Errorf("worker: fetch profile %s: %w", u.Username, err)
	}
	if profile.UserID == "" {
		profile.UserID = u.ID
	}
	if ok, reason := w.filters.Match(profile); !ok {
		w.logger.Debug("worker.user.filtered", "username", u.Username, "rule", reason)
		return false, w.markProcessed(ctx, profile, false, false, false)
	}

	liked, proceed, err := w.likePosts(ctx, flag, profile)
	if err != nil || !proceed {
		if liked {
			return true, errors.Join(err, w.markProcessed(ctx, profile, liked, false, false))
		}
		return false, err
	}

	followed, err := w.act(ctx, flag, actionlog.KindFollow, retry.OpFollow, profile.UserID, func(ctx context.Context) error {
		return w.client.Follow(ctx, profile.UserID)
	})
	if err != nil || !followed {
		return liked, errors.Join(err, w.markIfActed(ctx, profile, liked, false, false))
	}

	messaged := false
	if len(w.cfg.Messages) > 0 {
		text := w.message(profile)
		messaged, err = w.act(ctx, flag, actionlog.KindMessage, retry.OpSendMessage, profile.UserID, func(ctx context.Context) error {
			return w.client.SendMessage(ctx, []string{profile.UserID}, text)
		})
		if err != nil {
			return true, errors.Join(err, w.markProcessed(ctx, profile, liked, followed, false))
		}
	}
	return true, w.markProcessed(ctx, profile, liked, followed, messaged)
}

// likePosts likes up to posts_to_like recent posts. proceed is false when
// the chain must stop: a denied budget or a failed like.
func (w *Worker) likePosts(ctx context.Context, flag *pacing.Flag, profile remote.Profile) (liked, proceed bool, err error) {
	if w.cfg.PostsToLike == 0 || profile.Private {
		return false, true, nil
	}
	posts, err := retry.Do(ctx, w.policy, flag, retry.OpFetchRecentPosts, func(ctx context.Context) ([]remote.Post, error) {
		return w.client.FetchRecentPosts(ctx, profile.UserID, w.cfg.PostsToLike)
	})
	if err != nil {
		return false, false, fmt.Errorf("worker: fetch posts of %s: %w", profile.Username, err)
	}
	for _, post := range posts {
		ok, err := w.act(ctx, flag, actionlog.KindLike, retry.OpLike, profile.UserID, func(ctx context.Context) error {
			return w.client.Like(ctx, post.ID)
		})
		if err != nil {
			return liked, false, err
		}
		if !ok {
			return liked, false, nil
		}
		liked = true
	}
	return liked, true, nil
}

// act runs one budgeted remote action and records it. It returns false
// without calling fn when the budget for kind is spent.
func (w *Worker) act(ctx context.Context, flag *pacing.Flag, kind actionlog.Kind, op, target string, fn func(context.Context) error) (bool, error) {
	allowed, err := w.governor.Allow(ctx, w.cfg.ID, kind)
	if err != nil {
		return false, err
	}
	if !allowed {
		w.logger.Info("worker.action.budget_denied", "kind", kind, "target", target)
		return false, nil
	}
	err = w.policy.Run(ctx, flag, op, fn)
	if errors.Is(err, pacing.ErrStopped) {
		return false, err
	}
	w.record(ctx, kind, target, err)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (w *Worker) record(ctx context.Context, kind actionlog.Kind, target string, actionErr error) {
	rec := actionlog.Record{WorkerID: w.cfg.ID, Kind: kind, Target: target, Success: actionErr == nil}
	if actionErr != nil {
		rec.Error = actionErr.Error()
	}
	if _, err := w.log.Append(context.WithoutCancel(ctx), rec); err != nil {
		w.logger.Warn("worker.actionlog.append_failed", "kind", kind, "error", err)
	}
}

func (w *Worker) markIfActed(ctx context.Context, profile remote.Profile, liked, followed, messaged bool) error {
	if !liked && !followed && !messaged {
		return nil
	}
	return w.markProcessed(ctx, profile, liked, followed, messaged)
}

func (w *Worker) markProcessed(ctx context.Context, profile remote.Profile, liked, followed, messaged bool) error {
	err := w.log.MarkProcessed(context.WithoutCancel(ctx), actionlog.ProcessedUser{
		WorkerID: w.cfg.ID,
		UserID:   profile.UserID,
		Username: profile.Username,
		Liked:    liked,
		Followed: followed,
		Messaged: messaged,
	})
	if err != nil {
		return fmt.Errorf("worker: mark processed: %w", err)
	}
	return nil
}

func (w *Worker) message(profile remote.Profile) string {
	tmpl := w.cfg.Messages[w.jitter.Intn(len(w.cfg.Messages))]
	return RenderMessage(tmpl, profile, w.cfg.MainAccount)
}

// RenderMessage substitutes {name} and {main_account} in tmpl.
func RenderMessage(tmpl string, profile remote.Profile, mainAccount string) string {
	main := strings.TrimPrefix(mainAccount, "@")
	if main != "" {
		main = "@" + main
	}
	return strings.NewReplacer("{name}", profile.FirstName(), "{main_account}", main).Replace(tmpl)
}
