// Package scheduler runs the periodic jobs: re-syncing watched accounts and
// sweeping expired exchange rates.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/alert"
	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/emperorhan/multichain-ledger/internal/ledgersync"
	"github.com/emperorhan/multichain-ledger/internal/metrics"
	"github.com/emperorhan/multichain-ledger/internal/store"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const (
	JobSync      = "account_sync"
	JobRateSweep = "rate_sweep"

	defaultJobTimeout  = 30 * time.Minute
	defaultConcurrency = 4
)

type Syncer interface {
	Sync(ctx context.Context, req ledgersync.Request) (*ledgersync.Status, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

type Option func(*Scheduler)

func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.jobTimeout = d
		}
	}
}

// WithAlerter sends per-chain failure and recovery alerts after each
// watched-account run.
func WithAlerter(a alert.Alerter) Option {
	return func(s *Scheduler) {
		if a != nil {
			s.alerter = a
		}
	}
}

type Scheduler struct {
	cron        *cron.Cron
	alerter     alert.Alerter
	accounts    store.WatchedAccountRepository
	syncer      Syncer
	sweeper     Sweeper
	concurrency int
	jobTimeout  time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	degraded map[model.Chain]bool
}

// SyncSummary counts the outcome of one watched-account run.
type SyncSummary struct {
	Accounts int
	Complete int
	Partial  int
	Failed   int
}

func New(accounts store.WatchedAccountRepository, syncer Syncer, sweeper Sweeper, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		accounts:    accounts,
		syncer:      syncer,
		sweeper:     sweeper,
		concurrency: defaultConcurrency,
		jobTimeout:  defaultJobTimeout,
		logger:      logger.With("component", "scheduler"),
		alerter:     &alert.NoopAlerter{},
		degraded:    make(map[model.Chain]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start registers the jobs and starts the cron loop. An empty spec disables
// that job.
func (s *Scheduler) Start(syncSpec, sweepSpec string) error {
	if syncSpec != "" {
		if _, err := s.cron.AddFunc(syncSpec, func() { s.runJob(JobSync, s.syncOnce) }); err != nil {
			return fmt.Errorf("schedule %s: %w", JobSync, err)
		}
	}
	if sweepSpec != "" && s.sweeper != nil {
		if _, err := s.cron.AddFunc(sweepSpec, func() { s.runJob(JobRateSweep, s.sweepOnce) }); err != nil {
			return fmt.Errorf("schedule %s: %w", JobRateSweep, err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "sync", syncSpec, "sweep", sweepSpec, "concurrency", s.concurrency)
	return nil
}

// Stop halts new runs and blocks until running jobs return or ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out waiting for running jobs")
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runJob(job string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.logger.Error("scheduled job failed", "job", job, "error", err)
	}
}

func (s *Scheduler) syncOnce(ctx context.Context) error {
	_, err := s.SyncWatched(ctx)
	return err
}

func (s *Scheduler) sweepOnce(ctx context.Context) error {
	_, err := s.SweepRates(ctx)
	return err
}

// SyncWatched syncs every active watched account. Per-account failures are
// logged and counted; only a failure to list accounts is returned.
func (s *Scheduler) SyncWatched(ctx context.Context) (SyncSummary, error) {
	accounts, err := s.accounts.ListActive(ctx)
	if err != nil {
		metrics.SchedulerRuns.WithLabelValues(JobSync, "error").Inc()
		return SyncSummary{}, fmt.Errorf("list watched accounts: %w", err)
	}

	var complete, partial, failed atomic.Int64
	health := newChainHealth()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, acct := range accounts {
		g.Go(func() error {
			status, err := s.syncAccount(gctx, acct)
			health.record(acct, err)
			switch {
			case err != nil:
				failed.Add(1)
			case status.Complete:
				complete.Add(1)
			default:
				partial.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := SyncSummary{
		Accounts: len(accounts),
		Complete: int(complete.Load()),
		Partial:  int(partial.Load()),
		Failed:   int(failed.Load()),
	}
	outcome := "ok"
	if summary.Failed > 0 {
		outcome = "partial"
	}
	metrics.SchedulerRuns.WithLabelValues(JobSync, outcome).Inc()
	s.notify(ctx, health)
	s.logger.Info("watched accounts synced",
		"accounts", summary.Accounts,
		"complete", summary.Complete,
		"partial", summary.Partial,
		"failed", summary.Failed,
	)
	return summary, nil
}

func (s *Scheduler) syncAccount(ctx context.Context, acct model.WatchedAccount) (*ledgersync.Status, error) {
	status, err := s.syncer.Sync(ctx, ledgersync.Request{
		ProfileID: acct.ProfileID,
		Chain:     acct.Chain,
		Address:   acct.Address,
	})
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, ledgersync.ErrRemoteUnavailable) || errors.Is(err, context.Canceled) {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "account sync failed",
			"profile_id", acct.ProfileID,
			"chain", acct.Chain,
			"address", acct.Address,
			"error", err,
		)
		return nil, err
	}
	return status, nil
}

type chainResult struct {
	ok, failed  int
	remote      bool
	lastErr     error
	lastFailure model.WatchedAccount
}

type chainHealth struct {
	mu     sync.Mutex
	chains map[model.Chain]*chainResult
}

func newChainHealth() *chainHealth {
	return &chainHealth{chains: make(map[model.Chain]*chainResult)}
}

func (h *chainHealth) record(acct model.WatchedAccount, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.chains[acct.Chain]
	if !ok {
		r = &chainResult{}
		h.chains[acct.Chain] = r
	}
	if err == nil {
		r.ok++
		return
	}
	r.failed++
	r.lastErr = err
	r.lastFailure = acct
	if errors.Is(err, ledgersync.ErrRemoteUnavailable) {
		r.remote = true
	}
}

// notify alerts on chains with failed accounts and on chains that fully
// recovered since the previous run.
func (s *Scheduler) notify(ctx context.Context, health *chainHealth) {
	chains := make([]model.Chain, 0, len(health.chains))
	for c := range health.chains {
		chains = append(chains, c)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })

	for _, c := range chains {
		r := health.chains[c]
		total := r.ok + r.failed

		s.mu.Lock()
		wasDegraded := s.degraded[c]
		if r.failed > 0 {
			s.degraded[c] = true
		} else {
			delete(s.degraded, c)
		}
		s.mu.Unlock()

		var a alert.Alert
		switch {
		case r.failed > 0:
			typ, title := alert.AlertTypeSyncFailed, "Account sync failed"
			if r.remote {
				typ, title = alert.AlertTypeRemoteUnavailable, "Chain source unavailable"
			}
			a = alert.Alert{
				Type:    typ,
				Chain:   string(c),
				Title:   title,
				Message: fmt.Sprintf("%d of %d watched accounts failed: %v", r.failed, total, r.lastErr),
				Fields: map[string]string{
					"profile_id": r.lastFailure.ProfileID,
					"address":    r.lastFailure.Address,
				},
			}
		case wasDegraded:
			a = alert.Alert{
				Type:    alert.AlertTypeRecovery,
				Chain:   string(c),
				Title:   "Account sync recovered",
				Message: fmt.Sprintf("%d watched accounts synced", total),
			}
		default:
			continue
		}
		if err := s.alerter.Send(ctx, a); err != nil {
			s.logger.Warn("alert delivery failed", "chain", c, "type", a.Type, "error", err)
		}
	}
}

// SweepRates deletes expired exchange rates.
func (s *Scheduler) SweepRates(ctx context.Context) (int64, error) {
	if s.sweeper == nil {
		return 0, nil
	}
	n, err := s.sweeper.Sweep(ctx)
	if err != nil {
		metrics.SchedulerRuns.WithLabelValues(JobRateSweep, "error").Inc()
		return 0, fmt.Errorf("sweep rates: %w", err)
	}
	metrics.SchedulerRuns.WithLabelValues(JobRateSweep, "ok").Inc()
	s.logger.Info("expired rates swept", "deleted", n)
	return n, nil
}
