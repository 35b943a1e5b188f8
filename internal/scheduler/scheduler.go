package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/cashback-tracker/internal/analytics"
	"github.com/zombor/cashback-tracker/internal/ledger"
	"github.com/zombor/cashback-tracker/internal/notify"
	"github.com/zombor/cashback-tracker/internal/tracing"
)

// ErrPermanent marks a job failure that retrying cannot fix
var ErrPermanent = errors.New("permanent job failure")

// Job names
const (
	JobExpirySweep         = "expiry_sweep"
	JobRetrySweep          = "retry_sweep"
	JobDigest              = "digest"
	JobUserDigest          = "user_digest"
	JobReviewReminder      = "review_reminder"
	JobUserReviewReminder  = "user_review_reminder"
	JobOfferExpiry         = "offer_expiry"
	JobOfferEnding         = "offer_ending"
	JobUserOfferEnding     = "user_offer_ending"
	JobPruneRuns           = "prune_job_runs"
	maxRoundsPerTick       = 3
	interruptedByRestart   = "interrupted by restart"
	defaultOwnerPrefix     = "scheduler-"
	slotTimeFormat         = time.RFC3339
	digestChildKeyFormat   = "digest:%s@%s"
	reminderChildKeyFormat = "review_reminder:%s@%s"
	endingChildKeyFormat   = "offer_ending:%s@%s"
	// a pruned slot run would be scheduled again, so retention outlives a monthly slot
	minJobRetention = 32 * 24 * time.Hour
)

// Config holds the scheduler settings
type Config struct {
	// Interval is the sweep cadence and the tick period
	Interval time.Duration
	// Concurrency bounds how many job runs execute at once
	Concurrency int
	// RetryConcurrency bounds receipts re-extracted at once by the retry sweep
	RetryConcurrency int
	// JobTimeout bounds a single job run
	JobTimeout time.Duration
	// MaxJobAttempts is how often a run is tried before it fails permanently
	MaxJobAttempts int
	DigestPeriod   analytics.Period
	ReminderPeriod analytics.Period
	// StalePending is how long a receipt may stay pending before the retry sweep takes it
	// over from an extraction that never finished
	StalePending time.Duration
	// EndingSoonWindow is how far ahead offer-ending reminders look
	EndingSoonWindow time.Duration
	// JobRetention is how long finished job runs are kept
	JobRetention time.Duration
}

// DefaultConfig returns the configuration used when none is given
func DefaultConfig() Config {
	return Config{
		Interval:         time.Minute,
		Concurrency:      4,
		RetryConcurrency: 2,
		JobTimeout:       5 * time.Minute,
		MaxJobAttempts:   5,
		DigestPeriod:     analytics.Week,
		ReminderPeriod:   analytics.Day,
		StalePending:     10 * time.Minute,
		EndingSoonWindow: 72 * time.Hour,
		JobRetention:     40 * 24 * time.Hour,
	}
}

// Retrier re-runs extraction for a failed receipt
type Retrier interface {
	RetryReceipt(ctx context.Context, receiptID string) (*ledger.Receipt, error)
}

// DigestBuilder builds the analytics summary sent in a digest
type DigestBuilder interface {
	Digest(q analytics.Query) (*analytics.Digest, error)
}

// Handler executes one job run
type Handler func(ctx context.Context, run *ledger.JobRun) error

// Scheduler runs periodic and deferred jobs, checkpointing every run in the ledger so a
// restart neither repeats a finished run nor loses an interrupted one
type Scheduler struct {
	db       ledger.DB
	retrier  Retrier
	digests  DigestBuilder
	notifier notify.Notifier
	tracer   *tracing.Tracer
	config   Config
	owner    string
	now      func() time.Time
	handlers map[string]Handler
	periodic []periodicJob
	mu       sync.Mutex // serializes ticks within this process
}

type periodicJob struct {
	name string
	slot func(now time.Time) time.Time
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithOwner sets the owner recorded on claimed runs
func WithOwner(owner string) Option {
	return func(s *Scheduler) { s.owner = owner }
}

// WithTracer sets the tracer used for job spans
func WithTracer(t *tracing.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// New creates a new Scheduler
func New(db ledger.DB, retrier Retrier, digests DigestBuilder, notifier notify.Notifier, config Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.RetryConcurrency <= 0 {
		config.RetryConcurrency = def.RetryConcurrency
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}
	if config.MaxJobAttempts <= 0 {
		config.MaxJobAttempts = def.MaxJobAttempts
	}
	if !config.DigestPeriod.Valid() {
		config.DigestPeriod = def.DigestPeriod
	}
	if !config.ReminderPeriod.Valid() {
		config.ReminderPeriod = def.ReminderPeriod
	}
	if config.StalePending <= 0 {
		config.StalePending = def.StalePending
	}
	if config.EndingSoonWindow <= 0 {
		config.EndingSoonWindow = def.EndingSoonWindow
	}
	if config.JobRetention <= 0 {
		config.JobRetention = def.JobRetention
	}
	if config.JobRetention < minJobRetention {
		config.JobRetention = minJobRetention
	}

	s := &Scheduler{
		db:       db,
		retrier:  retrier,
		digests:  digests,
		notifier: notifier,
		tracer:   tracing.Noop(),
		config:   config,
		owner:    defaultOwnerPrefix + uuid.NewString(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	interval := func(now time.Time) time.Time { return now.Truncate(config.Interval) }
	s.periodic = []periodicJob{
		{name: JobExpirySweep, slot: interval},
		{name: JobRetrySweep, slot: interval},
		{name: JobDigest, slot: config.DigestPeriod.Start},
		{name: JobReviewReminder, slot: config.ReminderPeriod.Start},
		{name: JobOfferEnding, slot: config.ReminderPeriod.Start},
		{name: JobPruneRuns, slot: analytics.Day.Start},
	}
	s.handlers = map[string]Handler{
		JobExpirySweep:        s.expirySweep,
		JobRetrySweep:         s.retrySweep,
		JobDigest:             s.digest,
		JobUserDigest:         s.userDigest,
		JobReviewReminder:     s.reviewReminder,
		JobUserReviewReminder: s.userReviewReminder,
		JobOfferExpiry:        s.offerExpiry,
		JobOfferEnding:        s.offerEnding,
		JobUserOfferEnding:    s.userOfferEnding,
		JobPruneRuns:          s.pruneRuns,
	}
	return s
}

// Run recovers interrupted runs and ticks until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.Recover(); err != nil {
		return err
	}

	slog.Info("Scheduler started", "owner", s.owner, "interval", s.config.Interval)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			slog.Error("Scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("Scheduler stopped", "owner", s.owner)
			return nil
		case <-ticker.C:
		}
	}
}

// Recover marks runs left running by a previous process as retryable
func (s *Scheduler) Recover() (int, error) {
	n, err := s.db.ResetRunning(interruptedByRestart)
	if err != nil {
		return 0, fmt.Errorf("resetting interrupted job runs: %w", err)
	}
	if n > 0 {
		slog.Warn("Recovered interrupted job runs", "count", n)
	}
	return n, nil
}

// Tick schedules the current slot of every periodic job and executes all due runs.
// Runs created while executing, such as per-user digests, execute in the same tick.
// Each run is attempted at most once per tick.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, job := range s.periodic {
		slot := job.slot(now)
		if _, _, err := s.db.EnsureJobRun(&ledger.JobRun{
			Key:          slotKey(job.name, slot),
			Job:          job.name,
			ScheduledFor: slot,
		}); err != nil {
			return fmt.Errorf("scheduling %s: %w", job.name, err)
		}
	}

	attempted := make(map[string]bool)
	for round := 0; round < maxRoundsPerTick; round++ {
		due, err := s.db.ListDueJobRuns(now)
		if err != nil {
			return fmt.Errorf("listing due job runs: %w", err)
		}
		var runs []*ledger.JobRun
		for _, run := range due {
			if !attempted[run.Key] {
				attempted[run.Key] = true
				runs = append(runs, run)
			}
		}
		if len(runs) == 0 {
			return nil
		}

		g := new(errgroup.Group)
		g.SetLimit(s.config.Concurrency)
		for _, run := range runs {
			g.Go(func() error {
				s.execute(ctx, run)
				return nil
			})
		}
		_ = g.Wait()
	}
	return nil
}

// Defer schedules a one-off job for target at the given time. Scheduling the same job,
// target and time twice yields one run.
func (s *Scheduler) Defer(job, target string, at time.Time) (*ledger.JobRun, error) {
	if _, ok := s.handlers[job]; !ok {
		return nil, fmt.Errorf("unknown job %q", job)
	}
	run, created, err := s.db.EnsureJobRun(&ledger.JobRun{
		Key:          deferredKey(job, target, at),
		Job:          job,
		Target:       target,
		ScheduledFor: at,
	})
	if err != nil {
		return nil, fmt.Errorf("deferring %s for %s: %w", job, target, err)
	}
	if created {
		slog.Debug("Deferred job scheduled", "job", job, "target", target, "at", at)
	}
	return run, nil
}

// ScheduleOfferExpiry re-checks an offer's entries when its window closes
func (s *Scheduler) ScheduleOfferExpiry(offer *ledger.Offer) error {
	if offer.EndsAt == nil {
		return nil
	}
	_, err := s.Defer(JobOfferExpiry, offer.ID, *offer.EndsAt)
	return err
}

// execute claims and runs one job. A run that someone else claimed first is skipped.
func (s *Scheduler) execute(ctx context.Context, run *ledger.JobRun) {
	claimed, err := s.db.ClaimJobRun(run.Key, s.owner)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			slog.Debug("Job run already claimed", "key", run.Key)
			return
		}
		slog.Error("Failed to claim job run", "key", run.Key, "error", err)
		return
	}

	ctx, span := s.tracer.StartSpan(ctx, "job "+claimed.Job,
		attribute.String("job.key", claimed.Key),
		attribute.Int("job.attempt", claimed.Attempt),
	)
	started := time.Now()

	err = s.invoke(ctx, claimed)

	status := ledger.JobSucceeded
	switch {
	case err == nil:
	case errors.Is(err, ErrPermanent) || claimed.Attempt >= s.config.MaxJobAttempts:
		status = ledger.JobFailedPermanent
	default:
		status = ledger.JobFailedRetryable
	}
	tracing.End(span, err)

	if _, ferr := s.db.FinishJobRun(claimed.Key, status, err); ferr != nil {
		slog.Error("Failed to record job run", "key", claimed.Key, "status", status, "error", ferr)
		return
	}

	if err != nil {
		slog.Warn("Job run failed", "key", claimed.Key, "status", status, "attempt", claimed.Attempt, "error", err)
		return
	}
	slog.Info("Job run finished", "key", claimed.Key, "duration", time.Since(started))
}

func (s *Scheduler) invoke(ctx context.Context, run *ledger.JobRun) (err error) {
	handler, ok := s.handlers[run.Job]
	if !ok {
		return fmt.Errorf("%w: unknown job %q", ErrPermanent, run.Job)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", run.Key, r)
		}
	}()
	return handler(ctx, run)
}

func slotKey(job string, slot time.Time) string {
	return job + "@" + slot.UTC().Format(slotTimeFormat)
}

func deferredKey(job, target string, at time.Time) string {
	return job + ":" + target + "@" + at.UTC().Format(slotTimeFormat)
}
