// Package worker contains the PDOFlow worker runtime and the pool
// supervisor that babysits a fleet of workers. A worker is a single-threaded
// cooperative loop that owns one private DB connection for its lifetime,
// claims batches of waiting units with FOR UPDATE SKIP LOCKED, executes the
// user callable for each, and commits the outcomes (plus any sampled
// profile) in one transaction.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/pdoflow/pdoflow/internal/profile"
	"github.com/pdoflow/pdoflow/internal/registry"
	"github.com/pdoflow/pdoflow/internal/store"
)

// ExceptionLevel is the severity at which user-function failures are
// logged. LevelNone suppresses them entirely; the retry accounting in the
// DB is unaffected either way.
type ExceptionLevel string

const (
	LevelNone    ExceptionLevel = "none"
	LevelDebug   ExceptionLevel = "debug"
	LevelInfo    ExceptionLevel = "info"
	LevelWarning ExceptionLevel = "warning"
	LevelError   ExceptionLevel = "error"
)

// slogLevel maps an ExceptionLevel to slog; ok is false for LevelNone.
func (l ExceptionLevel) slogLevel() (slog.Level, bool) {
	switch l {
	case LevelDebug:
		return slog.LevelDebug, true
	case LevelInfo:
		return slog.LevelInfo, true
	case LevelWarning:
		return slog.LevelWarn, true
	case LevelError, "":
		return slog.LevelError, true
	default:
		return 0, false
	}
}

const (
	// DefaultBatchSize is how many units a worker claims per cycle.
	DefaultBatchSize = 10

	// DefaultPollInterval is how long a worker sleeps after an empty claim.
	DefaultPollInterval = time.Second

	// DefaultProfileRate is the probability a given unit runs under the
	// profiler.
	DefaultProfileRate = 0.1

	// maxBackoff caps the retry delay after repeated DB errors.
	maxBackoff = 30 * time.Second
)

// Config carries the per-worker knobs. The zero value is usable: defaults
// are applied by NewRuntime. ProfileRate < 0 disables sampling outright
// (0 means "use the default").
type Config struct {
	BatchSize        int
	PollInterval     time.Duration
	ProfileRate      float64
	ExceptionLogging ExceptionLevel
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ProfileRate == 0 {
		c.ProfileRate = DefaultProfileRate
	}
	if c.ProfileRate < 0 {
		c.ProfileRate = 0
	}
	return c
}

type resolutionKey struct {
	entryPoint     string
	targetFunction string
}

// Runtime is one worker: a claim/execute/commit loop bound to a single
// private DB connection. It is not safe for concurrent use; the pool runs
// one Runtime per worker slot.
type Runtime struct {
	store    *store.Store
	resolver registry.Resolver
	cfg      Config
	log      *slog.Logger
	metrics  *Metrics
	id       uuid.UUID

	failures *failureCache
	resolved map[resolutionKey]registry.Callable
	rng      *rand.Rand

	// capture is swappable in tests; the default samples with runtime/pprof.
	capture func(fn func() error) (error, *store.ProfileResult, error)
}

// NewRuntime builds a worker around a store and a resolver. metrics may be
// nil; a nil logger falls back to slog.Default.
func NewRuntime(st *store.Store, resolver registry.Resolver, cfg Config, log *slog.Logger, metrics *Metrics) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	id := uuid.New()
	return &Runtime{
		store:    st,
		resolver: resolver,
		cfg:      cfg.withDefaults(),
		log:      log.With("worker_id", id),
		metrics:  metrics,
		id:       id,
		failures: newFailureCache(),
		resolved: make(map[resolutionKey]registry.Callable),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(id.ID()))), //nolint:gosec // G404: sampling decision, not security-sensitive
		capture:  profile.Capture,
	}
}

// ID identifies this worker in logs and pool bookkeeping.
func (r *Runtime) ID() uuid.UUID { return r.id }

// Run claims and executes batches until ctx is cancelled. Cancellation is
// cooperative at batch boundaries: the current batch's outcomes are still
// committed before Run returns. User-function failures are never fatal; DB
// errors are retried with exponential backoff and jitter.
func (r *Runtime) Run(ctx context.Context) error {
	conn, err := r.store.Pool().Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire worker connection: %w", err)
	}
	defer conn.Release()

	r.log.Info("worker started",
		"batch_size", r.cfg.BatchSize, "profile_rate", r.cfg.ProfileRate)

	dbErrStreak := 0
	for {
		if ctx.Err() != nil {
			r.log.Info("worker stopping")
			return nil
		}

		claimed, err := r.store.ClaimBatchOn(ctx, conn, r.cfg.BatchSize, r.failures.ExcludedJobs())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			dbErrStreak++
			r.log.Error("claim failed", "error", err, "streak", dbErrStreak)
			r.sleep(ctx, backoffDelay(dbErrStreak, r.rng))
			continue
		}

		if len(claimed) == 0 {
			r.purgeSettledPostings(ctx, conn)
			dbErrStreak = 0
			r.sleep(ctx, r.cfg.PollInterval)
			continue
		}
		if r.metrics != nil {
			r.metrics.ClaimsTotal.Inc()
			r.metrics.ClaimedJobsTotal.Add(float64(len(claimed)))
		}

		outcomes := r.executeBatch(ctx, claimed)

		// Outcomes are committed even when ctx was cancelled mid-batch, so a
		// graceful shutdown never loses finished work.
		if err := r.store.RecordBatchOutcomeOn(context.WithoutCancel(ctx), conn, outcomes); err != nil {
			dbErrStreak++
			r.log.Error("outcome commit failed", "error", err, "streak", dbErrStreak)
			r.sleep(ctx, backoffDelay(dbErrStreak, r.rng))
			continue
		}
		dbErrStreak = 0
	}
}

// RunOnce performs a single claim/execute/commit cycle and returns the
// number of units processed. Used by the CLI's worker --once path and by
// tests that want deterministic cycles.
func (r *Runtime) RunOnce(ctx context.Context) (int, error) {
	conn, err := r.store.Pool().Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire worker connection: %w", err)
	}
	defer conn.Release()

	claimed, err := r.store.ClaimBatchOn(ctx, conn, r.cfg.BatchSize, r.failures.ExcludedJobs())
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	if r.metrics != nil {
		r.metrics.ClaimsTotal.Inc()
		r.metrics.ClaimedJobsTotal.Add(float64(len(claimed)))
	}

	outcomes := r.executeBatch(ctx, claimed)
	if err := r.store.RecordBatchOutcomeOn(ctx, conn, outcomes); err != nil {
		return 0, err
	}
	return len(claimed), nil
}

// executeBatch runs each claimed unit in claim order and collects outcomes.
func (r *Runtime) executeBatch(ctx context.Context, claimed []store.ClaimedJob) []store.Outcome {
	outcomes := make([]store.Outcome, 0, len(claimed))
	for _, job := range claimed {
		outcomes = append(outcomes, r.executeOne(ctx, job))
	}
	return outcomes
}

func (r *Runtime) executeOne(_ context.Context, job store.ClaimedJob) store.Outcome {
	fn, err := r.resolve(job.EntryPoint, job.TargetFunction)
	if err != nil {
		// Resolution failures are user failures: the unit fails and its
		// retry budget decrements.
		r.logException(job, err)
		r.failures.Add(job.PostingID, job.ID)
		if r.metrics != nil {
			r.metrics.JobsFailedTotal.Inc()
		}
		return store.Outcome{JobRecordID: job.ID, Succeeded: false}
	}

	pos, kw, err := decodeArguments(job)
	if err != nil {
		r.logException(job, err)
		r.failures.Add(job.PostingID, job.ID)
		if r.metrics != nil {
			r.metrics.JobsFailedTotal.Inc()
		}
		return store.Outcome{JobRecordID: job.ID, Succeeded: false}
	}

	invoke := func() error { return callSafely(fn, pos, kw) }

	var pr *store.ProfileResult
	if r.cfg.ProfileRate > 0 && r.rng.Float64() < r.cfg.ProfileRate {
		var profErr error
		err, pr, profErr = r.capture(invoke)
		if profErr != nil {
			r.log.Debug("profile sampling skipped", "job_id", job.ID, "error", profErr)
			pr = nil
		}
		if pr != nil {
			pr.JobRecordID = job.ID
			if r.metrics != nil {
				r.metrics.ProfilesSampledTotal.Inc()
			}
		}
	} else {
		err = invoke()
	}

	if err != nil {
		r.logException(job, err)
		r.failures.Add(job.PostingID, job.ID)
		if r.metrics != nil {
			r.metrics.JobsFailedTotal.Inc()
		}
		// A failed unit still carries its profile: sampling covers failures
		// too, and the profile write shares the outcome's transaction.
		return store.Outcome{JobRecordID: job.ID, Succeeded: false, Profile: pr}
	}

	if r.metrics != nil {
		r.metrics.JobsCompletedTotal.Inc()
	}
	return store.Outcome{JobRecordID: job.ID, Succeeded: true, Profile: pr}
}

// resolve looks up the callable, consulting the per-worker resolution cache
// first.
func (r *Runtime) resolve(entryPoint, targetFunction string) (registry.Callable, error) {
	key := resolutionKey{entryPoint, targetFunction}
	if fn, ok := r.resolved[key]; ok {
		return fn, nil
	}
	fn, err := r.resolver.Resolve(entryPoint, targetFunction)
	if err != nil {
		return nil, err
	}
	r.resolved[key] = fn
	return fn, nil
}

// purgeSettledPostings drops failure-cache buckets whose posting has
// reached a terminal status, observed on an otherwise idle claim attempt.
func (r *Runtime) purgeSettledPostings(ctx context.Context, conn store.RowQuerier) {
	tracked := r.failures.Postings()
	if len(tracked) == 0 {
		return
	}
	settled, err := store.TerminalPostingsOn(ctx, conn, tracked)
	if err != nil {
		r.log.Debug("failure cache purge skipped", "error", err)
		return
	}
	r.failures.Purge(settled)
}

func (r *Runtime) logException(job store.ClaimedJob, err error) {
	lvl, ok := r.cfg.ExceptionLogging.slogLevel()
	if !ok {
		return
	}
	r.log.Log(context.Background(), lvl, "job execution failed",
		"job_id", job.ID, "posting_id", job.PostingID,
		"target_function", job.TargetFunction, "error", err)
}

func (r *Runtime) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// callSafely invokes fn, converting a panic into an ordinary failure so a
// poison unit cannot take the worker down with it.
func callSafely(fn registry.Callable, pos []json.RawMessage, kw map[string]json.RawMessage) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
		}
	}()
	return fn(pos, kw)
}

// decodeArguments splits a claimed unit's stored JSON into positional and
// keyword argument slices.
func decodeArguments(job store.ClaimedJob) ([]json.RawMessage, map[string]json.RawMessage, error) {
	var pos []json.RawMessage
	if len(job.PositionalArguments) > 0 {
		if err := json.Unmarshal(job.PositionalArguments, &pos); err != nil {
			return nil, nil, fmt.Errorf("decode positional arguments: %w", err)
		}
	}
	var kw map[string]json.RawMessage
	if len(job.KeywordArguments) > 0 && string(job.KeywordArguments) != "null" {
		if err := json.Unmarshal(job.KeywordArguments, &kw); err != nil {
			return nil, nil, fmt.Errorf("decode keyword arguments: %w", err)
		}
	}
	return pos, kw, nil
}

// backoffDelay is exponential with jitter, capped at maxBackoff.
func backoffDelay(streak int, rng *rand.Rand) time.Duration {
	base := float64(time.Second) * math.Pow(2, float64(streak-1))
	jitter := 0.5 + rng.Float64() //nolint:gosec // G404: jitter, not security-sensitive
	d := time.Duration(base * jitter)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
