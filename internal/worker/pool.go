package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pdoflow/pdoflow/internal/observer"
	"github.com/pdoflow/pdoflow/internal/registry"
	"github.com/pdoflow/pdoflow/internal/store"
)

// SlotState is the lifecycle of one worker slot.
type SlotState int

const (
	SlotEmpty SlotState = iota
	SlotSpawning
	SlotRunning
	SlotDead
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotSpawning:
		return "spawning"
	case SlotRunning:
		return "running"
	case SlotDead:
		return "dead"
	default:
		return fmt.Sprintf("SlotState(%d)", int(s))
	}
}

const (
	// DefaultUpkeepInterval is how often Run inspects worker slots (1 Hz).
	DefaultUpkeepInterval = time.Second

	// DefaultGracePeriod is how long Close waits for workers to drain
	// before giving up on them.
	DefaultGracePeriod = 10 * time.Second

	// DefaultStaleThreshold is the age at which an executing unit whose
	// worker vanished is returned to waiting.
	DefaultStaleThreshold = 5 * time.Minute

	// staleRecoveryEvery spaces stale-unit recovery sweeps out relative to
	// upkeep ticks.
	staleRecoveryEvery = 60
)

// PoolConfig configures a pool supervisor. Worker carries the parameters
// forwarded to each spawned worker. Registerer may be nil to use the
// default Prometheus registry.
type PoolConfig struct {
	MaxWorkers     int
	UpkeepInterval time.Duration
	GracePeriod    time.Duration
	StaleThreshold time.Duration
	Worker         Config
	Registerer     prometheus.Registerer
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 1
	}
	if c.UpkeepInterval <= 0 {
		c.UpkeepInterval = DefaultUpkeepInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}
	return c
}

// slot is one worker position in the pool.
type slot struct {
	state    SlotState
	workerID uuid.UUID
	cancel   context.CancelFunc
	done     chan struct{}
}

// Pool spawns and babysits up to MaxWorkers workers, each a goroutine
// running its own Runtime over its own private DB connection. Upkeep reaps
// dead slots and refills empty ones; Close drains cooperatively. A worker
// that panics outside a job (jobs themselves are recovered in the runtime)
// marks its slot dead and is resurrected on the next upkeep cycle.
type Pool struct {
	store    *store.Store
	resolver registry.Resolver
	cfg      PoolConfig
	log      *slog.Logger
	metrics  *Metrics
	obs      *observer.Observer

	mu     sync.Mutex
	slots  []*slot
	closed bool

	// workerCtx is the lifetime handed to every spawned worker; Close
	// cancels it exactly once.
	workerCtx  context.Context
	cancelAll  context.CancelFunc
	closeOnce  sync.Once
	upkeepTick uint64
}

// NewPool builds a pool; no workers are spawned until Upkeep or Run.
func NewPool(st *store.Store, resolver registry.Resolver, cfg PoolConfig, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		store:     st,
		resolver:  resolver,
		cfg:       cfg,
		log:       log,
		metrics:   NewMetrics(cfg.Registerer),
		obs:       observer.New(st),
		slots:     make([]*slot, cfg.MaxWorkers),
		workerCtx: ctx,
		cancelAll: cancel,
	}
}

// Metrics exposes the pool's instruments, e.g. for an HTTP /metrics handler.
func (p *Pool) Metrics() *Metrics { return p.metrics }

// Upkeep runs one inspection cycle: reap exited workers, refill empty
// slots, count the live ones. Returns the live count. Safe to call from
// the owning process at any cadence; Run drives it on a ticker.
func (p *Pool) Upkeep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.upkeepTick++
	p.reapLocked()
	if !p.closed {
		p.spawnLocked()
	}

	live := 0
	for _, s := range p.slots {
		if s != nil && s.state == SlotRunning {
			live++
		}
	}
	p.metrics.LiveWorkers.Set(float64(live))
	return live
}

// reapLocked moves finished workers through dead to empty.
func (p *Pool) reapLocked() {
	for i, s := range p.slots {
		if s == nil || s.state != SlotRunning {
			if s != nil && s.state == SlotDead {
				p.slots[i] = nil
			}
			continue
		}
		select {
		case <-s.done:
			p.log.Warn("worker exited", "worker_id", s.workerID, "slot", i)
			s.state = SlotDead
			p.slots[i] = nil
			p.metrics.WorkerRestartsTotal.Inc()
		default:
		}
	}
}

// spawnLocked fills every empty slot with a fresh worker.
func (p *Pool) spawnLocked() {
	for i, s := range p.slots {
		if s != nil {
			continue
		}
		rt := NewRuntime(p.store, p.resolver, p.cfg.Worker, p.log, p.metrics)
		ctx, cancel := context.WithCancel(p.workerCtx)
		ns := &slot{
			state:    SlotSpawning,
			workerID: rt.ID(),
			cancel:   cancel,
			done:     make(chan struct{}),
		}
		p.slots[i] = ns

		go func(s *slot, rt *Runtime, ctx context.Context) {
			defer close(s.done)
			defer func() {
				if rec := recover(); rec != nil {
					p.log.Error("worker panicked", "worker_id", s.workerID, "panic", rec)
				}
			}()
			if err := rt.Run(ctx); err != nil {
				p.log.Error("worker failed", "worker_id", s.workerID, "error", err)
			}
		}(ns, rt, ctx)

		ns.state = SlotRunning
		p.log.Info("worker spawned", "worker_id", ns.workerID, "slot", i)
	}
}

// Run drives upkeep at the configured rate until ctx is cancelled, then
// closes the pool. Stale executing units (left behind by a killed worker
// after its claim committed) are swept back to waiting periodically.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.UpkeepInterval)
	defer ticker.Stop()

	p.Upkeep()
	for {
		select {
		case <-ctx.Done():
			return p.Close()
		case <-ticker.C:
			p.Upkeep()
			p.mu.Lock()
			tick := p.upkeepTick
			p.mu.Unlock()
			if tick%staleRecoveryEvery == 0 {
				if n, err := p.store.RecoverStaleJobs(context.WithoutCancel(ctx), p.cfg.StaleThreshold); err != nil {
					p.log.Error("stale job recovery failed", "error", err)
				} else if n > 0 {
					p.log.Info("recovered stale jobs", "count", n)
				}
			}
		}
	}
}

// Close cooperatively stops every worker and waits up to the grace period
// for them to drain. Safe to call multiple times; never leaks goroutines
// past the grace period other than workers blocked inside the DB driver,
// which the closed pool's connections unblock.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		var pending []*slot
		for _, s := range p.slots {
			if s != nil && s.state == SlotRunning {
				pending = append(pending, s)
			}
		}
		p.mu.Unlock()

		p.cancelAll()

		deadline := time.NewTimer(p.cfg.GracePeriod)
		defer deadline.Stop()
		for i, s := range pending {
			select {
			case <-s.done:
			case <-deadline.C:
				undrained := 0
				for _, r := range pending[i:] {
					select {
					case <-r.done:
					default:
						undrained++
					}
				}
				err = fmt.Errorf("pdoflow: %d worker(s) did not drain within %s",
					undrained, p.cfg.GracePeriod)
				p.metrics.LiveWorkers.Set(0)
				return
			}
		}
		p.metrics.LiveWorkers.Set(0)
	})
	return err
}

// AwaitPostingCompletion drives upkeep and polls the posting until it
// reaches a terminal status. pollTime is the cadence between observations;
// maxWait <= 0 waits forever. Returns store.ErrTimeout when the deadline
// elapses first.
func (p *Pool) AwaitPostingCompletion(ctx context.Context, postingID uuid.UUID, pollTime, maxWait time.Duration) error {
	if pollTime <= 0 {
		pollTime = time.Second
	}
	var deadline <-chan time.Time
	if maxWait > 0 {
		t := time.NewTimer(maxWait)
		defer t.Stop()
		deadline = t.C
	}

	ticker := time.NewTicker(pollTime)
	defer ticker.Stop()

	for {
		p.Upkeep()
		posting, err := p.obs.Snapshot(ctx, postingID)
		if err != nil {
			return err
		}
		if posting.Status.IsTerminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("%w: posting %s not terminal after %s",
				store.ErrTimeout, postingID, maxWait)
		case <-ticker.C:
		}
	}
}
