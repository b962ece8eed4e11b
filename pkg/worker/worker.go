// Package worker implements the executor: it claims queued tool calls,
// drives the per-job pipeline (registry, validation, idempotency, guard,
// dispatch, timeout) and writes exactly one receipt per call.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/opsdeck-ai/opsdeck/pkg/bus"
	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
	"github.com/opsdeck-ai/opsdeck/pkg/dispatch"
	"github.com/opsdeck-ai/opsdeck/pkg/guard"
	"github.com/opsdeck-ai/opsdeck/pkg/idempotency"
	"github.com/opsdeck-ai/opsdeck/pkg/registry"
	"github.com/opsdeck-ai/opsdeck/pkg/schema"
	"github.com/opsdeck-ai/opsdeck/pkg/store"
)

const (
	defaultPollInterval    = 5 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	backoffMultiplier      = 1.5
	backoffCap             = 60 * time.Second
	// Claim pacing when the queue is hot: claims per second, bursting to
	// the concurrency bound.
	claimRate = 50
)

// Config wires a worker's collaborators.
type Config struct {
	Store      store.Store
	Registry   *registry.Registry
	Validators *schema.Cache
	Dispatch   *dispatch.Table
	Bus        bus.Bus
	Logger     *slog.Logger
	Meter      metric.Meter

	PollInterval    time.Duration
	MaxConcurrent   int
	ShutdownTimeout time.Duration

	// Reap re-queues calls left running longer than ReapAfter before the
	// first poll. Off by default; see the idempotency contract before
	// enabling it.
	Reap      bool
	ReapAfter time.Duration
}

// Health is a readable snapshot of the worker. It is not served over the
// network by the worker itself.
type Health struct {
	WorkerID              string    `json:"worker_id"`
	ActiveJobs            int       `json:"active_jobs"`
	JobsClaimed           uint64    `json:"jobs_claimed"`
	JobsCompleted         uint64    `json:"jobs_completed"`
	JobsFailed            uint64    `json:"jobs_failed"`
	ConsecutiveEmptyPolls uint64    `json:"consecutive_empty_polls"`
	LastClaimAt           time.Time `json:"last_claim_at,omitzero"`
}

// Worker executes claimed tool calls.
type Worker struct {
	id         string
	store      store.Store
	registry   *registry.Registry
	validators *schema.Cache
	dispatch   *dispatch.Table
	bus        bus.Bus
	engine     *idempotency.Engine
	log        *slog.Logger
	ins        *instruments
	limiter    *rate.Limiter

	pollInterval    time.Duration
	maxConcurrent   int
	shutdownTimeout time.Duration
	reap            bool
	reapAfter       time.Duration

	guardMu    sync.Mutex
	guardCache map[string]*guard.Program

	mu     sync.Mutex
	active map[string]struct{}
	jobs   sync.WaitGroup

	cancel     context.CancelFunc
	jobsCtx    context.Context
	jobsCancel context.CancelFunc
	pollDone   chan struct{}
	started    atomic.Bool

	claimed    atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	emptyPolls atomic.Uint64
	lastClaim  atomic.Int64
}

// New builds a worker with a globally unique identity.
func New(cfg Config) (*Worker, error) {
	if cfg.Store == nil || cfg.Registry == nil || cfg.Dispatch == nil {
		return nil, errors.New("worker: store, registry and dispatch table are required")
	}
	if cfg.Validators == nil {
		cfg.Validators = schema.NewCache()
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.NewInProcessBus()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Meter == nil {
		cfg.Meter = otel.Meter("opsdeck/worker")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.ReapAfter <= 0 {
		cfg.ReapAfter = 10 * time.Minute
	}
	ins, err := newInstruments(cfg.Meter)
	if err != nil {
		return nil, fmt.Errorf("worker: build instruments: %w", err)
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	id := fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])

	return &Worker{
		id:              id,
		store:           cfg.Store,
		registry:        cfg.Registry,
		validators:      cfg.Validators,
		dispatch:        cfg.Dispatch,
		bus:             cfg.Bus,
		engine:          idempotency.NewEngine(cfg.Store),
		log:             cfg.Logger.With("worker_id", id),
		ins:             ins,
		limiter:         rate.NewLimiter(rate.Limit(claimRate), cfg.MaxConcurrent),
		pollInterval:    cfg.PollInterval,
		maxConcurrent:   cfg.MaxConcurrent,
		shutdownTimeout: cfg.ShutdownTimeout,
		reap:            cfg.Reap,
		reapAfter:       cfg.ReapAfter,
		guardCache:      make(map[string]*guard.Program),
		active:          make(map[string]struct{}),
		pollDone:        make(chan struct{}),
	}, nil
}

// ID returns the worker identity stamped on claims.
func (w *Worker) ID() string { return w.id }

// Start spawns the poll loop. The context bounds the loop: cancel it or
// call Stop to end polling.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("worker: already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	// Jobs outlive poll cancellation so a graceful stop can drain them;
	// the shutdown deadline cancels this context for whatever remains.
	jobsCtx, jobsCancel := context.WithCancel(context.WithoutCancel(ctx))
	w.jobsCancel = jobsCancel
	w.jobsCtx = jobsCtx

	if w.reap {
		ids, err := w.store.RequeueStale(loopCtx, w.reapAfter)
		if err != nil {
			w.log.Warn("reap stale calls failed", "error", err)
		} else if len(ids) > 0 {
			w.log.Info("re-queued stale calls", "count", len(ids))
		}
	}

	w.log.Info("worker started",
		"poll_interval", w.pollInterval,
		"max_concurrent", w.maxConcurrent,
	)
	go w.poll(loopCtx)
	return nil
}

// Stop halts polling and waits for in-flight jobs up to the shutdown
// deadline. Jobs still running past the deadline are logged and
// abandoned; their idempotency mode governs safe re-execution.
func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	<-w.pollDone

	done := make(chan struct{})
	go func() {
		w.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.jobsCancel()
		w.log.Info("worker stopped")
		return nil
	case <-time.After(w.shutdownTimeout):
		n := w.activeCount()
		w.log.Warn("shutdown deadline passed, abandoning in-flight jobs", "active", n)
		w.jobsCancel()
		return fmt.Errorf("worker: %d jobs still in flight after %s", n, w.shutdownTimeout)
	case <-ctx.Done():
		w.jobsCancel()
		return ctx.Err()
	}
}

// Health returns a point-in-time snapshot.
func (w *Worker) Health() Health {
	h := Health{
		WorkerID:              w.id,
		ActiveJobs:            w.activeCount(),
		JobsClaimed:           w.claimed.Load(),
		JobsCompleted:         w.completed.Load(),
		JobsFailed:            w.failed.Load(),
		ConsecutiveEmptyPolls: w.emptyPolls.Load(),
	}
	if ns := w.lastClaim.Load(); ns > 0 {
		h.LastClaimAt = time.Unix(0, ns)
	}
	return h
}

func (w *Worker) activeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// poll claims and launches jobs until the context ends. Consecutive empty
// polls back off exponentially (x1.5, capped) to avoid hammering the
// store; the next successful claim resets the delay.
func (w *Worker) poll(ctx context.Context) {
	defer close(w.pollDone)
	delay := w.pollInterval
	for {
		if ctx.Err() != nil {
			return
		}
		if w.activeCount() >= w.maxConcurrent {
			if !sleep(ctx, w.pollInterval) {
				return
			}
			continue
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}

		call, err := w.store.ClaimNext(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("claim failed", "error", err)
			if !sleep(ctx, delay) {
				return
			}
			delay = nextBackoff(delay)
			continue
		}
		if call == nil {
			w.emptyPolls.Add(1)
			w.ins.emptyPolls.Add(ctx, 1)
			if !sleep(ctx, delay) {
				return
			}
			delay = nextBackoff(delay)
			continue
		}

		delay = w.pollInterval
		w.emptyPolls.Store(0)
		w.claimed.Add(1)
		w.lastClaim.Store(time.Now().UnixNano())
		w.ins.jobsClaimed.Add(ctx, 1)
		w.publishStatus(ctx, call.ID, contracts.StatusQueued, contracts.StatusRunning)

		w.mu.Lock()
		w.active[call.ID] = struct{}{}
		w.mu.Unlock()
		w.jobs.Add(1)
		w.ins.activeJobs.Add(ctx, 1)
		go func(call *contracts.ToolCall) {
			defer func() {
				w.mu.Lock()
				delete(w.active, call.ID)
				w.mu.Unlock()
				w.jobs.Done()
				w.ins.activeJobs.Add(context.Background(), -1)
			}()
			w.execute(w.jobsCtx, call)
		}(call)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * backoffMultiplier)
	if next > backoffCap {
		return backoffCap
	}
	return next
}

// sleep waits for d or the context, whichever ends first. Returns false
// when the context ended.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) publishStatus(ctx context.Context, callID string, from, to contracts.CallStatus) {
	err := w.bus.PublishCallStatusChanged(ctx, bus.CallStatusChanged{
		CallID:    callID,
		OldStatus: from,
		NewStatus: to,
		WorkerID:  w.id,
	})
	if err != nil {
		w.log.Warn("publish status change failed", "call_id", callID, "error", err)
	}
}
