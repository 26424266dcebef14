// Package jobpool is a bounded-concurrency job scheduler with tier-based
// priority.
//
// Callers submit jobs with Schedule; each job waits in a priority queue
// until a worker slot is free, then runs the handler registered for its
// kind. Handlers report progress and exactly one result through their
// Channel. Jobs that exceed the configured timeout, panic, or exit without
// reporting are marked failed. The pool never blocks the caller and emits
// lifecycle events to subscribers and sinks.
//
//	reg := jobpool.NewRegistry()
//	reg.RegisterFunc(types.KindScoreAnalysis, analyze)
//	pool, err := jobpool.New(jobpool.Config{MaxWorkers: 4}, reg)
//	job, err := pool.Schedule(types.KindScoreAnalysis, payload, "athlete-7", "mvp")
//	...
//	pool.Shutdown()
package jobpool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/tierpool/internal/controller"
	"github.com/ChuLiYu/tierpool/internal/event"
	"github.com/ChuLiYu/tierpool/internal/jobmanager"
	"github.com/ChuLiYu/tierpool/internal/worker"
	"github.com/ChuLiYu/tierpool/pkg/types"
)

// SnapshotSchemaVersion is written into every PoolSnapshot.
const SnapshotSchemaVersion = 1

var (
	// ErrUnknownKind is returned by Schedule for kinds without a handler.
	ErrUnknownKind = worker.ErrUnknownKind
	// ErrClosed is returned by Schedule after Shutdown.
	ErrClosed = controller.ErrClosed
	// ErrNotFound is returned by Evict for unknown jobs.
	ErrNotFound = jobmanager.ErrJobNotFound
	// ErrNotTerminal is returned by Evict for jobs still queued or running.
	ErrNotTerminal = jobmanager.ErrNotTerminal
	// ErrNoHandlers is returned by New when the registry is empty.
	ErrNoHandlers = errors.New("jobpool: registry has no handlers")
)

// Handler types re-exported from the worker package.
type (
	Handler        = worker.Handler
	HandlerFunc    = worker.HandlerFunc
	Channel        = worker.Channel
	Registry       = worker.Registry
	ProcessHandler = worker.ProcessHandler
)

// Event delivery types re-exported from the event package.
type (
	Subscription = event.Subscription
	Filter       = event.Filter
	Sink         = event.Sink
	SinkFunc     = event.SinkFunc
)

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry { return worker.NewRegistry() }

// OwnerFilter matches events for jobs submitted by ownerID.
func OwnerFilter(ownerID string) Filter { return event.OwnerFilter(ownerID) }

// JobFilter matches events for one job.
func JobFilter(jobID types.JobID) Filter { return event.JobFilter(jobID) }

// Pool is the scheduler facade. Construct one per process and pass it to
// whatever needs it.
type Pool struct {
	cfg    Config
	ctrl   *controller.Controller
	bus    *event.Bus
	tiers  TierMap
	now    func() time.Time
	newID  func() string
	logger *slog.Logger

	shutdownOnce sync.Once
}

// New creates and starts a pool.
func New(cfg Config, registry *Registry, opts ...Option) (*Pool, error) {
	if registry == nil || len(registry.Kinds()) == 0 {
		return nil, ErrNoHandlers
	}
	cfg.FillDefaults()

	o := options{
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	bus := event.NewBus(cfg.EventBuffer, o.logger)
	progressRate := cfg.ProgressEventsPerSecond
	if progressRate < 0 {
		progressRate = 0
	}
	ctrl := controller.NewController(controller.Config{
		MaxWorkers:              cfg.MaxWorkers,
		JobTimeout:              cfg.JobTimeout,
		IdleSlotTimeout:         positive(cfg.IdleSlotTimeout),
		DispatchInterval:        cfg.DispatchInterval,
		ReapInterval:            cfg.ReapInterval,
		TerminalRetention:       positive(cfg.TerminalRetention),
		ProgressEventsPerSecond: progressRate,
		ShutdownWait:            cfg.ShutdownWait,
		Logger:                  o.logger,
		Tracer:                  o.tracer,
		Now:                     o.now,
	}, registry, bus)

	p := &Pool{
		cfg:    cfg,
		ctrl:   ctrl,
		bus:    bus,
		tiers:  cfg.Tiers.clone(),
		now:    o.now,
		newID:  o.newID,
		logger: o.logger,
	}
	ctrl.Start()
	p.logger.Info("job pool started",
		"max_workers", cfg.MaxWorkers,
		"kinds", registry.Kinds(),
		"tiers", p.tiers.Labels())
	return p, nil
}

// Schedule creates a queued job and returns its snapshot immediately. The
// job's priority is resolved from tier; unknown tiers get the lowest
// priority. Unregistered kinds are rejected with ErrUnknownKind.
func (p *Pool) Schedule(kind types.JobKind, payload []byte, ownerID string, tier string) (types.Job, error) {
	job := types.Job{
		ID:        types.JobID(p.newID()),
		Kind:      kind,
		Payload:   append([]byte(nil), payload...),
		OwnerID:   ownerID,
		Tier:      tier,
		Priority:  p.tiers.Resolve(tier),
		CreatedAt: p.now(),
	}
	queued, err := p.ctrl.Submit(job)
	if err != nil {
		return types.Job{}, fmt.Errorf("schedule %s: %w", kind, err)
	}
	return queued, nil
}

// Status returns the current snapshot of a job.
func (p *Pool) Status(jobID types.JobID) (types.Job, bool) {
	return p.ctrl.Get(jobID)
}

// ListByOwner returns all retained jobs for an owner, oldest first.
func (p *Pool) ListByOwner(ownerID string) []types.Job {
	return p.ctrl.ListByOwner(ownerID)
}

// Cancel removes a queued job. It returns false once the job is running or
// terminal.
func (p *Pool) Cancel(jobID types.JobID) bool {
	return p.ctrl.Cancel(jobID)
}

// Evict drops a terminal job from the in-memory index.
func (p *Pool) Evict(jobID types.JobID) error {
	return p.ctrl.Evict(jobID)
}

// Subscribe returns a live event subscription. bufferSize <= 0 uses the
// configured event buffer; a nil filter receives every event.
func (p *Pool) Subscribe(bufferSize int, filter Filter) *Subscription {
	return p.bus.Subscribe(bufferSize, filter)
}

// AddSink feeds every event to sink on its own goroutine. The returned
// function detaches it.
func (p *Pool) AddSink(sink Sink) (stop func()) {
	return p.bus.AddSink(sink, 0)
}

// SubscriberCount returns the number of live subscriptions, sinks included.
func (p *Pool) SubscriberCount() int { return p.bus.SubscriberCount() }

// Stats returns live counters.
func (p *Pool) Stats() types.Stats {
	s := p.ctrl.Stats()
	s.PublishedEvents = p.bus.Published()
	s.DroppedEvents = p.bus.Dropped()
	return s
}

// Snapshot returns every retained job plus stats.
func (p *Pool) Snapshot() types.PoolSnapshot {
	return types.PoolSnapshot{
		Jobs:      p.ctrl.All(),
		Stats:     p.Stats(),
		TakenAt:   p.now(),
		SchemaVer: SnapshotSchemaVersion,
	}
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	c := p.cfg
	c.Tiers = p.tiers.clone()
	return c
}

// Tiers returns a copy of the tier map.
func (p *Pool) Tiers() TierMap { return p.tiers.clone() }

// Closed reports whether Shutdown has been called.
func (p *Pool) Closed() bool { return p.ctrl.Closed() }

// Shutdown stops dispatching, fails running jobs with a shutdown error,
// releases all slots and closes every subscription. Queued jobs stay
// queued. Idempotent; concurrent callers all return after teardown ends.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.ctrl.Shutdown()
		p.bus.Close()
		p.logger.Info("job pool stopped")
	})
}
