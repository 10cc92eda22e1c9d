// Package engine owns the run lifecycle: admission against the concurrency
// cap, durable queueing, live execution sessions, event fan-out and orphan
// recovery. One Engine value is created at server start-up and shared by
// every transport.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/weftlabs/weft/internal/approval"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/core"
	"github.com/weftlabs/weft/internal/eventbus"
	"github.com/weftlabs/weft/internal/examples"
	"github.com/weftlabs/weft/internal/gate"
	"github.com/weftlabs/weft/internal/logger"
	"github.com/weftlabs/weft/internal/logger/tag"
	"github.com/weftlabs/weft/internal/metrics"
	"github.com/weftlabs/weft/internal/otel"
	"github.com/weftlabs/weft/internal/provider"
	"github.com/weftlabs/weft/internal/queue"
	"github.com/weftlabs/weft/internal/runner"
)

// Engine implements the admission side of the queue pump and the live
// session lookup of the approval controller.
var (
	_ queue.Starter     = (*Engine)(nil)
	_ approval.Sessions = (*Engine)(nil)
)

// minReconcileInterval floors the orphan sweep cadence.
const minReconcileInterval = 15 * time.Second

// Params carries the engine's dependencies. Metrics and Tracer may be nil,
// their methods are nil-safe; everything else is required.
type Params struct {
	Config    config.Config
	Runs      core.RunStore
	Queue     core.QueueStore
	Bus       *eventbus.Bus
	Gates     *gate.Engine
	Providers *provider.Registry
	Examples  *examples.Registry
	Metrics   *metrics.Metrics
	Tracer    *otel.Tracer
}

type activeRun struct {
	sess      *runner.Session
	startedAt time.Time
}

// Engine coordinates every run from admission to terminal status.
type Engine struct {
	cfg        config.Config
	runStore   core.RunStore
	queueStore core.QueueStore
	bus        *eventbus.Bus
	gates      *gate.Engine
	providers  *provider.Registry
	examples   *examples.Registry
	metrics    *metrics.Metrics
	tracer     *otel.Tracer
	pump       *queue.Pump
	cron       *cron.Cron

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu     sync.Mutex
	active map[string]*activeRun
	closed bool

	// wg tracks executor goroutines so shutdown can wait for their wrap-up
	// persistence.
	wg sync.WaitGroup
}

// New assembles an engine. Call Start before admitting runs.
func New(p Params) *Engine {
	e := &Engine{
		cfg:        p.Config,
		runStore:   p.Runs,
		queueStore: p.Queue,
		bus:        p.Bus,
		gates:      p.Gates,
		providers:  p.Providers,
		examples:   p.Examples,
		metrics:    p.Metrics,
		tracer:     p.Tracer,
		cron:       cron.New(),
		active:     make(map[string]*activeRun),
	}
	e.pump = queue.NewPump(p.Queue, e, p.Config.Safety)
	return e
}

// Start recovers orphaned runs, launches the admission pump and schedules
// the periodic reconcile sweep. The context must outlive the engine; drive
// teardown through Shutdown, not context cancellation.
func (e *Engine) Start(ctx context.Context) error {
	e.baseCtx, e.cancelBase = context.WithCancel(ctx)

	e.reconcileOrphans(e.baseCtx)
	e.refreshQueueDepth(e.baseCtx)
	go e.pump.Run(e.baseCtx)

	interval := e.cfg.Safety.OrphanTimeout / 2
	if interval < minReconcileInterval {
		interval = minReconcileInterval
	}
	e.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		e.reconcileOrphans(e.baseCtx)
		e.refreshQueueDepth(e.baseCtx)
	}))
	e.cron.Start()

	logger.Info(ctx, "Engine started", tag.Count(e.cfg.Safety.MaxConcurrentRuns))
	return nil
}

// Shutdown cancels live runs cooperatively and waits for their wrap-up
// persistence until the context expires. Runs still live at the deadline are
// abandoned; the next start-up reconciles them as orphans.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := make([]*runner.Session, 0, len(e.active))
	for _, ar := range e.active {
		sessions = append(sessions, ar.sess)
	}
	e.mu.Unlock()

	e.cron.Stop()
	for _, sess := range sessions {
		sess.Cancel(runner.ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn(ctx, "Shutdown deadline reached with runs still live",
			tag.Count(e.ActiveRuns()))
	}
	if e.cancelBase != nil {
		e.cancelBase()
	}
	return nil
}

// ActiveRuns reports how many runs hold concurrency slots right now.
func (e *Engine) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// LiveSession returns the in-memory session of a live run, nil otherwise.
func (e *Engine) LiveSession(runID string) *runner.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ar, ok := e.active[runID]; ok {
		return ar.sess
	}
	return nil
}

// Kick nudges the admission pump. The server calls this after queue edits.
func (e *Engine) Kick() { e.pump.Kick() }

func (e *Engine) refreshQueueDepth(ctx context.Context) {
	n, err := e.queueStore.PendingCount(ctx)
	if err != nil {
		return
	}
	e.metrics.SetQueueDepth(n)
}
