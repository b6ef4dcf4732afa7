package servicebus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go-servicebus/internal/observability"
	"go-servicebus/pkg/models"
	"go-servicebus/pkg/transport"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ============================================================================
// State and Options
// ============================================================================

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Stats are the engine's counters since construction.
type Stats struct {
	Received     int64
	Completed    int64
	DeadLettered int64
	Deferred     int64
	Requeued     int64
	Faults       int64
}

type runOptions struct {
	maxMessages  int64
	duration     time.Duration
	stopWhenIdle bool
}

// RunOption bounds a single Start.
type RunOption func(*runOptions)

// WithMaxMessages stops the run after n messages have been handled.
func WithMaxMessages(n int) RunOption {
	return func(o *runOptions) {
		o.maxMessages = int64(n)
	}
}

// WithDuration stops the run after d.
func WithDuration(d time.Duration) RunOption {
	return func(o *runOptions) {
		o.duration = d
	}
}

// WithStopWhenIdle stops a worker when a pull comes back empty.
func WithStopWhenIdle() RunOption {
	return func(o *runOptions) {
		o.stopWhenIdle = true
	}
}

// ============================================================================
// Engine
// ============================================================================

// Engine pulls messages from one destination, hands them to a Handler and
// settles them according to the returned Verdict.
type Engine struct {
	cfg      EngineConfig
	subQueue transport.SubQueue
	resolver *Resolver
	logger   logrus.FieldLogger
	metrics  observability.MetricsCollector

	state atomic.Int32
	mu    sync.Mutex
	cur   *run

	received     atomic.Int64
	completed    atomic.Int64
	deadLettered atomic.Int64
	deferred     atomic.Int64
	requeued     atomic.Int64
	faults       atomic.Int64
}

// run is the state of one Start..Stop cycle.
type run struct {
	mode     Mode
	ctx      context.Context
	cancel   context.CancelFunc
	dispatch dispatcher
	onError  ErrorHandler
	opts     runOptions
	pool     *connPool
	inflight *semaphore.Weighted
	pulled   atomic.Int64

	// handlerCtx outlives stop and is only cancelled when the run is
	// abandoned after the drain timeout.
	handlerCtx    context.Context
	cancelHandler context.CancelFunc

	gate      sync.Mutex
	abandoned bool

	done chan struct{}
	err  error
}

// NewEngine validates cfg. No connection is opened until Start.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	return newEngine(cfg, transport.SubQueueNone)
}

func newEngine(cfg EngineConfig, subQueue transport.SubQueue) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger.WithFields(logrus.Fields{
		"destination": cfg.Destination.String(),
		"sub_queue":   subQueue.String(),
	})
	return &Engine{
		cfg:      cfg,
		subQueue: subQueue,
		resolver: NewResolver(cfg.Endpoint, logger, cfg.Metrics),
		logger:   logger,
		metrics:  cfg.Metrics,
	}, nil
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) Stats() Stats {
	return Stats{
		Received:     e.received.Load(),
		Completed:    e.completed.Load(),
		DeadLettered: e.deadLettered.Load(),
		Deferred:     e.deferred.Load(),
		Requeued:     e.requeued.Load(),
		Faults:       e.faults.Load(),
	}
}

// Start begins consuming. In Synchronous mode it blocks until Stop is
// called, ctx ends, a RunOption bound is reached or connectivity is lost
// for good, in which case the FatalError is returned. In Concurrent mode
// it returns once the workers are running; use Wait to block.
// onError may be nil.
func (e *Engine) Start(ctx context.Context, mode Mode, handler Handler, onError ErrorHandler, opts ...RunOption) error {
	if handler == nil {
		return ErrNilHandler
	}
	dispatch := func(ctx context.Context, src Source, d *transport.Delivery) (Verdict, error) {
		return handler.HandleMessage(ctx, src, d.Message)
	}
	return e.start(ctx, mode, dispatch, onError, opts)
}

func (e *Engine) start(ctx context.Context, mode Mode, dispatch dispatcher, onError ErrorHandler, opts []RunOption) error {
	// The run is installed in the same critical section as the state
	// change so Stop never sees a new state with the previous run.
	e.mu.Lock()
	if !e.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	r := e.newRun(ctx, mode, dispatch, onError, opts)
	e.cur = r
	e.state.Store(int32(StateRunning))
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"mode":     mode.String(),
		"workers":  e.workerCount(mode),
		"prefetch": e.cfg.PrefetchCount,
	}).Info("Engine started")

	if mode == Synchronous {
		err := e.worker(r.ctx, r, 0)
		e.finish(r, err)
		return err
	}

	go func() {
		g, gctx := errgroup.WithContext(r.ctx)
		for i := 0; i < e.cfg.Workers; i++ {
			id := i
			g.Go(func() error {
				return e.worker(gctx, r, id)
			})
		}
		e.finish(r, g.Wait())
	}()
	return nil
}

func (e *Engine) workerCount(mode Mode) int {
	if mode == Synchronous {
		return 1
	}
	return e.cfg.Workers
}

func (e *Engine) newRun(ctx context.Context, mode Mode, dispatch dispatcher, onError ErrorHandler, opts []RunOption) *run {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	r := &run{
		mode:     mode,
		dispatch: dispatch,
		onError:  onError,
		opts:     o,
		pool:     newConnPool(e.cfg.Endpoint.Dialer, e.logger),
		inflight: semaphore.NewWeighted(int64(e.cfg.PrefetchCount)),
		done:     make(chan struct{}),
	}
	if o.duration > 0 {
		r.ctx, r.cancel = context.WithTimeout(ctx, o.duration)
	} else {
		r.ctx, r.cancel = context.WithCancel(ctx)
	}
	r.handlerCtx, r.cancelHandler = context.WithCancel(context.Background())
	return r
}

// finish releases the run's resources once every worker has returned.
func (e *Engine) finish(r *run, err error) {
	r.err = err
	r.cancel()

	closeCtx, cancel := context.WithTimeout(context.Background(), e.cfg.OperationTimeout)
	defer cancel()
	if cerr := r.pool.close(closeCtx); cerr != nil {
		e.logger.WithError(cerr).Warn("Failed to close connections")
	}
	r.cancelHandler()

	e.mu.Lock()
	if e.cur == r {
		e.state.Store(int32(StateStopped))
	}
	e.mu.Unlock()
	close(r.done)

	stats := e.Stats()
	entry := e.logger.WithFields(logrus.Fields{
		"received":      stats.Received,
		"completed":     stats.Completed,
		"dead_lettered": stats.DeadLettered,
		"deferred":      stats.Deferred,
		"faults":        stats.Faults,
	})
	if err != nil {
		entry.WithError(err).Error("Engine stopped")
		return
	}
	entry.Info("Engine stopped")
}

// Stop signals every worker to finish its current message and not pull
// again, then waits for them. The drain timeout is ctx's deadline if it has
// one, else DrainTimeout. When it elapses the remaining workers are
// abandoned: no further handler invocations are started, connections are
// released and unsettled messages are left for redelivery by the bus.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	r := e.cur
	if r == nil || e.State() == StateStopped {
		e.mu.Unlock()
		return nil
	}
	if e.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		e.logger.Info("Stopping engine")
	}
	e.mu.Unlock()
	r.cancel()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.DrainTimeout)
		defer cancel()
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
	}

	r.gate.Lock()
	r.abandoned = true
	r.gate.Unlock()
	r.cancelHandler()

	closeCtx, cancel := context.WithTimeout(context.Background(), e.cfg.OperationTimeout)
	defer cancel()
	_ = r.pool.close(closeCtx)

	e.mu.Lock()
	if e.cur == r {
		e.state.Store(int32(StateStopped))
	}
	e.mu.Unlock()

	e.logger.Warn("Timeout waiting for in-flight messages, abandoning workers")
	return ErrDrainTimeout
}

// Wait blocks until the current run ends and returns its fatal error, if any.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	r := e.cur
	e.mu.Unlock()
	if r == nil {
		return ErrNotRunning
	}

	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// Run helpers
// ============================================================================

// admit reports whether a handler may still be invoked.
func (r *run) admit() bool {
	r.gate.Lock()
	defer r.gate.Unlock()
	return !r.abandoned
}

func (r *run) reserve() bool {
	if r.opts.maxMessages <= 0 {
		return true
	}
	if r.pulled.Add(1) > r.opts.maxMessages {
		r.pulled.Add(-1)
		return false
	}
	return true
}

func (r *run) unreserve() {
	if r.opts.maxMessages > 0 {
		r.pulled.Add(-1)
	}
}

func (e *Engine) report(r *run, src Source, info ErrorInfo) {
	entry := e.logger.WithError(info.Err).WithFields(logrus.Fields{
		"worker_id":  src.Worker,
		"endpoint":   src.Endpoint,
		"message_id": info.MessageID,
	})
	if info.Fatal {
		entry.Error("Fatal error")
	} else {
		entry.Warn("Recoverable error")
	}

	if r.onError == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.WithField("panic", rec).Error("Panic in error handler")
		}
	}()
	r.onError.HandleError(src, info)
}

// ============================================================================
// Message processing
// ============================================================================

// process handles and settles one delivery. It reports whether the delivery
// was parked instead of settled.
func (e *Engine) process(r *run, src Source, w *puller, rcv transport.Receiver, d *transport.Delivery) bool {
	msg := d.Message
	if w.isParked(msg.ID) {
		w.park(rcv, d)
		e.logger.WithField("message_id", msg.ID).Debug("Held dead letter redelivered after lock expiry")
		return false
	}
	e.received.Add(1)
	e.metrics.IncReceived()

	settleCtx, cancel := context.WithTimeout(context.Background(), e.cfg.OperationTimeout)
	defer cancel()

	if e.subQueue == transport.SubQueueNone && msg.DeliveryCount > e.cfg.MaxDeliveryCount {
		e.settle(settleCtx, r, src, w, rcv, d, e.maxDeliveryVerdict(msg))
		return false
	}

	if !r.admit() {
		_ = rcv.Abandon(settleCtx, d)
		return false
	}

	verdict, err := e.invoke(r, src, d)
	if err != nil {
		e.faults.Add(1)
		e.metrics.IncFailed()
		e.report(r, src, ErrorInfo{
			Err:       &HandlerFault{MessageID: msg.ID, Err: err},
			MessageID: msg.ID,
		})
		// A failed dead letter stays locked until the run ends.
		if e.subQueue == transport.SubQueueDeadLetter {
			w.park(rcv, d)
			return true
		}
		verdict = Defer()
	}

	if verdict.Kind == VerdictDefer && e.subQueue == transport.SubQueueNone && msg.DeliveryCount >= e.cfg.MaxDeliveryCount {
		verdict = e.maxDeliveryVerdict(msg)
	}
	e.settle(settleCtx, r, src, w, rcv, d, verdict)
	return w.isParked(msg.ID)
}

func (e *Engine) maxDeliveryVerdict(msg *models.Message) Verdict {
	return DeadLetter(ReasonMaxDeliveryExceeded,
		fmt.Sprintf("message not processed after %d delivery attempts", msg.DeliveryCount))
}

func (e *Engine) invoke(r *run, src Source, d *transport.Delivery) (verdict Verdict, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.WithFields(logrus.Fields{
				"panic":      rec,
				"message_id": d.Message.ID,
				"stack":      string(debug.Stack()),
			}).Error("Panic in handler")
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return r.dispatch(r.handlerCtx, src, d)
}

func (e *Engine) settle(ctx context.Context, r *run, src Source, w *puller, rcv transport.Receiver, d *transport.Delivery, verdict Verdict) {
	var err error
	switch verdict.Kind {
	case VerdictAccept:
		if err = rcv.Complete(ctx, d); err == nil {
			e.completed.Add(1)
			e.metrics.IncProcessed()
			if n := e.completed.Load(); n%100 == 0 {
				e.logger.WithField("completed", n).Info("Progress update")
			}
		}
	case VerdictDeadLetter:
		if err = rcv.DeadLetter(ctx, d, verdict.Reason, verdict.Description); err == nil {
			e.deadLettered.Add(1)
			e.metrics.IncSentToDLQ()
		}
	case VerdictDefer:
		if err = rcv.Abandon(ctx, d); err == nil {
			e.deferred.Add(1)
			e.metrics.IncDeferred()
		}
	case verdictRequeue:
		if err = w.requeue(ctx, rcv, d); err == nil {
			e.requeued.Add(1)
			e.metrics.IncRequeued()
		}
	default:
		err = fmt.Errorf("unknown verdict %d", verdict.Kind)
		_ = rcv.Abandon(ctx, d)
	}

	if err != nil {
		e.report(r, src, ErrorInfo{
			Err:       &SettlementError{MessageID: d.Message.ID, Action: verdict.Kind.String(), Err: err},
			MessageID: d.Message.ID,
		})
		return
	}

	e.logger.WithFields(logrus.Fields{
		"worker_id":      src.Worker,
		"message_id":     d.Message.ID,
		"delivery_count": d.Message.DeliveryCount,
		"verdict":        verdict.Kind.String(),
	}).Debug("Message settled")
}
