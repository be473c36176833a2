// Package processor drains the invocation queue: each worker loads the
// session state, invokes one node instance and persists the outcome.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/graph-engine/internal/events"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/execstate"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/graph"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/itemstore"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/metrics"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/queue"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/registry"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/stats"
	"github.com/flexinfer/mentatlab/services/graph-engine/internal/tracing"
	"github.com/flexinfer/mentatlab/services/graph-engine/pkg/types"
)

// ErrPanic wraps a panic raised by a node invocation.
var ErrPanic = errors.New("invocation panicked")

// Config holds processor configuration.
type Config struct {
	// Workers is the number of concurrent queue consumers (default 1)
	Workers int

	// Emitter receives invocation and session events (nil = none)
	Emitter *events.Emitter

	// Stats records per-session invocation statistics (nil = none)
	Stats *stats.Collector

	// Tracer creates one span per invocation (nil = global tracer)
	Tracer trace.Tracer

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{Workers: 1}
}

// Processor consumes queue items with a fixed set of workers. Items of the
// same session are handled one at a time.
type Processor struct {
	queue    queue.Queue
	states   itemstore.Store[*execstate.State]
	registry *registry.Registry
	emitter  *events.Emitter
	stats    *stats.Collector
	tracer   trace.Tracer
	logger   *slog.Logger
	workers  int

	mu      sync.Mutex
	started bool
	paused  bool
	resume  chan struct{} // closed while not paused
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	processing atomic.Int32

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a processor. It does nothing until Start.
func New(q queue.Queue, states itemstore.Store[*execstate.State], reg *registry.Registry, cfg *Config) *Processor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracing.InstrumentationName)
	}

	resume := make(chan struct{})
	close(resume)

	return &Processor{
		queue:    q,
		states:   states,
		registry: reg,
		emitter:  cfg.Emitter,
		stats:    cfg.Stats,
		tracer:   tracer,
		logger:   logger,
		workers:  workers,
		resume:   resume,
		locks:    make(map[string]*sessionLock),
	}
}

// Start launches the workers. Invocations run under ctx; calling Start on a
// started processor is a no-op.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, loopCtx, i)
	}

	p.logger.Info("processor started", slog.Int("workers", p.workers))
	return nil
}

// Stop stops dequeuing and waits for in-flight invocations to finish.
// Calling Stop more than once is a no-op.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Info("processor stopped")
}

// Pause stops workers from taking new items. In-flight invocations finish.
func (p *Processor) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused {
		return
	}
	p.paused = true
	p.resume = make(chan struct{})
	p.logger.Info("processor paused")
}

// Resume lets paused workers continue.
func (p *Processor) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.paused {
		return
	}
	p.paused = false
	close(p.resume)
	p.logger.Info("processor resumed")
}

// Status reports whether the processor runs, is busy or is paused.
func (p *Processor) Status(ctx context.Context) types.ProcessorStatus {
	p.mu.Lock()
	status := types.ProcessorStatus{
		IsStarted: p.started,
		IsPaused:  p.paused,
		Workers:   p.workers,
	}
	p.mu.Unlock()

	status.IsProcessing = p.processing.Load() > 0
	if n, err := p.queue.Len(ctx); err == nil {
		status.QueueSize = n
		metrics.QueueDepth.Set(float64(n))
	}
	return status
}

func (p *Processor) resumed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resume
}

// worker is the dequeue loop of one worker. runCtx scopes invocations;
// loopCtx ends the loop on Stop.
func (p *Processor) worker(runCtx, loopCtx context.Context, n int) {
	defer p.wg.Done()
	logger := p.logger.With(slog.Int("worker", n))

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-p.resumed():
		}

		item, err := p.queue.Get(loopCtx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || loopCtx.Err() != nil {
				return
			}
			logger.Error("queue get failed", slog.Any("error", err))
			select {
			case <-loopCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		// Paused while blocked in Get: hold the item until resumed, or hand
		// it back on stop.
		select {
		case <-p.resumed():
		case <-loopCtx.Done():
			if err := p.queue.Put(context.WithoutCancel(runCtx), item); err != nil && !errors.Is(err, queue.ErrCanceled) {
				logger.Warn("failed to requeue item", slog.String("session_id", item.SessionID), slog.Any("error", err))
			}
			return
		}

		p.processing.Add(1)
		p.process(runCtx, item)
		p.processing.Add(-1)
	}
}

// LockSession serialises state read-modify-write for a session with the
// workers. The returned func releases the lock.
func (p *Processor) LockSession(sessionID string) func() {
	p.locksMu.Lock()
	l, ok := p.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		p.locks[sessionID] = l
	}
	l.refs++
	p.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, sessionID)
		}
		p.locksMu.Unlock()
	}
}

// process runs one queue item end to end.
func (p *Processor) process(ctx context.Context, item queue.Item) {
	unlock := p.LockSession(item.SessionID)
	defer unlock()

	logger := p.logger.With(
		slog.String("session_id", item.SessionID),
		slog.String("instance_id", item.InstanceID),
	)

	canceled, err := p.queue.IsCanceled(ctx, item.SessionID)
	if err != nil {
		logger.Warn("cancel check failed", slog.Any("error", err))
	}
	if canceled {
		metrics.QueueItemsDropped.WithLabelValues("canceled").Inc()
		return
	}

	state, err := p.states.Get(ctx, item.SessionID)
	metrics.ItemStoreOperations.WithLabelValues(p.states.Table(), "get", metrics.Result(err)).Inc()
	if err != nil {
		metrics.QueueItemsDropped.WithLabelValues("missing").Inc()
		logger.Error("failed to load session", slog.Any("error", err))
		return
	}
	state.Bind(p.registry)

	if state.Executed[item.InstanceID] {
		metrics.QueueItemsDropped.WithLabelValues("executed").Inc()
		logger.Debug("instance already executed")
		if item.InvokeAll {
			p.advance(ctx, state, logger)
		}
		return
	}
	inst, ok := state.Instance(item.InstanceID)
	if !ok {
		metrics.QueueItemsDropped.WithLabelValues("missing").Inc()
		logger.Error("instance not prepared")
		return
	}
	logger = logger.With(slog.String("node_id", inst.Source), slog.String("kind", inst.Node.Kind))

	p.emit(ctx, item.SessionID, &types.EventInput{
		Type:       types.EventTypeInvocationStarted,
		NodeID:     inst.Source,
		InstanceID: inst.ID,
		Data:       types.InvocationStartedEvent{Kind: inst.Node.Kind},
	})

	start := time.Now()
	outputs, invokeErr := p.invoke(ctx, state, inst, logger)
	duration := time.Since(start)

	if invokeErr == nil {
		invokeErr = state.Complete(inst.ID, outputs)
	}
	if invokeErr != nil {
		if err := state.Fail(inst.ID, invokeErr); err != nil {
			logger.Error("failed to record error", slog.Any("error", err))
			return
		}
	}

	// Prepare the follow-up before persisting so the enqueued instance
	// exists in the stored state.
	var next string
	complete := state.IsComplete()
	if item.InvokeAll && !complete {
		next, err = state.Next()
		if err != nil {
			logger.Error("failed to prepare next instance", slog.Any("error", err))
		}
	}

	err = p.states.Set(ctx, state.ID, state)
	metrics.ItemStoreOperations.WithLabelValues(p.states.Table(), "set", metrics.Result(err)).Inc()
	if err != nil {
		logger.Error("failed to persist session", slog.Any("error", err))
		return
	}

	if p.stats != nil {
		p.stats.Record(item.SessionID, inst.Node.Kind, duration, invokeErr != nil)
	}
	metrics.InvocationDuration.WithLabelValues(inst.Node.Kind).Observe(duration.Seconds())

	if invokeErr != nil {
		metrics.InvocationsTotal.WithLabelValues(inst.Node.Kind, "error").Inc()
		rec := state.Errors[inst.ID]
		logger.Warn("invocation failed", slog.String("error_type", rec.Type), slog.String("error", rec.Message))
		p.emit(ctx, item.SessionID, &types.EventInput{
			Type:       types.EventTypeInvocationError,
			NodeID:     inst.Source,
			InstanceID: inst.ID,
			Data: types.InvocationErrorEvent{
				Kind:       inst.Node.Kind,
				ErrorType:  rec.Type,
				Error:      rec.Message,
				DurationMS: duration.Milliseconds(),
			},
		})
	} else {
		metrics.InvocationsTotal.WithLabelValues(inst.Node.Kind, "complete").Inc()
		logger.Debug("invocation complete", slog.Duration("duration", duration))
		p.emit(ctx, item.SessionID, &types.EventInput{
			Type:       types.EventTypeInvocationComplete,
			NodeID:     inst.Source,
			InstanceID: inst.ID,
			Data: types.InvocationCompleteEvent{
				Kind:       inst.Node.Kind,
				Outputs:    state.Results[inst.ID],
				DurationMS: duration.Milliseconds(),
			},
		})
	}

	if complete {
		p.finish(ctx, state, logger)
		return
	}
	if next != "" {
		p.enqueue(ctx, followUp(item.SessionID, next), logger)
	}
}

// advance continues an invoke-all chain whose instance was run by another
// item: the next ready instance is prepared, persisted and enqueued.
func (p *Processor) advance(ctx context.Context, state *execstate.State, logger *slog.Logger) {
	if state.IsComplete() {
		return
	}
	prepared := len(state.Instances)
	next, err := state.Next()
	if err != nil {
		logger.Error("failed to prepare next instance", slog.Any("error", err))
		return
	}
	if next == "" {
		return
	}
	if len(state.Instances) != prepared {
		err := p.states.Set(ctx, state.ID, state)
		metrics.ItemStoreOperations.WithLabelValues(p.states.Table(), "set", metrics.Result(err)).Inc()
		if err != nil {
			logger.Error("failed to persist session", slog.Any("error", err))
			return
		}
	}
	p.enqueue(ctx, followUp(state.ID, next), logger)
}

func followUp(sessionID, instanceID string) queue.Item {
	return queue.Item{
		SessionID:  sessionID,
		InstanceID: instanceID,
		InvokeAll:  true,
		EnqueuedAt: time.Now().UTC(),
	}
}

func (p *Processor) enqueue(ctx context.Context, it queue.Item, logger *slog.Logger) {
	if err := p.queue.Put(ctx, it); err != nil && !errors.Is(err, queue.ErrCanceled) {
		logger.Error("failed to enqueue next instance", slog.String("next", it.InstanceID), slog.Any("error", err))
	}
}

// invoke runs the node kind under a span, converting panics to errors.
func (p *Processor) invoke(ctx context.Context, state *execstate.State, inst *execstate.Instance, logger *slog.Logger) (out graph.Values, err error) {
	ctx, span := tracing.StartInvocation(ctx, p.tracer, tracing.Invocation{
		SessionID:  state.ID,
		InstanceID: inst.ID,
		NodeID:     inst.Source,
		Kind:       inst.Node.Kind,
		Index:      inst.Index,
	})
	defer func() { tracing.EndInvocation(span, err) }()

	metrics.InvocationsActive.Inc()
	defer metrics.InvocationsActive.Dec()

	kind, err := p.registry.Get(inst.Node.Kind)
	if err != nil {
		return nil, err
	}
	inputs, err := state.ResolveInputs(inst.ID)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("invocation panicked", slog.Any("panic", r))
			out, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	return kind.Invoke(ctx, &registry.InvocationContext{
		SessionID:    state.ID,
		InstanceID:   inst.ID,
		SourceNodeID: inst.Source,
		Index:        inst.Index,
		Logger:       logger,
	}, inputs)
}

// finish reports a completed session.
func (p *Processor) finish(ctx context.Context, state *execstate.State, logger *slog.Logger) {
	hasError := state.HasError()
	outcome := "succeeded"
	if hasError {
		outcome = "failed"
	}
	metrics.SessionsTotal.WithLabelValues(outcome).Inc()
	logger.Info("session complete", slog.Bool("has_error", hasError), slog.Int("executed", len(state.ExecutedHistory)))

	p.emit(ctx, state.ID, &types.EventInput{
		Type: types.EventTypeSessionComplete,
		Data: types.SessionCompleteEvent{HasError: hasError, Executed: len(state.ExecutedHistory)},
	})
	if p.stats != nil {
		p.stats.LogSummary(state.ID)
	}
}

func (p *Processor) emit(ctx context.Context, sessionID string, input *types.EventInput) {
	metrics.EventsTotal.WithLabelValues(string(input.Type)).Inc()
	p.emitter.Emit(ctx, sessionID, input)
}
