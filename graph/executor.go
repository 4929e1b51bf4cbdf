package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/qri-io/lazyarray/chunk"
)

var tracer = otel.Tracer("lazyarray.graph")

// State is the lifecycle position of one task within a single compute call.
type State int

const (
	// StateUnbuilt tasks are referenced but not yet submitted.
	StateUnbuilt State = iota
	// StateScheduled tasks are submitted and wait for a worker.
	StateScheduled
	// StateComputed tasks hold their result. This is terminal.
	StateComputed
)

func (s State) String() string {
	switch s {
	case StateUnbuilt:
		return "unbuilt"
	case StateScheduled:
		return "scheduled"
	case StateComputed:
		return "computed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Executor walks a graph and evaluates the tasks needed for a set of
// targets. A task is submitted only once all of its dependencies are
// computed, and runs at most once per Compute call.
//
// Executor is safe for concurrent use; every Compute call keeps its own
// results and discards them when it returns.
type Executor struct {
	workers  int
	logger   *slog.Logger
	metrics  *Metrics
	observer func(Key, State)
}

// Option configures an Executor
type Option func(*Executor)

// WithWorkers bounds the number of concurrently running tasks. One worker
// gives sequential, deterministic execution.
func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLogger sets the structured logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics reports task and compute counts to m
func WithMetrics(m *Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithObserver calls fn on every task state transition. fn is called from
// worker goroutines and must be safe for concurrent use.
func WithObserver(fn func(Key, State)) Option {
	return func(e *Executor) { e.observer = fn }
}

// NewExecutor creates an executor using one worker per available CPU unless
// configured otherwise
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		workers: runtime.GOMAXPROCS(0),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sequential returns a single-worker executor
func Sequential() *Executor {
	return NewExecutor(WithWorkers(1))
}

func (e *Executor) Workers() int { return e.workers }

// Compute evaluates targets and returns their results. The call blocks until
// every needed task is computed or one fails. On failure no results are
// returned, tasks not yet started are never scheduled, and the error is an
// *ExecutionError naming the failing task.
func (e *Executor) Compute(ctx context.Context, g *Graph, targets []Key) (map[Key]interface{}, error) {
	if ctx == nil {
		return nil, errors.New("nil context")
	}
	order, err := g.Order(targets)
	if err != nil {
		return nil, err
	}

	session := uuid.NewString()[:12]
	ctx, span := tracer.Start(ctx, "graph.Compute",
		trace.WithAttributes(
			attribute.String("graph.session_id", session),
			attribute.Int("graph.task_count", len(order)),
			attribute.Int("graph.target_count", len(targets)),
			attribute.Int("graph.workers", e.workers),
		),
	)
	defer span.End()

	start := time.Now()
	e.logger.Debug("compute started",
		slog.String("session_id", session),
		slog.Int("tasks", len(order)),
		slog.Int("targets", len(targets)),
		slog.Int("workers", e.workers),
	)

	r := newRun(e, g, order)
	if err := r.execute(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e.metrics != nil {
			e.metrics.computes.WithLabelValues("failure").Inc()
		}
		e.logger.Error("compute failed",
			slog.String("session_id", session),
			slog.Int("tasks_computed", r.computedCount()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	out := make(map[Key]interface{}, len(targets))
	for _, k := range targets {
		out[k] = r.results[k]
	}

	span.SetStatus(codes.Ok, "")
	if e.metrics != nil {
		e.metrics.computes.WithLabelValues("success").Inc()
	}
	e.logger.Debug("compute completed",
		slog.String("session_id", session),
		slog.Duration("duration", time.Since(start)),
		slog.Int("tasks_computed", r.computedCount()),
	)
	return out, nil
}

// run is the state of one Compute call
type run struct {
	e     *Executor
	graph *Graph
	order []Key

	mu      sync.Mutex
	results map[Key]interface{}
	states  map[Key]State

	remaining  map[Key]int
	dependents map[Key][]Key
}

func newRun(e *Executor, g *Graph, order []Key) *run {
	r := &run{
		e:          e,
		graph:      g,
		order:      order,
		results:    make(map[Key]interface{}, len(order)),
		states:     make(map[Key]State, len(order)),
		remaining:  make(map[Key]int, len(order)),
		dependents: make(map[Key][]Key, len(order)),
	}
	for _, k := range order {
		t := g.tasks[k]
		r.states[k] = StateUnbuilt
		if v, ok := t.Value(); ok {
			r.results[k] = v
			r.states[k] = StateComputed
		}
	}
	for _, k := range order {
		if r.states[k] == StateComputed {
			continue
		}
		for _, dep := range g.tasks[k].Deps {
			if r.states[dep] != StateComputed {
				r.remaining[k]++
				r.dependents[dep] = append(r.dependents[dep], k)
			}
		}
	}
	return r
}

func (r *run) execute(ctx context.Context) error {
	pending := 0
	var ready []Key
	for _, k := range r.order {
		if r.states[k] == StateComputed {
			continue
		}
		pending++
		if r.remaining[k] == 0 {
			ready = append(ready, k)
		}
	}
	if pending == 0 {
		return nil
	}

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.e.workers)
	done := make(chan Key, pending)

	schedule := func(k Key) {
		if egctx.Err() != nil {
			return
		}
		r.setState(k, StateScheduled)
		eg.Go(func() error {
			if err := egctx.Err(); err != nil {
				return err
			}
			if err := r.runTask(egctx, r.graph.tasks[k]); err != nil {
				return err
			}
			done <- k
			return nil
		})
	}

	for _, k := range ready {
		schedule(k)
	}

	completed := 0
loop:
	for completed < pending {
		select {
		case k := <-done:
			completed++
			for _, d := range r.dependents[k] {
				r.remaining[d]--
				if r.remaining[d] == 0 {
					schedule(d)
				}
			}
		case <-egctx.Done():
			break loop
		}
	}

	if err := eg.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (r *run) runTask(ctx context.Context, t *Task) (err error) {
	ctx, span := tracer.Start(ctx, "graph.Task",
		trace.WithAttributes(
			attribute.String("graph.key", string(t.Key)),
			attribute.String("graph.label", t.Label),
		),
	)
	defer span.End()

	m := r.e.metrics
	if m != nil {
		m.activeTasks.Inc()
		defer m.activeTasks.Dec()
	}

	r.mu.Lock()
	deps := make([]interface{}, len(t.Deps))
	for i, d := range t.Deps {
		deps[i] = r.results[d]
	}
	r.mu.Unlock()

	start := time.Now()
	v, err := call(ctx, t, deps)
	if m != nil {
		m.taskDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		var ee *ExecutionError
		if !errors.As(err, &ee) {
			err = &ExecutionError{Label: t.Label, Key: t.Key, Index: t.Index, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if m != nil {
			m.tasks.WithLabelValues("failure").Inc()
		}
		r.e.logger.Debug("task failed",
			slog.String("key", string(t.Key)),
			slog.String("label", t.Label),
			slog.String("block", chunk.IndexString(t.Index)),
			slog.String("error", err.Error()),
		)
		return err
	}

	if m != nil {
		m.tasks.WithLabelValues("success").Inc()
	}
	r.mu.Lock()
	r.results[t.Key] = v
	r.mu.Unlock()
	r.setState(t.Key, StateComputed)
	return nil
}

func call(ctx context.Context, t *Task, deps []interface{}) (v interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p}
		}
	}()
	if t.Fn == nil {
		return nil, fmt.Errorf("task %s has no function", t.Key)
	}
	return t.Fn(ctx, deps)
}

func (r *run) setState(k Key, s State) {
	r.mu.Lock()
	r.states[k] = s
	r.mu.Unlock()
	if r.e.observer != nil {
		r.e.observer(k, s)
	}
}

func (r *run) computedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == StateComputed {
			n++
		}
	}
	return n
}
