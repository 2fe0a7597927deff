// Package workerpool runs file-processing tasks on a bounded, resizable set
// of workers.
//
// A single dispatch loop pops the head of the task queue and assigns it to
// an idle worker. Before every dispatch it samples memory usage and pauses
// while usage is above the configured threshold. Handlers are a fixed map
// from task type to function; there is no dynamic code.
//
// Shrinking the pool removes idle workers immediately. Busy surplus workers
// are marked retiring and their context is cancelled: a handler that honours
// the cancellation has its task put back at the head of the queue, a handler
// that ignores it finishes normally, and in both cases the worker then exits.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/folderindex/internal/config"
	"github.com/dshills/folderindex/internal/metrics"
	"github.com/dshills/folderindex/pkg/types"
)

var (
	// ErrPoolClosed fails tasks submitted to, or still queued in, a closed pool
	ErrPoolClosed = errors.New("worker pool closed")
	// ErrTaskPanicked wraps a recovered handler panic
	ErrTaskPanicked = errors.New("task panicked")
	// ErrUnknownTaskType is returned for a task type with no handler
	ErrUnknownTaskType = errors.New("unknown task type")
)

// Handler processes one task payload. ctx is cancelled when the submitter's
// context ends or the worker is being torn down.
type Handler func(ctx context.Context, payload any) (any, error)

// Config sizes the pool
type Config struct {
	Workers                int
	MemoryThresholdPercent float64
	BackpressureDelay      time.Duration
}

// ConfigFromSettings extracts the pool settings
func ConfigFromSettings(cfg config.Settings) Config {
	return Config{
		Workers:                cfg.Workers,
		MemoryThresholdPercent: cfg.MemoryThresholdPercent,
		BackpressureDelay:      cfg.BackpressureDelay.Std(),
	}
}

// Option configures a Pool
type Option func(*Pool)

// WithLogger sets the logger
func WithLogger(log hclog.Logger) Option {
	return func(p *Pool) {
		if log != nil {
			p.log = log.Named("pool")
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithMemorySampler replaces the default runtime sampler
func WithMemorySampler(s MemorySampler) Option {
	return func(p *Pool) {
		if s != nil {
			p.sampler = s
		}
	}
}

type workerState int

const (
	stateIdle workerState = iota
	stateBusy
)

type worker struct {
	id       int
	state    workerState
	retiring bool
	assign   chan *task
	ctx      context.Context
	cancel   context.CancelFunc
}

type task struct {
	id      uint64
	typ     types.TaskType
	payload any
	ctx     context.Context
	future  *Future
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Workers  int // live worker goroutines, retiring included
	Idle     int
	Busy     int
	Retiring int
	Queued   int
}

// Pool is a resizable worker pool
type Pool struct {
	cfg      Config
	handlers map[types.TaskType]Handler
	sampler  MemorySampler
	log      hclog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	queue    []*task
	workers  []*worker
	nextTask uint64
	nextID   int
	closed   bool

	wake      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts a pool with cfg.Workers workers
func New(cfg Config, handlers map[types.TaskType]Handler, opts ...Option) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BackpressureDelay <= 0 {
		cfg.BackpressureDelay = 100 * time.Millisecond
	}

	p := &Pool{
		cfg:      cfg,
		handlers: handlers,
		log:      hclog.NewNullLogger(),
		wake:     make(chan struct{}, 1),
		closing:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.sampler == nil {
		p.sampler = RuntimeSampler(0)
	}

	p.mu.Lock()
	for range cfg.Workers {
		p.spawnLocked()
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.wg.Add(1)
	go p.dispatchLoop()
	return p
}

// Submit queues a task and returns its future. The task is failed without
// running if ctx is done by the time it would be dispatched.
func (p *Pool) Submit(ctx context.Context, taskType types.TaskType, payload any) *Future {
	f := newFuture()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := p.handlers[taskType]; !ok {
		f.complete(nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType))
		return f
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		f.complete(nil, ErrPoolClosed)
		return f
	}
	p.nextTask++
	p.queue = append(p.queue, &task{
		id:      p.nextTask,
		typ:     taskType,
		payload: payload,
		ctx:     ctx,
		future:  f,
	})
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.notify()
	return f
}

// Resize changes the target worker count
func (p *Pool) Resize(n int) {
	if n < 1 {
		n = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	active := p.activeLocked()
	switch {
	case n > len(active):
		for range n - len(active) {
			p.spawnLocked()
		}
	case n < len(active):
		surplus := len(active) - n

		// idle first, newest first
		for i := len(active) - 1; i >= 0 && surplus > 0; i-- {
			w := active[i]
			if w.state == stateIdle {
				p.dropWorkerLocked(w)
				w.cancel()
				surplus--
			}
		}
		for i := len(active) - 1; i >= 0 && surplus > 0; i-- {
			w := active[i]
			if w.state == stateBusy {
				w.retiring = true
				w.cancel()
				surplus--
			}
		}
	}

	p.log.Debug("pool resized", "target", n, "workers", len(p.workers))
	p.updateGaugesLocked()
	p.notifyLocked()
}

// Size returns the number of workers that are not retiring
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activeLocked())
}

// IdleCount returns the number of idle workers
func (p *Pool) IdleCount() int {
	return p.Stats().Idle
}

// Pending returns the number of queued tasks
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stats returns counts by worker state
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Workers: len(p.workers), Queued: len(p.queue)}
	for _, w := range p.workers {
		switch {
		case w.retiring:
			s.Retiring++
		case w.state == stateIdle:
			s.Idle++
		default:
			s.Busy++
		}
	}
	return s
}

// Close stops dispatching, cancels the workers and waits for them to exit.
// Queued tasks fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		queued := p.queue
		p.queue = nil
		for _, w := range p.workers {
			w.cancel()
		}
		p.updateGaugesLocked()
		p.mu.Unlock()

		close(p.closing)
		for _, t := range queued {
			t.future.complete(nil, ErrPoolClosed)
		}
		p.wg.Wait()
		p.log.Debug("pool closed", "abandoned", len(queued))
	})
	return nil
}

func (p *Pool) spawnLocked() {
	p.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		id:     p.nextID,
		state:  stateIdle,
		assign: make(chan *task, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	p.workers = append(p.workers, w)
	p.wg.Add(1)
	go p.runWorker(w)
}

func (p *Pool) activeLocked() []*worker {
	active := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		if !w.retiring {
			active = append(active, w)
		}
	}
	return active
}

func (p *Pool) idleWorkerLocked() *worker {
	for _, w := range p.workers {
		if w.state == stateIdle && !w.retiring {
			return w
		}
	}
	return nil
}

func (p *Pool) dropWorkerLocked(w *worker) {
	p.workers = slices.DeleteFunc(p.workers, func(o *worker) bool { return o == w })
}

func (p *Pool) updateGaugesLocked() {
	idle, busy := 0, 0
	for _, w := range p.workers {
		if w.state == stateIdle {
			idle++
		} else {
			busy++
		}
	}
	p.metrics.SetWorkers(idle, busy)
	p.metrics.SetQueueDepth(len(p.queue))
}

func (p *Pool) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// notifyLocked is notify; the wake channel never blocks so holding mu is fine
func (p *Pool) notifyLocked() {
	p.notify()
}

func (p *Pool) dispatchLoop() {
	defer p.wg.Done()
	for {
		if !p.waitForWork() {
			return
		}
		if usage := p.sampler(); p.cfg.MemoryThresholdPercent > 0 && usage > p.cfg.MemoryThresholdPercent {
			p.log.Debug("memory backpressure", "usage_percent", usage, "threshold", p.cfg.MemoryThresholdPercent)
			select {
			case <-p.closing:
				return
			case <-time.After(p.cfg.BackpressureDelay):
			}
			continue
		}
		p.dispatchOne()
	}
}

// waitForWork blocks until a task and an idle worker are both available
func (p *Pool) waitForWork() bool {
	for {
		p.mu.Lock()
		ready := !p.closed && len(p.queue) > 0 && p.idleWorkerLocked() != nil
		p.mu.Unlock()
		if ready {
			return true
		}
		select {
		case <-p.closing:
			return false
		case <-p.wake:
		}
	}
}

func (p *Pool) dispatchOne() {
	p.mu.Lock()
	if p.closed || len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	w := p.idleWorkerLocked()
	if w == nil {
		p.mu.Unlock()
		return
	}

	t := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]

	if err := t.ctx.Err(); err != nil {
		p.updateGaugesLocked()
		p.mu.Unlock()
		t.future.complete(nil, err)
		return
	}

	w.state = stateBusy
	w.assign <- t
	p.updateGaugesLocked()
	p.mu.Unlock()
}

func (p *Pool) runWorker(w *worker) {
	defer p.wg.Done()
	for {
		select {
		case t := <-w.assign:
			if !p.execute(w, t) {
				return
			}
		case <-w.ctx.Done():
			// an assignment may have raced with the cancellation
			select {
			case t := <-w.assign:
				p.requeue(t)
			default:
			}
			p.mu.Lock()
			p.dropWorkerLocked(w)
			p.updateGaugesLocked()
			p.mu.Unlock()
			p.notify()
			return
		}
	}
}

// requeue puts t back at the head of the queue, or fails it if the pool
// is closed.
func (p *Pool) requeue(t *task) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		t.future.complete(nil, ErrPoolClosed)
		return
	}
	p.queue = slices.Insert(p.queue, 0, t)
	p.updateGaugesLocked()
	p.mu.Unlock()
	p.notify()
}

// execute runs t on w and reports whether w stays in the pool
func (p *Pool) execute(w *worker, t *task) bool {
	ctx, stop := context.WithCancel(w.ctx)
	unhook := context.AfterFunc(t.ctx, stop)

	start := time.Now()
	result, err := p.invoke(ctx, t)
	p.metrics.ObserveTask(t.typ, time.Since(start))

	unhook()
	stop()

	// the worker was torn down under a cooperative handler
	aborted := err != nil && w.ctx.Err() != nil && t.ctx.Err() == nil && errors.Is(err, context.Canceled)
	if aborted {
		p.log.Debug("task interrupted by worker shutdown, requeueing", "task", t.id, "worker", w.id)
		p.requeue(t)
	} else {
		t.future.complete(result, err)
	}

	p.mu.Lock()
	keep := !w.retiring && !p.closed && w.ctx.Err() == nil
	if keep {
		w.state = stateIdle
	} else {
		p.dropWorkerLocked(w)
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.notify()
	return keep
}

func (p *Pool) invoke(ctx context.Context, t *task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", "task", t.id, "type", t.typ.String(), "panic", r)
			result, err = nil, fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return p.handlers[t.typ](ctx, t.payload)
}
