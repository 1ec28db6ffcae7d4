// Package capture turns trigger notifications into windows read from the ring buffer and folds
// them into per-condition averages.
package capture

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sanspareilsmyn/triggeredavg/internal/average"
	"github.com/sanspareilsmyn/triggeredavg/internal/ringbuffer"
)

const (
	defaultWaitTimeout   = 100 * time.Millisecond
	defaultRetryInterval = 20 * time.Millisecond
	defaultRetryBudget   = 250
	defaultQueueCapacity = 4096
)

// WindowReader is the part of the ring buffer the worker reads from.
type WindowReader interface {
	Channels() int
	ReadWindow(trigger int64, pre, post int, channels []int, dst [][]float32) ringbuffer.ReadResult
}

// Sleeper pauses between retries. Sleep returns false when ctx ended first.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) bool
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) bool

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) bool { return f(ctx, d) }

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Config bounds the worker's waiting and retrying.
type Config struct {
	WaitTimeout   time.Duration // longest idle wait before the queue is re-checked
	RetryInterval time.Duration // pause between attempts on an incomplete window
	RetryBudget   int           // retries per request before it is dropped
	QueueCapacity int           // 0 means unbounded
}

func (c Config) withDefaults() Config {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = defaultWaitTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.RetryBudget < 0 {
		c.RetryBudget = defaultRetryBudget
	}
	if c.QueueCapacity < 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	return c
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		WaitTimeout:   defaultWaitTimeout,
		RetryInterval: defaultRetryInterval,
		RetryBudget:   defaultRetryBudget,
		QueueCapacity: defaultQueueCapacity,
	}
}

// Stats are cumulative worker counters.
type Stats struct {
	Enqueued  uint64
	Rejected  uint64
	Succeeded uint64
	TooOld    uint64
	Invalid   uint64
	Expired   uint64
	Retries   uint64
}

// Option customizes a Worker.
type Option func(*Worker)

// WithMetrics records outcomes, retries and queue depth on m.
func WithMetrics(m *Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithSleeper replaces the retry delay, mainly so tests can count retries without sleeping.
func WithSleeper(s Sleeper) Option {
	return func(w *Worker) { w.sleeper = s }
}

// WithUpdateHandler sets the function called once after every drain that folded at least one window.
func WithUpdateHandler(fn func()) Option {
	return func(w *Worker) { w.onUpdate = fn }
}

// Worker owns the FIFO of capture requests and the goroutine that serves it.
type Worker struct {
	reader   WindowReader
	store    *average.Store
	cfg      Config
	logger   *zap.Logger
	metrics  *Metrics
	sleeper  Sleeper
	onUpdate func()

	mu      sync.Mutex
	queue   []Request
	stopped bool
	wake    chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	scratch [][]float32

	enqueued  atomic.Uint64
	rejected  atomic.Uint64
	succeeded atomic.Uint64
	tooOld    atomic.Uint64
	invalid   atomic.Uint64
	expired   atomic.Uint64
	retries   atomic.Uint64
}

// New creates a worker reading from reader and folding into store.
func New(reader WindowReader, store *average.Store, cfg Config, logger *zap.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		reader:  reader,
		store:   store,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		sleeper: SleeperFunc(sleepContext),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	logger.Info("Capture worker initialized",
		zap.Duration("wait_timeout", w.cfg.WaitTimeout),
		zap.Duration("retry_interval", w.cfg.RetryInterval),
		zap.Int("retry_budget", w.cfg.RetryBudget),
		zap.Int("queue_capacity", w.cfg.QueueCapacity),
	)
	return w
}

// Enqueue appends a request to the queue and wakes the worker. It never blocks on processing.
func (w *Worker) Enqueue(req Request) error {
	if req.Channels != nil {
		req.Channels = slices.Clone(req.Channels)
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrWorkerStopped
	}
	if w.cfg.QueueCapacity > 0 && len(w.queue) >= w.cfg.QueueCapacity {
		w.mu.Unlock()
		w.rejected.Add(1)
		w.metrics.observeRejected()
		return ErrQueueFull
	}
	w.queue = append(w.queue, req)
	depth := len(w.queue)
	w.mu.Unlock()

	w.enqueued.Add(1)
	w.metrics.observeEnqueued(depth)

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued requests.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Stats returns the outcome counters accumulated since New.
func (w *Worker) Stats() Stats {
	return Stats{
		Enqueued:  w.enqueued.Load(),
		Rejected:  w.rejected.Load(),
		Succeeded: w.succeeded.Load(),
		TooOld:    w.tooOld.Load(),
		Invalid:   w.invalid.Load(),
		Expired:   w.expired.Load(),
		Retries:   w.retries.Load(),
	}
}

// Run serves the queue until ctx is cancelled. Requests still queued at that point are abandoned.
func (w *Worker) Run(ctx context.Context) error {
	sugar := w.logger.Sugar()
	sugar.Info("Starting capture worker loop...")
	defer sugar.Info("Capture worker loop stopped.")

	ticker := time.NewTicker(w.cfg.WaitTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wake:
		case <-ticker.C:
		}

		if w.drain(ctx) > 0 && ctx.Err() == nil {
			w.notify()
		}
	}
}

// Start runs the worker loop in its own goroutine.
func (w *Worker) Start(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	if w.done != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done

	w.mu.Lock()
	w.stopped = false
	w.mu.Unlock()

	go func() {
		defer close(done)
		if err := w.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("Capture worker exited with error", zap.Error(err))
		}
	}()
	return nil
}

// Stop rejects further requests, cancels the loop and waits up to timeout for it to exit.
func (w *Worker) Stop(timeout time.Duration) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	w.mu.Lock()
	w.stopped = true
	abandoned := len(w.queue)
	w.queue = nil
	w.mu.Unlock()

	if abandoned > 0 {
		w.logger.Info("Abandoning queued capture requests", zap.Int("count", abandoned))
	}
	if w.done == nil {
		return nil
	}

	w.cancel()
	select {
	case <-w.done:
	case <-time.After(timeout):
		return ErrStopTimeout
	}
	w.cancel = nil
	w.done = nil
	return nil
}

// drain serves the queue front to back until it is empty or ctx ends, and returns how many
// windows were folded.
func (w *Worker) drain(ctx context.Context) int {
	succeeded := 0
	attempts := 0

	for ctx.Err() == nil {
		req, ok := w.front()
		if !ok {
			break
		}

		state := w.process(req, attempts)
		if state == Retrying {
			attempts++
			w.retries.Add(1)
			w.metrics.observeRetry()
			if !w.sleeper.Sleep(ctx, w.cfg.RetryInterval) {
				break
			}
			continue
		}

		depth := w.pop()
		w.record(req, state, attempts, depth)
		attempts = 0
		if state == Succeeded {
			succeeded++
		}
	}
	return succeeded
}

// process makes one attempt at req. Only the worker goroutine calls it.
func (w *Worker) process(req Request, attempts int) State {
	rows := len(req.Channels)
	if req.Channels == nil {
		rows = w.reader.Channels()
	}
	dst := w.scratchFor(rows, max(req.Pre+req.Post, 0))

	result := w.reader.ReadWindow(req.TriggerSample, req.Pre, req.Post, req.Channels, dst)
	state := transition(result, attempts, w.cfg.RetryBudget)
	if state != Succeeded {
		return state
	}

	trials, err := w.store.Fold(req.Condition, dst)
	if err != nil {
		w.logger.Warn("Failed to fold captured window",
			zap.Uint32("condition", uint32(req.Condition)),
			zap.Int64("trigger_sample", req.TriggerSample),
			zap.Error(err),
		)
		return DroppedInvalid
	}
	if trials == 1 {
		w.logger.Debug("Started new average",
			zap.Uint32("condition", uint32(req.Condition)),
			zap.Int("channels", rows),
			zap.Int("samples", req.Pre+req.Post),
		)
	}
	return Succeeded
}

func (w *Worker) record(req Request, state State, attempts, depth int) {
	w.metrics.observeOutcome(state, depth)

	fields := []zap.Field{
		zap.Uint32("condition", uint32(req.Condition)),
		zap.Int64("trigger_sample", req.TriggerSample),
		zap.Int("pre", req.Pre),
		zap.Int("post", req.Post),
	}

	switch state {
	case Succeeded:
		w.succeeded.Add(1)
	case DroppedTooOld:
		w.tooOld.Add(1)
		w.logger.Debug("Dropping capture request, window already overwritten", fields...)
	case DroppedExpired:
		w.expired.Add(1)
		w.logger.Warn("Dropping capture request, retry budget exhausted",
			append(fields, zap.Int("attempts", attempts))...)
	case DroppedInvalid:
		w.invalid.Add(1)
		w.logger.DPanic("Dropping invalid capture request", fields...)
	}
}

func (w *Worker) notify() {
	w.metrics.observeNotification()
	if w.onUpdate != nil {
		w.onUpdate()
	}
}

func (w *Worker) front() (Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return Request{}, false
	}
	return w.queue[0], true
}

// pop removes the front request and returns the remaining depth.
func (w *Worker) pop() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return 0
	}
	w.queue[0] = Request{}
	w.queue = w.queue[1:]
	return len(w.queue)
}

func (w *Worker) scratchFor(rows, samples int) [][]float32 {
	if len(w.scratch) == rows && (rows == 0 || len(w.scratch[0]) == samples) {
		return w.scratch
	}
	backing := make([]float32, rows*samples)
	w.scratch = make([][]float32, rows)
	for i := range w.scratch {
		w.scratch[i] = backing[i*samples : (i+1)*samples : (i+1)*samples]
	}
	return w.scratch
}
