package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sanspareilsmyn/triggeredavg/internal/average"
	"github.com/sanspareilsmyn/triggeredavg/internal/ringbuffer"
)

// scriptedReader answers each trigger sample with a scripted sequence of results; the last
// result repeats. Successful reads fill every row with the trigger sample value.
type scriptedReader struct {
	mu       sync.Mutex
	channels int
	script   map[int64][]ringbuffer.ReadResult
	calls    map[int64]int
}

func newScriptedReader(channels int) *scriptedReader {
	return &scriptedReader{
		channels: channels,
		script:   make(map[int64][]ringbuffer.ReadResult),
		calls:    make(map[int64]int),
	}
}

func (r *scriptedReader) on(trigger int64, results ...ringbuffer.ReadResult) {
	r.script[trigger] = results
}

func (r *scriptedReader) Channels() int { return r.channels }

func (r *scriptedReader) ReadWindow(trigger int64, pre, post int, _ []int, dst [][]float32) ringbuffer.ReadResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.script[trigger]
	n := r.calls[trigger]
	r.calls[trigger]++

	result := ringbuffer.InvalidParameters
	if len(seq) > 0 {
		result = seq[min(n, len(seq)-1)]
	}
	if result == ringbuffer.Success {
		for _, row := range dst {
			for i := range row[:pre+post] {
				row[i] = float32(trigger)
			}
		}
	}
	return result
}

func (r *scriptedReader) callCount(trigger int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[trigger]
}

// countingSleeper never sleeps; it only counts.
type countingSleeper struct{ n atomic.Int64 }

func (s *countingSleeper) Sleep(ctx context.Context, _ time.Duration) bool {
	s.n.Add(1)
	return ctx.Err() == nil
}

func testConfig() Config {
	return Config{
		WaitTimeout:   10 * time.Millisecond,
		RetryInterval: time.Millisecond,
		RetryBudget:   5,
		QueueCapacity: 16,
	}
}

func TestWorker_FoldsSuccessfulRequests(t *testing.T) {
	reader := newScriptedReader(2)
	reader.on(100, ringbuffer.Success)
	reader.on(200, ringbuffer.Success)
	store := average.NewStore()
	sleeper := &countingSleeper{}
	w := New(reader, store, testConfig(), zap.NewNop(), WithSleeper(sleeper))

	require.NoError(t, w.Enqueue(Request{Condition: 1, TriggerSample: 100, Pre: 2, Post: 3}))
	require.NoError(t, w.Enqueue(Request{Condition: 1, TriggerSample: 200, Pre: 2, Post: 3}))

	assert.Equal(t, 2, w.drain(context.Background()))
	assert.Equal(t, 0, w.Pending())
	assert.Equal(t, int64(0), sleeper.n.Load())

	stats, ok := store.Snapshot(1)
	require.True(t, ok)
	assert.Equal(t, 2, stats.Trials)
	require.Len(t, stats.Mean, 2)
	assert.InDeltaSlice(t, []float64{150, 150, 150, 150, 150}, stats.Mean[0], 1e-9)
	assert.InDeltaSlice(t, []float64{50, 50, 50, 50, 50}, stats.StdDev[1], 1e-9)
}

func TestWorker_TooOldIsDroppedWithoutRetry(t *testing.T) {
	reader := newScriptedReader(1)
	reader.on(10, ringbuffer.DataTooOld)
	sleeper := &countingSleeper{}
	w := New(reader, average.NewStore(), testConfig(), zap.NewNop(), WithSleeper(sleeper))

	require.NoError(t, w.Enqueue(Request{Condition: 1, TriggerSample: 10, Pre: 1, Post: 1}))
	assert.Equal(t, 0, w.drain(context.Background()))

	assert.Equal(t, int64(0), sleeper.n.Load())
	assert.Equal(t, 1, reader.callCount(10))
	assert.Equal(t, uint64(1), w.Stats().TooOld)
	assert.Equal(t, uint64(0), w.Stats().Retries)
}

func TestWorker_InvalidIsDroppedWithoutRetry(t *testing.T) {
	rb, err := ringbuffer.New(1, 10)
	require.NoError(t, err)
	sleeper := &countingSleeper{}
	w := New(rb, average.NewStore(), testConfig(), zap.NewNop(), WithSleeper(sleeper))

	require.NoError(t, w.Enqueue(Request{Condition: 1, TriggerSample: 0, Pre: 0, Post: 0}))
	assert.Equal(t, 0, w.drain(context.Background()))

	assert.Equal(t, int64(0), sleeper.n.Load())
	assert.Equal(t, uint64(1), w.Stats().Invalid)
}

func TestWorker_RetriesUntilWindowCompletes(t *testing.T) {
	reader := newScriptedReader(1)
	reader.on(50, ringbuffer.NotEnoughNewData, ringbuffer.NotEnoughNewData, ringbuffer.NotEnoughNewData, ringbuffer.Success)
	sleeper := &countingSleeper{}
	store := average.NewStore()
	w := New(reader, store, testConfig(), zap.NewNop(), WithSleeper(sleeper))

	require.NoError(t, w.Enqueue(Request{Condition: 3, TriggerSample: 50, Pre: 1, Post: 1}))
	assert.Equal(t, 1, w.drain(context.Background()))

	assert.Equal(t, int64(3), sleeper.n.Load())
	assert.Equal(t, uint64(3), w.Stats().Retries)
	assert.Equal(t, 1, store.TrialCount(3))
}

func TestWorker_StuckRequestDoesNotStarveQueue(t *testing.T) {
	reader := newScriptedReader(1)
	reader.on(1, ringbuffer.NotEnoughNewData)
	reader.on(2, ringbuffer.Success)
	sleeper := &countingSleeper{}
	store := average.NewStore()
	cfg := testConfig()
	w := New(reader, store, cfg, zap.NewNop(), WithSleeper(sleeper))

	require.NoError(t, w.Enqueue(Request{Condition: 1, TriggerSample: 1, Pre: 1, Post: 1}))
	require.NoError(t, w.Enqueue(Request{Condition: 2, TriggerSample: 2, Pre: 1, Post: 1}))

	assert.Equal(t, 1, w.drain(context.Background()))

	stats := w.Stats()
	assert.Equal(t, uint64(1), stats.Expired)
	assert.Equal(t, uint64(1), stats.Succeeded)
	assert.Equal(t, uint64(cfg.RetryBudget), stats.Retries)
	assert.Equal(t, int64(cfg.RetryBudget), sleeper.n.Load())
	assert.Equal(t, cfg.RetryBudget+1, reader.callCount(1))
	assert.Equal(t, 0, store.TrialCount(1))
	assert.Equal(t, 1, store.TrialCount(2))
}

func TestWorker_QueueCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 2
	w := New(newScriptedReader(1), average.NewStore(), cfg, zap.NewNop())

	require.NoError(t, w.Enqueue(Request{Condition: 1, TriggerSample: 1, Pre: 1, Post: 1}))
	require.NoError(t, w.Enqueue(Request{Condition: 1, TriggerSample: 2, Pre: 1, Post: 1}))
	assert.ErrorIs(t, w.Enqueue(Request{Condition: 1, TriggerSample: 3, Pre: 1, Post: 1}), ErrQueueFull)

	assert.Equal(t, 2, w.Pending())
	assert.Equal(t, uint64(2), w.Stats().Enqueued)
	assert.Equal(t, uint64(1), w.Stats().Rejected)
}

func TestWorker_EnqueueCopiesChannelSelection(t *testing.T) {
	w := New(newScriptedReader(4), average.NewStore(), testConfig(), zap.NewNop())

	channels := []int{0, 2}
	require.NoError(t, w.Enqueue(Request{Condition: 1, TriggerSample: 1, Pre: 1, Post: 1, Channels: channels}))
	channels[0] = 3

	req, ok := w.front()
	require.True(t, ok)
	assert.Equal(t, []int{0, 2}, req.Channels)
}

func TestWorker_RunCoalescesNotifications(t *testing.T) {
	reader := newScriptedReader(1)
	for trigger := int64(1); trigger <= 3; trigger++ {
		reader.on(trigger, ringbuffer.Success)
	}
	store := average.NewStore()

	var notifications atomic.Int64
	w := New(reader, store, testConfig(), zap.NewNop(),
		WithSleeper(&countingSleeper{}),
		WithUpdateHandler(func() { notifications.Add(1) }),
	)
	for trigger := int64(1); trigger <= 3; trigger++ {
		require.NoError(t, w.Enqueue(Request{Condition: 9, TriggerSample: trigger, Pre: 1, Post: 1}))
	}

	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return store.TrialCount(9) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return notifications.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Idle wake-ups without folds do not notify.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), notifications.Load())
	require.NoError(t, w.Stop(time.Second))
}

func TestWorker_Lifecycle(t *testing.T) {
	w := New(newScriptedReader(1), average.NewStore(), testConfig(), zap.NewNop())

	require.NoError(t, w.Start(context.Background()))
	assert.ErrorIs(t, w.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, w.Stop(time.Second))
	assert.ErrorIs(t, w.Enqueue(Request{Condition: 1, TriggerSample: 1, Pre: 1, Post: 1}), ErrWorkerStopped)

	// A stopped worker can be started again.
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Enqueue(Request{Condition: 1, TriggerSample: 1, Pre: 1, Post: 1}))
	require.NoError(t, w.Stop(time.Second))
	assert.Equal(t, 0, w.Pending())
}

func TestWorker_StopTimeout(t *testing.T) {
	reader := newScriptedReader(1)
	reader.on(1, ringbuffer.NotEnoughNewData)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	stubborn := SleeperFunc(func(context.Context, time.Duration) bool {
		once.Do(func() { close(entered) })
		<-release
		return false
	})

	w := New(reader, average.NewStore(), testConfig(), zap.NewNop(), WithSleeper(stubborn))
	require.NoError(t, w.Enqueue(Request{Condition: 1, TriggerSample: 1, Pre: 1, Post: 1}))
	require.NoError(t, w.Start(context.Background()))
	<-entered

	assert.ErrorIs(t, w.Stop(20*time.Millisecond), ErrStopTimeout)

	close(release)
	assert.NoError(t, w.Stop(time.Second))
}

func TestWorker_RealRingBuffer(t *testing.T) {
	rb, err := ringbuffer.New(2, 100)
	require.NoError(t, err)
	store := average.NewStore()
	cfg := testConfig()
	cfg.RetryBudget = 2000
	w := New(rb, store, cfg, zap.NewNop())

	block := [][]float32{make([]float32, 40), make([]float32, 40)}
	for i := range block[0] {
		block[0][i] = float32(i)
		block[1][i] = float32(-i)
	}

	// The tail of the window arrives after the request.
	require.NoError(t, w.Enqueue(Request{Condition: 5, TriggerSample: 30, Pre: 5, Post: 5, Channels: []int{1}}))
	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop(time.Second) }()

	rb.Append(block, 0, 30)
	time.Sleep(5 * time.Millisecond)
	tail := [][]float32{block[0][30:], block[1][30:]}
	rb.Append(tail, 30, 10)

	require.Eventually(t, func() bool { return store.TrialCount(5) == 1 }, 2*time.Second, 5*time.Millisecond)
	mean, ok := store.Mean(5)
	require.True(t, ok)
	require.Len(t, mean, 1)
	assert.InDeltaSlice(t, []float64{-25, -26, -27, -28, -29, -30, -31, -32, -33, -34}, mean[0], 1e-9)
}

func TestWorker_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	reader := newScriptedReader(1)
	reader.on(1, ringbuffer.Success)
	reader.on(2, ringbuffer.DataTooOld)
	reader.on(3, ringbuffer.NotEnoughNewData)
	cfg := testConfig()
	cfg.RetryBudget = 2
	w := New(reader, average.NewStore(), cfg, zap.NewNop(), WithMetrics(metrics), WithSleeper(&countingSleeper{}))

	for trigger := int64(1); trigger <= 3; trigger++ {
		require.NoError(t, w.Enqueue(Request{Condition: 1, TriggerSample: trigger, Pre: 1, Post: 1}))
	}
	w.drain(context.Background())

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.enqueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.outcomes.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.outcomes.WithLabelValues("too_old")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.outcomes.WithLabelValues("expired")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.retries))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.queueDepth))
}

func TestWorker_LogsExpiredRequests(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	reader := newScriptedReader(1)
	reader.on(7, ringbuffer.NotEnoughNewData)
	cfg := testConfig()
	cfg.RetryBudget = 1
	w := New(reader, average.NewStore(), cfg, zap.New(core), WithSleeper(&countingSleeper{}))

	require.NoError(t, w.Enqueue(Request{Condition: 4, TriggerSample: 7, Pre: 1, Post: 1}))
	w.drain(context.Background())

	entries := logs.FilterMessage("Dropping capture request, retry budget exhausted").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), entries[0].ContextMap()["trigger_sample"])
	assert.Equal(t, int64(1), entries[0].ContextMap()["attempts"])
}

func TestTransition(t *testing.T) {
	assert.Equal(t, Succeeded, transition(ringbuffer.Success, 0, 3))
	assert.Equal(t, DroppedTooOld, transition(ringbuffer.DataTooOld, 0, 3))
	assert.Equal(t, DroppedInvalid, transition(ringbuffer.InvalidParameters, 0, 3))
	assert.Equal(t, Retrying, transition(ringbuffer.NotEnoughNewData, 2, 3))
	assert.Equal(t, DroppedExpired, transition(ringbuffer.NotEnoughNewData, 3, 3))
	assert.True(t, DroppedExpired.Terminal())
	assert.False(t, Retrying.Terminal())
}
