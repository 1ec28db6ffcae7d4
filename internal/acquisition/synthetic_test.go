package acquisition

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type collected struct {
	first  []int64
	counts []int
	rows   [][]float32
	events []TTLEvent
}

func (c *collected) sink(channels int) func(*Block) {
	c.rows = make([][]float32, channels)
	return func(b *Block) {
		c.first = append(c.first, b.FirstSample)
		c.counts = append(c.counts, b.Count)
		for ch := range channels {
			c.rows[ch] = append(c.rows[ch], b.Samples[ch][:b.Count]...)
		}
		c.events = append(c.events, b.Events...)
	}
}

func TestNewSynthetic_Validates(t *testing.T) {
	_, err := NewSynthetic(SyntheticConfig{Channels: 0, SampleRate: 1000, BlockSize: 10}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewSynthetic(SyntheticConfig{Channels: 1, SampleRate: 1000, BlockSize: 10, PulsePeriod: 10, PulseWidth: 10}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSynthetic_ContiguousBlocksAndPulses(t *testing.T) {
	src, err := NewSynthetic(SyntheticConfig{
		Channels:    2,
		SampleRate:  1000,
		BlockSize:   16,
		Frequency:   10,
		Amplitude:   1,
		TTLLine:     3,
		PulsePeriod: 20,
		PulseWidth:  5,
		MaxBlocks:   5,
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, src.Channels())
	assert.Equal(t, 1000.0, src.SampleRate())

	var c collected
	require.NoError(t, src.Run(context.Background(), c.sink(2)))

	assert.Equal(t, []int64{0, 16, 32, 48, 64}, c.first)
	assert.Equal(t, []int{16, 16, 16, 16, 16}, c.counts)
	assert.Len(t, c.rows[0], 80)

	var rising, falling []int64
	for _, ev := range c.events {
		assert.Equal(t, 3, ev.Line)
		if ev.State {
			rising = append(rising, ev.SampleNumber)
		} else {
			falling = append(falling, ev.SampleNumber)
		}
	}
	assert.Equal(t, []int64{0, 20, 40, 60}, rising)
	assert.Equal(t, []int64{5, 25, 45, 65}, falling)
}

func TestSynthetic_EvokedResponse(t *testing.T) {
	src, err := NewSynthetic(SyntheticConfig{
		Channels:          1,
		SampleRate:        1000,
		BlockSize:         50,
		PulsePeriod:       50,
		PulseWidth:        1,
		ResponseAmplitude: 2,
		ResponseSamples:   10,
		MaxBlocks:         1,
	}, nil)
	require.NoError(t, err)

	var c collected
	require.NoError(t, src.Run(context.Background(), c.sink(1)))

	// Without sine or noise only the response remains.
	row := c.rows[0]
	assert.InDelta(t, 0, row[0], 1e-6)
	assert.InDelta(t, 2, row[5], 1e-6)
	assert.InDelta(t, 0, row[20], 1e-6)
	assert.Equal(t, 5, slices.Index(row, slices.Max(row)))
}

func TestSynthetic_SeedIsDeterministic(t *testing.T) {
	cfg := SyntheticConfig{Channels: 1, SampleRate: 100, BlockSize: 8, Noise: 1, MaxBlocks: 2, Seed: 7}

	run := func() []float32 {
		src, err := NewSynthetic(cfg, nil)
		require.NoError(t, err)
		var c collected
		require.NoError(t, src.Run(context.Background(), c.sink(1)))
		return c.rows[0]
	}
	assert.Equal(t, run(), run())
}

func TestSynthetic_PacedStopsOnCancel(t *testing.T) {
	src, err := NewSynthetic(SyntheticConfig{Channels: 1, SampleRate: 1000, BlockSize: 10, Paced: true}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	blocks := make(chan struct{}, 100)
	go func() {
		done <- src.Run(ctx, func(*Block) {
			select {
			case blocks <- struct{}{}:
			default:
			}
		})
	}()

	select {
	case <-blocks:
	case <-time.After(2 * time.Second):
		t.Fatal("no block delivered")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSampleClock(t *testing.T) {
	clock := NewSampleClock(1000)
	now := time.Now()
	assert.Equal(t, int64(-1), clock.SampleAt(now))

	clock.Mark(5000, now)
	assert.Equal(t, int64(5000), clock.SampleAt(now))
	assert.Equal(t, int64(5250), clock.SampleAt(now.Add(250*time.Millisecond)))
	assert.Equal(t, int64(4900), clock.SampleAt(now.Add(-100*time.Millisecond)))
	assert.Equal(t, int64(0), clock.SampleAt(now.Add(-time.Hour)))
}
