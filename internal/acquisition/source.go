// Package acquisition produces blocks of multichannel samples together with the TTL line transitions
// observed while recording them.
package acquisition

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

// TTLEvent is one transition of a digital input line.
type TTLEvent struct {
	Line         int
	State        bool
	SampleNumber int64
}

// Block is a run of consecutive samples. Sources reuse blocks between callbacks, so a sink must copy
// anything it keeps after returning.
type Block struct {
	FirstSample int64
	Count       int
	Samples     [][]float32 // channel-major, each row at least Count long
	Events      []TTLEvent
}

func newBlock(channels, size int) *Block {
	backing := make([]float32, channels*size)
	b := &Block{Samples: make([][]float32, channels)}
	for ch := range b.Samples {
		b.Samples[ch] = backing[ch*size : (ch+1)*size : (ch+1)*size]
	}
	return b
}

func (b *Block) reset(first int64) {
	b.FirstSample = first
	b.Count = 0
	b.Events = b.Events[:0]
}

// Source produces blocks until ctx is cancelled or the device fails.
type Source interface {
	Channels() int
	SampleRate() float64
	Run(ctx context.Context, sink func(*Block)) error
}

// SampleClock maps wall-clock time onto sample numbers using the most recent block boundary as the
// reference. Mark is called by the producer; SampleAt may be called from any goroutine.
type SampleClock struct {
	rate       float64
	markSample atomic.Int64
	markNanos  atomic.Int64
}

// NewSampleClock returns a clock for a source running at rate samples per second.
func NewSampleClock(rate float64) *SampleClock {
	return &SampleClock{rate: rate}
}

// Mark records that sample was acquired at t.
func (c *SampleClock) Mark(sample int64, t time.Time) {
	c.markSample.Store(sample)
	c.markNanos.Store(t.UnixNano())
}

// SampleAt estimates the sample number acquired at t. It returns -1 before the first Mark.
func (c *SampleClock) SampleAt(t time.Time) int64 {
	nanos := c.markNanos.Load()
	if nanos == 0 {
		return -1
	}
	offset := time.Duration(t.UnixNano() - nanos).Seconds() * c.rate
	sample := c.markSample.Load() + int64(math.Round(offset))
	if sample < 0 {
		return 0
	}
	return sample
}
