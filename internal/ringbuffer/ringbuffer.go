// Package ringbuffer implements the fixed-capacity multi-channel sample store shared by the
// acquisition producer and the capture worker.
package ringbuffer

import (
	"errors"
	"runtime"
	"sync/atomic"
)

// ErrInvalidShape is returned by New when channels or capacity is not positive.
var ErrInvalidShape = errors.New("ring buffer channels and capacity must be positive")

// RingBuffer is a single-writer, multi-reader circular store of float32 samples.
//
// Append must only be called from one goroutine. ReadWindow and the accessors may be called from
// any goroutine concurrently with Append. The sequence counter is odd for the whole of an Append,
// sample copy included, so a reader that snapshots after copying sees every slot the producer
// touched meanwhile.
type RingBuffer struct {
	channels int
	capacity int

	data          [][]float32 // channels x capacity
	sampleNumbers []int64     // absolute sample number held by each slot

	seq        atomic.Uint64 // odd while the producer is writing
	nextSample atomic.Int64
	writeIndex atomic.Int64
	valid      atomic.Int64

	// beforePublish runs after the samples are copied and before the counters move. Tests only.
	beforePublish func()
}

// New allocates a ring buffer holding capacity samples for each of channels channels.
func New(channels, capacity int) (*RingBuffer, error) {
	if channels <= 0 || capacity <= 0 {
		return nil, ErrInvalidShape
	}

	data := make([][]float32, channels)
	backing := make([]float32, channels*capacity)
	for ch := range data {
		data[ch] = backing[ch*capacity : (ch+1)*capacity : (ch+1)*capacity]
	}

	return &RingBuffer{
		channels:      channels,
		capacity:      capacity,
		data:          data,
		sampleNumbers: make([]int64, capacity),
	}, nil
}

// Channels returns the number of channels stored per sample.
func (rb *RingBuffer) Channels() int { return rb.channels }

// Capacity returns the number of samples retained per channel.
func (rb *RingBuffer) Capacity() int { return rb.capacity }

// CurrentSampleNumber returns the absolute number of the next sample the producer will write.
func (rb *RingBuffer) CurrentSampleNumber() int64 {
	return rb.snapshot().NextSample
}

// ValidSamples returns how many samples per channel are resident.
func (rb *RingBuffer) ValidSamples() int {
	return rb.snapshot().Valid
}

// OldestSampleNumber returns the absolute number of the oldest resident sample.
func (rb *RingBuffer) OldestSampleNumber() int64 {
	return rb.snapshot().OldestSample()
}

// SampleNumberAt returns the absolute sample number last written to a physical slot.
func (rb *RingBuffer) SampleNumberAt(slot int) int64 {
	if slot < 0 || slot >= rb.capacity {
		return -1
	}
	return rb.sampleNumbers[slot]
}

// Append copies one acquisition block into the ring.
//
// input holds one slice per channel, each with at least count samples. Only the trailing
// min(count, capacity) samples are kept. Channels beyond len(input), and input channels shorter
// than count, keep their previous contents. The timeline advances by count regardless of how many
// samples were physically kept. Append never allocates and never blocks.
func (rb *RingBuffer) Append(input [][]float32, firstSample int64, count int) {
	if count <= 0 {
		return
	}

	written := min(count, rb.capacity)
	skip := count - written
	writeIndex := int(rb.writeIndex.Load())

	rb.seq.Add(1)

	// Up to two segments: until the physical end, then from slot zero.
	first := min(written, rb.capacity-writeIndex)
	second := written - first

	channels := min(len(input), rb.channels)
	for ch := 0; ch < channels; ch++ {
		src := input[ch]
		if len(src) < count {
			continue
		}
		copy(rb.data[ch][writeIndex:writeIndex+first], src[skip:skip+first])
		if second > 0 {
			copy(rb.data[ch][:second], src[skip+first:skip+written])
		}
	}

	base := firstSample + int64(skip)
	for i := 0; i < first; i++ {
		rb.sampleNumbers[writeIndex+i] = base + int64(i)
	}
	for i := 0; i < second; i++ {
		rb.sampleNumbers[i] = base + int64(first+i)
	}

	valid := min(int(rb.valid.Load())+written, rb.capacity)

	if rb.beforePublish != nil {
		rb.beforePublish()
	}
	rb.writeIndex.Store(int64((writeIndex + written) % rb.capacity))
	rb.valid.Store(int64(valid))
	rb.nextSample.Store(firstSample + int64(count))
	rb.seq.Add(1)
}

// ReadWindow copies the window [trigger-pre, trigger+post) into dst.
//
// channels selects which ring channels fill the rows of dst; nil selects every channel in order.
// dst must have one row per selected channel, each at least pre+post long. Rows whose channel index
// is out of range are zero-filled. If the producer overwrote part of the window while it was being
// copied the result is DataTooOld.
func (rb *RingBuffer) ReadWindow(trigger int64, pre, post int, channels []int, dst [][]float32) ReadResult {
	result, start := rb.Classify(trigger, pre, post)
	if result != Success {
		return result
	}

	total := pre + post
	rows := len(channels)
	if channels == nil {
		rows = rb.channels
	}
	if len(dst) < rows {
		return InvalidParameters
	}
	for i := 0; i < rows; i++ {
		if len(dst[i]) < total {
			return InvalidParameters
		}
	}

	for i := 0; i < rows; i++ {
		ch := i
		if channels != nil {
			ch = channels[i]
		}
		out := dst[i][:total]
		if ch < 0 || ch >= rb.channels {
			clear(out)
			continue
		}
		rb.copyOut(out, ch, start)
	}

	// The producer may have lapped the window while we were copying. snapshot waits out any
	// Append in flight, so its eviction is visible here.
	if trigger-int64(pre) < rb.snapshot().OldestSample() {
		return DataTooOld
	}
	return Success
}

// Read is ReadWindow with a freshly allocated destination.
func (rb *RingBuffer) Read(trigger int64, pre, post int, channels []int) ([][]float32, ReadResult) {
	rows := len(channels)
	if channels == nil {
		rows = rb.channels
	}
	total := pre + post
	if pre < 0 || post < 0 || total <= 0 {
		return nil, InvalidParameters
	}

	dst := make([][]float32, rows)
	for i := range dst {
		dst[i] = make([]float32, total)
	}
	result := rb.ReadWindow(trigger, pre, post, channels, dst)
	if result != Success {
		return nil, result
	}
	return dst, Success
}

// Reset zeroes every sample and counter. The caller must ensure no Append or read is in flight.
func (rb *RingBuffer) Reset() {
	rb.seq.Add(1)
	for ch := range rb.data {
		clear(rb.data[ch])
	}
	clear(rb.sampleNumbers)

	rb.writeIndex.Store(0)
	rb.valid.Store(0)
	rb.nextSample.Store(0)
	rb.seq.Add(1)
}

func (rb *RingBuffer) copyOut(out []float32, ch, start int) {
	total := len(out)
	first := min(total, rb.capacity-start)
	copy(out[:first], rb.data[ch][start:start+first])
	if rest := total - first; rest > 0 {
		copy(out[first:], rb.data[ch][:rest])
	}
}

// snapshot reads the producer counters as one consistent value.
func (rb *RingBuffer) snapshot() Snapshot {
	for {
		before := rb.seq.Load()
		if before&1 == 1 {
			runtime.Gosched()
			continue
		}
		s := Snapshot{
			NextSample: rb.nextSample.Load(),
			WriteIndex: int(rb.writeIndex.Load()),
			Valid:      int(rb.valid.Load()),
		}
		if rb.seq.Load() == before {
			return s
		}
	}
}
