// Package average keeps running per-condition statistics of captured trigger windows.
package average

import (
	"math"
	"sync"
)

// Stats is a point-in-time copy of an accumulator.
type Stats struct {
	Trials int
	Mean   [][]float64 // channel x offset
	StdDev [][]float64 // channel x offset, population estimator
}

// Accumulator holds running sums and sums of squares over a fixed channel x offset shape.
//
// Fold is expected from a single goroutine; readers may call Mean, StandardDeviation and Snapshot
// concurrently with it.
type Accumulator struct {
	mu         sync.RWMutex
	channels   int
	samples    int
	sum        []float64 // row-major channel x offset
	sumSquares []float64
	trials     int
}

// NewAccumulator returns an empty accumulator with the given shape.
func NewAccumulator(channels, samples int) *Accumulator {
	a := &Accumulator{}
	a.resize(channels, samples)
	return a
}

// Shape returns the channel and per-channel sample counts.
func (a *Accumulator) Shape() (channels, samples int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.channels, a.samples
}

// Trials returns the number of folded blocks.
func (a *Accumulator) Trials() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.trials
}

// Fold adds one captured window as a trial. block must match the accumulator's shape.
func (a *Accumulator) Fold(block [][]float32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(block) != a.channels {
		return ErrShapeMismatch
	}
	for _, row := range block {
		if len(row) != a.samples {
			return ErrShapeMismatch
		}
	}

	for ch, row := range block {
		base := ch * a.samples
		sum := a.sum[base : base+a.samples]
		sq := a.sumSquares[base : base+a.samples]
		for i, v := range row {
			x := float64(v)
			sum[i] += x
			sq[i] += x * x
		}
	}
	a.trials++
	return nil
}

// Mean returns the per channel, per offset average. All zeros when there are no trials.
func (a *Accumulator) Mean() [][]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	mean, _ := a.derive(false)
	return mean
}

// StandardDeviation returns the per channel, per offset population standard deviation.
func (a *Accumulator) StandardDeviation() [][]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, std := a.derive(true)
	return std
}

// Snapshot returns trials, mean and standard deviation taken under one lock.
func (a *Accumulator) Snapshot() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	mean, std := a.derive(true)
	return Stats{Trials: a.trials, Mean: mean, StdDev: std}
}

// ResetShape discards every trial and reallocates to the new shape.
func (a *Accumulator) ResetShape(channels, samples int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resize(channels, samples)
}

// Clear discards every trial and keeps the shape.
func (a *Accumulator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.sum)
	clear(a.sumSquares)
	a.trials = 0
}

func (a *Accumulator) matches(channels, samples int) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.channels == channels && a.samples == samples
}

func (a *Accumulator) resize(channels, samples int) {
	channels = max(channels, 0)
	samples = max(samples, 0)
	a.channels = channels
	a.samples = samples
	a.sum = make([]float64, channels*samples)
	a.sumSquares = make([]float64, channels*samples)
	a.trials = 0
}

// derive must be called with the lock held.
func (a *Accumulator) derive(withStd bool) (mean, std [][]float64) {
	mean = a.grid()
	if withStd {
		std = a.grid()
	}
	if a.trials == 0 {
		return mean, std
	}

	n := float64(a.trials)
	for ch := 0; ch < a.channels; ch++ {
		base := ch * a.samples
		for i := 0; i < a.samples; i++ {
			m := a.sum[base+i] / n
			mean[ch][i] = m
			if withStd {
				// Var = E[X^2] - E[X]^2, clamped against cancellation.
				variance := a.sumSquares[base+i]/n - m*m
				std[ch][i] = math.Sqrt(math.Max(0, variance))
			}
		}
	}
	return mean, std
}

func (a *Accumulator) grid() [][]float64 {
	backing := make([]float64, a.channels*a.samples)
	rows := make([][]float64, a.channels)
	for ch := range rows {
		rows[ch] = backing[ch*a.samples : (ch+1)*a.samples : (ch+1)*a.samples]
	}
	return rows
}
