package acquisition

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// SyntheticConfig describes a generated recording: a sine per channel plus Gaussian noise, with a
// periodic TTL pulse followed by an evoked response.
type SyntheticConfig struct {
	Channels   int
	SampleRate float64
	BlockSize  int

	Frequency float64 // Hz
	Amplitude float64
	Noise     float64 // standard deviation

	TTLLine           int
	PulsePeriod       int // samples between rising edges; 0 disables pulses
	PulseWidth        int // samples the line stays high
	ResponseAmplitude float64
	ResponseSamples   int

	// Paced delivers blocks at the rate they would arrive from hardware. When false blocks are
	// produced as fast as the sink accepts them.
	Paced     bool
	MaxBlocks int // 0 runs until cancelled
	Seed      uint64
}

// Synthetic generates samples in software.
type Synthetic struct {
	cfg    SyntheticConfig
	logger *zap.Logger
	rng    *rand.Rand
	block  *Block
	next   int64
	line   bool
}

// NewSynthetic validates cfg and seeds the noise generator.
func NewSynthetic(cfg SyntheticConfig, logger *zap.Logger) (*Synthetic, error) {
	if cfg.Channels <= 0 || cfg.SampleRate <= 0 || cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("%w: channels=%d sampleRate=%g blockSize=%d",
			ErrInvalidConfig, cfg.Channels, cfg.SampleRate, cfg.BlockSize)
	}
	if cfg.PulsePeriod > 0 && (cfg.PulseWidth <= 0 || cfg.PulseWidth >= cfg.PulsePeriod) {
		return nil, fmt.Errorf("%w: pulse width %d must be within period %d",
			ErrInvalidConfig, cfg.PulseWidth, cfg.PulsePeriod)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthetic{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		block:  newBlock(cfg.Channels, cfg.BlockSize),
	}, nil
}

func (s *Synthetic) Channels() int       { return s.cfg.Channels }
func (s *Synthetic) SampleRate() float64 { return s.cfg.SampleRate }

// Run generates blocks until ctx is cancelled or MaxBlocks have been delivered. Unpaced runs
// produce blocks as fast as the sink accepts them.
func (s *Synthetic) Run(ctx context.Context, sink func(*Block)) error {
	sugar := s.logger.Sugar()
	sugar.Infow("Starting synthetic acquisition loop...",
		"channels", s.cfg.Channels, "sampleRate", s.cfg.SampleRate, "blockSize", s.cfg.BlockSize)
	defer sugar.Infow("Synthetic acquisition loop stopped.", "samples", s.next)

	var tick <-chan time.Time
	if s.cfg.Paced {
		period := time.Duration(float64(s.cfg.BlockSize) / s.cfg.SampleRate * float64(time.Second))
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		tick = ticker.C
	}

	for blocks := 0; s.cfg.MaxBlocks == 0 || blocks < s.cfg.MaxBlocks; blocks++ {
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		s.fill()
		sink(s.block)
	}
	return nil
}

func (s *Synthetic) fill() {
	b := s.block
	b.reset(s.next)

	for i := 0; i < s.cfg.BlockSize; i++ {
		n := s.next + int64(i)
		s.pulse(n)

		t := float64(n) / s.cfg.SampleRate
		evoked := s.response(n)
		for ch := range b.Samples {
			phase := float64(ch) * math.Pi / 4
			v := s.cfg.Amplitude*math.Sin(2*math.Pi*s.cfg.Frequency*t+phase) + evoked
			if s.cfg.Noise > 0 {
				v += s.cfg.Noise * s.rng.NormFloat64()
			}
			b.Samples[ch][i] = float32(v)
		}
	}

	b.Count = s.cfg.BlockSize
	s.next += int64(s.cfg.BlockSize)
}

func (s *Synthetic) pulse(n int64) {
	if s.cfg.PulsePeriod <= 0 {
		return
	}
	phase := n % int64(s.cfg.PulsePeriod)
	switch {
	case phase == 0 && !s.line:
		s.line = true
		s.block.Events = append(s.block.Events, TTLEvent{Line: s.cfg.TTLLine, State: true, SampleNumber: n})
	case phase == int64(s.cfg.PulseWidth) && s.line:
		s.line = false
		s.block.Events = append(s.block.Events, TTLEvent{Line: s.cfg.TTLLine, State: false, SampleNumber: n})
	}
}

// response is a half-sine bump starting at each rising edge.
func (s *Synthetic) response(n int64) float64 {
	if s.cfg.PulsePeriod <= 0 || s.cfg.ResponseSamples <= 0 {
		return 0
	}
	k := n % int64(s.cfg.PulsePeriod)
	if k >= int64(s.cfg.ResponseSamples) {
		return 0
	}
	return s.cfg.ResponseAmplitude * math.Sin(math.Pi*float64(k)/float64(s.cfg.ResponseSamples))
}
