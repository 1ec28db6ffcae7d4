// Package pipeline wires acquisition, trigger detection, capture and reporting into one runnable
// unit and exposes the averaged data to its callers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sanspareilsmyn/triggeredavg/internal/acquisition"
	"github.com/sanspareilsmyn/triggeredavg/internal/average"
	"github.com/sanspareilsmyn/triggeredavg/internal/capture"
	"github.com/sanspareilsmyn/triggeredavg/internal/config"
	"github.com/sanspareilsmyn/triggeredavg/internal/message"
	"github.com/sanspareilsmyn/triggeredavg/internal/ringbuffer"
	"github.com/sanspareilsmyn/triggeredavg/internal/telemetry"
	"github.com/sanspareilsmyn/triggeredavg/internal/trigger"
)

const (
	eventBufferSize   = 1024
	messageBufferSize = 100
	workerStopTimeout = 2 * time.Second
)

// Pipeline owns every runtime component. The acquisition goroutine is the only writer of the ring
// buffer; trigger events reach the detector through a buffered channel so the producer never waits.
type Pipeline struct {
	cfg    *config.Config
	logger *zap.Logger

	buffer   *ringbuffer.RingBuffer
	store    *average.Store
	worker   *capture.Worker
	registry *trigger.Registry
	detector *trigger.Detector
	source   acquisition.Source
	clock    *acquisition.SampleClock
	consumer *Consumer
	reporter *Reporter

	gatherer prometheus.Gatherer

	events      chan trigger.Event
	rawMessages chan []byte
	updates     chan struct{}

	droppedEvents atomic.Uint64
	acquiring     atomic.Bool
	lastFailure   atomic.Pointer[string]
}

type options struct {
	source     acquisition.Source
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// Option customizes New.
type Option func(*options)

// WithSource replaces the source built from configuration.
func WithSource(src acquisition.Source) Option {
	return func(o *options) { o.source = src }
}

// WithRegistry registers metrics on reg and serves them from it instead of the default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registerer = reg
		o.gatherer = reg
	}
}

// New creates and wires up the pipeline.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	o := options{registerer: prometheus.DefaultRegisterer, gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(&o)
	}

	initLogger := logger.Named("pipeline.init")
	initLogger.Debug("Creating pipeline components...")

	source := o.source
	if source == nil {
		var err error
		source, err = newSource(cfg.Acquisition, logger.Named("acquisition"))
		if err != nil {
			initLogger.Error("Failed to create acquisition source", zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrSourceCreationFailed, err)
		}
	}

	buffer, err := ringbuffer.New(source.Channels(), cfg.Acquisition.Capacity())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBufferCreationFailed, err)
	}
	initLogger.Debug("Ring buffer created",
		zap.Int("channels", buffer.Channels()),
		zap.Int("capacity", buffer.Capacity()),
	)

	p := &Pipeline{
		cfg:         cfg,
		logger:      logger.Named("pipeline"),
		buffer:      buffer,
		store:       average.NewStore(),
		source:      source,
		clock:       acquisition.NewSampleClock(source.SampleRate()),
		gatherer:    o.gatherer,
		events:      make(chan trigger.Event, eventBufferSize),
		rawMessages: make(chan []byte, messageBufferSize),
		updates:     make(chan struct{}, 1),
	}

	p.worker = capture.New(buffer, p.store, capture.Config{
		WaitTimeout:   cfg.Worker.WaitTimeout,
		RetryInterval: cfg.Worker.RetryInterval,
		RetryBudget:   cfg.Worker.RetryBudget,
		QueueCapacity: cfg.Worker.QueueCapacity,
	}, logger.Named("capture"),
		capture.WithMetrics(capture.NewMetrics(o.registerer)),
		capture.WithUpdateHandler(p.signalUpdate),
	)

	p.registry, err = buildRegistry(cfg.Conditions)
	if err != nil {
		initLogger.Error("Failed to build trigger conditions", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrRegistryCreationFailed, err)
	}

	window, err := p.windowSamples(cfg.Window.PreMs, cfg.Window.PostMs)
	if err != nil {
		return nil, err
	}
	p.detector, err = trigger.NewDetector(p.registry, p.worker, window, logger.Named("trigger"))
	if err != nil {
		return nil, err
	}

	p.reporter = NewReporter(p.store, p.registry, p.updates, o.registerer, logger.Named("reporter"))

	if cfg.Kafka.Enabled {
		p.consumer, err = NewConsumer(cfg.Kafka, p.rawMessages, o.registerer, logger.Named("consumer"))
		if err != nil {
			initLogger.Error("Failed to create consumer", zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrConsumerCreationFailed, err)
		}
	}

	initLogger.Info("Pipeline instance created successfully",
		zap.Int("conditions", p.registry.Len()),
		zap.Int("pre_samples", window.Pre),
		zap.Int("post_samples", window.Post),
		zap.Bool("kafka", p.consumer != nil),
		zap.Bool("telemetry", cfg.Telemetry.Enabled),
	)
	return p, nil
}

func newSource(cfg config.AcquisitionConfig, logger *zap.Logger) (acquisition.Source, error) {
	switch cfg.Source {
	case config.SourceSerial:
		return acquisition.NewSerial(acquisition.SerialConfig{
			Port:        cfg.Serial.Port,
			BaudRate:    cfg.Serial.BaudRate,
			Channels:    cfg.Channels,
			SampleRate:  cfg.SampleRate,
			BlockSize:   cfg.BlockSize,
			ReadTimeout: cfg.Serial.ReadTimeout,
		}, logger)
	default:
		syn := cfg.Synthetic
		return acquisition.NewSynthetic(acquisition.SyntheticConfig{
			Channels:          cfg.Channels,
			SampleRate:        cfg.SampleRate,
			BlockSize:         cfg.BlockSize,
			Frequency:         syn.Frequency,
			Amplitude:         syn.Amplitude,
			Noise:             syn.Noise,
			TTLLine:           syn.TTLLine,
			PulsePeriod:       durationToSamples(syn.PulseInterval, cfg.SampleRate),
			PulseWidth:        max(1, durationToSamples(syn.PulseWidth, cfg.SampleRate)),
			ResponseAmplitude: syn.ResponseAmplitude,
			ResponseSamples:   durationToSamples(syn.ResponseDuration, cfg.SampleRate),
			Paced:             true,
			Seed:              syn.Seed,
		}, logger)
	}
}

func durationToSamples(d time.Duration, sampleRate float64) int {
	return int(math.Round(d.Seconds() * sampleRate))
}

// buildRegistry creates the configured conditions, or a single TTL condition on every line when
// none are configured.
func buildRegistry(conditions []config.ConditionConfig) (*trigger.Registry, error) {
	registry := trigger.NewRegistry()
	if len(conditions) == 0 {
		_, err := registry.Add(trigger.AnyLine, trigger.TTL)
		return registry, err
	}
	for i, c := range conditions {
		typ, err := trigger.ParseType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("conditions[%d]: %w", i, err)
		}
		if _, err := registry.AddNamed(c.Name, c.Line, typ); err != nil {
			return nil, fmt.Errorf("conditions[%d]: %w", i, err)
		}
	}
	return registry, nil
}

// Run starts all components and blocks until ctx is cancelled or one of them fails. The ring
// buffer is reset once acquisition and capture have stopped.
func (p *Pipeline) Run(ctx context.Context) error {
	sugar := p.logger.Sugar()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sugar.Info("Pipeline Run: Starting components...")
	p.lastFailure.Store(nil)

	if err := p.worker.Start(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrWorkerStartFailed, err)
	}

	var wg sync.WaitGroup
	pipelineErr := make(chan error, 6)
	start := func(name string, wrap error, run func(context.Context) error) {
		wg.Add(1)
		go p.runComponent(ctx, &wg, pipelineErr, name, wrap, run)
	}

	start("acquisition", ErrAcquisitionRunFailed, p.runAcquisition)
	start("events", nil, p.runEvents)
	start("reporter", ErrReporterRunFailed, p.reporter.Run)
	if p.consumer != nil {
		start("consumer", ErrConsumerRunFailed, p.consumer.Run)
		start("parser", nil, p.runParser)
	}
	if p.cfg.Telemetry.Enabled {
		start("telemetry", ErrTelemetryRunFailed, p.runTelemetry)
	}

	// Wait for context cancellation or the first error from any component
	var firstErr error
	select {
	case <-ctx.Done():
		sugar.Info("Pipeline Run: Context cancelled. Waiting for components to finish...")
		firstErr = ctx.Err()
	case err := <-pipelineErr:
		sugar.Errorw("Pipeline Run: Received error from a component, initiating shutdown...", "error", err)
		firstErr = err
	}
	cancel()

	sugar.Debug("Pipeline Run: Waiting on WaitGroup...")
	wg.Wait()

	var shutdownErr error
	if err := p.worker.Stop(workerStopTimeout); err != nil {
		shutdownErr = fmt.Errorf("%w: %w", ErrWorkerStopFailed, err)
	} else {
		p.buffer.Reset()
	}
	sugar.Info("Pipeline Run: All components finished.")

	if errors.Is(firstErr, context.Canceled) {
		firstErr = nil
	}
	return multierr.Append(firstErr, shutdownErr)
}

// runComponent runs one component and reports a failure other than cancellation on errCh.
func (p *Pipeline) runComponent(ctx context.Context, wg *sync.WaitGroup, errCh chan<- error, name string, wrap error, run func(context.Context) error) {
	defer wg.Done()
	logger := p.logger.With(zap.String("component", name))

	logger.Debug("Starting component goroutine...")
	err := run(ctx)
	switch {
	case err == nil:
		logger.Debug("Component goroutine finished normally")
	case errors.Is(err, context.Canceled):
		logger.Debug("Component goroutine cancelled gracefully")
	default:
		logger.Error("Component exited with error", zap.Error(err))
		if wrap != nil {
			err = fmt.Errorf("%w: %w", wrap, err)
		}
		errCh <- err
	}
}

func (p *Pipeline) runAcquisition(ctx context.Context) error {
	p.acquiring.Store(true)
	defer p.acquiring.Store(false)

	err := p.source.Run(ctx, p.onBlock)
	if err != nil && ctx.Err() == nil {
		reason := err.Error()
		p.lastFailure.Store(&reason)
	}
	return err
}

// onBlock runs in the acquisition goroutine and must not block.
func (p *Pipeline) onBlock(b *acquisition.Block) {
	p.buffer.Append(b.Samples, b.FirstSample, b.Count)
	p.clock.Mark(b.FirstSample+int64(b.Count), time.Now())

	for _, ev := range b.Events {
		select {
		case p.events <- trigger.Event{Kind: trigger.TTLEvent, Line: ev.Line, State: ev.State, Sample: ev.SampleNumber}:
		default:
			if p.droppedEvents.Add(1) == 1 {
				p.logger.Warn("Trigger event queue full, dropping TTL events",
					zap.Int("capacity", eventBufferSize))
			}
		}
	}
}

func (p *Pipeline) runEvents(ctx context.Context) error {
	for {
		select {
		case ev := <-p.events:
			p.detector.Handle(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pipeline) runParser(ctx context.Context) error {
	parserLogger := p.logger.Named("parser").Sugar()
	for {
		select {
		case raw := <-p.rawMessages:
			if err := p.handleRawMessage(ctx, raw); err != nil && ctx.Err() == nil {
				parserLogger.Warnw("Failed to handle trigger message, skipping", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleRawMessage decodes a trigger message and places it on the sample timeline. Messages
// without a sample number use their timestamp, or their arrival time.
func (p *Pipeline) handleRawMessage(ctx context.Context, raw []byte) error {
	msg, err := message.ParseTrigger(raw)
	if err != nil {
		return err
	}

	sample := msg.SampleNumber
	if !msg.HasSample {
		at := msg.Timestamp
		if at.IsZero() {
			at = time.Now()
		}
		if sample = p.clock.SampleAt(at); sample < 0 {
			return ErrNoSampleClock
		}
	}
	return p.PublishMessage(ctx, msg.Text, sample)
}

// PublishMessage delivers a text trigger at sample to the detector, in order with TTL events.
func (p *Pipeline) PublishMessage(ctx context.Context, text string, sample int64) error {
	select {
	case p.events <- trigger.Event{Kind: trigger.MessageEvent, Text: text, Sample: sample}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) runTelemetry(ctx context.Context) error {
	return telemetry.StartHTTPServer(ctx, telemetry.HTTPServerOptions{
		Addr:       p.cfg.Telemetry.Addr,
		Registry:   p.gatherer,
		Health:     p.Health,
		Conditions: p,
	}, p.logger.Named("telemetry"))
}

// signalUpdate coalesces worker notifications; the reporter reads the latest state anyway.
func (p *Pipeline) signalUpdate() {
	select {
	case p.updates <- struct{}{}:
	default:
	}
}
