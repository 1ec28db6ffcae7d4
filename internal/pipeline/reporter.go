package pipeline

import (
	"context"
	"math"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/sanspareilsmyn/triggeredavg/internal/average"
	"github.com/sanspareilsmyn/triggeredavg/internal/trigger"
)

// Reporter publishes per-condition summaries each time the capture worker signals new data.
type Reporter struct {
	store    *average.Store
	registry *trigger.Registry
	updates  <-chan struct{}
	logger   *zap.Logger

	trials *prometheus.GaugeVec
	peak   *prometheus.GaugeVec
	stdDev *prometheus.GaugeVec

	mu       sync.Mutex
	reported map[average.ConditionID]int // trial count at last report
}

// NewReporter registers the per-condition gauges on registerer.
func NewReporter(store *average.Store, registry *trigger.Registry, updates <-chan struct{}, registerer prometheus.Registerer, logger *zap.Logger) *Reporter {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)
	labels := []string{"condition_id"}

	return &Reporter{
		store:    store,
		registry: registry,
		updates:  updates,
		logger:   logger,
		trials: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "triggeredavg_condition_trials",
			Help: "Number of windows averaged for a condition.",
		}, labels),
		peak: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "triggeredavg_condition_peak_abs_mean",
			Help: "Largest absolute value of the averaged trace across channels and offsets.",
		}, labels),
		stdDev: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "triggeredavg_condition_mean_stddev",
			Help: "Standard deviation averaged across channels and offsets.",
		}, labels),
		reported: make(map[average.ConditionID]int),
	}
}

// Run reports after every update notification until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	sugar := r.logger.Sugar()
	sugar.Info("Starting reporter loop...")
	defer sugar.Info("Reporter loop stopped.")

	for {
		select {
		case _, ok := <-r.updates:
			if !ok {
				sugar.Info("Reporter update channel closed.")
				return nil
			}
			r.report()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// report refreshes gauges for every condition whose trial count changed.
func (r *Reporter) report() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.registry.List() {
		stats, ok := r.store.Snapshot(c.ID)
		if !ok {
			continue
		}
		if last, seen := r.reported[c.ID]; seen && last == stats.Trials {
			continue
		}
		r.reported[c.ID] = stats.Trials

		peak, meanStd := summarize(stats)
		label := conditionLabel(c.ID)
		r.trials.WithLabelValues(label).Set(float64(stats.Trials))
		r.peak.WithLabelValues(label).Set(peak)
		r.stdDev.WithLabelValues(label).Set(meanStd)

		r.logger.Info("Condition average updated",
			zap.Uint32("condition_id", uint32(c.ID)),
			zap.String("condition", c.Name),
			zap.Int("trials", stats.Trials),
			zap.Float64("peak_abs_mean", peak),
			zap.Float64("mean_stddev", meanStd),
		)
	}
}

// forget drops the series of a removed or cleared condition.
func (r *Reporter) forget(id average.ConditionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.reported, id)
	label := conditionLabel(id)
	r.trials.DeleteLabelValues(label)
	r.peak.DeleteLabelValues(label)
	r.stdDev.DeleteLabelValues(label)
}

func (r *Reporter) forgetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.reported)
	r.trials.Reset()
	r.peak.Reset()
	r.stdDev.Reset()
}

func conditionLabel(id average.ConditionID) string {
	return strconv.FormatUint(uint64(id), 10)
}

func summarize(stats average.Stats) (peak, meanStd float64) {
	n := 0
	for ch := range stats.Mean {
		for i, m := range stats.Mean[ch] {
			peak = math.Max(peak, math.Abs(m))
			meanStd += stats.StdDev[ch][i]
			n++
		}
	}
	if n > 0 {
		meanStd /= float64(n)
	}
	return peak, meanStd
}
