package pipeline

import (
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/sanspareilsmyn/triggeredavg/internal/average"
	"github.com/sanspareilsmyn/triggeredavg/internal/capture"
	"github.com/sanspareilsmyn/triggeredavg/internal/config"
	"github.com/sanspareilsmyn/triggeredavg/internal/telemetry"
	"github.com/sanspareilsmyn/triggeredavg/internal/trigger"
)

// Stats summarizes the pipeline for health reporting.
type Stats struct {
	Capture       capture.Stats
	Pending       int
	DroppedEvents uint64
	CurrentSample int64
	ValidSamples  int
	Acquiring     bool
}

// Mean returns the averaged trace of a condition, indexed channel then offset from window start.
func (p *Pipeline) Mean(id average.ConditionID) ([][]float64, bool) {
	return p.store.Mean(id)
}

// StandardDeviation returns the per-sample population standard deviation of a condition.
func (p *Pipeline) StandardDeviation(id average.ConditionID) ([][]float64, bool) {
	return p.store.StandardDeviation(id)
}

// TrialCount returns how many windows have been folded into a condition.
func (p *Pipeline) TrialCount(id average.ConditionID) int {
	return p.store.TrialCount(id)
}

// Snapshot returns trials, mean and deviation of a condition read together.
func (p *Pipeline) Snapshot(id average.ConditionID) (average.Stats, bool) {
	return p.store.Snapshot(id)
}

// Clear discards the averages of one condition. The condition keeps triggering.
func (p *Pipeline) Clear(id average.ConditionID) {
	p.store.Clear(id)
	p.reporter.forget(id)
}

// ClearAll discards the averages of every condition.
func (p *Pipeline) ClearAll() {
	p.store.ClearAll()
	p.reporter.forgetAll()
	p.logger.Info("Cleared all condition averages")
}

// AddCondition registers a new trigger condition. An empty name is replaced by "Condition N".
func (p *Pipeline) AddCondition(name string, line int, typ trigger.Type) (trigger.Condition, error) {
	c, err := p.registry.AddNamed(name, line, typ)
	if err != nil {
		return trigger.Condition{}, err
	}
	p.logger.Info("Condition added",
		zap.Uint32("condition_id", uint32(c.ID)),
		zap.String("name", c.Name),
		zap.Int("line", c.Line),
		zap.Stringer("type", c.Type),
	)
	return c, nil
}

// RemoveCondition deletes a condition together with its averages.
func (p *Pipeline) RemoveCondition(id average.ConditionID) error {
	if !p.registry.Remove(id) {
		return fmt.Errorf("%w: %d", trigger.ErrUnknownCondition, id)
	}
	p.Clear(id)
	p.logger.Info("Condition removed", zap.Uint32("condition_id", uint32(id)))
	return nil
}

// RenameCondition returns the name actually assigned, which is made unique.
func (p *Pipeline) RenameCondition(id average.ConditionID, name string) (string, error) {
	return p.registry.Rename(id, name)
}

func (p *Pipeline) SetConditionLine(id average.ConditionID, line int) error {
	return p.registry.SetLine(id, line)
}

func (p *Pipeline) SetConditionType(id average.ConditionID, typ trigger.Type) error {
	return p.registry.SetType(id, typ)
}

// Conditions lists the registered conditions in creation order.
func (p *Pipeline) Conditions() []trigger.Condition {
	return p.registry.List()
}

// EnqueueCapture requests the window [trigger-pre, trigger+post) for a condition. Extents are in
// samples and must form a valid window that fits in the ring buffer.
func (p *Pipeline) EnqueueCapture(id average.ConditionID, triggerSample int64, pre, post int) error {
	if !(trigger.Window{Pre: pre, Post: post}).Valid() {
		return fmt.Errorf("%w: pre=%d post=%d", trigger.ErrInvalidWindow, pre, post)
	}
	if pre+post > p.buffer.Capacity() {
		return fmt.Errorf("%w: %d samples, capacity %d",
			ErrWindowExceedsRetention, pre+post, p.buffer.Capacity())
	}
	return p.worker.Enqueue(capture.Request{
		Condition:     id,
		TriggerSample: triggerSample,
		Pre:           pre,
		Post:          post,
	})
}

// SetWindow changes the capture extents used for subsequent triggers. Existing averages are reset
// to the new shape on their next fold.
func (p *Pipeline) SetWindow(preMs, postMs float64) error {
	w, err := p.windowSamples(preMs, postMs)
	if err != nil {
		return err
	}
	return p.detector.SetWindow(w)
}

// Window returns the capture extents in samples.
func (p *Pipeline) Window() trigger.Window {
	return p.detector.Window()
}

// SetChannels restricts captures to the given channels; nil captures all of them.
func (p *Pipeline) SetChannels(channels []int) error {
	return p.detector.SetChannels(channels)
}

func (p *Pipeline) windowSamples(preMs, postMs float64) (trigger.Window, error) {
	if preMs < 0 || postMs < 0 {
		return trigger.Window{}, trigger.ErrInvalidWindow
	}
	rate := p.source.SampleRate()
	w := trigger.Window{
		Pre:  config.MsToSamples(preMs, rate),
		Post: config.MsToSamples(postMs, rate),
	}
	if !w.Valid() {
		return trigger.Window{}, trigger.ErrInvalidWindow
	}
	if w.Pre+w.Post > p.buffer.Capacity() {
		return trigger.Window{}, fmt.Errorf("%w: %d samples, capacity %d",
			ErrWindowExceedsRetention, w.Pre+w.Post, p.buffer.Capacity())
	}
	return w, nil
}

// Stats collects worker, event and ring buffer counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Capture:       p.worker.Stats(),
		Pending:       p.worker.Pending(),
		DroppedEvents: p.droppedEvents.Load(),
		CurrentSample: p.buffer.CurrentSampleNumber(),
		ValidSamples:  p.buffer.ValidSamples(),
		Acquiring:     p.acquiring.Load(),
	}
}

// Health reports "ok" while acquisition runs.
func (p *Pipeline) Health() telemetry.HealthReport {
	s := p.Stats()
	report := telemetry.HealthReport{
		Status: "ok",
		Details: map[string]string{
			"current_sample": strconv.FormatInt(s.CurrentSample, 10),
			"pending":        strconv.Itoa(s.Pending),
			"dropped_events": strconv.FormatUint(s.DroppedEvents, 10),
		},
	}
	failure := p.lastFailure.Load()
	switch {
	case s.Acquiring:
	case failure != nil:
		report.Status = "acquisition failed"
		report.Details["error"] = *failure
	default:
		report.Status = "acquisition stopped"
	}
	return report
}

// ConditionSummaries implements telemetry.ConditionProvider.
func (p *Pipeline) ConditionSummaries() []telemetry.ConditionSummary {
	conditions := p.registry.List()
	out := make([]telemetry.ConditionSummary, 0, len(conditions))
	for _, c := range conditions {
		out = append(out, p.summary(c))
	}
	return out
}

// ConditionDetail implements telemetry.ConditionProvider.
func (p *Pipeline) ConditionDetail(id uint32) (telemetry.ConditionDetail, bool) {
	c, ok := p.registry.Get(average.ConditionID(id))
	if !ok {
		return telemetry.ConditionDetail{}, false
	}
	detail := telemetry.ConditionDetail{ConditionSummary: p.summary(c)}
	if stats, ok := p.store.Snapshot(c.ID); ok {
		detail.Trials = stats.Trials
		detail.Mean = stats.Mean
		detail.StdDev = stats.StdDev
	}
	return detail, true
}

func (p *Pipeline) summary(c trigger.Condition) telemetry.ConditionSummary {
	return telemetry.ConditionSummary{
		ID:     uint32(c.ID),
		Name:   c.Name,
		Line:   c.Line,
		Type:   c.Type.String(),
		Armed:  c.Armed,
		Trials: p.store.TrialCount(c.ID),
	}
}
