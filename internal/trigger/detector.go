package trigger

import (
	"slices"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sanspareilsmyn/triggeredavg/internal/average"
	"github.com/sanspareilsmyn/triggeredavg/internal/capture"
)

// Enqueuer accepts capture requests. *capture.Worker implements it.
type Enqueuer interface {
	Enqueue(capture.Request) error
}

// Window is the capture extent in samples around a trigger.
type Window struct {
	Pre  int
	Post int
}

// Valid reports whether both extents are non-negative and the window is not empty.
func (w Window) Valid() bool {
	return w.Pre >= 0 && w.Post >= 0 && w.Pre+w.Post > 0
}

// EventKind distinguishes hardware line transitions from text messages.
type EventKind int

const (
	TTLEvent EventKind = iota
	MessageEvent
)

// Event is one asynchronous trigger notification.
type Event struct {
	Kind   EventKind
	Sample int64
	Line   int    // TTLEvent only
	State  bool   // TTLEvent only
	Text   string // MessageEvent only
}

// Detector matches events against the registry and enqueues a capture request for every
// condition that fires.
type Detector struct {
	registry *Registry
	enqueuer Enqueuer
	logger   *zap.Logger

	window   atomic.Pointer[Window]
	channels atomic.Pointer[[]int]

	fired  atomic.Uint64
	failed atomic.Uint64
}

// NewDetector returns a detector capturing window around each trigger.
func NewDetector(registry *Registry, enqueuer Enqueuer, window Window, logger *zap.Logger) (*Detector, error) {
	if !window.Valid() {
		return nil, ErrInvalidWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{
		registry: registry,
		enqueuer: enqueuer,
		logger:   logger,
	}
	d.window.Store(&window)
	return d, nil
}

// SetWindow changes the extent used for subsequent requests. Accumulators pick up the new shape
// on their next fold.
func (d *Detector) SetWindow(w Window) error {
	if !w.Valid() {
		return ErrInvalidWindow
	}
	d.window.Store(&w)
	d.logger.Info("Trigger window changed", zap.Int("pre", w.Pre), zap.Int("post", w.Post))
	return nil
}

// Window returns the extents used for new requests.
func (d *Detector) Window() Window {
	return *d.window.Load()
}

// SetChannels restricts captured channels; nil captures every channel. An empty non-nil selection
// would produce empty captures and is rejected with ErrNoChannels.
func (d *Detector) SetChannels(channels []int) error {
	if channels == nil {
		d.channels.Store(nil)
		return nil
	}
	if len(channels) == 0 {
		return ErrNoChannels
	}
	c := slices.Clone(channels)
	d.channels.Store(&c)
	return nil
}

// Fired returns how many requests were enqueued and how many were refused by the enqueuer.
func (d *Detector) Fired() (enqueued, failed uint64) {
	return d.fired.Load(), d.failed.Load()
}

// Handle dispatches ev by kind and returns the number of requests enqueued.
func (d *Detector) Handle(ev Event) int {
	switch ev.Kind {
	case TTLEvent:
		return d.HandleTTL(ev.Line, ev.State, ev.Sample)
	case MessageEvent:
		return d.HandleMessage(ev.Text, ev.Sample)
	default:
		return 0
	}
}

// HandleTTL reacts to a line transition. Only rising edges trigger.
func (d *Detector) HandleTTL(line int, state bool, sample int64) int {
	if !state {
		return 0
	}

	var ids []average.ConditionID
	d.registry.mu.Lock()
	for _, c := range d.registry.conditions {
		if c.Line != AnyLine && c.Line != line {
			continue
		}
		switch c.Type {
		case TTL:
			ids = append(ids, c.ID)
		case TTLAndMessage:
			if c.Armed {
				ids = append(ids, c.ID)
				c.Armed = false
			}
		}
	}
	d.registry.mu.Unlock()

	return d.fire(ids, sample)
}

// HandleMessage reacts to a text message. The text matches a condition's name case-insensitively.
func (d *Detector) HandleMessage(text string, sample int64) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}

	var ids []average.ConditionID
	d.registry.mu.Lock()
	for _, c := range d.registry.conditions {
		if !strings.EqualFold(text, c.Name) {
			continue
		}
		switch c.Type {
		case Message:
			ids = append(ids, c.ID)
		case TTLAndMessage:
			c.Armed = true
			d.logger.Debug("Condition armed by message",
				zap.Uint32("condition", uint32(c.ID)),
				zap.String("name", c.Name),
			)
		}
	}
	d.registry.mu.Unlock()

	return d.fire(ids, sample)
}

func (d *Detector) fire(ids []average.ConditionID, sample int64) int {
	if len(ids) == 0 {
		return 0
	}

	w := d.Window()
	var channels []int
	if p := d.channels.Load(); p != nil {
		channels = *p
	}

	n := 0
	for _, id := range ids {
		req := capture.Request{
			Condition:     id,
			TriggerSample: sample,
			Pre:           w.Pre,
			Post:          w.Post,
			Channels:      channels,
		}
		if err := d.enqueuer.Enqueue(req); err != nil {
			d.failed.Add(1)
			d.logger.Warn("Failed to enqueue capture request",
				zap.Uint32("condition", uint32(id)),
				zap.Int64("trigger_sample", sample),
				zap.Error(err),
			)
			continue
		}
		d.fired.Add(1)
		n++
	}
	return n
}
