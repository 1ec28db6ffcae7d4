package capture

import (
	"github.com/sanspareilsmyn/triggeredavg/internal/average"
	"github.com/sanspareilsmyn/triggeredavg/internal/ringbuffer"
)

// Request asks for the window [TriggerSample-Pre, TriggerSample+Post) to be folded into the
// accumulator of Condition.
type Request struct {
	Condition     average.ConditionID
	TriggerSample int64
	Pre           int
	Post          int
	Channels      []int // nil selects every buffer channel
}

// State is the position of a request in its lifecycle.
type State int

const (
	Pending State = iota
	Retrying
	Succeeded
	DroppedTooOld
	DroppedInvalid
	DroppedExpired
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Retrying:
		return "retrying"
	case Succeeded:
		return "succeeded"
	case DroppedTooOld:
		return "too_old"
	case DroppedInvalid:
		return "invalid"
	case DroppedExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether the request leaves the queue in this state.
func (s State) Terminal() bool {
	return s != Pending && s != Retrying
}

// transition maps one read attempt onto the next state. attempts counts the retries already spent
// on the request.
func transition(result ringbuffer.ReadResult, attempts, budget int) State {
	switch result {
	case ringbuffer.Success:
		return Succeeded
	case ringbuffer.DataTooOld:
		return DroppedTooOld
	case ringbuffer.NotEnoughNewData:
		if attempts >= budget {
			return DroppedExpired
		}
		return Retrying
	default:
		return DroppedInvalid
	}
}
