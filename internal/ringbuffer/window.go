package ringbuffer

// ReadResult classifies a triggered read against the resident range of the buffer.
type ReadResult int

const (
	// Success means the whole window is resident and was (or can be) copied.
	Success ReadResult = iota
	// NotEnoughNewData means the tail of the window has not been produced yet. Retry later.
	NotEnoughNewData
	// DataTooOld means the head of the window has been overwritten. It will never succeed.
	DataTooOld
	// InvalidParameters means the window is empty or has a negative extent.
	InvalidParameters
)

func (r ReadResult) String() string {
	switch r {
	case Success:
		return "success"
	case NotEnoughNewData:
		return "not_enough_new_data"
	case DataTooOld:
		return "data_too_old"
	case InvalidParameters:
		return "invalid_parameters"
	default:
		return "unknown"
	}
}

// Retryable reports whether the same request may succeed on a later attempt.
func (r ReadResult) Retryable() bool {
	return r == NotEnoughNewData
}

// Snapshot is a consistent view of the producer counters.
type Snapshot struct {
	NextSample int64 // absolute number of the next sample to be written
	WriteIndex int   // physical slot the next sample goes to
	Valid      int   // resident samples, at most capacity
}

// OldestSample returns the absolute number of the oldest resident sample.
func (s Snapshot) OldestSample() int64 {
	return s.NextSample - int64(s.Valid)
}

// Locate maps a trigger window onto the ring.
//
// The window is [trigger-pre, trigger+post). On Success the second return value is the physical
// slot of the first sample of the window; otherwise it is -1.
func Locate(s Snapshot, capacity int, trigger int64, pre, post int) (ReadResult, int) {
	total := pre + post
	if pre < 0 || post < 0 || total <= 0 || capacity <= 0 {
		return InvalidParameters, -1
	}

	requestedStart := trigger - int64(pre)
	requestedEnd := requestedStart + int64(total) // exclusive

	oldest := s.OldestSample()
	if requestedStart < oldest {
		return DataTooOld, -1
	}
	if requestedEnd > s.NextSample {
		return NotEnoughNewData, -1
	}

	oldestIndex := (s.WriteIndex - s.Valid + capacity) % capacity
	start := (int64(oldestIndex) + (requestedStart - oldest)) % int64(capacity)
	return Success, int(start)
}

// Classify snapshots the counters once and locates the window against that snapshot.
func (rb *RingBuffer) Classify(trigger int64, pre, post int) (ReadResult, int) {
	return Locate(rb.snapshot(), rb.capacity, trigger, pre, post)
}

// CanRead reports whether the window is resident right now.
func (rb *RingBuffer) CanRead(trigger int64, pre, post int) bool {
	result, _ := rb.Classify(trigger, pre, post)
	return result == Success
}
