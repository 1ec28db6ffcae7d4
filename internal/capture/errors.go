package capture

import "errors"

var (
	ErrQueueFull      = errors.New("capture queue is full")
	ErrWorkerStopped  = errors.New("capture worker is stopped")
	ErrAlreadyRunning = errors.New("capture worker is already running")
	ErrStopTimeout    = errors.New("capture worker did not stop in time")
)
