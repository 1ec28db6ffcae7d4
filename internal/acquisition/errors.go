package acquisition

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig = errors.New("invalid acquisition configuration")
	ErrPortOpen      = errors.New("failed to open serial port")
	ErrPortRead      = errors.New("failed to read from serial port")
)

// OutOfSyncError reports a packet whose trailing bytes were not the stop sequence.
type OutOfSyncError struct {
	ByteSequence []byte
}

func (e *OutOfSyncError) Error() string {
	return fmt.Sprintf("incorrect stop sequence detected: %v", e.ByteSequence)
}
