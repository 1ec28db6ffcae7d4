package message

import "errors"

var (
	ErrJSONUnmarshalFailed = errors.New("failed to unmarshal JSON message")
	ErrMissingText         = errors.New("trigger message has no text")
	ErrInvalidSampleNumber = errors.New("trigger message sample_number must be a non-negative integer")
)
