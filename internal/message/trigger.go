// Package message decodes text trigger messages delivered over the message bus.
package message

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	FieldText         = "text"
	FieldSampleNumber = "sample_number"
	FieldTimestamp    = "timestamp"
)

// Trigger is a text event. Sample numbers are optional; a message without one is placed on the
// sample timeline by its timestamp, or by arrival time when that is missing too.
type Trigger struct {
	Text         string
	SampleNumber int64
	HasSample    bool
	Timestamp    time.Time
}

// ParseDynamicJSON decodes data into a DynamicMessage.
func ParseDynamicJSON(data []byte) (DynamicMessage, error) {
	var msg DynamicMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJSONUnmarshalFailed, err)
	}
	return msg, nil
}

// ParseTrigger decodes {"text": ..., "sample_number": ..., "timestamp": ...}.
func ParseTrigger(data []byte) (Trigger, error) {
	msg, err := ParseDynamicJSON(data)
	if err != nil {
		return Trigger{}, err
	}

	text, ok := msg.GetString(FieldText)
	if !ok || text == "" {
		return Trigger{}, fmt.Errorf("%w: %s=%s", ErrMissingText, FieldText, msg.GetFieldSnippet(FieldText, 32))
	}
	t := Trigger{Text: text}

	if msg.HasNonNull(FieldSampleNumber) {
		n, ok := msg.GetInt64(FieldSampleNumber)
		if !ok || n < 0 {
			return Trigger{}, fmt.Errorf("%w: got %s", ErrInvalidSampleNumber, msg.GetFieldSnippet(FieldSampleNumber, 32))
		}
		t.SampleNumber = n
		t.HasSample = true
	}

	if ts, ok := msg.GetTime(FieldTimestamp); ok {
		t.Timestamp = ts
	}
	return t, nil
}

// Encode renders t in the form ParseTrigger accepts.
func (t Trigger) Encode() ([]byte, error) {
	out := map[string]any{FieldText: t.Text}
	if t.HasSample {
		out[FieldSampleNumber] = t.SampleNumber
	}
	if !t.Timestamp.IsZero() {
		out[FieldTimestamp] = t.Timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}
