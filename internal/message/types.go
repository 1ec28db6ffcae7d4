package message

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DynamicMessage is a decoded JSON object with arbitrary keys.
type DynamicMessage map[string]any

// GetString returns the trimmed string stored under key.
func (dm DynamicMessage) GetString(key string) (string, bool) {
	s, ok := dm[key].(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

// GetFloat64 handles missing keys, null values and integer types placed in the map by callers other
// than the JSON decoder.
func (dm DynamicMessage) GetFloat64(key string) (float64, bool) {
	switch v := dm[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// GetInt64 accepts only numbers without a fractional part.
func (dm DynamicMessage) GetInt64(key string) (int64, bool) {
	if v, ok := dm[key].(int64); ok {
		return v, true
	}
	f, ok := dm.GetFloat64(key)
	if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}

// HasNonNull reports whether key is present with a non-null value.
func (dm DynamicMessage) HasNonNull(key string) bool {
	val, exists := dm[key]
	return exists && val != nil
}

var timeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// GetTime parses a string timestamp in one of the common layouts.
func (dm DynamicMessage) GetTime(key string) (time.Time, bool) {
	s, ok := dm.GetString(key)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range timeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// GetFieldSnippet renders a field for log lines, truncated to maxLength bytes.
func (dm DynamicMessage) GetFieldSnippet(fieldName string, maxLength int) string {
	value, exists := dm[fieldName]
	if !exists {
		return "<missing>"
	}
	if maxLength <= 0 {
		return "..."
	}
	s := fmt.Sprintf("%v", value)
	if len(s) > maxLength {
		return s[:maxLength] + "..."
	}
	return s
}
