package trigger

import "errors"

var (
	ErrUnknownType      = errors.New("unknown trigger type")
	ErrInvalidLine      = errors.New("trigger line must be -1 (any) or non-negative")
	ErrEmptyName        = errors.New("condition name cannot be empty")
	ErrUnknownCondition = errors.New("unknown condition")
	ErrInvalidWindow    = errors.New("trigger window must have non-negative extents and positive length")
	ErrNoChannels       = errors.New("channel selection is empty")
)
