package average

import "errors"

var (
	ErrShapeMismatch = errors.New("block shape does not match accumulator shape")
	ErrEmptyBlock    = errors.New("captured block has no channels or samples")
)
