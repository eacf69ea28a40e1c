package domain

import "errors"

// Error kinds shared by every engine. Callers match them with errors.Is; the
// concrete error carries the context through %w wrapping.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrDisabled   = errors.New("feature disabled")
	ErrTransient  = errors.New("transient failure")
	ErrCorrupt    = errors.New("corrupt stored data")
)
