package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrDuplicateOperation = errors.New("duplicate operation")
	ErrTerminal           = errors.New("job already terminal")
	ErrInvalidTransition  = errors.New("invalid status transition")
)
