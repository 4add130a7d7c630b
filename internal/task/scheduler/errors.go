package scheduler

import "errors"

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrDuplicateKey   = errors.New("task key already registered")
	ErrEmptyKey       = errors.New("task key required")
	ErrNilTask        = errors.New("task is nil")
)
