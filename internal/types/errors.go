package types

import "errors"

var (
	// ErrInvalidJobSpec rejects a submission at the door
	ErrInvalidJobSpec = errors.New("invalid job spec")
	ErrJobNotFound    = errors.New("job not found")
	ErrTaskNotFound   = errors.New("task not found")
	// ErrStaleReport is returned for reports and heartbeats carrying a non-current epoch
	ErrStaleReport = errors.New("stale report")
	ErrTaskTimeout = errors.New("task timed out")
	// ErrStorageWrite and ErrUserFunction abort a task locally on the worker
	ErrStorageWrite = errors.New("storage write failure")
	ErrUserFunction = errors.New("user function error")
)
