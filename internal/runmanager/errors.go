package runmanager

import "errors"

var (
	// ErrInvalidIteration is returned when a batch is submitted while another is still open
	ErrInvalidIteration = errors.New("invalid iteration")
	// ErrUnknownRun is returned when a report names a run not dispatched to the reporter
	ErrUnknownRun = errors.New("unknown run")
	// ErrUnknownWorker is returned for worker ids the manager does not hold
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrUnknownBatch is returned for batch handles that were never issued
	ErrUnknownBatch = errors.New("unknown batch")
	// ErrBatchUnresolved is returned when closing a batch that still has pending units
	ErrBatchUnresolved = errors.New("batch has unresolved units")
	// ErrNoWorkAvailable signals an empty run queue; it is not a failure
	ErrNoWorkAvailable = errors.New("no work available")
	// ErrInvalidRequest is returned for malformed registrations and reports
	ErrInvalidRequest = errors.New("invalid request")
)
