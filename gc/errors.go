package gc

import "errors"

var (
	// ErrAtomRepositoryRequired is returned when an atom repository is not provided.
	ErrAtomRepositoryRequired = errors.New("atom repository required")

	// ErrIndexRequired is returned when a spatial index is not provided.
	ErrIndexRequired = errors.New("spatial index required")

	// ErrInvalidInterval is returned for a non-positive sweep interval.
	ErrInvalidInterval = errors.New("sweep interval must be positive")

	// ErrInvalidGracePeriod is returned for a negative grace period.
	ErrInvalidGracePeriod = errors.New("grace period cannot be negative")

	// ErrInvalidRate is returned for a non-positive purge rate.
	ErrInvalidRate = errors.New("purge rate must be positive")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("sweeper already started")
)
