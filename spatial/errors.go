package spatial

import "errors"

var (
	// ErrInvalidDimensions is returned for trees outside 1 to MaxDims dimensions.
	ErrInvalidDimensions = errors.New("invalid tree dimensions")

	// ErrInvalidCoordinate is returned for coordinates with NaN or infinite components.
	ErrInvalidCoordinate = errors.New("invalid coordinate")

	// ErrRebuildInProgress is returned when a rebuild is started twice for a model.
	ErrRebuildInProgress = errors.New("index rebuild already in progress")

	// ErrNoRebuild is returned when completing a rebuild that was never started.
	ErrNoRebuild = errors.New("no index rebuild in progress")

	// ErrBadSnapshot is returned when a serialized snapshot cannot be decoded.
	ErrBadSnapshot = errors.New("bad index snapshot")
)
