package forwarder

import "errors"

var (
	// ErrSourceNotForwardable indicates the source chat denies both native
	// forward and copy; callers must route through MediaPipeline instead.
	ErrSourceNotForwardable = errors.New("forwarder: source chat denies forwarding")

	// ErrNoTargets indicates a pair resolved to zero usable targets after
	// per-target resolution failures.
	ErrNoTargets = errors.New("forwarder: no usable targets")

	// ErrEmptyGroup indicates the filter dropped every message in a group;
	// callers must not dispatch an empty send.
	ErrEmptyGroup = errors.New("forwarder: group is empty after filtering")
)
