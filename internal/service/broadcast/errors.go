package broadcast

import "errors"

// Sentinel errors for the broadcast service layer.
var (
	ErrInProgress     = errors.New("a broadcast is already running")
	ErrInvalidRequest = errors.New("invalid broadcast request")
)
