package subscriber

import "errors"

// Sentinel errors for the subscriber service layer.
var (
	ErrNotFound      = errors.New("subscriber not found")
	ErrDuplicate     = errors.New("subscriber already exists")
	ErrInvalidEmail  = errors.New("invalid email")
	ErrInvalidStatus = errors.New("invalid status")
	ErrQueryTooShort = errors.New("search query must be at least 2 characters")
	ErrStorage       = errors.New("subscriber storage failure")
)
