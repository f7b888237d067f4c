package notify

import "errors"

var (
	// ErrMissingTemplate is returned for a custom message without a subject
	// or HTML source.
	ErrMissingTemplate = errors.New("subject and html template are required")
	// ErrNotConfigured is returned when the SES client could not be built.
	ErrNotConfigured = errors.New("mail transport not configured")
	// ErrBadSignature is returned for tampered or missing unsubscribe links.
	ErrBadSignature = errors.New("invalid unsubscribe signature")
)
