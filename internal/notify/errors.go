package notify

import "errors"

var (
	ErrNotFound        = errors.New("notification not found")
	ErrInvalidDuration = errors.New("snooze duration must be positive")
	ErrNoRecipient     = errors.New("no recipient address for channel")
)
