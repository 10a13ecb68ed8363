package app

import "errors"

var (
	// ErrLocalOnly is returned by operations that need the remote database
	// when the service runs without one.
	ErrLocalOnly = errors.New("remote database not configured")

	// ErrArchiveNotConfigured is returned when an archive download is
	// requested but no archive sink is wired.
	ErrArchiveNotConfigured = errors.New("cleanup archive not configured")

	ErrUsernameRequired   = errors.New("line_username is required")
	ErrUserNotFound       = errors.New("user not found")
	ErrEntryNotFound      = errors.New("entry not found")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrCounselorDisabled  = errors.New("counselor account is disabled")
)
