package session

import "errors"

// Sentinel errors for session and bot resolution. The API layer maps these
// to structured pre-stream errors with errors.Is().
var (
	// ErrNotFound indicates the requested session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrBotNotFound indicates the requested bot does not exist.
	ErrBotNotFound = errors.New("bot not found")

	// ErrAccessDenied indicates the user may not use the requested bot.
	ErrAccessDenied = errors.New("bot access denied")
)
