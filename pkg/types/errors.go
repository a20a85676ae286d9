package types

import "errors"

var (
	// Protocol errors, all of them terminate the offending connection
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrFrameTooLarge   = errors.New("frame exceeds maximum size")
	ErrIncompleteFrame = errors.New("connection closed mid-frame")
	ErrTooManyPending  = errors.New("too many pipelined frames")

	// Session errors
	ErrSessionClosed = errors.New("session closed")

	// Server errors
	ErrServerClosed       = errors.New("server closed")
	ErrTooManyConnections = errors.New("too many connections")

	// Process errors
	ErrAlreadyRunning = errors.New("another mutexd instance holds the lock file")
)
