package sync

import "errors"

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrNotFound       = errors.New("message not found")
	ErrAlreadySending = errors.New("message is already being sent")
	ErrNotRetryable   = errors.New("message is not in a retryable state")
	ErrOffline        = errors.New("offline")
	// ErrAckTimeout means the server did not acknowledge within the send
	// timeout. It is treated as a transient failure.
	ErrAckTimeout = errors.New("acknowledgement timed out")
	// ErrRejected means the server answered with message_error.
	ErrRejected = errors.New("message rejected by server")
)
