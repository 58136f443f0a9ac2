package transport

import "errors"

var (
	// ErrNotConnected is returned by Send when there is no live connection.
	// Nothing is queued.
	ErrNotConnected = errors.New("transport not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport closed")
	// ErrHandshake is returned when the server does not answer hello with welcome.
	ErrHandshake = errors.New("transport handshake failed")
	// ErrSendFailed wraps write errors on a live connection.
	ErrSendFailed = errors.New("transport send failed")
	// ErrConnecting is returned when a connection attempt is already running.
	ErrConnecting = errors.New("transport connect already in progress")
)
