package client

import "errors"

var (
	// ErrAuthFailed is returned when the server rejects the credentials.
	// Never retried automatically; the caller must re-obtain a token.
	ErrAuthFailed = errors.New("client: authentication failed")

	// ErrNotConnected is returned for operations that require an
	// authenticated connection.
	ErrNotConnected = errors.New("client: not connected")

	// ErrClosed is returned after an explicit disconnect or teardown.
	ErrClosed = errors.New("client: closed")

	// ErrHandshakeTimeout is returned when the connect/authenticate
	// handshake does not complete in time.
	ErrHandshakeTimeout = errors.New("client: handshake timed out")
)
