package protocol

import "errors"

var (
	// ErrMalformedEnvelope marks a frame that failed to decode. The frame is
	// dropped; the connection stays up.
	ErrMalformedEnvelope = errors.New("protocol: malformed envelope")

	// ErrUnknownMessageType marks an envelope whose type is outside the
	// closed message type set.
	ErrUnknownMessageType = errors.New("protocol: unknown message type")

	// ErrUnknownEntity marks a change event for a table this client has no
	// record type for.
	ErrUnknownEntity = errors.New("protocol: unknown entity")
)
