// Package feed ingests the server-side change stream. The owning
// application's CDC relay publishes change events to Redis pub/sub channels
// keyed by table name; this package decodes them and hands them to the hub
// for delivery to feed subscribers.
package feed

import "github.com/shiftline/realtime/src/protocol"

// Source is a change-event origin.
type Source interface {
	// Start begins listening for change events.
	Start() error

	// Stop shuts down the source.
	Stop() error

	// Available reports whether the source is connected and operational.
	Available() bool
}

// ChangeTarget is implemented by the Hub to receive decoded change events.
type ChangeTarget interface {
	PublishChange(ev protocol.ChangeEvent)
}
