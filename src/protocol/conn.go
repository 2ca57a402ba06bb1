package protocol

// Conn abstracts a framed bidirectional socket for testability. Both the
// client transports and the server hub speak through it; production code
// backs it with a WebSocket connection, tests with in-memory pipes.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}
