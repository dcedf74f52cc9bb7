// Package transport defines the bidirectional text+binary frame transport
// the broker runs on, and adapts github.com/coder/websocket to it. The
// framing library itself is an external collaborator (spec.md §1) — this
// package is the seam.
package transport

import "context"

// MessageKind distinguishes a text control/signaling frame from a binary
// game-state frame.
type MessageKind int

const (
	Text MessageKind = iota
	Binary
)

// Transport is the seam between the broker and whatever carries frames
// over the wire. Close codes follow spec.md §6: 1000 for a normal seal
// teardown, 4000 for protocol errors, anything else collapsed to 4000 by
// the broker.
type Transport interface {
	// Read blocks until the next frame arrives or ctx is done.
	Read(ctx context.Context) (MessageKind, []byte, error)
	// WriteText sends v JSON-encoded as a text frame.
	WriteText(ctx context.Context, v any) error
	// WriteBinary sends b verbatim as a binary frame.
	WriteBinary(ctx context.Context, b []byte) error
	// Ping sends a liveness ping.
	Ping(ctx context.Context) error
	// Close closes the transport with the given close code and reason.
	// Idempotent: a second call is a no-op.
	Close(code int, reason string) error
}
