package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Frame is one recorded outbound frame, captured by Mem for assertions in
// lobby/broker tests.
type Frame struct {
	Kind MessageKind
	Data []byte
}

// Mem is an in-process Transport double: it never touches a socket. Tests
// push inbound frames with Push/PushText and inspect Out (or OutSnapshot,
// for a copy) to assert on what the broker/lobby wrote back.
type Mem struct {
	mu     sync.Mutex
	Out    []Frame
	closed bool
	Code   int
	Reason string

	in chan Frame
}

// NewMem builds a ready-to-use in-memory transport double.
func NewMem() *Mem {
	return &Mem{in: make(chan Frame, 64)}
}

// Push enqueues an inbound frame as if the remote peer had sent it.
func (m *Mem) Push(kind MessageKind, data []byte) {
	m.in <- Frame{Kind: kind, Data: data}
}

// PushText is a convenience for pushing a JSON-encoded inbound text frame.
func (m *Mem) PushText(v any) {
	data, _ := json.Marshal(v)
	m.Push(Text, data)
}

func (m *Mem) Read(ctx context.Context) (MessageKind, []byte, error) {
	select {
	case f, ok := <-m.in:
		if !ok {
			return 0, nil, errors.New("mem transport: closed")
		}
		return f.Kind, f.Data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (m *Mem) WriteText(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Out = append(m.Out, Frame{Kind: Text, Data: data})
	return nil
}

func (m *Mem) WriteBinary(ctx context.Context, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Out = append(m.Out, Frame{Kind: Binary, Data: append([]byte(nil), b...)})
	return nil
}

func (m *Mem) Ping(ctx context.Context) error {
	return nil
}

func (m *Mem) Close(code int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.Code = code
	m.Reason = reason
	close(m.in)
	return nil
}

// Closed reports whether Close has been called.
func (m *Mem) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// OutSnapshot returns a copy of every frame written so far.
func (m *Mem) OutSnapshot() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Frame(nil), m.Out...)
}
