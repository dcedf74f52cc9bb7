// Package peer models one connected client: its stable in-process
// identity, its transport handle, and the join-deadline timer armed at
// connect, per spec.md §4.D.
package peer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/marabrook/lobbybroker/internal/transport"
)

// Peer is one connected client. The underlying runtime here is
// goroutine-per-connection rather than the single-threaded event loop the
// original design assumed, so every Peer serializes its own transport
// writes behind sendMu — the per-peer mutex spec.md §5 calls for on a
// parallel-threaded runtime.
type Peer struct {
	ID uint32

	// ConnID is a log-correlation identifier only; it never appears on
	// the wire and has no bearing on in-lobby addressing.
	ConnID uuid.UUID

	Transport transport.Transport

	sendMu sync.Mutex

	lobbyMu sync.RWMutex
	lobby   string

	timerMu   sync.Mutex
	joinTimer *time.Timer

	logger *logrus.Logger
}

// New constructs a Peer and arms its NO_LOBBY_TIMEOUT deadline: if the
// peer has not joined a lobby by the time it fires, onTimeout runs (the
// broker passes a callback that closes the transport with code 4000).
func New(id uint32, t transport.Transport, noLobbyTimeout time.Duration, logger *logrus.Logger, onTimeout func()) *Peer {
	p := &Peer{
		ID:        id,
		ConnID:    uuid.New(),
		Transport: t,
		logger:    logger,
	}
	p.timerMu.Lock()
	p.joinTimer = time.AfterFunc(noLobbyTimeout, func() {
		if p.LobbyName() == "" {
			onTimeout()
		}
	})
	p.timerMu.Unlock()
	return p
}

// LobbyName returns the peer's current lobby, or "" if unjoined.
func (p *Peer) LobbyName() string {
	p.lobbyMu.RLock()
	defer p.lobbyMu.RUnlock()
	return p.lobby
}

// SetLobbyName records the lobby the peer has joined.
func (p *Peer) SetLobbyName(name string) {
	p.lobbyMu.Lock()
	p.lobby = name
	p.lobbyMu.Unlock()
}

// CancelJoinTimer stops the no-lobby deadline. Idempotent: called on the
// first successful JOIN, and again (harmlessly) on transport close.
func (p *Peer) CancelJoinTimer() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if p.joinTimer != nil {
		p.joinTimer.Stop()
		p.joinTimer = nil
	}
}

// logFields returns the structured log context every peer-scoped log line
// carries: the protocol-level identity plus the conn_id correlation field
// (SPEC_FULL.md §3), which never appears on the wire itself.
func (p *Peer) logFields() logrus.Fields {
	return logrus.Fields{"peer_id": p.ID, "conn_id": p.ConnID}
}

// Send writes v as a JSON text frame, serialized against concurrent
// writers.
func (p *Peer) Send(ctx context.Context, v any) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := p.Transport.WriteText(ctx, v); err != nil {
		p.logger.WithFields(p.logFields()).Warnf("peer: write failed: %v", err)
		return err
	}
	return nil
}

// SendBinary writes b as a binary frame, serialized against concurrent
// writers.
func (p *Peer) SendBinary(ctx context.Context, b []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := p.Transport.WriteBinary(ctx, b); err != nil {
		p.logger.WithFields(p.logFields()).Warnf("peer: binary write failed: %v", err)
		return err
	}
	return nil
}

// Close cancels the join timer and closes the underlying transport.
// Idempotent, matching the transport's own idempotent Close.
func (p *Peer) Close(code int, reason string) {
	p.CancelJoinTimer()
	if err := p.Transport.Close(code, reason); err != nil {
		p.logger.WithFields(p.logFields()).Debugf("peer: close: %v", err)
	}
}
