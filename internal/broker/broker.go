// Package broker owns the process-wide registry of peers and lobbies, the
// per-connection dispatch loop, and the background ping/flush tasks
// described in spec.md §4.F.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/marabrook/lobbybroker/internal/cache"
	"github.com/marabrook/lobbybroker/internal/codegen"
	"github.com/marabrook/lobbybroker/internal/config"
	"github.com/marabrook/lobbybroker/internal/lobby"
	"github.com/marabrook/lobbybroker/internal/middleware"
	"github.com/marabrook/lobbybroker/internal/peer"
	"github.com/marabrook/lobbybroker/internal/protocol"
	"github.com/marabrook/lobbybroker/internal/store"
	"github.com/marabrook/lobbybroker/internal/transport"
)

// Broker is the process-wide dispatcher: peer registry, lobby registry,
// and the protocol handler that runs once per inbound frame.
type Broker struct {
	cfg config.Config

	peersMu sync.Mutex
	peers   map[uint32]*peer.Peer

	lobbies *lobby.Store
	gen     *codegen.Generator
	cache   *cache.SnapshotCache
	store   *store.Store

	logger *logrus.Logger
}

// New builds a Broker. store may be nil in deployments that run without a
// persistent backing store (the bulk-flush loop then becomes a no-op).
func New(cfg config.Config, gen *codegen.Generator, snapCache *cache.SnapshotCache, persistentStore *store.Store, logger *logrus.Logger) *Broker {
	return &Broker{
		cfg:     cfg,
		peers:   make(map[uint32]*peer.Peer),
		lobbies: lobby.NewStore(cfg.MaxLobbies, logger),
		gen:     gen,
		cache:   snapCache,
		store:   persistentStore,
		logger:  logger,
	}
}

// Run starts the background liveness-ping and bulk-flush loops and blocks
// until ctx is cancelled or one of them fails.
func (b *Broker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.pingLoop(ctx) })
	g.Go(func() error { return b.flushLoop(ctx) })
	return g.Wait()
}

func (b *Broker) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, p := range b.snapshotPeers() {
				if err := p.Transport.Ping(ctx); err != nil {
					b.logger.WithField("peer_id", p.ID).Debugf("broker: ping failed: %v", err)
				}
			}
		}
	}
}

func (b *Broker) flushLoop(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	ticker := time.NewTicker(b.cfg.BulkFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := b.cache.Snapshot()
			if len(snap) == 0 {
				continue
			}
			pairs := make([]store.Pair, 0, len(snap))
			for code, blob := range snap {
				pairs = append(pairs, store.Pair{Code: code, Blob: blob})
			}
			if err := b.store.UpsertBatch(ctx, pairs); err != nil {
				b.logger.Warnf("broker: bulk flush of %d snapshots failed: %v", len(pairs), err)
			}
		}
	}
}

func (b *Broker) snapshotPeers() []*peer.Peer {
	b.peersMu.Lock()
	defer b.peersMu.Unlock()
	out := make([]*peer.Peer, 0, len(b.peers))
	for _, p := range b.peers {
		out = append(out, p)
	}
	return out
}

// Accept registers t as a new peer and runs its dispatch loop until the
// connection closes or ctx is cancelled. It never returns an error the
// caller needs to act on; all protocol and transport failures are handled
// by closing t with an appropriate code. remoteAddr and path are carried
// through only for the connect/disconnect log lines.
func (b *Broker) Accept(ctx context.Context, t transport.Transport, remoteAddr, path string) {
	b.peersMu.Lock()
	if len(b.peers) >= b.cfg.MaxPeers {
		b.peersMu.Unlock()
		_ = t.Close(4000, "Too many peers connected")
		return
	}
	id, err := b.allocateIdentityLocked()
	if err != nil {
		b.peersMu.Unlock()
		_ = t.Close(4000, "Could not allocate peer identity")
		return
	}

	var p *peer.Peer
	p = peer.New(id, t, b.cfg.NoLobbyTimeout, b.logger, func() {
		p.Close(4000, "Have not joined lobby yet")
	})
	b.peers[id] = p
	b.peersMu.Unlock()

	middleware.LogWebSocketConnect(b.logger, remoteAddr, path)
	var dispatchErr error
	defer func() {
		b.removePeer(p)
		middleware.LogWebSocketDisconnect(b.logger, remoteAddr, path, dispatchErr)
	}()

	dispatchErr = b.dispatchLoop(ctx, p)
}

// allocateIdentityLocked draws a 31-bit identity excluding the reserved
// host id 1 and the sentinel 0 (spec.md §9), retrying on collision with a
// currently-connected peer. Caller must hold b.peersMu.
func (b *Broker) allocateIdentityLocked() (uint32, error) {
	const maxAttempts = 64
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, err := randomIdentity()
		if err != nil {
			return 0, err
		}
		if id == 0 || id == lobby.HostInLobbyID {
			continue
		}
		if _, taken := b.peers[id]; taken {
			continue
		}
		return id, nil
	}
	return 0, errors.New("broker: exhausted identity allocation attempts")
}

func randomIdentity() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	// Mask to the 31-bit non-negative range spec.md §3 specifies.
	return binary.BigEndian.Uint32(buf[:]) & 0x7FFFFFFF, nil
}

func (b *Broker) removePeer(p *peer.Peer) {
	b.peersMu.Lock()
	delete(b.peers, p.ID)
	b.peersMu.Unlock()

	if name := p.LobbyName(); name != "" {
		if l, ok := b.lobbies.Get(name); ok {
			l.Leave(context.Background(), p)
		}
	}
	p.Close(1000, "Connection closed")
}

// dispatchLoop reads and handles frames until the transport errors out or
// a handler closes the connection. Its return value is the transport read
// error that ended the loop (nil on a clean protocol-driven close), used
// only for the disconnect log line.
func (b *Broker) dispatchLoop(ctx context.Context, p *peer.Peer) error {
	for {
		kind, data, err := p.Transport.Read(ctx)
		if err != nil {
			return err
		}
		if handleErr := b.handleFrame(ctx, p, kind, data); handleErr != nil {
			b.closeOnError(p, handleErr)
			return nil
		}
	}
}

func (b *Broker) closeOnError(p *peer.Peer, err error) {
	var protoErr *protocol.ProtoError
	if errors.As(err, &protoErr) {
		p.Close(protoErr.Code, protoErr.Reason)
		return
	}
	b.logger.WithField("peer_id", p.ID).Errorf("broker: unhandled dispatch error: %v", err)
	p.Close(4000, "Internal error")
}

func (b *Broker) handleFrame(ctx context.Context, p *peer.Peer, kind transport.MessageKind, data []byte) error {
	if kind == transport.Binary {
		return b.handleGameState(p, data)
	}
	return b.handleEnvelope(ctx, p, data)
}

// handleGameState handles a binary snapshot upload; valid only from a
// lobby's current host (spec.md §4.F point 1).
func (b *Broker) handleGameState(p *peer.Peer, data []byte) error {
	name := p.LobbyName()
	if name == "" {
		return protocol.NewProtoError(4000, "Invalid binary frame when not in a lobby")
	}
	l, ok := b.lobbies.Get(name)
	if !ok {
		return protocol.NewProtoError(4000, "Server error, lobby not found")
	}
	if l.HostID() != p.ID {
		return protocol.NewProtoError(4000, "Only host can save game state")
	}
	l.UpdateGameState(data)
	return nil
}

func (b *Broker) handleEnvelope(ctx context.Context, p *peer.Peer, raw []byte) error {
	typ, id, data, err := protocol.Decode(raw)
	if err != nil {
		return err
	}

	if typ == protocol.JOIN {
		mesh := id == 0
		return b.joinLobby(ctx, p, data, mesh)
	}

	name := p.LobbyName()
	if name == "" {
		return protocol.NewProtoError(4000, "Invalid message when not in a lobby")
	}
	l, ok := b.lobbies.Get(name)
	if !ok {
		return protocol.NewProtoError(4000, "Server error, lobby not found")
	}

	switch typ {
	case protocol.SEAL:
		return l.Seal(ctx, p)
	case protocol.OFFER, protocol.ANSWER, protocol.CANDIDATE:
		return b.relay(ctx, l, p, typ, id, data)
	default:
		return protocol.NewProtoError(4000, "Invalid command")
	}
}

func (b *Broker) relay(ctx context.Context, l *lobby.Lobby, sender *peer.Peer, typ protocol.MessageType, destID int, data string) error {
	destIdentity, ok := l.ResolveDestination(destID)
	if !ok {
		return protocol.NewProtoError(4000, "Invalid destination")
	}
	dest, ok := l.FindMember(destIdentity)
	if !ok {
		return protocol.NewProtoError(4000, "Invalid destination")
	}
	senderInLobbyID := l.InLobbyID(sender.ID)
	if err := dest.Send(ctx, protocol.Envelope{Type: int(typ), ID: senderInLobbyID, Data: data}); err != nil {
		b.logger.WithField("peer_id", dest.ID).Warnf("broker: relay failed: %v", err)
	}
	return nil
}

// joinLobby implements spec.md §4.F's join routine: create-on-empty-code,
// attach-on-hit, restore-from-snapshot-on-miss.
func (b *Broker) joinLobby(ctx context.Context, p *peer.Peer, requestedCode string, mesh bool) error {
	if requestedCode == "" {
		return b.createLobby(ctx, p, mesh)
	}

	if l, ok := b.lobbies.Get(requestedCode); ok {
		// The sealed check happens inside Lobby.Join itself, atomically
		// with the membership append, so a concurrent Seal cannot land
		// between a check here and the Join call.
		return b.attach(ctx, p, l, requestedCode, false)
	}

	blob, ok, err := b.cache.Load(ctx, requestedCode)
	if err != nil {
		return fmt.Errorf("broker: loading snapshot for %s: %w", requestedCode, err)
	}
	if !ok {
		return protocol.NewProtoError(4000, "Lobby does not exists")
	}

	l := lobby.New(requestedCode, mesh, b.cache, b.logger, b.cfg.NotifyNonHostOnMigration, b.cfg.SealCloseTimeout)
	l.SetGameState(blob)
	l.OnEmpty = b.lobbies.Delete
	if err := b.lobbies.Add(l); err != nil {
		return fmt.Errorf("broker: restoring lobby %s: %w", requestedCode, err)
	}

	if err := b.attach(ctx, p, l, requestedCode, true); err != nil {
		return err
	}
	if err := p.SendBinary(ctx, blob); err != nil {
		b.logger.WithField("peer_id", p.ID).Warnf("broker: failed to send restored snapshot: %v", err)
	}
	return nil
}

func (b *Broker) createLobby(ctx context.Context, p *peer.Peer, mesh bool) error {
	if p.LobbyName() != "" {
		return protocol.NewProtoError(4000, "Already in a lobby")
	}
	if b.lobbies.AtCapacity() {
		return protocol.NewProtoError(4000, "Too many lobbies")
	}

	code, err := b.gen.Next(ctx)
	if err != nil {
		return fmt.Errorf("broker: allocating lobby code: %w", err)
	}

	l := lobby.New(code, mesh, b.cache, b.logger, b.cfg.NotifyNonHostOnMigration, b.cfg.SealCloseTimeout)
	l.OnEmpty = b.lobbies.Delete
	if err := b.lobbies.Add(l); err != nil {
		return fmt.Errorf("broker: registering lobby %s: %w", code, err)
	}
	return b.attach(ctx, p, l, code, true)
}

func (b *Broker) attach(ctx context.Context, p *peer.Peer, l *lobby.Lobby, code string, asHost bool) error {
	if err := l.Join(ctx, p, asHost); err != nil {
		return fmt.Errorf("broker: joining lobby %s: %w", code, err)
	}
	p.SetLobbyName(code)
	p.CancelJoinTimer()

	if err := p.Send(ctx, protocol.Envelope{Type: int(protocol.JOIN), ID: 0, Data: code}); err != nil {
		b.logger.WithField("peer_id", p.ID).Warnf("broker: failed to send JOIN ack: %v", err)
	}
	return nil
}
