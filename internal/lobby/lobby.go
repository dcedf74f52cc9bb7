// Package lobby implements the lobby state machine — membership, host
// migration, sealing/teardown, and signaling destination rewriting — per
// spec.md §4.E. It follows the mutex-guarded, *Unsafe-suffixed-internal-
// method convention the teacher's lobby package uses throughout.
package lobby

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marabrook/lobbybroker/internal/peer"
	"github.com/marabrook/lobbybroker/internal/protocol"
)

// HostInLobbyID is the reserved in-lobby address of the host.
const HostInLobbyID = 1

// SnapshotSaver is the subset of cache.SnapshotCache the lobby needs to
// persist its game-state blob on last-host departure.
type SnapshotSaver interface {
	Save(code string, blob []byte)
}

// Lobby is one live session: members, host, sealed flag, opaque game
// state, and the routing/migration logic that operates on them.
type Lobby struct {
	Code string
	Mesh bool

	mu        sync.Mutex
	host      uint32
	members   []*peer.Peer // join order
	sealed    bool
	gameState []byte

	sealTimer *time.Timer

	cache  SnapshotSaver
	logger *logrus.Logger

	notifyNonHostOnMigration bool
	sealCloseTimeout         time.Duration

	// OnEmpty is invoked once, outside the lock, when the lobby has
	// become empty (last member removed) and is eligible for removal
	// from the registry.
	OnEmpty func(code string)
}

// New creates an empty lobby; the first Join with asHost set makes that
// peer the host. Use SetGameState after construction to reinstate a lobby
// from a snapshot.
func New(code string, mesh bool, cache SnapshotSaver, logger *logrus.Logger, notifyNonHostOnMigration bool, sealCloseTimeout time.Duration) *Lobby {
	return &Lobby{
		Code:                     code,
		Mesh:                     mesh,
		cache:                    cache,
		logger:                   logger,
		notifyNonHostOnMigration: notifyNonHostOnMigration,
		sealCloseTimeout:         sealCloseTimeout,
	}
}

// SetGameState installs a restored blob without emitting any
// notifications; used when recreating a lobby from a snapshot.
func (l *Lobby) SetGameState(blob []byte) {
	l.mu.Lock()
	l.gameState = blob
	l.mu.Unlock()
}

// IsSealed reports whether the lobby has latched sealed. Once true it
// never becomes false.
func (l *Lobby) IsSealed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sealed
}

// HostID returns the current host's raw peer identity.
func (l *Lobby) HostID() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.host
}

// MemberCount returns the number of currently joined peers.
func (l *Lobby) MemberCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.members)
}

// InLobbyID returns the address by which peerID is addressed within this
// lobby: 1 if it is the host, its raw identity otherwise.
func (l *Lobby) InLobbyID(peerID uint32) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inLobbyIDUnsafe(peerID)
}

func (l *Lobby) inLobbyIDUnsafe(peerID uint32) int {
	if peerID == l.host {
		return HostInLobbyID
	}
	return int(peerID)
}

// ResolveDestination rewrites a client-addressed id into the real peer
// identity: id 1 means "the host"; any other id is used as-is. ok is
// false if the resolved identity is not a current member (spec.md §4.E).
func (l *Lobby) ResolveDestination(clientID int) (id uint32, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var target uint32
	if clientID == HostInLobbyID {
		target = l.host
	} else {
		if clientID < 0 {
			return 0, false
		}
		target = uint32(clientID)
	}
	for _, m := range l.members {
		if m.ID == target {
			return target, true
		}
	}
	return 0, false
}

// FindMember returns the member peer with the given raw identity, if any.
func (l *Lobby) FindMember(id uint32) (*peer.Peer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.members {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// Join appends p to the lobby in join order, assigns identities, and
// emits the ID/PEER_CONNECT notifications described in spec.md §4.E. The
// sealed check and the append happen under the same lock acquisition, so
// a concurrent Seal cannot land between a caller's sealed check and the
// append (spec.md §4.E, "any further JOIN targeting this code is
// rejected with 'Lobby is sealed'").
//
// Join rejects a peer whose raw identity collides with an existing
// member's (spec.md §9, "Duplicate in-lobby id").
func (l *Lobby) Join(ctx context.Context, p *peer.Peer, asHost bool) error {
	l.mu.Lock()

	if l.sealed {
		l.mu.Unlock()
		return protocol.NewProtoError(4000, "Lobby is sealed")
	}

	for _, m := range l.members {
		if m.ID == p.ID {
			l.mu.Unlock()
			return fmt.Errorf("lobby: peer identity %d already present", p.ID)
		}
	}

	existing := make([]*peer.Peer, len(l.members))
	copy(existing, l.members)

	l.members = append(l.members, p)
	if asHost {
		l.host = p.ID
	}

	newInLobbyID := l.inLobbyIDUnsafe(p.ID)
	meshData := ""
	if l.Mesh {
		meshData = "true"
	}
	l.mu.Unlock()

	if err := p.Send(ctx, protocol.Envelope{Type: int(protocol.ID), ID: newInLobbyID, Data: meshData}); err != nil {
		l.logger.Warnf("lobby %s: failed to send ID to peer %d: %v", l.Code, p.ID, err)
	}

	for _, other := range existing {
		otherInLobbyID := l.InLobbyID(other.ID)
		if err := other.Send(ctx, protocol.Envelope{Type: int(protocol.PEER_CONNECT), ID: newInLobbyID}); err != nil {
			l.logger.Warnf("lobby %s: failed to notify peer %d of new peer: %v", l.Code, other.ID, err)
		}
		if err := p.Send(ctx, protocol.Envelope{Type: int(protocol.PEER_CONNECT), ID: otherInLobbyID}); err != nil {
			l.logger.Warnf("lobby %s: failed to tell new peer %d about peer %d: %v", l.Code, p.ID, other.ID, err)
		}
	}
	return nil
}

// Leave removes p by identity. It migrates the host if the host left and
// members remain, persists the game-state blob and reports shouldClose if
// the lobby is now empty, or broadcasts PEER_DISCONNECT otherwise.
func (l *Lobby) Leave(ctx context.Context, p *peer.Peer) (shouldClose bool) {
	l.mu.Lock()

	idx := -1
	for i, m := range l.members {
		if m.ID == p.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return false
	}
	l.members = append(l.members[:idx], l.members[idx+1:]...)
	wasHost := p.ID == l.host

	if !wasHost {
		remaining := make([]*peer.Peer, len(l.members))
		copy(remaining, l.members)
		departedInLobbyID := l.inLobbyIDUnsafe(p.ID)
		l.mu.Unlock()

		l.broadcast(ctx, remaining, protocol.Envelope{Type: int(protocol.PEER_DISCONNECT), ID: departedInLobbyID})
		return false
	}

	if len(l.members) == 0 {
		gameState := l.gameState
		l.mu.Unlock()

		if gameState != nil {
			l.cache.Save(l.Code, gameState)
		}
		if l.OnEmpty != nil {
			l.OnEmpty(l.Code)
		}
		return true
	}

	newHost := l.members[0]
	l.host = newHost.ID
	others := make([]*peer.Peer, len(l.members)-1)
	copy(others, l.members[1:])
	l.mu.Unlock()

	if err := newHost.Send(ctx, protocol.Envelope{Type: int(protocol.HOST_CHANGED), ID: HostInLobbyID, Data: "You are now the host"}); err != nil {
		l.logger.Warnf("lobby %s: failed to notify new host %d: %v", l.Code, newHost.ID, err)
	}
	// The source carries a commented-out secondary broadcast of
	// HOST_CHANGED to every other member; spec.md §9 keeps it opt-in.
	if l.notifyNonHostOnMigration {
		for _, other := range others {
			_ = other.Send(ctx, protocol.Envelope{Type: int(protocol.HOST_CHANGED), ID: HostInLobbyID, Data: "Host has changed"})
		}
	}
	return false
}

// Seal latches the lobby closed to new entrants, broadcasts SEAL, and
// arms the non-cancellable teardown timer. Only the host may seal.
func (l *Lobby) Seal(ctx context.Context, p *peer.Peer) error {
	l.mu.Lock()
	if p.ID != l.host {
		l.mu.Unlock()
		return protocol.NewProtoError(4000, "Only host can seal the lobby")
	}
	if l.sealed {
		l.mu.Unlock()
		return nil
	}
	l.sealed = true
	members := make([]*peer.Peer, len(l.members))
	copy(members, l.members)
	l.sealTimer = time.AfterFunc(l.sealCloseTimeout, func() {
		l.closeAllMembers()
	})
	l.mu.Unlock()

	l.broadcast(ctx, members, protocol.Envelope{Type: int(protocol.SEAL), ID: 0})
	return nil
}

func (l *Lobby) closeAllMembers() {
	l.mu.Lock()
	members := make([]*peer.Peer, len(l.members))
	copy(members, l.members)
	l.mu.Unlock()

	for _, m := range members {
		m.Close(1000, "Seal complete")
	}
}

// UpdateGameState stores the blob verbatim. Authorization (host-only) is
// enforced at dispatch, not here.
func (l *Lobby) UpdateGameState(blob []byte) {
	l.mu.Lock()
	l.gameState = append([]byte(nil), blob...)
	l.mu.Unlock()
}

// GameState returns the currently stored blob, or nil if none.
func (l *Lobby) GameState() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gameState
}

func (l *Lobby) broadcast(ctx context.Context, members []*peer.Peer, env protocol.Envelope) {
	for _, m := range members {
		if err := m.Send(ctx, env); err != nil {
			l.logger.Warnf("lobby %s: broadcast to peer %d failed: %v", l.Code, m.ID, err)
		}
	}
}
