// Package codegen produces the six-character lobby codes handed out by
// Broker.joinLobby when a client requests a fresh lobby.
//
// Codes are not rejection-sampled randomness: next() is a full-period
// linear congruential step over a monotonic counter, which guarantees no
// collisions until the 33^6 code space wraps, while still looking
// unrelated from one call to the next.
package codegen

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Alphabet excludes the visually ambiguous I, O, and 0, per spec.md §3.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ123456789"

const (
	base       = uint64(len(Alphabet))                   // 33
	codeLen    = 6
	modulus    = base * base * base * base * base * base // 33^6
	multiplier = uint64(48271)                            // coprime with modulus
	increment  = uint64(12345)                            // any offset; bijectivity rests on multiplier alone
)

// Persister loads and saves the generator's counter across process
// restarts. Implementations must tolerate Load being called once at
// startup with nothing yet saved (return 0, nil).
type Persister interface {
	Load(ctx context.Context) (uint64, error)
	Save(ctx context.Context, counter uint64) error
}

// MemoryPersister keeps the counter only for the current process
// lifetime. Used in tests; cmd/server always wires RedisPersister. It is
// not durable: after a restart the counter starts again at zero, so codes
// issued before the restart are issued again.
type MemoryPersister struct {
	mu      sync.Mutex
	counter uint64
}

func (m *MemoryPersister) Load(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counter, nil
}

func (m *MemoryPersister) Save(ctx context.Context, counter uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter = counter
	return nil
}

// Generator issues lobby codes from a persisted, seeded counter.
type Generator struct {
	mu        sync.Mutex
	seed      uint64
	counter   uint64
	persister Persister
	logger    *logrus.Logger
	loaded    bool
}

// New builds a Generator. seed must stay constant across restarts: it
// offsets every code, so a changed seed can reissue codes handed out
// before the restart (spec.md §4.A).
func New(seed int64, persister Persister, logger *logrus.Logger) *Generator {
	return &Generator{
		seed:      uint64(seed) % modulus,
		persister: persister,
		logger:    logger,
	}
}

// Next allocates and returns the next six-character code, awaiting the
// counter persist as described in spec.md §4.A.
func (g *Generator) Next(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.loaded {
		counter, err := g.persister.Load(ctx)
		if err != nil {
			return "", fmt.Errorf("codegen: load counter: %w", err)
		}
		g.counter = counter
		g.loaded = true
	}

	k := g.counter
	t := (multiplier*k + increment + g.seed) % modulus

	g.counter = k + 1
	if g.counter >= modulus {
		g.counter = 0
		g.logger.Warnf("codegen: counter wrapped at %d issued codes; collisions become possible", modulus)
	}

	if err := g.persister.Save(ctx, g.counter); err != nil {
		g.logger.Warnf("codegen: failed to persist counter: %v", err)
	}

	return Encode(t), nil
}

// Encode renders n as a six-character base-34 string, most-significant
// digit first, left-padded with the zero digit 'A'.
func Encode(n uint64) string {
	n %= modulus
	buf := make([]byte, codeLen)
	for i := codeLen - 1; i >= 0; i-- {
		buf[i] = Alphabet[n%base]
		n /= base
	}
	return string(buf)
}

// Decode reverses Encode, for diagnostics.
func Decode(s string) (uint64, error) {
	if !Valid(s) {
		return 0, fmt.Errorf("codegen: invalid code %q", s)
	}
	var n uint64
	for i := 0; i < codeLen; i++ {
		idx := strings.IndexByte(Alphabet, s[i])
		n = n*base + uint64(idx)
	}
	return n, nil
}

// Valid reports whether s has the right length and alphabet membership.
func Valid(s string) bool {
	if len(s) != codeLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(Alphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
