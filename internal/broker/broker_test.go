package broker

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marabrook/lobbybroker/internal/cache"
	"github.com/marabrook/lobbybroker/internal/codegen"
	"github.com/marabrook/lobbybroker/internal/config"
	"github.com/marabrook/lobbybroker/internal/protocol"
	"github.com/marabrook/lobbybroker/internal/transport"
)

type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{data: map[string][]byte{}} }

func (f *fakeStore) Upsert(ctx context.Context, code string, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[code] = blob
	return nil
}

func (f *fakeStore) Load(ctx context.Context, code string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blob, ok := f.data[code]
	return blob, ok, nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() config.Config {
	return config.Config{
		MaxPeers:                 64,
		MaxLobbies:               64,
		NoLobbyTimeout:           time.Hour,
		SealCloseTimeout:         30 * time.Millisecond,
		PingInterval:             time.Hour,
		BulkFlushInterval:        time.Hour,
		NotifyNonHostOnMigration: false,
	}
}

func newTestBroker(cfg config.Config) *Broker {
	fs := newFakeStore()
	snapCache := cache.New(1000, fs, testLogger())
	gen := codegen.New(42, &codegen.MemoryPersister{}, testLogger())
	return New(cfg, gen, snapCache, nil, testLogger())
}

func connect(t *testing.T, b *Broker) *transport.Mem {
	mem := transport.NewMem()
	go b.Accept(context.Background(), mem, "test-addr", "/ws")
	t.Cleanup(func() { mem.Close(1000, "test cleanup") })
	return mem
}

func pushEnvelope(mem *transport.Mem, typ protocol.MessageType, id int, data string) {
	mem.PushText(protocol.Envelope{Type: int(typ), ID: id, Data: data})
}

func waitForFrameCount(t *testing.T, mem *transport.Mem, n int) []transport.Frame {
	var out []transport.Frame
	require.Eventually(t, func() bool {
		out = mem.OutSnapshot()
		return len(out) >= n
	}, time.Second, 5*time.Millisecond)
	return out
}

func decodeAt(t *testing.T, frames []transport.Frame, i int) protocol.Envelope {
	require.Equal(t, transport.Text, frames[i].Kind)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(frames[i].Data, &env))
	return env
}

// A fresh host JOIN produces two text frames in order: ID (in-lobby id 1)
// then JOIN (the allocated code echoed back).
func joinAsHost(t *testing.T, mem *transport.Mem) (code string, idEnv protocol.Envelope) {
	pushEnvelope(mem, protocol.JOIN, 1, "")
	out := waitForFrameCount(t, mem, 2)
	idEnv = decodeAt(t, out, 0)
	joinEnv := decodeAt(t, out, 1)
	require.Equal(t, int(protocol.ID), idEnv.Type)
	require.Equal(t, int(protocol.JOIN), joinEnv.Type)
	return joinEnv.Data, idEnv
}

func TestCreateLobbyAndSignalRelay(t *testing.T) {
	b := newTestBroker(testConfig())

	a := connect(t, b)
	code, idEnv := joinAsHost(t, a)
	assert.Equal(t, 1, idEnv.ID)
	assert.NotEmpty(t, code)

	bPeer := connect(t, b)
	pushEnvelope(bPeer, protocol.JOIN, 1, code)
	// guest frames: ID, PEER_CONNECT(host=1), JOIN(code)
	bOut := waitForFrameCount(t, bPeer, 3)
	bIDEnv := decodeAt(t, bOut, 0)
	bInLobbyID := bIDEnv.ID
	assert.NotEqual(t, 1, bInLobbyID)

	// host (a) receives a PEER_CONNECT for the guest, appended after its
	// own ID/JOIN pair.
	aOut := waitForFrameCount(t, a, 3)
	peerConnect := decodeAt(t, aOut, 2)
	assert.Equal(t, int(protocol.PEER_CONNECT), peerConnect.Type)
	assert.Equal(t, bInLobbyID, peerConnect.ID)

	// guest sends an OFFER addressed to the host (id 1); host should
	// receive it stamped with the guest's in-lobby id.
	pushEnvelope(bPeer, protocol.OFFER, 1, "sdp-blob")
	aOut = waitForFrameCount(t, a, 4)
	offerEnv := decodeAt(t, aOut, 3)
	assert.Equal(t, int(protocol.OFFER), offerEnv.Type)
	assert.Equal(t, bInLobbyID, offerEnv.ID)
	assert.Equal(t, "sdp-blob", offerEnv.Data)
}

func TestHostMigrationOnDisconnect(t *testing.T) {
	b := newTestBroker(testConfig())

	a := connect(t, b)
	code, _ := joinAsHost(t, a)

	bPeer := connect(t, b)
	pushEnvelope(bPeer, protocol.JOIN, 1, code)
	waitForFrameCount(t, bPeer, 3) // ID, PEER_CONNECT(host), JOIN

	cPeer := connect(t, b)
	pushEnvelope(cPeer, protocol.JOIN, 1, code)
	waitForFrameCount(t, cPeer, 4) // ID, PEER_CONNECT x2, JOIN

	bBaseline := len(waitForFrameCount(t, bPeer, 4)) // + PEER_CONNECT for c
	cBaseline := len(cPeer.OutSnapshot())

	a.Close(1000, "simulated disconnect")

	require.Eventually(t, func() bool {
		return len(bPeer.OutSnapshot()) > bBaseline
	}, time.Second, 5*time.Millisecond)

	bOut := bPeer.OutSnapshot()
	hostChanged := decodeAt(t, bOut, len(bOut)-1)
	assert.Equal(t, int(protocol.HOST_CHANGED), hostChanged.Type)
	assert.Equal(t, 1, hostChanged.ID)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, cBaseline, len(cPeer.OutSnapshot()), "non-new-host member receives no HOST_CHANGED by default")
}

func TestSealClosesAllMembersAfterTimeout(t *testing.T) {
	b := newTestBroker(testConfig())

	a := connect(t, b)
	code, _ := joinAsHost(t, a)

	guest := connect(t, b)
	pushEnvelope(guest, protocol.JOIN, 1, code)
	waitForFrameCount(t, guest, 3)

	pushEnvelope(a, protocol.SEAL, 0, "")

	require.Eventually(t, func() bool {
		return a.Closed() && guest.Closed()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1000, a.Code)
	assert.Equal(t, "Seal complete", a.Reason)
}

func TestSnapshotRestoreOnRejoin(t *testing.T) {
	b := newTestBroker(testConfig())

	host := connect(t, b)
	code, _ := joinAsHost(t, host)

	blob := make([]byte, 512)
	for i := range blob {
		blob[i] = byte(i % 256)
	}
	host.Push(transport.Binary, blob)
	time.Sleep(20 * time.Millisecond)

	host.Close(1000, "host leaves alone")

	// The departure is handled on the host's dispatch goroutine; wait until
	// the emptied lobby has been deregistered so the late JOIN goes through
	// the snapshot-restore path rather than attaching to the live lobby.
	require.Eventually(t, func() bool {
		_, live := b.lobbies.Get(code)
		return !live
	}, time.Second, 5*time.Millisecond)

	late := connect(t, b)
	pushEnvelope(late, protocol.JOIN, 1, code)

	// restored host: ID, JOIN, then the blob as an unframed binary write.
	lateOut := waitForFrameCount(t, late, 3)
	idEnv := decodeAt(t, lateOut, 0)
	assert.Equal(t, 1, idEnv.ID, "rejoining peer becomes the new host")

	var restored []byte
	for _, f := range lateOut {
		if f.Kind == transport.Binary {
			restored = f.Data
		}
	}
	assert.Equal(t, blob, restored)
}

func TestNoJoinReaperClosesIdleConnection(t *testing.T) {
	cfg := testConfig()
	cfg.NoLobbyTimeout = 20 * time.Millisecond
	b := newTestBroker(cfg)

	mem := connect(t, b)

	require.Eventually(t, func() bool {
		return mem.Closed()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 4000, mem.Code)
	assert.Equal(t, "Have not joined lobby yet", mem.Reason)
}
