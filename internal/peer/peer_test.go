package peer

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marabrook/lobbybroker/internal/transport"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestNoLobbyTimeoutFiresWhenUnjoined(t *testing.T) {
	mem := transport.NewMem()
	var fired atomic.Bool
	p := New(1, mem, 20*time.Millisecond, testLogger(), func() {
		fired.Store(true)
		mem.Close(4000, "Have not joined lobby yet")
	})
	defer p.CancelJoinTimer()

	require.Eventually(t, func() bool { return fired.Load() }, time.Second, 5*time.Millisecond)
	assert.True(t, mem.Closed())
	assert.Equal(t, 4000, mem.Code)
}

func TestNoLobbyTimeoutSkippedAfterJoin(t *testing.T) {
	mem := transport.NewMem()
	var fired atomic.Bool
	p := New(2, mem, 20*time.Millisecond, testLogger(), func() {
		fired.Store(true)
	})
	p.SetLobbyName("ABCDEF")
	p.CancelJoinTimer()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
	assert.False(t, mem.Closed())
}

func TestSendRecordsEachWrite(t *testing.T) {
	mem := transport.NewMem()
	p := New(3, mem, time.Hour, testLogger(), func() {})
	defer p.CancelJoinTimer()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Send(ctx, map[string]int{"n": i}))
	}
	assert.Len(t, mem.OutSnapshot(), 10)
}

func TestCloseIsIdempotent(t *testing.T) {
	mem := transport.NewMem()
	p := New(4, mem, time.Hour, testLogger(), func() {})

	p.Close(1000, "Seal complete")
	p.Close(1000, "Seal complete")
	assert.True(t, mem.Closed())
}
