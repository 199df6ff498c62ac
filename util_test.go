package porygon

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	SetLogger(zap.NewNop().Sugar())
	os.Exit(m.Run())
}

// fakePush records every frame written to it, standing in for a real
// SSE or websocket stream.
type fakePush struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakePush) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("push closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakePush) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePush) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakePush) decodedFrames(t *testing.T) []Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, 0, len(f.frames))
	for _, raw := range f.frames {
		var frame Frame
		require.NoError(t, json.Unmarshal(raw, &frame))
		out = append(out, frame)
	}
	return out
}

func (f *fakePush) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

// stalledPush blocks every Send until released, standing in for a client
// that stopped draining its stream.
type stalledPush struct {
	release chan struct{}
}

func newStalledPush() *stalledPush {
	return &stalledPush{release: make(chan struct{})}
}

func (s *stalledPush) Send([]byte) error {
	<-s.release
	return nil
}

func (s *stalledPush) Close() error { return nil }

func newTestRegistry() *ConnectionRegistry {
	cfg := Config{PingInterval: time.Hour, StalledPingLimit: 2}.withDefaults()
	return NewConnectionRegistry(cfg, NewMemoryPresence())
}

func connectFake(t *testing.T, cr *ConnectionRegistry, id string) (*Connection, *fakePush) {
	t.Helper()
	fp := &fakePush{}
	req := httptest.NewRequest(http.MethodGet, "/events/"+id, nil)
	w := httptest.NewRecorder()
	conn, err := cr.Connect(id, w, req, func(http.ResponseWriter, *http.Request) (PushConnection, error) {
		return fp, nil
	})
	require.NoError(t, err)
	return conn, fp
}

func newTestBus(t *testing.T, broker *MemoryBroker) *EventBus {
	t.Helper()
	ep := broker.Connect()
	bus := NewEventBus(ep, ep)
	require.NoError(t, bus.Start())
	t.Cleanup(bus.Shutdown)
	return bus
}
