package porygon

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectAndSend(t *testing.T) {
	cr := newTestRegistry()
	conn, fp := connectFake(t, cr, "c1")

	require.NoError(t, cr.Send(conn, "greeting", map[string]interface{}{"text": "hello"}))

	require.Eventually(t, func() bool { return fp.frameCount() == 1 }, time.Second, 5*time.Millisecond)
	frames := fp.decodedFrames(t)
	assert.Equal(t, "greeting", frames[0].Event)
	assert.EqualValues(t, 1, frames[0].ID)
}

func TestFrameSequenceIsMonotonic(t *testing.T) {
	cr := newTestRegistry()
	conn, fp := connectFake(t, cr, "c1")

	for i := 0; i < 5; i++ {
		require.NoError(t, cr.Send(conn, "tick", i))
	}
	require.Eventually(t, func() bool { return fp.frameCount() == 5 }, time.Second, 5*time.Millisecond)

	for i, frame := range fp.decodedFrames(t) {
		assert.EqualValues(t, i+1, frame.ID)
	}
}

func TestDuplicateConnectionIDRejected(t *testing.T) {
	cr := newTestRegistry()
	connectFake(t, cr, "c1")

	fp := &fakePush{}
	req := httptest.NewRequest(http.MethodGet, "/events/c1", nil)
	_, err := cr.Connect("c1", httptest.NewRecorder(), req, func(http.ResponseWriter, *http.Request) (PushConnection, error) {
		return fp, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionExists))
}

func TestUnknownConnectionIsNotFound(t *testing.T) {
	cr := newTestRegistry()

	_, found := cr.GetConnection("missing")
	assert.False(t, found)
	assert.True(t, errors.Is(cr.SendTo("missing", "x", nil), ErrConnectionNotFound))
	assert.True(t, errors.Is(cr.Disconnect("missing"), ErrConnectionNotFound))
}

func TestAckIsIdempotent(t *testing.T) {
	cr := newTestRegistry()
	conn, _ := connectFake(t, cr, "c1")

	cr.Ack(conn, 3)
	firstSeq := conn.LastAckSeq()
	conn.mu.Lock()
	firstAt := conn.lastAckAt
	conn.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	cr.Ack(conn, 3)

	assert.Equal(t, firstSeq, conn.LastAckSeq())
	conn.mu.Lock()
	assert.Equal(t, firstAt, conn.lastAckAt)
	assert.Zero(t, conn.pingsSinceAck)
	conn.mu.Unlock()

	// A stale, lower sequence is ignored too.
	cr.Ack(conn, 2)
	assert.EqualValues(t, 3, conn.LastAckSeq())
}

func TestPingReportsLatencySinceLastAck(t *testing.T) {
	cr := newTestRegistry()
	conn, _ := connectFake(t, cr, "c1")

	// Before any ack there is no latency baseline.
	assert.Zero(t, cr.Ping(conn))

	cr.Ack(conn, 1)
	time.Sleep(10 * time.Millisecond)
	latency := cr.Ping(conn)
	assert.GreaterOrEqual(t, latency, 10*time.Millisecond)
}

func TestRedirectAndReloadCommands(t *testing.T) {
	cr := newTestRegistry()
	conn, fp := connectFake(t, cr, "c1")

	require.NoError(t, cr.Redirect(conn, "/login", "session expired"))
	require.NoError(t, cr.Reload(conn, "new release"))

	require.Eventually(t, func() bool { return fp.frameCount() == 2 }, time.Second, 5*time.Millisecond)
	frames := fp.decodedFrames(t)
	assert.Equal(t, "redirect", frames[0].Event)
	data := frames[0].Data.(map[string]interface{})
	assert.Equal(t, "/login", data["url"])
	assert.Equal(t, "reload", frames[1].Event)
}

func TestReportStateStored(t *testing.T) {
	cr := newTestRegistry()
	conn, _ := connectFake(t, cr, "c1")

	cr.ReportState(conn, &StateReport{Requests: 7})
	require.NotNil(t, conn.State())
	assert.Equal(t, 7, conn.State().Requests)
}

func TestStalledClientForcedDisconnect(t *testing.T) {
	cfg := Config{PingInterval: time.Hour, StalledPingLimit: 1}.withDefaults()
	cr := NewConnectionRegistry(cfg, NewMemoryPresence())
	_, fp := connectFake(t, cr, "c1")

	cr.pingAll()
	assert.True(t, cr.IsLocalActive("c1"))
	cr.pingAll()
	assert.False(t, cr.IsLocalActive("c1"))
	assert.True(t, fp.isClosed())
}

func TestFullWriteBufferNeverBlocksSender(t *testing.T) {
	cr := newTestRegistry()
	sp := newStalledPush()
	defer close(sp.release)

	req := httptest.NewRequest(http.MethodGet, "/events/c1", nil)
	conn, err := cr.Connect("c1", httptest.NewRecorder(), req, func(http.ResponseWriter, *http.Request) (PushConnection, error) {
		return sp, nil
	})
	require.NoError(t, err)

	// Far more sends than the write buffer holds, all from one goroutine.
	// Overflow must drop frames instead of wedging the sender.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = cr.Send(conn, "tick", i)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sender blocked on a stalled client")
	}
	assert.Greater(t, conn.DroppedFrames(), uint64(0))
	assert.True(t, cr.IsLocalActive("c1"))
}

func TestDisconnectRunsEveryHook(t *testing.T) {
	cr := newTestRegistry()
	var got []string
	cr.OnDisconnect(func(id string) { got = append(got, "first:"+id) })
	cr.OnDisconnect(func(id string) { got = append(got, "second:"+id) })
	connectFake(t, cr, "c1")

	require.NoError(t, cr.Disconnect("c1"))
	assert.Equal(t, []string{"first:c1", "second:c1"}, got)
}

func TestAckKeepsStalledClientAlive(t *testing.T) {
	cfg := Config{PingInterval: time.Hour, StalledPingLimit: 1}.withDefaults()
	cr := NewConnectionRegistry(cfg, NewMemoryPresence())
	conn, _ := connectFake(t, cr, "c1")

	cr.pingAll()
	cr.Ack(conn, 1)
	cr.pingAll()
	assert.True(t, cr.IsLocalActive("c1"))
}

func TestDisconnectClearsPresence(t *testing.T) {
	cr := newTestRegistry()
	connectFake(t, cr, "c1")

	active, err := cr.IsActive("c1")
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, cr.Disconnect("c1"))
	active, err = cr.IsActive("c1")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestIsActiveConsultsClusterPresence(t *testing.T) {
	presence := NewMemoryPresence()
	cr := NewConnectionRegistry(Config{PingInterval: time.Hour}.withDefaults(), presence)

	// Connection held by a peer instance, known only through presence.
	require.NoError(t, presence.Add(presenceKey, "remote-conn"))
	active, err := cr.IsActive("remote-conn")
	require.NoError(t, err)
	assert.True(t, active)
	assert.False(t, cr.IsLocalActive("remote-conn"))
}

func TestGeneralizeURL(t *testing.T) {
	assert.Equal(t, "/users/:id/profile", generalizeURL("/users/123/profile"))
	assert.Equal(t, "/docs/:id", generalizeURL("/docs/7d444840-9dc0-11d1-b245-5ffdce74fad2"))
	assert.Equal(t, "/about", generalizeURL("/about"))
}
