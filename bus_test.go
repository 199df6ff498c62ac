package porygon

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	N int `json:"n" mapstructure:"n"`
}

func TestCreateListeningServiceRejectsBadNames(t *testing.T) {
	bus := NewEventBus(NewMemoryBroker().Connect(), NewMemoryBroker().Connect())

	for _, name := range []string{"", "bus", "orders:v2", "channel:orders"} {
		_, err := bus.CreateListeningService(name, EventSchema{})
		require.Error(t, err, "name %q", name)
		assert.True(t, errors.Is(err, ErrInvalidServiceName))
	}

	err := bus.QueryListen("a:b", "lookup", func(interface{}) (interface{}, error) { return nil, nil })
	assert.True(t, errors.Is(err, ErrInvalidServiceName))
}

func TestEmitPreservesPublishOrder(t *testing.T) {
	broker := NewMemoryBroker()
	busA := newTestBus(t, broker)
	busB := newTestBus(t, broker)

	schema := EventSchema{"placed": orderPlaced{}}
	svcA, err := busA.CreateListeningService("orders", schema)
	require.NoError(t, err)
	svcB, err := busB.CreateListeningService("orders", schema)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []int
	svcB.On("placed", func(msg *BusMessage, data interface{}) {
		ev := data.(*orderPlaced)
		mu.Lock()
		got = append(got, ev.N)
		mu.Unlock()
	})

	const n = 25
	for i := 0; i < n; i++ {
		require.NoError(t, svcA.Emit("placed", orderPlaced{N: i}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSchemaViolationsAreDropped(t *testing.T) {
	broker := NewMemoryBroker()
	busA := newTestBus(t, broker)
	busB := newTestBus(t, broker)

	_, err := busA.CreateListeningService("orders", EventSchema{"placed": orderPlaced{}})
	require.NoError(t, err)
	svcB, err := busB.CreateListeningService("orders", EventSchema{"placed": orderPlaced{}})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []int
	svcB.On("placed", func(msg *BusMessage, data interface{}) {
		mu.Lock()
		got = append(got, data.(*orderPlaced).N)
		mu.Unlock()
	})

	svcA, _ := busA.CreateListeningService("orders", EventSchema{"placed": orderPlaced{}})
	// Unknown field and undeclared event: both dropped without reaching the listener.
	require.NoError(t, svcA.Emit("placed", map[string]interface{}{"n": 1, "bogus": true}))
	require.NoError(t, svcA.Emit("cancelled", orderPlaced{N: 2}))
	require.NoError(t, svcA.Emit("placed", orderPlaced{N: 3}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{3}, got)
}

func TestQueryResolvesWithResponderValue(t *testing.T) {
	broker := NewMemoryBroker()
	busA := newTestBus(t, broker)
	busB := newTestBus(t, broker)

	err := busB.QueryListen("math", "double", func(payload interface{}) (interface{}, error) {
		n := payload.(float64)
		return n * 2, nil
	})
	require.NoError(t, err)

	value, err := busA.Query("math", "double", 21, time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 42, value)
}

func TestConcurrentQueriesCorrelateIndependently(t *testing.T) {
	broker := NewMemoryBroker()
	busA := newTestBus(t, broker)
	busB := newTestBus(t, broker)

	require.NoError(t, busB.QueryListen("math", "negate", func(payload interface{}) (interface{}, error) {
		return -payload.(float64), nil
	}))

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(n float64) {
			defer wg.Done()
			value, err := busA.Query("math", "negate", n, time.Second)
			assert.NoError(t, err)
			assert.EqualValues(t, -n, value)
		}(float64(i))
	}
	wg.Wait()
}

func TestQueryResponderError(t *testing.T) {
	broker := NewMemoryBroker()
	busA := newTestBus(t, broker)
	busB := newTestBus(t, broker)

	require.NoError(t, busB.QueryListen("math", "fail", func(interface{}) (interface{}, error) {
		return nil, errors.New("cannot compute")
	}))

	_, err := busA.Query("math", "fail", nil, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueryFailed))
	assert.Contains(t, err.Error(), "cannot compute")
}

func TestQueryTimesOutWithoutResponder(t *testing.T) {
	broker := NewMemoryBroker()
	bus := newTestBus(t, broker)

	start := time.Now()
	_, err := bus.Query("nobody", "anything", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueryTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestQueryFallsBackToConfiguredTimeout(t *testing.T) {
	broker := NewMemoryBroker()
	bus := newTestBus(t, broker)
	bus.SetQueryTimeout(50 * time.Millisecond)

	start := time.Now()
	_, err := bus.Query("nobody", "anything", nil, 0)
	assert.True(t, errors.Is(err, ErrQueryTimeout))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestStreamDeliveredInOrderWithCompletion(t *testing.T) {
	broker := NewMemoryBroker()
	busA := newTestBus(t, broker)
	busB := newTestBus(t, broker)

	stream := NewStreamID()
	var mu sync.Mutex
	var got []float64
	done := make(chan struct{})
	stop, err := busB.ListenStream(stream, func(v interface{}) {
		mu.Lock()
		got = append(got, v.(float64))
		mu.Unlock()
	}, func() { close(done) })
	require.NoError(t, err)
	defer stop()

	values := make(chan interface{})
	go func() {
		for i := 0; i < 5; i++ {
			values <- i
		}
		close(values)
	}()
	require.NoError(t, busA.EmitStream(stream, values))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream completion callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, got)
}

func TestStreamStopAbandonsEarly(t *testing.T) {
	broker := NewMemoryBroker()
	busA := newTestBus(t, broker)
	busB := newTestBus(t, broker)

	stream := NewStreamID()
	var mu sync.Mutex
	count := 0
	stop, err := busB.ListenStream(stream, func(interface{}) {
		mu.Lock()
		count++
		mu.Unlock()
	}, func() {})
	require.NoError(t, err)
	stop()

	values := make(chan interface{}, 3)
	values <- 1
	values <- 2
	values <- 3
	close(values)
	require.NoError(t, busA.EmitStream(stream, values))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}

func TestDiscoveryConvergesBothWays(t *testing.T) {
	broker := NewMemoryBroker()
	busA := newTestBus(t, broker)
	busB := newTestBus(t, broker)

	require.Eventually(t, func() bool {
		_, aKnowsB := busA.Discovery().Peers()[busB.InstanceID()]
		_, bKnowsA := busB.Discovery().Peers()[busA.InstanceID()]
		return aKnowsB && bKnowsA
	}, time.Second, 5*time.Millisecond)

	// An instance never lists itself.
	_, selfListed := busA.Discovery().Peers()[busA.InstanceID()]
	assert.False(t, selfListed)
}
