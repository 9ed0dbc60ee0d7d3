package events

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/herd/internal/registry"
)

func TestBusSubscribeAndUnsubscribe(t *testing.T) {
	bus := NewBus(10)
	var mu sync.Mutex
	var got []string
	unsub := bus.Subscribe(TypeStateChanged, func(e BusEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.EventWorker())
	})
	all := 0
	bus.SubscribeAll(func(BusEvent) {
		mu.Lock()
		defer mu.Unlock()
		all++
	})

	now := time.Now()
	bus.PublishSync(NewStateChanged("w1", registry.StatusSpawning, registry.StatusRunning, nil, now))
	bus.PublishSync(Degraded{BaseEvent: BaseEvent{Type: TypeDegraded, Worker: "w1", Timestamp: now}, Degraded: true})
	unsub()
	bus.PublishSync(NewStateChanged("w2", registry.StatusRunning, registry.StatusCompleted, nil, now))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"w1"}, got)
	assert.Equal(t, 3, all)
	assert.Equal(t, 0, bus.SubscriberCount(TypeStateChanged))
}

func TestBusHistoryNewestFirst(t *testing.T) {
	bus := NewBus(2)
	for _, id := range []string{"a", "b", "c"} {
		bus.PublishSync(NewStateChanged(id, "", registry.StatusRunning, nil, time.Now()))
	}
	h := bus.History(0)
	require.Len(t, h, 2)
	assert.Equal(t, "c", h[0].EventWorker())
	assert.Equal(t, "b", h[1].EventWorker())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestBusStream(t *testing.T) {
	bus := NewBus(10)
	var out syncBuffer
	stop := bus.Stream(&out)
	defer stop()
	bus.PublishSync(NewStateChanged("w1", registry.StatusRunning, registry.StatusBlocked, nil, time.Now()))
	assert.True(t, strings.Contains(out.String(), `"type":"worker.state_changed"`))
	assert.Contains(t, out.String(), `"to":"blocked"`)
}

func TestBusHistoryBeforeWrap(t *testing.T) {
	bus := NewBus(5)
	assert.Empty(t, bus.History(0))
	bus.PublishSync(NewStateChanged("a", "", registry.StatusRunning, nil, time.Now()))
	bus.PublishSync(NewStateChanged("b", "", registry.StatusRunning, nil, time.Now()))
	h := bus.History(10)
	require.Len(t, h, 2)
	assert.Equal(t, "b", h[0].EventWorker())
	assert.Len(t, bus.History(1), 1)
}

func TestBusUnsubscribeTwice(t *testing.T) {
	bus := NewBus(1)
	first := bus.Subscribe(TypeDegraded, func(BusEvent) {})
	bus.Subscribe(TypeDegraded, func(BusEvent) {})
	first()
	first()
	assert.Equal(t, 1, bus.SubscriberCount(TypeDegraded))
}
