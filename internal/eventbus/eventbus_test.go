package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/session"
	"github.com/annel0/kmp-host/internal/state"
	"github.com/annel0/kmp-host/internal/tick"
	"github.com/annel0/kmp-host/internal/trade"
)

type collector struct {
	mu  sync.Mutex
	got []*Envelope
}

func (c *collector) handle(_ context.Context, ev *Envelope) {
	c.mu.Lock()
	c.got = append(c.got, ev)
	c.mu.Unlock()
}

func (c *collector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.got))
	for _, ev := range c.got {
		out = append(out, ev.EventType)
	}
	return out
}

func TestMemoryBusFilterAndOrder(t *testing.T) {
	bus := NewMemoryBus(16)
	defer bus.Close()

	var all, joins collector
	_, err := bus.Subscribe(context.Background(), Filter{}, all.handle)
	require.NoError(t, err)
	sub, err := bus.Subscribe(context.Background(), Filter{Types: []string{TypePlayerJoined}}, joins.handle)
	require.NoError(t, err)

	for _, typ := range []string{TypePlayerJoined, TypeTickSummary, TypePlayerJoined} {
		require.NoError(t, bus.Publish(context.Background(), &Envelope{EventType: typ}))
	}
	require.Eventually(t, func() bool { return len(all.types()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{TypePlayerJoined, TypeTickSummary, TypePlayerJoined}, all.types())
	assert.Len(t, joins.types(), 2)

	sub.Unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), &Envelope{EventType: TypePlayerJoined}))
	require.Eventually(t, func() bool { return len(all.types()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Len(t, joins.types(), 2)

	stats := bus.Metrics()
	assert.Equal(t, uint64(4), stats.Published)
	assert.Equal(t, uint64(6), stats.Consumed)
}

func TestMemoryBusSessionFilter(t *testing.T) {
	bus := NewMemoryBus(16)
	defer bus.Close()

	var mine collector
	_, err := bus.Subscribe(context.Background(), Filter{Sessions: []string{"s1"}}, mine.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), &Envelope{EventType: TypePlayerJoined, CorrelationID: "s2"}))
	require.NoError(t, bus.Publish(context.Background(), &Envelope{EventType: TypeTickSummary, CorrelationID: "s1"}))
	require.Eventually(t, func() bool { return len(mine.types()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{TypeTickSummary}, mine.types())
}

func TestMemoryBusDropsLowPriorityWhenFull(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()
	block := make(chan struct{})
	_, err := bus.Subscribe(context.Background(), Filter{}, func(context.Context, *Envelope) { <-block })
	require.NoError(t, err)

	// первое событие занимает обработчик, второе буфер
	require.NoError(t, bus.Publish(context.Background(), &Envelope{EventType: "a"}))
	require.Eventually(t, func() bool { return bus.Metrics().InFlight == 0 }, time.Second, time.Millisecond)
	require.NoError(t, bus.Publish(context.Background(), &Envelope{EventType: "b"}))
	require.NoError(t, bus.Publish(context.Background(), &Envelope{EventType: "c", Priority: 1}))
	assert.Equal(t, uint64(1), bus.Metrics().Dropped)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = bus.Publish(ctx, &Envelope{EventType: "fatal", Priority: 9})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	close(block)
}

func TestClosedBusRejectsPublish(t *testing.T) {
	bus := NewMemoryBus(4)
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), &Envelope{}), ErrClosed)
}

func TestPublisherConvertsHostEvents(t *testing.T) {
	bus := NewMemoryBus(64)
	defer bus.Close()
	var got collector
	_, err := bus.Subscribe(context.Background(), Filter{}, got.handle)
	require.NoError(t, err)

	p := NewPublisher(bus, PublisherConfig{SessionID: "s1", SummaryEvery: 2})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.OnTick(&tick.WorldTick{TickID: 1, Events: []authority.Event{authority.Broadcast(authority.EventChat, map[string]any{"text": "hi"})}})
	p.OnTick(&tick.WorldTick{TickID: 2, Entities: make([]*state.EntityState, 3), Deltas: make([]state.EntityDelta, 2),
		Events: []authority.Event{authority.Broadcast(authority.EventTimeSync, nil)}})
	p.Lifecycle(session.Lifecycle{Kind: session.LifecycleJoined, ParticipantID: "p-alice", Name: "Alice"})
	p.Lifecycle(session.Lifecycle{Kind: session.LifecycleKicked, ParticipantID: "p-bob", Name: "Bob", Reason: "afk"})
	p.TradeFinished(trade.Record{TradeID: "t-1", State: "completed"})
	p.PersistenceFatal(errors.New("disk full"))

	require.Eventually(t, func() bool { return len(got.types()) == 6 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{TypeChat, TypeTickSummary, TypePlayerJoined, TypePlayerLeft, TypeTradeFinished, TypePersistenceFatal}, got.types())

	got.mu.Lock()
	summary, fatal := got.got[1], got.got[5]
	got.mu.Unlock()
	var sum TickSummary
	require.NoError(t, json.Unmarshal(summary.Payload, &sum))
	assert.Equal(t, TickSummary{TickID: 2, Entities: 3, Deltas: 2, Events: map[string]int{"time_sync": 1}}, sum)
	assert.Equal(t, "s1", summary.CorrelationID)
	assert.Equal(t, 9, fatal.Priority)
	assert.NotEmpty(t, fatal.ID)

	cancel()
	<-done
	p.Close()
	p.Emit(TypeChat, 1, "after close")
	assert.Equal(t, uint64(0), p.Dropped())
}

func TestPublisherDropsLowPriorityWhenQueueFull(t *testing.T) {
	p := NewPublisher(NewMemoryBus(4), PublisherConfig{Buffer: 1})
	p.Emit(TypeChat, 1, "a")
	p.Emit(TypeChat, 1, "b")
	assert.Equal(t, uint64(1), p.Dropped())

	// фатальное событие вытесняет старое
	p.Emit(TypePersistenceFatal, 9, "x")
	assert.Equal(t, uint64(2), p.Dropped())
	ev := <-p.queue
	assert.Equal(t, TypePersistenceFatal, ev.EventType)
}

func TestMetricsExporterCollects(t *testing.T) {
	reg := prometheus.NewRegistry()
	bus := NewMemoryBus(4)
	defer bus.Close()
	m := NewMetricsExporter(bus, nil, reg)
	require.NoError(t, bus.Publish(context.Background(), &Envelope{EventType: "a"}))
	require.NoError(t, bus.Publish(context.Background(), &Envelope{EventType: "b"}))

	prev, _ := m.collect(Stats{}, 0)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.published))
	require.NoError(t, bus.Publish(context.Background(), &Envelope{EventType: "c"}))
	m.collect(prev, 0)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.published))
}
