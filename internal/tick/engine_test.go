package tick

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/kmp-host/internal/accessor"
	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/state"
)

type recordingSink struct {
	ticks []*WorldTick
}

func (s *recordingSink) OnTick(t *WorldTick) { s.ticks = append(s.ticks, t) }

type recordingResults struct {
	outcomes []authority.Outcome
}

func (r *recordingResults) OnResult(_ authority.Envelope, out authority.Outcome) {
	r.outcomes = append(r.outcomes, out)
}

func newTestEngine(t *testing.T, cfg Config, entities ...*state.EntityState) (*Engine, *accessor.Memory) {
	t.Helper()
	w := state.NewWorld()
	w.Restore(entities, 0)
	mem := accessor.NewMemory()
	mem.Load(entities)
	r := authority.NewResolver(authority.Config{
		TickInterval: 50 * time.Millisecond,
		MaxMoveSpeed: 15,
		AttackRange:  5,
		PvPEnabled:   true,
		RateLimit:    authority.RateLimitConfig{CommandsPerSecond: 30, CommandBurst: 60, ChatPerSecond: 1, ChatBurst: 5},
	}, w, mem)
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 64
	}
	if cfg.MaxBatch == 0 {
		cfg.MaxBatch = 64
	}
	return NewEngine(cfg, r, WithRegistry(prometheus.NewRegistry())), mem
}

func TestStateTransitions(t *testing.T) {
	e, _ := newTestEngine(t, Config{Interval: time.Hour})
	assert.Equal(t, Idle, e.State())
	assert.ErrorIs(t, e.Pause(), ErrInvalidTransition)

	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), ErrInvalidTransition)
	require.NoError(t, e.Pause())
	assert.ErrorIs(t, e.Pause(), ErrInvalidTransition)
	require.NoError(t, e.Resume())
	require.NoError(t, e.Stop())
	assert.Equal(t, Stopped, e.State())
	assert.ErrorIs(t, e.Resume(), ErrInvalidTransition)
	assert.ErrorIs(t, e.Enqueue(authority.Envelope{Command: authority.Chat{Text: "x"}}), ErrStopped)
}

func TestTickAppliesCommandsAndPublishes(t *testing.T) {
	p := &state.EntityState{ID: 1, Type: state.EntityPlayer, Health: 100, MaxHealth: 100, Owner: "A"}
	e, _ := newTestEngine(t, Config{Interval: time.Hour, StartTick: 10}, p)
	sink := &recordingSink{}
	e.AddSink(sink)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	now := time.Now()
	var done authority.Outcome
	require.NoError(t, e.Enqueue(authority.Envelope{
		Command:   authority.Move{Entity: 1, To: state.Vec3{X: 2}},
		Requester: "A",
		Done:      func(o authority.Outcome) { done = o },
	}))

	wt, err := e.Tick(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), wt.TickID)
	require.Len(t, wt.Deltas, 1)
	assert.Equal(t, uint64(11), wt.Deltas[0].SourceTick)
	assert.True(t, done.Ok())
	assert.Equal(t, 2.0, wt.Entities[0].Position.X)

	require.Len(t, sink.ticks, 1)
	assert.Same(t, wt, e.Latest())
	assert.Same(t, wt, e.History(11))
	assert.NotNil(t, e.History(10), "начальный тик из восстановленного мира")
	assert.Nil(t, e.History(12))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.commands.WithLabelValues("applied", "")))
}

func TestTickIDsStrictlyIncrease(t *testing.T) {
	e, _ := newTestEngine(t, Config{Interval: time.Hour})
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	var last uint64
	for i := 0; i < 5; i++ {
		wt, err := e.Tick(context.Background(), time.Now())
		require.NoError(t, err)
		assert.Equal(t, last+1, wt.TickID)
		last = wt.TickID
	}
}

func TestExpiredCommandsRejected(t *testing.T) {
	p := &state.EntityState{ID: 1, Type: state.EntityPlayer, Health: 100, MaxHealth: 100, Owner: "A"}
	e, _ := newTestEngine(t, Config{Interval: time.Hour, MaxCommandAge: 5 * time.Second}, p)
	results := &recordingResults{}
	e.AddResultSink(results)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	now := time.Now()
	require.NoError(t, e.Enqueue(authority.Envelope{
		Command:    authority.Move{Entity: 1, To: state.Vec3{X: 1}},
		Requester:  "A",
		ReceivedAt: now.Add(-6 * time.Second),
	}))
	wt, err := e.Tick(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, wt.Deltas)
	require.Len(t, results.outcomes, 1)
	assert.Equal(t, authority.Expired, results.outcomes[0].Rejection.Reason)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.expired))
}

func TestBoundedDrainKeepsLeftovers(t *testing.T) {
	e, _ := newTestEngine(t, Config{Interval: time.Hour, MaxBatch: 2, QueueCapacity: 3})
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Enqueue(authority.Envelope{Command: authority.Chat{Text: "hi"}, Requester: "A"}))
	}
	assert.ErrorIs(t, e.Enqueue(authority.Envelope{Command: authority.Chat{Text: "hi"}, Requester: "A"}), ErrQueueFull)

	wt, err := e.Tick(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Len(t, wt.Events, 2)
	assert.Equal(t, 1, e.QueueLen())
}

func TestFaultThresholdPauses(t *testing.T) {
	p := &state.EntityState{ID: 1, Type: state.EntityPlayer, Health: 100, MaxHealth: 100, Owner: "A"}
	e, mem := newTestEngine(t, Config{Interval: time.Hour, FaultThreshold: 3}, p)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	mem.FailWrites(100)
	var wt *WorldTick
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Enqueue(authority.Envelope{Command: authority.Move{Entity: 1, To: state.Vec3{X: float64(i + 1)}}, Requester: "A"}))
		var err error
		wt, err = e.Tick(context.Background(), time.Now())
		require.NoError(t, err)
	}
	assert.Equal(t, Paused, e.State())
	require.NotEmpty(t, wt.Events)
	assert.Equal(t, authority.EventTickPaused, wt.Events[len(wt.Events)-1].Kind)
	assert.Equal(t, 0.0, e.Resolver().World().Get(1).Position.X)

	_, err := e.Tick(context.Background(), time.Now())
	assert.True(t, errors.Is(err, ErrNotRunning))
}

func TestSystemsRunInOrder(t *testing.T) {
	e, _ := newTestEngine(t, Config{Interval: time.Hour})
	var order []string
	for _, name := range []string{"trade", "session", "clock"} {
		name := name
		e.AddSystem(SystemFunc{Label: name, Fn: func(ctx context.Context, sc *SystemContext) error {
			order = append(order, name)
			sc.Emit(authority.Broadcast(authority.EventSystem, map[string]any{"from": name}))
			return nil
		}})
	}
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	e.Announce(authority.Broadcast(authority.EventSystem, map[string]any{"text": "hello"}))
	wt, err := e.Tick(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"trade", "session", "clock"}, order)
	require.Len(t, wt.Events, 4)
	assert.Equal(t, "hello", wt.Events[0].Data["text"])
}

func TestHostSyncRecordsNPCDrift(t *testing.T) {
	npc := &state.EntityState{ID: 2, Type: state.EntityNPC, Health: 10, MaxHealth: 10, Owner: state.ServerOwner}
	e, mem := newTestEngine(t, Config{Interval: time.Hour}, npc)
	e.AddSystem(HostSync{})
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	mem.Simulate(2, accessor.RawFields{state.FieldZ: 4.0})
	wt, err := e.Tick(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, wt.Deltas, 1)
	assert.Equal(t, 4.0, wt.Deltas[0].Changed[state.FieldZ])
}

func TestQueueWraparound(t *testing.T) {
	q := NewCommandQueue(3)
	for _, p := range []state.ParticipantID{"a", "b", "c"} {
		require.True(t, q.Push(authority.Envelope{Requester: p}))
	}
	assert.False(t, q.Push(authority.Envelope{Requester: "overflow"}))

	first := q.Drain(2)
	require.Len(t, first, 2)
	assert.Equal(t, state.ParticipantID("a"), first[0].Requester)
	require.True(t, q.Push(authority.Envelope{Requester: "d"}))

	rest := q.Drain(0)
	require.Len(t, rest, 2)
	assert.Equal(t, state.ParticipantID("c"), rest[0].Requester)
	assert.Equal(t, state.ParticipantID("d"), rest[1].Requester)
	assert.Equal(t, 0, q.Len())
}

// runScript прогоняет одинаковый сценарий команд на свежем движке
func runScript(t *testing.T) *WorldTick {
	t.Helper()
	a := &state.EntityState{ID: 1, Type: state.EntityPlayer, Health: 100, MaxHealth: 100, Owner: "A",
		Data: map[string]any{state.DataInventory: map[string]any{"bread": 2.0}}}
	b := &state.EntityState{ID: 2, Type: state.EntityPlayer, Position: state.Vec3{X: 3}, Health: 100, MaxHealth: 100, Owner: "B"}
	npc := &state.EntityState{ID: 3, Type: state.EntityNPC, Position: state.Vec3{X: 1}, Health: 50, MaxHealth: 50, Owner: state.ServerOwner}
	e, _ := newTestEngine(t, Config{Interval: time.Hour}, a, b, npc)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	now := time.Unix(1700000000, 0)
	script := [][]authority.Envelope{
		{
			{Command: authority.Move{Entity: 2, To: state.Vec3{X: 3.5}}, Requester: "B", ReceivedAt: now},
			{Command: authority.Attack{Attacker: 1, Target: 3}, Requester: "A", ReceivedAt: now},
			{Command: authority.Move{Entity: 1, To: state.Vec3{X: 0.5}}, Requester: "A", ReceivedAt: now},
		},
		{
			{Command: authority.Drop{Actor: 1, Item: "bread", Amount: 1}, Requester: "A", ReceivedAt: now},
			{Command: authority.Attack{Attacker: 2, Target: 3}, Requester: "B", ReceivedAt: now},
		},
	}
	var wt *WorldTick
	for i, batch := range script {
		for _, env := range batch {
			require.NoError(t, e.Enqueue(env))
		}
		var err error
		wt, err = e.Tick(context.Background(), now.Add(time.Duration(i+1)*50*time.Millisecond))
		require.NoError(t, err)
	}
	return wt
}

func TestReplayIsByteIdentical(t *testing.T) {
	first := runScript(t)
	second := runScript(t)
	assert.Equal(t, first.TickID, second.TickID)
	assert.Equal(t, state.Hash(first.Entities), state.Hash(second.Entities))
	assert.Equal(t, len(first.Deltas), len(second.Deltas))
}

func TestAttackExampleScenario(t *testing.T) {
	a := &state.EntityState{ID: 1, Type: state.EntityPlayer, Health: 100, MaxHealth: 100, Owner: "A"}
	npc := &state.EntityState{ID: 2, Type: state.EntityNPC, Position: state.Vec3{X: 2}, Health: 50, MaxHealth: 50, Owner: state.ServerOwner}
	e, _ := newTestEngine(t, Config{Interval: time.Hour}, a, npc)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.NoError(t, e.Enqueue(authority.Envelope{Command: authority.Attack{Attacker: 1, Target: 2}, Requester: "A"}))
	wt, err := e.Tick(context.Background(), time.Now())
	require.NoError(t, err)

	var hit *state.EntityDelta
	for i := range wt.Deltas {
		if wt.Deltas[i].EntityID == 2 {
			hit = &wt.Deltas[i]
		}
	}
	require.NotNil(t, hit)
	assert.Equal(t, 30.0, hit.Changed[state.FieldHealth])
	assert.Equal(t, 30.0, e.Resolver().World().Get(2).Health)
}

func TestConflictingMovesOwnerWins(t *testing.T) {
	p := &state.EntityState{ID: 1, Type: state.EntityPlayer, Health: 100, MaxHealth: 100, Owner: "B"}
	e, _ := newTestEngine(t, Config{Interval: time.Hour}, p)
	results := &recordingResults{}
	e.AddResultSink(results)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	// оба считают сущность своей; A лексически раньше, но не владелец
	require.NoError(t, e.Enqueue(authority.Envelope{Command: authority.Move{Entity: 1, To: state.Vec3{X: 1}}, Requester: "B"}))
	require.NoError(t, e.Enqueue(authority.Envelope{Command: authority.Move{Entity: 1, To: state.Vec3{X: -1}}, Requester: "A"}))
	wt, err := e.Tick(context.Background(), time.Now())
	require.NoError(t, err)

	require.Len(t, results.outcomes, 2)
	var rejected []authority.Reason
	for _, out := range results.outcomes {
		if out.Rejection != nil {
			rejected = append(rejected, out.Rejection.Reason)
		}
	}
	assert.Equal(t, []authority.Reason{authority.NotOwner}, rejected)
	require.Len(t, wt.Deltas, 1)
	assert.Equal(t, 1.0, e.Resolver().World().Get(1).Position.X)
}
