package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/kmp-host/internal/accessor"
	"github.com/annel0/kmp-host/internal/auth"
	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/errs"
	"github.com/annel0/kmp-host/internal/network"
	"github.com/annel0/kmp-host/internal/protocol"
	"github.com/annel0/kmp-host/internal/state"
	"github.com/annel0/kmp-host/internal/tick"
)

type fakeChannel struct {
	id     string
	mu     sync.Mutex
	sent   []*protocol.Frame
	closed bool
}

func (c *fakeChannel) ID() string                { return c.id }
func (c *fakeChannel) Type() network.ChannelType { return network.ChannelTCP }
func (c *fakeChannel) Send(_ context.Context, f *protocol.Frame) error {
	c.TrySend(f)
	return nil
}
func (c *fakeChannel) TrySend(f *protocol.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, f)
	return true
}
func (c *fakeChannel) Receive(ctx context.Context) (*protocol.Frame, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (c *fakeChannel) Shutdown(time.Duration) { c.Close() }
func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
func (c *fakeChannel) Done() <-chan struct{}          { return nil }
func (c *fakeChannel) RemoteAddr() string             { return "test" }
func (c *fakeChannel) Stats() network.ConnectionStats { return network.ConnectionStats{} }

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) last(mt protocol.MessageType) *protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Type == mt {
			return c.sent[i]
		}
	}
	return nil
}

type fakeFanout struct {
	attached map[state.ParticipantID]network.NetChannel
}

func (f *fakeFanout) Attach(p state.ParticipantID, ch network.NetChannel) { f.attached[p] = ch }
func (f *fakeFanout) Detach(p state.ParticipantID)                       { delete(f.attached, p) }

type memoryStore struct {
	mu    sync.Mutex
	saves map[state.ParticipantID][]*state.EntityState
	names map[state.ParticipantID]string
}

func (s *memoryStore) SavePlayer(_ context.Context, pid state.ParticipantID, name string, entities []*state.EntityState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves[pid] = entities
	s.names[pid] = name
	return nil
}

func (s *memoryStore) LoadPlayer(_ context.Context, pid state.ParticipantID) (string, []*state.EntityState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.saves[pid]; ok {
		return s.names[pid], e, nil
	}
	return "", nil, ErrNotFound
}

type harness struct {
	t      *testing.T
	engine *tick.Engine
	mgr    *Manager
	fanout *fakeFanout
	tokens *auth.TokenIssuer
	store  *memoryStore
	now    time.Time
	ticks  []*tick.WorldTick
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	w := state.NewWorld()
	r := authority.NewResolver(authority.Config{
		TickInterval: 50 * time.Millisecond,
		MaxMoveSpeed: 15,
		RateLimit:    authority.RateLimitConfig{CommandsPerSecond: 20, CommandBurst: 20},
	}, w, accessor.NewMemory())
	engine := tick.NewEngine(tick.Config{Interval: time.Hour, QueueCapacity: 64, MaxBatch: 64}, r, tick.WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { engine.Stop() })

	tokens, err := auth.NewTokenIssuer("")
	require.NoError(t, err)
	gate, err := auth.NewPasswordGate("")
	require.NoError(t, err)

	h := &harness{t: t, engine: engine, fanout: &fakeFanout{attached: map[state.ParticipantID]network.NetChannel{}}, tokens: tokens, now: time.Now()}
	h.store = &memoryStore{saves: map[state.ParticipantID][]*state.EntityState{}, names: map[state.ParticipantID]string{}}
	cfg := Config{
		SessionID:         "s-1",
		WorldHash:         "world",
		ProtocolVersion:   1,
		MaxParticipants:   4,
		Grace:             5 * time.Minute,
		InvulnerableTicks: 100,
		KeepaliveTimeout:  10 * time.Second,
		KickCooldown:      time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.mgr = NewManager(cfg, engine, h.fanout, tokens, gate,
		WithClock(func() time.Time { return h.now }),
		WithPlayerStore(h.store),
		WithRegistry(prometheus.NewRegistry()))
	engine.AddSystem(h.mgr.System())
	engine.AddResultSink(h.mgr)
	return h
}

func (h *harness) tick() *tick.WorldTick {
	h.t.Helper()
	wt, err := h.engine.Tick(context.Background(), h.now)
	require.NoError(h.t, err)
	h.ticks = append(h.ticks, wt)
	return wt
}

func (h *harness) join(name string) (state.ParticipantID, *fakeChannel, protocol.HandshakeAck) {
	h.t.Helper()
	ch := &fakeChannel{id: "conn-" + name}
	pid, err := h.mgr.Handshake(context.Background(), ch, protocol.Handshake{Version: 1, Name: name, WorldHash: "world"})
	require.NoError(h.t, err)
	h.tick()
	f := ch.last(protocol.MsgHandshakeAck)
	require.NotNil(h.t, f, "HandshakeAck после применения Spawn")
	var ack protocol.HandshakeAck
	require.NoError(h.t, f.Unmarshal(&ack))
	return pid, ch, ack
}

func rejectCode(t *testing.T, ch *fakeChannel) protocol.RejectCode {
	t.Helper()
	f := ch.last(protocol.MsgHandshakeReject)
	require.NotNil(t, f)
	var rej protocol.HandshakeReject
	require.NoError(t, f.Unmarshal(&rej))
	return rej.Code
}

func hasEvent(wt *tick.WorldTick, kind authority.EventKind) (authority.Event, bool) {
	for _, ev := range wt.Events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return authority.Event{}, false
}

func TestHandshakeValidation(t *testing.T) {
	cases := []struct {
		name string
		hs   protocol.Handshake
		code protocol.RejectCode
		kind errs.Kind
	}{
		{"версия", protocol.Handshake{Version: 2, Name: "Beep", WorldHash: "world"}, protocol.RejectVersionMismatch, errs.Version},
		{"мир", protocol.Handshake{Version: 1, Name: "Beep", WorldHash: "other"}, protocol.RejectWorldMismatch, errs.Version},
		{"пароль", protocol.Handshake{Version: 1, Name: "Beep", WorldHash: "world", Password: "nope"}, protocol.RejectBadPassword, errs.Auth},
		{"пустое имя", protocol.Handshake{Version: 1, Name: "   ", WorldHash: "world", Password: "pw"}, protocol.RejectInvalidName, errs.Validation},
		{"длинное имя", protocol.Handshake{Version: 1, Name: "abcdefghijklmnopqrstuvwxyz0123456789", WorldHash: "world", Password: "pw"}, protocol.RejectInvalidName, errs.Validation},
		{"токен", protocol.Handshake{Version: 1, Name: "Beep", WorldHash: "world", Password: "pw", Token: "garbage"}, protocol.RejectBadToken, errs.Auth},
	}

	h := newHarness(t, nil)
	gate, err := auth.NewPasswordGate("pw")
	require.NoError(t, err)
	h.mgr.gate = gate

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch := &fakeChannel{id: "c"}
			_, err := h.mgr.Handshake(context.Background(), ch, tc.hs)
			require.Error(t, err)
			assert.True(t, errs.Is(err, tc.kind), "kind %v", errs.KindOf(err))
			assert.Equal(t, tc.code, rejectCode(t, ch))
			assert.True(t, ch.isClosed())
		})
	}
}

func TestJoinSendsAckAndAttaches(t *testing.T) {
	h := newHarness(t, nil)

	pid, ch, ack := h.join("Beep")
	assert.Equal(t, pid, ack.ParticipantID)
	assert.True(t, ack.Host, "первый участник становится хостом")
	require.Len(t, ack.Entities, 1)
	assert.NotEmpty(t, ack.Token)
	assert.NotEmpty(t, ack.UDPNonce)
	assert.Same(t, ch, h.fanout.attached[pid])

	avatar := h.engine.Resolver().World().Get(ack.Entities[0])
	require.NotNil(t, avatar)
	assert.Equal(t, pid, avatar.Owner)
	assert.Equal(t, state.EntityPlayer, avatar.Type)

	wt := h.tick()
	ev, ok := hasEvent(wt, authority.EventPlayerJoined)
	require.True(t, ok)
	var joined protocol.PlayerJoined
	require.NoError(t, protocol.FromEventData(ev.Data, &joined))
	assert.Equal(t, "Beep", joined.Name)

	_, _, ack2 := h.join("Boop")
	assert.False(t, ack2.Host)
	assert.NotEqual(t, ack.Entities[0], ack2.Entities[0])
	assert.Equal(t, Playing, h.mgr.Snapshot().State)

	list := h.mgr.List()
	require.Len(t, list, 2)
	assert.Equal(t, "Beep", list[0].Name)
	assert.Equal(t, "InWorld", list[0].State)
	assert.True(t, h.mgr.VerifyUDP(pid, ack.UDPNonce))
	assert.False(t, h.mgr.VerifyUDP(pid, "forged"))
}

func TestConnectingUntilHandshake(t *testing.T) {
	h := newHarness(t, nil)

	ch := &fakeChannel{id: "conn-x"}
	h.mgr.Accept(ch)
	list := h.mgr.List()
	require.Len(t, list, 1)
	assert.Equal(t, "Connecting", list[0].State)
	assert.Empty(t, list[0].ID)
	assert.Equal(t, "test", list[0].RemoteAddr)

	pid, err := h.mgr.Handshake(context.Background(), ch, protocol.Handshake{Version: 1, Name: "Beep", WorldHash: "world"})
	require.NoError(t, err)
	list = h.mgr.List()
	require.Len(t, list, 1)
	assert.Equal(t, pid, list[0].ID)
	assert.Equal(t, "Authenticated", list[0].State)

	h.tick()
	assert.Equal(t, "InWorld", h.mgr.List()[0].State)

	// отклонённое рукопожатие тоже выводит соединение из Connecting
	bad := &fakeChannel{id: "conn-y"}
	h.mgr.Accept(bad)
	require.Len(t, h.mgr.List(), 2)
	_, err = h.mgr.Handshake(context.Background(), bad, protocol.Handshake{Version: 9, Name: "Boop", WorldHash: "world"})
	require.Error(t, err)
	require.Len(t, h.mgr.List(), 1)

	// соединение без рукопожатия
	h.mgr.Accept(&fakeChannel{id: "conn-z"})
	h.mgr.Abandon("conn-z")
	assert.Len(t, h.mgr.List(), 1)
}

func TestSquadRequestsTracked(t *testing.T) {
	h := newHarness(t, nil)
	pid, ch, ack := h.join("Beep")

	var out authority.Outcome
	require.NoError(t, h.engine.Enqueue(authority.Envelope{
		Command:   authority.SpawnRequest{Type: state.EntityNPC, Position: state.Vec3{X: 3}},
		Requester: pid,
		Done:      func(o authority.Outcome) { out = o },
	}))
	h.tick()
	require.True(t, out.Ok(), "rejection: %v", out.Rejection)
	require.Len(t, out.Created, 1)
	companion := out.Created[0]

	entities := h.mgr.List()[0].Entities
	assert.Equal(t, []state.EntityID{ack.Entities[0], companion}, entities)

	// отключение передаёт ИИ и нового члена отряда
	h.mgr.ConnectionLost(pid, ch.ID())
	h.tick()
	assert.Equal(t, state.ControllerAI, h.engine.Resolver().World().Get(companion).Text(state.DataController))
}

func TestSquadDespawnTracked(t *testing.T) {
	h := newHarness(t, nil)
	pid, _, ack := h.join("Beep")

	var created []state.EntityID
	require.NoError(t, h.engine.Enqueue(authority.Envelope{
		Command:   authority.SpawnRequest{Type: state.EntityNPC, Position: state.Vec3{X: 3}},
		Requester: pid,
		Done:      func(o authority.Outcome) { created = o.Created },
	}))
	h.tick()
	require.Len(t, created, 1)

	require.NoError(t, h.engine.Enqueue(authority.Envelope{
		Command:   authority.DespawnRequest{Entities: created},
		Requester: pid,
	}))
	h.tick()
	assert.Nil(t, h.engine.Resolver().World().Get(created[0]))
	assert.Equal(t, []state.EntityID{ack.Entities[0]}, h.mgr.List()[0].Entities)
}

func TestCapacityAndNames(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxParticipants = 1 })
	h.join("Beep")

	ch := &fakeChannel{id: "late"}
	_, err := h.mgr.Handshake(context.Background(), ch, protocol.Handshake{Version: 1, Name: "Boop", WorldHash: "world"})
	require.Error(t, err)
	assert.Equal(t, protocol.RejectServerFull, rejectCode(t, ch))
}

func TestDisconnectAndReconnect(t *testing.T) {
	h := newHarness(t, nil)
	pid, ch, ack := h.join("Beep")
	id := ack.Entities[0]

	h.mgr.ConnectionLost(pid, ch.ID())
	assert.NotContains(t, h.fanout.attached, pid)
	h.tick()

	avatar := h.engine.Resolver().World().Get(id)
	require.NotNil(t, avatar, "сущность остаётся в мире на время ожидания")
	assert.Equal(t, state.ControllerAI, avatar.Text(state.DataController))
	assert.Greater(t, avatar.Number(state.DataInvulnerableUntil, 0), 0.0)
	assert.Equal(t, pid, avatar.Owner, "владение не меняется")

	info, ok := h.mgr.Lookup(pid)
	require.True(t, ok)
	assert.Equal(t, "Disconnected", info.State)
	require.NotNil(t, info.GraceDeadline)

	// старое соединение ничего не меняет после разрыва
	h.mgr.ConnectionLost(pid, ch.ID())

	h.now = h.now.Add(time.Minute)
	ch2 := &fakeChannel{id: "conn-2"}
	got, err := h.mgr.Handshake(context.Background(), ch2, protocol.Handshake{Version: 1, Name: "Beep", WorldHash: "world", Token: ack.Token})
	require.NoError(t, err)
	assert.Equal(t, pid, got)
	h.tick()

	f := ch2.last(protocol.MsgHandshakeAck)
	require.NotNil(t, f)
	var ack2 protocol.HandshakeAck
	require.NoError(t, f.Unmarshal(&ack2))
	assert.Equal(t, pid, ack2.ParticipantID)
	assert.Equal(t, []state.EntityID{id}, ack2.Entities)
	assert.Same(t, ch2, h.fanout.attached[pid])

	players := 0
	h.engine.Resolver().World().Each(func(e *state.EntityState) {
		if e.Type == state.EntityPlayer {
			players++
		}
	})
	assert.Equal(t, 1, players, "переподключение не создаёт дубликат")
	assert.Equal(t, state.ControllerHuman, h.engine.Resolver().World().Get(id).Text(state.DataController))

	assert.Eventually(t, func() bool {
		_, _, err := h.store.LoadPlayer(context.Background(), pid)
		return err == nil
	}, time.Second, 10*time.Millisecond, "разрыв сохраняет игрока")
}

func TestGraceExpiry(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Grace = time.Minute })
	pid, ch, ack := h.join("Beep")
	h.mgr.ConnectionLost(pid, ch.ID())
	h.tick()

	h.now = h.now.Add(2 * time.Minute)
	wt := h.tick()

	assert.Nil(t, h.engine.Resolver().World().Get(ack.Entities[0]))
	ev, ok := hasEvent(wt, authority.EventPlayerLeft)
	require.True(t, ok)
	var left protocol.PlayerLeft
	require.NoError(t, protocol.FromEventData(ev.Data, &left))
	assert.Equal(t, protocol.LeaveTimeout, left.Reason)
	assert.Empty(t, h.mgr.List())

	// после удаления в этом процессе остаётся только восстановление из сохранения
	assert.Eventually(t, func() bool {
		_, e, _ := h.store.LoadPlayer(context.Background(), pid)
		return len(e) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRestoreFromSave(t *testing.T) {
	h := newHarness(t, nil)
	saved := &state.EntityState{ID: 42, Type: state.EntityPlayer, Position: state.Vec3{X: 5}, Health: 70, MaxHealth: 100, Owner: "p-old"}
	h.store.saves["p-old"] = []*state.EntityState{saved}
	h.store.names["p-old"] = "Beep"

	token, err := h.tokens.IssueReconnect("p-old", "Beep", "s-1", time.Hour)
	require.NoError(t, err)
	ch := &fakeChannel{id: "c"}
	pid, err := h.mgr.Handshake(context.Background(), ch, protocol.Handshake{Version: 1, Name: "Beep", WorldHash: "world", Token: token})
	require.NoError(t, err)
	assert.Equal(t, state.ParticipantID("p-old"), pid)
	h.tick()

	e := h.engine.Resolver().World().Get(42)
	require.NotNil(t, e)
	assert.Equal(t, 70.0, e.Health)
	require.NotNil(t, ch.last(protocol.MsgHandshakeAck))
}

func TestKeepaliveTimeout(t *testing.T) {
	h := newHarness(t, nil)
	pid, ch, _ := h.join("Beep")

	h.now = h.now.Add(5 * time.Second)
	h.mgr.Touch(pid)
	h.tick()
	assert.False(t, ch.isClosed())

	h.now = h.now.Add(11 * time.Second)
	h.tick()
	assert.True(t, ch.isClosed())
}

func TestKickAndBan(t *testing.T) {
	h := newHarness(t, nil)
	var events []Lifecycle
	h.mgr.OnLifecycle(func(l Lifecycle) { events = append(events, l) })

	pid, ch, ack := h.join("Beep")
	require.NoError(t, h.mgr.Kick(pid, "griefing"))
	assert.True(t, ch.isClosed())
	require.NotNil(t, ch.last(protocol.MsgDisconnect))
	assert.ErrorIs(t, h.mgr.Kick(pid, ""), ErrNotFound)

	wt := h.tick()
	assert.Nil(t, h.engine.Resolver().World().Get(ack.Entities[0]))
	ev, ok := hasEvent(wt, authority.EventPlayerLeft)
	require.True(t, ok)
	var left protocol.PlayerLeft
	require.NoError(t, protocol.FromEventData(ev.Data, &left))
	assert.Equal(t, protocol.LeaveKicked, left.Reason)

	again := &fakeChannel{id: "again"}
	_, err := h.mgr.Handshake(context.Background(), again, protocol.Handshake{Version: 1, Name: "beep", WorldHash: "world"})
	require.Error(t, err)
	assert.Equal(t, protocol.RejectBanned, rejectCode(t, again), "недавно исключённое имя")

	h.now = h.now.Add(2 * time.Minute)
	h.join("Beep")

	h.mgr.Ban("BEEP")
	assert.Empty(t, h.mgr.List())
	h.now = h.now.Add(time.Hour)
	banned := &fakeChannel{id: "banned"}
	_, err = h.mgr.Handshake(context.Background(), banned, protocol.Handshake{Version: 1, Name: "Beep", WorldHash: "world"})
	require.Error(t, err)
	assert.Equal(t, protocol.RejectBanned, rejectCode(t, banned))

	require.NotEmpty(t, events)
	assert.Equal(t, LifecycleJoined, events[0].Kind)
	assert.Equal(t, LifecycleKicked, events[1].Kind)
}
