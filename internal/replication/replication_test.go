package replication

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/config"
	"github.com/annel0/kmp-host/internal/network"
	"github.com/annel0/kmp-host/internal/protocol"
	"github.com/annel0/kmp-host/internal/state"
	"github.com/annel0/kmp-host/internal/tick"
)

// fakeChannel записывает отправленные кадры и отдаёт заранее заданные входящие
type fakeChannel struct {
	mu     sync.Mutex
	sent   []*protocol.Frame
	full   bool
	inbox  chan *protocol.Frame
	done   chan struct{}
	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{inbox: make(chan *protocol.Frame, 16), done: make(chan struct{})}
}

func (c *fakeChannel) ID() string                { return "fake" }
func (c *fakeChannel) Type() network.ChannelType { return network.ChannelTCP }
func (c *fakeChannel) Send(_ context.Context, f *protocol.Frame) error {
	if !c.TrySend(f) {
		return network.ErrSendBufferFull
	}
	return nil
}
func (c *fakeChannel) TrySend(f *protocol.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.sent = append(c.sent, f)
	return true
}
func (c *fakeChannel) Receive(ctx context.Context) (*protocol.Frame, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, network.ErrChannelClosed
	}
}
func (c *fakeChannel) Shutdown(time.Duration) { c.Close() }
func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}
func (c *fakeChannel) Done() <-chan struct{}          { return c.done }
func (c *fakeChannel) RemoteAddr() string             { return "pipe" }
func (c *fakeChannel) Stats() network.ConnectionStats { return network.ConnectionStats{} }

func (c *fakeChannel) frames(mt protocol.MessageType) []*protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Frame
	for _, f := range c.sent {
		if f.Type == mt {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeChannel) reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

func testFanout() *Fanout {
	filter := NewInterestFilter(config.ReplicationConfig{InterestMode: "zone", ZoneSize: 750})
	return NewFanout(FanoutConfig{DriftTolerance: 40, PositionThreshold: 0.1, RotationThreshold: 0.01}, filter, nil)
}

func ent(id state.EntityID, owner state.ParticipantID, x, z float64) *state.EntityState {
	return &state.EntityState{ID: id, Type: state.EntityPlayer, Position: state.Vec3{X: x, Z: z}, Health: 100, MaxHealth: 100, Owner: owner}
}

func TestInterestFilter(t *testing.T) {
	entities := []*state.EntityState{
		ent(1, "A", 10, 10),
		ent(2, state.ServerOwner, 1400, 0), // соседняя зона
		ent(3, state.ServerOwner, 2300, 0), // через зону
		ent(4, "B", 5000, 5000),
	}

	t.Run("zone", func(t *testing.T) {
		f := NewInterestFilter(config.ReplicationConfig{InterestMode: "zone", ZoneSize: 750})
		vis := f.Visible("A", entities)
		assert.Contains(t, vis, state.EntityID(1))
		assert.Contains(t, vis, state.EntityID(2))
		assert.NotContains(t, vis, state.EntityID(3))
		assert.NotContains(t, vis, state.EntityID(4))
	})

	t.Run("radius", func(t *testing.T) {
		f := NewInterestFilter(config.ReplicationConfig{InterestMode: "radius", InterestRadius: 100})
		vis := f.Visible("A", entities)
		assert.Len(t, vis, 1)
	})

	t.Run("own entities always visible", func(t *testing.T) {
		f := NewInterestFilter(config.ReplicationConfig{InterestMode: "radius", InterestRadius: 1})
		assert.Contains(t, f.Visible("B", entities), state.EntityID(4))
	})
}

func TestFanoutSnapshotThenDeltas(t *testing.T) {
	fo := testFanout()
	ch := newFakeChannel()
	fo.Attach("A", ch)

	me := ent(1, "A", 0, 0)
	npc := ent(2, state.ServerOwner, 5, 0)
	fo.OnTick(&tick.WorldTick{TickID: 1, Entities: []*state.EntityState{me, npc}})

	snaps := ch.frames(protocol.MsgWorldSnapshot)
	require.Len(t, snaps, 1)
	var snap protocol.WorldSnapshot
	require.NoError(t, snaps[0].Unmarshal(&snap))
	assert.Len(t, snap.Entities, 2)
	ch.reset()

	// NPC ранен и сдвинулся: здоровье надёжно, позиция в пакете позиций
	moved := npc.Clone()
	moved.Position.X = 7
	moved.Health = 80
	fo.OnTick(&tick.WorldTick{
		TickID:   2,
		Entities: []*state.EntityState{me, moved},
		Deltas:   []state.EntityDelta{state.Diff(npc, moved)},
	})

	deltas := ch.frames(protocol.MsgTickDeltas)
	require.Len(t, deltas, 1)
	var td protocol.TickDeltas
	require.NoError(t, deltas[0].Unmarshal(&td))
	require.Len(t, td.Deltas, 1)
	assert.Equal(t, 80.0, td.Deltas[0].Changed[state.FieldHealth])
	assert.NotContains(t, td.Deltas[0].Changed, state.FieldX)

	batches := ch.frames(protocol.MsgPositionBatch)
	require.Len(t, batches, 1)
	assert.False(t, batches[0].Reliable())
	var pb protocol.PositionBatch
	require.NoError(t, batches[0].Unmarshal(&pb))
	require.Len(t, pb.Positions, 1)
	assert.Equal(t, 7.0, pb.Positions[0].X)
	ch.reset()

	// сдвиг меньше порога не отправляется
	tiny := moved.Clone()
	tiny.Position.X += 0.01
	fo.OnTick(&tick.WorldTick{TickID: 3, Entities: []*state.EntityState{me, tiny}, Deltas: []state.EntityDelta{state.Diff(moved, tiny)}})
	assert.Empty(t, ch.frames(protocol.MsgPositionBatch))
}

func TestFanoutInterestEnterAndLeave(t *testing.T) {
	fo := testFanout()
	ch := newFakeChannel()
	fo.Attach("A", ch)

	me := ent(1, "A", 0, 0)
	far := ent(2, state.ServerOwner, 5000, 0)
	fo.OnTick(&tick.WorldTick{TickID: 1, Entities: []*state.EntityState{me, far}})
	ch.reset()

	near := far.Clone()
	near.Position.X = 10
	fo.OnTick(&tick.WorldTick{TickID: 2, Entities: []*state.EntityState{me, near}, Deltas: []state.EntityDelta{state.Diff(far, near)}})
	var td protocol.TickDeltas
	require.NoError(t, ch.frames(protocol.MsgTickDeltas)[0].Unmarshal(&td))
	require.Len(t, td.Deltas, 1)
	assert.Equal(t, state.DeltaCreated, td.Deltas[0].Kind, "вошедшая сущность приходит целиком")
	ch.reset()

	fo.OnTick(&tick.WorldTick{TickID: 3, Entities: []*state.EntityState{me}, Deltas: []state.EntityDelta{{EntityID: 2, Kind: state.DeltaDestroyed, SourceTick: 3}}})
	require.NoError(t, ch.frames(protocol.MsgTickDeltas)[0].Unmarshal(&td))
	require.Len(t, td.Deltas, 1)
	assert.Equal(t, state.DeltaDestroyed, td.Deltas[0].Kind)
}

func TestFanoutDriftTriggersSnapshot(t *testing.T) {
	fo := testFanout()
	ch := newFakeChannel()
	fo.Attach("A", ch)
	me := ent(1, "A", 0, 0)
	fo.OnTick(&tick.WorldTick{TickID: 1, Entities: []*state.EntityState{me}})

	prev := me
	for i := uint64(2); i <= 45; i++ {
		next := prev.Clone()
		next.Health--
		fo.OnTick(&tick.WorldTick{TickID: i, Entities: []*state.EntityState{next}, Deltas: []state.EntityDelta{state.Diff(prev, next)}})
		prev = next
	}
	assert.Len(t, ch.frames(protocol.MsgWorldSnapshot), 2, "клиент не подтверждал тики")

	fo.Observe("A", 1000)
	ch.reset()
	next := prev.Clone()
	next.Health--
	fo.OnTick(&tick.WorldTick{TickID: 46, Entities: []*state.EntityState{next}, Deltas: []state.EntityDelta{state.Diff(prev, next)}})
	assert.Empty(t, ch.frames(protocol.MsgWorldSnapshot))
}

func TestFanoutOverflowResyncs(t *testing.T) {
	fo := testFanout()
	ch := newFakeChannel()
	fo.Attach("A", ch)
	me := ent(1, "A", 0, 0)
	fo.OnTick(&tick.WorldTick{TickID: 1, Entities: []*state.EntityState{me}})

	ch.full = true
	hurt := me.Clone()
	hurt.Health = 50
	fo.OnTick(&tick.WorldTick{TickID: 2, Entities: []*state.EntityState{hurt}, Deltas: []state.EntityDelta{state.Diff(me, hurt)}})
	ch.full = false
	ch.reset()

	fo.OnTick(&tick.WorldTick{TickID: 3, Entities: []*state.EntityState{hurt}})
	assert.Len(t, ch.frames(protocol.MsgWorldSnapshot), 1)
}

// drain забирает отправленные кадры в порядке отправки
func (c *fakeChannel) drain() []*protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sent
	c.sent = nil
	return out
}

func TestMirrorResyncsOnLostTick(t *testing.T) {
	fo := testFanout()
	server, client := newFakeChannel(), newFakeChannel()
	fo.Attach("A", server)
	m := NewMirror(client)

	deliver := func() {
		for _, f := range server.drain() {
			require.NoError(t, m.Handle(f))
		}
	}

	me := ent(1, "A", 0, 0)
	npc := ent(2, state.ServerOwner, 5, 0)
	fo.OnTick(&tick.WorldTick{TickID: 1, Entities: []*state.EntityState{me, npc}})
	deliver()
	assert.Equal(t, uint64(1), m.Tick())
	require.NotNil(t, m.Get(2))

	hurt := func(tickID uint64, from *state.EntityState, hp float64) *state.EntityState {
		next := from.Clone()
		next.Health = hp
		fo.OnTick(&tick.WorldTick{TickID: tickID, Entities: []*state.EntityState{me, next}, Deltas: []state.EntityDelta{state.Diff(from, next)}})
		return next
	}

	npc = hurt(2, npc, 80)
	deliver()
	assert.Equal(t, 80.0, m.Get(2).Health)

	// тихий тик не выглядит как пропуск
	fo.OnTick(&tick.WorldTick{TickID: 3, Entities: []*state.EntityState{me, npc}})
	deliver()
	npc = hurt(4, npc, 60)
	deliver()
	assert.Equal(t, uint64(4), m.Tick())
	assert.Equal(t, 60.0, m.Get(2).Health)
	assert.False(t, m.Waiting())

	// кадр тика 5 потерян, тик 6 не сливается поверх
	npc = hurt(5, npc, 40)
	server.reset()
	npc = hurt(6, npc, 20)
	var td protocol.TickDeltas
	require.NoError(t, server.frames(protocol.MsgTickDeltas)[0].Unmarshal(&td))
	assert.Equal(t, uint64(5), td.PrevTick)
	deliver()

	assert.True(t, m.Waiting())
	assert.Equal(t, 60.0, m.Get(2).Health)
	assert.Equal(t, uint64(4), m.Tick())
	reqs := client.frames(protocol.MsgResyncRequest)
	require.Len(t, reqs, 1)
	var req protocol.ResyncRequest
	require.NoError(t, reqs[0].Unmarshal(&req))
	assert.Equal(t, uint64(4), req.LastTick)

	// пока снимок не пришёл, пачки игнорируются
	npc = hurt(7, npc, 10)
	deliver()
	assert.Equal(t, 60.0, m.Get(2).Health)
	assert.Len(t, client.frames(protocol.MsgResyncRequest), 1)

	fo.RequestSnapshot("A")
	fo.OnTick(&tick.WorldTick{TickID: 8, Entities: []*state.EntityState{me, npc}})
	deliver()
	assert.False(t, m.Waiting())
	assert.Equal(t, uint64(8), m.Tick())
	assert.Equal(t, 10.0, m.Get(2).Health)
	assert.Equal(t, 1, m.Resyncs())

	npc = hurt(9, npc, 5)
	deliver()
	assert.Equal(t, 5.0, m.Get(2).Health)
	assert.NotEmpty(t, client.frames(protocol.MsgTickAck))
}

func TestMirrorIgnoresDeltasBeforeSnapshot(t *testing.T) {
	client := newFakeChannel()
	m := NewMirror(client)
	fr, err := protocol.NewFrame(protocol.MsgTickDeltas, protocol.TickDeltas{PrevTick: 3, Tick: 4, Deltas: []state.EntityDelta{
		{EntityID: 1, Kind: state.DeltaUpdated, SourceTick: 4, Changed: state.Fields{state.FieldHealth: 1.0}},
	}})
	require.NoError(t, err)
	require.NoError(t, m.Handle(fr))
	assert.Empty(t, m.Entities())
	assert.Empty(t, client.frames(protocol.MsgResyncRequest), "снимок присоединения уже в пути")
}

func TestFanoutEventScopes(t *testing.T) {
	fo := testFanout()
	a, b := newFakeChannel(), newFakeChannel()
	fo.Attach("A", a)
	fo.Attach("B", b)
	entities := []*state.EntityState{ent(1, "A", 0, 0), ent(2, "B", 9000, 9000)}

	fo.OnTick(&tick.WorldTick{TickID: 1, Entities: entities, Events: []authority.Event{
		authority.Near(authority.EventCombatHit, state.Vec3{X: 3}, map[string]any{"damage": 20.0}),
		authority.To(authority.EventTrade, map[string]any{"state": "Proposed"}, "B"),
		authority.Broadcast(authority.EventChat, map[string]any{"from": "A", "text": "hello"}),
		authority.Broadcast(authority.EventTimeSync, protocol.EventData(protocol.TimeSync{Tick: 1, Weather: "clear", GameSpeed: 1})),
	}})

	assert.Len(t, a.frames(protocol.MsgEvent), 1, "A видит удар рядом")
	assert.Len(t, b.frames(protocol.MsgEvent), 1, "B видит только свою торговлю")

	var chat protocol.ChatBroadcast
	require.NoError(t, b.frames(protocol.MsgChatBroadcast)[0].Unmarshal(&chat))
	assert.Equal(t, "hello", chat.Text)

	var ts protocol.TimeSync
	require.NoError(t, a.frames(protocol.MsgTimeSync)[0].Unmarshal(&ts))
	assert.Equal(t, "clear", ts.Weather)
}

func TestFanoutCommandResults(t *testing.T) {
	fo := testFanout()
	ch := newFakeChannel()
	fo.Attach("A", ch)

	fo.OnResult(authority.Envelope{Requester: "A", ClientSeq: 7, ArrivalTick: 3}, authority.Reject(authority.NotOwner, "not yours"))
	fo.OnResult(authority.Envelope{Requester: "A", ClientSeq: 0}, authority.Outcome{})

	results := ch.frames(protocol.MsgCommandResult)
	require.Len(t, results, 1)
	var res protocol.CommandResult
	require.NoError(t, results[0].Unmarshal(&res))
	assert.Equal(t, uint32(7), res.Seq)
	assert.False(t, res.Ok)
	assert.Equal(t, "NotOwner", res.Reason)
}

// fakeSessions принимает всех с фиксированным id
type fakeSessions struct {
	mu        sync.Mutex
	pid       state.ParticipantID
	reject    bool
	touches   int
	lost      []state.ParticipantID
	accepted  []string
	abandoned []string
}

func (s *fakeSessions) Accept(ch network.NetChannel) {
	s.mu.Lock()
	s.accepted = append(s.accepted, ch.ID())
	s.mu.Unlock()
}
func (s *fakeSessions) Abandon(connID string) {
	s.mu.Lock()
	s.abandoned = append(s.abandoned, connID)
	s.mu.Unlock()
}

func (s *fakeSessions) Handshake(_ context.Context, ch network.NetChannel, hs protocol.Handshake) (state.ParticipantID, error) {
	if s.reject {
		return "", errors.New("rejected")
	}
	return s.pid, nil
}
func (s *fakeSessions) Touch(state.ParticipantID) {
	s.mu.Lock()
	s.touches++
	s.mu.Unlock()
}
func (s *fakeSessions) ConnectionLost(p state.ParticipantID, _ string) {
	s.mu.Lock()
	s.lost = append(s.lost, p)
	s.mu.Unlock()
}
func (s *fakeSessions) VerifyUDP(p state.ParticipantID, nonce string) bool { return nonce == "ok" }

type fakeCommands struct {
	mu   sync.Mutex
	envs []authority.Envelope
	full bool
}

func (c *fakeCommands) Enqueue(env authority.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return tick.ErrQueueFull
	}
	c.envs = append(c.envs, env)
	return nil
}
func (c *fakeCommands) TickID() uint64 { return 12 }

func (c *fakeCommands) snapshot() []authority.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]authority.Envelope(nil), c.envs...)
}

func newTestRouter(t *testing.T, sessions *fakeSessions, cmds *fakeCommands) *Router {
	t.Helper()
	schema, err := protocol.NewCommandSchema()
	require.NoError(t, err)
	return NewRouter(sessions, cmds, testFanout(), schema, 100*time.Millisecond)
}

func push(t *testing.T, ch *fakeChannel, seq uint32, mt protocol.MessageType, v any) {
	t.Helper()
	f, err := protocol.NewFrame(mt, v)
	require.NoError(t, err)
	f.Seq = seq
	ch.inbox <- f
}

func TestRouterHandshakeTimeout(t *testing.T) {
	sessions := &fakeSessions{pid: "p-1"}
	r := newTestRouter(t, sessions, &fakeCommands{})
	ch := newFakeChannel()
	done := make(chan struct{})
	go func() {
		r.ServeConn(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("соединение без рукопожатия должно закрываться")
	}
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	assert.Equal(t, []string{"fake"}, sessions.accepted)
	assert.Equal(t, []string{"fake"}, sessions.abandoned, "соединение без рукопожатия выходит из Connecting")
}

func TestRouterRejectsNonHandshake(t *testing.T) {
	r := newTestRouter(t, &fakeSessions{pid: "p-1"}, &fakeCommands{})
	ch := newFakeChannel()
	push(t, ch, 1, protocol.MsgChat, protocol.Chat{Text: "hi"})
	r.ServeConn(context.Background(), ch)

	rejects := ch.frames(protocol.MsgHandshakeReject)
	require.Len(t, rejects, 1)
	var rej protocol.HandshakeReject
	require.NoError(t, rejects[0].Unmarshal(&rej))
	assert.Equal(t, protocol.RejectOther, rej.Code)
}

func TestRouterDispatch(t *testing.T) {
	sessions := &fakeSessions{pid: "p-1"}
	cmds := &fakeCommands{}
	r := newTestRouter(t, sessions, cmds)
	ch := newFakeChannel()

	push(t, ch, 1, protocol.MsgHandshake, protocol.Handshake{Version: 1, Name: "Beep"})
	// клиент пытается выдать себя за другого: requester всё равно из привязки
	push(t, ch, 2, protocol.MsgCommand, protocol.Command{Kind: authority.KindAttack, Body: json.RawMessage(`{"attacker":5,"target":6,"requester":"p-2"}`)})
	push(t, ch, 3, protocol.MsgCommand, protocol.Command{Kind: authority.KindAttack, Body: json.RawMessage(`{"attacker":"x"}`)})
	push(t, ch, 4, protocol.MsgPositionUpdate, protocol.PositionUpdate{Entity: 5, X: 1})
	push(t, ch, 5, protocol.MsgKeepalive, protocol.Keepalive{ClientTime: 99, ObservedTick: 10})
	push(t, ch, 6, protocol.MsgCommand, protocol.Command{Kind: authority.KindSpawn, Body: json.RawMessage(`{}`)})
	push(t, ch, 7, protocol.MsgDisconnect, protocol.Disconnect{})

	r.ServeConn(context.Background(), ch)

	envs := cmds.snapshot()
	require.Len(t, envs, 2)
	assert.Equal(t, state.ParticipantID("p-1"), envs[0].Requester)
	assert.Equal(t, uint32(2), envs[0].ClientSeq)
	assert.Equal(t, authority.Attack{Attacker: 5, Target: 6}, envs[0].Command)
	assert.Equal(t, authority.KindMove, envs[1].Command.Kind())
	assert.Equal(t, uint32(0), envs[1].ClientSeq)

	results := ch.frames(protocol.MsgCommandResult)
	require.Len(t, results, 2, "неверное тело и серверная команда")
	for _, f := range results {
		var res protocol.CommandResult
		require.NoError(t, f.Unmarshal(&res))
		assert.Equal(t, "Invalid", res.Reason)
	}

	acks := ch.frames(protocol.MsgKeepaliveAck)
	require.Len(t, acks, 1)
	var ack protocol.KeepaliveAck
	require.NoError(t, acks[0].Unmarshal(&ack))
	assert.Equal(t, int64(99), ack.ClientTime)
	assert.Equal(t, uint64(12), ack.ServerTick)

	assert.Equal(t, []state.ParticipantID{"p-1"}, sessions.lost)
	assert.Equal(t, 6, sessions.touches)
}

func TestRouterQueueFull(t *testing.T) {
	cmds := &fakeCommands{full: true}
	r := newTestRouter(t, &fakeSessions{pid: "p-1"}, cmds)
	ch := newFakeChannel()
	push(t, ch, 1, protocol.MsgHandshake, protocol.Handshake{Version: 1, Name: "Beep"})
	push(t, ch, 2, protocol.MsgChat, protocol.Chat{Text: "hi"})
	push(t, ch, 3, protocol.MsgDisconnect, protocol.Disconnect{})
	r.ServeConn(context.Background(), ch)

	var res protocol.CommandResult
	require.NoError(t, ch.frames(protocol.MsgCommandResult)[0].Unmarshal(&res))
	assert.Equal(t, "RateLimited", res.Reason)
	assert.Equal(t, uint32(2), res.Seq)
}
