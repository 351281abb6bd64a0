package trade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/kmp-host/internal/accessor"
	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/state"
	"github.com/annel0/kmp-host/internal/tick"
)

const (
	alice state.ParticipantID = "p-alice"
	bob   state.ParticipantID = "p-bob"
	carol state.ParticipantID = "p-carol"
)

type fixture struct {
	t        *testing.T
	world    *state.World
	acc      *accessor.Memory
	resolver *authority.Resolver
	coord    *Coordinator
	records  []Record
	tick     uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	w := state.NewWorld()
	acc := accessor.NewMemory()
	r := authority.NewResolver(authority.Config{
		TickInterval: 50 * time.Millisecond,
		RateLimit:    authority.RateLimitConfig{CommandsPerSecond: 100, CommandBurst: 100, ChatPerSecond: 1, ChatBurst: 1},
	}, w, acc)
	f := &fixture{t: t, world: w, acc: acc, resolver: r, tick: 1}
	f.coord = NewCoordinator(Config{Range: 10, Timeout: time.Second, TickInterval: 50 * time.Millisecond})
	f.coord.Observe(ObserverFunc(func(rec Record) { f.records = append(f.records, rec) }))
	r.SetTradeHandler(f.coord)
	r.BeginTick(f.tick)

	f.player(1, alice, state.Vec3{}, map[string]any{"cat": 100.0, "bread": 3.0})
	f.player(2, bob, state.Vec3{X: 2}, map[string]any{"iron": 5.0})
	f.player(3, carol, state.Vec3{X: 50}, map[string]any{})
	return f
}

func (f *fixture) player(id state.EntityID, owner state.ParticipantID, pos state.Vec3, inv map[string]any) {
	e := &state.EntityState{
		ID: id, Type: state.EntityPlayer, Owner: owner, Position: pos, Health: 100,
		Data: map[string]any{state.DataInventory: inv},
	}
	f.world.Put(e)
	f.acc.Load([]*state.EntityState{e})
}

func (f *fixture) apply(p state.ParticipantID, cmd authority.Command) authority.Outcome {
	return f.resolver.TryApply(context.Background(), authority.Envelope{
		Command: cmd, Requester: p, ArrivalTick: f.tick,
	})
}

func (f *fixture) ok(p state.ParticipantID, cmd authority.Command) authority.Outcome {
	f.t.Helper()
	out := f.apply(p, cmd)
	require.True(f.t, out.Ok(), "%s: %v %v", cmd.Kind(), out.Rejection, out.Err)
	return out
}

func (f *fixture) advance(n uint64) {
	f.tick += n
	f.resolver.BeginTick(f.tick)
	sc := &tick.SystemContext{TickID: f.tick, Now: time.Now(), Resolver: f.resolver}
	require.NoError(f.t, f.coord.expire(context.Background(), sc))
}

// negotiate доводит сделку alice<->bob до BothReady
func (f *fixture) negotiate() string {
	f.t.Helper()
	out := f.ok(alice, authority.ProposeTrade{Initiator: 1, Target: 2})
	require.Len(f.t, out.Events, 1)
	id := out.Events[0].Data["trade"].(string)

	f.ok(bob, authority.RespondTrade{TradeID: id, Accept: true})
	f.ok(alice, authority.UpdateOffer{TradeID: id, Items: map[string]float64{"cat": 40}})
	f.ok(bob, authority.UpdateOffer{TradeID: id, Items: map[string]float64{"iron": 2}})
	f.ok(alice, authority.SetReady{TradeID: id, Ready: true})
	f.ok(bob, authority.SetReady{TradeID: id, Ready: true})
	tr, ok := f.coord.Get(id)
	require.True(f.t, ok)
	require.Equal(f.t, BothReady, tr.State)
	return id
}

func inv(w *state.World, id state.EntityID) map[string]float64 {
	return state.Inventory(w.Get(id))
}

func TestTradeCompletesAtomically(t *testing.T) {
	f := newFixture(t)
	id := f.negotiate()

	out := f.ok(alice, authority.ConfirmTrade{TradeID: id})
	assert.Empty(t, out.Deltas, "одного подтверждения мало")
	tr, _ := f.coord.Get(id)
	assert.Equal(t, BothReady, tr.State)

	out = f.ok(bob, authority.ConfirmTrade{TradeID: id})
	require.Len(t, out.Deltas, 2, "оба инвентаря в одном результате")
	for _, d := range out.Deltas {
		assert.Equal(t, f.tick, d.SourceTick)
	}

	assert.Equal(t, map[string]float64{"cat": 60, "bread": 3, "iron": 2}, inv(f.world, 1))
	assert.Equal(t, map[string]float64{"iron": 3, "cat": 40}, inv(f.world, 2))

	require.Len(t, f.records, 1)
	assert.Equal(t, "completed", f.records[0].State)
	_, ok := f.coord.Get(id)
	assert.False(t, ok)

	// конечная сделка неизменна
	rej := f.apply(alice, authority.CancelTrade{TradeID: id})
	require.NotNil(t, rej.Rejection)
	assert.Equal(t, authority.NotFound, rej.Rejection.Reason)
	assert.Len(t, f.records, 1)
}

func TestOfferChangeClearsReady(t *testing.T) {
	f := newFixture(t)
	id := f.negotiate()

	f.ok(bob, authority.UpdateOffer{TradeID: id, Items: map[string]float64{"iron": 1}})
	tr, _ := f.coord.Get(id)
	assert.Equal(t, Negotiating, tr.State)
	assert.False(t, tr.Initiator.Ready)
	assert.False(t, tr.Target.Ready)

	rej := f.apply(alice, authority.ConfirmTrade{TradeID: id})
	require.NotNil(t, rej.Rejection)
	assert.Equal(t, authority.Invalid, rej.Rejection.Reason)

	f.ok(alice, authority.SetReady{TradeID: id, Ready: true})
	tr, _ = f.coord.Get(id)
	assert.Equal(t, InitiatorReady, tr.State)
}

func TestTradeFailsWhenInventoryChanged(t *testing.T) {
	f := newFixture(t)
	id := f.negotiate()

	// alice успела отдать кошки до исполнения
	e := f.world.Get(1).Clone()
	e.Data[state.DataInventory] = map[string]any{"cat": 10.0}
	f.world.Put(e)

	f.ok(alice, authority.ConfirmTrade{TradeID: id})
	out := f.ok(bob, authority.ConfirmTrade{TradeID: id})
	assert.Empty(t, out.Deltas)

	assert.Equal(t, map[string]float64{"cat": 10}, inv(f.world, 1))
	assert.Equal(t, map[string]float64{"iron": 5}, inv(f.world, 2))
	require.Len(t, f.records, 1)
	assert.Equal(t, "failed", f.records[0].State)
}

func TestProposeValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		from   state.ParticipantID
		cmd    authority.ProposeTrade
		reason authority.Reason
	}{
		{"чужая сущность", bob, authority.ProposeTrade{Initiator: 1, Target: 2}, authority.NotOwner},
		{"далеко", alice, authority.ProposeTrade{Initiator: 1, Target: 3}, authority.OutOfRange},
		{"нет цели", alice, authority.ProposeTrade{Initiator: 1, Target: 99}, authority.NotFound},
		{"сам с собой", alice, authority.ProposeTrade{Initiator: 1, Target: 1}, authority.Invalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := f.apply(tc.from, tc.cmd)
			require.NotNil(t, out.Rejection)
			assert.Equal(t, tc.reason, out.Rejection.Reason)
		})
	}

	f.ok(alice, authority.ProposeTrade{Initiator: 1, Target: 2})
	t.Run("уже торгует", func(t *testing.T) {
		out := f.apply(bob, authority.ProposeTrade{Initiator: 2, Target: 1})
		require.NotNil(t, out.Rejection)
		assert.Equal(t, authority.Invalid, out.Rejection.Reason)
	})
}

func TestOfferValidation(t *testing.T) {
	f := newFixture(t)
	out := f.ok(alice, authority.ProposeTrade{Initiator: 1, Target: 2})
	id := out.Events[0].Data["trade"].(string)

	rej := f.apply(alice, authority.UpdateOffer{TradeID: id, Items: map[string]float64{"cat": 1}})
	require.NotNil(t, rej.Rejection, "до принятия предложения менять нельзя")

	rej = f.apply(carol, authority.RespondTrade{TradeID: id, Accept: true})
	require.NotNil(t, rej.Rejection)
	assert.Equal(t, authority.NotOwner, rej.Rejection.Reason)

	rej = f.apply(alice, authority.RespondTrade{TradeID: id, Accept: true})
	require.NotNil(t, rej.Rejection, "отвечает только цель")

	f.ok(bob, authority.RespondTrade{TradeID: id, Accept: true})
	rej = f.apply(bob, authority.UpdateOffer{TradeID: id, Items: map[string]float64{"iron": 6}})
	require.NotNil(t, rej.Rejection)
	assert.Equal(t, authority.InsufficientResource, rej.Rejection.Reason)
}

func TestDeclineAndDisconnect(t *testing.T) {
	t.Run("отказ", func(t *testing.T) {
		f := newFixture(t)
		out := f.ok(alice, authority.ProposeTrade{Initiator: 1, Target: 2})
		id := out.Events[0].Data["trade"].(string)
		f.ok(bob, authority.RespondTrade{TradeID: id, Accept: false})
		require.Len(t, f.records, 1)
		assert.Equal(t, "cancelled", f.records[0].State)
		assert.Empty(t, f.coord.Active())
	})

	t.Run("разрыв соединения", func(t *testing.T) {
		f := newFixture(t)
		id := f.negotiate()
		rej := f.apply(bob, authority.CancelParticipantTrades{Participant: alice})
		require.NotNil(t, rej.Rejection, "только сервер")

		out := f.ok(state.ServerOwner, authority.CancelParticipantTrades{Participant: alice})
		assert.Empty(t, out.Deltas)
		require.Len(t, out.Events, 1)
		assert.Equal(t, "cancelled", out.Events[0].Data["state"])
		assert.ElementsMatch(t, []state.ParticipantID{alice, bob}, out.Events[0].Participants)
		_, ok := f.coord.Get(id)
		assert.False(t, ok)
		assert.Equal(t, map[string]float64{"cat": 100, "bread": 3}, inv(f.world, 1))

		// bob свободен для новой сделки
		f.player(4, carol, state.Vec3{X: 3}, map[string]any{})
		f.ok(bob, authority.ProposeTrade{Initiator: 2, Target: 4})
	})
}

func TestTimeouts(t *testing.T) {
	f := newFixture(t)
	id := f.negotiate()

	// таймаут 1 с = 20 тиков
	f.advance(19)
	_, ok := f.coord.Get(id)
	require.True(t, ok)
	f.advance(1)
	_, ok = f.coord.Get(id)
	assert.False(t, ok)
	require.Len(t, f.records, 1)
	assert.Equal(t, "timeout", f.records[0].Reason)
	assert.Equal(t, map[string]float64{"cat": 100, "bread": 3}, inv(f.world, 1))

	// Negotiating таймауту не подлежит
	out := f.ok(alice, authority.ProposeTrade{Initiator: 1, Target: 2})
	id = out.Events[0].Data["trade"].(string)
	f.ok(bob, authority.RespondTrade{TradeID: id, Accept: true})
	f.advance(100)
	_, ok = f.coord.Get(id)
	assert.True(t, ok)
}
