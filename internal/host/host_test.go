package host

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/kmp-host/internal/accessor"
	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/config"
	"github.com/annel0/kmp-host/internal/state"
	"github.com/annel0/kmp-host/internal/tick"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Tick.IntervalMs = int((time.Hour).Milliseconds()) // тики вручную
	cfg.Persistence.Root = filepath.Join(dir, "saves")
	cfg.Persistence.SessionID = "host-test"
	cfg.Persistence.AutosaveSeconds = 0
	cfg.Storage.BadgerPath = filepath.Join(dir, "index")
	cfg.Storage.AuditSQLite = filepath.Join(dir, "audit.db")
	return cfg
}

func TestNewFreshSession(t *testing.T) {
	cfg := testConfig(t)
	h, err := New(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, "host-test", h.SessionID())
	assert.False(t, h.Resumed())
	assert.Equal(t, state.Hash(nil), h.WorldHash())
	assert.Zero(t, h.world.Len())

	require.NoError(t, h.Stop("test"))
	select {
	case <-h.Done():
	default:
		t.Fatal("Done не закрыт после Stop")
	}
	assert.NoError(t, h.Stop("again"), "повторный Stop возвращает результат первого")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Replication.InterestMode = "everything"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestConflictPolicyWired(t *testing.T) {
	cfg := testConfig(t)
	cfg.Authority.ConflictPolicy = authority.PolicyReceive
	h, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer h.Stop("test")
	assert.IsType(t, authority.ReceiveOrder{}, h.Engine().ConflictResolver())
}

func TestSessionResumesFromSave(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	h, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, h.Engine().Start(ctx))

	var out authority.Outcome
	require.NoError(t, h.Engine().Enqueue(authority.Envelope{
		Command: authority.Spawn{Entity: state.EntityState{
			Type: state.EntityNPC, Position: state.Vec3{X: 10, Z: 4}, Health: 50, MaxHealth: 50,
		}},
		Requester: state.ServerOwner,
		Done:      func(o authority.Outcome) { out = o },
	}))
	wt, err := h.Engine().Tick(ctx, time.Now())
	require.NoError(t, err)
	require.True(t, out.Ok(), "spawn от сервера должен примениться: %+v", out.Rejection)
	require.Len(t, wt.Entities, 1)
	spawned := wt.Entities[0].ID

	require.NoError(t, h.Persistence().Save(ctx))
	require.NoError(t, h.Stop("test"))

	h2, err := New(ctx, cfg)
	require.NoError(t, err)

	assert.True(t, h2.Resumed())
	assert.Equal(t, wt.TickID, h2.Engine().TickID())
	restored := h2.world.Get(spawned)
	require.NotNil(t, restored)
	assert.Equal(t, state.EntityNPC, restored.Type)
	assert.Equal(t, 10.0, restored.Position.X)
	assert.Equal(t, state.ServerOwner, restored.Owner)

	// рекламируется хеш мира сохранения, а не пустого базового
	ws, err := h2.Persistence().LoadWorld(ctx)
	require.NoError(t, err)
	assert.Equal(t, ws.ContentHash, h2.WorldHash())
	assert.NotEqual(t, state.Hash(nil), h2.WorldHash())
	require.NoError(t, h2.Stop("test"))
}

func TestPinnedWorldHash(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.WorldHash = "pinned"
	h, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer h.Stop("test")
	assert.Equal(t, "pinned", h.WorldHash())
}

// spawnNPC создаёт серверного NPC и возвращает опубликованный тик
func spawnNPC(t *testing.T, h *Host, x float64) (*tick.WorldTick, state.EntityID) {
	t.Helper()
	ctx := context.Background()
	var out authority.Outcome
	require.NoError(t, h.Engine().Enqueue(authority.Envelope{
		Command: authority.Spawn{Entity: state.EntityState{
			Type: state.EntityNPC, Position: state.Vec3{X: x}, Health: 50, MaxHealth: 50,
		}},
		Requester: state.ServerOwner,
		Done:      func(o authority.Outcome) { out = o },
	}))
	wt, err := h.Engine().Tick(ctx, time.Now())
	require.NoError(t, err)
	require.True(t, out.Ok())
	require.Len(t, out.Created, 1)
	return wt, out.Created[0]
}

func TestSimulationDriftIsReplicated(t *testing.T) {
	ctx := context.Background()
	h, err := New(ctx, testConfig(t))
	require.NoError(t, err)
	defer h.Stop("test")
	require.NoError(t, h.Engine().Start(ctx))

	_, id := spawnNPC(t, h, 10)

	// игра сдвинула NPC сама, без команды
	h.accessor.Simulate(accessor.HandleOf(id), accessor.RawFields{state.FieldX: 25.0, state.FieldHealth: 40.0})
	wt, err := h.Engine().Tick(ctx, time.Now())
	require.NoError(t, err)

	require.Len(t, wt.Deltas, 1)
	d := wt.Deltas[0]
	assert.Equal(t, id, d.EntityID)
	assert.Equal(t, wt.TickID, d.SourceTick)
	assert.Equal(t, 25.0, d.Changed[state.FieldX])
	assert.Equal(t, 40.0, d.Changed[state.FieldHealth])
	assert.Equal(t, 25.0, h.world.Get(id).Position.X)

	// без изменений в симуляции дельт нет
	wt, err = h.Engine().Tick(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, wt.Deltas)
}
