// Package authority решает, какие изменения состояния допустимы. Каждая команда
// проходит проверки в фиксированном порядке: лимит частоты, владение, границы,
// и только потом фиксируется через accessor и модель сущностей.
package authority

import (
	"context"
	"time"

	"github.com/annel0/kmp-host/internal/accessor"
	"github.com/annel0/kmp-host/internal/config"
	"github.com/annel0/kmp-host/internal/logging"
	"github.com/annel0/kmp-host/internal/state"
)

// Config параметры проверок
type Config struct {
	TickInterval        time.Duration
	MaxMoveSpeed        float64 // единиц в секунду
	AttackRange         float64
	AttackCooldownTicks uint64
	InteractRange       float64
	PvPEnabled          bool
	BuildCosts          map[string]float64
	Consumables         map[string]float64
	SpawnRange          float64 // член отряда появляется не дальше от своих сущностей
	MaxOwnedEntities    int     // персонажей на участника, 0 — без ограничения
	RateLimit           RateLimitConfig
}

// ConfigFrom переносит значения из файла конфигурации
func ConfigFrom(cfg *config.Config) Config {
	interval := cfg.Tick.TickInterval()
	cooldown := uint64(0)
	if interval > 0 {
		cooldown = uint64(time.Duration(cfg.Authority.AttackCooldownMs) * time.Millisecond / interval)
	}
	return Config{
		TickInterval:        interval,
		MaxMoveSpeed:        cfg.Authority.MaxMoveSpeed,
		AttackRange:         cfg.Authority.AttackRange,
		AttackCooldownTicks: cooldown,
		InteractRange:       cfg.Authority.InteractRange,
		PvPEnabled:          cfg.Server.PvPEnabled,
		BuildCosts:          cfg.Authority.BuildCosts,
		Consumables:         cfg.Authority.Consumables,
		SpawnRange:          cfg.Authority.SpawnRange,
		MaxOwnedEntities:    cfg.Authority.MaxOwnedEntities,
		RateLimit: RateLimitConfig{
			CommandsPerSecond: cfg.RateLimit.CommandsPerSecond,
			CommandBurst:      cfg.RateLimit.CommandBurst,
			ChatPerSecond:     cfg.RateLimit.ChatPerSecond,
			ChatBurst:         cfg.RateLimit.ChatBurst,
		},
	}
}

// TradeHandler обслуживает торговые команды внутри тика
type TradeHandler interface {
	HandleTrade(ctx context.Context, r *Resolver, requester state.ParticipantID, cmd TradeCommand) Outcome
}

// Resolver единственный путь изменения мира. Используется только тик-потоком.
type Resolver struct {
	cfg     Config
	world   *state.World
	acc     accessor.GameStateAccessor
	limiter *RateLimiter
	trades  TradeHandler
	logger  *logging.Logger

	tick       uint64
	lastMove   map[state.EntityID]uint64
	lastAttack map[state.EntityID]uint64
}

// NewResolver создаёт резолвер над миром и симуляцией хоста
func NewResolver(cfg Config, world *state.World, acc accessor.GameStateAccessor) *Resolver {
	tps := 20.0
	if cfg.TickInterval > 0 {
		tps = float64(time.Second) / float64(cfg.TickInterval)
	}
	return &Resolver{
		cfg:        cfg,
		world:      world,
		acc:        acc,
		limiter:    NewRateLimiter(cfg.RateLimit, tps),
		logger:     logging.GetComponentLogger("authority"),
		lastMove:   make(map[state.EntityID]uint64),
		lastAttack: make(map[state.EntityID]uint64),
	}
}

// SetTradeHandler подключает координатор торговли
func (r *Resolver) SetTradeHandler(h TradeHandler) { r.trades = h }

// BeginTick фиксирует номер тика, который сейчас собирается
func (r *Resolver) BeginTick(tick uint64) { r.tick = tick }

// Tick номер текущего тика
func (r *Resolver) Tick() uint64 { return r.tick }

// World мир только для чтения (системы тика, сохранение)
func (r *Resolver) World() *state.World { return r.world }

// Accessor симуляция хоста
func (r *Resolver) Accessor() accessor.GameStateAccessor { return r.acc }

// Config параметры проверок
func (r *Resolver) Config() Config { return r.cfg }

// ForgetParticipant освобождает лимиты участника
func (r *Resolver) ForgetParticipant(p state.ParticipantID) { r.limiter.Forget(p) }

// TryApply проверяет и применяет команду. Отказ не меняет состояние.
func (r *Resolver) TryApply(ctx context.Context, env Envelope) Outcome {
	if env.Command == nil {
		return Reject(Invalid, "empty command")
	}
	server := env.Requester == state.ServerOwner

	if !server && !r.limiter.Allow(env.Requester, classOf(env.Command), r.tick) {
		return r.rejected(env, Reject(RateLimited, "too many %s commands", env.Command.Kind()))
	}
	if !server && ServerOnly(env.Command.Kind()) {
		return r.rejected(env, Reject(NotOwner, "%s is server-only", env.Command.Kind()))
	}

	var out Outcome
	switch cmd := env.Command.(type) {
	case Move:
		out = r.applyMove(ctx, env.Requester, cmd)
	case Attack:
		out = r.applyAttack(ctx, env.Requester, cmd)
	case PickUp:
		out = r.applyPickUp(ctx, env.Requester, cmd)
	case Drop:
		out = r.applyDrop(ctx, env.Requester, cmd)
	case UseItem:
		out = r.applyUseItem(ctx, env.Requester, cmd)
	case Build:
		out = r.applyBuild(ctx, env.Requester, cmd)
	case Chat:
		out = r.applyChat(env.Requester, cmd)
	case SpawnRequest:
		out = r.applySpawnRequest(ctx, env.Requester, cmd)
	case DespawnRequest:
		out = r.applyDespawnRequest(ctx, env.Requester, cmd)
	case Spawn:
		out = r.applySpawn(ctx, cmd)
	case Despawn:
		out = r.applyDespawn(ctx, cmd)
	case TransferOwnership:
		out = r.applyTransfer(ctx, cmd)
	case SetControl:
		out = r.applySetControl(ctx, cmd)
	case TradeCommand:
		if r.trades == nil {
			out = Reject(Invalid, "trading is disabled")
			break
		}
		out = r.trades.HandleTrade(ctx, r, env.Requester, cmd)
	default:
		out = Reject(Invalid, "unknown command %T", cmd)
	}
	if out.Rejection != nil {
		return r.rejected(env, out)
	}
	if out.Err != nil {
		r.logger.Error("❌ Команда %s от %s: %v", env.Command.Kind(), env.Requester, out.Err)
	}
	return out
}

func (r *Resolver) rejected(env Envelope, out Outcome) Outcome {
	r.logger.Debug("🚫 %s от %s отклонена: %s", env.Command.Kind(), env.Requester, out.Rejection)
	return out
}

// canControl: сервер управляет всем, участник только своими сущностями
func canControl(p state.ParticipantID, e *state.EntityState) bool {
	return p == state.ServerOwner || e.OwnedBy(p)
}

// commit фиксирует транзакцию в Outcome
func (r *Resolver) commit(ctx context.Context, txn *Txn, events ...Event) Outcome {
	deltas, err := txn.Commit(ctx)
	if err != nil {
		return Outcome{Err: err}
	}
	return Outcome{Deltas: deltas, Events: events, Created: txn.Created()}
}
