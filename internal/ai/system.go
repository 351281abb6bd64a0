package ai

import (
	"context"
	"sort"

	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/logging"
	"github.com/annel0/kmp-host/internal/state"
	"github.com/annel0/kmp-host/internal/tick"
)

// defaultHoldTolerance допустимый уход с якоря без возврата
const defaultHoldTolerance = 0.5

// Controller ведёт автоматы всех аватаров под управлением ИИ
type Controller struct {
	brains map[state.EntityID]*Brain
	logger *logging.Logger
}

// NewController создаёт пустой контроллер
func NewController() *Controller {
	return &Controller{
		brains: make(map[state.EntityID]*Brain),
		logger: logging.GetComponentLogger("ai"),
	}
}

// System тик-система контроллера
func (c *Controller) System() tick.System {
	return tick.SystemFunc{Label: "ai_takeover", Fn: c.run}
}

// Active число аватаров под управлением ИИ
func (c *Controller) Active() int { return len(c.brains) }

// StateOf имя состояния автомата или "" если аватар не под ИИ
func (c *Controller) StateOf(id state.EntityID) string {
	if b, ok := c.brains[id]; ok && b.CurrentState != nil {
		return b.CurrentState.Name()
	}
	return ""
}

func (c *Controller) run(ctx context.Context, sc *tick.SystemContext) error {
	world := sc.Resolver.World()
	limits := limitsFrom(sc.Resolver.Config())

	var ids []state.EntityID
	world.Each(func(e *state.EntityState) {
		if e.Type == state.EntityPlayer && e.Text(state.DataController) == state.ControllerAI {
			ids = append(ids, e.ID)
		}
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	seen := make(map[state.EntityID]bool, len(ids))
	api := &tickWorld{ctx: ctx, sc: sc}
	for _, id := range ids {
		seen[id] = true
		b, ok := c.brains[id]
		if !ok {
			b = NewBrain(world.Get(id), limits)
			c.brains[id] = b
			c.logger.Debug("🤖 ИИ принял управление сущностью %d на %s", id, b.Anchor)
		}
		prev := b.CurrentState.Name()
		b.Update(api)
		if cur := b.CurrentState.Name(); cur != prev {
			c.logger.Debug("🤖 %d: %s -> %s (цель %d)", id, prev, cur, b.Target)
		}
	}

	// управление вернулось игроку или сущность исчезла
	for id, b := range c.brains {
		if !seen[id] {
			b.SetState(nil)
			delete(c.brains, id)
			c.logger.Debug("🤖 ИИ отпустил сущность %d", id)
		}
	}
	return nil
}

func limitsFrom(cfg authority.Config) Limits {
	step := 0.0
	if cfg.TickInterval > 0 {
		step = cfg.MaxMoveSpeed * cfg.TickInterval.Seconds()
	}
	return Limits{
		AttackRange:   cfg.AttackRange,
		CooldownTicks: cfg.AttackCooldownTicks,
		MaxStep:       step,
		HoldTolerance: defaultHoldTolerance,
	}
}

// tickWorld WorldAPI поверх контекста системы
type tickWorld struct {
	ctx context.Context
	sc  *tick.SystemContext
}

func (w *tickWorld) Get(id state.EntityID) *state.EntityState {
	return w.sc.Resolver.World().Get(id)
}

func (w *tickWorld) Tick() uint64 { return w.sc.TickID }

func (w *tickWorld) Act(cmd authority.Command) authority.Outcome {
	return w.sc.Apply(w.ctx, cmd)
}
