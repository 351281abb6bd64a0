package tick

import (
	"context"
	"time"

	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/state"
)

// System периодическая работа внутри тика (таймауты торговли, ИИ, часы мира)
type System interface {
	Name() string
	Run(ctx context.Context, sc *SystemContext) error
}

// SystemFunc адаптер функции к System
type SystemFunc struct {
	Label string
	Fn    func(ctx context.Context, sc *SystemContext) error
}

func (s SystemFunc) Name() string { return s.Label }

func (s SystemFunc) Run(ctx context.Context, sc *SystemContext) error { return s.Fn(ctx, sc) }

// SystemContext доступ системы к текущему тику
type SystemContext struct {
	TickID   uint64
	Now      time.Time
	Resolver *authority.Resolver
	out      authority.Outcome
}

// Apply выполняет серверную команду. Успешный результат попадает в тик.
func (sc *SystemContext) Apply(ctx context.Context, cmd authority.Command) authority.Outcome {
	out := sc.Resolver.TryApply(ctx, authority.Envelope{
		Command:     cmd,
		Requester:   state.ServerOwner,
		ArrivalTick: sc.TickID,
		ReceivedAt:  sc.Now,
	})
	if out.Ok() {
		sc.out.Merge(out)
	}
	return out
}

// Merge добавляет готовый результат (например, от координатора торговли)
func (sc *SystemContext) Merge(out authority.Outcome) {
	sc.out.Merge(out)
}

// Emit добавляет событие в тик
func (sc *SystemContext) Emit(ev ...authority.Event) {
	sc.out.Events = append(sc.out.Events, ev...)
}

// Record добавляет дельты, применённые к миру в обход команд (сверка с симуляцией)
func (sc *SystemContext) Record(d ...state.EntityDelta) {
	sc.out.Deltas = append(sc.out.Deltas, d...)
}

// HostSync сверяет серверные сущности с симуляцией хоста: движения NPC,
// сделанные игрой, попадают в репликацию как обычные дельты.
type HostSync struct{}

func (HostSync) Name() string { return "host_sync" }

func (HostSync) Run(ctx context.Context, sc *SystemContext) error {
	w := sc.Resolver.World()
	var ids []state.EntityID
	w.Each(func(e *state.EntityState) {
		if e.Owner == state.ServerOwner && e.Type == state.EntityNPC {
			ids = append(ids, e.ID)
		}
	})
	for _, id := range ids {
		d, changed, err := sc.Resolver.Reconcile(ctx, id)
		if err != nil {
			return err
		}
		if changed {
			sc.Record(d)
		}
	}
	return nil
}
