package authority

import (
	"context"
	"fmt"

	"github.com/annel0/kmp-host/internal/accessor"
	"github.com/annel0/kmp-host/internal/errs"
	"github.com/annel0/kmp-host/internal/state"
)

// Txn копирующий оверлей над миром. Изменения видны только внутри транзакции
// до Commit; Commit либо применяет всё, либо ничего.
type Txn struct {
	r       *Resolver
	staged  map[state.EntityID]*state.EntityState // nil — сущность уничтожена
	order   []state.EntityID
	created []state.EntityID
	done    bool
}

// Begin открывает транзакцию
func (r *Resolver) Begin() *Txn {
	return &Txn{r: r, staged: make(map[state.EntityID]*state.EntityState)}
}

func (t *Txn) stage(id state.EntityID, e *state.EntityState) {
	if _, seen := t.staged[id]; !seen {
		t.order = append(t.order, id)
	}
	t.staged[id] = e
}

// Get состояние с учётом изменений транзакции. Не изменять возвращённое значение.
func (t *Txn) Get(id state.EntityID) *state.EntityState {
	if e, ok := t.staged[id]; ok {
		return e
	}
	return t.r.world.Get(id)
}

// Modify копирует сущность в оверлей и изменяет копию
func (t *Txn) Modify(id state.EntityID, fn func(e *state.EntityState)) error {
	cur := t.Get(id)
	if cur == nil {
		return fmt.Errorf("%w: %d", state.ErrUnknownEntity, id)
	}
	next, staged := t.staged[id]
	if !staged || next == nil {
		next = cur.Clone()
	}
	fn(next)
	t.stage(id, next)
	return nil
}

// Create добавляет сущность. ID == 0 — выделить новый.
func (t *Txn) Create(e *state.EntityState) state.EntityID {
	c := e.Clone()
	if c.ID == 0 {
		c.ID = t.r.world.Allocate()
	}
	t.stage(c.ID, c)
	t.created = append(t.created, c.ID)
	return c.ID
}

// Destroy помечает сущность удалённой
func (t *Txn) Destroy(id state.EntityID) {
	t.stage(id, nil)
}

// Discard отменяет транзакцию
func (t *Txn) Discard() {
	t.staged = nil
	t.order = nil
	t.done = true
}

// Commit вычисляет дельты, пишет их в симуляцию через accessor и применяет к миру.
// При отказе записи уже записанные сущности откатываются, мир не меняется.
func (t *Txn) Commit(ctx context.Context) ([]state.EntityDelta, error) {
	if t.done {
		return nil, errs.New(errs.Internal, 0, "transaction already finished")
	}
	t.done = true

	type step struct {
		delta state.EntityDelta
		prev  *state.EntityState
		next  *state.EntityState
	}
	steps := make([]step, 0, len(t.order))
	for _, id := range t.order {
		prev := t.r.world.Get(id)
		next := t.staged[id]
		if prev == nil && next == nil {
			continue // создана и уничтожена в одной транзакции
		}
		d := state.Diff(prev, state.Normalized(next))
		if d.IsEmpty() {
			continue
		}
		d.EntityID = id
		d.SourceTick = t.r.tick
		steps = append(steps, step{delta: d, prev: prev, next: next})
	}

	for i, s := range steps {
		if err := accessor.Commit(ctx, t.r.acc, s.delta, s.next); err != nil {
			for j := i - 1; j >= 0; j-- {
				if rerr := accessor.Restore(ctx, t.r.acc, steps[j].delta.EntityID, steps[j].prev); rerr != nil {
					t.r.logger.Error("❌ Откат сущности %d не удался: %v", steps[j].delta.EntityID, rerr)
				}
			}
			// частично выполненная запись могла задеть и текущую сущность
			if rerr := accessor.Restore(ctx, t.r.acc, s.delta.EntityID, s.prev); rerr != nil {
				t.r.logger.Warn("⚠️ Откат сущности %d: %v", s.delta.EntityID, rerr)
			}
			return nil, errs.Wrap(errs.Internal, err, fmt.Sprintf("commit %s", s.delta))
		}
	}

	deltas := make([]state.EntityDelta, 0, len(steps))
	for _, s := range steps {
		if err := t.r.world.ApplyDelta(s.delta); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "apply delta")
		}
		deltas = append(deltas, s.delta)
	}
	return deltas, nil
}

// Created идентификаторы, созданные в транзакции
func (t *Txn) Created() []state.EntityID {
	return t.created
}
