package authority

import (
	"context"
	"errors"
	"math"

	"github.com/annel0/kmp-host/internal/accessor"
	"github.com/annel0/kmp-host/internal/state"
)

// поля, которые симуляция хоста меняет сама (ИИ, физика)
var hostDrivenFields = []string{state.FieldX, state.FieldY, state.FieldZ, state.FieldRot, state.FieldHealth}

// Reconcile подтягивает изменения, сделанные симуляцией хоста, в мир.
// Только для серверных сущностей: клиентские сущности меняются лишь командами.
// Возвращает (дельта, было ли изменение).
func (r *Resolver) Reconcile(ctx context.Context, id state.EntityID) (state.EntityDelta, bool, error) {
	e := r.world.Get(id)
	if e == nil || e.Owner != state.ServerOwner {
		return state.EntityDelta{}, false, nil
	}
	raw, err := r.acc.ReadEntity(ctx, accessor.HandleOf(id))
	if errors.Is(err, accessor.ErrNotFound) {
		// симуляция удалила объект сама
		d := state.EntityDelta{EntityID: id, Kind: state.DeltaDestroyed, SourceTick: r.tick}
		if err := r.world.ApplyDelta(d); err != nil {
			return state.EntityDelta{}, false, err
		}
		return d, true, nil
	}
	if err != nil {
		return state.EntityDelta{}, false, err
	}

	current := state.FullDelta(e, 0).Changed
	changed := state.Fields{}
	for _, f := range hostDrivenFields {
		v, ok := raw[f].(float64)
		if !ok {
			continue
		}
		if cur, _ := current[f].(float64); math.Abs(cur-v) > 1e-9 {
			changed[f] = v
		}
	}
	if len(changed) == 0 {
		return state.EntityDelta{}, false, nil
	}

	d := state.EntityDelta{EntityID: id, Kind: state.DeltaUpdated, Changed: changed, SourceTick: r.tick}
	if err := r.world.ApplyDelta(d); err != nil {
		return state.EntityDelta{}, false, err
	}
	return d, true, nil
}
