package state

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// DeltaKind вид изменения сущности
type DeltaKind uint8

const (
	DeltaCreated DeltaKind = iota + 1
	DeltaUpdated
	DeltaDestroyed
	DeltaAuthorityChanged
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaCreated:
		return "Created"
	case DeltaUpdated:
		return "Updated"
	case DeltaDestroyed:
		return "Destroyed"
	case DeltaAuthorityChanged:
		return "AuthorityChanged"
	default:
		return "Unknown"
	}
}

// Имена полей в Fields. Поля typeData пишутся как "data.<ключ>".
const (
	FieldType      = "type"
	FieldX         = "x"
	FieldY         = "y"
	FieldZ         = "z"
	FieldRot       = "rot"
	FieldHealth    = "health"
	FieldMaxHealth = "maxHealth"
	FieldOwner     = "owner"
	DataPrefix     = "data."
)

// Tier класс доставки поля
type Tier uint8

const (
	// Tier0 позиция/поворот: часто, ненадёжно, следующий тик перекрывает потерю
	Tier0 Tier = iota
	// Tier1 боевые характеристики: надёжно
	Tier1
	// Tier2 персистентное состояние (владелец, typeData): надёжно
	Tier2
)

// FieldTier классифицирует поле дельты
func FieldTier(field string) Tier {
	switch field {
	case FieldX, FieldY, FieldZ, FieldRot:
		return Tier0
	case FieldHealth, FieldMaxHealth:
		return Tier1
	default:
		return Tier2
	}
}

var (
	ErrUnknownEntity = errors.New("state: delta for unknown entity")
	ErrBadField      = errors.New("state: bad field value")
)

// Fields разреженный набор изменённых полей
type Fields map[string]any

// EntityDelta единица репликации
type EntityDelta struct {
	EntityID   EntityID  `json:"id"`
	Kind       DeltaKind `json:"kind"`
	Changed    Fields    `json:"changed,omitempty"`
	SourceTick uint64    `json:"tick"`
}

// IsEmpty true для Updated без изменений
func (d EntityDelta) IsEmpty() bool {
	return (d.Kind == DeltaUpdated || d.Kind == 0) && len(d.Changed) == 0
}

// Clone глубокая копия
func (d EntityDelta) Clone() EntityDelta {
	c := d
	if d.Changed != nil {
		c.Changed = make(Fields, len(d.Changed))
		for k, v := range d.Changed {
			c.Changed[k] = cloneValue(v)
		}
	}
	return c
}

// Split делит Updated-дельту на Tier-0 часть (ненадёжный канал) и надёжную часть.
// Created/Destroyed/AuthorityChanged целиком надёжные.
func (d EntityDelta) Split() (tier0 EntityDelta, reliable EntityDelta) {
	tier0 = EntityDelta{EntityID: d.EntityID, Kind: DeltaUpdated, SourceTick: d.SourceTick}
	reliable = EntityDelta{EntityID: d.EntityID, Kind: d.Kind, SourceTick: d.SourceTick}
	if d.Kind != DeltaUpdated {
		reliable.Changed = d.Clone().Changed
		return tier0, reliable
	}
	for k, v := range d.Changed {
		if FieldTier(k) == Tier0 {
			if tier0.Changed == nil {
				tier0.Changed = Fields{}
			}
			tier0.Changed[k] = v
			continue
		}
		if reliable.Changed == nil {
			reliable.Changed = Fields{}
		}
		reliable.Changed[k] = cloneValue(v)
	}
	return tier0, reliable
}

// Keys отсортированные имена полей (для логов и тестов)
func (d EntityDelta) Keys() []string {
	keys := make([]string, 0, len(d.Changed))
	for k := range d.Changed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (d EntityDelta) String() string {
	return fmt.Sprintf("%s#%d@%d%v", d.Kind, d.EntityID, d.SourceTick, d.Keys())
}

// Apply применяет дельту к текущему состоянию и возвращает новое.
// current не изменяется. Повторное применение той же дельты даёт тот же результат.
func Apply(d EntityDelta, current *EntityState) (*EntityState, error) {
	switch d.Kind {
	case DeltaDestroyed:
		return nil, nil
	case DeltaCreated:
		next := &EntityState{ID: d.EntityID}
		if err := applyFields(next, d.Changed); err != nil {
			return nil, err
		}
		next.clampHealth()
		return next, nil
	case DeltaUpdated, DeltaAuthorityChanged:
		if current == nil {
			return nil, fmt.Errorf("%w: %d", ErrUnknownEntity, d.EntityID)
		}
		next := current.Clone()
		if err := applyFields(next, d.Changed); err != nil {
			return nil, err
		}
		next.clampHealth()
		return next, nil
	default:
		return nil, fmt.Errorf("state: unknown delta kind %d", d.Kind)
	}
}

func applyFields(e *EntityState, f Fields) error {
	for key, val := range f {
		if strings.HasPrefix(key, DataPrefix) {
			name := strings.TrimPrefix(key, DataPrefix)
			if val == nil {
				delete(e.Data, name)
				continue
			}
			if e.Data == nil {
				e.Data = map[string]any{}
			}
			e.Data[name] = Normalize(val)
			continue
		}

		switch key {
		case FieldOwner:
			switch o := val.(type) {
			case string:
				e.Owner = ParticipantID(o)
			case ParticipantID:
				e.Owner = o
			default:
				return fmt.Errorf("%w: owner=%v", ErrBadField, val)
			}
			continue
		}

		n, ok := toFloat(val)
		if !ok {
			return fmt.Errorf("%w: %s=%v", ErrBadField, key, val)
		}
		switch key {
		case FieldType:
			e.Type = EntityType(n)
		case FieldX:
			e.Position.X = n
		case FieldY:
			e.Position.Y = n
		case FieldZ:
			e.Position.Z = n
		case FieldRot:
			e.Rotation = n
		case FieldHealth:
			e.Health = n
		case FieldMaxHealth:
			e.MaxHealth = n
		default:
			return fmt.Errorf("%w: unknown field %s", ErrBadField, key)
		}
	}
	return nil
}

// Diff вычисляет минимальный набор изменённых полей между двумя состояниями
func Diff(old, next *EntityState) EntityDelta {
	switch {
	case old == nil && next == nil:
		return EntityDelta{Kind: DeltaUpdated}
	case old == nil:
		return EntityDelta{EntityID: next.ID, Kind: DeltaCreated, Changed: allFields(next)}
	case next == nil:
		return EntityDelta{EntityID: old.ID, Kind: DeltaDestroyed}
	}

	changed := Fields{}
	if old.Type != next.Type {
		changed[FieldType] = float64(next.Type)
	}
	if old.Position.X != next.Position.X {
		changed[FieldX] = next.Position.X
	}
	if old.Position.Y != next.Position.Y {
		changed[FieldY] = next.Position.Y
	}
	if old.Position.Z != next.Position.Z {
		changed[FieldZ] = next.Position.Z
	}
	if old.Rotation != next.Rotation {
		changed[FieldRot] = next.Rotation
	}
	if old.Health != next.Health {
		changed[FieldHealth] = next.Health
	}
	if old.MaxHealth != next.MaxHealth {
		changed[FieldMaxHealth] = next.MaxHealth
	}
	if old.Owner != next.Owner {
		changed[FieldOwner] = string(next.Owner)
	}
	for k, nv := range next.Data {
		ov, ok := old.Data[k]
		if !ok || !reflect.DeepEqual(Normalize(ov), Normalize(nv)) {
			changed[DataPrefix+k] = Normalize(nv)
		}
	}
	for k := range old.Data {
		if _, ok := next.Data[k]; !ok {
			changed[DataPrefix+k] = nil
		}
	}

	kind := DeltaUpdated
	if _, ownerChanged := changed[FieldOwner]; ownerChanged && len(changed) == 1 {
		kind = DeltaAuthorityChanged
	}
	if len(changed) == 0 {
		changed = nil
	}
	return EntityDelta{EntityID: next.ID, Kind: kind, Changed: changed}
}

func allFields(e *EntityState) Fields {
	f := Fields{
		FieldType:      float64(e.Type),
		FieldX:         e.Position.X,
		FieldY:         e.Position.Y,
		FieldZ:         e.Position.Z,
		FieldRot:       e.Rotation,
		FieldHealth:    e.Health,
		FieldMaxHealth: e.MaxHealth,
		FieldOwner:     string(e.Owner),
	}
	for k, v := range e.Data {
		f[DataPrefix+k] = Normalize(v)
	}
	return f
}

// FullDelta дельта Created с полным состоянием (используется для входа сущности в зону интереса)
func FullDelta(e *EntityState, tick uint64) EntityDelta {
	return EntityDelta{EntityID: e.ID, Kind: DeltaCreated, Changed: allFields(e), SourceTick: tick}
}
