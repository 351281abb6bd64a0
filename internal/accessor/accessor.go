// Package accessor описывает узкий контракт доступа к живой симуляции хоста.
// Ядро не знает, как устроен доступ (смещения памяти, сканирование паттернов):
// только что чтения согласованы с последней записью, а запись может завершиться ошибкой.
package accessor

import (
	"context"
	"errors"

	"github.com/annel0/kmp-host/internal/state"
)

// Handle идентификатор объекта в симуляции хоста. Совпадает с EntityID.
type Handle uint32

// RawFields поля объекта в именах state.Field*
type RawFields map[string]any

// Команды симуляции, которые нельзя выразить записью полей
const (
	CommandSpawn   = "spawn"
	CommandDespawn = "despawn"
)

var (
	ErrNotFound     = errors.New("accessor: entity not found")
	ErrWriteFailed  = errors.New("accessor: write failed")
	ErrUnsupported  = errors.New("accessor: unsupported command")
	ErrInvalidInput = errors.New("accessor: invalid arguments")
)

// GameStateAccessor внешний коллаборатор: чтение/запись полей сущностей и вызов команд симуляции
type GameStateAccessor interface {
	ReadEntity(ctx context.Context, h Handle) (RawFields, error)
	WriteEntity(ctx context.Context, h Handle, fields RawFields) error
	ExecuteCommand(ctx context.Context, kind string, args map[string]any) (map[string]any, error)
}

// HandleOf handle для сущности
func HandleOf(id state.EntityID) Handle { return Handle(id) }

// FieldsOf полный набор полей сущности
func FieldsOf(e *state.EntityState) RawFields {
	return RawFields(state.FullDelta(e, 0).Changed)
}

// Commit пишет в симуляцию результат дельты. next — состояние после дельты (нужно для Created).
func Commit(ctx context.Context, acc GameStateAccessor, d state.EntityDelta, next *state.EntityState) error {
	h := HandleOf(d.EntityID)
	switch d.Kind {
	case state.DeltaCreated:
		if _, err := acc.ExecuteCommand(ctx, CommandSpawn, map[string]any{"handle": float64(h), "type": float64(next.Type)}); err != nil {
			return err
		}
		return acc.WriteEntity(ctx, h, FieldsOf(next))
	case state.DeltaDestroyed:
		_, err := acc.ExecuteCommand(ctx, CommandDespawn, map[string]any{"handle": float64(h)})
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	default:
		if len(d.Changed) == 0 {
			return nil
		}
		return acc.WriteEntity(ctx, h, RawFields(d.Changed))
	}
}

// Restore возвращает симуляцию к prev после неудачной транзакции
func Restore(ctx context.Context, acc GameStateAccessor, id state.EntityID, prev *state.EntityState) error {
	h := HandleOf(id)
	if prev == nil {
		_, err := acc.ExecuteCommand(ctx, CommandDespawn, map[string]any{"handle": float64(h)})
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if _, err := acc.ReadEntity(ctx, h); errors.Is(err, ErrNotFound) {
		if _, err := acc.ExecuteCommand(ctx, CommandSpawn, map[string]any{"handle": float64(h), "type": float64(prev.Type)}); err != nil {
			return err
		}
	}
	return acc.WriteEntity(ctx, h, FieldsOf(prev))
}
