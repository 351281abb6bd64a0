// Package storage содержит внешние хранилища хоста: индекс сохранений (BadgerDB),
// зеркала сохранений игроков (MariaDB, MongoDB) и кэш последних позиций (Redis).
// Файлы сохранений остаются первичным источником; всё здесь вторично.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/annel0/kmp-host/internal/state"
)

// ErrNotFound запись отсутствует
var ErrNotFound = errors.New("storage: not found")

// PositionCache последние известные позиции участников.
// Ключ — ParticipantID, стабильный между переподключениями.
type PositionCache interface {
	// Save сохраняет позицию участника
	Save(ctx context.Context, pid state.ParticipantID, pos state.Vec3) error

	// Load возвращает позицию; false — участник ещё не сохранялся
	Load(ctx context.Context, pid state.ParticipantID) (state.Vec3, bool, error)

	// Delete удаляет позицию (кик, сброс)
	Delete(ctx context.Context, pid state.ParticipantID) error

	// BatchSave сохраняет позиции нескольких участников (автосохранение)
	BatchSave(ctx context.Context, positions map[state.ParticipantID]state.Vec3) error

	Close() error
}

// PlayerRecord зеркальная копия сохранения игрока
type PlayerRecord struct {
	SessionID     string
	ParticipantID state.ParticipantID
	DisplayName   string
	Position      state.Vec3
	ContentHash   string
	Body          []byte // тело сохранения в JSON
	UpdatedAt     time.Time
}

// PlayerRepo зеркало сохранений игроков во внешней БД
type PlayerRepo interface {
	SavePlayer(ctx context.Context, rec PlayerRecord) error
	// LoadPlayer возвращает ErrNotFound, если записи нет
	LoadPlayer(ctx context.Context, sessionID string, pid state.ParticipantID) (*PlayerRecord, error)
	Close() error
}
