package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/annel0/kmp-host/internal/state"
)

// MemoryPositionCache реализует PositionCache в памяти.
// Используется, когда Redis не настроен, и в тестах.
// ВНИМАНИЕ: данные теряются при перезапуске хоста!
type MemoryPositionCache struct {
	mu   sync.RWMutex
	data map[state.ParticipantID]state.Vec3
}

// NewMemoryPositionCache создает кэш позиций в памяти
func NewMemoryPositionCache() *MemoryPositionCache {
	return &MemoryPositionCache{data: make(map[state.ParticipantID]state.Vec3)}
}

func (r *MemoryPositionCache) Save(ctx context.Context, pid state.ParticipantID, pos state.Vec3) error {
	if pid == "" {
		return fmt.Errorf("пустой participantID")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[pid] = pos
	return nil
}

func (r *MemoryPositionCache) Load(ctx context.Context, pid state.ParticipantID) (state.Vec3, bool, error) {
	if err := ctx.Err(); err != nil {
		return state.Vec3{}, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.data[pid]
	return pos, ok, nil
}

func (r *MemoryPositionCache) Delete(ctx context.Context, pid state.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[pid]; !ok {
		return fmt.Errorf("позиция %s: %w", pid, ErrNotFound)
	}
	delete(r.data, pid)
	return nil
}

// BatchSave атомарно: при ошибке валидации не сохраняется ничего
func (r *MemoryPositionCache) BatchSave(ctx context.Context, positions map[state.ParticipantID]state.Vec3) error {
	for pid := range positions {
		if pid == "" {
			return fmt.Errorf("пустой participantID в batch")
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for pid, pos := range positions {
		r.data[pid] = pos
	}
	return nil
}

// Count количество сохранённых позиций
func (r *MemoryPositionCache) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

func (r *MemoryPositionCache) Close() error { return nil }

// MemoryPlayerRepo зеркало сохранений в памяти
type MemoryPlayerRepo struct {
	mu      sync.RWMutex
	records map[string]PlayerRecord
}

// NewMemoryPlayerRepo создает репозиторий в памяти
func NewMemoryPlayerRepo() *MemoryPlayerRepo {
	return &MemoryPlayerRepo{records: make(map[string]PlayerRecord)}
}

func playerKey(sessionID string, pid state.ParticipantID) string {
	return sessionID + "/" + string(pid)
}

func (r *MemoryPlayerRepo) SavePlayer(ctx context.Context, rec PlayerRecord) error {
	if rec.ParticipantID == "" {
		return fmt.Errorf("пустой participantID")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.Body = append([]byte(nil), rec.Body...)
	r.records[playerKey(rec.SessionID, rec.ParticipantID)] = rec
	return nil
}

func (r *MemoryPlayerRepo) LoadPlayer(ctx context.Context, sessionID string, pid state.ParticipantID) (*PlayerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[playerKey(sessionID, pid)]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (r *MemoryPlayerRepo) Close() error { return nil }
