package accessor

import (
	"context"
	"fmt"
	"sync"

	"github.com/annel0/kmp-host/internal/state"
)

// Memory симуляция в памяти процесса. Используется standalone-сервером и тестами.
// Поддерживает внедрение отказов записи.
type Memory struct {
	mu         sync.Mutex
	objects    map[Handle]RawFields
	failWrites int
	writes     int
	commands   []string
}

// NewMemory создаёт пустую симуляцию
func NewMemory() *Memory {
	return &Memory{objects: make(map[Handle]RawFields)}
}

// ReadEntity возвращает копию полей
func (m *Memory) ReadEntity(ctx context.Context, h Handle) (RawFields, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[h]
	if !ok {
		return nil, fmt.Errorf("%w: handle %d", ErrNotFound, h)
	}
	out := make(RawFields, len(obj))
	for k, v := range obj {
		out[k] = state.Normalize(v)
	}
	return out, nil
}

// WriteEntity сливает поля; nil-значение удаляет ключ
func (m *Memory) WriteEntity(ctx context.Context, h Handle, fields RawFields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites > 0 {
		m.failWrites--
		return fmt.Errorf("%w: handle %d", ErrWriteFailed, h)
	}
	obj, ok := m.objects[h]
	if !ok {
		return fmt.Errorf("%w: handle %d", ErrNotFound, h)
	}
	for k, v := range fields {
		if v == nil {
			delete(obj, k)
			continue
		}
		obj[k] = state.Normalize(v)
	}
	m.writes++
	return nil
}

// ExecuteCommand поддерживает spawn и despawn
func (m *Memory) ExecuteCommand(ctx context.Context, kind string, args map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hv, ok := args["handle"].(float64)
	if !ok {
		return nil, fmt.Errorf("%w: %s without handle", ErrInvalidInput, kind)
	}
	h := Handle(hv)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, kind)

	switch kind {
	case CommandSpawn:
		if _, exists := m.objects[h]; !exists {
			m.objects[h] = RawFields{}
		}
		return map[string]any{"handle": float64(h)}, nil
	case CommandDespawn:
		if _, exists := m.objects[h]; !exists {
			return nil, fmt.Errorf("%w: handle %d", ErrNotFound, h)
		}
		delete(m.objects, h)
		return map[string]any{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, kind)
}

// FailWrites следующие n записей вернут ErrWriteFailed
func (m *Memory) FailWrites(n int) {
	m.mu.Lock()
	m.failWrites = n
	m.mu.Unlock()
}

// Writes количество успешных записей
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Commands журнал выполненных команд
func (m *Memory) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.commands))
	copy(out, m.commands)
	return out
}

// Exists есть ли объект в симуляции
func (m *Memory) Exists(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[h]
	return ok
}

// Simulate меняет поля со стороны игры (ИИ хоста сдвинул NPC и т.п.)
func (m *Memory) Simulate(h Handle, fields RawFields) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[h]
	if !ok {
		return
	}
	for k, v := range fields {
		obj[k] = state.Normalize(v)
	}
}

// Load заполняет симуляцию из набора сущностей (старт с сохранения)
func (m *Memory) Load(entities []*state.EntityState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entities {
		m.objects[HandleOf(e.ID)] = FieldsOf(e)
	}
}
