package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/annel0/kmp-host/internal/errs"
)

// World рабочий набор сущностей. Принадлежит тик-потоку и не потокобезопасен:
// остальные компоненты видят только снимки.
type World struct {
	entities map[EntityID]*EntityState
	nextID   EntityID
}

// NewWorld создаёт пустой мир. Идентификаторы начинаются с 1.
func NewWorld() *World {
	return &World{entities: make(map[EntityID]*EntityState), nextID: 1}
}

// Get возвращает сущность только для чтения
func (w *World) Get(id EntityID) *EntityState {
	return w.entities[id]
}

// Put кладёт сущность (владение указателем переходит миру)
func (w *World) Put(e *EntityState) {
	w.entities[e.ID] = e
	if e.ID >= w.nextID {
		w.nextID = e.ID + 1
	}
}

// Remove удаляет сущность. Идентификатор не освобождается.
func (w *World) Remove(id EntityID) {
	delete(w.entities, id)
}

// Allocate выдаёт следующий идентификатор
func (w *World) Allocate() EntityID {
	id := w.nextID
	w.nextID++
	return id
}

// NextID следующий свободный идентификатор (сохраняется в WorldSave)
func (w *World) NextID() EntityID { return w.nextID }

// Len количество живых сущностей
func (w *World) Len() int { return len(w.entities) }

// IDs отсортированные идентификаторы
func (w *World) IDs() []EntityID {
	ids := make([]EntityID, 0, len(w.entities))
	for id := range w.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Each обходит сущности в порядке id
func (w *World) Each(fn func(e *EntityState)) {
	for _, id := range w.IDs() {
		fn(w.entities[id])
	}
}

// ApplyDelta применяет дельту к миру
func (w *World) ApplyDelta(d EntityDelta) error {
	next, err := Apply(d, w.entities[d.EntityID])
	if err != nil {
		return err
	}
	if next == nil {
		w.Remove(d.EntityID)
		return nil
	}
	w.Put(next)
	return nil
}

// Snapshot глубокая копия всех сущностей, отсортированная по id
func (w *World) Snapshot() []*EntityState {
	out := make([]*EntityState, 0, len(w.entities))
	for _, id := range w.IDs() {
		out = append(out, w.entities[id].Clone())
	}
	return out
}

// Restore заменяет содержимое мира (загрузка сохранения)
func (w *World) Restore(entities []*EntityState, nextID EntityID) {
	w.entities = make(map[EntityID]*EntityState, len(entities))
	w.nextID = 1
	for _, e := range entities {
		w.Put(e.Clone())
	}
	if nextID > w.nextID {
		w.nextID = nextID
	}
}

// Hash sha256 канонического JSON набора сущностей (в порядке id).
// Совпадение хешей означает побайтово одинаковые наборы.
func Hash(entities []*EntityState) string {
	sorted := make([]*EntityState, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h := sha256.New()
	for _, e := range sorted {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		h.Write(data)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ErrResyncNeeded пропуск или регрессия тика: представление заменяется полным снимком
var ErrResyncNeeded = errs.New(errs.State, 0, "state: tick gap, full resync required")

// Set клиентское (или зеркальное) представление. Тики применяются строго
// подряд: PrevTick очередной пачки должен совпасть с последним применённым.
type Set struct {
	entities map[EntityID]*EntityState
	tick     uint64
}

// NewSet создаёт пустое представление
func NewSet() *Set {
	return &Set{entities: map[EntityID]*EntityState{}}
}

func (s *Set) resync(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrResyncNeeded}, args...)...)
}

// Apply применяет одиночную дельту текущего или следующего тика.
// Дельта старше последнего тика — ErrResyncNeeded.
func (s *Set) Apply(d EntityDelta) error {
	if d.SourceTick < s.tick {
		return s.resync("delta of tick %d after tick %d", d.SourceTick, s.tick)
	}
	next, err := Apply(d, s.entities[d.EntityID])
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.entities, d.EntityID)
	} else {
		s.entities[d.EntityID] = next
	}
	s.tick = d.SourceTick
	return nil
}

// ApplyTick применяет надёжную пачку тика целиком или не применяет ничего.
// prev — последний тик, отправленный этому представлению; несовпадение
// означает потерянный или переставленный тик и возвращает ErrResyncNeeded.
func (s *Set) ApplyTick(prev, tick uint64, deltas []EntityDelta) error {
	if prev != s.tick {
		return s.resync("tick %d expects base %d, have %d", tick, prev, s.tick)
	}
	if tick <= prev {
		return s.resync("tick %d does not follow %d", tick, prev)
	}
	staged := make(map[EntityID]*EntityState, len(deltas))
	for _, d := range deltas {
		cur, ok := staged[d.EntityID]
		if !ok {
			cur = s.entities[d.EntityID]
		}
		next, err := Apply(d, cur)
		if err != nil {
			return err
		}
		staged[d.EntityID] = next
	}
	for id, e := range staged {
		if e == nil {
			delete(s.entities, id)
		} else {
			s.entities[id] = e
		}
	}
	s.tick = tick
	return nil
}

// Replace заменяет всё представление полным снимком. Локальное состояние отбрасывается без слияния.
func (s *Set) Replace(entities []*EntityState, tick uint64) {
	s.entities = make(map[EntityID]*EntityState, len(entities))
	for _, e := range entities {
		s.entities[e.ID] = e.Clone()
	}
	s.tick = tick
}

// Get сущность по id
func (s *Set) Get(id EntityID) *EntityState { return s.entities[id] }

// Tick последний применённый тик
func (s *Set) Tick() uint64 { return s.tick }

// All все сущности в порядке id
func (s *Set) All() []*EntityState {
	out := make([]*EntityState, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
