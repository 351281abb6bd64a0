// Package state описывает каноническое представление синхронизируемых сущностей
// и формат дельт, которыми тик-движок описывает изменения.
//
// Все функции пакета чистые: никакого I/O, никаких часов. Одинаковые входы
// дают одинаковый результат и на хосте, и в клиентском пути предсказания.
package state

import (
	"fmt"
	"math"
)

// EntityID стабильный идентификатор сущности. Не переиспользуется.
type EntityID uint32

// ParticipantID идентификатор участника, стабилен между переподключениями.
type ParticipantID string

// ServerOwner владелец сущностей без удалённого контроллера (большинство NPC, предметы, постройки).
const ServerOwner ParticipantID = "server"

// EntityType категория сущности
type EntityType uint8

const (
	EntityUnknown EntityType = iota
	EntityPlayer
	EntityNPC
	EntityItem
	EntityBuilding
)

func (t EntityType) String() string {
	switch t {
	case EntityPlayer:
		return "Player"
	case EntityNPC:
		return "NPC"
	case EntityItem:
		return "Item"
	case EntityBuilding:
		return "Building"
	default:
		return "Unknown"
	}
}

// ParseEntityType разбирает имя типа из команды или конфига
func ParseEntityType(s string) (EntityType, error) {
	switch s {
	case "Player", "player":
		return EntityPlayer, nil
	case "NPC", "npc":
		return EntityNPC, nil
	case "Item", "item":
		return EntityItem, nil
	case "Building", "building":
		return EntityBuilding, nil
	}
	return EntityUnknown, fmt.Errorf("неизвестный тип сущности %q", s)
}

// Vec3 позиция в мире
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(k float64) Vec3 { return Vec3{v.X * k, v.Y * k, v.Z * k} }
func (v Vec3) Len() float64 { return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z) }
func (v Vec3) Dist(o Vec3) float64 { return v.Sub(o).Len() }
func (v Vec3) DistXZ(o Vec3) float64 { return math.Hypot(v.X-o.X, v.Z-o.Z) }
func (v Vec3) String() string { return fmt.Sprintf("(%.2f,%.2f,%.2f)", v.X, v.Y, v.Z) }

// EntityState одна синхронизируемая сущность
type EntityState struct {
	ID        EntityID       `json:"id"`
	Type      EntityType     `json:"type"`
	Position  Vec3           `json:"pos"`
	Rotation  float64        `json:"rot"`
	Health    float64        `json:"health"`
	MaxHealth float64        `json:"maxHealth"`
	Owner     ParticipantID  `json:"owner"`
	Data      map[string]any `json:"data,omitempty"`
}

// Clone глубокая копия, включая Data
func (e *EntityState) Clone() *EntityState {
	if e == nil {
		return nil
	}
	c := *e
	if e.Data != nil {
		c.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			c.Data[k] = cloneValue(v)
		}
	}
	return &c
}

// clampHealth держит health в [0, maxHealth]
func (e *EntityState) clampHealth() {
	if e.MaxHealth < 0 {
		e.MaxHealth = 0
	}
	if e.Health < 0 {
		e.Health = 0
	}
	if e.Health > e.MaxHealth {
		e.Health = e.MaxHealth
	}
}

// OwnedBy сообщает, управляет ли участник сущностью
func (e *EntityState) OwnedBy(p ParticipantID) bool {
	return e != nil && e.Owner == p
}

// Normalized копия с typeData, приведённым к JSON-родным типам
func Normalized(e *EntityState) *EntityState {
	c := e.Clone()
	if c == nil {
		return nil
	}
	for k, v := range c.Data {
		c.Data[k] = Normalize(v)
	}
	return c
}
