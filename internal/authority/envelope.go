package authority

import (
	"time"

	"github.com/annel0/kmp-host/internal/state"
)

// Envelope команда вместе с метаданными доставки.
// Requester берётся из привязки соединения, а не из тела сообщения.
type Envelope struct {
	Command     Command
	Requester   state.ParticipantID
	ArrivalTick uint64
	ReceivedAt  time.Time
	Seq         uint64
	// ClientSeq номер кадра клиента, возвращается в CommandResult
	ClientSeq uint32
	// Done вызывается в тик-потоке после решения по команде (может быть nil)
	Done func(Outcome)
}

// Outcome результат TryApply
type Outcome struct {
	Deltas    []state.EntityDelta
	Events    []Event
	Created   []state.EntityID
	Rejection *Rejection
	Err       error
}

// Ok true, если команда применена
func (o Outcome) Ok() bool { return o.Rejection == nil && o.Err == nil }

// Merge дописывает результат другой операции
func (o *Outcome) Merge(other Outcome) {
	o.Deltas = append(o.Deltas, other.Deltas...)
	o.Events = append(o.Events, other.Events...)
	o.Created = append(o.Created, other.Created...)
}

// EventKind тип игрового события
type EventKind string

const (
	EventCombatHit        EventKind = "combat_hit"
	EventKnockedOut       EventKind = "ko"
	EventDeath            EventKind = "death"
	EventChat             EventKind = "chat"
	EventItemPicked       EventKind = "item_picked"
	EventItemDropped      EventKind = "item_dropped"
	EventItemUsed         EventKind = "item_used"
	EventBuildPlaced      EventKind = "build_placed"
	EventTrade            EventKind = "trade"
	EventSystem           EventKind = "system"
	EventPlayerJoined     EventKind = "player_joined"
	EventPlayerLeft       EventKind = "player_left"
	EventTimeSync         EventKind = "time_sync"
	EventPersistenceFatal EventKind = "persistence_fatal"
	EventTickPaused       EventKind = "tick_paused"
)

// Scope кому доставляется событие
type Scope uint8

const (
	// ScopeAll всем участникам
	ScopeAll Scope = iota
	// ScopeParticipants только перечисленным участникам
	ScopeParticipants
	// ScopeNear участникам, у которых Position в зоне интереса
	ScopeNear
)

// Event игровое событие тика
type Event struct {
	Kind         EventKind             `json:"kind"`
	Scope        Scope                 `json:"scope"`
	Participants []state.ParticipantID `json:"participants,omitempty"`
	Position     state.Vec3            `json:"pos"`
	Priority     uint8                 `json:"priority,omitempty"`
	Data         map[string]any        `json:"data,omitempty"`
}

// Broadcast событие для всех
func Broadcast(kind EventKind, data map[string]any) Event {
	return Event{Kind: kind, Scope: ScopeAll, Data: data}
}

// Near событие для участников поблизости от pos
func Near(kind EventKind, pos state.Vec3, data map[string]any) Event {
	return Event{Kind: kind, Scope: ScopeNear, Position: pos, Data: data}
}

// To событие для конкретных участников
func To(kind EventKind, data map[string]any, participants ...state.ParticipantID) Event {
	return Event{Kind: kind, Scope: ScopeParticipants, Participants: participants, Data: data}
}
