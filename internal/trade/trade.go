// Package trade ведёт сделки между игроками. Обмен предметами выполняется
// одной транзакцией резолвера: либо оба инвентаря меняются в одном тике,
// либо ни один.
package trade

import (
	"time"

	"github.com/annel0/kmp-host/internal/state"
)

// State состояние сделки
type State int

const (
	Proposed State = iota
	Negotiating
	InitiatorReady
	TargetReady
	BothReady
	Executing
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Proposed:
		return "proposed"
	case Negotiating:
		return "negotiating"
	case InitiatorReady:
		return "initiator_ready"
	case TargetReady:
		return "target_ready"
	case BothReady:
		return "both_ready"
	case Executing:
		return "executing"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal конечное состояние, после него сделка не меняется
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// negotiable можно менять предложения и готовность
func (s State) negotiable() bool {
	switch s {
	case Negotiating, InitiatorReady, TargetReady, BothReady:
		return true
	}
	return false
}

// Side одна сторона сделки
type Side struct {
	Participant state.ParticipantID `json:"participant"`
	Entity      state.EntityID      `json:"entity"`
	Offer       map[string]float64  `json:"offer"`
	Ready       bool                `json:"ready"`
	Confirmed   bool                `json:"confirmed"`
}

// Trade сделка. Изменяется только тик-потоком.
type Trade struct {
	ID        string `json:"id"`
	Initiator Side   `json:"initiator"`
	Target    Side   `json:"target"`
	State     State  `json:"-"`

	CreatedTick uint64 `json:"createdTick"`
	// StateTick тик последней смены состояния (для таймаутов)
	StateTick uint64 `json:"stateTick"`
}

// side сторона участника или nil, если он не участвует
func (t *Trade) side(p state.ParticipantID) *Side {
	switch p {
	case t.Initiator.Participant:
		return &t.Initiator
	case t.Target.Participant:
		return &t.Target
	}
	return nil
}

// involves участвует ли участник в сделке
func (t *Trade) involves(p state.ParticipantID) bool { return t.side(p) != nil }

// readiness состояние по флагам готовности
func (t *Trade) readiness() State {
	switch {
	case t.Initiator.Ready && t.Target.Ready:
		return BothReady
	case t.Initiator.Ready:
		return InitiatorReady
	case t.Target.Ready:
		return TargetReady
	default:
		return Negotiating
	}
}

func (t *Trade) resetReady() {
	t.Initiator.Ready, t.Target.Ready = false, false
	t.Initiator.Confirmed, t.Target.Confirmed = false, false
}

// Record итог сделки для журнала и шины событий
type Record struct {
	TradeID        string              `json:"tradeId"`
	State          string              `json:"state"`
	Reason         string              `json:"reason,omitempty"`
	Initiator      state.ParticipantID `json:"initiator"`
	Target         state.ParticipantID `json:"target"`
	InitiatorOffer map[string]float64  `json:"initiatorOffer"`
	TargetOffer    map[string]float64  `json:"targetOffer"`
	Tick           uint64              `json:"tick"`
	At             time.Time           `json:"at"`
}

// Observer получает итог каждой завершённой сделки ровно один раз
type Observer interface {
	TradeFinished(rec Record)
}

// ObserverFunc адаптер функции к Observer
type ObserverFunc func(rec Record)

func (f ObserverFunc) TradeFinished(rec Record) { f(rec) }

func copyOffer(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
