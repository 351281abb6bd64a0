// Package ai управляет аватарами участников, потерявших соединение:
// аватар стоит на месте и отвечает только последнему атаковавшему.
package ai

import (
	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/state"
)

// State представляет состояние конечного автомата
type State interface {
	Name() string
	Enter(b *Brain)
	Update(b *Brain, w WorldAPI) State
	Exit(b *Brain)
}

// WorldAPI доступ автомата к миру текущего тика
type WorldAPI interface {
	Get(id state.EntityID) *state.EntityState
	Tick() uint64
	// Act выполняет серверную команду от имени аватара
	Act(cmd authority.Command) authority.Outcome
}

// Limits параметры поведения
type Limits struct {
	AttackRange   float64
	CooldownTicks uint64
	MaxStep       float64 // шаг возврата на якорь за тик
	HoldTolerance float64
}

// Brain автомат одного аватара
type Brain struct {
	ID           state.EntityID
	Anchor       state.Vec3
	Target       state.EntityID
	Limits       Limits
	CurrentState State

	lastAttack   uint64
	ticksInState uint64
}

// NewBrain якорь — позиция в момент передачи управления
func NewBrain(e *state.EntityState, limits Limits) *Brain {
	b := &Brain{ID: e.ID, Anchor: e.Position, Limits: limits}
	b.SetState(&HoldState{})
	return b
}

// Update выполняет шаг автомата
func (b *Brain) Update(w WorldAPI) {
	if b.CurrentState == nil {
		return
	}
	b.ticksInState++
	next := b.CurrentState.Update(b, w)
	if next != b.CurrentState {
		b.SetState(next)
	}
}

// SetState устанавливает новое состояние
func (b *Brain) SetState(s State) {
	if b.CurrentState != nil {
		b.CurrentState.Exit(b)
	}
	b.CurrentState = s
	b.ticksInState = 0
	if b.CurrentState != nil {
		b.CurrentState.Enter(b)
	}
}

// attackerInRange последний атаковавший, если он жив и в радиусе атаки
func (b *Brain) attackerInRange(w WorldAPI) state.EntityID {
	self := w.Get(b.ID)
	if self == nil || self.Text(state.DataStatus) == state.StatusDown {
		return 0
	}
	id := state.EntityID(self.Number(state.DataLastAttacker, 0))
	if id == 0 {
		return 0
	}
	if !b.canHit(self, w.Get(id)) {
		return 0
	}
	return id
}

func (b *Brain) canHit(self, target *state.EntityState) bool {
	if self == nil || target == nil {
		return false
	}
	if target.Health <= 0 || target.Text(state.DataStatus) == state.StatusDown {
		return false
	}
	return self.Position.Dist(target.Position) <= b.Limits.AttackRange
}

// === Конкретные состояния ===

// HoldState стоит на якоре, сдвинутый возвращается
type HoldState struct{}

func (s *HoldState) Name() string { return "hold" }

func (s *HoldState) Enter(b *Brain) { b.Target = 0 }

func (s *HoldState) Update(b *Brain, w WorldAPI) State {
	if id := b.attackerInRange(w); id != 0 {
		return &DefendState{}
	}
	self := w.Get(b.ID)
	if self == nil || self.Text(state.DataStatus) == state.StatusDown {
		return s
	}
	dist := self.Position.Dist(b.Anchor)
	if dist <= b.Limits.HoldTolerance {
		return s
	}
	to := b.Anchor
	if b.Limits.MaxStep > 0 && dist > b.Limits.MaxStep {
		// частичный шаг к якорю
		dir := b.Anchor.Sub(self.Position).Scale(b.Limits.MaxStep / dist)
		to = self.Position.Add(dir)
	}
	w.Act(authority.Move{Entity: b.ID, To: to, Rotation: self.Rotation})
	return s
}

func (s *HoldState) Exit(b *Brain) {}

// DefendState отвечает последнему атаковавшему, пока тот в радиусе
type DefendState struct{}

func (s *DefendState) Name() string { return "defend" }

func (s *DefendState) Enter(b *Brain) {}

func (s *DefendState) Update(b *Brain, w WorldAPI) State {
	id := b.attackerInRange(w)
	if id == 0 {
		return &HoldState{}
	}
	b.Target = id
	now := w.Tick()
	if b.lastAttack != 0 && now-b.lastAttack < b.Limits.CooldownTicks {
		return s
	}
	if out := w.Act(authority.Attack{Attacker: b.ID, Target: id}); out.Ok() {
		b.lastAttack = now
	}
	return s
}

func (s *DefendState) Exit(b *Brain) { b.Target = 0 }
