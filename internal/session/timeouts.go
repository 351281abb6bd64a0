package session

import (
	"context"
	"time"

	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/network"
	"github.com/annel0/kmp-host/internal/protocol"
	"github.com/annel0/kmp-host/internal/state"
	"github.com/annel0/kmp-host/internal/tick"
)

// System тик-система сессии: молчащие соединения закрываются,
// участники с истёкшим периодом ожидания удаляются из мира.
func (m *Manager) System() tick.System {
	return tick.SystemFunc{Label: "session_timeouts", Fn: m.runTimeouts}
}

type expiredParticipant struct {
	id       state.ParticipantID
	name     string
	entities []state.EntityID
}

func (m *Manager) runTimeouts(ctx context.Context, sc *tick.SystemContext) error {
	now := sc.Now
	var (
		silent  []network.NetChannel
		expired []expiredParticipant
	)

	m.mu.Lock()
	for _, id := range append([]state.ParticipantID(nil), m.session.ParticipantIDs...) {
		p, ok := m.participants[id]
		if !ok {
			continue
		}
		switch p.State {
		case InWorld, Authenticated:
			if m.cfg.KeepaliveTimeout > 0 && p.ch != nil && now.Sub(p.lastSeen) > m.cfg.KeepaliveTimeout {
				m.logger.Info("⏱️ %s (%s) молчит %s, соединение закрыто", p.DisplayName, id, now.Sub(p.lastSeen).Truncate(time.Millisecond))
				silent = append(silent, p.ch)
				p.ch = nil
			}
		case Disconnected:
			if !now.Before(p.GraceDeadline) {
				p.State = Removed
				expired = append(expired, expiredParticipant{id, p.DisplayName, append([]state.EntityID(nil), p.Entities...)})
				m.dropLocked(id)
			}
		}
	}
	m.mu.Unlock()

	// разрыв обработает читающая горутина соединения (ConnectionLost)
	for _, ch := range silent {
		ch.Close()
	}

	for _, e := range expired {
		var states []*state.EntityState
		for _, id := range e.entities {
			if cur := sc.Resolver.World().Get(id); cur != nil {
				states = append(states, cur.Clone())
			}
		}
		m.saveStates(e.id, e.name, states)

		if len(e.entities) > 0 {
			if out := sc.Apply(ctx, authority.Despawn{Entities: e.entities}); !out.Ok() {
				m.logger.Error("❌ Удаление сущностей %s: %v", e.id, outcomeErr(out))
			}
		}
		sc.Resolver.ForgetParticipant(e.id)
		sc.Emit(authority.Broadcast(authority.EventPlayerLeft, protocol.EventData(protocol.PlayerLeft{
			ParticipantID: e.id, Name: e.name, Reason: protocol.LeaveTimeout,
		})))
		m.logger.Info("👋 %s (%s) не вернулся, удалён из мира", e.name, e.id)
		m.notify(LifecycleRemoved, e.id, e.name, "grace expired")
	}
	return nil
}
