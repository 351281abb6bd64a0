package replication

import (
	"errors"

	"github.com/annel0/kmp-host/internal/logging"
	"github.com/annel0/kmp-host/internal/protocol"
	"github.com/annel0/kmp-host/internal/state"
)

// FrameSender надёжный канал к хосту
type FrameSender interface {
	TrySend(f *protocol.Frame) bool
}

// Mirror клиентская копия видимого мира. Снимок заменяет её целиком, пачки
// тиков применяются строго подряд. На пропуске или перестановке тика Mirror
// отправляет ResyncRequest и пропускает пачки до прихода снимка.
type Mirror struct {
	set     *state.Set
	out     FrameSender
	logger  *logging.Logger
	synced  bool
	waiting bool
	resyncs int
}

// NewMirror создаёт пустую копию; до первого снимка пачки тиков не применяются
func NewMirror(out FrameSender) *Mirror {
	return &Mirror{set: state.NewSet(), out: out, logger: logging.GetReplicationLogger()}
}

// Handle применяет кадр хоста. Кадры, не относящиеся к состоянию мира, игнорируются.
func (m *Mirror) Handle(f *protocol.Frame) error {
	switch f.Type {
	case protocol.MsgWorldSnapshot:
		var snap protocol.WorldSnapshot
		if err := f.Unmarshal(&snap); err != nil {
			return err
		}
		m.set.Replace(snap.Entities, snap.Tick)
		m.synced, m.waiting = true, false
		m.ack(snap.Tick)

	case protocol.MsgTickDeltas:
		var td protocol.TickDeltas
		if err := f.Unmarshal(&td); err != nil {
			return err
		}
		if !m.synced || m.waiting {
			return nil
		}
		if err := m.set.ApplyTick(td.PrevTick, td.Tick, td.Deltas); err != nil {
			if errors.Is(err, state.ErrResyncNeeded) {
				m.logger.Debug("🔄 %v", err)
			} else {
				m.logger.Warn("⚠️ Копия мира разошлась на тике %d: %v", td.Tick, err)
			}
			return m.requestResync()
		}
		m.ack(td.Tick)

	case protocol.MsgPositionBatch:
		var pb protocol.PositionBatch
		if err := f.Unmarshal(&pb); err != nil {
			return err
		}
		// позиции ненадёжны: устаревшие и пришедшие во время resync отбрасываются
		if !m.synced || m.waiting || pb.Tick < m.set.Tick() {
			return nil
		}
		for _, p := range pb.Positions {
			if m.set.Get(p.ID) == nil {
				continue
			}
			_ = m.set.Apply(state.EntityDelta{
				EntityID:   p.ID,
				Kind:       state.DeltaUpdated,
				SourceTick: m.set.Tick(),
				Changed:    state.Fields{state.FieldX: p.X, state.FieldY: p.Y, state.FieldZ: p.Z, state.FieldRot: p.Rotation},
			})
		}
	}
	return nil
}

func (m *Mirror) requestResync() error {
	m.waiting = true
	m.resyncs++
	fr, err := protocol.NewFrame(protocol.MsgResyncRequest, protocol.ResyncRequest{LastTick: m.set.Tick()})
	if err != nil {
		return err
	}
	if !m.out.TrySend(fr) {
		return errResyncNotSent
	}
	return nil
}

var errResyncNotSent = errors.New("replication: resync request not sent")

func (m *Mirror) ack(tickID uint64) {
	if fr, err := protocol.NewFrame(protocol.MsgTickAck, protocol.TickAck{Tick: tickID}); err == nil {
		m.out.TrySend(fr)
	}
}

// Tick последний применённый надёжный тик
func (m *Mirror) Tick() uint64 { return m.set.Tick() }

// Get сущность по id
func (m *Mirror) Get(id state.EntityID) *state.EntityState { return m.set.Get(id) }

// Entities все сущности в порядке id
func (m *Mirror) Entities() []*state.EntityState { return m.set.All() }

// Waiting копия ждёт снимка после запроса resync
func (m *Mirror) Waiting() bool { return m.waiting }

// Resyncs сколько раз запрашивался полный снимок
func (m *Mirror) Resyncs() int { return m.resyncs }
