// Package replication доставляет участникам результаты тиков и принимает их команды.
package replication

import (
	"math"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/config"
	"github.com/annel0/kmp-host/internal/logging"
	"github.com/annel0/kmp-host/internal/network"
	"github.com/annel0/kmp-host/internal/protocol"
	"github.com/annel0/kmp-host/internal/state"
	"github.com/annel0/kmp-host/internal/tick"
)

// Datagrams ненадёжный канал участника (UDP после привязки)
type Datagrams interface {
	SendTo(participantID string, f *protocol.Frame) bool
}

// FanoutConfig параметры рассылки
type FanoutConfig struct {
	DriftTolerance    uint64
	PositionThreshold float64
	RotationThreshold float64
}

// FanoutConfigFrom переносит значения из файла конфигурации
func FanoutConfigFrom(cfg config.ReplicationConfig) FanoutConfig {
	return FanoutConfig{
		DriftTolerance:    cfg.DriftToleranceTicks,
		PositionThreshold: cfg.PositionThreshold,
		RotationThreshold: cfg.RotationThreshold,
	}
}

type posRot struct {
	pos state.Vec3
	rot float64
}

// view состояние доставки одного участника
type view struct {
	pid           state.ParticipantID
	ch            network.NetChannel
	needsSnapshot bool
	visible       map[state.EntityID]struct{}
	sentPos       map[state.EntityID]posRot
	lastSent      uint64 // последний тик, отправленный надёжно
	observed      uint64 // последний тик, подтверждённый клиентом
}

// Fanout рассылает тики: снимок, надёжные дельты, пакет позиций и события.
// Реализует tick.Sink и tick.ResultSink, вызывается в тик-потоке и не блокируется.
type Fanout struct {
	cfg    FanoutConfig
	filter InterestFilter
	logger *logging.Logger

	mu    sync.Mutex
	views map[state.ParticipantID]*view
	udp   Datagrams
	names func(state.ParticipantID) string

	frames    *prometheus.CounterVec
	resyncs   *prometheus.CounterVec
	lostDrops prometheus.Counter
}

// NewFanout создаёт рассылку
func NewFanout(cfg FanoutConfig, filter InterestFilter, reg prometheus.Registerer) *Fanout {
	f := promauto.With(reg)
	return &Fanout{
		cfg:    cfg,
		filter: filter,
		logger: logging.GetReplicationLogger(),
		views:  make(map[state.ParticipantID]*view),
		names:  func(p state.ParticipantID) string { return string(p) },
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kmp", Subsystem: "replication", Name: "frames_total",
			Help: "Отправленные кадры репликации по типу",
		}, []string{"type"}),
		resyncs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kmp", Subsystem: "replication", Name: "snapshots_total",
			Help: "Полные снимки по причине",
		}, []string{"reason"}),
		lostDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kmp", Subsystem: "replication", Name: "reliable_overflow_total",
			Help: "Надёжные кадры, не поместившиеся в буфер (участник получит снимок)",
		}),
	}
}

// SetDatagrams подключает UDP канал
func (f *Fanout) SetDatagrams(d Datagrams) {
	f.mu.Lock()
	f.udp = d
	f.mu.Unlock()
}

// SetNames подключает справочник отображаемых имён
func (f *Fanout) SetNames(names func(state.ParticipantID) string) {
	f.mu.Lock()
	f.names = names
	f.mu.Unlock()
}

// Attach участник в мире: следующий тик отправит ему полный снимок
func (f *Fanout) Attach(p state.ParticipantID, ch network.NetChannel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.views[p] = &view{
		pid:           p,
		ch:            ch,
		needsSnapshot: true,
		visible:       map[state.EntityID]struct{}{},
		sentPos:       map[state.EntityID]posRot{},
	}
	f.resyncs.WithLabelValues("join").Inc()
}

// Detach прекращает рассылку участнику
func (f *Fanout) Detach(p state.ParticipantID) {
	f.mu.Lock()
	delete(f.views, p)
	f.mu.Unlock()
}

// Attached подключён ли участник к рассылке
func (f *Fanout) Attached(p state.ParticipantID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.views[p]
	return ok
}

// RequestSnapshot участник запросил полное состояние
func (f *Fanout) RequestSnapshot(p state.ParticipantID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.views[p]; ok {
		v.needsSnapshot = true
		f.resyncs.WithLabelValues("request").Inc()
	}
}

// Observe клиент применил тик
func (f *Fanout) Observe(p state.ParticipantID, tickID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.views[p]; ok && tickID > v.observed {
		v.observed = tickID
	}
}

// Send надёжно отправляет участнику одиночный кадр вне тика
func (f *Fanout) Send(p state.ParticipantID, fr *protocol.Frame) bool {
	f.mu.Lock()
	v, ok := f.views[p]
	f.mu.Unlock()
	if !ok {
		return false
	}
	return v.ch.TrySend(fr)
}

// OnTick рассылает опубликованный тик
func (f *Fanout) OnTick(wt *tick.WorldTick) {
	f.mu.Lock()
	defer f.mu.Unlock()

	byID := make(map[state.EntityID]*state.EntityState, len(wt.Entities))
	for _, e := range wt.Entities {
		byID[e.ID] = e
	}

	pids := make([]state.ParticipantID, 0, len(f.views))
	for p := range f.views {
		pids = append(pids, p)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	for _, p := range pids {
		v := f.views[p]
		if !v.needsSnapshot && f.cfg.DriftTolerance > 0 && v.lastSent > v.observed+f.cfg.DriftTolerance {
			f.logger.Debug("Участник %s отстал: отправлено %d, подтверждено %d", p, v.lastSent, v.observed)
			v.needsSnapshot = true
			f.resyncs.WithLabelValues("drift").Inc()
		}
		if v.needsSnapshot {
			f.sendSnapshot(v, wt)
		} else {
			f.sendDeltas(v, wt, byID)
		}
		f.sendEvents(v, wt)
	}
}

func (f *Fanout) sendSnapshot(v *view, wt *tick.WorldTick) {
	visible := f.filter.Visible(v.pid, wt.Entities)
	entities := make([]*state.EntityState, 0, len(visible))
	for _, e := range wt.Entities {
		if _, ok := visible[e.ID]; ok {
			entities = append(entities, e)
		}
	}
	fr, err := protocol.NewFrame(protocol.MsgWorldSnapshot, protocol.WorldSnapshot{Tick: wt.TickID, Entities: entities})
	if err != nil {
		f.logger.Error("❌ Снимок для %s: %v", v.pid, err)
		return
	}
	fr.Tick = wt.TickID
	if !v.ch.TrySend(fr) {
		f.lostDrops.Inc()
		return // попробуем на следующем тике
	}
	f.frames.WithLabelValues("snapshot").Inc()

	v.needsSnapshot = false
	v.visible = make(map[state.EntityID]struct{}, len(entities))
	v.sentPos = make(map[state.EntityID]posRot, len(entities))
	for _, e := range entities {
		v.visible[e.ID] = struct{}{}
		v.sentPos[e.ID] = posRot{e.Position, e.Rotation}
	}
	v.lastSent = wt.TickID
	v.observed = wt.TickID
}

func (f *Fanout) sendDeltas(v *view, wt *tick.WorldTick, byID map[state.EntityID]*state.EntityState) {
	now := f.filter.Visible(v.pid, wt.Entities)
	var reliable []state.EntityDelta

	// сущности, вошедшие в зону интереса, приходят целиком
	for _, id := range sortedIDs(now) {
		if _, was := v.visible[id]; !was {
			e := now[id]
			reliable = append(reliable, state.FullDelta(e, wt.TickID))
			v.sentPos[id] = posRot{e.Position, e.Rotation}
		}
	}
	// покинувшие зону или уничтоженные
	for _, id := range sortedIDs(v.visible) {
		if _, still := now[id]; !still {
			reliable = append(reliable, state.EntityDelta{EntityID: id, Kind: state.DeltaDestroyed, SourceTick: wt.TickID})
			delete(v.sentPos, id)
		}
	}

	moved := map[state.EntityID]struct{}{}
	for _, d := range wt.Deltas {
		if _, was := v.visible[d.EntityID]; !was {
			continue
		}
		if _, still := now[d.EntityID]; !still {
			continue
		}
		t0, rel := d.Split()
		if len(rel.Changed) > 0 {
			reliable = append(reliable, rel)
		}
		if len(t0.Changed) > 0 {
			moved[d.EntityID] = struct{}{}
		}
	}

	var positions []protocol.PositionEntry
	for _, id := range sortedIDs(moved) {
		e := byID[id]
		last := v.sentPos[id]
		if e.Position.Dist(last.pos) < f.cfg.PositionThreshold && math.Abs(e.Rotation-last.rot) < f.cfg.RotationThreshold {
			continue
		}
		v.sentPos[id] = posRot{e.Position, e.Rotation}
		positions = append(positions, protocol.PositionEntry{ID: id, X: e.Position.X, Y: e.Position.Y, Z: e.Position.Z, Rotation: e.Rotation})
	}

	v.visible = make(map[state.EntityID]struct{}, len(now))
	for id := range now {
		v.visible[id] = struct{}{}
	}

	if len(reliable) > 0 {
		fr, err := protocol.NewFrame(protocol.MsgTickDeltas, protocol.TickDeltas{PrevTick: v.lastSent, Tick: wt.TickID, Deltas: reliable})
		if err != nil {
			f.logger.Error("❌ Дельты для %s: %v", v.pid, err)
			return
		}
		fr.Tick = wt.TickID
		if v.ch.TrySend(fr) {
			v.lastSent = wt.TickID
			f.frames.WithLabelValues("deltas").Inc()
		} else {
			// дельта потеряна: восстановим состояние снимком
			f.lostDrops.Inc()
			v.needsSnapshot = true
			f.resyncs.WithLabelValues("overflow").Inc()
		}
	}

	if len(positions) > 0 {
		fr, err := protocol.NewFrame(protocol.MsgPositionBatch, protocol.PositionBatch{Tick: wt.TickID, Positions: positions})
		if err != nil {
			return
		}
		fr.Tick = wt.TickID
		fr.Flags &^= protocol.FlagReliable
		if f.udp != nil && f.udp.SendTo(string(v.pid), fr) {
			f.frames.WithLabelValues("positions_udp").Inc()
			return
		}
		if v.ch.TrySend(fr) {
			f.frames.WithLabelValues("positions").Inc()
		}
	}
}

func (f *Fanout) sendEvents(v *view, wt *tick.WorldTick) {
	var anchors []state.Vec3
	anchorsReady := false

	for _, ev := range wt.Events {
		switch ev.Scope {
		case authority.ScopeParticipants:
			if !containsParticipant(ev.Participants, v.pid) {
				continue
			}
		case authority.ScopeNear:
			if !anchorsReady {
				anchors = f.filter.Anchors(v.pid, wt.Entities)
				anchorsReady = true
			}
			if !f.filter.InRange(anchors, ev.Position) && !containsParticipant(ev.Participants, v.pid) {
				continue
			}
		}

		fr, err := f.eventFrame(wt.TickID, ev)
		if err != nil {
			f.logger.Warn("⚠️ Событие %s: %v", ev.Kind, err)
			continue
		}
		fr.Tick = wt.TickID
		if !v.ch.TrySend(fr) {
			f.lostDrops.Inc()
			continue
		}
		f.frames.WithLabelValues("event").Inc()
	}
}

// eventFrame переводит событие тика в сообщение протокола
func (f *Fanout) eventFrame(tickID uint64, ev authority.Event) (*protocol.Frame, error) {
	switch ev.Kind {
	case authority.EventTimeSync:
		var ts protocol.TimeSync
		if err := protocol.FromEventData(ev.Data, &ts); err != nil {
			return nil, err
		}
		fr, err := protocol.NewFrame(protocol.MsgTimeSync, ts)
		if err == nil {
			fr.Flags &^= protocol.FlagReliable
		}
		return fr, err
	case authority.EventChat:
		from, _ := ev.Data["from"].(string)
		text, _ := ev.Data["text"].(string)
		return protocol.NewFrame(protocol.MsgChatBroadcast, protocol.ChatBroadcast{
			From: state.ParticipantID(from), Name: f.names(state.ParticipantID(from)), Text: text,
		})
	case authority.EventPlayerJoined:
		var pj protocol.PlayerJoined
		if err := protocol.FromEventData(ev.Data, &pj); err != nil {
			return nil, err
		}
		return protocol.NewFrame(protocol.MsgPlayerJoined, pj)
	case authority.EventPlayerLeft:
		var pl protocol.PlayerLeft
		if err := protocol.FromEventData(ev.Data, &pl); err != nil {
			return nil, err
		}
		return protocol.NewFrame(protocol.MsgPlayerLeft, pl)
	case authority.EventSystem:
		if text, ok := ev.Data["text"].(string); ok {
			return protocol.NewFrame(protocol.MsgSystem, protocol.System{Text: text})
		}
	}
	return protocol.NewFrame(protocol.MsgEvent, protocol.Event{Tick: tickID, Kind: ev.Kind, Priority: ev.Priority, Data: ev.Data})
}

// OnResult отправляет CommandResult. Успешные команды без номера кадра
// (потоковые PositionUpdate) не подтверждаются.
func (f *Fanout) OnResult(env authority.Envelope, out authority.Outcome) {
	if out.Ok() && env.ClientSeq == 0 {
		return
	}
	res := protocol.CommandResult{Seq: env.ClientSeq, Tick: env.ArrivalTick, Ok: out.Ok()}
	switch {
	case out.Rejection != nil:
		res.Reason = out.Rejection.Reason.String()
		res.Code = uint16(out.Rejection.Reason)
		res.Message = out.Rejection.Message
	case out.Err != nil:
		res.Reason = "Internal"
		res.Message = "internal error"
	}
	fr, err := protocol.NewFrame(protocol.MsgCommandResult, res)
	if err != nil {
		return
	}
	if f.Send(env.Requester, fr) {
		f.frames.WithLabelValues("result").Inc()
	}
}

func containsParticipant(list []state.ParticipantID, p state.ParticipantID) bool {
	for _, x := range list {
		if x == p {
			return true
		}
	}
	return false
}

func sortedIDs[V any](m map[state.EntityID]V) []state.EntityID {
	ids := make([]state.EntityID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
