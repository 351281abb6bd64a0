package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/annel0/kmp-host/internal/auth"
	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/errs"
	"github.com/annel0/kmp-host/internal/logging"
	"github.com/annel0/kmp-host/internal/network"
	"github.com/annel0/kmp-host/internal/protocol"
	"github.com/annel0/kmp-host/internal/state"
	"github.com/annel0/kmp-host/internal/tick"
)

// Engine часть тик-движка, нужная сессии
type Engine interface {
	Enqueue(env authority.Envelope) error
	Announce(ev authority.Event)
	TickID() uint64
	Latest() *tick.WorldTick
}

// Replicator исходящая сторона репликации
type Replicator interface {
	Attach(p state.ParticipantID, ch network.NetChannel)
	Detach(p state.ParticipantID)
}

// PlayerStore сохранения игроков (persistence)
type PlayerStore interface {
	SavePlayer(ctx context.Context, pid state.ParticipantID, name string, entities []*state.EntityState) error
	LoadPlayer(ctx context.Context, pid state.ParticipantID) (string, []*state.EntityState, error)
}

// Unbinder снимает привязку UDP адреса
type Unbinder interface {
	Unbind(participantID string)
}

var (
	ErrNotFound = errors.New("session: participant not found")
	ErrClosed   = errors.New("session: closed")
)

// Manager реализует replication.Sessions и административные операции.
// Рукопожатия идут из горутин соединений, решения о входе принимает тик-поток.
type Manager struct {
	cfg    Config
	engine Engine
	fanout Replicator
	tokens *auth.TokenIssuer
	gate   *auth.PasswordGate
	store  PlayerStore
	udp    Unbinder
	logger *logging.Logger
	now    func() time.Time

	mu           sync.Mutex
	session      Session
	participants map[state.ParticipantID]*Participant
	pending      map[string]*Participant // Connecting: соединение есть, рукопожатие не проверено
	banned       map[string]struct{}
	kicked       map[string]time.Time
	listeners    []func(Lifecycle)

	handshakes *prometheus.CounterVec
	stateGauge *prometheus.GaugeVec
}

// Option настройка менеджера
type Option func(*Manager)

// WithPlayerStore подключает сохранения игроков
func WithPlayerStore(s PlayerStore) Option { return func(m *Manager) { m.store = s } }

// WithUDP подключает UDP точку для снятия привязок
func WithUDP(u Unbinder) Option { return func(m *Manager) { m.udp = u } }

// WithClock подменяет часы (тесты)
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithRegistry регистрирует метрики
func WithRegistry(reg prometheus.Registerer) Option {
	return func(m *Manager) { m.registerMetrics(reg) }
}

// NewManager создаёт менеджер сессии
func NewManager(cfg Config, engine Engine, fanout Replicator, tokens *auth.TokenIssuer, gate *auth.PasswordGate, opts ...Option) *Manager {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.MaxNameLength <= 0 {
		cfg.MaxNameLength = 31
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = 20
	}
	m := &Manager{
		cfg:          cfg,
		engine:       engine,
		fanout:       fanout,
		tokens:       tokens,
		gate:         gate,
		logger:       logging.GetSessionLogger(),
		now:          time.Now,
		participants: make(map[state.ParticipantID]*Participant),
		pending:      make(map[string]*Participant),
		banned:       make(map[string]struct{}),
		kicked:       make(map[string]time.Time),
	}
	m.registerMetrics(nil)
	for _, opt := range opts {
		opt(m)
	}
	m.session = Session{SessionID: cfg.SessionID, WorldHash: cfg.WorldHash, State: Lobby, StartedAt: m.now()}
	return m
}

func (m *Manager) registerMetrics(reg prometheus.Registerer) {
	f := promauto.With(reg)
	m.handshakes = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kmp", Subsystem: "session", Name: "handshakes_total",
		Help: "Рукопожатия по результату",
	}, []string{"result"})
	m.stateGauge = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kmp", Subsystem: "session", Name: "participants",
		Help: "Участники по состоянию",
	}, []string{"state"})
}

// OnLifecycle подписка на смену состояний участников
func (m *Manager) OnLifecycle(fn func(Lifecycle)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) notify(kind LifecycleKind, p state.ParticipantID, name, reason string) {
	m.mu.Lock()
	listeners := append([]func(Lifecycle){}, m.listeners...)
	m.mu.Unlock()
	ev := Lifecycle{Kind: kind, SessionID: m.cfg.SessionID, ParticipantID: p, Name: name, Reason: reason, At: m.now()}
	for _, fn := range listeners {
		fn(ev)
	}
}

// SessionID идентификатор сессии
func (m *Manager) SessionID() string { return m.cfg.SessionID }

// WorldHash хеш мира, с которым должны совпадать клиенты
func (m *Manager) WorldHash() string { return m.cfg.WorldHash }

// rejection ошибка рукопожатия с кодом отказа
type rejection struct {
	code   protocol.RejectCode
	reason string
	kind   errs.Kind
}

func reject(code protocol.RejectCode, kind errs.Kind, format string, args ...interface{}) *rejection {
	return &rejection{code: code, kind: kind, reason: fmt.Sprintf(format, args...)}
}

func (m *Manager) sendReject(ch network.NetChannel, r *rejection) error {
	m.handshakes.WithLabelValues(r.code.String()).Inc()
	if f, err := protocol.NewFrame(protocol.MsgHandshakeReject, protocol.HandshakeReject{Code: r.code, Reason: r.reason}); err == nil {
		ch.TrySend(f)
	}
	ch.Shutdown(time.Second)
	return errs.New(r.kind, uint16(r.code), r.reason)
}

// Accept соединение принято, рукопожатие ещё не проверено
func (m *Manager) Accept(ch network.NetChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[ch.ID()] = &Participant{State: Connecting, ConnID: ch.ID(), lastSeen: m.now(), ch: ch}
	m.updateGaugesLocked()
}

// Abandon соединение вышло из Connecting: рукопожатие проверено, отклонено или не пришло
func (m *Manager) Abandon(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[connID]; ok {
		delete(m.pending, connID)
		m.updateGaugesLocked()
	}
}

// Handshake проверяет рукопожатие и ставит в очередь вход участника в мир.
// HandshakeAck уходит из тик-потока, когда команда входа применена.
func (m *Manager) Handshake(ctx context.Context, ch network.NetChannel, hs protocol.Handshake) (state.ParticipantID, error) {
	defer m.Abandon(ch.ID())
	name := strings.TrimSpace(hs.Name)
	if r := m.validate(hs, name); r != nil {
		m.logger.Info("🚫 %s (%s): %s", name, ch.RemoteAddr(), r.reason)
		return "", m.sendReject(ch, r)
	}

	if hs.Token != "" {
		pid, r := m.reconnect(ctx, ch, hs)
		if r != nil {
			m.logger.Info("🚫 Переподключение %s отклонено: %s", name, r.reason)
			return "", m.sendReject(ch, r)
		}
		return pid, nil
	}

	pid, r := m.admit(ch, hs, name)
	if r != nil {
		m.logger.Info("🚫 %s (%s): %s", name, ch.RemoteAddr(), r.reason)
		return "", m.sendReject(ch, r)
	}
	return pid, nil
}

func (m *Manager) validate(hs protocol.Handshake, name string) *rejection {
	if hs.Version != m.cfg.ProtocolVersion {
		return reject(protocol.RejectVersionMismatch, errs.Version, "protocol version %d, server expects %d", hs.Version, m.cfg.ProtocolVersion)
	}
	if m.cfg.WorldHash != "" && hs.WorldHash != m.cfg.WorldHash {
		return reject(protocol.RejectWorldMismatch, errs.Version, "world hash mismatch")
	}
	if !m.gate.Allow(hs.Password) {
		return reject(protocol.RejectBadPassword, errs.Auth, "wrong server password")
	}
	if n := utf8.RuneCountInString(name); n < 1 || n > m.cfg.MaxNameLength {
		return reject(protocol.RejectInvalidName, errs.Validation, "name must be 1..%d characters", m.cfg.MaxNameLength)
	}
	return nil
}

// blocked проверяет бан и недавний kick. Вызывается под m.mu.
func (m *Manager) blocked(name string) bool {
	key := strings.ToLower(name)
	if _, ok := m.banned[key]; ok {
		return true
	}
	if until, ok := m.kicked[key]; ok {
		if m.now().Before(until) {
			return true
		}
		delete(m.kicked, key)
	}
	return false
}

// active участники, занимающие слот. Вызывается под m.mu.
func (m *Manager) active() int {
	n := 0
	for _, p := range m.participants {
		if p.State != Removed {
			n++
		}
	}
	return n
}

func (m *Manager) admit(ch network.NetChannel, hs protocol.Handshake, name string) (state.ParticipantID, *rejection) {
	m.mu.Lock()
	if m.session.State == Closed {
		m.mu.Unlock()
		return "", reject(protocol.RejectOther, errs.State, "session closed")
	}
	if m.cfg.MaxParticipants > 0 && m.active() >= m.cfg.MaxParticipants {
		m.mu.Unlock()
		return "", reject(protocol.RejectServerFull, errs.Resource, "server full (%d/%d)", m.active(), m.cfg.MaxParticipants)
	}
	if m.blocked(name) {
		m.mu.Unlock()
		return "", reject(protocol.RejectBanned, errs.Auth, "banned")
	}
	for _, other := range m.participants {
		if strings.EqualFold(other.DisplayName, name) {
			m.mu.Unlock()
			return "", reject(protocol.RejectInvalidName, errs.Validation, "name %q is taken", name)
		}
	}

	pid := state.ParticipantID("p-" + uuid.NewString())
	token, err := m.tokens.IssueReconnect(string(pid), name, m.cfg.SessionID, m.cfg.TokenTTL)
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("❌ Токен для %s: %v", name, err)
		return "", reject(protocol.RejectOther, errs.Internal, "internal error")
	}
	p := &Participant{
		ID:          pid,
		DisplayName: name,
		Token:       token,
		Version:     hs.Version,
		State:       Authenticated,
		ConnID:      ch.ID(),
		lastSeen:    m.now(),
		udpNonce:    uuid.NewString(),
		ch:          ch,
	}
	m.participants[pid] = p
	m.session.ParticipantIDs = append(m.session.ParticipantIDs, pid)
	if m.session.HostParticipantID == "" {
		m.session.HostParticipantID = pid
	}
	spawn := m.cfg.SpawnPoint
	spawn.X += float64(len(m.session.ParticipantIDs)-1) * 2
	m.mu.Unlock()

	avatar := state.EntityState{
		Type:      state.EntityPlayer,
		Position:  spawn,
		Health:    100,
		MaxHealth: 100,
		Owner:     pid,
		Data: map[string]any{
			state.DataName:       name,
			state.DataController: state.ControllerHuman,
			state.DataAttack:     10.0,
			state.DataInventory:  map[string]any{},
		},
	}
	err = m.engine.Enqueue(authority.Envelope{
		Command:   authority.Spawn{Entity: avatar},
		Requester: state.ServerOwner,
		Done:      func(out authority.Outcome) { m.entered(pid, ch, out, false) },
	})
	if err != nil {
		m.forget(pid)
		return "", reject(protocol.RejectOther, errs.Resource, "server busy")
	}
	m.logger.Info("🤝 %s (%s) принят как %s, ждём появления аватара", name, ch.RemoteAddr(), pid)
	return pid, nil
}

func (m *Manager) reconnect(ctx context.Context, ch network.NetChannel, hs protocol.Handshake) (state.ParticipantID, *rejection) {
	claims, err := m.tokens.ValidateReconnect(hs.Token, m.cfg.SessionID)
	if err != nil {
		return "", reject(protocol.RejectBadToken, errs.Auth, "reconnect token invalid or expired")
	}
	pid := state.ParticipantID(claims.ParticipantID)

	m.mu.Lock()
	p, ok := m.participants[pid]
	if ok && m.blocked(p.DisplayName) {
		m.mu.Unlock()
		return "", reject(protocol.RejectBanned, errs.Auth, "banned")
	}
	if !ok {
		m.mu.Unlock()
		return m.restore(ctx, ch, hs, claims)
	}
	if p.State == Removed {
		m.mu.Unlock()
		return "", reject(protocol.RejectBadToken, errs.Auth, "grace period expired")
	}
	old := p.ch
	p.State = Authenticated
	p.ch = ch
	p.ConnID = ch.ID()
	p.Version = hs.Version
	p.lastSeen = m.now()
	p.udpNonce = uuid.NewString()
	p.DisconnectedAt = time.Time{}
	p.GraceDeadline = time.Time{}
	entities := append([]state.EntityID(nil), p.Entities...)
	m.mu.Unlock()

	if old != nil && old != ch {
		// полуоткрытое старое соединение: новое забирает участника
		m.fanout.Detach(pid)
		old.Close()
	}

	err = m.engine.Enqueue(authority.Envelope{
		Command:   authority.SetControl{Entities: entities, Controller: state.ControllerHuman},
		Requester: state.ServerOwner,
		Done:      func(out authority.Outcome) { m.entered(pid, ch, out, true) },
	})
	if err != nil {
		return "", reject(protocol.RejectOther, errs.Resource, "server busy")
	}
	m.logger.Info("🔁 %s переподключается (%s)", pid, ch.RemoteAddr())
	return pid, nil
}

// restore переподключение после перезапуска хоста: участник поднимается из PlayerSave
func (m *Manager) restore(ctx context.Context, ch network.NetChannel, hs protocol.Handshake, claims *auth.Claims) (state.ParticipantID, *rejection) {
	if m.store == nil {
		return "", reject(protocol.RejectBadToken, errs.Auth, "unknown participant")
	}
	pid := state.ParticipantID(claims.ParticipantID)
	name, saved, err := m.store.LoadPlayer(ctx, pid)
	if err != nil || len(saved) == 0 {
		return "", reject(protocol.RejectBadToken, errs.Auth, "no saved state for participant")
	}

	m.mu.Lock()
	if m.cfg.MaxParticipants > 0 && m.active() >= m.cfg.MaxParticipants {
		m.mu.Unlock()
		return "", reject(protocol.RejectServerFull, errs.Resource, "server full")
	}
	if m.blocked(name) {
		m.mu.Unlock()
		return "", reject(protocol.RejectBanned, errs.Auth, "banned")
	}
	token, err := m.tokens.IssueReconnect(string(pid), name, m.cfg.SessionID, m.cfg.TokenTTL)
	if err != nil {
		m.mu.Unlock()
		return "", reject(protocol.RejectOther, errs.Internal, "internal error")
	}
	m.participants[pid] = &Participant{
		ID:          pid,
		DisplayName: name,
		Token:       token,
		Version:     hs.Version,
		State:       Authenticated,
		ConnID:      ch.ID(),
		lastSeen:    m.now(),
		udpNonce:    uuid.NewString(),
		ch:          ch,
	}
	m.session.ParticipantIDs = append(m.session.ParticipantIDs, pid)
	if m.session.HostParticipantID == "" {
		m.session.HostParticipantID = pid
	}
	m.mu.Unlock()

	// несколько Spawn применяются в одном тике по порядку; вход завершает последний
	var created []state.EntityID
	for i, e := range saved {
		e := e.Clone()
		e.Owner = pid
		if e.Data == nil {
			e.Data = map[string]any{}
		}
		e.Data[state.DataController] = state.ControllerHuman
		last := i == len(saved)-1
		env := authority.Envelope{Command: authority.Spawn{Entity: *e}, Requester: state.ServerOwner}
		env.Done = func(out authority.Outcome) {
			created = append(created, out.Created...)
			if last {
				out.Created = created
				m.entered(pid, ch, out, true)
			}
		}
		if err := m.engine.Enqueue(env); err != nil {
			m.forget(pid)
			return "", reject(protocol.RejectOther, errs.Resource, "server busy")
		}
	}
	m.logger.Info("📂 %s (%s) восстановлен из сохранения", name, pid)
	return pid, nil
}

// entered вызывается в тик-потоке после команды входа
func (m *Manager) entered(pid state.ParticipantID, ch network.NetChannel, out authority.Outcome, rejoin bool) {
	m.mu.Lock()
	p, ok := m.participants[pid]
	if !ok || p.ch != ch || p.State != Authenticated {
		m.mu.Unlock()
		return // соединение ушло раньше, чем тик применил вход
	}
	if !out.Ok() {
		if !rejoin {
			m.dropLocked(pid)
		}
		m.mu.Unlock()
		m.logger.Error("❌ Вход %s не применён: %v", pid, outcomeErr(out))
		m.sendReject(ch, reject(protocol.RejectOther, errs.Internal, "could not enter world"))
		return
	}
	if len(out.Created) > 0 {
		p.Entities = append([]state.EntityID(nil), out.Created...)
	}
	p.State = InWorld
	if m.session.State == Lobby {
		m.session.State = Playing
	}
	ack := protocol.HandshakeAck{
		ParticipantID:   pid,
		SessionID:       m.cfg.SessionID,
		WorldHash:       m.cfg.WorldHash,
		CurrentTick:     m.engine.TickID() + 1,
		Token:           p.Token,
		Entities:        append([]state.EntityID(nil), p.Entities...),
		Host:            m.session.HostParticipantID == pid,
		TickRate:        m.cfg.TickRate,
		MaxParticipants: m.cfg.MaxParticipants,
		UDPNonce:        p.udpNonce,
	}
	name := p.DisplayName
	m.updateGaugesLocked()
	m.mu.Unlock()

	if f, err := protocol.NewFrame(protocol.MsgHandshakeAck, ack); err == nil {
		ch.TrySend(f)
	}
	// снимок уйдёт в этом же тике: Attach выполняется до рассылки
	m.fanout.Attach(pid, ch)
	m.engine.Announce(authority.Broadcast(authority.EventPlayerJoined, protocol.EventData(protocol.PlayerJoined{
		ParticipantID: pid, Name: name, Entities: ack.Entities,
	})))

	if rejoin {
		m.handshakes.WithLabelValues("reconnected").Inc()
		m.logger.Info("✅ %s (%s) снова в мире, сущности %v", name, pid, ack.Entities)
		m.notify(LifecycleReconnected, pid, name, "")
	} else {
		m.handshakes.WithLabelValues("joined").Inc()
		m.logger.Info("✅ %s (%s) вошёл в мир, сущности %v", name, pid, ack.Entities)
		m.notify(LifecycleJoined, pid, name, "")
	}
}

func outcomeErr(out authority.Outcome) error {
	if out.Rejection != nil {
		return out.Rejection
	}
	return out.Err
}

// Touch активность участника
func (m *Manager) Touch(p state.ParticipantID) {
	m.mu.Lock()
	if part, ok := m.participants[p]; ok {
		part.lastSeen = m.now()
	}
	m.mu.Unlock()
}

// VerifyUDP nonce из HandshakeAck
func (m *Manager) VerifyUDP(p state.ParticipantID, nonce string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	part, ok := m.participants[p]
	return ok && part.State == InWorld && nonce != "" && part.udpNonce == nonce
}

// ConnectionLost соединение участника оборвалось: начинается период ожидания
func (m *Manager) ConnectionLost(pid state.ParticipantID, connID string) {
	m.mu.Lock()
	p, ok := m.participants[pid]
	if !ok || p.ConnID != connID || (p.State != InWorld && p.State != Authenticated) {
		m.mu.Unlock()
		return
	}
	now := m.now()
	p.State = Disconnected
	p.DisconnectedAt = now
	p.GraceDeadline = now.Add(m.cfg.Grace)
	p.ch = nil
	deadline := p.GraceDeadline
	name := p.DisplayName
	entities := append([]state.EntityID(nil), p.Entities...)
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.fanout.Detach(pid)
	if m.udp != nil {
		m.udp.Unbind(string(pid))
	}
	if len(entities) > 0 {
		m.enqueueServer(authority.SetControl{Entities: entities, Controller: state.ControllerAI, InvulnerableTicks: m.cfg.InvulnerableTicks})
	}
	m.enqueueServer(authority.CancelParticipantTrades{Participant: pid})
	m.engine.Announce(authority.Broadcast(authority.EventSystem, map[string]any{"text": name + " lost connection"}))
	m.saveAsync(pid, name, entities)

	m.logger.Info("🔌 %s (%s) отключился, ожидание до %s", name, pid, deadline.Format(time.TimeOnly))
	m.notify(LifecycleDisconnected, pid, name, "connection lost")
}

func (m *Manager) enqueueServer(cmd authority.Command) {
	if err := m.engine.Enqueue(authority.Envelope{Command: cmd, Requester: state.ServerOwner}); err != nil {
		m.logger.Error("❌ Не удалось поставить %s в очередь: %v", cmd.Kind(), err)
	}
}

// states снимки сущностей из последнего опубликованного тика
func (m *Manager) states(ids []state.EntityID) []*state.EntityState {
	wt := m.engine.Latest()
	if wt == nil {
		return nil
	}
	want := make(map[state.EntityID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []*state.EntityState
	for _, e := range wt.Entities {
		if _, ok := want[e.ID]; ok {
			out = append(out, e.Clone())
		}
	}
	return out
}

func (m *Manager) saveAsync(pid state.ParticipantID, name string, ids []state.EntityID) {
	if m.store == nil || len(ids) == 0 {
		return
	}
	m.saveStates(pid, name, m.states(ids))
}

func (m *Manager) saveStates(pid state.ParticipantID, name string, entities []*state.EntityState) {
	if m.store == nil || len(entities) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.store.SavePlayer(ctx, pid, name, entities); err != nil {
			m.logger.Error("❌ Сохранение игрока %s: %v", pid, err)
		}
	}()
}

// OnResult учитывает членов отряда, созданных и убранных по запросу участника
func (m *Manager) OnResult(env authority.Envelope, out authority.Outcome) {
	if !out.Ok() {
		return
	}
	switch cmd := env.Command.(type) {
	case authority.SpawnRequest:
		m.mu.Lock()
		if p, ok := m.participants[env.Requester]; ok {
			p.Entities = append(p.Entities, out.Created...)
		}
		m.mu.Unlock()
	case authority.DespawnRequest:
		gone := make(map[state.EntityID]struct{}, len(cmd.Entities))
		for _, id := range cmd.Entities {
			gone[id] = struct{}{}
		}
		m.mu.Lock()
		if p, ok := m.participants[env.Requester]; ok {
			kept := p.Entities[:0]
			for _, id := range p.Entities {
				if _, drop := gone[id]; !drop {
					kept = append(kept, id)
				}
			}
			p.Entities = kept
		}
		m.mu.Unlock()
	}
}

// forget удаляет участника, так и не вошедшего в мир
func (m *Manager) forget(pid state.ParticipantID) {
	m.mu.Lock()
	m.dropLocked(pid)
	m.mu.Unlock()
}

func (m *Manager) dropLocked(pid state.ParticipantID) {
	delete(m.participants, pid)
	ids := m.session.ParticipantIDs[:0]
	for _, id := range m.session.ParticipantIDs {
		if id != pid {
			ids = append(ids, id)
		}
	}
	m.session.ParticipantIDs = ids
	if m.session.HostParticipantID == pid {
		m.session.HostParticipantID = ""
		if len(ids) > 0 {
			m.session.HostParticipantID = ids[0]
		}
	}
	m.updateGaugesLocked()
}

func (m *Manager) updateGaugesLocked() {
	counts := map[ParticipantState]int{}
	for _, p := range m.participants {
		counts[p.State]++
	}
	counts[Connecting] += len(m.pending)
	for _, s := range []ParticipantState{Connecting, Authenticated, InWorld, Disconnected} {
		m.stateGauge.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// Kick удаляет участника без периода ожидания
func (m *Manager) Kick(pid state.ParticipantID, reason string) error {
	if reason == "" {
		reason = "Kicked by admin"
	}
	m.mu.Lock()
	p, ok := m.participants[pid]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	name := p.DisplayName
	ch := p.ch
	entities := append([]state.EntityID(nil), p.Entities...)
	p.State = Removed
	m.kicked[strings.ToLower(name)] = m.now().Add(m.cfg.KickCooldown)
	m.dropLocked(pid)
	m.mu.Unlock()

	m.fanout.Detach(pid)
	if m.udp != nil {
		m.udp.Unbind(string(pid))
	}
	if ch != nil {
		if f, err := protocol.NewFrame(protocol.MsgDisconnect, protocol.Disconnect{Reason: reason}); err == nil {
			ch.TrySend(f)
		}
		ch.Shutdown(time.Second)
	}
	m.saveAsync(pid, name, entities)
	m.enqueueServer(authority.CancelParticipantTrades{Participant: pid})
	if len(entities) > 0 {
		m.enqueueServer(authority.Despawn{Entities: entities})
	}
	m.engine.Announce(authority.Broadcast(authority.EventSystem, map[string]any{"text": name + " was kicked: " + reason}))
	m.engine.Announce(authority.Broadcast(authority.EventPlayerLeft, protocol.EventData(protocol.PlayerLeft{
		ParticipantID: pid, Name: name, Reason: protocol.LeaveKicked,
	})))

	m.logger.Info("👢 %s (%s) исключён: %s", name, pid, reason)
	m.notify(LifecycleKicked, pid, name, reason)
	return nil
}

// Ban запрещает вход с именем и исключает текущего участника с этим именем
func (m *Manager) Ban(name string) {
	key := strings.ToLower(strings.TrimSpace(name))
	m.mu.Lock()
	m.banned[key] = struct{}{}
	var victims []state.ParticipantID
	for id, p := range m.participants {
		if strings.ToLower(p.DisplayName) == key {
			victims = append(victims, id)
		}
	}
	m.mu.Unlock()

	m.logger.Info("⛔ Имя %q заблокировано", name)
	for _, id := range victims {
		m.Kick(id, "banned")
	}
}

// Unban снимает блокировку имени
func (m *Manager) Unban(name string) {
	m.mu.Lock()
	delete(m.banned, strings.ToLower(strings.TrimSpace(name)))
	m.mu.Unlock()
}

// Say системное сообщение всем
func (m *Manager) Say(text string) {
	m.logger.Info("[System] %s", text)
	m.engine.Announce(authority.Broadcast(authority.EventSystem, map[string]any{"text": text}))
}

// List участники в порядке входа
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.participants))
	for _, id := range m.session.ParticipantIDs {
		p, ok := m.participants[id]
		if !ok {
			continue
		}
		info := Info{
			ID:       p.ID,
			Name:     p.DisplayName,
			State:    p.State.String(),
			Host:     m.session.HostParticipantID == p.ID,
			Entities: append([]state.EntityID(nil), p.Entities...),
			LastSeen: p.lastSeen,
		}
		if p.ch != nil {
			info.Transport = p.ch.Type().String()
			info.RemoteAddr = p.ch.RemoteAddr()
		}
		if p.State == Disconnected {
			deadline := p.GraceDeadline
			info.GraceDeadline = &deadline
		}
		out = append(out, info)
	}
	conns := make([]string, 0, len(m.pending))
	for id := range m.pending {
		conns = append(conns, id)
	}
	sort.Strings(conns)
	for _, id := range conns {
		p := m.pending[id]
		out = append(out, Info{
			State:      p.State.String(),
			Transport:  p.ch.Type().String(),
			RemoteAddr: p.ch.RemoteAddr(),
			LastSeen:   p.lastSeen,
		})
	}
	return out
}

// Lookup участник по id
func (m *Manager) Lookup(pid state.ParticipantID) (Info, bool) {
	for _, info := range m.List() {
		if info.ID == pid {
			return info, true
		}
	}
	return Info{}, false
}

// Name отображаемое имя участника (для ChatBroadcast)
func (m *Manager) Name(pid state.ParticipantID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.participants[pid]; ok {
		return p.DisplayName
	}
	return string(pid)
}

// Snapshot копия сведений о сессии
func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	s.ParticipantIDs = append([]state.ParticipantID(nil), m.session.ParticipantIDs...)
	return s
}

// SetPaused переключает Playing/Paused вместе с тик-движком
func (m *Manager) SetPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case paused && m.session.State == Playing:
		m.session.State = Paused
	case !paused && m.session.State == Paused:
		m.session.State = Playing
	}
}

// Close закрывает сессию: всем участникам уходит Disconnect, игроки сохраняются
func (m *Manager) Close(reason string) {
	m.mu.Lock()
	if m.session.State == Closed {
		m.mu.Unlock()
		return
	}
	m.session.State = Closed
	type leaving struct {
		id       state.ParticipantID
		name     string
		ch       network.NetChannel
		entities []state.EntityID
	}
	var all []leaving
	for _, p := range m.participants {
		all = append(all, leaving{p.ID, p.DisplayName, p.ch, append([]state.EntityID(nil), p.Entities...)})
		p.ch = nil
		p.State = Removed
	}
	for id, p := range m.pending {
		all = append(all, leaving{ch: p.ch})
		delete(m.pending, id)
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].id < all[j].id })
	for _, l := range all {
		if l.ch != nil {
			if f, err := protocol.NewFrame(protocol.MsgDisconnect, protocol.Disconnect{Reason: reason}); err == nil {
				l.ch.TrySend(f)
			}
			l.ch.Shutdown(time.Second)
		}
		if l.id != "" {
			m.fanout.Detach(l.id)
		}
	}
	m.logger.Info("🛑 Сессия %s закрыта: %s", m.cfg.SessionID, reason)
}

// PlayerRecords участники с сущностями для полного сохранения
func (m *Manager) PlayerRecords() map[state.ParticipantID]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[state.ParticipantID]string, len(m.participants))
	for id, p := range m.participants {
		if len(p.Entities) > 0 {
			out[id] = p.DisplayName
		}
	}
	return out
}
