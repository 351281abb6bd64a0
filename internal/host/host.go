// Package host собирает хост сессии: тик-движок с системами, рассылку,
// сессию, сохранения и административные интерфейсы.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/annel0/kmp-host/internal/accessor"
	"github.com/annel0/kmp-host/internal/ai"
	"github.com/annel0/kmp-host/internal/api"
	"github.com/annel0/kmp-host/internal/audit"
	"github.com/annel0/kmp-host/internal/auth"
	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/clock"
	"github.com/annel0/kmp-host/internal/config"
	"github.com/annel0/kmp-host/internal/eventbus"
	"github.com/annel0/kmp-host/internal/logging"
	"github.com/annel0/kmp-host/internal/network"
	"github.com/annel0/kmp-host/internal/persistence"
	"github.com/annel0/kmp-host/internal/protocol"
	"github.com/annel0/kmp-host/internal/replication"
	"github.com/annel0/kmp-host/internal/session"
	"github.com/annel0/kmp-host/internal/state"
	"github.com/annel0/kmp-host/internal/storage"
	"github.com/annel0/kmp-host/internal/tick"
	"github.com/annel0/kmp-host/internal/trade"
)

// Host одна сессия совместной игры
type Host struct {
	cfg       *config.Config
	logger    *logging.Logger
	sessionID string
	worldHash string
	resumed   bool

	registry *prometheus.Registry

	world    *state.World
	accessor *accessor.Memory
	resolver *authority.Resolver
	engine   *tick.Engine
	clock    *clock.WorldClock
	ai       *ai.Controller
	trades   *trade.Coordinator
	fanout   *replication.Fanout
	sessions *session.Manager
	router   *replication.Router
	schema   *protocol.CommandSchema
	tokens   *auth.TokenIssuer

	persist   *persistence.Manager
	index     *storage.SaveIndex
	positions storage.PositionCache
	repo      storage.PlayerRepo
	audit     *audit.SQLiteTrail

	bus       eventbus.EventBus
	publisher *eventbus.Publisher
	busStats  *eventbus.MetricsExporter
	webhooks  *api.OutboundWebhookManager
	admin     *api.AdminServer
	health    *api.HealthServer

	serializer *protocol.MessageSerializer
	netMetrics *network.Metrics
	channels   *network.ChannelServer
	udp        atomic.Pointer[network.UDPEndpoint]

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
	stopErr  error
}

// Option настройка хоста
type Option func(*Host)

// WithRegistry общий регистр метрик (тесты)
func WithRegistry(reg *prometheus.Registry) Option { return func(h *Host) { h.registry = reg } }

// New собирает хост и восстанавливает мир из сохранения сессии, если оно есть.
// Сетевые слушатели не открываются до Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Host{
		cfg:    cfg,
		logger: logging.GetComponentLogger("host"),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.registry == nil {
		h.registry = prometheus.NewRegistry()
		h.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	h.sessionID = cfg.Persistence.SessionID
	if h.sessionID == "" {
		h.sessionID = uuid.NewString()
	}
	// базовый мир хоста пуст; оператор может закрепить хеш в конфиге
	h.worldHash = cfg.Session.WorldHash
	if h.worldHash == "" {
		h.worldHash = state.Hash(nil)
	}

	if err := h.build(ctx); err != nil {
		h.closeBackends()
		return nil, err
	}
	return h, nil
}

func (h *Host) build(ctx context.Context) error {
	cfg := h.cfg
	var err error

	// === ХРАНИЛИЩА ===
	if h.index, err = storage.NewSaveIndex(cfg.Storage.BadgerPath); err != nil {
		return fmt.Errorf("индекс сохранений: %w", err)
	}
	if h.positions, err = h.openPositionCache(ctx, cfg.Storage); err != nil {
		return fmt.Errorf("кэш позиций: %w", err)
	}
	if h.repo, err = h.openPlayerRepo(ctx, cfg.Storage); err != nil {
		return fmt.Errorf("зеркало игроков: %w", err)
	}
	if cfg.Storage.AuditSQLite != "" {
		if h.audit, err = audit.OpenSQLite(cfg.Storage.AuditSQLite, audit.WithRegistry(h.registry)); err != nil {
			return fmt.Errorf("журнал аудита: %w", err)
		}
	}
	if h.bus, err = h.openBus(cfg.EventBus); err != nil {
		return fmt.Errorf("шина событий: %w", err)
	}
	h.publisher = eventbus.NewPublisher(h.bus, eventbus.PublisherConfig{
		Source:    cfg.Server.Name,
		SessionID: h.sessionID,
		Buffer:    cfg.EventBus.Buffer,
	})
	h.busStats = eventbus.NewMetricsExporter(h.bus, h.publisher, h.registry)
	h.webhooks = api.NewOutboundWebhookManager(h.sessionID)
	h.health = api.NewHealthServer()

	// === ИГРОВЫЕ ЧАСЫ ===
	h.clock = clock.New(clock.Config{
		GameSpeed:    cfg.Server.GameSpeed,
		TickInterval: cfg.Tick.TickInterval(),
		SyncEvery:    time.Duration(cfg.Replication.TimeSyncSeconds) * time.Second,
		Seed:         clock.SeedFrom(h.worldHash),
	})

	// === СОХРАНЕНИЯ ===
	pcfg := persistence.ConfigFrom(cfg, persistence.Fingerprint(cfg.Server.ProtocolVersion, h.worldHash))
	pcfg.SessionID = h.sessionID
	h.persist, err = persistence.NewManager(pcfg,
		persistence.WithIndex(h.index),
		persistence.WithPositionCache(h.positions),
		persistence.WithPlayerRepo(h.repo),
		persistence.WithClock(h.clock),
		persistence.WithNames(func(p state.ParticipantID) string { return h.sessions.Name(p) }),
		persistence.WithFatalHandler(h.persistenceFatal),
		persistence.WithRegistry(h.registry),
	)
	if err != nil {
		return err
	}

	// === МИР ===
	h.world = state.NewWorld()
	h.accessor = accessor.NewMemory()
	startTick, err := h.restoreWorld(ctx)
	if err != nil {
		return err
	}

	h.resolver = authority.NewResolver(authority.ConfigFrom(cfg), h.world, accessor.NewRecorder(h.accessor, h.registry))
	tcfg := tick.ConfigFrom(cfg)
	tcfg.StartTick = startTick
	order, err := authority.ConflictPolicy(cfg.Authority.ConflictPolicy)
	if err != nil {
		return err
	}
	h.engine = tick.NewEngine(tcfg, h.resolver, tick.WithRegistry(h.registry), tick.WithConflictResolver(order))

	h.trades = trade.NewCoordinator(trade.ConfigFrom(cfg), trade.WithRegistry(h.registry))
	h.resolver.SetTradeHandler(h.trades)
	h.ai = ai.NewController()

	// === РЕПЛИКАЦИЯ И СЕССИЯ ===
	if h.tokens, err = auth.NewTokenIssuer(cfg.Session.TokenSecret); err != nil {
		return fmt.Errorf("секрет токенов: %w", err)
	}
	gate, err := auth.NewPasswordGate(cfg.Server.Password)
	if err != nil {
		return err
	}
	h.fanout = replication.NewFanout(replication.FanoutConfigFrom(cfg.Replication), replication.NewInterestFilter(cfg.Replication), h.registry)
	h.sessions = session.NewManager(session.ConfigFrom(cfg, h.sessionID, h.worldHash), h.engine, h.fanout, h.tokens, gate,
		session.WithPlayerStore(h.persist),
		session.WithUDP(udpUnbinder{h}),
		session.WithRegistry(h.registry),
	)
	h.fanout.SetNames(h.sessions.Name)
	if h.schema, err = protocol.NewCommandSchema(); err != nil {
		return err
	}
	h.router = replication.NewRouter(h.sessions, h.engine, h.fanout, h.schema, cfg.Session.HandshakeTimeout())

	// Порядок систем: таймауты сессии, сверка с симуляцией, сделки, ИИ, часы
	h.engine.AddSystem(h.sessions.System())
	h.engine.AddSystem(tick.HostSync{})
	h.engine.AddSystem(h.trades.System())
	h.engine.AddSystem(h.ai.System())
	h.engine.AddSystem(h.clock.System())

	h.engine.AddSink(h.fanout)
	h.engine.AddSink(h.persist)
	h.engine.AddSink(h.publisher)
	h.engine.AddResultSink(h.fanout)
	h.engine.AddResultSink(h.sessions)

	// === НАБЛЮДАТЕЛИ ===
	h.trades.Observe(h.publisher)
	h.sessions.OnLifecycle(h.publisher.Lifecycle)
	if h.audit != nil {
		h.trades.Observe(h.audit)
		h.sessions.OnLifecycle(h.audit.Lifecycle)
	}

	// === СЕТЬ ===
	if h.serializer, err = protocol.NewMessageSerializer(0); err != nil {
		return err
	}
	h.netMetrics = network.NewMetrics(h.registry)
	h.channels = network.NewChannelServer(h.serializer, network.DefaultChannelConfig(network.ChannelTCP), h.netMetrics)
	h.channels.SetHandler(h.router.ServeConn)

	// === АДМИНИСТРИРОВАНИЕ ===
	adminTokens := h.tokens
	if cfg.Server.AdminSecret != "" {
		if adminTokens, err = auth.NewTokenIssuer(cfg.Server.AdminSecret); err != nil {
			return fmt.Errorf("секрет администратора: %w", err)
		}
	}
	authn, err := auth.NewAdminAuthenticator(cfg.Server.AdminPassword, adminTokens)
	if err != nil {
		return err
	}
	acfg := api.Config{
		Addr:        fmt.Sprintf(":%d", cfg.Server.GetRESTPort()),
		ServerName:  cfg.Server.Name,
		Sessions:    h.sessions,
		Engine:      h.engine,
		Persistence: h.persist,
		Trades:      h.trades,
		Clock:       h.clock,
		Auth:        authn,
		Webhooks:    h.webhooks,
		Stop:        func(reason string) { h.Stop(reason) },
		Registry:    h.registry,
		Gatherer:    h.registry,
	}
	if h.audit != nil {
		acfg.Audit = h.audit
	}
	if h.admin, err = api.NewAdminServer(acfg); err != nil {
		return err
	}

	h.logger.Info("🧩 Хост собран: сессия %s, мир %s, тик %d, сущностей %d", h.sessionID, short(h.worldHash), startTick, h.world.Len())
	return nil
}

// restoreWorld загружает мир и часы из сохранения сессии. Возвращает тик, с которого продолжать.
func (h *Host) restoreWorld(ctx context.Context) (uint64, error) {
	ws, err := h.persist.LoadWorld(ctx)
	if errors.Is(err, persistence.ErrNoSave) {
		h.logger.Info("🌱 Новая сессия %s", h.sessionID)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("загрузка мира сессии %s: %w", h.sessionID, err)
	}
	h.world.Restore(ws.Entities, ws.NextEntityID)
	h.accessor.Load(ws.Entities)
	h.clock.Restore(ws.Clock)
	h.resumed = true
	// участники входят в мир сохранения: рекламируется его хеш, если оператор не закрепил свой
	if h.cfg.Session.WorldHash == "" {
		h.worldHash = savedWorldHash(ws)
	}
	h.logger.Info("♻️ Сессия %s продолжена с тика %d (%d сущностей)", h.sessionID, ws.TickID, len(ws.Entities))
	return ws.TickID, nil
}

// savedWorldHash хеш содержимого сохранения; старые файлы без него хешируются по сущностям
func savedWorldHash(ws *persistence.WorldSave) string {
	if ws.ContentHash != "" {
		return ws.ContentHash
	}
	return state.Hash(ws.Entities)
}

// persistenceFatal сохранение не удалось дважды: событие всем, шина, health
func (h *Host) persistenceFatal(err error) {
	ev := authority.Broadcast(authority.EventPersistenceFatal, map[string]any{"error": err.Error()})
	ev.Priority = 9
	if h.engine != nil {
		h.engine.Announce(ev)
	}
	if h.publisher != nil {
		h.publisher.PersistenceFatal(err)
	}
	if h.health != nil {
		h.health.PersistenceFatal(err)
	}
}

// udpUnbinder UDP сокет открывается в Start, позже сборки сессии
type udpUnbinder struct{ h *Host }

func (u udpUnbinder) Unbind(participantID string) {
	if ep := u.h.udp.Load(); ep != nil {
		ep.Unbind(participantID)
	}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// SessionID идентификатор сессии
func (h *Host) SessionID() string { return h.sessionID }

// WorldHash хеш базового мира
func (h *Host) WorldHash() string { return h.worldHash }

// Resumed сессия продолжена из сохранения
func (h *Host) Resumed() bool { return h.resumed }

// Доступ к компонентам для cmd и тестов

func (h *Host) Engine() *tick.Engine                 { return h.engine }
func (h *Host) Sessions() *session.Manager           { return h.sessions }
func (h *Host) Persistence() *persistence.Manager    { return h.persist }
func (h *Host) Trades() *trade.Coordinator           { return h.trades }
func (h *Host) Clock() *clock.WorldClock             { return h.clock }
func (h *Host) Bus() eventbus.EventBus               { return h.bus }
func (h *Host) Registry() *prometheus.Registry       { return h.registry }
func (h *Host) Accessor() accessor.GameStateAccessor { return h.accessor }
