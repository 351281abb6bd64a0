// Package tick ведёт фиксированный цикл обновления мира: забирает команды,
// прогоняет их через резолвер, запускает системы и публикует неизменяемый WorldTick.
package tick

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/config"
	"github.com/annel0/kmp-host/internal/logging"
	"github.com/annel0/kmp-host/internal/state"
)

// State состояние движка
type State int32

const (
	Idle State = iota
	Running
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

var (
	ErrInvalidTransition = errors.New("tick: invalid state transition")
	ErrQueueFull         = errors.New("tick: command queue full")
	ErrNotRunning        = errors.New("tick: engine is not running")
	ErrStopped           = errors.New("tick: engine stopped")
)

// WorldTick неизменяемый снимок результата тика. Получатели не должны его изменять.
type WorldTick struct {
	TickID    uint64
	Timestamp time.Time
	Entities  []*state.EntityState
	Deltas    []state.EntityDelta
	Events    []authority.Event
	NextID    state.EntityID // следующий свободный id, нужен сохранению
}

// Sink получатель опубликованных тиков. Вызывается в тик-потоке и не должен блокироваться.
type Sink interface {
	OnTick(t *WorldTick)
}

// ResultSink получатель решений по командам участников
type ResultSink interface {
	OnResult(env authority.Envelope, out authority.Outcome)
}

// Config параметры цикла
type Config struct {
	Interval       time.Duration
	MaxBatch       int
	QueueCapacity  int
	HistorySize    int
	MaxCommandAge  time.Duration
	FaultThreshold int
	StartTick      uint64
}

// ConfigFrom переносит значения из файла конфигурации
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Interval:       cfg.Tick.TickInterval(),
		MaxBatch:       cfg.Tick.MaxBatch,
		QueueCapacity:  cfg.Tick.QueueCapacity,
		HistorySize:    cfg.Tick.HistorySize,
		MaxCommandAge:  cfg.Tick.MaxCommandAge(),
		FaultThreshold: cfg.Tick.FaultThreshold,
	}
}

// Engine тик-движок. Мир меняется только внутри Tick.
type Engine struct {
	cfg      Config
	resolver *authority.Resolver
	order    authority.ConflictResolver
	queue    *CommandQueue
	metrics  *metrics
	logger   *logging.Logger
	clock    func() time.Time

	tickMu  sync.Mutex // сериализует Tick
	systems []System
	sinks   []Sink
	results []ResultSink

	mu      sync.RWMutex
	state   State
	tickID  uint64
	history []*WorldTick
	latest  *WorldTick
	faults  int

	pendingMu sync.Mutex
	pending   []authority.Event

	seq    atomic.Uint64
	stopCh chan struct{}
	doneCh chan struct{}
}

// Option настройка движка
type Option func(*Engine)

// WithRegistry регистрирует метрики
func WithRegistry(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.metrics = newMetrics(reg) }
}

// WithClock подменяет часы (тесты)
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// WithConflictResolver подменяет порядок команд
func WithConflictResolver(cr authority.ConflictResolver) Option {
	return func(e *Engine) { e.order = cr }
}

// NewEngine создаёт движок в состоянии Idle и строит WorldTick с номером StartTick из текущего мира
func NewEngine(cfg Config, resolver *authority.Resolver, opts ...Option) *Engine {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 256
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 50 * time.Millisecond
	}
	e := &Engine{
		cfg:      cfg,
		resolver: resolver,
		order:    authority.NewArrivalOrder(),
		queue:    NewCommandQueue(cfg.QueueCapacity),
		logger:   logging.GetTickLogger(),
		clock:    time.Now,
		history:  make([]*WorldTick, cfg.HistorySize),
		tickID:   cfg.StartTick,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = newMetrics(nil)
	}

	initial := &WorldTick{
		TickID:    cfg.StartTick,
		Timestamp: e.clock(),
		Entities:  resolver.World().Snapshot(),
		NextID:    resolver.World().NextID(),
	}
	e.remember(initial)
	return e
}

// AddSystem регистрирует систему. Порядок регистрации — порядок выполнения.
func (e *Engine) AddSystem(s System) {
	e.tickMu.Lock()
	e.systems = append(e.systems, s)
	e.tickMu.Unlock()
}

// AddSink подписывает получателя тиков
func (e *Engine) AddSink(s Sink) {
	e.tickMu.Lock()
	e.sinks = append(e.sinks, s)
	e.tickMu.Unlock()
}

// AddResultSink подписывает получателя решений по командам
func (e *Engine) AddResultSink(s ResultSink) {
	e.tickMu.Lock()
	e.results = append(e.results, s)
	e.tickMu.Unlock()
}

// Resolver резолвер движка
func (e *Engine) Resolver() *authority.Resolver { return e.resolver }

// ConflictResolver порядок команд внутри пакета тика
func (e *Engine) ConflictResolver() authority.ConflictResolver { return e.order }

// Interval период тика
func (e *Engine) Interval() time.Duration { return e.cfg.Interval }

// State текущее состояние
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// TickID номер последнего опубликованного тика
func (e *Engine) TickID() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tickID
}

// Latest последний опубликованный тик
func (e *Engine) Latest() *WorldTick {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latest
}

// History тик из кольца истории; nil, если вытеснен или ещё не случился
func (e *Engine) History(id uint64) *WorldTick {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if id > e.tickID || e.tickID-id >= uint64(len(e.history)) {
		return nil
	}
	wt := e.history[id%uint64(len(e.history))]
	if wt == nil || wt.TickID != id {
		return nil
	}
	return wt
}

// QueueLen команды в очереди
func (e *Engine) QueueLen() int { return e.queue.Len() }

func (e *Engine) transition(from []State, to State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range from {
		if e.state == s {
			e.logger.Info("⏱️ Движок: %s -> %s", e.state, to)
			e.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.state, to)
}

// Start запускает цикл тиков
func (e *Engine) Start(ctx context.Context) error {
	if err := e.transition([]State{Idle}, Running); err != nil {
		return err
	}
	go e.loop(ctx)
	return nil
}

// Pause приостанавливает тики. Очередь продолжает принимать команды.
func (e *Engine) Pause() error {
	return e.transition([]State{Running}, Paused)
}

// Resume возобновляет тики
func (e *Engine) Resume() error {
	if err := e.transition([]State{Paused}, Running); err != nil {
		return err
	}
	e.mu.Lock()
	e.faults = 0
	e.mu.Unlock()
	return nil
}

// Stop останавливает движок и ждёт завершения цикла
func (e *Engine) Stop() error {
	e.mu.Lock()
	prev := e.state
	if prev == Stopped {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, Stopped)
	}
	e.state = Stopped
	e.mu.Unlock()

	e.logger.Info("🛑 Движок остановлен на тике %d", e.TickID())
	close(e.stopCh)
	if prev != Idle {
		<-e.doneCh
	}
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if e.State() != Running {
				continue
			}
			if _, err := e.Tick(ctx, e.clock()); err != nil && !errors.Is(err, ErrNotRunning) {
				e.logger.Error("❌ Тик не выполнен: %v", err)
			}
		}
	}
}

// Enqueue ставит команду в очередь. Seq, ArrivalTick и ReceivedAt заполняются здесь.
func (e *Engine) Enqueue(env authority.Envelope) error {
	if e.State() == Stopped {
		return ErrStopped
	}
	env.Seq = e.seq.Add(1)
	env.ArrivalTick = e.TickID()
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = e.clock()
	}
	if !e.queue.Push(env) {
		e.logger.Warn("⚠️ Очередь команд заполнена, %s от %s отброшена", kindOf(env), env.Requester)
		return ErrQueueFull
	}
	e.metrics.queue.Set(float64(e.queue.Len()))
	return nil
}

// Announce добавляет событие в ближайший тик (системные сообщения, админ-консоль)
func (e *Engine) Announce(ev authority.Event) {
	e.pendingMu.Lock()
	e.pending = append(e.pending, ev)
	e.pendingMu.Unlock()
}

func (e *Engine) takePending() []authority.Event {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	out := e.pending
	e.pending = nil
	return out
}

// Tick выполняет один шаг. Цикл вызывает его по таймеру, тесты — напрямую.
func (e *Engine) Tick(ctx context.Context, now time.Time) (*WorldTick, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	if e.State() != Running {
		return nil, ErrNotRunning
	}
	started := time.Now()
	next := e.TickID() + 1
	e.resolver.BeginTick(next)

	var agg authority.Outcome
	agg.Events = append(agg.Events, e.takePending()...)
	faulted := 0

	batch := e.queue.Drain(e.cfg.MaxBatch)
	fresh := batch[:0]
	for _, env := range batch {
		if e.cfg.MaxCommandAge > 0 && now.Sub(env.ReceivedAt) > e.cfg.MaxCommandAge {
			e.metrics.expired.Inc()
			e.deliver(env, authority.Reject(authority.Expired, "command older than %s", e.cfg.MaxCommandAge))
			continue
		}
		fresh = append(fresh, env)
	}
	e.order.Order(fresh)

	for _, env := range fresh {
		out := e.resolver.TryApply(ctx, env)
		switch {
		case out.Err != nil:
			faulted++
			e.metrics.faults.Inc()
			e.metrics.commands.WithLabelValues("error", "Internal").Inc()
			e.logger.Error("❌ Тик %d: команда %s от %s: %v", next, kindOf(env), env.Requester, out.Err)
		case out.Rejection != nil:
			e.metrics.commands.WithLabelValues("rejected", out.Rejection.Reason.String()).Inc()
		default:
			e.metrics.commands.WithLabelValues("applied", "").Inc()
			e.resetFaults()
			agg.Merge(out)
		}
		e.deliver(env, out)
	}

	for _, sys := range e.systems {
		sc := &SystemContext{TickID: next, Now: now, Resolver: e.resolver}
		if err := sys.Run(ctx, sc); err != nil {
			faulted++
			e.metrics.faults.Inc()
			e.logger.Error("❌ Тик %d: система %s: %v", next, sys.Name(), err)
		}
		agg.Merge(sc.out)
	}

	wt := &WorldTick{
		TickID:    next,
		Timestamp: now,
		Entities:  e.resolver.World().Snapshot(),
		Deltas:    agg.Deltas,
		Events:    agg.Events,
		NextID:    e.resolver.World().NextID(),
	}

	if faulted > 0 && e.addFaults(faulted) {
		wt.Events = append(wt.Events, authority.Broadcast(authority.EventTickPaused, map[string]any{
			"tick": float64(next), "faults": float64(faulted),
		}))
		e.logger.Error("⛔ Тик %d: %d внутренних ошибок подряд, движок на паузе", next, e.cfg.FaultThreshold)
	}

	e.remember(wt)
	e.metrics.tickID.Set(float64(next))
	e.metrics.queue.Set(float64(e.queue.Len()))
	e.metrics.duration.Observe(time.Since(started).Seconds())

	for _, s := range e.sinks {
		s.OnTick(wt)
	}
	return wt, nil
}

func (e *Engine) remember(wt *WorldTick) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickID = wt.TickID
	e.history[wt.TickID%uint64(len(e.history))] = wt
	e.latest = wt
}

func (e *Engine) resetFaults() {
	e.mu.Lock()
	e.faults = 0
	e.mu.Unlock()
}

// addFaults возвращает true, если порог превышен и движок переведён в Paused
func (e *Engine) addFaults(n int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults += n
	if e.cfg.FaultThreshold <= 0 || e.faults < e.cfg.FaultThreshold || e.state != Running {
		return false
	}
	e.state = Paused
	return true
}

func (e *Engine) deliver(env authority.Envelope, out authority.Outcome) {
	if env.Done != nil {
		env.Done(out)
	}
	if env.Requester == state.ServerOwner {
		return
	}
	for _, r := range e.results {
		r.OnResult(env, out)
	}
}

func kindOf(env authority.Envelope) authority.Kind {
	if env.Command == nil {
		return ""
	}
	return env.Command.Kind()
}
