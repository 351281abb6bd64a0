package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/logging"
	"github.com/annel0/kmp-host/internal/session"
	"github.com/annel0/kmp-host/internal/tick"
	"github.com/annel0/kmp-host/internal/trade"
)

// Типы событий на шине
const (
	TypeTickSummary      = "TickSummary"
	TypePlayerJoined     = "PlayerJoined"
	TypePlayerLeft       = "PlayerLeft"
	TypeTradeFinished    = "TradeFinished"
	TypePersistenceFatal = "PersistenceFatal"
	TypeChat             = "Chat"
)

// SchemaVersion версия полезной нагрузки
const SchemaVersion = 1

// TickSummary сводка по тику
type TickSummary struct {
	TickID   uint64         `json:"tick"`
	Entities int            `json:"entities"`
	Deltas   int            `json:"deltas"`
	Events   map[string]int `json:"events,omitempty"`
}

// PlayerEvent вход, выход или кик участника
type PlayerEvent struct {
	Kind          string `json:"kind"`
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	Reason        string `json:"reason,omitempty"`
}

// PublisherConfig параметры издателя
type PublisherConfig struct {
	Source       string
	SessionID    string
	SummaryEvery uint64 // сводка раз в N тиков, 0 — каждые 20
	Buffer       int
}

// Publisher собирает события хоста и отправляет их в шину из своей горутины.
// Методы-приёмники не блокируют вызывающего: при переполнении очередь теряет
// события ниже приоритета 5.
type Publisher struct {
	cfg    PublisherConfig
	bus    EventBus
	logger *logging.Logger
	now    func() time.Time

	queue   chan *Envelope
	dropped uint64
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
}

// NewPublisher создаёт издателя поверх bus
func NewPublisher(bus EventBus, cfg PublisherConfig) *Publisher {
	if cfg.SummaryEvery == 0 {
		cfg.SummaryEvery = 20
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Source == "" {
		cfg.Source = "kmp-host"
	}
	return &Publisher{
		cfg:    cfg,
		bus:    bus,
		logger: logging.GetComponentLogger("eventbus"),
		now:    time.Now,
		queue:  make(chan *Envelope, cfg.Buffer),
	}
}

// Run отправляет события, пока ctx не отменён. После отмены дописывает очередь.
func (p *Publisher) Run(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()
	for {
		select {
		case ev := <-p.queue:
			p.send(ctx, ev)
		case <-ctx.Done():
			p.drain()
			return
		}
	}
}

func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-p.queue:
			p.send(ctx, ev)
		default:
			return
		}
	}
}

func (p *Publisher) send(ctx context.Context, ev *Envelope) {
	if err := p.bus.Publish(ctx, ev); err != nil {
		atomic.AddUint64(&p.dropped, 1)
		p.logger.Warn("⚠️ Шина событий: %s не опубликовано: %v", ev.EventType, err)
	}
}

// Dropped число событий, не попавших в шину
func (p *Publisher) Dropped() uint64 { return atomic.LoadUint64(&p.dropped) }

// Emit ставит событие в очередь
func (p *Publisher) Emit(eventType string, priority int, payload any) {
	if p.closed.Load() {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("⚠️ Шина событий: %s: %v", eventType, err)
		return
	}
	ev := &Envelope{
		ID:            uuid.NewString(),
		Timestamp:     p.now().UTC(),
		Source:        p.cfg.Source,
		EventType:     eventType,
		Version:       SchemaVersion,
		CorrelationID: p.cfg.SessionID,
		Priority:      priority,
		Payload:       data,
	}
	select {
	case p.queue <- ev:
		return
	default:
	}
	if priority < 5 {
		atomic.AddUint64(&p.dropped, 1)
		return
	}
	// важные события вытесняют самое старое
	select {
	case <-p.queue:
		atomic.AddUint64(&p.dropped, 1)
	default:
	}
	select {
	case p.queue <- ev:
	default:
		atomic.AddUint64(&p.dropped, 1)
	}
}

// OnTick сводка раз в SummaryEvery тиков и чат. Реализует tick.Sink.
func (p *Publisher) OnTick(wt *tick.WorldTick) {
	for _, ev := range wt.Events {
		if ev.Kind == authority.EventChat {
			p.Emit(TypeChat, 1, ev.Data)
		}
	}
	if wt.TickID%p.cfg.SummaryEvery != 0 {
		return
	}
	sum := TickSummary{TickID: wt.TickID, Entities: len(wt.Entities), Deltas: len(wt.Deltas)}
	if len(wt.Events) > 0 {
		sum.Events = make(map[string]int)
		for _, ev := range wt.Events {
			sum.Events[string(ev.Kind)]++
		}
	}
	p.Emit(TypeTickSummary, 0, sum)
}

// TradeFinished реализует trade.Observer
func (p *Publisher) TradeFinished(rec trade.Record) {
	p.Emit(TypeTradeFinished, 5, rec)
}

// Lifecycle слушатель событий сессии
func (p *Publisher) Lifecycle(ev session.Lifecycle) {
	eventType := TypePlayerLeft
	switch ev.Kind {
	case session.LifecycleJoined, session.LifecycleReconnected:
		eventType = TypePlayerJoined
	}
	p.Emit(eventType, 5, PlayerEvent{
		Kind:          string(ev.Kind),
		ParticipantID: string(ev.ParticipantID),
		Name:          ev.Name,
		Reason:        ev.Reason,
	})
}

// PersistenceFatal обработчик фатальной ошибки сохранения
func (p *Publisher) PersistenceFatal(err error) {
	p.Emit(TypePersistenceFatal, 9, map[string]string{"error": err.Error()})
}

// Close останавливает приём событий и ждёт Run
func (p *Publisher) Close() {
	p.once.Do(func() {
		p.closed.Store(true)
		p.wg.Wait()
	})
}
