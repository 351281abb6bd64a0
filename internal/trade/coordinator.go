package trade

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/config"
	"github.com/annel0/kmp-host/internal/logging"
	"github.com/annel0/kmp-host/internal/state"
	"github.com/annel0/kmp-host/internal/tick"
)

// Config параметры торговли
type Config struct {
	Range        float64
	Timeout      time.Duration
	TickInterval time.Duration
}

// ConfigFrom переносит значения из файла конфигурации
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Range:        cfg.Trade.Range,
		Timeout:      cfg.Trade.Timeout(),
		TickInterval: cfg.Tick.TickInterval(),
	}
}

// timeoutTicks таймаут в тиках; сделки живут по часам тиков, а не по стене
func (c Config) timeoutTicks() uint64 {
	if c.Timeout <= 0 {
		return 0
	}
	interval := c.TickInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	n := uint64(c.Timeout / interval)
	if n == 0 {
		n = 1
	}
	return n
}

// errOfferChanged инвентарь стороны больше не покрывает её предложение
var errOfferChanged = errors.New("offer no longer covered by inventory")

// Coordinator реализует authority.TradeHandler
type Coordinator struct {
	cfg    Config
	logger *logging.Logger
	now    func() time.Time

	mu        sync.Mutex
	active    map[string]*Trade
	busy      map[state.ParticipantID]string
	observers []Observer

	finished *prometheus.CounterVec
	open     prometheus.Gauge
}

// Option настройка координатора
type Option func(*Coordinator)

// WithRegistry регистрирует метрики
func WithRegistry(reg prometheus.Registerer) Option {
	return func(c *Coordinator) { c.registerMetrics(reg) }
}

// WithClock подменяет часы для отметок времени в журнале
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// NewCoordinator создаёт координатор
func NewCoordinator(cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:    cfg,
		logger: logging.GetTradeLogger(),
		now:    time.Now,
		active: make(map[string]*Trade),
		busy:   make(map[state.ParticipantID]string),
	}
	c.registerMetrics(nil)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) registerMetrics(reg prometheus.Registerer) {
	f := promauto.With(reg)
	c.finished = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kmp", Subsystem: "trade", Name: "finished_total",
		Help: "Завершённые сделки по итогу",
	}, []string{"state"})
	c.open = f.NewGauge(prometheus.GaugeOpts{
		Namespace: "kmp", Subsystem: "trade", Name: "open",
		Help: "Незавершённые сделки",
	})
}

// Observe подписывает наблюдателя на итоги сделок
func (c *Coordinator) Observe(o Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

// Get копия активной сделки
func (c *Coordinator) Get(id string) (Trade, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.active[id]
	if !ok {
		return Trade{}, false
	}
	return t.snapshot(), true
}

// Active копии активных сделок, упорядоченные по id
func (c *Coordinator) Active() []Trade {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Trade, 0, len(c.active))
	for _, t := range c.active {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Trade) snapshot() Trade {
	cp := *t
	cp.Initiator.Offer = copyOffer(t.Initiator.Offer)
	cp.Target.Offer = copyOffer(t.Target.Offer)
	return cp
}

// HandleTrade обрабатывает торговую команду внутри тика
func (c *Coordinator) HandleTrade(ctx context.Context, r *authority.Resolver, requester state.ParticipantID, cmd authority.TradeCommand) authority.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch cmd := cmd.(type) {
	case authority.ProposeTrade:
		return c.propose(r, requester, cmd)
	case authority.RespondTrade:
		t, out, ok := c.lookup(cmd.TradeID, requester)
		if !ok {
			return out
		}
		return c.respond(r, t, requester, cmd.Accept)
	case authority.UpdateOffer:
		t, out, ok := c.lookup(cmd.TradeID, requester)
		if !ok {
			return out
		}
		return c.updateOffer(r, t, requester, cmd.Items)
	case authority.SetReady:
		t, out, ok := c.lookup(cmd.TradeID, requester)
		if !ok {
			return out
		}
		return c.setReady(r, t, requester, cmd.Ready)
	case authority.ConfirmTrade:
		t, out, ok := c.lookup(cmd.TradeID, requester)
		if !ok {
			return out
		}
		return c.confirm(ctx, r, t, requester)
	case authority.CancelTrade:
		t, out, ok := c.lookup(cmd.TradeID, requester)
		if !ok {
			return out
		}
		var res authority.Outcome
		c.finish(r.Tick(), t, Cancelled, fmt.Sprintf("cancelled by %s", requester), &res)
		return res
	case authority.CancelParticipantTrades:
		var res authority.Outcome
		for _, t := range c.tradesOf(cmd.Participant) {
			c.finish(r.Tick(), t, Cancelled, fmt.Sprintf("%s disconnected", cmd.Participant), &res)
		}
		return res
	default:
		return authority.Reject(authority.Invalid, "unknown trade command %T", cmd)
	}
}

// lookup сделка, в которой участвует requester
func (c *Coordinator) lookup(id string, requester state.ParticipantID) (*Trade, authority.Outcome, bool) {
	t, ok := c.active[id]
	if !ok {
		return nil, authority.Reject(authority.NotFound, "trade %s not found", id), false
	}
	if !t.involves(requester) {
		return nil, authority.Reject(authority.NotOwner, "%s is not a party of trade %s", requester, id), false
	}
	return t, authority.Outcome{}, true
}

func (c *Coordinator) tradesOf(p state.ParticipantID) []*Trade {
	var out []*Trade
	for _, t := range c.active {
		if t.involves(p) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Coordinator) propose(r *authority.Resolver, requester state.ParticipantID, cmd authority.ProposeTrade) authority.Outcome {
	w := r.World()
	a, b := w.Get(cmd.Initiator), w.Get(cmd.Target)
	if a == nil || b == nil {
		return authority.Reject(authority.NotFound, "entity %d or %d not found", cmd.Initiator, cmd.Target)
	}
	if !a.OwnedBy(requester) {
		return authority.Reject(authority.NotOwner, "entity %d is owned by %s", a.ID, a.Owner)
	}
	if a.Type != state.EntityPlayer || b.Type != state.EntityPlayer {
		return authority.Reject(authority.Invalid, "only players can trade")
	}
	if b.Owner == a.Owner || b.Owner == state.ServerOwner {
		return authority.Reject(authority.Invalid, "target %d has no other participant", b.ID)
	}
	if a.Text(state.DataStatus) == state.StatusDown || b.Text(state.DataStatus) == state.StatusDown {
		return authority.Reject(authority.Invalid, "cannot trade while down")
	}
	if dist := a.Position.Dist(b.Position); c.cfg.Range > 0 && dist > c.cfg.Range {
		return authority.Reject(authority.OutOfRange, "target at %.2f, trade range %.2f", dist, c.cfg.Range)
	}
	if id, ok := c.busy[a.Owner]; ok {
		return authority.Reject(authority.Invalid, "%s is already in trade %s", a.Owner, id)
	}
	if id, ok := c.busy[b.Owner]; ok {
		return authority.Reject(authority.Invalid, "%s is already in trade %s", b.Owner, id)
	}

	t := &Trade{
		ID:          uuid.NewString(),
		Initiator:   Side{Participant: a.Owner, Entity: a.ID, Offer: map[string]float64{}},
		Target:      Side{Participant: b.Owner, Entity: b.ID, Offer: map[string]float64{}},
		State:       Proposed,
		CreatedTick: r.Tick(),
		StateTick:   r.Tick(),
	}
	c.active[t.ID] = t
	c.busy[a.Owner] = t.ID
	c.busy[b.Owner] = t.ID
	c.open.Set(float64(len(c.active)))
	c.logger.Info("🤝 Сделка %s: %s предлагает обмен %s", t.ID, a.Owner, b.Owner)

	return authority.Outcome{Events: []authority.Event{c.event(t, "")}}
}

func (c *Coordinator) respond(r *authority.Resolver, t *Trade, requester state.ParticipantID, accept bool) authority.Outcome {
	if requester != t.Target.Participant {
		return authority.Reject(authority.NotOwner, "only %s can respond to trade %s", t.Target.Participant, t.ID)
	}
	if t.State != Proposed {
		return authority.Reject(authority.Invalid, "trade %s is %s", t.ID, t.State)
	}
	var out authority.Outcome
	if !accept {
		c.finish(r.Tick(), t, Cancelled, "declined", &out)
		return out
	}
	c.transition(r.Tick(), t, Negotiating)
	out.Events = append(out.Events, c.event(t, ""))
	return out
}

func (c *Coordinator) updateOffer(r *authority.Resolver, t *Trade, requester state.ParticipantID, items map[string]float64) authority.Outcome {
	if !t.State.negotiable() {
		return authority.Reject(authority.Invalid, "trade %s is %s", t.ID, t.State)
	}
	side := t.side(requester)
	owner := r.World().Get(side.Entity)
	if owner == nil {
		return authority.Reject(authority.NotFound, "entity %d not found", side.Entity)
	}
	offer := make(map[string]float64, len(items))
	for _, item := range state.SortedItems(items) {
		n := items[item]
		if n < 0 || item == "" {
			return authority.Reject(authority.Invalid, "bad offer entry %q: %v", item, n)
		}
		if n == 0 {
			continue
		}
		if !state.Has(owner, item, n) {
			return authority.Reject(authority.InsufficientResource, "not enough %s for offer", item)
		}
		offer[item] = n
	}
	side.Offer = offer
	t.resetReady()
	c.transition(r.Tick(), t, Negotiating)
	return authority.Outcome{Events: []authority.Event{c.event(t, "")}}
}

func (c *Coordinator) setReady(r *authority.Resolver, t *Trade, requester state.ParticipantID, ready bool) authority.Outcome {
	if !t.State.negotiable() {
		return authority.Reject(authority.Invalid, "trade %s is %s", t.ID, t.State)
	}
	side := t.side(requester)
	side.Ready = ready
	if !ready {
		side.Confirmed = false
	}

	var out authority.Outcome
	next := t.readiness()
	if next == BothReady && t.State != BothReady {
		// проверяем предложения в момент готовности обеих сторон
		txn := r.Begin()
		err := c.stage(txn, t)
		txn.Discard()
		if err != nil {
			c.finish(r.Tick(), t, Failed, err.Error(), &out)
			return out
		}
	}
	if next != BothReady {
		t.Initiator.Confirmed, t.Target.Confirmed = false, false
	}
	c.transition(r.Tick(), t, next)
	out.Events = append(out.Events, c.event(t, ""))
	return out
}

func (c *Coordinator) confirm(ctx context.Context, r *authority.Resolver, t *Trade, requester state.ParticipantID) authority.Outcome {
	if t.State != BothReady {
		return authority.Reject(authority.Invalid, "trade %s is %s, both sides must be ready", t.ID, t.State)
	}
	t.side(requester).Confirmed = true

	var out authority.Outcome
	if !t.Initiator.Confirmed || !t.Target.Confirmed {
		out.Events = append(out.Events, c.event(t, ""))
		return out
	}

	c.transition(r.Tick(), t, Executing)
	txn := r.Begin()
	if err := c.stage(txn, t); err != nil {
		txn.Discard()
		c.finish(r.Tick(), t, Failed, err.Error(), &out)
		return out
	}
	deltas, err := txn.Commit(ctx)
	if err != nil {
		c.logger.Error("❌ Сделка %s: запись обмена не удалась: %v", t.ID, err)
		c.finish(r.Tick(), t, Failed, "commit failed", &out)
		return out
	}
	out.Deltas = append(out.Deltas, deltas...)
	c.finish(r.Tick(), t, Completed, "", &out)
	return out
}

// stage повторно проверяет обе стороны и готовит обмен инвентарями в транзакции
func (c *Coordinator) stage(txn *authority.Txn, t *Trade) error {
	a, b := txn.Get(t.Initiator.Entity), txn.Get(t.Target.Entity)
	if a == nil || b == nil {
		return fmt.Errorf("trade entity missing")
	}
	if !a.OwnedBy(t.Initiator.Participant) || !b.OwnedBy(t.Target.Participant) {
		return fmt.Errorf("trade entity changed owner")
	}
	invA, invB := state.Inventory(a), state.Inventory(b)
	if err := move(invA, invB, t.Initiator.Offer); err != nil {
		return fmt.Errorf("%s: %w", t.Initiator.Participant, err)
	}
	if err := move(invB, invA, t.Target.Offer); err != nil {
		return fmt.Errorf("%s: %w", t.Target.Participant, err)
	}
	if err := txn.Modify(a.ID, setInventory(invA)); err != nil {
		return err
	}
	return txn.Modify(b.ID, setInventory(invB))
}

func move(from, to, offer map[string]float64) error {
	for _, item := range state.SortedItems(offer) {
		n := offer[item]
		if from[item] < n {
			return fmt.Errorf("%w: %s %.0f < %.0f", errOfferChanged, item, from[item], n)
		}
		from[item] -= n
		to[item] += n
	}
	return nil
}

func setInventory(inv map[string]float64) func(e *state.EntityState) {
	return func(e *state.EntityState) {
		if e.Data == nil {
			e.Data = map[string]any{}
		}
		e.Data[state.DataInventory] = state.InventoryValue(inv)
	}
}

func (c *Coordinator) transition(tickID uint64, t *Trade, next State) {
	if t.State != next {
		c.logger.Debug("🤝 Сделка %s: %s -> %s", t.ID, t.State, next)
		t.State = next
		t.StateTick = tickID
	}
}

// finish переводит сделку в конечное состояние. Повторный вызов ничего не делает.
func (c *Coordinator) finish(tickID uint64, t *Trade, final State, reason string, out *authority.Outcome) {
	if t.State.Terminal() {
		return
	}
	t.State = final
	t.StateTick = tickID
	delete(c.active, t.ID)
	if c.busy[t.Initiator.Participant] == t.ID {
		delete(c.busy, t.Initiator.Participant)
	}
	if c.busy[t.Target.Participant] == t.ID {
		delete(c.busy, t.Target.Participant)
	}
	c.open.Set(float64(len(c.active)))
	c.finished.WithLabelValues(final.String()).Inc()

	switch final {
	case Completed:
		c.logger.Info("✅ Сделка %s завершена: %s %v <-> %s %v", t.ID,
			t.Initiator.Participant, t.Initiator.Offer, t.Target.Participant, t.Target.Offer)
	case Failed:
		c.logger.Warn("⚠️ Сделка %s сорвалась: %s", t.ID, reason)
	default:
		c.logger.Info("🚫 Сделка %s отменена: %s", t.ID, reason)
	}

	out.Events = append(out.Events, c.event(t, reason))
	rec := Record{
		TradeID:        t.ID,
		State:          final.String(),
		Reason:         reason,
		Initiator:      t.Initiator.Participant,
		Target:         t.Target.Participant,
		InitiatorOffer: copyOffer(t.Initiator.Offer),
		TargetOffer:    copyOffer(t.Target.Offer),
		Tick:           tickID,
		At:             c.now(),
	}
	for _, o := range c.observers {
		o.TradeFinished(rec)
	}
}

// event событие для обеих сторон сделки
func (c *Coordinator) event(t *Trade, reason string) authority.Event {
	data := map[string]any{
		"trade":          t.ID,
		"state":          t.State.String(),
		"initiator":      string(t.Initiator.Participant),
		"target":         string(t.Target.Participant),
		"initiatorOffer": state.InventoryValue(t.Initiator.Offer),
		"targetOffer":    state.InventoryValue(t.Target.Offer),
		"initiatorReady": t.Initiator.Ready,
		"targetReady":    t.Target.Ready,
	}
	if reason != "" {
		data["reason"] = reason
	}
	return authority.To(authority.EventTrade, data, t.Initiator.Participant, t.Target.Participant)
}

// System тик-система таймаутов: Proposed и BothReady дольше таймаута отменяются
func (c *Coordinator) System() tick.System {
	return tick.SystemFunc{Label: "trade_timeouts", Fn: c.expire}
}

func (c *Coordinator) expire(ctx context.Context, sc *tick.SystemContext) error {
	limit := c.cfg.timeoutTicks()
	if limit == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var due []*Trade
	for _, t := range c.active {
		if (t.State == Proposed || t.State == BothReady) && sc.TickID-t.StateTick >= limit {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })

	var out authority.Outcome
	for _, t := range due {
		c.finish(sc.TickID, t, Cancelled, "timeout", &out)
	}
	sc.Emit(out.Events...)
	return nil
}
