package eventbus

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsExporter периодически переносит Stats шины в Prometheus.
// Экспортер опирается только на интерфейс EventBus; HTTP /metrics отдаёт REST API.
type MetricsExporter struct {
	bus  EventBus
	pub  *Publisher
	done chan struct{}
	// Prometheus metrics
	published prometheus.Counter
	consumed  prometheus.Counter
	dropped   prometheus.Counter
	inflight  prometheus.Gauge
}

// NewMetricsExporter создаёт экспортер и регистрирует метрики в reg (nil — глобальный регистр).
// pub может быть nil.
func NewMetricsExporter(bus EventBus, pub *Publisher, reg prometheus.Registerer) *MetricsExporter {
	f := promauto.With(reg)
	if reg == nil {
		f = promauto.With(prometheus.DefaultRegisterer)
	}
	return &MetricsExporter{
		bus:  bus,
		pub:  pub,
		done: make(chan struct{}),
		published: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kmp",
			Subsystem: "eventbus",
			Name:      "messages_published_total",
			Help:      "Общее число опубликованных сообщений.",
		}),
		consumed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kmp",
			Subsystem: "eventbus",
			Name:      "messages_consumed_total",
			Help:      "Общее число доставленных сообщений подписчикам.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kmp",
			Subsystem: "eventbus",
			Name:      "messages_dropped_total",
			Help:      "Сообщений, отброшенных из-за ошибок или ограничения back-pressure.",
		}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "kmp",
			Subsystem: "eventbus",
			Name:      "messages_inflight",
			Help:      "Количество сообщений, находящихся в очереди (не доставленных).",
		}),
	}
}

// Run обновляет метрики раз в секунду до отмены ctx.
func (m *MetricsExporter) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	defer close(m.done)

	// Для коррекции Counter нужно хранить прошлое значение и прибавлять дельту.
	var prev Stats
	var prevPub uint64

	for {
		select {
		case <-ticker.C:
			prev, prevPub = m.collect(prev, prevPub)
		case <-ctx.Done():
			return
		}
	}
}

// collect переносит приращения с прошлого опроса
func (m *MetricsExporter) collect(prev Stats, prevPub uint64) (Stats, uint64) {
	stats := m.bus.Metrics()

	if d := stats.Published - prev.Published; d > 0 {
		m.published.Add(float64(d))
	}
	if d := stats.Consumed - prev.Consumed; d > 0 {
		m.consumed.Add(float64(d))
	}
	if d := stats.Dropped - prev.Dropped; d > 0 {
		m.dropped.Add(float64(d))
	}
	var pubDropped uint64
	if m.pub != nil {
		pubDropped = m.pub.Dropped()
		if d := pubDropped - prevPub; d > 0 {
			m.dropped.Add(float64(d))
		}
	}
	m.inflight.Set(float64(stats.InFlight))
	return stats, pubDropped
}

// Done закрывается после выхода из Run
func (m *MetricsExporter) Done() <-chan struct{} { return m.done }
