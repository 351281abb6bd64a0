package network

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/annel0/kmp-host/internal/protocol"
)

// Metrics сетевые метрики по типам каналов и сообщений
type Metrics struct {
	connections    *prometheus.GaugeVec
	framesIn       *prometheus.CounterVec
	framesOut      *prometheus.CounterVec
	bytesIn        *prometheus.CounterVec
	bytesOut       *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
}

// NewMetrics регистрирует метрики в reg. nil — метрики без регистрации (тесты).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kmp", Subsystem: "network", Name: "connections",
			Help: "Открытые соединения по типу канала",
		}, []string{"channel"}),
		framesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kmp", Subsystem: "network", Name: "frames_received_total",
			Help: "Принятые кадры",
		}, []string{"channel", "type"}),
		framesOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kmp", Subsystem: "network", Name: "frames_sent_total",
			Help: "Отправленные кадры",
		}, []string{"channel", "type"}),
		bytesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kmp", Subsystem: "network", Name: "bytes_received_total",
			Help: "Принятые байты",
		}, []string{"channel"}),
		bytesOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kmp", Subsystem: "network", Name: "bytes_sent_total",
			Help: "Отправленные байты",
		}, []string{"channel"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kmp", Subsystem: "network", Name: "frames_dropped_total",
			Help: "Ненадёжные кадры, отброшенные при полном буфере",
		}, []string{"channel"}),
		protocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kmp", Subsystem: "network", Name: "protocol_errors_total",
			Help: "Кадры, которые не удалось разобрать",
		}, []string{"channel"}),
	}
}

func (m *Metrics) connOpened(t ChannelType) {
	if m != nil {
		m.connections.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) connClosed(t ChannelType) {
	if m != nil {
		m.connections.WithLabelValues(t.String()).Dec()
	}
}

func (m *Metrics) received(t ChannelType, mt protocol.MessageType, n int) {
	if m != nil {
		m.framesIn.WithLabelValues(t.String(), mt.String()).Inc()
		m.bytesIn.WithLabelValues(t.String()).Add(float64(n))
	}
}

func (m *Metrics) sent(t ChannelType, mt protocol.MessageType, n int) {
	if m != nil {
		m.framesOut.WithLabelValues(t.String(), mt.String()).Inc()
		m.bytesOut.WithLabelValues(t.String()).Add(float64(n))
	}
}

func (m *Metrics) drop(t ChannelType) {
	if m != nil {
		m.dropped.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) protocolError(t ChannelType) {
	if m != nil {
		m.protocolErrors.WithLabelValues(t.String()).Inc()
	}
}
