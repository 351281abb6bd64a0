package tick

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics Prometheus-метрики тик-движка
type metrics struct {
	duration prometheus.Histogram
	tickID   prometheus.Gauge
	queue    prometheus.Gauge
	commands *prometheus.CounterVec
	expired  prometheus.Counter
	faults   prometheus.Counter
}

// newMetrics регистрирует метрики в reg. reg == nil — метрики живут без регистрации (тесты).
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kmp",
			Subsystem: "tick",
			Name:      "duration_seconds",
			Help:      "Длительность одного тика.",
			Buckets:   []float64{.001, .0025, .005, .01, .02, .035, .05, .1, .25},
		}),
		tickID: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "kmp",
			Subsystem: "tick",
			Name:      "id",
			Help:      "Номер последнего тика.",
		}),
		queue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "kmp",
			Subsystem: "tick",
			Name:      "queue_depth",
			Help:      "Команды, ожидающие тика.",
		}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kmp",
			Subsystem: "tick",
			Name:      "commands_total",
			Help:      "Обработанные команды по результату.",
		}, []string{"result", "reason"}),
		expired: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kmp",
			Subsystem: "tick",
			Name:      "expired_total",
			Help:      "Команды, отброшенные по возрасту.",
		}),
		faults: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kmp",
			Subsystem: "tick",
			Name:      "faults_total",
			Help:      "Внутренние ошибки при обработке тика.",
		}),
	}
}
