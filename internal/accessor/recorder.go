package accessor

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder декоратор, считающий обращения к симуляции
type Recorder struct {
	next  GameStateAccessor
	calls *prometheus.CounterVec
	fails *prometheus.CounterVec
}

// NewRecorder оборачивает accessor. reg == nil — метрики не регистрируются.
func NewRecorder(next GameStateAccessor, reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		next: next,
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kmp",
			Subsystem: "accessor",
			Name:      "calls_total",
			Help:      "Обращения к симуляции хоста.",
		}, []string{"op"}),
		fails: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kmp",
			Subsystem: "accessor",
			Name:      "failures_total",
			Help:      "Неудачные обращения к симуляции хоста.",
		}, []string{"op"}),
	}
}

func (r *Recorder) ReadEntity(ctx context.Context, h Handle) (RawFields, error) {
	r.calls.WithLabelValues("read").Inc()
	f, err := r.next.ReadEntity(ctx, h)
	if err != nil {
		r.fails.WithLabelValues("read").Inc()
	}
	return f, err
}

func (r *Recorder) WriteEntity(ctx context.Context, h Handle, fields RawFields) error {
	r.calls.WithLabelValues("write").Inc()
	err := r.next.WriteEntity(ctx, h, fields)
	if err != nil {
		r.fails.WithLabelValues("write").Inc()
	}
	return err
}

func (r *Recorder) ExecuteCommand(ctx context.Context, kind string, args map[string]any) (map[string]any, error) {
	r.calls.WithLabelValues(kind).Inc()
	out, err := r.next.ExecuteCommand(ctx, kind, args)
	if err != nil {
		r.fails.WithLabelValues(kind).Inc()
	}
	return out, err
}
