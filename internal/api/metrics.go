package api

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessSample снимок ресурсов процесса хоста для /api/status
type ProcessSample struct {
	Uptime        string  `json:"uptime"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
	MemoryMB      float64 `json:"memoryMb"`
	HeapMB        float64 `json:"heapMb"`
	SysMB         float64 `json:"sysMb"`
	NumGC         uint32  `json:"numGc"`
	Goroutines    int     `json:"goroutines"`
	CPUPercent    float64 `json:"cpuPercent"`
	SystemCPU     float64 `json:"systemCpuPercent"`
}

// ServerMetrics метрики процесса хоста
type ServerMetrics struct {
	StartTime time.Time

	once sync.Once
	proc *process.Process
}

// NewServerMetrics создает новый экземпляр метрик
func NewServerMetrics() *ServerMetrics {
	return &ServerMetrics{
		StartTime: time.Now(),
	}
}

// Register публикует CPU и память процесса как GaugeFunc
func (sm *ServerMetrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cpuGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "kmp",
		Subsystem: "process",
		Name:      "cpu_percent",
		Help:      "Загрузка CPU процессом хоста.",
	}, func() float64 {
		v, _ := sm.GetCPUUsage()
		return v
	})
	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "kmp",
		Subsystem: "process",
		Name:      "uptime_seconds",
		Help:      "Время работы хоста.",
	}, func() float64 { return time.Since(sm.StartTime).Seconds() })
	for _, c := range []prometheus.Collector{cpuGauge, uptime} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// GetUptime возвращает время работы сервера
func (sm *ServerMetrics) GetUptime() string {
	return formatUptime(time.Since(sm.StartTime))
}

func formatUptime(uptime time.Duration) string {
	days := int(uptime.Hours()) / 24
	hours := int(uptime.Hours()) % 24
	minutes := int(uptime.Minutes()) % 60
	seconds := int(uptime.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dд %dч %dм %dс", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dч %dм %dс", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dм %dс", minutes, seconds)
	default:
		return fmt.Sprintf("%dс", seconds)
	}
}

// GetCPUUsage возвращает использование CPU процессом в процентах
func (sm *ServerMetrics) GetCPUUsage() (float64, error) {
	sm.once.Do(func() {
		sm.proc, _ = process.NewProcess(int32(os.Getpid()))
	})
	if sm.proc != nil {
		if v, err := sm.proc.CPUPercent(); err == nil {
			return v, nil
		}
	}
	// Если не удалось получить метрику процесса, берём системную без ожидания
	return sm.GetSystemCPUUsage(0)
}

// GetSystemCPUUsage возвращает общее использование CPU системы.
// interval 0 сравнивает с предыдущим вызовом.
func (sm *ServerMetrics) GetSystemCPUUsage(interval time.Duration) (float64, error) {
	cpuPercents, err := cpu.Percent(interval, false)
	if err != nil || len(cpuPercents) == 0 {
		return 0, err
	}
	return cpuPercents[0], nil
}

// Sample собирает ProcessSample
func (sm *ServerMetrics) Sample() ProcessSample {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(sm.StartTime)
	s := ProcessSample{
		Uptime:        formatUptime(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		MemoryMB:      float64(m.Alloc) / 1024 / 1024,
		HeapMB:        float64(m.HeapAlloc) / 1024 / 1024,
		SysMB:         float64(m.Sys) / 1024 / 1024,
		NumGC:         m.NumGC,
		Goroutines:    runtime.NumGoroutine(),
	}
	s.CPUPercent, _ = sm.GetCPUUsage()
	s.SystemCPU, _ = sm.GetSystemCPUUsage(0)
	return s
}
