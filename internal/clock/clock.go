// Package clock ведёт игровое время хоста: время суток, номер дня и погоду.
// Клиенты получают их событием TimeSync.
package clock

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/logging"
	"github.com/annel0/kmp-host/internal/protocol"
	"github.com/annel0/kmp-host/internal/tick"
)

// secondsPerDay игровые сутки при game_speed = 1
const secondsPerDay = 86400.0

// Config параметры часов
type Config struct {
	GameSpeed    float64
	TickInterval time.Duration
	SyncEvery    time.Duration // период TimeSync
	Seed         int64
	StartTime    float64 // время суток 0..1 для новой сессии
}

// Snapshot состояние часов (сохранение, TimeSync, API)
type Snapshot struct {
	Day       int     `json:"day"`
	TimeOfDay float64 `json:"timeOfDay"`
	Weather   Weather `json:"weather"`
	GameSpeed float64 `json:"gameSpeed"`
}

// WorldClock игровые часы. Двигаются только тик-системой.
type WorldClock struct {
	cfg     Config
	weather *weatherNoise
	logger  *logging.Logger

	mu       sync.RWMutex
	day      int
	time     float64
	current  Weather
	lastSync uint64
}

// SeedFrom сид погоды из хеша мира
func SeedFrom(worldHash string) int64 {
	return int64(xxhash.Sum64String(worldHash) & math.MaxInt64)
}

// New создаёт часы
func New(cfg Config) *WorldClock {
	if cfg.GameSpeed <= 0 {
		cfg.GameSpeed = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 50 * time.Millisecond
	}
	if cfg.SyncEvery <= 0 {
		cfg.SyncEvery = 5 * time.Second
	}
	c := &WorldClock{
		cfg:     cfg,
		weather: newWeatherNoise(cfg.Seed),
		logger:  logging.GetComponentLogger("clock"),
		time:    math.Mod(cfg.StartTime, 1),
	}
	c.current = c.weather.forDay(0)
	return c
}

// Snapshot текущее состояние
func (c *WorldClock) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{Day: c.day, TimeOfDay: c.time, Weather: c.current, GameSpeed: c.cfg.GameSpeed}
}

// Restore выставляет часы из сохранения. Погода пересчитывается по дню.
func (c *WorldClock) Restore(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.day = s.Day
	c.time = math.Mod(math.Max(s.TimeOfDay, 0), 1)
	c.current = c.weather.forDay(c.day)
	if s.GameSpeed > 0 {
		c.cfg.GameSpeed = s.GameSpeed
	}
	c.logger.Info("🕐 Часы восстановлены: день %d, время %.3f, погода %s", c.day, c.time, c.current)
}

// Advance сдвигает время на dt реального времени. true — наступил новый день.
func (c *WorldClock) Advance(dt time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.time += dt.Seconds() * c.cfg.GameSpeed / secondsPerDay
	newDay := false
	for c.time >= 1 {
		c.time--
		c.day++
		newDay = true
	}
	if newDay {
		prev := c.current
		c.current = c.weather.forDay(c.day)
		if prev != c.current {
			c.logger.Info("🌦️ День %d: погода %s -> %s", c.day, prev, c.current)
		}
	}
	return newDay
}

// TimeSync сообщение о времени на тике
func (c *WorldClock) TimeSync(tickID uint64) protocol.TimeSync {
	s := c.Snapshot()
	return protocol.TimeSync{
		Tick:      tickID,
		Day:       s.Day,
		TimeOfDay: s.TimeOfDay,
		Weather:   string(s.Weather),
		GameSpeed: s.GameSpeed,
	}
}

// System тик-система: двигает часы, раз в SyncEvery и при смене дня шлёт TimeSync
func (c *WorldClock) System() tick.System {
	return tick.SystemFunc{Label: "world_clock", Fn: c.run}
}

func (c *WorldClock) run(ctx context.Context, sc *tick.SystemContext) error {
	newDay := c.Advance(c.cfg.TickInterval)

	every := uint64(c.cfg.SyncEvery / c.cfg.TickInterval)
	if every == 0 {
		every = 1
	}
	c.mu.Lock()
	due := newDay || c.lastSync == 0 || sc.TickID-c.lastSync >= every
	if due {
		c.lastSync = sc.TickID
	}
	c.mu.Unlock()

	if due {
		sc.Emit(authority.Broadcast(authority.EventTimeSync, protocol.EventData(c.TimeSync(sc.TickID))))
	}
	return nil
}
