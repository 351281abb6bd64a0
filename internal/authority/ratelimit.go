package authority

import (
	"sync"

	"github.com/annel0/kmp-host/internal/state"
)

// Class корзина лимита, в которую попадает команда
type Class uint8

const (
	ClassCommand Class = iota
	ClassChat
)

// RateLimitConfig параметры корзин в единицах «в секунду»
type RateLimitConfig struct {
	CommandsPerSecond float64
	CommandBurst      float64
	ChatPerSecond     float64
	ChatBurst         float64
}

type bucket struct {
	tokens   float64
	lastTick uint64
}

// RateLimiter токен-корзины на участника, пополняемые по номеру тика.
// Один и тот же поток команд с теми же тиками всегда даёт те же решения.
type RateLimiter struct {
	mu      sync.Mutex
	perTick [2]float64
	burst   [2]float64
	buckets map[state.ParticipantID]*[2]bucket
}

// NewRateLimiter создаёт лимитер. ticksPerSecond переводит скорость в токены за тик.
func NewRateLimiter(cfg RateLimitConfig, ticksPerSecond float64) *RateLimiter {
	if ticksPerSecond <= 0 {
		ticksPerSecond = 20
	}
	return &RateLimiter{
		perTick: [2]float64{cfg.CommandsPerSecond / ticksPerSecond, cfg.ChatPerSecond / ticksPerSecond},
		burst:   [2]float64{cfg.CommandBurst, cfg.ChatBurst},
		buckets: make(map[state.ParticipantID]*[2]bucket),
	}
}

// Allow списывает токен, если он есть. Новая корзина стартует полной.
func (l *RateLimiter) Allow(p state.ParticipantID, class Class, tick uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	bs, ok := l.buckets[p]
	if !ok {
		bs = &[2]bucket{
			{tokens: l.burst[ClassCommand], lastTick: tick},
			{tokens: l.burst[ClassChat], lastTick: tick},
		}
		l.buckets[p] = bs
	}

	b := &bs[class]
	if tick > b.lastTick {
		b.tokens += float64(tick-b.lastTick) * l.perTick[class]
		if b.tokens > l.burst[class] {
			b.tokens = l.burst[class]
		}
		b.lastTick = tick
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Forget освобождает корзины участника
func (l *RateLimiter) Forget(p state.ParticipantID) {
	l.mu.Lock()
	delete(l.buckets, p)
	l.mu.Unlock()
}

func classOf(cmd Command) Class {
	if _, ok := cmd.(Chat); ok {
		return ClassChat
	}
	return ClassCommand
}
