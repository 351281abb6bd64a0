package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/annel0/kmp-host/internal/logging"
	"github.com/annel0/kmp-host/internal/state"
)

// RedisPositionCache хранит позиции участников в Redis для быстрого доступа
// (хостовые утилиты, админка, восстановление после рестарта).
type RedisPositionCache struct {
	client      *redis.Client
	keyPrefix   string
	ttl         time.Duration
	batchSize   int
	batchMu     sync.Mutex
	batchBuffer map[state.ParticipantID]*CachedPosition
	batchTicker *time.Ticker
	shutdown    chan struct{}
	wg          sync.WaitGroup
	logger      *logging.Logger
}

// CachedPosition значение ключа в Redis
type CachedPosition struct {
	ParticipantID state.ParticipantID `json:"participant_id"`
	Position      state.Vec3          `json:"position"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// RedisConfig содержит настройки подключения к Redis
type RedisConfig struct {
	Addr         string        // Адрес Redis сервера
	Password     string        // Пароль (пустой если не требуется)
	DB           int           // Номер базы данных
	KeyPrefix    string        // Префикс для ключей
	TTL          time.Duration // Время жизни записей
	BatchSize    int           // Размер батча для записи
	BatchFlushMs int           // Интервал сброса батча в миллисекундах
}

// DefaultRedisConfig возвращает конфигурацию по умолчанию
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "kmp:pos:",
		TTL:          24 * time.Hour,
		BatchSize:    64,
		BatchFlushMs: 500,
	}
}

// NewRedisPositionCache подключается к Redis и запускает сброс батчей
func NewRedisPositionCache(ctx context.Context, config *RedisConfig) (*RedisPositionCache, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedisPositionCache(client, config), nil
}

func newRedisPositionCache(client *redis.Client, config *RedisConfig) *RedisPositionCache {
	if config.BatchSize <= 0 {
		config.BatchSize = 64
	}
	if config.BatchFlushMs <= 0 {
		config.BatchFlushMs = 500
	}
	c := &RedisPositionCache{
		client:      client,
		keyPrefix:   config.KeyPrefix,
		ttl:         config.TTL,
		batchSize:   config.BatchSize,
		batchBuffer: make(map[state.ParticipantID]*CachedPosition),
		batchTicker: time.NewTicker(time.Duration(config.BatchFlushMs) * time.Millisecond),
		shutdown:    make(chan struct{}),
		logger:      logging.GetStorageLogger(),
	}
	c.wg.Add(1)
	go c.batchFlusher()
	c.logger.Info("🔴 Кэш позиций подключен к Redis %s", config.Addr)
	return c
}

// Save кладёт позицию в батч; полный батч сбрасывается сразу
func (c *RedisPositionCache) Save(ctx context.Context, pid state.ParticipantID, pos state.Vec3) error {
	c.batchMu.Lock()
	c.batchBuffer[pid] = &CachedPosition{ParticipantID: pid, Position: pos, UpdatedAt: time.Now()}
	if len(c.batchBuffer) >= c.batchSize {
		batch := c.batchBuffer
		c.batchBuffer = make(map[state.ParticipantID]*CachedPosition)
		c.batchMu.Unlock()
		return c.flushBatch(ctx, batch)
	}
	c.batchMu.Unlock()
	return nil
}

// Load читает позицию; сначала смотрит в несброшенный батч
func (c *RedisPositionCache) Load(ctx context.Context, pid state.ParticipantID) (state.Vec3, bool, error) {
	c.batchMu.Lock()
	if p, ok := c.batchBuffer[pid]; ok {
		c.batchMu.Unlock()
		return p.Position, true, nil
	}
	c.batchMu.Unlock()

	data, err := c.client.Get(ctx, c.keyPrefix+string(pid)).Result()
	if err == redis.Nil {
		return state.Vec3{}, false, nil
	} else if err != nil {
		return state.Vec3{}, false, fmt.Errorf("failed to get position: %w", err)
	}
	var pos CachedPosition
	if err := json.Unmarshal([]byte(data), &pos); err != nil {
		return state.Vec3{}, false, fmt.Errorf("failed to unmarshal position: %w", err)
	}
	return pos.Position, true, nil
}

func (c *RedisPositionCache) Delete(ctx context.Context, pid state.ParticipantID) error {
	c.batchMu.Lock()
	delete(c.batchBuffer, pid)
	c.batchMu.Unlock()
	if err := c.client.Del(ctx, c.keyPrefix+string(pid)).Err(); err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	return nil
}

// BatchSave пишет позиции одним пайплайном, минуя буфер
func (c *RedisPositionCache) BatchSave(ctx context.Context, positions map[state.ParticipantID]state.Vec3) error {
	now := time.Now()
	batch := make(map[state.ParticipantID]*CachedPosition, len(positions))
	for pid, pos := range positions {
		batch[pid] = &CachedPosition{ParticipantID: pid, Position: pos, UpdatedAt: now}
	}
	c.batchMu.Lock()
	for pid := range positions {
		delete(c.batchBuffer, pid)
	}
	c.batchMu.Unlock()
	return c.flushBatch(ctx, batch)
}

// Close сбрасывает остаток буфера и закрывает соединение
func (c *RedisPositionCache) Close() error {
	close(c.shutdown)
	c.wg.Wait()
	c.batchTicker.Stop()

	c.batchMu.Lock()
	rest := c.batchBuffer
	c.batchBuffer = make(map[state.ParticipantID]*CachedPosition)
	c.batchMu.Unlock()
	if err := c.flushBatch(context.Background(), rest); err != nil {
		c.logger.Warn("⚠️ Остаток позиций не записан: %v", err)
	}
	return c.client.Close()
}

// batchFlusher периодически сбрасывает батч-буфер
func (c *RedisPositionCache) batchFlusher() {
	defer c.wg.Done()
	for {
		select {
		case <-c.shutdown:
			return
		case <-c.batchTicker.C:
			c.batchMu.Lock()
			if len(c.batchBuffer) == 0 {
				c.batchMu.Unlock()
				continue
			}
			batch := c.batchBuffer
			c.batchBuffer = make(map[state.ParticipantID]*CachedPosition)
			c.batchMu.Unlock()

			if err := c.flushBatch(context.Background(), batch); err != nil {
				c.logger.Error("❌ Сброс батча позиций: %v", err)
			}
		}
	}
}

// flushBatch записывает батч позиций в Redis
func (c *RedisPositionCache) flushBatch(ctx context.Context, batch map[state.ParticipantID]*CachedPosition) error {
	if len(batch) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for pid, pos := range batch {
		data, err := json.Marshal(pos)
		if err != nil {
			c.logger.Warn("⚠️ Позиция %s не сериализуется: %v", pid, err)
			continue
		}
		pipe.Set(ctx, c.keyPrefix+string(pid), data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}
