package host

import (
	"context"
	"time"

	"github.com/annel0/kmp-host/internal/config"
	"github.com/annel0/kmp-host/internal/eventbus"
	"github.com/annel0/kmp-host/internal/storage"
)

// openPositionCache Redis при заданном адресе, иначе кэш в памяти
func (h *Host) openPositionCache(ctx context.Context, cfg config.StorageConfig) (storage.PositionCache, error) {
	if cfg.RedisAddr == "" {
		return storage.NewMemoryPositionCache(), nil
	}
	rc := storage.DefaultRedisConfig()
	rc.Addr = cfg.RedisAddr
	rc.Password = cfg.RedisPassword
	cache, err := storage.NewRedisPositionCache(ctx, rc)
	if err != nil {
		return nil, err
	}
	h.logger.Info("📍 Позиции игроков кэшируются в Redis %s", cfg.RedisAddr)
	return cache, nil
}

// openPlayerRepo зеркало сохранений игроков: MariaDB, затем MongoDB. nil — без зеркала.
func (h *Host) openPlayerRepo(ctx context.Context, cfg config.StorageConfig) (storage.PlayerRepo, error) {
	switch {
	case cfg.MariaDSN != "":
		repo, err := storage.NewMariaPlayerRepo(ctx, cfg.MariaDSN)
		if err != nil {
			return nil, err
		}
		h.logger.Info("🗄️ Зеркало сохранений игроков: MariaDB")
		return repo, nil
	case cfg.MongoURI != "":
		db := cfg.MongoDatabase
		if db == "" {
			db = "kmp"
		}
		repo, err := storage.NewMongoPlayerRepo(ctx, storage.MongoConfig{
			URI:        cfg.MongoURI,
			Database:   db,
			Collection: "player_saves",
		})
		if err != nil {
			return nil, err
		}
		h.logger.Info("🗄️ Зеркало сохранений игроков: MongoDB %s", db)
		return repo, nil
	}
	return nil, nil
}

// openBus JetStream при заданном URL, иначе шина в памяти
func (h *Host) openBus(cfg config.EventBusConfig) (eventbus.EventBus, error) {
	if cfg.URL == "" {
		return eventbus.NewMemoryBus(cfg.Buffer), nil
	}
	bus, err := eventbus.NewJetStreamBus(cfg.URL, cfg.Stream, time.Duration(cfg.Retention)*time.Hour)
	if err != nil {
		return nil, err
	}
	h.logger.Info("📨 Шина событий: NATS JetStream %s", cfg.URL)
	return bus, nil
}
