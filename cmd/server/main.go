package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/annel0/kmp-host/internal/config"
	"github.com/annel0/kmp-host/internal/host"
	"github.com/annel0/kmp-host/internal/logging"
	"github.com/annel0/kmp-host/internal/observability"
)

func main() {
	var (
		configPath = flag.String("config", "", "путь к YAML конфигу (по умолчанию KMP_CONFIG)")
		sessionID  = flag.String("session", "", "продолжить сохранённую сессию")
		logLevel   = flag.String("log-level", "", "уровень консоли: trace, debug, info, warn, error")
	)
	flag.Parse()

	if err := logging.InitDefaultLogger("server"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("❌ Ошибка загрузки конфигурации: %v", err)
		os.Exit(1)
	}
	if *sessionID != "" {
		cfg.Persistence.SessionID = *sessionID
	}
	level := cfg.Server.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	if level != "" {
		logging.SetDefaultLevel(logging.ParseLevel(level))
	}

	logging.Info("🎮 Запуск хоста совместной игры %q (протокол %d, до %d участников)",
		cfg.Server.Name, cfg.Server.ProtocolVersion, cfg.Server.MaxParticipants)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := host.New(ctx, cfg)
	if err != nil {
		logging.Error("❌ Ошибка сборки хоста: %v", err)
		os.Exit(1)
	}

	shutdownTelemetry, err := observability.InitTelemetry(ctx, cfg.Telemetry, h.SessionID())
	if err != nil {
		logging.Warn("⚠️ OpenTelemetry недоступен: %v", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	if err := h.Start(ctx); err != nil {
		logging.Error("❌ Ошибка запуска хоста: %v", err)
		_ = h.Stop("startup failed")
		os.Exit(1)
	}
	if h.Resumed() {
		logging.Info("♻️ Сессия %s продолжена с тика %d", h.SessionID(), h.Engine().TickID())
	}

	logging.Info("💡 Консоль администратора:")
	logging.Info("   go run ./cmd/tools/hostctl -password <admin_password> status")
	logging.Debug("Ожидание сигналов завершения...")

	// Ждём сигнала ОС или команды stop из консоли
	select {
	case <-ctx.Done():
		logging.Info("📡 Получен сигнал, завершение работы...")
		if err := h.Stop("Server shutting down"); err != nil {
			logging.Error("❌ Финальное сохранение не удалось: %v", err)
		}
	case <-h.Done():
	}

	if err := shutdownTelemetry(context.Background()); err != nil {
		logging.Warn("Остановка телеметрии: %v", err)
	}
	logging.Info("👋 Сервер успешно остановлен")
}
