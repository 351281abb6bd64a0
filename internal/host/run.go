package host

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/annel0/kmp-host/internal/eventbus"
	"github.com/annel0/kmp-host/internal/network"
)

// Start открывает слушатели и запускает тик-движок, автосохранение, шину и API.
// Возвращает управление сразу; остановка через Stop или отмену ctx.
func (h *Host) Start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)
	cfg := h.cfg

	// === ИГРОВОЙ ТРАФИК ===
	if _, err := h.channels.ListenTCP(fmt.Sprintf(":%d", cfg.Server.GetTCPPort())); err != nil {
		return err
	}
	if port := cfg.Server.GetKCPPort(); port > 0 {
		if _, err := h.channels.ListenKCP(fmt.Sprintf(":%d", port)); err != nil {
			return err
		}
	}
	if port := cfg.Server.GetWSPort(); port > 0 {
		if _, err := h.channels.ListenWS(fmt.Sprintf(":%d", port), "/ws"); err != nil {
			return err
		}
	}
	udp, err := network.ListenUDP(fmt.Sprintf(":%d", cfg.Server.GetUDPPort()), h.serializer, h.netMetrics)
	if err != nil {
		return err
	}
	udp.SetHandlers(h.router.VerifyUDP, h.router.HandleDatagram)
	h.udp.Store(udp)
	h.fanout.SetDatagrams(udp)
	h.goRun(func() { udp.Serve(ctx) })

	// === ФОНОВЫЕ ЗАДАЧИ ===
	h.goRun(func() { h.publisher.Run(ctx) })
	h.goRun(func() { h.busStats.Run(ctx) })
	h.goRun(func() { h.persist.Run(ctx) })
	if _, err := eventbus.StartLoggingListener(ctx, h.bus); err != nil {
		return err
	}
	if err := h.webhooks.Start(ctx, h.bus); err != nil {
		return err
	}

	// === АДМИНИСТРИРОВАНИЕ ===
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GetGRPCPort()))
	if err != nil {
		return err
	}
	h.goRun(func() {
		if err := h.health.Serve(lis); err != nil {
			h.logger.Error("❌ gRPC health: %v", err)
		}
	})
	h.goRun(func() {
		if err := h.admin.Start(); err != nil {
			h.logger.Error("❌ REST API: %v", err)
		}
	})

	if err := h.engine.Start(ctx); err != nil {
		return err
	}

	h.logger.Info("✅ Хост %q запущен, сессия %s", cfg.Server.Name, h.sessionID)
	h.logger.Info("   🎮 Игровой трафик: TCP %d, UDP %d", cfg.Server.GetTCPPort(), cfg.Server.GetUDPPort())
	h.logger.Info("   🌐 REST API: http://localhost:%d", cfg.Server.GetRESTPort())
	h.logger.Info("   ❤️  gRPC health: localhost:%d", cfg.Server.GetGRPCPort())

	go func() {
		select {
		case <-ctx.Done():
			h.Stop("Server shutting down")
		case <-h.done:
		}
	}()
	return nil
}

func (h *Host) goRun(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// Done закрывается после завершения Stop
func (h *Host) Done() <-chan struct{} { return h.done }

// Stop закрывает сессию: участники получают Disconnect, движок останавливается,
// делается финальное сохранение, затем закрываются интерфейсы и хранилища.
// Повторные вызовы возвращают результат первого.
func (h *Host) Stop(reason string) error {
	h.stopOnce.Do(func() {
		defer close(h.done)
		h.logger.Info("📡 Остановка хоста: %s", reason)

		h.sessions.Close(reason)
		if err := h.engine.Stop(); err != nil {
			h.logger.Debug("Движок уже остановлен: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.persist.Close(ctx); err != nil {
			h.logger.Error("❌ Финальное сохранение: %v", err)
			h.stopErr = err
		}

		if err := h.admin.Shutdown(ctx); err != nil {
			h.logger.Error("❌ Остановка REST API: %v", err)
		}
		h.health.Stop()
		if err := h.channels.Stop(); err != nil {
			h.logger.Warn("Остановка сетевых слушателей: %v", err)
		}
		if h.cancel != nil {
			h.cancel()
		}
		h.wg.Wait()
		h.webhooks.Wait()
		h.closeBackends()
		h.logger.Info("👋 Хост остановлен")
	})
	return h.stopErr
}

// closeBackends закрывает шину и хранилища; часть из них может быть не открыта
func (h *Host) closeBackends() {
	if h.publisher != nil {
		h.publisher.Close()
	}
	if h.bus != nil {
		if err := h.bus.Close(); err != nil {
			h.logger.Warn("Закрытие шины: %v", err)
		}
	}
	if h.audit != nil {
		h.audit.Close()
	}
	if h.repo != nil {
		h.repo.Close()
	}
	if h.positions != nil {
		h.positions.Close()
	}
	if h.index != nil {
		h.index.Close()
	}
}
