package api

import (
	"errors"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/annel0/kmp-host/internal/logging"
)

// HealthService имя сервиса хоста в gRPC health. Пустое имя отвечает за процесс целиком.
const HealthService = "kmp.Host"

// HealthServer gRPC health для оркестратора и hostctl
type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
	logger *logging.Logger
}

// NewHealthServer сервер стартует в состоянии SERVING
func NewHealthServer() *HealthServer {
	hs := &HealthServer{
		srv:    grpc.NewServer(),
		health: health.NewServer(),
		logger: logging.GetAPILogger(),
	}
	healthpb.RegisterHealthServer(hs.srv, hs.health)
	hs.SetServing(true)
	return hs
}

// SetServing переключает статус хоста
func (hs *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !serving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.health.SetServingStatus("", status)
	hs.health.SetServingStatus(HealthService, status)
}

// PersistenceFatal после фатальной ошибки сохранения хост перестаёт быть здоровым
func (hs *HealthServer) PersistenceFatal(err error) {
	hs.logger.Error("💀 Health: NOT_SERVING после ошибки сохранения: %v", err)
	hs.SetServing(false)
}

// Serve блокируется до Stop
func (hs *HealthServer) Serve(lis net.Listener) error {
	hs.logger.Info("💓 gRPC health на %s", lis.Addr())
	if err := hs.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop переводит статусы в NOT_SERVING и останавливает сервер
func (hs *HealthServer) Stop() {
	hs.health.Shutdown()
	hs.srv.GracefulStop()
}
