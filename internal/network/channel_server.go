package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/xtaci/kcp-go/v5"

	"github.com/annel0/kmp-host/internal/logging"
	"github.com/annel0/kmp-host/internal/protocol"
)

// ConnHandler обслуживает соединение до его закрытия (читающая горутина)
type ConnHandler func(ctx context.Context, ch NetChannel)

// ChannelServer принимает соединения участников по TCP, KCP и WebSocket
type ChannelServer struct {
	ser     *protocol.MessageSerializer
	config  *ChannelConfig
	metrics *Metrics
	handler ConnHandler

	listeners []net.Listener
	httpSrv   *http.Server

	// Клиенты
	clients   map[string]NetChannel
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *logging.Logger
}

// NewChannelServer создаёт сервер
func NewChannelServer(ser *protocol.MessageSerializer, config *ChannelConfig, metrics *Metrics) *ChannelServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &ChannelServer{
		ser:     ser,
		config:  config,
		metrics: metrics,
		clients: make(map[string]NetChannel),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logging.GetNetworkLogger(),
	}
}

// SetHandler устанавливает обработчик соединений
func (cs *ChannelServer) SetHandler(h ConnHandler) {
	cs.handler = h
}

// ListenTCP запускает TCP слушатель
func (cs *ChannelServer) ListenTCP(addr string) (net.Addr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	cs.listeners = append(cs.listeners, l)
	cs.wg.Add(1)
	go cs.acceptLoop(l, func(c net.Conn) NetChannel {
		return NewTCPChannel(c, cs.ser, cs.config, cs.metrics)
	})
	cs.logger.Info("🚀 TCP listener started on %s", l.Addr())
	return l.Addr(), nil
}

// ListenKCP запускает KCP слушатель
func (cs *ChannelServer) ListenKCP(addr string) (net.Addr, error) {
	l, err := kcp.ListenWithOptions(addr, nil, 10, 3)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	cs.listeners = append(cs.listeners, l)
	cs.wg.Add(1)
	go cs.acceptLoop(l, func(c net.Conn) NetChannel {
		sess, ok := c.(*kcp.UDPSession)
		if !ok {
			c.Close()
			return nil
		}
		return NewKCPChannel(sess, cs.ser, cs.config, cs.metrics)
	})
	cs.logger.Info("🚀 KCP listener started on %s", l.Addr())
	return l.Addr(), nil
}

// ListenWS запускает HTTP сервер с WebSocket точкой path
func (cs *ChannelServer) ListenWS(addr, path string) (net.Addr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, cs.serveWS)
	cs.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	cs.wg.Add(1)
	go func() {
		defer cs.wg.Done()
		if err := cs.httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cs.logger.Error("WebSocket server error: %v", err)
		}
	}()
	cs.logger.Info("🚀 WebSocket listener started on %s%s", l.Addr(), path)
	return l.Addr(), nil
}

func (cs *ChannelServer) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		cs.logger.Warn("WebSocket upgrade failed: %v", err)
		return
	}
	cs.wg.Add(1)
	go cs.serve(NewWSChannel(conn, cs.ser, cs.config, cs.metrics))
}

// Stop останавливает сервер и закрывает все соединения
func (cs *ChannelServer) Stop() error {
	cs.cancel()
	for _, l := range cs.listeners {
		l.Close()
	}
	if cs.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = cs.httpSrv.Shutdown(ctx)
		cancel()
	}

	cs.clientsMu.Lock()
	for _, ch := range cs.clients {
		ch.Close()
	}
	cs.clientsMu.Unlock()

	cs.wg.Wait()
	cs.logger.Info("🛑 Channel server stopped")
	return nil
}

// acceptLoop принимает входящие соединения
func (cs *ChannelServer) acceptLoop(l net.Listener, wrap func(net.Conn) NetChannel) {
	defer cs.wg.Done()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-cs.ctx.Done():
				return // Сервер останавливается
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			cs.logger.Error("Failed to accept connection: %v", err)
			continue
		}

		ch := wrap(conn)
		if ch == nil {
			continue
		}
		cs.wg.Add(1)
		go cs.serve(ch)
	}
}

// serve регистрирует канал и отдаёт его обработчику
func (cs *ChannelServer) serve(ch NetChannel) {
	defer cs.wg.Done()

	cs.clientsMu.Lock()
	cs.clients[ch.ID()] = ch
	cs.clientsMu.Unlock()

	if cs.handler != nil {
		cs.handler(cs.ctx, ch)
	}
	ch.Close()

	cs.clientsMu.Lock()
	delete(cs.clients, ch.ID())
	cs.clientsMu.Unlock()

	cs.logger.Info("👋 Client %s disconnected", ch.ID())
}

// ClientCount возвращает количество подключенных клиентов
func (cs *ChannelServer) ClientCount() int {
	cs.clientsMu.RLock()
	defer cs.clientsMu.RUnlock()
	return len(cs.clients)
}
