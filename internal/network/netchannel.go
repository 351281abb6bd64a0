// Package network предоставляет транспорты участников: TCP, KCP, WebSocket и UDP
// для ненадёжного трафика. Все каналы передают protocol.Frame.
package network

import (
	"context"
	"errors"
	"time"

	"github.com/annel0/kmp-host/internal/protocol"
)

// ChannelType определяет тип канала связи
type ChannelType int

const (
	ChannelTCP ChannelType = iota
	ChannelUDP
	ChannelKCP
	ChannelWebSocket
)

func (t ChannelType) String() string {
	switch t {
	case ChannelTCP:
		return "tcp"
	case ChannelUDP:
		return "udp"
	case ChannelKCP:
		return "kcp"
	case ChannelWebSocket:
		return "ws"
	default:
		return "unknown"
	}
}

var (
	ErrChannelClosed  = errors.New("network: channel closed")
	ErrSendBufferFull = errors.New("network: send buffer full")
)

// ConnectionStats содержит статистику соединения
type ConnectionStats struct {
	PacketsSent     uint64    // Отправлено кадров
	PacketsReceived uint64    // Получено кадров
	PacketsDropped  uint64    // Отброшено ненадёжных кадров
	BytesSent       uint64    // Отправлено байт
	BytesReceived   uint64    // Получено байт
	LastActivity    time.Time // Последняя активность
	Connected       bool      // Статус соединения
	RemoteAddr      string    // Адрес удалённого узла
}

// NetChannel соединение одного участника
type NetChannel interface {
	ID() string
	Type() ChannelType

	// Send ставит кадр в очередь отправки. Блокируется, пока в буфере нет места.
	Send(ctx context.Context, f *protocol.Frame) error
	// TrySend не блокируется: при полном буфере кадр отбрасывается
	TrySend(f *protocol.Frame) bool
	// Receive возвращает следующий входящий кадр
	Receive(ctx context.Context) (*protocol.Frame, error)

	// Shutdown закрывает канал после отправки поставленных кадров
	Shutdown(timeout time.Duration)
	Close() error
	Done() <-chan struct{}
	RemoteAddr() string
	Stats() ConnectionStats
}

// ChannelConfig содержит конфигурацию канала
type ChannelConfig struct {
	Type         ChannelType
	BufferSize   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration // 0 — без таймаута чтения
}

// DefaultChannelConfig возвращает конфигурацию канала по умолчанию
func DefaultChannelConfig(channelType ChannelType) *ChannelConfig {
	return &ChannelConfig{
		Type:         channelType,
		BufferSize:   256,
		WriteTimeout: 5 * time.Second,
	}
}
