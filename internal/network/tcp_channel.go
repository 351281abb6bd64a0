package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/annel0/kmp-host/internal/logging"
	"github.com/annel0/kmp-host/internal/protocol"
)

// framer читает и пишет закодированные конверты поверх конкретного транспорта
type framer interface {
	ReadPayload() ([]byte, error)
	WritePayload(p []byte) error
	Flush() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
	RemoteAddr() net.Addr
}

// streamFramer кадры с 4-байтовым префиксом длины поверх потока (TCP, KCP)
type streamFramer struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func newStreamFramer(conn net.Conn) *streamFramer {
	return &streamFramer{conn: conn, r: bufio.NewReaderSize(conn, 32*1024), w: bufio.NewWriterSize(conn, 32*1024)}
}

func (s *streamFramer) ReadPayload() ([]byte, error) { return protocol.ReadFrame(s.r) }
func (s *streamFramer) WritePayload(p []byte) error { return protocol.WriteFrame(s.w, p) }
func (s *streamFramer) Flush() error { return s.w.Flush() }
func (s *streamFramer) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }
func (s *streamFramer) SetReadDeadline(t time.Time) error { return s.conn.SetReadDeadline(t) }
func (s *streamFramer) Close() error { return s.conn.Close() }
func (s *streamFramer) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Channel реализует NetChannel поверх framer: горутина отправки и горутина приёма
type Channel struct {
	id      string
	typ     ChannelType
	io      framer
	ser     *protocol.MessageSerializer
	config  *ChannelConfig
	logger  *logging.Logger
	metrics *Metrics

	// Буферы
	sendBuffer chan *protocol.Frame
	recvBuffer chan *protocol.Frame

	sendSequence uint32

	// Статистика
	stats ConnectionStats
	mu    sync.RWMutex

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newChannel(typ ChannelType, fr framer, ser *protocol.MessageSerializer, config *ChannelConfig, metrics *Metrics) *Channel {
	if config == nil {
		config = DefaultChannelConfig(typ)
	}
	ch := &Channel{
		id:         fmt.Sprintf("%s-%s", typ, uuid.NewString()[:8]),
		typ:        typ,
		io:         fr,
		ser:        ser,
		config:     config,
		logger:     logging.GetNetworkLogger(),
		metrics:    metrics,
		sendBuffer: make(chan *protocol.Frame, config.BufferSize),
		recvBuffer: make(chan *protocol.Frame, config.BufferSize),
		done:       make(chan struct{}),
	}
	ch.stats.Connected = true
	ch.stats.RemoteAddr = fr.RemoteAddr().String()
	ch.stats.LastActivity = time.Now()

	metrics.connOpened(typ)
	go ch.sendLoop()
	go ch.receiveLoop()
	return ch
}

// NewTCPChannel создаёт канал из принятого TCP соединения
func NewTCPChannel(conn net.Conn, ser *protocol.MessageSerializer, config *ChannelConfig, metrics *Metrics) *Channel {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(15 * time.Second)
	}
	ch := newChannel(ChannelTCP, newStreamFramer(conn), ser, config, metrics)
	ch.logger.Info("TCP channel created from connection: addr=%s id=%s", ch.stats.RemoteAddr, ch.id)
	return ch
}

// DialTCP подключается к хосту (клиенты и инструменты)
func DialTCP(ctx context.Context, addr string, ser *protocol.MessageSerializer, config *ChannelConfig) (*Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewTCPChannel(conn, ser, config, nil), nil
}

// NewPipeChannel канал поверх произвольного net.Conn (например net.Pipe в тестах)
func NewPipeChannel(conn net.Conn, ser *protocol.MessageSerializer, config *ChannelConfig) *Channel {
	return newChannel(ChannelTCP, newStreamFramer(conn), ser, config, nil)
}

func (ch *Channel) ID() string { return ch.id }
func (ch *Channel) Type() ChannelType { return ch.typ }

// Done закрывается при закрытии канала
func (ch *Channel) Done() <-chan struct{} { return ch.done }

// Send отправляет кадр надёжно
func (ch *Channel) Send(ctx context.Context, f *protocol.Frame) error {
	out := ch.stamp(f)
	select {
	case <-ch.done:
		return ErrChannelClosed
	default:
	}
	select {
	case ch.sendBuffer <- out:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-ch.done:
		return ErrChannelClosed
	}
}

// TrySend отправляет кадр без ожидания. false — кадр отброшен.
func (ch *Channel) TrySend(f *protocol.Frame) bool {
	out := ch.stamp(f)
	select {
	case <-ch.done:
		return false
	case ch.sendBuffer <- out:
		return true
	default:
		ch.mu.Lock()
		ch.stats.PacketsDropped++
		ch.mu.Unlock()
		ch.metrics.drop(ch.typ)
		return false
	}
}

// stamp копирует заголовок кадра и проставляет номер. Тело общее и не меняется.
func (ch *Channel) stamp(f *protocol.Frame) *protocol.Frame {
	out := *f
	out.Seq = atomic.AddUint32(&ch.sendSequence, 1)
	return &out
}

// Receive получает кадр
func (ch *Channel) Receive(ctx context.Context) (*protocol.Frame, error) {
	select {
	case f := <-ch.recvBuffer:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ch.done:
		// кадры, прочитанные до закрытия, ещё отдаём
		select {
		case f := <-ch.recvBuffer:
			return f, nil
		default:
			return nil, ErrChannelClosed
		}
	}
}

// closeMarker в очереди отправки: дописать предыдущие кадры и закрыть канал
var closeMarker = &protocol.Frame{}

// Shutdown закрывает канал после отправки уже поставленных кадров
func (ch *Channel) Shutdown(timeout time.Duration) {
	select {
	case ch.sendBuffer <- closeMarker:
	case <-time.After(timeout):
		ch.Close()
	case <-ch.done:
	}
}

// Close закрывает канал. Повторные вызовы безопасны.
func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() {
		close(ch.done)
		ch.closeErr = ch.io.Close()
		ch.mu.Lock()
		ch.stats.Connected = false
		ch.mu.Unlock()
		ch.metrics.connClosed(ch.typ)
		ch.logger.Debug("%s channel closed: id=%s", ch.typ, ch.id)
	})
	return ch.closeErr
}

// RemoteAddr возвращает адрес удалённого клиента
func (ch *Channel) RemoteAddr() string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.stats.RemoteAddr
}

// Stats возвращает статистику соединения
func (ch *Channel) Stats() ConnectionStats {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.stats
}

// sendLoop отправляет кадры, сбрасывая буфер, когда очередь опустела
func (ch *Channel) sendLoop() {
	for {
		select {
		case f := <-ch.sendBuffer:
			if f == closeMarker {
				_ = ch.io.Flush()
				ch.Close()
				return
			}
			if err := ch.write(f); err != nil {
				ch.logger.Warn("Failed to send %s to %s: %v", f.Type, ch.id, err)
				ch.Close()
				return
			}
			if len(ch.sendBuffer) == 0 {
				if err := ch.io.Flush(); err != nil {
					ch.logger.Warn("Failed to flush %s: %v", ch.id, err)
					ch.Close()
					return
				}
			}
		case <-ch.done:
			return
		}
	}
}

func (ch *Channel) write(f *protocol.Frame) error {
	data := ch.ser.Encode(f)
	if ch.config.WriteTimeout > 0 {
		_ = ch.io.SetWriteDeadline(time.Now().Add(ch.config.WriteTimeout))
	}
	if err := ch.io.WritePayload(data); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.stats.PacketsSent++
	ch.stats.BytesSent += uint64(len(data) + 4)
	ch.mu.Unlock()
	ch.metrics.sent(ch.typ, f.Type, len(data)+4)
	return nil
}

// receiveLoop читает кадры. Неразборчивый конверт пропускается, ошибка потока закрывает канал.
func (ch *Channel) receiveLoop() {
	defer ch.Close()

	for {
		if ch.config.ReadTimeout > 0 {
			_ = ch.io.SetReadDeadline(time.Now().Add(ch.config.ReadTimeout))
		}
		data, err := ch.io.ReadPayload()
		if err != nil {
			select {
			case <-ch.done:
			default:
				if errors.Is(err, io.EOF) {
					ch.logger.Info("Connection closed by remote: %s", ch.id)
				} else {
					ch.logger.Warn("Failed to receive from %s: %v", ch.id, err)
				}
			}
			return
		}

		f, err := ch.ser.Decode(data)
		if err != nil {
			ch.metrics.protocolError(ch.typ)
			logging.LogProtocolError(ch.logger, ch.id, err, data)
			continue
		}

		ch.mu.Lock()
		ch.stats.LastActivity = time.Now()
		ch.stats.PacketsReceived++
		ch.stats.BytesReceived += uint64(len(data) + 4)
		ch.mu.Unlock()
		ch.metrics.received(ch.typ, f.Type, len(data)+4)

		select {
		case ch.recvBuffer <- f:
		case <-ch.done:
			return
		}
	}
}
