package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/annel0/kmp-host/internal/logging"
	"github.com/annel0/kmp-host/internal/protocol"
)

// maxDatagram предел размера датаграммы
const maxDatagram = 64 * 1024

// BindFunc проверяет UDPBind: участник и одноразовый nonce из HandshakeAck
type BindFunc func(participantID, nonce string) bool

// DatagramFunc получает кадр от привязанного участника
type DatagramFunc func(participantID string, f *protocol.Frame)

// UDPEndpoint ненадёжный канал: PositionBatch наружу, PositionUpdate внутрь.
// Адрес участника становится известен после UDPBind.
type UDPEndpoint struct {
	conn    *net.UDPConn
	ser     *protocol.MessageSerializer
	logger  *logging.Logger
	metrics *Metrics

	onBind  BindFunc
	onFrame DatagramFunc

	mu     sync.RWMutex
	byPID  map[string]*net.UDPAddr
	byAddr map[string]string
}

// ListenUDP открывает UDP сокет
func ListenUDP(addr string, ser *protocol.MessageSerializer, metrics *Metrics) (*UDPEndpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &UDPEndpoint{
		conn:    conn,
		ser:     ser,
		logger:  logging.GetNetworkLogger(),
		metrics: metrics,
		byPID:   make(map[string]*net.UDPAddr),
		byAddr:  make(map[string]string),
	}, nil
}

// SetHandlers устанавливает проверку привязки и обработчик кадров
func (u *UDPEndpoint) SetHandlers(onBind BindFunc, onFrame DatagramFunc) {
	u.onBind = onBind
	u.onFrame = onFrame
}

// LocalAddr адрес сокета
func (u *UDPEndpoint) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// Serve читает датаграммы до отмены ctx
func (u *UDPEndpoint) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		u.conn.Close()
	}()

	u.logger.Info("📡 UDP endpoint listening on %s", u.conn.LocalAddr())
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			u.logger.Warn("UDP read error: %v", err)
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		f, err := u.ser.Decode(data)
		if err != nil {
			u.metrics.protocolError(ChannelUDP)
			logging.LogProtocolError(u.logger, addr.String(), err, data)
			continue
		}
		u.metrics.received(ChannelUDP, f.Type, n)
		u.handle(f, addr)
	}
}

func (u *UDPEndpoint) handle(f *protocol.Frame, addr *net.UDPAddr) {
	if f.Type == protocol.MsgUDPBind {
		var bind protocol.UDPBind
		if err := f.Unmarshal(&bind); err != nil {
			return
		}
		pid := string(bind.ParticipantID)
		if u.onBind == nil || !u.onBind(pid, bind.Nonce) {
			u.logger.Warn("⚠️ UDP bind rejected: participant=%s addr=%s", pid, addr)
			return
		}
		u.Bind(pid, addr)
		return
	}

	u.mu.RLock()
	pid, ok := u.byAddr[addr.String()]
	u.mu.RUnlock()
	if !ok {
		return // неизвестный адрес
	}
	if u.onFrame != nil {
		u.onFrame(pid, f)
	}
}

// Bind связывает участника с адресом
func (u *UDPEndpoint) Bind(participantID string, addr *net.UDPAddr) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if old, ok := u.byPID[participantID]; ok {
		delete(u.byAddr, old.String())
	}
	u.byPID[participantID] = addr
	u.byAddr[addr.String()] = participantID
	u.logger.Debug("UDP bound: participant=%s addr=%s", participantID, addr)
}

// Unbind забывает адрес участника
func (u *UDPEndpoint) Unbind(participantID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if addr, ok := u.byPID[participantID]; ok {
		delete(u.byAddr, addr.String())
		delete(u.byPID, participantID)
	}
}

// Bound есть ли у участника UDP адрес
func (u *UDPEndpoint) Bound(participantID string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.byPID[participantID]
	return ok
}

// SendTo отправляет датаграмму участнику. false — адрес не привязан или отправка не удалась.
// Ненадёжный трафик не повторяется.
func (u *UDPEndpoint) SendTo(participantID string, f *protocol.Frame) bool {
	u.mu.RLock()
	addr, ok := u.byPID[participantID]
	u.mu.RUnlock()
	if !ok {
		return false
	}
	out := *f
	out.Flags &^= protocol.FlagReliable
	data := u.ser.Encode(&out)
	if len(data) > maxDatagram {
		u.metrics.drop(ChannelUDP)
		return false
	}
	_ = u.conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := u.conn.WriteToUDP(data, addr); err != nil {
		u.metrics.drop(ChannelUDP)
		return false
	}
	u.metrics.sent(ChannelUDP, f.Type, len(data))
	return true
}

// Close закрывает сокет
func (u *UDPEndpoint) Close() error { return u.conn.Close() }
