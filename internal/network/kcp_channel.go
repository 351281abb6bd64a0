package network

import (
	"fmt"

	"github.com/xtaci/kcp-go/v5"

	"github.com/annel0/kmp-host/internal/protocol"
)

// tuneKCP настраивает сессию под игровой трафик
func tuneKCP(sess *kcp.UDPSession) {
	sess.SetStreamMode(true)
	sess.SetWriteDelay(false)
	sess.SetNoDelay(1, 20, 2, 1) // nodelay, интервал 20 мс, быстрый ретрансмит, без congestion control
	sess.SetWindowSize(512, 512)
	sess.SetMtu(1400)
}

// NewKCPChannel создаёт канал из принятой KCP сессии. Кадры идут тем же
// потоком с префиксом длины, что и по TCP.
func NewKCPChannel(sess *kcp.UDPSession, ser *protocol.MessageSerializer, config *ChannelConfig, metrics *Metrics) *Channel {
	tuneKCP(sess)
	ch := newChannel(ChannelKCP, newStreamFramer(sess), ser, config, metrics)
	ch.logger.Info("KCP channel created from connection: addr=%s id=%s", ch.stats.RemoteAddr, ch.id)
	return ch
}

// DialKCP подключается к KCP слушателю хоста
func DialKCP(addr string, ser *protocol.MessageSerializer, config *ChannelConfig) (*Channel, error) {
	sess, err := kcp.DialWithOptions(addr, nil, 10, 3)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewKCPChannel(sess, ser, config, nil), nil
}
