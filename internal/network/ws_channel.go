package network

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/annel0/kmp-host/internal/protocol"
)

// Один бинарный WebSocket-фрейм — один конверт, без префикса длины
type wsFramer struct {
	conn *websocket.Conn
}

func (w *wsFramer) ReadPayload() ([]byte, error) {
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			if len(data) > protocol.MaxFrameSize {
				return nil, protocol.ErrFrameTooLarge
			}
			return data, nil
		}
		// текстовые сообщения игнорируем
	}
}

func (w *wsFramer) WritePayload(p []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (w *wsFramer) Flush() error { return nil }

func (w *wsFramer) SetWriteDeadline(t time.Time) error { return w.conn.SetWriteDeadline(t) }

func (w *wsFramer) SetReadDeadline(t time.Time) error { return w.conn.SetReadDeadline(t) }

func (w *wsFramer) Close() error {
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return w.conn.Close()
}

func (w *wsFramer) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }

// NewWSChannel оборачивает установленное WebSocket соединение
func NewWSChannel(conn *websocket.Conn, ser *protocol.MessageSerializer, config *ChannelConfig, metrics *Metrics) *Channel {
	conn.SetReadLimit(protocol.MaxFrameSize)
	ch := newChannel(ChannelWebSocket, &wsFramer{conn: conn}, ser, config, metrics)
	ch.logger.Info("WebSocket channel created: addr=%s id=%s", ch.stats.RemoteAddr, ch.id)
	return ch
}

// DialWS подключается к WebSocket точке хоста (ws://host:port/path)
func DialWS(url string, ser *protocol.MessageSerializer, config *ChannelConfig) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return NewWSChannel(conn, ser, config, nil), nil
}

// wsUpgrader инструменты и браузерные клиенты подключаются с любых origin
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
