package replication

import (
	"context"
	"errors"
	"time"

	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/logging"
	"github.com/annel0/kmp-host/internal/network"
	"github.com/annel0/kmp-host/internal/protocol"
	"github.com/annel0/kmp-host/internal/state"
)

// Sessions приём участников и учёт их активности
type Sessions interface {
	// Accept соединение ждёт рукопожатия (Connecting)
	Accept(ch network.NetChannel)
	// Abandon соединение закрыто до проверки рукопожатия
	Abandon(connID string)
	// Handshake проверяет рукопожатие. При ошибке отказ уже отправлен участнику.
	Handshake(ctx context.Context, ch network.NetChannel, hs protocol.Handshake) (state.ParticipantID, error)
	// Touch отмечает активность участника (keepalive)
	Touch(p state.ParticipantID)
	// ConnectionLost соединение участника потеряно
	ConnectionLost(p state.ParticipantID, connID string)
	// VerifyUDP проверяет nonce привязки UDP
	VerifyUDP(p state.ParticipantID, nonce string) bool
}

// Commands очередь команд тик-движка
type Commands interface {
	Enqueue(env authority.Envelope) error
	TickID() uint64
}

// Router входящая сторона: по одной читающей горутине на соединение
type Router struct {
	sessions         Sessions
	engine           Commands
	fanout           *Fanout
	schema           *protocol.CommandSchema
	handshakeTimeout time.Duration
	logger           *logging.Logger
}

// NewRouter создаёт маршрутизатор
func NewRouter(sessions Sessions, engine Commands, fanout *Fanout, schema *protocol.CommandSchema, handshakeTimeout time.Duration) *Router {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	return &Router{
		sessions:         sessions,
		engine:           engine,
		fanout:           fanout,
		schema:           schema,
		handshakeTimeout: handshakeTimeout,
		logger:           logging.GetReplicationLogger(),
	}
}

var errDisconnect = errors.New("participant disconnected")

// ServeConn обслуживает соединение: рукопожатие, затем чтение кадров до разрыва.
// Подходит как network.ConnHandler.
func (r *Router) ServeConn(ctx context.Context, ch network.NetChannel) {
	r.sessions.Accept(ch)
	defer r.sessions.Abandon(ch.ID())

	hctx, cancel := context.WithTimeout(ctx, r.handshakeTimeout)
	first, err := ch.Receive(hctx)
	cancel()
	if err != nil {
		r.logger.Info("⏱️ %s: рукопожатие не получено за %s", ch.ID(), r.handshakeTimeout)
		return
	}
	if first.Type != protocol.MsgHandshake {
		r.reject(ch, protocol.RejectOther, "expected handshake")
		return
	}
	var hs protocol.Handshake
	if err := first.Unmarshal(&hs); err != nil {
		r.reject(ch, protocol.RejectOther, "malformed handshake")
		return
	}
	pid, err := r.sessions.Handshake(ctx, ch, hs)
	if err != nil {
		r.logger.Info("🚫 %s: рукопожатие отклонено: %v", ch.ID(), err)
		return
	}

	for {
		f, err := ch.Receive(ctx)
		if err != nil {
			r.sessions.ConnectionLost(pid, ch.ID())
			return
		}
		if err := r.dispatch(pid, ch, f); errors.Is(err, errDisconnect) {
			r.sessions.ConnectionLost(pid, ch.ID())
			return
		}
	}
}

func (r *Router) reject(ch network.NetChannel, code protocol.RejectCode, reason string) {
	if f, err := protocol.NewFrame(protocol.MsgHandshakeReject, protocol.HandshakeReject{Code: code, Reason: reason}); err == nil {
		ch.TrySend(f)
	}
	ch.Shutdown(time.Second)
}

// dispatch разбирает кадр участника. Requester всегда из привязки соединения.
func (r *Router) dispatch(pid state.ParticipantID, ch network.NetChannel, f *protocol.Frame) error {
	r.sessions.Touch(pid)

	switch f.Type {
	case protocol.MsgCommand:
		var msg protocol.Command
		if err := f.Unmarshal(&msg); err != nil {
			r.invalid(ch, f.Seq, err)
			return nil
		}
		cmd, err := r.schema.Parse(msg)
		if err != nil {
			r.invalid(ch, f.Seq, err)
			return nil
		}
		r.enqueue(ch, authority.Envelope{Command: cmd, Requester: pid, ClientSeq: f.Seq})

	case protocol.MsgPositionUpdate:
		r.positionUpdate(pid, f)

	case protocol.MsgChat:
		var msg protocol.Chat
		if err := f.Unmarshal(&msg); err != nil {
			r.invalid(ch, f.Seq, err)
			return nil
		}
		r.enqueue(ch, authority.Envelope{Command: authority.Chat{Text: msg.Text}, Requester: pid, ClientSeq: f.Seq})

	case protocol.MsgKeepalive:
		var ka protocol.Keepalive
		if err := f.Unmarshal(&ka); err != nil {
			return nil
		}
		r.fanout.Observe(pid, ka.ObservedTick)
		if ack, err := protocol.NewFrame(protocol.MsgKeepaliveAck, protocol.KeepaliveAck{ClientTime: ka.ClientTime, ServerTick: r.engine.TickID()}); err == nil {
			ch.TrySend(ack)
		}

	case protocol.MsgTickAck:
		var ack protocol.TickAck
		if err := f.Unmarshal(&ack); err == nil {
			r.fanout.Observe(pid, ack.Tick)
		}

	case protocol.MsgResyncRequest:
		r.logger.Debug("🔄 %s запросил полный снимок", pid)
		r.fanout.RequestSnapshot(pid)

	case protocol.MsgDisconnect:
		return errDisconnect

	default:
		r.logger.Debug("⚠️ %s: неожиданное сообщение %s", pid, f.Type)
	}
	return nil
}

// HandleDatagram кадр, пришедший по UDP от привязанного участника
func (r *Router) HandleDatagram(participantID string, f *protocol.Frame) {
	pid := state.ParticipantID(participantID)
	switch f.Type {
	case protocol.MsgPositionUpdate:
		r.sessions.Touch(pid)
		r.positionUpdate(pid, f)
	case protocol.MsgTickAck:
		var ack protocol.TickAck
		if err := f.Unmarshal(&ack); err == nil {
			r.fanout.Observe(pid, ack.Tick)
		}
	}
}

// VerifyUDP проверка UDPBind для network.UDPEndpoint
func (r *Router) VerifyUDP(participantID, nonce string) bool {
	return r.sessions.VerifyUDP(state.ParticipantID(participantID), nonce)
}

// positionUpdate поток позиций становится командой Move без подтверждения
func (r *Router) positionUpdate(pid state.ParticipantID, f *protocol.Frame) {
	var pu protocol.PositionUpdate
	if err := f.Unmarshal(&pu); err != nil {
		return
	}
	err := r.engine.Enqueue(authority.Envelope{
		Command:   authority.Move{Entity: pu.Entity, To: state.Vec3{X: pu.X, Y: pu.Y, Z: pu.Z}, Rotation: pu.Rotation},
		Requester: pid,
	})
	if err != nil {
		r.logger.Trace("PositionUpdate от %s отброшен: %v", pid, err)
	}
}

func (r *Router) enqueue(ch network.NetChannel, env authority.Envelope) {
	if err := r.engine.Enqueue(env); err != nil {
		r.result(ch, protocol.CommandResult{
			Seq:     env.ClientSeq,
			Tick:    r.engine.TickID(),
			Reason:  authority.RateLimited.String(),
			Code:    uint16(authority.RateLimited),
			Message: err.Error(),
		})
	}
}

func (r *Router) invalid(ch network.NetChannel, seq uint32, err error) {
	r.result(ch, protocol.CommandResult{
		Seq:     seq,
		Tick:    r.engine.TickID(),
		Reason:  authority.Invalid.String(),
		Code:    uint16(authority.Invalid),
		Message: err.Error(),
	})
}

func (r *Router) result(ch network.NetChannel, res protocol.CommandResult) {
	if f, err := protocol.NewFrame(protocol.MsgCommandResult, res); err == nil {
		ch.TrySend(f)
	}
}
