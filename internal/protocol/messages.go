// Package protocol описывает сообщения между хостом и участниками и их кодек.
// Коды сообщений совместимы с исходным клиентом мода там, где совпадает смысл.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/annel0/kmp-host/internal/authority"
	"github.com/annel0/kmp-host/internal/state"
)

// MessageType тип сообщения в заголовке кадра
type MessageType uint8

const (
	// Соединение
	MsgHandshake       MessageType = 0x01
	MsgHandshakeAck    MessageType = 0x02
	MsgHandshakeReject MessageType = 0x03
	MsgDisconnect      MessageType = 0x04
	MsgPlayerJoined    MessageType = 0x05
	MsgPlayerLeft      MessageType = 0x06
	MsgKeepalive       MessageType = 0x07
	MsgKeepaliveAck    MessageType = 0x08

	// Состояние мира
	MsgWorldSnapshot MessageType = 0x10
	MsgTimeSync      MessageType = 0x11
	MsgResyncRequest MessageType = 0x12

	// Движение (ненадёжный канал)
	MsgPositionUpdate MessageType = 0x30
	MsgPositionBatch  MessageType = 0x31

	// Чат
	MsgChat          MessageType = 0x80
	MsgChatBroadcast MessageType = 0x81
	MsgSystem        MessageType = 0x82

	// Команды и репликация
	MsgCommand       MessageType = 0xA0
	MsgCommandResult MessageType = 0xA1
	MsgTickDeltas    MessageType = 0xA2
	MsgEvent         MessageType = 0xA3
	MsgTickAck       MessageType = 0xA4
	MsgUDPBind       MessageType = 0xA5
)

var messageNames = map[MessageType]string{
	MsgHandshake:       "Handshake",
	MsgHandshakeAck:    "HandshakeAck",
	MsgHandshakeReject: "HandshakeReject",
	MsgDisconnect:      "Disconnect",
	MsgPlayerJoined:    "PlayerJoined",
	MsgPlayerLeft:      "PlayerLeft",
	MsgKeepalive:       "Keepalive",
	MsgKeepaliveAck:    "KeepaliveAck",
	MsgWorldSnapshot:   "WorldSnapshot",
	MsgTimeSync:        "TimeSync",
	MsgResyncRequest:   "ResyncRequest",
	MsgPositionUpdate:  "PositionUpdate",
	MsgPositionBatch:   "PositionBatch",
	MsgChat:            "Chat",
	MsgChatBroadcast:   "ChatBroadcast",
	MsgSystem:          "System",
	MsgCommand:         "Command",
	MsgCommandResult:   "CommandResult",
	MsgTickDeltas:      "TickDeltas",
	MsgEvent:           "Event",
	MsgTickAck:         "TickAck",
	MsgUDPBind:         "UDPBind",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(0x%02X)", uint8(t))
}

// Known сообщает, знает ли сервер такой тип
func (t MessageType) Known() bool {
	_, ok := messageNames[t]
	return ok
}

// RejectCode код отказа в рукопожатии. Первые четыре совпадают с исходным клиентом.
type RejectCode uint8

const (
	RejectServerFull      RejectCode = 0
	RejectVersionMismatch RejectCode = 1
	RejectBanned          RejectCode = 2
	RejectOther           RejectCode = 3
	RejectWorldMismatch   RejectCode = 4
	RejectBadPassword     RejectCode = 5
	RejectInvalidName     RejectCode = 6
	RejectBadToken        RejectCode = 7
)

func (c RejectCode) String() string {
	switch c {
	case RejectServerFull:
		return "server full"
	case RejectVersionMismatch:
		return "version mismatch"
	case RejectBanned:
		return "banned"
	case RejectWorldMismatch:
		return "world mismatch"
	case RejectBadPassword:
		return "bad password"
	case RejectInvalidName:
		return "invalid name"
	case RejectBadToken:
		return "bad token"
	default:
		return "rejected"
	}
}

// LeaveReason причина в PlayerLeft
type LeaveReason uint8

const (
	LeaveDisconnect LeaveReason = 0
	LeaveTimeout    LeaveReason = 1
	LeaveKicked     LeaveReason = 2
)

// Handshake первое сообщение клиента
type Handshake struct {
	Version   uint32 `json:"version"`
	Name      string `json:"name"`
	WorldHash string `json:"worldHash"`
	Password  string `json:"password,omitempty"`
	Token     string `json:"token,omitempty"` // токен переподключения
}

// HandshakeAck участник принят
type HandshakeAck struct {
	ParticipantID   state.ParticipantID `json:"participantId"`
	SessionID       string              `json:"sessionId"`
	WorldHash       string              `json:"worldHash"`
	CurrentTick     uint64              `json:"currentTick"`
	Token           string              `json:"token"`
	Entities        []state.EntityID    `json:"entityIds"`
	Host            bool                `json:"host"`
	TickRate        int                 `json:"tickRate"`
	MaxParticipants int                 `json:"maxParticipants"`
	UDPNonce        string              `json:"udpNonce,omitempty"`
}

// HandshakeReject отказ в рукопожатии
type HandshakeReject struct {
	Code   RejectCode `json:"code"`
	Reason string     `json:"reason"`
}

// Disconnect явное отключение
type Disconnect struct {
	Reason string `json:"reason,omitempty"`
}

// PlayerJoined участник вошёл в мир
type PlayerJoined struct {
	ParticipantID state.ParticipantID `json:"participantId"`
	Name          string              `json:"name"`
	Entities      []state.EntityID    `json:"entityIds,omitempty"`
}

// PlayerLeft участник покинул мир
type PlayerLeft struct {
	ParticipantID state.ParticipantID `json:"participantId"`
	Name          string              `json:"name"`
	Reason        LeaveReason         `json:"reason"`
}

// Keepalive клиент жив; ObservedTick — последний применённый тик
type Keepalive struct {
	ClientTime   int64  `json:"clientTime"`
	ObservedTick uint64 `json:"observedTick"`
}

// KeepaliveAck ответ на Keepalive
type KeepaliveAck struct {
	ClientTime int64  `json:"clientTime"`
	ServerTick uint64 `json:"serverTick"`
}

// WorldSnapshot полное видимое состояние
type WorldSnapshot struct {
	Tick     uint64               `json:"tick"`
	Entities []*state.EntityState `json:"entities"`
}

// TimeSync время мира
type TimeSync struct {
	Tick      uint64  `json:"tick"`
	Day       int     `json:"day"`
	TimeOfDay float64 `json:"timeOfDay"`
	Weather   string  `json:"weather"`
	GameSpeed float64 `json:"gameSpeed"`
}

// ResyncRequest клиент потерял состояние
type ResyncRequest struct {
	LastTick uint64 `json:"lastTick"`
}

// PositionUpdate позиция своей сущности от клиента
type PositionUpdate struct {
	Entity   state.EntityID `json:"entity"`
	X        float64        `json:"x"`
	Y        float64        `json:"y"`
	Z        float64        `json:"z"`
	Rotation float64        `json:"rot"`
}

// PositionEntry элемент PositionBatch
type PositionEntry struct {
	ID       state.EntityID `json:"id"`
	X        float64        `json:"x"`
	Y        float64        `json:"y"`
	Z        float64        `json:"z"`
	Rotation float64        `json:"rot"`
}

// PositionBatch Tier-0 поля видимых сущностей за тик
type PositionBatch struct {
	Tick      uint64          `json:"tick"`
	Positions []PositionEntry `json:"positions"`
}

// Chat сообщение чата от клиента
type Chat struct {
	Text string `json:"text"`
}

// ChatBroadcast сообщение чата для всех
type ChatBroadcast struct {
	From state.ParticipantID `json:"from"`
	Name string              `json:"name"`
	Text string              `json:"text"`
}

// System системное сообщение
type System struct {
	Text string `json:"text"`
}

// Command команда клиента. Тело проверяется по JSON-схеме вида команды.
type Command struct {
	Kind authority.Kind  `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// CommandResult решение по команде. Seq — номер кадра команды от клиента.
type CommandResult struct {
	Seq     uint32 `json:"seq"`
	Tick    uint64 `json:"tick"`
	Ok      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
	Code    uint16 `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// TickDeltas надёжная часть изменений тика. PrevTick — предыдущий тик, отправленный
// этому участнику надёжно (снимок или дельты); клиент с другим последним тиком
// пропустил кадр и запрашивает ResyncRequest.
type TickDeltas struct {
	PrevTick uint64              `json:"prevTick"`
	Tick     uint64              `json:"tick"`
	Deltas   []state.EntityDelta `json:"deltas"`
}

// Event игровое событие
type Event struct {
	Tick     uint64              `json:"tick"`
	Kind     authority.EventKind `json:"kind"`
	Priority uint8               `json:"priority,omitempty"`
	Data     map[string]any      `json:"data,omitempty"`
}

// TickAck клиент применил тик
type TickAck struct {
	Tick uint64 `json:"tick"`
}

// UDPBind датаграмма привязки адреса к участнику
type UDPBind struct {
	ParticipantID state.ParticipantID `json:"participantId"`
	Nonce         string              `json:"nonce"`
}

// DecodeCommand превращает проверенное тело в команду резолвера.
// Серверные команды с провода не принимаются.
func DecodeCommand(msg Command) (authority.Command, error) {
	if authority.ServerOnly(msg.Kind) {
		return nil, fmt.Errorf("command %s is server-only", msg.Kind)
	}
	var (
		cmd authority.Command
		err error
	)
	switch msg.Kind {
	case authority.KindMove:
		cmd, err = decodeInto[authority.Move](msg.Body)
	case authority.KindAttack:
		cmd, err = decodeInto[authority.Attack](msg.Body)
	case authority.KindPickUp:
		cmd, err = decodeInto[authority.PickUp](msg.Body)
	case authority.KindDrop:
		cmd, err = decodeInto[authority.Drop](msg.Body)
	case authority.KindUseItem:
		cmd, err = decodeInto[authority.UseItem](msg.Body)
	case authority.KindBuild:
		cmd, err = decodeInto[authority.Build](msg.Body)
	case authority.KindChat:
		cmd, err = decodeInto[authority.Chat](msg.Body)
	case authority.KindSpawnRequest:
		cmd, err = decodeInto[authority.SpawnRequest](msg.Body)
	case authority.KindDespawnRequest:
		cmd, err = decodeInto[authority.DespawnRequest](msg.Body)
	case authority.KindProposeTrade:
		cmd, err = decodeInto[authority.ProposeTrade](msg.Body)
	case authority.KindRespondTrade:
		cmd, err = decodeInto[authority.RespondTrade](msg.Body)
	case authority.KindUpdateOffer:
		cmd, err = decodeInto[authority.UpdateOffer](msg.Body)
	case authority.KindSetReady:
		cmd, err = decodeInto[authority.SetReady](msg.Body)
	case authority.KindConfirmTrade:
		cmd, err = decodeInto[authority.ConfirmTrade](msg.Body)
	case authority.KindCancelTrade:
		cmd, err = decodeInto[authority.CancelTrade](msg.Body)
	default:
		return nil, fmt.Errorf("unknown command kind %q", msg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", msg.Kind, err)
	}
	return cmd, nil
}

func decodeInto[T authority.Command](body json.RawMessage) (authority.Command, error) {
	var v T
	if len(body) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}
