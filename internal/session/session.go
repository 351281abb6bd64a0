// Package session ведёт участников сессии: рукопожатие, вход в мир,
// период ожидания после разрыва, переподключение и административные действия.
package session

import (
	"time"

	"github.com/annel0/kmp-host/internal/config"
	"github.com/annel0/kmp-host/internal/network"
	"github.com/annel0/kmp-host/internal/state"
)

// State состояние сессии
type State int

const (
	Lobby State = iota
	Playing
	Paused
	Closed
)

func (s State) String() string {
	switch s {
	case Lobby:
		return "Lobby"
	case Playing:
		return "Playing"
	case Paused:
		return "Paused"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ParticipantState состояние участника
type ParticipantState int

const (
	Connecting ParticipantState = iota
	Authenticated
	InWorld
	Disconnected
	Removed
)

func (s ParticipantState) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Authenticated:
		return "Authenticated"
	case InWorld:
		return "InWorld"
	case Disconnected:
		return "Disconnected"
	case Removed:
		return "Removed"
	default:
		return "Unknown"
	}
}

// Session сведения о сессии
type Session struct {
	SessionID         string
	HostParticipantID state.ParticipantID
	WorldHash         string
	State             State
	ParticipantIDs    []state.ParticipantID // в порядке входа
	StartedAt         time.Time
}

// Participant подключённый (или ожидающий переподключения) игрок
type Participant struct {
	ID             state.ParticipantID
	DisplayName    string
	Token          string
	Version        uint32
	State          ParticipantState
	Entities       []state.EntityID
	ConnID         string
	DisconnectedAt time.Time
	GraceDeadline  time.Time

	lastSeen time.Time
	udpNonce string
	ch       network.NetChannel
}

// Info снимок участника для списка и API
type Info struct {
	ID            state.ParticipantID `json:"id"`
	Name          string              `json:"name"`
	State         string              `json:"state"`
	Host          bool                `json:"host"`
	Entities      []state.EntityID    `json:"entities"`
	Transport     string              `json:"transport,omitempty"`
	RemoteAddr    string              `json:"remoteAddr,omitempty"`
	LastSeen      time.Time           `json:"lastSeen"`
	GraceDeadline *time.Time          `json:"graceDeadline,omitempty"`
}

// Config параметры менеджера сессии
type Config struct {
	SessionID         string
	WorldHash         string
	ProtocolVersion   uint32
	MaxParticipants   int
	MaxNameLength     int
	Grace             time.Duration
	InvulnerableTicks uint64
	KeepaliveTimeout  time.Duration
	TokenTTL          time.Duration
	KickCooldown      time.Duration
	TickRate          int
	SpawnPoint        state.Vec3
}

// ConfigFrom переносит значения из файла конфигурации
func ConfigFrom(cfg *config.Config, sessionID, worldHash string) Config {
	interval := cfg.Tick.TickInterval()
	inv := uint64(0)
	rate := 20
	if interval > 0 {
		inv = uint64(time.Duration(cfg.Session.InvulnerableMs) * time.Millisecond / interval)
		rate = int(time.Second / interval)
	}
	if cfg.Session.WorldHash != "" {
		worldHash = cfg.Session.WorldHash
	}
	return Config{
		SessionID:         sessionID,
		WorldHash:         worldHash,
		ProtocolVersion:   cfg.Server.ProtocolVersion,
		MaxParticipants:   cfg.Server.MaxParticipants,
		MaxNameLength:     cfg.Session.MaxNameLength,
		Grace:             time.Duration(cfg.Session.GraceSeconds) * time.Second,
		InvulnerableTicks: inv,
		KeepaliveTimeout:  time.Duration(cfg.Session.KeepaliveTimeoutMs) * time.Millisecond,
		TokenTTL:          24 * time.Hour,
		KickCooldown:      time.Minute,
		TickRate:          rate,
	}
}

// LifecycleKind событие жизненного цикла участника (аудит, шина событий)
type LifecycleKind string

const (
	LifecycleJoined       LifecycleKind = "joined"
	LifecycleReconnected  LifecycleKind = "reconnected"
	LifecycleDisconnected LifecycleKind = "disconnected"
	LifecycleRemoved      LifecycleKind = "removed"
	LifecycleKicked       LifecycleKind = "kicked"
)

// Lifecycle уведомление о смене состояния участника
type Lifecycle struct {
	Kind          LifecycleKind
	SessionID     string
	ParticipantID state.ParticipantID
	Name          string
	Reason        string
	At            time.Time
}
