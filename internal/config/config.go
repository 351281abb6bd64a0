package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации хоста.
// Все длительности задаются целыми числами, единица измерения в имени поля.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Tick        TickConfig        `yaml:"tick"`
	Authority   AuthorityConfig   `yaml:"authority"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Replication ReplicationConfig `yaml:"replication"`
	Session     SessionConfig     `yaml:"session"`
	Trade       TradeConfig       `yaml:"trade"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Storage     StorageConfig     `yaml:"storage"`
	EventBus    EventBusConfig    `yaml:"eventbus"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

type ServerConfig struct {
	Name            string  `yaml:"name"`
	Password        string  `yaml:"password"` // пусто — вход без пароля
	MaxParticipants int     `yaml:"max_participants"`
	ProtocolVersion uint32  `yaml:"protocol_version"`
	PvPEnabled      bool    `yaml:"pvp_enabled"`
	GameSpeed       float64 `yaml:"game_speed"`
	LogLevel        string  `yaml:"log_level"`
	TCPPort         int     `yaml:"tcp_port"`
	UDPPort         int     `yaml:"udp_port"`
	KCPPort         int     `yaml:"kcp_port"` // 0 — KCP выключен
	WSPort          int     `yaml:"ws_port"`  // 0 — WebSocket выключен
	GRPCPort        int     `yaml:"grpc_port"`
	RESTPort        int     `yaml:"rest_port"`
	AdminSecret     string  `yaml:"admin_secret"`
	AdminPassword   string  `yaml:"admin_password"`
}

type TickConfig struct {
	IntervalMs      int `yaml:"interval_ms"`
	MaxBatch        int `yaml:"max_batch"`
	QueueCapacity   int `yaml:"queue_capacity"`
	HistorySize     int `yaml:"history_size"`
	MaxCommandAgeMs int `yaml:"max_command_age_ms"`
	FaultThreshold  int `yaml:"fault_threshold"`
}

type AuthorityConfig struct {
	MaxMoveSpeed     float64            `yaml:"max_move_speed"` // единиц в секунду
	AttackRange      float64            `yaml:"attack_range"`
	AttackCooldownMs int                `yaml:"attack_cooldown_ms"`
	InteractRange    float64            `yaml:"interact_range"`
	BuildCosts       map[string]float64 `yaml:"build_costs"` // вид постройки -> building_materials
	Consumables      map[string]float64 `yaml:"consumables"` // предмет -> лечение
	SpawnRange       float64            `yaml:"spawn_range"`
	MaxOwnedEntities int                `yaml:"max_owned_entities"` // 0 — без ограничения
	ConflictPolicy   string             `yaml:"conflict_policy"`    // arrival | receive
}

type RateLimitConfig struct {
	CommandsPerSecond float64 `yaml:"commands_per_second"`
	CommandBurst      float64 `yaml:"command_burst"`
	ChatPerSecond     float64 `yaml:"chat_per_second"`
	ChatBurst         float64 `yaml:"chat_burst"`
}

type ReplicationConfig struct {
	InterestMode        string  `yaml:"interest_mode"` // zone | radius
	ZoneSize            float64 `yaml:"zone_size"`
	InterestRadius      float64 `yaml:"interest_radius"`
	DriftToleranceTicks uint64  `yaml:"drift_tolerance_ticks"`
	PositionThreshold   float64 `yaml:"position_threshold"`
	RotationThreshold   float64 `yaml:"rotation_threshold"`
	TimeSyncSeconds     int     `yaml:"time_sync_seconds"`
	SendBuffer          int     `yaml:"send_buffer"`
}

type SessionConfig struct {
	GraceSeconds       int    `yaml:"grace_seconds"`
	InvulnerableMs     int    `yaml:"invulnerable_ms"`
	HandshakeTimeoutMs int    `yaml:"handshake_timeout_ms"`
	KeepaliveTimeoutMs int    `yaml:"keepalive_timeout_ms"`
	MaxNameLength      int    `yaml:"max_name_length"`
	TokenSecret        string `yaml:"token_secret"` // base64, пусто — случайный на процесс
	WorldHash          string `yaml:"world_hash"`   // пусто — хеш загруженного сохранения
}

type TradeConfig struct {
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	Range          float64 `yaml:"range"`
}

type PersistenceConfig struct {
	Root            string `yaml:"root"`
	SessionID       string `yaml:"session_id"` // пусто — новая сессия
	AutosaveSeconds int    `yaml:"autosave_seconds"`
	BackupKeep      int    `yaml:"backup_keep"`
}

type StorageConfig struct {
	BadgerPath    string `yaml:"badger_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	MariaDSN      string `yaml:"maria_dsn"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
	AuditSQLite   string `yaml:"audit_sqlite"`
}

type EventBusConfig struct {
	URL       string `yaml:"url"` // пусто — in-memory шина
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
	Buffer    int    `yaml:"buffer"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default возвращает конфигурацию со значениями по умолчанию
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:            "KMP Host",
			MaxParticipants: 16,
			ProtocolVersion: 1,
			PvPEnabled:      true,
			GameSpeed:       1.0,
			LogLevel:        "info",
		},
		Tick: TickConfig{
			IntervalMs:      50,
			MaxBatch:        256,
			QueueCapacity:   4096,
			HistorySize:     256,
			MaxCommandAgeMs: 5000,
			FaultThreshold:  3,
		},
		Authority: AuthorityConfig{
			MaxMoveSpeed:     15,
			AttackRange:      5,
			AttackCooldownMs: 1000,
			InteractRange:    3,
			BuildCosts:       map[string]float64{"shack": 10, "wall": 4, "storage_box": 6},
			Consumables:      map[string]float64{"medkit": 25, "ration": 5},
			SpawnRange:       50,
			MaxOwnedEntities: 8,
			ConflictPolicy:   "arrival",
		},
		RateLimit: RateLimitConfig{
			CommandsPerSecond: 30,
			CommandBurst:      60,
			ChatPerSecond:     1,
			ChatBurst:         5,
		},
		Replication: ReplicationConfig{
			InterestMode:        "zone",
			ZoneSize:            750,
			InterestRadius:      750,
			DriftToleranceTicks: 40,
			PositionThreshold:   0.1,
			RotationThreshold:   0.01,
			TimeSyncSeconds:     5,
			SendBuffer:          512,
		},
		Session: SessionConfig{
			GraceSeconds:       300,
			InvulnerableMs:     5000,
			HandshakeTimeoutMs: 5000,
			KeepaliveTimeoutMs: 10000,
			MaxNameLength:      31,
		},
		Trade: TradeConfig{
			TimeoutSeconds: 30,
			Range:          10,
		},
		Persistence: PersistenceConfig{
			Root:            "saves",
			AutosaveSeconds: 300,
			BackupKeep:      5,
		},
		EventBus: EventBusConfig{
			Stream:    "KMP",
			Retention: 24,
			Buffer:    1024,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "kmp-host",
		},
	}
}

// Validate отклоняет бессмысленные значения
func (c *Config) Validate() error {
	switch {
	case c.Tick.IntervalMs <= 0:
		return fmt.Errorf("tick.interval_ms должен быть > 0")
	case c.Tick.MaxBatch <= 0 || c.Tick.QueueCapacity <= 0:
		return fmt.Errorf("tick.max_batch и tick.queue_capacity должны быть > 0")
	case c.Tick.HistorySize <= 0:
		return fmt.Errorf("tick.history_size должен быть > 0")
	case c.Server.MaxParticipants <= 0:
		return fmt.Errorf("server.max_participants должен быть > 0")
	case c.Replication.InterestMode != "zone" && c.Replication.InterestMode != "radius":
		return fmt.Errorf("replication.interest_mode: неизвестный режим %q", c.Replication.InterestMode)
	case c.Authority.ConflictPolicy != "arrival" && c.Authority.ConflictPolicy != "receive":
		return fmt.Errorf("authority.conflict_policy: неизвестная политика %q", c.Authority.ConflictPolicy)
	case c.Replication.ZoneSize <= 0 || c.Replication.InterestRadius <= 0:
		return fmt.Errorf("replication: размеры зоны и радиуса должны быть > 0")
	case c.Session.GraceSeconds < 0 || c.Trade.TimeoutSeconds <= 0:
		return fmt.Errorf("session.grace_seconds/trade.timeout_seconds вне диапазона")
	case c.RateLimit.CommandsPerSecond <= 0 || c.RateLimit.CommandBurst < 1:
		return fmt.Errorf("rate_limit: лимит команд должен быть > 0")
	case c.Persistence.AutosaveSeconds < 0:
		return fmt.Errorf("persistence.autosave_seconds < 0")
	}
	return nil
}

// TickInterval интервал тика
func (t TickConfig) TickInterval() time.Duration {
	return time.Duration(t.IntervalMs) * time.Millisecond
}

// MaxCommandAge максимальный возраст команды в очереди
func (t TickConfig) MaxCommandAge() time.Duration {
	return time.Duration(t.MaxCommandAgeMs) * time.Millisecond
}

// Grace длительность периода ожидания переподключения
func (s SessionConfig) Grace() time.Duration {
	return time.Duration(s.GraceSeconds) * time.Second
}

// Invulnerable окно неуязвимости после разрыва
func (s SessionConfig) Invulnerable() time.Duration {
	return time.Duration(s.InvulnerableMs) * time.Millisecond
}

// HandshakeTimeout время на рукопожатие
func (s SessionConfig) HandshakeTimeout() time.Duration {
	return time.Duration(s.HandshakeTimeoutMs) * time.Millisecond
}

// KeepaliveTimeout тишина, после которой участник считается отключённым
func (s SessionConfig) KeepaliveTimeout() time.Duration {
	return time.Duration(s.KeepaliveTimeoutMs) * time.Millisecond
}

// Timeout таймаут торговли
func (t TradeConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// AutosaveInterval период автосохранения, 0 — выключено
func (p PersistenceConfig) AutosaveInterval() time.Duration {
	return time.Duration(p.AutosaveSeconds) * time.Second
}

// GetTCPPort возвращает TCP порт с поддержкой fallback значений
func (s *ServerConfig) GetTCPPort() int {
	return getPortWithEnvFallback(s.TCPPort, "KMP_TCP_PORT", 27800)
}

// GetUDPPort возвращает UDP порт для ненадёжного канала позиций
func (s *ServerConfig) GetUDPPort() int {
	return getPortWithEnvFallback(s.UDPPort, "KMP_UDP_PORT", 27801)
}

// GetGRPCPort возвращает порт gRPC health-сервиса
func (s *ServerConfig) GetGRPCPort() int {
	return getPortWithEnvFallback(s.GRPCPort, "KMP_GRPC_PORT", 27802)
}

// GetRESTPort возвращает REST API порт с поддержкой fallback значений
func (s *ServerConfig) GetRESTPort() int {
	return getPortWithEnvFallback(s.RESTPort, "KMP_REST_PORT", 8088)
}

// GetKCPPort возвращает KCP порт; 0 означает, что слушатель не запускается
func (s *ServerConfig) GetKCPPort() int {
	return getPortWithEnvFallback(s.KCPPort, "KMP_KCP_PORT", 0)
}

// GetWSPort возвращает порт WebSocket; 0 означает, что слушатель не запускается
func (s *ServerConfig) GetWSPort() int {
	return getPortWithEnvFallback(s.WSPort, "KMP_WS_PORT", 0)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	// Если порт задан в конфиге и больше 0, используем его
	if configPort > 0 {
		return configPort
	}

	// Пробуем прочитать из environment variable
	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	// Используем дефолтное значение
	return defaultPort
}

// Load читает YAML файл поверх значений по умолчанию.
// Если path == "", пытается прочитать путь из ENV KMP_CONFIG; без него возвращает Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("KMP_CONFIG")
		if path == "" {
			return cfg, nil // конфиг не задан — использовать дефолты
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение конфига %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("разбор конфига %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
