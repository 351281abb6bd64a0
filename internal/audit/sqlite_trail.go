// Package audit ведёт журнал итогов сделок и событий сессии в SQLite.
// Журнал вторичен: если писатель не успевает, записи отбрасываются, а тик не ждёт.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	_ "modernc.org/sqlite"

	"github.com/annel0/kmp-host/internal/logging"
	"github.com/annel0/kmp-host/internal/session"
	"github.com/annel0/kmp-host/internal/state"
	"github.com/annel0/kmp-host/internal/trade"
)

// TradeEntry строка журнала сделок
type TradeEntry struct {
	TradeID   string              `json:"tradeId"`
	State     string              `json:"state"`
	Reason    string              `json:"reason,omitempty"`
	Initiator state.ParticipantID `json:"initiator"`
	Target    state.ParticipantID `json:"target"`
	Offers    json.RawMessage     `json:"offers"`
	Tick      uint64              `json:"tick"`
	At        time.Time           `json:"at"`
}

// SessionEntry строка журнала сессии
type SessionEntry struct {
	Seq           int64               `json:"seq"`
	SessionID     string              `json:"sessionId"`
	Kind          string              `json:"kind"`
	ParticipantID state.ParticipantID `json:"participantId"`
	Name          string              `json:"name"`
	Reason        string              `json:"reason,omitempty"`
	At            time.Time           `json:"at"`
}

type reqKind int

const (
	reqTrade reqKind = iota + 1
	reqSession
	reqBarrier
)

type req struct {
	kind    reqKind
	trade   trade.Record
	session session.Lifecycle
	done    chan struct{}
}

// SQLiteTrail журнал в файле SQLite с одним пишущим соединением
type SQLiteTrail struct {
	db     *sql.DB
	logger *logging.Logger

	ch     chan req
	wg     sync.WaitGroup
	once   sync.Once
	closed atomic.Bool

	dropped prometheus.Counter
	written *prometheus.CounterVec
}

// Option настройка журнала
type Option func(*SQLiteTrail)

// WithRegistry регистрирует метрики
func WithRegistry(reg prometheus.Registerer) Option {
	return func(s *SQLiteTrail) { s.registerMetrics(reg) }
}

// OpenSQLite открывает (создаёт) журнал по пути path
func OpenSQLite(path string, opts ...Option) (*SQLiteTrail, error) {
	if path == "" {
		return nil, fmt.Errorf("audit: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: pragmas: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: schema: %w", err)
	}

	s := &SQLiteTrail{
		db:     db,
		logger: logging.GetComponentLogger("audit"),
		ch:     make(chan req, 4096),
	}
	s.registerMetrics(nil)
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	s.logger.Info("📒 Журнал аудита: %s", path)
	return s, nil
}

func (s *SQLiteTrail) registerMetrics(reg prometheus.Registerer) {
	f := promauto.With(reg)
	s.dropped = f.NewCounter(prometheus.CounterOpts{
		Namespace: "kmp", Subsystem: "audit", Name: "dropped_total",
		Help: "Записи аудита, отброшенные при переполнении очереди",
	})
	s.written = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kmp", Subsystem: "audit", Name: "written_total",
		Help: "Записанные строки аудита",
	}, []string{"table"})
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			trade_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			reason TEXT,
			initiator TEXT NOT NULL,
			target TEXT NOT NULL,
			offers_json TEXT NOT NULL,
			tick INTEGER NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_initiator ON trades(initiator, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_target ON trades(target, tick);`,
		`CREATE TABLE IF NOT EXISTS session_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			reason TEXT,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_pid ON session_events(participant_id, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// TradeFinished реализует trade.Observer
func (s *SQLiteTrail) TradeFinished(rec trade.Record) {
	s.enqueue(req{kind: reqTrade, trade: rec})
}

// Lifecycle слушатель событий session.Manager
func (s *SQLiteTrail) Lifecycle(ev session.Lifecycle) {
	s.enqueue(req{kind: reqSession, session: ev})
}

func (s *SQLiteTrail) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		s.dropped.Inc()
	}
}

// Flush ждёт, пока писатель обработает всё, что стояло в очереди
func (s *SQLiteTrail) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqBarrier, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close дописывает очередь и закрывает базу
func (s *SQLiteTrail) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteTrail) loop() {
	insertTrade, err := s.db.Prepare(`INSERT OR REPLACE INTO trades(trade_id,state,reason,initiator,target,offers_json,tick,at) VALUES(?,?,?,?,?,?,?,?)`)
	if err != nil {
		s.logger.Error("❌ Аудит: подготовка запроса: %v", err)
	}
	insertSession, err := s.db.Prepare(`INSERT INTO session_events(session_id,kind,participant_id,name,reason,at) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		s.logger.Error("❌ Аудит: подготовка запроса: %v", err)
	}
	defer func() {
		if insertTrade != nil {
			_ = insertTrade.Close()
		}
		if insertSession != nil {
			_ = insertSession.Close()
		}
	}()

	for r := range s.ch {
		switch r.kind {
		case reqBarrier:
			close(r.done)
		case reqTrade:
			if insertTrade == nil {
				continue
			}
			rec := r.trade
			offers, _ := json.Marshal(map[string]map[string]float64{
				"initiator": rec.InitiatorOffer,
				"target":    rec.TargetOffer,
			})
			if _, err := insertTrade.Exec(rec.TradeID, rec.State, rec.Reason, string(rec.Initiator), string(rec.Target),
				string(offers), int64(rec.Tick), rec.At.UTC().Format(time.RFC3339Nano)); err != nil {
				s.logger.Warn("⚠️ Аудит сделки %s: %v", rec.TradeID, err)
				continue
			}
			s.written.WithLabelValues("trades").Inc()
		case reqSession:
			if insertSession == nil {
				continue
			}
			ev := r.session
			if _, err := insertSession.Exec(ev.SessionID, string(ev.Kind), string(ev.ParticipantID), ev.Name, ev.Reason,
				ev.At.UTC().Format(time.RFC3339Nano)); err != nil {
				s.logger.Warn("⚠️ Аудит сессии %s: %v", ev.ParticipantID, err)
				continue
			}
			s.written.WithLabelValues("session_events").Inc()
		}
	}
}

// Trades последние сделки участника (пустой pid — всех), новые первыми
func (s *SQLiteTrail) Trades(ctx context.Context, pid state.ParticipantID, limit int) ([]TradeEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT trade_id,state,COALESCE(reason,''),initiator,target,offers_json,tick,at FROM trades`
	args := []any{}
	if pid != "" {
		query += ` WHERE initiator = ? OR target = ?`
		args = append(args, string(pid), string(pid))
	}
	query += ` ORDER BY tick DESC, trade_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: trades: %w", err)
	}
	defer rows.Close()

	var out []TradeEntry
	for rows.Next() {
		var (
			e          TradeEntry
			initiator  string
			target     string
			offers, at string
			tick       int64
		)
		if err := rows.Scan(&e.TradeID, &e.State, &e.Reason, &initiator, &target, &offers, &tick, &at); err != nil {
			return nil, fmt.Errorf("audit: trades scan: %w", err)
		}
		e.Initiator = state.ParticipantID(initiator)
		e.Target = state.ParticipantID(target)
		e.Offers = json.RawMessage(offers)
		e.Tick = uint64(tick)
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SessionEvents последние события сессии, новые первыми
func (s *SQLiteTrail) SessionEvents(ctx context.Context, limit int) ([]SessionEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq,session_id,kind,participant_id,name,COALESCE(reason,''),at FROM session_events ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: session events: %w", err)
	}
	defer rows.Close()

	var out []SessionEntry
	for rows.Next() {
		var (
			e       SessionEntry
			pid, at string
		)
		if err := rows.Scan(&e.Seq, &e.SessionID, &e.Kind, &pid, &e.Name, &e.Reason, &at); err != nil {
			return nil, fmt.Errorf("audit: session events scan: %w", err)
		}
		e.ParticipantID = state.ParticipantID(pid)
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}
