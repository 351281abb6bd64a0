package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/annel0/kmp-host/internal/state"
)

// MariaPlayerRepo реализует PlayerRepo для MariaDB/MySQL.
// Таблица player_saves хранит последнее сохранение каждого участника сессии.
type MariaPlayerRepo struct {
	db *sql.DB
}

// NewMariaPlayerRepo подключается к базе и создаёт таблицу, если её нет.
//
// Параметры:
//
//	dsn - строка подключения (user:pass@tcp(host:port)/dbname?parseTime=true)
func NewMariaPlayerRepo(ctx context.Context, dsn string) (*MariaPlayerRepo, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к MariaDB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось проверить соединение с MariaDB: %w", err)
	}
	repo := &MariaPlayerRepo{db: db}
	if err := repo.createTable(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось создать таблицу: %w", err)
	}
	return repo, nil
}

func (r *MariaPlayerRepo) createTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS player_saves (
			session_id     VARCHAR(64)  NOT NULL,
			participant_id VARCHAR(64)  NOT NULL,
			display_name   VARCHAR(64)  NOT NULL,
			x              DOUBLE       NOT NULL,
			y              DOUBLE       NOT NULL,
			z              DOUBLE       NOT NULL,
			content_hash   CHAR(64)     NOT NULL,
			body           LONGBLOB     NOT NULL,
			updated_at     TIMESTAMP    NOT NULL,
			PRIMARY KEY (session_id, participant_id),
			INDEX idx_updated_at (updated_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ошибка создания таблицы player_saves: %w", err)
	}
	return nil
}

// SavePlayer использует INSERT ... ON DUPLICATE KEY UPDATE
func (r *MariaPlayerRepo) SavePlayer(ctx context.Context, rec PlayerRecord) error {
	if rec.ParticipantID == "" {
		return fmt.Errorf("пустой participantID")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	query := `
		INSERT INTO player_saves (session_id, participant_id, display_name, x, y, z, content_hash, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			display_name = VALUES(display_name),
			x = VALUES(x),
			y = VALUES(y),
			z = VALUES(z),
			content_hash = VALUES(content_hash),
			body = VALUES(body),
			updated_at = VALUES(updated_at)
	`
	_, err := r.db.ExecContext(ctx, query, rec.SessionID, string(rec.ParticipantID), rec.DisplayName,
		rec.Position.X, rec.Position.Y, rec.Position.Z, rec.ContentHash, rec.Body, rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("ошибка сохранения игрока %s: %w", rec.ParticipantID, err)
	}
	return nil
}

func (r *MariaPlayerRepo) LoadPlayer(ctx context.Context, sessionID string, pid state.ParticipantID) (*PlayerRecord, error) {
	query := `SELECT display_name, x, y, z, content_hash, body, updated_at
		FROM player_saves WHERE session_id = ? AND participant_id = ?`

	rec := PlayerRecord{SessionID: sessionID, ParticipantID: pid}
	err := r.db.QueryRowContext(ctx, query, sessionID, string(pid)).Scan(
		&rec.DisplayName,
		&rec.Position.X,
		&rec.Position.Y,
		&rec.Position.Z,
		&rec.ContentHash,
		&rec.Body,
		&rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки игрока %s: %w", pid, err)
	}
	return &rec, nil
}

// Close закрывает соединение с базой данных
func (r *MariaPlayerRepo) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
