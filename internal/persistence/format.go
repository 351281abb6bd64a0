package persistence

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/annel0/kmp-host/internal/clock"
	"github.com/annel0/kmp-host/internal/errs"
	"github.com/annel0/kmp-host/internal/state"
)

// FormatVersion версия формата файлов сохранений
const FormatVersion = 1

const formatMagic = "kmp-save"

// Header первая строка файла. Читается без разбора тела.
type Header struct {
	Format      string    `json:"format"`
	Version     int       `json:"version"`
	Kind        string    `json:"kind"`
	Fingerprint string    `json:"fingerprint"`
	ContentHash string    `json:"hash"`
	SavedAt     time.Time `json:"savedAt"`
}

// WorldSave состояние мира без сущностей участников
type WorldSave struct {
	Version      int                         `json:"version"`
	Fingerprint  string                      `json:"fingerprint"`
	SessionID    string                      `json:"sessionId"`
	TickID       uint64                      `json:"tick"`
	SavedAt      time.Time                   `json:"savedAt"`
	NextEntityID state.EntityID              `json:"nextEntityId"`
	Clock        clock.Snapshot              `json:"clock"`
	Entities     []*state.EntityState        `json:"entities"`
	Factions     map[string][]state.EntityID `json:"factions,omitempty"`
	ContentHash  string                      `json:"contentHash"`
}

// PlayerSave сущности и прогресс одного участника
type PlayerSave struct {
	Version         int                  `json:"version"`
	Fingerprint     string               `json:"fingerprint"`
	ParticipantID   state.ParticipantID  `json:"participantId"`
	DisplayName     string               `json:"displayName"`
	TickID          uint64               `json:"tick"`
	Entities        []*state.EntityState `json:"entities"`
	Position        state.Vec3           `json:"position"`
	Inventory       map[string]float64   `json:"inventory"`
	Skills          map[string]any       `json:"skills,omitempty"`
	FactionStanding map[string]any       `json:"factionStanding,omitempty"`
	ContentHash     string               `json:"contentHash"`
}

// hashed тела с полем ContentHash
type hashed interface {
	hashField() *string
}

func (w *WorldSave) hashField() *string  { return &w.ContentHash }
func (p *PlayerSave) hashField() *string { return &p.ContentHash }

// contentHash sha256 тела с пустым полем хеша
func contentHash(body hashed) (string, error) {
	field := body.hashField()
	saved := *field
	*field = ""
	raw, err := json.Marshal(body)
	*field = saved
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// encode сериализует файл: zstd(заголовок JSON + '\n' + тело JSON)
func encode(kind, fingerprint string, savedAt time.Time, body hashed) ([]byte, string, error) {
	hash, err := contentHash(body)
	if err != nil {
		return nil, "", fmt.Errorf("hash: %w", err)
	}
	*body.hashField() = hash

	head, err := json.Marshal(Header{
		Format: formatMagic, Version: FormatVersion, Kind: kind,
		Fingerprint: fingerprint, ContentHash: hash, SavedAt: savedAt.UTC(),
	})
	if err != nil {
		return nil, "", err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, "", err
	}
	if _, err := zw.Write(append(append(head, '\n'), raw...)); err != nil {
		zw.Close()
		return nil, "", err
	}
	if err := zw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), hash, nil
}

// decode читает файл и проверяет формат, отпечаток и хеш содержимого
func decode(data []byte, kind, fingerprint string, body hashed) (*Header, error) {
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errs.Wrap(errs.State, err, "save: zstd")
	}
	defer zr.Close()

	br := bufio.NewReader(zr)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, errs.Wrap(errs.State, err, "save: header")
	}
	var head Header
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, errs.Wrap(errs.State, err, "save: header")
	}
	if head.Format != formatMagic || head.Kind != kind {
		return nil, errs.New(errs.State, 0, fmt.Sprintf("save: unexpected file %s/%s", head.Format, head.Kind))
	}
	if head.Version > FormatVersion {
		return nil, errs.New(errs.Version, 0, fmt.Sprintf("save: format version %d is newer than %d", head.Version, FormatVersion))
	}
	if fingerprint != "" && head.Fingerprint != fingerprint {
		return nil, errs.New(errs.Version, 0, fmt.Sprintf("save: fingerprint %q, host %q", head.Fingerprint, fingerprint))
	}

	raw, err := io.ReadAll(br)
	if err != nil {
		return nil, errs.Wrap(errs.State, err, "save: body")
	}
	if err := json.Unmarshal(raw, body); err != nil {
		return nil, errs.Wrap(errs.State, err, "save: body")
	}
	want := *body.hashField()
	got, err := contentHash(body)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "save: hash")
	}
	if want != got || head.ContentHash != got {
		return nil, errs.New(errs.State, 0, fmt.Sprintf("save: content hash mismatch %.12s != %.12s", want, got))
	}
	return &head, nil
}

// writeFile пишет атомарно через временный файл и rename
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
