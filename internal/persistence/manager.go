// Package persistence единственный писатель долговременного состояния хоста:
// сохранения мира, сохранения игроков и резервные копии.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/annel0/kmp-host/internal/clock"
	"github.com/annel0/kmp-host/internal/config"
	"github.com/annel0/kmp-host/internal/errs"
	"github.com/annel0/kmp-host/internal/logging"
	"github.com/annel0/kmp-host/internal/state"
	"github.com/annel0/kmp-host/internal/storage"
	"github.com/annel0/kmp-host/internal/tick"
)

const (
	kindWorld  = "world"
	kindPlayer = "player"

	worldFile   = "world.save"
	playersDir  = "players"
	backupsDir  = "backups"
	backupStamp = "20060102T150405.000Z"
)

var (
	// ErrNoSave файла сохранения нет
	ErrNoSave = errors.New("persistence: no save")

	// ErrNothingToSave движок ещё не опубликовал ни одного тика
	ErrNothingToSave = errors.New("persistence: no world tick yet")
)

// Config параметры сохранений
type Config struct {
	Root             string
	SessionID        string
	Fingerprint      string
	AutosaveInterval time.Duration
	BackupKeep       int
}

// ConfigFrom переносит значения из файла конфигурации
func ConfigFrom(cfg *config.Config, fingerprint string) Config {
	return Config{
		Root:             cfg.Persistence.Root,
		SessionID:        cfg.Persistence.SessionID,
		Fingerprint:      fingerprint,
		AutosaveInterval: cfg.Persistence.AutosaveInterval(),
		BackupKeep:       cfg.Persistence.BackupKeep,
	}
}

// Fingerprint версия протокола плюс хеш базового мира
func Fingerprint(protocolVersion uint32, worldHash string) string {
	return fmt.Sprintf("v%d:%s", protocolVersion, worldHash)
}

// ClockSource источник состояния игровых часов
type ClockSource interface {
	Snapshot() clock.Snapshot
}

// Manager пишет сохранения из последнего опубликованного WorldTick.
// Тик-поток только подменяет указатель, запись идёт в других горутинах.
type Manager struct {
	cfg    Config
	logger *logging.Logger
	tracer trace.Tracer
	now    func() time.Time
	write  func(path string, data []byte) error

	latest atomic.Pointer[tick.WorldTick]
	group  singleflight.Group

	index     *storage.SaveIndex
	repo      storage.PlayerRepo
	positions storage.PositionCache
	clock     ClockSource
	names     func(state.ParticipantID) string

	mu      sync.Mutex
	fatal   []func(error)
	lastErr error
	saved   time.Time

	saves    *prometheus.CounterVec
	duration prometheus.Histogram
	fatals   prometheus.Counter
}

// Option настройка менеджера
type Option func(*Manager)

// WithIndex подключает индекс сохранений
func WithIndex(ix *storage.SaveIndex) Option { return func(m *Manager) { m.index = ix } }

// WithPlayerRepo зеркалирует сохранения игроков во внешнюю БД
func WithPlayerRepo(r storage.PlayerRepo) Option { return func(m *Manager) { m.repo = r } }

// WithPositionCache зеркалирует последние позиции
func WithPositionCache(c storage.PositionCache) Option {
	return func(m *Manager) { m.positions = c }
}

// WithClock источник часов для WorldSave
func WithClock(c ClockSource) Option { return func(m *Manager) { m.clock = c } }

// WithNames имена участников для сохранений, сделанных автосохранением
func WithNames(fn func(state.ParticipantID) string) Option {
	return func(m *Manager) { m.names = fn }
}

// WithFatalHandler вызывается, когда запись не удалась и после повтора
func WithFatalHandler(fn func(error)) Option {
	return func(m *Manager) { m.fatal = append(m.fatal, fn) }
}

// WithRegistry регистрирует метрики
func WithRegistry(reg prometheus.Registerer) Option {
	return func(m *Manager) { m.registerMetrics(reg) }
}

// WithNow подменяет часы (тесты)
func WithNow(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// withWriter подменяет запись файла (тесты отказов)
func withWriter(fn func(string, []byte) error) Option { return func(m *Manager) { m.write = fn } }

// NewManager создаёт менеджер сохранений
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Root == "" {
		return nil, errs.New(errs.Validation, 0, "persistence: root is empty")
	}
	if cfg.SessionID == "" {
		return nil, errs.New(errs.Validation, 0, "persistence: session id is empty")
	}
	if cfg.BackupKeep <= 0 {
		cfg.BackupKeep = 5
	}
	m := &Manager{
		cfg:    cfg,
		logger: logging.GetPersistenceLogger(),
		tracer: otel.Tracer("kmp-host/persistence"),
		now:    time.Now,
		write:  writeFile,
	}
	m.registerMetrics(nil)
	for _, opt := range opts {
		opt(m)
	}
	if err := os.MkdirAll(m.sessionDir(), 0o755); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "persistence: session dir")
	}
	return m, nil
}

func (m *Manager) registerMetrics(reg prometheus.Registerer) {
	f := promauto.With(reg)
	m.saves = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kmp", Subsystem: "persistence", Name: "saves_total",
		Help: "Записанные файлы сохранений",
	}, []string{"kind", "result"})
	m.duration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kmp",
		Subsystem: "persistence",
		Name:      "save_seconds",
		Help:      "Длительность полного сохранения",
		Buckets:   prometheus.DefBuckets,
	})
	m.fatals = f.NewCounter(prometheus.CounterOpts{
		Namespace: "kmp", Subsystem: "persistence", Name: "fatal_total",
		Help: "Сохранения, не записанные после повтора",
	})
}

// OnFatal добавляет обработчик фатальной ошибки записи
func (m *Manager) OnFatal(fn func(error)) {
	m.mu.Lock()
	m.fatal = append(m.fatal, fn)
	m.mu.Unlock()
}

// OnTick запоминает последний тик. Реализует tick.Sink.
func (m *Manager) OnTick(wt *tick.WorldTick) {
	m.latest.Store(wt)
}

// Healthy false после фатальной ошибки, до первой успешной записи
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr == nil
}

// LastSave время последнего успешного полного сохранения
func (m *Manager) LastSave() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved
}

func (m *Manager) sessionDir() string {
	return filepath.Join(m.cfg.Root, "sessions", m.cfg.SessionID)
}

func (m *Manager) worldPath() string { return filepath.Join(m.sessionDir(), worldFile) }

func (m *Manager) playerPath(pid state.ParticipantID) string {
	return filepath.Join(m.sessionDir(), playersDir, safeName(string(pid))+".save")
}

// safeName имя файла без разделителей пути
func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '.', 0:
			return '_'
		}
		return r
	}, s)
}

// Save полное сохранение: мир и все участники. Одновременные вызовы сливаются в один.
func (m *Manager) Save(ctx context.Context) error {
	_, err, shared := m.group.Do("save", func() (any, error) {
		return nil, m.saveAll(ctx)
	})
	if shared {
		m.logger.Debug("Сохранение объединено с уже идущим")
	}
	return err
}

func (m *Manager) saveAll(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "persistence.Save")
	defer span.End()
	start := m.now()

	wt := m.latest.Load()
	if wt == nil {
		return ErrNothingToSave
	}
	span.SetAttributes(attribute.Int64("tick", int64(wt.TickID)))

	world, owned := split(wt.Entities)
	ws := &WorldSave{
		Version:      FormatVersion,
		Fingerprint:  m.cfg.Fingerprint,
		SessionID:    m.cfg.SessionID,
		TickID:       wt.TickID,
		SavedAt:      m.now().UTC(),
		NextEntityID: wt.NextID,
		Entities:     world,
		Factions:     factions(world),
	}
	if m.clock != nil {
		ws.Clock = m.clock.Snapshot()
	}

	var firstErr error
	if err := m.writeSave(kindWorld, m.worldPath(), "", wt.TickID, ws); err != nil {
		firstErr = err
	}

	pids := make([]state.ParticipantID, 0, len(owned))
	for pid := range owned {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	positions := make(map[state.ParticipantID]state.Vec3, len(pids))
	for _, pid := range pids {
		ps := m.playerSave(pid, m.nameOf(pid), wt.TickID, owned[pid])
		if err := m.writeSave(kindPlayer, m.playerPath(pid), pid, wt.TickID, ps); err != nil && firstErr == nil {
			firstErr = err
		}
		m.mirror(ctx, ps)
		positions[pid] = ps.Position
	}
	if m.positions != nil && len(positions) > 0 {
		if err := m.positions.BatchSave(ctx, positions); err != nil {
			m.logger.Warn("⚠️ Кэш позиций: %v", err)
		}
	}

	m.duration.Observe(m.now().Sub(start).Seconds())
	if firstErr != nil {
		span.RecordError(firstErr)
		span.SetStatus(codes.Error, firstErr.Error())
		return firstErr
	}
	m.mu.Lock()
	m.saved = m.now()
	m.lastErr = nil
	m.mu.Unlock()
	m.logger.Info("💾 Сохранено: тик %d, сущностей мира %d, игроков %d", wt.TickID, len(world), len(pids))
	return nil
}

// split разделяет сущности мира и сущности участников
func split(entities []*state.EntityState) ([]*state.EntityState, map[state.ParticipantID][]*state.EntityState) {
	var world []*state.EntityState
	owned := make(map[state.ParticipantID][]*state.EntityState)
	for _, e := range entities {
		if e.Owner == state.ServerOwner || e.Owner == "" {
			world = append(world, e)
			continue
		}
		owned[e.Owner] = append(owned[e.Owner], e)
	}
	return world, owned
}

// factions члены фракций среди сущностей мира
func factions(entities []*state.EntityState) map[string][]state.EntityID {
	out := make(map[string][]state.EntityID)
	for _, e := range entities {
		if f := e.Text(state.DataFaction); f != "" {
			out[f] = append(out[f], e.ID)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (m *Manager) nameOf(pid state.ParticipantID) string {
	if m.names != nil {
		if n := m.names(pid); n != "" {
			return n
		}
	}
	return string(pid)
}

// playerSave собирает PlayerSave; аватар — сущность Player с наименьшим id
func (m *Manager) playerSave(pid state.ParticipantID, name string, tickID uint64, entities []*state.EntityState) *PlayerSave {
	sorted := make([]*state.EntityState, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	ps := &PlayerSave{
		Version:       FormatVersion,
		Fingerprint:   m.cfg.Fingerprint,
		ParticipantID: pid,
		DisplayName:   name,
		TickID:        tickID,
		Entities:      sorted,
		Inventory:     map[string]float64{},
	}
	for _, e := range sorted {
		if e.Type != state.EntityPlayer {
			continue
		}
		ps.Position = e.Position
		ps.Inventory = state.Inventory(e)
		if v, ok := e.Data[state.DataSkills].(map[string]any); ok {
			ps.Skills = v
		}
		if v, ok := e.Data[state.DataStanding].(map[string]any); ok {
			ps.FactionStanding = v
		}
		break
	}
	return ps
}

// writeSave кодирует и пишет файл; неудача повторяется один раз, затем фатальна
func (m *Manager) writeSave(kind, path string, pid state.ParticipantID, tickID uint64, body hashed) error {
	data, hash, err := encode(kind, m.cfg.Fingerprint, m.now(), body)
	if err != nil {
		m.saves.WithLabelValues(kind, "error").Inc()
		return m.fail(errs.Wrap(errs.Internal, err, "persistence: encode "+kind))
	}
	if err := m.write(path, data); err != nil {
		m.logger.Warn("⚠️ Запись %s не удалась, повтор: %v", path, err)
		if err := m.write(path, data); err != nil {
			m.saves.WithLabelValues(kind, "error").Inc()
			return m.fail(errs.Wrap(errs.Internal, err, "persistence: write "+path))
		}
	}
	m.saves.WithLabelValues(kind, "ok").Inc()

	if m.index != nil {
		rec := storage.SaveRecord{
			SessionID:     m.cfg.SessionID,
			Kind:          storage.SaveKind(kind),
			Path:          m.rel(path),
			ParticipantID: pid,
			ContentHash:   hash,
			TickID:        tickID,
			Size:          len(data),
			SavedAt:       m.now().UTC(),
		}
		if err := m.index.Record(rec); err != nil {
			m.logger.Warn("⚠️ Индекс сохранений: %v", err)
		}
	}
	return nil
}

// fail фатальная ошибка записи: журнал, метрика, обработчики
func (m *Manager) fail(err error) error {
	m.logger.Error("❌ Сохранение не записано: %v", err)
	m.fatals.Inc()
	m.mu.Lock()
	m.lastErr = err
	handlers := append([]func(error){}, m.fatal...)
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(err)
	}
	return err
}

func (m *Manager) rel(path string) string {
	if r, err := filepath.Rel(m.sessionDir(), path); err == nil {
		return filepath.ToSlash(r)
	}
	return path
}

// mirror копия сохранения игрока во внешнюю БД. Ошибки зеркала не фатальны.
func (m *Manager) mirror(ctx context.Context, ps *PlayerSave) {
	if m.repo == nil {
		return
	}
	body, err := json.Marshal(ps)
	if err != nil {
		m.logger.Warn("⚠️ Зеркало игрока %s: %v", ps.ParticipantID, err)
		return
	}
	rec := storage.PlayerRecord{
		SessionID:     m.cfg.SessionID,
		ParticipantID: ps.ParticipantID,
		DisplayName:   ps.DisplayName,
		Position:      ps.Position,
		ContentHash:   ps.ContentHash,
		Body:          body,
		UpdatedAt:     m.now().UTC(),
	}
	if err := m.repo.SavePlayer(ctx, rec); err != nil {
		m.logger.Warn("⚠️ Зеркало игрока %s: %v", ps.ParticipantID, err)
	}
}

// SavePlayer сохраняет сущности одного участника (отключение, удаление)
func (m *Manager) SavePlayer(ctx context.Context, pid state.ParticipantID, name string, entities []*state.EntityState) error {
	ctx, span := m.tracer.Start(ctx, "persistence.SavePlayer", trace.WithAttributes(attribute.String("participant", string(pid))))
	defer span.End()

	var tickID uint64
	if wt := m.latest.Load(); wt != nil {
		tickID = wt.TickID
	}
	ps := m.playerSave(pid, name, tickID, entities)
	if err := m.writeSave(kindPlayer, m.playerPath(pid), pid, tickID, ps); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	m.mirror(ctx, ps)
	if m.positions != nil {
		if err := m.positions.Save(ctx, pid, ps.Position); err != nil {
			m.logger.Warn("⚠️ Кэш позиций: %v", err)
		}
	}
	m.logger.Info("💾 Игрок %s (%s) сохранён: сущностей %d", name, pid, len(entities))
	return nil
}

// LoadPlayer читает сохранение участника. Если файла нет, пробует зеркало в БД.
func (m *Manager) LoadPlayer(ctx context.Context, pid state.ParticipantID) (string, []*state.EntityState, error) {
	ps, err := m.ReadPlayer(ctx, pid)
	if err != nil {
		return "", nil, err
	}
	return ps.DisplayName, ps.Entities, nil
}

// ReadPlayer полное сохранение участника
func (m *Manager) ReadPlayer(ctx context.Context, pid state.ParticipantID) (*PlayerSave, error) {
	data, err := os.ReadFile(m.playerPath(pid))
	if err == nil {
		var ps PlayerSave
		if _, err := decode(data, kindPlayer, m.cfg.Fingerprint, &ps); err != nil {
			return nil, err
		}
		return &ps, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, errs.Wrap(errs.Internal, err, "persistence: read player")
	}
	if m.repo == nil {
		return nil, ErrNoSave
	}

	rec, err := m.repo.LoadPlayer(ctx, m.cfg.SessionID, pid)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoSave
	}
	if err != nil {
		return nil, err
	}
	var ps PlayerSave
	if err := json.Unmarshal(rec.Body, &ps); err != nil {
		return nil, errs.Wrap(errs.State, err, "persistence: mirrored player")
	}
	if got, err := contentHash(&ps); err != nil || got != ps.ContentHash {
		return nil, errs.New(errs.State, 0, "persistence: mirrored player hash mismatch")
	}
	if m.cfg.Fingerprint != "" && ps.Fingerprint != m.cfg.Fingerprint {
		return nil, errs.New(errs.Version, 0, "persistence: mirrored player fingerprint mismatch")
	}
	m.logger.Info("📥 Игрок %s восстановлен из зеркала БД", pid)
	return &ps, nil
}

// LoadWorld читает сохранение мира сессии
func (m *Manager) LoadWorld(ctx context.Context) (*WorldSave, error) {
	_, span := m.tracer.Start(ctx, "persistence.LoadWorld")
	defer span.End()

	data, err := os.ReadFile(m.worldPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSave
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "persistence: read world")
	}
	var ws WorldSave
	if _, err := decode(data, kindWorld, m.cfg.Fingerprint, &ws); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if ws.SessionID != m.cfg.SessionID {
		return nil, errs.New(errs.State, 0, fmt.Sprintf("persistence: world save of session %q", ws.SessionID))
	}
	m.logger.Info("📥 Мир загружен: тик %d, сущностей %d", ws.TickID, len(ws.Entities))
	return &ws, nil
}

// Backup копирует текущие файлы в backups/{время}/ и удаляет лишние копии
func (m *Manager) Backup(ctx context.Context) (string, error) {
	_, span := m.tracer.Start(ctx, "persistence.Backup")
	defer span.End()

	stamp := m.now().UTC().Format(backupStamp)
	dir := filepath.Join(m.sessionDir(), backupsDir, stamp)

	files := []string{m.worldPath()}
	players, _ := filepath.Glob(filepath.Join(m.sessionDir(), playersDir, "*.save"))
	sort.Strings(players)
	files = append(files, players...)

	copied, size := 0, 0
	for _, src := range files {
		data, err := os.ReadFile(src)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", m.fail(errs.Wrap(errs.Internal, err, "persistence: backup read"))
		}
		dst := filepath.Join(dir, m.rel(src))
		if err := m.write(dst, data); err != nil {
			if err := m.write(dst, data); err != nil {
				return "", m.fail(errs.Wrap(errs.Internal, err, "persistence: backup write"))
			}
		}
		copied++
		size += len(data)
	}
	if copied == 0 {
		return "", ErrNoSave
	}

	if m.index != nil {
		var tickID uint64
		if wt := m.latest.Load(); wt != nil {
			tickID = wt.TickID
		}
		if err := m.index.Record(storage.SaveRecord{
			SessionID: m.cfg.SessionID,
			Kind:      storage.KindBackup,
			Path:      m.rel(dir),
			TickID:    tickID,
			Size:      size,
			SavedAt:   m.now().UTC(),
		}); err != nil {
			m.logger.Warn("⚠️ Индекс сохранений: %v", err)
		}
	}
	m.logger.Info("🗄️ Резервная копия %s: файлов %d", stamp, copied)
	m.prune()
	return dir, nil
}

// Backups имена резервных копий, от старых к новым
func (m *Manager) Backups() []string {
	entries, err := os.ReadDir(filepath.Join(m.sessionDir(), backupsDir))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

// prune оставляет BackupKeep последних копий
func (m *Manager) prune() {
	all := m.Backups()
	if len(all) <= m.cfg.BackupKeep {
		return
	}
	for _, name := range all[:len(all)-m.cfg.BackupKeep] {
		dir := filepath.Join(m.sessionDir(), backupsDir, name)
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("⚠️ Удаление копии %s: %v", name, err)
			continue
		}
		if m.index != nil {
			if err := m.index.Remove(m.cfg.SessionID, m.rel(dir)); err != nil {
				m.logger.Warn("⚠️ Индекс сохранений: %v", err)
			}
		}
		m.logger.Debug("Удалена старая копия %s", name)
	}
}

// Saves записи индекса по виду
func (m *Manager) Saves(kind storage.SaveKind) ([]storage.SaveRecord, error) {
	if m.index == nil {
		return nil, nil
	}
	return m.index.List(m.cfg.SessionID, kind)
}

// Run автосохранение с резервной копией каждые AutosaveInterval
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.AutosaveInterval <= 0 {
		m.logger.Info("Автосохранение отключено")
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.cfg.AutosaveInterval)
	defer ticker.Stop()
	m.logger.Info("⏲️ Автосохранение каждые %v, копий %d", m.cfg.AutosaveInterval, m.cfg.BackupKeep)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Save(ctx); err != nil {
				if !errors.Is(err, ErrNothingToSave) {
					m.logger.Error("❌ Автосохранение: %v", err)
				}
				continue
			}
			if _, err := m.Backup(ctx); err != nil && !errors.Is(err, ErrNoSave) {
				m.logger.Error("❌ Резервная копия: %v", err)
			}
		}
	}
}

// Close финальное полное сохранение при закрытии сессии
func (m *Manager) Close(ctx context.Context) error {
	err := m.Save(ctx)
	if errors.Is(err, ErrNothingToSave) {
		return nil
	}
	return err
}
