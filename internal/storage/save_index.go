package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/annel0/kmp-host/internal/state"
)

// SaveKind вид записанного файла
type SaveKind string

const (
	KindWorld  SaveKind = "world"
	KindPlayer SaveKind = "player"
	KindBackup SaveKind = "backup"
)

// SaveRecord запись индекса об одном файле сохранения
type SaveRecord struct {
	SessionID     string              `json:"sessionId"`
	Kind          SaveKind            `json:"kind"`
	Path          string              `json:"path"`
	ParticipantID state.ParticipantID `json:"participantId,omitempty"`
	ContentHash   string              `json:"hash"`
	TickID        uint64              `json:"tick"`
	Size          int                 `json:"size"`
	SavedAt       time.Time           `json:"savedAt"`
}

// SaveIndex индекс сохранений в BadgerDB. Ключ: save:{session}:{path}.
type SaveIndex struct {
	db      *badger.DB
	mutex   sync.RWMutex
	isReady bool
}

// NewSaveIndex открывает индекс. Пустой путь — индекс в памяти.
func NewSaveIndex(path string) (*SaveIndex, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}
	return &SaveIndex{db: db, isReady: true}, nil
}

// Close закрывает индекс
func (si *SaveIndex) Close() error {
	si.mutex.Lock()
	defer si.mutex.Unlock()
	if !si.isReady {
		return nil
	}
	si.isReady = false
	return si.db.Close()
}

func recordKey(sessionID, path string) []byte {
	return []byte(fmt.Sprintf("save:%s:%s", sessionID, path))
}

// Record добавляет или заменяет запись о файле
func (si *SaveIndex) Record(rec SaveRecord) error {
	si.mutex.RLock()
	defer si.mutex.RUnlock()
	if !si.isReady {
		return fmt.Errorf("индекс сохранений закрыт")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи: %w", err)
	}
	err = si.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.SessionID, rec.Path), data)
	})
	if err != nil {
		return fmt.Errorf("ошибка сохранения в BadgerDB: %w", err)
	}
	return nil
}

// Get запись по пути
func (si *SaveIndex) Get(sessionID, path string) (*SaveRecord, error) {
	si.mutex.RLock()
	defer si.mutex.RUnlock()
	if !si.isReady {
		return nil, fmt.Errorf("индекс сохранений закрыт")
	}

	var rec SaveRecord
	err := si.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(sessionID, path))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения из BadgerDB: %w", err)
	}
	return &rec, nil
}

// Remove удаляет запись (удалённая резервная копия)
func (si *SaveIndex) Remove(sessionID, path string) error {
	si.mutex.RLock()
	defer si.mutex.RUnlock()
	if !si.isReady {
		return fmt.Errorf("индекс сохранений закрыт")
	}
	return si.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(sessionID, path))
	})
}

// List записи сессии; kind == "" — все виды. Сортировка: новые первыми.
func (si *SaveIndex) List(sessionID string, kind SaveKind) ([]SaveRecord, error) {
	si.mutex.RLock()
	defer si.mutex.RUnlock()
	if !si.isReady {
		return nil, fmt.Errorf("индекс сохранений закрыт")
	}

	var out []SaveRecord
	prefix := []byte(fmt.Sprintf("save:%s:", sessionID))
	err := si.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec SaveRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("ошибка десериализации записи: %w", err)
			}
			if kind == "" || rec.Kind == kind {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SavedAt.Equal(out[j].SavedAt) {
			return out[i].SavedAt.After(out[j].SavedAt)
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}
