package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleStore 以嵌入式 KV 保存快照，key 为 snap:<symbol>。
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	if path == "" {
		return nil, errors.New("pebble store path is required")
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func snapshotKey(symbol string) []byte { return []byte("snap:" + symbol) }

func (s *PebbleStore) Save(snap Snapshot) error {
	snap, err := prepare(snap)
	if err != nil {
		return err
	}
	val, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.db.Set(snapshotKey(snap.Symbol), val, pebble.Sync); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (s *PebbleStore) Load(symbol string) (Snapshot, error) {
	val, closer, err := s.db.Get(snapshotKey(symbol))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Snapshot{}, ErrNoSnapshot
		}
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	defer closer.Close()
	var snap Snapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return checkLoaded(snap, symbol)
}

func (s *PebbleStore) Clear(symbol string) error {
	if err := s.db.Delete(snapshotKey(symbol), pebble.Sync); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }
