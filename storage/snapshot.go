// Package storage persists engine snapshots in BadgerDB. It owns the
// schema version and key layout; the engine only sees domain.Snapshot
// values.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"roomchat/domain"
)

// SchemaVersion gates loads: a snapshot written by an incompatible layout
// is discarded rather than half-read.
const SchemaVersion = 1

const (
	metaKey    = "meta:version"
	roomPrefix = "room:"
	userPrefix = "user:"
)

type SnapshotStore struct {
	db  *badger.DB
	log *slog.Logger
}

func NewSnapshotStore(db *badger.DB, log *slog.Logger) SnapshotStore {
	return SnapshotStore{db: db, log: log}
}

// Load restores the last saved snapshot. A missing or version-mismatched
// store yields an empty snapshot, never an error: the process starts
// fresh and overwrites on the next save.
func (s SnapshotStore) Load() (domain.Snapshot, error) {
	snap := domain.NewSnapshot()

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var version int
		if err := item.Value(func(value []byte) error {
			version, err = strconv.Atoi(string(value))
			return err
		}); err != nil {
			return err
		}
		if version != SchemaVersion {
			s.log.Warn("Snapshot version mismatch, starting empty",
				"found", version, "want", SchemaVersion)
			return nil
		}

		if err := scanJSON(txn, roomPrefix, func(name string, room *domain.Room) {
			snap.Rooms[name] = room
		}); err != nil {
			return err
		}
		return scanJSON(txn, userPrefix, func(name string, user *domain.UserRecord) {
			snap.Users[name] = user
		})
	})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("loading snapshot: %w", err)
	}
	return snap, nil
}

// Save writes the whole snapshot in one transaction. Rooms and users are
// never deleted within a process lifetime, so overwriting keys is
// sufficient; no tombstoning pass is needed.
func (s SnapshotStore) Save(snap domain.Snapshot) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(metaKey), []byte(strconv.Itoa(SchemaVersion))); err != nil {
			return err
		}
		for name, room := range snap.Rooms {
			if err := setJSON(txn, roomPrefix+name, room); err != nil {
				return err
			}
		}
		for name, user := range snap.Users {
			if err := setJSON(txn, userPrefix+name, user); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

func setJSON(txn *badger.Txn, key string, value any) error {
	bytes, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), bytes)
}

func scanJSON[T any](txn *badger.Txn, prefix string, visit func(name string, value *T)) error {
	options := badger.DefaultIteratorOptions
	options.Prefix = []byte(prefix)
	it := txn.NewIterator(options)
	defer it.Close()

	for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
		item := it.Item()
		name := strings.TrimPrefix(string(item.Key()), prefix)
		err := item.Value(func(data []byte) error {
			value := new(T)
			if err := json.Unmarshal(data, value); err != nil {
				return err
			}
			visit(name, value)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
