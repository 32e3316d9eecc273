package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	ctxpkg "github.com/stupiduntilnot/paimon/internal/context"
)

const badgerPrefix = "session:"

// Badger keeps one key per session holding its JSON encoded turns.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a Badger directory at path.
func OpenBadger(path string) (*Badger, error) {
	db, err := badger.Open(badger.DefaultOptions(path).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", path, err)
	}
	return &Badger{db: db}, nil
}

// Load returns every session stored under the session prefix.
func (b *Badger) Load() (map[string]ctxpkg.History, error) {
	sessions := map[string]ctxpkg.History{}
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte(badgerPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := strings.TrimPrefix(string(item.Key()), badgerPrefix)
			err := item.Value(func(val []byte) error {
				var h ctxpkg.History
				if err := json.Unmarshal(val, &h); err != nil {
					return fmt.Errorf("decode session %q: %w", key, err)
				}
				sessions[key] = h
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// Save rewrites every session and deletes the ones no longer present,
// all in one transaction.
func (b *Badger) Save(sessions map[string]ctxpkg.History) error {
	return b.db.Update(func(txn *badger.Txn) error {
		var stale [][]byte
		prefix := []byte(badgerPrefix)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if _, ok := sessions[strings.TrimPrefix(string(key), badgerPrefix)]; !ok {
				stale = append(stale, key)
			}
		}
		it.Close()

		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for key, h := range sessions {
			val, err := json.Marshal(h)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(badgerPrefix+key), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database.
func (b *Badger) Close() error {
	return b.db.Close()
}
