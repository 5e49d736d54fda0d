// Package badger stores objects in an embedded BadgerDB database, served
// through the kv adapter.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/gobeaver/storekit"
	"github.com/gobeaver/storekit/kv"
)

// Scheme is the registered scheme of the badger backend.
const Scheme storekit.Scheme = "badger"

// Config holds configuration for the badger backend.
type Config struct {
	// Dir is the database directory. Required unless InMemory is set.
	Dir string `map:"dir" validate:"required_without=InMemory"`

	// InMemory keeps the database in memory only.
	InMemory bool `map:"in_memory"`

	// Root prefixes every key.
	Root string `map:"root"`

	// BlockCacheMB sizes the block cache. Zero keeps the badger default.
	BlockCacheMB int64 `map:"block_cache_mb" validate:"gte=0"`

	// SyncWrites fsyncs every write.
	SyncWrites bool `map:"sync_writes"`

	Logger *slog.Logger `map:"-"`
}

// Scheme implements storekit.Builder.
func (c *Config) Scheme() storekit.Scheme { return Scheme }

// Build implements storekit.Builder. It opens the database.
func (c *Config) Build() (storekit.Accessor, error) {
	return New(*c)
}

// Accessor is a kv.Adapter that owns its database.
type Accessor struct {
	*kv.Adapter
	store *Store
}

// New opens the database described by cfg.
func New(cfg Config) (*Accessor, error) {
	root, err := storekit.NormalizeRoot(cfg.Root)
	if err != nil {
		return nil, storekit.ConfigError(Scheme, fmt.Errorf("root: %w", err))
	}
	logger := storekit.BuildLogger(cfg.Logger, Scheme)

	dir := cfg.Dir
	if cfg.InMemory {
		dir = ""
	}
	opts := badger.DefaultOptions(dir).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithCompression(options.None).
		WithLogger(slogLogger{logger}).
		WithLoggingLevel(badger.WARNING)
	if cfg.BlockCacheMB > 0 {
		opts = opts.WithBlockCacheSize(cfg.BlockCacheMB << 20)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", cfg.Dir, err)
	}
	logger.Debug("badger backend built", "root", root, "dir", cfg.Dir, "in_memory", cfg.InMemory)

	s := &Store{db: db}
	return &Accessor{Adapter: kv.NewAdapter(Scheme, root, s), store: s}, nil
}

// Close closes the database.
func (a *Accessor) Close() error {
	return a.store.Close()
}

// Store implements kv.Store on a badger database.
type Store struct {
	db *badger.DB
}

// NewStore wraps an open database.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, kv.NotFound(key)
	}
	return value, mapError(err)
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	return mapError(s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	}))
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapError(s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	}))
}

// Scan implements kv.Store. Keys come back in lexical order.
func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		n := 0
		for it.Rewind(); it.Valid(); it.Next() {
			// Check context periodically
			if n%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			n++
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, mapError(err)
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger: %w", err)
	}
	return nil
}

// mapError classifies badger errors. Conflicts and blocked writes are
// transient.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict), errors.Is(err, badger.ErrBlockedWrites):
		return storekit.NewError(storekit.KindTransient, "", "", err)
	}
	return err
}

// slogLogger routes badger logs to slog.
type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Errorf(format string, args ...interface{}) {
	s.l.Error(fmt.Sprintf(format, args...))
}

func (s slogLogger) Warningf(format string, args ...interface{}) {
	s.l.Warn(fmt.Sprintf(format, args...))
}

func (s slogLogger) Infof(format string, args ...interface{}) {
	s.l.Info(fmt.Sprintf(format, args...))
}

func (s slogLogger) Debugf(format string, args ...interface{}) {
	s.l.Debug(fmt.Sprintf(format, args...))
}
