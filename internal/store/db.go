// Package store persists transit entities in an embedded bbolt database.
//
// Each entity kind lives in its own bucket, keyed by entity key with JSON
// values, so Save is an upsert and re-running a sync never duplicates rows.
// Collections can be observed: every committed change re-emits the full
// collection to subscribers.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/bustrack/transitsync/pkg/errors"
)

// Config represents local store configuration
type Config struct {
	Path        string        `yaml:"path"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// DefaultConfig returns the default store configuration
func DefaultConfig() Config {
	return Config{
		Path:        "/var/lib/transitsync/transit.db",
		OpenTimeout: 5 * time.Second,
	}
}

// Option configures a DB.
type Option func(*DB)

// WithClock sets the clock used for sync bookkeeping.
func WithClock(clock clockwork.Clock) Option {
	return func(db *DB) {
		if clock != nil {
			db.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(db *DB) {
		if logger != nil {
			db.logger = logger
		}
	}
}

// DB wraps a bbolt database and fans out change notifications.
type DB struct {
	bolt   *bolt.DB
	clock  clockwork.Clock
	logger *zap.Logger

	mu       sync.Mutex
	watchers map[string]map[int]chan struct{}
	nextID   int
}

// Open opens or creates the database at cfg.Path.
func Open(cfg Config, opts ...Option) (*DB, error) {
	if cfg.Path == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "store path cannot be empty")
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 5 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	b, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, errors.New(errors.CodeStore, "failed to open store database").
			WithComponent("store").
			WithCause(err)
	}

	db := &DB{
		bolt:     b,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
		watchers: make(map[string]map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(db)
	}

	if err := db.ensureBucket(syncBucket); err != nil {
		_ = b.Close()
		return nil, err
	}

	db.logger.Info("Opened local store", zap.String("path", cfg.Path))
	return db, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.bolt.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.bolt.Path()
}

// Snapshot writes a consistent copy of the database to w.
func (db *DB) Snapshot(w io.Writer) (int64, error) {
	var n int64
	err := db.bolt.View(func(tx *bolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	if err != nil {
		return n, errors.New(errors.CodeStore, "failed to snapshot store").WithCause(err)
	}
	return n, nil
}

// SnapshotSize returns the size a Snapshot would write.
func (db *DB) SnapshotSize() (int64, error) {
	var size int64
	err := db.bolt.View(func(tx *bolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return size, err
}

func (db *DB) ensureBucket(name string) error {
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return errors.New(errors.CodeStore, fmt.Sprintf("failed to create bucket %s", name)).WithCause(err)
	}
	return nil
}

// subscribe returns a coalescing notification channel for bucket.
func (db *DB) subscribe(bucket string) (<-chan struct{}, func()) {
	db.mu.Lock()
	defer db.mu.Unlock()

	id := db.nextID
	db.nextID++
	ch := make(chan struct{}, 1)
	if db.watchers[bucket] == nil {
		db.watchers[bucket] = make(map[int]chan struct{})
	}
	db.watchers[bucket][id] = ch

	return ch, func() {
		db.mu.Lock()
		defer db.mu.Unlock()
		delete(db.watchers[bucket], id)
	}
}

func (db *DB) notify(bucket string) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, ch := range db.watchers[bucket] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
