package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/poiesic/atomstore/core"
	"github.com/poiesic/atomstore/retry"
)

const (
	defaultSequenceBandwidth = 100

	// Optimistic transaction conflicts are retried this many times.
	conflictAttempts = 16
	conflictBackoff  = 200 * time.Microsecond
)

// Backend wraps a BadgerDB instance and provides low-level operations.
type Backend struct {
	db     *badger.DB
	logger *slog.Logger
}

// BackendOption configures OpenBackend.
type BackendOption func(*Backend)

// WithBackendLogger sets the logger badger and the repositories log through.
func WithBackendLogger(logger *slog.Logger) BackendOption {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Info(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenBackend opens a BadgerDB database at the specified path.
// Creates the directory if it doesn't exist.
func OpenBackend(filePath string, inMemory bool, opts ...BackendOption) (*Backend, error) {
	backend := &Backend{logger: slog.Default()}
	for _, opt := range opts {
		opt(backend)
	}

	var badgerOpts badger.Options
	if inMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		info, err := os.Stat(filePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			if err := os.MkdirAll(filePath, 0755); err != nil {
				return nil, err
			}
			info, err = os.Stat(filePath)
			if err != nil {
				return nil, err
			}
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", filePath)
		}
		badgerOpts = badger.DefaultOptions(filePath)
	}

	badgerOpts.Logger = &badgerLoggerAdapter{logger: backend.logger.With("component", "badger")}
	// Blob content is compressed before it gets here.
	badgerOpts.Compression = options.None

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, err
	}
	backend.db = db
	return backend, nil
}

// Close closes the BadgerDB database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// IsClosed returns true if the database is closed.
func (b *Backend) IsClosed() bool {
	return b.db.IsClosed()
}

// WithTx executes a function within a BadgerDB transaction.
// If isWrite is true, creates a read-write transaction.
// The transaction is automatically discarded if fn returns an error.
func (b *Backend) WithTx(fn func(tx *badger.Txn) error, isWrite bool) error {
	tx := b.db.NewTransaction(isWrite)
	defer tx.Discard()
	return fn(tx)
}

// Update runs fn in a read-write transaction and commits it. A commit that
// loses an optimistic conflict is reported as core.ErrDuplicateRace and
// retried with backoff, so fn must be safe to run more than once and must
// re-read everything it depends on.
func (b *Backend) Update(ctx context.Context, fn func(tx *badger.Txn) error) error {
	if b.db.IsClosed() {
		return errClosed
	}
	return retry.WithBackoffIf(ctx, func() error {
		return b.WithTx(func(tx *badger.Txn) error {
			if err := fn(tx); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				if errors.Is(err, badger.ErrConflict) {
					return fmt.Errorf("%w: %w", core.ErrDuplicateRace, err)
				}
				return err
			}
			return nil
		}, true)
	}, conflictAttempts, conflictBackoff, isRace)
}

// View runs fn in a read-only transaction.
func (b *Backend) View(fn func(tx *badger.Txn) error) error {
	if b.db.IsClosed() {
		return errClosed
	}
	return b.WithTx(fn, false)
}

func isRace(err error) bool {
	return errors.Is(err, core.ErrDuplicateRace)
}

// GetSequence returns a BadgerDB sequence for generating sequential IDs.
func (b *Backend) GetSequence(name string) (*badger.Sequence, error) {
	return b.db.GetSequence([]byte(name), defaultSequenceBandwidth)
}

// nextID draws the next non-zero id from a sequence.
func nextID(seq *badger.Sequence) (uint64, error) {
	id, err := seq.Next()
	if err != nil {
		return 0, err
	}
	// BadgerDB sequences can return 0 on first call, so we skip it
	if id == 0 {
		return seq.Next()
	}
	return id, nil
}

// forEachKey visits every key with the given prefix without loading values.
// The key slice is only valid during the callback.
func forEachKey(tx *badger.Txn, prefix []byte, fn func(key []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	iter := tx.NewIterator(opts)
	defer iter.Close()

	for iter.Rewind(); iter.Valid(); iter.Next() {
		if err := fn(iter.Item().Key()); err != nil {
			return err
		}
	}
	return nil
}

// forEachValue visits every key/value pair with the given prefix.
func forEachValue(tx *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	iter := tx.NewIterator(opts)
	defer iter.Close()

	for iter.Rewind(); iter.Valid(); iter.Next() {
		item := iter.Item()
		key := item.Key()
		if err := item.Value(func(val []byte) error {
			return fn(key, val)
		}); err != nil {
			return err
		}
	}
	return nil
}

// readValue returns a copy of the value at key, or nil if it doesn't exist.
func readValue(tx *badger.Txn, key []byte) ([]byte, error) {
	item, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

// exists reports whether key is present.
func exists(tx *badger.Txn, key []byte) (bool, error) {
	_, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// now returns the current time at the resolution timestamps are stored with.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
