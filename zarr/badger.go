package zarr

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

const BadgerStoreType = "BadgerStore"

// BadgerOptions configures an embedded Badger database backing a store
type BadgerOptions struct {
	// Dir holds the database files. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in RAM, for tests and scratch work
	InMemory bool
	// Logger receives Badger's own log output. Nil silences it.
	Logger *slog.Logger
}

// BadgerStore keeps keys and chunks in a Badger database
type BadgerStore struct {
	db   *badger.DB
	owns bool
}

var _ Store = (*BadgerStore)(nil)

// OpenBadgerStore opens a database for the store. Close releases it.
func OpenBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	var bo badger.Options
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("badger store needs a directory")
		}
		if err := os.MkdirAll(opts.Dir, dirPermissionBits); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", opts.Dir, err)
		}
		bo = badger.DefaultOptions(opts.Dir)
	}
	if opts.Logger != nil {
		bo = bo.WithLogger(&badgerLogger{logger: opts.Logger})
	} else {
		bo = bo.WithLogger(nil)
	}
	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db, owns: true}, nil
}

// NewBadgerStore wraps a database the caller opened and will close
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) Type() string { return BadgerStoreType }

func (s *BadgerStore) Get(key string) (io.ReadCloser, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotfound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(val)), nil
}

func (s *BadgerStore) Put(key string, val io.Reader) error {
	d, err := io.ReadAll(val)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), d)
	})
}

// Close closes the database if the store opened it
func (s *BadgerStore) Close() error {
	if !s.owns {
		return nil
	}
	return s.db.Close()
}

// badgerLogger adapts slog.Logger to Badger's Logger interface
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
