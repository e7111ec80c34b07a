package db

import (
	"context"
	"database/sql"
	"sync"

	apperrors "github.com/fieldsync/core/internal/errors"
	"github.com/fieldsync/core/internal/events"
	"github.com/fieldsync/core/internal/logging"
)

// request is a unit of work for the store worker.
type request struct {
	fn   func(*sql.DB) error
	done chan error
}

// Store owns the queue, staging, conflict and preference tables.
// Every call runs on one worker goroutine, in submission order.
//
// A Store whose database could not be opened is degraded: reads return
// nothing and writes are logged and dropped.
type Store struct {
	db  *DB
	bus *events.Bus

	mu       sync.RWMutex
	closed   bool
	requests chan request
	stopped  chan struct{}
}

// OpenStore opens and migrates the database in dataDir. It never fails:
// when the database is unusable the returned Store is degraded.
func OpenStore(dataDir string, bus *events.Bus) *Store {
	conn, err := Open(dataDir)
	if err != nil {
		logging.ErrorWithCode("Local store unavailable, running degraded", string(apperrors.ErrStoreUnavailable), err,
			map[string]interface{}{"data_dir": dataDir})
		return newDegradedStore(bus)
	}

	s, err := NewStore(conn, bus)
	if err != nil {
		conn.Close()
		logging.ErrorWithCode("Local store migration failed, running degraded", string(apperrors.ErrStoreUnavailable), err,
			map[string]interface{}{"data_dir": dataDir})
		return newDegradedStore(bus)
	}
	return s
}

// NewStore migrates conn and starts the worker.
func NewStore(conn *DB, bus *events.Bus) (*Store, error) {
	if err := NewMigrator(conn.DB, Migrations()).Up(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "failed to migrate local store", err)
	}

	s := &Store{
		db:       conn,
		bus:      bus,
		requests: make(chan request),
		stopped:  make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func newDegradedStore(bus *events.Bus) *Store {
	return &Store{bus: bus}
}

// Degraded reports whether the store is running without a database.
func (s *Store) Degraded() bool {
	return s.db == nil
}

func (s *Store) run() {
	defer close(s.stopped)
	for req := range s.requests {
		req.done <- req.fn(s.db.DB)
	}
}

// do runs fn on the worker and waits for it.
func (s *Store) do(fn func(*sql.DB) error) error {
	if s.Degraded() {
		return apperrors.New(apperrors.ErrStoreUnavailable, "local store is degraded")
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return apperrors.New(apperrors.ErrStoreUnavailable, "local store is closed")
	}
	req := request{fn: fn, done: make(chan error, 1)}
	s.requests <- req
	s.mu.RUnlock()

	return <-req.done
}

// read runs a query on the worker. A degraded store reports no error and
// leaves the caller's zero values in place.
func (s *Store) read(fn func(*sql.DB) error) error {
	if s.Degraded() {
		return nil
	}
	return s.do(fn)
}

// write runs a mutation on the worker. A degraded store logs and drops it.
func (s *Store) write(op string, fn func(*sql.DB) error) error {
	if s.Degraded() {
		logging.Warn("Dropping write on degraded store", map[string]interface{}{"operation": op})
		return nil
	}
	if err := s.do(fn); err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrStoreUnavailable {
			return err
		}
		return apperrors.Wrap(apperrors.ErrDatabase, op+" failed", err)
	}
	return nil
}

// tx runs fn inside a transaction on the worker.
func (s *Store) tx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	return s.write(op, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Close stops the worker and closes the database.
func (s *Store) Close() error {
	if s.Degraded() {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.requests)
	s.mu.Unlock()

	<-s.stopped
	return s.db.Close()
}

// notifyQueue broadcasts the queue length after a queue mutation.
func (s *Store) notifyQueue(ctx context.Context) {
	_ = s.read(func(db *sql.DB) error {
		var n int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&n); err != nil {
			logging.Warn("Failed to count sync queue", map[string]interface{}{"error": err.Error()})
			return nil
		}
		s.bus.Publish(events.Event{Type: events.QueueChanged, PendingCount: n})
		return nil
	})
}
