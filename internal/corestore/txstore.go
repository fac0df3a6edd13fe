package corestore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/harvestchain/statecore/config"
	"github.com/harvestchain/statecore/internal/log"
)

// queryer is satisfied by both *sql.DB and *sql.Tx, letting read paths run
// unchanged whether or not a transaction currently wraps them.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// WriterTx is the explicit write-guard handle for re-entrant writer
// acquisition: since Go has no task-local storage, the handle rides the
// context and nested Writer calls detect and reuse it (via
// WriterMaybeTransaction) instead of keying off task identity.
type WriterTx struct {
	tx            *sql.Tx
	store         *TransactionalStore
	savepointSeq  int
	fkDelayActive bool
}

func (w *WriterTx) nextSavepointName() string {
	w.savepointSeq++
	return fmt.Sprintf("sp_%d", w.savepointSeq)
}

type writerTxKey struct{}

func withWriterTx(ctx context.Context, w *WriterTx) context.Context {
	return context.WithValue(ctx, writerTxKey{}, w)
}

func ctxWriterTx(ctx context.Context) *WriterTx {
	w, _ := ctx.Value(writerTxKey{}).(*WriterTx)
	return w
}

// TransactionalStore is a single physical write connection plus N read
// connections over an embedded relational engine with nested savepoints.
// It is the leaf collaborator every other store in this package is built
// on.
type TransactionalStore struct {
	writerDB *sql.DB
	readerDB *sql.DB
	writerMu chan struct{} // capacity-1 channel standing in for the FIFO writer mutex
}

// Open opens (creating if necessary) the database file named by cfg and
// configures WAL journaling and the requested synchronous level on both
// the writer and reader pools.
func Open(cfg *config.Config) (*TransactionalStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", cfg.DBPath())

	writerDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("corestore: open writer connection: %w", err)
	}
	writerDB.SetMaxOpenConns(1)

	readerDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		writerDB.Close()
		return nil, fmt.Errorf("corestore: open reader pool: %w", err)
	}
	readers := cfg.ReaderPoolSize
	if readers < 1 {
		readers = 1
	}
	readerDB.SetMaxOpenConns(readers)

	s := &TransactionalStore{
		writerDB: writerDB,
		readerDB: readerDB,
		writerMu: make(chan struct{}, 1),
	}

	if err := s.configurePragmas(writerDB, cfg); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.configurePragmas(readerDB, cfg); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *TransactionalStore) configurePragmas(db *sql.DB, cfg *config.Config) error {
	if cfg.WAL {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("corestore: set WAL mode: %w", err)
		}
	}
	sync := "FULL"
	switch cfg.Synchronous {
	case config.SynchronousOff:
		sync = "OFF"
	case config.SynchronousNormal:
		sync = "NORMAL"
	case config.SynchronousFull, "":
		sync = "FULL"
	}
	if _, err := db.Exec("PRAGMA synchronous=" + sync); err != nil {
		return fmt.Errorf("corestore: set synchronous level: %w", err)
	}
	return nil
}

// Close releases both connection pools.
func (s *TransactionalStore) Close() error {
	werr := s.writerDB.Close()
	rerr := s.readerDB.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// EnsureSchema creates the v2 schema if absent and refuses to proceed
// against a non-v2 database; v1 files must go through ConvertV1ToV2
// offline.
func (s *TransactionalStore) EnsureSchema(ctx context.Context) error {
	return s.Writer(ctx, func(ctx context.Context, w *WriterTx) error {
		var count int
		row := w.tx.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master WHERE type='table' AND name='database_version'")
		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("corestore: probe schema: %w", err)
		}
		if count == 0 {
			if _, err := w.tx.ExecContext(ctx, schemaV2); err != nil {
				return fmt.Errorf("corestore: create schema: %w", err)
			}
			if _, err := w.tx.ExecContext(ctx, "INSERT INTO database_version(version) VALUES (?)", schemaVersion); err != nil {
				return fmt.Errorf("corestore: stamp schema version: %w", err)
			}
			return nil
		}

		var version int
		row = w.tx.QueryRowContext(ctx, "SELECT version FROM database_version LIMIT 1")
		if err := row.Scan(&version); err != nil {
			return fmt.Errorf("corestore: read schema version: %w", err)
		}
		if version != schemaVersion {
			return fmt.Errorf("%w: found version %d, want %d", ErrUnsupportedSchemaVersion, version, schemaVersion)
		}
		if _, err := w.tx.ExecContext(ctx, schemaV2); err != nil {
			return fmt.Errorf("corestore: ensure schema: %w", err)
		}
		return nil
	})
}

// Writer acquires the write savepoint and runs fn. Nested calls (fn itself
// calling Writer again, directly or via WriterMaybeTransaction) reuse the
// same *sql.Tx and nest a named SAVEPOINT rather than opening a second
// physical transaction. Only the outermost call commits; any failure at
// any depth rolls back to that depth's savepoint and returns the error.
func (s *TransactionalStore) Writer(ctx context.Context, fn func(ctx context.Context, w *WriterTx) error) error {
	if existing := ctxWriterTx(ctx); existing != nil {
		return runNestedSavepoint(ctx, existing, fn)
	}

	select {
	case s.writerMu <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.writerMu }()

	tx, err := s.writerDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("corestore: begin writer transaction: %w", err)
	}
	w := &WriterTx{tx: tx, store: s}
	childCtx := withWriterTx(ctx, w)

	if err := fn(childCtx, w); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			log.Store.Error().Err(rerr).Msg("rollback after writer failure also failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("corestore: commit writer transaction: %w", err)
	}
	return nil
}

func runNestedSavepoint(ctx context.Context, w *WriterTx, fn func(ctx context.Context, w *WriterTx) error) (err error) {
	name := w.nextSavepointName()
	if _, err := w.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("corestore: savepoint %s: %w", name, err)
	}

	defer func() {
		// Cancellation-shielded: a canceled caller must still release its
		// savepoint, so the cleanup statements
		// below always run with a fresh background context.
		cleanupCtx := context.Background()
		if err != nil {
			if _, rerr := w.tx.ExecContext(cleanupCtx, "ROLLBACK TO "+name); rerr != nil {
				log.Store.Error().Err(rerr).Str("savepoint", name).Msg("rollback to savepoint failed")
			}
		}
		if _, rerr := w.tx.ExecContext(cleanupCtx, "RELEASE "+name); rerr != nil {
			log.Store.Error().Err(rerr).Str("savepoint", name).Msg("release savepoint failed")
		}
	}()

	err = fn(ctx, w)
	return err
}

// WriterMaybeTransaction reuses the writer handle already attached to ctx,
// if any, without opening a new savepoint; otherwise it behaves exactly
// like Writer.
func (s *TransactionalStore) WriterMaybeTransaction(ctx context.Context, fn func(ctx context.Context, w *WriterTx) error) error {
	if existing := ctxWriterTx(ctx); existing != nil {
		return fn(ctx, existing)
	}
	return s.Writer(ctx, fn)
}

// Reader obtains a connection from the reader pool, begins a deferred
// read transaction, and rolls it back on exit; reads are always
// side-effect-free, so the rollback is just connection hygiene. A task
// that already holds the writer is served that same connection instead,
// so it observes its own uncommitted writes.
func (s *TransactionalStore) Reader(ctx context.Context, fn func(ctx context.Context, q queryer) error) error {
	if w := ctxWriterTx(ctx); w != nil {
		return fn(ctx, w.tx)
	}
	// SQLite's BEGIN is deferred by default, which is exactly the "deferred
	// read transaction" contract; the transaction never writes, so it is
	// rolled back rather than committed on exit.
	tx, err := s.readerDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("corestore: begin reader transaction: %w", err)
	}
	defer tx.Rollback()
	return fn(ctx, tx)
}

// ReaderNoTransaction runs fn directly against the reader pool with no
// enclosing transaction, for the rare query that doesn't need snapshot
// consistency (e.g. table-cardinality counts).
func (s *TransactionalStore) ReaderNoTransaction(ctx context.Context, fn func(ctx context.Context, q queryer) error) error {
	if w := ctxWriterTx(ctx); w != nil {
		return fn(ctx, w.tx)
	}
	return fn(ctx, s.readerDB)
}

// ForeignKeys runs fn inside a scope with foreign-key enforcement toggled
// to enabled; on successful exit it runs a full PRAGMA foreign_key_check
// and fails the scope if any violation is found. It requires
// an active writer and cannot be nested.
func (s *TransactionalStore) ForeignKeys(ctx context.Context, enabled bool, fn func(ctx context.Context) error) error {
	w := ctxWriterTx(ctx)
	if w == nil {
		return fmt.Errorf("corestore: ForeignKeys requires an active writer")
	}
	if w.fkDelayActive {
		return ErrNestedForeignKeyDelayedRequest
	}
	w.fkDelayActive = true
	defer func() { w.fkDelayActive = false }()

	onOff := "OFF"
	if enabled {
		onOff = "ON"
	}
	if _, err := w.tx.ExecContext(ctx, "PRAGMA foreign_keys="+onOff); err != nil {
		return fmt.Errorf("corestore: set foreign_keys pragma: %w", err)
	}

	if err := fn(ctx); err != nil {
		return err
	}

	rows, err := w.tx.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return fmt.Errorf("corestore: foreign_key_check: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		return ErrForeignKeyViolation
	}
	return rows.Err()
}
