package corestore

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func execInsert(ctx context.Context, w *WriterTx, key int, value string) error {
	_, err := w.tx.ExecContext(ctx, "INSERT INTO kv(k, v) VALUES (?, ?)", key, value)
	return err
}

func countRows(t *testing.T, s *TransactionalStore) int {
	t.Helper()
	var n int
	err := s.Reader(context.Background(), func(ctx context.Context, q queryer) error {
		return q.QueryRowContext(ctx, "SELECT count(*) FROM kv").Scan(&n)
	})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func newKVStore(t *testing.T) *TransactionalStore {
	t.Helper()
	env := newTestEnv(t)
	err := env.store.Writer(context.Background(), func(ctx context.Context, w *WriterTx) error {
		_, err := w.tx.ExecContext(ctx, "CREATE TABLE kv(k INTEGER PRIMARY KEY, v TEXT)")
		return err
	})
	if err != nil {
		t.Fatalf("create kv table: %v", err)
	}
	return env.store
}

func TestWriterCommitsOnSuccess(t *testing.T) {
	s := newKVStore(t)
	err := s.Writer(context.Background(), func(ctx context.Context, w *WriterTx) error {
		return execInsert(ctx, w, 1, "a")
	})
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if n := countRows(t, s); n != 1 {
		t.Fatalf("got %d rows, want 1", n)
	}
}

func TestWriterRollsBackOnError(t *testing.T) {
	s := newKVStore(t)
	boom := errors.New("boom")
	err := s.Writer(context.Background(), func(ctx context.Context, w *WriterTx) error {
		if err := execInsert(ctx, w, 1, "a"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if n := countRows(t, s); n != 0 {
		t.Fatalf("got %d rows after rollback, want 0", n)
	}
}

func TestNestedSavepointInnerFailureOuterSurvives(t *testing.T) {
	s := newKVStore(t)
	boom := errors.New("inner boom")
	err := s.Writer(context.Background(), func(ctx context.Context, w *WriterTx) error {
		if err := execInsert(ctx, w, 1, "outer"); err != nil {
			return err
		}
		// The inner savepoint fails; only its own writes are rolled back.
		inner := s.Writer(ctx, func(ctx context.Context, w *WriterTx) error {
			if err := execInsert(ctx, w, 2, "inner"); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(inner, boom) {
			return fmt.Errorf("inner: got %v, want boom", inner)
		}
		return execInsert(ctx, w, 3, "outer-after")
	})
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}

	var keys []int
	err = s.Reader(context.Background(), func(ctx context.Context, q queryer) error {
		rows, err := q.QueryContext(ctx, "SELECT k FROM kv ORDER BY k")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k int
			if err := rows.Scan(&k); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	if err != nil {
		t.Fatalf("read keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != 1 || keys[1] != 3 {
		t.Fatalf("got keys %v, want [1 3]", keys)
	}
}

func TestWriterMaybeTransactionReusesHandle(t *testing.T) {
	s := newKVStore(t)
	err := s.Writer(context.Background(), func(ctx context.Context, outer *WriterTx) error {
		return s.WriterMaybeTransaction(ctx, func(ctx context.Context, inner *WriterTx) error {
			if inner != outer {
				return errors.New("expected the same WriterTx handle")
			}
			return execInsert(ctx, inner, 1, "a")
		})
	})
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if n := countRows(t, s); n != 1 {
		t.Fatalf("got %d rows, want 1", n)
	}
}

func TestReaderSeesOwnUncommittedWrites(t *testing.T) {
	s := newKVStore(t)
	err := s.Writer(context.Background(), func(ctx context.Context, w *WriterTx) error {
		if err := execInsert(ctx, w, 1, "a"); err != nil {
			return err
		}
		// A reader inside the writer scope is served the writer
		// connection and must observe the uncommitted insert.
		var n int
		err := s.Reader(ctx, func(ctx context.Context, q queryer) error {
			return q.QueryRowContext(ctx, "SELECT count(*) FROM kv").Scan(&n)
		})
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("reader inside writer saw %d rows, want 1", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
}

func TestForeignKeysCannotNest(t *testing.T) {
	s := newKVStore(t)
	err := s.Writer(context.Background(), func(ctx context.Context, w *WriterTx) error {
		return s.ForeignKeys(ctx, true, func(ctx context.Context) error {
			inner := s.ForeignKeys(ctx, true, func(ctx context.Context) error { return nil })
			if !errors.Is(inner, ErrNestedForeignKeyDelayedRequest) {
				return fmt.Errorf("got %v, want ErrNestedForeignKeyDelayedRequest", inner)
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
}

func TestForeignKeysRequiresWriter(t *testing.T) {
	s := newKVStore(t)
	err := s.ForeignKeys(context.Background(), true, func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("ForeignKeys outside a writer should fail")
	}
}

func TestEnsureSchemaRefusesWrongVersion(t *testing.T) {
	env := newTestEnv(t)
	err := env.store.Writer(context.Background(), func(ctx context.Context, w *WriterTx) error {
		_, err := w.tx.ExecContext(ctx, "UPDATE database_version SET version=1")
		return err
	})
	if err != nil {
		t.Fatalf("downgrade version: %v", err)
	}
	if err := env.store.EnsureSchema(context.Background()); !errors.Is(err, ErrUnsupportedSchemaVersion) {
		t.Fatalf("got %v, want ErrUnsupportedSchemaVersion", err)
	}
}
