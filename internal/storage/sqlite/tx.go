package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jotworks/jot/internal/storage"
)

// Verify sqliteTx implements storage.Transaction at compile time
var _ storage.Transaction = (*sqliteTx)(nil)

// sqliteTx implements storage.Transaction on a dedicated connection holding
// an open transaction.
type sqliteTx struct {
	conn   *sql.Conn
	parent *Store
}

// RunInTransaction executes fn inside one database transaction.
//
// BEGIN IMMEDIATE acquires the write lock up front, preventing deadlocks when
// multiple goroutines upgrade read transactions concurrently. SQLITE_BUSY at
// begin time is retried with exponential backoff.
//
// Lifecycle:
//  1. Acquire a dedicated connection from the pool
//  2. BEGIN IMMEDIATE with retry on SQLITE_BUSY
//  3. Run fn with the Transaction interface
//  4. On nil return: COMMIT; on error or panic: ROLLBACK
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even if ctx is done
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&sqliteTx{conn: conn, parent: s}); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// beginImmediateWithRetry starts an IMMEDIATE transaction, retrying on
// SQLITE_BUSY with exponential backoff. Non-busy errors fail immediately.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, maxRetries int, initialDelay time.Duration) error {
	delay := initialDelay
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("after %d retries: %w", maxRetries, err)
}

func (t *sqliteTx) GetConfig(ctx context.Context, key string) (string, error) {
	return getConfig(ctx, t.conn, key)
}

func (t *sqliteTx) SetConfig(ctx context.Context, key, value string) error {
	return setConfig(ctx, t.conn, key, value)
}
