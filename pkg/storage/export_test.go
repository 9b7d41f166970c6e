package storage

import (
	"context"
	"database/sql"
)

// HoldWriteTx runs fn inside an open write transaction that has already
// written to the database.
func (s *SQLiteStore) HoldWriteTx(ctx context.Context, fn func()) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO repositories (id, name) VALUES ('held', 'held')"); err != nil {
			return err
		}
		fn()
		return nil
	})
}
