package sqlite

import (
	"database/sql"
	"fmt"
)

// Tx is a database transaction that rolls back unless explicitly
// committed. The intended shape is:
//
//	tx, err := db.Begin()
//	if err != nil { ... }
//	defer tx.Close()
//	...
//	return tx.Commit()
type Tx struct {
	tx   *sql.Tx
	done bool
}

// Begin opens a transaction.
func (d *DB) Begin() (*Tx, error) {
	tx, err := d.sql.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Stmt returns a transaction-scoped version of a prepared statement.
// The returned statement is closed with the transaction.
func (t *Tx) Stmt(stmt *sql.Stmt) *sql.Stmt {
	return t.tx.Stmt(stmt)
}

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(query, args...)
}

// Commit makes the transaction's writes visible atomically.
func (t *Tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback discards the transaction's writes.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

// Close rolls the transaction back if it was not committed. Safe to
// defer unconditionally.
func (t *Tx) Close() {
	if !t.done {
		t.done = true
		_ = t.tx.Rollback()
	}
}
