// Package sqlite is a thin facade over the SQLite engine used as the
// relational backend of the container store. It owns connection setup
// (single-connection pool, pragmas), exposes prepared statements and
// transactions from database/sql, incremental blob reads, and the
// constraint-violation discriminator the store layers on top.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	sqlite3 "modernc.org/sqlite"
)

// DefaultMaxBlobLength matches SQLite's compiled-in SQLITE_MAX_LENGTH
// default. A single blob column may not exceed this many bytes.
const DefaultMaxBlobLength = 1_000_000_000

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// primary result code for constraint violations (SQLITE_CONSTRAINT).
const codeConstraint = 19

// DB is an open SQLite database.
//
// The connection pool is pinned to a single connection: the store's
// prepared statements are not reentrant, and a pool of one keeps
// in-memory databases coherent across statements.
type DB struct {
	sql     *sql.DB
	path    string
	maxBlob int
}

// Open opens (or creates) the database at path. MemoryPath is valid and
// yields a private in-memory database.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}
	if path != MemoryPath {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set journal_mode: %w", err)
		}
	}

	return &DB{sql: db, path: path, maxBlob: DefaultMaxBlobLength}, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Path returns the path the database was opened with.
func (d *DB) Path() string {
	return d.path
}

// MaxBlobLength returns the maximum number of bytes a single blob
// column may hold.
func (d *DB) MaxBlobLength() int {
	return d.maxBlob
}

// SetMaxBlobLength overrides the blob size limit used for chunk-size
// clamping. Reports whether n was accepted (it must be positive).
func (d *DB) SetMaxBlobLength(n int) bool {
	if n <= 0 {
		return false
	}
	d.maxBlob = n
	return true
}

// Exec runs a one-shot statement without parameters.
func (d *DB) Exec(query string) error {
	_, err := d.sql.Exec(query)
	return err
}

// Prepare compiles a statement for repeated use. The caller owns the
// returned statement and must close it.
func (d *DB) Prepare(query string) (*sql.Stmt, error) {
	return d.sql.Prepare(query)
}

// PrepareInsert builds and compiles an INSERT statement for the given
// table and columns, with one positional parameter per column.
func (d *DB) PrepareInsert(table string, columns ...string) (*sql.Stmt, error) {
	if len(columns) == 0 {
		return nil, errors.New("prepare insert: no columns")
	}

	query := "INSERT INTO " + table + " ("
	for i, c := range columns {
		if i > 0 {
			query += ", "
		}
		query += c
	}
	query += ") VALUES ("
	for i := range columns {
		if i > 0 {
			query += ", "
		}
		query += "?"
	}
	query += ")"

	return d.sql.Prepare(query)
}

// QueryRow runs a query expected to return at most one row.
func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	return d.sql.QueryRow(query, args...)
}

// Query runs a query returning rows.
func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return d.sql.Query(query, args...)
}

// IsConstraintViolation reports whether err is a constraint violation
// from the engine (primary result code SQLITE_CONSTRAINT). The store
// uses this to diagnose duplicate paths.
func IsConstraintViolation(err error) bool {
	var se *sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code()&0xff == codeConstraint
}
