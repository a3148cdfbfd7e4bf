package sqlite

import (
	"database/sql"
	"fmt"
)

// BlobReader reads byte ranges out of a single blob column without
// pulling the whole value across the driver boundary: each Read ships
// only the requested window via a substr projection on the row's key.
//
// A reader is bound to one row at a time; Reopen rebinds it to another
// row of the same table, reusing the prepared statements.
type BlobReader struct {
	readStmt *sql.Stmt
	sizeStmt *sql.Stmt
	rowID    int64
	size     int
}

// OpenBlobReader prepares a reader for the given table, blob column and
// key column, bound to rowID.
func (d *DB) OpenBlobReader(table, column, keyColumn string, rowID int64) (*BlobReader, error) {
	readStmt, err := d.sql.Prepare(fmt.Sprintf(
		"SELECT substr(%s, ?1, ?2) FROM %s WHERE %s = ?3", column, table, keyColumn))
	if err != nil {
		return nil, fmt.Errorf("prepare blob read: %w", err)
	}
	sizeStmt, err := d.sql.Prepare(fmt.Sprintf(
		"SELECT length(%s) FROM %s WHERE %s = ?1", column, table, keyColumn))
	if err != nil {
		readStmt.Close()
		return nil, fmt.Errorf("prepare blob size: %w", err)
	}

	r := &BlobReader{readStmt: readStmt, sizeStmt: sizeStmt}
	if err := r.Reopen(rowID); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Reopen rebinds the reader to another row, reusing the prepared
// statements.
func (r *BlobReader) Reopen(rowID int64) error {
	var size int
	if err := r.sizeStmt.QueryRow(rowID).Scan(&size); err != nil {
		return fmt.Errorf("blob size for row %d: %w", rowID, err)
	}
	r.rowID = rowID
	r.size = size
	return nil
}

// Size returns the byte length of the blob the reader is bound to.
func (r *BlobReader) Size() int {
	return r.size
}

// RowID returns the key of the row the reader is bound to.
func (r *BlobReader) RowID() int64 {
	return r.rowID
}

// Read fills dst with len(dst) bytes of the blob starting at srcOff.
// Short source ranges are an error; a zero-length dst is a no-op.
func (r *BlobReader) Read(dst []byte, srcOff int) error {
	if len(dst) == 0 {
		return nil
	}
	if srcOff < 0 || srcOff+len(dst) > r.size {
		return fmt.Errorf("blob read [%d, %d) out of range for %d-byte blob",
			srcOff, srcOff+len(dst), r.size)
	}

	var window []byte
	// substr is 1-based on blobs and counts bytes.
	if err := r.readStmt.QueryRow(srcOff+1, len(dst), r.rowID).Scan(&window); err != nil {
		return fmt.Errorf("blob read row %d: %w", r.rowID, err)
	}
	if len(window) != len(dst) {
		return fmt.Errorf("blob read row %d: got %d bytes, want %d", r.rowID, len(window), len(dst))
	}
	copy(dst, window)
	return nil
}

// Close releases the prepared statements.
func (r *BlobReader) Close() error {
	var first error
	if r.readStmt != nil {
		first = r.readStmt.Close()
		r.readStmt = nil
	}
	if r.sizeStmt != nil {
		if err := r.sizeStmt.Close(); err != nil && first == nil {
			first = err
		}
		r.sizeStmt = nil
	}
	return first
}
