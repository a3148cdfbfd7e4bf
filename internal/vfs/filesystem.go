// Package vfs implements a virtual file system packing many files into
// a single SQLite container. Files are immutable byte streams stored as
// fixed-size chunk rows; a meta table maps canonical paths to chunk
// sequences. Reads translate byte ranges into ordered traversals of the
// smallest contiguous chunk subset.
package vfs

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bmatcuk/doublestar/v4"

	"matryoshka/internal/blob"
	"matryoshka/internal/cache"
	"matryoshka/internal/logging"
	"matryoshka/internal/sqlite"
)

// chunkSizeHeadroom keeps the effective chunk size safely below the
// backend's maximum blob length.
const chunkSizeHeadroom = 64

const (
	sqlCreateMeta = "CREATE TABLE {meta} (id INTEGER PRIMARY KEY, path TEXT UNIQUE NOT NULL, type INTEGER, flags INTEGER, chunk_size INTEGER NOT NULL)"
	sqlCreateData = "CREATE TABLE IF NOT EXISTS {data} (chunk_id INTEGER PRIMARY KEY, file_id INTEGER NOT NULL, chunk_num INTEGER NOT NULL, data BLOB NOT NULL, CONSTRAINT unq UNIQUE (file_id, chunk_num), FOREIGN KEY(file_id) REFERENCES {meta} (id))"
	sqlGetHandle  = "SELECT id FROM {meta} WHERE path = ? AND type = ?"
	sqlGlob       = "SELECT path FROM {meta} WHERE path GLOB ? AND type = ?"
	sqlSize       = "SELECT COALESCE(SUM(LENGTH(data)), -1) FROM {data} WHERE file_id = ?"
	sqlGetChunks  = `
		SELECT chunk_id, chunk_num, {meta}.chunk_size FROM {data}
		INNER JOIN {meta} ON {meta}.id={data}.file_id
		WHERE file_id = :handle AND chunk_num BETWEEN cast((:index / {meta}.chunk_size) as int) AND cast(((:index + :size - 1) / {meta}.chunk_size) as int)
		ORDER BY chunk_num ASC`
	sqlDeleteData = "DELETE FROM {data} WHERE file_id = ?"
	sqlDeleteMeta = "DELETE FROM {meta} WHERE id = ?"
)

// DataSource supplies bytes for a streamed create. It is asked for up
// to n bytes per call and returns the next chunk of the stream; any
// size is acceptable, the store re-chunks internally. Returning an
// empty chunk aborts the create.
type DataSource func(n int) []byte

// ReadCallback receives consecutive chunks of a streamed read, first to
// last. The chunk is owned by the callback. Returning ErrAborted stops
// the read without error; any other error stops it with that error.
type ReadCallback func(chunk []byte) error

// Config holds FileSystem construction options.
type Config struct {
	// Logger for structured logging. If nil, logging is disabled.
	// The file system scopes it with component="vfs".
	Logger *slog.Logger
}

// FileSystem is the virtual file system over one container database.
//
// A FileSystem is not internally synchronized: its prepared statements
// are held for the instance's lifetime and a bind/step cycle must not
// be interleaved. Cross-goroutine use requires external exclusion, and
// chunk callbacks must not reenter the instance.
type FileSystem struct {
	db     *sqlite.DB
	meta   MetaTable
	logger *slog.Logger

	handleStmt     *sql.Stmt
	chunksStmt     *sql.Stmt
	insertMetaStmt *sql.Stmt
	insertDataStmt *sql.Stmt
	globStmt       *sql.Stmt
	sizeStmt       *sql.Stmt

	deleteDataSQL string
	deleteMetaSQL string
}

// OpenFileSystem opens the store inside db, creating the schema on a
// fresh database. The file system takes ownership of db; Close releases
// both. A database whose newest meta table does not match
// CurrentVersion fails with ErrInvalidDatabaseVersion.
func OpenFileSystem(db *sqlite.DB, cfg Config) (*FileSystem, error) {
	logger := logging.Default(cfg.Logger).With("component", "vfs")

	tables, err := LoadMetaTables(db)
	if err != nil {
		return nil, backendErr("load meta tables", err)
	}

	var meta MetaTable
	switch {
	case len(tables) == 0:
		meta = NewMetaTable(CurrentVersion)
		if err := db.Exec(meta.Format(sqlCreateMeta)); err != nil {
			return nil, backendErr("create meta table", err)
		}
		if err := db.Exec(meta.Format(sqlCreateData)); err != nil {
			return nil, backendErr("create data table", err)
		}
		logger.Info("created container schema", "version", CurrentVersion)
	case tables[0].Version() != CurrentVersion:
		return nil, fmt.Errorf("%w: found %d, want %d",
			ErrInvalidDatabaseVersion, tables[0].Version(), CurrentVersion)
	default:
		meta = tables[0]
	}

	fs := &FileSystem{
		db:            db,
		meta:          meta,
		logger:        logger,
		deleteDataSQL: meta.Format(sqlDeleteData),
		deleteMetaSQL: meta.Format(sqlDeleteMeta),
	}

	prepare := func(dst **sql.Stmt, query string) {
		if err != nil {
			return
		}
		*dst, err = db.Prepare(meta.Format(query))
	}
	err = nil
	prepare(&fs.handleStmt, sqlGetHandle)
	prepare(&fs.chunksStmt, sqlGetChunks)
	prepare(&fs.globStmt, sqlGlob)
	prepare(&fs.sizeStmt, sqlSize)
	if err == nil {
		fs.insertMetaStmt, err = db.PrepareInsert(meta.Meta(), "path", "type", "chunk_size")
	}
	if err == nil {
		fs.insertDataStmt, err = db.PrepareInsert(meta.Data(), "file_id", "chunk_num", "data")
	}
	if err != nil {
		fs.closeStatements()
		return nil, backendErr("prepare statements", err)
	}

	return fs, nil
}

// Open resolves a canonical path to a file handle.
func (fs *FileSystem) Open(path Path) (File, error) {
	var id int64
	err := fs.handleStmt.QueryRow(path.String(), KindFile).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	if err != nil {
		return File{}, backendErr("resolve path", err)
	}
	return NewFile(id), nil
}

// Size returns the total byte length of the file. A handle naming no
// data rows yields -1; callers are expected to pass verified handles.
func (fs *FileSystem) Size(file File) (int64, error) {
	var size int64
	if err := fs.sizeStmt.QueryRow(file.ID()).Scan(&size); err != nil {
		return -1, backendErr("file size", err)
	}
	return size, nil
}

// Find returns the canonical paths of all files matching the glob
// pattern ('*', '?' and character classes). The pattern is
// canonicalized like a path before matching. A '*' does not cross path
// separators, so "folder/*.txt" names direct children only; the bare
// pattern "*" matches every file.
//
// The backend's GLOB operator prefilters server-side (its '*' crosses
// separators, so it over-matches), and the separator-aware filter runs
// on the result.
func (fs *FileSystem) Find(pattern string) ([]Path, error) {
	canonical := ParsePath(pattern).String()

	rows, err := fs.globStmt.Query(canonical, KindFile)
	if err != nil {
		return nil, backendErr("glob", err)
	}
	defer rows.Close()

	var paths []Path
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, backendErr("glob scan", err)
		}
		if canonical != "*" {
			ok, err := doublestar.Match(canonical, raw)
			if err != nil {
				return nil, fmt.Errorf("%w: glob %q", ErrArgument, pattern)
			}
			if !ok {
				continue
			}
		}
		paths = append(paths, ParsePath(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, backendErr("glob", err)
	}
	return paths, nil
}

// FindAll returns the canonical paths of every file in the container.
func (fs *FileSystem) FindAll() ([]Path, error) {
	return fs.Find("*")
}

// Delete removes the file's data rows and meta row in one transaction.
// The handle is invalid afterwards.
func (fs *FileSystem) Delete(file File) error {
	tx, err := fs.db.Begin()
	if err != nil {
		return backendErr("delete", err)
	}
	defer tx.Close()

	if _, err := tx.Exec(fs.deleteDataSQL, file.ID()); err != nil {
		return backendErr("delete chunks", err)
	}
	if _, err := tx.Exec(fs.deleteMetaSQL, file.ID()); err != nil {
		return backendErr("delete header", err)
	}
	if err := tx.Commit(); err != nil {
		return backendErr("delete", err)
	}

	fs.logger.Debug("deleted file", "id", file.ID())
	return nil
}

// writerFunc inserts the data rows of a file being created. It must
// emit chunk_num 0..N-1 in order, every chunk of chunkSize bytes except
// a possibly shorter terminal one.
type writerFunc func(tx *sqlite.Tx, fileID int64, chunkSize int) error

// create is the unified core of the Create overloads: clamp the chunk
// size, insert the meta row, run the writer, commit.
func (fs *FileSystem) create(path Path, fileSize, proposedChunkSize int, writer writerFunc) (File, error) {
	chunkSize := proposedChunkSize
	if chunkSize <= 0 || chunkSize > fileSize {
		chunkSize = fileSize
	}
	if maxBlob := fs.db.MaxBlobLength(); chunkSize > maxBlob-chunkSizeHeadroom {
		chunkSize = maxBlob - chunkSizeHeadroom
	}

	tx, err := fs.db.Begin()
	if err != nil {
		return File{}, backendErr("create", err)
	}
	defer tx.Close()

	res, err := tx.Stmt(fs.insertMetaStmt).Exec(path.String(), KindFile, chunkSize)
	if err != nil {
		if sqlite.IsConstraintViolation(err) {
			return File{}, fmt.Errorf("%w: %s", ErrFileExists, path)
		}
		return File{}, backendErr("insert header", err)
	}
	fileID, err := res.LastInsertId()
	if err != nil {
		return File{}, backendErr("insert header", err)
	}

	if fileSize == 0 {
		// An empty file still carries one zero-length chunk so its
		// size sums to 0 rather than reading as absent.
		insertEmpty := fs.meta.Format("INSERT INTO {data} (file_id, chunk_num, data) VALUES (?, 0, x'')")
		if _, err := tx.Exec(insertEmpty, fileID); err != nil {
			return File{}, backendErr("insert empty chunk", err)
		}
	} else if err := writer(tx, fileID, chunkSize); err != nil {
		return File{}, err
	}

	if err := tx.Commit(); err != nil {
		return File{}, backendErr("create", err)
	}

	fs.logger.Debug("created file",
		"path", path.String(), "id", fileID, "size", fileSize, "chunk_size", chunkSize)
	return NewFile(fileID), nil
}

// Create stores data under path, split into chunks of the effective
// chunk size. A second create of the same canonical path fails with
// ErrFileExists and leaves the first file intact.
func (fs *FileSystem) Create(path Path, data blob.Blob, proposedChunkSize int) (File, error) {
	return fs.create(path, len(data), proposedChunkSize, func(tx *sqlite.Tx, fileID int64, chunkSize int) error {
		insert := tx.Stmt(fs.insertDataStmt)

		// Single-chunk files are stored as-is, no slicing.
		if chunkSize == len(data) {
			if _, err := insert.Exec(fileID, 0, []byte(data)); err != nil {
				return backendErr("insert chunk", err)
			}
			return nil
		}

		for offset, chunkNum := 0, 0; offset < len(data); offset, chunkNum = offset+chunkSize, chunkNum+1 {
			part := data.Part(min(chunkSize, len(data)-offset), offset)
			if _, err := insert.Exec(fileID, chunkNum, []byte(part)); err != nil {
				return backendErr("insert chunk", err)
			}
		}
		return nil
	})
}

// CreateFromSource stores fileSize bytes pulled from source. Chunks of
// any size are accepted from the source and re-chunked through a byte
// cache; when the source happens to deliver exactly chunk-sized pieces,
// they are stored without copying. An empty chunk from the source
// aborts the create with ErrAborted.
func (fs *FileSystem) CreateFromSource(path Path, source DataSource, fileSize, proposedChunkSize int) (File, error) {
	return fs.create(path, fileSize, proposedChunkSize, func(tx *sqlite.Tx, fileID int64, chunkSize int) error {
		insert := tx.Stmt(fs.insertDataStmt)

		var buffered cache.Cache
		written, chunkNum := 0, 0
		for written < fileSize {
			required := min(chunkSize, fileSize-written)

			// Drain the cache while it covers a whole chunk.
			if buffered.Size() >= required {
				if _, err := insert.Exec(fileID, chunkNum, buffered.Pop(required)); err != nil {
					return backendErr("insert chunk", err)
				}
				chunkNum++
				written += required
				continue
			}

			chunk := source(required)
			if len(chunk) == 0 {
				return ErrAborted
			}

			// Fast path: exact size and nothing buffered, store as-is.
			if len(chunk) == required && buffered.Empty() {
				if _, err := insert.Exec(fileID, chunkNum, chunk); err != nil {
					return backendErr("insert chunk", err)
				}
				chunkNum++
				written += required
				continue
			}

			buffered.Push(chunk)
		}
		return nil
	})
}

// CreateFromHost streams a host file into the store. A source that
// cannot supply the promised bytes (truncation mid-stream) fails with
// ErrReading; a missing host file fails with ErrFileNotFound.
func (fs *FileSystem) CreateFromHost(path Path, hostPath string, proposedChunkSize int) (File, error) {
	f, err := os.Open(hostPath)
	if err != nil {
		return File{}, fmt.Errorf("%w: %s", ErrFileNotFound, hostPath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return File{}, fmt.Errorf("%w: stat %s", ErrReading, hostPath)
	}

	file, err := fs.CreateFromSource(path, func(n int) []byte {
		buf := make([]byte, n)
		if _, err := io.ReadFull(f, buf); err != nil {
			return nil
		}
		return buf
	}, int(info.Size()), proposedChunkSize)
	if errors.Is(err, ErrAborted) {
		return File{}, fmt.Errorf("%w: %s truncated mid-stream", ErrReading, hostPath)
	}
	return file, err
}

// Read returns length bytes of the file starting at byte offset start
// as one contiguous buffer. A range reaching past the end of the file
// fails with ErrOutOfBounds and returns no partial data.
func (fs *FileSystem) Read(file File, start, length int) (blob.Blob, error) {
	if !file.Valid() || start < 0 || length < 0 {
		return nil, ErrArgument
	}

	span, err := loadSpan(fs.chunksStmt, file, start, length)
	if err != nil {
		return nil, err
	}

	dst := make(blob.Blob, length)
	read, err := walkSpan(fs.db, fs.meta.Data(), span, length, func(br *sqlite.BlobReader, srcOff, dstOff, n int) error {
		if err := br.Read(dst[dstOff:dstOff+n], srcOff); err != nil {
			return backendErr("read chunk", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if read < length {
		return nil, ErrOutOfBounds
	}
	return dst, nil
}

// ReadFunc streams the requested range to callback in ascending chunk
// order. A callback returning ErrAborted stops the read without error;
// running out of chunks before length bytes is not an error either, the
// callback has consumed what was available. A range starting at or past
// the end of the file fails with ErrOutOfBounds.
func (fs *FileSystem) ReadFunc(file File, start, length int, callback ReadCallback) error {
	if !file.Valid() || start < 0 || length < 0 || callback == nil {
		return ErrArgument
	}

	span, err := loadSpan(fs.chunksStmt, file, start, length)
	if err != nil {
		return err
	}

	_, err = walkSpan(fs.db, fs.meta.Data(), span, length, func(br *sqlite.BlobReader, srcOff, _, n int) error {
		chunk := make([]byte, n)
		if err := br.Read(chunk, srcOff); err != nil {
			return backendErr("read chunk", err)
		}
		return callback(chunk)
	})
	if err != nil && !errors.Is(err, ErrAborted) {
		return err
	}
	return nil
}

// ReadToHost streams the requested range into a host file, truncating
// or appending per the flag. Failure to open the destination yields
// ErrFileCreation; a host-side write failure yields ErrWriting. A
// zero-length range just creates (or truncates) the destination.
func (fs *FileSystem) ReadToHost(file File, hostPath string, start, length int, truncate bool) error {
	flags := os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	f, err := os.OpenFile(hostPath, flags, 0644)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFileCreation, hostPath)
	}

	var readErr error
	if length > 0 {
		readErr = fs.ReadFunc(file, start, length, func(chunk []byte) error {
			if _, err := f.Write(chunk); err != nil {
				return fmt.Errorf("%w: %s", ErrWriting, hostPath)
			}
			return nil
		})
	}
	if cerr := f.Close(); cerr != nil && readErr == nil {
		readErr = fmt.Errorf("%w: close %s", ErrWriting, hostPath)
	}
	return readErr
}

// Close releases the prepared statements and the underlying database.
func (fs *FileSystem) Close() error {
	fs.closeStatements()
	return fs.db.Close()
}

func (fs *FileSystem) closeStatements() {
	for _, stmt := range []*sql.Stmt{
		fs.handleStmt, fs.chunksStmt, fs.insertMetaStmt,
		fs.insertDataStmt, fs.globStmt, fs.sizeStmt,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
}
