package vfs

import (
	"database/sql"
	"fmt"

	"matryoshka/internal/sqlite"
)

// chunkSpan is the ordered list of chunk row-ids covering a requested
// byte range, plus the intra-chunk offset of the range start within the
// first chunk.
type chunkSpan struct {
	ids         []int64
	startOffset int
}

// loadSpan executes the chunk lookup statement for [start, start+length)
// of the given file. The statement returns (chunk_id, chunk_num,
// chunk_size) rows sorted by chunk_num ascending; the first row anchors
// the start offset.
func loadSpan(stmt *sql.Stmt, file File, start, length int) (chunkSpan, error) {
	rows, err := stmt.Query(
		sql.Named("handle", file.ID()),
		sql.Named("index", start),
		sql.Named("size", length),
	)
	if err != nil {
		return chunkSpan{}, backendErr("chunk lookup", err)
	}
	defer rows.Close()

	var span chunkSpan
	for rows.Next() {
		var (
			id        int64
			chunkNum  int
			chunkSize int
		)
		if err := rows.Scan(&id, &chunkNum, &chunkSize); err != nil {
			return chunkSpan{}, backendErr("chunk lookup scan", err)
		}
		if len(span.ids) == 0 {
			span.startOffset = start - chunkNum*chunkSize
			if span.startOffset < 0 {
				return chunkSpan{}, backendErr("chunk lookup",
					fmt.Errorf("negative intra-chunk offset %d for chunk %d", span.startOffset, id))
			}
		}
		span.ids = append(span.ids, id)
	}
	if err := rows.Err(); err != nil {
		return chunkSpan{}, backendErr("chunk lookup", err)
	}
	return span, nil
}

// chunkSink receives one traversal step: n bytes of the current blob
// starting at srcOff, destined for byte offset dstOff of the overall
// range. Returning ErrAborted stops the walk.
type chunkSink func(br *sqlite.BlobReader, srcOff, dstOff, n int) error

// walkSpan drives a blob reader across the span in chunk order,
// delivering up to length bytes to sink. One reader handle is reused
// across chunks via Reopen. Returns the number of bytes delivered.
//
// An empty span means the range lies entirely past EOF. Running out of
// chunks before length bytes were delivered is not an error here; the
// caller decides whether a short walk is acceptable.
func walkSpan(db *sqlite.DB, dataTable string, span chunkSpan, length int, sink chunkSink) (int, error) {
	if len(span.ids) == 0 {
		return 0, ErrOutOfBounds
	}

	br, err := db.OpenBlobReader(dataTable, "data", "chunk_id", span.ids[0])
	if err != nil {
		return 0, backendErr("open blob reader", err)
	}
	defer br.Close()

	read := 0
	for i, id := range span.ids {
		if i > 0 {
			if err := br.Reopen(id); err != nil {
				return read, backendErr("reopen blob reader", err)
			}
		}

		n := min(br.Size(), length-read)
		srcOff := 0
		if i == 0 {
			// The first chunk is consumed from the intra-chunk start
			// offset. Nothing left to take means the start lies past
			// the end of a short terminal chunk.
			n = min(br.Size()-span.startOffset, n)
			if n <= 0 {
				return read, ErrOutOfBounds
			}
			srcOff = span.startOffset
		}

		if err := sink(br, srcOff, read, n); err != nil {
			return read, err
		}
		read += n
		if read == length {
			break
		}
	}
	return read, nil
}
