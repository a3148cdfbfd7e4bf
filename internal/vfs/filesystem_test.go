package vfs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"matryoshka/internal/blob"
	"matryoshka/internal/sqlite"
)

func newTestFS(t *testing.T) *FileSystem {
	t.Helper()
	db, err := sqlite.Open(sqlite.MemoryPath)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	fs, err := OpenFileSystem(db, Config{})
	if err != nil {
		t.Fatalf("open file system: %v", err)
	}
	t.Cleanup(func() { fs.Close() })
	return fs
}

// seq returns n bytes counting up from zero.
func seq(n int) blob.Blob {
	b := make(blob.Blob, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestRoundTrip(t *testing.T) {
	data := seq(42)

	// Chunk sizes: unset, zero, exact, oversized, divisor, non-divisor.
	for _, chunkSize := range []int{-1, 0, 42, 84, 14, 16, 7, 5} {
		t.Run(fmt.Sprintf("chunk_size_%d", chunkSize), func(t *testing.T) {
			fs := newTestFS(t)
			path := ParsePath("dir/data.bin")

			file, err := fs.Create(path, data.Copy(), chunkSize)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if !file.Valid() {
				t.Fatal("create returned invalid handle")
			}

			size, err := fs.Size(file)
			if err != nil {
				t.Fatalf("size: %v", err)
			}
			if size != int64(len(data)) {
				t.Fatalf("size: got %d, want %d", size, len(data))
			}

			got, err := fs.Read(file, 0, len(data))
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !got.Equal(data) {
				t.Fatalf("round trip mismatch:\ngot  %v\nwant %v", got, data)
			}
		})
	}
}

func TestReopenExistingContainer(t *testing.T) {
	dir := t.TempDir()
	containerPath := filepath.Join(dir, "container.db")
	data := seq(10)

	db, err := sqlite.Open(containerPath)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	fs, err := OpenFileSystem(db, Config{})
	if err != nil {
		t.Fatalf("open file system: %v", err)
	}
	if _, err := fs.Create(ParsePath("kept.bin"), data, 4); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err = sqlite.Open(containerPath)
	if err != nil {
		t.Fatalf("reopen database: %v", err)
	}
	fs, err = OpenFileSystem(db, Config{})
	if err != nil {
		t.Fatalf("reopen file system: %v", err)
	}
	defer fs.Close()

	file, err := fs.Open(ParsePath("kept.bin"))
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	got, err := fs.Read(file, 0, len(data))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !got.Equal(data) {
		t.Fatalf("data lost across reopen: %v", got)
	}
}

func TestOpenMissingFile(t *testing.T) {
	fs := newTestFS(t)
	if _, err := fs.Open(ParsePath("nope.txt")); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}

func TestCreateDuplicatePath(t *testing.T) {
	fs := newTestFS(t)
	data := seq(42)
	path := ParsePath("a/b.txt")

	if _, err := fs.Create(path, data.Copy(), -1); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := fs.Create(path, data.Copy(), -1); !errors.Is(err, ErrFileExists) {
		t.Fatalf("expected ErrFileExists, got %v", err)
	}

	// The first file stays intact and readable.
	file, err := fs.Open(path)
	if err != nil {
		t.Fatalf("open after duplicate: %v", err)
	}
	got, err := fs.Read(file, 0, 42)
	if err != nil {
		t.Fatalf("read after duplicate: %v", err)
	}
	if !got.Equal(data) {
		t.Fatalf("first file damaged by duplicate create: %v", got)
	}
}

func TestChunkBoundaryReads(t *testing.T) {
	fs := newTestFS(t)
	data := seq(42)
	file, err := fs.Create(ParsePath("data.bin"), data.Copy(), 16)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	reads := []struct {
		start, length int
	}{
		{15, 1}, {15, 2}, {16, 1}, {31, 2}, {0, 42}, {40, 2}, {0, 1}, {41, 1},
	}
	for _, r := range reads {
		got, err := fs.Read(file, r.start, r.length)
		if err != nil {
			t.Fatalf("read (%d,%d): %v", r.start, r.length, err)
		}
		if !got.Equal(data.Part(r.length, r.start)) {
			t.Fatalf("read (%d,%d): got %v, want %v", r.start, r.length, got, data.Part(r.length, r.start))
		}
	}

	for _, r := range []struct{ start, length int }{{42, 1}, {40, 4}, {100, 1}} {
		if _, err := fs.Read(file, r.start, r.length); !errors.Is(err, ErrOutOfBounds) {
			t.Fatalf("read (%d,%d): expected ErrOutOfBounds, got %v", r.start, r.length, err)
		}
	}
}

func TestRangeReadsExhaustive(t *testing.T) {
	const n = 20
	fs := newTestFS(t)
	data := seq(n)
	file, err := fs.Create(ParsePath("data.bin"), data.Copy(), 7)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for start := 0; start < n; start++ {
		for length := 1; start+length <= n; length++ {
			got, err := fs.Read(file, start, length)
			if err != nil {
				t.Fatalf("read (%d,%d): %v", start, length, err)
			}
			if !got.Equal(data.Part(length, start)) {
				t.Fatalf("read (%d,%d): got %v", start, length, got)
			}
		}
	}

	for start := 0; start <= n; start++ {
		if _, err := fs.Read(file, start, n-start+1); !errors.Is(err, ErrOutOfBounds) {
			t.Fatalf("read (%d,%d): expected ErrOutOfBounds, got %v", start, n-start+1, err)
		}
	}
}

func TestReadFuncDeliversInOrder(t *testing.T) {
	fs := newTestFS(t)
	data := seq(42)
	file, err := fs.Create(ParsePath("data.bin"), data.Copy(), 14)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var got []byte
	err = fs.ReadFunc(file, 1, 40, func(chunk []byte) error {
		got = append(got, chunk...)
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data.Part(40, 1)) {
		t.Fatalf("streamed read mismatch: %v", got)
	}
}

func TestReadFuncAbortIsNotAnError(t *testing.T) {
	fs := newTestFS(t)
	file, err := fs.Create(ParsePath("data.bin"), seq(42), 8)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	calls := 0
	err = fs.ReadFunc(file, 0, 42, func(chunk []byte) error {
		calls++
		return ErrAborted
	})
	if err != nil {
		t.Fatalf("aborted read must not error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("abort must stop the stream, got %d calls", calls)
	}
}

func TestReadFuncPastEOF(t *testing.T) {
	fs := newTestFS(t)
	file, err := fs.Create(ParsePath("data.bin"), seq(42), 16)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Entirely past EOF: no chunks cover the range.
	err = fs.ReadFunc(file, 64, 1, func(chunk []byte) error { return nil })
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}

	// Partially past EOF: the callback consumes what is available.
	var got []byte
	err = fs.ReadFunc(file, 40, 4, func(chunk []byte) error {
		got = append(got, chunk...)
		return nil
	})
	if err != nil {
		t.Fatalf("short streamed read must succeed, got %v", err)
	}
	if !bytes.Equal(got, []byte{40, 41}) {
		t.Fatalf("short streamed read: got %v", got)
	}
}

func TestCreateFromSourceExactChunks(t *testing.T) {
	fs := newTestFS(t)
	data := seq(42)

	offset := 0
	file, err := fs.CreateFromSource(ParsePath("data.bin"), func(n int) []byte {
		chunk := data.Part(n, offset)
		offset += n
		return chunk
	}, len(data), 14)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := fs.Read(file, 0, len(data))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !got.Equal(data) {
		t.Fatalf("round trip mismatch: %v", got)
	}
}

func TestCreateFromSourceRechunks(t *testing.T) {
	fs := newTestFS(t)
	data := seq(42)

	// The producer delivers 5-byte blocks regardless of what is asked;
	// the store re-chunks them to the 8-byte effective chunk size.
	offset := 0
	file, err := fs.CreateFromSource(ParsePath("data.bin"), func(n int) []byte {
		remaining := len(data) - offset
		if remaining == 0 {
			return nil
		}
		block := data.Part(min(5, remaining), offset)
		offset += len(block)
		return block
	}, len(data), 8)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	size, err := fs.Size(file)
	if err != nil || size != 42 {
		t.Fatalf("size: %d, %v", size, err)
	}
	got, err := fs.Read(file, 0, 42)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !got.Equal(data) {
		t.Fatalf("re-chunked round trip mismatch: %v", got)
	}
}

func TestCreateFromSourceAbortRollsBack(t *testing.T) {
	fs := newTestFS(t)
	path := ParsePath("data.bin")

	calls := 0
	_, err := fs.CreateFromSource(path, func(n int) []byte {
		calls++
		if calls > 2 {
			return nil
		}
		return make([]byte, n)
	}, 42, 8)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}

	// The transaction rolled back: no trace of the file remains.
	if _, err := fs.Open(path); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("aborted create must leave nothing behind, got %v", err)
	}
}

func TestCreateFromHostRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	dir := t.TempDir()
	data := seq(42)

	src := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(src, data, 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	file, err := fs.CreateFromHost(ParsePath("pushed/data.bin"), src, 8)
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	dst := filepath.Join(dir, "dst.bin")
	if err := fs.ReadToHost(file, dst, 0, len(data), true); err != nil {
		t.Fatalf("pull: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("host round trip mismatch: %v", got)
	}
}

func TestCreateFromHostMissingSource(t *testing.T) {
	fs := newTestFS(t)
	missing := filepath.Join(t.TempDir(), "absent.bin")
	if _, err := fs.CreateFromHost(ParsePath("x"), missing, -1); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}

func TestReadToHostAppend(t *testing.T) {
	fs := newTestFS(t)
	dir := t.TempDir()
	data := seq(10)

	file, err := fs.Create(ParsePath("data.bin"), data.Copy(), 4)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	dst := filepath.Join(dir, "out.bin")
	if err := fs.ReadToHost(file, dst, 0, 5, true); err != nil {
		t.Fatalf("first pull: %v", err)
	}
	if err := fs.ReadToHost(file, dst, 5, 5, false); err != nil {
		t.Fatalf("append pull: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("append pull mismatch: %v", got)
	}
}

func TestEmptyFile(t *testing.T) {
	fs := newTestFS(t)
	path := ParsePath("empty.bin")

	file, err := fs.Create(path, nil, -1)
	if err != nil {
		t.Fatalf("create empty: %v", err)
	}

	size, err := fs.Size(file)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 0 {
		t.Fatalf("empty file size: got %d, want 0", size)
	}

	dst := filepath.Join(t.TempDir(), "empty_out.bin")
	if err := fs.ReadToHost(file, dst, 0, 0, true); err != nil {
		t.Fatalf("pull empty: %v", err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("stat destination: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("destination size: got %d, want 0", info.Size())
	}
}

func TestSizeOfUnknownHandle(t *testing.T) {
	fs := newTestFS(t)
	size, err := fs.Size(NewFile(12345))
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != -1 {
		t.Fatalf("unknown handle size: got %d, want -1", size)
	}
}

func findSet(t *testing.T, fs *FileSystem, pattern string) []string {
	t.Helper()
	paths, err := fs.Find(pattern)
	if err != nil {
		t.Fatalf("find %q: %v", pattern, err)
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out
}

func TestFindGlob(t *testing.T) {
	fs := newTestFS(t)
	files := []string{
		"folder/a.txt", "folder/b.txt",
		"folder/x/c.txt", "folder/x/d.txt", "folder/y/c.txt",
	}
	for i, p := range files {
		if _, err := fs.Create(ParsePath(p), seq(i+1), -1); err != nil {
			t.Fatalf("create %s: %v", p, err)
		}
	}

	equal := func(got, want []string) bool {
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}

	if got := findSet(t, fs, "folder/*.txt"); !equal(got, []string{"folder/a.txt", "folder/b.txt"}) {
		t.Fatalf("folder/*.txt: %v", got)
	}
	if got := findSet(t, fs, "folder/?.txt"); !equal(got, []string{"folder/a.txt", "folder/b.txt"}) {
		t.Fatalf("folder/?.txt: %v", got)
	}
	if got := findSet(t, fs, "folder/*/*"); !equal(got, []string{"folder/x/c.txt", "folder/x/d.txt", "folder/y/c.txt"}) {
		t.Fatalf("folder/*/*: %v", got)
	}
	if got := findSet(t, fs, "*"); len(got) != 5 {
		t.Fatalf("*: %v", got)
	}

	all, err := fs.FindAll()
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("find all: got %d paths", len(all))
	}
}

func TestDeleteRemovesOnlyTarget(t *testing.T) {
	fs := newTestFS(t)
	keepBefore := ParsePath("keep_before.bin")
	victim := ParsePath("victim.bin")

	if _, err := fs.Create(keepBefore, seq(8), 4); err != nil {
		t.Fatalf("create: %v", err)
	}
	target, err := fs.Create(victim, seq(16), 4)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := fs.Delete(target); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := fs.Open(victim); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("deleted file still resolvable: %v", err)
	}

	keepAfter := ParsePath("keep_after.bin")
	if _, err := fs.Create(keepAfter, seq(8), 4); err != nil {
		t.Fatalf("create after delete: %v", err)
	}

	for _, p := range []Path{keepBefore, keepAfter} {
		file, err := fs.Open(p)
		if err != nil {
			t.Fatalf("open %s: %v", p, err)
		}
		got, err := fs.Read(file, 0, 8)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		if !got.Equal(seq(8)) {
			t.Fatalf("%s damaged by delete: %v", p, got)
		}
	}

	// The path is reusable after deletion.
	if _, err := fs.Create(victim, seq(4), -1); err != nil {
		t.Fatalf("recreate deleted path: %v", err)
	}
}

func TestScenarioSmallChunks(t *testing.T) {
	fs := newTestFS(t)
	data := seq(42)
	file, err := fs.Create(ParsePath("scenario.bin"), data.Copy(), 14)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	full, err := fs.Read(file, 0, 42)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !full.Equal(data) {
		t.Fatalf("full read mismatch: %v", full)
	}

	cases := []struct {
		start, length int
		want          blob.Blob
	}{
		{0, 1, blob.Blob{0}},
		{41, 1, blob.Blob{41}},
		{15, 2, blob.Blob{15, 16}},
	}
	for _, tc := range cases {
		got, err := fs.Read(file, tc.start, tc.length)
		if err != nil {
			t.Fatalf("read (%d,%d): %v", tc.start, tc.length, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("read (%d,%d): got %v, want %v", tc.start, tc.length, got, tc.want)
		}
	}
}

func TestMaxBlobLengthClampsChunkSize(t *testing.T) {
	db, err := sqlite.Open(sqlite.MemoryPath)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if !db.SetMaxBlobLength(128) {
		t.Fatal("set max blob length")
	}
	fs, err := OpenFileSystem(db, Config{})
	if err != nil {
		t.Fatalf("open file system: %v", err)
	}
	defer fs.Close()

	data := seq(200)
	file, err := fs.Create(ParsePath("clamped.bin"), data.Copy(), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The effective chunk size is clamped to 128-64; the data must
	// still round-trip across the resulting chunk layout.
	got, err := fs.Read(file, 0, len(data))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !got.Equal(data) {
		t.Fatalf("clamped round trip mismatch")
	}

	var chunks, maxLen int
	row := db.QueryRow("SELECT COUNT(*), MAX(LENGTH(data)) FROM Matryoshka_Data WHERE file_id = ?", file.ID())
	if err := row.Scan(&chunks, &maxLen); err != nil {
		t.Fatalf("inspect chunks: %v", err)
	}
	if maxLen > 64 {
		t.Fatalf("chunk exceeds clamped size: %d", maxLen)
	}
	if chunks != (200+63)/64 {
		t.Fatalf("unexpected chunk count %d", chunks)
	}
}

func TestReadInvalidArguments(t *testing.T) {
	fs := newTestFS(t)
	file, err := fs.Create(ParsePath("data.bin"), seq(8), -1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := fs.Read(File{}, 0, 1); !errors.Is(err, ErrArgument) {
		t.Fatalf("invalid handle: %v", err)
	}
	if _, err := fs.Read(file, -1, 1); !errors.Is(err, ErrArgument) {
		t.Fatalf("negative start: %v", err)
	}
	if _, err := fs.Read(file, 0, -1); !errors.Is(err, ErrArgument) {
		t.Fatalf("negative length: %v", err)
	}
	if err := fs.ReadFunc(file, 0, 1, nil); !errors.Is(err, ErrArgument) {
		t.Fatalf("nil callback: %v", err)
	}
}
