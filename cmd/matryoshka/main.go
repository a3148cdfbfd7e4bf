// Command matryoshka packs host files into a single SQLite container
// and serves them back out.
//
// Usage follows container-first order:
//
//	matryoshka <container> list
//	matryoshka <container> push <host_src> <inner_dst> [chunk_size]
//	matryoshka <container> pull <inner_src> <host_dst>
//	matryoshka <container> rm <inner_path>
//	matryoshka <container> find <glob>
//	matryoshka <container> serve [--addr host:port]
//
// Exit codes: 0 success, 1 backend open failed, 2 file system open
// failed, 3 not found, 4 push failed, 5 pull failed.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"matryoshka/internal/logging"
	"matryoshka/internal/server"
	"matryoshka/internal/sqlite"
	"matryoshka/internal/vfs"
)

var version = "dev"

// Exit codes of the CLI surface.
const (
	exitBackendOpen = 1
	exitFSOpen      = 2
	exitNotFound    = 3
	exitPush        = 4
	exitPull        = 5
)

// exitError carries a process exit code alongside the message.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

func fail(code int, format string, args ...any) error {
	return &exitError{code: code, msg: fmt.Sprintf(format, args...)}
}

func main() {
	var (
		verbose bool
		addr    string
	)

	rootCmd := &cobra.Command{
		Use:           "matryoshka <container> <command> [args...]",
		Short:         "Pack files into a single SQLite container",
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := logging.New(os.Stderr, level)
			return dispatch(args[0], args[1], args[2:], addr, logger)
		},
	}
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().StringVar(&addr, "addr", ":8080", "listen address for serve")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func dispatch(container, verb string, args []string, addr string, logger *slog.Logger) error {
	fs, err := openContainer(container, logger)
	if err != nil {
		return err
	}
	defer fs.Close()

	switch verb {
	case "list", "ls":
		return runList(fs)
	case "push":
		return runPush(fs, args)
	case "pull":
		return runPull(fs, args)
	case "rm":
		return runDelete(fs, args)
	case "find":
		return runFind(fs, args)
	case "serve":
		return runServe(fs, addr, logger)
	default:
		return fmt.Errorf("unknown command %q", verb)
	}
}

// openContainer opens the backend database and the file system inside
// it, mapping each failure to its CLI exit code.
func openContainer(path string, logger *slog.Logger) (*vfs.FileSystem, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, fail(exitBackendOpen, "unable to open the SQLite database: %v", err)
	}
	fs, err := vfs.OpenFileSystem(db, vfs.Config{Logger: logger})
	if err != nil {
		db.Close()
		return nil, fail(exitFSOpen, "unable to open the file system: %v", err)
	}
	return fs, nil
}

func runList(fs *vfs.FileSystem) error {
	paths, err := fs.FindAll()
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

// runPush pushes one or more host files. The host source may be a
// doublestar glob pattern; every match is pushed below the inner
// destination under its base name.
func runPush(fs *vfs.FileSystem, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: push <host_src> <inner_dst> [chunk_size]")
	}
	src, dst := args[0], args[1]
	chunkSize := -1
	if len(args) > 2 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid chunk size %q: %w", args[2], err)
		}
		chunkSize = n
	}

	if !hasGlobMeta(src) {
		if _, err := fs.CreateFromHost(vfs.ParsePath(dst), src, chunkSize); err != nil {
			return fail(exitPush, "unable to write %s to the container: %v", src, err)
		}
		return nil
	}

	matches, err := doublestar.FilepathGlob(src)
	if err != nil {
		return fail(exitPush, "invalid glob %q: %v", src, err)
	}
	if len(matches) == 0 {
		return fail(exitPush, "no host files match %q", src)
	}
	for _, match := range matches {
		inner := vfs.ParsePath(dst + "/" + filepath.Base(match))
		if _, err := fs.CreateFromHost(inner, match, chunkSize); err != nil {
			return fail(exitPush, "unable to write %s to the container: %v", match, err)
		}
	}
	return nil
}

func hasGlobMeta(pattern string) bool {
	for _, r := range pattern {
		switch r {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

func runPull(fs *vfs.FileSystem, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: pull <inner_src> <host_dst>")
	}
	src, dst := args[0], args[1]

	if _, err := os.Stat(dst); err == nil {
		return fail(exitPull, "destination %s already exists", dst)
	}

	file, err := fs.Open(vfs.ParsePath(src))
	if err != nil {
		return fail(exitNotFound, "unable to access %s in the container: %v", src, err)
	}
	size, err := fs.Size(file)
	if err != nil || size < 0 {
		return fail(exitPull, "unable to size %s: %v", src, err)
	}
	if err := fs.ReadToHost(file, dst, 0, int(size), true); err != nil {
		return fail(exitPull, "unable to write %s to disk: %v", dst, err)
	}
	return nil
}

func runDelete(fs *vfs.FileSystem, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: rm <inner_path>")
	}
	file, err := fs.Open(vfs.ParsePath(args[0]))
	if err != nil {
		return fail(exitNotFound, "unable to access %s in the container: %v", args[0], err)
	}
	return fs.Delete(file)
}

func runFind(fs *vfs.FileSystem, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: find <glob>")
	}
	paths, err := fs.Find(args[0])
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

func runServe(fs *vfs.FileSystem, addr string, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	srv := server.New(fs, server.Config{Addr: addr, Logger: logger})
	return srv.Run(ctx)
}
