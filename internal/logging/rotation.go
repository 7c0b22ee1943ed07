package logging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultLogSizeMB  = 10
	defaultLogBackups = 3
)

// Output returns the writer Init should log to: stderr alone when path is
// empty, otherwise stderr tee'd with a size-capped log file. The returned
// closer must be closed on shutdown.
func Output(path string) (io.Writer, io.Closer, error) {
	if path == "" {
		return os.Stderr, nopCloser{}, nil
	}
	rw, err := NewRotatingWriter(path, defaultLogSizeMB, defaultLogBackups)
	if err != nil {
		return nil, nil, err
	}
	return io.MultiWriter(os.Stderr, rw), rw, nil
}

// RotatingWriter appends to a log file and rolls it over once the next line
// would push it past maxSize. Safe for concurrent use.
type RotatingWriter struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	keep    int

	f    *os.File
	size int64
}

// NewRotatingWriter opens path for appending. Non-positive limits fall back
// to 10 MB and 3 kept backups.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultLogSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultLogBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	f, size, err := appendTo(path)
	if err != nil {
		return nil, err
	}
	return &RotatingWriter{
		path:    path,
		maxSize: int64(maxSizeMB) << 20,
		keep:    maxBackups,
		f:       f,
		size:    size,
	}, nil
}

// Write implements io.Writer. A line larger than maxSize still lands in a
// fresh file rather than rolling an empty one.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.f == nil {
		return 0, os.ErrClosed
	}
	if rw.size > 0 && rw.size+int64(len(p)) > rw.maxSize {
		if err := rw.rollLocked(); err != nil {
			return 0, fmt.Errorf("roll log file: %w", err)
		}
	}

	n, err := rw.f.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close closes the current file. Later writes fail with os.ErrClosed.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.f == nil {
		return nil
	}
	err := rw.f.Close()
	rw.f = nil
	return err
}

func (rw *RotatingWriter) rollLocked() error {
	if err := rw.f.Close(); err != nil {
		return err
	}
	rw.f = nil

	if err := shiftBackups(rw.path, rw.keep); err != nil {
		return err
	}
	f, size, err := appendTo(rw.path)
	if err != nil {
		return err
	}
	rw.f, rw.size = f, size
	return nil
}

// shiftBackups renames path to path.1, path.1 to path.2 and so on, so that
// at most keep numbered files remain.
func shiftBackups(path string, keep int) error {
	name := func(i int) string {
		if i == 0 {
			return path
		}
		return fmt.Sprintf("%s.%d", path, i)
	}

	if err := os.Remove(name(keep)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for i := keep; i > 0; i-- {
		if err := os.Rename(name(i-1), name(i)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func appendTo(path string) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat log file: %w", err)
	}
	return f, info.Size(), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
