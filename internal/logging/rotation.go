package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RotatingWriter is an io.Writer that starts a fresh log file once the
// current one grows past its size cap. Rolled-over files are renamed to
// <path>.<timestamp> and the oldest are pruned so at most maxKeep archived
// files remain. Safe for concurrent use.
type RotatingWriter struct {
	mu      sync.Mutex
	path    string
	capB    int64
	maxKeep int
	out     *os.File
	size    int64
}

const archiveStamp = "20060102T150405.000000000"

// NewRotatingWriter opens (or creates) the log file at filePath, rolling it
// over once it exceeds maxSizeMB and keeping at most maxBackups archives.
func NewRotatingWriter(filePath string, maxSizeMB int, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	rw := &RotatingWriter{
		path:    filePath,
		capB:    int64(maxSizeMB) << 20,
		maxKeep: maxBackups,
	}
	if err := rw.reopen(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) reopen() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.out = f
	rw.size = st.Size()
	return nil
}

// Write appends p, rolling the file over first if it would breach the cap.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.size+int64(len(p)) > rw.capB {
		if err := rw.rollOver(); err != nil {
			return 0, fmt.Errorf("log rotation: %w", err)
		}
	}

	n, err := rw.out.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close closes the underlying file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.out == nil {
		return nil
	}
	return rw.out.Close()
}

// rollOver archives the current file under a timestamped name and opens a
// fresh one. Caller holds rw.mu.
func (rw *RotatingWriter) rollOver() error {
	if rw.out != nil {
		rw.out.Close()
	}
	archived := rw.path + "." + time.Now().UTC().Format(archiveStamp)
	if err := os.Rename(rw.path, archived); err != nil && !os.IsNotExist(err) {
		return err
	}
	rw.pruneArchives()
	return rw.reopen()
}

// pruneArchives deletes the oldest timestamped archives beyond maxKeep.
// The timestamp format sorts lexically, so name order is age order.
func (rw *RotatingWriter) pruneArchives() {
	matches, err := filepath.Glob(rw.path + ".*")
	if err != nil || len(matches) <= rw.maxKeep {
		return
	}
	sort.Strings(matches)
	for _, stale := range matches[:len(matches)-rw.maxKeep] {
		os.Remove(stale)
	}
}

// TeeWriter returns an io.Writer that writes to both w1 and w2.
func TeeWriter(w1, w2 io.Writer) io.Writer {
	return io.MultiWriter(w1, w2)
}
