package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RotatingWriter is an io.Writer that caps the log file at a byte limit.
// When a write would cross the limit the current file becomes <path>.1,
// earlier generations shift to .2, .3, ... and the one past maxFiles is
// dropped.
type RotatingWriter struct {
	path  string
	limit int64
	keep  int

	mu   sync.Mutex
	out  *os.File
	size int64
}

// NewRotatingWriter opens (or creates) the log file at path, rotating once
// it would exceed maxSizeMB and keeping maxFiles old generations.
func NewRotatingWriter(path string, maxSizeMB, maxFiles int) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	w := &RotatingWriter{
		path:  path,
		limit: int64(maxSizeMB) << 20,
		keep:  maxFiles,
	}
	if err := w.reopen(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.limit {
		if err := w.shift(); err != nil {
			// A failed rotation must not lose log lines; complain and keep
			// appending to the oversized file.
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}
	n, err := w.out.Write(p)
	w.size += int64(n)
	return n, err
}

// Sync flushes buffered log data to disk.
func (w *RotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		return nil
	}
	return w.out.Sync()
}

// Close releases the current log file. The writer is unusable afterwards.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		return nil
	}
	err := w.out.Close()
	w.out = nil
	return err
}

// reopen appends to the file at path, picking up its current size so a
// restart does not reset the rotation budget.
func (w *RotatingWriter) reopen() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.out = f
	w.size = info.Size()
	return nil
}

// shift renames every generation one slot up and starts a fresh file.
func (w *RotatingWriter) shift() error {
	if w.out != nil {
		_ = w.out.Close()
		w.out = nil
	}

	_ = os.Remove(w.generation(w.keep))
	for i := w.keep - 1; i >= 1; i-- {
		if _, err := os.Stat(w.generation(i)); err == nil {
			_ = os.Rename(w.generation(i), w.generation(i+1))
		}
	}
	if _, err := os.Stat(w.path); err == nil {
		if err := os.Rename(w.path, w.generation(1)); err != nil {
			return fmt.Errorf("rotate log file: %w", err)
		}
	}
	return w.reopen()
}

func (w *RotatingWriter) generation(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}
