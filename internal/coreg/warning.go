package coreg

import (
	"fmt"
	"os"
	"sync"
)

// WarningLog appends quality notes to a pair's ACCURACY_WARNING file. The
// file only exists once something worth flagging happened, so its presence
// alone marks a degraded pair.
type WarningLog struct {
	path string

	mu      sync.Mutex
	written bool
	err     error
}

// NewWarningLog prepares a warning log at path without creating the file.
func NewWarningLog(path string) *WarningLog {
	return &WarningLog{path: path}
}

// Appendf appends one formatted line.
func (w *WarningLog) Appendf(format string, args ...any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return w.fail(err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, format+"\n", args...); err != nil {
		return w.fail(err)
	}
	w.written = true
	return nil
}

// fail latches the first append failure so a discarded Appendf return is
// still surfaced through Err.
func (w *WarningLog) fail(err error) error {
	err = fmt.Errorf("accuracy warning: %w", err)
	if w.err == nil {
		w.err = err
	}
	return err
}

// Written reports whether any warning was recorded.
func (w *WarningLog) Written() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Err returns the first append failure, if any.
func (w *WarningLog) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
