package scheduler

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FailedSentinel is the first line of a marker whose task ran and failed.
// A marker that exists but is empty (or starts with anything else) records
// success; an absent marker means the task never ran to completion.
const FailedSentinel = "FAILED"

// MarkerState is the durable three-state completion status of a task.
type MarkerState int

const (
	MarkerAbsent MarkerState = iota
	MarkerSucceeded
	MarkerFailed
)

func (s MarkerState) String() string {
	switch s {
	case MarkerAbsent:
		return "absent"
	case MarkerSucceeded:
		return "succeeded"
	case MarkerFailed:
		return "failed"
	}
	return fmt.Sprintf("MarkerState(%d)", int(s))
}

// ReadMarker reports the completion state recorded at path.
func ReadMarker(path string) (MarkerState, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return MarkerAbsent, nil
		}
		return MarkerAbsent, fmt.Errorf("reading marker %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if sc.Scan() && strings.HasPrefix(strings.TrimSpace(sc.Text()), FailedSentinel) {
		return MarkerFailed, nil
	}
	if err := sc.Err(); err != nil {
		return MarkerAbsent, fmt.Errorf("reading marker %s: %w", path, err)
	}
	return MarkerSucceeded, nil
}

// WriteSucceeded records success. The marker carries no payload.
func WriteSucceeded(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("writing marker %s: %w", path, err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return fmt.Errorf("writing marker %s: %w", path, err)
	}
	return nil
}

// WriteFailed records a failure with its reason.
func WriteFailed(path, reason string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("writing marker %s: %w", path, err)
	}
	content := FailedSentinel + "\n"
	if reason != "" {
		content += reason + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing marker %s: %w", path, err)
	}
	return nil
}

// ClearMarker removes a marker so the task reads as never run.
func ClearMarker(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing marker %s: %w", path, err)
	}
	return nil
}
