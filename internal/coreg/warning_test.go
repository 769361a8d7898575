package coreg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWarningLogAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ACCURACY_WARNING")
	w := NewWarningLog(path)

	if w.Written() {
		t.Error("Written() true before any append")
	}
	if err := w.Appendf("MCF failure on iter %d", 2); err != nil {
		t.Fatalf("Appendf: %v", err)
	}
	if err := w.Appendf("daz: %v", -0.0092); err != nil {
		t.Fatalf("Appendf: %v", err)
	}

	if !w.Written() {
		t.Error("Written() false after appends")
	}
	if err := w.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := "MCF failure on iter 2\ndaz: -0.0092\n"; string(content) != want {
		t.Errorf("warning file = %q, want %q", content, want)
	}
}

func TestWarningLogLatchesWriteFailure(t *testing.T) {
	w := NewWarningLog(filepath.Join(t.TempDir(), "no-such-dir", "ACCURACY_WARNING"))

	if err := w.Appendf("lost line"); err == nil {
		t.Fatal("want error for an unwritable warning file")
	}
	if w.Written() {
		t.Error("Written() true after a failed append")
	}
	err := w.Err()
	if err == nil {
		t.Fatal("Err() nil after a failed append")
	}
	if !strings.Contains(err.Error(), "accuracy warning") {
		t.Errorf("Err() = %v, want an accuracy warning error", err)
	}
}
