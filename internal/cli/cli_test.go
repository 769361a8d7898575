package cli

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/GeoscienceAustralia/PyGamma/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	root := t.TempDir()
	cfg.Paths.OutputDir = filepath.Join(root, "stack")
	cfg.Paths.WorkDir = filepath.Join(root, "work")
	cfg.Paths.DatabasePath = filepath.Join(root, "runs.db")
	cfg.Logging.Level = "error"
	cfg.Logging.FileOutput = false
	return cfg
}

// captureStdout runs fn with os.Stdout redirected and returns what it wrote.
func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	old := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = old }()

	runErr := fn()
	w.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(out), runErr
}

func TestTreeCommand(t *testing.T) {
	cfg := testConfig(t)
	scenes := filepath.Join(t.TempDir(), "scenes.list")
	if err := os.WriteFile(scenes, []byte("20200601\n20200613\n20200625\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := NewRootCmd(cfg)
	cmd.SetArgs([]string{"tree", scenes, "--reference", "20200613"})

	out, err := captureStdout(t, cmd.Execute)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if !strings.Contains(out, "reference: 20200613") {
		t.Errorf("missing reference line:\n%s", out)
	}
	if !strings.Contains(out, "tier 1:") {
		t.Errorf("missing tier listing:\n%s", out)
	}
	for _, pair := range []string{"20200601<-20200613", "20200625<-20200613"} {
		if !strings.Contains(out, pair) {
			t.Errorf("missing edge %s:\n%s", pair, out)
		}
	}
}

func TestTreeCommandRejectsTinyStack(t *testing.T) {
	cfg := testConfig(t)
	scenes := filepath.Join(t.TempDir(), "scenes.list")
	if err := os.WriteFile(scenes, []byte("20200601\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := NewRootCmd(cfg)
	cmd.SetArgs([]string{"tree", scenes})
	cmd.SetErr(io.Discard)
	if _, err := captureStdout(t, cmd.Execute); err == nil {
		t.Error("single-scene list accepted")
	}
}

func TestConfigInit(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "conf", "config.json")

	cmd := NewRootCmd(cfg)
	cmd.SetArgs([]string{"config", "init", path})
	if _, err := captureStdout(t, cmd.Execute); err != nil {
		t.Fatalf("config init: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var written config.Config
	if err := json.Unmarshal(data, &written); err != nil {
		t.Fatalf("written config does not parse: %v", err)
	}
	if written.Tree.ThresholdDays != config.Default().Tree.ThresholdDays {
		t.Errorf("threshold_days = %d", written.Tree.ThresholdDays)
	}

	// A second init must not clobber the existing file.
	cmd = NewRootCmd(cfg)
	cmd.SetArgs([]string{"config", "init", path})
	cmd.SetErr(io.Discard)
	if _, err := captureStdout(t, cmd.Execute); err == nil {
		t.Error("existing config overwritten")
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCmd(testConfig(t))
	cmd.SetArgs([]string{"version"})
	out, err := captureStdout(t, cmd.Execute)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "insarstack") {
		t.Errorf("version output: %q", out)
	}
}
