package tree

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/GeoscienceAustralia/PyGamma/internal/dates"
)

// ReadSceneList loads one scene date per line, skipping blanks and
// # comments.
func ReadSceneList(path string) ([]dates.AcquisitionDate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading scene list: %w", err)
	}
	defer f.Close()

	var out []dates.AcquisitionDate
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		dt, err := dates.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("reading scene list %s: %w", path, err)
		}
		out = append(out, dt)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading scene list %s: %w", path, err)
	}
	return out, nil
}

// WriteSceneList persists dates one per line.
func WriteSceneList(path string, ds []dates.AcquisitionDate) error {
	var b strings.Builder
	for _, dt := range ds {
		b.WriteString(dt.String())
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing scene list: %w", err)
	}
	return nil
}

// WriteTierLists persists one secondaries<k>.list file per tier under
// listDir. Existing tier lists beyond the forest depth are removed so a
// rebuilt, shallower forest never leaves stale tiers behind.
func (f *Forest) WriteTierLists(listDir string) error {
	if err := os.MkdirAll(listDir, 0o755); err != nil {
		return fmt.Errorf("writing tier lists: %w", err)
	}

	for k := 1; k <= len(f.Tiers); k++ {
		if err := WriteSceneList(tierListPath(listDir, k), f.TierDates(k)); err != nil {
			return err
		}
	}

	for k := len(f.Tiers) + 1; ; k++ {
		path := tierListPath(listDir, k)
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("removing stale tier list %s: %w", path, err)
		}
	}
}

// ReadTierLists loads the consecutive secondaries<k>.list files under
// listDir, starting at 1, stopping at the first missing tier.
func ReadTierLists(listDir string) ([][]dates.AcquisitionDate, error) {
	var tiers [][]dates.AcquisitionDate
	for k := 1; ; k++ {
		path := tierListPath(listDir, k)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return tiers, nil
		}
		ds, err := ReadSceneList(path)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, ds)
	}
}

func tierListPath(listDir string, tier int) string {
	return filepath.Join(listDir, fmt.Sprintf("secondaries%d.list", tier))
}
