package stack

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/GeoscienceAustralia/PyGamma/internal/dates"
)

// Pair is one interferogram combination, early scene first.
type Pair struct {
	Early dates.AcquisitionDate
	Late  dates.AcquisitionDate
}

func (p Pair) String() string {
	return fmt.Sprintf("%s-%s", p.Early, p.Late)
}

// GeneratePairs forms the default sequential-chain combinations: each scene
// paired with the next in date order.
func GeneratePairs(ds []dates.AcquisitionDate) []Pair {
	sorted := append([]dates.AcquisitionDate(nil), ds...)
	dates.Sort(sorted)

	var pairs []Pair
	for i := 1; i < len(sorted); i++ {
		pairs = append(pairs, Pair{Early: sorted[i-1], Late: sorted[i]})
	}
	return pairs
}

// ReadPairList parses an ifgs.list file of "early,late" lines. Blank lines
// and # comments are skipped.
func ReadPairList(path string) ([]Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pairs []Pair
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		early, late, ok := strings.Cut(line, ",")
		if !ok {
			return nil, fmt.Errorf("%s: malformed pair line %q", path, line)
		}
		a, err := dates.Parse(strings.TrimSpace(early))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		b, err := dates.Parse(strings.TrimSpace(late))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if !a.Before(b) {
			a, b = b, a
		}
		pairs = append(pairs, Pair{Early: a, Late: b})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return pairs, nil
}

// WritePairList persists pairs as "early,late" lines.
func WritePairList(path string, pairs []Pair) error {
	var b strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&b, "%s,%s\n", p.Early, p.Late)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing pair list: %w", err)
	}
	return nil
}

// loadOrGeneratePairs honors a user-provided ifgs.list, writing the default
// sequential chain there when none exists.
func (s *Stack) loadOrGeneratePairs(sceneDates []dates.AcquisitionDate) ([]Pair, error) {
	path := filepath.Join(s.Config.Paths.ListPath(), "ifgs.list")

	pairs, err := ReadPairList(path)
	if err == nil {
		return pairs, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	pairs = GeneratePairs(sceneDates)
	if err := WritePairList(path, pairs); err != nil {
		return nil, err
	}
	return pairs, nil
}
