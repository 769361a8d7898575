// Package par reads and writes the line-oriented parameter, tab and list
// files shared with the external GAMMA toolkit. Key order and numeric
// formatting are part of the external contract and are preserved exactly.
package par

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// File is an ordered set of `key: value [value...]` entries parsed from a
// GAMMA parameter file. Keys keep the order they appear in on disk so a
// rewritten file diffs cleanly against toolkit output.
type File struct {
	keys   []string
	values map[string][]string
}

// New returns an empty parameter file.
func New() *File {
	return &File{values: make(map[string][]string)}
}

// Load parses a parameter file. Lines without a `:` separator are ignored,
// matching the toolkit's own tolerance for banner lines.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open parameter file: %w", err)
	}
	defer f.Close()

	pf := &File{values: make(map[string][]string)}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, rest, ok := strings.Cut(line, ":")
		if !ok || key == "" {
			continue
		}
		key = strings.TrimSpace(key)
		if _, seen := pf.values[key]; !seen {
			pf.keys = append(pf.keys, key)
		}
		pf.values[key] = strings.Fields(rest)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read parameter file %s: %w", path, err)
	}
	return pf, nil
}

// Keys returns the keys in file order.
func (pf *File) Keys() []string { return append([]string(nil), pf.keys...) }

// Has reports whether the key is present.
func (pf *File) Has(key string) bool {
	_, ok := pf.values[key]
	return ok
}

// Values returns every whitespace-separated value token for a key.
func (pf *File) Values(key string) ([]string, error) {
	vals, ok := pf.values[key]
	if !ok {
		return nil, fmt.Errorf("parameter %q not found", key)
	}
	return vals, nil
}

// Float reads one value of a key as a float64.
func (pf *File) Float(key string, index int) (float64, error) {
	vals, err := pf.Values(key)
	if err != nil {
		return 0, err
	}
	if index >= len(vals) {
		return 0, fmt.Errorf("parameter %q has %d values, want index %d", key, len(vals), index)
	}
	v, err := strconv.ParseFloat(vals[index], 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %q value %q: %w", key, vals[index], err)
	}
	return v, nil
}

// Int reads one value of a key as an int.
func (pf *File) Int(key string, index int) (int, error) {
	v, err := pf.Float(key, index)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// Floats reads all values of a key as float64s.
func (pf *File) Floats(key string) ([]float64, error) {
	vals, err := pf.Values(key)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(vals))
	for i, s := range vals {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %q value %q: %w", key, s, err)
		}
		out[i] = v
	}
	return out, nil
}

// Set replaces (or appends) the value tokens for a key, preserving the
// position of existing keys.
func (pf *File) Set(key string, tokens ...string) {
	if _, seen := pf.values[key]; !seen {
		pf.keys = append(pf.keys, key)
	}
	pf.values[key] = tokens
}

// Save writes the file back in key order.
func (pf *File) Save(path string) error {
	var b strings.Builder
	for _, key := range pf.keys {
		b.WriteString(key)
		b.WriteString(":")
		for _, v := range pf.values[key] {
			b.WriteString(" ")
			b.WriteString(v)
		}
		b.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write parameter file: %w", err)
	}
	return nil
}

// Round6 rounds to 6 decimal digits. The bash ancestry of the fine
// coregistration did its arithmetic in awk, which rounds this way; the
// behavior is kept for numerical compatibility with existing stacks.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// FormatFloat renders a float the way the toolkit's parameter files do.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
