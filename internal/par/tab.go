package par

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxSubswaths is the number of IW subswaths a Sentinel-1 scene can carry.
const MaxSubswaths = 3

// TabEntry is one subswath row of a tab file: the image, its parameter file
// and its burst timing parameter file.
type TabEntry struct {
	SLC     string
	Par     string
	TOPSPar string
}

// Tab lists the per-subswath file triplets consumed by the toolkit's
// burst-aware operations. Entries beyond the scene's subswath count are nil.
type Tab [MaxSubswaths]*TabEntry

// WriteTab writes a tab file for the given scene id, one line per subswath.
func WriteTab(tabPath string, id string, dataDir string) error {
	var b strings.Builder
	for swath := 1; swath <= MaxSubswaths; swath++ {
		slc := fmt.Sprintf("%s_IW%d.slc", id, swath)
		slcPar := fmt.Sprintf("%s_IW%d.slc.par", id, swath)
		topsPar := fmt.Sprintf("%s_IW%d.slc.TOPS_par", id, swath)
		if dataDir != "" {
			slc = filepath.Join(dataDir, slc)
			slcPar = filepath.Join(dataDir, slcPar)
			topsPar = filepath.Join(dataDir, topsPar)
		}
		b.WriteString(slc + " " + slcPar + " " + topsPar + "\n")
	}
	if err := os.WriteFile(tabPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write tab file: %w", err)
	}
	return nil
}

// ReadTab parses a tab file, tolerating one to three subswath rows.
func ReadTab(tabPath string) (Tab, error) {
	var tab Tab
	data, err := os.ReadFile(tabPath)
	if err != nil {
		return tab, fmt.Errorf("read tab file: %w", err)
	}
	row := 0
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return tab, fmt.Errorf("tab file %s: row %d has %d fields, want 3", tabPath, row+1, len(fields))
		}
		if row >= MaxSubswaths {
			return tab, fmt.Errorf("tab file %s: more than %d subswath rows", tabPath, MaxSubswaths)
		}
		tab[row] = &TabEntry{SLC: fields[0], Par: fields[1], TOPSPar: fields[2]}
		row++
	}
	if row == 0 {
		return tab, fmt.Errorf("tab file %s: no subswath rows", tabPath)
	}
	return tab, nil
}
