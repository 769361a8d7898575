// Package coreg aligns a secondary scene to the stack reference geometry.
// The coarse stage refines the geocoding lookup table by intensity matching;
// the fine stage refines the azimuth offset polynomial from burst overlap
// phase until it converges.
package coreg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/GeoscienceAustralia/PyGamma/internal/dates"
	"github.com/GeoscienceAustralia/PyGamma/internal/par"
)

// Paths derives every file the coregistration of one scene pair touches.
// All products for a secondary live in its own scene directory, so two pairs
// never contend for a path.
type Paths struct {
	Primary      dates.AcquisitionDate
	Secondary    dates.AcquisitionDate
	Polarisation string
	RangeLooks   int

	PrimaryDir   string
	SecondaryDir string

	// PairName prefixes every pair-specific product file.
	PairName string

	PrimarySLC    string
	PrimarySLCPar string
	PrimaryMLIPar string

	SecondarySLC    string
	SecondarySLCPar string
	SecondaryMLIPar string

	// Tab files for the toolkit's burst-aware operations.
	PrimaryTab    string
	SecondaryTab  string
	RSecondaryTab string

	// LookupTable is the geocoding LUT refined by the coarse stage.
	LookupTable string

	// Off is the offset parameter file owned by one convergence run. DOff
	// holds the coarse stage's last residual fit and doubles as the
	// fallback model when no fine iteration succeeds.
	Off  string
	DOff string

	// Resampled secondary products.
	RSecondarySLC    string
	RSecondarySLCPar string
	RSecondaryMLI    string
	RSecondaryMLIPar string

	// AccuracyWarning accumulates quality notes for the pair.
	AccuracyWarning string
}

// NewPaths lays out the pair's file names under slcDir, which holds one
// directory per scene date.
func NewPaths(slcDir string, primary, secondary dates.AcquisitionDate, pol string, rlks int) *Paths {
	primaryDir := filepath.Join(slcDir, primary.String())
	secondaryDir := filepath.Join(slcDir, secondary.String())

	primaryID := fmt.Sprintf("%s_%s", primary, pol)
	secondaryID := fmt.Sprintf("%s_%s", secondary, pol)
	pairName := fmt.Sprintf("%s-%s_%s_%drlks", primary, secondary, pol, rlks)

	mli := func(dir, id string) string {
		return filepath.Join(dir, fmt.Sprintf("%s_%drlks.mli.par", id, rlks))
	}

	return &Paths{
		Primary:      primary,
		Secondary:    secondary,
		Polarisation: pol,
		RangeLooks:   rlks,

		PrimaryDir:   primaryDir,
		SecondaryDir: secondaryDir,
		PairName:     pairName,

		PrimarySLC:    filepath.Join(primaryDir, primaryID+".slc"),
		PrimarySLCPar: filepath.Join(primaryDir, primaryID+".slc.par"),
		PrimaryMLIPar: mli(primaryDir, primaryID),

		SecondarySLC:    filepath.Join(secondaryDir, secondaryID+".slc"),
		SecondarySLCPar: filepath.Join(secondaryDir, secondaryID+".slc.par"),
		SecondaryMLIPar: mli(secondaryDir, secondaryID),

		PrimaryTab:    filepath.Join(secondaryDir, primaryID+"_tab"),
		SecondaryTab:  filepath.Join(secondaryDir, secondaryID+"_tab"),
		RSecondaryTab: filepath.Join(secondaryDir, "r"+secondaryID+"_tab"),

		LookupTable: filepath.Join(secondaryDir, pairName+".lt"),
		Off:         filepath.Join(secondaryDir, pairName+".off"),
		DOff:        filepath.Join(secondaryDir, pairName+".doff"),

		RSecondarySLC:    filepath.Join(secondaryDir, "r"+secondaryID+".slc"),
		RSecondarySLCPar: filepath.Join(secondaryDir, "r"+secondaryID+".slc.par"),
		RSecondaryMLI:    filepath.Join(secondaryDir, fmt.Sprintf("r%s_%drlks.mli", secondaryID, rlks)),
		RSecondaryMLIPar: filepath.Join(secondaryDir, fmt.Sprintf("r%s_%drlks.mli.par", secondaryID, rlks)),

		AccuracyWarning: filepath.Join(secondaryDir, "ACCURACY_WARNING"),
	}
}

// WriteTabFiles writes the three tab files for the pair: the primary scene's
// subswaths, the secondary's, and the resampled secondary's.
func (p *Paths) WriteTabFiles() error {
	primaryID := fmt.Sprintf("%s_%s", p.Primary, p.Polarisation)
	secondaryID := fmt.Sprintf("%s_%s", p.Secondary, p.Polarisation)

	if err := par.WriteTab(p.PrimaryTab, primaryID, p.PrimaryDir); err != nil {
		return err
	}
	if err := par.WriteTab(p.SecondaryTab, secondaryID, p.SecondaryDir); err != nil {
		return err
	}
	return par.WriteTab(p.RSecondaryTab, "r"+secondaryID, p.SecondaryDir)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return out.Close()
}
