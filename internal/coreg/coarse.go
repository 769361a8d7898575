package coreg

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/GeoscienceAustralia/PyGamma/internal/ctxlog"
	"github.com/GeoscienceAustralia/PyGamma/internal/gamma"
	"github.com/GeoscienceAustralia/PyGamma/internal/par"
)

// Settings carries the convergence tunables for one pair alignment.
type Settings struct {
	RangeLooks   int
	AzimuthLooks int

	// MaxIterations bounds both the coarse and fine loops.
	MaxIterations int

	// CoarseAzimuthThreshold stops the coarse loop once the residual
	// azimuth offset drops below it, in pixels.
	CoarseAzimuthThreshold float64

	// FineOffsetTarget stops the fine loop once the azimuth correction
	// drops below it, in pixels.
	FineOffsetTarget float64

	// Burst overlap sample quality gates.
	CCThresh    float64
	FracThresh  float64
	StdevThresh float64

	// Minimum cross-correlation grid stepping.
	RangeStepMin   int
	AzimuthStepMin int

	// BurstWorkers bounds concurrent burst-pair statistics within one
	// overlap iteration. Zero or one means sequential.
	BurstWorkers int
}

// Coarse iteratively refines the pair's geocoding lookup table by intensity
// cross-correlation between the reference SLC and the resampled secondary,
// folding each residual polynomial fit back into the table. It leaves the
// initial offset parameter file at Paths.Off and the last residual fit at
// Paths.DOff.
func Coarse(ctx context.Context, tk gamma.Toolkit, p *Paths, s Settings) error {
	log := ctxlog.FromContext(ctx)
	log.Info("beginning coarse coregistration",
		"primary", p.Primary, "secondary", p.Secondary)

	slcPar, err := par.Load(p.PrimarySLCPar)
	if err != nil {
		return err
	}
	mliPar, err := par.Load(p.PrimaryMLIPar)
	if err != nil {
		return err
	}

	slcWidth, err := slcPar.Int("range_samples", 0)
	if err != nil {
		return err
	}
	slcHeight, err := slcPar.Int("azimuth_lines", 0)
	if err != nil {
		return err
	}
	mliWidth, err := mliPar.Int("range_samples", 0)
	if err != nil {
		return err
	}

	// Aim for 64x64 correlation windows, clamped for small scenes.
	rangeStep := max(slcWidth/64, s.RangeStepMin)
	azimuthStep := max(slcHeight/64, s.AzimuthStepMin)

	if err := tk.CreateOffset(ctx, p.PrimarySLCPar, p.SecondarySLCPar, p.Off, s.RangeLooks, s.AzimuthLooks); err != nil {
		return err
	}

	tempDir, err := os.MkdirTemp(p.SecondaryDir, "coarse-")
	if err != nil {
		return fmt.Errorf("coarse coregistration: %w", err)
	}
	defer os.RemoveAll(tempDir)

	offs := filepath.Join(tempDir, p.PairName+".offs")
	snr := filepath.Join(tempDir, p.PairName+".snr")
	diffPar := filepath.Join(tempDir, p.PairName+".diff_par")
	offStart := filepath.Join(tempDir, filepath.Base(p.Off)+".start")

	dAzimuth := 1.0
	for iteration := 0; math.Abs(dAzimuth) > s.CoarseAzimuthThreshold && iteration < s.MaxIterations; iteration++ {
		if err := copyFile(p.Off, offStart); err != nil {
			return err
		}

		if err := tk.SLCInterpLtScanSAR(ctx,
			p.SecondaryTab, p.SecondarySLCPar,
			p.PrimaryTab, p.PrimarySLCPar,
			p.LookupTable,
			p.PrimaryMLIPar, p.SecondaryMLIPar,
			offStart,
			p.RSecondaryTab, p.RSecondarySLC, p.RSecondarySLCPar); err != nil {
			return err
		}

		if err := os.Remove(p.DOff); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("coarse coregistration: %w", err)
		}
		if err := tk.CreateOffset(ctx, p.PrimarySLCPar, p.SecondarySLCPar, p.DOff, s.RangeLooks, s.AzimuthLooks); err != nil {
			return err
		}

		if err := tk.OffsetPwrTracking(ctx,
			p.PrimarySLC, p.RSecondarySLC,
			p.PrimarySLCPar, p.RSecondarySLCPar,
			p.DOff, offs, snr,
			rangeStep, azimuthStep, slcWidth, slcHeight); err != nil {
			return err
		}

		fit, err := tk.OffsetFit(ctx, offs, snr, p.DOff)
		if err != nil {
			return err
		}

		doff, err := par.Load(p.DOff)
		if err != nil {
			return err
		}
		dAzimuth, err = doff.Float("azimuth_offset_polynomial", 0)
		if err != nil {
			return err
		}
		dRange, err := doff.Float("range_offset_polynomial", 0)
		if err != nil {
			return err
		}

		// Corrections for the lookup table are in MLI pixels.
		dAzimuthMLI := dAzimuth / float64(s.AzimuthLooks)
		dRangeMLI := dRange / float64(s.RangeLooks)

		log.Info("matching iteration",
			"iteration", iteration+1,
			"max_iterations", s.MaxIterations,
			"daz", dAzimuth,
			"dr", dRange,
			"daz_mli", dAzimuthMLI,
			"dr_mli", dRangeMLI,
			"azimuth_stdev", fit.AzimuthStdev,
			"range_stdev", fit.RangeStdev,
			"threshold", s.CoarseAzimuthThreshold,
		)

		if err := os.Remove(diffPar); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("coarse coregistration: %w", err)
		}
		if err := tk.CreateDiffPar(ctx, p.PrimaryMLIPar, p.PrimaryMLIPar, diffPar, 1); err != nil {
			return err
		}

		zeros := "0.0000e+00   0.0000e+00   0.0000e+00   0.0000e+00   0.0000e+00"
		if err := tk.SetValue(ctx, diffPar, diffPar, "range_offset_polynomial",
			fmt.Sprintf("%s   %s", par.FormatFloat(dRangeMLI), zeros)); err != nil {
			return err
		}
		if err := tk.SetValue(ctx, diffPar, diffPar, "azimuth_offset_polynomial",
			fmt.Sprintf("%s   %s", par.FormatFloat(dAzimuthMLI), zeros)); err != nil {
			return err
		}

		ltIter := filepath.Join(tempDir, fmt.Sprintf("%s.%d", filepath.Base(p.LookupTable), iteration))
		if err := copyFile(p.LookupTable, ltIter); err != nil {
			return err
		}
		if err := tk.GCMapFine(ctx, ltIter, mliWidth, diffPar, p.LookupTable); err != nil {
			return err
		}
	}

	return nil
}
