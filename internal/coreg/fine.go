package coreg

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/GeoscienceAustralia/PyGamma/internal/ctxlog"
	"github.com/GeoscienceAustralia/PyGamma/internal/gamma"
	"github.com/GeoscienceAustralia/PyGamma/internal/logging"
)

// Result describes how one pair alignment finished.
type Result struct {
	// Iterations is the number of fine iterations that ran.
	Iterations int

	// FinalOffset is the last azimuth pixel correction, NaN when no fine
	// iteration produced one.
	FinalOffset float64

	// Converged reports whether the offset reached the fine target.
	Converged bool

	// CoarseFallback reports that no fine iteration succeeded and the
	// coarse model was kept as the final one.
	CoarseFallback bool

	// Degraded reports that an accuracy warning was recorded.
	Degraded bool
}

// Fine runs the full alignment convergence for one pair: the coarse stage
// first, then burst overlap refinement of the azimuth offset polynomial
// until the correction is within the fine target or the iteration budget
// runs out. Budget exhaustion and total sample loss degrade the result
// instead of failing it; the best available model is always left at
// Paths.Off.
func Fine(ctx context.Context, tk gamma.Toolkit, p *Paths, s Settings, tertiaryTab string) (*Result, error) {
	if err := Coarse(ctx, tk, p, s); err != nil {
		return nil, err
	}

	log := ctxlog.FromContext(ctx)
	log.Info("beginning fine coregistration",
		"primary", p.Primary, "secondary", p.Secondary, "tertiary_tab", tertiaryTab)

	warn := NewWarningLog(p.AccuracyWarning)

	res, err := os.Create(filepath.Join(p.SecondaryDir, p.PairName+".ovr_results"))
	if err != nil {
		return nil, fmt.Errorf("fine coregistration: %w", err)
	}
	defer res.Close()

	fmt.Fprintf(res, "    Burst Overlap Results\n")
	fmt.Fprintf(res, "        thresholds applied: cc_thresh: %v,  ph_fraction_thresh: %v, ph_stdev_thresh (rad): %v\n\n",
		s.CCThresh, s.FracThresh, s.StdevThresh)
	fmt.Fprintf(res, "        IW  overlap  ph_mean ph_stdev ph_fraction   (cc_mean cc_stdev cc_fraction)    weight\n\n")

	tempDir, err := os.MkdirTemp(p.SecondaryDir, "fine-")
	if err != nil {
		return nil, fmt.Errorf("fine coregistration: %w", err)
	}
	defer os.RemoveAll(tempDir)

	offStart := filepath.Join(tempDir, filepath.Base(p.Off)+".start")

	result := &Result{FinalOffset: math.NaN()}
	daz := math.NaN()

	for iteration := 1; iteration <= s.MaxIterations; iteration++ {
		result.Iterations = iteration

		if err := copyFile(p.Off, offStart); err != nil {
			return nil, err
		}

		if err := tk.SLCInterpLtScanSAR(ctx,
			p.SecondaryTab, p.SecondarySLCPar,
			p.PrimaryTab, p.PrimarySLCPar,
			p.LookupTable,
			p.PrimaryMLIPar, p.SecondaryMLIPar,
			offStart,
			p.RSecondaryTab, p.RSecondarySLC, p.RSecondarySLCPar); err != nil {
			return nil, err
		}

		estimate, err := overlapIteration(ctx, tk, p, s, iteration, offStart, tertiaryTab, warn, res)
		if err != nil {
			log.Warn("fine coregistration iteration failed, continuing with best estimate",
				"iteration", iteration, "error", err)

			// The offset file is updated in place on each success, so a
			// later-iteration failure leaves the previous fine estimate
			// in force and daz keeps reporting it. Only a first-iteration
			// failure has no fine estimate at all and falls back to the
			// coarse residual model.
			if iteration == 1 {
				log.Warn("no fine coregistration iterations succeeded, proceeding with coarse coregistration")
				if cpErr := copyFile(p.DOff, p.Off); cpErr != nil {
					return nil, cpErr
				}
				result.CoarseFallback = true
			}
			break
		}
		daz = estimate

		// Keep each iteration's model for inspection.
		if err := copyFile(p.Off, fmt.Sprintf("%s.az_ovr.%d", p.Off, iteration)); err != nil {
			return nil, err
		}

		logging.LogIteration(log, "fine", iteration, s.MaxIterations, daz)

		if math.Abs(daz) <= s.FineOffsetTarget {
			result.Converged = true
			break
		}
	}

	result.FinalOffset = daz

	if !result.Converged {
		warn.Appendf("Error on fine coreg iteration %d/%d", result.Iterations, s.MaxIterations)
		if !math.IsNaN(daz) {
			warn.Appendf("daz: %v (failed to reach %v)", daz, s.FineOffsetTarget)
		} else {
			warn.Appendf("Completely failed fine coregistration, proceeded with coarse coregistration")
		}
	}
	result.Degraded = warn.Written()
	if err := warn.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Apply resamples the secondary through the refined lookup table and offset
// model, then multi-looks the result into the final intensity product.
func Apply(ctx context.Context, tk gamma.Toolkit, p *Paths, s Settings) error {
	if err := tk.SLCInterpLtScanSAR(ctx,
		p.SecondaryTab, p.SecondarySLCPar,
		p.PrimaryTab, p.PrimarySLCPar,
		p.LookupTable,
		p.PrimaryMLIPar, p.SecondaryMLIPar,
		p.Off,
		p.RSecondaryTab, p.RSecondarySLC, p.RSecondarySLCPar); err != nil {
		return err
	}
	return tk.MultiLook(ctx, p.RSecondarySLC, p.RSecondarySLCPar, p.RSecondaryMLI, p.RSecondaryMLIPar, s.RangeLooks, s.AzimuthLooks)
}

// Register runs one pair end to end: tab files, the DEM-derived initial
// lookup table, the convergence loop and the final resample.
func Register(ctx context.Context, tk gamma.Toolkit, p *Paths, s Settings, rdcDEM, tertiaryTab string) (*Result, error) {
	if err := os.MkdirAll(p.SecondaryDir, 0o755); err != nil {
		return nil, fmt.Errorf("coregistration: %w", err)
	}
	if err := p.WriteTabFiles(); err != nil {
		return nil, err
	}

	if err := tk.RdcTrans(ctx, p.PrimaryMLIPar, rdcDEM, p.SecondaryMLIPar, p.LookupTable); err != nil {
		return nil, err
	}

	result, err := Fine(ctx, tk, p, s, tertiaryTab)
	if err != nil {
		return nil, err
	}

	if err := Apply(ctx, tk, p, s); err != nil {
		return nil, err
	}
	return result, nil
}
