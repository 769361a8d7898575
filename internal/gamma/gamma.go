// Package gamma is the boundary to the external GAMMA processing toolkit.
// Every elementary image operation the stack consumes is one typed method on
// the Toolkit interface; an unknown operation is a compile-time error, not a
// runtime lookup failure.
package gamma

import (
	"context"
	"fmt"
	"strings"
)

// NotProvided is the toolkit's placeholder token for an unset argument.
const NotProvided = "-"

// OffsetFitResult carries the numeric results parsed from offset_fit stdout.
type OffsetFitResult struct {
	RangeStdev   float64
	AzimuthStdev float64
}

// Toolkit exposes the elementary toolkit operations used by stack
// processing. Implementations run each operation to completion and return a
// *ToolError when the toolkit reports a nonzero status.
type Toolkit interface {
	// CreateOffset initializes an offset parameter file between two SLCs.
	CreateOffset(ctx context.Context, slc1Par, slc2Par, off string, rlks, alks int) error

	// OffsetPwrTracking estimates offsets by intensity cross-correlation on
	// a grid stepped by rstep/azstep over the region (0,width)x(0,height).
	OffsetPwrTracking(ctx context.Context, slc1, slc2, slc1Par, slc2Par, off, offs, snr string, rstep, azstep, width, height int) error

	// OffsetFit fits range/azimuth offset polynomials to tracked offsets and
	// reports the final model fit standard deviations.
	OffsetFit(ctx context.Context, offs, snr, off string) (OffsetFitResult, error)

	// SLCInterpLtScanSAR resamples a burst-mode SLC through a lookup table
	// refined by the offset parameter file.
	SLCInterpLtScanSAR(ctx context.Context, slc2Tab, slc2Par, slc1Tab, slc1Par, lt, mli1Par, mli2Par, offPar, slc2RTab, slc2R, slc2RPar string) error

	// SLCCopy extracts a line segment of an SLC.
	SLCCopy(ctx context.Context, slcIn, parIn, slcOut, parOut string, roff, nr, loff, nl int) error

	// SLCIntf forms a single-look interferogram.
	SLCIntf(ctx context.Context, slc1, slc2, par1, par2, off, intf string, rlks, alks int) error

	// CreateDiffPar creates a diff/geocoding parameter file from two
	// parameter files. parType 1 is SLC/MLI, 0 is offset.
	CreateDiffPar(ctx context.Context, par1, par2, diffPar string, parType int) error

	// CpxToReal extracts a real-valued channel from complex data.
	CpxToReal(ctx context.Context, cpxIn, realOut string, width, mode int) error

	// SubPhase subtracts a phase image from an interferogram.
	SubPhase(ctx context.Context, intIn, phase, diffPar, intOut string) error

	// MultiCpx multi-looks complex data.
	MultiCpx(ctx context.Context, dataIn, offIn, dataOut, offOut string, rlks, alks int) error

	// CCWave estimates coherence from an interferogram.
	CCWave(ctx context.Context, intf, cc string, width, bx, by int) error

	// RasccMask builds a raster validity mask thresholded by coherence.
	RasccMask(ctx context.Context, cc string, width int, ccThresh float64, ras string) error

	// ADF applies adaptive spectral filtering to an interferogram.
	ADF(ctx context.Context, intIn, smOut, ccOut string, width int, alpha float64, nfft, ccWin int) error

	// MCF unwraps interferogram phase with minimum cost flow. Unwrap
	// failures surface as a *ToolError and are recoverable per burst pair.
	MCF(ctx context.Context, intf, cc, mask, unw string, width int, rInit, azInit float64) error

	// ImageStat writes mean/stdev/valid-fraction statistics of an image to a
	// parameter-style report file.
	ImageStat(ctx context.Context, image string, width int, report string) error

	// SetValue rewrites one keyword of a parameter file.
	SetValue(ctx context.Context, parIn, parOut, key, value string) error

	// MultiLook averages an SLC down to a multi-look intensity image.
	MultiLook(ctx context.Context, slc, slcPar, mli, mliPar string, rlks, alks int) error

	// RdcTrans derives the initial geometric lookup table from a DEM in the
	// reference geometry.
	RdcTrans(ctx context.Context, mli1Par, dem, mli2Par, lt string) error

	// GCMapFine refines a geocoding lookup table with the offset polynomials
	// from a diff parameter file.
	GCMapFine(ctx context.Context, ltIn string, width int, diffPar, ltOut string) error
}

// ToolError reports a toolkit invocation that returned nonzero status. The
// full invocation context is retained for the audit log.
type ToolError struct {
	Op     string
	Args   []string
	Status int
	Stdout string
	Stderr string
	Err    error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Op, e.Status)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		if i := strings.IndexByte(s, '\n'); i > 0 {
			s = s[:i]
		}
		msg += ": " + s
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }
