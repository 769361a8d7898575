package stack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/GeoscienceAustralia/PyGamma/internal/ctxlog"
	"github.com/GeoscienceAustralia/PyGamma/internal/dates"
	"github.com/GeoscienceAustralia/PyGamma/internal/par"
)

// ifgProducts names the files one interferogram pair produces.
type ifgProducts struct {
	Dir    string
	Off    string
	Intf   string
	CC     string
	Mask   string
	Filt   string
	FiltCC string
	Unw    string
}

func (s *Stack) ifgProducts(pair Pair) ifgProducts {
	dir := filepath.Join(s.Config.Paths.IFGPath(), pair.String())
	base := fmt.Sprintf("%s_%s_%drlks", pair, s.Config.Coreg.Polarisation, s.Config.Coreg.RangeLooks)
	return ifgProducts{
		Dir:    dir,
		Off:    filepath.Join(dir, base+".off"),
		Intf:   filepath.Join(dir, base+".int"),
		CC:     filepath.Join(dir, base+".cc"),
		Mask:   filepath.Join(dir, base+".cc_mask.ras"),
		Filt:   filepath.Join(dir, base+".filt.int"),
		FiltCC: filepath.Join(dir, base+".filt.cc"),
		Unw:    filepath.Join(dir, base+".unw"),
	}
}

func (s *Stack) interferogramOutputs(pair Pair) []string {
	prod := s.ifgProducts(pair)
	return []string{prod.Intf, prod.CC, prod.Filt, prod.Unw}
}

// resampledScene returns the reference-geometry SLC of a scene: the
// reference's own image, or the coregistered resampled image otherwise.
func (s *Stack) resampledScene(reference, dt dates.AcquisitionDate) (slc, slcPar string) {
	p := s.pairPaths(reference, dt)
	if dt.Equal(reference) {
		return p.PrimarySLC, p.PrimarySLCPar
	}
	return p.RSecondarySLC, p.RSecondarySLCPar
}

// interferogram forms, filters and unwraps one pair from the coregistered
// stack.
func (s *Stack) interferogram(ctx context.Context, reference dates.AcquisitionDate, pair Pair) error {
	log := ctxlog.FromContext(ctx)
	log.Info("forming interferogram", "pair", pair.String())

	prod := s.ifgProducts(pair)
	if err := os.MkdirAll(prod.Dir, 0o755); err != nil {
		return fmt.Errorf("interferogram %s: %w", pair, err)
	}

	slc1, par1 := s.resampledScene(reference, pair.Early)
	slc2, par2 := s.resampledScene(reference, pair.Late)
	rlks := s.Config.Coreg.RangeLooks
	alks := s.Config.Coreg.AzimuthLooks

	if err := os.RemoveAll(prod.Off); err != nil {
		return fmt.Errorf("interferogram %s: %w", pair, err)
	}
	if err := s.Toolkit.CreateOffset(ctx, par1, par2, prod.Off, rlks, alks); err != nil {
		return err
	}
	if err := s.Toolkit.SLCIntf(ctx, slc1, slc2, par1, par2, prod.Off, prod.Intf, rlks, alks); err != nil {
		return err
	}

	offPar, err := par.Load(prod.Off)
	if err != nil {
		return err
	}
	width, err := offPar.Int("interferogram_width", 0)
	if err != nil {
		return err
	}
	lines, err := offPar.Int("interferogram_azimuth_lines", 0)
	if err != nil {
		return err
	}

	if err := s.Toolkit.CCWave(ctx, prod.Intf, prod.CC, width, 5, 5); err != nil {
		return err
	}
	if err := s.Toolkit.RasccMask(ctx, prod.CC, width, s.Config.Coreg.CCThresh, prod.Mask); err != nil {
		return err
	}
	if err := s.Toolkit.ADF(ctx, prod.Intf, prod.Filt, prod.FiltCC, width, 0.4, 32, 7); err != nil {
		return err
	}
	if err := s.Toolkit.MCF(ctx, prod.Filt, prod.CC, prod.Mask, prod.Unw, width,
		float64(width/2), float64(lines/2)); err != nil {
		return err
	}

	log.Info("interferogram complete", "pair", pair.String(), "width", width, "lines", lines)
	return nil
}
