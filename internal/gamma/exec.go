package gamma

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"time"

	"github.com/GeoscienceAustralia/PyGamma/internal/ctxlog"
)

// Exec runs toolkit operations as out-of-process invocations of the GAMMA
// programs found on PATH (or under BinDir when set). A configurable ceiling
// bounds each invocation; a hung program is killed and reported as a
// *ToolError rather than stalling the whole stack.
type Exec struct {
	// BinDir, when non-empty, is prefixed to every program name.
	BinDir string

	// Ceiling bounds a single invocation. Zero means no limit.
	Ceiling time.Duration
}

var _ Toolkit = (*Exec)(nil)

func (e *Exec) run(ctx context.Context, op string, args ...string) (string, error) {
	if e.Ceiling > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Ceiling)
		defer cancel()
	}

	prog := op
	if e.BinDir != "" {
		prog = e.BinDir + "/" + op
	}

	log := ctxlog.FromContext(ctx)
	log.Debug("toolkit invocation", "op", op, "args", args)

	cmd := exec.CommandContext(ctx, prog, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		status := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			status = exitErr.ExitCode()
		}
		toolErr := &ToolError{
			Op:     op,
			Args:   args,
			Status: status,
			Stdout: stdout.String(),
			Stderr: stderr.String(),
			Err:    err,
		}
		log.Error("toolkit invocation failed",
			"op", op,
			"status", status,
			"stderr", stderr.String(),
		)
		return stdout.String(), toolErr
	}
	return stdout.String(), nil
}

func itoa(v int) string { return strconv.Itoa(v) }

func ftoa(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func (e *Exec) CreateOffset(ctx context.Context, slc1Par, slc2Par, off string, rlks, alks int) error {
	// algorithm 1 = intensity cross-correlation, iflg 0 = non-interactive
	_, err := e.run(ctx, "create_offset", slc1Par, slc2Par, off, "1", itoa(rlks), itoa(alks), "0")
	return err
}

func (e *Exec) OffsetPwrTracking(ctx context.Context, slc1, slc2, slc1Par, slc2Par, off, offs, snr string, rstep, azstep, width, height int) error {
	_, err := e.run(ctx, "offset_pwr_tracking",
		slc1, slc2, slc1Par, slc2Par, off, offs, snr,
		"128", "64", // rwin, azwin
		NotProvided,
		"1",   // n_ovr
		"0.2", // thres
		itoa(rstep), itoa(azstep),
		"0", itoa(width),
		"0", itoa(height),
	)
	return err
}

func (e *Exec) OffsetFit(ctx context.Context, offs, snr, off string) (OffsetFitResult, error) {
	stdout, err := e.run(ctx, "offset_fit",
		offs, snr, off,
		NotProvided, NotProvided, // coffs, coffsets
		"0.2", // thres
		"1",   // npoly
		"0",   // non-interactive
	)
	if err != nil {
		return OffsetFitResult{}, err
	}
	return ParseOffsetFit(stdout)
}

func (e *Exec) SLCInterpLtScanSAR(ctx context.Context, slc2Tab, slc2Par, slc1Tab, slc1Par, lt, mli1Par, mli2Par, offPar, slc2RTab, slc2R, slc2RPar string) error {
	_, err := e.run(ctx, "SLC_interp_lt_ScanSAR",
		slc2Tab, slc2Par, slc1Tab, slc1Par, lt, mli1Par, mli2Par, offPar,
		slc2RTab, slc2R, slc2RPar)
	return err
}

func (e *Exec) SLCCopy(ctx context.Context, slcIn, parIn, slcOut, parOut string, roff, nr, loff, nl int) error {
	_, err := e.run(ctx, "SLC_copy",
		slcIn, parIn, slcOut, parOut,
		NotProvided, "1.",
		itoa(roff), itoa(nr), itoa(loff), itoa(nl))
	return err
}

func (e *Exec) SLCIntf(ctx context.Context, slc1, slc2, par1, par2, off, intf string, rlks, alks int) error {
	_, err := e.run(ctx, "SLC_intf",
		slc1, slc2, par1, par2, off, intf,
		itoa(rlks), itoa(alks),
		"0", NotProvided, "0", "0")
	return err
}

func (e *Exec) CreateDiffPar(ctx context.Context, par1, par2, diffPar string, parType int) error {
	_, err := e.run(ctx, "create_diff_par", par1, par2, diffPar, itoa(parType), "0")
	return err
}

func (e *Exec) CpxToReal(ctx context.Context, cpxIn, realOut string, width, mode int) error {
	_, err := e.run(ctx, "cpx_to_real", cpxIn, realOut, itoa(width), itoa(mode))
	return err
}

func (e *Exec) SubPhase(ctx context.Context, intIn, phase, diffPar, intOut string) error {
	_, err := e.run(ctx, "sub_phase", intIn, phase, diffPar, intOut, "1", "0")
	return err
}

func (e *Exec) MultiCpx(ctx context.Context, dataIn, offIn, dataOut, offOut string, rlks, alks int) error {
	_, err := e.run(ctx, "multi_cpx", dataIn, offIn, dataOut, offOut, itoa(rlks), itoa(alks))
	return err
}

func (e *Exec) CCWave(ctx context.Context, intf, cc string, width, bx, by int) error {
	_, err := e.run(ctx, "cc_wave", intf, NotProvided, NotProvided, cc, itoa(width), itoa(bx), itoa(by), "0")
	return err
}

func (e *Exec) RasccMask(ctx context.Context, cc string, width int, ccThresh float64, ras string) error {
	_, err := e.run(ctx, "rascc_mask",
		cc, NotProvided, itoa(width),
		"1", "1", "0", "1", "1",
		ftoa(ccThresh), NotProvided,
		"0.0", "1.0", "1.", ".35", "1",
		ras)
	return err
}

func (e *Exec) ADF(ctx context.Context, intIn, smOut, ccOut string, width int, alpha float64, nfft, ccWin int) error {
	_, err := e.run(ctx, "adf", intIn, smOut, ccOut, itoa(width), ftoa(alpha), itoa(nfft), itoa(ccWin), "2")
	return err
}

func (e *Exec) MCF(ctx context.Context, intf, cc, mask, unw string, width int, rInit, azInit float64) error {
	_, err := e.run(ctx, "mcf",
		intf, cc, mask, unw, itoa(width),
		"1", "0", "0",
		NotProvided, NotProvided,
		"1", "1", "512",
		ftoa(rInit), ftoa(azInit))
	return err
}

func (e *Exec) ImageStat(ctx context.Context, image string, width int, report string) error {
	_, err := e.run(ctx, "image_stat",
		image, itoa(width),
		NotProvided, NotProvided, NotProvided, NotProvided,
		report)
	return err
}

func (e *Exec) SetValue(ctx context.Context, parIn, parOut, key, value string) error {
	_, err := e.run(ctx, "set_value", parIn, parOut, key, value, "0")
	return err
}

func (e *Exec) MultiLook(ctx context.Context, slc, slcPar, mli, mliPar string, rlks, alks int) error {
	_, err := e.run(ctx, "multi_look", slc, slcPar, mli, mliPar, itoa(rlks), itoa(alks))
	return err
}

func (e *Exec) RdcTrans(ctx context.Context, mli1Par, dem, mli2Par, lt string) error {
	_, err := e.run(ctx, "rdc_trans", mli1Par, dem, mli2Par, lt)
	return err
}

func (e *Exec) GCMapFine(ctx context.Context, ltIn string, width int, diffPar, ltOut string) error {
	// ref_flg 1 = offsets relative to the reference scene
	_, err := e.run(ctx, "gc_map_fine", ltIn, itoa(width), diffPar, ltOut, "1")
	return err
}
