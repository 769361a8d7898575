package coreg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/GeoscienceAustralia/PyGamma/internal/ctxlog"
	"github.com/GeoscienceAustralia/PyGamma/internal/gamma"
	"github.com/GeoscienceAustralia/PyGamma/internal/par"
)

// Sample holds the phase statistics of one burst overlap region.
type Sample struct {
	Subswath int
	Burst    int

	Mean     float64
	Stdev    float64
	Fraction float64

	CCMean     float64
	CCStdev    float64
	CCFraction float64

	// UnwrapFailed marks a phase unwrap failure; the sample carries no
	// statistics and is excluded from the average.
	UnwrapFailed bool
}

// Weight is the averaging weight of an accepted sample. The +0.1 bounds the
// weight for near-zero stdev.
func (s Sample) Weight() float64 {
	return s.Fraction / (s.Stdev + 0.1) / (s.Stdev + 0.1)
}

// Accepted applies the quality gates: enough valid pixels and low enough
// phase noise.
func (s Sample) Accepted(fracThresh, stdevThresh float64) bool {
	return !s.UnwrapFailed && s.Fraction > fracThresh && s.Stdev < stdevThresh
}

// WeightedAverage is the fraction-weighted mean phase of the accepted
// samples. The second return is the accepted count.
func WeightedAverage(samples []Sample, fracThresh, stdevThresh float64) (float64, int) {
	var sum, sumWeight float64
	accepted := 0
	for _, s := range samples {
		if !s.Accepted(fracThresh, stdevThresh) {
			continue
		}
		sum += s.Mean * s.Fraction
		sumWeight += s.Fraction
		accepted++
	}
	if accepted == 0 {
		return 0, 0
	}
	return sum / sumWeight, accepted
}

// PixelFactor derives the phase-to-azimuth-pixel conversion constant from
// the burst timing of the first subswath. Every intermediate is rounded to 6
// digits for numerical compatibility with existing stacks.
func PixelFactor(azimuthLineTime float64, linesOffset int) float64 {
	alt := par.Round6(azimuthLineTime)
	dDC := par.Round6(1739.43 * alt * float64(linesOffset))
	dt := par.Round6(0.159154 / dDC)
	return par.Round6(dt / alt)
}

// lineOffset reads the line count between the starts of consecutive bursts.
func lineOffset(entry *par.TabEntry) (int, error) {
	slcPar, err := par.Load(entry.Par)
	if err != nil {
		return 0, err
	}
	topsPar, err := par.Load(entry.TOPSPar)
	if err != nil {
		return 0, err
	}

	azimuthLineTime, err := slcPar.Float("azimuth_line_time", 0)
	if err != nil {
		return 0, err
	}
	t1, err := topsPar.Float("burst_start_time_1", 0)
	if err != nil {
		return 0, err
	}
	t2, err := topsPar.Float("burst_start_time_2", 0)
	if err != nil {
		return 0, err
	}
	return int(0.5 + (t2-t1)/azimuthLineTime), nil
}

// overlapIteration estimates the residual azimuth pixel offset from the
// phase of every burst overlap region and folds it into the offset
// parameter file: offStart is the model the resample used, the corrected
// model is written to p.Off. When tertiaryTab is non-empty the overlap
// interferograms are formed against that resampled scene instead of the
// primary, tying the pair to its nearest tree neighbour.
func overlapIteration(ctx context.Context, tk gamma.Toolkit, p *Paths, s Settings, iteration int, offStart, tertiaryTab string, warn *WarningLog, res io.Writer) (float64, error) {
	log := ctxlog.FromContext(ctx)

	primaryTab, err := par.ReadTab(p.PrimaryTab)
	if err != nil {
		return 0, err
	}
	rSecondaryTab, err := par.ReadTab(p.RSecondaryTab)
	if err != nil {
		return 0, err
	}
	var tertiary par.Tab
	if tertiaryTab != "" {
		if tertiary, err = par.ReadTab(tertiaryTab); err != nil {
			return 0, err
		}
	}

	var linesOffsets [par.MaxSubswaths]int
	for i, entry := range primaryTab {
		if entry == nil {
			continue
		}
		if linesOffsets[i], err = lineOffset(entry); err != nil {
			return 0, err
		}
		log.Info("burst lines offset", "subswath", i+1, "lines_offset", linesOffsets[i])
	}

	iw1Par, err := par.Load(primaryTab[0].Par)
	if err != nil {
		return 0, err
	}
	azimuthLineTime, err := iw1Par.Float("azimuth_line_time", 0)
	if err != nil {
		return 0, err
	}
	dpixFactor := PixelFactor(azimuthLineTime, linesOffsets[0])
	log.Info("azimuth pixel offset factor", "dpix_factor", dpixFactor)

	tempDir, err := os.MkdirTemp(p.SecondaryDir, "az_ovr-")
	if err != nil {
		return 0, fmt.Errorf("burst overlap: %w", err)
	}
	defer os.RemoveAll(tempDir)

	// Collect one job per burst overlap region across all subswaths. The
	// statistics are independent, so they may run concurrently; acceptance
	// and averaging stay sequential for a deterministic audit trail.
	type job struct {
		subswath int
		burst    int
	}
	var jobs []job
	burstCounts := [par.MaxSubswaths]int{}
	for i, entry := range primaryTab {
		if entry == nil || rSecondaryTab[i] == nil {
			continue
		}
		topsPar, err := par.Load(entry.TOPSPar)
		if err != nil {
			return 0, err
		}
		n, err := topsPar.Int("number_of_bursts", 0)
		if err != nil {
			return 0, err
		}
		burstCounts[i] = n
		for b := 1; b < n; b++ {
			jobs = append(jobs, job{subswath: i + 1, burst: b})
		}
	}

	samples := make([]Sample, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	if s.BurstWorkers > 1 {
		g.SetLimit(s.BurstWorkers)
	} else {
		g.SetLimit(1)
	}
	for idx, j := range jobs {
		g.Go(func() error {
			sample, err := burstSample(gctx, tk, p, s, tempDir,
				primaryTab[j.subswath-1], rSecondaryTab[j.subswath-1], tertiary[j.subswath-1],
				j.subswath, j.burst, linesOffsets[j.subswath-1])
			if err != nil {
				return err
			}
			samples[idx] = sample
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	// Aggregate per subswath, then scene-wide.
	var sumAll, sumWeightAll float64
	samplesAll := 0
	var subswathMeans [par.MaxSubswaths]float64

	for i := 0; i < par.MaxSubswaths; i++ {
		if burstCounts[i] == 0 {
			continue
		}
		var swSamples []Sample
		for k, j := range jobs {
			if j.subswath == i+1 {
				swSamples = append(swSamples, samples[k])
			}
		}

		accepted := 0
		for _, sm := range swSamples {
			if sm.UnwrapFailed {
				warn.Appendf("MCF failure on iter %d, subswath %d, burst %d", iteration, sm.Subswath, sm.Burst)
				fmt.Fprintf(res, "IW%d %d MCF FAILURE\n", sm.Subswath, sm.Burst)
				log.Info("phase unwrap failure", "subswath", sm.Subswath, "burst", sm.Burst)
				continue
			}

			weight := 0.0
			if sm.Accepted(s.FracThresh, s.StdevThresh) {
				weight = sm.Weight()
				sumAll += sm.Mean * sm.Fraction
				sumWeightAll += sm.Fraction
				samplesAll++
				accepted++
			} else {
				if sm.Fraction <= s.FracThresh {
					warn.Appendf("Poor data in %d, subswath %d, burst %d: fraction (%v) <= %v",
						iteration, sm.Subswath, sm.Burst, sm.Fraction, s.FracThresh)
				}
				if sm.Stdev >= s.StdevThresh {
					warn.Appendf("Poor data in %d, subswath %d, burst %d: stdev (%v) >= %v",
						iteration, sm.Subswath, sm.Burst, sm.Stdev, s.StdevThresh)
				}
			}

			fmt.Fprintf(res, "IW%d %d %v %v %v (%v %v %v) %v\n",
				sm.Subswath, sm.Burst, sm.Mean, sm.Stdev, sm.Fraction,
				sm.CCMean, sm.CCStdev, sm.CCFraction, weight)
		}

		if expected := burstCounts[i] - 1; accepted != expected {
			warn.Appendf("Partial data warning on iter %d, subswath %d: only %d/%d bursts processed",
				iteration, i+1, accepted, expected)
		}

		average, _ := WeightedAverage(swSamples, s.FracThresh, s.StdevThresh)
		subswathMeans[i] = average
		log.Info("subswath average", "subswath", i+1, "average", average)
		fmt.Fprintf(res, "IW%d average: %v\n", i+1, average)
	}

	if samplesAll == 0 {
		warn.Appendf("CRITICAL failure on iter %d, no bursts from any subswath processed!", iteration)
		return 0, &SampleExhaustionError{Iteration: iteration}
	}
	averageAll := sumAll / sumWeightAll

	// The summary averages over all three subswaths: one that produced no
	// accepted samples contributes a zero mean.
	var subswathMean, subswathStdev float64
	for _, m := range subswathMeans {
		subswathMean += m
	}
	subswathMean /= float64(len(subswathMeans))
	for _, m := range subswathMeans {
		subswathStdev += (m - subswathMean) * (m - subswathMean)
	}
	subswathStdev = math.Sqrt(subswathStdev)

	log.Info("scene stats", "mean", averageAll, "subswath_mean", subswathMean, "subswath_stdev", subswathStdev)
	fmt.Fprintf(res, "scene mean: %v, subswath mean: %v, subswath stddev: %v\n", averageAll, subswathMean, subswathStdev)

	// Convert the phase offset (radian) to an azimuth offset (SLC pixel)
	// and fold it into the polynomial's constant term.
	azimuthPixelOffset := par.Round6(-dpixFactor * averageAll)
	log.Info("azimuth pixel offset", "offset", azimuthPixelOffset)
	fmt.Fprintf(res, "azimuth_pixel_offset %v [azimuth SLC pixel]\n", azimuthPixelOffset)

	offPar, err := par.Load(offStart)
	if err != nil {
		return 0, err
	}
	azpol, err := offPar.Floats("azimuth_offset_polynomial")
	if err != nil {
		return 0, err
	}
	azpol[0] += azimuthPixelOffset

	tokens := make([]string, len(azpol))
	for i, v := range azpol {
		tokens[i] = par.FormatFloat(v)
	}
	if err := tk.SetValue(ctx, offStart, p.Off, "azimuth_offset_polynomial", strings.Join(tokens, " ")); err != nil {
		return 0, err
	}

	return azimuthPixelOffset, nil
}

// burstSample computes the double-difference phase statistics of one burst
// overlap region. A phase unwrap failure is not an error: the sample comes
// back flagged and is simply not accumulated.
func burstSample(ctx context.Context, tk gamma.Toolkit, p *Paths, s Settings, tempDir string, primary, rSecondary, tertiary *par.TabEntry, subswath, burst, linesOffset int) (Sample, error) {
	sample := Sample{Subswath: subswath, Burst: burst}

	primaryPar, err := par.Load(primary.Par)
	if err != nil {
		return sample, err
	}
	topsPar, err := par.Load(primary.TOPSPar)
	if err != nil {
		return sample, err
	}
	linesPerBurst, err := topsPar.Int("lines_per_burst", 0)
	if err != nil {
		return sample, err
	}
	rangeSamples, err := primaryPar.Int("range_samples", 0)
	if err != nil {
		return sample, err
	}
	linesOverlap := linesPerBurst - linesOffset

	startingLine1 := linesOffset + (burst-1)*linesPerBurst
	startingLine2 := burst * linesPerBurst

	name := func(suffix string) string {
		return filepath.Join(tempDir, fmt.Sprintf("%s.IW%d.%d.%s", p.PairName, subswath, burst, suffix))
	}

	// The overlap region seen from the earlier burst (.1) and the later
	// burst (.2), cut from the reference scene (or the tertiary scene when
	// the pair is tied through a tree neighbour) and the resampled
	// secondary.
	refSLC := primary.SLC
	if tertiary != nil {
		refSLC = tertiary.SLC
	}

	masSLC1, masPar1 := name("mas_slc.1"), name("mas_par.1")
	masSLC2, masPar2 := name("mas_slc.2"), name("mas_par.2")
	secSLC1, secPar1 := name("sec_slc.1"), name("sec_par.1")
	secSLC2, secPar2 := name("sec_slc.2"), name("sec_par.2")

	if err := tk.SLCCopy(ctx, refSLC, primary.Par, masSLC1, masPar1, 0, rangeSamples, startingLine1, linesOverlap); err != nil {
		return sample, err
	}
	if err := tk.SLCCopy(ctx, refSLC, primary.Par, masSLC2, masPar2, 0, rangeSamples, startingLine2, linesOverlap); err != nil {
		return sample, err
	}
	if err := tk.SLCCopy(ctx, rSecondary.SLC, primary.Par, secSLC1, secPar1, 0, rangeSamples, startingLine1, linesOverlap); err != nil {
		return sample, err
	}
	if err := tk.SLCCopy(ctx, rSecondary.SLC, primary.Par, secSLC2, secPar2, 0, rangeSamples, startingLine2, linesOverlap); err != nil {
		return sample, err
	}

	// Two single-look interferograms over the same physical ground.
	off1, int1 := name("off1"), name("int1")
	if err := tk.CreateOffset(ctx, masPar1, masPar1, off1, 1, 1); err != nil {
		return sample, err
	}
	if err := tk.SLCIntf(ctx, masSLC1, secSLC1, masPar1, masPar1, off1, int1, 1, 1); err != nil {
		return sample, err
	}

	off2, int2 := name("off2"), name("int2")
	if err := tk.CreateOffset(ctx, masPar2, masPar2, off2, 1, 1); err != nil {
		return sample, err
	}
	if err := tk.SLCIntf(ctx, masSLC2, secSLC2, masPar2, masPar2, off2, int2, 1, 1); err != nil {
		return sample, err
	}

	// Double difference: the expected burst-to-burst phase is removed by
	// subtracting the earlier burst's phase from the later interferogram.
	diffPar := name("diff_par")
	diff := name("diff")
	phaseReal := name("tmp")
	if err := tk.CreateDiffPar(ctx, off1, off2, diffPar, 0); err != nil {
		return sample, err
	}
	if err := tk.CpxToReal(ctx, int1, phaseReal, rangeSamples, 4); err != nil {
		return sample, err
	}
	if err := tk.SubPhase(ctx, int2, phaseReal, diffPar, diff); err != nil {
		return sample, err
	}

	// Multi-look 200x4, then coherence, mask, filter and unwrap.
	diff20, off20 := name("diff20"), name("off20")
	if err := tk.MultiCpx(ctx, diff, off1, diff20, off20, 200, 4); err != nil {
		return sample, err
	}

	off20Par, err := par.Load(off20)
	if err != nil {
		return sample, err
	}
	width20, err := off20Par.Int("interferogram_width", 0)
	if err != nil {
		return sample, err
	}
	lines20, err := off20Par.Int("interferogram_azimuth_lines", 0)
	if err != nil {
		return sample, err
	}

	coh := name("diff20.coh")
	mask := name("diff20.cc.ras")
	if err := tk.CCWave(ctx, diff20, coh, width20, 5, 5); err != nil {
		return sample, err
	}
	if err := tk.RasccMask(ctx, coh, width20, s.CCThresh, mask); err != nil {
		return sample, err
	}

	filtered := name("diff20.adf")
	filteredCoh := name("diff20.adf.coh")
	if err := tk.ADF(ctx, diff20, filtered, filteredCoh, width20, 0.4, 16, 7); err != nil {
		return sample, err
	}

	phase := name("diff20.phase")
	if err := tk.MCF(ctx, filtered, coh, mask, phase, width20, float64(width20)/2, float64(lines20)/2); err != nil {
		var toolErr *gamma.ToolError
		if errors.As(err, &toolErr) {
			sample.UnwrapFailed = true
			return sample, nil
		}
		return sample, err
	}

	// Coherence statistics are informational; phase statistics feed the
	// quality gates and the weighted average.
	if _, err := os.Stat(coh); err == nil {
		stat := name("diff20.cc.stat")
		if err := tk.ImageStat(ctx, coh, width20, stat); err != nil {
			return sample, err
		}
		if sample.CCMean, sample.CCStdev, sample.CCFraction, err = readImageStat(stat); err != nil {
			return sample, err
		}
	}

	if info, err := os.Stat(phase); err == nil && info.Size() > 0 {
		stat := name("diff20.phase.stat")
		if err := tk.ImageStat(ctx, phase, width20, stat); err != nil {
			return sample, err
		}
		if sample.Mean, sample.Stdev, sample.Fraction, err = readImageStat(stat); err != nil {
			return sample, err
		}
	}

	return sample, nil
}

func readImageStat(path string) (mean, stdev, fraction float64, err error) {
	stat, err := par.Load(path)
	if err != nil {
		return 0, 0, 0, err
	}
	if mean, err = stat.Float("mean", 0); err != nil {
		return 0, 0, 0, err
	}
	if stdev, err = stat.Float("stdev", 0); err != nil {
		return 0, 0, 0, err
	}
	if fraction, err = stat.Float("fraction_valid", 0); err != nil {
		return 0, 0, 0, err
	}
	return mean, stdev, fraction, nil
}
