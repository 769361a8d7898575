package stack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/GeoscienceAustralia/PyGamma/internal/config"
	"github.com/GeoscienceAustralia/PyGamma/internal/dates"
	"github.com/GeoscienceAustralia/PyGamma/internal/gamma"
	"github.com/GeoscienceAustralia/PyGamma/internal/par"
	"github.com/GeoscienceAustralia/PyGamma/internal/scheduler"
	"github.com/GeoscienceAustralia/PyGamma/internal/tree"
)

func mustDate(t *testing.T, s string) dates.AcquisitionDate {
	t.Helper()
	d, err := dates.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func mustDates(t *testing.T, ss ...string) []dates.AcquisitionDate {
	t.Helper()
	ds := make([]dates.AcquisitionDate, len(ss))
	for i, s := range ss {
		ds[i] = mustDate(t, s)
	}
	return ds
}

func TestCalculateReferenceMedian(t *testing.T) {
	ref, err := CalculateReference(mustDates(t,
		"20200218", "20200101", "20200125", "20200206", "20200113"))
	if err != nil {
		t.Fatal(err)
	}
	if got := ref.String(); got != "20200125" {
		t.Errorf("reference = %s, want 20200125", got)
	}

	// Even counts take the earlier of the two middle dates.
	ref, err = CalculateReference(mustDates(t, "20200101", "20200113", "20200125", "20200206"))
	if err != nil {
		t.Fatal(err)
	}
	if got := ref.String(); got != "20200113" {
		t.Errorf("reference = %s, want 20200113", got)
	}

	if _, err := CalculateReference(nil); err == nil {
		t.Error("empty scene list accepted")
	}
}

func TestGeneratePairsSequentialChain(t *testing.T) {
	pairs := GeneratePairs(mustDates(t, "20200625", "20200601", "20200613"))
	want := []string{"20200601-20200613", "20200613-20200625"}
	if len(pairs) != len(want) {
		t.Fatalf("got %d pairs, want %d", len(pairs), len(want))
	}
	for i, p := range pairs {
		if p.String() != want[i] {
			t.Errorf("pair %d = %s, want %s", i, p, want[i])
		}
	}

	if pairs := GeneratePairs(mustDates(t, "20200601")); pairs != nil {
		t.Errorf("single scene produced pairs: %v", pairs)
	}
}

func TestPairListRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ifgs.list")
	content := "# chain\n\n20200601,20200613\n20200625,20200613\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	pairs, err := ReadPairList(path)
	if err != nil {
		t.Fatal(err)
	}
	// The reversed second line is normalized early-first.
	want := []string{"20200601-20200613", "20200613-20200625"}
	for i, p := range pairs {
		if p.String() != want[i] {
			t.Errorf("pair %d = %s, want %s", i, p, want[i])
		}
	}

	out := filepath.Join(t.TempDir(), "out.list")
	if err := WritePairList(out, pairs); err != nil {
		t.Fatal(err)
	}
	again, err := ReadPairList(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != len(pairs) {
		t.Fatalf("round trip lost pairs: %d != %d", len(again), len(pairs))
	}
}

func TestReadPairListRejectsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ifgs.list")
	if err := os.WriteFile(path, []byte("20200601 20200613\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPairList(path); err == nil {
		t.Error("malformed pair line accepted")
	}
}

// fakeToolkit stands in for the external toolkit: every operation writes its
// output files, and burst overlap phase always reports a converged-sized
// residual.
type fakeToolkit struct{}

var _ gamma.Toolkit = fakeToolkit{}

func writePar(path string, entries ...[2]string) error {
	pf := par.New()
	for _, e := range entries {
		pf.Set(e[0], strings.Fields(e[1])...)
	}
	return pf.Save(path)
}

func touch(path string, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func (fakeToolkit) CreateOffset(_ context.Context, _, _, off string, _, _ int) error {
	return writePar(off,
		[2]string{"range_offset_polynomial", "0.002 0.0 0.0 0.0 0.0 0.0"},
		[2]string{"azimuth_offset_polynomial", "0.001 0.0 0.0 0.0 0.0 0.0"},
		[2]string{"interferogram_width", "40"},
		[2]string{"interferogram_azimuth_lines", "120"},
	)
}

func (fakeToolkit) OffsetPwrTracking(_ context.Context, _, _, _, _, _, offs, snr string, _, _, _, _ int) error {
	if err := touch(offs, ""); err != nil {
		return err
	}
	return touch(snr, "")
}

func (fakeToolkit) OffsetFit(context.Context, string, string, string) (gamma.OffsetFitResult, error) {
	return gamma.OffsetFitResult{RangeStdev: 0.1, AzimuthStdev: 0.1}, nil
}

func (fakeToolkit) SLCInterpLtScanSAR(_ context.Context, _, _, _, _, _, _, _, _, _, slc2R, slc2RPar string) error {
	if err := touch(slc2R, "slc"); err != nil {
		return err
	}
	return touch(slc2RPar, "")
}

func (fakeToolkit) SLCCopy(_ context.Context, _, _, slcOut, parOut string, _, _, _, _ int) error {
	if err := touch(slcOut, "slc"); err != nil {
		return err
	}
	return touch(parOut, "")
}

func (fakeToolkit) SLCIntf(_ context.Context, _, _, _, _, _, intf string, _, _ int) error {
	return touch(intf, "intf")
}

func (fakeToolkit) CreateDiffPar(_ context.Context, _, _, diffPar string, _ int) error {
	return touch(diffPar, "")
}

func (fakeToolkit) CpxToReal(_ context.Context, _, realOut string, _, _ int) error {
	return touch(realOut, "phase")
}

func (fakeToolkit) SubPhase(_ context.Context, _, _, _, intOut string) error {
	return touch(intOut, "diff")
}

func (fakeToolkit) MultiCpx(_ context.Context, _, _, dataOut, offOut string, _, _ int) error {
	if err := touch(dataOut, "diff20"); err != nil {
		return err
	}
	return writePar(offOut,
		[2]string{"interferogram_width", "40"},
		[2]string{"interferogram_azimuth_lines", "120"},
	)
}

func (fakeToolkit) CCWave(_ context.Context, _, cc string, _, _, _ int) error {
	return touch(cc, "coh")
}

func (fakeToolkit) RasccMask(_ context.Context, _ string, _ int, _ float64, ras string) error {
	return touch(ras, "mask")
}

func (fakeToolkit) ADF(_ context.Context, _, smOut, ccOut string, _ int, _ float64, _, _ int) error {
	if err := touch(smOut, "adf"); err != nil {
		return err
	}
	return touch(ccOut, "")
}

func (fakeToolkit) MCF(_ context.Context, _, _, _, unw string, _ int, _, _ float64) error {
	return touch(unw, "phase")
}

func (fakeToolkit) ImageStat(_ context.Context, image string, _ int, report string) error {
	if strings.HasSuffix(image, ".phase") {
		return writePar(report,
			[2]string{"mean", "0.004"},
			[2]string{"stdev", "0.2"},
			[2]string{"fraction_valid", "0.6"},
		)
	}
	return writePar(report,
		[2]string{"mean", "0.9"},
		[2]string{"stdev", "0.05"},
		[2]string{"fraction_valid", "0.95"},
	)
}

func (fakeToolkit) SetValue(_ context.Context, parIn, parOut, key, value string) error {
	pf, err := par.Load(parIn)
	if err != nil {
		return err
	}
	pf.Set(key, strings.Fields(value)...)
	return pf.Save(parOut)
}

func (fakeToolkit) MultiLook(_ context.Context, _, _, mli, mliPar string, _, _ int) error {
	if err := touch(mli, "mli"); err != nil {
		return err
	}
	return writePar(mliPar, [2]string{"range_samples", "8500"})
}

func (fakeToolkit) RdcTrans(_ context.Context, _, _, _, lt string) error {
	return touch(lt, "lt")
}

func (fakeToolkit) GCMapFine(_ context.Context, _ string, _ int, _, ltOut string) error {
	return touch(ltOut, "lt")
}

// fixtureStack lays out scene directories for the given dates with the
// middle date pinned as reference, plus the reference DEM product.
func fixtureStack(t *testing.T, reference string, sceneDates []dates.AcquisitionDate) *Stack {
	t.Helper()

	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.OutputDir = filepath.Join(root, "stack")
	cfg.Paths.WorkDir = filepath.Join(root, "work")
	cfg.Processing.ParallelJobs = 2
	cfg.Tree.ReferenceScene = reference

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}

	pol := cfg.Coreg.Polarisation
	for _, dt := range sceneDates {
		dir := filepath.Join(cfg.Paths.SLCPath(), dt.String())
		must(os.MkdirAll(dir, 0o755))
		id := fmt.Sprintf("%s_%s", dt, pol)
		must(touch(filepath.Join(dir, id+".slc"), "slc"))
		must(writePar(filepath.Join(dir, id+".slc.par"),
			[2]string{"range_samples", "68000"},
			[2]string{"azimuth_lines", "13000"},
			[2]string{"azimuth_line_time", "0.002"},
		))
	}

	// Subswath files for the reference, read during overlap refinement.
	refDir := filepath.Join(cfg.Paths.SLCPath(), reference)
	refID := fmt.Sprintf("%s_%s", reference, pol)
	for swath := 1; swath <= par.MaxSubswaths; swath++ {
		base := filepath.Join(refDir, fmt.Sprintf("%s_IW%d", refID, swath))
		must(touch(base+".slc", "slc"))
		must(writePar(base+".slc.par",
			[2]string{"range_samples", "22000"},
			[2]string{"azimuth_line_time", "0.002"},
		))
		must(writePar(base+".slc.TOPS_par",
			[2]string{"burst_start_time_1", "0.0"},
			[2]string{"burst_start_time_2", "2.0"},
			[2]string{"number_of_bursts", "2"},
			[2]string{"lines_per_burst", "1500"},
		))
	}

	must(os.MkdirAll(cfg.Paths.DEMPath(), 0o755))
	must(touch(filepath.Join(cfg.Paths.DEMPath(),
		fmt.Sprintf("%s_%s_rdc.dem", reference, pol)), "dem"))

	return &Stack{Config: cfg, Toolkit: fakeToolkit{}}
}

func TestBuildGraphWiring(t *testing.T) {
	sceneDates := mustDates(t, "20200601", "20200613", "20200625", "20200820")
	s := fixtureStack(t, "20200613", sceneDates)

	// 20200820 is 68 days from the reference, so it joins at tier 2 under
	// 20200625.
	forest, err := tree.Build(context.Background(), mustDate(t, "20200613"), sceneDates, tree.Options{
		ThresholdDays:  s.Config.Tree.ThresholdDays,
		IncludeClosest: s.Config.Tree.IncludeClosest,
	})
	if err != nil {
		t.Fatal(err)
	}

	g, err := s.buildGraph(forest, GeneratePairs(sceneDates), "")
	if err != nil {
		t.Fatal(err)
	}

	wantNodes := []string{
		"slc:20200601", "slc:20200613", "slc:20200625", "slc:20200820",
		"dem:20200613",
		"coreg:20200601", "coreg:20200625", "coreg:20200820",
		"ifg:20200601-20200613", "ifg:20200613-20200625", "ifg:20200625-20200820",
	}
	for _, id := range wantNodes {
		if g.Node(id) == nil {
			t.Errorf("missing node %s", id)
		}
	}
	if got := len(g.Nodes()); got != len(wantNodes) {
		t.Errorf("graph has %d nodes, want %d", got, len(wantNodes))
	}

	deps := func(id string) map[string]bool {
		t.Helper()
		n := g.Node(id)
		if n == nil {
			t.Fatalf("missing node %s", id)
		}
		m := make(map[string]bool)
		for _, d := range n.Deps() {
			m[d.ID] = true
		}
		return m
	}

	// Every pair alignment waits for both scenes and the DEM product.
	d := deps("coreg:20200601")
	for _, want := range []string{"slc:20200601", "dem:20200613"} {
		if !d[want] {
			t.Errorf("coreg:20200601 missing dependency %s", want)
		}
	}

	// A tier 2 pair also waits for its tree parent's resampled scene.
	if !deps("coreg:20200820")["coreg:20200625"] {
		t.Error("tier 2 alignment does not depend on its parent pair")
	}
	if deps("coreg:20200625")["coreg:20200601"] {
		t.Error("tier 1 alignment depends on a sibling")
	}

	// Interferograms wait on both scenes' alignments; the reference scene
	// needs only its own SLC.
	d = deps("ifg:20200601-20200613")
	if !d["coreg:20200601"] || !d["slc:20200613"] {
		t.Errorf("ifg:20200601-20200613 dependencies = %v", d)
	}
	if !deps("ifg:20200625-20200820")["coreg:20200820"] {
		t.Error("ifg:20200625-20200820 missing its late scene's alignment")
	}
}

func TestRunEndToEnd(t *testing.T) {
	sceneDates := mustDates(t, "20200601", "20200613", "20200625")
	s := fixtureStack(t, "20200613", sceneDates)

	report, err := s.Run(context.Background(), sceneDates)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !report.Complete() {
		t.Fatalf("run incomplete: failed=%v unreached=%v", report.Failed, report.Unreached)
	}
	if got := report.Reference.String(); got != "20200613" {
		t.Errorf("reference = %s, want 20200613", got)
	}
	// 3 scenes + DEM + 2 alignments + 2 interferograms.
	if got := len(report.Succeeded); got != 8 {
		t.Errorf("%d tasks succeeded, want 8: %v", got, report.Succeeded)
	}
	if len(report.Degraded) != 0 {
		t.Errorf("unexpected degraded pairs: %v", report.Degraded)
	}

	// List files are written before scheduling.
	listDir := s.Config.Paths.ListPath()
	refLine, err := os.ReadFile(filepath.Join(listDir, "primary_ref_scene"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(refLine)) != "20200613" {
		t.Errorf("primary_ref_scene = %q", refLine)
	}
	if _, err := os.Stat(filepath.Join(listDir, "ifgs.list")); err != nil {
		t.Errorf("ifgs.list not written: %v", err)
	}

	// Products of every pair exist.
	pol := s.Config.Coreg.Polarisation
	for _, sec := range []string{"20200601", "20200625"} {
		rslc := filepath.Join(s.Config.Paths.SLCPath(), sec,
			fmt.Sprintf("r%s_%s.slc", sec, pol))
		if _, err := os.Stat(rslc); err != nil {
			t.Errorf("missing resampled scene %s: %v", rslc, err)
		}
	}
	for _, pair := range []string{"20200601-20200613", "20200613-20200625"} {
		unw := filepath.Join(s.Config.Paths.IFGPath(), pair,
			fmt.Sprintf("%s_%s_%drlks.unw", pair, pol, s.Config.Coreg.RangeLooks))
		if _, err := os.Stat(unw); err != nil {
			t.Errorf("missing unwrapped interferogram for %s: %v", pair, err)
		}
	}

	// A second run finds everything satisfied and reruns nothing.
	report, err = s.Run(context.Background(), sceneDates)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(report.Succeeded) != 0 {
		t.Errorf("second run reran tasks: %v", report.Succeeded)
	}
	if got := len(report.Satisfied); got != 8 {
		t.Errorf("second run satisfied %d tasks, want 8", got)
	}
}

func TestRunResumesAfterDeletedProduct(t *testing.T) {
	sceneDates := mustDates(t, "20200601", "20200613", "20200625")
	s := fixtureStack(t, "20200613", sceneDates)

	if _, err := s.Run(context.Background(), sceneDates); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Deleting one pair's resampled scene reruns that alignment and its
	// interferograms, nothing else.
	pol := s.Config.Coreg.Polarisation
	rslc := filepath.Join(s.Config.Paths.SLCPath(), "20200601",
		fmt.Sprintf("r20200601_%s.slc", pol))
	if err := os.Remove(rslc); err != nil {
		t.Fatal(err)
	}

	report, err := s.Run(context.Background(), sceneDates)
	if err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if !report.Complete() {
		t.Fatalf("resumed run incomplete: failed=%v unreached=%v", report.Failed, report.Unreached)
	}

	reran := make(map[string]bool)
	for _, id := range report.Succeeded {
		reran[id] = true
	}
	if !reran["coreg:20200601"] {
		t.Error("stale alignment not rerun")
	}
	if !reran["ifg:20200601-20200613"] {
		t.Error("downstream interferogram not rerun")
	}
	if reran["coreg:20200625"] || reran["ifg:20200613-20200625"] {
		t.Errorf("unrelated tasks reran: %v", report.Succeeded)
	}
	if _, err := os.Stat(rslc); err != nil {
		t.Errorf("resampled scene not rebuilt: %v", err)
	}
}

func TestRunRejectsDisconnectedStack(t *testing.T) {
	// 20210601 is far beyond the window and fallback is off, so the date
	// cannot join the tree.
	sceneDates := mustDates(t, "20200601", "20200613", "20210601")
	s := fixtureStack(t, "20200613", sceneDates)
	s.Config.Tree.IncludeClosest = false

	_, err := s.Run(context.Background(), sceneDates)
	var structural *scheduler.StructuralError
	if !errors.As(err, &structural) {
		t.Fatalf("got %v, want a structural error", err)
	}
	if !strings.Contains(structural.Reason, "20210601") {
		t.Errorf("structural error does not name the dropped date: %s", structural.Reason)
	}
}
