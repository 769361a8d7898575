package tree

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/GeoscienceAustralia/PyGamma/internal/dates"
)

func d(t *testing.T, s string) dates.AcquisitionDate {
	t.Helper()
	dt, err := dates.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return dt
}

func strs(ds []dates.AcquisitionDate) []string {
	out := make([]string, 0, len(ds))
	for _, dt := range ds {
		out = append(out, dt.String())
	}
	return out
}

func TestFindScenesInRangePartition(t *testing.T) {
	pivot := d(t, "20200601")
	list := []dates.AcquisitionDate{
		d(t, "20200401"), // 61 days earlier, inside window
		d(t, "20200301"), // 92 days earlier, outside
		d(t, "20200601"), // pivot itself, always excluded
		d(t, "20200625"), // 24 days later, inside
		d(t, "20200803"), // 63 days later, boundary inclusive
		d(t, "20200804"), // 64 days later, outside
	}

	lhs, rhs := FindScenesInRange(context.Background(), pivot, list, 63, false)

	if diff := cmp.Diff([]string{"20200401"}, strs(lhs)); diff != "" {
		t.Errorf("lhs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"20200625", "20200803"}, strs(rhs)); diff != "" {
		t.Errorf("rhs mismatch (-want +got):\n%s", diff)
	}
}

func TestFindScenesInRangeClosestFallback(t *testing.T) {
	pivot := d(t, "20200601")
	list := []dates.AcquisitionDate{
		d(t, "20190901"), // far earlier
		d(t, "20200101"), // closest earlier, still outside window
		d(t, "20210105"), // closest later, outside window
		d(t, "20211201"), // far later
	}

	lhs, rhs := FindScenesInRange(context.Background(), pivot, list, 63, true)

	if len(lhs) != 1 || lhs[0].String() != "20200101" {
		t.Errorf("lhs fallback = %v, want single closest 20200101", strs(lhs))
	}
	if len(rhs) != 1 || rhs[0].String() != "20210105" {
		t.Errorf("rhs fallback = %v, want single closest 20210105", strs(rhs))
	}

	// Without fallback both sides are empty.
	lhs, rhs = FindScenesInRange(context.Background(), pivot, list, 63, false)
	if len(lhs) != 0 || len(rhs) != 0 {
		t.Errorf("without fallback got lhs=%v rhs=%v, want empty", strs(lhs), strs(rhs))
	}
}

// denseStack builds a regular 12-day cadence around a reference, the usual
// shape of a Sentinel-1 stack.
func denseStack(t *testing.T, ref string, before, after int) (dates.AcquisitionDate, []dates.AcquisitionDate) {
	t.Helper()
	reference := d(t, ref)
	var list []dates.AcquisitionDate
	for i := -before; i <= after; i++ {
		if i == 0 {
			continue
		}
		list = append(list, dates.FromTime(reference.Time().AddDate(0, 0, i*12)))
	}
	return reference, list
}

func TestBuildCoversAllDates(t *testing.T) {
	reference, list := denseStack(t, "20200601", 20, 20)

	f, err := Build(context.Background(), reference, list, Options{ThresholdDays: 63, IncludeClosest: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(f.Dropped) != 0 {
		t.Errorf("dropped %v with fallback enabled, want none", strs(f.Dropped))
	}
	if got, want := len(f.Secondaries()), len(list); got != want {
		t.Errorf("assigned %d secondaries, want %d", got, want)
	}

	// Each date appears exactly once.
	seen := map[string]int{}
	for _, n := range f.Nodes {
		seen[n.Date.String()]++
	}
	for s, n := range seen {
		if n != 1 {
			t.Errorf("date %s appears %d times in the forest", s, n)
		}
	}
}

func TestBuildTierOneParentsAreReference(t *testing.T) {
	reference, list := denseStack(t, "20200601", 10, 10)

	f, err := Build(context.Background(), reference, list, Options{ThresholdDays: 63, IncludeClosest: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for _, dt := range f.TierDates(1) {
		parent, ok := f.ParentOf(dt)
		if !ok || !parent.Equal(reference) {
			t.Errorf("tier 1 date %s has parent %s, want reference %s", dt, parent, reference)
		}
	}
	if tier, _ := f.TierOf(reference); tier != 0 {
		t.Errorf("reference tier = %d, want 0", tier)
	}
}

func TestBuildParentsAreOneTierCloser(t *testing.T) {
	reference, list := denseStack(t, "20200601", 30, 30)

	f, err := Build(context.Background(), reference, list, Options{ThresholdDays: 63, IncludeClosest: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(f.Tiers) < 2 {
		t.Fatalf("stack spanning %d tiers, need at least 2 for this test", len(f.Tiers))
	}
	for _, n := range f.Nodes[1:] {
		parentTier := f.Nodes[n.Parent].Tier
		if parentTier != n.Tier-1 {
			t.Errorf("date %s in tier %d has parent in tier %d", n.Date, n.Tier, parentTier)
		}
		// Parents sit between the date and the reference, or are the
		// extremal date the tier extended from.
		parent := f.Nodes[n.Parent].Date
		if n.Date.Before(reference) && parent.Before(n.Date) && !parent.Equal(reference) {
			t.Errorf("earlier-side date %s has parent %s further from reference", n.Date, parent)
		}
	}
}

func TestBuildSparseStackDropsWithoutFallback(t *testing.T) {
	reference := d(t, "20200601")
	list := []dates.AcquisitionDate{
		d(t, "20200513"), // inside window
		d(t, "20190101"), // isolated, unreachable without fallback
	}

	f, err := Build(context.Background(), reference, list, Options{ThresholdDays: 63, IncludeClosest: false})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if diff := cmp.Diff([]string{"20190101"}, strs(f.Dropped)); diff != "" {
		t.Errorf("dropped mismatch (-want +got):\n%s", diff)
	}
	if f.Contains(d(t, "20190101")) {
		t.Error("unreachable date assigned to a tier")
	}
}

func TestBuildSparseStackReachableWithFallback(t *testing.T) {
	reference := d(t, "20200601")
	// Gaps far larger than the window on both sides.
	list := []dates.AcquisitionDate{
		d(t, "20190101"),
		d(t, "20190601"),
		d(t, "20210301"),
		d(t, "20211101"),
	}

	f, err := Build(context.Background(), reference, list, Options{ThresholdDays: 63, IncludeClosest: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(f.Dropped) != 0 {
		t.Errorf("dropped %v with fallback enabled, want none", strs(f.Dropped))
	}
	for _, dt := range list {
		if !f.Contains(dt) {
			t.Errorf("date %s not assigned to any tier", dt)
		}
	}
}

func TestBuildTerminates(t *testing.T) {
	// A pathological decade-long irregular stack must still finish quickly.
	reference := d(t, "20150601")
	var list []dates.AcquisitionDate
	base := reference.Time()
	for i := 1; i <= 300; i++ {
		step := 6 + (i*7)%90
		base = base.AddDate(0, 0, step)
		list = append(list, dates.FromTime(base))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := Build(context.Background(), reference, list, Options{ThresholdDays: 63, IncludeClosest: true}); err != nil {
			t.Errorf("Build: %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Build did not terminate")
	}
}

func TestBuildRejectsBadThreshold(t *testing.T) {
	if _, err := Build(context.Background(), d(t, "20200601"), nil, Options{ThresholdDays: 0}); err == nil {
		t.Fatal("expected error for zero threshold")
	}
}

func TestTierListRoundTrip(t *testing.T) {
	reference, list := denseStack(t, "20200601", 15, 15)
	f, err := Build(context.Background(), reference, list, Options{ThresholdDays: 63, IncludeClosest: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	dir := t.TempDir()
	// A stale deeper tier from a previous, wider run must be cleaned up.
	stale := filepath.Join(dir, "secondaries9.list")
	if err := os.WriteFile(stale, []byte("20000101\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := f.WriteTierLists(dir); err != nil {
		t.Fatalf("WriteTierLists: %v", err)
	}

	tiers, err := ReadTierLists(dir)
	if err != nil {
		t.Fatalf("ReadTierLists: %v", err)
	}
	if len(tiers) != len(f.Tiers) {
		t.Fatalf("read %d tiers, wrote %d", len(tiers), len(f.Tiers))
	}
	for k := range tiers {
		if diff := cmp.Diff(strs(f.TierDates(k+1)), strs(tiers[k])); diff != "" {
			t.Errorf("tier %d mismatch (-want +got):\n%s", k+1, diff)
		}
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale tier list survived rewrite")
	}
}

func TestReadSceneListSkipsCommentsAndBlanks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenes.list")
	content := "# scenes\n20200601\n\n20200613\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	ds, err := ReadSceneList(path)
	if err != nil {
		t.Fatalf("ReadSceneList: %v", err)
	}
	if diff := cmp.Diff([]string{"20200601", "20200613"}, strs(ds)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
