package par

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestLoadPreservesKeyOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.slc.par")
	content := strings.Join([]string{
		"Gamma Interferometric SAR Processor (ISP) - Image Parameter File",
		"",
		"title: 20200613_VV.slc",
		"range_samples: 68000",
		"azimuth_lines: 13000",
		"azimuth_line_time: 2.0055563e-03 s",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	pf, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"title", "range_samples", "azimuth_lines", "azimuth_line_time"}
	if got := pf.Keys(); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
	if v, err := pf.Int("range_samples", 0); err != nil || v != 68000 {
		t.Errorf("range_samples = %d, %v", v, err)
	}
	if v, err := pf.Float("azimuth_line_time", 0); err != nil || v != 2.0055563e-03 {
		t.Errorf("azimuth_line_time = %v, %v", v, err)
	}
	if _, err := pf.Float("azimuth_line_time", 5); err == nil {
		t.Error("want error for out-of-range value index")
	}
	if _, err := pf.Float("no_such_key", 0); err == nil {
		t.Error("want error for missing key")
	}
}

func TestSetAndSaveKeepPosition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.off")

	pf := New()
	pf.Set("range_offset_polynomial", "0.5", "0", "0", "0")
	pf.Set("azimuth_offset_polynomial", "0.25", "0", "0", "0")
	if err := pf.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	loaded.Set("azimuth_offset_polynomial", "0.125", "0", "0", "0")
	if err := loaded.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"range_offset_polynomial", "azimuth_offset_polynomial"}
	if got := again.Keys(); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() after rewrite = %v, want %v", got, want)
	}
	vals, err := again.Floats("azimuth_offset_polynomial")
	if err != nil {
		t.Fatalf("Floats: %v", err)
	}
	if vals[0] != 0.125 {
		t.Errorf("azimuth polynomial constant = %v, want 0.125", vals[0])
	}
}

func TestRound6(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{0.0020055563, 0.002006},
		{-0.0000914999, -0.000091},
		{0.1591549, 0.159155},
		{0, 0},
	}
	for _, c := range cases {
		if got := Round6(c.in); got != c.want {
			t.Errorf("Round6(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestTabRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tabPath := filepath.Join(dir, "20200613_VV_tab")
	if err := WriteTab(tabPath, "20200613_VV", dir); err != nil {
		t.Fatalf("WriteTab: %v", err)
	}

	tab, err := ReadTab(tabPath)
	if err != nil {
		t.Fatalf("ReadTab: %v", err)
	}
	for i := 0; i < MaxSubswaths; i++ {
		if tab[i] == nil {
			t.Fatalf("subswath %d missing", i+1)
		}
	}
	if want := filepath.Join(dir, "20200613_VV_IW2.slc.TOPS_par"); tab[1].TOPSPar != want {
		t.Errorf("IW2 TOPS_par = %q, want %q", tab[1].TOPSPar, want)
	}
}

func TestReadTabPartialScene(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tab")
	content := "a.slc a.slc.par a.slc.TOPS_par\nb.slc b.slc.par b.slc.TOPS_par\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	tab, err := ReadTab(path)
	if err != nil {
		t.Fatalf("ReadTab: %v", err)
	}
	if tab[0] == nil || tab[1] == nil {
		t.Fatal("first two subswaths missing")
	}
	if tab[2] != nil {
		t.Errorf("third subswath = %+v, want nil", tab[2])
	}
}

func TestReadTabRejectsBadRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tab")
	if err := os.WriteFile(path, []byte("a.slc a.slc.par\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadTab(path); err == nil {
		t.Fatal("want error for a two-field row")
	}

	if err := os.WriteFile(path, []byte("\n\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadTab(path); err == nil {
		t.Fatal("want error for a tab file without rows")
	}
}
