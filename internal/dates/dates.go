// Package dates defines the scene date type used throughout the stack.
package dates

import (
	"fmt"
	"sort"
	"time"
)

// SceneDateFormat is the compact form used in file names and list files.
const SceneDateFormat = "20060102"

// AcquisitionDate identifies one scene in a stack. Dates are compared and
// ordered by calendar day; time-of-day is never carried.
type AcquisitionDate struct {
	t time.Time
}

// New builds an AcquisitionDate from a calendar day.
func New(year int, month time.Month, day int) AcquisitionDate {
	return AcquisitionDate{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// FromTime truncates a time to its calendar day.
func FromTime(t time.Time) AcquisitionDate {
	return New(t.Year(), t.Month(), t.Day())
}

// Parse reads a compact YYYYMMDD scene date.
func Parse(s string) (AcquisitionDate, error) {
	t, err := time.Parse(SceneDateFormat, s)
	if err != nil {
		return AcquisitionDate{}, fmt.Errorf("invalid scene date %q: %w", s, err)
	}
	return FromTime(t), nil
}

// String renders the compact YYYYMMDD form.
func (d AcquisitionDate) String() string {
	return d.t.Format(SceneDateFormat)
}

// Time returns the midnight UTC instant of the date.
func (d AcquisitionDate) Time() time.Time { return d.t }

// IsZero reports whether the date is unset.
func (d AcquisitionDate) IsZero() bool { return d.t.IsZero() }

// Before reports whether d is strictly earlier than other.
func (d AcquisitionDate) Before(other AcquisitionDate) bool { return d.t.Before(other.t) }

// After reports whether d is strictly later than other.
func (d AcquisitionDate) After(other AcquisitionDate) bool { return d.t.After(other.t) }

// Equal reports calendar-day equality.
func (d AcquisitionDate) Equal(other AcquisitionDate) bool { return d.t.Equal(other.t) }

// DaysBetween returns the signed day count from d to other.
func (d AcquisitionDate) DaysBetween(other AcquisitionDate) int {
	return int(other.t.Sub(d.t).Hours() / 24)
}

// Sort orders dates ascending in place.
func Sort(ds []AcquisitionDate) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].Before(ds[j]) })
}
