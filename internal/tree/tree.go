// Package tree partitions a stack's acquisition dates into the tiered
// coregistration dependency forest. The forest is built once as an explicit
// arena of date nodes and reused by the scheduler and reporting code.
package tree

import (
	"context"
	"fmt"

	"github.com/GeoscienceAustralia/PyGamma/internal/ctxlog"
	"github.com/GeoscienceAustralia/PyGamma/internal/dates"
)

// Options controls forest construction.
type Options struct {
	// ThresholdDays is the temporal window for tier membership.
	ThresholdDays int

	// IncludeClosest substitutes the single closest scene on a side whose
	// window came up empty, keeping sparse stacks connected.
	IncludeClosest bool
}

// Node is one date in the forest arena.
type Node struct {
	Date dates.AcquisitionDate

	// Tier is the 1-based distance-from-reference level. The reference
	// node carries tier 0.
	Tier int

	// Parent is the arena index of the local reference this date is
	// aligned against, -1 for the stack reference itself.
	Parent int
}

// Edge is a directed coregistration relationship: Target is aligned using
// Source as its local reference.
type Edge struct {
	Source dates.AcquisitionDate
	Target dates.AcquisitionDate
}

// Forest is the complete coregistration dependency structure for a stack.
// Every non-reference date appears in exactly one tier and has exactly one
// inbound edge.
type Forest struct {
	Reference dates.AcquisitionDate

	// Nodes holds the reference at index 0 followed by every assigned date
	// in tier order.
	Nodes []Node

	// Tiers maps 1-based tier numbers to arena indices: Tiers[0] is tier 1.
	Tiers [][]int

	// Dropped lists dates unreachable from the reference. Only possible
	// when Options.IncludeClosest is disabled; never silently lost.
	Dropped []dates.AcquisitionDate

	index map[string]int
}

// FindScenesInRange partitions dates around a pivot into the earlier (lhs)
// and later (rhs) sides of its temporal window. When includeClosest is set
// and a side's window is empty but candidates exist beyond it, the single
// closest candidate is substituted; the substitution is logged since it
// signals a sparse stack.
func FindScenesInRange(ctx context.Context, pivot dates.AcquisitionDate, dateList []dates.AcquisitionDate, thresholdDays int, includeClosest bool) (lhs, rhs []dates.AcquisitionDate) {
	log := ctxlog.FromContext(ctx)

	var closestLHS, closestRHS dates.AcquisitionDate
	closestLHSDiff, closestRHSDiff := 0, 0

	for _, dt := range dateList {
		diff := pivot.DaysBetween(dt)
		if diff == 0 {
			continue
		}

		if diff < 0 {
			if closestLHS.IsZero() || diff > closestLHSDiff {
				closestLHS = dt
				closestLHSDiff = diff
			}
		} else {
			if closestRHS.IsZero() || diff < closestRHSDiff {
				closestRHS = dt
				closestRHSDiff = diff
			}
		}

		if diff < -thresholdDays || diff > thresholdDays {
			continue
		}

		if diff < 0 {
			lhs = append(lhs, dt)
		} else {
			rhs = append(rhs, dt)
		}
	}

	if includeClosest {
		if len(lhs) == 0 && !closestLHS.IsZero() {
			log.Info("closest scene outside threshold window, using closest scene only",
				"pivot", pivot, "closest", closestLHS, "threshold_days", thresholdDays)
			lhs = []dates.AcquisitionDate{closestLHS}
		}
		if len(rhs) == 0 && !closestRHS.IsZero() {
			log.Info("closest scene outside threshold window, using closest scene only",
				"pivot", pivot, "closest", closestRHS, "threshold_days", thresholdDays)
			rhs = []dates.AcquisitionDate{closestRHS}
		}
	}

	return lhs, rhs
}

// Build constructs the coregistration forest for a reference date and the
// full set of acquisition dates. Tier 1 holds the dates within the window of
// the reference; tier k+1 extends from the extremal dates of tier k on each
// side until no dates remain.
func Build(ctx context.Context, reference dates.AcquisitionDate, dateList []dates.AcquisitionDate, opts Options) (*Forest, error) {
	if opts.ThresholdDays <= 0 {
		return nil, fmt.Errorf("tree: threshold must be positive, got %d days", opts.ThresholdDays)
	}

	sorted := append([]dates.AcquisitionDate(nil), dateList...)
	dates.Sort(sorted)

	f := &Forest{
		Reference: reference,
		Nodes:     []Node{{Date: reference, Tier: 0, Parent: -1}},
		index:     map[string]int{reference.String(): 0},
	}

	addTier := func(members []dates.AcquisitionDate, parents []int) {
		var tier []int
		for i, dt := range members {
			idx := len(f.Nodes)
			f.Nodes = append(f.Nodes, Node{Date: dt, Tier: len(f.Tiers) + 1, Parent: parents[i]})
			f.index[dt.String()] = idx
			tier = append(tier, idx)
		}
		f.Tiers = append(f.Tiers, tier)
	}

	lhs, rhs := FindScenesInRange(ctx, reference, sorted, opts.ThresholdDays, opts.IncludeClosest)
	current := append(append([]dates.AcquisitionDate(nil), lhs...), rhs...)
	parents := make([]int, len(current))

	for len(current) > 0 {
		addTier(current, parents)

		earliest, latest := current[0], current[0]
		for _, dt := range current[1:] {
			if dt.Before(earliest) {
				earliest = dt
			}
			if dt.After(latest) {
				latest = dt
			}
		}

		var next []dates.AcquisitionDate
		var nextParents []int

		// Each extension search starts strictly beyond the previous tier's
		// extremal boundary, so a date can never land in two tiers.
		if earliest.Before(reference) {
			ext, _ := FindScenesInRange(ctx, earliest, sorted, opts.ThresholdDays, opts.IncludeClosest)
			ext = excludeAssigned(ext, f.index)
			parentIdx := f.index[earliest.String()]
			for _, dt := range ext {
				next = append(next, dt)
				nextParents = append(nextParents, parentIdx)
			}
		}
		if latest.After(reference) {
			_, ext := FindScenesInRange(ctx, latest, sorted, opts.ThresholdDays, opts.IncludeClosest)
			ext = excludeAssigned(ext, f.index)
			parentIdx := f.index[latest.String()]
			for _, dt := range ext {
				next = append(next, dt)
				nextParents = append(nextParents, parentIdx)
			}
		}

		current, parents = next, nextParents
	}

	for _, dt := range sorted {
		if _, ok := f.index[dt.String()]; !ok {
			f.Dropped = append(f.Dropped, dt)
		}
	}
	if len(f.Dropped) > 0 {
		ctxlog.FromContext(ctx).Warn("dates unreachable from reference dropped from coregistration tree",
			"count", len(f.Dropped), "reference", reference)
	}

	return f, nil
}

func excludeAssigned(ds []dates.AcquisitionDate, index map[string]int) []dates.AcquisitionDate {
	out := ds[:0]
	for _, dt := range ds {
		if _, ok := index[dt.String()]; !ok {
			out = append(out, dt)
		}
	}
	return out
}

// Contains reports whether the date was assigned a tier (or is the reference).
func (f *Forest) Contains(dt dates.AcquisitionDate) bool {
	_, ok := f.index[dt.String()]
	return ok
}

// ParentOf returns the local reference date for a non-reference date. The
// second return is false for the reference itself or an unassigned date.
func (f *Forest) ParentOf(dt dates.AcquisitionDate) (dates.AcquisitionDate, bool) {
	idx, ok := f.index[dt.String()]
	if !ok || f.Nodes[idx].Parent < 0 {
		return dates.AcquisitionDate{}, false
	}
	return f.Nodes[f.Nodes[idx].Parent].Date, true
}

// TierOf returns the 1-based tier of a date, 0 for the reference. The second
// return is false for unassigned dates.
func (f *Forest) TierOf(dt dates.AcquisitionDate) (int, bool) {
	idx, ok := f.index[dt.String()]
	if !ok {
		return 0, false
	}
	return f.Nodes[idx].Tier, true
}

// TierDates returns the dates in a 1-based tier, in assignment order.
func (f *Forest) TierDates(tier int) []dates.AcquisitionDate {
	if tier < 1 || tier > len(f.Tiers) {
		return nil
	}
	out := make([]dates.AcquisitionDate, 0, len(f.Tiers[tier-1]))
	for _, idx := range f.Tiers[tier-1] {
		out = append(out, f.Nodes[idx].Date)
	}
	return out
}

// Edges returns every coregistration edge in tier order.
func (f *Forest) Edges() []Edge {
	var edges []Edge
	for _, n := range f.Nodes {
		if n.Parent < 0 {
			continue
		}
		edges = append(edges, Edge{Source: f.Nodes[n.Parent].Date, Target: n.Date})
	}
	return edges
}

// Secondaries returns every non-reference date assigned to the forest, in
// tier order.
func (f *Forest) Secondaries() []dates.AcquisitionDate {
	var out []dates.AcquisitionDate
	for _, n := range f.Nodes[1:] {
		out = append(out, n.Date)
	}
	return out
}
