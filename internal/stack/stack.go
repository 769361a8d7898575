// Package stack assembles and runs the full task graph for a stack: scene
// preparation, the tiered pair coregistrations, and the interferogram
// products derived from them.
package stack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/GeoscienceAustralia/PyGamma/internal/config"
	"github.com/GeoscienceAustralia/PyGamma/internal/coreg"
	"github.com/GeoscienceAustralia/PyGamma/internal/ctxlog"
	"github.com/GeoscienceAustralia/PyGamma/internal/dates"
	"github.com/GeoscienceAustralia/PyGamma/internal/gamma"
	"github.com/GeoscienceAustralia/PyGamma/internal/scheduler"
	"github.com/GeoscienceAustralia/PyGamma/internal/storage"
	"github.com/GeoscienceAustralia/PyGamma/internal/tree"
)

// Stack runs stack processing against a configuration and toolkit.
type Stack struct {
	Config  *config.Config
	Toolkit gamma.Toolkit

	// Store records run history when set.
	Store *storage.Store
}

// Report is the stack-level completion report of one run.
type Report struct {
	RunID     string
	Reference dates.AcquisitionDate

	// Satisfied tasks were already complete and skipped on resume.
	Satisfied []string

	// Succeeded tasks ran cleanly this run.
	Succeeded []string

	// Degraded pair tasks succeeded but recorded an accuracy warning.
	Degraded []string

	// Failed tasks ran and failed; Unreached tasks were never scheduled
	// because a dependency did not succeed.
	Failed    []string
	Unreached []string
}

// Complete reports whether every task is satisfied or succeeded, degraded
// included.
func (r *Report) Complete() bool {
	return len(r.Failed) == 0 && len(r.Unreached) == 0
}

// CalculateReference picks the stack reference scene: the median
// acquisition date, taken from the descending-sorted list at index n/2.
func CalculateReference(ds []dates.AcquisitionDate) (dates.AcquisitionDate, error) {
	if len(ds) == 0 {
		return dates.AcquisitionDate{}, fmt.Errorf("no scenes to choose a reference from")
	}
	sorted := append([]dates.AcquisitionDate(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[j].Before(sorted[i]) })
	return sorted[len(sorted)/2], nil
}

func (s *Stack) settings() coreg.Settings {
	c := s.Config.Coreg
	return coreg.Settings{
		RangeLooks:             c.RangeLooks,
		AzimuthLooks:           c.AzimuthLooks,
		MaxIterations:          c.MaxIterations,
		CoarseAzimuthThreshold: c.CoarseAzimuthThreshold,
		FineOffsetTarget:       c.FineOffsetTarget,
		CCThresh:               c.CCThresh,
		FracThresh:             c.FracThresh,
		StdevThresh:            c.StdevThresh,
		RangeStepMin:           c.RangeStepMin,
		AzimuthStepMin:         c.AzimuthStepMin,
		BurstWorkers:           s.Config.Processing.ParallelJobs,
	}
}

// Reference resolves the stack reference: the configured pin when set, the
// median acquisition date otherwise.
func (s *Stack) Reference(ds []dates.AcquisitionDate) (dates.AcquisitionDate, error) {
	if pin := s.Config.Tree.ReferenceScene; pin != "" {
		return dates.Parse(pin)
	}
	return CalculateReference(ds)
}

// Run executes the whole stack for the given acquisition dates, resuming
// from durable completion markers. Tier and pair list files are written
// before scheduling so the run is inspectable while it executes.
func (s *Stack) Run(ctx context.Context, sceneDates []dates.AcquisitionDate) (*Report, error) {
	log := ctxlog.FromContext(ctx)

	reference, err := s.Reference(sceneDates)
	if err != nil {
		return nil, err
	}
	log.Info("stack reference scene", "reference", reference, "scenes", len(sceneDates))

	forest, err := tree.Build(ctx, reference, sceneDates, tree.Options{
		ThresholdDays:  s.Config.Tree.ThresholdDays,
		IncludeClosest: s.Config.Tree.IncludeClosest,
	})
	if err != nil {
		return nil, err
	}
	if len(forest.Dropped) > 0 {
		var dropped []string
		for _, dt := range forest.Dropped {
			dropped = append(dropped, dt.String())
		}
		return nil, &scheduler.StructuralError{
			Reason: fmt.Sprintf("dates unreachable from reference %s: %s", reference, strings.Join(dropped, ", ")),
		}
	}

	if err := s.writeListFiles(reference, sceneDates, forest); err != nil {
		return nil, err
	}

	pairs, err := s.loadOrGeneratePairs(sceneDates)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.Config.Paths.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("preparing work directory: %w", err)
	}

	runID := ""
	if s.Store != nil {
		if runID, err = s.Store.CreateRun(reference.String(), len(sceneDates)); err != nil {
			return nil, err
		}
	}

	abandonRun := func() {
		if s.Store == nil {
			return
		}
		if err := s.Store.FinishRun(runID, "failed", 0, 0, 0, 0); err != nil {
			log.Error("run history not recorded", "error", err)
		}
	}

	graph, err := s.buildGraph(forest, pairs, runID)
	if err != nil {
		abandonRun()
		return nil, err
	}

	if err := scheduler.Plan(ctx, graph); err != nil {
		abandonRun()
		return nil, err
	}

	ex := &scheduler.Executor{Workers: s.Config.Processing.ParallelJobs}
	schedReport, runErr := ex.Run(ctx, graph)
	if schedReport == nil {
		abandonRun()
		return nil, runErr
	}

	report := s.finishReport(runID, reference, forest, schedReport)

	if s.Store != nil {
		status := "complete"
		switch {
		case runErr != nil:
			status = "aborted"
		case !report.Complete():
			status = "partial"
		}
		if err := s.Store.FinishRun(runID, status,
			len(report.Succeeded), len(report.Failed), len(report.Unreached), len(report.Satisfied)); err != nil {
			log.Error("run history not recorded", "error", err)
		}
	}

	return report, runErr
}

func (s *Stack) finishReport(runID string, reference dates.AcquisitionDate, forest *tree.Forest, sched *scheduler.Report) *Report {
	report := &Report{
		RunID:     runID,
		Reference: reference,
		Satisfied: sched.Satisfied,
		Succeeded: sched.Succeeded,
		Failed:    sched.Failed,
		Unreached: sched.Unreached,
	}

	// A pair that converged poorly still succeeds; the warning file it
	// left behind marks it degraded.
	for _, dt := range forest.Secondaries() {
		p := s.pairPaths(reference, dt)
		if _, err := os.Stat(p.AccuracyWarning); err == nil {
			report.Degraded = append(report.Degraded, coregTaskID(dt))
		}
	}
	sort.Strings(report.Degraded)
	return report
}

func (s *Stack) pairPaths(reference, secondary dates.AcquisitionDate) *coreg.Paths {
	return coreg.NewPaths(s.Config.Paths.SLCPath(), reference, secondary,
		s.Config.Coreg.Polarisation, s.Config.Coreg.RangeLooks)
}

// rdcDEMPath is the reference-geometry height map every pair's initial
// lookup table is derived from.
func (s *Stack) rdcDEMPath(reference dates.AcquisitionDate) string {
	return filepath.Join(s.Config.Paths.DEMPath(),
		fmt.Sprintf("%s_%s_rdc.dem", reference, s.Config.Coreg.Polarisation))
}

func (s *Stack) writeListFiles(reference dates.AcquisitionDate, sceneDates []dates.AcquisitionDate, forest *tree.Forest) error {
	listDir := s.Config.Paths.ListPath()
	if err := os.MkdirAll(listDir, 0o755); err != nil {
		return fmt.Errorf("writing list files: %w", err)
	}

	sorted := append([]dates.AcquisitionDate(nil), sceneDates...)
	dates.Sort(sorted)
	if err := tree.WriteSceneList(filepath.Join(listDir, "scenes.list"), sorted); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(listDir, "primary_ref_scene"), []byte(reference.String()+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing reference scene file: %w", err)
	}
	return forest.WriteTierLists(listDir)
}

func taskID(kind string, dt dates.AcquisitionDate) string {
	return kind + ":" + dt.String()
}

func coregTaskID(secondary dates.AcquisitionDate) string {
	return taskID("coreg", secondary)
}

func (s *Stack) markerPath(id string) string {
	return filepath.Join(s.Config.Paths.WorkDir, strings.ReplaceAll(id, ":", "_")+".status")
}

// buildGraph wires the run's task nodes: per-scene SLC preparation, the
// reference DEM product check, tier-ordered pair coregistrations, and the
// interferogram pairs on top.
func (s *Stack) buildGraph(forest *tree.Forest, pairs []Pair, runID string) (*scheduler.Graph, error) {
	g := scheduler.NewGraph()
	reference := forest.Reference
	settings := s.settings()
	rdcDEM := s.rdcDEMPath(reference)

	add := func(id string, outputs []string, body func(ctx context.Context) error) error {
		return g.Add(&scheduler.Node{
			ID:      id,
			Marker:  s.markerPath(id),
			Outputs: outputs,
			Run:     s.instrument(id, runID, body),
		})
	}

	// Scene tasks: validate the SLC inputs and produce the multi-look
	// intensity image used by lookup table refinement.
	allDates := append([]dates.AcquisitionDate{reference}, forest.Secondaries()...)
	for _, dt := range allDates {
		slc, slcPar, mli, mliPar := s.sceneFiles(reference, dt)
		id := taskID("slc", dt)
		err := add(id, []string{mli, mliPar}, func(ctx context.Context) error {
			if _, err := os.Stat(slc); err != nil {
				return fmt.Errorf("scene image missing: %w", err)
			}
			if _, err := os.Stat(slcPar); err != nil {
				return fmt.Errorf("scene parameter file missing: %w", err)
			}
			return s.Toolkit.MultiLook(ctx, slc, slcPar, mli, mliPar, settings.RangeLooks, settings.AzimuthLooks)
		})
		if err != nil {
			return nil, err
		}
	}

	// The reference-geometry DEM is produced by DEM preparation outside
	// this run; the task pins it as a durable dependency so a missing or
	// deleted height map re-triggers everything derived from it.
	demID := taskID("dem", reference)
	err := add(demID, []string{rdcDEM}, func(ctx context.Context) error {
		if _, err := os.Stat(rdcDEM); err != nil {
			return fmt.Errorf("reference DEM height map missing, run DEM preparation first: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := g.Connect(taskID("slc", reference), demID); err != nil {
		return nil, err
	}

	// Pair coregistrations, tree ordered. A tier k>1 pair refines its
	// overlap phase against the resampled scene of its tree parent.
	for _, secondary := range forest.Secondaries() {
		p := s.pairPaths(reference, secondary)
		id := coregTaskID(secondary)

		tertiaryTab := ""
		parent, hasParent := forest.ParentOf(secondary)
		if hasParent && !parent.Equal(reference) {
			tertiaryTab = s.pairPaths(reference, parent).RSecondaryTab
		}

		err := add(id, []string{p.RSecondarySLC, p.RSecondarySLCPar, p.RSecondaryMLI, p.Off},
			func(ctx context.Context) error {
				result, err := coreg.Register(ctx, s.Toolkit, p, settings, rdcDEM, tertiaryTab)
				if err != nil {
					return err
				}
				if result.Degraded {
					s.recordWarning(ctx, runID, p.PairName, result)
				}
				return nil
			})
		if err != nil {
			return nil, err
		}

		for _, dep := range []string{taskID("slc", secondary), demID} {
			if err := g.Connect(dep, id); err != nil {
				return nil, err
			}
		}
		if hasParent && !parent.Equal(reference) {
			if err := g.Connect(coregTaskID(parent), id); err != nil {
				return nil, err
			}
		}
	}

	// Interferogram pairs need both scenes in the reference geometry.
	for _, pair := range pairs {
		pair := pair
		id := "ifg:" + pair.String()
		outputs := s.interferogramOutputs(pair)
		err := add(id, outputs, func(ctx context.Context) error {
			return s.interferogram(ctx, forest.Reference, pair)
		})
		if err != nil {
			return nil, err
		}
		for _, dt := range []dates.AcquisitionDate{pair.Early, pair.Late} {
			dep := coregTaskID(dt)
			if dt.Equal(reference) {
				dep = taskID("slc", reference)
			}
			if err := g.Connect(dep, id); err != nil {
				return nil, err
			}
		}
	}

	return g, nil
}

// sceneFiles returns the native SLC and the multi-look product paths of a
// scene in the stack layout.
func (s *Stack) sceneFiles(reference, dt dates.AcquisitionDate) (slc, slcPar, mli, mliPar string) {
	p := s.pairPaths(reference, dt)
	if dt.Equal(reference) {
		return p.PrimarySLC, p.PrimarySLCPar, strings.TrimSuffix(p.PrimaryMLIPar, ".par"), p.PrimaryMLIPar
	}
	return p.SecondarySLC, p.SecondarySLCPar, strings.TrimSuffix(p.SecondaryMLIPar, ".par"), p.SecondaryMLIPar
}

// instrument wraps a task body with run history recording.
func (s *Stack) instrument(id, runID string, body func(ctx context.Context) error) func(ctx context.Context) error {
	if s.Store == nil {
		return body
	}
	return func(ctx context.Context) error {
		log := ctxlog.FromContext(ctx)
		if err := s.Store.RecordTask(runID, id, "running", ""); err != nil {
			log.Error("task event not recorded", "task", id, "error", err)
		}
		err := body(ctx)
		state, detail := "succeeded", ""
		if err != nil {
			state, detail = "failed", err.Error()
		}
		if rErr := s.Store.RecordTask(runID, id, state, detail); rErr != nil {
			log.Error("task event not recorded", "task", id, "error", rErr)
		}
		return err
	}
}

func (s *Stack) recordWarning(ctx context.Context, runID, pair string, result *coreg.Result) {
	log := ctxlog.FromContext(ctx)
	msg := fmt.Sprintf("alignment degraded after %d iterations", result.Iterations)
	if result.CoarseFallback {
		msg = "no fine refinement occurred, coarse model kept"
	} else if !result.Converged {
		msg = fmt.Sprintf("daz %v did not reach %v in %d iterations",
			result.FinalOffset, s.Config.Coreg.FineOffsetTarget, result.Iterations)
	}
	log.Warn("pair alignment degraded", "pair", pair, "detail", msg)
	if s.Store != nil && runID != "" {
		if err := s.Store.RecordWarning(runID, pair, msg); err != nil {
			log.Error("warning not recorded", "pair", pair, "error", err)
		}
	}
}
