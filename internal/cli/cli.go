// Package cli assembles the insarstack command line surface.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/GeoscienceAustralia/PyGamma/internal/config"
	"github.com/GeoscienceAustralia/PyGamma/internal/ctxlog"
	"github.com/GeoscienceAustralia/PyGamma/internal/dates"
	"github.com/GeoscienceAustralia/PyGamma/internal/gamma"
	"github.com/GeoscienceAustralia/PyGamma/internal/stack"
	"github.com/GeoscienceAustralia/PyGamma/internal/storage"
	"github.com/GeoscienceAustralia/PyGamma/internal/tree"
)

// Root carries the pieces every subcommand needs.
type Root struct {
	cfg *config.Config
	log *slog.Logger
}

func (r *Root) newToolkit() gamma.Toolkit {
	return &gamma.Exec{
		BinDir:  r.cfg.Toolkit.BinDir,
		Ceiling: time.Duration(r.cfg.Toolkit.CeilingMinutes) * time.Minute,
	}
}

func (r *Root) openStore() (*storage.Store, error) {
	return storage.Open(r.cfg.Paths.DatabasePath)
}

// sceneListPath resolves the scene list argument: the explicit path when
// given, the stack's default list file otherwise.
func (r *Root) sceneListPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return filepath.Join(r.cfg.Paths.ListPath(), "scenes.list")
}

func (r *Root) readScenes(args []string) ([]dates.AcquisitionDate, error) {
	path := r.sceneListPath(args)
	ds, err := tree.ReadSceneList(path)
	if err != nil {
		return nil, err
	}
	if len(ds) < 2 {
		return nil, fmt.Errorf("%s: a stack needs at least two scenes, found %d", path, len(ds))
	}
	return ds, nil
}

// runStack executes the full stack run and reports the outcome on stdout.
func (r *Root) runStack(ctx context.Context, args []string) error {
	sceneDates, err := r.readScenes(args)
	if err != nil {
		return err
	}

	store, err := r.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	s := &stack.Stack{
		Config:  r.cfg,
		Toolkit: r.newToolkit(),
		Store:   store,
	}

	report, err := s.Run(ctxlog.WithLogger(ctx, r.log), sceneDates)
	if report != nil {
		printReport(report)
	}
	if err != nil {
		return err
	}
	if !report.Complete() {
		return fmt.Errorf("%d tasks failed, %d unreached; fix the failures and resume",
			len(report.Failed), len(report.Unreached))
	}
	return nil
}

func printReport(report *stack.Report) {
	fmt.Printf("Stack run %s\n", report.RunID)
	fmt.Printf("  reference:  %s\n", report.Reference)
	fmt.Printf("  satisfied:  %d\n", len(report.Satisfied))
	fmt.Printf("  succeeded:  %d\n", len(report.Succeeded))
	if len(report.Degraded) > 0 {
		fmt.Printf("  degraded:   %d\n", len(report.Degraded))
		for _, id := range report.Degraded {
			fmt.Printf("    %s (see the pair's ACCURACY_WARNING)\n", id)
		}
	}
	if len(report.Failed) > 0 {
		fmt.Printf("  failed:     %d\n", len(report.Failed))
		for _, id := range report.Failed {
			fmt.Printf("    %s\n", id)
		}
	}
	if len(report.Unreached) > 0 {
		fmt.Printf("  unreached:  %d\n", len(report.Unreached))
		for _, id := range report.Unreached {
			fmt.Printf("    %s\n", id)
		}
	}
}
