package scheduler

import (
	"context"
	"os"

	"github.com/GeoscienceAustralia/PyGamma/internal/ctxlog"
)

// Plan decides, before a run, which nodes still need to execute. For every
// node the durable marker gives three cases: success with all outputs
// present is satisfied and skipped; success with missing outputs is stale,
// so the marker is dropped and the node re-runs; a failed or absent marker
// re-runs. On top of the per-node decision Plan cascades:
//
// A node that re-runs because its inputs are gone walks backward to the
// dependencies that produce those inputs and re-runs them too, even when
// their own markers claim success, since stale upstream state is the root
// cause. Any satisfied node downstream of a re-running dependency also
// re-runs, because its inputs are about to be regenerated. Running Plan
// twice with no external changes re-triggers nothing the second time.
func Plan(ctx context.Context, g *Graph) error {
	log := ctxlog.FromContext(ctx)

	order, err := g.Sort()
	if err != nil {
		return err
	}

	rerun := make(map[*Node]bool, len(order))

	for _, n := range order {
		state, err := ReadMarker(n.Marker)
		if err != nil {
			return err
		}
		switch state {
		case MarkerSucceeded:
			if missing := missingOutputs(n); len(missing) > 0 {
				log.Warn("success marker is stale, outputs missing, re-scheduling",
					"task", n.ID, "missing", missing)
				rerun[n] = true
			}
		case MarkerFailed:
			log.Info("previous run failed, re-scheduling", "task", n.ID)
			rerun[n] = true
		case MarkerAbsent:
			rerun[n] = true
		}
	}

	// Backward cascade: a re-running node needs its inputs, which are its
	// dependencies' outputs. Walk from the leaves of the re-run set toward
	// the roots, pulling in any producer whose outputs are gone.
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if !rerun[n] {
			continue
		}
		for _, dep := range n.deps {
			if rerun[dep] {
				continue
			}
			if missing := missingOutputs(dep); len(missing) > 0 {
				log.Warn("dependency outputs missing, re-scheduling upstream task",
					"task", n.ID, "dependency", dep.ID, "missing", missing)
				rerun[dep] = true
			}
		}
	}

	// Forward cascade: everything downstream of a re-running node consumes
	// regenerated inputs and must re-run as well.
	for _, n := range order {
		if rerun[n] {
			continue
		}
		for _, dep := range n.deps {
			if rerun[dep] {
				log.Info("upstream task re-runs, re-scheduling dependent",
					"task", n.ID, "dependency", dep.ID)
				rerun[n] = true
				break
			}
		}
	}

	for _, n := range order {
		if rerun[n] {
			n.satisfied = false
			if err := ClearMarker(n.Marker); err != nil {
				return err
			}
		} else {
			n.satisfied = true
		}
	}
	return nil
}

func missingOutputs(n *Node) []string {
	var missing []string
	for _, out := range n.Outputs {
		if _, err := os.Stat(out); err != nil {
			missing = append(missing, out)
		}
	}
	return missing
}
