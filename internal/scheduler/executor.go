package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/GeoscienceAustralia/PyGamma/internal/ctxlog"
	"github.com/GeoscienceAustralia/PyGamma/internal/logging"
)

// Report summarizes one scheduler run. Node IDs appear in exactly one list.
type Report struct {
	// Satisfied nodes were skipped because their prior success still held.
	Satisfied []string

	// Succeeded nodes ran to completion in this run.
	Succeeded []string

	// Failed nodes ran and recorded a failure marker.
	Failed []string

	// Unreached nodes were never scheduled because a dependency did not
	// succeed, or the run was aborted first.
	Unreached []string
}

// Complete reports whether every node is satisfied or succeeded.
func (r *Report) Complete() bool {
	return len(r.Failed) == 0 && len(r.Unreached) == 0
}

func (r *Report) sorted() *Report {
	sort.Strings(r.Satisfied)
	sort.Strings(r.Succeeded)
	sort.Strings(r.Failed)
	sort.Strings(r.Unreached)
	return r
}

// Executor runs a task graph on a bounded worker pool.
type Executor struct {
	// Workers bounds concurrent nodes. Zero means one per CPU.
	Workers int
}

type result struct {
	node     *Node
	err      error
	duration time.Duration
}

// Run executes every runnable node of the graph. A node failure is caught
// at the node boundary and only prevents its own dependents from being
// scheduled; unrelated nodes keep running. On context cancellation no new
// nodes start, running nodes finish, and the report reflects how far the
// run got.
func (e *Executor) Run(ctx context.Context, g *Graph) (*Report, error) {
	if _, err := g.Sort(); err != nil {
		return nil, err
	}

	workers := e.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	log := ctxlog.FromContext(ctx)
	report := &Report{}

	remaining := make(map[*Node]int, len(g.nodes))
	scheduled := make(map[*Node]bool, len(g.nodes))

	// Satisfied nodes count as done for their dependents.
	var queue []*Node
	for _, n := range g.nodes {
		if n.satisfied {
			report.Satisfied = append(report.Satisfied, n.ID)
			continue
		}
		count := 0
		for _, d := range n.deps {
			if !d.satisfied {
				count++
			}
		}
		remaining[n] = count
		if count == 0 {
			queue = append(queue, n)
		}
	}

	ready := make(chan *Node)
	done := make(chan result)
	for i := 0; i < workers; i++ {
		go func() {
			for n := range ready {
				start := time.Now()
				err := e.runNode(ctx, n)
				done <- result{node: n, err: err, duration: time.Since(start)}
			}
		}()
	}
	defer close(ready)

	active := 0
	aborted := false
	ctxDone := ctx.Done()
	for active > 0 || (len(queue) > 0 && !aborted) {
		// Cancellation wins over dispatching queued work.
		if !aborted {
			select {
			case <-ctxDone:
				aborted = true
				ctxDone = nil
			default:
			}
		}
		if aborted && active == 0 {
			break
		}

		var dispatch chan *Node
		var next *Node
		if len(queue) > 0 && !aborted {
			dispatch = ready
			next = queue[0]
		}

		select {
		case dispatch <- next:
			queue = queue[1:]
			scheduled[next] = true
			active++

		case r := <-done:
			active--
			if r.err != nil {
				logging.LogTaskError(log, r.node.ID, r.duration, r.err)
				report.Failed = append(report.Failed, r.node.ID)
				if mErr := WriteFailed(r.node.Marker, r.err.Error()); mErr != nil {
					log.Error("failure marker not written", "task", r.node.ID, "error", mErr)
				}
				continue
			}
			if mErr := WriteSucceeded(r.node.Marker); mErr != nil {
				// An unrecorded success would be re-run on resume, which
				// is safe; treat the node as failed so the report is
				// honest about durable state.
				log.Error("success marker not written", "task", r.node.ID, "error", mErr)
				report.Failed = append(report.Failed, r.node.ID)
				continue
			}
			logging.LogTaskComplete(log, r.node.ID, r.duration)
			report.Succeeded = append(report.Succeeded, r.node.ID)
			for _, d := range r.node.dependents {
				remaining[d]--
				if remaining[d] == 0 {
					queue = append(queue, d)
				}
			}

		case <-ctxDone:
			aborted = true
			ctxDone = nil
		}
	}

	for _, n := range g.nodes {
		if !n.satisfied && !scheduled[n] {
			report.Unreached = append(report.Unreached, n.ID)
		}
	}

	if aborted {
		log.Warn("run aborted, completed work is preserved",
			"succeeded", len(report.Succeeded), "unreached", len(report.Unreached))
		return report.sorted(), ctx.Err()
	}
	return report.sorted(), nil
}

// runNode is the node boundary: any error or panic from the task body is
// converted into a failure result here and goes no further.
func (e *Executor) runNode(ctx context.Context, n *Node) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	kind, _, _ := strings.Cut(n.ID, ":")
	logging.LogTaskStart(ctxlog.FromContext(ctx), n.ID, kind, len(n.deps))
	return n.Run(ctx)
}
