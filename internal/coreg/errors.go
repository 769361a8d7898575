package coreg

import (
	"errors"
	"fmt"
)

// ErrNoSamples matches any total sample exhaustion via errors.Is.
var ErrNoSamples = errors.New("no accepted burst overlap samples")

// SampleExhaustionError reports an overlap iteration that accepted zero
// burst-pair samples across every subswath. It is recoverable at the pair
// level: the caller falls back to the best model it holds.
type SampleExhaustionError struct {
	Iteration int
}

func (e *SampleExhaustionError) Error() string {
	return fmt.Sprintf("no bursts from any subswath processed in iteration %d", e.Iteration)
}

func (e *SampleExhaustionError) Unwrap() error { return ErrNoSamples }
