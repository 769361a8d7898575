package gamma

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// offsetFitPrefix is the labeled stdout line offset_fit reports its final
// model quality on. The format is an external contract: if the line is
// missing or malformed we fail loudly rather than return wrong numbers.
const offsetFitPrefix = "final model fit std. dev. (samples) range:"

var numberPattern = regexp.MustCompile(`[-+]?[0-9]*\.?[0-9]+`)

// GrepStdout returns the first stdout line containing the given prefix, or
// an empty string when absent.
func GrepStdout(stdout, prefix string) string {
	for _, line := range strings.Split(stdout, "\n") {
		if strings.Contains(line, prefix) {
			return line
		}
	}
	return ""
}

// ParseOffsetFit extracts the final model fit standard deviations from
// offset_fit stdout.
func ParseOffsetFit(stdout string) (OffsetFitResult, error) {
	line := GrepStdout(stdout, offsetFitPrefix)
	if line == "" {
		return OffsetFitResult{}, fmt.Errorf("offset_fit stdout missing %q line", offsetFitPrefix)
	}
	nums := numberPattern.FindAllString(line, -1)
	if len(nums) != 2 {
		return OffsetFitResult{}, fmt.Errorf("offset_fit stdout line %q: want 2 numbers, got %d", line, len(nums))
	}
	rng, err := strconv.ParseFloat(nums[0], 64)
	if err != nil {
		return OffsetFitResult{}, fmt.Errorf("offset_fit range stdev %q: %w", nums[0], err)
	}
	az, err := strconv.ParseFloat(nums[1], 64)
	if err != nil {
		return OffsetFitResult{}, fmt.Errorf("offset_fit azimuth stdev %q: %w", nums[1], err)
	}
	return OffsetFitResult{RangeStdev: rng, AzimuthStdev: az}, nil
}
