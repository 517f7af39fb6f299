package scheduler

import "driftwatch/internal/monitor"

type Result string

const (
	ResultNoBreach      Result = "no_breach"
	ResultBreach        Result = "breach"
	ResultIndeterminate Result = "indeterminate"
)

type Direction string

const (
	DirectionLow  Direction = "low"
	DirectionHigh Direction = "high"
)

// Outcome is the threshold decision for one evaluated window. Direction is
// only set on a breach; Variance is meaningless when the result is
// indeterminate.
type Outcome struct {
	Result    Result
	Direction Direction
	Variance  float64
}

// EvaluateThreshold compares the current metric value against the
// training-time baseline. Percentage mode with a zero baseline is
// undefined and reported as indeterminate rather than producing infinity.
func EvaluateThreshold(current, baseline float64, th monitor.Threshold) Outcome {
	var variance float64
	switch th.Mode {
	case monitor.ModePercentage:
		if baseline == 0 {
			return Outcome{Result: ResultIndeterminate}
		}
		variance = (current - baseline) / baseline
	default:
		variance = current - baseline
	}
	if th.VarianceLower != nil && variance < *th.VarianceLower {
		return Outcome{Result: ResultBreach, Direction: DirectionLow, Variance: variance}
	}
	if th.VarianceUpper != nil && variance > *th.VarianceUpper {
		return Outcome{Result: ResultBreach, Direction: DirectionHigh, Variance: variance}
	}
	return Outcome{Result: ResultNoBreach, Variance: variance}
}
