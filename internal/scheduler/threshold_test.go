package scheduler

import (
	"math"
	"testing"

	"driftwatch/internal/monitor"
)

func percentageThreshold(lower, upper float64) monitor.Threshold {
	return monitor.Threshold{
		Metric:        monitor.MetricAccuracy,
		Mode:          monitor.ModePercentage,
		VarianceLower: &lower,
		VarianceUpper: &upper,
	}
}

func TestEvaluateThresholdPercentage(t *testing.T) {
	th := percentageThreshold(-0.10, 0.10)

	out := EvaluateThreshold(85, 100, th)
	if out.Result != ResultBreach || out.Direction != DirectionLow {
		t.Fatalf("expected low breach, got %+v", out)
	}
	if math.Abs(out.Variance-(-0.15)) > 1e-12 {
		t.Fatalf("expected variance -0.15, got %v", out.Variance)
	}

	out = EvaluateThreshold(105, 100, th)
	if out.Result != ResultNoBreach {
		t.Fatalf("expected no breach at +5%%, got %+v", out)
	}

	out = EvaluateThreshold(111, 100, th)
	if out.Result != ResultBreach || out.Direction != DirectionHigh {
		t.Fatalf("expected high breach, got %+v", out)
	}
	if math.Abs(out.Variance-0.11) > 1e-12 {
		t.Fatalf("expected variance 0.11, got %v", out.Variance)
	}
}

func TestEvaluateThresholdAbsolute(t *testing.T) {
	lower := -0.05
	th := monitor.Threshold{
		Metric:        monitor.MetricAccuracy,
		Mode:          monitor.ModeAbsolute,
		VarianceLower: &lower,
	}

	out := EvaluateThreshold(0.70, 0.80, th)
	if out.Result != ResultBreach || out.Direction != DirectionLow {
		t.Fatalf("expected low breach, got %+v", out)
	}
	if math.Abs(out.Variance-(-0.10)) > 1e-12 {
		t.Fatalf("expected variance -0.10, got %v", out.Variance)
	}

	out = EvaluateThreshold(0.77, 0.80, th)
	if out.Result != ResultNoBreach {
		t.Fatalf("expected no breach, got %+v", out)
	}

	// no upper bound: a rise can never breach
	out = EvaluateThreshold(5.0, 0.80, th)
	if out.Result != ResultNoBreach {
		t.Fatalf("expected no breach without upper bound, got %+v", out)
	}
}

func TestEvaluateThresholdZeroBaselinePercentage(t *testing.T) {
	th := percentageThreshold(-0.10, 0.10)
	for _, current := range []float64{-3, 0, 0.5, 1000} {
		out := EvaluateThreshold(current, 0, th)
		if out.Result != ResultIndeterminate {
			t.Fatalf("expected indeterminate for baseline 0, current %v, got %+v", current, out)
		}
	}
	// absolute mode is fine with a zero baseline
	lower := -0.5
	out := EvaluateThreshold(-1, 0, monitor.Threshold{Mode: monitor.ModeAbsolute, VarianceLower: &lower})
	if out.Result != ResultBreach {
		t.Fatalf("expected breach in absolute mode, got %+v", out)
	}
}

func TestEvaluateThresholdBoundsAreExclusive(t *testing.T) {
	th := percentageThreshold(-0.10, 0.10)
	// variance exactly at a bound is not a breach
	out := EvaluateThreshold(110, 100, th)
	if out.Result != ResultNoBreach {
		t.Fatalf("expected no breach at the bound, got %+v", out)
	}
	out = EvaluateThreshold(90, 100, th)
	if out.Result != ResultNoBreach {
		t.Fatalf("expected no breach at the bound, got %+v", out)
	}
}
