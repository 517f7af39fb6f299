package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"driftwatch/internal/monitor"
	"driftwatch/internal/production"
)

type fakeSource struct {
	rows []production.Prediction
	err  error
}

func (f *fakeSource) QueryPredictions(ctx context.Context, modelID string, start, end time.Time) ([]production.Prediction, error) {
	return f.rows, f.err
}

func (f *fakeSource) Close() error { return nil }

func classifierRow(predicted string, probability float64, truth string) production.Prediction {
	row := production.Prediction{
		ModelID: "model-1",
		TS:      time.Now().UTC(),
		Output:  []byte(fmt.Sprintf(`{"class_name":%q,"probability":%v}`, predicted, probability)),
	}
	if truth != "" {
		row.TrueValue = &truth
	}
	return row
}

func regressorRow(value float64, truth string) production.Prediction {
	row := production.Prediction{
		ModelID: "model-1",
		TS:      time.Now().UTC(),
		Output:  []byte(fmt.Sprintf(`{"value":%v}`, value)),
	}
	if truth != "" {
		row.TrueValue = &truth
	}
	return row
}

func TestComputeAccuracyIgnoresRowsWithoutTruth(t *testing.T) {
	source := &fakeSource{rows: []production.Prediction{
		classifierRow("spam", 0.9, "spam"),
		classifierRow("spam", 0.8, "ham"),
		classifierRow("ham", 0.7, "ham"),
		classifierRow("ham", 0.6, ""), // no ground truth, must not count either way
	}}
	computer := &Computer{Source: source}
	agg, err := computer.Compute(context.Background(), Job{
		ModelID: "model-1",
		Task:    monitor.TaskBinaryClassifier,
		Metric:  monitor.MetricAccuracy,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if agg.Used != 3 || agg.Ignored != 1 {
		t.Fatalf("unexpected counts: used=%d ignored=%d", agg.Used, agg.Ignored)
	}
	want := 2.0 / 3.0
	if math.Abs(agg.Value-want) > 1e-12 {
		t.Fatalf("expected %v, got %v", want, agg.Value)
	}
}

func TestComputeNoUsableRows(t *testing.T) {
	source := &fakeSource{rows: []production.Prediction{
		classifierRow("spam", 0.9, ""),
	}}
	computer := &Computer{Source: source}
	_, err := computer.Compute(context.Background(), Job{
		ModelID: "model-1",
		Task:    monitor.TaskBinaryClassifier,
		Metric:  monitor.MetricAccuracy,
	})
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}

	computer = &Computer{Source: &fakeSource{}}
	if _, err := computer.Compute(context.Background(), Job{
		ModelID: "model-1",
		Task:    monitor.TaskRegressor,
		Metric:  monitor.MetricRMSE,
	}); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData for empty window, got %v", err)
	}
}

func TestComputeRMSE(t *testing.T) {
	source := &fakeSource{rows: []production.Prediction{
		regressorRow(1.0, "1.0"),
		regressorRow(2.0, "4.0"),
		regressorRow(3.0, "not-a-number"), // unparseable truth is ignored
	}}
	computer := &Computer{Source: source}
	agg, err := computer.Compute(context.Background(), Job{
		ModelID: "model-1",
		Task:    monitor.TaskRegressor,
		Metric:  monitor.MetricRMSE,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if agg.Used != 2 || agg.Ignored != 1 {
		t.Fatalf("unexpected counts: used=%d ignored=%d", agg.Used, agg.Ignored)
	}
	want := math.Sqrt(2)
	if math.Abs(agg.Value-want) > 1e-12 {
		t.Fatalf("expected %v, got %v", want, agg.Value)
	}
}

func TestComputeF1PositiveClass(t *testing.T) {
	source := &fakeSource{rows: []production.Prediction{
		classifierRow("spam", 0.9, "spam"), // tp
		classifierRow("spam", 0.8, "ham"),  // fp
		classifierRow("ham", 0.7, "spam"),  // fn
		classifierRow("ham", 0.6, "ham"),
	}}
	computer := &Computer{Source: source}
	agg, err := computer.Compute(context.Background(), Job{
		ModelID:       "model-1",
		Task:          monitor.TaskBinaryClassifier,
		Metric:        monitor.MetricF1,
		PositiveClass: "spam",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// precision = recall = 0.5, so f1 = 0.5
	if math.Abs(agg.Value-0.5) > 1e-12 {
		t.Fatalf("expected 0.5, got %v", agg.Value)
	}
}

func TestComputeAUCFlipsNegativePredictedScore(t *testing.T) {
	source := &fakeSource{rows: []production.Prediction{
		classifierRow("spam", 0.9, "spam"), // score 0.9, positive
		classifierRow("ham", 0.8, "ham"),   // score 0.2, negative
		classifierRow("spam", 0.6, "ham"),  // score 0.6, negative
		classifierRow("ham", 0.7, "spam"),  // score 0.3, positive
	}}
	computer := &Computer{Source: source}
	agg, err := computer.Compute(context.Background(), Job{
		ModelID:       "model-1",
		Task:          monitor.TaskBinaryClassifier,
		Metric:        monitor.MetricAUCROC,
		PositiveClass: "spam",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// positives score {0.9, 0.3}, negatives {0.2, 0.6}: 3 of 4 pairs ranked
	// correctly
	if math.Abs(agg.Value-0.75) > 1e-12 {
		t.Fatalf("expected 0.75, got %v", agg.Value)
	}
}

func TestComputeSourceErrorPropagates(t *testing.T) {
	wantErr := errors.New("connection refused")
	computer := &Computer{Source: &fakeSource{err: wantErr}, Timeout: time.Second}
	_, err := computer.Compute(context.Background(), Job{
		ModelID: "model-1",
		Task:    monitor.TaskBinaryClassifier,
		Metric:  monitor.MetricAccuracy,
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped source error, got %v", err)
	}
}
