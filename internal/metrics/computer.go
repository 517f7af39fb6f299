package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"driftwatch/internal/monitor"
	"driftwatch/internal/production"
)

// ErrNoData means the window held no usable predictions. The scheduler
// skips the window without advancing its pointer so the evaluation can be
// retried once data (or ground truth) arrives.
var ErrNoData = errors.New("no usable predictions in window")

// Job names one metric computation over one evaluation window.
type Job struct {
	ModelID       string
	Task          monitor.TaskType
	Metric        monitor.Metric
	PositiveClass string
	WindowStart   time.Time
	WindowEnd     time.Time
}

// Aggregate is the computed metric plus how many log entries contributed.
// Entries without ground truth are ignored, never counted as a match or a
// mismatch.
type Aggregate struct {
	Value   float64
	Used    int
	Ignored int
}

// Computer aggregates a window of the prediction log into one metric
// value, using the same formula family as training-time metric
// computation.
type Computer struct {
	Source  production.Source
	Timeout time.Duration
}

// predictionOutput is the serialized model output logged with each
// prediction: {"value": ...} for regressors, {"class_name": ...,
// "probability": ...} for classifiers.
type predictionOutput struct {
	Value       *float64 `json:"value"`
	ClassName   string   `json:"class_name"`
	Probability *float64 `json:"probability"`
}

func (c *Computer) Compute(ctx context.Context, job Job) (Aggregate, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	rows, err := c.Source.QueryPredictions(ctx, job.ModelID, job.WindowStart, job.WindowEnd)
	if err != nil {
		return Aggregate{}, fmt.Errorf("query predictions: %w", err)
	}
	switch job.Task {
	case monitor.TaskRegressor:
		return computeRegression(job.Metric, rows)
	case monitor.TaskBinaryClassifier, monitor.TaskMulticlassClassifier:
		return computeClassification(job, rows)
	default:
		return Aggregate{}, fmt.Errorf("unknown task type %q", job.Task)
	}
}

func computeRegression(metric monitor.Metric, rows []production.Prediction) (Aggregate, error) {
	predicted := []float64{}
	actual := []float64{}
	ignored := 0
	for _, row := range rows {
		var out predictionOutput
		if err := json.Unmarshal(row.Output, &out); err != nil || out.Value == nil {
			ignored++
			continue
		}
		truth, ok := parseTruthFloat(row.TrueValue)
		if !ok {
			ignored++
			continue
		}
		predicted = append(predicted, *out.Value)
		actual = append(actual, truth)
	}
	if len(predicted) == 0 {
		return Aggregate{Ignored: ignored}, ErrNoData
	}
	agg := Aggregate{Used: len(predicted), Ignored: ignored}
	switch metric {
	case monitor.MetricMSE:
		agg.Value = MeanSquaredError(predicted, actual)
	case monitor.MetricRMSE:
		agg.Value = RootMeanSquaredError(predicted, actual)
	default:
		return Aggregate{}, fmt.Errorf("metric %q not valid for regressors", metric)
	}
	return agg, nil
}

func computeClassification(job Job, rows []production.Prediction) (Aggregate, error) {
	type pair struct {
		predicted   string
		actual      string
		probability *float64
	}
	pairs := []pair{}
	ignored := 0
	for _, row := range rows {
		var out predictionOutput
		if err := json.Unmarshal(row.Output, &out); err != nil || out.ClassName == "" {
			ignored++
			continue
		}
		if row.TrueValue == nil || strings.TrimSpace(*row.TrueValue) == "" {
			ignored++
			continue
		}
		pairs = append(pairs, pair{predicted: out.ClassName, actual: strings.TrimSpace(*row.TrueValue), probability: out.Probability})
	}
	if len(pairs) == 0 {
		return Aggregate{Ignored: ignored}, ErrNoData
	}
	agg := Aggregate{Used: len(pairs), Ignored: ignored}
	switch job.Metric {
	case monitor.MetricAccuracy:
		correct := 0
		for _, p := range pairs {
			if p.predicted == p.actual {
				correct++
			}
		}
		agg.Value = Accuracy(correct, len(pairs))
		return agg, nil
	case monitor.MetricPrecision, monitor.MetricRecall, monitor.MetricF1:
		if job.PositiveClass == "" {
			return Aggregate{}, fmt.Errorf("model %s has no positive class", job.ModelID)
		}
		tp, fp, fn := 0, 0, 0
		for _, p := range pairs {
			predictedPositive := p.predicted == job.PositiveClass
			actualPositive := p.actual == job.PositiveClass
			switch {
			case predictedPositive && actualPositive:
				tp++
			case predictedPositive && !actualPositive:
				fp++
			case !predictedPositive && actualPositive:
				fn++
			}
		}
		precision, recall, f1 := PrecisionRecallF1(tp, fp, fn)
		switch job.Metric {
		case monitor.MetricPrecision:
			agg.Value = precision
		case monitor.MetricRecall:
			agg.Value = recall
		default:
			agg.Value = f1
		}
		return agg, nil
	case monitor.MetricAUCROC:
		if job.PositiveClass == "" {
			return Aggregate{}, fmt.Errorf("model %s has no positive class", job.ModelID)
		}
		scores := []float64{}
		labels := []bool{}
		for _, p := range pairs {
			if p.probability == nil {
				agg.Ignored++
				continue
			}
			// the log stores the predicted class probability; flip it when
			// the predicted class is not the positive one
			score := *p.probability
			if p.predicted != job.PositiveClass {
				score = 1 - score
			}
			scores = append(scores, score)
			labels = append(labels, p.actual == job.PositiveClass)
		}
		auc, ok := AUCROC(scores, labels)
		if !ok {
			// a single-class window cannot rank; retry once mixed data arrives
			return Aggregate{Ignored: agg.Ignored}, ErrNoData
		}
		agg.Used = len(scores)
		agg.Value = auc
		return agg, nil
	default:
		return Aggregate{}, fmt.Errorf("metric %q not valid for classifiers", job.Metric)
	}
}

func parseTruthFloat(value *string) (float64, bool) {
	if value == nil {
		return 0, false
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(*value), 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0, false
	}
	return parsed, true
}
