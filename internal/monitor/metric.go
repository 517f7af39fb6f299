package monitor

import (
	"fmt"
	"strings"
)

// Metric identifies the evaluation metric a monitor tracks against its
// training-time baseline.
type Metric string

const (
	MetricAccuracy  Metric = "accuracy"
	MetricAUCROC    Metric = "auc_roc"
	MetricF1        Metric = "f1"
	MetricMSE       Metric = "mse"
	MetricPrecision Metric = "precision"
	MetricRecall    Metric = "recall"
	MetricRMSE      Metric = "rmse"
)

func ParseMetric(value string) (Metric, error) {
	switch Metric(strings.ToLower(strings.TrimSpace(value))) {
	case MetricAccuracy:
		return MetricAccuracy, nil
	case MetricAUCROC:
		return MetricAUCROC, nil
	case MetricF1:
		return MetricF1, nil
	case MetricMSE:
		return MetricMSE, nil
	case MetricPrecision:
		return MetricPrecision, nil
	case MetricRecall:
		return MetricRecall, nil
	case MetricRMSE:
		return MetricRMSE, nil
	default:
		return "", &ValidationError{Message: fmt.Sprintf("unknown metric %q", value)}
	}
}

func (m Metric) DisplayName() string {
	switch m {
	case MetricAccuracy:
		return "Accuracy"
	case MetricAUCROC:
		return "AUC ROC"
	case MetricF1:
		return "F1"
	case MetricMSE:
		return "MSE"
	case MetricPrecision:
		return "Precision"
	case MetricRecall:
		return "Recall"
	case MetricRMSE:
		return "RMSE"
	default:
		return string(m)
	}
}

// TaskType is the learning task of the watched model. It determines which
// metrics a monitor may track.
type TaskType string

const (
	TaskRegressor            TaskType = "regressor"
	TaskBinaryClassifier     TaskType = "binary_classifier"
	TaskMulticlassClassifier TaskType = "multiclass_classifier"
)

func ParseTaskType(value string) (TaskType, error) {
	switch TaskType(strings.ToLower(strings.TrimSpace(value))) {
	case TaskRegressor:
		return TaskRegressor, nil
	case TaskBinaryClassifier:
		return TaskBinaryClassifier, nil
	case TaskMulticlassClassifier:
		return TaskMulticlassClassifier, nil
	default:
		return "", &ValidationError{Message: fmt.Sprintf("unknown task type %q", value)}
	}
}

// ValidMetrics is the single source of truth for which metrics apply to
// which task type.
func ValidMetrics(task TaskType) []Metric {
	switch task {
	case TaskRegressor:
		return []Metric{MetricRMSE, MetricMSE}
	case TaskBinaryClassifier:
		return []Metric{MetricAccuracy, MetricAUCROC, MetricPrecision, MetricRecall, MetricF1}
	case TaskMulticlassClassifier:
		return []Metric{MetricAccuracy}
	default:
		return nil
	}
}

func MetricValidForTask(m Metric, task TaskType) bool {
	for _, valid := range ValidMetrics(task) {
		if m == valid {
			return true
		}
	}
	return false
}

// ThresholdMode selects how variance from the baseline is computed.
type ThresholdMode string

const (
	ModeAbsolute   ThresholdMode = "absolute"
	ModePercentage ThresholdMode = "percentage"
)

func ParseThresholdMode(value string) (ThresholdMode, error) {
	switch ThresholdMode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeAbsolute:
		return ModeAbsolute, nil
	case ModePercentage:
		return ModePercentage, nil
	default:
		return "", &ValidationError{Message: fmt.Sprintf("unknown threshold mode %q", value)}
	}
}
