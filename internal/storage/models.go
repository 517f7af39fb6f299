package storage

import (
	"encoding/json"
	"time"

	"driftwatch/internal/monitor"
)

type MonitorRecord struct {
	ID                     string
	ModelID                string
	Title                  string
	Cadence                string
	Metric                 string
	Mode                   string
	VarianceLower          *float64
	VarianceUpper          *float64
	Methods                []byte
	LastEvaluatedWindowEnd time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Monitor converts the persisted row back into the domain type.
func (rec MonitorRecord) Monitor() (monitor.Monitor, error) {
	var methods []monitor.Method
	if len(rec.Methods) > 0 {
		if err := json.Unmarshal(rec.Methods, &methods); err != nil {
			return monitor.Monitor{}, err
		}
	}
	return monitor.Monitor{
		ID:      rec.ID,
		ModelID: rec.ModelID,
		Title:   rec.Title,
		Cadence: monitor.Cadence(rec.Cadence),
		Threshold: monitor.Threshold{
			Metric:        monitor.Metric(rec.Metric),
			Mode:          monitor.ThresholdMode(rec.Mode),
			VarianceLower: rec.VarianceLower,
			VarianceUpper: rec.VarianceUpper,
		},
		Methods: methods,
	}, nil
}

type EvaluationRecord struct {
	ID          int64
	MonitorID   string
	WindowStart time.Time
	WindowEnd   time.Time
	MetricValue *float64
	Baseline    float64
	Variance    *float64
	Outcome     string
	CreatedAt   time.Time
}

type DeliveryRecord struct {
	ID           int64
	EvaluationID int64
	MonitorID    string
	Method       string
	Endpoint     string
	Succeeded    bool
	Attempts     int
	Error        *string
	CreatedAt    time.Time
}
