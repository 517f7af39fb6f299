package production

import (
	"context"
	"time"
)

// Prediction is one production prediction log entry joined with its ground
// truth, when a true value has been reported for the same identifier.
// Output is the raw serialized model output.
type Prediction struct {
	ModelID    string
	TS         time.Time
	Identifier string
	Output     []byte
	TrueValue  *string
}

// Source is a time-range reader over the prediction log. The log may live
// in the app database or in an external warehouse.
type Source interface {
	// QueryPredictions returns entries with start <= ts < end in ascending
	// timestamp order.
	QueryPredictions(ctx context.Context, modelID string, start, end time.Time) ([]Prediction, error)

	Close() error
}
