package monitor

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MessageBoundRequired is the user-visible message for a threshold with
// neither bound set.
const MessageBoundRequired = "Must provide at least one threshold bound."

// ValidationError reports a malformed or incomplete monitor configuration.
// Message is safe to surface to the submitter.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Threshold describes when a monitor's variance from baseline is a breach.
// At least one bound must be set.
type Threshold struct {
	Metric        Metric
	Mode          ThresholdMode
	VarianceLower *float64
	VarianceUpper *float64
}

type MethodKind string

const (
	MethodStdout  MethodKind = "stdout"
	MethodEmail   MethodKind = "email"
	MethodWebhook MethodKind = "webhook"
)

// Method is a notification channel. Endpoint is empty for stdout, an email
// address for email, a URL for webhook.
type Method struct {
	Kind     MethodKind `json:"kind"`
	Endpoint string     `json:"endpoint,omitempty"`
}

// Monitor is a drift-detection rule bound to one model.
type Monitor struct {
	ID        string
	ModelID   string
	Title     string
	Cadence   Cadence
	Threshold Threshold
	Methods   []Method
}

// DefaultTitle derives a label from the cadence and metric when the
// submitter leaves the title blank, e.g. "Daily Accuracy Monitor".
func (m Monitor) DefaultTitle() string {
	return fmt.Sprintf("%s %s Monitor", m.Cadence.DisplayName(), m.Threshold.Metric.DisplayName())
}

// Validate checks the invariants every stored monitor must hold.
func (m Monitor) Validate() error {
	if strings.TrimSpace(m.ModelID) == "" {
		return &ValidationError{Message: "model id is required"}
	}
	if _, err := ParseCadence(string(m.Cadence)); err != nil {
		return err
	}
	if _, err := ParseMetric(string(m.Threshold.Metric)); err != nil {
		return err
	}
	if _, err := ParseThresholdMode(string(m.Threshold.Mode)); err != nil {
		return err
	}
	if m.Threshold.VarianceLower == nil && m.Threshold.VarianceUpper == nil {
		return &ValidationError{Message: MessageBoundRequired}
	}
	if len(m.Methods) == 0 {
		return &ValidationError{Message: "at least one notification method is required"}
	}
	for _, method := range m.Methods {
		switch method.Kind {
		case MethodStdout:
		case MethodEmail, MethodWebhook:
			if strings.TrimSpace(method.Endpoint) == "" {
				return &ValidationError{Message: fmt.Sprintf("%s method requires an endpoint", method.Kind)}
			}
		default:
			return &ValidationError{Message: fmt.Sprintf("unknown notification method %q", method.Kind)}
		}
	}
	return nil
}

// SameRule reports whether two monitors are duplicates: same model, metric,
// cadence, mode and bounds. Title and methods are not part of the identity.
func SameRule(a, b Monitor) bool {
	return a.ModelID == b.ModelID &&
		a.Threshold.Metric == b.Threshold.Metric &&
		a.Cadence == b.Cadence &&
		a.Threshold.Mode == b.Threshold.Mode &&
		equalBound(a.Threshold.VarianceLower, b.Threshold.VarianceLower) &&
		equalBound(a.Threshold.VarianceUpper, b.Threshold.VarianceUpper)
}

func equalBound(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ParseBounds parses the optional numeric strings of a threshold submission.
// Both bounds absent is a validation error; non-finite values are rejected.
func ParseBounds(lower, upper string) (*float64, *float64, error) {
	lowerBound, err := parseBound("lower", lower)
	if err != nil {
		return nil, nil, err
	}
	upperBound, err := parseBound("upper", upper)
	if err != nil {
		return nil, nil, err
	}
	if lowerBound == nil && upperBound == nil {
		return nil, nil, &ValidationError{Message: MessageBoundRequired}
	}
	return lowerBound, upperBound, nil
}

func parseBound(name, value string) (*float64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("%s threshold bound %q is not a number", name, value)}
	}
	if math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return nil, &ValidationError{Message: fmt.Sprintf("%s threshold bound must be finite", name)}
	}
	return &parsed, nil
}
