package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"driftwatch/internal/bus"
	"driftwatch/internal/models"
	"driftwatch/internal/monitor"
	"driftwatch/internal/storage"
)

// User-visible messages for the monitor edit boundary. The bound-required
// message lives with the validation in the monitor package.
const (
	MessageDuplicate  = "Identical monitor already exists."
	MessageEditFailed = "There was an error editing your monitor."
)

type MonitorStore interface {
	CreateMonitor(ctx context.Context, m monitor.Monitor) (string, error)
	UpdateMonitor(ctx context.Context, m monitor.Monitor) error
	DeleteMonitor(ctx context.Context, id string) error
	GetMonitor(ctx context.Context, id string) (storage.MonitorRecord, error)
	ListMonitors(ctx context.Context, modelID string) ([]storage.MonitorRecord, error)
	ListEvaluations(ctx context.Context, monitorID string) ([]storage.EvaluationRecord, error)
	ListDeliveries(ctx context.Context, monitorID string) ([]storage.DeliveryRecord, error)
}

type ModelCatalog interface {
	Metadata(modelID string) (models.Metadata, error)
}

type EventPublisher interface {
	Publish(subject string, payload any) error
}

type Handler struct {
	Repo    MonitorStore
	Bus     EventPublisher
	Models  ModelCatalog
	Timeout time.Duration
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/models/{modelID}/monitors", func(r chi.Router) {
		r.Get("/", h.handleMonitorList)
		r.Post("/new", h.handleMonitorNew)
		r.Post("/{monitorID}/edit", h.handleMonitorEdit)
	})
	r.Get("/monitors/{monitorID}", h.handleMonitorGet)
	r.Get("/monitors/{monitorID}/alerts", h.handleMonitorAlerts)
}

// monitorFromForm maps the submitted create/update fields onto a validated
// Monitor. Stdout is always a delivery method; email and webhook are added
// only when non-empty values were submitted.
func (h *Handler) monitorFromForm(r *http.Request, modelID string) (monitor.Monitor, error) {
	cadence, err := monitor.ParseCadence(r.PostFormValue("cadence"))
	if err != nil {
		return monitor.Monitor{}, err
	}
	metric, err := monitor.ParseMetric(r.PostFormValue("metric"))
	if err != nil {
		return monitor.Monitor{}, err
	}
	mode, err := monitor.ParseThresholdMode(r.PostFormValue("mode"))
	if err != nil {
		return monitor.Monitor{}, err
	}
	lower, upper, err := monitor.ParseBounds(r.PostFormValue("threshold_lower"), r.PostFormValue("threshold_upper"))
	if err != nil {
		return monitor.Monitor{}, err
	}
	meta, err := h.Models.Metadata(modelID)
	if err != nil {
		return monitor.Monitor{}, fmt.Errorf("load model metadata: %w", err)
	}
	if !monitor.MetricValidForTask(metric, meta.TaskType) {
		valid := meta.ValidMetrics()
		names := make([]string, len(valid))
		for i, v := range valid {
			names[i] = string(v)
		}
		return monitor.Monitor{}, &monitor.ValidationError{
			Message: fmt.Sprintf("metric %q is not valid for this model; valid metrics are %s", metric, strings.Join(names, ", ")),
		}
	}
	methods := []monitor.Method{{Kind: monitor.MethodStdout}}
	if email := strings.TrimSpace(r.PostFormValue("email")); email != "" {
		methods = append(methods, monitor.Method{Kind: monitor.MethodEmail, Endpoint: email})
	}
	if webhook := strings.TrimSpace(r.PostFormValue("webhook")); webhook != "" {
		methods = append(methods, monitor.Method{Kind: monitor.MethodWebhook, Endpoint: webhook})
	}
	m := monitor.Monitor{
		ModelID: modelID,
		Title:   strings.TrimSpace(r.PostFormValue("title")),
		Cadence: cadence,
		Threshold: monitor.Threshold{
			Metric:        metric,
			Mode:          mode,
			VarianceLower: lower,
			VarianceUpper: upper,
		},
		Methods: methods,
	}
	if m.Title == "" {
		m.Title = m.DefaultTitle()
	}
	return m, nil
}

func (h *Handler) handleMonitorNew(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	m, err := h.monitorFromForm(r, modelID)
	if err != nil {
		writeEditError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	id, err := h.Repo.CreateMonitor(ctx, m)
	if err != nil {
		writeEditError(w, err)
		return
	}
	_ = h.Bus.Publish(bus.SubjectMonitorCreated, bus.Event{MonitorID: id, ModelID: modelID})
	redirectToMonitorList(w, modelID)
}

func (h *Handler) handleMonitorEdit(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	monitorID := chi.URLParam(r, "monitorID")
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	rec, err := h.Repo.GetMonitor(ctx, monitorID)
	if err != nil || rec.ModelID != modelID {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "monitor not found"})
		return
	}
	switch r.PostFormValue("action") {
	case "delete":
		if err := h.Repo.DeleteMonitor(ctx, monitorID); err != nil {
			writeEditError(w, err)
			return
		}
		_ = h.Bus.Publish(bus.SubjectMonitorDeleted, bus.Event{MonitorID: monitorID, ModelID: modelID})
		redirectToMonitorList(w, modelID)
	case "update_alert":
		m, err := h.monitorFromForm(r, modelID)
		if err != nil {
			writeEditError(w, err)
			return
		}
		m.ID = monitorID
		if err := h.Repo.UpdateMonitor(ctx, m); err != nil {
			writeEditError(w, err)
			return
		}
		_ = h.Bus.Publish(bus.SubjectMonitorUpdated, bus.Event{MonitorID: monitorID, ModelID: modelID})
		redirectToMonitorList(w, modelID)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "unknown action"})
	}
}

type monitorResponse struct {
	ID                     string           `json:"id"`
	ModelID                string           `json:"model_id"`
	Title                  string           `json:"title"`
	Cadence                string           `json:"cadence"`
	Metric                 string           `json:"metric"`
	Mode                   string           `json:"mode"`
	VarianceLower          *float64         `json:"variance_lower"`
	VarianceUpper          *float64         `json:"variance_upper"`
	Methods                []monitor.Method `json:"methods"`
	LastEvaluatedWindowEnd time.Time        `json:"last_evaluated_window_end"`
}

func toMonitorResponse(rec storage.MonitorRecord) monitorResponse {
	var methods []monitor.Method
	_ = json.Unmarshal(rec.Methods, &methods)
	return monitorResponse{
		ID:                     rec.ID,
		ModelID:                rec.ModelID,
		Title:                  rec.Title,
		Cadence:                rec.Cadence,
		Metric:                 rec.Metric,
		Mode:                   rec.Mode,
		VarianceLower:          rec.VarianceLower,
		VarianceUpper:          rec.VarianceUpper,
		Methods:                methods,
		LastEvaluatedWindowEnd: rec.LastEvaluatedWindowEnd,
	}
}

func (h *Handler) handleMonitorList(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	records, err := h.Repo.ListMonitors(ctx, modelID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to list monitors"})
		return
	}
	results := make([]monitorResponse, 0, len(records))
	for _, rec := range records {
		results = append(results, toMonitorResponse(rec))
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) handleMonitorGet(w http.ResponseWriter, r *http.Request) {
	monitorID := chi.URLParam(r, "monitorID")
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	rec, err := h.Repo.GetMonitor(ctx, monitorID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "monitor not found"})
		return
	}
	writeJSON(w, http.StatusOK, toMonitorResponse(rec))
}

type alertResponse struct {
	EvaluationID int64                    `json:"evaluation_id"`
	WindowStart  time.Time                `json:"window_start"`
	WindowEnd    time.Time                `json:"window_end"`
	MetricValue  *float64                 `json:"metric_value"`
	Baseline     float64                  `json:"baseline"`
	Variance     *float64                 `json:"variance"`
	Deliveries   []storage.DeliveryRecord `json:"deliveries"`
}

// handleMonitorAlerts lists breach evaluations with their per-method
// delivery results; the monitors page shows this as the alert history.
func (h *Handler) handleMonitorAlerts(w http.ResponseWriter, r *http.Request) {
	monitorID := chi.URLParam(r, "monitorID")
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	if _, err := h.Repo.GetMonitor(ctx, monitorID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "monitor not found"})
		return
	}
	evals, err := h.Repo.ListEvaluations(ctx, monitorID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to fetch alerts"})
		return
	}
	deliveries, err := h.Repo.ListDeliveries(ctx, monitorID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to fetch alerts"})
		return
	}
	byEvaluation := map[int64][]storage.DeliveryRecord{}
	for _, d := range deliveries {
		byEvaluation[d.EvaluationID] = append(byEvaluation[d.EvaluationID], d)
	}
	results := []alertResponse{}
	for _, eval := range evals {
		if eval.Outcome != "breach" {
			continue
		}
		results = append(results, alertResponse{
			EvaluationID: eval.ID,
			WindowStart:  eval.WindowStart,
			WindowEnd:    eval.WindowEnd,
			MetricValue:  eval.MetricValue,
			Baseline:     eval.Baseline,
			Variance:     eval.Variance,
			Deliveries:   byEvaluation[eval.ID],
		})
	}
	writeJSON(w, http.StatusOK, results)
}

func redirectToMonitorList(w http.ResponseWriter, modelID string) {
	w.Header().Set("Location", "/models/"+modelID+"/monitors/")
	w.WriteHeader(http.StatusSeeOther)
}

// writeEditError maps errors from the edit boundary onto the user-visible
// messages: validation messages pass through, duplicates and persistence
// failures get their fixed strings.
func writeEditError(w http.ResponseWriter, err error) {
	var verr *monitor.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": verr.Message})
	case errors.Is(err, storage.ErrDuplicate):
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": MessageDuplicate})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": MessageEditFailed})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
