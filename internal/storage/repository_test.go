package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"driftwatch/internal/monitor"
)

func setupTestRepository(t *testing.T) (*Repository, func()) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL or DATABASE_URL not set")
	}
	store, err := NewStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to connect to db: %v", err)
	}
	repo := NewRepository(store)
	ensureMonitorSchema(t, repo)
	cleanup := func() {
		store.Close()
	}
	return repo, cleanup
}

func ensureMonitorSchema(t *testing.T, repo *Repository) {
	ctx := context.Background()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS monitors (
			id uuid PRIMARY KEY,
			model_id text NOT NULL,
			title text NOT NULL,
			cadence text NOT NULL,
			metric text NOT NULL,
			mode text NOT NULL,
			variance_lower float8,
			variance_upper float8,
			methods jsonb NOT NULL,
			last_evaluated_window_end timestamptz NOT NULL,
			created_at timestamptz NOT NULL,
			updated_at timestamptz NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS monitors_rule_key ON monitors
			(model_id, metric, cadence, mode,
			 coalesce(variance_lower, 'Infinity'::float8),
			 coalesce(variance_upper, '-Infinity'::float8))`,
		`CREATE TABLE IF NOT EXISTS evaluations (
			id bigserial PRIMARY KEY,
			monitor_id uuid NOT NULL REFERENCES monitors(id) ON DELETE CASCADE,
			window_start timestamptz NOT NULL,
			window_end timestamptz NOT NULL,
			metric_value float8,
			baseline float8 NOT NULL DEFAULT 0,
			variance float8,
			outcome text NOT NULL,
			created_at timestamptz NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alert_deliveries (
			id bigserial PRIMARY KEY,
			evaluation_id bigint NOT NULL REFERENCES evaluations(id) ON DELETE CASCADE,
			monitor_id uuid NOT NULL,
			method text NOT NULL,
			endpoint text NOT NULL,
			succeeded boolean NOT NULL,
			attempts int NOT NULL,
			error text,
			created_at timestamptz NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS evaluation_leases (
			monitor_id uuid PRIMARY KEY,
			holder text NOT NULL,
			expires_at timestamptz NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := repo.Store.Pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("failed to ensure schema: %v", err)
		}
	}
}

func testMonitor(modelID string) monitor.Monitor {
	lower := -0.1
	return monitor.Monitor{
		ModelID: modelID,
		Title:   "Daily Accuracy Monitor",
		Cadence: monitor.CadenceDaily,
		Threshold: monitor.Threshold{
			Metric:        monitor.MetricAccuracy,
			Mode:          monitor.ModePercentage,
			VarianceLower: &lower,
		},
		Methods: []monitor.Method{{Kind: monitor.MethodStdout}},
	}
}

func TestCreateMonitorRejectsDuplicate(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	ctx := context.Background()

	modelID := "model-" + uuid.NewString()
	first := testMonitor(modelID)
	id, err := repo.CreateMonitor(ctx, first)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer repo.DeleteMonitor(ctx, id)

	// Same rule tuple, different title and methods: still a duplicate.
	second := testMonitor(modelID)
	second.Title = "Another Name"
	second.Methods = append(second.Methods, monitor.Method{Kind: monitor.MethodWebhook, Endpoint: "https://example.com/hook"})
	if _, err := repo.CreateMonitor(ctx, second); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// A different cadence is a distinct rule.
	third := testMonitor(modelID)
	third.Cadence = monitor.CadenceHourly
	thirdID, err := repo.CreateMonitor(ctx, third)
	if err != nil {
		t.Fatalf("create with different cadence failed: %v", err)
	}
	defer repo.DeleteMonitor(ctx, thirdID)
}

func TestCreateMonitorRejectsMissingBounds(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()

	m := testMonitor("model-" + uuid.NewString())
	m.Threshold.VarianceLower = nil
	if _, err := repo.CreateMonitor(context.Background(), m); err == nil {
		t.Fatalf("expected validation error for missing bounds")
	}
}

func TestUpdateMonitorFullReplace(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	ctx := context.Background()

	modelID := "model-" + uuid.NewString()
	m := testMonitor(modelID)
	id, err := repo.CreateMonitor(ctx, m)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer repo.DeleteMonitor(ctx, id)

	m.ID = id
	upper := 0.2
	m.Threshold.VarianceUpper = &upper
	m.Title = "Renamed"
	if err := repo.UpdateMonitor(ctx, m); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	rec, err := repo.GetMonitor(ctx, id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.Title != "Renamed" {
		t.Fatalf("unexpected title %q", rec.Title)
	}
	if rec.VarianceUpper == nil || *rec.VarianceUpper != 0.2 {
		t.Fatalf("unexpected upper bound %v", rec.VarianceUpper)
	}

	// Updating into another monitor's rule tuple is rejected.
	other := testMonitor(modelID)
	other.Cadence = monitor.CadenceHourly
	otherID, err := repo.CreateMonitor(ctx, other)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer repo.DeleteMonitor(ctx, otherID)
	other.ID = otherID
	other.Cadence = m.Cadence
	other.Threshold = m.Threshold
	if err := repo.UpdateMonitor(ctx, other); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestDeleteMonitorDiscardsHistory(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	ctx := context.Background()

	id, err := repo.CreateMonitor(ctx, testMonitor("model-"+uuid.NewString()))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	value := 0.7
	variance := -0.1
	windowStart := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)
	windowEnd := windowStart.AddDate(0, 0, 1)
	err = repo.RecordEvaluation(ctx, EvaluationRecord{
		MonitorID:   id,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		MetricValue: &value,
		Baseline:    0.8,
		Variance:    &variance,
		Outcome:     "breach",
	}, []DeliveryRecord{{MonitorID: id, Method: "stdout", Succeeded: true, Attempts: 1}}, windowEnd)
	if err != nil {
		t.Fatalf("record evaluation failed: %v", err)
	}

	rec, err := repo.GetMonitor(ctx, id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !rec.LastEvaluatedWindowEnd.Equal(windowEnd) {
		t.Fatalf("pointer not advanced: %v", rec.LastEvaluatedWindowEnd)
	}

	if err := repo.DeleteMonitor(ctx, id); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := repo.GetMonitor(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	evals, err := repo.ListEvaluations(ctx, id)
	if err != nil {
		t.Fatalf("list evaluations failed: %v", err)
	}
	if len(evals) != 0 {
		t.Fatalf("expected history discarded, got %d rows", len(evals))
	}
}

func TestRecordEvaluationDiscardedForDeletedMonitor(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	ctx := context.Background()

	id, err := repo.CreateMonitor(ctx, testMonitor("model-"+uuid.NewString()))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.DeleteMonitor(ctx, id); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	windowStart := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)
	err = repo.RecordEvaluation(ctx, EvaluationRecord{
		MonitorID:   id,
		WindowStart: windowStart,
		WindowEnd:   windowStart.AddDate(0, 0, 1),
		Outcome:     "no_breach",
	}, nil, windowStart.AddDate(0, 0, 1))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for deleted monitor, got %v", err)
	}
}

func TestRecordEvaluationDiscardsStaleWindow(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	ctx := context.Background()

	id, err := repo.CreateMonitor(ctx, testMonitor("model-"+uuid.NewString()))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer repo.DeleteMonitor(ctx, id)

	rec, err := repo.GetMonitor(ctx, id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	windowStart := rec.LastEvaluatedWindowEnd
	windowEnd := windowStart.AddDate(0, 0, 1)
	first := EvaluationRecord{
		MonitorID:   id,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Outcome:     "no_breach",
	}
	if err := repo.RecordEvaluation(ctx, first, nil, windowEnd); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	// a writer whose lease expired mid-evaluation submits the same window
	// after another holder already recorded it
	stale := first
	stale.Outcome = "breach"
	if err := repo.RecordEvaluation(ctx, stale, []DeliveryRecord{{
		MonitorID: id, Method: "stdout", Succeeded: true, Attempts: 1,
	}}, windowEnd); err != nil {
		t.Fatalf("stale record should be discarded without error, got %v", err)
	}

	evals, err := repo.ListEvaluations(ctx, id)
	if err != nil {
		t.Fatalf("list evaluations failed: %v", err)
	}
	if len(evals) != 1 {
		t.Fatalf("expected 1 evaluation for the window, got %d", len(evals))
	}
	if evals[0].Outcome != "no_breach" {
		t.Fatalf("expected the first writer's outcome to stand, got %q", evals[0].Outcome)
	}
	deliveries, err := repo.ListDeliveries(ctx, id)
	if err != nil {
		t.Fatalf("list deliveries failed: %v", err)
	}
	if len(deliveries) != 0 {
		t.Fatalf("expected no deliveries from the stale writer, got %d", len(deliveries))
	}
	rec, err = repo.GetMonitor(ctx, id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !rec.LastEvaluatedWindowEnd.Equal(windowEnd) {
		t.Fatalf("expected pointer %v, got %v", windowEnd, rec.LastEvaluatedWindowEnd)
	}
}

func TestLeaseExclusion(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	ctx := context.Background()

	id, err := repo.CreateMonitor(ctx, testMonitor("model-"+uuid.NewString()))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer repo.DeleteMonitor(ctx, id)

	acquired, err := repo.AcquireLease(ctx, id, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !acquired {
		t.Fatalf("expected first acquire to succeed")
	}
	acquired, err = repo.AcquireLease(ctx, id, "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if acquired {
		t.Fatalf("expected second acquire to fail while lease is live")
	}
	if err := repo.ReleaseLease(ctx, id, "worker-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	acquired, err = repo.AcquireLease(ctx, id, "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !acquired {
		t.Fatalf("expected acquire to succeed after release")
	}
	_ = repo.ReleaseLease(ctx, id, "worker-2")
}
