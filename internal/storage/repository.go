package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"driftwatch/internal/monitor"
)

type Repository struct {
	Store *Store
}

func NewRepository(store *Store) *Repository {
	return &Repository{Store: store}
}

// CreateMonitor validates, checks for an equivalent monitor and inserts,
// all inside one transaction. The unique index over the rule tuple is the
// backstop for two creates racing past the duplicate check.
func (r *Repository) CreateMonitor(ctx context.Context, m monitor.Monitor) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	methods, err := json.Marshal(m.Methods)
	if err != nil {
		return "", err
	}
	tx, err := r.Store.Pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)
	dup, err := r.findDuplicate(ctx, tx, m, "")
	if err != nil {
		return "", err
	}
	if dup {
		return "", ErrDuplicate
	}
	pointer := m.Cadence.Floor(time.Now().UTC())
	_, err = tx.Exec(ctx, `
		INSERT INTO monitors (id, model_id, title, cadence, metric, mode, variance_lower, variance_upper, methods, last_evaluated_window_end, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())`,
		id, m.ModelID, m.Title, string(m.Cadence), string(m.Threshold.Metric), string(m.Threshold.Mode),
		m.Threshold.VarianceLower, m.Threshold.VarianceUpper, methods, pointer,
	)
	if err != nil {
		return "", mapUniqueViolation(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}

// UpdateMonitor replaces the configuration wholesale; partial patches are
// not supported. A cadence change re-floors the evaluation pointer so the
// next window starts on the new boundary.
func (r *Repository) UpdateMonitor(ctx context.Context, m monitor.Monitor) error {
	if err := m.Validate(); err != nil {
		return err
	}
	methods, err := json.Marshal(m.Methods)
	if err != nil {
		return err
	}
	tx, err := r.Store.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	var prevCadence string
	var pointer time.Time
	row := tx.QueryRow(ctx, `SELECT cadence, last_evaluated_window_end FROM monitors WHERE id=$1 AND model_id=$2 FOR UPDATE`, m.ID, m.ModelID)
	if err := row.Scan(&prevCadence, &pointer); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	dup, err := r.findDuplicate(ctx, tx, m, m.ID)
	if err != nil {
		return err
	}
	if dup {
		return ErrDuplicate
	}
	if monitor.Cadence(prevCadence) != m.Cadence {
		pointer = m.Cadence.Floor(time.Now().UTC())
	}
	_, err = tx.Exec(ctx, `
		UPDATE monitors
		SET title=$1, cadence=$2, metric=$3, mode=$4, variance_lower=$5, variance_upper=$6, methods=$7, last_evaluated_window_end=$8, updated_at=now()
		WHERE id=$9`,
		m.Title, string(m.Cadence), string(m.Threshold.Metric), string(m.Threshold.Mode),
		m.Threshold.VarianceLower, m.Threshold.VarianceUpper, methods, pointer, m.ID,
	)
	if err != nil {
		return mapUniqueViolation(err)
	}
	return tx.Commit(ctx)
}

// DeleteMonitor removes the monitor, its evaluation history and its lease.
// History rows go with the monitor via ON DELETE CASCADE.
func (r *Repository) DeleteMonitor(ctx context.Context, id string) error {
	tag, err := r.Store.Pool.Exec(ctx, `DELETE FROM monitors WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, _ = r.Store.Pool.Exec(ctx, `DELETE FROM evaluation_leases WHERE monitor_id=$1`, id)
	return nil
}

func (r *Repository) GetMonitor(ctx context.Context, id string) (MonitorRecord, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT id, model_id, title, cadence, metric, mode, variance_lower, variance_upper, methods, last_evaluated_window_end, created_at, updated_at
		FROM monitors WHERE id=$1`, id)
	return scanMonitor(row)
}

func (r *Repository) ListMonitors(ctx context.Context, modelID string) ([]MonitorRecord, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT id, model_id, title, cadence, metric, mode, variance_lower, variance_upper, methods, last_evaluated_window_end, created_at, updated_at
		FROM monitors WHERE model_id=$1 ORDER BY created_at DESC`, modelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMonitors(rows)
}

// ListAllMonitors returns every monitor; the scheduler reconciles from
// this on each tick.
func (r *Repository) ListAllMonitors(ctx context.Context) ([]MonitorRecord, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT id, model_id, title, cadence, metric, mode, variance_lower, variance_upper, methods, last_evaluated_window_end, created_at, updated_at
		FROM monitors ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMonitors(rows)
}

func (r *Repository) ListEvaluations(ctx context.Context, monitorID string) ([]EvaluationRecord, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT id, monitor_id, window_start, window_end, metric_value, baseline, variance, outcome, created_at
		FROM evaluations WHERE monitor_id=$1 ORDER BY window_end DESC`, monitorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []EvaluationRecord{}
	for rows.Next() {
		var rec EvaluationRecord
		if err := rows.Scan(&rec.ID, &rec.MonitorID, &rec.WindowStart, &rec.WindowEnd, &rec.MetricValue, &rec.Baseline, &rec.Variance, &rec.Outcome, &rec.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func (r *Repository) ListDeliveries(ctx context.Context, monitorID string) ([]DeliveryRecord, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT id, evaluation_id, monitor_id, method, endpoint, succeeded, attempts, error, created_at
		FROM alert_deliveries WHERE monitor_id=$1 ORDER BY created_at DESC`, monitorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []DeliveryRecord{}
	for rows.Next() {
		var rec DeliveryRecord
		if err := rows.Scan(&rec.ID, &rec.EvaluationID, &rec.MonitorID, &rec.Method, &rec.Endpoint, &rec.Succeeded, &rec.Attempts, &rec.Error, &rec.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// AcquireLease takes the per-monitor evaluation lease if it is free or
// expired. It reports false when another holder has a live lease.
func (r *Repository) AcquireLease(ctx context.Context, monitorID, holder string, ttl time.Duration) (bool, error) {
	tag, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO evaluation_leases (monitor_id, holder, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 second')
		ON CONFLICT (monitor_id) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE evaluation_leases.expires_at < now()`,
		monitorID, holder, ttl.Seconds(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) ReleaseLease(ctx context.Context, monitorID, holder string) error {
	_, err := r.Store.Pool.Exec(ctx, `DELETE FROM evaluation_leases WHERE monitor_id=$1 AND holder=$2`, monitorID, holder)
	return err
}

// RecordEvaluation persists one evaluation outcome with its delivery
// results and advances the monitor's window pointer, in one transaction.
// If the monitor was deleted while the evaluation was in flight the result
// is discarded and ErrNotFound returned; nothing is written. A result whose
// window the pointer has already passed is likewise discarded: the writer
// lost its lease mid-evaluation and another holder recorded the window.
func (r *Repository) RecordEvaluation(ctx context.Context, eval EvaluationRecord, deliveries []DeliveryRecord, pointer time.Time) error {
	tx, err := r.Store.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	var current time.Time
	row := tx.QueryRow(ctx, `SELECT last_evaluated_window_end FROM monitors WHERE id=$1 FOR UPDATE`, eval.MonitorID)
	if err := row.Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if current.After(eval.WindowStart) {
		return nil
	}
	var evalID int64
	row = tx.QueryRow(ctx, `
		INSERT INTO evaluations (monitor_id, window_start, window_end, metric_value, baseline, variance, outcome, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now()) RETURNING id`,
		eval.MonitorID, eval.WindowStart, eval.WindowEnd, eval.MetricValue, eval.Baseline, eval.Variance, eval.Outcome,
	)
	if err := row.Scan(&evalID); err != nil {
		return err
	}
	for _, d := range deliveries {
		_, err = tx.Exec(ctx, `
			INSERT INTO alert_deliveries (evaluation_id, monitor_id, method, endpoint, succeeded, attempts, error, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,now())`,
			evalID, eval.MonitorID, d.Method, d.Endpoint, d.Succeeded, d.Attempts, d.Error,
		)
		if err != nil {
			return err
		}
	}
	_, err = tx.Exec(ctx, `UPDATE monitors SET last_evaluated_window_end=$1, updated_at=now() WHERE id=$2`, pointer, eval.MonitorID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SkipWindow marks a window that fell past the no-data retry horizon as
// expired and force-advances the pointer past it.
func (r *Repository) SkipWindow(ctx context.Context, monitorID string, windowStart, windowEnd time.Time) error {
	return r.RecordEvaluation(ctx, EvaluationRecord{
		MonitorID:   monitorID,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Outcome:     "expired",
	}, nil, windowEnd)
}

func (r *Repository) findDuplicate(ctx context.Context, tx pgx.Tx, m monitor.Monitor, excludeID string) (bool, error) {
	if excludeID == "" {
		excludeID = uuid.Nil.String()
	}
	row := tx.QueryRow(ctx, `
		SELECT count(*) FROM monitors
		WHERE model_id=$1 AND metric=$2 AND cadence=$3 AND mode=$4
		  AND variance_lower IS NOT DISTINCT FROM $5
		  AND variance_upper IS NOT DISTINCT FROM $6
		  AND id <> $7`,
		m.ModelID, string(m.Threshold.Metric), string(m.Cadence), string(m.Threshold.Mode),
		m.Threshold.VarianceLower, m.Threshold.VarianceUpper, excludeID,
	)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func scanMonitor(row pgx.Row) (MonitorRecord, error) {
	var rec MonitorRecord
	err := row.Scan(&rec.ID, &rec.ModelID, &rec.Title, &rec.Cadence, &rec.Metric, &rec.Mode,
		&rec.VarianceLower, &rec.VarianceUpper, &rec.Methods, &rec.LastEvaluatedWindowEnd, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MonitorRecord{}, ErrNotFound
		}
		return MonitorRecord{}, err
	}
	return rec, nil
}

func collectMonitors(rows pgx.Rows) ([]MonitorRecord, error) {
	results := []MonitorRecord{}
	for rows.Next() {
		var rec MonitorRecord
		if err := rows.Scan(&rec.ID, &rec.ModelID, &rec.Title, &rec.Cadence, &rec.Metric, &rec.Mode,
			&rec.VarianceLower, &rec.VarianceUpper, &rec.Methods, &rec.LastEvaluatedWindowEnd, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}
