package production

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
)

// ConnectionConfig locates the prediction log. Table names default to
// "predictions" and "true_values".
type ConnectionConfig struct {
	Type             string // mysql | postgres | mssql
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	PredictionsTable string
	TruthTable       string
}

type dialect struct {
	driver      string
	quote       func(string) string
	placeholder func(int) string
}

var dialects = map[string]dialect{
	"postgres": {
		driver:      "postgres",
		quote:       func(s string) string { return `"` + s + `"` },
		placeholder: func(i int) string { return fmt.Sprintf("$%d", i) },
	},
	"mysql": {
		driver:      "mysql",
		quote:       func(s string) string { return "`" + s + "`" },
		placeholder: func(int) string { return "?" },
	},
	"mssql": {
		driver:      "sqlserver",
		quote:       func(s string) string { return "[" + s + "]" },
		placeholder: func(i int) string { return fmt.Sprintf("@p%d", i) },
	},
}

// SQLSource reads the prediction log through database/sql with one of the
// three supported drivers.
type SQLSource struct {
	db      *sql.DB
	dialect dialect
	query   string
}

func NewSQLSource(cfg ConnectionConfig) (*SQLSource, error) {
	if strings.TrimSpace(cfg.Type) == "" {
		return nil, errors.New("connection type is required")
	}
	kind := strings.ToLower(strings.TrimSpace(cfg.Type))
	switch kind {
	case "postgresql":
		kind = "postgres"
	case "sqlserver":
		kind = "mssql"
	}
	d, ok := dialects[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
	dsn, err := buildDSN(kind, cfg)
	if err != nil {
		return nil, err
	}
	query, err := buildQuery(d, cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", kind, err)
	}
	return &SQLSource{db: db, dialect: d, query: query}, nil
}

// NewAppDBSource opens the app database itself as the prediction source,
// for deployments that log predictions next to the monitors.
func NewAppDBSource(dsn, predictionsTable, truthTable string) (*SQLSource, error) {
	d := dialects["postgres"]
	query, err := buildQuery(d, ConnectionConfig{PredictionsTable: predictionsTable, TruthTable: truthTable})
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	return &SQLSource{db: db, dialect: d, query: query}, nil
}

func (s *SQLSource) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLSource) QueryPredictions(ctx context.Context, modelID string, start, end time.Time) ([]Prediction, error) {
	rows, err := s.db.QueryContext(ctx, s.query, modelID, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query predictions: %w", err)
	}
	defer rows.Close()
	results := []Prediction{}
	for rows.Next() {
		var p Prediction
		var output []byte
		var truth sql.NullString
		if err := rows.Scan(&p.ModelID, &p.TS, &p.Identifier, &output, &truth); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		p.Output = output
		if truth.Valid {
			value := truth.String
			p.TrueValue = &value
		}
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate predictions: %w", err)
	}
	return results, nil
}

func (s *SQLSource) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(kind string, cfg ConnectionConfig) (string, error) {
	switch kind {
	case "postgres":
		if cfg.Port == 0 {
			cfg.Port = 5432
		}
		sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode), nil
	case "mysql":
		if cfg.Port == 0 {
			cfg.Port = 3306
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		switch strings.ToLower(strings.TrimSpace(cfg.SSLMode)) {
		case "", "disable":
			dsn += "&tls=false"
		default:
			dsn += "&tls=true"
		}
		return dsn, nil
	case "mssql":
		if cfg.Port == 0 {
			cfg.Port = 1433
		}
		encrypt := "disable"
		if strings.ToLower(strings.TrimSpace(cfg.SSLMode)) != "" && strings.ToLower(cfg.SSLMode) != "disable" {
			encrypt = "true"
		}
		user := url.QueryEscape(cfg.User)
		pass := url.QueryEscape(cfg.Password)
		return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s&encrypt=%s", user, pass, cfg.Host, cfg.Port, cfg.Database, encrypt), nil
	default:
		return "", fmt.Errorf("unsupported database type %q", kind)
	}
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

func quoteQualified(ident string, d dialect) (string, error) {
	trimmed := strings.TrimSpace(ident)
	if trimmed == "" {
		return "", errors.New("identifier is empty")
	}
	parts := strings.Split(trimmed, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("identifier %q has too many segments", ident)
	}
	quoted := make([]string, len(parts))
	for i, part := range parts {
		if !identPattern.MatchString(part) {
			return "", fmt.Errorf("identifier segment %q is invalid", part)
		}
		quoted[i] = d.quote(part)
	}
	return strings.Join(quoted, "."), nil
}

func buildQuery(d dialect, cfg ConnectionConfig) (string, error) {
	predictions := cfg.PredictionsTable
	if predictions == "" {
		predictions = "predictions"
	}
	truth := cfg.TruthTable
	if truth == "" {
		truth = "true_values"
	}
	predictionsQuoted, err := quoteQualified(predictions, d)
	if err != nil {
		return "", fmt.Errorf("invalid predictions table: %w", err)
	}
	truthQuoted, err := quoteQualified(truth, d)
	if err != nil {
		return "", fmt.Errorf("invalid truth table: %w", err)
	}
	return fmt.Sprintf(
		`SELECT p.model_id, p.ts, p.identifier, p.output, t.value
		FROM %s p
		LEFT JOIN %s t ON t.model_id = p.model_id AND t.identifier = p.identifier
		WHERE p.model_id = %s AND p.ts >= %s AND p.ts < %s
		ORDER BY p.ts ASC`,
		predictionsQuoted, truthQuoted, d.placeholder(1), d.placeholder(2), d.placeholder(3),
	), nil
}
