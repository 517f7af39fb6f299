package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"driftwatch/internal/alerts"
	"driftwatch/internal/bus"
	"driftwatch/internal/config"
	"driftwatch/internal/metrics"
	"driftwatch/internal/models"
	"driftwatch/internal/monitor"
	"driftwatch/internal/production"
	"driftwatch/internal/scheduler"
	"driftwatch/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Default()
	configPath := getenv("WORKER_CONFIG_PATH", "")
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			logger.Error("failed to load config", slog.String("path", configPath), slog.String("error", err.Error()))
			os.Exit(1)
		}
		cfg = loaded
	}
	// environment wins over the file
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.NATSURL = getenv("NATS_URL", cfg.NATSURL)
	cfg.AdminPort = getenv("ADMIN_PORT", cfg.AdminPort)
	cfg.ArtifactsDir = getenv("MODEL_ARTIFACTS_DIR", cfg.ArtifactsDir)
	cfg.Workers = getenvInt("WORKER_COUNT", cfg.Workers)
	cfg.TickSeconds = getenvInt("TICK_SECONDS", cfg.TickSeconds)
	cfg.JobTimeoutSeconds = getenvInt("JOB_TIMEOUT_SECONDS", cfg.JobTimeoutSeconds)
	cfg.LeaseTTLSeconds = getenvInt("LEASE_TTL_SECONDS", cfg.LeaseTTLSeconds)
	cfg.MaxLookbackWindows = getenvInt("MAX_LOOKBACK_WINDOWS", cfg.MaxLookbackWindows)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to db", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()
	repo := storage.NewRepository(store)

	subscriber, err := bus.NewSubscriber(cfg.NATSURL)
	if err != nil {
		logger.Error("failed to connect to nats", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer subscriber.Close()

	registry := models.NewRegistry(cfg.ArtifactsDir)
	go func() {
		if err := registry.Watch(ctx); err != nil {
			logger.Warn("model artifact watcher unavailable", slog.String("error", err.Error()))
		}
	}()

	source, err := buildSource(cfg)
	if err != nil {
		logger.Error("failed to configure prediction source", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer source.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := source.Ping(pingCtx); err != nil {
		cancelPing()
		logger.Error("prediction source unreachable", slog.String("error", err.Error()))
		os.Exit(1)
	}
	cancelPing()

	jobTimeout := time.Duration(cfg.JobTimeoutSeconds) * time.Second
	computer := &metrics.Computer{Source: source, Timeout: jobTimeout}
	dispatcher := &alerts.Dispatcher{
		Client:       &http.Client{Timeout: jobTimeout},
		SMTPAddr:     cfg.Alerts.SMTPAddr,
		SMTPFrom:     cfg.Alerts.SMTPFrom,
		SMTPUser:     cfg.Alerts.SMTPUser,
		SMTPPassword: cfg.Alerts.SMTPPassword,
		MaxAttempts:  cfg.Alerts.MaxAttempts,
		Backoff:      time.Duration(cfg.Alerts.BackoffSeconds) * time.Second,
		Logger:       logger,
	}

	runner := scheduler.NewRunner(repo, registry, computer, dispatcher, logger, scheduler.Config{
		Workers:     cfg.Workers,
		Tick:        time.Duration(cfg.TickSeconds) * time.Second,
		JobTimeout:  jobTimeout,
		LeaseTTL:    time.Duration(cfg.LeaseTTLSeconds) * time.Second,
		MaxLookback: cfg.MaxLookbackWindows,
	})
	defer runner.Stop()
	go runner.Run(ctx)

	subscribeEvents(subscriber, runner, logger)

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, func(updated config.Config) {
				runner.SetMaxLookback(updated.MaxLookbackWindows)
			})
			if err != nil {
				logger.Warn("config watcher unavailable", slog.String("error", err.Error()))
			}
		}()
	}

	go startAdminServer(cfg.AdminPort, repo, logger)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
}

func buildSource(cfg config.Config) (*production.SQLSource, error) {
	if cfg.Production.Type != "" {
		return production.NewSQLSource(cfg.Production.ConnectionConfig())
	}
	return production.NewAppDBSource(cfg.DatabaseURL, cfg.Production.PredictionsTable, cfg.Production.TruthTable)
}

func subscribeEvents(sub *bus.Subscriber, runner *scheduler.Runner, logger *slog.Logger) {
	kick := func(subject string) {
		_, err := sub.Subscribe(subject, func(evt bus.Event) {
			runner.Kick(evt.MonitorID)
		})
		if err != nil {
			logger.Error("subscribe failed", slog.String("subject", subject), slog.String("error", err.Error()))
		}
	}
	kick(bus.SubjectMonitorCreated)
	kick(bus.SubjectMonitorUpdated)
	// deletions need no kick; the store stops listing the monitor and any
	// in-flight result is discarded at persistence time
}

type scheduledMonitor struct {
	MonitorID   string     `json:"monitor_id"`
	ModelID     string     `json:"model_id"`
	Title       string     `json:"title"`
	Cadence     string     `json:"cadence"`
	Pointer     time.Time  `json:"last_evaluated_window_end"`
	DueWindowAt *time.Time `json:"due_window_end,omitempty"`
}

func startAdminServer(port string, repo *storage.Repository, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
	mux.HandleFunc("/monitors/scheduled", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		records, err := repo.ListAllMonitors(ctx)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		now := time.Now().UTC()
		results := make([]scheduledMonitor, 0, len(records))
		for _, rec := range records {
			entry := scheduledMonitor{
				MonitorID: rec.ID,
				ModelID:   rec.ModelID,
				Title:     rec.Title,
				Cadence:   rec.Cadence,
				Pointer:   rec.LastEvaluatedWindowEnd,
			}
			if win, _, ok := scheduler.LatestClosedWindow(monitor.Cadence(rec.Cadence), rec.LastEvaluatedWindowEnd, now); ok {
				end := win.End
				entry.DueWindowAt = &end
			}
			results = append(results, entry)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(results)
	})

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	logger.Info("worker admin server listening", slog.String("port", port))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("admin server error", slog.String("error", err.Error()))
	}
}

func getenv(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getenvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(val); err == nil {
		return parsed
	}
	return fallback
}
