package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"driftwatch/internal/monitor"
)

// Breach is one threshold violation to be fanned out to the monitor's
// notification methods.
type Breach struct {
	Monitor     monitor.Monitor
	WindowStart time.Time
	WindowEnd   time.Time
	Current     float64
	Baseline    float64
	Variance    float64
	Direction   string
}

// Delivery is the per-method result of a dispatch. Failures are warnings:
// they never block other methods and never roll back the evaluation.
type Delivery struct {
	Method    monitor.MethodKind
	Endpoint  string
	Succeeded bool
	Attempts  int
	Err       error
}

type Dispatcher struct {
	Client       *http.Client
	SMTPAddr     string // host:port
	SMTPFrom     string
	SMTPUser     string
	SMTPPassword string
	MaxAttempts  int
	Backoff      time.Duration
	Logger       *slog.Logger
}

func (d *Dispatcher) attempts() int {
	if d.MaxAttempts <= 0 {
		return 3
	}
	return d.MaxAttempts
}

func (d *Dispatcher) backoff() time.Duration {
	if d.Backoff <= 0 {
		return time.Second
	}
	return d.Backoff
}

func (d *Dispatcher) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Dispatch delivers the breach to every configured method independently.
// Email and webhook get a bounded number of attempts within this call;
// a delivery that still fails is not retried on later ticks.
func (d *Dispatcher) Dispatch(ctx context.Context, breach Breach) []Delivery {
	results := make([]Delivery, 0, len(breach.Monitor.Methods))
	for _, method := range breach.Monitor.Methods {
		var delivery Delivery
		switch method.Kind {
		case monitor.MethodStdout:
			delivery = d.deliverStdout(breach)
		case monitor.MethodEmail:
			delivery = d.deliverWithRetry(ctx, method, func() error {
				return d.sendEmail(ctx, method.Endpoint, breach)
			})
		case monitor.MethodWebhook:
			delivery = d.deliverWithRetry(ctx, method, func() error {
				return d.postWebhook(ctx, method.Endpoint, breach)
			})
		default:
			delivery = Delivery{Method: method.Kind, Endpoint: method.Endpoint, Err: fmt.Errorf("unknown method %q", method.Kind)}
		}
		if !delivery.Succeeded && delivery.Err != nil {
			d.logger().Warn("alerts: delivery failed",
				slog.String("monitor_id", breach.Monitor.ID),
				slog.String("method", string(delivery.Method)),
				slog.Int("attempts", delivery.Attempts),
				slog.String("error", delivery.Err.Error()))
		}
		results = append(results, delivery)
	}
	return results
}

func (d *Dispatcher) deliverStdout(breach Breach) Delivery {
	d.logger().Warn("drift alert",
		slog.String("monitor_id", breach.Monitor.ID),
		slog.String("model_id", breach.Monitor.ModelID),
		slog.String("title", breach.Monitor.Title),
		slog.String("metric", string(breach.Monitor.Threshold.Metric)),
		slog.String("direction", breach.Direction),
		slog.Float64("current", breach.Current),
		slog.Float64("baseline", breach.Baseline),
		slog.Float64("variance", breach.Variance),
		slog.Time("window_start", breach.WindowStart),
		slog.Time("window_end", breach.WindowEnd))
	return Delivery{Method: monitor.MethodStdout, Succeeded: true, Attempts: 1}
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, method monitor.Method, send func() error) Delivery {
	delivery := Delivery{Method: method.Kind, Endpoint: method.Endpoint}
	for attempt := 1; attempt <= d.attempts(); attempt++ {
		delivery.Attempts = attempt
		err := send()
		if err == nil {
			delivery.Succeeded = true
			delivery.Err = nil
			return delivery
		}
		delivery.Err = err
		if attempt == d.attempts() {
			break
		}
		select {
		case <-ctx.Done():
			return delivery
		case <-time.After(d.backoff() * time.Duration(attempt)):
		}
	}
	return delivery
}

type webhookPayload struct {
	MonitorID   string    `json:"monitor_id"`
	ModelID     string    `json:"model_id"`
	Title       string    `json:"title"`
	Metric      string    `json:"metric"`
	Mode        string    `json:"mode"`
	Direction   string    `json:"direction"`
	Current     float64   `json:"current"`
	Baseline    float64   `json:"baseline"`
	Variance    float64   `json:"variance"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

func (d *Dispatcher) postWebhook(ctx context.Context, endpoint string, breach Breach) error {
	payload := webhookPayload{
		MonitorID:   breach.Monitor.ID,
		ModelID:     breach.Monitor.ModelID,
		Title:       breach.Monitor.Title,
		Metric:      string(breach.Monitor.Threshold.Metric),
		Mode:        string(breach.Monitor.Threshold.Mode),
		Direction:   breach.Direction,
		Current:     breach.Current,
		Baseline:    breach.Baseline,
		Variance:    breach.Variance,
		WindowStart: breach.WindowStart,
		WindowEnd:   breach.WindowEnd,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// sendEmail speaks SMTP over a deadline-bound connection. smtp.SendMail has
// no timeout of its own; an unresponsive server must fail the attempt, not
// hold the worker goroutine past the job context.
func (d *Dispatcher) sendEmail(ctx context.Context, to string, breach Breach) error {
	if d.SMTPAddr == "" || d.SMTPFrom == "" {
		return fmt.Errorf("smtp is not configured")
	}
	subject := fmt.Sprintf("Drift alert: %s", breach.Monitor.Title)
	body := fmt.Sprintf(
		"Monitor %s on model %s breached its %s threshold.\r\n"+
			"Current %s: %g, baseline: %g, variance: %g (%s).\r\n"+
			"Window: %s to %s.\r\n",
		breach.Monitor.Title, breach.Monitor.ModelID, breach.Direction,
		breach.Monitor.Threshold.Metric.DisplayName(), breach.Current, breach.Baseline,
		breach.Variance, breach.Monitor.Threshold.Mode,
		breach.WindowStart.Format(time.RFC3339), breach.WindowEnd.Format(time.RFC3339),
	)
	msg := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", d.SMTPFrom, to, subject, body))

	deadline := time.Now().Add(10 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", d.SMTPAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	host, _, found := strings.Cut(d.SMTPAddr, ":")
	if !found {
		host = d.SMTPAddr
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer client.Close()
	if d.SMTPUser != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(smtp.PlainAuth("", d.SMTPUser, d.SMTPPassword, host)); err != nil {
				return err
			}
		}
	}
	if err := client.Mail(d.SMTPFrom); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
