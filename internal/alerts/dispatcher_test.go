package alerts

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"driftwatch/internal/monitor"
)

func testBreach(methods []monitor.Method) Breach {
	lower := -0.1
	return Breach{
		Monitor: monitor.Monitor{
			ID:      "mon-1",
			ModelID: "model-1",
			Title:   "Daily Accuracy Monitor",
			Cadence: monitor.CadenceDaily,
			Threshold: monitor.Threshold{
				Metric:        monitor.MetricAccuracy,
				Mode:          monitor.ModePercentage,
				VarianceLower: &lower,
			},
			Methods: methods,
		},
		WindowStart: time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC),
		Current:     0.68,
		Baseline:    0.8,
		Variance:    -0.15,
		Direction:   "low",
	}
}

func TestDispatchWebhookSuccess(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload webhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		if payload.MonitorID != "mon-1" || payload.Direction != "low" {
			t.Errorf("unexpected payload: %+v", payload)
		}
		received.Add(1)
	}))
	defer server.Close()

	d := &Dispatcher{Backoff: time.Millisecond}
	results := d.Dispatch(context.Background(), testBreach([]monitor.Method{
		{Kind: monitor.MethodStdout},
		{Kind: monitor.MethodWebhook, Endpoint: server.URL},
	}))
	if len(results) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(results))
	}
	for _, delivery := range results {
		if !delivery.Succeeded {
			t.Fatalf("expected %s delivery to succeed: %v", delivery.Method, delivery.Err)
		}
	}
	if received.Load() != 1 {
		t.Fatalf("expected one webhook call, got %d", received.Load())
	}
}

func TestDispatchFailingWebhookDoesNotBlockStdout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	d := &Dispatcher{MaxAttempts: 2, Backoff: time.Millisecond}
	results := d.Dispatch(context.Background(), testBreach([]monitor.Method{
		{Kind: monitor.MethodWebhook, Endpoint: server.URL},
		{Kind: monitor.MethodStdout},
	}))
	if len(results) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(results))
	}
	webhook := results[0]
	if webhook.Succeeded {
		t.Fatalf("expected webhook delivery to fail")
	}
	if webhook.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", webhook.Attempts)
	}
	stdout := results[1]
	if !stdout.Succeeded {
		t.Fatalf("stdout delivery must not be affected by the webhook failure")
	}
}

func TestDispatchWebhookRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	d := &Dispatcher{MaxAttempts: 3, Backoff: time.Millisecond}
	results := d.Dispatch(context.Background(), testBreach([]monitor.Method{
		{Kind: monitor.MethodWebhook, Endpoint: server.URL},
	}))
	if !results[0].Succeeded {
		t.Fatalf("expected delivery to succeed on the third attempt: %v", results[0].Err)
	}
	if results[0].Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", results[0].Attempts)
	}
}

func TestDispatchEmailTimesOutAgainstSilentServer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	// accept connections but never send the SMTP greeting
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	d := &Dispatcher{
		SMTPAddr:    listener.Addr().String(),
		SMTPFrom:    "alerts@example.com",
		MaxAttempts: 1,
		Backoff:     time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	results := d.Dispatch(ctx, testBreach([]monitor.Method{
		{Kind: monitor.MethodEmail, Endpoint: "ops@example.com"},
	}))
	elapsed := time.Since(start)
	if elapsed > 2*time.Second {
		t.Fatalf("dispatch blocked %v against a silent smtp server", elapsed)
	}
	if results[0].Succeeded {
		t.Fatalf("expected email delivery to fail")
	}
	if results[0].Err == nil {
		t.Fatalf("expected a timeout error to be recorded")
	}
}

func TestDispatchEmailWithoutSMTPConfigured(t *testing.T) {
	d := &Dispatcher{MaxAttempts: 1, Backoff: time.Millisecond}
	results := d.Dispatch(context.Background(), testBreach([]monitor.Method{
		{Kind: monitor.MethodEmail, Endpoint: "ops@example.com"},
	}))
	if results[0].Succeeded {
		t.Fatalf("expected email delivery to fail without smtp config")
	}
	if results[0].Err == nil {
		t.Fatalf("expected error to be recorded")
	}
}
