package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestIncrAndCounter(t *testing.T) {
	p := NewProvider("test")
	p.Incr(MetricBillTransition, "NEW", "PROCESSING")
	p.Incr(MetricBillTransition, "NEW", "PROCESSING")
	p.Incr(MetricBillTransition, "PROCESSING", "PAID")

	if got := p.Counter(MetricBillTransition, "NEW", "PROCESSING"); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
	if got := p.Counter(MetricBillTransition, "PROCESSING", "PAID"); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
	if got := p.Counter(MetricBillTransition, "PAID", "REFUNDED"); got != 0 {
		t.Errorf("expected 0 for unseen labels, got %d", got)
	}
}

func TestGauges(t *testing.T) {
	p := NewProvider("test")
	p.SetGauge("ingestion.pending_files", 7)
	if got := p.Gauge("ingestion.pending_files"); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
	p.SetGauge("ingestion.pending_files", 0)
	if got := p.Gauge("ingestion.pending_files"); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}

func TestPrometheusHandler(t *testing.T) {
	p := NewProvider("test")
	p.Incr(MetricBillInvalidTransition, "cancel_after_start")
	p.ObserveDuration("ingestion.parse.duration", 0.2)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := p.PrometheusHandler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := rec.Body.String()

	if !strings.Contains(body, "billing_bill_invalid_transition_total{label0=\"cancel_after_start\"} 1") {
		t.Errorf("missing invalid transition counter in output:\n%s", body)
	}
	if !strings.Contains(body, "ingestion_parse_duration_seconds_count 1") {
		t.Errorf("missing histogram count in output:\n%s", body)
	}
	if !strings.Contains(body, "# TYPE billing_bill_invalid_transition_total counter") {
		t.Errorf("missing TYPE line in output:\n%s", body)
	}
}
