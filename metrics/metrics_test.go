package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesRecordedValues(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveDetection("detect", "success")
	m.ObserveInference(40 * time.Millisecond)
	m.ObserveDiagnosis("knowledge_base")
	m.ObserveProvider("gemini", "error")
	m.SetActiveSessions(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`agriscan_detection_requests_total{endpoint="detect",outcome="success"} 1`,
		`agriscan_diagnosis_results_total{source="knowledge_base"} 1`,
		`agriscan_llm_provider_calls_total{outcome="error",provider="gemini"} 1`,
		`agriscan_tracking_sessions 3`,
		`agriscan_inference_seconds_count 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveDetection("detect", "success")
	m.ObserveInference(time.Second)
	m.ObserveDiagnosis("none")
	m.ObserveProvider("gemini", "ok")
	m.SetActiveSessions(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("expected 404 from nil metrics handler, got %d", rec.Code)
	}
}
