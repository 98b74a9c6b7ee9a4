package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.Tick("t", "produced")
	m.FrameCreated("t")
	m.FrameCompleted("t", time.Now())
	m.FrameFailed("t", "compute")
	m.Sweep("s", nil, 3, nil)
	m.JobFinished("ok", time.Second)
	if m.Registry() != nil {
		t.Fatal("nil metrics must have no registry")
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	t.Parallel()
	m := New()
	m.FrameCreated("events_15s")
	cut := time.Unix(1700000000, 0)
	m.Sweep("events", &cut, 12, nil)
	m.Sweep("other", nil, 0, errors.New("down"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`streamframes_analysis_frames_created_total{task="events_15s"} 1`,
		`streamframes_retention_records_deleted_total{stream="events"} 12`,
		`streamframes_retention_failures_total{stream="other"} 1`,
		`streamframes_retention_cutoff_seconds{stream="events"} 1.7e+09`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}
