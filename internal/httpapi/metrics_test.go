package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsMiddleware_RecordsStatusAndSettlesInflight(t *testing.T) {
	var during float64
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = testutil.ToFloat64(httpInflight)
		w.WriteHeader(http.StatusTeapot)
	})
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/brew", http.MethodPost, "418"))
	idle := testutil.ToFloat64(httpInflight)

	rr := httptest.NewRecorder()
	MetricsMiddleware(next).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/brew", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status=%d", rr.Code)
	}
	if during != idle+1 {
		t.Fatalf("inflight during request=%v want %v", during, idle+1)
	}
	if got := testutil.ToFloat64(httpInflight); got != idle {
		t.Fatalf("inflight after request=%v want %v", got, idle)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/brew", http.MethodPost, "418")); got != before+1 {
		t.Fatalf("counter: before=%v after=%v", before, got)
	}
	if n := testutil.CollectAndCount(httpRequestDuration, "fleetd_http_request_duration_seconds"); n == 0 {
		t.Fatalf("expected duration samples")
	}
}

func TestMetricsEndpoint_ExposesFleetdSeries(t *testing.T) {
	h := NewControllerMux(staticStatus{})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status=%d", rr.Code)
	}
	body := rr.Body.Bytes()
	for _, name := range []string{"fleetd_http_requests_total", "fleetd_http_inflight_requests"} {
		if !bytes.Contains(body, []byte(name)) {
			t.Fatalf("missing %s in /metrics", name)
		}
	}
	if !strings.Contains(string(body), `path="/healthz"`) {
		t.Fatalf("expected /healthz route label")
	}
}
