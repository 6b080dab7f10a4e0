package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordCache(3, 2)
	m.RecordCall(20*time.Millisecond, nil)
	m.RecordCall(time.Second, errors.New("unreachable"))
	m.RecordRun("initial", 4, 1)
	m.RecordFontLoad(errors.New("404"))
	m.RecordCopy("local")
	m.RecordSessionCreated()
	m.RecordSessionCreated()
	m.RecordSessionClosed(time.Minute)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transformCalls.WithLabelValues("error")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.unitsHandled.WithLabelValues("rewritten")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fontLoads.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.copyRequests.WithLabelValues("local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive))
}

func TestMetricsMiddlewareAndHandler(t *testing.T) {
	m := NewMetrics()
	h := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/decrypt" {
			w.WriteHeader(http.StatusBadRequest)
		}
		_, _ = w.Write([]byte("{}"))
	}))

	for _, path := range []string{"/decrypt", "/health", "/secret/page"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "decrypt", "400")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "health", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "other", "200")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "glyphcloak_http_requests_total"))
}
