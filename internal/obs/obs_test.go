package obs_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/obs"
)

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		l, err := obs.NewLogger("debug", format)
		require.NoError(t, err)
		assert.True(t, l.Core().Enabled(-1), "%s: debug should be enabled", format)
	}

	l, err := obs.NewLogger("nonsense", "json")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(-1), "unknown level falls back to info")
}

func TestMetrics_InstrumentUsesRoutePattern(t *testing.T) {
	m := obs.NewMetrics()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/users/{id}/movement", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := m.Instrument(mux)

	for _, id := range []string{"1", "2", "3"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/users/"+id+"/movement", nil))
		assert.Equal(t, http.StatusTeapot, rr.Code)
	}

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	text := string(body)

	assert.Contains(t, text, `http_requests_total{method="GET",route="GET /v1/users/{id}/movement",status="418"} 3`)
	assert.False(t, strings.Contains(text, `/v1/users/1/movement`))
}

func TestMetrics_DomainCounters(t *testing.T) {
	m := obs.NewMetrics()
	m.Decisions.WithLabelValues("allow", "granted", "S1").Inc()
	m.Decisions.WithLabelValues("allow", "granted", "S1").Inc()
	m.LedgerConflicts.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("allow", "granted", "S1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerConflicts))

	n, err := testutil.GatherAndCount(m.Registry(), "checkpoint_decisions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
