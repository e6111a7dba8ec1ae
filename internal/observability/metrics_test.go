package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncFetchPages()
	m.IncFetchRetries()
	m.IncFetchPartial()
	m.ObserveUpstream("fills", time.Now())
	m.AddSkipped("fill", 3)
	m.ObserveReconstruct(time.Now(), "ok")
	m.AddFillsAppended(2)
	m.IncIngest("stored")
	m.SetSubscribers(1)
	m.IncStreamDropped()
}

func TestMetricsCountAndExpose(t *testing.T) {
	m := NewMetrics()
	m.IncFetchPages()
	m.IncFetchPages()
	m.AddSkipped("funding", 2)
	m.AddSkipped("funding", 0)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.FetchPages))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.RecordsSkipped.WithLabelValues("funding")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "hlledger_fetch_pages_total 2"))
}
