package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	reg := InitRegistry()
	assert.NotNil(t, reg)
	assert.Same(t, reg, GetRegistry())
}

func TestRecordAttempt(t *testing.T) {
	InitRegistry()
	before := testutil.ToFloat64(AttemptsTotal.WithLabelValues("optimize", "failed"))

	RecordAttempt("optimize", "failed", 3*time.Second)
	RecordAttempt("optimize", "failed", time.Second)

	after := testutil.ToFloat64(AttemptsTotal.WithLabelValues("optimize", "failed"))
	assert.Equal(t, before+2, after)
}

func TestGauges(t *testing.T) {
	InitRegistry()

	UpdateRealityGap("RSIStrategy", 2.78)
	assert.InDelta(t, 2.78, testutil.ToFloat64(RealityGap.WithLabelValues("RSIStrategy")), 1e-9)

	UpdateBestProfit("RSIStrategy", "optimize", 25.12)
	assert.InDelta(t, 25.12, testutil.ToFloat64(BestProfit.WithLabelValues("RSIStrategy", "optimize")), 1e-9)

	RecordBatch("validate", "partial")
	assert.GreaterOrEqual(t, testutil.ToFloat64(BatchesTotal.WithLabelValues("validate", "partial")), 1.0)
}

func TestHandler(t *testing.T) {
	InitRegistry()
	RecordAttempt("validate", "completed", time.Second)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "realitygap_attempts_total"))
}
