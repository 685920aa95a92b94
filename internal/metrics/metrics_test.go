package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsAreServed(t *testing.T) {
	before := testutil.ToFloat64(EventsApplied.WithLabelValues("run.start", "ok"))
	EventsApplied.WithLabelValues("run.start", "ok").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(EventsApplied.WithLabelValues("run.start", "ok")))
	Validations.WithLabelValues("passed", "false").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "veriops_events_applied_total")
	assert.Contains(t, string(body), "veriops_validations_total")
}
