package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreExported(t *testing.T) {
	m := New()
	m.ActionsRecorded.WithLabelValues("block", "ok").Inc()
	m.ActionsRecorded.WithLabelValues("block", "ok").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActionsRecorded.WithLabelValues("block", "ok")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `shaalot_admin_actions_total{action_type="block",outcome="ok"} 2`)
}
