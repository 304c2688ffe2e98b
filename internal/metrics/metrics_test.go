package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"brokerd/internal/orders"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersFollowHooks(t *testing.T) {
	m := New()
	hooks := m.LeaseHooks()
	hooks.OnExhausted("paper")
	hooks.OnExhausted("paper")
	hooks.OnReap("live", 1001)
	m.SetLeasesInUse("paper", 3)
	m.ReconcileAction("paper", "canceled")
	m.LeaderRestart("live", "heartbeat_timeout")
	m.RunStalled()
	m.RecoveryOutcome("replaced")
	m.OrderObserver()(orders.StatusNew, orders.StatusSubmitted)
	m.TaskRun("sweep", time.Second, nil)
	m.TaskRun("sweep", time.Second, errors.New("db locked"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.poolExhausted.WithLabelValues("paper")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.leasesReaped.WithLabelValues("live")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.leasesInUse.WithLabelValues("paper")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconcileActions.WithLabelValues("paper", "canceled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.leaderRestarts.WithLabelValues("live", "heartbeat_timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsStalled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recoveryOutcomes.WithLabelValues("replaced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orderTransitions.WithLabelValues("NEW", "SUBMITTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskRuns.WithLabelValues("sweep", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskRuns.WithLabelValues("sweep", "error")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SetLeasesInUse("paper", 1)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `brokerd_leases_in_use{mode="paper"} 1`))
}
