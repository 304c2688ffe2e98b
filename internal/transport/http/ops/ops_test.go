package opshttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"brokerd/internal/config"
	"brokerd/internal/exclusions"
	"brokerd/internal/execution"
	"brokerd/internal/filelock"
	"brokerd/internal/ipc"
	"brokerd/internal/lease"
	"brokerd/internal/metrics"
	"brokerd/internal/orders"
	"brokerd/internal/proc"
	"brokerd/internal/runs"
	"brokerd/internal/store/gormstore"
	"brokerd/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLauncher struct{ next int }

func (f *fakeLauncher) Launch(context.Context, worker.Spec) (int, error) {
	f.next++
	return 7000 + f.next, nil
}

type harness struct {
	handler http.Handler
	exec    *execution.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := gormstore.OpenSQLite(filepath.Join(dir, "ops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	cfg.Bridge.Root = filepath.Join(dir, "bridge")
	cfg.Worker.WorkRoot = filepath.Join(dir, "runs")
	cfg.Leader.Modes = []string{"paper"}
	cfg.Lease = config.LeaseConfig{BaseClientID: 900, PoolSize: 1, LiveOffset: 100, TTLSeconds: 3600, HeartbeatTimeoutSeconds: 120}

	prober := proc.NewFake()
	locks := filelock.NewManager(config.LockConfig{Dir: filepath.Join(dir, "locks"), TTLSeconds: 30, WaitPollMillis: 10}, prober)
	excl := exclusions.New(filepath.Join(dir, "exclusions.yaml"), locks)
	m := metrics.New()

	runSvc := runs.NewService(store.DB())
	orderSvc := orders.NewService(store.DB(), orders.WithProgress(runSvc), orders.WithObserver(m.OrderObserver()))
	pool := lease.NewPool(store.DB(), cfg.Lease, prober, lease.WithHooks(m.LeaseHooks()))
	exec := execution.NewService(execution.Deps{
		Orders: orderSvc, Runs: runSvc, Pool: pool, Launcher: &fakeLauncher{}, Prober: prober, Exclusions: excl,
	}, cfg)

	srv, err := NewServer(ServerConfig{
		Router:  &Router{Exec: exec, Orders: orderSvc, Runs: runSvc, Pool: pool, Exclusions: excl},
		Metrics: m.Handler(),
	})
	require.NoError(t, err)
	return &harness{handler: srv.Handler(), exec: exec}
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	out := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func batchBody(token string) map[string]any {
	return map[string]any{
		"token": token,
		"mode":  "paper",
		"orders": []map[string]any{
			{"symbol": "AAPL", "side": "BUY", "quantity": "5", "order_type": "MKT"},
		},
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPost, "/api/runs", batchBody("nightly-a"))
	require.Equal(t, http.StatusCreated, code, body)
	run := body["run"].(map[string]any)
	assert.Equal(t, "running", run["status"])
	assert.Len(t, run["orders"], 1)
	runID := int64(run["id"].(float64))

	code, body = h.do(t, http.MethodPost, "/api/runs", batchBody("nightly-a"))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["created"])

	code, body = h.do(t, http.MethodPost, "/api/runs", batchBody("nightly-b"))
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "pool_exhausted", body["code"])
	assert.Equal(t, true, body["queued"])
	assert.Equal(t, "queued", body["run"].(map[string]any)["status"])

	code, body = h.do(t, http.MethodGet, "/api/leases?mode=paper", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["in_use"])

	code, body = h.do(t, http.MethodGet, "/api/runs/1", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["orders"], 1)

	code, body = h.do(t, http.MethodPost, "/api/runs/1/terminate", map[string]any{"reason": "operator_terminate"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "canceled", body["status"])
	assert.Equal(t, float64(runID), body["id"])

	code, body = h.do(t, http.MethodGet, "/api/runs/99", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "run_not_found", body["code"])

	code, _ = h.do(t, http.MethodGet, "/api/runs/abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = h.do(t, http.MethodGet, "/api/runs?status=queued", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["runs"], 1)
}

func TestManualOrderAndCancel(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPost, "/api/orders/manual", map[string]any{
		"mode": "paper", "symbol": "msft", "side": "SELL", "quantity": "3", "order_type": "LMT", "limit_price": "401.5",
	})
	require.Equal(t, http.StatusCreated, code, body)
	order := body["order"].(map[string]any)
	assert.Equal(t, "NEW", order["status"])
	assert.Equal(t, "MSFT", order["symbol"])
	id := int64(order["id"].(float64))

	code, body = h.do(t, http.MethodGet, "/api/orders/"+jsonInt(id), nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "queued", body["metadata"].(map[string]any)["submit"].(map[string]any)["status"])

	code, body = h.do(t, http.MethodPost, "/api/orders/"+jsonInt(id)+"/cancel", map[string]any{"reason": "fat_finger"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "CANCELED", body["status"])

	code, body = h.do(t, http.MethodPost, "/api/orders/"+jsonInt(id)+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "invalid_transition", body["code"])

	code, body = h.do(t, http.MethodGet, "/api/orders/424242", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "order_not_found", body["code"])

	code, body = h.do(t, http.MethodGet, "/api/orders?status=canceled", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["orders"], 1)

	code, body = h.do(t, http.MethodPost, "/api/orders/manual", map[string]any{
		"symbol": "AAPL", "side": "HOLD", "quantity": "1", "order_type": "MKT",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_order", body["code"])
}

func TestExclusionsBlockOrders(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodGet, "/api/exclusions", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["symbols"])

	code, body = h.do(t, http.MethodPost, "/api/exclusions", map[string]any{"symbols": []string{" gme ", "AMC"}})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"AMC", "GME"}, body["symbols"])

	code, body = h.do(t, http.MethodPost, "/api/orders/manual", map[string]any{
		"symbol": "GME", "side": "BUY", "quantity": "1", "order_type": "MKT",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "excluded_symbol", body["code"])

	code, body = h.do(t, http.MethodDelete, "/api/exclusions/gme", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"AMC"}, body["symbols"])

	code, _ = h.do(t, http.MethodPost, "/api/exclusions", map[string]any{"symbols": []string{}})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestLeaderStatusView(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodGet, "/api/leader/paper", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["degraded"])
	assert.Nil(t, body["status"])

	layout := h.exec.Layout("paper")
	require.NoError(t, layout.Ensure())
	require.NoError(t, ipc.WriteJSON(layout.StatusFile(), ipc.LeaderStatus{
		Status: ipc.LeaderOK, LastHeartbeat: time.Now().UTC(), PID: 321, Mode: "paper",
	}))
	require.NoError(t, ipc.WriteJSON(layout.StateFile(), ipc.LeaderState{PID: 321, Restarts: 2}))

	code, body = h.do(t, http.MethodGet, "/api/leader/paper", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["degraded"])
	assert.Equal(t, float64(2), body["state"].(map[string]any)["restarts"])

	code, _ = h.do(t, http.MethodGet, "/api/leader/demo", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
