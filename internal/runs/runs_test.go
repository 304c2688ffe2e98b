package runs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"brokerd/internal/pkg/reason"
	"brokerd/internal/store/gormstore"
	"brokerd/internal/store/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSession bool

func (f fixedSession) IsOpen(time.Time) bool { return bool(f) }

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time { return c.t }

func newTestRuns(t *testing.T) (*Service, *gormstore.GormStore, *testClock) {
	t.Helper()
	store, err := gormstore.OpenSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	clock := &testClock{t: time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)}
	svc := NewService(store.DB())
	svc.SetClock(clock.Now)
	return svc, store, clock
}

func TestIsStalled(t *testing.T) {
	now := time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)
	r := Run{Status: StatusRunning, LastProgressAt: now.Add(-16 * time.Minute)}

	assert.True(t, IsStalled(r, now, 15*time.Minute, fixedSession(true)))
	assert.False(t, IsStalled(r, now, 15*time.Minute, fixedSession(false)))

	r.Status = StatusQueued
	assert.False(t, IsStalled(r, now, 15*time.Minute, fixedSession(true)))

	r.Status = StatusRunning
	r.LastProgressAt = now.Add(-14 * time.Minute)
	assert.False(t, IsStalled(r, now, 15*time.Minute, fixedSession(true)))
}

func TestRunLifecycle(t *testing.T) {
	svc, _, _ := newTestRuns(t)
	ctx := context.Background()

	r, created, err := svc.Create(ctx, CreateRequest{Token: "run-1", Mode: "paper", Params: Params{IntentsPath: "/w/order_intents.json"}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StatusQueued, r.Status)
	assert.Equal(t, "/w/order_intents.json", r.Params.IntentsPath)

	again, created, err := svc.Create(ctx, CreateRequest{Token: "run-1", Mode: "paper"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, r.ID, again.ID)

	_, err = svc.Transition(ctx, r.ID, StatusStalled, "")
	assert.ErrorIs(t, err, reason.ErrInvalidTransition)

	r, err = svc.Transition(ctx, r.ID, StatusRunning, "worker_started")
	require.NoError(t, err)
	assert.False(t, r.StartedAt.IsZero())
	assert.Equal(t, r.StartedAt, r.LastProgressAt)

	r, err = svc.Transition(ctx, r.ID, StatusCanceled, "operator")
	require.NoError(t, err)
	assert.Equal(t, "operator", r.TerminalReason)
	assert.False(t, r.FinishedAt.IsZero())

	_, err = svc.Transition(ctx, r.ID, StatusRunning, "")
	assert.ErrorIs(t, err, reason.ErrInvalidTransition)
}

func TestStampProgressOnlyWhileActive(t *testing.T) {
	svc, _, clock := newTestRuns(t)
	ctx := context.Background()
	r, _, err := svc.Create(ctx, CreateRequest{Token: "run-p", Mode: "paper"})
	require.NoError(t, err)

	require.NoError(t, svc.Bump(ctx, r.ID, "orders", "order_created"))
	got, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.LastProgressAt.IsZero())

	_, err = svc.Transition(ctx, r.ID, StatusRunning, "")
	require.NoError(t, err)
	_, err = svc.Transition(ctx, r.ID, StatusStalled, "no_progress")
	require.NoError(t, err)

	clock.t = clock.t.Add(time.Minute)
	require.NoError(t, svc.Bump(ctx, r.ID, "orders", "order_partial"))
	got, err = svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "order_partial", got.ProgressReason)
	assert.True(t, got.LastProgressAt.Equal(clock.t))
}

func TestStallWatcherSweep(t *testing.T) {
	svc, _, clock := newTestRuns(t)
	ctx := context.Background()
	r, _, err := svc.Create(ctx, CreateRequest{Token: "run-s", Mode: "paper"})
	require.NoError(t, err)
	_, err = svc.Transition(ctx, r.ID, StatusRunning, "")
	require.NoError(t, err)

	var seen []int64
	w := NewStallWatcher(svc, fixedSession(true), 15*time.Minute)
	w.OnStall = func(r Run) { seen = append(seen, r.ID) }

	n, err := w.Sweep(ctx, clock.t.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = w.Sweep(ctx, clock.t.Add(16*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{r.ID}, seen)

	got, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStalled, got.Status)
}

func TestFinalize(t *testing.T) {
	svc, store, _ := newTestRuns(t)
	ctx := context.Background()

	insert := func(runID int64, clientID, status, filled string) {
		id := runID
		require.NoError(t, store.DB().Create(&model.OrderModel{
			ClientOrderID:  clientID,
			RunID:          &id,
			Mode:           "paper",
			Symbol:         "AAPL",
			Side:           "BUY",
			Quantity:       decimal.NewFromInt(10),
			OrderType:      "MKT",
			Status:         status,
			FilledQuantity: decimal.RequireFromString(filled),
		}).Error)
	}

	cases := []struct {
		name   string
		orders [][2]string
		want   Status
		final  bool
	}{
		{"all filled", [][2]string{{"FILLED", "10"}, {"FILLED", "10"}}, StatusDone, true},
		{"some fill", [][2]string{{"FILLED", "10"}, {"CANCELED", "0"}}, StatusPartial, true},
		{"partial cancel", [][2]string{{"CANCELED", "4"}}, StatusPartial, true},
		{"nothing filled", [][2]string{{"CANCELED", "0"}, {"REJECTED", "0"}}, StatusFailed, true},
		{"still working", [][2]string{{"FILLED", "10"}, {"SUBMITTED", "0"}}, StatusRunning, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _, err := svc.Create(ctx, CreateRequest{Token: "fin-" + tc.name, Mode: "paper"})
			require.NoError(t, err)
			_, err = svc.Transition(ctx, r.ID, StatusRunning, "")
			require.NoError(t, err)
			for i, o := range tc.orders {
				insert(r.ID, tc.name+"-"+string(rune('a'+i)), o[0], o[1])
			}
			out, final, err := svc.Finalize(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.final, final)
			assert.Equal(t, tc.want, out.Status)
		})
	}
}
