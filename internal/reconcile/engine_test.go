package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"brokerd/internal/config"
	"brokerd/internal/ipc"
	"brokerd/internal/orders"
	"brokerd/internal/pkg/reason"
	"brokerd/internal/store/gormstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type deadWorkers map[int64]bool

func (d deadWorkers) WorkerDead(_ context.Context, o orders.Order) bool { return d[o.ID] }

func testConfig() config.ReconcileConfig {
	return config.ReconcileConfig{
		IncludeNew:            true,
		PromoteNew:            true,
		NewGraceSeconds:       30,
		CancelAckSeconds:      60,
		CancelOnEmptySnapshot: true,
	}
}

func newTestEngine(t *testing.T, cfg config.ReconcileConfig, opts ...Option) (*Engine, *orders.Service, *clock) {
	t.Helper()
	store, err := gormstore.OpenSQLite(filepath.Join(t.TempDir(), "rec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	clk := &clock{t: time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)}
	svc := orders.NewService(store.DB(), orders.WithClock(clk.now))
	opts = append(opts, WithClock(clk.now))
	return NewEngine(svc, cfg, time.Minute, opts...), svc, clk
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newOrder(t *testing.T, svc *orders.Service, clientID string, meta orders.Metadata) orders.Order {
	t.Helper()
	o, _, err := svc.Create(context.Background(), orders.CreateRequest{
		ClientOrderID: clientID, Mode: "paper", Symbol: "AAPL", Side: "BUY",
		Quantity: d("10"), OrderType: "MKT", Metadata: meta,
	})
	require.NoError(t, err)
	return o
}

func submitted(t *testing.T, svc *orders.Service, clientID string) orders.Order {
	t.Helper()
	o := newOrder(t, svc, clientID, orders.Metadata{})
	o, err := svc.Transition(context.Background(), o.ID, orders.StatusSubmitted, orders.TransitionOptions{Reason: "ack"})
	require.NoError(t, err)
	return o
}

func freshSnapshot(now time.Time, tags ...string) ipc.OpenOrdersSnapshot {
	snap := ipc.OpenOrdersSnapshot{Items: []ipc.OpenOrderItem{}, RefreshedAt: now.Add(-5 * time.Second)}
	for _, tag := range tags {
		snap.Items = append(snap.Items, ipc.OpenOrderItem{Tag: tag, Symbol: "AAPL", BrokerOrderID: "B-" + tag})
	}
	return snap
}

func TestSyncOpenOrdersSkipsUntrustworthySnapshots(t *testing.T) {
	eng, svc, clk := newTestEngine(t, testConfig())
	ctx := context.Background()
	o := submitted(t, svc, "c-1")

	stale := freshSnapshot(clk.t, "other")
	stale.Stale = true
	rep, err := eng.SyncOpenOrders(ctx, "paper", stale)
	require.NoError(t, err)
	assert.Equal(t, reason.SnapshotStale, rep.Skipped)

	old := freshSnapshot(clk.t.Add(-time.Hour), "other")
	rep, err = eng.SyncOpenOrders(ctx, "paper", old)
	require.NoError(t, err)
	assert.Equal(t, reason.SnapshotStale, rep.Skipped)

	tagless := freshSnapshot(clk.t)
	tagless.Items = []ipc.OpenOrderItem{{Symbol: "AAPL"}, {Symbol: "MSFT", Tag: "  "}}
	rep, err = eng.SyncOpenOrders(ctx, "paper", tagless)
	require.NoError(t, err)
	assert.Equal(t, reason.SnapshotTagless, rep.Skipped)
	assert.Empty(t, rep.Canceled)

	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusSubmitted, got.Status)
}

func TestSyncOpenOrdersCancelsAbsentAndPromotesPresent(t *testing.T) {
	eng, svc, clk := newTestEngine(t, testConfig())
	ctx := context.Background()

	kept := submitted(t, svc, "keep")
	gone := submitted(t, svc, "gone")
	oldNew := newOrder(t, svc, "old-new", orders.Metadata{})
	seenNew := newOrder(t, svc, "seen-new", orders.Metadata{})
	clk.t = clk.t.Add(time.Minute)
	youngNew := newOrder(t, svc, "young-new", orders.Metadata{})

	rep, err := eng.SyncOpenOrders(ctx, "paper", freshSnapshot(clk.t, "keep", "seen-new"))
	require.NoError(t, err)
	assert.Empty(t, rep.Skipped)
	assert.ElementsMatch(t, []int64{gone.ID, oldNew.ID}, rep.Canceled)
	assert.Equal(t, []int64{seenNew.ID}, rep.Promoted)

	expect := map[int64]orders.Status{
		kept.ID:     orders.StatusSubmitted,
		gone.ID:     orders.StatusCanceled,
		oldNew.ID:   orders.StatusCanceled,
		seenNew.ID:  orders.StatusSubmitted,
		youngNew.ID: orders.StatusNew,
	}
	for id, want := range expect {
		got, err := svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, "order %d", id)
	}

	g, err := svc.Get(ctx, gone.ID)
	require.NoError(t, err)
	require.NotNil(t, g.Metadata.Sync)
	assert.Equal(t, orders.EvidenceSnapshot, g.Metadata.Sync.Evidence)
	assert.Equal(t, "absent_from_snapshot", g.StatusReason)

	s, err := svc.Get(ctx, seenNew.ID)
	require.NoError(t, err)
	assert.Equal(t, "B-seen-new", s.BrokerOrderID)
}

func TestSyncOpenOrdersEmptySnapshot(t *testing.T) {
	t.Run("cancels when enabled", func(t *testing.T) {
		eng, svc, clk := newTestEngine(t, testConfig())
		o := submitted(t, svc, "c-1")
		rep, err := eng.SyncOpenOrders(context.Background(), "paper", freshSnapshot(clk.t))
		require.NoError(t, err)
		assert.Equal(t, []int64{o.ID}, rep.Canceled)
	})
	t.Run("skips when disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.CancelOnEmptySnapshot = false
		eng, svc, clk := newTestEngine(t, cfg)
		submitted(t, svc, "c-1")
		rep, err := eng.SyncOpenOrders(context.Background(), "paper", freshSnapshot(clk.t))
		require.NoError(t, err)
		assert.Equal(t, reason.SnapshotEmpty, rep.Skipped)
		assert.Empty(t, rep.Canceled)
	})
}

func writeLog(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

func TestIngestEventsIsIdempotent(t *testing.T) {
	eng, svc, _ := newTestEngine(t, testConfig())
	ctx := context.Background()
	layout := ipc.Layout{Root: t.TempDir()}
	o := newOrder(t, svc, "run1-aapl", orders.Metadata{})

	writeLog(t, layout.EventLog("run1-aapl"),
		`{"tag":"run1-aapl","status":"Submitted","time":1760886000.123456789}`,
		`{"order_id":"`+strconv.FormatInt(o.ID, 10)+`","status":"PartiallyFilled","filled":4,"fill_price":"100","exec_id":"e1","time":"2026-10-19T15:00:01Z"}`,
		`not json`,
		`{"tag":"run1-aapl","status":"Filled","filled":"6","fill_price":110,"exec_id":"e2","time":1760886002}`,
	)

	rep, err := eng.IngestEvents(ctx, "paper", layout)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Events)
	assert.Equal(t, 2, rep.Fills)
	assert.Equal(t, 1, rep.Statuses)
	assert.Equal(t, 1, rep.Bad)

	check := func() {
		got, err := svc.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, orders.StatusFilled, got.Status)
		assert.True(t, got.FilledQuantity.Equal(d("10")))
		require.NotNil(t, got.AvgFillPrice)
		assert.True(t, got.AvgFillPrice.Equal(d("106")), got.AvgFillPrice.String())
		fills, err := svc.ListFills(ctx, o.ID)
		require.NoError(t, err)
		assert.Len(t, fills, 2)
	}
	check()

	rep, err = eng.IngestEvents(ctx, "paper", layout)
	require.NoError(t, err)
	assert.Zero(t, rep.Events, "cursor already past every line")

	require.NoError(t, os.Remove(layout.EventCursorFile()))
	rep, err = eng.IngestEvents(ctx, "paper", layout)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Events)
	assert.Zero(t, rep.Fills)
	assert.Zero(t, rep.Statuses)
	check()
}

func TestIngestEventsCorrectsInferredCancelToRejected(t *testing.T) {
	eng, svc, clk := newTestEngine(t, testConfig())
	ctx := context.Background()
	layout := ipc.Layout{Root: t.TempDir()}

	inferred := submitted(t, svc, "warmup-1")
	observed := submitted(t, svc, "observed-1")
	_, err := eng.SyncOpenOrders(ctx, "paper", freshSnapshot(clk.t, "observed-1"))
	require.NoError(t, err)

	writeLog(t, layout.EventLog("observed-1"),
		`{"tag":"observed-1","status":"Cancelled","time":"2026-10-19T15:00:00Z"}`,
		`{"tag":"observed-1","status":"Rejected","time":"2026-10-19T15:00:01Z"}`)
	writeLog(t, layout.EventLog("warmup-1"),
		`{"tag":"warmup-1","status":"Rejected","reason":"rejected_during_warmup","time":"2026-10-19T15:00:02Z"}`)

	rep, err := eng.IngestEvents(ctx, "paper", layout)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Corrected)

	got, err := svc.Get(ctx, inferred.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusRejected, got.Status)
	require.NotNil(t, got.Metadata.Correction)
	assert.Equal(t, orders.StatusCanceled, got.Metadata.Correction.From)
	assert.Equal(t, "rejected_during_warmup", got.Metadata.Correction.Reason)

	got, err = svc.Get(ctx, observed.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCanceled, got.Status, "an observed cancel is not rewritten")
}

func TestIngestEventsAppliesFillAfterSnapshotCancel(t *testing.T) {
	eng, svc, clk := newTestEngine(t, testConfig())
	ctx := context.Background()
	layout := ipc.Layout{Root: t.TempDir()}

	// the order filled and left the open-orders snapshot before its
	// execution line was tailed
	o := submitted(t, svc, "quick-fill")
	rep, err := eng.SyncOpenOrders(ctx, "paper", freshSnapshot(clk.t))
	require.NoError(t, err)
	require.Equal(t, []int64{o.ID}, rep.Canceled)

	writeLog(t, layout.EventLog("quick-fill"),
		`{"tag":"quick-fill","status":"Filled","filled":10,"fill_price":100,"exec_id":"x1","time":"2026-10-19T15:00:03Z"}`)
	ingest, err := eng.IngestEvents(ctx, "paper", layout)
	require.NoError(t, err)
	assert.Equal(t, 1, ingest.Fills)
	assert.Equal(t, 1, ingest.Corrected)

	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(d("10")))
	require.NotNil(t, got.Metadata.Correction)
	assert.Equal(t, orders.StatusCanceled, got.Metadata.Correction.From)
	fills, err := svc.ListFills(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "x1", fills[0].ExecID)
}

func TestTerminalizeAbandoned(t *testing.T) {
	ctx := context.Background()

	requestCancel := func(t *testing.T, svc *orders.Service, o orders.Order, at time.Time) {
		t.Helper()
		_, err := svc.Transition(ctx, o.ID, orders.StatusCancelRequested, orders.TransitionOptions{
			Reason: "operator",
			Mutate: func(m *orders.Metadata) { m.Cancel = &orders.CancelInfo{RequestedAt: at} },
		})
		require.NoError(t, err)
	}
	positions := func(now time.Time, qty, avg string) ipc.PositionsSnapshot {
		return ipc.PositionsSnapshot{
			Items:       []ipc.PositionItem{{Symbol: "AAPL", Quantity: d(qty), AvgCost: d(avg)}},
			RefreshedAt: now.Add(-time.Second),
		}
	}

	t.Run("no evidence cancels with inferred evidence", func(t *testing.T) {
		eng, svc, clk := newTestEngine(t, testConfig())
		o := submitted(t, svc, "c-1")
		requestCancel(t, svc, o, clk.t)

		out, err := eng.TerminalizeAbandoned(ctx, "paper", ipc.OpenOrdersSnapshot{Stale: true}, ipc.PositionsSnapshot{Stale: true})
		require.NoError(t, err)
		assert.Empty(t, out, "inside the acknowledgment window")

		clk.t = clk.t.Add(2 * time.Minute)
		out, err = eng.TerminalizeAbandoned(ctx, "paper", ipc.OpenOrdersSnapshot{Stale: true}, ipc.PositionsSnapshot{Stale: true})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, orders.EvidenceInferred, out[0].Evidence)
		assert.Equal(t, orders.StatusCanceled, out[0].Status)

		got, err := svc.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, "cancel_ack_timeout", got.StatusReason)
		assert.Equal(t, orders.EvidenceInferred, got.Metadata.Sync.Evidence)
	})

	t.Run("position delta synthesizes a partial fill", func(t *testing.T) {
		eng, svc, clk := newTestEngine(t, testConfig())
		o := newOrder(t, svc, "c-2", orders.Metadata{Baseline: &orders.PositionBaseline{Quantity: d("4"), AvgCost: d("90")}})
		_, err := svc.Transition(ctx, o.ID, orders.StatusSubmitted, orders.TransitionOptions{})
		require.NoError(t, err)
		requestCancel(t, svc, o, clk.t)
		clk.t = clk.t.Add(2 * time.Minute)

		// 4@90 + 6@x = 10@96  =>  x = 100
		out, err := eng.TerminalizeAbandoned(ctx, "paper", ipc.OpenOrdersSnapshot{Stale: true}, positions(clk.t, "10", "96"))
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, orders.EvidencePosition, out[0].Evidence)
		assert.Equal(t, orders.StatusCanceled, out[0].Status)
		assert.True(t, out[0].Filled.Equal(d("6")))

		fills, err := svc.ListFills(ctx, o.ID)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.True(t, fills[0].Synthetic)
		assert.True(t, fills[0].Price.Equal(d("100")), fills[0].Price.String())
	})

	t.Run("dead worker with full delta fills", func(t *testing.T) {
		eng, svc, clk := newTestEngine(t, testConfig())
		o := newOrder(t, svc, "c-3", orders.Metadata{Baseline: &orders.PositionBaseline{}})
		_, err := svc.Transition(ctx, o.ID, orders.StatusSubmitted, orders.TransitionOptions{})
		require.NoError(t, err)
		eng.probe = deadWorkers{o.ID: true}

		out, err := eng.TerminalizeAbandoned(ctx, "paper", freshSnapshot(clk.t, "someone-else"), positions(clk.t, "10", "101"))
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, orders.StatusFilled, out[0].Status)
		got, err := svc.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.True(t, got.AvgFillPrice.Equal(d("101")))
	})

	t.Run("dead worker needs a fresh snapshot", func(t *testing.T) {
		eng, svc, _ := newTestEngine(t, testConfig())
		o := submitted(t, svc, "c-5")
		eng.probe = deadWorkers{o.ID: true}
		out, err := eng.TerminalizeAbandoned(ctx, "paper", ipc.OpenOrdersSnapshot{Stale: true}, ipc.PositionsSnapshot{Stale: true})
		require.NoError(t, err)
		assert.Empty(t, out)
		got, err := svc.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, orders.StatusSubmitted, got.Status)
	})

	t.Run("order still open at the broker is left alone", func(t *testing.T) {
		eng, svc, clk := newTestEngine(t, testConfig())
		o := submitted(t, svc, "c-4")
		eng.probe = deadWorkers{o.ID: true}
		out, err := eng.TerminalizeAbandoned(ctx, "paper", freshSnapshot(clk.t, "c-4"), ipc.PositionsSnapshot{Stale: true})
		require.NoError(t, err)
		assert.Empty(t, out)
	})
}

func TestSweepRunsPassesInOrder(t *testing.T) {
	eng, svc, clk := newTestEngine(t, testConfig())
	ctx := context.Background()
	layout := ipc.Layout{Root: t.TempDir()}
	require.NoError(t, layout.Ensure())

	filled := submitted(t, svc, "filled-1")
	writeLog(t, layout.EventLog("filled-1"),
		`{"tag":"filled-1","status":"Filled","filled":10,"fill_price":50,"exec_id":"x1","time":"2026-10-19T15:00:00Z"}`)
	require.NoError(t, ipc.WriteJSON(layout.OpenOrdersFile(), freshSnapshot(clk.t)))

	var kinds []string
	eng.OnAction = func(_, kind string) { kinds = append(kinds, kind) }
	rep, err := eng.Sweep(ctx, "paper", layout)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Ingest.Fills)
	assert.Empty(t, rep.Sync.Canceled, "filled by the event before the snapshot pass")
	assert.Equal(t, []string{ActionFill}, kinds)

	got, err := svc.Get(ctx, filled.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFilled, got.Status)
}
