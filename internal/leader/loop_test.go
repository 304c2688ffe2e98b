package leader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"brokerd/internal/config"
	"brokerd/internal/ipc"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testLeaderConfig() config.LeaderConfig {
	return config.LeaderConfig{
		StaticSymbols:     []string{"spy"},
		CommandTTLSeconds: 60,
		Intervals: config.LeaderIntervals{
			WatchlistMillis:  1000,
			SnapshotMillis:   1000,
			OpenOrdersMillis: 1000,
			ExecutionsMillis: 1000,
			CommandsMillis:   500,
		},
	}
}

func newTestLoop(t *testing.T, sess Session) (*Loop, ipc.Layout, *fakeClock) {
	t.Helper()
	layout := ipc.Layout{Root: t.TempDir()}
	require.NoError(t, layout.Ensure())
	require.NoError(t, sess.Connect(context.Background()))
	clk := &fakeClock{t: time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)}
	return NewLoop(testLeaderConfig(), "paper", layout, sess, WithLoopClock(clk.now)), layout, clk
}

func submitCmd(id, tag, symbol string, qty int64, at time.Time) ipc.Command {
	q := decimal.NewFromInt(qty)
	return ipc.Command{
		CommandID: id, Type: ipc.CommandSubmitOrder, OrderID: 7, Tag: tag,
		Symbol: symbol, Side: "BUY", Quantity: &q, OrderType: "MKT", RequestedAt: at,
	}
}

func TestLoopRunsTasksOnTheirOwnIntervals(t *testing.T) {
	loop, layout, clk := newTestLoop(t, NewSimSession())
	ctx := context.Background()

	ran := loop.Tick(ctx)
	assert.Equal(t, []string{TaskWatchlist, TaskOpenOrders, TaskSnapshot, TaskExecutions, TaskCommands}, ran)

	clk.advance(100 * time.Millisecond)
	assert.Empty(t, loop.Tick(ctx))

	clk.advance(400 * time.Millisecond)
	assert.Equal(t, []string{TaskCommands}, loop.Tick(ctx))

	clk.advance(500 * time.Millisecond)
	assert.Len(t, loop.Tick(ctx), 5)

	var st ipc.LeaderStatus
	found, err := ipc.ReadJSON(layout.StatusFile(), &st)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ipc.LeaderOK, st.Status)
	assert.Equal(t, []string{"SPY"}, st.SubscribedSymbols)
	assert.True(t, st.LastHeartbeat.Equal(clk.t))
	assert.Equal(t, "paper", st.Mode)
}

func TestLoopSubmitCommandProducesResultAndEvents(t *testing.T) {
	sess := NewSimSession()
	loop, layout, clk := newTestLoop(t, sess)
	ctx := context.Background()
	loop.Tick(ctx)

	require.NoError(t, ipc.EnqueueCommand(layout, submitCmd("cmd-1", "tag-1", "AAPL", 10, clk.t)))
	clk.advance(time.Second)
	loop.Tick(ctx)

	res, found, err := ipc.ReadResult(layout, "cmd-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ipc.ResultOK, res.Status)
	assert.Equal(t, "SIM-1", res.BrokerOrderID)
	assert.Equal(t, "tag-1", res.Tag)
	_, err = os.Stat(filepath.Join(layout.CommandsDir(), "cmd-1.json"))
	assert.True(t, os.IsNotExist(err))

	clk.advance(time.Second)
	loop.Tick(ctx)
	events, _, bad, err := ipc.Tail(layout.EventLog("tag-1"), 0)
	require.NoError(t, err)
	assert.Zero(t, bad)
	require.Len(t, events, 2)
	assert.Equal(t, "SUBMITTED", events[0].Status)
	assert.True(t, events[1].IsFill())
	assert.True(t, events[1].Filled.Equal(decimal.NewFromInt(10)))
	assert.True(t, events[1].FillPrice.Equal(decimal.NewFromInt(100)))

	var positions ipc.PositionsSnapshot
	_, err = ipc.ReadJSON(layout.PositionsFile(), &positions)
	require.NoError(t, err)
	assert.True(t, positions.Position("AAPL").Quantity.Equal(decimal.NewFromInt(10)))

	// the position joins the watchlist on the next refresh
	clk.advance(time.Second)
	loop.Tick(ctx)
	var wl ipc.Watchlist
	_, err = ipc.ReadJSON(layout.WatchlistFile(), &wl)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "SPY"}, wl.Symbols)
	assert.Equal(t, []string{"AAPL", "SPY"}, sess.Subscribed())
}

func TestLoopDropsDuplicateExpiredAndInvalidCommands(t *testing.T) {
	sess := NewSimSession()
	loop, layout, clk := newTestLoop(t, sess)
	ctx := context.Background()
	loop.Tick(ctx)

	require.NoError(t, ipc.EnqueueCommand(layout, submitCmd("cmd-1", "tag-1", "AAPL", 1, clk.t)))
	clk.advance(time.Second)
	loop.Tick(ctx)
	first, _, err := ipc.ReadResult(layout, "cmd-1")
	require.NoError(t, err)

	// same id again: dropped without touching the session
	require.NoError(t, ipc.EnqueueCommand(layout, submitCmd("cmd-1", "tag-1", "AAPL", 1, clk.t)))
	stale := submitCmd("cmd-2", "tag-2", "MSFT", 1, clk.t.Add(-10*time.Minute))
	stale.ExpiresAt = clk.t.Add(-time.Minute)
	require.NoError(t, ipc.EnqueueCommand(layout, stale))
	require.NoError(t, os.WriteFile(filepath.Join(layout.CommandsDir(), "bad-1.json"),
		[]byte(`{"command_id":"bad-1","type":"explode","requested_at":"2026-10-19T14:00:00Z"}`), 0o644))

	clk.advance(time.Second)
	loop.Tick(ctx)

	again, _, err := ipc.ReadResult(layout, "cmd-1")
	require.NoError(t, err)
	assert.True(t, first.CompletedAt.Equal(again.CompletedAt))

	expired, found, err := ipc.ReadResult(layout, "cmd-2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ipc.ResultExpired, expired.Status)
	assert.Equal(t, "command_expired", expired.Code)

	invalid, found, err := ipc.ReadResult(layout, "bad-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ipc.ResultInvalid, invalid.Status)

	pending, err := ipc.PendingCommands(layout)
	require.NoError(t, err)
	assert.Empty(t, pending)

	positions, err := sess.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(decimal.NewFromInt(1)))
}

func TestLoopDropsCommandRedeliveredAfterAck(t *testing.T) {
	sess := NewSimSession()
	loop, layout, clk := newTestLoop(t, sess)
	ctx := context.Background()
	loop.Tick(ctx)

	require.NoError(t, ipc.EnqueueCommand(layout, submitCmd("cmd-9", "tag-9", "AAPL", 1, clk.t)))
	clk.advance(time.Second)
	loop.Tick(ctx)
	res, found, err := ipc.ReadResult(layout, "cmd-9")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ipc.ResultOK, res.Status)
	require.NoError(t, ipc.AckResult(layout, "cmd-9"))

	// the issuer has consumed the result; a stray copy of the command file
	// must not reach the session again, also after a leader restart
	require.NoError(t, ipc.EnqueueCommand(layout, submitCmd("cmd-9", "tag-9", "AAPL", 1, clk.t)))
	clk.advance(time.Second)
	loop.Tick(ctx)

	restarted := NewLoop(testLeaderConfig(), "paper", layout, sess, WithLoopClock(clk.now))
	require.NoError(t, ipc.EnqueueCommand(layout, submitCmd("cmd-9", "tag-9", "AAPL", 1, clk.t)))
	clk.advance(time.Second)
	restarted.Tick(ctx)

	_, found, err = ipc.ReadResult(layout, "cmd-9")
	require.NoError(t, err)
	assert.False(t, found)
	pending, err := ipc.PendingCommands(layout)
	require.NoError(t, err)
	assert.Empty(t, pending)

	positions, err := sess.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(decimal.NewFromInt(1)))
}

func TestLoopCancelsRestingLimitOrder(t *testing.T) {
	sess := NewSimSession()
	loop, layout, clk := newTestLoop(t, sess)
	ctx := context.Background()
	loop.Tick(ctx)

	cmd := submitCmd("cmd-lmt", "tag-lmt", "AAPL", 5, clk.t)
	cmd.OrderType = "LMT"
	limit := decimal.NewFromInt(90)
	cmd.LimitPrice = &limit
	require.NoError(t, ipc.EnqueueCommand(layout, cmd))
	clk.advance(time.Second)
	loop.Tick(ctx)

	clk.advance(time.Second)
	loop.Tick(ctx)
	var snap ipc.OpenOrdersSnapshot
	_, err := ipc.ReadJSON(layout.OpenOrdersFile(), &snap)
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "tag-lmt", snap.Items[0].Tag)
	assert.False(t, snap.Stale)

	require.NoError(t, ipc.EnqueueCommand(layout, ipc.Command{
		CommandID: "cancel-1", Type: ipc.CommandCancelOrder, Tag: "tag-lmt", RequestedAt: clk.t,
	}))
	clk.advance(time.Second)
	loop.Tick(ctx)
	res, _, err := ipc.ReadResult(layout, "cancel-1")
	require.NoError(t, err)
	assert.Equal(t, ipc.ResultOK, res.Status)

	open, err := sess.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

type flakySession struct {
	*SimSession
	fail bool
}

func (f *flakySession) OpenOrders(ctx context.Context) ([]ipc.OpenOrderItem, error) {
	if f.fail {
		return nil, errors.New("gateway timeout")
	}
	return f.SimSession.OpenOrders(ctx)
}

func TestLoopMarksOpenOrdersStaleOnError(t *testing.T) {
	sess := &flakySession{SimSession: NewSimSession()}
	loop, layout, clk := newTestLoop(t, sess)
	ctx := context.Background()
	loop.Tick(ctx)

	sess.fail = true
	clk.advance(time.Second)
	loop.Tick(ctx)

	var snap ipc.OpenOrdersSnapshot
	_, err := ipc.ReadJSON(layout.OpenOrdersFile(), &snap)
	require.NoError(t, err)
	assert.True(t, snap.Stale)

	var st ipc.LeaderStatus
	_, err = ipc.ReadJSON(layout.StatusFile(), &st)
	require.NoError(t, err)
	assert.Equal(t, ipc.LeaderDegraded, st.Status)
	assert.Equal(t, 1, st.ErrorCount)
	assert.Contains(t, st.LastError, "gateway timeout")

	sess.fail = false
	clk.advance(time.Second)
	loop.Tick(ctx)
	_, err = ipc.ReadJSON(layout.StatusFile(), &st)
	require.NoError(t, err)
	assert.Equal(t, ipc.LeaderOK, st.Status)
}
