package recovery

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"brokerd/internal/config"
	"brokerd/internal/orders"
	"brokerd/internal/pkg/reason"
	"brokerd/internal/store/gormstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type fakeBroker struct {
	submitted []string
	canceled  []string
	submitErr error
	onSubmit  func(o orders.Order)
}

func (b *fakeBroker) SubmitOrder(_ context.Context, o orders.Order) error {
	b.submitted = append(b.submitted, o.ClientOrderID)
	if b.onSubmit != nil {
		b.onSubmit(o)
	}
	return b.submitErr
}

func (b *fakeBroker) CancelOrder(_ context.Context, o orders.Order, _ string) error {
	b.canceled = append(b.canceled, o.ClientOrderID)
	return nil
}

type mockTerminator struct {
	mock.Mock
}

func (m *mockTerminator) Terminate(ctx context.Context, runID int64, why string) error {
	return m.Called(ctx, runID, why).Error(0)
}

type fixture struct {
	rec    *Recovery
	svc    *orders.Service
	clk    *clock
	broker *fakeBroker
	term   *mockTerminator
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	store, err := gormstore.OpenSQLite(filepath.Join(t.TempDir(), "recovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	clk := &clock{t: time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)}
	svc := orders.NewService(store.DB(), orders.WithClock(clk.now))
	f := &fixture{svc: svc, clk: clk, broker: &fakeBroker{}, term: &mockTerminator{}}
	cfg := config.RecoveryConfig{Enabled: true, NewTimeoutSeconds: 60, MaxRetries: maxRetries}
	f.rec = New(svc, f.broker, f.term, cfg, WithClock(clk.now))
	return f
}

func (f *fixture) create(t *testing.T, clientID string, runID int64) orders.Order {
	t.Helper()
	limit := decimal.RequireFromString("99.5")
	o, _, err := f.svc.Create(context.Background(), orders.CreateRequest{
		ClientOrderID: clientID, RunID: runID, Mode: "paper", Symbol: "MSFT", Side: "SELL",
		Quantity: decimal.NewFromInt(3), OrderType: "LMT", LimitPrice: &limit,
		Metadata: orders.Metadata{Baseline: &orders.PositionBaseline{Quantity: decimal.NewFromInt(5)}},
	})
	require.NoError(t, err)
	return o
}

func TestRunOnceIgnoresYoungAndSubmittedOrders(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	young := f.create(t, "young", 0)
	acked := f.create(t, "acked", 0)
	_, err := f.svc.Transition(ctx, acked.ID, orders.StatusSubmitted, orders.TransitionOptions{Reason: "ack"})
	require.NoError(t, err)

	f.clk.t = f.clk.t.Add(30 * time.Second)
	res, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, res)

	f.clk.t = f.clk.t.Add(time.Minute)
	res, err = f.rec.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, young.ID, res[0].OrderID)
}

func TestRunOnceReplacesTimedOutOrder(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	orig := f.create(t, "batch-abc-1", 7)

	var kinds []string
	f.rec.OnOutcome = func(kind string) { kinds = append(kinds, kind) }
	f.clk.t = f.clk.t.Add(2 * time.Minute)
	res, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, OutcomeReplaced, res[0].Outcome)
	assert.Equal(t, []string{OutcomeReplaced}, kinds)

	old, err := f.svc.Get(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCanceled, old.Status)
	require.NotNil(t, old.Metadata.Retry)
	assert.Equal(t, res[0].ReplacementID, old.Metadata.Retry.ReplacedBy)

	repl, err := f.svc.Get(ctx, res[0].ReplacementID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusNew, repl.Status)
	assert.Equal(t, "batch-abc-1-r1", repl.ClientOrderID)
	assert.Equal(t, int64(7), repl.RunID)
	assert.Equal(t, "MSFT", repl.Symbol)
	assert.Equal(t, orders.SideSell, repl.Side)
	assert.True(t, repl.Quantity.Equal(decimal.NewFromInt(3)))
	require.NotNil(t, repl.LimitPrice)
	assert.Equal(t, "99.5", repl.LimitPrice.String())
	require.NotNil(t, repl.Metadata.Retry)
	assert.Equal(t, 1, repl.Metadata.Retry.Attempt)
	assert.Equal(t, "batch-abc-1", repl.Metadata.Retry.BaseID)
	assert.Equal(t, orig.ID, repl.Metadata.Retry.Replaces)
	require.NotNil(t, repl.Metadata.Baseline)
	assert.True(t, repl.Metadata.Baseline.Quantity.Equal(decimal.NewFromInt(5)))

	assert.Equal(t, []string{"batch-abc-1"}, f.broker.canceled)
	assert.Equal(t, []string{"batch-abc-1-r1"}, f.broker.submitted)
	f.term.AssertNotCalled(t, "Terminate", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunOnceChainsAttemptsThenExhausts(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.create(t, "base", 9)

	var tokens []string
	for i := 0; i < 2; i++ {
		f.clk.t = f.clk.t.Add(2 * time.Minute)
		res, err := f.rec.RunOnce(ctx)
		require.NoError(t, err)
		require.Len(t, res, 1)
		require.Equal(t, OutcomeReplaced, res[0].Outcome)
		repl, err := f.svc.Get(ctx, res[0].ReplacementID)
		require.NoError(t, err)
		tokens = append(tokens, repl.ClientOrderID)
	}
	assert.Equal(t, []string{"base-r1", "base-r2"}, tokens)

	f.term.On("Terminate", mock.Anything, int64(9), string(reason.AutoRecoveryExhausted)).Return(nil).Once()
	f.clk.t = f.clk.t.Add(2 * time.Minute)
	res, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, OutcomeExhausted, res[0].Outcome)
	assert.Equal(t, 2, res[0].Attempt)

	last, err := f.svc.GetByClientOrderID(ctx, "base-r2")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCanceled, last.Status)
	assert.Equal(t, string(reason.AutoRecoveryExhausted), last.StatusReason)
	require.NotNil(t, last.Metadata.Retry)
	assert.True(t, last.Metadata.Retry.Exhausted)
	assert.Zero(t, last.Metadata.Retry.ReplacedBy)
	f.term.AssertExpectations(t)

	open, err := f.svc.List(ctx, orders.ListFilter{Statuses: []orders.Status{orders.StatusNew}})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRunOnceReusesExistingReplacementRow(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	orig := f.create(t, "crash", 0)
	// a row holding the first retry token already exists
	_, _, err := f.svc.Create(ctx, orders.CreateRequest{
		ClientOrderID: RetryClientOrderID("crash", 1), Mode: "paper", Symbol: "MSFT", Side: "SELL",
		Quantity: decimal.NewFromInt(3), OrderType: "LMT", LimitPrice: orig.LimitPrice,
	})
	require.NoError(t, err)

	f.clk.t = f.clk.t.Add(2 * time.Minute)
	res, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	// the orphan replacement is itself old enough to be retried; both are
	// handled without duplicating the first replacement
	var replacedOrig bool
	for _, r := range res {
		if r.OrderID == orig.ID {
			replacedOrig = true
			repl, err := f.svc.Get(ctx, r.ReplacementID)
			require.NoError(t, err)
			assert.Equal(t, "crash-r1", repl.ClientOrderID)
		}
	}
	assert.True(t, replacedOrig)
	all, err := f.svc.List(ctx, orders.ListFilter{})
	require.NoError(t, err)
	seen := map[string]int{}
	for _, o := range all {
		seen[o.ClientOrderID]++
	}
	assert.Equal(t, 1, seen["crash-r1"])
}

func TestRunOnceSubmitFailureKeepsReplacementNew(t *testing.T) {
	f := newFixture(t, 1)
	f.broker.submitErr = errors.New("leader unavailable")
	ctx := context.Background()
	f.create(t, "flaky", 0)

	f.clk.t = f.clk.t.Add(2 * time.Minute)
	res, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	repl, err := f.svc.Get(ctx, res[0].ReplacementID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusNew, repl.Status)
}

func TestRetryClientOrderIDStaysWithinLimit(t *testing.T) {
	base := "0123456789012345678901234567890123456789"
	id := RetryClientOrderID(base, 3)
	assert.LessOrEqual(t, len(id), orders.MaxClientOrderIDLen)
	assert.NotEqual(t, RetryClientOrderID(base, 3), RetryClientOrderID(base, 4))
}

func TestRunOnceSkipsOrderAckedDuringPass(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	first := f.create(t, "first", 0)
	second := f.create(t, "second", 0)

	// the gateway acknowledges the second order while the first one is
	// being replaced, after the candidate list was read
	f.broker.onSubmit = func(o orders.Order) {
		if o.ClientOrderID != "first-r1" {
			return
		}
		_, err := f.svc.Transition(ctx, second.ID, orders.StatusSubmitted, orders.TransitionOptions{Reason: "ack", BrokerOrderID: "B-2"})
		require.NoError(t, err)
	}

	f.clk.t = f.clk.t.Add(2 * time.Minute)
	res, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, first.ID, res[0].OrderID)

	acked, err := f.svc.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusSubmitted, acked.Status)
	assert.Equal(t, "B-2", acked.BrokerOrderID)
	assert.Nil(t, acked.Metadata.Retry)

	_, err = f.svc.GetByClientOrderID(ctx, "second-r1")
	assert.ErrorIs(t, err, reason.ErrOrderNotFound)
	assert.Equal(t, []string{"first-r1"}, f.broker.submitted)
	assert.Equal(t, []string{"first"}, f.broker.canceled)
}

func TestRunOnceExhaustionSkipsAckedOrder(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.create(t, "lead", 0)
	limit := decimal.RequireFromString("99.5")
	spent, _, err := f.svc.Create(ctx, orders.CreateRequest{
		ClientOrderID: "spent-r1", RunID: 4, Mode: "paper", Symbol: "MSFT", Side: "SELL",
		Quantity: decimal.NewFromInt(3), OrderType: "LMT", LimitPrice: &limit,
		Metadata: orders.Metadata{Retry: &orders.RetryInfo{Attempt: 1, BaseID: "spent"}},
	})
	require.NoError(t, err)

	f.broker.onSubmit = func(o orders.Order) {
		if o.ClientOrderID != "lead-r1" {
			return
		}
		_, err := f.svc.Transition(ctx, spent.ID, orders.StatusSubmitted, orders.TransitionOptions{Reason: "ack"})
		require.NoError(t, err)
	}

	f.clk.t = f.clk.t.Add(2 * time.Minute)
	res, err := f.rec.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, OutcomeReplaced, res[0].Outcome)

	got, err := f.svc.Get(ctx, spent.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusSubmitted, got.Status)
	assert.False(t, got.Metadata.Retry.Exhausted)
	f.term.AssertNotCalled(t, "Terminate", mock.Anything, mock.Anything, mock.Anything)
}
