// Package recovery replaces orders that never left NEW. Each replacement
// gets a fresh idempotency token derived from the original; once the retry
// budget is spent the order stays CANCELED and its run is failed for
// operator review.
package recovery

import (
	"context"
	"errors"
	"time"

	"brokerd/internal/config"
	"brokerd/internal/logger"
	"brokerd/internal/orders"
	"brokerd/internal/pkg/reason"
)

var recoveryLog = logger.Named("recovery")

// Outcome kinds.
const (
	OutcomeReplaced  = "replaced"
	OutcomeExhausted = "exhausted"
)

// Broker forwards order actions to the leader.
type Broker interface {
	SubmitOrder(ctx context.Context, o orders.Order) error
	CancelOrder(ctx context.Context, o orders.Order, why string) error
}

// RunTerminator force-ends a run.
type RunTerminator interface {
	Terminate(ctx context.Context, runID int64, why string) error
}

// TerminatorFunc adapts a function to RunTerminator.
type TerminatorFunc func(ctx context.Context, runID int64, why string) error

func (f TerminatorFunc) Terminate(ctx context.Context, runID int64, why string) error {
	return f(ctx, runID, why)
}

type Recovery struct {
	orders     *orders.Service
	broker     Broker
	terminator RunTerminator
	cfg        config.RecoveryConfig
	now        func() time.Time
	OnOutcome  func(kind string)
}

type Option func(*Recovery)

func WithClock(now func() time.Time) Option {
	return func(r *Recovery) {
		if now != nil {
			r.now = now
		}
	}
}

func New(svc *orders.Service, broker Broker, terminator RunTerminator, cfg config.RecoveryConfig, opts ...Option) *Recovery {
	r := &Recovery{orders: svc, broker: broker, terminator: terminator, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result describes what happened to one timed-out order.
type Result struct {
	OrderID       int64
	Outcome       string
	ReplacementID int64
	Attempt       int
}

// RunOnce scans NEW orders older than the timeout with nothing filled.
func (r *Recovery) RunOnce(ctx context.Context) ([]Result, error) {
	now := r.now()
	candidates, err := r.orders.List(ctx, orders.ListFilter{Statuses: []orders.Status{orders.StatusNew}})
	if err != nil {
		return nil, err
	}
	var (
		out  []Result
		errs []error
	)
	for _, o := range candidates {
		if o.FilledQuantity.IsPositive() || now.Sub(o.CreatedAt) < r.cfg.NewTimeout() {
			continue
		}
		res, err := r.recover(ctx, o)
		if err != nil {
			if errors.Is(err, reason.ErrInvalidTransition) || errors.Is(err, reason.ErrStatusChanged) {
				recoveryLog.Debugf("订单已被其他流程推进，跳过 order=%d", o.ID)
				continue
			}
			errs = append(errs, err)
			continue
		}
		out = append(out, res)
		if r.OnOutcome != nil {
			r.OnOutcome(res.Outcome)
		}
	}
	return out, errors.Join(errs...)
}

func (r *Recovery) recover(ctx context.Context, o orders.Order) (Result, error) {
	attempt, base := 0, o.ClientOrderID
	if rt := o.Metadata.Retry; rt != nil {
		attempt = rt.Attempt
		if rt.BaseID != "" {
			base = rt.BaseID
		}
	}
	res := Result{OrderID: o.ID, Attempt: attempt}

	if attempt >= r.cfg.MaxRetries {
		if _, err := r.orders.Transition(ctx, o.ID, orders.StatusCanceled, orders.TransitionOptions{
			Reason: string(reason.AutoRecoveryExhausted),
			Source: "recovery",
			From:   []orders.Status{orders.StatusNew},
			Mutate: func(m *orders.Metadata) {
				if m.Retry == nil {
					m.Retry = &orders.RetryInfo{Attempt: attempt, BaseID: base}
				}
				m.Retry.Exhausted = true
			},
		}); err != nil {
			return res, err
		}
		r.cancelAtBroker(ctx, o, string(reason.AutoRecoveryExhausted))
		res.Outcome = OutcomeExhausted
		recoveryLog.Warnf("自动恢复次数用尽 order=%d attempts=%d run=%d", o.ID, attempt, o.RunID)
		if o.RunID > 0 && r.terminator != nil {
			if err := r.terminator.Terminate(ctx, o.RunID, string(reason.AutoRecoveryExhausted)); err != nil {
				return res, err
			}
		}
		return res, nil
	}

	// cancel and replacement commit together and only while the order is
	// still NEW; an ack that lands first makes this fail with status_changed
	next := attempt + 1
	_, replacement, err := r.orders.Replace(ctx, o.ID, orders.CreateRequest{
		ClientOrderID: RetryClientOrderID(base, next),
		RunID:         o.RunID,
		Mode:          o.Mode,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Quantity:      o.Quantity,
		OrderType:     string(o.OrderType),
		LimitPrice:    o.LimitPrice,
		Metadata: orders.Metadata{
			Retry:    &orders.RetryInfo{Attempt: next, BaseID: base, Replaces: o.ID},
			Baseline: o.Metadata.Baseline,
		},
	}, orders.TransitionOptions{
		Reason: "new_timeout_replaced",
		Source: "recovery",
		Mutate: func(m *orders.Metadata) {
			if m.Retry == nil {
				m.Retry = &orders.RetryInfo{Attempt: attempt, BaseID: base}
			}
			m.Sync = &orders.SyncInfo{Reason: "new_timeout", Source: "recovery", Evidence: orders.EvidenceInferred, At: r.now().UTC()}
		},
	})
	if err != nil {
		return res, err
	}
	r.cancelAtBroker(ctx, o, "new_timeout")
	if r.broker != nil {
		if err := r.broker.SubmitOrder(ctx, replacement); err != nil {
			recoveryLog.Warnf("替换订单提交失败 order=%d replacement=%d err=%v", o.ID, replacement.ID, err)
		}
	}
	res.Outcome = OutcomeReplaced
	res.ReplacementID = replacement.ID
	recoveryLog.Infof("NEW 超时，已替换 order=%d -> %d (%s) attempt=%d", o.ID, replacement.ID, replacement.ClientOrderID, next)
	return res, nil
}

// RetryClientOrderID is the token of the n-th replacement of base. The "-r"
// separator keeps it outside the base36 space of batch siblings.
func RetryClientOrderID(base string, n int) string {
	return orders.ManualClientOrderID(base+"-r", int64(n))
}

// cancelAtBroker is best effort: the order may have reached the gateway
// without the acknowledgment making it back.
func (r *Recovery) cancelAtBroker(ctx context.Context, o orders.Order, why string) {
	if r.broker == nil {
		return
	}
	if err := r.broker.CancelOrder(ctx, o, why); err != nil {
		recoveryLog.Debugf("撤单命令失败 order=%d err=%v", o.ID, err)
	}
}
