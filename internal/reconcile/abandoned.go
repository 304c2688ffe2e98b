package reconcile

import (
	"context"
	"fmt"
	"time"

	"brokerd/internal/ipc"
	"brokerd/internal/orders"

	"github.com/shopspring/decimal"
)

const (
	reasonCancelAckTimeout = "cancel_ack_timeout"
	reasonWorkerDead       = "worker_dead"
)

// Outcome names how an abandoned order was resolved.
type Outcome struct {
	OrderID  int64
	Evidence string
	Status   orders.Status
	Filled   decimal.Decimal
}

// TerminalizeAbandoned resolves orders nobody will report on any more:
// CANCEL_REQUESTED past the acknowledgment window, and working orders whose
// worker died. Recorded fills win; otherwise a definite position change since
// submission becomes a synthetic fill; otherwise the order is CANCELED.
// Orders still listed in a fresh open-orders snapshot are live and skipped; a
// dead worker alone is not enough without a fresh snapshot.
func (e *Engine) TerminalizeAbandoned(ctx context.Context, mode string, open ipc.OpenOrdersSnapshot, positions ipc.PositionsSnapshot) ([]Outcome, error) {
	now := e.now()
	openFresh := ipc.Fresh(open.Stale, open.RefreshedAt, now, e.maxAge)
	liveTags := open.Tags()
	posFresh := ipc.Fresh(positions.Stale, positions.RefreshedAt, now, e.maxAge)

	working, err := e.orders.ListWorking(ctx, mode)
	if err != nil {
		return nil, err
	}
	var out []Outcome
	for _, o := range working {
		why, ok := e.abandoned(ctx, o, now)
		if !ok {
			continue
		}
		if openFresh {
			if _, live := liveTags[o.Tag()]; live && o.Tag() != "" {
				continue
			}
		} else if why == reasonWorkerDead {
			// a worker exits normally once its orders rest at the broker
			continue
		}
		res, err := e.terminalize(ctx, o, why, positions, posFresh, now)
		if err != nil {
			if skippable(err) {
				continue
			}
			return out, err
		}
		out = append(out, res)
		e.action(mode, ActionAbandoned)
		recLog.Infof("终结遗弃订单 order=%d reason=%s evidence=%s status=%s filled=%s",
			o.ID, why, res.Evidence, res.Status, res.Filled)
	}
	return out, nil
}

func (e *Engine) abandoned(ctx context.Context, o orders.Order, now time.Time) (string, bool) {
	if o.Status == orders.StatusCancelRequested {
		requested := o.UpdatedAt
		if o.Metadata.Cancel != nil && !o.Metadata.Cancel.RequestedAt.IsZero() {
			requested = o.Metadata.Cancel.RequestedAt
		}
		if now.Sub(requested) > e.cfg.CancelAck() {
			return reasonCancelAckTimeout, true
		}
	}
	if e.probe != nil && e.probe.WorkerDead(ctx, o) {
		return reasonWorkerDead, true
	}
	return "", false
}

func (e *Engine) terminalize(ctx context.Context, o orders.Order, why string, positions ipc.PositionsSnapshot, posFresh bool, now time.Time) (Outcome, error) {
	res := Outcome{OrderID: o.ID, Filled: o.FilledQuantity}

	if o.FilledQuantity.IsPositive() {
		res.Evidence = orders.EvidenceEvent
		return e.cancelRemainder(ctx, o, why, res, now)
	}

	if qty, price, ok := positionDelta(o, positions, posFresh); ok {
		filled, applied, err := e.orders.ApplyFill(ctx, o.ID, orders.FillInput{
			ExecID:    fmt.Sprintf("synthetic-%d-position", o.ID),
			Quantity:  qty,
			Price:     price,
			Time:      positions.RefreshedAt,
			Synthetic: true,
			Source:    "position_delta",
		})
		if err != nil {
			return res, err
		}
		if applied {
			e.action(o.Mode, ActionSynthetic)
		}
		res.Evidence = orders.EvidencePosition
		res.Filled = filled.FilledQuantity
		if filled.Status == orders.StatusFilled {
			res.Status = filled.Status
			_, err := e.orders.UpdateMetadata(ctx, o.ID, syncMeta(why, "position_delta", orders.EvidencePosition, now))
			return res, err
		}
		return e.cancelRemainder(ctx, filled, why, res, now)
	}

	res.Evidence = orders.EvidenceInferred
	return e.cancelRemainder(ctx, o, why, res, now)
}

func (e *Engine) cancelRemainder(ctx context.Context, o orders.Order, why string, res Outcome, now time.Time) (Outcome, error) {
	updated, err := e.orders.Transition(ctx, o.ID, orders.StatusCanceled, orders.TransitionOptions{
		Reason: why,
		Source: "reconcile",
		Mutate: syncMeta(why, "reconcile", res.Evidence, now),
	})
	if err != nil {
		return res, err
	}
	res.Status = updated.Status
	res.Filled = updated.FilledQuantity
	return res, nil
}

// positionDelta compares the position captured at submission with the
// latest snapshot. Only a change in the order's direction counts; the
// synthetic price is the cost of the change, falling back to the current
// average cost.
func positionDelta(o orders.Order, positions ipc.PositionsSnapshot, fresh bool) (decimal.Decimal, decimal.Decimal, bool) {
	base := o.Metadata.Baseline
	if !fresh || base == nil {
		return decimal.Zero, decimal.Zero, false
	}
	cur := positions.Position(o.Symbol)
	delta := cur.Quantity.Sub(base.Quantity)
	if delta.IsZero() || int64(delta.Sign()) != o.Side.Sign() {
		return decimal.Zero, decimal.Zero, false
	}
	qty := delta.Abs()
	if qty.GreaterThan(o.Quantity) {
		qty = o.Quantity
	}
	price := cur.AvgCost
	costDelta := cur.AvgCost.Mul(cur.Quantity).Sub(base.AvgCost.Mul(base.Quantity))
	if implied := costDelta.DivRound(delta, 8); implied.IsPositive() {
		price = implied
	}
	if !price.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	return qty, price, true
}
