// Package reconcile folds the leader's snapshot and event files back into
// the order store. It only forces a change on high-confidence evidence and
// otherwise leaves state alone.
package reconcile

import (
	"context"
	"errors"
	"strings"
	"time"

	"brokerd/internal/config"
	"brokerd/internal/ipc"
	"brokerd/internal/logger"
	"brokerd/internal/orders"
	"brokerd/internal/pkg/reason"
)

var recLog = logger.Named("reconcile")

// Action kinds reported to hooks and metrics.
const (
	ActionCanceled   = "canceled"
	ActionPromoted   = "promoted"
	ActionFill       = "fill"
	ActionStatus     = "status"
	ActionCorrected  = "corrected"
	ActionSynthetic  = "synthetic_fill"
	ActionAbandoned  = "abandoned"
	ActionSkipStale  = "skip_stale"
	ActionSkipNoTags = "skip_tagless"
)

// WorkerProbe reports whether the worker that owns an order has died without
// reporting a terminal status. Orders without a worker return false.
type WorkerProbe interface {
	WorkerDead(ctx context.Context, o orders.Order) bool
}

type Engine struct {
	orders   *orders.Service
	cfg      config.ReconcileConfig
	maxAge   time.Duration
	probe    WorkerProbe
	now      func() time.Time
	OnAction func(mode, kind string)
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithWorkerProbe(p WorkerProbe) Option { return func(e *Engine) { e.probe = p } }

func NewEngine(svc *orders.Service, cfg config.ReconcileConfig, snapshotMaxAge time.Duration, opts ...Option) *Engine {
	e := &Engine{orders: svc, cfg: cfg, maxAge: snapshotMaxAge, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) action(mode, kind string) {
	if e.OnAction != nil {
		e.OnAction(mode, kind)
	}
}

// SyncReport summarises one open-orders pass.
type SyncReport struct {
	Skipped  reason.Code
	Checked  int
	Canceled []int64
	Promoted []int64
}

// SyncOpenOrders cancels working orders whose tag vanished from a fresh,
// tag-bearing snapshot. A stale snapshot or one whose items carry no tags
// changes nothing.
func (e *Engine) SyncOpenOrders(ctx context.Context, mode string, snap ipc.OpenOrdersSnapshot) (SyncReport, error) {
	var rep SyncReport
	now := e.now()
	if !ipc.Fresh(snap.Stale, snap.RefreshedAt, now, e.maxAge) {
		rep.Skipped = reason.SnapshotStale
		e.action(mode, ActionSkipStale)
		recLog.Debugf("open orders 快照过期，跳过 mode=%s refreshed_at=%s", mode, snap.RefreshedAt)
		return rep, nil
	}
	tags := snap.Tags()
	if len(snap.Items) > 0 && len(tags) == 0 {
		rep.Skipped = reason.SnapshotTagless
		e.action(mode, ActionSkipNoTags)
		recLog.Warnf("open orders 快照 %d 条均无 tag，跳过 mode=%s", len(snap.Items), mode)
		return rep, nil
	}
	if len(snap.Items) == 0 && !e.cfg.CancelOnEmptySnapshot {
		rep.Skipped = reason.SnapshotEmpty
		return rep, nil
	}

	statuses := []orders.Status{orders.StatusSubmitted, orders.StatusPartial}
	if e.cfg.IncludeNew {
		statuses = append(statuses, orders.StatusNew)
	}
	active, err := e.orders.List(ctx, orders.ListFilter{Mode: mode, Statuses: statuses})
	if err != nil {
		return rep, err
	}
	for _, o := range active {
		tag := o.Tag()
		if tag == "" {
			continue
		}
		rep.Checked++
		item, present := tags[tag]
		if present {
			if o.Status == orders.StatusNew && e.cfg.PromoteNew {
				if _, err := e.orders.Transition(ctx, o.ID, orders.StatusSubmitted, orders.TransitionOptions{
					Reason:        "seen_in_snapshot",
					Source:        "open_orders",
					BrokerOrderID: item.BrokerOrderID,
					Mutate:        syncMeta("seen_in_snapshot", "open_orders", orders.EvidenceSnapshot, now),
				}); err != nil {
					if skippable(err) {
						continue
					}
					return rep, err
				}
				rep.Promoted = append(rep.Promoted, o.ID)
				e.action(mode, ActionPromoted)
			}
			continue
		}
		if o.Status == orders.StatusNew && now.Sub(o.CreatedAt) < e.cfg.NewGrace() {
			continue
		}
		if _, err := e.orders.Transition(ctx, o.ID, orders.StatusCanceled, orders.TransitionOptions{
			Reason: "absent_from_snapshot",
			Source: "open_orders",
			Mutate: syncMeta("absent_from_snapshot", "open_orders", orders.EvidenceSnapshot, now),
		}); err != nil {
			if skippable(err) {
				continue
			}
			return rep, err
		}
		rep.Canceled = append(rep.Canceled, o.ID)
		e.action(mode, ActionCanceled)
		recLog.Infof("订单不在快照中，标记 CANCELED order=%d tag=%s mode=%s", o.ID, tag, mode)
	}
	return rep, nil
}

func syncMeta(why, source, evidence string, at time.Time) func(*orders.Metadata) {
	return func(m *orders.Metadata) {
		m.Sync = &orders.SyncInfo{Reason: why, Source: source, Evidence: evidence, At: at.UTC()}
	}
}

// skippable reports races with another writer that has already moved the
// order on; reconciliation just moves to the next order.
func skippable(err error) bool {
	if errors.Is(err, reason.ErrInvalidTransition) {
		recLog.Debugf("reconcile 跳过并发变更: %v", err)
		return true
	}
	return false
}

// IngestReport summarises one event-log pass.
type IngestReport struct {
	Files     int
	Events    int
	Fills     int
	Statuses  int
	Corrected int
	Unmatched int
	Bad       int
}

// ApplyEvent folds one event into the order it names. Replays are no-ops:
// fills dedup on exec id and status lines never move an order backwards.
func (e *Engine) ApplyEvent(ctx context.Context, mode, source string, ev ipc.Event, rep *IngestReport) error {
	o, ok, err := e.resolve(ctx, mode, ev)
	if err != nil {
		return err
	}
	if !ok {
		rep.Unmatched++
		return nil
	}
	now := e.now()
	if ev.IsFill() {
		_, applied, err := e.orders.ApplyFill(ctx, o.ID, orders.FillInput{
			ExecID:     ev.ExecID,
			Quantity:   ev.Filled,
			Price:      ev.FillPrice,
			Commission: ev.Commission,
			Time:       ev.Time,
			Source:     source,
		})
		if err != nil {
			var rerr *reason.Error
			if errors.As(err, &rerr) {
				recLog.Warnf("fill 无法应用 order=%d exec=%s: %v", o.ID, ev.ExecID, err)
				return nil
			}
			return err
		}
		if applied {
			rep.Fills++
			e.action(mode, ActionFill)
			if o.Status == orders.StatusCanceled {
				rep.Corrected++
				e.action(mode, ActionCorrected)
			}
		}
		return nil
	}
	if ev.ExecID != "" && ev.Commission != nil {
		if _, err := e.orders.ReportCommission(ctx, o.ID, ev.ExecID, *ev.Commission); err != nil {
			return err
		}
	}
	to, ok := eventStatus(ev.Status)
	if !ok || to == o.Status {
		return nil
	}
	if to == orders.StatusRejected && o.Status == orders.StatusCanceled {
		why := "rejected_by_gateway"
		if ev.Reason != "" {
			why = ev.Reason
		}
		if _, err := e.orders.CorrectTerminal(ctx, o.ID, orders.StatusRejected, why); err != nil {
			if skippable(err) {
				return nil
			}
			return err
		}
		rep.Corrected++
		e.action(mode, ActionCorrected)
		recLog.Infof("订单更正 CANCELED -> REJECTED order=%d reason=%s", o.ID, why)
		return nil
	}
	if !orders.CanTransition(o.Status, to) {
		return nil
	}
	why := "event_" + strings.ToLower(string(to))
	if _, err := e.orders.Transition(ctx, o.ID, to, orders.TransitionOptions{
		Reason: why,
		Source: source,
		Mutate: syncMeta(why, source, orders.EvidenceEvent, now),
	}); err != nil {
		if skippable(err) {
			return nil
		}
		return err
	}
	rep.Statuses++
	e.action(mode, ActionStatus)
	return nil
}

// eventStatus maps gateway status spellings to order statuses. Fill-ish
// statuses are ignored: quantities only move through exec lines.
func eventStatus(raw string) (orders.Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUBMITTED", "PRESUBMITTED", "PENDINGSUBMIT", "ACKNOWLEDGED":
		return orders.StatusSubmitted, true
	case "CANCELED", "CANCELLED", "APICANCELLED", "APICANCELED":
		return orders.StatusCanceled, true
	case "REJECTED", "INACTIVE":
		return orders.StatusRejected, true
	default:
		return "", false
	}
}

func (e *Engine) resolve(ctx context.Context, mode string, ev ipc.Event) (orders.Order, bool, error) {
	if ev.OrderID > 0 {
		o, err := e.orders.Get(ctx, ev.OrderID)
		if err == nil {
			return o, true, nil
		}
		if !errors.Is(err, reason.ErrOrderNotFound) {
			return orders.Order{}, false, err
		}
	}
	if ev.Tag == "" {
		return orders.Order{}, false, nil
	}
	o, err := e.orders.GetByClientOrderID(ctx, ev.Tag)
	if err == nil {
		return o, true, nil
	}
	if !errors.Is(err, reason.ErrOrderNotFound) {
		return orders.Order{}, false, err
	}
	list, err := e.orders.List(ctx, orders.ListFilter{Mode: mode})
	if err != nil {
		return orders.Order{}, false, err
	}
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Tag() == ev.Tag {
			return list[i], true, nil
		}
	}
	return orders.Order{}, false, nil
}
