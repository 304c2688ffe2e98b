package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"brokerd/internal/ipc"
	"brokerd/internal/orders"
	"brokerd/internal/pkg/reason"
	"brokerd/internal/pkg/text"

	"github.com/shopspring/decimal"
)

// maxErrorLen bounds broker error text kept in order metadata.
const maxErrorLen = 512

// ManualRequest is a single order outside any run.
type ManualRequest struct {
	ClientOrderID string           `json:"client_order_id,omitempty"`
	Mode          string           `json:"mode"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Quantity      decimal.Decimal  `json:"quantity"`
	OrderType     string           `json:"order_type"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
}

// SubmitManual creates a run-less order and hands it to the leader. The
// client order id doubles as the idempotency token; a repeat of an order
// that was already handed over is not sent again.
func (s *Service) SubmitManual(ctx context.Context, req ManualRequest) (orders.Order, bool, error) {
	if err := s.checkExcluded(req.Symbol); err != nil {
		return orders.Order{}, false, err
	}
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = "paper"
	}
	clientID := strings.TrimSpace(req.ClientOrderID)
	if clientID == "" {
		clientID = orders.ManualClientOrderID(orders.NewBatchBase("m"), 1)
	}
	meta := orders.Metadata{}
	if b := s.baselines(mode, []OrderIntent{{Symbol: req.Symbol}}); len(b) > 0 {
		meta.Baseline = b[strings.ToUpper(strings.TrimSpace(req.Symbol))]
	}
	o, created, err := s.orders.Create(ctx, orders.CreateRequest{
		ClientOrderID: clientID,
		Mode:          mode,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		OrderType:     req.OrderType,
		LimitPrice:    req.LimitPrice,
		Metadata:      meta,
	})
	if err != nil {
		return o, false, err
	}
	if o.Status != orders.StatusNew || o.Metadata.Submit != nil {
		return o, created, nil
	}
	if err := s.SubmitOrder(ctx, o); err != nil {
		return o, created, err
	}
	o, err = s.orders.Get(ctx, o.ID)
	return o, created, err
}

// SubmitOrder enqueues a submit_order command for o and records the command
// id on the order.
func (s *Service) SubmitOrder(ctx context.Context, o orders.Order) error {
	now := s.now().UTC()
	qty := o.Quantity
	cmd := ipc.Command{
		CommandID:   ipc.NewCommandID(),
		Type:        ipc.CommandSubmitOrder,
		OrderID:     o.ID,
		Tag:         o.Tag(),
		Symbol:      o.Symbol,
		Side:        string(o.Side),
		Quantity:    &qty,
		OrderType:   string(o.OrderType),
		LimitPrice:  o.LimitPrice,
		RequestedAt: now,
	}
	if s.commandTTL > 0 {
		cmd.ExpiresAt = now.Add(s.commandTTL)
	}
	if err := ipc.EnqueueCommand(s.Layout(o.Mode), cmd); err != nil {
		return fmt.Errorf("enqueue submit order=%d: %w", o.ID, err)
	}
	_, err := s.orders.UpdateMetadata(ctx, o.ID, func(m *orders.Metadata) {
		m.Submit = &orders.SubmitInfo{CommandID: cmd.CommandID, Status: "queued", At: now}
	})
	execLog.Infof("submit 命令已入队 order=%d tag=%s command=%s", o.ID, cmd.Tag, cmd.CommandID)
	return err
}

// CancelOrder enqueues a cancel_order command for o without touching its
// status.
func (s *Service) CancelOrder(ctx context.Context, o orders.Order, why string) error {
	now := s.now().UTC()
	cmd := ipc.Command{
		CommandID:     ipc.NewCommandID(),
		Type:          ipc.CommandCancelOrder,
		OrderID:       o.ID,
		Tag:           o.Tag(),
		BrokerOrderID: o.BrokerOrderID,
		RequestedAt:   now,
	}
	if s.commandTTL > 0 {
		cmd.ExpiresAt = now.Add(s.commandTTL)
	}
	if err := ipc.EnqueueCommand(s.Layout(o.Mode), cmd); err != nil {
		return fmt.Errorf("enqueue cancel order=%d: %w", o.ID, err)
	}
	_, err := s.orders.UpdateMetadata(ctx, o.ID, func(m *orders.Metadata) {
		m.Cancel = &orders.CancelInfo{CommandID: cmd.CommandID, RequestedAt: now, Reason: why}
	})
	return err
}

// Cancel asks the broker to cancel an order. A NEW order is canceled
// locally at once; a submitted one moves to CANCEL_REQUESTED until the
// broker confirms or reconciliation gives up waiting.
func (s *Service) Cancel(ctx context.Context, orderID int64, why string) (orders.Order, error) {
	why = strings.TrimSpace(why)
	if why == "" {
		why = "operator_cancel"
	}
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return o, err
	}
	switch o.Status {
	case orders.StatusNew:
		if o, err = s.orders.Transition(ctx, o.ID, orders.StatusCanceled, orders.TransitionOptions{Reason: why, Source: "operator"}); err != nil {
			return o, err
		}
		if o.Metadata.Submit != nil || o.RunID > 0 {
			// the leader or the run's worker may already have placed it
			if err := s.CancelOrder(ctx, o, why); err != nil {
				execLog.Warnf("撤单命令入队失败 order=%d: %v", o.ID, err)
			}
		}
		return s.orders.Get(ctx, o.ID)
	case orders.StatusSubmitted, orders.StatusPartial:
		if _, err = s.orders.Transition(ctx, o.ID, orders.StatusCancelRequested, orders.TransitionOptions{Reason: why, Source: "operator"}); err != nil {
			return o, err
		}
	case orders.StatusCancelRequested:
		// resend
	default:
		return o, reason.New(reason.InvalidTransition, "order %d 已是 %s", o.ID, o.Status)
	}
	if err := s.CancelOrder(ctx, o, why); err != nil {
		return o, err
	}
	return s.orders.Get(ctx, o.ID)
}

// PollCommandResults folds the leader's command results back into the
// orders and acknowledges them.
func (s *Service) PollCommandResults(ctx context.Context) (int, error) {
	applied := 0
	var errs []error
	for _, mode := range s.modes {
		layout := s.Layout(mode)
		results, err := ipc.ListResults(layout)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, res := range results {
			if err := s.applyResult(ctx, res); err != nil {
				execLog.Warnf("应用命令结果失败 command=%s order=%d: %v", res.CommandID, res.OrderID, err)
				errs = append(errs, err)
				continue
			}
			if err := ipc.AckResult(layout, res.CommandID); err != nil {
				errs = append(errs, err)
				continue
			}
			applied++
		}
	}
	return applied, errors.Join(errs...)
}

func (s *Service) resultOrder(ctx context.Context, res ipc.CommandResult) (orders.Order, error) {
	if res.OrderID > 0 {
		return s.orders.Get(ctx, res.OrderID)
	}
	if tag := strings.TrimSpace(res.Tag); tag != "" {
		return s.orders.GetByClientOrderID(ctx, tag)
	}
	return orders.Order{}, reason.New(reason.OrderNotFound, "command %s 无 order 引用", res.CommandID)
}

func (s *Service) applyResult(ctx context.Context, res ipc.CommandResult) error {
	o, err := s.resultOrder(ctx, res)
	if errors.Is(err, reason.ErrOrderNotFound) {
		execLog.Warnf("命令结果找不到订单，丢弃 command=%s", res.CommandID)
		return nil
	}
	if err != nil {
		return err
	}
	if res.Type == ipc.CommandCancelOrder {
		if res.Status != ipc.ResultOK {
			execLog.Warnf("撤单未执行 order=%d status=%s code=%s err=%s", o.ID, res.Status, res.Code, res.Error)
		}
		return nil
	}

	record := func(m *orders.Metadata) {
		m.Submit = &orders.SubmitInfo{
			CommandID:     res.CommandID,
			Status:        res.Status,
			BrokerOrderID: res.BrokerOrderID,
			Error:         text.Truncate(res.Error, maxErrorLen),
			At:            res.CompletedAt.UTC(),
		}
	}
	var to orders.Status
	switch res.Status {
	case ipc.ResultOK:
		if o.Status == orders.StatusNew {
			to = orders.StatusSubmitted
		}
	case ipc.ResultRejected:
		to = orders.StatusRejected
	default:
		// never reached the broker: the order stays NEW for auto-recovery
		execLog.Warnf("submit 未执行 order=%d status=%s code=%s", o.ID, res.Status, res.Code)
	}
	if to != "" && !orders.CanTransition(o.Status, to) {
		to = ""
	}
	why := "submit_" + res.Status
	if res.Code != "" {
		why = res.Code
	}
	_, err = s.orders.Transition(ctx, o.ID, to, orders.TransitionOptions{
		Reason:        why,
		Source:        "leader",
		BrokerOrderID: res.BrokerOrderID,
		Mutate:        record,
	})
	return err
}
