package opshttp

import (
	"time"

	"brokerd/internal/exclusions"
	"brokerd/internal/ipc"
	"brokerd/internal/lease"
	"brokerd/internal/orders"
	"brokerd/internal/runs"

	"github.com/shopspring/decimal"
)

type orderView struct {
	ID             int64            `json:"id"`
	ClientOrderID  string           `json:"client_order_id"`
	RunID          int64            `json:"run_id,omitempty"`
	Mode           string           `json:"mode"`
	Symbol         string           `json:"symbol"`
	Side           string           `json:"side"`
	Quantity       decimal.Decimal  `json:"quantity"`
	OrderType      string           `json:"order_type"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	Status         string           `json:"status"`
	StatusReason   string           `json:"status_reason,omitempty"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice   *decimal.Decimal `json:"avg_fill_price,omitempty"`
	BrokerOrderID  string           `json:"broker_order_id,omitempty"`
	Metadata       orders.Metadata  `json:"metadata"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Fills          []fillView       `json:"fills,omitempty"`
}

type fillView struct {
	ExecID     string           `json:"exec_id"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      decimal.Decimal  `json:"price"`
	Commission *decimal.Decimal `json:"commission,omitempty"`
	Synthetic  bool             `json:"synthetic,omitempty"`
	FillTime   time.Time        `json:"fill_time"`
}

func toOrderView(o orders.Order) orderView {
	return orderView{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		RunID:          o.RunID,
		Mode:           o.Mode,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		Quantity:       o.Quantity,
		OrderType:      string(o.OrderType),
		LimitPrice:     o.LimitPrice,
		Status:         string(o.Status),
		StatusReason:   o.StatusReason,
		FilledQuantity: o.FilledQuantity,
		AvgFillPrice:   o.AvgFillPrice,
		BrokerOrderID:  o.BrokerOrderID,
		Metadata:       o.Metadata,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

func toOrderViews(list []orders.Order) []orderView {
	out := make([]orderView, 0, len(list))
	for _, o := range list {
		out = append(out, toOrderView(o))
	}
	return out
}

func toFillViews(list []orders.Fill) []fillView {
	out := make([]fillView, 0, len(list))
	for _, f := range list {
		out = append(out, fillView{
			ExecID:     f.ExecID,
			Quantity:   f.Quantity,
			Price:      f.Price,
			Commission: f.Commission,
			Synthetic:  f.Synthetic,
			FillTime:   f.FillTime,
		})
	}
	return out
}

type runView struct {
	ID             int64       `json:"id"`
	Token          string      `json:"token"`
	Mode           string      `json:"mode"`
	Status         string      `json:"status"`
	Stage          string      `json:"stage,omitempty"`
	ProgressReason string      `json:"progress_reason,omitempty"`
	LastProgressAt time.Time   `json:"last_progress_at"`
	Params         runs.Params `json:"params"`
	Workdir        string      `json:"workdir,omitempty"`
	ClientID       int         `json:"client_id,omitempty"`
	WorkerPID      int         `json:"worker_pid,omitempty"`
	TerminalReason string      `json:"terminal_reason,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	Orders         []orderView `json:"orders,omitempty"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toRunView(r runs.Run) runView {
	return runView{
		ID:             r.ID,
		Token:          r.Token,
		Mode:           r.Mode,
		Status:         string(r.Status),
		Stage:          r.Stage,
		ProgressReason: r.ProgressReason,
		LastProgressAt: r.LastProgressAt,
		Params:         r.Params,
		Workdir:        r.Workdir,
		ClientID:       r.ClientID,
		WorkerPID:      r.WorkerPID,
		TerminalReason: r.TerminalReason,
		StartedAt:      optTime(r.StartedAt),
		FinishedAt:     optTime(r.FinishedAt),
		CreatedAt:      r.CreatedAt,
	}
}

type leaseView struct {
	ClientID      int        `json:"client_id"`
	Mode          string     `json:"mode"`
	Status        string     `json:"status"`
	OrderID       int64      `json:"order_id,omitempty"`
	PID           int        `json:"pid,omitempty"`
	Workdir       string     `json:"workdir,omitempty"`
	AcquiredAt    *time.Time `json:"acquired_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	ReleasedAt    *time.Time `json:"released_at,omitempty"`
	ReleaseReason string     `json:"release_reason,omitempty"`
}

// the lease token is a credential of the worker and is not exposed
func toLeaseViews(list []lease.Lease) []leaseView {
	out := make([]leaseView, 0, len(list))
	for _, l := range list {
		out = append(out, leaseView{
			ClientID:      l.ClientID,
			Mode:          l.Mode,
			Status:        string(l.Status),
			OrderID:       l.OrderID,
			PID:           l.PID,
			Workdir:       l.Workdir,
			AcquiredAt:    optTime(l.AcquiredAt),
			LastHeartbeat: optTime(l.LastHeartbeat),
			ReleasedAt:    optTime(l.ReleasedAt),
			ReleaseReason: l.ReleaseReason,
		})
	}
	return out
}

type leaderView struct {
	Mode     string            `json:"mode"`
	Status   *ipc.LeaderStatus `json:"status,omitempty"`
	State    *ipc.LeaderState  `json:"state,omitempty"`
	Degraded bool              `json:"degraded"`
}

type exclusionsView struct {
	Symbols   []string   `json:"symbols"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func toExclusionsView(doc exclusions.Document) exclusionsView {
	symbols := doc.Symbols
	if symbols == nil {
		symbols = []string{}
	}
	return exclusionsView{Symbols: symbols, UpdatedAt: optTime(doc.UpdatedAt)}
}
