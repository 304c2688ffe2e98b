package orders

import (
	"strings"
	"time"

	"brokerd/internal/pkg/reason"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusNew             Status = "NEW"
	StatusSubmitted       Status = "SUBMITTED"
	StatusPartial         Status = "PARTIAL"
	StatusCancelRequested Status = "CANCEL_REQUESTED"
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
	StatusRejected        Status = "REJECTED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusNew, StatusSubmitted, StatusPartial, StatusCancelRequested,
	StatusFilled, StatusCanceled, StatusRejected,
}

var transitions = map[Status]map[Status]bool{
	StatusNew:             {StatusSubmitted: true, StatusCanceled: true, StatusRejected: true},
	StatusSubmitted:       {StatusPartial: true, StatusFilled: true, StatusCanceled: true, StatusRejected: true, StatusCancelRequested: true},
	StatusPartial:         {StatusPartial: true, StatusFilled: true, StatusCanceled: true, StatusCancelRequested: true},
	StatusCancelRequested: {StatusPartial: true, StatusFilled: true, StatusCanceled: true, StatusRejected: true},
}

// CanTransition reports whether from→to is an edge of the lifecycle table.
// A same-state move is accepted as a no-op.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return transitions[from][to]
}

func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	default:
		return false
	}
}

// Working reports whether the order may still be live at the broker.
func (s Status) Working() bool {
	switch s {
	case StatusNew, StatusSubmitted, StatusPartial, StatusCancelRequested:
		return true
	default:
		return false
	}
}

func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range AllStatuses {
		if s == known {
			return s, true
		}
	}
	return "", false
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func NormalizeSide(raw string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY", "BOT", "B":
		return SideBuy, nil
	case "SELL", "SLD", "S":
		return SideSell, nil
	default:
		return "", reason.New(reason.InvalidOrder, "unknown side %q", raw)
	}
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

type OrderType string

const (
	OrderTypeMarket      OrderType = "MKT"
	OrderTypeLimit       OrderType = "LMT"
	OrderTypeAdaptiveLmt OrderType = "ADAPTIVE_LMT"
	OrderTypePegMid      OrderType = "PEG_MID"
)

var orderTypeAliases = map[string]OrderType{
	"MKT":            OrderTypeMarket,
	"MARKET":         OrderTypeMarket,
	"LMT":            OrderTypeLimit,
	"LIMIT":          OrderTypeLimit,
	"ADAPTIVE_LMT":   OrderTypeAdaptiveLmt,
	"ADAPTIVE_LIMIT": OrderTypeAdaptiveLmt,
	"ADAPTIVE":       OrderTypeAdaptiveLmt,
	"ADAPTIVELMT":    OrderTypeAdaptiveLmt,
	"PEG_MID":        OrderTypePegMid,
	"PEGMID":         OrderTypePegMid,
	"PEG_MIDPOINT":   OrderTypePegMid,
	"MIDPOINT":       OrderTypePegMid,
	"MIDPRICE":       OrderTypePegMid,
}

// NormalizeOrderType maps legacy and free-form spellings onto the closed set
// of order types. Unknown input is an error.
func NormalizeOrderType(raw string) (OrderType, error) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if ot, ok := orderTypeAliases[key]; ok {
		return ot, nil
	}
	return "", reason.New(reason.UnknownOrderType, "%q", raw)
}

// RequiresLimit reports whether the type must carry a limit price; every
// other type must not carry one.
func (t OrderType) RequiresLimit() bool { return t == OrderTypeLimit }

// Order is the domain view of an order row.
type Order struct {
	ID             int64
	ClientOrderID  string
	RunID          int64
	Mode           string
	Symbol         string
	Side           Side
	Quantity       decimal.Decimal
	OrderType      OrderType
	LimitPrice     *decimal.Decimal
	Status         Status
	StatusReason   string
	FilledQuantity decimal.Decimal
	AvgFillPrice   *decimal.Decimal
	BrokerOrderID  string
	Metadata       Metadata
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Remaining is quantity minus filled quantity, floored at zero.
func (o Order) Remaining() decimal.Decimal {
	rem := o.Quantity.Sub(o.FilledQuantity)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Tag resolves the correlation tag used by external snapshots.
func (o Order) Tag() string {
	return strings.TrimSpace(o.Metadata.Tag)
}

type Fill struct {
	ID         int64
	OrderID    int64
	ExecID     string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Commission *decimal.Decimal
	Synthetic  bool
	FillTime   time.Time
}

// CreateRequest describes a new order. ClientOrderID is the idempotency token.
type CreateRequest struct {
	ClientOrderID string
	RunID         int64
	Mode          string
	Symbol        string
	Side          string
	Quantity      decimal.Decimal
	OrderType     string
	LimitPrice    *decimal.Decimal
	Metadata      Metadata
}

// TransitionOptions carries provenance for a status change.
type TransitionOptions struct {
	Reason        string
	Source        string
	BrokerOrderID string
	// From, when set, lists the statuses the order must still hold. Anything
	// else fails with status_changed and writes nothing.
	From []Status
	// Mutate edits metadata in the same transaction as the status change.
	Mutate func(*Metadata)
}

func (o TransitionOptions) expects(s Status) bool {
	if len(o.From) == 0 {
		return true
	}
	for _, f := range o.From {
		if f == s {
			return true
		}
	}
	return false
}

// FillInput is one execution to apply.
type FillInput struct {
	ExecID     string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Commission *decimal.Decimal
	Time       time.Time
	Synthetic  bool
	Source     string
}
