package leader

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"brokerd/internal/ipc"

	"github.com/shopspring/decimal"
)

// Session is the brokerage connection owned by the leader. Only the leader
// process talks to it; everyone else goes through command files.
type Session interface {
	Connect(ctx context.Context) error
	Healthy() bool
	MarketDataType() string
	Subscribe(symbols []string) error
	OpenOrders(ctx context.Context) ([]ipc.OpenOrderItem, error)
	Positions(ctx context.Context) ([]ipc.PositionItem, error)
	Account(ctx context.Context) (ipc.AccountSnapshot, error)
	Quotes(ctx context.Context, symbols []string) ([]ipc.Quote, error)
	// Executions returns events produced since the previous call.
	Executions(ctx context.Context) ([]ipc.Event, error)
	PlaceOrder(ctx context.Context, cmd ipc.Command) (string, error)
	CancelOrder(ctx context.Context, cmd ipc.Command) error
	Close() error
}

// NewSession builds the session for a gateway name.
func NewSession(gateway string) (Session, error) {
	switch strings.ToLower(strings.TrimSpace(gateway)) {
	case "", "sim":
		return NewSimSession(), nil
	default:
		return nil, fmt.Errorf("leader: unsupported gateway %q", gateway)
	}
}

type simOrder struct {
	brokerID   string
	orderID    int64
	tag        string
	symbol     string
	side       string
	quantity   decimal.Decimal
	filled     decimal.Decimal
	orderType  string
	limitPrice *decimal.Decimal
}

// SimSession is a deterministic in-memory broker. Marketable orders fill
// immediately at the last price; limit orders rest until SetPrice crosses them.
type SimSession struct {
	mu         sync.Mutex
	connected  bool
	healthy    bool
	nextID     int64
	execSeq    int64
	prices     map[string]decimal.Decimal
	open       map[string]*simOrder
	positions  map[string]*ipc.PositionItem
	pending    []ipc.Event
	subscribed []string
	now        func() time.Time

	// RejectSymbols makes PlaceOrder fail for these symbols.
	RejectSymbols map[string]bool
}

func NewSimSession() *SimSession {
	return &SimSession{
		healthy:       true,
		prices:        make(map[string]decimal.Decimal),
		open:          make(map[string]*simOrder),
		positions:     make(map[string]*ipc.PositionItem),
		now:           time.Now,
		RejectSymbols: make(map[string]bool),
	}
}

var defaultSimPrice = decimal.NewFromInt(100)

func (s *SimSession) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *SimSession) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && s.healthy
}

// SetHealthy flips the simulated connection state.
func (s *SimSession) SetHealthy(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = ok
}

func (s *SimSession) MarketDataType() string { return "delayed" }

func (s *SimSession) Subscribe(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append([]string(nil), symbols...)
	return nil
}

func (s *SimSession) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscribed...)
}

func (s *SimSession) OpenOrders(context.Context) ([]ipc.OpenOrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ipc.OpenOrderItem, 0, len(s.open))
	for _, o := range s.open {
		out = append(out, ipc.OpenOrderItem{
			Tag:           o.tag,
			Symbol:        o.symbol,
			Side:          o.side,
			Quantity:      o.quantity,
			Filled:        o.filled,
			OrderType:     o.orderType,
			LimitPrice:    o.limitPrice,
			Status:        "Submitted",
			BrokerOrderID: o.brokerID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerOrderID < out[j].BrokerOrderID })
	return out, nil
}

func (s *SimSession) Positions(context.Context) ([]ipc.PositionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ipc.PositionItem, 0, len(s.positions))
	for _, p := range s.positions {
		item := *p
		item.MarketValue = item.Quantity.Mul(s.priceLocked(item.Symbol))
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *SimSession) Account(context.Context) (ipc.AccountSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nav := decimal.NewFromInt(1_000_000)
	for _, p := range s.positions {
		nav = nav.Add(p.Quantity.Mul(s.priceLocked(p.Symbol).Sub(p.AvgCost)))
	}
	return ipc.AccountSnapshot{NetLiquidation: nav, BuyingPower: nav.Mul(decimal.NewFromInt(2)), Currency: "USD", RefreshedAt: s.now().UTC()}, nil
}

func (s *SimSession) Quotes(_ context.Context, symbols []string) ([]ipc.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spread := decimal.RequireFromString("0.01")
	out := make([]ipc.Quote, 0, len(symbols))
	for _, sym := range symbols {
		last := s.priceLocked(sym)
		out = append(out, ipc.Quote{Symbol: sym, Bid: last.Sub(spread), Ask: last.Add(spread), Last: last})
	}
	return out, nil
}

func (s *SimSession) Executions(context.Context) ([]ipc.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out, nil
}

func (s *SimSession) PlaceOrder(_ context.Context, cmd ipc.Command) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || !s.healthy {
		return "", fmt.Errorf("sim: not connected")
	}
	symbol := strings.ToUpper(strings.TrimSpace(cmd.Symbol))
	if s.RejectSymbols[symbol] {
		s.emitLocked(ipc.Event{OrderID: cmd.OrderID, Tag: cmd.Tag, Symbol: symbol, Status: "REJECTED", Reason: "sim_reject"})
		return "", fmt.Errorf("sim: %s rejected", symbol)
	}
	if cmd.Quantity == nil || !cmd.Quantity.IsPositive() {
		return "", fmt.Errorf("sim: quantity required")
	}
	s.nextID++
	o := &simOrder{
		brokerID:   fmt.Sprintf("SIM-%d", s.nextID),
		orderID:    cmd.OrderID,
		tag:        cmd.Tag,
		symbol:     symbol,
		side:       strings.ToUpper(cmd.Side),
		quantity:   *cmd.Quantity,
		filled:     decimal.Zero,
		orderType:  cmd.OrderType,
		limitPrice: cmd.LimitPrice,
	}
	s.open[o.brokerID] = o
	s.emitLocked(ipc.Event{OrderID: o.orderID, Tag: o.tag, Symbol: symbol, Status: "SUBMITTED"})
	s.matchLocked(o)
	return o.brokerID, nil
}

func (s *SimSession) CancelOrder(_ context.Context, cmd ipc.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, o := range s.open {
		if (cmd.BrokerOrderID != "" && o.brokerID == cmd.BrokerOrderID) ||
			(cmd.Tag != "" && o.tag == cmd.Tag) ||
			(cmd.OrderID > 0 && o.orderID == cmd.OrderID) {
			delete(s.open, id)
			s.emitLocked(ipc.Event{OrderID: o.orderID, Tag: o.tag, Symbol: o.symbol, Status: "CANCELED", Filled: decimal.Zero})
			return nil
		}
	}
	return fmt.Errorf("sim: order not open")
}

// SetPrice moves the last price and fills any resting limit it crosses.
func (s *SimSession) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	s.prices[symbol] = price
	for _, o := range s.open {
		if o.symbol == symbol {
			s.matchLocked(o)
		}
	}
}

func (s *SimSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *SimSession) priceLocked(symbol string) decimal.Decimal {
	if p, ok := s.prices[strings.ToUpper(symbol)]; ok {
		return p
	}
	return defaultSimPrice
}

func (s *SimSession) matchLocked(o *simOrder) {
	price := s.priceLocked(o.symbol)
	if o.limitPrice != nil {
		if o.side == "BUY" && price.GreaterThan(*o.limitPrice) {
			return
		}
		if o.side == "SELL" && price.LessThan(*o.limitPrice) {
			return
		}
	}
	qty := o.quantity.Sub(o.filled)
	if !qty.IsPositive() {
		return
	}
	s.execSeq++
	o.filled = o.quantity
	delete(s.open, o.brokerID)
	s.applyPositionLocked(o.symbol, o.side, qty, price)
	commission := decimal.RequireFromString("0.35")
	s.emitLocked(ipc.Event{
		OrderID:    o.orderID,
		Tag:        o.tag,
		Symbol:     o.symbol,
		Status:     "FILLED",
		Filled:     qty,
		FillPrice:  price,
		Direction:  o.side,
		ExecID:     fmt.Sprintf("sim-%s-%d", o.brokerID, s.execSeq),
		Commission: &commission,
	})
}

func (s *SimSession) applyPositionLocked(symbol, side string, qty, price decimal.Decimal) {
	p, ok := s.positions[symbol]
	if !ok {
		p = &ipc.PositionItem{Symbol: symbol}
		s.positions[symbol] = p
	}
	delta := qty
	if side == "SELL" {
		delta = qty.Neg()
	}
	next := p.Quantity.Add(delta)
	if p.Quantity.Sign() == 0 || p.Quantity.Sign() == delta.Sign() {
		cost := p.AvgCost.Mul(p.Quantity.Abs()).Add(price.Mul(qty))
		if !next.IsZero() {
			p.AvgCost = cost.Div(next.Abs())
		}
	}
	if next.IsZero() {
		p.AvgCost = decimal.Zero
	}
	p.Quantity = next
}

func (s *SimSession) emitLocked(ev ipc.Event) {
	if ev.Time.IsZero() {
		ev.Time = s.now().UTC()
	}
	s.pending = append(s.pending, ev)
}
