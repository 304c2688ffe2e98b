package ipc

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Leader status values.
const (
	LeaderOK       = "ok"
	LeaderDegraded = "degraded"
	LeaderStarting = "starting"
	LeaderStopped  = "stopped"
)

// LeaderStatus is written by the leader every loop iteration.
type LeaderStatus struct {
	Status            string    `json:"status"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	Stale             bool      `json:"stale"`
	SubscribedSymbols []string  `json:"subscribed_symbols"`
	ErrorCount        int       `json:"error_count"`
	LastError         string    `json:"last_error,omitempty"`
	MarketDataType    string    `json:"market_data_type,omitempty"`
	PID               int       `json:"pid,omitempty"`
	Mode              string    `json:"mode,omitempty"`
}

// Degraded reports whether the status asks for supervisor attention.
func (s LeaderStatus) Degraded() bool {
	switch strings.ToLower(strings.TrimSpace(s.Status)) {
	case LeaderOK, LeaderStarting:
		return s.Stale
	default:
		return true
	}
}

// LeaderState is the supervisor's own record of the process it launched.
type LeaderState struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Restarts  int       `json:"restarts"`
	Command   string    `json:"command,omitempty"`
}

type OpenOrderItem struct {
	Tag           string           `json:"tag"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side,omitempty"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Filled        decimal.Decimal  `json:"filled"`
	OrderType     string           `json:"order_type,omitempty"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	Status        string           `json:"status,omitempty"`
	BrokerOrderID string           `json:"broker_order_id,omitempty"`
}

type OpenOrdersSnapshot struct {
	Items       []OpenOrderItem `json:"items"`
	Stale       bool            `json:"stale"`
	RefreshedAt time.Time       `json:"refreshed_at"`
}

type PositionItem struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
	MarketValue decimal.Decimal `json:"market_value"`
}

type PositionsSnapshot struct {
	Items        []PositionItem `json:"items"`
	Stale        bool           `json:"stale"`
	RefreshedAt  time.Time      `json:"refreshed_at"`
	SourceDetail string         `json:"source_detail,omitempty"`
}

// Position returns the item for symbol; a missing symbol is a flat position.
func (p PositionsSnapshot) Position(symbol string) PositionItem {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, it := range p.Items {
		if strings.EqualFold(it.Symbol, symbol) {
			return it
		}
	}
	return PositionItem{Symbol: symbol}
}

type AccountSnapshot struct {
	NetLiquidation decimal.Decimal `json:"net_liquidation"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	Currency       string          `json:"currency,omitempty"`
	RefreshedAt    time.Time       `json:"refreshed_at"`
}

type Quote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
}

type QuotesSnapshot struct {
	Items       []Quote   `json:"items"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Watchlist is rewritten only when its symbol set changes.
type Watchlist struct {
	Symbols   []string  `json:"symbols"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fresh reports whether a snapshot may be trusted at now: not flagged stale,
// refreshed at least once, and (when maxAge > 0) not older than maxAge.
func Fresh(stale bool, refreshedAt, now time.Time, maxAge time.Duration) bool {
	if stale || refreshedAt.IsZero() {
		return false
	}
	return maxAge <= 0 || now.Sub(refreshedAt) <= maxAge
}

// Tags returns the set of non-empty tags in the snapshot.
func (s OpenOrdersSnapshot) Tags() map[string]OpenOrderItem {
	out := make(map[string]OpenOrderItem, len(s.Items))
	for _, it := range s.Items {
		tag := strings.TrimSpace(it.Tag)
		if tag == "" {
			continue
		}
		out[tag] = it
	}
	return out
}
