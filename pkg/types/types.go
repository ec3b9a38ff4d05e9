// Package types provides shared type definitions for the breakout trader.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus represents the status of a broker order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusExpired   OrderStatus = "expired"
)

// Terminal reports whether the order can no longer fill.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OptionType represents a call or put contract
type OptionType string

const (
	OptionTypeCall OptionType = "call"
	OptionTypePut  OptionType = "put"
)

// MarketTick is a single underlying quote sample
type MarketTick struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// OptionQuote is a single contract row from an option chain
type OptionQuote struct {
	Symbol     string          `json:"symbol"` // OCC symbol
	Underlying string          `json:"underlying"`
	Type       OptionType      `json:"type"`
	Strike     decimal.Decimal `json:"strike"`
	Expiration string          `json:"expiration"` // YYYY-MM-DD
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Volume     int64           `json:"volume"`
}

// OptionChain is a snapshot of all contracts for one underlying/expiration
type OptionChain struct {
	Underlying string        `json:"underlying"`
	Expiration string        `json:"expiration"`
	Quotes     []OptionQuote `json:"quotes"`
	FetchedAt  time.Time     `json:"fetchedAt"`
}

// Quote returns the chain row for an OCC symbol, or nil.
func (c *OptionChain) Quote(occSymbol string) *OptionQuote {
	for i := range c.Quotes {
		if c.Quotes[i].Symbol == occSymbol {
			return &c.Quotes[i]
		}
	}
	return nil
}

// RegimeLevel classifies the volatility environment
type RegimeLevel string

const (
	RegimeLow  RegimeLevel = "low"
	RegimeHigh RegimeLevel = "high"
)

// Regime is an immutable snapshot of the active volatility parameters.
// Trades capture the snapshot at entry time; later regime flips never
// change an open trade's targets.
type Regime struct {
	Level            RegimeLevel     `json:"level"`
	IndexValue       float64         `json:"indexValue"`
	MoveThreshold    float64         `json:"moveThreshold"` // dollars of underlying range
	PremiumMin       decimal.Decimal `json:"premiumMin"`
	PremiumMax       decimal.Decimal `json:"premiumMax"`
	TargetMultiplier decimal.Decimal `json:"targetMultiplier"`
	FetchedAt        time.Time       `json:"fetchedAt"`
}

// Signal is a breakout detection emitted by the signal detector
type Signal struct {
	ID             string      `json:"id"`
	Symbol         string      `json:"symbol"`
	Timestamp      time.Time   `json:"timestamp"`
	Price          float64     `json:"price"` // underlying close at trigger
	WindowHigh     float64     `json:"windowHigh"`
	WindowLow      float64     `json:"windowLow"`
	MovePoints     float64     `json:"movePoints"`
	MovePercent    float64     `json:"movePercent"`
	ReferencePrice float64     `json:"referencePrice"` // window low
	Regime         RegimeLevel `json:"regime"`
}

// TradeState is the lifecycle state of a two-legged position
type TradeState string

const (
	TradeStateNone            TradeState = "none"
	TradeStatePendingEntry    TradeState = "pending_entry"
	TradeStateOpen            TradeState = "open"
	TradeStatePartiallyFilled TradeState = "partially_filled"
	TradeStateClosed          TradeState = "closed"
)

// ExitReason identifies why a trade was closed. Exactly one reason is
// recorded per trade.
type ExitReason string

const (
	ExitReasonLimitFill     ExitReason = "limit_fill"
	ExitReasonEmergencyStop ExitReason = "emergency_stop"
	ExitReasonMarketClose   ExitReason = "market_close"
	ExitReasonMaxHold       ExitReason = "max_hold"
	ExitReasonStopLoss      ExitReason = "stop_loss"
	ExitReasonProfitTarget  ExitReason = "profit_target"
	ExitReasonShutdown      ExitReason = "shutdown"
)

// Leg is one side (call or put) of a two-legged trade
type Leg struct {
	Type         OptionType      `json:"type"`
	OCCSymbol    string          `json:"occSymbol"`
	Strike       decimal.Decimal `json:"strike"`
	Expiration   string          `json:"expiration"`
	Contracts    int             `json:"contracts"`
	EntryPrice   decimal.Decimal `json:"entryPrice"` // per contract, after slippage
	EntryOrderID string          `json:"entryOrderId"`
	LimitOrderID string          `json:"limitOrderId,omitempty"`
	TargetPrice  decimal.Decimal `json:"targetPrice"`
	ExitPrice    decimal.Decimal `json:"exitPrice,omitempty"`
	Exited       bool            `json:"exited"`
}

// Trade is an open two-legged position owned by one account engine
type Trade struct {
	ID               string          `json:"id"`
	Account          string          `json:"account"`
	SignalID         string          `json:"signalId"`
	State            TradeState      `json:"state"`
	Legs             []*Leg          `json:"legs"`
	EntryTime        time.Time       `json:"entryTime"`
	EntryCost        decimal.Decimal `json:"entryCost"`       // legs only, no commission
	EntryCommission  decimal.Decimal `json:"entryCommission"` // both legs
	Regime           RegimeLevel     `json:"regime"`
	TargetMultiplier decimal.Decimal `json:"targetMultiplier"` // captured at entry
}

// TotalContracts returns the contract count summed over legs.
func (t *Trade) TotalContracts() int {
	n := 0
	for _, leg := range t.Legs {
		n += leg.Contracts
	}
	return n
}

// CompletedTrade is the immutable audit record of a closed trade
type CompletedTrade struct {
	Trade
	ExitTime       time.Time       `json:"exitTime"`
	ExitReason     ExitReason      `json:"exitReason"`
	ExitValue      decimal.Decimal `json:"exitValue"`
	ExitCommission decimal.Decimal `json:"exitCommission"`
	PnL            decimal.Decimal `json:"pnl"`
	HoldSeconds    int64           `json:"holdSeconds"`
}

// AccountStats is a point-in-time snapshot of one account engine
type AccountStats struct {
	Account       string          `json:"account"`
	Enabled       bool            `json:"enabled"`
	Running       bool            `json:"running"`
	State         TradeState      `json:"state"`
	OpenTrades    int             `json:"openTrades"`
	DailyTrades   int             `json:"dailyTrades"`
	DailyPnL      decimal.Decimal `json:"dailyPnl"`
	TotalPnL      decimal.Decimal `json:"totalPnl"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
	LastEntryTime time.Time       `json:"lastEntryTime,omitempty"`
	TradingDay    string          `json:"tradingDay,omitempty"` // YYYY-MM-DD in market time
}

// EventType tags events published to the API stream and notifier
type EventType string

const (
	EventSignal      EventType = "signal"
	EventTradeOpened EventType = "trade_opened"
	EventLegFilled   EventType = "leg_filled"
	EventTradeClosed EventType = "trade_closed"
	EventSystem      EventType = "system"
)

// Event is a broadcastable occurrence within the trading system
type Event struct {
	Type      EventType   `json:"type"`
	Account   string      `json:"account,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}
