// Package notify delivers fire-and-forget trade notifications.
package notify

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/breakout-trader/pkg/types"
)

// Notifier receives trading events. Implementations must never block the
// decision loop: delivery failures are logged and swallowed.
type Notifier interface {
	Signal(sig *types.Signal)
	TradeOpened(account string, trade *types.Trade)
	LegFilled(account string, trade *types.Trade, leg *types.Leg)
	TradeClosed(account string, trade *types.CompletedTrade)
	System(message string)
}

// Noop discards all notifications.
type Noop struct{}

func (Noop) Signal(*types.Signal)                                    {}
func (Noop) TradeOpened(string, *types.Trade)                        {}
func (Noop) LegFilled(string, *types.Trade, *types.Leg)              {}
func (Noop) TradeClosed(string, *types.CompletedTrade)               {}
func (Noop) System(string)                                           {}

// Dispatcher fans notifications out to sinks that may be registered after
// the trading components are wired (the status server, for one).
type Dispatcher struct {
	mu    sync.RWMutex
	sinks []Notifier
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Add registers a sink.
func (d *Dispatcher) Add(n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, n)
}

func (d *Dispatcher) each(fn func(Notifier)) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, n := range d.sinks {
		fn(n)
	}
}

func (d *Dispatcher) Signal(sig *types.Signal) {
	d.each(func(n Notifier) { n.Signal(sig) })
}

func (d *Dispatcher) TradeOpened(account string, trade *types.Trade) {
	d.each(func(n Notifier) { n.TradeOpened(account, trade) })
}

func (d *Dispatcher) LegFilled(account string, trade *types.Trade, leg *types.Leg) {
	d.each(func(n Notifier) { n.LegFilled(account, trade, leg) })
}

func (d *Dispatcher) TradeClosed(account string, trade *types.CompletedTrade) {
	d.each(func(n Notifier) { n.TradeClosed(account, trade) })
}

func (d *Dispatcher) System(message string) {
	d.each(func(n Notifier) { n.System(message) })
}

func formatMoney(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

func describeLegs(trade *types.Trade) string {
	if len(trade.Legs) != 2 {
		return fmt.Sprintf("%d legs", len(trade.Legs))
	}
	return fmt.Sprintf("%sC/%sP x%d",
		trade.Legs[0].Strike.StringFixed(0),
		trade.Legs[1].Strike.StringFixed(0),
		trade.Legs[0].Contracts,
	)
}
