// Package broker defines the market data and order execution boundaries and
// their Tradier and simulated implementations.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/breakout-trader/pkg/types"
)

// Errors shared across implementations
var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderTerminal is returned by CancelOrder when the order already
	// filled, cancelled, or expired. Callers treat it as success during
	// cleanup.
	ErrOrderTerminal = errors.New("order already in terminal state")
	ErrNoQuote       = errors.New("no quote available")
)

// QuoteSource supplies underlying price ticks
type QuoteSource interface {
	LatestOHLC(ctx context.Context, symbol string) (*types.MarketTick, error)
}

// ChainSource supplies option chain snapshots
type ChainSource interface {
	FetchOptionChain(ctx context.Context, symbol, expiration string) (*types.OptionChain, error)
}

// VolIndexSource supplies the volatility index level
type VolIndexSource interface {
	IndexValue(ctx context.Context, symbol string) (float64, error)
}

// OrderReport is the broker's view of an order
type OrderReport struct {
	ID             string            `json:"id"`
	Status         types.OrderStatus `json:"status"`
	FilledQuantity int               `json:"filledQuantity"`
	AvgFillPrice   decimal.Decimal   `json:"avgFillPrice"`
}

// OrderExecutor places and manages option orders for one account.
// refPrice on market orders is the caller's expected fill; simulated
// executors fill at it, live executors ignore it.
type OrderExecutor interface {
	PlaceMarketOrder(ctx context.Context, occSymbol string, side types.OrderSide, quantity int, refPrice decimal.Decimal) (*OrderReport, error)
	PlaceLimitOrder(ctx context.Context, occSymbol string, side types.OrderSide, quantity int, limitPrice decimal.Decimal) (*OrderReport, error)
	OrderStatus(ctx context.Context, orderID string) (*OrderReport, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// OCCSymbol builds the standard 21-character option symbol:
// underlying + yymmdd + C/P + strike*1000 zero-padded to 8 digits.
func OCCSymbol(underlying, expiration string, optType types.OptionType, strike decimal.Decimal) (string, error) {
	exp, err := time.Parse("2006-01-02", expiration)
	if err != nil {
		return "", fmt.Errorf("parse expiration %q: %w", expiration, err)
	}
	var cp string
	switch optType {
	case types.OptionTypeCall:
		cp = "C"
	case types.OptionTypePut:
		cp = "P"
	default:
		return "", fmt.Errorf("invalid option type %q", optType)
	}
	milli := strike.Mul(decimal.NewFromInt(1000)).IntPart()
	if milli <= 0 {
		return "", fmt.Errorf("invalid strike %s", strike)
	}
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(underlying), exp.Format("060102"), cp, milli), nil
}
