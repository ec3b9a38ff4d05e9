package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/breakout-trader/pkg/types"
)

// QuoteFunc returns the current bid/ask for an OCC symbol. Used by the
// simulated executor to decide limit fills.
type QuoteFunc func(occSymbol string) (bid, ask decimal.Decimal, ok bool)

type simOrder struct {
	report     OrderReport
	occSymbol  string
	side       types.OrderSide
	quantity   int
	limitPrice decimal.Decimal
	isLimit    bool
}

// SimulatedExecutor fills market orders immediately at the caller's
// reference price and holds limit orders open until the quoted bid crosses
// the limit. Safe for concurrent use.
type SimulatedExecutor struct {
	mu     sync.Mutex
	logger *zap.Logger
	seq    int64
	orders map[string]*simOrder
	quote  QuoteFunc
}

// NewSimulatedExecutor creates a simulated executor. quote may be nil, in
// which case limit orders stay open until cancelled.
func NewSimulatedExecutor(logger *zap.Logger, quote QuoteFunc) *SimulatedExecutor {
	return &SimulatedExecutor{
		logger: logger,
		orders: make(map[string]*simOrder),
		quote:  quote,
	}
}

func (e *SimulatedExecutor) nextID() string {
	e.seq++
	return fmt.Sprintf("sim-%d", e.seq)
}

// PlaceMarketOrder fills immediately at refPrice.
func (e *SimulatedExecutor) PlaceMarketOrder(ctx context.Context, occSymbol string, side types.OrderSide, quantity int, refPrice decimal.Decimal) (*OrderReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID()
	order := &simOrder{
		report: OrderReport{
			ID:             id,
			Status:         types.OrderStatusFilled,
			FilledQuantity: quantity,
			AvgFillPrice:   refPrice,
		},
		occSymbol: occSymbol,
		side:      side,
		quantity:  quantity,
	}
	e.orders[id] = order

	e.logger.Debug("simulated market fill",
		zap.String("symbol", occSymbol),
		zap.String("side", string(side)),
		zap.Int("quantity", quantity),
		zap.String("price", refPrice.String()),
	)
	report := order.report
	return &report, nil
}

// PlaceLimitOrder opens a resting limit order.
func (e *SimulatedExecutor) PlaceLimitOrder(ctx context.Context, occSymbol string, side types.OrderSide, quantity int, limitPrice decimal.Decimal) (*OrderReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID()
	order := &simOrder{
		report: OrderReport{
			ID:     id,
			Status: types.OrderStatusOpen,
		},
		occSymbol:  occSymbol,
		side:       side,
		quantity:   quantity,
		limitPrice: limitPrice,
		isLimit:    true,
	}
	e.orders[id] = order

	report := order.report
	return &report, nil
}

// OrderStatus reports an order, filling resting limit sells whose limit the
// quoted bid has reached.
func (e *SimulatedExecutor) OrderStatus(ctx context.Context, orderID string) (*OrderReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}

	if order.isLimit && order.report.Status == types.OrderStatusOpen && e.quote != nil {
		bid, _, ok := e.quote(order.occSymbol)
		if ok && order.side == types.OrderSideSell && bid.GreaterThanOrEqual(order.limitPrice) {
			order.report.Status = types.OrderStatusFilled
			order.report.FilledQuantity = order.quantity
			order.report.AvgFillPrice = order.limitPrice
		}
	}

	report := order.report
	return &report, nil
}

// CancelOrder cancels a resting order; terminal orders yield ErrOrderTerminal.
func (e *SimulatedExecutor) CancelOrder(ctx context.Context, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if order.report.Status.Terminal() {
		return ErrOrderTerminal
	}
	order.report.Status = types.OrderStatusCancelled
	return nil
}

// SimulatedFeed produces a random-walk underlying with a synthetic option
// chain, so simulated mode runs without broker credentials. It implements
// QuoteSource, ChainSource, and VolIndexSource.
type SimulatedFeed struct {
	mu         sync.Mutex
	logger     *zap.Logger
	symbol     string
	price      float64
	indexValue float64
	rng        *rand.Rand
}

// NewSimulatedFeed seeds a feed at startPrice with a fixed index level.
func NewSimulatedFeed(logger *zap.Logger, symbol string, startPrice, indexValue float64) *SimulatedFeed {
	return &SimulatedFeed{
		logger:     logger,
		symbol:     symbol,
		price:      startPrice,
		indexValue: indexValue,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// LatestOHLC advances the random walk one step.
func (f *SimulatedFeed) LatestOHLC(ctx context.Context, symbol string) (*types.MarketTick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	step := (f.rng.Float64() - 0.5) * 0.4 // +/- 20 cents per tick
	open := f.price
	f.price += step
	high := math.Max(open, f.price)
	low := math.Min(open, f.price)

	return &types.MarketTick{
		Symbol:    symbol,
		Timestamp: time.Now(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     f.price,
		Volume:    f.rng.Int63n(100000),
	}, nil
}

// IndexValue returns the configured index level.
func (f *SimulatedFeed) IndexValue(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.indexValue, nil
}

// FetchOptionChain synthesizes strikes around the current price with
// premiums decaying away from the money.
func (f *SimulatedFeed) FetchOptionChain(ctx context.Context, symbol, expiration string) (*types.OptionChain, error) {
	f.mu.Lock()
	spot := f.price
	f.mu.Unlock()

	chain := &types.OptionChain{
		Underlying: symbol,
		Expiration: expiration,
		FetchedAt:  time.Now(),
	}

	atm := math.Round(spot)
	for offset := -10.0; offset <= 10.0; offset++ {
		strike := atm + offset
		if strike <= 0 {
			continue
		}
		strikeDec := decimal.NewFromFloat(strike)

		callMid := premiumFor(spot - strike)
		putMid := premiumFor(strike - spot)

		for _, side := range []struct {
			t   types.OptionType
			mid float64
		}{
			{types.OptionTypeCall, callMid},
			{types.OptionTypePut, putMid},
		} {
			occ, err := OCCSymbol(symbol, expiration, side.t, strikeDec)
			if err != nil {
				return nil, err
			}
			bid := decimal.NewFromFloat(side.mid * 0.97).Round(2)
			ask := decimal.NewFromFloat(side.mid * 1.03).Round(2)
			chain.Quotes = append(chain.Quotes, types.OptionQuote{
				Symbol:     occ,
				Underlying: symbol,
				Type:       side.t,
				Strike:     strikeDec,
				Expiration: expiration,
				Bid:        bid,
				Ask:        ask,
				Volume:     int64(100 / (1 + math.Abs(offset))),
			})
		}
	}
	return chain, nil
}

// premiumFor is a crude intrinsic-plus-time-value curve for the synthetic
// chain.
func premiumFor(moneyness float64) float64 {
	timeValue := 0.80 * math.Exp(-math.Abs(moneyness)/4.0)
	if moneyness > 0 {
		return moneyness + timeValue
	}
	return timeValue
}
