package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/breakout-trader/pkg/types"
)

// ErrLegResolution means no tradable call/put pair was found within the
// retry budget. No partial trade is opened in that case.
var ErrLegResolution = errors.New("could not resolve both legs")

// ChainProvider serves option chain snapshots; implemented by the market
// data hub so all accounts share one cached snapshot per signal.
type ChainProvider interface {
	OptionChain(ctx context.Context, symbol, expiration string) (*types.OptionChain, error)
}

// Selector picks the two legs of a trade from the option chain.
type Selector struct {
	logger *zap.Logger
	config types.StrategyConfig
	chains ChainProvider
}

// NewSelector creates a leg selector.
func NewSelector(logger *zap.Logger, config types.StrategyConfig, chains ChainProvider) *Selector {
	return &Selector{
		logger: logger,
		config: config,
		chains: chains,
	}
}

// Resolve finds one call and one put for the signal: nearest strike to the
// trigger price whose ask sits inside the regime premium band and clears the
// quote sanity floor (ask > bid x ratio). Each attempt refetches the chain
// (cache permitting); both legs must resolve or the entry is abandoned.
func (s *Selector) Resolve(ctx context.Context, symbol, expiration string, sig *types.Signal, regime types.Regime) (call, put *types.OptionQuote, err error) {
	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		chain, chainErr := s.chains.OptionChain(ctx, symbol, expiration)
		if chainErr != nil {
			s.logger.Warn("chain fetch failed during leg resolution",
				zap.Int("attempt", attempt),
				zap.Error(chainErr),
			)
		} else {
			call = s.pickLeg(chain, types.OptionTypeCall, sig.Price, regime)
			put = s.pickLeg(chain, types.OptionTypePut, sig.Price, regime)
			if call != nil && put != nil {
				return call, put, nil
			}
			s.logger.Info("leg resolution incomplete",
				zap.Int("attempt", attempt),
				zap.Bool("call_found", call != nil),
				zap.Bool("put_found", put != nil),
				zap.String("premium_min", regime.PremiumMin.String()),
				zap.String("premium_max", regime.PremiumMax.String()),
			)
		}

		if attempt < s.config.MaxRetries {
			select {
			case <-time.After(s.config.RetryDelay):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}
	}
	return nil, nil, fmt.Errorf("%w after %d attempts", ErrLegResolution, s.config.MaxRetries)
}

// pickLeg returns the eligible quote with the strike nearest the underlying
// price at signal time, or nil.
func (s *Selector) pickLeg(chain *types.OptionChain, optType types.OptionType, price float64, regime types.Regime) *types.OptionQuote {
	ref := decimal.NewFromFloat(price)

	var best *types.OptionQuote
	var bestDist decimal.Decimal
	for i := range chain.Quotes {
		q := &chain.Quotes[i]
		if q.Type != optType {
			continue
		}
		if q.Ask.LessThan(regime.PremiumMin) || q.Ask.GreaterThan(regime.PremiumMax) {
			continue
		}
		if q.Ask.IsZero() || !q.Ask.GreaterThan(q.Bid.Mul(s.config.BidAskRatio)) {
			continue
		}
		dist := q.Strike.Sub(ref).Abs()
		if best == nil || dist.LessThan(bestDist) {
			best = q
			bestDist = dist
		}
	}
	return best
}

// ContractsFor sizes one leg: floor(riskPerSide / (price * 100)), minimum 1.
func ContractsFor(riskPerSide, price decimal.Decimal) int {
	if price.LessThanOrEqual(decimal.Zero) {
		return 1
	}
	contracts := riskPerSide.Div(price.Mul(decimal.NewFromInt(100))).IntPart()
	if contracts < 1 {
		return 1
	}
	return int(contracts)
}
