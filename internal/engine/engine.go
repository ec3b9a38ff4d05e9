// Package engine owns the per-account trade lifecycle: entry, exit priority,
// cascade close on limit fills, and daily accounting.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/breakout-trader/internal/audit"
	"github.com/atlas-desktop/breakout-trader/internal/broker"
	"github.com/atlas-desktop/breakout-trader/internal/metrics"
	"github.com/atlas-desktop/breakout-trader/internal/notify"
	"github.com/atlas-desktop/breakout-trader/internal/risk"
	"github.com/atlas-desktop/breakout-trader/pkg/types"
)

var hundred = decimal.NewFromInt(100)

// Engine runs one account. At most one two-legged trade is open at a time;
// all methods are serialized by the engine mutex.
type Engine struct {
	logger   *zap.Logger
	account  types.AccountConfig
	config   types.StrategyConfig
	hours    *types.MarketHours
	symbol   string
	executor broker.OrderExecutor
	chains   ChainProvider
	gate     *risk.Gate
	auditLog *audit.Log
	notifier notify.Notifier
	metrics  *metrics.Metrics

	mu            sync.Mutex
	enabled       bool
	running       bool
	trade         *types.Trade
	lastEntryTime time.Time
	tradingDay    string
	dailyTrades   int
	dailyPnL      decimal.Decimal
	totalPnL      decimal.Decimal
	wins          int
	losses        int
	lastLimitPoll time.Time
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Executor broker.OrderExecutor
	Chains   ChainProvider
	Gate     *risk.Gate
	Audit    *audit.Log
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
}

// NewEngine creates an engine for one account with its merged strategy
// config.
func NewEngine(logger *zap.Logger, account types.AccountConfig, config types.StrategyConfig, hours *types.MarketHours, symbol string, deps Deps) *Engine {
	return &Engine{
		logger:   logger.With(zap.String("account", account.Name)),
		account:  account,
		config:   config,
		hours:    hours,
		symbol:   symbol,
		executor: deps.Executor,
		chains:   deps.Chains,
		gate:     deps.Gate,
		auditLog: deps.Audit,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		enabled:  account.Enabled,
		dailyPnL: decimal.Zero,
		totalPnL: decimal.Zero,
	}
}

// Start marks the engine running.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
	e.logger.Info("engine started",
		zap.Bool("enabled", e.enabled),
		zap.String("risk_per_side", e.config.RiskPerSide.StringFixed(2)),
	)
}

// Stop cancels resting orders and marks the engine stopped. Open positions
// are left to the caller, which force-closes them first when required.
func (e *Engine) Stop(ctx context.Context) {
	e.Cleanup(ctx)
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.logger.Info("engine stopped")
}

// Name returns the account name.
func (e *Engine) Name() string {
	return e.account.Name
}

// Config returns the merged strategy config.
func (e *Engine) Config() types.StrategyConfig {
	return e.config
}

// Gate returns the account's risk gate.
func (e *Engine) Gate() *risk.Gate {
	return e.gate
}

// Audit returns the account's audit log.
func (e *Engine) Audit() *audit.Log {
	return e.auditLog
}

// Disable turns entries off, used by the emergency stop.
func (e *Engine) Disable(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return
	}
	e.enabled = false
	e.logger.Warn("engine disabled", zap.String("reason", reason))
}

// Snapshot returns a point-in-time view of the account for gating and the
// status API.
func (e *Engine) Snapshot() types.AccountStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() types.AccountStats {
	state := types.TradeStateNone
	open := 0
	if e.trade != nil {
		state = e.trade.State
		open = 1
	}
	return types.AccountStats{
		Account:       e.account.Name,
		Enabled:       e.enabled,
		Running:       e.running,
		State:         state,
		OpenTrades:    open,
		DailyTrades:   e.dailyTrades,
		DailyPnL:      e.dailyPnL,
		TotalPnL:      e.totalPnL,
		Wins:          e.wins,
		Losses:        e.losses,
		LastEntryTime: e.lastEntryTime,
		TradingDay:    e.tradingDay,
	}
}

// MarkDay rolls daily counters when the tick's market date changes.
func (e *Engine) MarkDay(now time.Time) {
	day := e.hours.Day(now)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tradingDay == day {
		return
	}
	if e.tradingDay != "" {
		e.logger.Info("trading day rollover",
			zap.String("previous_day", e.tradingDay),
			zap.Int("daily_trades", e.dailyTrades),
			zap.String("daily_pnl", e.dailyPnL.StringFixed(2)),
		)
	}
	e.tradingDay = day
	e.dailyTrades = 0
	e.dailyPnL = decimal.Zero
}

// EnterTrade opens the two-legged position for a signal. The legs were
// resolved once from the shared chain snapshot; contracts are re-sized here
// from this account's riskPerSide. A leg order failure aborts the trade and
// unwinds any sibling that already filled, so no partial position survives.
func (e *Engine) EnterTrade(ctx context.Context, sig *types.Signal, regime types.Regime, call, put *types.OptionQuote) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.trade != nil {
		return fmt.Errorf("account %s already has an open trade", e.account.Name)
	}
	if !e.enabled || !e.running {
		return fmt.Errorf("account %s is not accepting entries", e.account.Name)
	}

	trade := &types.Trade{
		ID:               uuid.New().String(),
		Account:          e.account.Name,
		SignalID:         sig.ID,
		State:            types.TradeStatePendingEntry,
		EntryTime:        sig.Timestamp,
		Regime:           regime.Level,
		TargetMultiplier: regime.TargetMultiplier,
		EntryCost:        decimal.Zero,
		EntryCommission:  decimal.Zero,
	}

	for _, quote := range []*types.OptionQuote{call, put} {
		leg, err := e.buyLeg(ctx, quote)
		if err != nil {
			e.unwindLegs(ctx, trade.Legs)
			if e.metrics != nil {
				e.metrics.OrderFailures.WithLabelValues(e.account.Name).Inc()
			}
			return fmt.Errorf("entry aborted for %s: %w", e.account.Name, err)
		}
		trade.Legs = append(trade.Legs, leg)
		contracts := decimal.NewFromInt(int64(leg.Contracts))
		trade.EntryCost = trade.EntryCost.Add(leg.EntryPrice.Mul(hundred).Mul(contracts))
		trade.EntryCommission = trade.EntryCommission.Add(e.config.CommissionPerLot.Mul(contracts))
	}

	// Limit targets use the regime captured at entry; later regime flips
	// must not move them.
	for _, leg := range trade.Legs {
		leg.TargetPrice = leg.EntryPrice.Mul(trade.TargetMultiplier).Round(2)
		report, err := e.executor.PlaceLimitOrder(ctx, leg.OCCSymbol, types.OrderSideSell, leg.Contracts, leg.TargetPrice)
		if err != nil {
			// Non-fatal: the leg exits through the priced exit paths.
			e.logger.Warn("limit placement failed",
				zap.String("symbol", leg.OCCSymbol),
				zap.Error(err),
			)
			continue
		}
		leg.LimitOrderID = report.ID
	}

	trade.State = types.TradeStateOpen
	e.trade = trade
	e.lastEntryTime = sig.Timestamp
	e.dailyTrades++

	if e.metrics != nil {
		e.metrics.TradesEntered.WithLabelValues(e.account.Name).Inc()
		e.metrics.OpenTrades.WithLabelValues(e.account.Name).Set(1)
	}
	e.logger.Info("trade opened",
		zap.String("trade_id", trade.ID),
		zap.String("signal_id", sig.ID),
		zap.String("entry_cost", trade.EntryCost.StringFixed(2)),
		zap.String("target_multiplier", trade.TargetMultiplier.String()),
		zap.Int("contracts", trade.TotalContracts()),
	)
	e.notifier.TradeOpened(e.account.Name, trade)
	return nil
}

// buyLeg sizes and market-buys one leg. Sizing uses the raw ask; slippage
// only widens the expected fill price.
func (e *Engine) buyLeg(ctx context.Context, quote *types.OptionQuote) (*types.Leg, error) {
	contracts := ContractsFor(e.config.RiskPerSide, quote.Ask)
	entryPrice := quote.Ask.Add(e.config.Slippage)

	report, err := e.executor.PlaceMarketOrder(ctx, quote.Symbol, types.OrderSideBuy, contracts, entryPrice)
	if err != nil {
		return nil, fmt.Errorf("buy %s x%d: %w", quote.Symbol, contracts, err)
	}
	if report.AvgFillPrice.GreaterThan(decimal.Zero) {
		entryPrice = report.AvgFillPrice
	}

	return &types.Leg{
		Type:         quote.Type,
		OCCSymbol:    quote.Symbol,
		Strike:       quote.Strike,
		Expiration:   quote.Expiration,
		Contracts:    contracts,
		EntryPrice:   entryPrice,
		EntryOrderID: report.ID,
	}, nil
}

// unwindLegs best-effort sells back legs bought before an entry abort.
func (e *Engine) unwindLegs(ctx context.Context, legs []*types.Leg) {
	for _, leg := range legs {
		if _, err := e.executor.PlaceMarketOrder(ctx, leg.OCCSymbol, types.OrderSideSell, leg.Contracts, leg.EntryPrice); err != nil {
			e.logger.Error("failed to unwind partial entry leg",
				zap.String("symbol", leg.OCCSymbol),
				zap.Error(err),
			)
		}
	}
}

// CheckExits evaluates the open trade against the exit conditions in strict
// priority order: limit fills, emergency stop, market close buffer, max hold
// time, stop loss, profit target. At most one exit fires per call.
func (e *Engine) CheckExits(ctx context.Context, tick *types.MarketTick) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.trade == nil {
		return
	}
	now := tick.Timestamp

	if e.pollLimitFills(ctx, now) {
		return
	}

	if e.gate.BreachedEmergencyStop(e.dailyPnL) {
		e.logger.Error("emergency stop breached, closing position",
			zap.String("daily_pnl", e.dailyPnL.StringFixed(2)),
		)
		e.closeLocked(ctx, types.ExitReasonEmergencyStop, now)
		e.enabled = false
		return
	}

	if e.hours.InCloseBuffer(now) {
		e.closeLocked(ctx, types.ExitReasonMarketClose, now)
		return
	}

	if now.Sub(e.trade.EntryTime) >= e.config.MaxHoldTime {
		e.closeLocked(ctx, types.ExitReasonMaxHold, now)
		return
	}

	chain := e.valuationChain(ctx)
	if chain == nil {
		return // priced exits wait for the next tick
	}
	exitValue, ok := e.openExitValue(chain)
	if !ok {
		return
	}

	loss := e.trade.EntryCost.Sub(exitValue)
	if loss.GreaterThanOrEqual(e.trade.EntryCost.Mul(e.config.StopLossPct)) {
		e.closeLocked(ctx, types.ExitReasonStopLoss, now)
		return
	}

	// The target compares proceeds net of the exit-side commission against
	// entry cost with commission, scaled by the captured multiplier.
	exitCommission := e.config.CommissionPerLot.Mul(decimal.NewFromInt(int64(e.trade.TotalContracts())))
	target := e.trade.EntryCost.Add(e.trade.EntryCommission).Mul(e.trade.TargetMultiplier)
	if exitValue.Sub(exitCommission).GreaterThanOrEqual(target) {
		e.closeLocked(ctx, types.ExitReasonProfitTarget, now)
	}
}

// pollLimitFills polls resting limit orders, throttled per trade. On the
// first detected fill it accepts that price, cancels sibling limits, and
// market-sells the remaining legs (cascade close). Returns true when the
// trade closed.
func (e *Engine) pollLimitFills(ctx context.Context, now time.Time) bool {
	hasLimits := false
	for _, leg := range e.trade.Legs {
		if leg.LimitOrderID != "" && !leg.Exited {
			hasLimits = true
			break
		}
	}
	if !hasLimits {
		return false
	}

	if now.Sub(e.lastLimitPoll) < e.config.LimitPollInterval {
		return false
	}
	e.lastLimitPoll = now

	filled := false
	for _, leg := range e.trade.Legs {
		if leg.LimitOrderID == "" || leg.Exited {
			continue
		}
		report, err := e.executor.OrderStatus(ctx, leg.LimitOrderID)
		if err != nil {
			e.logger.Warn("limit status poll failed",
				zap.String("order_id", leg.LimitOrderID),
				zap.Error(err),
			)
			continue
		}
		if report.Status != types.OrderStatusFilled {
			continue
		}

		price := report.AvgFillPrice
		if !price.GreaterThan(decimal.Zero) {
			price = leg.TargetPrice
		}
		leg.ExitPrice = price
		leg.Exited = true
		filled = true
		e.trade.State = types.TradeStatePartiallyFilled
		e.logger.Info("limit order filled",
			zap.String("symbol", leg.OCCSymbol),
			zap.String("price", price.StringFixed(2)),
		)
		e.notifier.LegFilled(e.account.Name, e.trade, leg)
	}

	if !filled {
		return false
	}

	// One leg reaching its target closes the whole position.
	e.closeLocked(ctx, types.ExitReasonLimitFill, now)
	return true
}

// valuationChain returns the freshest chain for the open trade's expiration,
// or nil when unavailable.
func (e *Engine) valuationChain(ctx context.Context) *types.OptionChain {
	if len(e.trade.Legs) == 0 {
		return nil
	}
	chain, err := e.chains.OptionChain(ctx, e.symbol, e.trade.Legs[0].Expiration)
	if err != nil {
		e.logger.Warn("valuation chain unavailable", zap.Error(err))
		return nil
	}
	return chain
}

// openExitValue values all non-exited legs at bid plus already-filled legs
// at their fill price.
func (e *Engine) openExitValue(chain *types.OptionChain) (decimal.Decimal, bool) {
	total := decimal.Zero
	for _, leg := range e.trade.Legs {
		contracts := decimal.NewFromInt(int64(leg.Contracts))
		if leg.Exited {
			total = total.Add(leg.ExitPrice.Mul(hundred).Mul(contracts))
			continue
		}
		quote := chain.Quote(leg.OCCSymbol)
		if quote == nil {
			e.logger.Warn("leg missing from valuation chain", zap.String("symbol", leg.OCCSymbol))
			return decimal.Zero, false
		}
		total = total.Add(quote.Bid.Mul(hundred).Mul(contracts))
	}
	return total, true
}

// closeLocked liquidates the open trade: cancels resting limits, sells
// non-exited legs at market, books P&L, and records the trade. Callers hold
// the mutex.
func (e *Engine) closeLocked(ctx context.Context, reason types.ExitReason, now time.Time) {
	trade := e.trade

	chain := e.valuationChain(ctx)

	for _, leg := range trade.Legs {
		if leg.Exited {
			continue
		}

		if leg.LimitOrderID != "" {
			if err := e.executor.CancelOrder(ctx, leg.LimitOrderID); err != nil &&
				!errors.Is(err, broker.ErrOrderTerminal) && !errors.Is(err, broker.ErrOrderNotFound) {
				e.logger.Warn("limit cancel failed during close",
					zap.String("order_id", leg.LimitOrderID),
					zap.Error(err),
				)
			}
			leg.LimitOrderID = ""
		}

		exitPrice := e.exitPriceFor(chain, leg)
		report, err := e.executor.PlaceMarketOrder(ctx, leg.OCCSymbol, types.OrderSideSell, leg.Contracts, exitPrice)
		if err != nil {
			// Bookkeep at the reference price; sibling legs proceed.
			e.logger.Error("exit order failed",
				zap.String("symbol", leg.OCCSymbol),
				zap.Error(err),
			)
			if e.metrics != nil {
				e.metrics.OrderFailures.WithLabelValues(e.account.Name).Inc()
			}
		} else if report.AvgFillPrice.GreaterThan(decimal.Zero) {
			exitPrice = report.AvgFillPrice
		}
		leg.ExitPrice = exitPrice
		leg.Exited = true
	}

	exitValue := decimal.Zero
	exitCommission := decimal.Zero
	for _, leg := range trade.Legs {
		contracts := decimal.NewFromInt(int64(leg.Contracts))
		exitValue = exitValue.Add(leg.ExitPrice.Mul(hundred).Mul(contracts))
		exitCommission = exitCommission.Add(e.config.CommissionPerLot.Mul(contracts))
	}
	pnl := exitValue.Sub(trade.EntryCost).Sub(trade.EntryCommission).Sub(exitCommission)

	trade.State = types.TradeStateClosed
	completed := types.CompletedTrade{
		Trade:          *trade,
		ExitTime:       now,
		ExitReason:     reason,
		ExitValue:      exitValue,
		ExitCommission: exitCommission,
		PnL:            pnl,
		HoldSeconds:    int64(now.Sub(trade.EntryTime).Seconds()),
	}

	e.dailyPnL = e.dailyPnL.Add(pnl)
	e.totalPnL = e.totalPnL.Add(pnl)
	if pnl.GreaterThanOrEqual(decimal.Zero) {
		e.wins++
	} else {
		e.losses++
	}
	e.trade = nil

	if err := e.auditLog.Append(completed); err != nil {
		e.logger.Error("failed to persist completed trade", zap.Error(err))
	}
	if e.metrics != nil {
		e.metrics.TradesClosed.WithLabelValues(e.account.Name, string(reason)).Inc()
		e.metrics.OpenTrades.WithLabelValues(e.account.Name).Set(0)
		pnlFloat, _ := e.dailyPnL.Float64()
		e.metrics.DailyPnL.WithLabelValues(e.account.Name).Set(pnlFloat)
	}

	e.logger.Info("trade closed",
		zap.String("trade_id", trade.ID),
		zap.String("reason", string(reason)),
		zap.String("exit_value", exitValue.StringFixed(2)),
		zap.String("pnl", pnl.StringFixed(2)),
		zap.Int64("hold_seconds", completed.HoldSeconds),
	)
	e.notifier.TradeClosed(e.account.Name, &completed)
}

// exitPriceFor derives the reference exit price for a leg: current bid less
// slippage, falling back to entry price when no quote is available.
func (e *Engine) exitPriceFor(chain *types.OptionChain, leg *types.Leg) decimal.Decimal {
	if chain != nil {
		if quote := chain.Quote(leg.OCCSymbol); quote != nil {
			price := quote.Bid.Sub(e.config.Slippage)
			if price.LessThan(decimal.Zero) {
				return decimal.Zero
			}
			return price
		}
	}
	e.logger.Warn("no quote for exit, bookkeeping at entry price",
		zap.String("symbol", leg.OCCSymbol),
	)
	return leg.EntryPrice
}

// ForceClose closes any open trade with the given reason.
func (e *Engine) ForceClose(ctx context.Context, reason types.ExitReason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trade == nil {
		return
	}
	e.closeLocked(ctx, reason, time.Now())
}

// Cleanup cancels all resting limit orders. Already filled or cancelled
// orders are fine; calling Cleanup again is a no-op because the tracked IDs
// are cleared on the first pass.
func (e *Engine) Cleanup(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.trade == nil {
		return
	}
	for _, leg := range e.trade.Legs {
		if leg.LimitOrderID == "" {
			continue
		}
		err := e.executor.CancelOrder(ctx, leg.LimitOrderID)
		switch {
		case err == nil:
			e.logger.Info("cancelled resting limit order", zap.String("order_id", leg.LimitOrderID))
		case errors.Is(err, broker.ErrOrderTerminal), errors.Is(err, broker.ErrOrderNotFound):
			e.logger.Debug("limit order already settled", zap.String("order_id", leg.LimitOrderID))
		default:
			e.logger.Warn("limit cancel failed during cleanup",
				zap.String("order_id", leg.LimitOrderID),
				zap.Error(err),
			)
		}
		leg.LimitOrderID = ""
	}
}

// OpenTrade returns a copy of the open trade, or nil.
func (e *Engine) OpenTrade() *types.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trade == nil {
		return nil
	}
	cp := *e.trade
	legs := make([]*types.Leg, len(e.trade.Legs))
	for i, leg := range e.trade.Legs {
		legCp := *leg
		legs[i] = &legCp
	}
	cp.Legs = legs
	return &cp
}
