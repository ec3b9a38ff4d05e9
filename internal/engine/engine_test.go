package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/breakout-trader/internal/audit"
	"github.com/atlas-desktop/breakout-trader/internal/broker"
	"github.com/atlas-desktop/breakout-trader/internal/notify"
	"github.com/atlas-desktop/breakout-trader/internal/risk"
	"github.com/atlas-desktop/breakout-trader/pkg/types"
)

type recordedOrder struct {
	kind     string // market or limit
	symbol   string
	side     types.OrderSide
	quantity int
	price    decimal.Decimal
}

// fakeExecutor records orders, fills market orders at the reference price,
// and leaves limit orders open until a test fills them explicitly.
type fakeExecutor struct {
	mu          sync.Mutex
	nextID      int
	orders      []recordedOrder
	reports     map[string]*broker.OrderReport
	cancelled   []string
	statusCalls int
	failMarket  map[string]error // by OCC symbol
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		reports:    make(map[string]*broker.OrderReport),
		failMarket: make(map[string]error),
	}
}

func (f *fakeExecutor) PlaceMarketOrder(ctx context.Context, occSymbol string, side types.OrderSide, quantity int, refPrice decimal.Decimal) (*broker.OrderReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failMarket[occSymbol]; err != nil {
		return nil, err
	}
	f.nextID++
	id := fmt.Sprintf("ord-%d", f.nextID)
	f.orders = append(f.orders, recordedOrder{kind: "market", symbol: occSymbol, side: side, quantity: quantity, price: refPrice})
	report := &broker.OrderReport{ID: id, Status: types.OrderStatusFilled, FilledQuantity: quantity, AvgFillPrice: refPrice}
	f.reports[id] = report
	cp := *report
	return &cp, nil
}

func (f *fakeExecutor) PlaceLimitOrder(ctx context.Context, occSymbol string, side types.OrderSide, quantity int, limitPrice decimal.Decimal) (*broker.OrderReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("ord-%d", f.nextID)
	f.orders = append(f.orders, recordedOrder{kind: "limit", symbol: occSymbol, side: side, quantity: quantity, price: limitPrice})
	report := &broker.OrderReport{ID: id, Status: types.OrderStatusOpen}
	f.reports[id] = report
	cp := *report
	return &cp, nil
}

func (f *fakeExecutor) OrderStatus(ctx context.Context, orderID string) (*broker.OrderReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	report, ok := f.reports[orderID]
	if !ok {
		return nil, broker.ErrOrderNotFound
	}
	cp := *report
	return &cp, nil
}

func (f *fakeExecutor) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	report, ok := f.reports[orderID]
	if !ok {
		return broker.ErrOrderNotFound
	}
	if report.Status.Terminal() {
		return broker.ErrOrderTerminal
	}
	report.Status = types.OrderStatusCancelled
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

// fillLimit marks a resting limit order filled.
func (f *fakeExecutor) fillLimit(orderID string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	report := f.reports[orderID]
	report.Status = types.OrderStatusFilled
	report.AvgFillPrice = price
}

func (f *fakeExecutor) ordersOf(kind string, side types.OrderSide) []recordedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedOrder
	for _, o := range f.orders {
		if o.kind == kind && o.side == side {
			out = append(out, o)
		}
	}
	return out
}

// fixedChains always serves the same chain, swappable mid-test.
type fixedChains struct {
	mu    sync.Mutex
	chain *types.OptionChain
	err   error
}

func (f *fixedChains) OptionChain(ctx context.Context, symbol, expiration string) (*types.OptionChain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.chain, nil
}

func (f *fixedChains) set(chain *types.OptionChain) {
	f.mu.Lock()
	f.chain = chain
	f.mu.Unlock()
}

func testHours(t *testing.T) *types.MarketHours {
	t.Helper()
	hours, err := types.NewMarketHours(types.DefaultMarketConfig())
	if err != nil {
		t.Fatalf("market hours: %v", err)
	}
	return hours
}

// marketTime returns a timestamp on a regular Tuesday session.
func marketTime(t *testing.T, hours *types.MarketHours, hour, min int) time.Time {
	t.Helper()
	return time.Date(2026, time.March, 3, hour, min, 0, 0, hours.Location())
}

func newTestEngine(t *testing.T, ex *fakeExecutor, chains ChainProvider, mutate func(*types.StrategyConfig)) *Engine {
	t.Helper()
	cfg := types.DefaultStrategyConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	log, err := audit.NewLog(zap.NewNop(), t.TempDir(), "main")
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	account := types.AccountConfig{Name: "main", AccountID: "ACCT1", Enabled: true}
	e := NewEngine(zap.NewNop(), account, cfg, testHours(t), "SPY", Deps{
		Executor: ex,
		Chains:   chains,
		Gate:     risk.NewGate(zap.NewNop(), cfg),
		Audit:    log,
		Notifier: notify.Noop{},
	})
	e.Start()
	return e
}

// entryQuotes returns the standard call/put pair used across tests:
// call ask 0.80, put ask 0.75. With 400 risk per side that sizes 5
// contracts on each leg; default slippage 0.01 lifts the fill prices to
// 0.81 and 0.76.
func entryQuotes(t *testing.T) (call, put types.OptionQuote) {
	t.Helper()
	return quote(t, types.OptionTypeCall, 450, 0.75, 0.80),
		quote(t, types.OptionTypePut, 449, 0.70, 0.75)
}

func enter(t *testing.T, e *Engine, hours *types.MarketHours) (call, put types.OptionQuote) {
	t.Helper()
	call, put = entryQuotes(t)
	sig := testSignal(449.5)
	sig.Timestamp = marketTime(t, hours, 11, 0)
	if err := e.EnterTrade(context.Background(), sig, testLowRegime(), &call, &put); err != nil {
		t.Fatalf("enter trade: %v", err)
	}
	return call, put
}

func TestEnterTradeBooksCostsAndTargets(t *testing.T) {
	ex := newFakeExecutor()
	chains := &fixedChains{}
	e := newTestEngine(t, ex, chains, nil)
	hours := testHours(t)

	enter(t, e, hours)

	trade := e.OpenTrade()
	if trade == nil {
		t.Fatal("no open trade")
	}
	if trade.State != types.TradeStateOpen {
		t.Errorf("state = %s, want open", trade.State)
	}
	if len(trade.Legs) != 2 {
		t.Fatalf("legs = %d, want 2", len(trade.Legs))
	}

	// Contracts size from the raw ask, floor(400 / (ask*100)); the fill
	// price carries the slippage.
	callLeg, putLeg := trade.Legs[0], trade.Legs[1]
	if !callLeg.EntryPrice.Equal(decimal.NewFromFloat(0.81)) || callLeg.Contracts != 5 {
		t.Errorf("call leg = %s x%d, want 0.81 x5", callLeg.EntryPrice, callLeg.Contracts)
	}
	if !putLeg.EntryPrice.Equal(decimal.NewFromFloat(0.76)) || putLeg.Contracts != 5 {
		t.Errorf("put leg = %s x%d, want 0.76 x5", putLeg.EntryPrice, putLeg.Contracts)
	}

	// 0.81*100*5 + 0.76*100*5 = 785; 10 contracts at 0.65 each.
	if !trade.EntryCost.Equal(decimal.NewFromInt(785)) {
		t.Errorf("entry cost = %s, want 785", trade.EntryCost)
	}
	if !trade.EntryCommission.Equal(decimal.NewFromFloat(6.50)) {
		t.Errorf("entry commission = %s, want 6.50", trade.EntryCommission)
	}

	// Limit targets at 1.35x entry, rounded to cents.
	if !callLeg.TargetPrice.Equal(decimal.NewFromFloat(1.09)) {
		t.Errorf("call target = %s, want 1.09", callLeg.TargetPrice)
	}
	if !putLeg.TargetPrice.Equal(decimal.NewFromFloat(1.03)) {
		t.Errorf("put target = %s, want 1.03", putLeg.TargetPrice)
	}

	limits := ex.ordersOf("limit", types.OrderSideSell)
	if len(limits) != 2 {
		t.Fatalf("limit orders = %d, want 2", len(limits))
	}

	snap := e.Snapshot()
	if snap.DailyTrades != 1 {
		t.Errorf("daily trades = %d, want 1", snap.DailyTrades)
	}
}

func TestEnterTradeSizesPerAccountRisk(t *testing.T) {
	ex := newFakeExecutor()
	e := newTestEngine(t, ex, &fixedChains{}, func(cfg *types.StrategyConfig) {
		cfg.RiskPerSide = decimal.NewFromInt(500)
	})
	hours := testHours(t)

	enter(t, e, hours)

	trade := e.OpenTrade()
	// floor(500/80) = 6, floor(500/75) = 6.
	if trade.Legs[0].Contracts != 6 || trade.Legs[1].Contracts != 6 {
		t.Errorf("contracts = %d/%d, want 6/6",
			trade.Legs[0].Contracts, trade.Legs[1].Contracts)
	}
}

func TestEnterTradeRejectsSecondPosition(t *testing.T) {
	ex := newFakeExecutor()
	e := newTestEngine(t, ex, &fixedChains{}, nil)
	hours := testHours(t)

	call, put := enter(t, e, hours)

	sig := testSignal(449.5)
	sig.Timestamp = marketTime(t, hours, 11, 30)
	if err := e.EnterTrade(context.Background(), sig, testLowRegime(), &call, &put); err == nil {
		t.Fatal("second entry accepted with a position open")
	}
}

func TestEnterTradeUnwindsOnSecondLegFailure(t *testing.T) {
	ex := newFakeExecutor()
	e := newTestEngine(t, ex, &fixedChains{}, nil)
	hours := testHours(t)

	call, put := entryQuotes(t)
	ex.failMarket[put.Symbol] = fmt.Errorf("rejected by broker")

	sig := testSignal(449.5)
	sig.Timestamp = marketTime(t, hours, 11, 0)
	if err := e.EnterTrade(context.Background(), sig, testLowRegime(), &call, &put); err == nil {
		t.Fatal("entry succeeded with a failing leg")
	}

	if e.OpenTrade() != nil {
		t.Fatal("partial trade left open after abort")
	}

	// The filled call leg was sold back.
	sells := ex.ordersOf("market", types.OrderSideSell)
	if len(sells) != 1 || sells[0].symbol != call.Symbol {
		t.Fatalf("unwind sells = %+v, want one sell of %s", sells, call.Symbol)
	}
	if len(ex.ordersOf("limit", types.OrderSideSell)) != 0 {
		t.Error("limit orders placed for an aborted entry")
	}
	if e.Snapshot().DailyTrades != 0 {
		t.Error("aborted entry counted as a daily trade")
	}
}

func TestCascadeCloseOnLimitFill(t *testing.T) {
	ex := newFakeExecutor()
	chains := &fixedChains{}
	e := newTestEngine(t, ex, chains, nil)
	hours := testHours(t)

	enter(t, e, hours)
	trade := e.OpenTrade()
	callLeg, putLeg := trade.Legs[0], trade.Legs[1]

	// The call runs to its target; the put decays.
	ex.fillLimit(callLeg.LimitOrderID, decimal.NewFromFloat(1.09))
	chains.set(chainOf(
		quote(t, types.OptionTypeCall, 450, 1.08, 1.12),
		quote(t, types.OptionTypePut, 449, 0.80, 0.84),
	))

	tick := &types.MarketTick{Symbol: "SPY", Timestamp: marketTime(t, hours, 11, 30), Close: 452.5}
	e.CheckExits(context.Background(), tick)

	if e.OpenTrade() != nil {
		t.Fatal("trade still open after cascade close")
	}

	// The sibling limit was cancelled and the put market-sold at bid less
	// slippage.
	if len(ex.cancelled) != 1 || ex.cancelled[0] != putLeg.LimitOrderID {
		t.Errorf("cancelled = %v, want put limit %s", ex.cancelled, putLeg.LimitOrderID)
	}
	sells := ex.ordersOf("market", types.OrderSideSell)
	if len(sells) != 1 || sells[0].symbol != putLeg.OCCSymbol {
		t.Fatalf("market sells = %+v, want one sell of the put", sells)
	}
	if !sells[0].price.Equal(decimal.NewFromFloat(0.79)) {
		t.Errorf("put exit price = %s, want 0.79", sells[0].price)
	}

	// Mixed-price P&L: 1.09*500 + 0.79*500 = 940 against 785 cost and
	// 13.00 round-trip commission.
	completed := e.Audit().Completed()
	if len(completed) != 1 {
		t.Fatalf("completed trades = %d, want 1", len(completed))
	}
	rec := completed[0]
	if rec.ExitReason != types.ExitReasonLimitFill {
		t.Errorf("exit reason = %s, want limit_fill", rec.ExitReason)
	}
	if !rec.ExitValue.Equal(decimal.NewFromInt(940)) {
		t.Errorf("exit value = %s, want 940", rec.ExitValue)
	}
	if !rec.PnL.Equal(decimal.NewFromFloat(142.00)) {
		t.Errorf("pnl = %s, want 142.00", rec.PnL)
	}

	snap := e.Snapshot()
	if snap.Wins != 1 || snap.Losses != 0 {
		t.Errorf("wins/losses = %d/%d, want 1/0", snap.Wins, snap.Losses)
	}
	if !snap.DailyPnL.Equal(decimal.NewFromFloat(142.00)) {
		t.Errorf("daily pnl = %s, want 142.00", snap.DailyPnL)
	}
}

func TestLimitPollThrottle(t *testing.T) {
	ex := newFakeExecutor()
	chains := &fixedChains{}
	e := newTestEngine(t, ex, chains, nil)
	hours := testHours(t)

	enter(t, e, hours)
	chains.set(chainOf(
		quote(t, types.OptionTypeCall, 450, 0.75, 0.80),
		quote(t, types.OptionTypePut, 449, 0.70, 0.75),
	))

	start := marketTime(t, hours, 11, 30)
	e.CheckExits(context.Background(), &types.MarketTick{Symbol: "SPY", Timestamp: start, Close: 450})
	polled := ex.statusCalls
	if polled != 2 {
		t.Fatalf("status calls = %d, want 2 on first check", polled)
	}

	// One second later the poll throttle still holds.
	e.CheckExits(context.Background(), &types.MarketTick{Symbol: "SPY", Timestamp: start.Add(time.Second), Close: 450})
	if ex.statusCalls != polled {
		t.Errorf("status calls = %d, want unchanged inside the throttle", ex.statusCalls)
	}

	e.CheckExits(context.Background(), &types.MarketTick{Symbol: "SPY", Timestamp: start.Add(3 * time.Second), Close: 450})
	if ex.statusCalls != polled+2 {
		t.Errorf("status calls = %d, want %d after the throttle elapsed", ex.statusCalls, polled+2)
	}
}

func TestStopLossExit(t *testing.T) {
	ex := newFakeExecutor()
	chains := &fixedChains{}
	e := newTestEngine(t, ex, chains, nil)
	hours := testHours(t)

	enter(t, e, hours)

	// Both legs collapse: exit value 550 against cost 785 is a 30% loss,
	// past the 12% stop.
	chains.set(chainOf(
		quote(t, types.OptionTypeCall, 450, 0.55, 0.60),
		quote(t, types.OptionTypePut, 449, 0.55, 0.60),
	))
	tick := &types.MarketTick{Symbol: "SPY", Timestamp: marketTime(t, hours, 11, 30), Close: 449}
	e.CheckExits(context.Background(), tick)

	completed := e.Audit().Completed()
	if len(completed) != 1 {
		t.Fatal("trade did not close on stop loss")
	}
	if completed[0].ExitReason != types.ExitReasonStopLoss {
		t.Errorf("exit reason = %s, want stop_loss", completed[0].ExitReason)
	}
	if e.Snapshot().Losses != 1 {
		t.Errorf("losses = %d, want 1", e.Snapshot().Losses)
	}
}

func TestStopLossNotTriggeredInsideTolerance(t *testing.T) {
	ex := newFakeExecutor()
	chains := &fixedChains{}
	e := newTestEngine(t, ex, chains, nil)
	hours := testHours(t)

	enter(t, e, hours)

	// Exit value 725 against cost 785 is a 7.6% drawdown, inside the stop.
	chains.set(chainOf(
		quote(t, types.OptionTypeCall, 450, 0.75, 0.80),
		quote(t, types.OptionTypePut, 449, 0.70, 0.75),
	))
	tick := &types.MarketTick{Symbol: "SPY", Timestamp: marketTime(t, hours, 11, 30), Close: 449.5}
	e.CheckExits(context.Background(), tick)

	if e.OpenTrade() == nil {
		t.Fatal("trade closed inside the stop-loss tolerance")
	}
}

func TestProfitTargetExit(t *testing.T) {
	ex := newFakeExecutor()
	chains := &fixedChains{}
	e := newTestEngine(t, ex, chains, nil)
	hours := testHours(t)

	enter(t, e, hours)

	// Exit value 1750 net of 6.50 exit commission clears the target
	// (785+6.50)*1.35 = 1068.53.
	chains.set(chainOf(
		quote(t, types.OptionTypeCall, 450, 2.00, 2.05),
		quote(t, types.OptionTypePut, 449, 1.50, 1.55),
	))
	tick := &types.MarketTick{Symbol: "SPY", Timestamp: marketTime(t, hours, 11, 30), Close: 455}
	e.CheckExits(context.Background(), tick)

	completed := e.Audit().Completed()
	if len(completed) != 1 {
		t.Fatal("trade did not close on profit target")
	}
	if completed[0].ExitReason != types.ExitReasonProfitTarget {
		t.Errorf("exit reason = %s, want profit_target", completed[0].ExitReason)
	}
	if !completed[0].PnL.GreaterThan(decimal.Zero) {
		t.Errorf("pnl = %s, want positive", completed[0].PnL)
	}
}

func TestProfitTargetComparesNetOfExitCommission(t *testing.T) {
	ex := newFakeExecutor()
	chains := &fixedChains{}
	e := newTestEngine(t, ex, chains, nil)
	hours := testHours(t)

	enter(t, e, hours)

	// Gross exit value 1075 clears the 1068.53 target, but net of the 6.50
	// exit commission (1068.50) it falls short; the trade must stay open.
	chains.set(chainOf(
		quote(t, types.OptionTypeCall, 450, 1.20, 1.25),
		quote(t, types.OptionTypePut, 449, 0.95, 1.00),
	))
	start := marketTime(t, hours, 11, 30)
	e.CheckExits(context.Background(), &types.MarketTick{Symbol: "SPY", Timestamp: start, Close: 453})
	if e.OpenTrade() == nil {
		t.Fatal("trade closed on a gross value that nets below the target")
	}

	// One more cent on the put lifts the net proceeds past the target.
	chains.set(chainOf(
		quote(t, types.OptionTypeCall, 450, 1.20, 1.25),
		quote(t, types.OptionTypePut, 449, 0.96, 1.01),
	))
	e.CheckExits(context.Background(), &types.MarketTick{Symbol: "SPY", Timestamp: start.Add(3 * time.Second), Close: 453})

	completed := e.Audit().Completed()
	if len(completed) != 1 || completed[0].ExitReason != types.ExitReasonProfitTarget {
		t.Fatalf("completed = %+v, want one profit_target close", completed)
	}
}

func TestMaxHoldExit(t *testing.T) {
	ex := newFakeExecutor()
	chains := &fixedChains{}
	e := newTestEngine(t, ex, chains, nil)
	hours := testHours(t)

	enter(t, e, hours)
	chains.set(chainOf(
		quote(t, types.OptionTypeCall, 450, 0.75, 0.80),
		quote(t, types.OptionTypePut, 449, 0.70, 0.75),
	))

	// Entry at 11:00; one hour later the hold limit fires even though no
	// priced exit would.
	tick := &types.MarketTick{Symbol: "SPY", Timestamp: marketTime(t, hours, 12, 0), Close: 450}
	e.CheckExits(context.Background(), tick)

	completed := e.Audit().Completed()
	if len(completed) != 1 {
		t.Fatal("trade did not close at max hold")
	}
	if completed[0].ExitReason != types.ExitReasonMaxHold {
		t.Errorf("exit reason = %s, want max_hold", completed[0].ExitReason)
	}
	if completed[0].HoldSeconds != 3600 {
		t.Errorf("hold seconds = %d, want 3600", completed[0].HoldSeconds)
	}
}

func TestCloseBufferTakesPriorityOverMaxHold(t *testing.T) {
	ex := newFakeExecutor()
	chains := &fixedChains{}
	e := newTestEngine(t, ex, chains, nil)
	hours := testHours(t)

	enter(t, e, hours)
	chains.set(chainOf(
		quote(t, types.OptionTypeCall, 450, 0.75, 0.80),
		quote(t, types.OptionTypePut, 449, 0.70, 0.75),
	))

	// 15:50 is inside the close buffer and far past max hold; the buffer
	// reason wins.
	tick := &types.MarketTick{Symbol: "SPY", Timestamp: marketTime(t, hours, 15, 50), Close: 450}
	e.CheckExits(context.Background(), tick)

	completed := e.Audit().Completed()
	if len(completed) != 1 {
		t.Fatal("trade did not close in the close buffer")
	}
	if completed[0].ExitReason != types.ExitReasonMarketClose {
		t.Errorf("exit reason = %s, want market_close", completed[0].ExitReason)
	}
}

func TestEmergencyStopClosesAndDisables(t *testing.T) {
	ex := newFakeExecutor()
	chains := &fixedChains{}
	e := newTestEngine(t, ex, chains, func(cfg *types.StrategyConfig) {
		cfg.EmergencyStopLoss = decimal.NewFromInt(100)
	})
	hours := testHours(t)

	// First trade takes a loss past the 100 daily circuit breaker.
	enter(t, e, hours)
	chains.set(chainOf(
		quote(t, types.OptionTypeCall, 450, 0.40, 0.45),
		quote(t, types.OptionTypePut, 449, 0.40, 0.45),
	))
	e.CheckExits(context.Background(), &types.MarketTick{Symbol: "SPY", Timestamp: marketTime(t, hours, 11, 30), Close: 449})
	if got := e.Audit().Count(); got != 1 {
		t.Fatalf("completed = %d, want 1 after stop loss", got)
	}

	// A second position held while the daily loss exceeds the breaker is
	// force-closed and the engine disabled.
	enter(t, e, hours)
	e.CheckExits(context.Background(), &types.MarketTick{Symbol: "SPY", Timestamp: marketTime(t, hours, 11, 40), Close: 449})

	completed := e.Audit().Completed()
	if len(completed) != 2 {
		t.Fatalf("completed = %d, want 2", len(completed))
	}
	if completed[1].ExitReason != types.ExitReasonEmergencyStop {
		t.Errorf("exit reason = %s, want emergency_stop", completed[1].ExitReason)
	}
	snap := e.Snapshot()
	if snap.Enabled {
		t.Error("engine still enabled after emergency stop")
	}
}

func TestEmergencyStopResetsWithTradingDay(t *testing.T) {
	ex := newFakeExecutor()
	chains := &fixedChains{}
	e := newTestEngine(t, ex, chains, func(cfg *types.StrategyConfig) {
		cfg.EmergencyStopLoss = decimal.NewFromInt(100)
	})
	hours := testHours(t)

	// Day one loses well past the breaker via the stop loss.
	e.MarkDay(marketTime(t, hours, 10, 0))
	enter(t, e, hours)
	chains.set(chainOf(
		quote(t, types.OptionTypeCall, 450, 0.40, 0.45),
		quote(t, types.OptionTypePut, 449, 0.40, 0.45),
	))
	e.CheckExits(context.Background(), &types.MarketTick{Symbol: "SPY", Timestamp: marketTime(t, hours, 11, 30), Close: 449})
	if got := e.Audit().Count(); got != 1 {
		t.Fatalf("completed = %d, want 1 after day-one stop loss", got)
	}

	// The breaker is a daily limit: after the rollover a fresh position must
	// not be emergency-closed for yesterday's loss.
	nextDay := marketTime(t, hours, 10, 0).AddDate(0, 0, 1)
	e.MarkDay(nextDay)

	call, put := entryQuotes(t)
	sig := testSignal(449.5)
	sig.Timestamp = marketTime(t, hours, 11, 0).AddDate(0, 0, 1)
	if err := e.EnterTrade(context.Background(), sig, testLowRegime(), &call, &put); err != nil {
		t.Fatalf("enter trade: %v", err)
	}

	chains.set(chainOf(
		quote(t, types.OptionTypeCall, 450, 0.75, 0.80),
		quote(t, types.OptionTypePut, 449, 0.70, 0.75),
	))
	e.CheckExits(context.Background(), &types.MarketTick{Symbol: "SPY", Timestamp: marketTime(t, hours, 11, 30).AddDate(0, 0, 1), Close: 449.5})

	if e.OpenTrade() == nil {
		t.Fatal("day-two position emergency-closed on the previous day's loss")
	}
	if !e.Snapshot().Enabled {
		t.Error("engine disabled without a same-day breach")
	}
}

func TestExitOrderFailureBookkeepsAndContinues(t *testing.T) {
	ex := newFakeExecutor()
	chains := &fixedChains{}
	e := newTestEngine(t, ex, chains, nil)
	hours := testHours(t)

	call, _ := enter(t, e, hours)
	ex.failMarket[call.Symbol] = fmt.Errorf("exchange reject")

	chains.set(chainOf(
		quote(t, types.OptionTypeCall, 450, 0.55, 0.60),
		quote(t, types.OptionTypePut, 449, 0.55, 0.60),
	))
	e.CheckExits(context.Background(), &types.MarketTick{Symbol: "SPY", Timestamp: marketTime(t, hours, 11, 30), Close: 449})

	// The failed call leg is bookkept at its reference exit price and the
	// put still closes; the trade is not stuck open.
	completed := e.Audit().Completed()
	if len(completed) != 1 {
		t.Fatal("trade stuck open after an exit order failure")
	}
	for _, leg := range completed[0].Legs {
		if !leg.Exited {
			t.Errorf("leg %s not marked exited", leg.OCCSymbol)
		}
		if !leg.ExitPrice.Equal(decimal.NewFromFloat(0.54)) {
			t.Errorf("leg %s exit price = %s, want 0.54", leg.OCCSymbol, leg.ExitPrice)
		}
	}
}

func TestForceClose(t *testing.T) {
	ex := newFakeExecutor()
	chains := &fixedChains{}
	e := newTestEngine(t, ex, chains, nil)
	hours := testHours(t)

	enter(t, e, hours)
	e.ForceClose(context.Background(), types.ExitReasonShutdown)

	if e.OpenTrade() != nil {
		t.Fatal("trade open after force close")
	}
	completed := e.Audit().Completed()
	if len(completed) != 1 || completed[0].ExitReason != types.ExitReasonShutdown {
		t.Fatalf("completed = %+v, want one shutdown close", completed)
	}

	// Idempotent with nothing open.
	e.ForceClose(context.Background(), types.ExitReasonShutdown)
	if e.Audit().Count() != 1 {
		t.Error("force close recorded a second trade")
	}
}

func TestCleanupIdempotent(t *testing.T) {
	ex := newFakeExecutor()
	e := newTestEngine(t, ex, &fixedChains{}, nil)
	hours := testHours(t)

	enter(t, e, hours)

	e.Cleanup(context.Background())
	if len(ex.cancelled) != 2 {
		t.Fatalf("cancelled = %d, want both limits", len(ex.cancelled))
	}

	// Second pass finds no tracked IDs.
	e.Cleanup(context.Background())
	if len(ex.cancelled) != 2 {
		t.Errorf("cancelled = %d after second cleanup, want 2", len(ex.cancelled))
	}
}

func TestCleanupToleratesFilledLimit(t *testing.T) {
	ex := newFakeExecutor()
	e := newTestEngine(t, ex, &fixedChains{}, nil)
	hours := testHours(t)

	enter(t, e, hours)
	trade := e.OpenTrade()
	ex.fillLimit(trade.Legs[0].LimitOrderID, decimal.NewFromFloat(1.09))

	// Cancelling an already-filled order reports terminal; cleanup treats
	// that as settled and still cancels the sibling.
	e.Cleanup(context.Background())
	if len(ex.cancelled) != 1 {
		t.Errorf("cancelled = %d, want 1 (the open sibling)", len(ex.cancelled))
	}
}

func TestMarkDayRollsDailyCounters(t *testing.T) {
	ex := newFakeExecutor()
	chains := &fixedChains{}
	e := newTestEngine(t, ex, chains, nil)
	hours := testHours(t)

	e.MarkDay(marketTime(t, hours, 10, 0))
	enter(t, e, hours)
	chains.set(chainOf(
		quote(t, types.OptionTypeCall, 450, 0.55, 0.60),
		quote(t, types.OptionTypePut, 449, 0.55, 0.60),
	))
	e.CheckExits(context.Background(), &types.MarketTick{Symbol: "SPY", Timestamp: marketTime(t, hours, 11, 30), Close: 449})

	snap := e.Snapshot()
	if snap.DailyTrades != 1 || snap.DailyPnL.IsZero() {
		t.Fatalf("daily trades=%d pnl=%s before rollover", snap.DailyTrades, snap.DailyPnL)
	}
	totalBefore := snap.TotalPnL

	// Same day: no reset.
	e.MarkDay(marketTime(t, hours, 14, 0))
	if e.Snapshot().DailyTrades != 1 {
		t.Error("daily counters reset within the same day")
	}

	// Next market day: daily counters reset, lifetime P&L survives.
	e.MarkDay(marketTime(t, hours, 10, 0).AddDate(0, 0, 1))
	snap = e.Snapshot()
	if snap.DailyTrades != 0 || !snap.DailyPnL.IsZero() {
		t.Errorf("daily trades=%d pnl=%s after rollover, want 0 and 0", snap.DailyTrades, snap.DailyPnL)
	}
	if !snap.TotalPnL.Equal(totalBefore) {
		t.Errorf("total pnl = %s, want %s preserved", snap.TotalPnL, totalBefore)
	}
}
