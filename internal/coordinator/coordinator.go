// Package coordinator runs the single decision loop that drives every
// account: one tick stream, one signal detector, one regime provider, and a
// worker pool fanning entries out per account.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/breakout-trader/internal/engine"
	"github.com/atlas-desktop/breakout-trader/internal/marketdata"
	"github.com/atlas-desktop/breakout-trader/internal/metrics"
	"github.com/atlas-desktop/breakout-trader/internal/notify"
	"github.com/atlas-desktop/breakout-trader/internal/regime"
	"github.com/atlas-desktop/breakout-trader/internal/signal"
	"github.com/atlas-desktop/breakout-trader/internal/workers"
	"github.com/atlas-desktop/breakout-trader/pkg/types"
)

// Coordinator owns the decision loop. Engines never pull market data
// themselves; everything flows through this loop and the shared hub.
type Coordinator struct {
	logger   *zap.Logger
	config   types.CoordinatorConfig
	hours    *types.MarketHours
	symbol   string
	hub      *marketdata.Hub
	regimes  *regime.Provider
	detector *signal.Detector
	engines  []*engine.Engine
	selector *engine.Selector
	pool     *workers.Pool
	notifier notify.Notifier
	metrics  *metrics.Metrics

	running  atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	loops    atomic.Int64
	signals  atomic.Int64
	entries  atomic.Int64

	mu         sync.Mutex
	lastTickAt time.Time
}

// CoordinatorStats is a snapshot for the status API
type CoordinatorStats struct {
	Running  bool                 `json:"running"`
	Loops    int64                `json:"loops"`
	Signals  int64                `json:"signals"`
	Entries  int64                `json:"entries"`
	LastTick time.Time            `json:"lastTick,omitempty"`
	Detector signal.DetectorStats `json:"detector"`
	Regime   regime.ProviderStats `json:"regime"`
	Pool     workers.PoolStats    `json:"pool"`
	Accounts []types.AccountStats `json:"accounts"`
}

// New wires a coordinator. The leg selector uses the config of the account
// with the smallest riskPerSide so the shared legs are resolvable for every
// account.
func New(logger *zap.Logger, config types.CoordinatorConfig, hours *types.MarketHours, symbol string,
	hub *marketdata.Hub, regimes *regime.Provider, detector *signal.Detector,
	engines []*engine.Engine, notifier notify.Notifier, m *metrics.Metrics) *Coordinator {

	pool := workers.NewPool(logger.Named("workers"), &workers.PoolConfig{
		Name:            "account_fanout",
		NumWorkers:      config.Workers,
		QueueSize:       config.QueueSize,
		ShutdownTimeout: config.StopTimeout,
	})

	return &Coordinator{
		logger:   logger,
		config:   config,
		hours:    hours,
		symbol:   symbol,
		hub:      hub,
		regimes:  regimes,
		detector: detector,
		engines:  engines,
		selector: engine.NewSelector(logger.Named("selector"), referenceConfig(engines), hub),
		pool:     pool,
		notifier: notifier,
		metrics:  m,
		stopCh:   make(chan struct{}),
	}
}

// referenceConfig returns the strategy config of the least-funded account.
func referenceConfig(engines []*engine.Engine) types.StrategyConfig {
	var cfg types.StrategyConfig
	minRisk := decimal.Decimal{}
	for i, e := range engines {
		risk := e.Config().RiskPerSide
		if i == 0 || risk.LessThan(minRisk) {
			minRisk = risk
			cfg = e.Config()
		}
	}
	return cfg
}

// Start launches the worker pool, engines, and the decision loop.
func (c *Coordinator) Start(ctx context.Context) {
	if c.running.Swap(true) {
		return
	}

	c.pool.Start()
	for _, e := range c.engines {
		e.Start()
	}

	c.logger.Info("starting coordinator",
		zap.String("symbol", c.symbol),
		zap.Duration("loop_interval", c.config.LoopInterval),
		zap.Int("accounts", len(c.engines)),
	)
	c.notifier.System("trading coordinator started")

	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop halts the loop, cleans up engines, and stops the pool. Open positions
// are left in place; resting limit orders are cancelled.
func (c *Coordinator) Stop(ctx context.Context) {
	if !c.running.Swap(false) {
		return
	}

	close(c.stopCh)
	c.wg.Wait()

	for _, e := range c.engines {
		e.Stop(ctx)
	}
	if err := c.pool.Stop(); err != nil {
		c.logger.Warn("worker pool stop", zap.Error(err))
	}

	c.notifier.System("trading coordinator stopped")
	c.logger.Info("coordinator stopped",
		zap.Int64("loops", c.loops.Load()),
		zap.Int64("signals", c.signals.Load()),
		zap.Int64("entries", c.entries.Load()),
	)
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			c.step(ctx)
			if c.metrics != nil {
				c.metrics.LoopDuration.Observe(time.Since(start).Seconds())
			}
		}
	}
}

// step is one decision loop iteration: tick, regime, rollover, exits, then
// signal detection and entry fan-out.
func (c *Coordinator) step(ctx context.Context) {
	c.loops.Add(1)

	tick, err := c.hub.Latest()
	if err != nil {
		if !errors.Is(err, marketdata.ErrNoTick) {
			c.logger.Warn("no tick available", zap.Error(err))
		}
		return
	}

	// A repeated timestamp means no new data; re-driving exits on a stale
	// tick adds nothing.
	c.mu.Lock()
	if tick.Timestamp.Equal(c.lastTickAt) {
		c.mu.Unlock()
		return
	}
	c.lastTickAt = tick.Timestamp
	c.mu.Unlock()

	reg := c.regimes.Current(ctx, tick.Timestamp)

	for _, e := range c.engines {
		e.MarkDay(tick.Timestamp)
	}

	if !c.hours.IsOpen(tick.Timestamp) {
		return
	}

	c.detector.Observe(tick)

	// Exits run synchronously before any new entry so force-close
	// conditions always win.
	for _, e := range c.engines {
		e.CheckExits(ctx, tick)
	}

	sig := c.detector.Evaluate(tick, reg)
	if sig == nil {
		return
	}

	c.signals.Add(1)
	if c.metrics != nil {
		c.metrics.SignalsTotal.Inc()
	}
	c.notifier.Signal(sig)
	c.handleEntry(ctx, sig, reg, tick)
}

// handleEntry gates each account, resolves the two legs once from a shared
// chain snapshot, and fans entries out to the pool. All accounts trade
// identical strikes; each sizes contracts from its own risk budget, and one
// account's failure never blocks another.
func (c *Coordinator) handleEntry(ctx context.Context, sig *types.Signal, reg types.Regime, tick *types.MarketTick) {
	var eligible []*engine.Engine
	for _, e := range c.engines {
		decision := e.Gate().Check(e.Snapshot(), tick.Timestamp)
		if !decision.Allowed {
			if c.metrics != nil {
				c.metrics.EntrySkips.WithLabelValues(e.Name(), decision.Rule).Inc()
			}
			continue
		}
		eligible = append(eligible, e)
	}
	if len(eligible) == 0 {
		c.logger.Info("signal with no eligible accounts", zap.String("signal_id", sig.ID))
		return
	}

	expiration := c.hours.Day(tick.Timestamp)
	call, put, err := c.selector.Resolve(ctx, c.symbol, expiration, sig, reg)
	if err != nil {
		c.logger.Warn("leg resolution failed, skipping signal",
			zap.String("signal_id", sig.ID),
			zap.Error(err),
		)
		return
	}

	tasks := make([]workers.Task, len(eligible))
	for i, e := range eligible {
		e := e
		tasks[i] = workers.TaskFunc(func() error {
			return e.EnterTrade(ctx, sig, reg, call, put)
		})
	}

	for i, err := range c.pool.FanOut(tasks) {
		if err != nil {
			c.logger.Error("account entry failed",
				zap.String("account", eligible[i].Name()),
				zap.String("signal_id", sig.ID),
				zap.Error(err),
			)
			continue
		}
		c.entries.Add(1)
	}
}

// ForceCloseAll closes every open position, best effort and independently
// per account.
func (c *Coordinator) ForceCloseAll(ctx context.Context, reason types.ExitReason) {
	for _, e := range c.engines {
		e.ForceClose(ctx, reason)
	}
}

// Engines exposes the account engines for the status API.
func (c *Coordinator) Engines() []*engine.Engine {
	return c.engines
}

// GetStats returns a snapshot for the status API.
func (c *Coordinator) GetStats() CoordinatorStats {
	c.mu.Lock()
	lastTick := c.lastTickAt
	c.mu.Unlock()

	accounts := make([]types.AccountStats, 0, len(c.engines))
	for _, e := range c.engines {
		accounts = append(accounts, e.Snapshot())
	}

	return CoordinatorStats{
		Running:  c.running.Load(),
		Loops:    c.loops.Load(),
		Signals:  c.signals.Load(),
		Entries:  c.entries.Load(),
		LastTick: lastTick,
		Detector: c.detector.GetStats(),
		Regime:   c.regimes.GetStats(),
		Pool:     c.pool.Stats(),
		Accounts: accounts,
	}
}
