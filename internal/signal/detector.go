// Package signal implements breakout detection over a sliding price window.
package signal

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/breakout-trader/pkg/types"
)

type pricePoint struct {
	ts    time.Time
	price float64
}

// Detector watches the underlying through a sliding window and emits a
// Signal when the window range reaches the regime's move threshold. One
// detector is shared by all accounts; per-account eligibility is the risk
// gate's job.
type Detector struct {
	logger *zap.Logger
	config types.StrategyConfig
	hours  *types.MarketHours

	mu           sync.Mutex
	window       []pricePoint
	lastSignalAt time.Time

	emitted            int64
	suppressedCooldown int64
	suppressedBuffer   int64
}

// DetectorStats is a snapshot of detector counters
type DetectorStats struct {
	WindowPoints       int       `json:"windowPoints"`
	LastSignalAt       time.Time `json:"lastSignalAt,omitempty"`
	Emitted            int64     `json:"emitted"`
	SuppressedCooldown int64     `json:"suppressedCooldown"`
	SuppressedBuffer   int64     `json:"suppressedBuffer"`
}

// NewDetector creates a signal detector.
func NewDetector(logger *zap.Logger, config types.StrategyConfig, hours *types.MarketHours) *Detector {
	return &Detector{
		logger: logger,
		config: config,
		hours:  hours,
	}
}

// Observe records a tick in the window and evicts points older than the
// window plus slack. Eviction is relative to the tick's own timestamp so
// replayed history behaves the same as live data.
func (d *Detector) Observe(tick *types.MarketTick) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.window = append(d.window, pricePoint{ts: tick.Timestamp, price: tick.Close})

	cutoff := tick.Timestamp.Add(-(d.config.WindowDuration + d.config.WindowSlack))
	firstKept := 0
	for firstKept < len(d.window) && d.window[firstKept].ts.Before(cutoff) {
		firstKept++
	}
	if firstKept > 0 {
		d.window = append(d.window[:0], d.window[firstKept:]...)
	}
}

// Evaluate emits at most one signal for the current tick. The window range
// must reach the regime's move threshold, the tick must sit outside the
// open/close buffers and before the last entry time, and the cooldown since
// the previous signal must have elapsed. The reference price is the window
// low.
func (d *Detector) Evaluate(tick *types.MarketTick, regime types.Regime) *types.Signal {
	d.mu.Lock()
	defer d.mu.Unlock()

	high, low, ok := d.windowRange(tick.Timestamp)
	if !ok {
		return nil
	}

	rng := high - low
	if rng < regime.MoveThreshold {
		return nil
	}

	now := tick.Timestamp
	if d.hours.InOpenBuffer(now) || d.hours.InCloseBuffer(now) || d.hours.AfterMaxEntry(now) || !d.hours.IsOpen(now) {
		d.suppressedBuffer++
		return nil
	}

	if !d.lastSignalAt.IsZero() {
		cooldown := d.config.SignalCooldown
		// A signal fired early in the session enforces the longer cooldown.
		if d.hours.SinceOpenBuffer(d.lastSignalAt) < d.config.EarlySession {
			cooldown = d.config.EarlyCooldown
		}
		if now.Sub(d.lastSignalAt) < cooldown {
			d.suppressedCooldown++
			return nil
		}
	}

	d.lastSignalAt = now
	d.emitted++

	movePercent := 0.0
	if low > 0 {
		movePercent = rng / low * 100
	}
	sig := &types.Signal{
		ID:             uuid.New().String(),
		Symbol:         tick.Symbol,
		Timestamp:      now,
		Price:          tick.Close,
		WindowHigh:     high,
		WindowLow:      low,
		MovePoints:     rng,
		MovePercent:    movePercent,
		ReferencePrice: low,
		Regime:         regime.Level,
	}

	d.logger.Info("breakout signal",
		zap.String("signal_id", sig.ID),
		zap.Float64("price", sig.Price),
		zap.Float64("move_points", rng),
		zap.Float64("move_percent", movePercent),
		zap.Float64("threshold", regime.MoveThreshold),
		zap.String("regime", string(regime.Level)),
	)
	return sig
}

// windowRange computes high/low over points inside the active window,
// ignoring slack-retained older points. Callers hold mu.
func (d *Detector) windowRange(now time.Time) (high, low float64, ok bool) {
	cutoff := now.Add(-d.config.WindowDuration)
	for _, p := range d.window {
		if p.ts.Before(cutoff) {
			continue
		}
		if !ok {
			high, low, ok = p.price, p.price, true
			continue
		}
		if p.price > high {
			high = p.price
		}
		if p.price < low {
			low = p.price
		}
	}
	return high, low, ok
}

// Reset clears the window and cooldown, used at session rollover.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = d.window[:0]
	d.lastSignalAt = time.Time{}
}

// GetStats returns a snapshot of detector counters.
func (d *Detector) GetStats() DetectorStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DetectorStats{
		WindowPoints:       len(d.window),
		LastSignalAt:       d.lastSignalAt,
		Emitted:            d.emitted,
		SuppressedCooldown: d.suppressedCooldown,
		SuppressedBuffer:   d.suppressedBuffer,
	}
}
