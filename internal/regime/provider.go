// Package regime maps the volatility index to the active strategy regime.
package regime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/breakout-trader/internal/broker"
	"github.com/atlas-desktop/breakout-trader/pkg/types"
)

// Provider caches the volatility regime with a TTL. Fetch failures serve the
// last known regime; before any successful fetch the low regime applies.
type Provider struct {
	logger *zap.Logger
	config types.RegimeConfig
	source broker.VolIndexSource

	mu      sync.Mutex
	current *types.Regime

	fetches     int64
	fetchErrors int64
	staleServes int64
}

// ProviderStats is a snapshot of provider counters
type ProviderStats struct {
	Level       types.RegimeLevel `json:"level"`
	IndexValue  float64           `json:"indexValue"`
	FetchedAt   time.Time         `json:"fetchedAt,omitempty"`
	Fetches     int64             `json:"fetches"`
	FetchErrors int64             `json:"fetchErrors"`
	StaleServes int64             `json:"staleServes"`
}

// NewProvider creates a regime provider.
func NewProvider(logger *zap.Logger, config types.RegimeConfig, source broker.VolIndexSource) *Provider {
	return &Provider{
		logger: logger,
		config: config,
		source: source,
	}
}

// Current returns the active regime, refreshing from the index source when
// the cached snapshot is older than the TTL.
func (p *Provider) Current(ctx context.Context, now time.Time) types.Regime {
	return p.refresh(ctx, now, false)
}

// Force refetches the index regardless of TTL.
func (p *Provider) Force(ctx context.Context, now time.Time) types.Regime {
	return p.refresh(ctx, now, true)
}

func (p *Provider) refresh(ctx context.Context, now time.Time, force bool) types.Regime {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !force && p.current != nil && now.Sub(p.current.FetchedAt) < p.config.TTL {
		return *p.current
	}

	p.fetches++
	value, err := p.source.IndexValue(ctx, p.config.IndexSymbol)
	if err != nil {
		p.fetchErrors++
		if p.current != nil {
			p.staleServes++
			p.logger.Warn("volatility index fetch failed, serving last regime",
				zap.String("level", string(p.current.Level)),
				zap.Error(err),
			)
			return *p.current
		}
		p.logger.Warn("volatility index fetch failed, defaulting to low regime", zap.Error(err))
		fallback := p.classify(0, now)
		return fallback
	}

	next := p.classify(value, now)
	if p.current == nil || p.current.Level != next.Level {
		p.logger.Info("volatility regime set",
			zap.String("level", string(next.Level)),
			zap.Float64("index_value", value),
			zap.Float64("move_threshold", next.MoveThreshold),
		)
	}
	p.current = &next
	return next
}

// classify builds an immutable regime snapshot for an index value. The
// parameter set swaps as a whole so a trade never sees a mixed regime.
func (p *Provider) classify(value float64, now time.Time) types.Regime {
	params := p.config.Low
	level := types.RegimeLow
	if value > p.config.HighThreshold {
		params = p.config.High
		level = types.RegimeHigh
	}
	return types.Regime{
		Level:            level,
		IndexValue:       value,
		MoveThreshold:    params.MoveThreshold,
		PremiumMin:       params.PremiumMin,
		PremiumMax:       params.PremiumMax,
		TargetMultiplier: params.TargetMultiplier,
		FetchedAt:        now,
	}
}

// GetStats returns a snapshot of provider counters.
func (p *Provider) GetStats() ProviderStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := ProviderStats{
		Fetches:     p.fetches,
		FetchErrors: p.fetchErrors,
		StaleServes: p.staleServes,
	}
	if p.current != nil {
		stats.Level = p.current.Level
		stats.IndexValue = p.current.IndexValue
		stats.FetchedAt = p.current.FetchedAt
	}
	return stats
}
