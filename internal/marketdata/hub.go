// Package marketdata provides the shared market data hub: one underlying
// tick poller and one TTL option-chain cache serving every account.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/breakout-trader/internal/broker"
	"github.com/atlas-desktop/breakout-trader/internal/metrics"
	"github.com/atlas-desktop/breakout-trader/pkg/types"
)

// ErrNoTick is returned before the first successful poll.
var ErrNoTick = errors.New("no market tick available yet")

type chainEntry struct {
	chain     *types.OptionChain
	fetchedAt time.Time
}

// Hub polls underlying ticks in the background and serves option chains out
// of a TTL cache with LRU eviction. Concurrent chain requests for the same
// key share a single upstream fetch.
type Hub struct {
	logger *zap.Logger
	config types.HubConfig
	quotes broker.QuoteSource
	chains broker.ChainSource
	symbol string
	prom   *metrics.Metrics

	mu     sync.RWMutex
	latest *types.MarketTick

	cacheMu  sync.Mutex
	cache    map[string]*chainEntry
	order    []string // LRU order, most recently used last
	inflight map[string]chan struct{}

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	polls        atomic.Int64
	pollErrors   atomic.Int64
	chainFetches atomic.Int64
	chainErrors  atomic.Int64
	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
	cacheEvicted atomic.Int64
}

// HubStats is a point-in-time snapshot of hub counters
type HubStats struct {
	Running      bool      `json:"running"`
	LastTick     time.Time `json:"lastTick,omitempty"`
	Polls        int64     `json:"polls"`
	PollErrors   int64     `json:"pollErrors"`
	ChainFetches int64     `json:"chainFetches"`
	ChainErrors  int64     `json:"chainErrors"`
	CacheHits    int64     `json:"cacheHits"`
	CacheMisses  int64     `json:"cacheMisses"`
	CacheEvicted int64     `json:"cacheEvicted"`
	CachedKeys   int       `json:"cachedKeys"`
}

// NewHub creates a market data hub for one underlying symbol.
func NewHub(logger *zap.Logger, config types.HubConfig, symbol string, quotes broker.QuoteSource, chains broker.ChainSource) *Hub {
	return &Hub{
		logger:   logger,
		config:   config,
		quotes:   quotes,
		chains:   chains,
		symbol:   symbol,
		cache:    make(map[string]*chainEntry),
		inflight: make(map[string]chan struct{}),
		stopCh:   make(chan struct{}),
	}
}

// SetMetrics attaches prometheus counters for cache activity.
func (h *Hub) SetMetrics(m *metrics.Metrics) {
	h.prom = m
}

// Start launches the tick poller.
func (h *Hub) Start(ctx context.Context) {
	if h.running.Swap(true) {
		return
	}
	h.logger.Info("starting market data hub",
		zap.String("symbol", h.symbol),
		zap.Duration("poll_interval", h.config.PollInterval),
	)
	h.wg.Add(1)
	go h.pollLoop(ctx)
}

// Stop halts the poller and waits for it to exit.
func (h *Hub) Stop() {
	if !h.running.Swap(false) {
		return
	}
	close(h.stopCh)
	h.wg.Wait()
	h.logger.Info("market data hub stopped")
}

func (h *Hub) pollLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.PollInterval)
	defer ticker.Stop()

	h.pollOnce(ctx)
	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.pollOnce(ctx) {
				// Back off after a failed poll so a flapping upstream
				// doesn't get hammered every interval.
				select {
				case <-time.After(h.config.ErrorBackoff):
				case <-h.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (h *Hub) pollOnce(ctx context.Context) bool {
	h.polls.Add(1)
	tick, err := h.quotes.LatestOHLC(ctx, h.symbol)
	if err != nil {
		h.pollErrors.Add(1)
		h.logger.Warn("tick poll failed", zap.Error(err))
		return false
	}

	h.mu.Lock()
	h.latest = tick
	h.mu.Unlock()
	return true
}

// Latest returns the most recent underlying tick.
func (h *Hub) Latest() (*types.MarketTick, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		return nil, ErrNoTick
	}
	tick := *h.latest
	return &tick, nil
}

func chainKey(symbol, expiration string) string {
	return symbol + "|" + expiration
}

// OptionChain returns the chain for symbol/expiration, serving from cache
// while the entry is younger than the TTL. Concurrent callers for the same
// key wait on the in-flight fetch and reread the cache rather than issuing
// a second upstream request.
func (h *Hub) OptionChain(ctx context.Context, symbol, expiration string) (*types.OptionChain, error) {
	key := chainKey(symbol, expiration)

	for {
		h.cacheMu.Lock()
		if entry, ok := h.cache[key]; ok && time.Since(entry.fetchedAt) < h.config.ChainTTL {
			h.touch(key)
			h.cacheHits.Add(1)
			if h.prom != nil {
				h.prom.ChainCacheHits.Inc()
			}
			chain := entry.chain
			h.cacheMu.Unlock()
			return chain, nil
		}

		if wait, ok := h.inflight[key]; ok {
			h.cacheMu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue // recheck the cache under the lock
		}

		done := make(chan struct{})
		h.inflight[key] = done
		h.cacheMisses.Add(1)
		if h.prom != nil {
			h.prom.ChainCacheMisses.Inc()
		}
		h.cacheMu.Unlock()

		chain, err := h.fetchChain(ctx, symbol, expiration)

		h.cacheMu.Lock()
		delete(h.inflight, key)
		close(done)
		if err != nil {
			h.cacheMu.Unlock()
			return nil, err
		}
		h.insert(key, chain)
		h.cacheMu.Unlock()
		return chain, nil
	}
}

func (h *Hub) fetchChain(ctx context.Context, symbol, expiration string) (*types.OptionChain, error) {
	h.chainFetches.Add(1)
	chain, err := h.chains.FetchOptionChain(ctx, symbol, expiration)
	if err != nil {
		h.chainErrors.Add(1)
		return nil, fmt.Errorf("option chain %s %s: %w", symbol, expiration, err)
	}
	return chain, nil
}

// insert adds a cache entry, evicting the least recently used key above
// capacity. Callers hold cacheMu.
func (h *Hub) insert(key string, chain *types.OptionChain) {
	if _, exists := h.cache[key]; !exists && len(h.cache) >= h.config.ChainCacheSize {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.cache, oldest)
		h.cacheEvicted.Add(1)
		h.logger.Debug("evicted chain cache entry", zap.String("key", oldest))
	}
	h.cache[key] = &chainEntry{chain: chain, fetchedAt: time.Now()}
	h.touch(key)
}

// touch moves key to the most recently used position. Callers hold cacheMu.
func (h *Hub) touch(key string) {
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	h.order = append(h.order, key)
}

// QuoteByOCC scans cached chains for an OCC symbol. Serving only cached data
// keeps this safe to call from order-simulation paths without triggering
// upstream fetches.
func (h *Hub) QuoteByOCC(occSymbol string) (bid, ask decimal.Decimal, ok bool) {
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()

	for _, entry := range h.cache {
		if quote := entry.chain.Quote(occSymbol); quote != nil {
			return quote.Bid, quote.Ask, true
		}
	}
	return decimal.Decimal{}, decimal.Decimal{}, false
}

// Healthy reports whether the hub is running, its tick is fresh, and its
// upstream error rate is acceptable.
func (h *Hub) Healthy() bool {
	if !h.running.Load() {
		return false
	}

	h.mu.RLock()
	latest := h.latest
	h.mu.RUnlock()
	if latest == nil || time.Since(latest.Timestamp) > h.config.StaleAfter {
		return false
	}

	requests := h.polls.Load() + h.chainFetches.Load()
	errors := h.pollErrors.Load() + h.chainErrors.Load()
	if requests > 0 && float64(errors)/float64(requests) > h.config.MaxErrorRate {
		return false
	}
	return true
}

// GetStats returns a snapshot of hub counters.
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	var lastTick time.Time
	if h.latest != nil {
		lastTick = h.latest.Timestamp
	}
	h.mu.RUnlock()

	h.cacheMu.Lock()
	cachedKeys := len(h.cache)
	h.cacheMu.Unlock()

	return HubStats{
		Running:      h.running.Load(),
		LastTick:     lastTick,
		Polls:        h.polls.Load(),
		PollErrors:   h.pollErrors.Load(),
		ChainFetches: h.chainFetches.Load(),
		ChainErrors:  h.chainErrors.Load(),
		CacheHits:    h.cacheHits.Load(),
		CacheMisses:  h.cacheMisses.Load(),
		CacheEvicted: h.cacheEvicted.Load(),
		CachedKeys:   cachedKeys,
	}
}
