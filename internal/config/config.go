// Package config loads the trader configuration from YAML and the
// environment.
package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/atlas-desktop/breakout-trader/pkg/types"
)

// Load reads the configuration file at path (YAML), layered over defaults,
// with TRADER_* environment variables overriding file values. An empty path
// returns validated defaults only when they form a runnable config.
func Load(path string) (*types.Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// Decimal fields arrive as strings; the TextUnmarshaller hook parses
	// them without losing precision.
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))

	cfg := types.DefaultConfig()
	if err := v.Unmarshal(cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// setDefaults mirrors the Default*Config constructors so values omitted from
// the file still unmarshal correctly.
func setDefaults(v *viper.Viper) {
	defaults := types.DefaultConfig()

	v.SetDefault("mode", string(defaults.Mode))
	v.SetDefault("symbol", defaults.Symbol)
	v.SetDefault("audit_dir", defaults.AuditDir)

	v.SetDefault("market.timezone", defaults.Market.Timezone)
	v.SetDefault("market.open_time", defaults.Market.OpenTime)
	v.SetDefault("market.close_time", defaults.Market.CloseTime)
	v.SetDefault("market.open_buffer", defaults.Market.OpenBuffer)
	v.SetDefault("market.close_buffer", defaults.Market.CloseBuffer)
	v.SetDefault("market.max_entry", defaults.Market.MaxEntry)

	v.SetDefault("strategy.window_duration", defaults.Strategy.WindowDuration)
	v.SetDefault("strategy.window_slack", defaults.Strategy.WindowSlack)
	v.SetDefault("strategy.signal_cooldown", defaults.Strategy.SignalCooldown)
	v.SetDefault("strategy.early_cooldown", defaults.Strategy.EarlyCooldown)
	v.SetDefault("strategy.early_session", defaults.Strategy.EarlySession)
	v.SetDefault("strategy.risk_per_side", defaults.Strategy.RiskPerSide.String())
	v.SetDefault("strategy.max_retries", defaults.Strategy.MaxRetries)
	v.SetDefault("strategy.retry_delay", defaults.Strategy.RetryDelay)
	v.SetDefault("strategy.bid_ask_ratio", defaults.Strategy.BidAskRatio.String())
	v.SetDefault("strategy.stop_loss_pct", defaults.Strategy.StopLossPct.String())
	v.SetDefault("strategy.max_hold_time", defaults.Strategy.MaxHoldTime)
	v.SetDefault("strategy.commission_per_lot", defaults.Strategy.CommissionPerLot.String())
	v.SetDefault("strategy.slippage", defaults.Strategy.Slippage.String())
	v.SetDefault("strategy.max_daily_trades", defaults.Strategy.MaxDailyTrades)
	v.SetDefault("strategy.max_daily_loss", defaults.Strategy.MaxDailyLoss.String())
	v.SetDefault("strategy.emergency_stop_loss", defaults.Strategy.EmergencyStopLoss.String())
	v.SetDefault("strategy.trade_cooldown", defaults.Strategy.TradeCooldown)
	v.SetDefault("strategy.limit_poll_interval", defaults.Strategy.LimitPollInterval)

	v.SetDefault("regime.index_symbol", defaults.Regime.IndexSymbol)
	v.SetDefault("regime.high_threshold", defaults.Regime.HighThreshold)
	v.SetDefault("regime.ttl", defaults.Regime.TTL)
	v.SetDefault("regime.high.move_threshold", defaults.Regime.High.MoveThreshold)
	v.SetDefault("regime.high.premium_min", defaults.Regime.High.PremiumMin.String())
	v.SetDefault("regime.high.premium_max", defaults.Regime.High.PremiumMax.String())
	v.SetDefault("regime.high.target_multiplier", defaults.Regime.High.TargetMultiplier.String())
	v.SetDefault("regime.low.move_threshold", defaults.Regime.Low.MoveThreshold)
	v.SetDefault("regime.low.premium_min", defaults.Regime.Low.PremiumMin.String())
	v.SetDefault("regime.low.premium_max", defaults.Regime.Low.PremiumMax.String())
	v.SetDefault("regime.low.target_multiplier", defaults.Regime.Low.TargetMultiplier.String())

	v.SetDefault("hub.poll_interval", defaults.Hub.PollInterval)
	v.SetDefault("hub.error_backoff", defaults.Hub.ErrorBackoff)
	v.SetDefault("hub.chain_ttl", defaults.Hub.ChainTTL)
	v.SetDefault("hub.chain_cache_size", defaults.Hub.ChainCacheSize)
	v.SetDefault("hub.stale_after", defaults.Hub.StaleAfter)
	v.SetDefault("hub.max_error_rate", defaults.Hub.MaxErrorRate)

	v.SetDefault("coordinator.loop_interval", defaults.Coordinator.LoopInterval)
	v.SetDefault("coordinator.workers", defaults.Coordinator.Workers)
	v.SetDefault("coordinator.queue_size", defaults.Coordinator.QueueSize)
	v.SetDefault("coordinator.stop_timeout", defaults.Coordinator.StopTimeout)

	v.SetDefault("broker.base_url", defaults.Broker.BaseURL)
	v.SetDefault("broker.sandbox_base_url", defaults.Broker.SandboxBaseURL)
	v.SetDefault("broker.timeout", defaults.Broker.Timeout)
	v.SetDefault("broker.retry_count", defaults.Broker.RetryCount)

	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	v.SetDefault("server.websocket_path", defaults.Server.WebSocketPath)
	v.SetDefault("server.enable_metrics", defaults.Server.EnableMetrics)
}
