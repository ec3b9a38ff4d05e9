// Package types provides configuration types for the breakout trader.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionMode selects how orders reach the market
type ExecutionMode string

const (
	ModeSimulated ExecutionMode = "simulated"
	ModeSandbox   ExecutionMode = "sandbox"
	ModeLive      ExecutionMode = "live"
)

// Config is the root configuration for the trader
type Config struct {
	Mode        ExecutionMode     `json:"mode" mapstructure:"mode"`
	Symbol      string            `json:"symbol" mapstructure:"symbol"`
	Market      MarketConfig      `json:"market" mapstructure:"market"`
	Strategy    StrategyConfig    `json:"strategy" mapstructure:"strategy"`
	Regime      RegimeConfig      `json:"regime" mapstructure:"regime"`
	Hub         HubConfig         `json:"hub" mapstructure:"hub"`
	Coordinator CoordinatorConfig `json:"coordinator" mapstructure:"coordinator"`
	Broker      BrokerConfig      `json:"broker" mapstructure:"broker"`
	Accounts    []AccountConfig   `json:"accounts" mapstructure:"accounts"`
	Telegram    TelegramConfig    `json:"telegram" mapstructure:"telegram"`
	Server      ServerConfig      `json:"server" mapstructure:"server"`
	AuditDir    string            `json:"auditDir" mapstructure:"audit_dir"`
}

// MarketConfig describes the trading session of the underlying
type MarketConfig struct {
	Timezone    string        `json:"timezone" mapstructure:"timezone"`
	OpenTime    string        `json:"openTime" mapstructure:"open_time"`   // HH:MM market time
	CloseTime   string        `json:"closeTime" mapstructure:"close_time"` // HH:MM market time
	OpenBuffer  time.Duration `json:"openBuffer" mapstructure:"open_buffer"`
	CloseBuffer time.Duration `json:"closeBuffer" mapstructure:"close_buffer"`
	MaxEntry    string        `json:"maxEntry" mapstructure:"max_entry"` // HH:MM, last signal time
}

// DefaultMarketConfig returns US equity option session defaults
func DefaultMarketConfig() MarketConfig {
	return MarketConfig{
		Timezone:    "America/New_York",
		OpenTime:    "09:30",
		CloseTime:   "16:00",
		OpenBuffer:  15 * time.Minute, // no signals right after the open
		CloseBuffer: 15 * time.Minute, // force-close window before the bell
		MaxEntry:    "15:00",
	}
}

// StrategyConfig holds the breakout strategy parameters. All fields can be
// overridden per account via StrategyOverrides.
type StrategyConfig struct {
	WindowDuration      time.Duration   `json:"windowDuration" mapstructure:"window_duration"`
	WindowSlack         time.Duration   `json:"windowSlack" mapstructure:"window_slack"` // extra retention beyond the window
	SignalCooldown      time.Duration   `json:"signalCooldown" mapstructure:"signal_cooldown"`
	EarlyCooldown       time.Duration   `json:"earlyCooldown" mapstructure:"early_cooldown"` // cooldown for early-session signals
	EarlySession        time.Duration   `json:"earlySession" mapstructure:"early_session"`   // how long after the open buffer counts as early
	RiskPerSide         decimal.Decimal `json:"riskPerSide" mapstructure:"risk_per_side"`    // dollars allocated per leg
	MaxRetries          int             `json:"maxRetries" mapstructure:"max_retries"`       // leg resolution attempts
	RetryDelay          time.Duration   `json:"retryDelay" mapstructure:"retry_delay"`
	BidAskRatio         decimal.Decimal `json:"bidAskRatio" mapstructure:"bid_ask_ratio"` // min bid/ask for a tradable contract
	StopLossPct         decimal.Decimal `json:"stopLossPct" mapstructure:"stop_loss_pct"` // fraction of entry cost
	MaxHoldTime         time.Duration   `json:"maxHoldTime" mapstructure:"max_hold_time"`
	CommissionPerLot    decimal.Decimal `json:"commissionPerLot" mapstructure:"commission_per_lot"` // per contract, per side
	Slippage            decimal.Decimal `json:"slippage" mapstructure:"slippage"`                   // per contract price adjustment
	MaxDailyTrades      int             `json:"maxDailyTrades" mapstructure:"max_daily_trades"`
	MaxDailyLoss        decimal.Decimal `json:"maxDailyLoss" mapstructure:"max_daily_loss"`
	EmergencyStopLoss   decimal.Decimal `json:"emergencyStopLoss" mapstructure:"emergency_stop_loss"` // daily loss circuit breaker
	TradeCooldown       time.Duration   `json:"tradeCooldown" mapstructure:"trade_cooldown"`          // per-account gap between entries
	LimitPollInterval   time.Duration   `json:"limitPollInterval" mapstructure:"limit_poll_interval"` // min gap between fill polls per trade
}

// DefaultStrategyConfig returns the production strategy defaults
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		WindowDuration:    30 * time.Minute,
		WindowSlack:       5 * time.Minute,
		SignalCooldown:    20 * time.Minute,
		EarlyCooldown:     30 * time.Minute,
		EarlySession:      30 * time.Minute,
		RiskPerSide:       decimal.NewFromInt(400), // dollars per leg
		MaxRetries:        6,
		RetryDelay:        5 * time.Second,
		BidAskRatio:       decimal.NewFromFloat(0.5),
		StopLossPct:       decimal.NewFromFloat(0.12), // 12% of entry cost
		MaxHoldTime:       time.Hour,
		CommissionPerLot:  decimal.NewFromFloat(0.65),
		Slippage:          decimal.NewFromFloat(0.01),
		MaxDailyTrades:    5,
		MaxDailyLoss:      decimal.NewFromInt(1000),
		EmergencyStopLoss: decimal.NewFromInt(2000),
		TradeCooldown:     20 * time.Minute,
		LimitPollInterval: 2 * time.Second,
	}
}

// StrategyOverrides is a sparse per-account override of StrategyConfig.
// Nil fields inherit the base value.
type StrategyOverrides struct {
	RiskPerSide       *decimal.Decimal `json:"riskPerSide,omitempty" mapstructure:"risk_per_side"`
	StopLossPct       *decimal.Decimal `json:"stopLossPct,omitempty" mapstructure:"stop_loss_pct"`
	MaxHoldTime       *time.Duration   `json:"maxHoldTime,omitempty" mapstructure:"max_hold_time"`
	MaxDailyTrades    *int             `json:"maxDailyTrades,omitempty" mapstructure:"max_daily_trades"`
	MaxDailyLoss      *decimal.Decimal `json:"maxDailyLoss,omitempty" mapstructure:"max_daily_loss"`
	EmergencyStopLoss *decimal.Decimal `json:"emergencyStopLoss,omitempty" mapstructure:"emergency_stop_loss"`
	TradeCooldown     *time.Duration   `json:"tradeCooldown,omitempty" mapstructure:"trade_cooldown"`
}

// Apply returns a copy of base with the non-nil overrides applied.
func (o *StrategyOverrides) Apply(base StrategyConfig) StrategyConfig {
	out := base
	if o == nil {
		return out
	}
	if o.RiskPerSide != nil {
		out.RiskPerSide = *o.RiskPerSide
	}
	if o.StopLossPct != nil {
		out.StopLossPct = *o.StopLossPct
	}
	if o.MaxHoldTime != nil {
		out.MaxHoldTime = *o.MaxHoldTime
	}
	if o.MaxDailyTrades != nil {
		out.MaxDailyTrades = *o.MaxDailyTrades
	}
	if o.MaxDailyLoss != nil {
		out.MaxDailyLoss = *o.MaxDailyLoss
	}
	if o.EmergencyStopLoss != nil {
		out.EmergencyStopLoss = *o.EmergencyStopLoss
	}
	if o.TradeCooldown != nil {
		out.TradeCooldown = *o.TradeCooldown
	}
	return out
}

// RegimeParams are the strategy knobs bound to one volatility regime
type RegimeParams struct {
	MoveThreshold    float64         `json:"moveThreshold" mapstructure:"move_threshold"`
	PremiumMin       decimal.Decimal `json:"premiumMin" mapstructure:"premium_min"`
	PremiumMax       decimal.Decimal `json:"premiumMax" mapstructure:"premium_max"`
	TargetMultiplier decimal.Decimal `json:"targetMultiplier" mapstructure:"target_multiplier"`
}

// RegimeConfig maps the volatility index to regime parameters
type RegimeConfig struct {
	IndexSymbol   string        `json:"indexSymbol" mapstructure:"index_symbol"`
	HighThreshold float64       `json:"highThreshold" mapstructure:"high_threshold"` // index value above which regime is high
	TTL           time.Duration `json:"ttl" mapstructure:"ttl"`
	High          RegimeParams  `json:"high" mapstructure:"high"`
	Low           RegimeParams  `json:"low" mapstructure:"low"`
}

// DefaultRegimeConfig returns the production regime mapping
func DefaultRegimeConfig() RegimeConfig {
	return RegimeConfig{
		IndexSymbol:   "VIX",
		HighThreshold: 25.0,
		TTL:           5 * time.Minute,
		High: RegimeParams{
			MoveThreshold:    3.5,
			PremiumMin:       decimal.NewFromFloat(1.05),
			PremiumMax:       decimal.NewFromFloat(2.20),
			TargetMultiplier: decimal.NewFromFloat(1.35),
		},
		Low: RegimeParams{
			MoveThreshold:    2.5,
			PremiumMin:       decimal.NewFromFloat(0.40),
			PremiumMax:       decimal.NewFromFloat(1.05),
			TargetMultiplier: decimal.NewFromFloat(1.35),
		},
	}
}

// HubConfig controls the market data hub
type HubConfig struct {
	PollInterval   time.Duration `json:"pollInterval" mapstructure:"poll_interval"`
	ErrorBackoff   time.Duration `json:"errorBackoff" mapstructure:"error_backoff"` // extra sleep after a failed poll
	ChainTTL       time.Duration `json:"chainTTL" mapstructure:"chain_ttl"`
	ChainCacheSize int           `json:"chainCacheSize" mapstructure:"chain_cache_size"` // LRU capacity in keys
	StaleAfter     time.Duration `json:"staleAfter" mapstructure:"stale_after"`          // tick age beyond which the hub is unhealthy
	MaxErrorRate   float64       `json:"maxErrorRate" mapstructure:"max_error_rate"`     // request error fraction for health
}

// DefaultHubConfig returns the production hub defaults
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PollInterval:   time.Second,
		ErrorBackoff:   5 * time.Second,
		ChainTTL:       30 * time.Second,
		ChainCacheSize: 16,
		StaleAfter:     time.Minute,
		MaxErrorRate:   0.10,
	}
}

// CoordinatorConfig controls the decision loop and account fan-out
type CoordinatorConfig struct {
	LoopInterval time.Duration `json:"loopInterval" mapstructure:"loop_interval"`
	Workers      int           `json:"workers" mapstructure:"workers"`
	QueueSize    int           `json:"queueSize" mapstructure:"queue_size"`
	StopTimeout  time.Duration `json:"stopTimeout" mapstructure:"stop_timeout"`
}

// DefaultCoordinatorConfig returns the production coordinator defaults
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		LoopInterval: time.Second,
		Workers:      4,
		QueueSize:    32,
		StopTimeout:  30 * time.Second,
	}
}

// BrokerConfig holds broker connectivity settings shared by all accounts
type BrokerConfig struct {
	BaseURL        string        `json:"baseUrl" mapstructure:"base_url"`
	SandboxBaseURL string        `json:"sandboxBaseUrl" mapstructure:"sandbox_base_url"`
	Timeout        time.Duration `json:"timeout" mapstructure:"timeout"`
	RetryCount     int           `json:"retryCount" mapstructure:"retry_count"`
}

// DefaultBrokerConfig returns broker client defaults
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		BaseURL:        "https://api.tradier.com/v1",
		SandboxBaseURL: "https://sandbox.tradier.com/v1",
		Timeout:        10 * time.Second,
		RetryCount:     2,
	}
}

// AccountConfig describes one trading account
type AccountConfig struct {
	Name      string             `json:"name" mapstructure:"name"`
	AccountID string             `json:"accountId" mapstructure:"account_id"`
	Token     string             `json:"token" mapstructure:"token"`
	Enabled   bool               `json:"enabled" mapstructure:"enabled"`
	Overrides *StrategyOverrides `json:"overrides,omitempty" mapstructure:"overrides"`
}

// TelegramConfig controls the Telegram notification sink
type TelegramConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	BotToken string `json:"botToken" mapstructure:"bot_token"`
	ChatID   string `json:"chatId" mapstructure:"chat_id"`
}

// ServerConfig holds status API server settings
type ServerConfig struct {
	Host          string        `json:"host" mapstructure:"host"`
	Port          int           `json:"port" mapstructure:"port"`
	ReadTimeout   time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	WebSocketPath string        `json:"webSocketPath" mapstructure:"websocket_path"`
	EnableMetrics bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
}

// DefaultServerConfig returns status API defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:          "0.0.0.0",
		Port:          8090,
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  15 * time.Second,
		WebSocketPath: "/ws",
		EnableMetrics: true,
	}
}

// DefaultConfig returns a fully populated configuration with one disabled
// placeholder account.
func DefaultConfig() *Config {
	return &Config{
		Mode:        ModeSimulated,
		Symbol:      "SPY",
		Market:      DefaultMarketConfig(),
		Strategy:    DefaultStrategyConfig(),
		Regime:      DefaultRegimeConfig(),
		Hub:         DefaultHubConfig(),
		Coordinator: DefaultCoordinatorConfig(),
		Broker:      DefaultBrokerConfig(),
		Server:      DefaultServerConfig(),
		AuditDir:    "audit",
	}
}

// Validate checks the configuration for inconsistencies that would make the
// trader misbehave at runtime.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeSimulated, ModeSandbox, ModeLive:
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return fmt.Errorf("invalid market timezone: %w", err)
	}
	if c.Strategy.WindowDuration <= 0 {
		return fmt.Errorf("strategy window_duration must be positive")
	}
	if c.Strategy.RiskPerSide.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("strategy risk_per_side must be positive")
	}
	if c.Strategy.StopLossPct.LessThanOrEqual(decimal.Zero) || c.Strategy.StopLossPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("strategy stop_loss_pct must be in (0, 1)")
	}
	if c.Regime.High.MoveThreshold <= 0 || c.Regime.Low.MoveThreshold <= 0 {
		return fmt.Errorf("regime move thresholds must be positive")
	}
	if c.Hub.ChainCacheSize <= 0 {
		return fmt.Errorf("hub chain_cache_size must be positive")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		acct := &c.Accounts[i]
		if acct.Name == "" {
			return fmt.Errorf("account %d: name is required", i)
		}
		if seen[acct.Name] {
			return fmt.Errorf("duplicate account name %q", acct.Name)
		}
		seen[acct.Name] = true
		if c.Mode != ModeSimulated && acct.Enabled && (acct.Token == "" || acct.AccountID == "") {
			return fmt.Errorf("account %q: token and account_id required in %s mode", acct.Name, c.Mode)
		}
		if acct.Overrides != nil && acct.Overrides.RiskPerSide != nil &&
			acct.Overrides.RiskPerSide.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("account %q: risk_per_side override must be positive", acct.Name)
		}
	}
	return nil
}
