package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestStrategyOverridesApply(t *testing.T) {
	base := DefaultStrategyConfig()

	risk := decimal.NewFromInt(900)
	hold := 30 * time.Minute
	trades := 2
	overrides := &StrategyOverrides{
		RiskPerSide:    &risk,
		MaxHoldTime:    &hold,
		MaxDailyTrades: &trades,
	}

	merged := overrides.Apply(base)
	if !merged.RiskPerSide.Equal(risk) {
		t.Errorf("risk = %s, want 900", merged.RiskPerSide)
	}
	if merged.MaxHoldTime != hold {
		t.Errorf("max hold = %s, want 30m", merged.MaxHoldTime)
	}
	if merged.MaxDailyTrades != trades {
		t.Errorf("max daily trades = %d, want 2", merged.MaxDailyTrades)
	}

	// Untouched fields inherit, and the base is not mutated.
	if !merged.StopLossPct.Equal(base.StopLossPct) {
		t.Errorf("stop loss = %s, want base %s", merged.StopLossPct, base.StopLossPct)
	}
	if !base.RiskPerSide.Equal(decimal.NewFromInt(400)) {
		t.Errorf("base mutated: risk = %s", base.RiskPerSide)
	}
}

func TestNilOverridesApply(t *testing.T) {
	base := DefaultStrategyConfig()
	var overrides *StrategyOverrides
	merged := overrides.Apply(base)
	if !merged.RiskPerSide.Equal(base.RiskPerSide) {
		t.Errorf("nil overrides changed config")
	}
}

func validTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Accounts = []AccountConfig{
		{Name: "alpha", Enabled: true},
	}
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults with one account", func(c *Config) {}, false},
		{"bad mode", func(c *Config) { c.Mode = "turbo" }, true},
		{"missing symbol", func(c *Config) { c.Symbol = "" }, true},
		{"bad timezone", func(c *Config) { c.Market.Timezone = "Mars/Olympus" }, true},
		{"no accounts", func(c *Config) { c.Accounts = nil }, true},
		{"duplicate accounts", func(c *Config) {
			c.Accounts = append(c.Accounts, AccountConfig{Name: "alpha"})
		}, true},
		{"live without token", func(c *Config) { c.Mode = ModeLive }, true},
		{"stop loss out of range", func(c *Config) {
			c.Strategy.StopLossPct = decimal.NewFromInt(2)
		}, true},
		{"negative override risk", func(c *Config) {
			bad := decimal.NewFromInt(-1)
			c.Accounts[0].Overrides = &StrategyOverrides{RiskPerSide: &bad}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
