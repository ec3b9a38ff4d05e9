// Package risk gates per-account trade entry.
package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/breakout-trader/pkg/types"
)

// Rule identifiers, in evaluation order.
const (
	RuleAccountDisabled = "account_disabled"
	RulePositionOpen    = "position_open"
	RuleTradeCooldown   = "trade_cooldown"
	RuleMaxDailyTrades  = "max_daily_trades"
	RuleMaxDailyLoss    = "max_daily_loss"
	RuleEmergencyStop   = "emergency_stop"
)

// Severity levels for gate decisions
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Decision is the outcome of a gate check. When Allowed is false, Rule names
// the first rule that failed.
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Rule     string `json:"rule,omitempty"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Gate evaluates whether one account may enter a new trade. Rules run in a
// fixed order and the first failure wins. Check is driven only by the
// coordinator loop and is not safe for concurrent use.
type Gate struct {
	logger *zap.Logger
	config types.StrategyConfig

	checks     int64
	rejections map[string]int64
}

// GateStats is a snapshot of gate counters
type GateStats struct {
	Checks     int64            `json:"checks"`
	Rejections map[string]int64 `json:"rejections"`
}

// NewGate creates a gate with the account's merged strategy config.
func NewGate(logger *zap.Logger, config types.StrategyConfig) *Gate {
	return &Gate{
		logger:     logger,
		config:     config,
		rejections: make(map[string]int64),
	}
}

// Check evaluates all entry rules against an account snapshot.
func (g *Gate) Check(snapshot types.AccountStats, now time.Time) Decision {
	g.checks++

	if !snapshot.Enabled || !snapshot.Running {
		return g.reject(snapshot.Account, RuleAccountDisabled, SeverityInfo,
			"account is disabled or not running")
	}

	if snapshot.OpenTrades > 0 {
		return g.reject(snapshot.Account, RulePositionOpen, SeverityInfo,
			"a position is already open")
	}

	if !snapshot.LastEntryTime.IsZero() {
		elapsed := now.Sub(snapshot.LastEntryTime)
		if elapsed < g.config.TradeCooldown {
			return g.reject(snapshot.Account, RuleTradeCooldown, SeverityInfo,
				fmt.Sprintf("cooldown active: %s since last entry, need %s",
					elapsed.Round(time.Second), g.config.TradeCooldown))
		}
	}

	if snapshot.DailyTrades >= g.config.MaxDailyTrades {
		return g.reject(snapshot.Account, RuleMaxDailyTrades, SeverityWarning,
			fmt.Sprintf("daily trade limit reached: %d of %d",
				snapshot.DailyTrades, g.config.MaxDailyTrades))
	}

	if snapshot.DailyPnL.LessThanOrEqual(g.config.MaxDailyLoss.Neg()) {
		return g.reject(snapshot.Account, RuleMaxDailyLoss, SeverityWarning,
			fmt.Sprintf("daily loss limit reached: %s against %s",
				snapshot.DailyPnL.StringFixed(2), g.config.MaxDailyLoss.StringFixed(2)))
	}

	if snapshot.DailyPnL.LessThanOrEqual(g.config.EmergencyStopLoss.Neg()) {
		return g.reject(snapshot.Account, RuleEmergencyStop, SeverityCritical,
			fmt.Sprintf("emergency stop: daily loss %s against %s",
				snapshot.DailyPnL.StringFixed(2), g.config.EmergencyStopLoss.StringFixed(2)))
	}

	return Decision{Allowed: true}
}

// BreachedDailyLoss reports whether daily P&L has crossed the limit.
func (g *Gate) BreachedDailyLoss(dailyPnL decimal.Decimal) bool {
	return dailyPnL.LessThanOrEqual(g.config.MaxDailyLoss.Neg())
}

// BreachedEmergencyStop reports whether daily P&L has crossed the circuit
// breaker. Like the daily-loss limit it resets with the trading day.
func (g *Gate) BreachedEmergencyStop(dailyPnL decimal.Decimal) bool {
	return dailyPnL.LessThanOrEqual(g.config.EmergencyStopLoss.Neg())
}

func (g *Gate) reject(account, rule, severity, message string) Decision {
	g.rejections[rule]++
	g.logger.Debug("entry rejected",
		zap.String("account", account),
		zap.String("rule", rule),
		zap.String("message", message),
	)
	return Decision{Allowed: false, Rule: rule, Severity: severity, Message: message}
}

// GetStats returns gate counters.
func (g *Gate) GetStats() GateStats {
	rejections := make(map[string]int64, len(g.rejections))
	for k, v := range g.rejections {
		rejections[k] = v
	}
	return GateStats{Checks: g.checks, Rejections: rejections}
}
