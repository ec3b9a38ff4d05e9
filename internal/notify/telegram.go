package notify

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/atlas-desktop/breakout-trader/pkg/types"
)

// Telegram posts notifications to a Telegram chat. Sends run on the caller's
// goroutine with a short timeout; failures are logged, never returned.
type Telegram struct {
	logger *zap.Logger
	http   *resty.Client
	chatID string
}

// NewTelegram creates a Telegram sink.
func NewTelegram(logger *zap.Logger, config types.TelegramConfig) *Telegram {
	http := resty.New().
		SetBaseURL(fmt.Sprintf("https://api.telegram.org/bot%s", config.BotToken)).
		SetTimeout(5 * time.Second)

	return &Telegram{
		logger: logger,
		http:   http,
		chatID: config.ChatID,
	}
}

func (t *Telegram) send(text string) {
	resp, err := t.http.R().
		SetFormData(map[string]string{
			"chat_id": t.chatID,
			"text":    text,
		}).
		Post("/sendMessage")
	if err != nil {
		t.logger.Warn("telegram send failed", zap.Error(err))
		return
	}
	if resp.IsError() {
		t.logger.Warn("telegram send rejected", zap.Int("status", resp.StatusCode()))
	}
}

func (t *Telegram) Signal(sig *types.Signal) {
	t.send(fmt.Sprintf("SIGNAL %s $%.2f: move %.2fpts (%.2f%%) from low %.2f (%s regime)",
		sig.Symbol, sig.Price, sig.MovePoints, sig.MovePercent, sig.ReferencePrice, sig.Regime))
}

func (t *Telegram) TradeOpened(account string, trade *types.Trade) {
	t.send(fmt.Sprintf("[%s] OPENED %s for %s (commission %s)",
		account, describeLegs(trade), formatMoney(trade.EntryCost), formatMoney(trade.EntryCommission)))
}

func (t *Telegram) LegFilled(account string, trade *types.Trade, leg *types.Leg) {
	t.send(fmt.Sprintf("[%s] LIMIT FILLED %s %s at %s",
		account, leg.Type, leg.OCCSymbol, formatMoney(leg.ExitPrice)))
}

func (t *Telegram) TradeClosed(account string, trade *types.CompletedTrade) {
	t.send(fmt.Sprintf("[%s] CLOSED %s: P&L %s (%s, held %ds)",
		account, describeLegs(&trade.Trade), formatMoney(trade.PnL), trade.ExitReason, trade.HoldSeconds))
}

func (t *Telegram) System(message string) {
	t.send("SYSTEM: " + message)
}
