package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/breakout-trader/pkg/types"
)

// TradierClient talks to the Tradier brokerage REST API. It implements
// QuoteSource, ChainSource, and VolIndexSource; per-account order execution
// goes through TradierExecutor.
type TradierClient struct {
	logger *zap.Logger
	http   *resty.Client
}

// NewTradierClient creates a client against the live or sandbox API
// depending on mode.
func NewTradierClient(logger *zap.Logger, config types.BrokerConfig, mode types.ExecutionMode, token string) *TradierClient {
	baseURL := config.BaseURL
	if mode == types.ModeSandbox {
		baseURL = config.SandboxBaseURL
	}

	http := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetHeader("Accept", "application/json").
		SetTimeout(config.Timeout).
		SetRetryCount(config.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond)

	return &TradierClient{
		logger: logger,
		http:   http,
	}
}

type tradierQuote struct {
	Symbol string  `json:"symbol"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Last   float64 `json:"last"`
	Volume int64   `json:"volume"`
}

type tradierQuotesResponse struct {
	Quotes struct {
		Quote json.RawMessage `json:"quote"`
	} `json:"quotes"`
}

// quoteRows tolerates Tradier returning either a single object or an array.
func (r *tradierQuotesResponse) quoteRows() ([]tradierQuote, error) {
	raw := r.Quotes.Quote
	if len(raw) == 0 {
		return nil, ErrNoQuote
	}
	if raw[0] == '[' {
		var rows []tradierQuote
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	}
	var row tradierQuote
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}
	return []tradierQuote{row}, nil
}

// LatestOHLC fetches the current quote for the underlying.
func (c *TradierClient) LatestOHLC(ctx context.Context, symbol string) (*types.MarketTick, error) {
	var out tradierQuotesResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbols", symbol).
		SetResult(&out).
		Get("/markets/quotes")
	if err != nil {
		return nil, fmt.Errorf("fetch quote for %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch quote for %s: status %d", symbol, resp.StatusCode())
	}

	rows, err := out.quoteRows()
	if err != nil {
		return nil, fmt.Errorf("parse quote for %s: %w", symbol, err)
	}

	q := rows[0]
	return &types.MarketTick{
		Symbol:    q.Symbol,
		Timestamp: time.Now(),
		Open:      q.Open,
		High:      q.High,
		Low:       q.Low,
		Close:     q.Last,
		Volume:    q.Volume,
	}, nil
}

// IndexValue fetches the last print of a volatility index.
func (c *TradierClient) IndexValue(ctx context.Context, symbol string) (float64, error) {
	tick, err := c.LatestOHLC(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return tick.Close, nil
}

type tradierOption struct {
	Symbol         string  `json:"symbol"`
	Underlying     string  `json:"underlying"`
	OptionType     string  `json:"option_type"`
	Strike         float64 `json:"strike"`
	Bid            float64 `json:"bid"`
	Ask            float64 `json:"ask"`
	ExpirationDate string  `json:"expiration_date"`
	Volume         int64   `json:"volume"`
}

type tradierChainResponse struct {
	Options struct {
		Option []tradierOption `json:"option"`
	} `json:"options"`
}

// FetchOptionChain fetches the chain for one underlying and expiration.
func (c *TradierClient) FetchOptionChain(ctx context.Context, symbol, expiration string) (*types.OptionChain, error) {
	var out tradierChainResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":     symbol,
			"expiration": expiration,
		}).
		SetResult(&out).
		Get("/markets/options/chains")
	if err != nil {
		return nil, fmt.Errorf("fetch chain %s %s: %w", symbol, expiration, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch chain %s %s: status %d", symbol, expiration, resp.StatusCode())
	}

	chain := &types.OptionChain{
		Underlying: symbol,
		Expiration: expiration,
		Quotes:     make([]types.OptionQuote, 0, len(out.Options.Option)),
		FetchedAt:  time.Now(),
	}
	for _, o := range out.Options.Option {
		optType := types.OptionTypeCall
		if o.OptionType == "put" {
			optType = types.OptionTypePut
		}
		chain.Quotes = append(chain.Quotes, types.OptionQuote{
			Symbol:     o.Symbol,
			Underlying: symbol,
			Type:       optType,
			Strike:     decimal.NewFromFloat(o.Strike),
			Expiration: o.ExpirationDate,
			Bid:        decimal.NewFromFloat(o.Bid),
			Ask:        decimal.NewFromFloat(o.Ask),
			Volume:     o.Volume,
		})
	}
	return chain, nil
}

// TradierExecutor places orders for a single account
type TradierExecutor struct {
	logger    *zap.Logger
	client    *TradierClient
	accountID string
}

// NewTradierExecutor creates an executor bound to one account.
func NewTradierExecutor(logger *zap.Logger, client *TradierClient, accountID string) *TradierExecutor {
	return &TradierExecutor{
		logger:    logger,
		client:    client,
		accountID: accountID,
	}
}

type tradierOrderResponse struct {
	Order struct {
		ID           json.Number `json:"id"`
		Status       string      `json:"status"`
		ExecQuantity float64     `json:"exec_quantity"`
		AvgFillPrice float64     `json:"avg_fill_price"`
	} `json:"order"`
}

func sideParam(side types.OrderSide) string {
	if side == types.OrderSideBuy {
		return "buy_to_open"
	}
	return "sell_to_close"
}

// PlaceMarketOrder submits a day market order. refPrice is ignored.
func (e *TradierExecutor) PlaceMarketOrder(ctx context.Context, occSymbol string, side types.OrderSide, quantity int, refPrice decimal.Decimal) (*OrderReport, error) {
	return e.placeOrder(ctx, occSymbol, side, quantity, map[string]string{
		"type": "market",
	})
}

// PlaceLimitOrder submits a day limit order.
func (e *TradierExecutor) PlaceLimitOrder(ctx context.Context, occSymbol string, side types.OrderSide, quantity int, limitPrice decimal.Decimal) (*OrderReport, error) {
	return e.placeOrder(ctx, occSymbol, side, quantity, map[string]string{
		"type":  "limit",
		"price": limitPrice.StringFixed(2),
	})
}

func (e *TradierExecutor) placeOrder(ctx context.Context, occSymbol string, side types.OrderSide, quantity int, extra map[string]string) (*OrderReport, error) {
	form := map[string]string{
		"class":         "option",
		"option_symbol": occSymbol,
		"side":          sideParam(side),
		"quantity":      strconv.Itoa(quantity),
		"duration":      "day",
	}
	for k, v := range extra {
		form[k] = v
	}

	var out tradierOrderResponse
	resp, err := e.client.http.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&out).
		Post(fmt.Sprintf("/accounts/%s/orders", e.accountID))
	if err != nil {
		return nil, fmt.Errorf("place %s order %s: %w", form["type"], occSymbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("place %s order %s: status %d body %s", form["type"], occSymbol, resp.StatusCode(), resp.String())
	}

	e.logger.Info("order placed",
		zap.String("account", e.accountID),
		zap.String("symbol", occSymbol),
		zap.String("side", form["side"]),
		zap.String("type", form["type"]),
		zap.Int("quantity", quantity),
		zap.String("order_id", out.Order.ID.String()),
	)

	return &OrderReport{
		ID:     out.Order.ID.String(),
		Status: types.OrderStatusPending,
	}, nil
}

// OrderStatus looks up an order by ID.
func (e *TradierExecutor) OrderStatus(ctx context.Context, orderID string) (*OrderReport, error) {
	var out tradierOrderResponse
	resp, err := e.client.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/accounts/%s/orders/%s", e.accountID, orderID))
	if err != nil {
		return nil, fmt.Errorf("order status %s: %w", orderID, err)
	}
	if resp.StatusCode() == 404 {
		return nil, ErrOrderNotFound
	}
	if resp.IsError() {
		return nil, fmt.Errorf("order status %s: status %d", orderID, resp.StatusCode())
	}

	return &OrderReport{
		ID:             out.Order.ID.String(),
		Status:         mapTradierStatus(out.Order.Status),
		FilledQuantity: int(out.Order.ExecQuantity),
		AvgFillPrice:   decimal.NewFromFloat(out.Order.AvgFillPrice),
	}, nil
}

// CancelOrder cancels an open order. An order that already reached a
// terminal state yields ErrOrderTerminal rather than a hard failure.
func (e *TradierExecutor) CancelOrder(ctx context.Context, orderID string) error {
	resp, err := e.client.http.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/accounts/%s/orders/%s", e.accountID, orderID))
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if resp.IsError() {
		report, statusErr := e.OrderStatus(ctx, orderID)
		if statusErr == nil && report.Status.Terminal() {
			return ErrOrderTerminal
		}
		return fmt.Errorf("cancel order %s: status %d", orderID, resp.StatusCode())
	}
	return nil
}

func mapTradierStatus(s string) types.OrderStatus {
	switch s {
	case "open", "ok":
		return types.OrderStatusOpen
	case "partially_filled":
		return types.OrderStatusPartial
	case "filled":
		return types.OrderStatusFilled
	case "canceled", "cancelled":
		return types.OrderStatusCancelled
	case "rejected":
		return types.OrderStatusRejected
	case "expired":
		return types.OrderStatusExpired
	default:
		return types.OrderStatusPending
	}
}
