package api

import (
	"github.com/shopspring/decimal"

	"github.com/onboarding92/bitchange/pkg/app/core/orderbook"
	"github.com/onboarding92/bitchange/pkg/app/core/types"
)

// API request and response types for REST endpoints and WebSocket messages.
// Amounts and prices are decimal strings.

// ==============================
// REST Response Types
// ==============================

// MarketInfo represents a market's static configuration
type MarketInfo struct {
	Symbol      string          `json:"symbol"`     // e.g., "BTC-USDT"
	BaseAsset   string          `json:"baseAsset"`  // e.g., "BTC"
	QuoteAsset  string          `json:"quoteAsset"` // e.g., "USDT"
	Status      string          `json:"status"`     // "Active", "Paused"
	TickSize    decimal.Decimal `json:"tickSize"`
	LotSize     decimal.Decimal `json:"lotSize"`
	MinQuantity decimal.Decimal `json:"minQuantity"`
	MinNotional decimal.Decimal `json:"minNotional"`
	TakerFeeBps int64           `json:"takerFeeBps"`
	MakerFeeBps int64           `json:"makerFeeBps"`
}

// OrderbookSnapshot represents the latest published book
type OrderbookSnapshot struct {
	Symbol    string                 `json:"symbol"`
	Bids      []orderbook.PriceLevel `json:"bids"` // Sorted high to low
	Asks      []orderbook.PriceLevel `json:"asks"` // Sorted low to high
	LastPrice decimal.Decimal        `json:"lastPrice"`
	Sequence  uint64                 `json:"sequence"`
	Timestamp int64                  `json:"timestamp"` // Unix milliseconds
}

// BalanceInfo is one asset of an account
type BalanceInfo struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	Total     decimal.Decimal `json:"total"`
}

// AccountBalances lists every asset an account holds, sorted by asset
type AccountBalances struct {
	Address  string        `json:"address"`
	Balances []BalanceInfo `json:"balances"`
}

// OrderResponse is returned by order submission and cancellation
type OrderResponse struct {
	Order     types.Order     `json:"order"`
	Trades    []types.Trade   `json:"trades"`
	Released  decimal.Decimal `json:"released"`
	Duplicate bool            `json:"duplicate"` // replay of an earlier request with the same idempotency key
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ==============================
// REST Request Types
// ==============================

// SubmitOrderRequest is the payload for POST /api/v1/orders
type SubmitOrderRequest struct {
	Address        string          `json:"address"`
	Pair           string          `json:"pair"`
	Side           string          `json:"side"` // "buy" or "sell"
	Type           string          `json:"type"` // "limit" or "market"
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

// CancelOrderRequest is the payload for POST /api/v1/orders/cancel
type CancelOrderRequest struct {
	Address        string `json:"address"`
	OrderID        uint64 `json:"orderId"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// FundingRequest is the payload for deposits and withdrawals
type FundingRequest struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the base structure for all WebSocket messages
type WSMessage struct {
	Type    string `json:"type"`    // "orderbook", "trade", "order", "cancel"
	Channel string `json:"channel"` // channel the message was routed on
	Data    any    `json:"data"`    // Type-specific payload
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orderbook:BTC-USDT", "trades:BTC-USDT", "account:0x..."]
}
