package market

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/onboarding92/bitchange/pkg/app/core/types"
)

// MarketStatus defines the trading status of a market
type MarketStatus int8

const (
	Active MarketStatus = iota // Trading enabled
	Paused                     // Trading halted, resting orders kept
)

func (ms MarketStatus) String() string {
	switch ms {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// Market defines all parameters for a spot trading pair (e.g., BTC-USDT)
type Market struct {
	// Identity
	Symbol     string // "BTC-USDT"
	BaseAsset  string // "BTC"
	QuoteAsset string // "USDT"
	status     atomic.Int32

	// Precision. Zero means any precision is accepted.
	TickSize decimal.Decimal // minimum price increment in quote
	LotSize  decimal.Decimal // minimum quantity increment in base

	// Limits
	MinQuantity decimal.Decimal // in base
	MinNotional decimal.Decimal // price x quantity in quote, limit orders only

	Fees FeeSchedule
}

// Params is the config side of a market, separated from the runtime Market
type Params struct {
	TickSize    decimal.Decimal
	LotSize     decimal.Decimal
	MinQuantity decimal.Decimal
	MinNotional decimal.Decimal
	Fees        FeeSchedule
}

// DefaultParams returns permissive parameters with 10 bps maker / 20 bps taker fees
func DefaultParams() Params {
	return Params{
		TickSize:    decimal.RequireFromString("0.01"),
		LotSize:     decimal.RequireFromString("0.00000001"),
		MinQuantity: decimal.Zero,
		MinNotional: decimal.Zero,
		Fees:        FeeSchedule{MakerBps: 10, TakerBps: 20, Scale: 8},
	}
}

// SplitSymbol parses "BASE-QUOTE"
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("symbol %q must be BASE-QUOTE", symbol)
	}
	if parts[0] == parts[1] {
		return "", "", fmt.Errorf("symbol %q trades an asset against itself", symbol)
	}
	return parts[0], parts[1], nil
}

// NewMarket creates a new market with validation
func NewMarket(symbol string, params Params) (*Market, error) {
	base, quote, err := SplitSymbol(symbol)
	if err != nil {
		return nil, err
	}
	m := &Market{
		Symbol:      symbol,
		BaseAsset:   base,
		QuoteAsset:  quote,
		TickSize:    params.TickSize,
		LotSize:     params.LotSize,
		MinQuantity: params.MinQuantity,
		MinNotional: params.MinNotional,
		Fees:        params.Fees,
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market params: %w", err)
	}
	return m, nil
}

// Status returns the trading status. Safe for concurrent use.
func (m *Market) Status() MarketStatus { return MarketStatus(m.status.Load()) }

func (m *Market) setStatus(s MarketStatus) { m.status.Store(int32(s)) }

// Validate checks market parameter sanity
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if m.BaseAsset == "" || m.QuoteAsset == "" {
		return fmt.Errorf("base and quote assets must be specified")
	}
	if m.TickSize.IsNegative() {
		return fmt.Errorf("tick size cannot be negative")
	}
	if m.LotSize.IsNegative() {
		return fmt.Errorf("lot size cannot be negative")
	}
	if m.MinQuantity.IsNegative() {
		return fmt.Errorf("min quantity cannot be negative")
	}
	if m.MinNotional.IsNegative() {
		return fmt.Errorf("min notional cannot be negative")
	}
	return m.Fees.Validate()
}

// ReservedAsset returns the asset an order of this side locks
func (m *Market) ReservedAsset(side types.Side) string {
	if side == types.Buy {
		return m.QuoteAsset
	}
	return m.BaseAsset
}

// ValidateOrder performs admission validation. Every failure wraps types.ErrInvalidOrder.
func (m *Market) ValidateOrder(side types.Side, typ types.OrderType, price, qty decimal.Decimal) error {
	if st := m.Status(); st != Active {
		return invalid("market %s is not active (status: %s)", m.Symbol, st)
	}
	if side != types.Buy && side != types.Sell {
		return invalid("unknown side")
	}
	if !qty.IsPositive() {
		return invalid("quantity must be positive")
	}
	if !multipleOf(qty, m.LotSize) {
		return invalid("quantity %s is not a multiple of lot size %s", qty, m.LotSize)
	}
	if qty.LessThan(m.MinQuantity) {
		return invalid("quantity %s below minimum %s", qty, m.MinQuantity)
	}

	switch typ {
	case types.Limit:
		if !price.IsPositive() {
			return invalid("price must be positive")
		}
		if !multipleOf(price, m.TickSize) {
			return invalid("price %s is not a multiple of tick size %s", price, m.TickSize)
		}
		if notional := price.Mul(qty); notional.LessThan(m.MinNotional) {
			return invalid("order notional %s below minimum %s", notional, m.MinNotional)
		}
	case types.Market:
		if !price.IsZero() {
			return invalid("market orders do not take a price")
		}
	default:
		return invalid("unknown order type")
	}
	return nil
}

func multipleOf(v, step decimal.Decimal) bool {
	if step.IsZero() {
		return true
	}
	return v.Mod(step).IsZero()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", types.ErrInvalidOrder, fmt.Sprintf(format, args...))
}
