package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Side represents order side
type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

// Opposite returns the side an order of this side matches against
func (s Side) Opposite() Side { return -s }

// ParseSide accepts "buy"/"sell" in any case
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return 0, fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, s)
}

func (s Side) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *Side) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	v, err := ParseSide(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// OrderType is limit or market
type OrderType uint8

const (
	Limit OrderType = iota + 1
	Market
)

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "limit"
	case Market:
		return "market"
	default:
		return "unknown"
	}
}

func (t OrderType) Valid() bool { return t == Limit || t == Market }

func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToLower(s) {
	case "limit":
		return Limit, nil
	case "market":
		return Market, nil
	}
	return 0, fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, s)
}

func (t OrderType) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *OrderType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	v, err := ParseOrderType(str)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// OrderStatus represents order lifecycle state
type OrderStatus uint8

const (
	OrderOpen            OrderStatus = iota + 1 // Accepted, nothing filled
	OrderPartiallyFilled                        // Some quantity filled, remainder resting
	OrderFilled                                 // Fully filled (terminal)
	OrderCancelled                              // Cancelled by user or market remainder (terminal)
)

func (s OrderStatus) String() string {
	switch s {
	case OrderOpen:
		return "open"
	case OrderPartiallyFilled:
		return "partially_filled"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	switch s {
	case "open":
		return OrderOpen, nil
	case "partially_filled":
		return OrderPartiallyFilled, nil
	case "filled":
		return OrderFilled, nil
	case "cancelled":
		return OrderCancelled, nil
	}
	return 0, fmt.Errorf("unknown order status %q", s)
}

func (s OrderStatus) Valid() bool { return s.String() != "unknown" }

// IsTerminal reports whether no further transition is possible
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

func (s OrderStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *OrderStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	v, err := ParseOrderStatus(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Order is a user instruction to trade on one pair.
// ID doubles as the admission sequence and orders resting orders within a price level.
type Order struct {
	ID             uint64          `json:"id"`
	UserID         common.Address  `json:"userId"`
	Pair           string          `json:"pair"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Price          decimal.Decimal `json:"price"` // zero for market orders
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	Status         OrderStatus     `json:"status"`

	// Reserved is the amount still locked in the ledger on behalf of this order
	// (quote for buys, base for sells).
	Reserved decimal.Decimal `json:"reserved"`

	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	CreatedAt      int64  `json:"createdAt"` // unix millis
	UpdatedAt      int64  `json:"updatedAt"`
}

// Remaining returns unfilled quantity
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsResting reports whether the order belongs in the book
func (o *Order) IsResting() bool {
	return o.Type == Limit && !o.Status.IsTerminal() && o.Remaining().IsPositive()
}

// Fill records an execution of qty against this order.
// OPEN/PARTIALLY_FILLED -> PARTIALLY_FILLED/FILLED
func (o *Order) Fill(qty decimal.Decimal) error {
	if o.Status.IsTerminal() {
		return fmt.Errorf("%w: fill on %s order %d", ErrInvalidTransition, o.Status, o.ID)
	}
	if !qty.IsPositive() {
		return fmt.Errorf("%w: non-positive fill %s on order %d", ErrInvalidTransition, qty, o.ID)
	}
	filled := o.FilledQuantity.Add(qty)
	if filled.GreaterThan(o.Quantity) {
		return fmt.Errorf("%w: over-fill on order %d: %s > %s", ErrInvalidTransition, o.ID, filled, o.Quantity)
	}
	o.FilledQuantity = filled
	if filled.Equal(o.Quantity) {
		o.Status = OrderFilled
	} else {
		o.Status = OrderPartiallyFilled
	}
	return nil
}

// Cancel moves a live order to CANCELLED
func (o *Order) Cancel() error {
	if o.Status.IsTerminal() {
		return fmt.Errorf("%w: order %d is %s", ErrOrderNotCancellable, o.ID, o.Status)
	}
	o.Status = OrderCancelled
	return nil
}

// Clone returns a copy safe to hand outside the owning actor
func (o *Order) Clone() *Order {
	c := *o
	return &c
}
