package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type IntentKind uint8

const (
	IntentPlace IntentKind = iota + 1
	IntentCancel
)

func (k IntentKind) String() string {
	switch k {
	case IntentPlace:
		return "place"
	case IntentCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// PlaceRequest carries the caller-supplied fields of a new order
type PlaceRequest struct {
	UserID   common.Address
	Pair     string
	Side     Side
	Type     OrderType
	Price    decimal.Decimal // ignored-as-zero for market orders
	Quantity decimal.Decimal
}

// CancelRequest identifies a resting order to cancel
type CancelRequest struct {
	UserID  common.Address
	OrderID uint64
}

// Intent is a serialized unit of work for a pair's actor.
// Seq is stamped once at admission and reused across retries.
type Intent struct {
	Kind           IntentKind
	Seq            uint64
	Pair           string
	IdempotencyKey string
	Place          *PlaceRequest
	Cancel         *CancelRequest
}

// User returns the caller of the intent
func (in *Intent) User() common.Address {
	switch in.Kind {
	case IntentPlace:
		return in.Place.UserID
	case IntentCancel:
		return in.Cancel.UserID
	}
	return common.Address{}
}

// Result is the outcome of an applied intent
type Result struct {
	Kind      IntentKind      `json:"kind"`
	Order     Order           `json:"order"`
	Trades    []Trade         `json:"trades"`
	Released  decimal.Decimal `json:"released"`
	Duplicate bool            `json:"duplicate"`
}

// Copy returns a deep copy, so cached results can be handed out repeatedly
func (r *Result) Copy() *Result {
	c := *r
	c.Trades = append([]Trade(nil), r.Trades...)
	return &c
}
