package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Trade is one match between a resting maker order and an incoming taker order.
// Price is always the maker's resting price.
type Trade struct {
	ID           string          `json:"id"`
	Sequence     uint64          `json:"sequence"` // per pair, strictly increasing
	Pair         string          `json:"pair"`
	MakerOrderID uint64          `json:"makerOrderId"`
	TakerOrderID uint64          `json:"takerOrderId"`
	MakerUserID  common.Address  `json:"makerUserId"`
	TakerUserID  common.Address  `json:"takerUserId"`
	TakerSide    Side            `json:"takerSide"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`

	// Fees are charged on the asset each party receives
	MakerFee      decimal.Decimal `json:"makerFee"`
	MakerFeeAsset string          `json:"makerFeeAsset"`
	TakerFee      decimal.Decimal `json:"takerFee"`
	TakerFeeAsset string          `json:"takerFeeAsset"`

	CreatedAt int64 `json:"createdAt"`
}

// Buyer returns the user on the buy side of the trade
func (t *Trade) Buyer() common.Address {
	if t.TakerSide == Buy {
		return t.TakerUserID
	}
	return t.MakerUserID
}

// Seller returns the user on the sell side of the trade
func (t *Trade) Seller() common.Address {
	if t.TakerSide == Sell {
		return t.TakerUserID
	}
	return t.MakerUserID
}

// Notional returns price x quantity in quote
func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}
