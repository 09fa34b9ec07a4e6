package ledger

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/onboarding92/bitchange/pkg/app/core/types"
)

type staged struct {
	version uint64 // row version observed at first read
	orig    Balance
	bal     Balance
}

// Tx stages balance changes against version-stamped reads.
// Nothing is visible to other readers until Ledger.Commit succeeds.
// A Tx is used by a single goroutine.
type Tx struct {
	l    *Ledger
	rows map[Key]*staged
	done bool
}

func (tx *Tx) get(user common.Address, asset string) *staged {
	k := Key{User: user, Asset: asset}
	if s, ok := tx.rows[k]; ok {
		return s
	}
	bal, version := tx.l.read(k)
	s := &staged{version: version, orig: bal, bal: bal}
	tx.rows[k] = s
	return s
}

// Balance returns the staged view of a row
func (tx *Tx) Balance(user common.Address, asset string) Balance {
	return tx.get(user, asset).bal
}

// Reserve moves amount from available to reserved.
// Zero is a no-op.
func (tx *Tx) Reserve(user common.Address, asset string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil || amount.IsZero() {
		return err
	}
	s := tx.get(user, asset)
	if s.bal.Available.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s %s available, need %s",
			types.ErrInsufficientBalance, user.Hex(), s.bal.Available, asset, amount)
	}
	s.bal.Available = s.bal.Available.Sub(amount)
	s.bal.Reserved = s.bal.Reserved.Add(amount)
	return nil
}

// Release moves amount from reserved back to available.
// Releasing more than is reserved is an invariant violation.
func (tx *Tx) Release(user common.Address, asset string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil || amount.IsZero() {
		return err
	}
	s := tx.get(user, asset)
	if s.bal.Reserved.LessThan(amount) {
		return fmt.Errorf("%w: release %s %s from %s with %s reserved",
			types.ErrReservationUnderflow, amount, asset, user.Hex(), s.bal.Reserved)
	}
	s.bal.Reserved = s.bal.Reserved.Sub(amount)
	s.bal.Available = s.bal.Available.Add(amount)
	return nil
}

// Settlement describes the legs of one trade.
// BuyerFee is charged in base, SellerFee in quote.
type Settlement struct {
	Buyer     common.Address
	Seller    common.Address
	Base      string
	Quote     string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	BuyerFee  decimal.Decimal
	SellerFee decimal.Decimal
}

// Settle applies every leg of a trade:
//
//	seller.reserved[base]   -= qty
//	buyer.available[base]   += qty - buyerFee
//	buyer.reserved[quote]   -= qty*price
//	seller.available[quote] += qty*price - sellerFee
//	house.available         += buyerFee (base), sellerFee (quote)
func (tx *Tx) Settle(s Settlement) error {
	if !s.Quantity.IsPositive() || !s.Price.IsPositive() {
		return fmt.Errorf("settle requires positive quantity and price (got %s @ %s)", s.Quantity, s.Price)
	}
	notional := s.Quantity.Mul(s.Price)
	if s.BuyerFee.IsNegative() || s.BuyerFee.GreaterThan(s.Quantity) {
		return fmt.Errorf("buyer fee %s out of range for quantity %s", s.BuyerFee, s.Quantity)
	}
	if s.SellerFee.IsNegative() || s.SellerFee.GreaterThan(notional) {
		return fmt.Errorf("seller fee %s out of range for notional %s", s.SellerFee, notional)
	}

	sellerBase := tx.get(s.Seller, s.Base)
	if sellerBase.bal.Reserved.LessThan(s.Quantity) {
		return fmt.Errorf("%w: seller %s has %s %s reserved, trade needs %s",
			types.ErrReservationUnderflow, s.Seller.Hex(), sellerBase.bal.Reserved, s.Base, s.Quantity)
	}
	buyerQuote := tx.get(s.Buyer, s.Quote)
	if buyerQuote.bal.Reserved.LessThan(notional) {
		return fmt.Errorf("%w: buyer %s has %s %s reserved, trade needs %s",
			types.ErrReservationUnderflow, s.Buyer.Hex(), buyerQuote.bal.Reserved, s.Quote, notional)
	}

	sellerBase.bal.Reserved = sellerBase.bal.Reserved.Sub(s.Quantity)
	buyerQuote.bal.Reserved = buyerQuote.bal.Reserved.Sub(notional)

	buyerBase := tx.get(s.Buyer, s.Base)
	buyerBase.bal.Available = buyerBase.bal.Available.Add(s.Quantity.Sub(s.BuyerFee))

	sellerQuote := tx.get(s.Seller, s.Quote)
	sellerQuote.bal.Available = sellerQuote.bal.Available.Add(notional.Sub(s.SellerFee))

	if s.BuyerFee.IsPositive() {
		h := tx.get(tx.l.house, s.Base)
		h.bal.Available = h.bal.Available.Add(s.BuyerFee)
	}
	if s.SellerFee.IsPositive() {
		h := tx.get(tx.l.house, s.Quote)
		h.bal.Available = h.bal.Available.Add(s.SellerFee)
	}
	return nil
}

// Deposit credits available funds from outside the exchange
func (tx *Tx) Deposit(user common.Address, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("deposit amount must be positive: %s", amount)
	}
	s := tx.get(user, asset)
	s.bal.Available = s.bal.Available.Add(amount)
	return nil
}

// Withdraw debits available funds to outside the exchange
func (tx *Tx) Withdraw(user common.Address, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("withdraw amount must be positive: %s", amount)
	}
	s := tx.get(user, asset)
	if s.bal.Available.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s %s available, withdraw %s",
			types.ErrInsufficientBalance, user.Hex(), s.bal.Available, asset, amount)
	}
	s.bal.Available = s.bal.Available.Sub(amount)
	return nil
}

// Deltas returns the non-zero changes staged so far, sorted by key
func (tx *Tx) Deltas() []Delta {
	keys := tx.keys()
	out := make([]Delta, 0, len(keys))
	for _, k := range keys {
		s := tx.rows[k]
		da := s.bal.Available.Sub(s.orig.Available)
		dr := s.bal.Reserved.Sub(s.orig.Reserved)
		if da.IsZero() && dr.IsZero() {
			continue
		}
		out = append(out, Delta{User: k.User, Asset: k.Asset, Available: da, Reserved: dr})
	}
	return out
}

func (tx *Tx) keys() []Key {
	keys := make([]Key, 0, len(tx.rows))
	for k := range tx.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
	return keys
}

func checkAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("amount cannot be negative: %s", amount)
	}
	return nil
}
