package ledger

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Key identifies one balance row
type Key struct {
	User  common.Address
	Asset string
}

func (k Key) String() string { return fmt.Sprintf("%s/%s", k.User.Hex(), k.Asset) }

func keyLess(a, b Key) bool {
	if c := bytes.Compare(a.User[:], b.User[:]); c != 0 {
		return c < 0
	}
	return a.Asset < b.Asset
}

// Balance splits a user's holding of one asset into spendable and locked parts
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"` // locked by resting orders
}

// Total returns available + reserved
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Reserved)
}

// Validate checks row invariants
func (b Balance) Validate() error {
	if b.Available.IsNegative() {
		return fmt.Errorf("negative available balance: %s", b.Available)
	}
	if b.Reserved.IsNegative() {
		return fmt.Errorf("negative reserved balance: %s", b.Reserved)
	}
	return nil
}

// Row is the persisted form of a balance row.
// Version increases by one on every committed change.
type Row struct {
	User      common.Address  `json:"user"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	Version   uint64          `json:"version"`
}

func (r Row) Key() Key { return Key{User: r.User, Asset: r.Asset} }

func (r Row) Balance() Balance { return Balance{Available: r.Available, Reserved: r.Reserved} }

// Delta is the signed change a transaction made to one row
type Delta struct {
	User      common.Address  `json:"user"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
}
