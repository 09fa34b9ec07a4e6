package sqlstore

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/onboarding92/bitchange/pkg/app/core/ledger"
	"github.com/onboarding92/bitchange/pkg/app/core/types"
	"github.com/onboarding92/bitchange/pkg/storage"
)

type balanceModel struct {
	UserID    string          `gorm:"primaryKey;size:42"`
	Asset     string          `gorm:"primaryKey;size:16"`
	Available decimal.Decimal `gorm:"type:numeric;not null"`
	Reserved  decimal.Decimal `gorm:"type:numeric;not null"`
	Version   uint64          `gorm:"not null"`
}

func (balanceModel) TableName() string { return "balances" }

type orderModel struct {
	ID             uint64          `gorm:"primaryKey;autoIncrement:false"`
	UserID         string          `gorm:"size:42;index;not null"`
	Pair           string          `gorm:"size:32;index;not null"`
	Side           string          `gorm:"size:8;not null"`
	Type           string          `gorm:"size:8;not null"`
	Price          decimal.Decimal `gorm:"type:numeric;not null"`
	Quantity       decimal.Decimal `gorm:"type:numeric;not null"`
	FilledQuantity decimal.Decimal `gorm:"type:numeric;not null"`
	Reserved       decimal.Decimal `gorm:"type:numeric;not null"`
	Status         string          `gorm:"size:20;index;not null"`
	IdempotencyKey string          `gorm:"size:128"`
	CreatedMs      int64           `gorm:"column:created_at"`
	UpdatedMs      int64           `gorm:"column:updated_at"`
}

func (orderModel) TableName() string { return "orders" }

type tradeModel struct {
	Pair          string          `gorm:"primaryKey;size:32"`
	Sequence      uint64          `gorm:"primaryKey;autoIncrement:false"`
	ID            string          `gorm:"size:36;uniqueIndex;not null"`
	MakerOrderID  uint64          `gorm:"index;not null"`
	TakerOrderID  uint64          `gorm:"index;not null"`
	MakerUserID   string          `gorm:"size:42;not null"`
	TakerUserID   string          `gorm:"size:42;not null"`
	TakerSide     string          `gorm:"size:8;not null"`
	Price         decimal.Decimal `gorm:"type:numeric;not null"`
	Quantity      decimal.Decimal `gorm:"type:numeric;not null"`
	MakerFee      decimal.Decimal `gorm:"type:numeric;not null"`
	MakerFeeAsset string          `gorm:"size:16"`
	TakerFee      decimal.Decimal `gorm:"type:numeric;not null"`
	TakerFeeAsset string          `gorm:"size:16"`
	CreatedMs     int64           `gorm:"column:created_at"`
}

func (tradeModel) TableName() string { return "trades" }

// eventModel keeps the full record as JSON; Pair+Seq is the replay order
type eventModel struct {
	Pair      string `gorm:"primaryKey;size:32"`
	Seq       uint64 `gorm:"primaryKey;autoIncrement:false"`
	Kind      string `gorm:"size:32;not null"`
	IntentSeq uint64 `gorm:"not null"`
	Payload   []byte `gorm:"type:jsonb;not null"`
}

func (eventModel) TableName() string { return "events" }

func fromRow(r ledger.Row) balanceModel {
	return balanceModel{
		UserID:    r.User.Hex(),
		Asset:     r.Asset,
		Available: r.Available,
		Reserved:  r.Reserved,
		Version:   r.Version,
	}
}

func (m balanceModel) row() ledger.Row {
	return ledger.Row{
		User:      common.HexToAddress(m.UserID),
		Asset:     m.Asset,
		Available: m.Available,
		Reserved:  m.Reserved,
		Version:   m.Version,
	}
}

func fromOrder(o types.Order) orderModel {
	return orderModel{
		ID:             o.ID,
		UserID:         o.UserID.Hex(),
		Pair:           o.Pair,
		Side:           o.Side.String(),
		Type:           o.Type.String(),
		Price:          o.Price,
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		Reserved:       o.Reserved,
		Status:         o.Status.String(),
		IdempotencyKey: o.IdempotencyKey,
		CreatedMs:      o.CreatedAt,
		UpdatedMs:      o.UpdatedAt,
	}
}

func (m orderModel) order() (types.Order, error) {
	side, err := types.ParseSide(m.Side)
	if err != nil {
		return types.Order{}, err
	}
	typ, err := types.ParseOrderType(m.Type)
	if err != nil {
		return types.Order{}, err
	}
	status, err := types.ParseOrderStatus(m.Status)
	if err != nil {
		return types.Order{}, err
	}
	return types.Order{
		ID:             m.ID,
		UserID:         common.HexToAddress(m.UserID),
		Pair:           m.Pair,
		Side:           side,
		Type:           typ,
		Price:          m.Price,
		Quantity:       m.Quantity,
		FilledQuantity: m.FilledQuantity,
		Status:         status,
		Reserved:       m.Reserved,
		IdempotencyKey: m.IdempotencyKey,
		CreatedAt:      m.CreatedMs,
		UpdatedAt:      m.UpdatedMs,
	}, nil
}

func fromTrade(t types.Trade) tradeModel {
	return tradeModel{
		Pair:          t.Pair,
		Sequence:      t.Sequence,
		ID:            t.ID,
		MakerOrderID:  t.MakerOrderID,
		TakerOrderID:  t.TakerOrderID,
		MakerUserID:   t.MakerUserID.Hex(),
		TakerUserID:   t.TakerUserID.Hex(),
		TakerSide:     t.TakerSide.String(),
		Price:         t.Price,
		Quantity:      t.Quantity,
		MakerFee:      t.MakerFee,
		MakerFeeAsset: t.MakerFeeAsset,
		TakerFee:      t.TakerFee,
		TakerFeeAsset: t.TakerFeeAsset,
		CreatedMs:     t.CreatedAt,
	}
}

func (m tradeModel) trade() (types.Trade, error) {
	side, err := types.ParseSide(m.TakerSide)
	if err != nil {
		return types.Trade{}, err
	}
	return types.Trade{
		ID:            m.ID,
		Sequence:      m.Sequence,
		Pair:          m.Pair,
		MakerOrderID:  m.MakerOrderID,
		TakerOrderID:  m.TakerOrderID,
		MakerUserID:   common.HexToAddress(m.MakerUserID),
		TakerUserID:   common.HexToAddress(m.TakerUserID),
		TakerSide:     side,
		Price:         m.Price,
		Quantity:      m.Quantity,
		MakerFee:      m.MakerFee,
		MakerFeeAsset: m.MakerFeeAsset,
		TakerFee:      m.TakerFee,
		TakerFeeAsset: m.TakerFeeAsset,
		CreatedAt:     m.CreatedMs,
	}, nil
}

func fromEvent(e storage.Event) (eventModel, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return eventModel{}, fmt.Errorf("encode event: %w", err)
	}
	return eventModel{
		Pair:      e.Pair,
		Seq:       e.Seq,
		Kind:      string(e.Kind),
		IntentSeq: e.IntentSeq,
		Payload:   payload,
	}, nil
}

func (m eventModel) event() (*storage.Event, error) {
	var e storage.Event
	if err := json.Unmarshal(m.Payload, &e); err != nil {
		return nil, fmt.Errorf("decode event %s/%d: %w", m.Pair, m.Seq, err)
	}
	return &e, nil
}
