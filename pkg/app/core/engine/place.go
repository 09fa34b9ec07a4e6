package engine

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/onboarding92/bitchange/pkg/app/core/ledger"
	"github.com/onboarding92/bitchange/pkg/app/core/orderbook"
	"github.com/onboarding92/bitchange/pkg/app/core/types"
	"github.com/onboarding92/bitchange/pkg/storage"
)

// tradeNamespace derives stable trade IDs from pair and trade sequence
var tradeNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("bitchange/trades"))

func (e *Engine) place(in *types.Intent) (*types.Result, error) {
	req := in.Place
	m := e.market
	if req.Pair != "" && req.Pair != m.Symbol {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownMarket, req.Pair)
	}
	if err := m.ValidateOrder(req.Side, req.Type, req.Price, req.Quantity); err != nil {
		return nil, err
	}

	now := e.clock.Now().UnixMilli()
	taker := types.Order{
		ID:             in.Seq,
		UserID:         req.UserID,
		Pair:           m.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Price:          req.Price,
		Quantity:       req.Quantity,
		Status:         types.OrderOpen,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	fills := e.book.Match(&taker)
	tx := e.ledger.Begin()

	reserve, err := e.reservation(&taker, fills)
	if err != nil {
		return nil, err
	}
	if err := tx.Reserve(taker.UserID, m.ReservedAsset(taker.Side), reserve); err != nil {
		return nil, err
	}
	taker.Reserved = reserve

	var (
		makers   = make([]types.Order, 0, len(fills))
		trades   = make([]types.Trade, 0, len(fills))
		released = decimal.Zero
	)
	for i, f := range fills {
		maker := *f.Maker
		trade, rel, err := e.fill(tx, &taker, &maker, f, e.tradeSeq+uint64(i)+1, now)
		if err != nil {
			return nil, err
		}
		released = released.Add(rel)
		makers = append(makers, maker)
		trades = append(trades, trade)
	}

	// market orders never rest
	if taker.Type == types.Market && !taker.Status.IsTerminal() {
		if taker.Reserved.IsPositive() {
			if err := tx.Release(taker.UserID, m.ReservedAsset(taker.Side), taker.Reserved); err != nil {
				return nil, err
			}
			released = released.Add(taker.Reserved)
			taker.Reserved = decimal.Zero
		}
		if err := taker.Cancel(); err != nil {
			return nil, err
		}
	}

	ev := &storage.Event{
		Kind:           storage.EventOrderPlaced,
		IntentSeq:      in.Seq,
		User:           taker.UserID,
		IdempotencyKey: in.IdempotencyKey,
		Order:          taker,
		Makers:         makers,
		Trades:         trades,
		Released:       released,
		At:             now,
	}
	orders := append([]types.Order{taker}, makers...)
	if err := e.commit(tx, ev, orders); err != nil {
		return nil, err
	}

	e.metrics.OrderAccepted(m.Symbol, taker.Side.String(), taker.Type.String())
	e.metrics.Trades(m.Symbol, len(trades))
	e.log.Infow("order_accepted",
		"pair", m.Symbol,
		"order_id", taker.ID,
		"user", taker.UserID.Hex(),
		"side", taker.Side.String(),
		"type", taker.Type.String(),
		"price", taker.Price.String(),
		"qty", taker.Quantity.String(),
		"filled", taker.FilledQuantity.String(),
		"status", taker.Status.String(),
		"trades", len(trades),
	)
	return ev.Result(), nil
}

// reservation returns the amount a new order locks before matching.
// Limit buys lock price*qty of quote, market buys the exact cost of their
// planned fills, and sells their full quantity of base.
func (e *Engine) reservation(o *types.Order, fills []orderbook.Fill) (decimal.Decimal, error) {
	if o.Side == types.Sell {
		return o.Quantity, nil
	}
	if o.Type == types.Limit {
		return o.Price.Mul(o.Quantity), nil
	}
	cost := decimal.Zero
	for _, f := range fills {
		cost = cost.Add(f.Price.Mul(f.Quantity))
	}
	return cost, nil
}

// fill settles one execution between the taker and a copy of the maker.
// It returns the trade and any quote released by price improvement.
func (e *Engine) fill(tx *ledger.Tx, taker, maker *types.Order, f orderbook.Fill, seq uint64, now int64) (types.Trade, decimal.Decimal, error) {
	m := e.market
	qty, price := f.Quantity, f.Price
	notional := qty.Mul(price)

	trade := types.Trade{
		ID:           uuid.NewSHA1(tradeNamespace, []byte(fmt.Sprintf("%s/%d", m.Symbol, seq))).String(),
		Sequence:     seq,
		Pair:         m.Symbol,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		MakerUserID:  maker.UserID,
		TakerUserID:  taker.UserID,
		TakerSide:    taker.Side,
		Price:        price,
		Quantity:     qty,
		CreatedAt:    now,
	}

	// each side pays its fee in the asset it receives
	s := ledger.Settlement{Base: m.BaseAsset, Quote: m.QuoteAsset, Quantity: qty, Price: price}
	if taker.Side == types.Buy {
		trade.TakerFee, trade.TakerFeeAsset = m.Fees.TakerFee(qty), m.BaseAsset
		trade.MakerFee, trade.MakerFeeAsset = m.Fees.MakerFee(notional), m.QuoteAsset
		s.Buyer, s.Seller = taker.UserID, maker.UserID
		s.BuyerFee, s.SellerFee = trade.TakerFee, trade.MakerFee
	} else {
		trade.TakerFee, trade.TakerFeeAsset = m.Fees.TakerFee(notional), m.QuoteAsset
		trade.MakerFee, trade.MakerFeeAsset = m.Fees.MakerFee(qty), m.BaseAsset
		s.Buyer, s.Seller = maker.UserID, taker.UserID
		s.BuyerFee, s.SellerFee = trade.MakerFee, trade.TakerFee
	}
	if err := tx.Settle(s); err != nil {
		return types.Trade{}, decimal.Zero, err
	}

	released := decimal.Zero
	if taker.Side == types.Buy && taker.Type == types.Limit && taker.Price.GreaterThan(price) {
		released = taker.Price.Sub(price).Mul(qty)
		if err := tx.Release(taker.UserID, m.QuoteAsset, released); err != nil {
			return types.Trade{}, decimal.Zero, err
		}
	}

	if err := consume(taker, qty, notional); err != nil {
		return types.Trade{}, decimal.Zero, err
	}
	if err := consume(maker, qty, notional); err != nil {
		return types.Trade{}, decimal.Zero, err
	}
	if err := taker.Fill(qty); err != nil {
		return types.Trade{}, decimal.Zero, err
	}
	if err := maker.Fill(qty); err != nil {
		return types.Trade{}, decimal.Zero, err
	}
	maker.UpdatedAt = now
	return trade, released, nil
}

// consume lowers an order's reservation by what one fill of qty used up
func consume(o *types.Order, qty, notional decimal.Decimal) error {
	var used decimal.Decimal
	switch {
	case o.Side == types.Sell:
		used = qty
	case o.Type == types.Limit:
		// covers price improvement, released separately
		used = o.Price.Mul(qty)
	default:
		used = notional
	}
	if used.GreaterThan(o.Reserved) {
		return fmt.Errorf("%w: order %d reserved %s, fill uses %s", types.ErrReservationUnderflow, o.ID, o.Reserved, used)
	}
	o.Reserved = o.Reserved.Sub(used)
	return nil
}
