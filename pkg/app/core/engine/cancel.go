package engine

import (
	"fmt"

	"github.com/onboarding92/bitchange/pkg/app/core/types"
	"github.com/onboarding92/bitchange/pkg/storage"
)

func (e *Engine) cancel(in *types.Intent) (*types.Result, error) {
	req := in.Cancel
	m := e.market

	live, ok := e.orders[req.OrderID]
	if !ok {
		return nil, e.explainMissing(req)
	}
	if live.UserID != req.UserID {
		return nil, fmt.Errorf("%w: order %d", types.ErrNotOwner, req.OrderID)
	}

	now := e.clock.Now().UnixMilli()
	o := *live
	released := o.Reserved

	tx := e.ledger.Begin()
	if err := tx.Release(o.UserID, m.ReservedAsset(o.Side), released); err != nil {
		return nil, err
	}
	if err := o.Cancel(); err != nil {
		return nil, err
	}
	o.Reserved = o.Reserved.Sub(released)
	o.UpdatedAt = now

	ev := &storage.Event{
		Kind:           storage.EventOrderCancelled,
		IntentSeq:      in.Seq,
		User:           req.UserID,
		IdempotencyKey: in.IdempotencyKey,
		Order:          o,
		Released:       released,
		At:             now,
	}
	if err := e.commit(tx, ev, []types.Order{o}); err != nil {
		return nil, err
	}

	e.metrics.OrderCancelled(m.Symbol)
	e.log.Infow("order_cancelled",
		"pair", m.Symbol,
		"order_id", o.ID,
		"user", o.UserID.Hex(),
		"released", released.String(),
		"asset", m.ReservedAsset(o.Side),
	)
	return ev.Result(), nil
}

// explainMissing classifies a cancel for an order that is not resting here
func (e *Engine) explainMissing(req *types.CancelRequest) error {
	o, err := e.store.LoadOrder(req.OrderID)
	if err != nil {
		return fmt.Errorf("%w: load order %d: %v", types.ErrPersistenceFailure, req.OrderID, err)
	}
	if o == nil || o.Pair != e.market.Symbol {
		return fmt.Errorf("%w: order %d on %s", types.ErrOrderNotFound, req.OrderID, e.market.Symbol)
	}
	if o.UserID != req.UserID {
		return fmt.Errorf("%w: order %d", types.ErrNotOwner, req.OrderID)
	}
	if o.Status.IsTerminal() {
		return fmt.Errorf("%w: order %d is %s", types.ErrOrderNotCancellable, o.ID, o.Status)
	}
	// persisted as live but absent from the book
	return fmt.Errorf("%w: order %d is not resting on %s", types.ErrOrderNotFound, o.ID, e.market.Symbol)
}
