package storage

import (
	"encoding/json"
	"fmt"
)

type setter interface {
	Set(key, value []byte) error
}

func encodeJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}

func decodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// writeBatch lays out a Batch in the key schema shared by the key-value stores
func writeBatch(w setter, b *Batch) error {
	put := func(key []byte, v any) error {
		data, err := encodeJSON(v)
		if err != nil {
			return err
		}
		return w.Set(key, data)
	}
	for _, r := range b.Balances {
		if err := put(balanceKey(r.User, r.Asset), r); err != nil {
			return err
		}
	}
	for i := range b.Orders {
		o := &b.Orders[i]
		if err := put(orderKey(o.ID), o); err != nil {
			return err
		}
		if err := w.Set(userOrderKey(o.UserID, o.ID), nil); err != nil {
			return err
		}
	}
	for i := range b.Trades {
		t := &b.Trades[i]
		if err := put(tradeKey(t.Pair, t.Sequence), t); err != nil {
			return err
		}
	}
	for i := range b.Events {
		e := &b.Events[i]
		if err := put(eventKey(e.Pair, e.Seq), e); err != nil {
			return err
		}
	}
	return nil
}
