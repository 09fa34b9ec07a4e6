package storage

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema
// Sequence numbers are zero-padded (20 digits) so lexicographic order is numeric order.
const (
	prefixBalance   = "bal:"   // bal:{address}:{asset}
	prefixOrder     = "ord:"   // ord:{orderID}
	prefixUserOrder = "uord:"  // uord:{address}:{orderID} -> empty, index for account queries
	prefixTrade     = "trade:" // trade:{pair}:{seq}
	prefixEvent     = "evt:"   // evt:{pair}:{seq}
)

func balanceKey(addr common.Address, asset string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, addr.Hex(), asset))
}

func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

func userOrderKey(addr common.Address, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixUserOrder, addr.Hex(), id))
}

func userOrderPrefix(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixUserOrder, addr.Hex()))
}

func tradeKey(pair string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixTrade, pair, seq))
}

func tradePrefix(pair string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, pair))
}

func eventKey(pair string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixEvent, pair, seq))
}

func eventPrefix(pair string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixEvent, pair))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "evt:BTC-USDT:" -> upper bound "evt:BTC-USDT;"
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// orderIDFromUserKey parses the trailing order id of a uord: key
func orderIDFromUserKey(key []byte) (uint64, error) {
	if len(key) < 20 {
		return 0, fmt.Errorf("invalid user order key length: %d", len(key))
	}
	id, err := strconv.ParseUint(string(key[len(key)-20:]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid user order key %q: %w", key, err)
	}
	return id, nil
}
