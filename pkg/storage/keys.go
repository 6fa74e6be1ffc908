package storage

import "fmt"

// Pebble key schema:
//
//   acc:<owner>                        → account snapshot (JSON)
//   jp:<8-byte big-endian posting id>  → posting record (gob)
//   trade:<symbol>:<unix nanos>:<id>   → trade (JSON)

// Key prefixes
const (
	prefixAccount = "acc:"
	prefixPosting = "jp:"
	prefixTrade   = "trade:"
)

// accountKey returns the key for an account
// Format: "acc:{owner}"
func accountKey(owner string) []byte {
	return []byte(prefixAccount + owner)
}

// postingKey sorts numerically because ids are encoded big-endian.
func postingKey(id int64) []byte {
	return append([]byte(prefixPosting), idKey(id)...)
}

// tradeKey returns the key for a trade
// Format: "trade:{symbol}:{timestamp}:{tradeID}"
// Timestamp is zero-padded (20 digits) for lexicographic sorting
func tradeKey(symbol string, timestamp int64, tradeID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixTrade, symbol, timestamp, tradeID))
}

// tradePrefix returns the prefix for all trades of a symbol
// Format: "trade:{symbol}:"
func tradePrefix(symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, symbol))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
