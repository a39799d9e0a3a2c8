// Package exchange defines the adapter contract the workers speak. Each
// supported exchange lives in its own subpackage and translates between
// canonical symbols, native subscribe frames and native payloads.
package exchange

import (
	"context"

	"perpspread-core/internal/market"
)

// SubscribeBatch is the maximum number of streams/channels per subscribe
// frame. Workers pace frames ~1s apart to avoid rate-limit responses.
const SubscribeBatch = 50

// Adapter translates one exchange's wire protocol.
type Adapter interface {
	// ID returns the exchange identifier.
	ID() market.Exchange

	// WSURL returns the public market-data WebSocket endpoint.
	WSURL() string

	// TextPing returns the application-level keep-alive frame, or "" when
	// protocol pings suffice.
	TextPing() string

	// HeartbeatSymbol returns the native symbol a backup worker subscribes
	// to keep its connection warm.
	HeartbeatSymbol() string

	// Native converts a canonical symbol to the exchange-native form.
	Native(symbol string) string

	// SubscribeFrames builds subscribe frames for the given native
	// symbols, at most SubscribeBatch streams per frame.
	SubscribeFrames(native []string) []string

	// UnsubscribeFrames builds the matching unsubscribe frames.
	UnsubscribeFrames(native []string) []string

	// Parse normalizes one inbound frame. It returns (nil, nil) for
	// control frames (acks, pongs, ids) and unknown event types.
	Parse(msg []byte) (*market.Observation, error)

	// DiscoverSymbols fetches the USDT-perpetual symbol universe via REST,
	// in canonical form.
	DiscoverSymbols(ctx context.Context) ([]string, error)
}

// Chunk splits items into groups of at most size.
func Chunk(items []string, size int) [][]string {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	out := make([][]string, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
