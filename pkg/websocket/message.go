package websocket

import (
	"basis_arb/internal/core"
)

// Kind tags the decoded message variants a Codec may produce.
type Kind int

const (
	// KindUnknown marks frames the codec did not recognize. The client logs
	// them at debug level and moves on.
	KindUnknown Kind = iota
	// KindHeartbeat marks protocol-level PING/PONG traffic that only resets
	// the read deadline.
	KindHeartbeat
	// KindSubscriptionAck confirms a subscribe or unsubscribe request.
	KindSubscriptionAck
	// KindSubscriptionError reports a rejected subscribe request.
	KindSubscriptionError
	// KindBookTicker carries a best bid/ask update.
	KindBookTicker
	// KindOrderBook carries a depth snapshot or delta.
	KindOrderBook
	// KindTrades carries public trade prints.
	KindTrades
	// KindOrder carries a private order state change.
	KindOrder
	// KindExecution carries a private fill.
	KindExecution
	// KindBalance carries a private balance change.
	KindBalance
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindSubscriptionAck:
		return "subscription_ack"
	case KindSubscriptionError:
		return "subscription_error"
	case KindBookTicker:
		return "book_ticker"
	case KindOrderBook:
		return "order_book"
	case KindTrades:
		return "trades"
	case KindOrder:
		return "order"
	case KindExecution:
		return "execution"
	case KindBalance:
		return "balance"
	default:
		return "unknown"
	}
}

// Message is one decoded frame. Kind selects which payload fields are set;
// the rest stay zero.
type Message struct {
	Kind Kind

	// ID correlates acks and errors with the request that triggered them.
	// Zero when the venue does not echo request ids.
	ID int64
	// Channel is the venue channel the payload arrived on, when known.
	Channel string

	BookTicker *core.BookTicker
	OrderBook  *core.OrderBook
	UpdateType core.UpdateType
	Trades     []core.Trade
	Order      *core.Order
	Execution  *core.Trade
	Balance    *core.AssetBalance

	// Orders and Balances hold multi-entry frames from venues that batch
	// several state changes into one push. Venues that push single entries
	// use the singular fields above.
	Orders   []core.Order
	Balances []core.AssetBalance

	// Err carries the venue-reported reason for KindSubscriptionError.
	Err error
	// Raw preserves the frame for KindUnknown.
	Raw []byte
}

// Codec translates between venue wire frames and Messages. Implementations
// must be safe for use by a single connection goroutine; they are never
// called concurrently.
type Codec interface {
	// EncodeSubscribe builds the subscribe frame for the given channels.
	// id is a client-chosen request id echoed back in acks where the venue
	// supports it. Codecs whose venue signs private subscriptions attach the
	// signature here.
	EncodeSubscribe(channels []string, id int64) ([]byte, error)

	// EncodeUnsubscribe builds the unsubscribe frame for the given channels.
	EncodeUnsubscribe(channels []string, id int64) ([]byte, error)

	// EncodePing returns the application-level keepalive frame, or ok=false
	// when the venue relies on protocol pings instead.
	EncodePing() (frame []byte, ok bool)

	// Decode parses one frame. messageType is the gorilla frame type
	// (TextMessage or BinaryMessage). Unrecognized frames decode to
	// KindUnknown, not an error; an error means the frame was recognized
	// but malformed.
	Decode(messageType int, frame []byte) (Message, error)
}
