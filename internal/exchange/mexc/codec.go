package mexc

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"google.golang.org/protobuf/encoding/protowire"

	"basis_arb/internal/core"
	apperrors "basis_arb/pkg/errors"
	"basis_arb/pkg/websocket"
)

// Protobuf field numbers of the public push wrapper and its book-ticker body.
// Decoded directly with protowire; the shapes are small and stable enough
// that generated code would be overkill.
const (
	wrapperFieldChannel    = 1
	wrapperFieldSymbol     = 3
	wrapperFieldCreateTime = 5
	wrapperFieldSendTime   = 6
	wrapperFieldBookTicker = 305

	tickerFieldBidPrice = 1
	tickerFieldBidQty   = 2
	tickerFieldAskPrice = 3
	tickerFieldAskQty   = 4
)

// symbolResolver maps a venue pair name (BTCUSDT) back to the domain symbol.
// Resolution is restricted to the symbols the venue instance trades.
type symbolResolver func(pair string) (core.Symbol, bool)

// wsCodec translates MEXC frames: JSON control traffic and private channels,
// binary protobuf push frames for public market data.
type wsCodec struct {
	resolve symbolResolver
}

type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
	ID     int64    `json:"id,omitempty"`
}

func (c *wsCodec) EncodeSubscribe(channels []string, id int64) ([]byte, error) {
	return json.Marshal(wsRequest{Method: "SUBSCRIBE", Params: channels, ID: id})
}

func (c *wsCodec) EncodeUnsubscribe(channels []string, id int64) ([]byte, error) {
	return json.Marshal(wsRequest{Method: "UNSUBSCRIBE", Params: channels, ID: id})
}

func (c *wsCodec) EncodePing() ([]byte, bool) {
	return []byte(`{"method":"PING"}`), true
}

func (c *wsCodec) Decode(messageType int, frame []byte) (websocket.Message, error) {
	if messageType == gorillaws.BinaryMessage {
		return c.decodePush(frame)
	}
	return c.decodeJSON(frame)
}

type controlFrame struct {
	ID      int64           `json:"id"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Channel string          `json:"c"`
	Symbol  string          `json:"s"`
	SentAt  int64           `json:"t"`
	Data    json.RawMessage `json:"d"`
}

func (c *wsCodec) decodeJSON(frame []byte) (websocket.Message, error) {
	var ctl controlFrame
	if err := json.Unmarshal(frame, &ctl); err != nil {
		return websocket.Message{}, fmt.Errorf("decode control frame: %w", err)
	}

	if ctl.Channel != "" {
		return c.decodePrivate(ctl)
	}

	if strings.EqualFold(ctl.Msg, "PONG") {
		return websocket.Message{Kind: websocket.KindHeartbeat}, nil
	}

	// Subscription replies echo the request id; code zero is success.
	if ctl.Code != 0 {
		err := fmt.Errorf("mexc subscription failed (code %d): %s", ctl.Code, ctl.Msg)
		if ctl.Code == 700002 || ctl.Code == 10072 {
			err = fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, ctl.Msg)
		}
		return websocket.Message{Kind: websocket.KindSubscriptionError, ID: ctl.ID, Err: err}, nil
	}
	if ctl.ID != 0 || ctl.Msg != "" {
		return websocket.Message{Kind: websocket.KindSubscriptionAck, ID: ctl.ID, Channel: ctl.Msg}, nil
	}

	return websocket.Message{Kind: websocket.KindUnknown, Raw: frame}, nil
}

// streamOrder is the d payload of the private orders channel.
type streamOrder struct {
	OrderID       string `json:"i"`
	ClientOrderID string `json:"c"`
	Price         string `json:"p"`
	Quantity      string `json:"v"`
	FilledQty     string `json:"cv"`
	AvgPrice      string `json:"ap"`
	TradeSide     int    `json:"S"`
	OrderType     int    `json:"o"`
	Status        int    `json:"s"`
	CreateTime    int64  `json:"O"`
}

// streamDeal is the d payload of the private deals channel.
type streamDeal struct {
	Price     string `json:"p"`
	Quantity  string `json:"v"`
	TradeSide int    `json:"S"`
	TradeTime int64  `json:"T"`
	TradeID   string `json:"t"`
	OrderID   string `json:"i"`
	IsMaker   int    `json:"m"`
}

// streamAccount is the d payload of the private account channel.
type streamAccount struct {
	Asset  string `json:"a"`
	Free   string `json:"f"`
	Locked string `json:"l"`
}

func (c *wsCodec) decodePrivate(ctl controlFrame) (websocket.Message, error) {
	switch {
	case strings.HasPrefix(ctl.Channel, ordersChannel):
		symbol, ok := c.resolve(ctl.Symbol)
		if !ok {
			return websocket.Message{Kind: websocket.KindUnknown, Channel: ctl.Channel}, nil
		}
		var d streamOrder
		if err := json.Unmarshal(ctl.Data, &d); err != nil {
			return websocket.Message{}, fmt.Errorf("decode order payload: %w", err)
		}
		order := &core.Order{
			OrderID:       d.OrderID,
			ClientOrderID: d.ClientOrderID,
			Symbol:        symbol,
			Side:          mapStreamSide(d.TradeSide),
			Type:          core.TypeLimit,
			Quantity:      parseDecimal(d.Quantity),
			FilledQty:     parseDecimal(d.FilledQty),
			Price:         parseDecimal(d.Price),
			Status:        mapStreamOrderStatus(d.Status),
			CreatedAt:     time.UnixMilli(d.CreateTime),
			UpdatedAt:     time.UnixMilli(ctl.SentAt),
		}
		if d.OrderType == 5 {
			order.Type = core.TypeMarket
		}
		return websocket.Message{Kind: websocket.KindOrder, Channel: ctl.Channel, Order: order}, nil

	case strings.HasPrefix(ctl.Channel, dealsChannel):
		symbol, ok := c.resolve(ctl.Symbol)
		if !ok {
			return websocket.Message{Kind: websocket.KindUnknown, Channel: ctl.Channel}, nil
		}
		var d streamDeal
		if err := json.Unmarshal(ctl.Data, &d); err != nil {
			return websocket.Message{}, fmt.Errorf("decode deal payload: %w", err)
		}
		trade := &core.Trade{
			Symbol:    symbol,
			Side:      mapStreamSide(d.TradeSide),
			Price:     parseDecimal(d.Price),
			Quantity:  parseDecimal(d.Quantity),
			Timestamp: time.UnixMilli(d.TradeTime),
			OrderID:   d.OrderID,
			IsMaker:   d.IsMaker == 1,
		}
		return websocket.Message{Kind: websocket.KindExecution, Channel: ctl.Channel, Execution: trade}, nil

	case strings.HasPrefix(ctl.Channel, accountChannel):
		var d streamAccount
		if err := json.Unmarshal(ctl.Data, &d); err != nil {
			return websocket.Message{}, fmt.Errorf("decode account payload: %w", err)
		}
		balance := &core.AssetBalance{
			Asset:  d.Asset,
			Free:   parseDecimal(d.Free),
			Locked: parseDecimal(d.Locked),
		}
		return websocket.Message{Kind: websocket.KindBalance, Channel: ctl.Channel, Balance: balance}, nil
	}

	return websocket.Message{Kind: websocket.KindUnknown, Channel: ctl.Channel}, nil
}

// decodePush decodes the binary public push wrapper. Only book-ticker bodies
// are consumed; other channels decode to KindUnknown.
func (c *wsCodec) decodePush(frame []byte) (websocket.Message, error) {
	var (
		channel  string
		pair     string
		sendTime int64
		body     []byte
	)

	rest := frame
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return websocket.Message{}, fmt.Errorf("push wrapper: bad tag: %w", protowire.ParseError(n))
		}
		rest = rest[n:]

		switch {
		case num == wrapperFieldChannel && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(rest)
			if n < 0 {
				return websocket.Message{}, fmt.Errorf("push wrapper: bad channel: %w", protowire.ParseError(n))
			}
			channel, rest = v, rest[n:]
		case num == wrapperFieldSymbol && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(rest)
			if n < 0 {
				return websocket.Message{}, fmt.Errorf("push wrapper: bad symbol: %w", protowire.ParseError(n))
			}
			pair, rest = v, rest[n:]
		case num == wrapperFieldSendTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return websocket.Message{}, fmt.Errorf("push wrapper: bad send time: %w", protowire.ParseError(n))
			}
			sendTime, rest = int64(v), rest[n:]
		case num == wrapperFieldBookTicker && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return websocket.Message{}, fmt.Errorf("push wrapper: bad body: %w", protowire.ParseError(n))
			}
			body, rest = v, rest[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, rest)
			if n < 0 {
				return websocket.Message{}, fmt.Errorf("push wrapper: bad field %d: %w", num, protowire.ParseError(n))
			}
			rest = rest[n:]
		}
	}

	if body == nil {
		return websocket.Message{Kind: websocket.KindUnknown, Channel: channel}, nil
	}

	symbol, ok := c.resolve(pair)
	if !ok {
		return websocket.Message{Kind: websocket.KindUnknown, Channel: channel}, nil
	}

	ticker, err := decodeBookTickerBody(body)
	if err != nil {
		return websocket.Message{}, err
	}
	ticker.Symbol = symbol
	// The wrapper send time is monotonic per symbol and doubles as the
	// update id for late/duplicate rejection.
	ticker.UpdateID = sendTime
	ticker.Timestamp = time.UnixMilli(sendTime)

	return websocket.Message{
		Kind:       websocket.KindBookTicker,
		Channel:    channel,
		BookTicker: &ticker,
	}, nil
}

func decodeBookTickerBody(body []byte) (core.BookTicker, error) {
	var ticker core.BookTicker

	rest := body
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return ticker, fmt.Errorf("book ticker body: bad tag: %w", protowire.ParseError(n))
		}
		rest = rest[n:]

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, rest)
			if n < 0 {
				return ticker, fmt.Errorf("book ticker body: bad field %d: %w", num, protowire.ParseError(n))
			}
			rest = rest[n:]
			continue
		}

		v, n := protowire.ConsumeString(rest)
		if n < 0 {
			return ticker, fmt.Errorf("book ticker body: bad value: %w", protowire.ParseError(n))
		}
		rest = rest[n:]

		switch num {
		case tickerFieldBidPrice:
			ticker.BidPrice = parseDecimal(v)
		case tickerFieldBidQty:
			ticker.BidQty = parseDecimal(v)
		case tickerFieldAskPrice:
			ticker.AskPrice = parseDecimal(v)
		case tickerFieldAskQty:
			ticker.AskQty = parseDecimal(v)
		}
	}

	return ticker, nil
}
