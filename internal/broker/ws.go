package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrReconnect tags stream errors that triggered a reconnect, so consumers
// can count reconnections apart from other background errors.
var ErrReconnect = errors.New("stream reconnect")

// WS streams market ticks and order fill/ack events from the broker.
type WS struct{ url string }

func NewWS(u string) WS { return WS{u} }

// Stream connects and pushes ticks and fills until ctx is cancelled,
// reconnecting with exponential backoff on any connection failure.
func (w WS) Stream(ctx context.Context, symbols []string, ticks chan<- Tick, fills chan<- Fill, errs chan<- error, ping time.Duration) error {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := w.streamOnce(ctx, symbols, ticks, fills, errs, ping); err != nil {
				log.Warn().Err(err).Dur("backoff", backoff).Msg("fill stream disconnected, reconnecting")
				select {
				case errs <- fmt.Errorf("%w: %v", ErrReconnect, err):
				default:
				}
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return ctx.Err()
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = time.Second
		}
	}
}

func (w WS) streamOnce(ctx context.Context, symbols []string, ticks chan<- Tick, fills chan<- Fill, errs chan<- error, ping time.Duration) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	conn.SetReadLimit(512 * 1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	args := []map[string]string{{"ch": "order"}}
	for _, s := range symbols {
		args = append(args, map[string]string{"symbol": s, "ch": "price"})
	}
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": args}); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	pingTicker := time.NewTicker(ping)
	defer pingTicker.Stop()

	lastData := time.Now()
	healthTicker := time.NewTicker(30 * time.Second)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
		case <-healthTicker.C:
			if time.Since(lastData) > 90*time.Second {
				return fmt.Errorf("fill stream stale, no data for %v", time.Since(lastData))
			}
		default:
			conn.SetReadDeadline(time.Now().Add(30 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("read message failed: %w", err)
			}
			lastData = time.Now()

			var raw map[string]any
			if err := json.Unmarshal(msg, &raw); err != nil {
				log.Debug().Err(err).Msg("unparseable fill stream message")
				continue
			}
			if op, ok := raw["op"].(string); ok && op == "subscribe" {
				continue
			}
			switch raw["ch"] {
			case "order":
				if err := parseFill(raw, fills); err != nil {
					select {
					case errs <- fmt.Errorf("parse fill: %w", err):
					default:
					}
				}
			case "price":
				if err := parseTick(raw, ticks); err != nil {
					select {
					case errs <- fmt.Errorf("parse tick: %w", err):
					default:
					}
				}
			}
		}
	}
}

func parseFill(m map[string]any, out chan<- Fill) error {
	data, ok := m["data"].(map[string]any)
	if !ok {
		return fmt.Errorf("invalid fill payload")
	}
	status, _ := data["status"].(string)
	if status != "FILLED" && status != "PARTIALLY_FILLED" {
		return nil
	}
	orderID, ok := data["orderId"].(string)
	if !ok || orderID == "" {
		return fmt.Errorf("missing order id")
	}
	symbol, _ := data["symbol"].(string)
	sideStr, _ := data["side"].(string)
	qty, err := toFloat(data["fillQty"])
	if err != nil {
		return fmt.Errorf("invalid fill qty: %w", err)
	}
	price, err := toFloat(data["fillPrice"])
	if err != nil {
		return fmt.Errorf("invalid fill price: %w", err)
	}
	if qty <= 0 || price <= 0 {
		return fmt.Errorf("non-positive fill: qty=%f price=%f", qty, price)
	}

	f := Fill{
		OrderID: orderID,
		Symbol:  symbol,
		Side:    Side(sideStr),
		Qty:     qty,
		Price:   price,
		Ts:      time.Now(),
	}
	select {
	case out <- f:
	default:
		log.Warn().Str("order_id", orderID).Msg("fill channel full, dropping event")
	}
	return nil
}

func parseTick(m map[string]any, out chan<- Tick) error {
	data, ok := m["data"].(map[string]any)
	if !ok {
		return fmt.Errorf("invalid tick payload")
	}
	symbol, ok := m["symbol"].(string)
	if !ok || symbol == "" {
		return fmt.Errorf("missing symbol in tick")
	}
	price, err := toFloat(data["p"])
	if err != nil {
		return fmt.Errorf("invalid price: %w", err)
	}
	if price <= 0 {
		return fmt.Errorf("non-positive price %f", price)
	}

	t := Tick{Symbol: symbol, Price: price, Ts: time.Now()}
	select {
	case out <- t:
	default:
		log.Warn().Str("symbol", symbol).Msg("tick channel full, dropping tick")
	}
	return nil
}

func toFloat(v any) (float64, error) {
	switch val := v.(type) {
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %q: %w", val, err)
		}
		return f, nil
	case float64:
		return val, nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	default:
		return 0, fmt.Errorf("value type %T not convertible to float", v)
	}
}
