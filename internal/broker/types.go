package broker

import (
	"context"
	"time"
)

// Side is the direction of a position or order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType distinguishes protection legs from plain exits.
type OrderType string

const (
	TypeStop   OrderType = "STOP"
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
)

// OrderSpec describes an order to be submitted.
type OrderSpec struct {
	ClientOrderID string    `json:"clientOrderId"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Type          OrderType `json:"orderType"`
	Qty           float64   `json:"qty,string"`
	Price         float64   `json:"price,string,omitempty"`
	StopPrice     float64   `json:"stopPrice,string,omitempty"`
	ReduceOnly    bool      `json:"reduceOnly"`
}

// Order is the broker's view of a live or historical order.
type Order struct {
	OrderID       string    `json:"orderId"`
	ClientOrderID string    `json:"clientOrderId"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Type          OrderType `json:"orderType"`
	Qty           float64   `json:"qty,string"`
	Price         float64   `json:"price,string"`
	StopPrice     float64   `json:"stopPrice,string"`
	Status        string    `json:"status"`
}

// NetPosition is the broker's view of an open position.
type NetPosition struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Qty        float64 `json:"qty,string"`
	EntryPrice float64 `json:"entryPrice,string"`
}

// Tick is one market price update delivered on the event stream.
type Tick struct {
	Symbol string
	Price  float64
	Ts     time.Time
}

// Fill is an execution report delivered on the event stream.
type Fill struct {
	OrderID string
	Symbol  string
	Side    Side
	Qty     float64
	Price   float64
	Ts      time.Time
}

// API is the surface of the broker consumed by the engine. The REST client
// implements it; tests substitute fakes.
type API interface {
	SubmitOrder(ctx context.Context, spec OrderSpec) (orderID string, err error)
	CancelOrder(ctx context.Context, orderID string) error
	GetPositions(ctx context.Context) ([]NetPosition, error)
	GetOrders(ctx context.Context) ([]Order, error)
}
