package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// Broker response codes that map onto the error taxonomy. The conflict
// class covers the "shares locked" family: an order mutation rejected
// because another order currently holds the shares.
const (
	codeOK             = 0
	codeRateLimited    = 429
	codeSharesLocked   = 30012
	codeOrderNotFound  = 30014
	codeStateConflict  = 30015
	codeServerError    = 500
	codeServerBusy     = 503
)

// Client is the REST implementation of the broker API.
type Client struct {
	key, secret, base string
	rest              *resty.Client
}

// NewREST builds a broker client with a per-call timeout. A timeout of zero
// falls back to 5s.
func NewREST(key, secret, base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second)
	}
	return &Client{key: key, secret: secret, base: base, rest: r}
}

type apiResp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		OrderID string `json:"orderId"`
	} `json:"data"`
}

func classifyCode(code int, msg string) error {
	kind := KindRejection
	switch code {
	case codeRateLimited, codeServerError, codeServerBusy:
		kind = KindTransient
	case codeSharesLocked, codeOrderNotFound, codeStateConflict:
		kind = KindConflict
	}
	return &APIError{Kind: kind, Code: code, Msg: msg}
}

func (c *Client) signedReq(ctx context.Context) *resty.Request {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	nonce := ts
	return c.rest.R().
		SetContext(ctx).
		SetHeader("api-key", c.key).
		SetHeader("nonce", nonce).
		SetHeader("timestamp", ts).
		SetHeader("sign", sign(c.secret, nonce, c.key, ts))
}

// SubmitOrder places an order and returns the broker-assigned order id.
func (c *Client) SubmitOrder(ctx context.Context, spec OrderSpec) (string, error) {
	resp := &apiResp{}
	_, err := c.signedReq(ctx).
		SetBody(spec).
		SetResult(resp).
		Post(c.base + "/api/v1/trade/place_order")
	if err != nil {
		return "", fmt.Errorf("submit order: %w", err)
	}
	if resp.Code != codeOK {
		return "", classifyCode(resp.Code, resp.Msg)
	}
	return resp.Data.OrderID, nil
}

// CancelOrder cancels a live order by broker order id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	resp := &apiResp{}
	_, err := c.signedReq(ctx).
		SetBody(map[string]string{"orderId": orderID}).
		SetResult(resp).
		Post(c.base + "/api/v1/trade/cancel_order")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.Code != codeOK {
		return classifyCode(resp.Code, resp.Msg)
	}
	return nil
}

// GetPositions fetches the broker's open positions.
func (c *Client) GetPositions(ctx context.Context) ([]NetPosition, error) {
	var out struct {
		Code int           `json:"code"`
		Msg  string        `json:"msg"`
		Data []NetPosition `json:"data"`
	}
	resp, err := c.signedReq(ctx).
		SetResult(&out).
		Get(c.base + "/api/v1/trade/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, classifyCode(resp.StatusCode(), resp.String())
	}
	if out.Code != codeOK {
		return nil, classifyCode(out.Code, out.Msg)
	}
	return out.Data, nil
}

// GetOrders fetches the broker's live orders.
func (c *Client) GetOrders(ctx context.Context) ([]Order, error) {
	var out struct {
		Code int     `json:"code"`
		Msg  string  `json:"msg"`
		Data []Order `json:"data"`
	}
	resp, err := c.signedReq(ctx).
		SetResult(&out).
		Get(c.base + "/api/v1/trade/open_orders")
	if err != nil {
		return nil, fmt.Errorf("get orders: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, classifyCode(resp.StatusCode(), resp.String())
	}
	if out.Code != codeOK {
		return nil, classifyCode(out.Code, out.Msg)
	}
	return out.Data, nil
}
