package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"grid-maker-go/strategy"
)

const (
	BinanceFuturesRESTEndpoint = "https://fapi.binance.com"
	BinanceFuturesWSEndpoint   = "wss://fstream.binance.com"
	BinanceTestnetRESTEndpoint = "https://testnet.binancefuture.com"
	BinanceTestnetWSEndpoint   = "wss://stream.binancefuture.com"
)

// APIError 交易所返回的业务错误。
type APIError struct {
	Status int
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error: status=%d code=%d msg=%s", e.Status, e.Code, e.Msg)
}

// Retryable 限流、服务端错误与时间戳漂移可重试；其他业务错误（余额不足、价格非法等）不可重试。
func (e *APIError) Retryable() bool {
	switch {
	case e.Status >= 500, e.Status == http.StatusTooManyRequests, e.Status == 418:
		return true
	case e.Code == -1001, e.Code == -1003, e.Code == -1021:
		return true
	default:
		return false
	}
}

// IsUnknownOrder 交易所回复订单不存在：-2011 Unknown order sent、-2013 Order does not exist。
func IsUnknownOrder(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.Code == -2011 || apiErr.Code == -2013)
}

// IsRetryable 网络错误与可重试的 APIError 返回 true；ctx 取消不重试。
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

// BinanceRESTClient U 本位合约 REST 客户端，HTTPClient 可注入 httptest。
type BinanceRESTClient struct {
	BaseURL      string
	APIKey       string
	Secret       string
	RecvWindowMs int64
	HTTPClient   *http.Client
	Limiter      RateLimiter
}

// OrderResponse 下单/撤单/查询返回的订单字段。
type OrderResponse struct {
	OrderID       json.Number `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId"`
	Symbol        string      `json:"symbol"`
	Side          string      `json:"side"`
	Status        string      `json:"status"`
	Price         json.Number `json:"price"`
	OrigQty       json.Number `json:"origQty"`
	ExecutedQty   json.Number `json:"executedQty"`
	Time          int64       `json:"time"`
	UpdateTime    int64       `json:"updateTime"`
}

// AccountResponse /fapi/v2/account 中用到的字段。
type AccountResponse struct {
	TotalMarginBalance json.Number `json:"totalMarginBalance"`
	AvailableBalance   json.Number `json:"availableBalance"`
	Positions          []struct {
		Symbol      string      `json:"symbol"`
		PositionAmt json.Number `json:"positionAmt"`
		EntryPrice  json.Number `json:"entryPrice"`
	} `json:"positions"`
}

// PlaceLimit 以 GTX（只做 maker）挂限价单。price/qty 已按交易对精度格式化。
func (c *BinanceRESTClient) PlaceLimit(ctx context.Context, symbol string, side strategy.Side, price, qty, clientID string) (OrderResponse, error) {
	params := map[string]string{
		"symbol":      symbol,
		"side":        string(side),
		"type":        "LIMIT",
		"timeInForce": "GTX",
		"price":       price,
		"quantity":    qty,
	}
	if clientID != "" {
		params["newClientOrderId"] = clientID
	}
	var resp OrderResponse
	err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, true, &resp)
	return resp, err
}

// CancelOrder 按交易所 ID 撤单，ID 为空时按 clientOrderId 撤单。
func (c *BinanceRESTClient) CancelOrder(ctx context.Context, symbol, orderID, clientID string) (OrderResponse, error) {
	params := map[string]string{"symbol": symbol}
	switch {
	case orderID != "":
		params["orderId"] = orderID
	case clientID != "":
		params["origClientOrderId"] = clientID
	default:
		return OrderResponse{}, fmt.Errorf("cancel %s: order id or client id required", symbol)
	}
	var resp OrderResponse
	err := c.do(ctx, http.MethodDelete, "/fapi/v1/order", params, true, &resp)
	return resp, err
}

// OpenOrders 查询交易对的全部挂单。
func (c *BinanceRESTClient) OpenOrders(ctx context.Context, symbol string) ([]OrderResponse, error) {
	var resp []OrderResponse
	err := c.do(ctx, http.MethodGet, "/fapi/v1/openOrders", map[string]string{"symbol": symbol}, true, &resp)
	return resp, err
}

// Account 查询账户权益与持仓。
func (c *BinanceRESTClient) Account(ctx context.Context) (AccountResponse, error) {
	var resp AccountResponse
	err := c.do(ctx, http.MethodGet, "/fapi/v2/account", nil, true, &resp)
	return resp, err
}

func (c *BinanceRESTClient) do(ctx context.Context, method, path string, params map[string]string, signed bool, out interface{}) error {
	if c == nil || c.HTTPClient == nil {
		return fmt.Errorf("http client not set")
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	endpoint := c.BaseURL + path
	if signed {
		query, sig := SignParams(params, c.Secret, c.RecvWindowMs)
		endpoint += "?" + query + "&signature=" + url.QueryEscape(sig)
	} else if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	if c.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if jerr := json.Unmarshal(body, apiErr); jerr != nil || apiErr.Msg == "" {
			apiErr.Msg = string(body)
		}
		return apiErr
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func parseFloat(n json.Number) float64 {
	if n == "" {
		return 0
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return 0
	}
	return f
}

func millisToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
