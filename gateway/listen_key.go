package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// ListenKeyClient 管理用户数据流的 listenKey（创建/续期/关闭）。
type ListenKeyClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewListenKeyHTTPClient listenKey 请求单独使用较短超时。
func NewListenKeyHTTPClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Second}
}

func (c *ListenKeyClient) rest() *BinanceRESTClient {
	return &BinanceRESTClient{BaseURL: c.BaseURL, APIKey: c.APIKey, HTTPClient: c.HTTPClient}
}

// NewListenKey 创建 listenKey。
func (c *ListenKeyClient) NewListenKey(ctx context.Context) (string, error) {
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.rest().do(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, false, &resp); err != nil {
		return "", err
	}
	if resp.ListenKey == "" {
		return "", fmt.Errorf("empty listenKey")
	}
	return resp.ListenKey, nil
}

// KeepAlive 续期，交易所要求 60 分钟内至少一次。
func (c *ListenKeyClient) KeepAlive(ctx context.Context) error {
	return c.rest().do(ctx, http.MethodPut, "/fapi/v1/listenKey", nil, false, nil)
}

// Close 关闭 listenKey。
func (c *ListenKeyClient) Close(ctx context.Context) error {
	return c.rest().do(ctx, http.MethodDelete, "/fapi/v1/listenKey", nil, false, nil)
}
