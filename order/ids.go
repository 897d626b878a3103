package order

import (
	"strings"

	"github.com/google/uuid"
)

// ClientIDPrefix 引擎生成的 clientOrderId 前缀，重启后据此认领遗留订单。
const ClientIDPrefix = "mm-"

// NewClientID 生成 mm-<uuid>。Binance 限制 36 字符，去掉连字符后为 35。
func NewClientID() string {
	return ClientIDPrefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// IsEngineClientID 判断订单是否由本引擎下发。
func IsEngineClientID(id string) bool {
	return strings.HasPrefix(id, ClientIDPrefix)
}
