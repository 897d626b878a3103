package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// timeNowMillis 测试可替换。
var timeNowMillis = func() int64 { return time.Now().UnixMilli() }

// SignParams 追加 timestamp/recvWindow，按键排序编码后做 HMAC-SHA256。
// 返回不含 signature 的 query 与十六进制签名。
func SignParams(params map[string]string, secret string, recvWindowMs int64) (string, string) {
	vals := make(map[string]string, len(params)+2)
	for k, v := range params {
		vals[k] = v
	}
	vals["timestamp"] = strconv.FormatInt(timeNowMillis(), 10)
	if recvWindowMs > 0 {
		vals["recvWindow"] = strconv.FormatInt(recvWindowMs, 10)
	}

	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(vals[k]))
	}
	query := sb.String()

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return query, hex.EncodeToString(mac.Sum(nil))
}
