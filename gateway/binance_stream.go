package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"grid-maker-go/infrastructure/logger"
)

// WSStream 维护一条 websocket 连接，断线后指数退避重连，直到 ctx 取消。
type WSStream struct {
	Name         string
	URLFunc      func(ctx context.Context) (string, error) // 每次拨号前调用，可用于刷新 listenKey
	Dialer       *websocket.Dialer
	ReadTimeout  time.Duration
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	OnConnect    func()
	OnDisconnect func(err error)
	Logger       *logger.Logger
}

// Run 阻塞读取消息并交给 handle；ctx 取消时返回 nil。
func (s *WSStream) Run(ctx context.Context, handle func([]byte)) error {
	if s.URLFunc == nil {
		return fmt.Errorf("%s: url func not set", s.Name)
	}
	log := logger.OrNop(s.Logger)
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	backoff := s.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := s.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	wait := backoff

	for {
		if ctx.Err() != nil {
			return nil
		}
		u, err := s.URLFunc(ctx)
		if err == nil {
			var conn *websocket.Conn
			conn, _, err = dialer.DialContext(ctx, u, nil)
			if err == nil {
				log.Info("ws connected", zap.String("stream", s.Name))
				if s.OnConnect != nil {
					s.OnConnect()
				}
				wait = backoff
				err = s.readLoop(ctx, conn, handle)
				if s.OnDisconnect != nil {
					s.OnDisconnect(err)
				}
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("ws disconnected, reconnecting", zap.String("stream", s.Name), zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait *= 2
		if wait > maxBackoff {
			wait = maxBackoff
		}
	}
}

func (s *WSStream) readLoop(ctx context.Context, conn *websocket.Conn, handle func([]byte)) error {
	timeout := s.ReadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var once sync.Once
	closeConn := func() { once.Do(func() { _ = conn.Close() }) }
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(timeout))
	})
	// 交易所定期 ping，gorilla 默认回 pong；这里顺带刷新读超时
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		handle(msg)
	}
}

// CombinedStreamURL 构建 /stream?streams=a/b 形式的地址。
func CombinedStreamURL(base string, streams ...string) (string, error) {
	if len(streams) == 0 {
		return "", fmt.Errorf("no streams subscribed")
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/stream"
	q := u.Query()
	q.Set("streams", strings.Join(streams, "/"))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DepthStreams 深度与归集成交的流名称。
func DepthStreams(symbol string) []string {
	s := strings.ToLower(symbol)
	return []string{s + "@depth20@100ms", s + "@aggTrade"}
}
