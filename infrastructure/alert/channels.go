package alert

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"grid-maker-go/infrastructure/logger"
)

// LogChannel 把告警写入结构化日志；CRITICAL/ERROR 记为 error 级别。
type LogChannel struct {
	log *logger.Logger
}

func NewLogChannel(log *logger.Logger) *LogChannel {
	return &LogChannel{log: logger.OrNop(log).Named("alert")}
}

func (c *LogChannel) Send(a Alert) error {
	fields := make(map[string]interface{}, len(a.Fields)+1)
	for k, v := range a.Fields {
		fields[k] = v
	}
	fields["alert_level"] = string(a.Level)
	l := c.log.WithFields(fields)
	switch a.Level {
	case LevelCritical, LevelError:
		l.Error(a.Message, zap.Time("alert_ts", a.Timestamp))
	case LevelWarning:
		l.Warn(a.Message, zap.Time("alert_ts", a.Timestamp))
	default:
		l.Info(a.Message, zap.Time("alert_ts", a.Timestamp))
	}
	return nil
}

func (c *LogChannel) Name() string { return "log" }

// MockChannel 记录告警，供测试断言。
type MockChannel struct {
	name      string
	mu        sync.Mutex
	alerts    []Alert
	shouldErr bool
}

func NewMockChannel(name string) *MockChannel {
	return &MockChannel{name: name}
}

func (c *MockChannel) Send(a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldErr {
		return errors.New("mock error")
	}
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *MockChannel) Name() string { return c.name }

func (c *MockChannel) Alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.alerts...)
}

func (c *MockChannel) SetShouldError(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shouldErr = v
}
