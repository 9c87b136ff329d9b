package services

import (
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"lines-service/logger"
	"lines-service/pkg/common"
)

// AMQPConnection 连接抽象，便于替换为测试实现
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	IsClosed() bool
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
	Close() error
}

// AMQPChannel channel 抽象，*amqp.Channel 直接满足
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer 根据 URI 建立连接
type Dialer func(uri string) (AMQPConnection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (AMQPChannel, error) {
	return c.Connection.Channel()
}

// DialAMQP 默认拨号实现，URI 上的 heartbeat 参数转成 amqp.Config
func DialAMQP(uri string) (AMQPConnection, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid broker uri: %w", err)
	}

	heartbeat := 10 * time.Second
	if v := u.Query().Get("heartbeat"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			heartbeat = time.Duration(secs) * time.Second
		}
	}
	u.RawQuery = ""

	conn, err := amqp.DialConfig(u.String(), amqp.Config{
		Heartbeat: heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return amqpConnection{conn}, nil
}

// AMQPConnector 持有唯一的共享 broker 连接，并按需创建 channel
type AMQPConnector struct {
	uri     string
	dial    Dialer
	metrics *Metrics

	mu   sync.Mutex
	conn atomic.Pointer[connHandle]
}

type connHandle struct {
	conn AMQPConnection
}

// NewAMQPConnector 创建 AMQPConnector 实例
func NewAMQPConnector(uri string, dial Dialer, metrics *Metrics) *AMQPConnector {
	if dial == nil {
		dial = DialAMQP
	}
	return &AMQPConnector{
		uri:     uri,
		dial:    dial,
		metrics: metrics,
	}
}

// GetConnection 返回当前打开的连接；不存在或已关闭时加锁复查后重建
func (c *AMQPConnector) GetConnection() (AMQPConnection, error) {
	if conn := c.current(); conn != nil && !conn.IsClosed() {
		return conn, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if conn := c.current(); conn != nil && !conn.IsClosed() {
		return conn, nil
	}

	conn, err := c.dial(c.uri)
	if err != nil {
		logger.Error(err, "Rabbit Error creating connection", nil, zap.String("source", common.SourceBroker))
		return nil, common.NewConnectionError("failed to create connection", err)
	}

	c.watch(conn)
	c.conn.Store(&connHandle{conn: conn})
	c.metrics.connectionCreated()

	logger.Info("Rabbit Broker Connected", nil, zap.String("uri", redactURI(c.uri)))
	return conn, nil
}

func (c *AMQPConnector) current() AMQPConnection {
	if h := c.conn.Load(); h != nil {
		return h.conn
	}
	return nil
}

// watch 挂上被动观察者：连接错误和流控只记日志，不影响调用方
func (c *AMQPConnector) watch(conn AMQPConnection) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	go func() {
		for amqpErr := range closed {
			logger.Error(amqpErr, "Rabbit connection lost, will reconnect on next use", nil,
				zap.String("source", common.SourceBroker),
				zap.Bool("server", amqpErr.Server),
				zap.Bool("recover", amqpErr.Recover))
		}
	}()

	go func() {
		for b := range blocked {
			if b.Active {
				logger.Warn("Rabbit connection blocked by broker", nil, zap.String("reason", b.Reason))
			} else {
				logger.Info("Rabbit connection unblocked", nil)
			}
		}
	}()
}

// CreateChannel 从共享连接上创建新 channel
func (c *AMQPConnector) CreateChannel() (AMQPChannel, error) {
	conn, err := c.GetConnection()
	if err != nil {
		return nil, err
	}

	channel, err := conn.Channel()
	if err != nil {
		logger.Error(err, "Rabbit Error creating channel", nil, zap.String("source", common.SourceBroker))
		return nil, common.NewConnectionError("failed to create channel", err)
	}

	shutdown := channel.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for amqpErr := range shutdown {
			logger.Warn("Rabbit channel shut down", nil,
				zap.Int("code", amqpErr.Code),
				zap.String("reason", amqpErr.Reason))
		}
	}()

	return channel, nil
}

// ConnectionClosed 当前没有可用连接
func (c *AMQPConnector) ConnectionClosed() bool {
	conn := c.current()
	return conn == nil || conn.IsClosed()
}

// Close 关闭共享连接
func (c *AMQPConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn := c.current()
	c.conn.Store(nil)
	if conn == nil || conn.IsClosed() {
		return nil
	}
	err := conn.Close()
	logger.Println("[AMQP] Connection closed")
	return err
}

func redactURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "<invalid>"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
