package services

import (
	"context"
	"fmt"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"lines-service/logger"
	"lines-service/pkg/common"
	"lines-service/pkg/models"
)

// ConsumeOutcome 订阅结束的原因
type ConsumeOutcome int

const (
	// OutcomeCancelled 周期被主动取消
	OutcomeCancelled ConsumeOutcome = iota
	// OutcomeBrokerClosed broker 关闭了 channel 或取消了消费者
	OutcomeBrokerClosed
	// OutcomeConnectionLost 底层连接断开
	OutcomeConnectionLost
)

func (o ConsumeOutcome) String() string {
	switch o {
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeBrokerClosed:
		return "broker-initiated"
	case OutcomeConnectionLost:
		return "connection-lost"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// DeltaHandler 处理解析后的增量，按到达顺序同步调用
type DeltaHandler func(ctx context.Context, envelope models.DeltaEnvelope)

// ChannelSource 提供每个周期使用的 channel
type ChannelSource interface {
	CreateChannel() (AMQPChannel, error)
	ConnectionClosed() bool
}

// 日志中消息体最多保留的字节数
const maxLoggedBody = 512

// AMQPConsumer 把匿名队列绑定到 exchange 上并消费增量
type AMQPConsumer struct {
	channels  ChannelSource
	exchange  string
	metrics   *Metrics
	closeWait time.Duration
}

// NewAMQPConsumer 创建订阅消费者
func NewAMQPConsumer(channels ChannelSource, exchange string, metrics *Metrics) *AMQPConsumer {
	return &AMQPConsumer{
		channels:  channels,
		exchange:  exchange,
		metrics:   metrics,
		closeWait: 5 * time.Second,
	}
}

// Consume 订阅 routingKey，直到周期取消、broker 关闭 channel 或连接断开
//
// 自动 ack：处理失败的消息不会重投，漏掉的增量由下一次轮询补齐。
// channel 在返回前无条件释放。
func (c *AMQPConsumer) Consume(ctx context.Context, routingKey string, onDelta DeltaHandler) (ConsumeOutcome, error) {
	channel, err := c.channels.CreateChannel()
	if err != nil {
		return OutcomeConnectionLost, err
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := channel.Close(); err != nil && err != amqp.ErrClosed {
			logger.Warn("Rabbit channel close failed", nil, zap.Error(err))
		}
	}
	defer release()

	shutdown := channel.NotifyClose(make(chan *amqp.Error, 1))

	queue, err := channel.QueueDeclare(
		"",    // name (auto-generated)
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return OutcomeConnectionLost, common.NewConnectionError("failed to declare queue", err)
	}

	if err := channel.QueueBind(queue.Name, routingKey, c.exchange, false, nil); err != nil {
		return OutcomeConnectionLost, common.NewConnectionError("failed to bind queue", err)
	}

	deliveries, err := channel.Consume(
		queue.Name,
		"",    // consumer
		true,  // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return OutcomeConnectionLost, common.NewConnectionError("failed to consume", err)
	}

	logger.Info("Rabbit subscription started", nil,
		zap.String("queue", queue.Name),
		zap.String("exchange", c.exchange),
		zap.String("routing_key", routingKey))

	for {
		select {
		case <-ctx.Done():
			release()
			c.awaitShutdown(shutdown)
			return OutcomeCancelled, nil

		case delivery, ok := <-deliveries:
			if !ok {
				return c.afterDeliveriesClosed(ctx, shutdown), nil
			}
			c.handleDelivery(ctx, delivery, onDelta)

		case amqpErr, ok := <-shutdown:
			if !ok {
				amqpErr = nil
			}
			return c.classify(ctx, amqpErr), nil
		}
	}
}

func (c *AMQPConsumer) handleDelivery(ctx context.Context, delivery amqp.Delivery, onDelta DeltaHandler) {
	c.metrics.deltaReceived()

	defer func() {
		if r := recover(); r != nil {
			logger.Error(fmt.Errorf("%v", r), "Rabbit delta handler panicked", nil,
				zap.String("source", common.SourceBroker))
		}
	}()

	envelope, err := models.DecodeDelta(delivery.Body)
	if err != nil {
		c.metrics.decodeFailed(common.SourceBroker)
		logger.Error(err, "Rabbit Message deserialization error", nil,
			zap.String("source", common.SourceBroker),
			zap.ByteString("body", truncateBody(delivery.Body)))
		return
	}

	onDelta(ctx, envelope)
}

// afterDeliveriesClosed broker 取消消费者时投递通道会先关闭，稍等关闭通知再判断原因
func (c *AMQPConsumer) afterDeliveriesClosed(ctx context.Context, shutdown <-chan *amqp.Error) ConsumeOutcome {
	timer := time.NewTimer(c.closeWait)
	defer timer.Stop()

	select {
	case amqpErr := <-shutdown:
		return c.classify(ctx, amqpErr)
	case <-ctx.Done():
		return OutcomeCancelled
	case <-timer.C:
		logger.Warn("Rabbit consumer cancelled by broker", nil, zap.String("source", common.SourceBroker))
		return OutcomeBrokerClosed
	}
}

func (c *AMQPConsumer) classify(ctx context.Context, amqpErr *amqp.Error) ConsumeOutcome {
	if ctx.Err() != nil {
		return OutcomeCancelled
	}

	fields := []zap.Field{zap.String("source", common.SourceBroker)}
	if amqpErr != nil {
		fields = append(fields, zap.Int("code", amqpErr.Code), zap.String("reason", amqpErr.Reason))
	}

	if c.channels.ConnectionClosed() {
		logger.Warn("Rabbit subscription ended: connection lost", nil, fields...)
		return OutcomeConnectionLost
	}
	logger.Warn("Rabbit subscription ended: channel closed by broker", nil, fields...)
	return OutcomeBrokerClosed
}

func (c *AMQPConsumer) awaitShutdown(shutdown <-chan *amqp.Error) {
	timer := time.NewTimer(c.closeWait)
	defer timer.Stop()

	for {
		select {
		case _, ok := <-shutdown:
			if !ok {
				return
			}
		case <-timer.C:
			return
		}
	}
}

func truncateBody(body []byte) []byte {
	if len(body) > maxLoggedBody {
		return body[:maxLoggedBody]
	}
	return body
}
