package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"lines-service/logger"
	"lines-service/pkg/models"
)

// LinePublisher 把线路变更发布到下游
type LinePublisher interface {
	Publish(ctx context.Context, change models.LineChange) error
	Close() error
}

// RabbitLinePublisher 发布到 out exchange，channel 从共享连接上按需创建
type RabbitLinePublisher struct {
	channels ChannelSource
	exchange string

	mu      sync.Mutex
	channel AMQPChannel
	closed  chan *amqp.Error
}

// NewRabbitLinePublisher 创建 RabbitMQ 发布者
func NewRabbitLinePublisher(channels ChannelSource, exchange string) *RabbitLinePublisher {
	return &RabbitLinePublisher{channels: channels, exchange: exchange}
}

func (p *RabbitLinePublisher) Publish(ctx context.Context, change models.LineChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal line change: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	channel, err := p.ensureChannel()
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    change.ObservedAt,
		Type:         string(change.Kind),
		Body:         body,
	}
	if err := channel.Publish(p.exchange, change.RoutingKey(), false, false, msg); err != nil {
		p.dropChannel()
		return fmt.Errorf("failed to publish to %s: %w", p.exchange, err)
	}
	return nil
}

// ensureChannel 调用方持有锁；channel 被关闭后下次发布时重建
func (p *RabbitLinePublisher) ensureChannel() (AMQPChannel, error) {
	if p.channel != nil {
		select {
		case <-p.closed:
			p.channel = nil
		default:
			return p.channel, nil
		}
	}

	channel, err := p.channels.CreateChannel()
	if err != nil {
		return nil, err
	}
	p.channel = channel
	p.closed = channel.NotifyClose(make(chan *amqp.Error, 1))
	return channel, nil
}

func (p *RabbitLinePublisher) dropChannel() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	p.channel = nil
}

func (p *RabbitLinePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropChannel()
	return nil
}

// messageWriter *kafka.Writer 的最小接口
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaLinePublisher 以比赛 ID 为键写入 kafka topic
type KafkaLinePublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaLinePublisher 创建 kafka 发布者
func NewKafkaLinePublisher(brokers []string, topic string) (*KafkaLinePublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not provided")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
	}
	return &KafkaLinePublisher{writer: writer, topic: topic}, nil
}

func (p *KafkaLinePublisher) Publish(ctx context.Context, change models.LineChange) error {
	value, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal line change: %w", err)
	}

	msg := kafka.Message{
		Key:   change.MessageKey(),
		Value: value,
		Time:  change.ObservedAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(change.Kind)},
			{Key: "source", Value: []byte(change.Source)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to kafka topic %s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaLinePublisher) Close() error {
	return p.writer.Close()
}

// NopLinePublisher 未配置下游时使用
type NopLinePublisher struct{}

func (NopLinePublisher) Publish(context.Context, models.LineChange) error { return nil }

func (NopLinePublisher) Close() error { return nil }

// NewLinePublisher 按 backend 选择发布者：rabbit | kafka | none
func NewLinePublisher(backend string, channels ChannelSource, outExchange string, kafkaBrokers []string, kafkaTopic string) (LinePublisher, error) {
	switch backend {
	case "rabbit":
		logger.Info("Publishing line changes to rabbit", nil, zap.String("exchange", outExchange))
		return NewRabbitLinePublisher(channels, outExchange), nil
	case "kafka":
		logger.Info("Publishing line changes to kafka", nil,
			zap.Strings("brokers", kafkaBrokers),
			zap.String("topic", kafkaTopic))
		return NewKafkaLinePublisher(kafkaBrokers, kafkaTopic)
	case "none", "":
		return NopLinePublisher{}, nil
	default:
		return nil, fmt.Errorf("unknown publish backend %q", backend)
	}
}
