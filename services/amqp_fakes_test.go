package services

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streadway/amqp"
)

type declaredQueue struct {
	durable, autoDelete, exclusive bool
}

type boundQueue struct {
	queue, key, exchange string
}

type fakeChannel struct {
	mu         sync.Mutex
	closed     bool
	closeCalls int
	listeners  []chan *amqp.Error
	deliveries chan amqp.Delivery
	consuming  chan struct{}

	declared  declaredQueue
	bound     boundQueue
	autoAck   bool
	published []amqp.Publishing
	keys      []string

	publishErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		deliveries: make(chan amqp.Delivery, 16),
		consuming:  make(chan struct{}),
	}
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	c.declared = declaredQueue{durable: durable, autoDelete: autoDelete, exclusive: exclusive}
	return amqp.Queue{Name: "amq.gen-test"}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.bound = boundQueue{queue: name, key: key, exchange: exchange}
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	c.autoAck = autoAck
	close(c.consuming)
	return c.deliveries, nil
}

func (c *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	if c.publishErr != nil {
		return c.publishErr
	}
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.listeners = append(c.listeners, receiver)
	return receiver
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	return c.shutdown(nil)
}

// brokerClose 模拟服务端关闭 channel
func (c *fakeChannel) brokerClose(code int, reason string) {
	_ = c.shutdown(&amqp.Error{Code: code, Reason: reason, Server: true})
}

// cancelConsumer 模拟 basic.cancel：只关闭投递通道
func (c *fakeChannel) cancelConsumer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.deliveries)
}

func (c *fakeChannel) shutdown(amqpErr *amqp.Error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, l := range c.listeners {
		if amqpErr != nil {
			l <- amqpErr
		}
		close(l)
	}
	c.listeners = nil
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

func (c *fakeChannel) publishedKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...)
}

type fakeConnection struct {
	closed     atomic.Bool
	mu         sync.Mutex
	listeners  []chan *amqp.Error
	channelErr error
	opened     chan *fakeChannel
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{opened: make(chan *fakeChannel, 32)}
}

func (c *fakeConnection) Channel() (AMQPChannel, error) {
	if c.closed.Load() {
		return nil, amqp.ErrClosed
	}
	c.mu.Lock()
	err := c.channelErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ch := newFakeChannel()
	c.opened <- ch
	return ch, nil
}

func (c *fakeConnection) IsClosed() bool {
	return c.closed.Load()
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, receiver)
	return receiver
}

func (c *fakeConnection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	return receiver
}

func (c *fakeConnection) Close() error {
	if c.closed.Swap(true) {
		return amqp.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.listeners {
		close(l)
	}
	c.listeners = nil
	return nil
}

// drop 模拟网络断开
func (c *fakeConnection) drop() {
	if c.closed.Swap(true) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.listeners {
		l <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "connection reset", Recover: true}
		close(l)
	}
	c.listeners = nil
}

// fakeDialer 记录拨号次数，每次返回新的 fakeConnection
type fakeDialer struct {
	mu    sync.Mutex
	dials int32
	conns []*fakeConnection
	err   error
	delay time.Duration
}

func (d *fakeDialer) dial(string) (AMQPConnection, error) {
	atomic.AddInt32(&d.dials, 1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	conn := newFakeConnection()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) count() int {
	return int(atomic.LoadInt32(&d.dials))
}

func (d *fakeDialer) last() *fakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

var errDialRefused = errors.New("dial tcp: connection refused")
