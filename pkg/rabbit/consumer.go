package rabbit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/streadway/amqp"

	"github.com/nearline/nlds/pkg/config"
	"github.com/nearline/nlds/pkg/log"
	"github.com/nearline/nlds/pkg/metrics"
	"github.com/nearline/nlds/pkg/types"
)

// retryHeader counts how often a message has been republished after a
// handler error.
const retryHeader = "x-nlds-retry"

// Props carries the AMQP properties a handler may need for RPC replies.
type Props struct {
	CorrelationID string
	ReplyTo       string
	Retry         int
}

// Handler processes one message to completion. A returned error republishes
// the message with a bounded retry count.
type Handler func(key string, msg *types.Message, props Props) error

// Consumer consumes a durable queue bound to the exchange and delivers
// messages one at a time to its handler.
type Consumer struct {
	conn     *Connection
	pub      *Publisher
	queue    string
	bindings []string
	wcfg     config.Worker
	handler  Handler

	// OnExhausted is invoked when a message has used up its retries.
	OnExhausted func(key string, msg *types.Message, reason string)

	consumed uint64
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer creates a consumer for queue with the given bindings.
func NewConsumer(conn *Connection, pub *Publisher, queue string, bindings []string,
	wcfg config.Worker, handler Handler) *Consumer {
	return &Consumer{
		conn:     conn,
		pub:      pub,
		queue:    queue,
		bindings: bindings,
		wcfg:     wcfg,
		handler:  handler,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the consume loop.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop ends the consume loop; the in-flight handler completes first.
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Consumed returns the number of messages handled, for the liveness probe.
func (c *Consumer) Consumed() uint64 {
	return atomic.LoadUint64(&c.consumed)
}

func (c *Consumer) run() {
	defer c.wg.Done()
	logger := log.WithWorker(c.queue)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		deliveries, ch, err := c.open()
		if err != nil {
			logger.Error().Err(err).Msg("Failed to open consumer channel")
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-c.stopCh:
				return
			}
		}
		logger.Info().Strs("bindings", c.bindings).Msg("Consumer started")
	drain:
		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					logger.Warn().Msg("Delivery channel closed, reconnecting")
					break drain
				}
				c.handle(d)
			case <-c.stopCh:
				ch.Close()
				return
			}
		}
		ch.Close()
	}
}

// open declares the queue, applies the bindings and starts consuming with
// prefetch one so a consumer handles a single message at a time.
func (c *Consumer) open() (<-chan amqp.Delivery, *amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, nil, err
	}
	for _, binding := range c.bindings {
		if err := ch.QueueBind(c.queue, binding, c.conn.Exchange(), false, nil); err != nil {
			ch.Close()
			return nil, nil, err
		}
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, nil, err
	}
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	return deliveries, ch, nil
}

func (c *Consumer) handle(d amqp.Delivery) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HandlerDuration.WithLabelValues(c.queue))

	_, action, ok := SplitKey(d.RoutingKey)
	if !ok {
		log.WithWorker(c.queue).Warn().Str("routing_key", d.RoutingKey).
			Msg("Dropping message with malformed routing key")
		d.Ack(false)
		return
	}
	metrics.MessagesConsumedTotal.WithLabelValues(c.queue, action).Inc()

	msg, err := types.UnmarshalMessage(d.Body)
	if err != nil {
		log.WithWorker(c.queue).Error().Err(err).Msg("Dropping undecodable message")
		d.Ack(false)
		return
	}
	atomic.AddUint64(&c.consumed, 1)

	if action == ActionSystemStat {
		c.answerSystemStat(d, msg)
		d.Ack(false)
		return
	}

	retry := retryCount(d.Headers)
	if msg.Details.Retries > retry {
		retry = msg.Details.Retries
	}
	props := Props{
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Retry:         retry,
	}
	if err := c.handler(d.RoutingKey, msg, props); err != nil {
		c.redeliver(d, msg, err, retry)
		d.Ack(false)
		return
	}
	d.Ack(false)
}

// redeliver republishes a message whose handler failed, delayed by the
// worker's retry schedule, until the retries are exhausted.
func (c *Consumer) redeliver(d amqp.Delivery, msg *types.Message, cause error, retry int) {
	logger := log.WithWorker(c.queue)
	if retry >= c.wcfg.MaxRetries() {
		logger.Error().Err(cause).Int("retries", retry).
			Str("routing_key", d.RoutingKey).Msg("Message retries exhausted")
		if c.OnExhausted != nil {
			c.OnExhausted(d.RoutingKey, msg, cause.Error())
		}
		return
	}
	logger.Warn().Err(cause).Int("retry", retry+1).
		Str("routing_key", d.RoutingKey).Msg("Handler failed, redelivering")
	metrics.MessagesRedeliveredTotal.WithLabelValues(c.queue).Inc()

	msg.Details.Retries = retry + 1
	body, err := msg.Marshal()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to re-encode message for redelivery")
		return
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
		Headers:      amqp.Table{retryHeader: int32(retry + 1)},
	}
	delay := c.wcfg.RetryDelay(retry)
	if delay > 0 {
		if c.conn.DelayedExchange() {
			pub.Headers["x-delay"] = delay.Milliseconds()
		} else if c.pub != nil && c.pub.sched != nil {
			if err := c.pub.sched.Schedule(d.RoutingKey, body, delay); err != nil {
				logger.Error().Err(err).Msg("Failed to journal redelivery")
			}
			return
		}
	}
	ch, err := c.conn.Channel()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open channel for redelivery")
		return
	}
	defer ch.Close()
	if err := ch.Publish(c.conn.Exchange(), d.RoutingKey, false, false, pub); err != nil {
		logger.Error().Err(err).Msg("Failed to republish message")
	}
}

func (c *Consumer) answerSystemStat(d amqp.Delivery, msg *types.Message) {
	if d.ReplyTo == "" || c.pub == nil {
		return
	}
	reply := types.NewMessage(types.Details{
		APIAction: types.ActionSystemStat,
	})
	reply.Data.SystemStatus = &types.SystemStatus{
		Worker:   c.queue,
		Alive:    true,
		Consumed: c.Consumed(),
	}
	if err := c.pub.Reply(d.ReplyTo, d.CorrelationId, reply); err != nil {
		log.WithWorker(c.queue).Error().Err(err).Msg("Failed to answer system-stat")
	}
}

func retryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
