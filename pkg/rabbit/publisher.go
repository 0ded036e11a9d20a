package rabbit

import (
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/nearline/nlds/pkg/metrics"
	"github.com/nearline/nlds/pkg/types"
)

// PublishOptions carry the optional per-message delivery settings.
type PublishOptions struct {
	Delay         time.Duration
	CorrelationID string
	ReplyTo       string
}

// Publisher publishes envelopes onto the exchange. It owns one channel and
// reopens it through the reconnecting Connection on failure.
type Publisher struct {
	conn  *Connection
	sched *Scheduler

	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher creates a publisher. journalPath enables the local delay
// scheduler used when the broker cannot delay messages itself; an empty
// path leaves delayed publishing to the broker.
func NewPublisher(conn *Connection, journalPath string) (*Publisher, error) {
	p := &Publisher{conn: conn}
	if journalPath != "" && !conn.DelayedExchange() {
		sched, err := OpenScheduler(journalPath, p.publishNow)
		if err != nil {
			return nil, err
		}
		p.sched = sched
		sched.Start()
	}
	return p, nil
}

// Publish routes an envelope by key. A non-zero delay defers delivery.
func (p *Publisher) Publish(key string, msg *types.Message, opts PublishOptions) error {
	body, err := msg.Marshal()
	if err != nil {
		return err
	}
	if opts.Delay > 0 && !p.conn.DelayedExchange() {
		if p.sched == nil {
			return fmt.Errorf("delayed publish unavailable: no delay journal configured")
		}
		return p.sched.Schedule(key, body, opts.Delay)
	}
	return p.publishWith(p.conn.Exchange(), key, body, opts)
}

// Reply sends an RPC reply to the caller's exclusive reply queue.
func (p *Publisher) Reply(replyTo, correlationID string, msg *types.Message) error {
	body, err := msg.Marshal()
	if err != nil {
		return err
	}
	return p.publishWith("", replyTo, body, PublishOptions{CorrelationID: correlationID})
}

// publishNow is the scheduler's emit hook.
func (p *Publisher) publishNow(key string, body []byte) error {
	return p.publishWith(p.conn.Exchange(), key, body, PublishOptions{})
}

func (p *Publisher) publishWith(exchange, key string, body []byte, opts PublishOptions) error {
	pub := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now(),
		Body:          body,
		CorrelationId: opts.CorrelationID,
		ReplyTo:       opts.ReplyTo,
	}
	if opts.Delay > 0 {
		pub.Headers = amqp.Table{"x-delay": opts.Delay.Milliseconds()}
	}

	// One retry through a fresh channel covers the common case of the
	// channel having been torn down by a broker restart.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		ch, err := p.channel(attempt > 0)
		if err != nil {
			return err
		}
		if err := ch.Publish(exchange, key, false, false, pub); err != nil {
			lastErr = err
			continue
		}
		metrics.MessagesPublishedTotal.WithLabelValues(key).Inc()
		return nil
	}
	return fmt.Errorf("publish %s: %w", key, lastErr)
}

func (p *Publisher) channel(fresh bool) (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fresh && p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.ch != nil {
		return p.ch, nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

// Close releases the publisher's channel and stops the delay scheduler.
func (p *Publisher) Close() error {
	if p.sched != nil {
		p.sched.Stop()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		err := p.ch.Close()
		p.ch = nil
		return err
	}
	return nil
}
