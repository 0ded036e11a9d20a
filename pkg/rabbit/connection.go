package rabbit

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"

	"github.com/nearline/nlds/pkg/config"
	"github.com/nearline/nlds/pkg/log"
)

// Connection wraps an AMQP connection with exchange declaration and
// bounded-backoff reconnection. A Connection is shared by the publishers
// and consumers of one worker process.
type Connection struct {
	cfg config.Broker

	mu      sync.Mutex
	conn    *amqp.Connection
	closed  bool
	delayed bool
}

// Connect dials the broker and declares the exchange.
func Connect(cfg config.Broker) (*Connection, error) {
	c := &Connection{cfg: cfg}
	if err := c.dial(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) amqpURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		url.QueryEscape(c.cfg.User), url.QueryEscape(c.cfg.Password),
		c.cfg.Host, c.cfg.Port, url.PathEscape(c.cfg.VHost))
}

func (c *Connection) dial() error {
	conn, err := amqp.DialConfig(c.amqpURL(), amqp.Config{
		Heartbeat: time.Duration(c.cfg.HeartbeatSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	// Prefer the delayed-message exchange so delayed redelivery is broker
	// side; fall back to a plain topic exchange and the local scheduler.
	delayed := true
	err = ch.ExchangeDeclare(c.cfg.Exchange, "x-delayed-message",
		true, false, false, false,
		amqp.Table{"x-delayed-type": "topic"})
	if err != nil {
		delayed = false
		conn.Close()
		conn, err = amqp.DialConfig(c.amqpURL(), amqp.Config{
			Heartbeat: time.Duration(c.cfg.HeartbeatSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("dial broker: %w", err)
		}
		ch2, err := conn.Channel()
		if err != nil {
			conn.Close()
			return fmt.Errorf("open channel: %w", err)
		}
		defer ch2.Close()
		if err := ch2.ExchangeDeclare(c.cfg.Exchange, "topic",
			true, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("declare exchange: %w", err)
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.delayed = delayed
	c.mu.Unlock()
	return nil
}

// Exchange returns the declared exchange name.
func (c *Connection) Exchange() string {
	return c.cfg.Exchange
}

// DelayedExchange reports whether the broker handles delayed publishing
// itself.
func (c *Connection) DelayedExchange() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delayed
}

// Channel opens a channel, reconnecting with exponential backoff when the
// underlying connection has been lost. It blocks until a channel is
// available or the connection has been closed for good.
func (c *Connection) Channel() (*amqp.Channel, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry until Close

	var ch *amqp.Channel
	err := backoff.Retry(func() error {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return backoff.Permanent(fmt.Errorf("connection closed"))
		}
		conn := c.conn
		c.mu.Unlock()

		var err error
		if conn != nil && !conn.IsClosed() {
			if ch, err = conn.Channel(); err == nil {
				return nil
			}
		}
		log.Warn("broker connection lost, reconnecting")
		if err = c.dial(); err != nil {
			return err
		}
		c.mu.Lock()
		conn = c.conn
		c.mu.Unlock()
		ch, err = conn.Channel()
		return err
	}, bo)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Close shuts the connection down; Channel calls fail afterwards.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
