package rabbit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/nearline/nlds/pkg/metrics"
	"github.com/nearline/nlds/pkg/types"
)

// RPC performs synchronous request/reply over the exchange using an
// exclusive reply queue and a correlation id. It serves the list, find,
// meta and stat query path and the system-stat fan-out.
type RPC struct {
	conn    *Connection
	timeout time.Duration
}

// NewRPC creates an RPC caller with the given reply deadline.
func NewRPC(conn *Connection, timeout time.Duration) *RPC {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPC{conn: conn, timeout: timeout}
}

// Call publishes msg on key and waits for the correlated reply.
func (r *RPC) Call(key string, msg *types.Message) (*types.Message, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	replyQ, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}
	deliveries, err := ch.Consume(replyQ.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume reply queue: %w", err)
	}

	correlationID := uuid.NewString()
	body, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	err = ch.Publish(r.conn.Exchange(), key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		CorrelationId: correlationID,
		ReplyTo:       replyQ.Name,
		Timestamp:     time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("publish rpc %s: %w", key, err)
	}
	metrics.MessagesPublishedTotal.WithLabelValues(key).Inc()

	deadline := time.NewTimer(r.timeout)
	defer deadline.Stop()
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return nil, fmt.Errorf("rpc %s: %w", key, types.ErrStorageUnavailable)
			}
			if d.CorrelationId != correlationID {
				continue
			}
			return types.UnmarshalMessage(d.Body)
		case <-deadline.C:
			return nil, fmt.Errorf("rpc %s: %w", key, types.ErrTimeout)
		}
	}
}
