// Package testutil holds the fakes shared by the worker tests.
package testutil

import (
	"sync"

	"github.com/nearline/nlds/pkg/rabbit"
	"github.com/nearline/nlds/pkg/types"
)

// Published is one captured publish call.
type Published struct {
	Key  string
	Msg  *types.Message
	Opts rabbit.PublishOptions
}

// Reply is one captured RPC reply.
type Reply struct {
	ReplyTo       string
	CorrelationID string
	Msg           *types.Message
}

// FakePublisher records publishes instead of talking to a broker.
type FakePublisher struct {
	mu        sync.Mutex
	Published []Published
	Replies   []Reply
}

// Publish records the call.
func (p *FakePublisher) Publish(key string, msg *types.Message, opts rabbit.PublishOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Published = append(p.Published, Published{Key: key, Msg: msg, Opts: opts})
	return nil
}

// Reply records the call.
func (p *FakePublisher) Reply(replyTo, correlationID string, msg *types.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Replies = append(p.Replies, Reply{ReplyTo: replyTo, CorrelationID: correlationID, Msg: msg})
	return nil
}

// ByKey returns the captured publishes with the given routing key.
func (p *FakePublisher) ByKey(key string) []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Published
	for _, pub := range p.Published {
		if pub.Key == key {
			out = append(out, pub)
		}
	}
	return out
}

// Last returns the most recent publish, or nil.
func (p *FakePublisher) Last() *Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Published) == 0 {
		return nil
	}
	return &p.Published[len(p.Published)-1]
}

// Reset clears the captured calls.
func (p *FakePublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Published = nil
	p.Replies = nil
}
