// Package memory records published messages in process memory.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Message captures one publish call.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher keeps every message for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns the recorded publishes, optionally only those for topic.
func (p *Publisher) Messages(topic ...string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, 0, len(p.messages))
	for _, m := range p.messages {
		if len(topic) > 0 && m.Topic != topic[0] {
			continue
		}
		out = append(out, m)
	}
	return out
}
