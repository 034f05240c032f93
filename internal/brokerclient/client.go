// Package brokerclient defines the message-bus contract the execution
// pipeline and notification engine use to publish/subscribe job results and
// anomaly events. No AMQP client library exists anywhere in the reference
// corpus this module was built from, so this package is an interface plus
// an in-memory implementation for tests and single-process demos; wiring a
// real broker means implementing Client against whatever message bus the
// deployment target runs (documented gap, see DESIGN.md).
package brokerclient

import (
	"context"
	"sync"
)

// Envelope is one message published to a named queue/topic.
type Envelope struct {
	Queue   string
	Durable bool
	Body    []byte
}

// Handler processes one delivered message.
type Handler func(ctx context.Context, body []byte) error

// Client publishes and subscribes to named queues/topics.
type Client interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, queue string, handler Handler) (Subscription, error)
	Close() error
}

// Subscription cancels a Subscribe call.
type Subscription interface {
	Close() error
}

// MemoryClient is an in-process Client: publishes fan out synchronously to
// every subscriber currently registered on the queue. Used for tests and
// single-process demos.
type MemoryClient struct {
	mu       sync.RWMutex
	handlers map[string][]*memorySub
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{handlers: make(map[string][]*memorySub)}
}

type memorySub struct {
	queue   string
	handler Handler
	client  *MemoryClient
	closed  bool
}

func (s *memorySub) Close() error {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	s.closed = true
	subs := s.client.handlers[s.queue]
	for i, sub := range subs {
		if sub == s {
			s.client.handlers[s.queue] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (c *MemoryClient) Publish(ctx context.Context, env Envelope) error {
	c.mu.RLock()
	subs := append([]*memorySub(nil), c.handlers[env.Queue]...)
	c.mu.RUnlock()

	for _, s := range subs {
		if err := s.handler(ctx, env.Body); err != nil {
			return err
		}
	}
	return nil
}

func (c *MemoryClient) Subscribe(ctx context.Context, queue string, handler Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &memorySub{queue: queue, handler: handler, client: c}
	c.handlers[queue] = append(c.handlers[queue], sub)
	return sub, nil
}

func (c *MemoryClient) Close() error { return nil }
