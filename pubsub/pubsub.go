// Package pubsub carries the branch change feed over Redis. Every head write
// is published on the branch's channel; open sync sessions subscribe to
// receive other writers' commits in real time.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// PubSub handles Redis pub/sub for cross-client branch synchronization.
type PubSub struct {
	client     *redis.Client
	ctx        context.Context
	cancel     context.CancelFunc
	subs       map[string]*redis.PubSub
	subsMu     sync.RWMutex
	handlers   map[string][]MessageHandler
	handlersMu sync.RWMutex
}

// MessageHandler is a function that handles pub/sub messages.
type MessageHandler func(channel string, payload []byte)

// Message is the envelope published on a branch channel. SessionID names the
// writing session so subscribers can drop their own echoes.
type Message struct {
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

// New connects to Redis and returns a PubSub instance.
func New(ctx context.Context, redisURL string) (*PubSub, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)

	return &PubSub{
		client:   client,
		ctx:      subCtx,
		cancel:   cancel,
		subs:     make(map[string]*redis.PubSub),
		handlers: make(map[string][]MessageHandler),
	}, nil
}

// Close closes the PubSub connection.
func (ps *PubSub) Close() error {
	ps.cancel()

	ps.subsMu.Lock()
	for _, sub := range ps.subs {
		sub.Close()
	}
	ps.subsMu.Unlock()

	return ps.client.Close()
}

// Ping probes the Redis connection; the connectivity watcher uses it to
// decide the online flag.
func (ps *PubSub) Ping(ctx context.Context) error {
	return ps.client.Ping(ctx).Err()
}

// Subscribe subscribes a handler to a channel.
func (ps *PubSub) Subscribe(channel string, handler MessageHandler) error {
	ps.subsMu.Lock()
	defer ps.subsMu.Unlock()

	ps.handlersMu.Lock()
	ps.handlers[channel] = append(ps.handlers[channel], handler)
	ps.handlersMu.Unlock()

	if _, exists := ps.subs[channel]; exists {
		return nil
	}

	sub := ps.client.Subscribe(ps.ctx, channel)
	ps.subs[channel] = sub

	go ps.listen(channel, sub)

	return nil
}

// Unsubscribe drops all handlers for a channel.
func (ps *PubSub) Unsubscribe(channel string) error {
	ps.subsMu.Lock()
	defer ps.subsMu.Unlock()

	if sub, exists := ps.subs[channel]; exists {
		sub.Close()
		delete(ps.subs, channel)
	}

	ps.handlersMu.Lock()
	delete(ps.handlers, channel)
	ps.handlersMu.Unlock()

	return nil
}

// Publish publishes a message to a channel.
func (ps *PubSub) Publish(channel string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return ps.client.Publish(ps.ctx, channel, data).Err()
}

// listen listens for messages on a subscription.
func (ps *PubSub) listen(channel string, sub *redis.PubSub) {
	ch := sub.Channel()

	for {
		select {
		case <-ps.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			ps.handlersMu.RLock()
			handlers := ps.handlers[channel]
			ps.handlersMu.RUnlock()

			for _, handler := range handlers {
				go handler(channel, []byte(msg.Payload))
			}
		}
	}
}

// BranchChannel returns the channel name for a branch's head writes.
func BranchChannel(userID, projectID, branchID string) string {
	return fmt.Sprintf("branch:%s:%s:%s", userID, projectID, branchID)
}
