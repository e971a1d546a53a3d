package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/npezzotti/go-finance-realtime/internal/events"
	"github.com/npezzotti/go-finance-realtime/internal/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Broadcaster moves a published event to every process that may hold
// members of the target rooms.
type Broadcaster interface {
	Publish(ctx context.Context, rooms []string, e events.Event) error
	// Run blocks until ctx is done, delivering remote events locally.
	Run(ctx context.Context) error
	Close() error
}

type Deliverer interface {
	Deliver(ctx context.Context, rooms []string, e events.Event) error
}

// LocalBroadcaster is the single-process broadcaster.
type LocalBroadcaster struct {
	hub Deliverer
}

func NewLocalBroadcaster(hub Deliverer) *LocalBroadcaster {
	return &LocalBroadcaster{hub: hub}
}

func (b *LocalBroadcaster) Publish(ctx context.Context, rooms []string, e events.Event) error {
	return b.hub.Deliver(ctx, rooms, e)
}

func (b *LocalBroadcaster) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (b *LocalBroadcaster) Close() error {
	return nil
}

type envelope struct {
	Rooms []string     `json:"rooms"`
	Event events.Event `json:"event"`
}

// RedisBroadcaster publishes events on a shared channel. Every process,
// including the publisher, receives them through its subscription and
// delivers to its own hub, so a local member is reached exactly once.
type RedisBroadcaster struct {
	client  redis.UniversalClient
	channel string
	hub     Deliverer
	log     *zap.Logger
	ready   chan struct{}
}

func NewRedisBroadcaster(client redis.UniversalClient, keyPrefix string, hub Deliverer, logger *zap.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:  client,
		channel: keyPrefix + "events",
		hub:     hub,
		log:     logger.Named("broadcaster"),
		ready:   make(chan struct{}),
	}
}

func (b *RedisBroadcaster) Channel() string {
	return b.channel
}

// Ready is closed once the subscription is confirmed.
func (b *RedisBroadcaster) Ready() <-chan struct{} {
	return b.ready
}

func (b *RedisBroadcaster) Publish(ctx context.Context, rooms []string, e events.Event) error {
	payload, err := json.Marshal(envelope{Rooms: rooms, Event: e})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish: %w: %w", types.ErrStoreUnavailable, err)
	}
	return nil
}

func (b *RedisBroadcaster) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	close(b.ready)
	b.log.Info("subscribed", zap.String("channel", b.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("discarding undecodable event", zap.Error(err))
				continue
			}
			if err := b.hub.Deliver(ctx, env.Rooms, env.Event); err != nil {
				b.log.Warn("local delivery failed", zap.String("event_id", env.Event.Id), zap.Error(err))
			}
		}
	}
}

func (b *RedisBroadcaster) Close() error {
	return nil
}
