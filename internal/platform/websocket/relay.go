package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldercare/ehr/internal/platform/hipaa"
)

// RelayChannel is the Redis pub/sub channel live events travel on.
const RelayChannel = "compliance:live-events"

// RedisClient is the subset of *redis.Client the relay uses.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// relayEnvelope tags an event with the instance that published it.
type relayEnvelope struct {
	Origin string          `json:"origin"`
	Event  hipaa.LiveEvent `json:"event"`
}

// Relay delivers appended events to local subscribers immediately and to
// the subscribers of every other instance through Redis.
type Relay struct {
	hub     *Hub
	client  RedisClient
	channel string
	origin  string
	logger  zerolog.Logger
}

// NewRelay creates a relay over hub.
func NewRelay(hub *Hub, client RedisClient, logger zerolog.Logger) *Relay {
	return &Relay{
		hub:     hub,
		client:  client,
		channel: RelayChannel,
		origin:  uuid.New().String(),
		logger:  logger.With().Str("component", "live-relay").Logger(),
	}
}

// PublishLive implements hipaa.LivePublisher. Redis failures are logged;
// local delivery has already happened.
func (r *Relay) PublishLive(ctx context.Context, event hipaa.LiveEvent) {
	r.hub.PublishLive(ctx, event)

	data, err := json.Marshal(relayEnvelope{Origin: r.origin, Event: event})
	if err != nil {
		r.logger.Warn().Err(err).Str("event_id", event.ID).Msg("failed to encode relay envelope")
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.client.Publish(pubCtx, r.channel, data).Err(); err != nil {
		r.logger.Warn().Err(err).Str("event_id", event.ID).Msg("failed to relay live event")
	}
}

// Run forwards events published by other instances to the local hub until
// ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("live relay: subscribe %s: %w", r.channel, err)
	}
	r.logger.Info().Str("channel", r.channel).Str("origin", r.origin).Msg("live relay subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(ctx, msg.Payload)
		}
	}
}

func (r *Relay) deliver(ctx context.Context, payload string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn().Err(err).Msg("ignoring malformed relay message")
		return
	}
	if env.Origin == r.origin {
		return
	}
	r.hub.PublishLive(ctx, env.Event)
}

// DialRedis connects to the Redis server at url and checks it responds.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
