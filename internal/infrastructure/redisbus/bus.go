package redisbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const channelPrefix = "multiedit:session:"

// Envelope wraps a document operation published to other instances.
type Envelope struct {
	Origin    string          `json:"origin"`
	SessionID uuid.UUID       `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// Bus fans document operations out to every server instance sharing a Redis.
type Bus struct {
	client *redis.Client
	origin string
	logger zerolog.Logger
}

// NewClient connects to addr and pings it.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func New(client *redis.Client, logger zerolog.Logger) *Bus {
	return &Bus{
		client: client,
		origin: ulid.Make().String(),
		logger: logger.With().Str("component", "redisbus").Logger(),
	}
}

// Origin identifies this instance; its own messages are not delivered back.
func (b *Bus) Origin() string { return b.origin }

func Channel(sessionID uuid.UUID) string {
	return channelPrefix + sessionID.String()
}

func (b *Bus) Publish(ctx context.Context, sessionID uuid.UUID, payload []byte) error {
	data, err := json.Marshal(Envelope{Origin: b.origin, SessionID: sessionID, Payload: payload})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, Channel(sessionID), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", sessionID, err)
	}
	return nil
}

// Subscribe delivers payloads published by other instances for sessionID
// until ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, sessionID uuid.UUID, fn func(payload []byte)) error {
	pubsub := b.client.Subscribe(ctx, Channel(sessionID))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", sessionID, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := decode(msg.Payload)
			if err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed message")
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			fn(env.Payload)
		}
	}
}

func (b *Bus) Close() error {
	return b.client.Close()
}

func decode(raw string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, err
	}
	if env.Origin == "" || env.SessionID == uuid.Nil {
		return Envelope{}, fmt.Errorf("envelope missing origin or session")
	}
	return env, nil
}
