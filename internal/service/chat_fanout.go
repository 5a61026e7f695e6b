package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ChatFanout relays persisted chat messages between API nodes so members
// connected to different nodes share a room.
type ChatFanout interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context, handle func(payload []byte)) error
}

type redisChatFanout struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

// NewRedisChatFanout relays chat events over a redis pub/sub channel derived from channelBase.
func NewRedisChatFanout(client *redis.Client, channelBase string, logger zerolog.Logger) ChatFanout {
	return &redisChatFanout{
		client:  client,
		channel: channelBase + ":appointment_chat",
		logger:  logger.With().Str("component", "chat_fanout").Str("transport", "redis").Logger(),
	}
}

func (f *redisChatFanout) Publish(ctx context.Context, payload []byte) error {
	return f.client.Publish(ctx, f.channel, payload).Err()
}

// Subscribe returns once the subscription is confirmed and consumes in the background until ctx ends.
func (f *redisChatFanout) Subscribe(ctx context.Context, handle func(payload []byte)) error {
	pubsub := f.client.Subscribe(ctx, f.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", f.channel, err)
	}

	go func() {
		defer func() {
			_ = pubsub.Close()
		}()
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
					return
				}
				f.logger.Error().Err(err).Msg("chat redis subscription closed")
				return
			}
			handle([]byte(msg.Payload))
		}
	}()
	return nil
}

const natsFlushTimeout = 2 * time.Second

type natsChatFanout struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSChatFanout relays chat events over a NATS subject derived from channelBase.
func NewNATSChatFanout(conn *nats.Conn, channelBase string, logger zerolog.Logger) ChatFanout {
	return &natsChatFanout{
		conn:    conn,
		subject: strings.ReplaceAll(channelBase, ":", ".") + ".appointment_chat",
		logger:  logger.With().Str("component", "chat_fanout").Str("transport", "nats").Logger(),
	}
}

// Publish returns once the server has the message, so a released room lock
// never lets a later post overtake it.
func (f *natsChatFanout) Publish(ctx context.Context, payload []byte) error {
	if err := f.conn.Publish(f.subject, payload); err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		return f.conn.FlushTimeout(natsFlushTimeout)
	}
	return f.conn.FlushWithContext(ctx)
}

// Subscribe uses a plain subscription: every node must see every message.
func (f *natsChatFanout) Subscribe(ctx context.Context, handle func(payload []byte)) error {
	sub, err := f.conn.Subscribe(f.subject, func(msg *nats.Msg) {
		handle(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", f.subject, err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			f.logger.Warn().Err(err).Msg("failed to drain chat nats subscription")
		}
	}()
	return nil
}
