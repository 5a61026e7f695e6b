package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisDialCheckTimeout = 5 * time.Second

// ConnectRedis opens the Redis client that relays chat events between nodes.
// The connection is verified with a bounded ping before it is returned.
func ConnectRedis(ctx context.Context, url, clientName string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url must not be empty")
	}

	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if options.ClientName == "" {
		options.ClientName = clientName
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, redisDialCheckTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("unable to connect to redis: %w", err)
	}

	return client, nil
}
