// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/courier/pkg/channels/gochannel"
	"github.com/dukex/courier/pkg/channels/kafka"
	"github.com/dukex/courier/pkg/queue"
)

// NewBroker creates the queue broker selected by rawURL:
//
//	memory://               in-process broker, single binary only
//	memory+watermill://     watermill GoChannel, single binary only
//	redis://, rediss://     Redis lists and sorted sets
//	kafka://host:9092,...   watermill Kafka, consumer group per service
func NewBroker(ctx context.Context, rawURL, serviceName string, logger *slog.Logger) (queue.Broker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queue url: %w", err)
	}

	switch u.Scheme {
	case "", "memory":
		logger.Warn("using in-memory queue, jobs are lost on restart and not shared between processes")

		return queue.NewMemoryBroker(), nil

	case "memory+watermill":
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create GoChannel pub/sub: %w", err)
		}

		return queue.NewWatermillBroker(pub, sub), nil

	case "redis", "rediss":
		broker, err := queue.NewRedisBrokerFromURL(ctx, rawURL, queueOptions(u)...)
		if err != nil {
			return nil, err
		}

		return broker, nil

	case "kafka":
		cfg, err := kafka.ParseURL(rawURL, serviceName)
		if err != nil {
			return nil, err
		}

		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return queue.NewWatermillBroker(pub, sub), nil

	default:
		return nil, fmt.Errorf("unsupported queue url scheme %q", u.Scheme)
	}
}

func queueOptions(u *url.URL) []queue.RedisOption {
	if prefix := u.Query().Get("prefix"); prefix != "" {
		return []queue.RedisOption{queue.WithRedisPrefix(prefix)}
	}

	return nil
}

// NewQueue wraps the broker selected by rawURL in a queue manager.
func NewQueue(ctx context.Context, rawURL, serviceName string, logger *slog.Logger, opts ...queue.ManagerOption) (*queue.Manager, error) {
	broker, err := NewBroker(ctx, rawURL, serviceName, logger)
	if err != nil {
		return nil, err
	}

	return queue.NewManager(broker, logger, opts...), nil
}
