// Package kafka provides the Kafka watermill transport used by kafka:// queue URLs.
package kafka

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
)

var ErrNoBrokers = errors.New("no kafka brokers configured")

// Config selects the brokers and the consumer group of a channel.
type Config struct {
	Brokers       []string
	ConsumerGroup string
	OTELEnabled   bool
}

// ParseURL reads kafka://host1:9092,host2:9092?group=courier-worker&otel=true.
// The group defaults to "cg-" + serviceName.
func ParseURL(raw, serviceName string) (Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse kafka url: %w", err)
	}

	if u.Scheme != "kafka" {
		return Config{}, fmt.Errorf("unsupported kafka url scheme %q", u.Scheme)
	}

	cfg := Config{ConsumerGroup: "cg-" + serviceName}

	for _, broker := range strings.Split(u.Host, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			cfg.Brokers = append(cfg.Brokers, broker)
		}
	}

	if len(cfg.Brokers) == 0 {
		return Config{}, ErrNoBrokers
	}

	query := u.Query()

	if group := query.Get("group"); group != "" {
		cfg.ConsumerGroup = group
	}

	if otel := query.Get("otel"); otel != "" {
		enabled, err := strconv.ParseBool(otel)
		if err != nil {
			return Config{}, fmt.Errorf("invalid otel flag %q: %w", otel, err)
		}

		cfg.OTELEnabled = enabled
	}

	return cfg, nil
}

// CreateChannel creates a Kafka publisher and a consumer-group subscriber. Every
// replica of a service shares the group, so each message reaches one of them.
func CreateChannel(logger watermill.LoggerAdapter, cfg Config) (*kafka.Publisher, *kafka.Subscriber, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, ErrNoBrokers
	}

	saramaSubscriberConfig := kafka.DefaultSaramaSubscriberConfig()
	saramaSubscriberConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               cfg.Brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaSubscriberConfig,
			ConsumerGroup:         cfg.ConsumerGroup,
			OTELEnabled:           cfg.OTELEnabled,
		},
		logger,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create kafka subscriber: %w", err)
	}

	saramaPublisherConfig := kafka.DefaultSaramaSyncPublisherConfig()
	saramaPublisherConfig.Producer.Return.Successes = true

	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               cfg.Brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaPublisherConfig,
			OTELEnabled:           cfg.OTELEnabled,
		},
		logger,
	)
	if err != nil {
		_ = subscriber.Close()

		return nil, nil, fmt.Errorf("failed to create kafka publisher: %w", err)
	}

	return publisher, subscriber, nil
}
