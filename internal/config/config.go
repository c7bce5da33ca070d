// Package config loads runtime settings for the comms command: defaults, then
// an optional YAML file, then COMMS_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
)

const envPrefix = "COMMS_"

// Transport names.
const (
	TransportInMemory = "inmemory"
	TransportNATS     = "nats"
	TransportRabbitMQ = "rabbitmq"
	TransportKafka    = "kafka"
	TransportRedis    = "redis"
)

type Config struct {
	Transport string         `yaml:"transport"`
	Channel   ChannelConfig  `yaml:"channel"`
	Dispatch  DispatchConfig `yaml:"dispatch"`
	Logging   LoggingConfig  `yaml:"logging"`

	NATS     NATSConfig     `yaml:"nats"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
}

type ChannelConfig struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`
}

type DispatchConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateLimit is deliveries per second; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type NATSConfig struct {
	URL               string        `yaml:"url"`
	Stream            string        `yaml:"stream"`
	Durable           string        `yaml:"durable"`
	AckWait           time.Duration `yaml:"ack_wait"`
	MaxDeliver        int           `yaml:"max_deliver"`
	DeadLetterSubject string        `yaml:"dead_letter_subject"`
}

type RabbitMQConfig struct {
	URL             string `yaml:"url"`
	Prefetch        int    `yaml:"prefetch"`
	Subscription    string `yaml:"subscription"`
	DeadLetterQueue string `yaml:"dead_letter_queue"`
}

type KafkaConfig struct {
	Brokers         []string `yaml:"brokers"`
	Group           string   `yaml:"group"`
	ClientID        string   `yaml:"client_id"`
	DeadLetterTopic string   `yaml:"dead_letter_topic"`
}

type RedisConfig struct {
	URL          string        `yaml:"url"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		Transport: TransportInMemory,
		Channel:   ChannelConfig{Kind: "queue"},
		Dispatch: DispatchConfig{
			MaxConcurrent:   1,
			ShutdownTimeout: 30 * time.Second,
			RateBurst:       1,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		RabbitMQ: RabbitMQConfig{
			Prefetch: 16,
		},
		Redis: RedisConfig{BlockTimeout: time.Second},
	}
}

// Override adjusts a Config after the file and environment are applied.
type Override func(*Config)

// Load reads path when non-empty, applies environment overrides, then
// overrides in order, and validates.
func Load(path string, overrides ...Override) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", errors.Join(cerr.ErrConfiguration, err))
		}

		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", errors.Join(cerr.ErrConfiguration, err))
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	for _, o := range overrides {
		o(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	var errs []error

	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}

			*dst = n
		}
	}

	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}

			*dst = d
		}
	}

	str("TRANSPORT", &cfg.Transport)
	str("CHANNEL_KIND", &cfg.Channel.Kind)
	str("CHANNEL_NAME", &cfg.Channel.Name)
	num("MAX_CONCURRENT", &cfg.Dispatch.MaxConcurrent)
	dur("HANDLER_TIMEOUT", &cfg.Dispatch.HandlerTimeout)
	dur("SHUTDOWN_TIMEOUT", &cfg.Dispatch.ShutdownTimeout)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("NATS_URL", &cfg.NATS.URL)
	str("RABBITMQ_URL", &cfg.RabbitMQ.URL)
	str("RABBITMQ_SUBSCRIPTION", &cfg.RabbitMQ.Subscription)
	str("KAFKA_GROUP", &cfg.Kafka.Group)
	str("REDIS_URL", &cfg.Redis.URL)

	if v, ok := os.LookupEnv(envPrefix + "KAFKA_BROKERS"); ok && v != "" {
		cfg.Kafka.Brokers = splitNonEmpty(v)
	}

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %w", errors.Join(cerr.ErrConfiguration, errors.Join(errs...)))
	}

	return nil
}

// ChannelSpec returns the configured channel.
func (c Config) ChannelSpec() (comms.Channel, error) {
	kind, err := comms.ParseChannelKind(c.Channel.Kind)
	if err != nil {
		return comms.Channel{}, err
	}

	ch := comms.Channel{Kind: kind, Name: c.Channel.Name}

	return ch, ch.Validate()
}

// Validate checks the settings a transport needs before connecting.
func (c Config) Validate() error {
	var errs []error

	if _, err := c.ChannelSpec(); err != nil {
		errs = append(errs, err)
	}

	if c.Dispatch.MaxConcurrent < 1 {
		errs = append(errs, errors.New("dispatch.max_concurrent must be at least 1"))
	}

	if c.Dispatch.HandlerTimeout < 0 || c.Dispatch.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("dispatch timeouts must not be negative"))
	}

	if c.Dispatch.RateLimit < 0 {
		errs = append(errs, errors.New("dispatch.rate_limit must not be negative"))
	}

	switch c.Transport {
	case TransportInMemory:
	case TransportNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url required"))
		}
	case TransportRabbitMQ:
		if c.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("rabbitmq.url required"))
		}
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers required"))
		}
	case TransportRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url required"))
		}

		if strings.EqualFold(c.Channel.Kind, "topic") {
			errs = append(errs, fmt.Errorf("redis topics: %w", cerr.ErrUnsupportedChannel))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(cerr.ErrConfiguration, errors.Join(errs...)))
	}

	return nil
}

func splitNonEmpty(s string) []string {
	parts := strings.Split(s, ",")

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}
