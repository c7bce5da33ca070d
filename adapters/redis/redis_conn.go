package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
)

// Concrete go-redis backed constructors.

type Config struct {
	// URL accepts redis:// URLs or a bare host:port.
	URL          string
	BlockTimeout time.Duration
}

func connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: redis url required", cerr.ErrConnectFailed)
	}

	var opt *redis.Options

	if strings.HasPrefix(cfg.URL, "redis://") || strings.HasPrefix(cfg.URL, "rediss://") {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: parse redis url: %w", cerr.ErrConnectFailed, err)
		}

		opt = parsed
	} else {
		opt = &redis.Options{Addr: cfg.URL}
	}

	// blocking pops must outlive the socket read timeout
	if cfg.BlockTimeout > 0 && opt.ReadTimeout > 0 && opt.ReadTimeout <= cfg.BlockTimeout {
		opt.ReadTimeout = cfg.BlockTimeout + time.Second
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: redis ping: %w", cerr.ErrConnectFailed, err)
	}

	return rdb, nil
}

// NewSourceWithRedis connects and returns a queue Source whose Close also
// closes the client.
func NewSourceWithRedis(ctx context.Context, ch comms.Channel, cfg Config) (*Source, error) {
	if err := ch.Validate(); err != nil {
		return nil, fmt.Errorf("redis source: %w", err)
	}

	if ch.Kind != comms.Queue {
		return nil, fmt.Errorf("redis source %s: %w", ch, cerr.ErrUnsupportedChannel)
	}

	rdb, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	src, err := NewSource(ch, rdb, WithBlockTimeout(cfg.BlockTimeout), WithRelease(rdb.Close))
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return src, nil
}

// NewPublisherWithRedis connects and returns a Publisher and a cleanup.
func NewPublisherWithRedis(ctx context.Context, cfg Config) (*Publisher, func(), error) {
	rdb, err := connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	return NewPublisher(rdb), func() { _ = rdb.Close() }, nil
}
