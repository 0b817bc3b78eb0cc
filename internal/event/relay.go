package event

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type RelayConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// Relay mirrors the feed into a capped Redis stream so dashboards and other
// processes can tail queue activity without holding an SSE connection.
type Relay struct {
	client *redis.Client
	stream string
	maxLen int64
	log    zerolog.Logger
}

func NewRelay(ctx context.Context, cfg RelayConfig, log zerolog.Logger) (*Relay, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "hark_events"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10000
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Relay{
		client: client,
		stream: cfg.Stream,
		maxLen: cfg.MaxLen,
		log:    log.With().Str("component", "event_relay").Logger(),
	}, nil
}

func (r *Relay) Close() error {
	return r.client.Close()
}

// Run forwards events until the channel closes or the context ends. Redis
// failures are logged and skipped; the relay is an observer like any other
// and must not stall the queue.
func (r *Relay) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := r.append(ctx, ev); err != nil {
				r.log.Error().Err(err).Str("type", string(ev.Type)).Msg("relay event")
			}
		}
	}
}

func (r *Relay) append(ctx context.Context, ev Event) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"type": string(ev.Type),
			"data": string(ev.Data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd to %s: %w", r.stream, err)
	}
	return nil
}
