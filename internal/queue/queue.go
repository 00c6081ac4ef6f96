package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wnt/subledger/internal/chain"
)

// logIndexSpan leaves room for every log index of a block inside one score
const logIndexSpan = 1e5

const (
	progressKey = "subledger:progress"
	inFlightKey = "subledger:inflight"
)

// Progress is the last event a stream committed
type Progress struct {
	EventID     string `json:"event_id"`
	BlockNumber int64  `json:"block_number"`
	LogIndex    int64  `json:"log_index"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Client wraps Redis operations for the per-stream event queues
type Client struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewClient creates a new Redis queue client
func NewClient(redisURL string, logger zerolog.Logger) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info().Str("redis_url", opt.Addr).Msg("Connected to Redis successfully")

	return newClient(client, logger), nil
}

func newClient(client *redis.Client, logger zerolog.Logger) *Client {
	return &Client{
		client: client,
		logger: logger.With().Str("component", "queue").Logger(),
	}
}

// Redis exposes the underlying connection for components sharing it
func (c *Client) Redis() *redis.Client {
	return c.client
}

// Score orders events by block then log index
func Score(ev chain.Event) float64 {
	return float64(ev.BlockNumber)*logIndexSpan + float64(ev.LogIndex)
}

func eventsKey(stream string) string {
	return "subledger:events:" + stream
}

// PushEvent adds an event to the stream in on-chain order
func (c *Client) PushEvent(ctx context.Context, stream string, ev chain.Event) error {
	if ev.LogIndex < 0 || ev.LogIndex >= logIndexSpan {
		return fmt.Errorf("%w: log index %d out of range", chain.ErrBadParam, ev.LogIndex)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", ev.ID(), err)
	}

	err = c.client.ZAdd(ctx, eventsKey(stream), redis.Z{
		Score:  Score(ev),
		Member: string(payload),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push event to queue: %w", err)
	}

	c.logger.Debug().
		Str("stream", stream).
		Str("event_id", ev.ID()).
		Str("type", ev.Type).
		Msg("Pushed event to queue")

	return nil
}

// PopEvent removes and returns the earliest event of the stream and marks it
// in flight. A nil event means the stream is empty.
func (c *Client) PopEvent(ctx context.Context, stream string) (*chain.Event, error) {
	result, err := c.client.ZPopMin(ctx, eventsKey(stream), 1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop event from queue: %w", err)
	}

	if len(result) == 0 {
		return nil, nil
	}

	payload, ok := result[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected queue member type %T", result[0].Member)
	}

	var ev chain.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		c.logger.Error().Err(err).Str("stream", stream).Str("payload", payload).Msg("Dropping undecodable event")
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}

	if err := c.client.HSet(ctx, inFlightKey, stream, payload).Err(); err != nil {
		return nil, fmt.Errorf("failed to mark event in-flight: %w", err)
	}

	return &ev, nil
}

// Requeue puts an event back at its original position
func (c *Client) Requeue(ctx context.Context, stream string, ev chain.Event) error {
	if err := c.PushEvent(ctx, stream, ev); err != nil {
		return err
	}
	return c.clearInFlight(ctx, stream)
}

// Ack records the committed event as the stream's progress
func (c *Client) Ack(ctx context.Context, stream string, ev chain.Event) error {
	payload, err := json.Marshal(Progress{
		EventID:     ev.ID(),
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
		UpdatedAt:   time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}

	if err := c.client.HSet(ctx, progressKey, stream, string(payload)).Err(); err != nil {
		return fmt.Errorf("failed to set stream progress: %w", err)
	}

	c.logger.Debug().
		Str("stream", stream).
		Str("event_id", ev.ID()).
		Int64("block", ev.BlockNumber).
		Msg("Updated stream progress")

	return c.clearInFlight(ctx, stream)
}

// Drop forgets the in-flight event without recording progress
func (c *Client) Drop(ctx context.Context, stream string) error {
	return c.clearInFlight(ctx, stream)
}

func (c *Client) clearInFlight(ctx context.Context, stream string) error {
	if err := c.client.HDel(ctx, inFlightKey, stream).Err(); err != nil {
		return fmt.Errorf("failed to clear in-flight event: %w", err)
	}
	return nil
}

// GetProgress returns the stream's last committed event, nil when none
func (c *Client) GetProgress(ctx context.Context, stream string) (*Progress, error) {
	result, err := c.client.HGet(ctx, progressKey, stream).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get stream progress: %w", err)
	}

	var p Progress
	if err := json.Unmarshal([]byte(result), &p); err != nil {
		return nil, fmt.Errorf("failed to decode stream progress: %w", err)
	}
	return &p, nil
}

// GetQueueLength returns the number of pending events in the stream
func (c *Client) GetQueueLength(ctx context.Context, stream string) (int64, error) {
	length, err := c.client.ZCard(ctx, eventsKey(stream)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return length, nil
}

// RecoverInFlight moves an event left in flight by a crashed worker back to
// the front of its stream. Receipts make the retry idempotent.
func (c *Client) RecoverInFlight(ctx context.Context, stream string) (bool, error) {
	payload, err := c.client.HGet(ctx, inFlightKey, stream).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get in-flight event: %w", err)
	}

	var ev chain.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		c.logger.Warn().Err(err).Str("stream", stream).Msg("Discarding undecodable in-flight event")
		return false, c.clearInFlight(ctx, stream)
	}

	if err := c.Requeue(ctx, stream, ev); err != nil {
		return false, fmt.Errorf("failed to requeue in-flight event: %w", err)
	}

	c.logger.Info().
		Str("stream", stream).
		Str("event_id", ev.ID()).
		Str("score", strconv.FormatFloat(Score(ev), 'f', 0, 64)).
		Msg("Requeued in-flight event")

	return true, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}
