// Package redisstore wraps the shared Redis client used for queues, progress
// snapshots, the emergency-stop flag, and the job durations ring buffer.
package redisstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

// Key names shared with the queue dispatcher and progress publisher.
const (
	DurationsKey     = "jobs:durations"
	ProgressChannel  = "jobs:progress"
	DurationsMaxLen  = 200
	progressKeyFmt   = "job:%s:progress"
)

// ProgressKey returns the snapshot key for a job.
func ProgressKey(jobID string) string { return fmt.Sprintf(progressKeyFmt, jobID) }

// Client wraps a pooled go-redis client with the store-level helpers the
// dispatcher and SSE layers need.
type Client struct {
	rdb              *redis.Client
	emergencyStopKey string
}

// New parses the Redis URL and returns a connected client wrapper.
func New(redisURL, emergencyStopKey string, maxRetries int) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.New: %w", err)
	}
	opt.MaxRetries = maxRetries
	opt.PoolSize = 10
	opt.MinIdleConns = 2
	return NewFromClient(redis.NewClient(opt), emergencyStopKey), nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(rdb *redis.Client, emergencyStopKey string) *Client {
	if emergencyStopKey == "" {
		emergencyStopKey = "EMERGENCY_STOP"
	}
	return &Client{rdb: rdb, emergencyStopKey: emergencyStopKey}
}

// Redis exposes the underlying client for components that need raw access.
func (c *Client) Redis() *redis.Client { return c.rdb }

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return fmt.Errorf("redis not configured")
	}
	return c.rdb.Ping(ctx).Err()
}

// EmergencyStopped reports whether the emergency-stop sentinel key is set.
// It is read before every enqueue and at the worker loop head.
func (c *Client) EmergencyStopped(ctx context.Context) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.emergencyStopKey).Result()
	if err != nil {
		return false, fmt.Errorf("op=redisstore.EmergencyStopped: %w: %v", domain.ErrTransient, err)
	}
	return n > 0, nil
}

// SetEmergencyStop engages the emergency stop.
func (c *Client) SetEmergencyStop(ctx context.Context) error {
	if err := c.rdb.Set(ctx, c.emergencyStopKey, "1", 0).Err(); err != nil {
		return fmt.Errorf("op=redisstore.SetEmergencyStop: %w: %v", domain.ErrTransient, err)
	}
	slog.Warn("emergency stop engaged", slog.String("key", c.emergencyStopKey))
	return nil
}

// ClearEmergencyStop releases the emergency stop.
func (c *Client) ClearEmergencyStop(ctx context.Context) error {
	if err := c.rdb.Del(ctx, c.emergencyStopKey).Err(); err != nil {
		return fmt.Errorf("op=redisstore.ClearEmergencyStop: %w: %v", domain.ErrTransient, err)
	}
	slog.Info("emergency stop cleared", slog.String("key", c.emergencyStopKey))
	return nil
}

// PushDuration records a finished job duration (seconds) into the bounded
// ring buffer, newest first.
func (c *Client) PushDuration(ctx context.Context, seconds float64) error {
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, DurationsKey, fmt.Sprintf("%.3f", seconds))
	pipe.LTrim(ctx, DurationsKey, 0, DurationsMaxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisstore.PushDuration: %w: %v", domain.ErrTransient, err)
	}
	return nil
}

// Durations returns the recorded job durations in seconds, newest first.
func (c *Client) Durations(ctx context.Context) ([]float64, error) {
	vals, err := c.rdb.LRange(ctx, DurationsKey, 0, DurationsMaxLen-1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.Durations: %w: %v", domain.ErrTransient, err)
	}
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err == nil {
			out = append(out, f)
		}
	}
	return out, nil
}

// Subscribe subscribes to a pub/sub channel.
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channel)
}

// Publish publishes a payload on a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel string, payload any) error {
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("op=redisstore.Publish: %w: %v", domain.ErrTransient, err)
	}
	return nil
}

// Close releases the underlying pool.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// WaitReady blocks until Redis answers a ping or the deadline passes.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := c.Ping(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("op=redisstore.WaitReady: %w", domain.ErrTransient)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}
