// Package cache keeps completed compliance reports in Redis so they can still be
// served after they leave the in-memory collection.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/medlims/compliance-engine/internal/compliance"
	"github.com/medlims/compliance-engine/internal/config"
)

const (
	keyPrefix  = "compliance:report:"
	defaultTTL = 24 * time.Hour
)

// Connect creates a Redis client from cfg and pings it
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.Database,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// ReportCache stores reports as JSON with a TTL
type ReportCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewReportCache wraps client. A non-positive ttl falls back to 24h.
func NewReportCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *ReportCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &ReportCache{client: client, ttl: ttl, logger: logger}
}

func key(id string) string {
	return keyPrefix + id
}

// SetReport caches report under its id
func (c *ReportCache) SetReport(ctx context.Context, report compliance.ComplianceReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report %s: %w", report.ID, err)
	}
	if err := c.client.Set(ctx, key(report.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache report %s: %w", report.ID, err)
	}
	c.logger.Debug("Report cached", zap.String("report_id", report.ID), zap.Duration("ttl", c.ttl))
	return nil
}

// GetReport returns the cached report, or nil, nil on a miss
func (c *ReportCache) GetReport(ctx context.Context, id string) (*compliance.ComplianceReport, error) {
	data, err := c.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached report %s: %w", id, err)
	}

	var report compliance.ComplianceReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to decode cached report %s: %w", id, err)
	}
	return &report, nil
}

// Invalidate drops a cached report
func (c *ReportCache) Invalidate(ctx context.Context, id string) error {
	return c.client.Del(ctx, key(id)).Err()
}

// Ping checks the connection
func (c *ReportCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
