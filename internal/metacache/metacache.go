// Package metacache implements the volatile per-campaign cache (C5):
// campaign:{id}:meta, :definition, :metrics, :health. Advisory only — the
// Finalizer recomputes from the ledger whenever the cache is empty or
// stale. Grounded on the teacher's Redis client plumbing in
// internal/worker/rate_limiter.go and internal/pkg/distlock/redis_lock.go
// (atomic HINCRBY counters, pipelined reads).
package metacache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Cache is the Redis-backed metadata and counter cache.
type Cache struct {
	rdb *redis.Client
}

// New creates a Cache over the given Redis client.
func New(rdb *redis.Client) *Cache { return &Cache{rdb: rdb} }

func metaKey(id string) string       { return fmt.Sprintf("campaign:%s:meta", id) }
func definitionKey(id string) string { return fmt.Sprintf("campaign:%s:definition", id) }
func metricsKey(id string) string    { return fmt.Sprintf("campaign:%s:metrics", id) }
func healthKey(id string) string     { return fmt.Sprintf("campaign:%s:health", id) }

const allCampaignsKey = "campaign:all"

// PutMeta writes the campaign:{id}:meta hash.
func (c *Cache) PutMeta(ctx context.Context, camp *domain.Campaign) error {
	err := c.rdb.HSet(ctx, metaKey(camp.ID), map[string]interface{}{
		"name":      camp.Name,
		"total":     camp.Totals.Intended,
		"processed": camp.Totals.Processed,
		"sent":      camp.Totals.Sent,
		"failed":    camp.Totals.Failed,
		"status":    string(camp.Status),
		"createdAt": camp.CreatedAt.Format(time.RFC3339),
	}).Err()
	if err != nil {
		return fmt.Errorf("metacache: put meta: %w", err)
	}
	return c.rdb.SAdd(ctx, allCampaignsKey, camp.ID).Err()
}

// Meta is the decoded campaign:{id}:meta hash.
type Meta struct {
	Name      string
	Total     int
	Processed int
	Sent      int
	Failed    int
	Status    string
}

// GetMeta reads the meta hash. Returns (nil, nil) if absent — callers treat
// a missing/empty cache as "stale" and fall back to the ledger.
func (c *Cache) GetMeta(ctx context.Context, campaignID string) (*Meta, error) {
	vals, err := c.rdb.HGetAll(ctx, metaKey(campaignID)).Result()
	if err != nil {
		return nil, fmt.Errorf("metacache: get meta: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	m := &Meta{Status: vals["status"], Name: vals["name"]}
	fmt.Sscanf(vals["total"], "%d", &m.Total)
	fmt.Sscanf(vals["processed"], "%d", &m.Processed)
	fmt.Sscanf(vals["sent"], "%d", &m.Sent)
	fmt.Sscanf(vals["failed"], "%d", &m.Failed)
	return m, nil
}

// IncrSent atomically increments the sent/processed counters.
func (c *Cache) IncrSent(ctx context.Context, campaignID string) error {
	pipe := c.rdb.Pipeline()
	pipe.HIncrBy(ctx, metaKey(campaignID), "sent", 1)
	pipe.HIncrBy(ctx, metaKey(campaignID), "processed", 1)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("metacache: incr sent: %w", err)
	}
	return nil
}

// IncrFailed atomically increments the failed/processed counters.
func (c *Cache) IncrFailed(ctx context.Context, campaignID string) error {
	pipe := c.rdb.Pipeline()
	pipe.HIncrBy(ctx, metaKey(campaignID), "failed", 1)
	pipe.HIncrBy(ctx, metaKey(campaignID), "processed", 1)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("metacache: incr failed: %w", err)
	}
	return nil
}

// SetStatus updates just the status field, used by the control plane.
func (c *Cache) SetStatus(ctx context.Context, campaignID string, status domain.CampaignStatus) error {
	if err := c.rdb.HSet(ctx, metaKey(campaignID), "status", string(status)).Err(); err != nil {
		return fmt.Errorf("metacache: set status: %w", err)
	}
	return nil
}

// Definition is the {initial, followUps} blob read-only to workers after
// campaign start (spec §4.3/§5).
type Definition struct {
	Initial   domain.StepContent   `json:"initial"`
	FollowUps []domain.FollowUpDef `json:"followUps"`
}

// PutDefinition writes the campaign:{id}:definition JSON blob.
func (c *Cache) PutDefinition(ctx context.Context, campaignID string, def Definition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("metacache: encode definition: %w", err)
	}
	if err := c.rdb.Set(ctx, definitionKey(campaignID), data, 0).Err(); err != nil {
		return fmt.Errorf("metacache: put definition: %w", err)
	}
	return nil
}

// GetDefinition reads and decodes the definition blob. Returns
// (nil, redis.Nil) if it has been deleted (e.g. after full completion).
func (c *Cache) GetDefinition(ctx context.Context, campaignID string) (*Definition, error) {
	data, err := c.rdb.Get(ctx, definitionKey(campaignID)).Bytes()
	if err != nil {
		return nil, err
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("metacache: decode definition: %w", err)
	}
	return &def, nil
}

// DeleteDefinition removes the definition blob once a campaign completes
// fully (spec §4.6 step 4). Retained on completed_with_failures so retries
// remain possible (step 5).
func (c *Cache) DeleteDefinition(ctx context.Context, campaignID string) error {
	if err := c.rdb.Del(ctx, definitionKey(campaignID)).Err(); err != nil {
		return fmt.Errorf("metacache: delete definition: %w", err)
	}
	return nil
}

// IncrMetric bumps a named engagement counter in campaign:{id}:metrics
// (opens, clicks).
func (c *Cache) IncrMetric(ctx context.Context, campaignID, name string) error {
	if err := c.rdb.HIncrBy(ctx, metricsKey(campaignID), name, 1).Err(); err != nil {
		return fmt.Errorf("metacache: incr metric: %w", err)
	}
	return nil
}

// RecordDomainHealth updates the per-domain sent/failed snapshot used by
// operator health views.
func (c *Cache) RecordDomainHealth(ctx context.Context, campaignID, domainName string, sent bool) error {
	field := "failed"
	if sent {
		field = "sent"
	}
	key := healthKey(campaignID)
	pipe := c.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, fmt.Sprintf("domain:%s:%s", domainName, field), 1)
	pipe.HSet(ctx, key, fmt.Sprintf("domain:%s:lastUpdated", domainName), time.Now().Format(time.RFC3339))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("metacache: record domain health: %w", err)
	}
	return nil
}

// DeleteAll removes every cache key for a campaign (Control Plane delete).
func (c *Cache) DeleteAll(ctx context.Context, campaignID string) error {
	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, metaKey(campaignID), definitionKey(campaignID), metricsKey(campaignID), healthKey(campaignID))
	pipe.SRem(ctx, allCampaignsKey, campaignID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("metacache: delete all: %w", err)
	}
	return nil
}
