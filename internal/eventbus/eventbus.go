// Package eventbus implements the event channels (C1): plain Redis pub/sub
// for live updates, plus a durable capped list backing "campaign:new" so a
// late SSE subscriber can replay recent lifecycle events. The teacher has
// no native pub/sub (it uses SQS for tracking fan-out — see
// internal/tracking/publisher.go); this package is new code built from the
// same go-redis client already in go.mod, in the teacher's plain-struct,
// no-framework style.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// CampaignNewChannel is the campaign-lifecycle channel (spec §6).
const CampaignNewChannel = "campaign:new"

// durableListCap bounds how many campaign:new entries are retained for
// replay to late subscribers.
const durableListCap = 500

// Bus is the Redis-backed event bus.
type Bus struct {
	rdb *redis.Client
}

// New creates a Bus over the given Redis client.
func New(rdb *redis.Client) *Bus { return &Bus{rdb: rdb} }

// ContactUpdateChannel returns the per-recipient update channel name for a
// campaign.
func ContactUpdateChannel(campaignID string) string {
	return fmt.Sprintf("campaign:%s:contact_update", campaignID)
}

// CampaignEventsChannel returns the generic per-campaign notification
// channel name.
func CampaignEventsChannel(campaignID string) string {
	return fmt.Sprintf("campaign:%s:events", campaignID)
}

// Publish JSON-encodes payload and publishes it on channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: encode: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", channel, err)
	}
	return nil
}

// PublishCampaignNew publishes a campaign-lifecycle event and appends it to
// the durable capped list so subscribers that connect late can replay it.
func (b *Bus) PublishCampaignNew(ctx context.Context, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: encode: %w", err)
	}
	pipe := b.rdb.Pipeline()
	pipe.Publish(ctx, CampaignNewChannel, data)
	pipe.RPush(ctx, "durable:"+CampaignNewChannel, data)
	pipe.LTrim(ctx, "durable:"+CampaignNewChannel, -durableListCap, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("eventbus: publish campaign:new: %w", err)
	}
	return nil
}

// ReplayCampaignNew returns up to n most recent campaign:new payloads, for
// an SSE subscriber that just connected.
func (b *Bus) ReplayCampaignNew(ctx context.Context, n int64) ([][]byte, error) {
	raw, err := b.rdb.LRange(ctx, "durable:"+CampaignNewChannel, -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("eventbus: replay: %w", err)
	}
	out := make([][]byte, len(raw))
	for i, s := range raw {
		out[i] = []byte(s)
	}
	return out, nil
}

// Subscribe returns a Redis PubSub for the given channels; callers read
// from its Channel() and must Close() it on disconnect.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, channels...)
}

// ContactUpdate is the payload shape for campaign:{id}:contact_update
// (spec §6).
type ContactUpdate struct {
	CampaignID    string `json:"campaignId"`
	ContactID     string `json:"contactId"`
	Status        string `json:"status,omitempty"`
	Attempts      *int   `json:"attempts,omitempty"`
	BgAttempts    *int   `json:"bgAttempts,omitempty"`
	LastAttemptAt string `json:"lastAttemptAt,omitempty"`
	LastError     string `json:"lastError,omitempty"`
	Event         string `json:"event,omitempty"`
	OpenedAt      string `json:"openedAt,omitempty"`
	LastClickAt   string `json:"lastClickAt,omitempty"`
	RepliesCount  *int   `json:"repliesCount,omitempty"`
	LastReplyAt   string `json:"lastReplyAt,omitempty"`
}

// CampaignLifecycle is the payload shape for campaign:new (spec §6).
type CampaignLifecycle struct {
	ID     string         `json:"id"`
	Status string         `json:"status,omitempty"`
	Totals map[string]int `json:"totals,omitempty"`
	Health map[string]any `json:"health,omitempty"`
}
