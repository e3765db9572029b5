package statestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// failedListMax bounds each per-resource failure list; older entries fall
// off the tail.
const failedListMax = 500

// FailedItem records one delivery that exhausted its retries, kept for
// manual replay.
type FailedItem struct {
	Resource    string                 `json:"resource"`
	ItemID      string                 `json:"itemId"`
	Destination string                 `json:"destination"`
	Reason      string                 `json:"reason"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	FailedAt    time.Time              `json:"failedAt"`
}

// FailureSink accepts records of deliveries that could not be completed.
// Recording is best-effort: callers log sink errors and move on.
type FailureSink interface {
	Record(ctx context.Context, item FailedItem) error
}

// RedisFailureSink appends failed items to a capped per-resource list.
type RedisFailureSink struct {
	client *redis.Client
}

// NewRedisFailureSink builds a sink over an existing client.
func NewRedisFailureSink(client *redis.Client) *RedisFailureSink {
	return &RedisFailureSink{client: client}
}

// Record implements FailureSink.
func (s *RedisFailureSink) Record(ctx context.Context, item FailedItem) error {
	if item.FailedAt.IsZero() {
		item.FailedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	key := "failed:" + Normalize(item.Resource)
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, failedListMax-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return nil
}

// NopFailureSink drops every record; used when the sink feature is off.
type NopFailureSink struct{}

// Record implements FailureSink.
func (NopFailureSink) Record(context.Context, FailedItem) error {
	return nil
}

// RecordFailure writes to the sink and logs when the write itself fails,
// keeping the caller's path non-fatal.
func RecordFailure(ctx context.Context, sink FailureSink, item FailedItem) {
	if sink == nil {
		return
	}
	if err := sink.Record(ctx, item); err != nil {
		log.Warnf("failed-items sink rejected %s/%s: %s", item.Resource, item.ItemID, err)
	}
}
