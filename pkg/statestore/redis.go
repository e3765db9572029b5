package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "state:"

	fieldsColumn     = "fields_json"
	capturedAtColumn = "captured_at"
	versionColumn    = "version"
)

// RedisStore keeps snapshots in redis, one hash per item. Hash fields mirror
// the table columns of the original layout: fields_json, captured_at,
// version.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the state store given a redis connection string
// (redis://... or rediss://...).
func NewRedisStore(connURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(connURL)
	if err != nil {
		return nil, fmt.Errorf("statestore: invalid connection string: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisStoreWithClient wraps an existing client; used by tests and by
// components sharing the connection pool.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func rowKey(resource, itemID string) string {
	return keyPrefix + Normalize(resource) + ":item_" + itemID
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, resource, itemID string) (*Snapshot, error) {
	row, err := s.client.HGetAll(ctx, rowKey(resource, itemID)).Result()
	if err != nil {
		return nil, fmt.Errorf("statestore: get %s/%s: %w", resource, itemID, err)
	}
	if len(row) == 0 {
		return nil, nil
	}

	snap := &Snapshot{
		Resource: resource,
		ItemID:   itemID,
		Version:  row[versionColumn],
	}
	if raw := row[fieldsColumn]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &snap.Fields); err != nil {
			return nil, fmt.Errorf("statestore: corrupt snapshot %s/%s: %w", resource, itemID, err)
		}
	}
	if at := row[capturedAtColumn]; at != "" {
		if parsed, err := time.Parse(time.RFC3339, at); err == nil {
			snap.CapturedAt = parsed
		}
	}
	return snap, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, resource, itemID string, fields map[string]interface{}) error {
	row, err := encodeRow(fields)
	if err != nil {
		return fmt.Errorf("statestore: put %s/%s: %w", resource, itemID, err)
	}
	if err := s.client.HSet(ctx, rowKey(resource, itemID), row).Err(); err != nil {
		return fmt.Errorf("statestore: put %s/%s: %w", resource, itemID, err)
	}
	return nil
}

// BatchInit implements Store. Rows are written through one pipeline; a
// failure aborts the batch but already-flushed rows stay (the endpoint is
// safe to re-run, writes are idempotent).
func (s *RedisStore) BatchInit(ctx context.Context, resource string, fieldsByID map[string]map[string]interface{}) error {
	rows := make(map[string]map[string]string, len(fieldsByID))
	for itemID, fields := range fieldsByID {
		row, err := encodeRow(fields)
		if err != nil {
			return fmt.Errorf("statestore: batch init %s/%s: %w", resource, itemID, err)
		}
		rows[rowKey(resource, itemID)] = row
	}

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, row := range rows {
			pipe.HSet(ctx, key, row)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("statestore: batch init %s: %w", resource, err)
	}
	return nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("statestore: ping: %w", err)
	}
	return nil
}

// Client exposes the underlying connection for components sharing the pool,
// like the failed-items sink.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// encodeRow serializes a field map into the row columns. Oversize payloads
// are trimmed by capFields; the version is extracted before trimming so the
// etag survives even when the metadata field carrying it does not.
func encodeRow(fields map[string]interface{}) (map[string]string, error) {
	raw, err := capFields(fields)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		fieldsColumn:     string(raw),
		capturedAtColumn: time.Now().UTC().Format(time.RFC3339),
		versionColumn:    versionOf(fields),
	}, nil
}
