// Package statestore persists per-item field snapshots, the baseline the
// change detector diffs against. Snapshots are keyed by (resource, item id)
// and outlive the subscriptions that produced them: a subscription recreated
// on the same resource keeps diffing against the prior baseline.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// MaxSnapshotBytes caps the serialized field payload of one snapshot row.
const MaxSnapshotBytes = 64 << 10

// ErrSnapshotTooLarge is returned when a snapshot exceeds MaxSnapshotBytes
// even after system metadata fields have been trimmed.
var ErrSnapshotTooLarge = errors.New("statestore: snapshot exceeds size cap after trimming")

// Snapshot is the last-observed state of one item.
type Snapshot struct {
	Resource   string
	ItemID     string
	Fields     map[string]interface{}
	CapturedAt time.Time
	Version    string
}

// Store is the snapshot table. Writes are last-writer-wins at the row level;
// no cross-row transactions are offered or needed.
type Store interface {
	// Get returns the stored snapshot, or nil when the item has never
	// been seen.
	Get(ctx context.Context, resource, itemID string) (*Snapshot, error)

	// Put replaces the snapshot for an item. Idempotent.
	Put(ctx context.Context, resource, itemID string, fields map[string]interface{}) error

	// BatchInit seeds snapshots for many items at once; used by the
	// baseline-initialization endpoint.
	BatchInit(ctx context.Context, resource string, fieldsByID map[string]map[string]interface{}) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}

// Normalize rewrites a resource path into a string safe for the underlying
// table's key columns. Path and URL separator characters are replaced with
// underscores. Reads and writes must use the same normalization: changing
// this function abandons every stored baseline.
func Normalize(resource string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '#', '?':
			return '_'
		default:
			return r
		}
	}, resource)
}

// versionOf extracts an etag-like version from the raw field map when the
// platform supplied one.
func versionOf(fields map[string]interface{}) string {
	for _, key := range []string{"@odata.etag", "odata.etag", "eTag", "etag"} {
		if v, ok := fields[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// systemField reports whether a field is platform bookkeeping rather than
// item content. System fields are the first to go when a snapshot is over
// the size cap.
func systemField(name string) bool {
	return strings.HasPrefix(name, "@") ||
		strings.HasPrefix(name, "_") ||
		strings.HasPrefix(name, "odata.") ||
		strings.HasPrefix(name, "odata@")
}

// capFields serializes a field map, trimming system metadata fields when the
// payload exceeds MaxSnapshotBytes. It returns the JSON that fits, or
// ErrSnapshotTooLarge when even the trimmed payload is over the cap.
func capFields(fields map[string]interface{}) ([]byte, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	if len(raw) <= MaxSnapshotBytes {
		return raw, nil
	}

	trimmed := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if systemField(k) {
			continue
		}
		trimmed[k] = v
	}
	raw, err = json.Marshal(trimmed)
	if err != nil {
		return nil, err
	}
	if len(raw) > MaxSnapshotBytes {
		return nil, ErrSnapshotTooLarge
	}
	return raw, nil
}
