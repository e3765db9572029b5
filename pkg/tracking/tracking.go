// Package tracking mirrors live subscriptions into a human-visible tracking
// list. Rows are plain list items on the collaboration platform; the
// reconciler converges them to the set of live subscriptions, and ingress
// bumps per-subscription notification counters fire-and-forget.
package tracking

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/robobridge/robobridge/pkg/platform"
)

// Row status values.
const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
)

// Column names on the tracking list. Title doubles as the row key and holds
// the subscription id.
const (
	colTitle       = "Title"
	colResource    = "Resource"
	colClientState = "ClientState"
	colExpiresAt   = "ExpiresAt"
	colDescription = "Description"
	colCount       = "NotificationCount"
	colStatus      = "Status"
)

// Record is one tracking-list row.
type Record struct {
	SubscriptionID    string
	Resource          string
	ClientState       string
	ExpiresAt         time.Time
	Description       string
	NotificationCount int
	Status            string

	rowID string
}

// ListClient is the slice of the platform client the store needs.
type ListClient interface {
	ListItems(ctx context.Context, resource string) ([]platform.Item, error)
	CreateItem(ctx context.Context, resource string, fields map[string]interface{}) (*platform.Item, error)
	UpdateItemFields(ctx context.Context, resource, itemID string, fields map[string]interface{}) error
}

// Store reads and writes tracking rows on one list resource.
type Store struct {
	client   ListClient
	resource string
}

// NewStore builds a Store over the list at resource.
func NewStore(client ListClient, resource string) *Store {
	return &Store{client: client, resource: resource}
}

// Resource returns the tracking list's resource path.
func (s *Store) Resource() string {
	return s.resource
}

// List returns every tracking row, deleted ones included.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	items, err := s.client.ListItems(ctx, s.resource)
	if err != nil {
		return nil, fmt.Errorf("tracking: listing rows: %w", err)
	}
	records := make([]Record, 0, len(items))
	for _, item := range items {
		rec := decodeRow(item)
		if rec.SubscriptionID == "" {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Get returns the row for a subscription, or nil when absent.
func (s *Store) Get(ctx context.Context, subscriptionID string) (*Record, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].SubscriptionID == subscriptionID {
			return &records[i], nil
		}
	}
	return nil, nil
}

// Upsert creates or updates the row for rec.SubscriptionID. The notification
// counter is preserved on update; Status defaults to active.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	if rec.SubscriptionID == "" {
		return fmt.Errorf("tracking: record without subscription id")
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}

	existing, err := s.Get(ctx, rec.SubscriptionID)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{
		colTitle:       rec.SubscriptionID,
		colResource:    rec.Resource,
		colClientState: rec.ClientState,
		colExpiresAt:   rec.ExpiresAt.UTC().Format(time.RFC3339),
		colDescription: rec.Description,
		colStatus:      rec.Status,
	}

	if existing == nil {
		fields[colCount] = rec.NotificationCount
		if _, err := s.client.CreateItem(ctx, s.resource, fields); err != nil {
			return fmt.Errorf("tracking: creating row for %s: %w", rec.SubscriptionID, err)
		}
		return nil
	}
	if err := s.client.UpdateItemFields(ctx, s.resource, existing.rowID, fields); err != nil {
		return fmt.Errorf("tracking: updating row for %s: %w", rec.SubscriptionID, err)
	}
	return nil
}

// MarkDeleted flips a row's status to deleted. Missing rows are a no-op:
// there is nothing to mark.
func (s *Store) MarkDeleted(ctx context.Context, subscriptionID string) error {
	existing, err := s.Get(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if existing == nil || existing.Status == StatusDeleted {
		return nil
	}
	err = s.client.UpdateItemFields(ctx, s.resource, existing.rowID, map[string]interface{}{
		colStatus: StatusDeleted,
	})
	if err != nil {
		return fmt.Errorf("tracking: marking %s deleted: %w", subscriptionID, err)
	}
	return nil
}

// BumpCounter increments a subscription's notification counter. It is called
// fire-and-forget from ingress: failures are logged, lost increments are
// acceptable, the reconciler never depends on the count.
func (s *Store) BumpCounter(ctx context.Context, subscriptionID string) {
	existing, err := s.Get(ctx, subscriptionID)
	if err != nil {
		log.Debugf("tracking: counter lookup for %s failed: %s", subscriptionID, err)
		return
	}
	if existing == nil {
		return
	}
	err = s.client.UpdateItemFields(ctx, s.resource, existing.rowID, map[string]interface{}{
		colCount: existing.NotificationCount + 1,
	})
	if err != nil {
		log.Debugf("tracking: counter bump for %s failed: %s", subscriptionID, err)
	}
}

func decodeRow(item platform.Item) Record {
	rec := Record{rowID: item.ID}
	if item.Fields == nil {
		return rec
	}
	rec.SubscriptionID = stringField(item.Fields, colTitle)
	rec.Resource = stringField(item.Fields, colResource)
	rec.ClientState = stringField(item.Fields, colClientState)
	rec.Description = stringField(item.Fields, colDescription)
	rec.Status = stringField(item.Fields, colStatus)
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	if raw := stringField(item.Fields, colExpiresAt); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			rec.ExpiresAt = t
		}
	}
	switch v := item.Fields[colCount].(type) {
	case float64:
		rec.NotificationCount = int(v)
	case int:
		rec.NotificationCount = v
	}
	return rec
}

func stringField(fields map[string]interface{}, key string) string {
	v, _ := fields[key].(string)
	return v
}
