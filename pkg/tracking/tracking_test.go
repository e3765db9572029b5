package tracking

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/robobridge/robobridge/pkg/platform"
)

// fakeListClient keeps rows in memory and records update calls.
type fakeListClient struct {
	items   map[string]map[string]interface{}
	nextID  int
	updates int
}

func newFakeListClient() *fakeListClient {
	return &fakeListClient{items: map[string]map[string]interface{}{}}
}

func (f *fakeListClient) ListItems(_ context.Context, _ string) ([]platform.Item, error) {
	var out []platform.Item
	for id, fields := range f.items {
		copied := map[string]interface{}{}
		for k, v := range fields {
			copied[k] = v
		}
		out = append(out, platform.Item{ID: id, Fields: copied})
	}
	return out, nil
}

func (f *fakeListClient) CreateItem(_ context.Context, _ string, fields map[string]interface{}) (*platform.Item, error) {
	f.nextID++
	id := strconv.Itoa(f.nextID)
	f.items[id] = fields
	return &platform.Item{ID: id, Fields: fields}, nil
}

func (f *fakeListClient) UpdateItemFields(_ context.Context, _ string, itemID string, fields map[string]interface{}) error {
	row, ok := f.items[itemID]
	if !ok {
		return fmt.Errorf("no row %s", itemID)
	}
	for k, v := range fields {
		row[k] = v
	}
	f.updates++
	return nil
}

func TestUpsertCreatesThenUpdates(t *testing.T) {
	client := newFakeListClient()
	store := NewStore(client, "sites/hub/lists/tracking")
	ctx := context.Background()

	expiry := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second)
	rec := Record{
		SubscriptionID: "sub-1",
		Resource:       "sites/a/lists/b",
		ClientState:    "destination:uipath|handler:document|queue:Q",
		ExpiresAt:      expiry,
		Description:    "queue Q via document",
	}
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("upsert: %s", err)
	}
	if len(client.items) != 1 {
		t.Fatalf("expected one row, got %d", len(client.items))
	}

	got, err := store.Get(ctx, "sub-1")
	if err != nil {
		t.Fatalf("get: %s", err)
	}
	if got == nil {
		t.Fatal("row not found after upsert")
	}
	if got.Status != StatusActive {
		t.Errorf("status defaulted to %q", got.Status)
	}
	if !got.ExpiresAt.Equal(expiry) {
		t.Errorf("expiry round-trip: %s vs %s", got.ExpiresAt, expiry)
	}

	// Second upsert with a later expiry updates in place.
	rec.ExpiresAt = expiry.Add(24 * time.Hour)
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("second upsert: %s", err)
	}
	if len(client.items) != 1 {
		t.Fatalf("upsert duplicated the row: %d rows", len(client.items))
	}
	got, _ = store.Get(ctx, "sub-1")
	if !got.ExpiresAt.Equal(expiry.Add(24 * time.Hour)) {
		t.Errorf("expiry not updated: %s", got.ExpiresAt)
	}
}

func TestUpsertRequiresSubscriptionID(t *testing.T) {
	store := NewStore(newFakeListClient(), "sites/hub/lists/tracking")
	if err := store.Upsert(context.Background(), Record{Resource: "sites/a/lists/b"}); err == nil {
		t.Fatal("expected an error for a record without a subscription id")
	}
}

func TestMarkDeleted(t *testing.T) {
	client := newFakeListClient()
	store := NewStore(client, "sites/hub/lists/tracking")
	ctx := context.Background()

	store.Upsert(ctx, Record{SubscriptionID: "sub-1", Resource: "r"})
	if err := store.MarkDeleted(ctx, "sub-1"); err != nil {
		t.Fatalf("mark deleted: %s", err)
	}
	got, _ := store.Get(ctx, "sub-1")
	if got.Status != StatusDeleted {
		t.Errorf("status: %q", got.Status)
	}

	// Absent and already-deleted rows are no-ops.
	if err := store.MarkDeleted(ctx, "sub-unknown"); err != nil {
		t.Errorf("missing row should be a no-op, got %s", err)
	}
	before := client.updates
	if err := store.MarkDeleted(ctx, "sub-1"); err != nil {
		t.Errorf("second mark: %s", err)
	}
	if client.updates != before {
		t.Error("already-deleted row was rewritten")
	}
}

func TestBumpCounter(t *testing.T) {
	client := newFakeListClient()
	store := NewStore(client, "sites/hub/lists/tracking")
	ctx := context.Background()

	store.Upsert(ctx, Record{SubscriptionID: "sub-1", Resource: "r"})
	store.BumpCounter(ctx, "sub-1")
	store.BumpCounter(ctx, "sub-1")

	got, _ := store.Get(ctx, "sub-1")
	if got.NotificationCount != 2 {
		t.Errorf("count: %d", got.NotificationCount)
	}

	// Unknown subscription must not panic or create rows.
	store.BumpCounter(ctx, "sub-ghost")
	if len(client.items) != 1 {
		t.Errorf("counter bump created a row")
	}
}

func TestListSkipsRowsWithoutSubscriptionID(t *testing.T) {
	client := newFakeListClient()
	client.CreateItem(context.Background(), "", map[string]interface{}{"Resource": "orphan"})
	store := NewStore(client, "sites/hub/lists/tracking")

	records, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %s", err)
	}
	if len(records) != 0 {
		t.Errorf("rows without a subscription id must be skipped: %+v", records)
	}
}
