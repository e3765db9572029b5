package lifecycle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/robobridge/robobridge/pkg/platform"
	"github.com/robobridge/robobridge/pkg/tracking"
)

// fakeAPI is an in-memory platform subscription surface.
type fakeAPI struct {
	subs    map[string]*platform.Subscription
	nextID  int
	renewErrs map[string]error

	created []string
	renewed []string
	deleted []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{subs: map[string]*platform.Subscription{}, renewErrs: map[string]error{}}
}

func (f *fakeAPI) addSub(resource, clientState string, expiresIn time.Duration) *platform.Subscription {
	f.nextID++
	id := fmt.Sprintf("sub-%d", f.nextID)
	sub := &platform.Subscription{
		ID:                 id,
		Resource:           resource,
		ChangeType:         "updated",
		ClientState:        clientState,
		ExpirationDateTime: time.Now().UTC().Add(expiresIn).Format(time.RFC3339),
	}
	f.subs[id] = sub
	return sub
}

func (f *fakeAPI) CreateSubscription(_ context.Context, sub *platform.Subscription) (*platform.Subscription, error) {
	f.nextID++
	created := *sub
	created.ID = fmt.Sprintf("sub-%d", f.nextID)
	created.ExpirationDateTime = platform.MaxExpiry().Format(time.RFC3339)
	f.subs[created.ID] = &created
	f.created = append(f.created, created.ID)
	return &created, nil
}

func (f *fakeAPI) ListSubscriptions(context.Context) ([]platform.Subscription, error) {
	out := make([]platform.Subscription, 0, len(f.subs))
	for _, sub := range f.subs {
		out = append(out, *sub)
	}
	return out, nil
}

func (f *fakeAPI) RenewSubscription(_ context.Context, id string, expiry time.Time) (*platform.Subscription, error) {
	if err := f.renewErrs[id]; err != nil {
		return nil, err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, &platform.APIError{StatusCode: 404, Method: "PATCH", Path: "subscriptions/" + id}
	}
	sub.ExpirationDateTime = expiry.UTC().Format(time.RFC3339)
	f.renewed = append(f.renewed, id)
	return sub, nil
}

func (f *fakeAPI) DeleteSubscription(_ context.Context, id string) error {
	if _, ok := f.subs[id]; !ok {
		return &platform.APIError{StatusCode: 404, Method: "DELETE", Path: "subscriptions/" + id}
	}
	delete(f.subs, id)
	f.deleted = append(f.deleted, id)
	return nil
}

// fakeTracker is an in-memory tracking list.
type fakeTracker struct {
	rows map[string]tracking.Record
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{rows: map[string]tracking.Record{}}
}

func (f *fakeTracker) List(context.Context) ([]tracking.Record, error) {
	out := make([]tracking.Record, 0, len(f.rows))
	for _, rec := range f.rows {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeTracker) Upsert(_ context.Context, rec tracking.Record) error {
	if existing, ok := f.rows[rec.SubscriptionID]; ok {
		rec.NotificationCount = existing.NotificationCount
	}
	if rec.Status == "" {
		rec.Status = tracking.StatusActive
	}
	f.rows[rec.SubscriptionID] = rec
	return nil
}

func (f *fakeTracker) MarkDeleted(_ context.Context, id string) error {
	if rec, ok := f.rows[id]; ok {
		rec.Status = tracking.StatusDeleted
		f.rows[id] = rec
	}
	return nil
}

func newTestManager(api SubscriptionAPI, tracker TrackingStore) *Manager {
	return NewManager(api, tracker, "https://hub.example.com/ingress", 24*time.Hour)
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRequest
		ok   bool
	}{
		{"valid", CreateRequest{Resource: "sites/contoso/lists/orders"}, true},
		{"nested site path", CreateRequest{Resource: "sites/contoso/sub/lists/orders"}, true},
		{"bad grammar", CreateRequest{Resource: "drives/x/items"}, false},
		{"client state too long", CreateRequest{
			Resource:    "sites/contoso/lists/orders",
			ClientState: fmt.Sprintf("label:%0125d", 1),
		}, false},
		{"client state all invalid", CreateRequest{
			Resource:    "sites/contoso/lists/orders",
			ClientState: "destination:forward|url:http://insecure",
		}, false},
		{"client state valid", CreateRequest{
			Resource:    "sites/contoso/lists/orders",
			ClientState: "destination:uipath|handler:document|queue:Q",
		}, true},
	}
	for _, tt := range tests {
		err := tt.req.Validate()
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %s", tt.name, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestCreateRegistersAndTracks(t *testing.T) {
	api := newFakeAPI()
	tracker := newFakeTracker()
	m := newTestManager(api, tracker)

	created, err := m.Create(context.Background(), CreateRequest{
		Resource:    "sites/contoso/lists/orders",
		ClientState: "destination:uipath|handler:document|queue:Q",
	})
	if err != nil {
		t.Fatalf("create: %s", err)
	}
	if created.NotificationURL != "https://hub.example.com/ingress" {
		t.Errorf("callback: %q", created.NotificationURL)
	}
	if created.ExpiresAt().Before(time.Now().Add(48 * time.Hour)) {
		t.Errorf("expected max expiry, got %s", created.ExpirationDateTime)
	}

	rec, ok := tracker.rows[created.ID]
	if !ok {
		t.Fatal("tracking row not created")
	}
	if rec.Description == "" || rec.Status != tracking.StatusActive {
		t.Errorf("tracking row: %+v", rec)
	}
}

func TestDeleteMarksTrackingRow(t *testing.T) {
	api := newFakeAPI()
	tracker := newFakeTracker()
	m := newTestManager(api, tracker)

	sub := api.addSub("sites/contoso/lists/orders", "", 48*time.Hour)
	tracker.rows[sub.ID] = tracking.Record{SubscriptionID: sub.ID, Status: tracking.StatusActive}

	if err := m.Delete(context.Background(), sub.ID); err != nil {
		t.Fatalf("delete: %s", err)
	}
	if _, live := api.subs[sub.ID]; live {
		t.Error("subscription not deleted from platform")
	}
	if tracker.rows[sub.ID].Status != tracking.StatusDeleted {
		t.Error("tracking row not marked deleted")
	}
}

func TestDeleteToleratesPlatform404(t *testing.T) {
	api := newFakeAPI()
	tracker := newFakeTracker()
	m := newTestManager(api, tracker)
	tracker.rows["gone"] = tracking.Record{SubscriptionID: "gone", Status: tracking.StatusActive}

	if err := m.Delete(context.Background(), "gone"); err != nil {
		t.Fatalf("delete of vanished subscription: %s", err)
	}
	if tracker.rows["gone"].Status != tracking.StatusDeleted {
		t.Error("tracking row not marked deleted")
	}
}

func TestListJoinsTrackingMetadata(t *testing.T) {
	api := newFakeAPI()
	tracker := newFakeTracker()
	m := newTestManager(api, tracker)

	sub := api.addSub("sites/contoso/lists/orders", "", 48*time.Hour)
	tracker.rows[sub.ID] = tracking.Record{
		SubscriptionID:    sub.ID,
		Description:       "queue via document",
		NotificationCount: 7,
	}

	views, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("list: %s", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected one view, got %d", len(views))
	}
	if views[0].Description != "queue via document" || views[0].NotificationCount != 7 {
		t.Errorf("join missing: %+v", views[0])
	}
}

func TestReconcileRenewsNearExpiry(t *testing.T) {
	api := newFakeAPI()
	tracker := newFakeTracker()
	m := newTestManager(api, tracker)

	near := api.addSub("sites/contoso/lists/orders", "", 2*time.Hour)
	far := api.addSub("sites/contoso/lists/invoices", "", 60*time.Hour)
	before := map[string]time.Time{
		near.ID: near.ExpiresAt(),
		far.ID:  far.ExpiresAt(),
	}

	summary, err := m.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %s", err)
	}
	if summary.Renewed != 1 {
		t.Errorf("renewed: %d", summary.Renewed)
	}

	// Monotonicity: no subscription expires earlier than before, and none
	// is in the past.
	for id, sub := range api.subs {
		if sub.ExpiresAt().Before(before[id]) {
			t.Errorf("%s expiry moved backwards", id)
		}
		if sub.ExpiresAt().Before(time.Now()) {
			t.Errorf("%s expired after reconcile", id)
		}
	}
	if api.subs[far.ID].ExpiresAt() != before[far.ID] {
		t.Error("far-expiry subscription should be untouched")
	}
}

func TestReconcileRecreatesVanishedSubscription(t *testing.T) {
	api := newFakeAPI()
	tracker := newFakeTracker()
	m := newTestManager(api, tracker)

	sub := api.addSub("sites/contoso/lists/orders", "destination:uipath|handler:document|queue:Q", time.Hour)
	tracker.rows[sub.ID] = tracking.Record{
		SubscriptionID: sub.ID,
		Resource:       sub.Resource,
		ClientState:    sub.ClientState,
		Status:         tracking.StatusActive,
	}
	// Renewal answers 404: the platform dropped the subscription between
	// the list and the renew.
	api.renewErrs[sub.ID] = &platform.APIError{StatusCode: 404, Method: "PATCH", Path: "subscriptions/" + sub.ID}

	summary, err := m.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %s", err)
	}
	if summary.Recreated != 1 {
		t.Fatalf("recreated: %d", summary.Recreated)
	}
	if len(api.created) != 1 {
		t.Fatalf("expected one recreation, got %d", len(api.created))
	}

	replacement := api.subs[api.created[0]]
	if replacement.ClientState != sub.ClientState || replacement.Resource != sub.Resource {
		t.Errorf("recreation lost configuration: %+v", replacement)
	}
	if tracker.rows[sub.ID].Status != tracking.StatusDeleted {
		t.Error("old tracking row not marked deleted")
	}
	if _, ok := tracker.rows[replacement.ID]; !ok {
		t.Error("replacement has no tracking row")
	}
}

func TestReconcileConvergesTrackingList(t *testing.T) {
	api := newFakeAPI()
	tracker := newFakeTracker()
	m := newTestManager(api, tracker)

	// Live subscription without a row, and an orphan row without a live
	// subscription.
	live := api.addSub("sites/contoso/lists/orders", "", 60*time.Hour)
	tracker.rows["orphan"] = tracking.Record{SubscriptionID: "orphan", Status: tracking.StatusActive}

	summary, err := m.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %s", err)
	}
	if summary.Created != 1 {
		t.Errorf("tracking rows created: %d", summary.Created)
	}
	if summary.Orphaned != 1 {
		t.Errorf("orphans: %d", summary.Orphaned)
	}
	if _, ok := tracker.rows[live.ID]; !ok {
		t.Error("live subscription still untracked")
	}
	if tracker.rows["orphan"].Status != tracking.StatusDeleted {
		t.Error("orphan row not marked deleted")
	}
}

func TestReconcileRenewFailureDoesNotAbortSweep(t *testing.T) {
	api := newFakeAPI()
	tracker := newFakeTracker()
	m := newTestManager(api, tracker)

	bad := api.addSub("sites/contoso/lists/orders", "", time.Hour)
	good := api.addSub("sites/contoso/lists/invoices", "", time.Hour)
	api.renewErrs[bad.ID] = &platform.APIError{StatusCode: 500, Method: "PATCH", Path: "subscriptions/" + bad.ID}

	summary, err := m.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %s", err)
	}
	if summary.Failures != 1 {
		t.Errorf("failures: %d", summary.Failures)
	}
	if summary.Renewed != 1 {
		t.Errorf("the healthy subscription should still renew: %d", summary.Renewed)
	}
	found := false
	for _, id := range api.renewed {
		if id == good.ID {
			found = true
		}
	}
	if !found {
		t.Error("healthy subscription was not renewed")
	}
}
