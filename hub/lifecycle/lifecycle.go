// Package lifecycle manages change-notification subscriptions: creation,
// listing and deletion against the platform, plus the timer-driven
// reconciler that renews near-expiry subscriptions and converges the
// tracking list to the set of live subscriptions.
package lifecycle

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/robobridge/robobridge/pkg/platform"
	"github.com/robobridge/robobridge/pkg/routing"
	"github.com/robobridge/robobridge/pkg/tracking"
)

// maxClientStateLength is the platform's limit on the clientState attribute.
const maxClientStateLength = 128

// resourcePattern is the platform's path grammar for list resources.
var resourcePattern = regexp.MustCompile(`^sites/[^/]+(?:/[^/]+)*/lists/[^/]+$`)

// SubscriptionAPI is the slice of the platform client the manager needs.
type SubscriptionAPI interface {
	CreateSubscription(ctx context.Context, sub *platform.Subscription) (*platform.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]platform.Subscription, error)
	RenewSubscription(ctx context.Context, id string, expiry time.Time) (*platform.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// TrackingStore is the slice of the tracking list the manager needs.
type TrackingStore interface {
	List(ctx context.Context) ([]tracking.Record, error)
	Upsert(ctx context.Context, rec tracking.Record) error
	MarkDeleted(ctx context.Context, subscriptionID string) error
}

// Manager drives subscription CRUD and reconciliation.
type Manager struct {
	api           SubscriptionAPI
	tracker       TrackingStore
	callbackURL   string
	renewalWindow time.Duration
	log           *log.Entry
}

// NewManager builds a Manager. callbackURL is the full ingress callback the
// platform will deliver to; tracker may be nil when no tracking list is
// configured.
func NewManager(api SubscriptionAPI, tracker TrackingStore, callbackURL string, renewalWindow time.Duration) *Manager {
	return &Manager{
		api:           api,
		tracker:       tracker,
		callbackURL:   callbackURL,
		renewalWindow: renewalWindow,
		log:           log.WithFields(log.Fields{"component": "lifecycle"}),
	}
}

// CreateRequest is a management-API subscription request.
type CreateRequest struct {
	Resource    string `json:"resource"`
	ChangeType  string `json:"changeType,omitempty"`
	ClientState string `json:"clientState,omitempty"`
}

// ValidationError is a request the platform would reject; management
// endpoints surface it as a 400.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return e.Detail
}

// Validate checks the request against the platform's constraints and the
// routing grammar.
func (r *CreateRequest) Validate() error {
	if !resourcePattern.MatchString(r.Resource) {
		return &ValidationError{Detail: fmt.Sprintf("resource %q does not match sites/{site}/lists/{list}", r.Resource)}
	}
	if len(r.ClientState) > maxClientStateLength {
		return &ValidationError{Detail: fmt.Sprintf("clientState exceeds %d characters", maxClientStateLength)}
	}
	spec := routing.Parse(r.ClientState)
	if r.ClientState != "" && spec.IsEmpty() && len(spec.Dropped) > 0 {
		return &ValidationError{Detail: fmt.Sprintf("clientState has no valid destination: %s", strings.Join(spec.Dropped, "; "))}
	}
	return nil
}

// Create registers a subscription with the platform's maximum expiry and
// mirrors it into the tracking list. The tracking write is best-effort; the
// reconciler repairs a missed row on its next tick.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*platform.Subscription, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if u, err := url.Parse(m.callbackURL); err != nil || u.Scheme != "https" {
		return nil, fmt.Errorf("callback URL %q is not https", m.callbackURL)
	}

	changeType := req.ChangeType
	if changeType == "" {
		changeType = "updated"
	}

	created, err := m.api.CreateSubscription(ctx, &platform.Subscription{
		Resource:           req.Resource,
		ChangeType:         changeType,
		NotificationURL:    m.callbackURL,
		ClientState:        req.ClientState,
		ExpirationDateTime: platform.MaxExpiry().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("creating subscription on %s: %w", req.Resource, err)
	}
	m.log.Infof("subscription %s created on %s, expires %s", created.ID, created.Resource, created.ExpirationDateTime)

	m.upsertTracking(ctx, created)
	return created, nil
}

// SubscriptionView joins a live subscription with its tracking row for
// display.
type SubscriptionView struct {
	platform.Subscription
	Description       string `json:"description,omitempty"`
	NotificationCount int    `json:"notificationCount"`
}

// List enumerates live subscriptions joined with tracking metadata.
func (m *Manager) List(ctx context.Context) ([]SubscriptionView, error) {
	subs, err := m.api.ListSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}

	byID := map[string]tracking.Record{}
	if m.tracker != nil {
		records, err := m.tracker.List(ctx)
		if err != nil {
			m.log.Warnf("tracking list unavailable, listing without metadata: %s", err)
		} else {
			for _, rec := range records {
				byID[rec.SubscriptionID] = rec
			}
		}
	}

	views := make([]SubscriptionView, 0, len(subs))
	for _, sub := range subs {
		view := SubscriptionView{Subscription: sub}
		if rec, ok := byID[sub.ID]; ok {
			view.Description = rec.Description
			view.NotificationCount = rec.NotificationCount
		}
		views = append(views, view)
	}
	return views, nil
}

// Delete removes a subscription and marks its tracking row deleted. A
// subscription the platform already dropped still gets its row marked.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if id == "" {
		return &ValidationError{Detail: "subscription id is required"}
	}

	err := m.api.DeleteSubscription(ctx, id)
	if err != nil && !platform.IsNotFound(err) {
		return fmt.Errorf("deleting subscription %s: %w", id, err)
	}
	if platform.IsNotFound(err) {
		m.log.Infof("subscription %s already gone from the platform", id)
	}

	if m.tracker != nil {
		if err := m.tracker.MarkDeleted(ctx, id); err != nil {
			m.log.Warnf("marking tracking row %s deleted: %s", id, err)
		}
	}
	return nil
}

// upsertTracking mirrors a subscription into the tracking list with a
// description generated from its routing spec.
func (m *Manager) upsertTracking(ctx context.Context, sub *platform.Subscription) {
	if m.tracker == nil {
		return
	}
	spec := routing.Parse(sub.ClientState)
	err := m.tracker.Upsert(ctx, tracking.Record{
		SubscriptionID: sub.ID,
		Resource:       sub.Resource,
		ClientState:    sub.ClientState,
		ExpiresAt:      sub.ExpiresAt(),
		Description:    spec.Description(),
		Status:         tracking.StatusActive,
	})
	if err != nil {
		m.log.Warnf("tracking upsert for %s failed: %s", sub.ID, err)
	}
}
