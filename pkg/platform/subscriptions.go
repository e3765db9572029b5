package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// MaxSubscriptionLifetime is the longest expiry the platform grants for list
// resources (4230 minutes, just under three days).
const MaxSubscriptionLifetime = 4230 * time.Minute

// MaxExpiry returns the furthest expiration the platform accepts, from now.
func MaxExpiry() time.Time {
	return time.Now().UTC().Add(MaxSubscriptionLifetime)
}

// CreateSubscription registers a change-notification subscription and
// returns the platform's view of it (id and granted expiry included).
func (c *Client) CreateSubscription(ctx context.Context, sub *Subscription) (*Subscription, error) {
	var created Subscription
	if err := c.do(ctx, http.MethodPost, "subscriptions", nil, sub, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListSubscriptions enumerates the application's live subscriptions.
func (c *Client) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	var subs []Subscription
	err := c.getCollection(ctx, "subscriptions", nil, func(raw json.RawMessage) error {
		var sub Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return err
		}
		subs = append(subs, sub)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// GetSubscription fetches one subscription by id.
func (c *Client) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	if err := c.do(ctx, http.MethodGet, "subscriptions/"+id, nil, nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// RenewSubscription extends a subscription's expiry. The platform answers
// 404 when it already dropped the subscription; callers recreate in that
// case.
func (c *Client) RenewSubscription(ctx context.Context, id string, expiry time.Time) (*Subscription, error) {
	body := map[string]string{
		"expirationDateTime": expiry.UTC().Format(time.RFC3339),
	}
	var renewed Subscription
	if err := c.do(ctx, http.MethodPatch, "subscriptions/"+id, nil, body, &renewed); err != nil {
		return nil, err
	}
	return &renewed, nil
}

// DeleteSubscription removes a subscription. Deleting one the platform
// already dropped returns a not-found error; callers decide whether that
// counts.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "subscriptions/"+id, nil, nil, nil)
}
