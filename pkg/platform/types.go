package platform

import (
	"encoding/json"
	"time"
)

// Notification is one change event delivered to the ingress callback.
// Notifications are ephemeral; nothing here is persisted.
type Notification struct {
	SubscriptionID                 string        `json:"subscriptionId"`
	SubscriptionExpirationDateTime string        `json:"subscriptionExpirationDateTime,omitempty"`
	ChangeType                     string        `json:"changeType"`
	Resource                       string        `json:"resource"`
	ClientState                    string        `json:"clientState,omitempty"`
	TenantID                       string        `json:"tenantId,omitempty"`
	ResourceData                   *ResourceData `json:"resourceData,omitempty"`
}

// ItemID returns the notification's item id when the platform included one.
func (n *Notification) ItemID() string {
	if n.ResourceData == nil {
		return ""
	}
	return n.ResourceData.ID
}

// Valid reports whether the notification carries enough to act on.
func (n *Notification) Valid() bool {
	return n.SubscriptionID != "" && n.Resource != ""
}

// ResourceData is the optional per-item payload inside a notification. The
// platform frequently omits it for list resources.
type ResourceData struct {
	ODataType string `json:"@odata.type,omitempty"`
	ODataID   string `json:"@odata.id,omitempty"`
	ID        string `json:"id,omitempty"`
}

// DecodeBatch parses a notification callback body. Entries that fail to
// decode or lack required attributes are dropped individually; one malformed
// entry never rejects the batch. A body that is not parseable at all counts
// as one dropped entry so it surfaces in the invalid counter.
func DecodeBatch(body []byte) (notifications []Notification, dropped int) {
	var batch struct {
		Value []json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, 1
	}
	for _, raw := range batch.Value {
		var n Notification
		if err := json.Unmarshal(raw, &n); err != nil || !n.Valid() {
			dropped++
			continue
		}
		notifications = append(notifications, n)
	}
	return notifications, dropped
}

// Item is a list item with its expanded field values.
type Item struct {
	ID                   string                 `json:"id"`
	WebURL               string                 `json:"webUrl,omitempty"`
	LastModifiedDateTime string                 `json:"lastModifiedDateTime,omitempty"`
	Fields               map[string]interface{} `json:"fields"`
}

// Subscription mirrors the platform's subscription resource.
type Subscription struct {
	ID                 string `json:"id,omitempty"`
	Resource           string `json:"resource"`
	ChangeType         string `json:"changeType"`
	NotificationURL    string `json:"notificationUrl"`
	ClientState        string `json:"clientState,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	ApplicationID      string `json:"applicationId,omitempty"`
}

// ExpiresAt parses the subscription expiry; zero time when absent or
// unparseable.
func (s *Subscription) ExpiresAt() time.Time {
	if s.ExpirationDateTime == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s.ExpirationDateTime)
	if err != nil {
		return time.Time{}
	}
	return t
}
