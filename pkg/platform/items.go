package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
)

// GetItem fetches one list item with its field values expanded.
func (c *Client) GetItem(ctx context.Context, resource, itemID string) (*Item, error) {
	query := url.Values{"expand": {"fields"}}
	var item Item
	if err := c.do(ctx, http.MethodGet, resource+"/items/"+itemID, query, nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// MostRecentItem returns the most recently modified item on a resource, or
// nil when the list is empty. Notifications sometimes arrive without an item
// id; resolving them this way is best-effort and can pick the wrong item
// when several change inside one batch.
func (c *Client) MostRecentItem(ctx context.Context, resource string) (*Item, error) {
	query := url.Values{
		"expand":  {"fields"},
		"orderby": {"lastModifiedDateTime desc"},
		"top":     {"1"},
	}
	var page struct {
		Value []Item `json:"value"`
	}
	if err := c.do(ctx, http.MethodGet, resource+"/items", query, nil, &page); err != nil {
		return nil, err
	}
	if len(page.Value) == 0 {
		return nil, nil
	}
	item := page.Value[0]
	log.Debugf("resolved missing item id on %s to most-recent item %s", resource, item.ID)
	return &item, nil
}

// ListItems reads every item on a resource with fields expanded, following
// pagination.
func (c *Client) ListItems(ctx context.Context, resource string) ([]Item, error) {
	var items []Item
	query := url.Values{"expand": {"fields"}}
	err := c.getCollection(ctx, resource+"/items", query, func(raw json.RawMessage) error {
		var item Item
		if err := json.Unmarshal(raw, &item); err != nil {
			return err
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// CreateItem adds a list item with the given field values and returns the
// created row.
func (c *Client) CreateItem(ctx context.Context, resource string, fields map[string]interface{}) (*Item, error) {
	body := map[string]interface{}{"fields": fields}
	var item Item
	if err := c.do(ctx, http.MethodPost, resource+"/items", nil, body, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// UpdateItemFields patches field values on an existing list item.
func (c *Client) UpdateItemFields(ctx context.Context, resource, itemID string, fields map[string]interface{}) error {
	return c.do(ctx, http.MethodPatch, resource+"/items/"+itemID+"/fields", nil, fields, nil)
}

// DeleteItem removes a list item.
func (c *Client) DeleteItem(ctx context.Context, resource, itemID string) error {
	return c.do(ctx, http.MethodDelete, resource+"/items/"+itemID, nil, nil, nil)
}
