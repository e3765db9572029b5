package rpa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/robobridge/robobridge/pkg/config"
)

// addQueueItemRequest is the provider's submission body.
type addQueueItemRequest struct {
	ItemData itemData `json:"itemData"`
}

type itemData struct {
	Name            string                 `json:"Name"`
	Priority        string                 `json:"Priority,omitempty"`
	Reference       string                 `json:"Reference,omitempty"`
	SpecificContent map[string]interface{} `json:"SpecificContent"`
	DueDate         string                 `json:"DueDate,omitempty"`
}

// submitError classifies one failed attempt. Terminal errors are wrapped in
// backoff.Permanent by the operation so the retry loop stops immediately.
type submitError struct {
	status     Status
	detail     string
	retryAfter time.Duration
}

func (e *submitError) Error() string {
	return fmt.Sprintf("%s: %s", e.status, e.detail)
}

// submitWithRetry runs the submission under exponential backoff. Transient
// failures (network, 5xx, 429) retry up to retryMax total attempts; terminal
// classifications stop the loop at once.
func (c *Client) submitWithRetry(ctx context.Context, preset config.TenantPreset, tenantTag, folder string, item QueueItem) Result {
	var (
		attempts    int
		itemID      string
		authRetried bool
	)

	policy := newRetryAfterBackOff(c.retryBase)
	wrapped := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.retryMax-1)), ctx)

	operation := func() error {
		attempts++
		id, err := c.postOnce(ctx, preset, tenantTag, folder, item, &authRetried)
		if err == nil {
			itemID = id
			return nil
		}

		subErr, ok := err.(*submitError)
		if !ok {
			// Network-level failure; retryable.
			recordRetry(item.Name)
			return err
		}
		switch subErr.status {
		case StatusTransientFailure:
			policy.hint(subErr.retryAfter)
			recordRetry(item.Name)
			return subErr
		default:
			return backoff.Permanent(subErr)
		}
	}

	err := backoff.Retry(operation, wrapped)
	if err == nil {
		return Result{Status: StatusSuccess, ItemID: itemID, Attempts: attempts}
	}

	if subErr, ok := err.(*submitError); ok {
		if subErr.status == StatusDuplicateReference {
			log.Infof("rpa: duplicate reference %q treated as delivered", item.Reference)
		}
		return Result{Status: subErr.status, Attempts: attempts, Detail: subErr.detail}
	}
	return Result{
		Status:   StatusTransientFailure,
		Attempts: attempts,
		Detail:   err.Error(),
	}
}

// postOnce performs a single submission POST. A 401/403 invalidates the
// cached token and redoes the request once with a fresh one before giving
// up; the redo shares the caller's attempt.
func (c *Client) postOnce(ctx context.Context, preset config.TenantPreset, tenantTag, folder string, item QueueItem, authRetried *bool) (string, error) {
	token, err := c.token(ctx, preset, tenantTag)
	if err != nil {
		return "", &submitError{status: StatusAuthFailed, detail: fmt.Sprintf("token acquisition: %s", err)}
	}

	body := addQueueItemRequest{ItemData: itemData{
		Name:            item.Name,
		Priority:        item.Priority,
		Reference:       item.Reference,
		SpecificContent: item.SpecificContent,
	}}
	if item.DueDate != nil {
		body.ItemData.DueDate = item.DueDate.UTC().Format(time.RFC3339)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", &submitError{status: StatusInvalidPayload, detail: fmt.Sprintf("encoding item: %s", err)}
	}

	url := strings.TrimRight(preset.Endpoint, "/") + addQueueItemPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", &submitError{status: StatusInvalidPayload, detail: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	if preset.TenantName != "" {
		req.Header.Set("X-Tenant-Name", preset.TenantName)
	}
	if folder != "" {
		req.Header.Set("X-Organization-Unit-Id", folder)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("rpa: posting queue item: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if !*authRetried {
			*authRetried = true
			log.Warnf("rpa: HTTP %d from provider, refreshing token once", resp.StatusCode)
			c.tokens.Invalidate(tokenProvider, tenantTag)
			io.Copy(io.Discard, resp.Body)
			return c.postOnce(ctx, preset, tenantTag, folder, item, authRetried)
		}
		return "", &submitError{
			status: StatusAuthFailed,
			detail: fmt.Sprintf("HTTP %d after token refresh", resp.StatusCode),
		}
	}

	return classifyResponse(resp)
}

// classifyResponse maps a provider response onto the outcome taxonomy.
func classifyResponse(resp *http.Response) (string, error) {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var created struct {
			ID json.Number `json:"Id"`
		}
		if err := json.Unmarshal(raw, &created); err == nil && created.ID.String() != "" {
			return created.ID.String(), nil
		}
		return "", nil

	case resp.StatusCode == http.StatusConflict:
		return "", &submitError{status: StatusDuplicateReference, detail: providerMessage(raw)}

	case resp.StatusCode == http.StatusBadRequest:
		return "", &submitError{status: StatusInvalidPayload, detail: providerMessage(raw)}

	case resp.StatusCode == http.StatusNotFound:
		msg := providerMessage(raw)
		status := StatusMissingQueue
		if strings.Contains(strings.ToLower(msg), "folder") ||
			strings.Contains(strings.ToLower(msg), "organization unit") {
			status = StatusMissingFolder
		}
		return "", &submitError{status: status, detail: msg}

	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &submitError{
			status:     StatusTransientFailure,
			detail:     "HTTP 429",
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}

	default:
		return "", &submitError{
			status: StatusTransientFailure,
			detail: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, providerMessage(raw)),
		}
	}
}

// providerMessage extracts the human-readable part of a provider error body.
func providerMessage(raw []byte) string {
	var body struct {
		Message   string `json:"message"`
		ErrorCode int    `json:"errorCode"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		if body.ErrorCode != 0 {
			return fmt.Sprintf("%s (code %d)", body.Message, body.ErrorCode)
		}
		return body.Message
	}
	return strings.TrimSpace(string(raw))
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// retryAfterBackOff is an exponential backoff that lets the last attempt
// override the next delay with the provider's Retry-After hint. It is used
// by a single sequential retry loop and is not safe for concurrent use.
type retryAfterBackOff struct {
	inner *backoff.ExponentialBackOff
	next  time.Duration
}

func newRetryAfterBackOff(base time.Duration) *retryAfterBackOff {
	inner := backoff.NewExponentialBackOff()
	inner.InitialInterval = base
	inner.Multiplier = 2
	inner.MaxElapsedTime = 0
	inner.Reset()
	return &retryAfterBackOff{inner: inner}
}

// hint sets the delay to use for the next backoff step.
func (b *retryAfterBackOff) hint(d time.Duration) {
	b.next = d
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	d := b.inner.NextBackOff()
	if b.next > 0 {
		d = b.next
		b.next = 0
	}
	return d
}

func (b *retryAfterBackOff) Reset() {
	b.next = 0
	b.inner.Reset()
}
