// Package rpa submits queue items to the RPA provider's orchestrator:
// client-credential auth through the shared token cache, retry with
// exponential backoff, and classification of provider responses into
// outcomes the caller can act on.
package rpa

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/robobridge/robobridge/pkg/config"
	"github.com/robobridge/robobridge/pkg/tokencache"
)

const (
	// tokenProvider keys the RPA provider's entries in the token cache.
	tokenProvider = "rpa"

	// addQueueItemPath is the orchestrator's submission endpoint, relative
	// to a tenant's base URL.
	addQueueItemPath = "/odata/Queues/UiPathODataSvc.AddQueueItem"

	// maxReferenceLength and maxNameLength are provider-side column limits;
	// longer values are truncated before submission.
	maxReferenceLength = 128
	maxNameLength      = 256

	requestTimeout = 30 * time.Second
)

// Queue item priorities accepted by the provider.
const (
	PriorityLow    = "Low"
	PriorityNormal = "Normal"
	PriorityHigh   = "High"
)

// QueueItem is one unit of work for the provider. SpecificContent must
// already be sanitized (pkg/sanitize): flat keys, no markup, no control
// characters.
type QueueItem struct {
	Name            string
	Priority        string
	Reference       string
	SpecificContent map[string]interface{}
	DueDate         *time.Time
}

// Status classifies the outcome of a submission.
type Status string

const (
	StatusSuccess            Status = "Success"
	StatusDuplicateReference Status = "DuplicateReference"
	StatusInvalidPayload     Status = "InvalidPayload"
	StatusMissingQueue       Status = "MissingQueue"
	StatusMissingFolder      Status = "MissingFolder"
	StatusAuthFailed         Status = "AuthFailed"
	StatusTransientFailure   Status = "TransientFailure"
)

// Result is the outcome of one Submit call.
type Result struct {
	Status   Status
	ItemID   string
	Attempts int
	Detail   string
}

// Accepted reports whether the provider holds the item: a fresh submission
// or a duplicate reference, which means an identical item was already
// enqueued.
func (r Result) Accepted() bool {
	return r.Status == StatusSuccess || r.Status == StatusDuplicateReference
}

// Options override the process-wide environment for one submission.
type Options struct {
	Queue    string
	Tenant   string
	FolderID string
}

// Client submits queue items.
type Client struct {
	cfg        config.RPA
	httpClient *http.Client
	tokens     *tokencache.Cache
	retryMax   int
	retryBase  time.Duration
}

// NewClient builds a Client. retryMax counts total attempts (first try
// included) and retryBase seeds the exponential backoff.
func NewClient(cfg config.RPA, tokens *tokencache.Cache, retryMax int, retryBase time.Duration) *Client {
	if retryMax < 1 {
		retryMax = 1
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: requestTimeout},
		tokens:     tokens,
		retryMax:   retryMax,
		retryBase:  retryBase,
	}
}

// Submit sends one queue item, resolving the target environment from the
// tenant tag and per-call overrides. It never returns an error: every
// outcome, including misconfiguration, is a classified Result.
func (c *Client) Submit(ctx context.Context, item QueueItem, opts Options) Result {
	preset, ok := c.cfg.Preset(opts.Tenant)
	if !ok {
		return reject(StatusInvalidPayload, 0,
			fmt.Sprintf("unknown tenant tag %q and no per-call environment override", opts.Tenant))
	}
	if preset.Endpoint == "" || preset.TokenEndpoint == "" {
		return reject(StatusInvalidPayload, 0,
			fmt.Sprintf("tenant %q has no endpoint configured", tenantKey(opts.Tenant)))
	}

	queue := opts.Queue
	if queue == "" {
		queue = item.Name
	}
	if queue == "" {
		queue = c.cfg.DefaultQueue
	}
	if queue == "" {
		return reject(StatusMissingQueue, 0, "no queue name provided or configured")
	}

	folder := opts.FolderID
	if folder == "" {
		folder = preset.FolderID
	}

	item.Name = truncate(queue, maxNameLength, "queue name")
	item.Reference = truncate(item.Reference, maxReferenceLength, "reference")

	result := c.submitWithRetry(ctx, preset, tenantKey(opts.Tenant), folder, item)
	recordSubmission(queue, result)
	return result
}

// TestAuth acquires a token for the given tenant tag without submitting
// anything; the diagnostics endpoint and health checks use it.
func (c *Client) TestAuth(ctx context.Context, tenant string) error {
	preset, ok := c.cfg.Preset(tenant)
	if !ok {
		return fmt.Errorf("rpa: unknown tenant tag %q", tenant)
	}
	if preset.TokenEndpoint == "" {
		return fmt.Errorf("rpa: tenant %q has no token endpoint configured", tenantKey(tenant))
	}
	_, err := c.token(ctx, preset, tenantKey(tenant))
	return err
}

// token fetches a bearer token for a preset through the shared cache.
func (c *Client) token(ctx context.Context, preset config.TenantPreset, tenantTag string) (*oauth2.Token, error) {
	creds := &clientcredentials.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		TokenURL:     preset.TokenEndpoint,
	}
	return c.tokens.Token(ctx, tokenProvider, tenantTag, func(ctx context.Context) (*oauth2.Token, error) {
		return creds.Token(ctx)
	})
}

// tenantKey normalizes a tag for cache keys and logs; the empty tag means
// the default environment.
func tenantKey(tag string) string {
	if tag == "" {
		return "DEFAULT"
	}
	return tag
}

func truncate(v string, max int, what string) string {
	if len(v) <= max {
		return v
	}
	log.Warnf("rpa: %s exceeds %d characters, truncating", what, max)
	return v[:max]
}

func reject(status Status, attempts int, detail string) Result {
	log.Warnf("rpa: submission rejected before send: %s", detail)
	return Result{Status: status, Attempts: attempts, Detail: detail}
}
