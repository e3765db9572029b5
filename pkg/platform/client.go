// Package platform is the REST client for the collaboration platform: list
// items, change feeds, subscription CRUD, and the raw list-row operations
// the tracking list is built on.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/robobridge/robobridge/pkg/config"
	"github.com/robobridge/robobridge/pkg/tokencache"
)

const (
	// tokenProvider keys the platform's entries in the token cache.
	tokenProvider = "platform"

	requestTimeout = 30 * time.Second

	// maxPages bounds nextLink-following on collection reads.
	maxPages = 10
)

// APIError is a non-2xx response from the platform.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("platform: %s %s returned HTTP %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("platform: %s %s returned HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
}

// IsNotFound reports whether err is a platform 404.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// IsAuth reports whether err is a platform 401/403.
func IsAuth(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden)
}

// Client talks to the platform API with client-credential bearer tokens.
type Client struct {
	baseURL    string
	tenant     string
	httpClient *http.Client
	tokens     *tokencache.Cache
	acquire    tokencache.AcquireFunc
}

// NewClient builds a Client from platform credentials. Tokens flow through
// the shared cache so concurrent invocations reuse one acquisition.
func NewClient(cfg config.Platform, tokens *tokencache.Cache) *Client {
	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tenant:     cfg.TenantID,
		httpClient: &http.Client{Timeout: requestTimeout},
		tokens:     tokens,
		acquire: func(ctx context.Context) (*oauth2.Token, error) {
			return creds.Token(ctx)
		},
	}
}

// do issues one authenticated request and decodes a JSON response into out
// (skipped when out is nil). An auth failure invalidates the cached token
// and retries once with a fresh one.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	err := c.doOnce(ctx, method, path, query, body, out)
	if err != nil && IsAuth(err) {
		log.Warnf("platform auth failure on %s %s, refreshing token once", method, path)
		c.tokens.Invalidate(tokenProvider, c.tenant)
		err = c.doOnce(ctx, method, path, query, body, out)
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	token, err := c.tokens.Token(ctx, tokenProvider, c.tenant, c.acquire)
	if err != nil {
		return fmt.Errorf("platform: acquiring token: %w", err)
	}

	target := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("platform: encoding %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("platform: building %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("platform: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Detail:     readErrorDetail(resp.Body),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("platform: decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// getCollection reads a paged collection, following nextLink up to maxPages.
func (c *Client) getCollection(ctx context.Context, path string, query url.Values, collect func(json.RawMessage) error) error {
	type page struct {
		Value    []json.RawMessage `json:"value"`
		NextLink string            `json:"@odata.nextLink"`
	}

	nextPath, nextQuery := path, query
	for i := 0; i < maxPages; i++ {
		var p page
		if err := c.do(ctx, http.MethodGet, nextPath, nextQuery, nil, &p); err != nil {
			return err
		}
		for _, raw := range p.Value {
			if err := collect(raw); err != nil {
				return err
			}
		}
		if p.NextLink == "" {
			return nil
		}
		parsed, err := url.Parse(p.NextLink)
		if err != nil {
			return fmt.Errorf("platform: bad nextLink %q: %w", p.NextLink, err)
		}
		// nextLink is absolute and repeats the base path.
		nextPath = parsed.Path
		if base, err := url.Parse(c.baseURL); err == nil && base.Path != "" {
			nextPath = strings.TrimPrefix(nextPath, base.Path)
		}
		nextQuery = parsed.Query()
	}
	log.Warnf("platform: collection %s truncated after %d pages", path, maxPages)
	return nil
}

func readErrorDetail(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 512))
	if err != nil {
		return ""
	}
	var wrapped struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &wrapped) == nil && wrapped.Error.Message != "" {
		if wrapped.Error.Code != "" {
			return wrapped.Error.Code + ": " + wrapped.Error.Message
		}
		return wrapped.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
