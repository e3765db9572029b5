// Package forward delivers enriched notification envelopes to arbitrary
// HTTPS endpoints. Targets are external and untrusted: every 4xx is taken as
// intentional rejection, and a per-host circuit breaker keeps a dead target
// from burning the invocation deadline on every notification.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/robobridge/robobridge/pkg/changes"
	"github.com/robobridge/robobridge/pkg/platform"
	"github.com/robobridge/robobridge/pkg/routing"
)

const (
	requestTimeout = 30 * time.Second

	// breakerFailures consecutive failed sends trip a host's breaker;
	// breakerTimeout later it half-opens and lets one send probe through.
	breakerFailures = 5
	breakerTimeout  = 60 * time.Second
)

// ErrLoopPrevented marks a target that would deliver back into this hub.
var ErrLoopPrevented = errors.New("forward: target host matches own callback host")

// Payload is the envelope POSTed to a target. Mode simple carries the first
// three fields; withData adds CurrentState; withChanges adds the previous
// state and the diff.
type Payload struct {
	Timestamp     string                 `json:"timestamp"`
	Source        string                 `json:"source"`
	Notification  *platform.Notification `json:"notification"`
	CurrentState  map[string]interface{} `json:"currentState,omitempty"`
	PreviousState map[string]interface{} `json:"previousState,omitempty"`
	Changes       *ChangeBlock           `json:"changes,omitempty"`
}

// ChangeBlock pairs a one-line summary with the field-level diff.
type ChangeBlock struct {
	Summary string        `json:"summary"`
	Details *changes.Diff `json:"details"`
}

// BuildPayload assembles the envelope for one destination. State maps are
// filtered to the destination's include/exclude view; previous may be nil
// (first sighting) and diff may be nil (detection disabled).
func BuildPayload(dest *routing.Destination, n *platform.Notification, current, previous map[string]interface{}, diff *changes.Diff) *Payload {
	payload := &Payload{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Source:       n.Resource,
		Notification: n,
	}
	switch dest.Mode {
	case routing.ModeWithData:
		payload.CurrentState = changes.Filter(current, dest.IncludeFields, dest.ExcludeFields)
	case routing.ModeWithChanges:
		payload.CurrentState = changes.Filter(current, dest.IncludeFields, dest.ExcludeFields)
		if previous != nil {
			payload.PreviousState = changes.Filter(previous, dest.IncludeFields, dest.ExcludeFields)
		}
		if diff != nil {
			payload.Changes = &ChangeBlock{Summary: diff.Summary(), Details: diff}
		}
	}
	return payload
}

// Forwarder POSTs payloads with retry and per-host circuit breaking.
type Forwarder struct {
	httpClient   *http.Client
	callbackHost string
	retryMax     int
	retryBase    time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a Forwarder. callbackHost is this hub's own ingress host;
// targets resolving to it are refused.
func New(callbackHost string, retryMax int, retryBase time.Duration) *Forwarder {
	if retryMax < 1 {
		retryMax = 1
	}
	return &Forwarder{
		httpClient:   &http.Client{Timeout: requestTimeout},
		callbackHost: strings.ToLower(callbackHost),
		retryMax:     retryMax,
		retryBase:    retryBase,
		breakers:     map[string]*gobreaker.CircuitBreaker{},
	}
}

// Send delivers one payload to the destination URL. The returned error is
// terminal: retries and the auth-free 2xx check already happened.
func (f *Forwarder) Send(ctx context.Context, target string, payload *Payload) error {
	parsed, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("forward: invalid target %q: %w", target, err)
	}
	if parsed.Scheme != "https" {
		return fmt.Errorf("forward: target %q is not https", target)
	}
	if host := strings.ToLower(parsed.Hostname()); f.callbackHost != "" && host == f.callbackHost {
		return fmt.Errorf("%w: %s", ErrLoopPrevented, host)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("forward: encoding payload: %w", err)
	}

	// Breakers are per host:port; two services on one host fail
	// independently.
	hostPort := strings.ToLower(parsed.Host)
	_, err = f.breaker(hostPort).Execute(func() (interface{}, error) {
		return nil, f.sendWithRetry(ctx, target, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		recordForward(hostPort, "breaker_open")
		return fmt.Errorf("forward: target %s suspended after repeated failures: %w", hostPort, err)
	}
	if err != nil {
		recordForward(hostPort, "failure")
		return err
	}
	recordForward(hostPort, "success")
	return nil
}

func (f *Forwarder) sendWithRetry(ctx context.Context, target string, body []byte) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := f.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("forward: posting to %s: %w", target, err)
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode < 500:
			// The target is arbitrary; any client error is taken as an
			// intentional rejection, 429 included.
			return backoff.Permanent(fmt.Errorf("forward: %s rejected with HTTP %d", target, resp.StatusCode))
		default:
			return fmt.Errorf("forward: %s returned HTTP %d", target, resp.StatusCode)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.retryBase
	policy.Multiplier = 2
	policy.MaxElapsedTime = 0

	return backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(f.retryMax-1)), ctx))
}

// breaker returns the circuit breaker for a host, creating it on first use.
func (f *Forwarder) breaker(host string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Infof("forward: circuit for %s moved %s -> %s", name, from, to)
		},
	})
	f.breakers[host] = cb
	return cb
}
