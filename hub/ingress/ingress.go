// Package ingress is the notification entry point: the validation handshake,
// deduplication, item enrichment, change detection and the fan-out to queue
// and forward destinations. The platform suspends subscriptions whose
// callbacks fail, so notification mode answers 200 no matter what went wrong
// inside; failures surface in logs and counters only.
package ingress

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/robobridge/robobridge/pkg/changes"
	"github.com/robobridge/robobridge/pkg/forward"
	"github.com/robobridge/robobridge/pkg/platform"
	"github.com/robobridge/robobridge/pkg/processors"
	"github.com/robobridge/robobridge/pkg/routing"
	"github.com/robobridge/robobridge/pkg/rpa"
	"github.com/robobridge/robobridge/pkg/statestore"
)

const (
	// maxBodyBytes bounds a notification callback body.
	maxBodyBytes = 1 << 20

	// maxValidationTokenBytes bounds the echoed handshake token.
	maxValidationTokenBytes = 2 << 10

	// counterBumpTimeout bounds the fire-and-forget tracking update.
	counterBumpTimeout = 10 * time.Second
)

// ItemSource resolves notifications to current item state.
type ItemSource interface {
	GetItem(ctx context.Context, resource, itemID string) (*platform.Item, error)
	MostRecentItem(ctx context.Context, resource string) (*platform.Item, error)
}

// Tracker bumps per-subscription notification counters.
type Tracker interface {
	BumpCounter(ctx context.Context, subscriptionID string)
}

// Pipeline processes notification callbacks end to end.
type Pipeline struct {
	items     ItemSource
	detector  *changes.Detector
	registry  *processors.Registry
	submitter processors.Submitter
	forwarder *forward.Forwarder
	tracker   Tracker
	sink      statestore.FailureSink

	dedup    *gocache.Cache
	dedupTTL time.Duration
	sem      *semaphore.Weighted

	log *log.Entry
}

// Options wires a Pipeline. Submitter, Tracker and Sink may be nil: queue
// destinations then fail non-fatally, counter bumps are skipped, and failed
// deliveries are not recorded.
type Options struct {
	Items       ItemSource
	Detector    *changes.Detector
	Registry    *processors.Registry
	Submitter   processors.Submitter
	Forwarder   *forward.Forwarder
	Tracker     Tracker
	Sink        statestore.FailureSink
	DedupTTL    time.Duration
	FanoutLimit int
}

// New builds a Pipeline. The dedup cache is owned by the pipeline; tests
// construct a fresh Pipeline instead of sharing one.
func New(opts Options) *Pipeline {
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 60 * time.Second
	}
	if opts.FanoutLimit < 1 {
		opts.FanoutLimit = 10
	}
	return &Pipeline{
		items:     opts.Items,
		detector:  opts.Detector,
		registry:  opts.Registry,
		submitter: opts.Submitter,
		forwarder: opts.Forwarder,
		tracker:   opts.Tracker,
		sink:      opts.Sink,
		dedup:     gocache.New(opts.DedupTTL, 2*opts.DedupTTL),
		dedupTTL:  opts.DedupTTL,
		sem:       semaphore.NewWeighted(int64(opts.FanoutLimit)),
		log:       log.WithFields(log.Fields{"component": "ingress"}),
	}
}

// Handle serves the notification callback. A request carrying a
// validationToken query parameter is the platform's handshake and is answered
// before any other work; everything else is notification mode, which always
// acknowledges with 200.
func (p *Pipeline) Handle(w http.ResponseWriter, req *http.Request) {
	if token := req.URL.Query().Get("validationToken"); token != "" {
		p.handshake(w, token)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		p.log.Warnf("reading notification body: %s", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	notifications, dropped := platform.DecodeBatch(body)
	for i := 0; i < dropped; i++ {
		recordNotification("invalid")
	}
	if dropped > 0 {
		p.log.Warnf("dropped %d malformed notifications from batch", dropped)
	}

	for i := range notifications {
		outcome := p.process(req.Context(), &notifications[i])
		recordNotification(outcome)
	}

	w.WriteHeader(http.StatusOK)
}

// handshake echoes the validation token verbatim. Time-sensitive: the
// platform abandons subscription creation when the echo is slow, so nothing
// authenticated happens first.
func (p *Pipeline) handshake(w http.ResponseWriter, token string) {
	if len(token) > maxValidationTokenBytes {
		token = token[:maxValidationTokenBytes]
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, token)
}

// process runs one notification through dedup, enrichment and dispatch and
// returns the outcome label. It never returns an error: per-notification
// failures are absorbed here.
func (p *Pipeline) process(ctx context.Context, n *platform.Notification) string {
	logger := p.log.WithFields(log.Fields{
		"request":      uuid.NewString()[:8],
		"subscription": n.SubscriptionID,
		"resource":     n.Resource,
		"change":       n.ChangeType,
	})

	key := p.dedupKey(n)
	if _, seen := p.dedup.Get(key); seen {
		logger.Infof("duplicate notification suppressed")
		return "duplicate"
	}
	p.dedup.SetDefault(key, struct{}{})

	if p.tracker != nil {
		go func(id string) {
			bumpCtx, cancel := context.WithTimeout(context.Background(), counterBumpTimeout)
			defer cancel()
			p.tracker.BumpCounter(bumpCtx, id)
		}(n.SubscriptionID)
	}

	spec := routing.Parse(n.ClientState)
	for _, reason := range spec.Dropped {
		logger.Warnf("destination dropped: %s", reason)
	}
	if spec.IsEmpty() {
		logger.Infof("notification has no routable destinations")
		return "no_destinations"
	}

	current, previous, diff, err := p.enrich(ctx, logger, n, spec)
	if err != nil {
		// Nothing was dispatched; release the dedup slot so the platform's
		// redelivery of this change is processed, not suppressed.
		p.dedup.Delete(key)
		logger.Warnf("enrichment failed: %s", err)
		return "enrichment_failed"
	}

	p.dispatchAll(ctx, logger, n, spec, current, previous, diff)
	return "processed"
}

// dedupKey buckets a notification by arrival time. The platform carries no
// change timestamp on the wire, so arrival-time buckets within the TTL stand
// in for the change-timestamp buckets of the dedup contract.
func (p *Pipeline) dedupKey(n *platform.Notification) string {
	bucket := time.Now().Truncate(p.dedupTTL).Unix()
	return fmt.Sprintf("%s|%s|%s|%d", n.SubscriptionID, n.ChangeType, n.ItemID(), bucket)
}

// enrich fetches item state and runs change detection when any destination
// needs them. The baseline is replaced whenever item state was fetched, so
// transition gates always compare against the state of the previous
// notification, not an arbitrarily stale one.
func (p *Pipeline) enrich(ctx context.Context, logger *log.Entry, n *platform.Notification, spec *routing.Spec) (current, previous map[string]interface{}, diff *changes.Diff, err error) {
	if !spec.NeedsItemData() || p.items == nil {
		return nil, nil, nil, nil
	}

	var item *platform.Item
	if id := n.ItemID(); id != "" {
		item, err = p.items.GetItem(ctx, n.Resource, id)
	} else {
		// Best-effort: with several items changing in one batch this can
		// resolve to the wrong one.
		logger.Debugf("notification carries no item id, falling back to most-recent change")
		item, err = p.items.MostRecentItem(ctx, n.Resource)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	if item == nil {
		return nil, nil, nil, fmt.Errorf("no item resolved on %s", n.Resource)
	}

	current = make(map[string]interface{}, len(item.Fields)+1)
	for k, v := range item.Fields {
		current[k] = v
	}
	if _, ok := current["id"]; !ok {
		current["id"] = item.ID
	}

	if p.detector != nil {
		previous, err = p.detector.Previous(ctx, n.Resource, item.ID)
		if err != nil {
			return nil, nil, nil, err
		}
		diff, err = p.detector.Detect(ctx, n.Resource, item.ID, current, nil, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Debugf("change detection: %s", diff.Summary())
	}
	return current, previous, diff, nil
}

// dispatchAll fans destinations out under the bounded semaphore and waits
// for them. Destinations are isolated: a panic or failure in one never
// reaches its siblings.
func (p *Pipeline) dispatchAll(ctx context.Context, logger *log.Entry, n *platform.Notification, spec *routing.Spec, current, previous map[string]interface{}, diff *changes.Diff) {
	var wg sync.WaitGroup
	for i := range spec.Destinations {
		dest := &spec.Destinations[i]
		if err := p.sem.Acquire(ctx, 1); err != nil {
			logger.Warnf("dispatch cancelled before %s destination started: %s", dest.Kind, err)
			recordDispatch(dest.Kind.String(), "cancelled")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("dispatch to %s destination panicked: %v", dest.Kind, r)
					recordDispatch(dest.Kind.String(), "panic")
				}
			}()
			p.dispatch(ctx, logger, n, dest, current, previous, diff)
		}()
	}
	wg.Wait()
}

func (p *Pipeline) dispatch(ctx context.Context, logger *log.Entry, n *platform.Notification, dest *routing.Destination, current, previous map[string]interface{}, diff *changes.Diff) {
	switch dest.Kind {
	case routing.KindQueue:
		p.dispatchQueue(ctx, logger, n, dest, current, previous)
	case routing.KindForward:
		p.dispatchForward(ctx, logger, n, dest, current, previous, diff)
	default:
		recordDispatch(dest.Kind.String(), "none")
	}
}

func (p *Pipeline) dispatchQueue(ctx context.Context, logger *log.Entry, n *platform.Notification, dest *routing.Destination, current, previous map[string]interface{}) {
	if p.submitter == nil {
		logger.Warnf("queue destination %q skipped: RPA submission is disabled", dest.Handler)
		recordDispatch("uipath", "disabled")
		return
	}

	outcome := p.registry.Dispatch(ctx, dest.Handler, p.submitter, current, previous, rpa.Options{
		Queue:    dest.Queue,
		Tenant:   dest.Tenant,
		FolderID: dest.FolderID,
	})
	recordDispatch("uipath", string(outcome.Action))

	switch outcome.Action {
	case processors.ActionSubmitted:
		logger.Infof("queue item submitted via %s", outcome.Processor)
	case processors.ActionSkipped:
		logger.Infof("queue dispatch skipped: %s", outcome.Reason)
	default:
		logger.Warnf("queue dispatch %s: %s", outcome.Action, outcome.Reason)
		statestore.RecordFailure(ctx, p.sink, statestore.FailedItem{
			Resource:    n.Resource,
			ItemID:      itemIDOf(current, n),
			Destination: "uipath:" + dest.Handler,
			Reason:      fmt.Sprintf("%s: %s", outcome.Action, outcome.Reason),
		})
	}
}

func (p *Pipeline) dispatchForward(ctx context.Context, logger *log.Entry, n *platform.Notification, dest *routing.Destination, current, previous map[string]interface{}, diff *changes.Diff) {
	if p.forwarder == nil {
		recordDispatch("forward", "disabled")
		return
	}

	var restricted *changes.Diff
	if diff != nil && dest.NeedsChangeDetection() {
		restricted = diff.Restrict(dest.IncludeFields, dest.ExcludeFields)
	}
	payload := forward.BuildPayload(dest, n, current, previous, restricted)
	if err := p.forwarder.Send(ctx, dest.URL, payload); err != nil {
		logger.Warnf("forward to %s failed: %s", dest.URL, err)
		recordDispatch("forward", "failed")
		statestore.RecordFailure(ctx, p.sink, statestore.FailedItem{
			Resource:    n.Resource,
			ItemID:      itemIDOf(current, n),
			Destination: dest.URL,
			Reason:      err.Error(),
		})
		return
	}
	logger.Infof("notification forwarded to %s", dest.URL)
	recordDispatch("forward", "success")
}

func itemIDOf(current map[string]interface{}, n *platform.Notification) string {
	if current != nil {
		if id, ok := current["id"].(string); ok && id != "" {
			return id
		}
	}
	return n.ItemID()
}
