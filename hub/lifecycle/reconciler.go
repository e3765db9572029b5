package lifecycle

import (
	"context"
	"time"

	"github.com/robobridge/robobridge/pkg/platform"
	"github.com/robobridge/robobridge/pkg/tracking"
)

// Summary accounts for one reconciler sweep.
type Summary struct {
	Live      int `json:"live"`
	Renewed   int `json:"renewed"`
	Recreated int `json:"recreated"`
	Orphaned  int `json:"orphaned"`
	Created   int `json:"trackingRowsCreated"`
	Failures  int `json:"failures"`
}

// Reconcile renews subscriptions inside the renewal window and converges the
// tracking list: rows without a live subscription are marked deleted, live
// subscriptions without a row get one. Per-subscription failures are counted
// and logged; they never abort the sweep. Only a failure to enumerate live
// subscriptions is fatal, since nothing can be converged without the list.
func (m *Manager) Reconcile(ctx context.Context) (Summary, error) {
	var summary Summary

	subs, err := m.api.ListSubscriptions(ctx)
	if err != nil {
		recordReconcile("list_failed")
		return summary, err
	}
	summary.Live = len(subs)

	var records []tracking.Record
	if m.tracker != nil {
		records, err = m.tracker.List(ctx)
		if err != nil {
			m.log.Warnf("tracking list unavailable, renewing without convergence: %s", err)
			records = nil
		}
	}
	recordsByID := map[string]tracking.Record{}
	for _, rec := range records {
		recordsByID[rec.SubscriptionID] = rec
	}

	liveIDs := map[string]bool{}
	for i := range subs {
		sub := &subs[i]
		liveIDs[sub.ID] = true

		renewed := m.renewIfNeeded(ctx, sub, recordsByID, &summary)
		if renewed != nil {
			sub = renewed
			liveIDs[sub.ID] = true
		}

		if m.tracker != nil {
			if _, tracked := recordsByID[sub.ID]; !tracked {
				m.upsertTracking(ctx, sub)
				summary.Created++
			}
		}
	}

	for _, rec := range records {
		if rec.Status == tracking.StatusDeleted || liveIDs[rec.SubscriptionID] {
			continue
		}
		if err := m.tracker.MarkDeleted(ctx, rec.SubscriptionID); err != nil {
			m.log.Warnf("marking orphan row %s deleted: %s", rec.SubscriptionID, err)
			summary.Failures++
			continue
		}
		m.log.Infof("tracking row %s orphaned, marked deleted", rec.SubscriptionID)
		summary.Orphaned++
	}

	recordReconcile("completed")
	m.log.Infof("reconcile: %d live, %d renewed, %d recreated, %d orphaned, %d failures",
		summary.Live, summary.Renewed, summary.Recreated, summary.Orphaned, summary.Failures)
	return summary, nil
}

// renewIfNeeded renews one subscription when it expires inside the renewal
// window. A 404 means the platform already dropped it; the subscription is
// recreated from its tracking row when one exists. Returns the replacement
// subscription when recreation happened.
func (m *Manager) renewIfNeeded(ctx context.Context, sub *platform.Subscription, recordsByID map[string]tracking.Record, summary *Summary) *platform.Subscription {
	expiresAt := sub.ExpiresAt()
	if !expiresAt.IsZero() && time.Until(expiresAt) > m.renewalWindow {
		return nil
	}

	renewed, err := m.api.RenewSubscription(ctx, sub.ID, platform.MaxExpiry())
	if err == nil {
		m.log.Infof("subscription %s renewed until %s", sub.ID, renewed.ExpirationDateTime)
		recordRenewal("renewed")
		summary.Renewed++
		m.refreshTrackingExpiry(ctx, sub, renewed, recordsByID)
		return nil
	}

	if !platform.IsNotFound(err) {
		m.log.Warnf("renewing subscription %s: %s", sub.ID, err)
		recordRenewal("failed")
		summary.Failures++
		return nil
	}

	// Gone on the platform side. Recreate from the tracking row so the
	// routing configuration survives the platform dropping a subscription.
	rec, tracked := recordsByID[sub.ID]
	if !tracked {
		m.log.Warnf("subscription %s vanished and has no tracking row to recreate from", sub.ID)
		recordRenewal("vanished")
		summary.Failures++
		return nil
	}

	created, err := m.api.CreateSubscription(ctx, &platform.Subscription{
		Resource:           rec.Resource,
		ChangeType:         sub.ChangeType,
		NotificationURL:    m.callbackURL,
		ClientState:        rec.ClientState,
		ExpirationDateTime: platform.MaxExpiry().Format(time.RFC3339),
	})
	if err != nil {
		m.log.Warnf("recreating vanished subscription %s on %s: %s", sub.ID, rec.Resource, err)
		recordRenewal("recreate_failed")
		summary.Failures++
		return nil
	}

	m.log.Infof("subscription %s vanished, recreated as %s", sub.ID, created.ID)
	recordRenewal("recreated")
	summary.Recreated++
	if m.tracker != nil {
		if err := m.tracker.MarkDeleted(ctx, sub.ID); err != nil {
			m.log.Warnf("marking replaced row %s deleted: %s", sub.ID, err)
		}
		m.upsertTracking(ctx, created)
	}
	return created
}

// refreshTrackingExpiry pushes a renewed expiry into an existing tracking
// row, preserving the rest of the row.
func (m *Manager) refreshTrackingExpiry(ctx context.Context, sub, renewed *platform.Subscription, recordsByID map[string]tracking.Record) {
	if m.tracker == nil {
		return
	}
	rec, tracked := recordsByID[sub.ID]
	if !tracked {
		return
	}
	rec.ExpiresAt = renewed.ExpiresAt()
	if err := m.tracker.Upsert(ctx, rec); err != nil {
		m.log.Warnf("refreshing expiry on row %s: %s", sub.ID, err)
	}
}
