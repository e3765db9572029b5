package processors

import (
	"fmt"
	"time"

	"github.com/robobridge/robobridge/pkg/rpa"
	"github.com/robobridge/robobridge/pkg/sanitize"
)

const (
	// triggerStatus is the Status value that releases a form for routing.
	triggerStatus = "Send Generated Form"

	statusField = "Status"
)

// mandatoryFormFields must all be present before a form is queued.
var mandatoryFormFields = []string{
	"ShipToEmail",
	"ShipDate",
	"FormStyle",
	"PurchaseOrder",
}

// FormRoutingProcessor queues a form exactly once, on the transition into
// the trigger status. The gate compares against the previous snapshot, not
// the notification itself: the platform batches and reorders notifications,
// so "this notification announced the transition" is not a safe assumption.
type FormRoutingProcessor struct {
	// now is swappable for priority tests.
	now func() time.Time
}

// NewFormRoutingProcessor returns the built-in status-gated form handler.
func NewFormRoutingProcessor() *FormRoutingProcessor {
	return &FormRoutingProcessor{now: time.Now}
}

// Name implements Processor.
func (p *FormRoutingProcessor) Name() string {
	return "formrouting"
}

// ShouldProcess implements Processor.
func (p *FormRoutingProcessor) ShouldProcess(current, previous map[string]interface{}) (bool, string) {
	status := stringValue(current, statusField)
	if status != triggerStatus {
		return false, fmt.Sprintf("status is %q, waiting for %q", status, triggerStatus)
	}
	if previous != nil && stringValue(previous, statusField) == triggerStatus {
		return false, "status was already at trigger value, form already routed"
	}
	return true, ""
}

// Validate implements Processor.
func (p *FormRoutingProcessor) Validate(current map[string]interface{}) *ValidationError {
	var missing []string
	for _, f := range mandatoryFormFields {
		if stringValue(current, f) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{MissingFields: missing}
	}
	return nil
}

// Transform implements Processor. Forms whose ship date has already passed
// go in at high priority.
func (p *FormRoutingProcessor) Transform(current map[string]interface{}) (*rpa.QueueItem, error) {
	id := stringValue(current, "id")
	po := stringValue(current, "PurchaseOrder")

	item := &rpa.QueueItem{
		Priority:        rpa.PriorityNormal,
		Reference:       fmt.Sprintf("FORM_%s_%s_%d", po, id, time.Now().UnixMilli()),
		SpecificContent: sanitize.Content(current),
	}

	if shipDate, ok := parseDate(stringValue(current, "ShipDate")); ok {
		item.DueDate = &shipDate
		if !shipDate.After(p.now()) {
			item.Priority = rpa.PriorityHigh
		}
	}
	return item, nil
}

// parseDate accepts the date shapes the platform emits for date columns.
func parseDate(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
