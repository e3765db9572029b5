// Package processors maps queue handlers to the logic that decides whether
// an item should be processed, validates it, and shapes the queue item the
// RPA provider receives. Processors are registered by name and looked up at
// dispatch time from the parsed routing spec.
package processors

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/robobridge/robobridge/pkg/rpa"
)

// ValidationError lists the fields a processor requires but the item lacks.
type ValidationError struct {
	MissingFields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing mandatory fields: %s", strings.Join(e.MissingFields, ", "))
}

// Processor is one handler's capability set. ShouldProcess gates on the
// current and previous snapshots (previous may be nil when the item was
// never seen); Validate checks mandatory fields; Transform shapes the queue
// item.
type Processor interface {
	Name() string
	ShouldProcess(current, previous map[string]interface{}) (bool, string)
	Validate(current map[string]interface{}) *ValidationError
	Transform(current map[string]interface{}) (*rpa.QueueItem, error)
}

// Submitter is the slice of the queue client dispatch needs.
type Submitter interface {
	Submit(ctx context.Context, item rpa.QueueItem, opts rpa.Options) rpa.Result
}

// Action classifies what dispatch did with a notification.
type Action string

const (
	ActionSubmitted Action = "submitted"
	ActionSkipped   Action = "skipped"
	ActionRejected  Action = "rejected"
	ActionUnknown   Action = "unknown_handler"
	ActionFailed    Action = "failed"
)

// Outcome is the result of dispatching one item to one handler.
type Outcome struct {
	Processor string
	Action    Action
	Reason    string
	Result    *rpa.Result
}

// Delivered reports whether the provider accepted a queue item.
func (o Outcome) Delivered() bool {
	return o.Action == ActionSubmitted && o.Result != nil && o.Result.Accepted()
}

// Registry holds processors by lower-cased name.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

// NewRegistry returns an empty registry; tests build their own instead of
// sharing the process-wide one.
func NewRegistry() *Registry {
	return &Registry{processors: map[string]Processor{}}
}

// DefaultRegistry returns a registry with the built-in processors.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(NewDocumentProcessor())
	r.MustRegister(NewFormRoutingProcessor())
	return r
}

// Register adds a processor; names are case-insensitive and must be unique.
func (r *Registry) Register(p Processor) error {
	key := strings.ToLower(p.Name())
	if key == "" {
		return fmt.Errorf("processors: processor with empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.processors[key]; exists {
		return fmt.Errorf("processors: %q already registered", key)
	}
	r.processors[key] = p
	return nil
}

// MustRegister is Register for startup wiring.
func (r *Registry) MustRegister(p Processor) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Get looks a processor up by name.
func (r *Registry) Get(name string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[strings.ToLower(name)]
	return p, ok
}

// Names lists registered processors, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.processors))
	for name := range r.processors {
		names = append(names, name)
	}
	return names
}

// Dispatch runs gate, validation, transform and submission for one handler.
// An unknown handler is a non-fatal outcome: the notification was routed to
// a processor this deployment does not carry.
func (r *Registry) Dispatch(ctx context.Context, handler string, submitter Submitter, current, previous map[string]interface{}, opts rpa.Options) Outcome {
	processor, ok := r.Get(handler)
	if !ok {
		log.Warnf("processors: no processor registered for handler %q", handler)
		return Outcome{
			Processor: handler,
			Action:    ActionUnknown,
			Reason:    fmt.Sprintf("no processor registered for handler %q", handler),
		}
	}

	outcome := Outcome{Processor: processor.Name()}

	accept, reason := processor.ShouldProcess(current, previous)
	if !accept {
		log.Infof("processors: %s conditions not met: %s", processor.Name(), reason)
		outcome.Action = ActionSkipped
		outcome.Reason = reason
		return outcome
	}

	if verr := processor.Validate(current); verr != nil {
		log.Warnf("processors: %s validation failed: %s", processor.Name(), verr)
		outcome.Action = ActionRejected
		outcome.Reason = verr.Error()
		return outcome
	}

	item, err := processor.Transform(current)
	if err != nil {
		log.Warnf("processors: %s transform failed: %s", processor.Name(), err)
		outcome.Action = ActionRejected
		outcome.Reason = err.Error()
		return outcome
	}

	result := submitter.Submit(ctx, *item, opts)
	outcome.Result = &result
	if result.Accepted() {
		outcome.Action = ActionSubmitted
		return outcome
	}
	outcome.Action = ActionFailed
	outcome.Reason = fmt.Sprintf("%s: %s", result.Status, result.Detail)
	return outcome
}
