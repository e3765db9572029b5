// Package routing turns the opaque per-subscription client_state blob into a
// typed RoutingSpec. The blob is parsed once per notification; nothing
// downstream ever sees the raw string.
package routing

import (
	"fmt"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Kind tags one destination variant.
type Kind int

const (
	// KindNone deliberately routes nowhere. Useful for subscriptions kept
	// alive only for the tracking counter.
	KindNone Kind = iota
	// KindForward posts the enriched envelope to an arbitrary HTTPS URL.
	KindForward
	// KindQueue submits a queue item to the RPA provider.
	KindQueue
)

func (k Kind) String() string {
	switch k {
	case KindForward:
		return "forward"
	case KindQueue:
		return "uipath"
	default:
		return "none"
	}
}

// Mode selects the forward envelope shape.
type Mode string

const (
	ModeSimple      Mode = "simple"
	ModeWithData    Mode = "withData"
	ModeWithChanges Mode = "withChanges"
)

// Destination is a single parsed routing target.
type Destination struct {
	Kind Kind

	// Forward fields.
	URL             string
	Mode            Mode
	IncludeFields   []string
	ExcludeFields   []string
	ChangeDetection bool

	// Queue fields.
	Handler  string
	Queue    string
	Tenant   string
	FolderID string
	Label    string
}

// NeedsItemData reports whether dispatching this destination requires the
// item's current field state.
func (d Destination) NeedsItemData() bool {
	switch d.Kind {
	case KindQueue:
		return true
	case KindForward:
		return d.Mode != ModeSimple || d.ChangeDetection
	default:
		return false
	}
}

// NeedsChangeDetection reports whether this destination wants a diff against
// the stored snapshot. withChanges implies change detection.
func (d Destination) NeedsChangeDetection() bool {
	return d.Kind == KindForward && (d.ChangeDetection || d.Mode == ModeWithChanges)
}

// Spec is the parsed client_state. Destinations holds only targets that
// passed validation; Dropped records one reason per discarded destination.
type Spec struct {
	Destinations []Destination
	Dropped      []string
}

// IsEmpty reports whether the spec routes nowhere.
func (s *Spec) IsEmpty() bool {
	return len(s.Destinations) == 0
}

// NeedsItemData reports whether any destination requires item state.
func (s *Spec) NeedsItemData() bool {
	for _, d := range s.Destinations {
		if d.NeedsItemData() {
			return true
		}
	}
	return false
}

// NeedsChangeDetection reports whether any destination wants diffs.
func (s *Spec) NeedsChangeDetection() bool {
	for _, d := range s.Destinations {
		if d.NeedsChangeDetection() {
			return true
		}
	}
	return false
}

// Description renders a short human-readable summary for tracking rows.
func (s *Spec) Description() string {
	if s.IsEmpty() {
		return "no routing configured"
	}
	parts := make([]string, 0, len(s.Destinations))
	for _, d := range s.Destinations {
		switch d.Kind {
		case KindForward:
			p := fmt.Sprintf("forward to %s (%s)", d.URL, d.Mode)
			if d.ChangeDetection {
				p += " with change detection"
			}
			parts = append(parts, p)
		case KindQueue:
			p := fmt.Sprintf("queue via %s", d.Handler)
			if d.Queue != "" {
				p += " to " + d.Queue
			}
			if d.Tenant != "" {
				p += " [" + d.Tenant + "]"
			}
			parts = append(parts, p)
		default:
			parts = append(parts, "none")
		}
	}
	return strings.Join(parts, "; ")
}

// Parse parses a client_state blob. Both the current pipe-pair format and
// the legacy semicolon-pair format are accepted and produce identical specs.
// Invalid destinations are dropped individually and reported in Dropped; the
// remaining destinations stay usable.
func Parse(raw string) *Spec {
	spec := &Spec{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return spec
	}

	var legacy []pair
	flushLegacy := func() {
		if len(legacy) > 0 {
			spec.add(legacy)
			legacy = nil
		}
	}

	for _, segment := range strings.Split(raw, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		if strings.Contains(segment, "|") {
			// A complete destination in the current format.
			flushLegacy()
			spec.add(parsePairs(segment, "|"))
			continue
		}
		// One legacy key:value pair. A destination-selecting key starts a
		// new destination when the accumulator already holds one.
		p, ok := parsePair(segment)
		if !ok {
			log.Warnf("client_state: ignoring malformed segment %q", segment)
			continue
		}
		if isDestinationKey(p.key) && hasDestinationKey(legacy) {
			flushLegacy()
		}
		legacy = append(legacy, p)
	}
	flushLegacy()

	return spec
}

type pair struct {
	key   string
	value string
}

func parsePairs(segment, sep string) []pair {
	var pairs []pair
	for _, field := range strings.Split(segment, sep) {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		p, ok := parsePair(field)
		if !ok {
			log.Warnf("client_state: ignoring malformed pair %q", field)
			continue
		}
		pairs = append(pairs, p)
	}
	return pairs
}

func parsePair(field string) (pair, bool) {
	idx := strings.Index(field, ":")
	if idx <= 0 {
		return pair{}, false
	}
	return pair{
		key:   strings.ToLower(strings.TrimSpace(field[:idx])),
		value: strings.TrimSpace(field[idx+1:]),
	}, true
}

func isDestinationKey(key string) bool {
	return key == "destination" || key == "processor"
}

func hasDestinationKey(pairs []pair) bool {
	for _, p := range pairs {
		if isDestinationKey(p.key) {
			return true
		}
	}
	return false
}

// add assembles pairs into a Destination, validates it, and appends it to
// the spec (or to Dropped with a reason).
func (s *Spec) add(pairs []pair) {
	if len(pairs) == 0 {
		return
	}

	d := Destination{Mode: ModeSimple}
	kindSet := false
	modeSet := false

	for _, p := range pairs {
		switch p.key {
		case "destination":
			d.Kind = parseKind(p.value)
			kindSet = true
		case "processor":
			// Legacy alias: processor:uipath selected the destination;
			// any other value named the handler.
			if k := parseKind(p.value); k != KindNone || strings.EqualFold(p.value, "none") {
				d.Kind = k
				kindSet = true
			} else {
				d.Handler = p.value
				d.Kind = KindQueue
				kindSet = true
			}
		case "handler":
			d.Handler = p.value
		case "queue":
			d.Queue = p.value
		case "tenant", "env":
			d.Tenant = strings.ToUpper(p.value)
		case "folder":
			d.FolderID = p.value
		case "label":
			d.Label = p.value
		case "url", "webhook":
			d.URL = p.value
		case "changedetection":
			d.ChangeDetection = strings.EqualFold(p.value, "enabled") || strings.EqualFold(p.value, "true")
		case "includefields":
			d.IncludeFields = splitFieldList(p.value)
		case "excludefields":
			d.ExcludeFields = splitFieldList(p.value)
		case "mode":
			d.Mode = parseMode(p.value)
			modeSet = true
		default:
			log.Warnf("client_state: unknown key %q ignored", p.key)
		}
	}

	// Infer the kind when only shape-specific keys were given.
	if !kindSet {
		switch {
		case d.URL != "":
			d.Kind = KindForward
		case d.Handler != "" || d.Queue != "":
			d.Kind = KindQueue
		}
	}

	// changeDetection:enabled without an explicit mode means the caller
	// wants the diff delivered, not just computed; the envelope carries the
	// changes block only in withChanges mode.
	if d.ChangeDetection && !modeSet {
		d.Mode = ModeWithChanges
	}

	if err := d.validate(); err != nil {
		s.Dropped = append(s.Dropped, err.Error())
		return
	}
	s.Destinations = append(s.Destinations, d)
}

func (d Destination) validate() error {
	switch d.Kind {
	case KindForward:
		if d.URL == "" {
			return fmt.Errorf("forward destination without url")
		}
		u, err := url.Parse(d.URL)
		if err != nil {
			return fmt.Errorf("forward destination with unparseable url %q: %w", d.URL, err)
		}
		if u.Scheme != "https" {
			return fmt.Errorf("forward destination requires https, got %q", d.URL)
		}
	case KindQueue:
		if d.Handler == "" {
			return fmt.Errorf("queue destination without handler")
		}
		if d.FolderID != "" && !isDigits(d.FolderID) {
			return fmt.Errorf("queue destination with non-numeric folder %q", d.FolderID)
		}
	}
	return nil
}

func parseKind(v string) Kind {
	switch strings.ToLower(v) {
	case "forward":
		return KindForward
	case "uipath", "rpa", "queue":
		return KindQueue
	default:
		return KindNone
	}
}

func parseMode(v string) Mode {
	switch strings.ToLower(v) {
	case "withdata":
		return ModeWithData
	case "withchanges":
		return ModeWithChanges
	default:
		return ModeSimple
	}
}

func splitFieldList(v string) []string {
	var fields []string
	for _, f := range strings.Split(v, ",") {
		f = strings.TrimSpace(f)
		if f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
