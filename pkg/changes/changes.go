// Package changes computes field-level diffs between an item's current
// state and its stored baseline. A diff both drives delivery decisions
// (skip when nothing changed) and rides along in forwarded envelopes.
package changes

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/robobridge/robobridge/pkg/statestore"
)

// FieldChange carries both sides of a modified field.
type FieldChange struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// Diff is the result of one comparison. FirstSeen marks items that had no
// stored baseline; such diffs carry no field entries but still count as
// changed so the first notification for an item is never suppressed.
type Diff struct {
	Added     []string               `json:"added"`
	Removed   []string               `json:"removed"`
	Modified  map[string]FieldChange `json:"modified"`
	FirstSeen bool                   `json:"isFirstTimeTracking"`
}

// Changed reports whether the diff should trigger delivery.
func (d *Diff) Changed() bool {
	return d.FirstSeen || len(d.Added) > 0 || len(d.Removed) > 0 || len(d.Modified) > 0
}

// Summary renders a short human-readable account for logs and tracking rows.
func (d *Diff) Summary() string {
	if d.FirstSeen {
		return "first time tracking"
	}
	if !d.Changed() {
		return "no changes"
	}
	parts := []string{}
	if n := len(d.Added); n > 0 {
		parts = append(parts, fmt.Sprintf("%d added", n))
	}
	if n := len(d.Removed); n > 0 {
		parts = append(parts, fmt.Sprintf("%d removed", n))
	}
	if n := len(d.Modified); n > 0 {
		parts = append(parts, fmt.Sprintf("%d modified", n))
	}
	return strings.Join(parts, ", ")
}

// Restrict returns a copy of the diff narrowed to one destination's
// include/exclude view (include applies first). The receiver is unchanged;
// ingress diffs once per notification and restricts per destination.
func (d *Diff) Restrict(include, exclude []string) *Diff {
	if len(include) == 0 && len(exclude) == 0 {
		return d
	}

	keep := func(key string) bool {
		if len(include) > 0 {
			found := false
			for _, k := range include {
				if k == key {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		for _, k := range exclude {
			if k == key {
				return false
			}
		}
		return true
	}

	out := &Diff{
		Added:     []string{},
		Removed:   []string{},
		Modified:  map[string]FieldChange{},
		FirstSeen: d.FirstSeen,
	}
	for _, k := range d.Added {
		if keep(k) {
			out.Added = append(out.Added, k)
		}
	}
	for _, k := range d.Removed {
		if keep(k) {
			out.Removed = append(out.Removed, k)
		}
	}
	for k, ch := range d.Modified {
		if keep(k) {
			out.Modified[k] = ch
		}
	}
	return out
}

// Detector diffs incoming item state against the snapshot store.
type Detector struct {
	store statestore.Store
}

// NewDetector builds a Detector over the given snapshot store.
func NewDetector(store statestore.Store) *Detector {
	return &Detector{store: store}
}

// Detect compares current against the stored baseline, replaces the
// baseline, and returns the diff. Include and exclude lists narrow which
// fields participate in the comparison (include applies first); the stored
// baseline always keeps the full field set so later destinations with
// different filters diff correctly.
func (d *Detector) Detect(ctx context.Context, resource, itemID string, current map[string]interface{}, include, exclude []string) (*Diff, error) {
	prior, err := d.store.Get(ctx, resource, itemID)
	if err != nil {
		return nil, err
	}

	if prior == nil {
		if err := d.store.Put(ctx, resource, itemID, current); err != nil {
			return nil, err
		}
		return &Diff{
			Added:     []string{},
			Removed:   []string{},
			Modified:  map[string]FieldChange{},
			FirstSeen: true,
		}, nil
	}

	diff := compare(
		Filter(prior.Fields, include, exclude),
		Filter(current, include, exclude),
	)

	if err := d.store.Put(ctx, resource, itemID, current); err != nil {
		return nil, err
	}
	return diff, nil
}

// Previous returns the stored baseline without touching it; processors use
// it for transition gating.
func (d *Detector) Previous(ctx context.Context, resource, itemID string) (map[string]interface{}, error) {
	snap, err := d.store.Get(ctx, resource, itemID)
	if err != nil || snap == nil {
		return nil, err
	}
	return snap.Fields, nil
}

func compare(previous, current map[string]interface{}) *Diff {
	diff := &Diff{
		Added:    []string{},
		Removed:  []string{},
		Modified: map[string]FieldChange{},
	}

	for key, cur := range current {
		prev, existed := previous[key]
		if !existed {
			diff.Added = append(diff.Added, key)
			continue
		}
		if !equalValues(prev, cur) {
			diff.Modified[key] = FieldChange{Old: prev, New: cur}
		}
	}
	for key := range previous {
		if _, exists := current[key]; !exists {
			diff.Removed = append(diff.Removed, key)
		}
	}

	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	return diff
}

// Filter narrows a field map to the destination's view. Include applies
// before exclude; an empty include list means all fields. The input map is
// never mutated. The forwarder applies the same filter to envelope state so
// what a target sees matches what was diffed.
func Filter(fields map[string]interface{}, include, exclude []string) map[string]interface{} {
	var out map[string]interface{}
	if len(include) > 0 {
		out = make(map[string]interface{}, len(include))
		for _, key := range include {
			if v, ok := fields[key]; ok {
				out[key] = v
			}
		}
	} else {
		out = make(map[string]interface{}, len(fields))
		for k, v := range fields {
			out[k] = v
		}
	}
	for _, key := range exclude {
		delete(out, key)
	}
	return out
}

// equalValues compares two field values structurally. String pairs go
// through timestamp normalization first so the platform's habit of padding
// fractional seconds ("...00.1230000Z" vs "...00.123Z") does not read as a
// modification. A type change (string to null, number to string) is unequal.
func equalValues(a, b interface{}) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return normalizeTimestamp(as) == normalizeTimestamp(bs)
	}
	return reflect.DeepEqual(a, b)
}

var timestampPattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2})(\.\d+)?(Z|[+-]\d{2}:?\d{2})?$`)

// normalizeTimestamp collapses trailing zeros in the fractional-second part
// of timestamp-shaped strings. Anything else passes through unchanged.
func normalizeTimestamp(v string) string {
	m := timestampPattern.FindStringSubmatch(v)
	if m == nil {
		return v
	}
	frac := strings.TrimRight(m[2], "0")
	if frac == "." {
		frac = ""
	}
	return m[1] + frac + m[3]
}
