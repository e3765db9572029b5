package changes

import (
	"context"
	"reflect"
	"testing"

	"github.com/robobridge/robobridge/pkg/statestore"
)

func TestFirstSeenFreePass(t *testing.T) {
	store := statestore.NewMemoryStore()
	detector := NewDetector(store)
	ctx := context.Background()

	fields := map[string]interface{}{"Title": "PO-1", "Status": "Open"}
	diff, err := detector.Detect(ctx, "sites/a/lists/x", "1", fields, nil, nil)
	if err != nil {
		t.Fatalf("detect: %s", err)
	}
	if !diff.FirstSeen {
		t.Error("expected first-seen diff")
	}
	if len(diff.Added) != 0 || len(diff.Removed) != 0 || len(diff.Modified) != 0 {
		t.Errorf("first-seen diff must carry no field entries: %+v", diff)
	}
	if !diff.Changed() {
		t.Error("first-seen must count as changed")
	}

	snap, err := store.Get(ctx, "sites/a/lists/x", "1")
	if err != nil || snap == nil {
		t.Fatalf("baseline not stored after first sight: %v, %v", snap, err)
	}
	if snap.Fields["Title"] != "PO-1" {
		t.Errorf("stored baseline wrong: %+v", snap.Fields)
	}
}

func TestDetectAddedRemovedModified(t *testing.T) {
	store := statestore.NewMemoryStore()
	detector := NewDetector(store)
	ctx := context.Background()
	resource, id := "sites/a/lists/x", "2"

	if _, err := detector.Detect(ctx, resource, id, map[string]interface{}{
		"Status": "Open",
		"Owner":  "amy",
		"Legacy": "drop-me",
	}, nil, nil); err != nil {
		t.Fatalf("seed: %s", err)
	}

	diff, err := detector.Detect(ctx, resource, id, map[string]interface{}{
		"Status": "Closed",
		"Owner":  "amy",
		"DueAt":  "2026-09-01T00:00:00Z",
	}, nil, nil)
	if err != nil {
		t.Fatalf("detect: %s", err)
	}
	if diff.FirstSeen {
		t.Error("second sighting must not be first-seen")
	}
	if !reflect.DeepEqual(diff.Added, []string{"DueAt"}) {
		t.Errorf("added: %v", diff.Added)
	}
	if !reflect.DeepEqual(diff.Removed, []string{"Legacy"}) {
		t.Errorf("removed: %v", diff.Removed)
	}
	change, ok := diff.Modified["Status"]
	if !ok {
		t.Fatalf("Status not in modified: %+v", diff.Modified)
	}
	if change.Old != "Open" || change.New != "Closed" {
		t.Errorf("modified sides: %+v", change)
	}
	if _, ok := diff.Modified["Owner"]; ok {
		t.Error("unchanged field reported as modified")
	}
}

func TestDetectTypeChangeIsModified(t *testing.T) {
	store := statestore.NewMemoryStore()
	detector := NewDetector(store)
	ctx := context.Background()

	seed := map[string]interface{}{"Amount": "120.50"}
	if _, err := detector.Detect(ctx, "r", "1", seed, nil, nil); err != nil {
		t.Fatalf("seed: %s", err)
	}
	diff, err := detector.Detect(ctx, "r", "1", map[string]interface{}{"Amount": nil}, nil, nil)
	if err != nil {
		t.Fatalf("detect: %s", err)
	}
	if _, ok := diff.Modified["Amount"]; !ok {
		t.Errorf("string-to-null must be modified: %+v", diff)
	}
}

func TestDetectNoChanges(t *testing.T) {
	store := statestore.NewMemoryStore()
	detector := NewDetector(store)
	ctx := context.Background()

	fields := map[string]interface{}{"Status": "Open", "Count": float64(3)}
	if _, err := detector.Detect(ctx, "r", "1", fields, nil, nil); err != nil {
		t.Fatalf("seed: %s", err)
	}
	diff, err := detector.Detect(ctx, "r", "1", map[string]interface{}{"Status": "Open", "Count": float64(3)}, nil, nil)
	if err != nil {
		t.Fatalf("detect: %s", err)
	}
	if diff.Changed() {
		t.Errorf("identical state reported as changed: %+v", diff)
	}
	if diff.Summary() != "no changes" {
		t.Errorf("summary: %q", diff.Summary())
	}
}

func TestTimestampPaddingIsNotAChange(t *testing.T) {
	store := statestore.NewMemoryStore()
	detector := NewDetector(store)
	ctx := context.Background()

	if _, err := detector.Detect(ctx, "r", "1", map[string]interface{}{
		"Modified": "2026-08-24T10:15:30.1230000Z",
		"Created":  "2026-08-24T09:00:00.000Z",
	}, nil, nil); err != nil {
		t.Fatalf("seed: %s", err)
	}
	diff, err := detector.Detect(ctx, "r", "1", map[string]interface{}{
		"Modified": "2026-08-24T10:15:30.123Z",
		"Created":  "2026-08-24T09:00:00Z",
	}, nil, nil)
	if err != nil {
		t.Fatalf("detect: %s", err)
	}
	if diff.Changed() {
		t.Errorf("padded timestamps must compare equal: %+v", diff)
	}
}

func TestNormalizeTimestamp(t *testing.T) {
	cases := []struct {
		in, out string
	}{
		{"2026-08-24T10:15:30.1230000Z", "2026-08-24T10:15:30.123Z"},
		{"2026-08-24T10:15:30.000Z", "2026-08-24T10:15:30Z"},
		{"2026-08-24T10:15:30Z", "2026-08-24T10:15:30Z"},
		{"2026-08-24T10:15:30.500+02:00", "2026-08-24T10:15:30.5+02:00"},
		{"2026-08-24 10:15:30.10", "2026-08-24 10:15:30.1"},
		{"not a timestamp", "not a timestamp"},
		{"10.500", "10.500"},
		{"", ""},
	}
	for _, c := range cases {
		if got := normalizeTimestamp(c.in); got != c.out {
			t.Errorf("normalizeTimestamp(%q): got %q, expected %q", c.in, got, c.out)
		}
	}
}

func TestIncludeAppliesBeforeExclude(t *testing.T) {
	store := statestore.NewMemoryStore()
	detector := NewDetector(store)
	ctx := context.Background()

	if _, err := detector.Detect(ctx, "r", "1", map[string]interface{}{
		"Status": "Open", "Owner": "amy", "Notes": "a",
	}, nil, nil); err != nil {
		t.Fatalf("seed: %s", err)
	}

	// Status and Owner both changed, but the include list keeps only
	// Status+Notes and the exclude list then drops Notes.
	diff, err := detector.Detect(ctx, "r", "1", map[string]interface{}{
		"Status": "Closed", "Owner": "bob", "Notes": "b",
	}, []string{"Status", "Notes"}, []string{"Notes"})
	if err != nil {
		t.Fatalf("detect: %s", err)
	}
	if _, ok := diff.Modified["Status"]; !ok {
		t.Errorf("included field not compared: %+v", diff.Modified)
	}
	if _, ok := diff.Modified["Owner"]; ok {
		t.Error("field outside include list was compared")
	}
	if _, ok := diff.Modified["Notes"]; ok {
		t.Error("excluded field was compared")
	}
}

func TestBaselineStoresFullFieldsDespiteFilters(t *testing.T) {
	store := statestore.NewMemoryStore()
	detector := NewDetector(store)
	ctx := context.Background()

	if _, err := detector.Detect(ctx, "r", "1", map[string]interface{}{
		"Status": "Open", "Owner": "amy",
	}, []string{"Status"}, nil); err != nil {
		t.Fatalf("seed: %s", err)
	}

	snap, err := store.Get(ctx, "r", "1")
	if err != nil {
		t.Fatalf("get: %s", err)
	}
	if _, ok := snap.Fields["Owner"]; !ok {
		t.Errorf("filters leaked into the stored baseline: %+v", snap.Fields)
	}
}

func TestDiffSummary(t *testing.T) {
	diff := &Diff{
		Added:    []string{"A"},
		Removed:  []string{},
		Modified: map[string]FieldChange{"B": {Old: 1, New: 2}},
	}
	if got := diff.Summary(); got != "1 added, 1 modified" {
		t.Errorf("summary: %q", got)
	}
	first := &Diff{FirstSeen: true}
	if got := first.Summary(); got != "first time tracking" {
		t.Errorf("first-seen summary: %q", got)
	}
}
