package changes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robobridge/robobridge/pkg/statestore"
)

// applyDiff replays a diff onto a previous field map.
func applyDiff(previous map[string]interface{}, current map[string]interface{}, diff *Diff) map[string]interface{} {
	out := make(map[string]interface{}, len(previous))
	for k, v := range previous {
		out[k] = v
	}
	for _, k := range diff.Added {
		out[k] = current[k]
	}
	for _, k := range diff.Removed {
		delete(out, k)
	}
	for k, ch := range diff.Modified {
		out[k] = ch.New
	}
	return out
}

// Applying the diff between P and C onto P must reproduce C when no
// include/exclude filters are in play.
func TestDiffRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		previous map[string]interface{}
		current  map[string]interface{}
	}{
		{
			"disjoint",
			map[string]interface{}{"A": "1", "B": "2"},
			map[string]interface{}{"C": "3", "D": "4"},
		},
		{
			"overlap with modifications",
			map[string]interface{}{"Status": "Pending", "Amount": 5000.0, "Owner": "a"},
			map[string]interface{}{"Status": "Approved", "Amount": 5500.0, "Owner": "a"},
		},
		{
			"identical",
			map[string]interface{}{"Status": "Open"},
			map[string]interface{}{"Status": "Open"},
		},
		{
			"type change",
			map[string]interface{}{"Note": "text"},
			map[string]interface{}{"Note": nil},
		},
		{
			"empty previous",
			map[string]interface{}{},
			map[string]interface{}{"A": "1"},
		},
		{
			"empty current",
			map[string]interface{}{"A": "1"},
			map[string]interface{}{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := statestore.NewMemoryStore()
			detector := NewDetector(store)
			ctx := context.Background()

			require.NoError(t, store.Put(ctx, "sites/a/lists/x", "1", tc.previous))
			diff, err := detector.Detect(ctx, "sites/a/lists/x", "1", tc.current, nil, nil)
			require.NoError(t, err)
			require.False(t, diff.FirstSeen)

			assert.Equal(t, tc.current, applyDiff(tc.previous, tc.current, diff))
		})
	}
}

func TestRestrict(t *testing.T) {
	diff := &Diff{
		Added:   []string{"A", "B"},
		Removed: []string{"C"},
		Modified: map[string]FieldChange{
			"Status": {Old: "Pending", New: "Approved"},
			"Amount": {Old: 5000.0, New: 5500.0},
		},
	}

	narrowed := diff.Restrict([]string{"A", "Status", "Amount"}, []string{"Amount"})
	assert.Equal(t, []string{"A"}, narrowed.Added)
	assert.Empty(t, narrowed.Removed)
	assert.Equal(t, map[string]FieldChange{
		"Status": {Old: "Pending", New: "Approved"},
	}, narrowed.Modified)

	// No filters: same diff back, untouched.
	assert.Same(t, diff, diff.Restrict(nil, nil))
	assert.Len(t, diff.Added, 2)
}
