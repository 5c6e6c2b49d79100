package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeDiff(t *testing.T) {
	tests := []struct {
		name   string
		before map[string]any
		after  map[string]any
		want   []FieldChange
	}{
		{
			name: "both empty",
			want: []FieldChange{},
		},
		{
			name:   "added removed changed sorted by field",
			before: map[string]any{"status": "open", "note": "x"},
			after:  map[string]any{"status": "done", "driver": "A"},
			want: []FieldChange{
				{Field: "driver", After: "A"},
				{Field: "note", Before: "x"},
				{Field: "status", Before: "open", After: "done"},
			},
		},
		{
			name:   "numerically equal values are unchanged",
			before: map[string]any{"mileage": 3},
			after:  map[string]any{"mileage": 3.0},
			want:   []FieldChange{},
		},
		{
			name:   "nested values compared deeply",
			before: map[string]any{"geo": map[string]any{"lat": 1.5}},
			after:  map[string]any{"geo": map[string]any{"lat": 1.5}},
			want:   []FieldChange{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeDiff(tt.before, tt.after))
		})
	}
}

func TestActionFor(t *testing.T) {
	assert.Equal(t, ActionCreate, ActionFor(nil, map[string]any{"status": "open"}))
	assert.Equal(t, ActionStatusChange, ActionFor(map[string]any{"status": "open"}, map[string]any{"status": "done"}))
	assert.Equal(t, ActionUpdate, ActionFor(map[string]any{"status": "open"}, map[string]any{"status": "open", "note": "n"}))
	assert.Equal(t, ActionUpdate, ActionFor(map[string]any{"status": "open"}, map[string]any{"note": "n"}))
}
