package audit

import (
	"encoding/json"
	"reflect"
	"sort"
)

// ComputeDiff returns the field-level delta from before to after, sorted by
// field name. Values are compared by their JSON encoding, so 3 and 3.0 are the
// same value.
func ComputeDiff(before, after map[string]any) []FieldChange {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}

	fields := make([]string, 0, len(keys))
	for k := range keys {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	changes := []FieldChange{}
	for _, field := range fields {
		b, inBefore := before[field]
		a, inAfter := after[field]
		if inBefore && inAfter && sameValue(b, a) {
			continue
		}
		changes = append(changes, FieldChange{Field: field, Before: b, After: a})
	}
	return changes
}

func sameValue(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	aj, aerr := json.Marshal(a)
	bj, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	var an, bn any
	if json.Unmarshal(aj, &an) != nil || json.Unmarshal(bj, &bn) != nil {
		return false
	}
	return reflect.DeepEqual(an, bn)
}

// ActionFor classifies a mutation: the first write to a task is a create, a
// write that changes the status field is a status change, anything else is
// an update.
func ActionFor(before, after map[string]any) Action {
	if len(before) == 0 {
		return ActionCreate
	}
	if _, ok := after["status"]; ok && !sameValue(before["status"], after["status"]) {
		return ActionStatusChange
	}
	return ActionUpdate
}
