package queue

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Tag groups related deferred edits so they can be drained together.
type Tag string

const (
	TagForms      Tag = "forms"
	TagImages     Tag = "images"
	TagSignatures Tag = "signatures"
	// TagAll is a drain selector only; edits never carry it.
	TagAll Tag = "all"
)

// ParseTag validates a tag name. The empty string maps to TagAll.
func ParseTag(s string) (Tag, error) {
	switch Tag(s) {
	case "", TagAll:
		return TagAll, nil
	case TagForms, TagImages, TagSignatures:
		return Tag(s), nil
	}
	return "", fmt.Errorf("unknown sync tag %q (want forms, images, signatures or all)", s)
}

// SyncName returns the deferred-execution registration name for the tag:
// sync-forms, sync-images, sync-signatures or sync-all.
func (t Tag) SyncName() string {
	if t == "" {
		t = TagAll
	}
	return "sync-" + string(t)
}

// Matches reports whether an edit carrying tag e is drained by selector t.
func (t Tag) Matches(e Tag) bool {
	return t == TagAll || t == "" || t == e
}

// Status is the lifecycle state of a queued edit.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in-flight"
	StatusFailed   Status = "failed"
	// StatusApplied is reported to observers; applied edits are removed from the queue.
	StatusApplied Status = "applied"
)

// Edit is one pending mutation captured on the device.
type Edit struct {
	ID            string         `json:"id" yaml:"id" toml:"id"`
	Seq           int64          `json:"seq" yaml:"seq" toml:"seq"`
	RecordID      string         `json:"recordId" yaml:"recordId" toml:"recordId"`
	Fields        map[string]any `json:"fields" yaml:"fields" toml:"fields"`
	ModifiedAt    time.Time      `json:"modifiedAt" yaml:"modifiedAt" toml:"modifiedAt"`
	Tag           Tag            `json:"tag" yaml:"tag" toml:"tag"`
	Tags          []Tag          `json:"tags" yaml:"tags" toml:"tags"`
	Attempt       int            `json:"attempt" yaml:"attempt" toml:"attempt"`
	Status        Status         `json:"status" yaml:"status" toml:"status"`
	LastError     string         `json:"lastError,omitempty" yaml:"lastError,omitempty" toml:"lastError,omitempty"`
	NextAttemptAt time.Time      `json:"nextAttemptAt,omitempty" yaml:"nextAttemptAt,omitempty" toml:"nextAttemptAt,omitempty"`
}

// Validate checks the caller-supplied parts of an edit.
func (e *Edit) Validate() error {
	if e.RecordID == "" {
		return fmt.Errorf("record id is required")
	}
	if len(e.Fields) == 0 {
		return fmt.Errorf("at least one changed field is required")
	}
	switch e.Tag {
	case TagForms, TagImages, TagSignatures:
	default:
		return fmt.Errorf("edit tag must be forms, images or signatures (got %q)", e.Tag)
	}
	return nil
}

// Carries reports whether selector t drains this edit. Tags holds the edit's
// own Tag plus the tags of every edit coalesced into it.
func (e *Edit) Carries(t Tag) bool {
	if t == TagAll || t == "" {
		return true
	}
	if e.Tag == t {
		return true
	}
	for _, have := range e.Tags {
		if have == t {
			return true
		}
	}
	return false
}

// LocalMap returns the edit as a field map suitable for reconciliation, with
// the modification time under "modifiedAt" in unix milliseconds.
func (e *Edit) LocalMap() map[string]any {
	out := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["modifiedAt"] = e.ModifiedAt.UnixMilli()
	return out
}

// mergeFields overlays next on base; keys in next win.
func mergeFields(base, next map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(next))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range next {
		out[k] = v
	}
	return out
}

// addTags returns tags with each of more appended unless already present.
func addTags(tags []Tag, more ...Tag) []Tag {
	out := append([]Tag(nil), tags...)
	for _, t := range more {
		if t == "" || t == TagAll || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// encodeTags stores a tag set as ",forms,images," so a single tag can be
// matched with instr.
func encodeTags(tags []Tag) string {
	var b strings.Builder
	b.WriteString(",")
	for _, t := range tags {
		b.WriteString(string(t))
		b.WriteString(",")
	}
	return b.String()
}

func decodeTags(s string) []Tag {
	var tags []Tag
	for _, part := range strings.Split(s, ",") {
		if part != "" {
			tags = append(tags, Tag(part))
		}
	}
	return tags
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
