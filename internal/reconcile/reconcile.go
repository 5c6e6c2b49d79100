// Package reconcile decides which of two divergent copies of a record is
// current.
//
// The policy is last-writer-wins over a total order of timestamps, biased
// toward the server: the server copy is adopted whenever it is equal-or-newer,
// and the local copy only when it is strictly newer. Reconcile is a pure
// function and never fails.
package reconcile

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Source identifies which copy won a reconciliation.
type Source string

const (
	SourceServer Source = "server"
	SourceLocal  Source = "local"
)

// Keys names the fields Reconcile reads timestamps and writer identity from.
type Keys struct {
	// LocalModified holds the device-side modification time. Default: modifiedAt.
	LocalModified string
	// ServerUpdated holds the server's update time. Default: updatedAt.
	ServerUpdated string
	// ServerUpdatedBy holds the server's last-writer identity. Default: updatedBy.
	ServerUpdatedBy string
}

// DefaultKeys returns the field names used when no override is given.
func DefaultKeys() Keys {
	return Keys{
		LocalModified:   "modifiedAt",
		ServerUpdated:   "updatedAt",
		ServerUpdatedBy: "updatedBy",
	}
}

// withDefaults fills empty names from DefaultKeys.
func (k *Keys) withDefaults() Keys {
	d := DefaultKeys()
	if k == nil {
		return d
	}
	out := *k
	if out.LocalModified == "" {
		out.LocalModified = d.LocalModified
	}
	if out.ServerUpdated == "" {
		out.ServerUpdated = d.ServerUpdated
	}
	if out.ServerUpdatedBy == "" {
		out.ServerUpdatedBy = d.ServerUpdatedBy
	}
	return out
}

// Ribbon tells the user their unsynced change was superseded, and by whom.
type Ribbon struct {
	UpdatedBy string `json:"updatedBy"`
	UpdatedAt int64  `json:"updatedAt"` // unix milliseconds
}

// Result is the outcome of a single reconciliation.
type Result struct {
	Merged        map[string]any `json:"merged"`
	Conflict      bool           `json:"conflict"`
	WinningSource Source         `json:"winningSource"`
	Ribbon        *Ribbon        `json:"ribbon,omitempty"`
}

// Reconcile computes the record to adopt from a local and a server copy.
//
// A nil keys uses DefaultKeys. Nil maps are treated as empty. Timestamps that
// are missing or cannot be parsed count as epoch zero.
func Reconcile(local, server map[string]any, keys *Keys) Result {
	k := keys.withDefaults()

	localTs := Epoch(local[k.LocalModified])
	serverTs := Epoch(server[k.ServerUpdated])

	if serverTs >= localTs {
		res := Result{
			Merged:        clone(server),
			WinningSource: SourceServer,
		}
		if localTs > 0 && serverTs > 0 && serverTs != localTs {
			res.Conflict = true
			res.Ribbon = &Ribbon{
				UpdatedBy: stringValue(server[k.ServerUpdatedBy]),
				UpdatedAt: serverTs,
			}
		}
		return res
	}

	return Result{
		Merged:        clone(local),
		Conflict:      true,
		WinningSource: SourceLocal,
	}
}

// Epoch converts a timestamp value to unix milliseconds.
//
// Accepted forms: time.Time, *time.Time, integer and float numbers (taken as
// milliseconds), json.Number, numeric strings, and RFC3339 strings. Anything
// else, including negative or non-finite numbers, yields 0.
func Epoch(v any) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case time.Time:
		return timeMillis(t)
	case *time.Time:
		if t == nil {
			return 0
		}
		return timeMillis(*t)
	case int:
		return nonNegative(int64(t))
	case int32:
		return nonNegative(int64(t))
	case int64:
		return nonNegative(t)
	case uint32:
		return int64(t)
	case uint64:
		if t > math.MaxInt64 {
			return 0
		}
		return int64(t)
	case float32:
		return floatMillis(float64(t))
	case float64:
		return floatMillis(t)
	case json.Number:
		return parseString(string(t))
	case string:
		return parseString(t)
	}
	return 0
}

func parseString(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return nonNegative(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return floatMillis(f)
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return timeMillis(t)
		}
	}
	return 0
}

func timeMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return nonNegative(t.UnixMilli())
}

func floatMillis(f float64) int64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 || f > math.MaxInt64 {
		return 0
	}
	return int64(f)
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func clone(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
