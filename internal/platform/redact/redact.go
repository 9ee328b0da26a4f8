// Package redact sanitizes loosely-typed payloads before they leave the
// pipeline's internal representation -- audit rows, job error entries, and
// error responses returned to non-privileged callers. Values are treated as
// free-text-unsafe by default: only a small allowlist of low-entropy keys,
// identifier-shaped strings, and scalar values pass through unchanged.
package redact

import (
	"regexp"
	"sort"
	"strings"
)

const (
	// Marker replaces any value that may carry PHI.
	Marker = "[REDACTED]"
	// TruncatedMarker replaces the remainder of a payload once the output
	// size budget is exhausted.
	TruncatedMarker = "[TRUNCATED]"

	// DefaultSizeLimit bounds the approximate output size when the caller
	// passes a non-positive limit.
	DefaultSizeLimit = 8192

	// maxPassthroughLen is the longest string an allowlisted key may carry
	// verbatim. Anything longer is assumed to be free text.
	maxPassthroughLen = 64
)

// allowedKeys are short, low-entropy field names that never carry PHI:
// status transition labels, version strings, counters, and classification
// codes emitted by the pipeline itself.
var allowedKeys = map[string]bool{
	"status":      true,
	"status_from": true,
	"status_to":   true,
	"stage":       true,
	"state":       true,
	"code":        true,
	"outcome":     true,
	"version":     true,
	"count":       true,
	"attempt":     true,
	"type":        true,
	"channel":     true,
	"priority":    true,
	"reason":      true,
	"action":      true,
	"event":       true,
	"severity":    true,
	"result":      true,
	"rule":        true,
	"hash":        true,
}

// idPattern matches the canonical identifier format (UUID). Identifiers are
// needed for audit correlation and are not PHI by themselves, so they pass
// through regardless of key name.
var idPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsIdentifier reports whether s has the canonical identifier shape.
func IsIdentifier(s string) bool {
	return idPattern.MatchString(s)
}

// Redact returns a sanitized copy of v. The input is expected to be a
// JSON-shaped value: map[string]any, []any, string, numeric, bool, or nil.
// Anything outside that closed set is replaced with the redaction marker.
// Processing stops once the approximate output size exceeds limit bytes; the
// remainder is replaced with a truncation marker. Redact never mutates v.
func Redact(v any, limit int) any {
	if limit <= 0 {
		limit = DefaultSizeLimit
	}
	b := &budget{remaining: limit}
	out, _ := redactValue("", v, b)
	return out
}

// Map sanitizes a string-keyed metadata map. Convenience wrapper for audit
// metadata, which is always map-shaped at the call sites.
func Map(m map[string]any, limit int) map[string]any {
	out, ok := Redact(m, limit).(map[string]any)
	if !ok {
		return map[string]any{"_truncated": true}
	}
	return out
}

type budget struct {
	remaining int
}

// spend charges n bytes against the budget. It reports false once the budget
// is exhausted; callers must stop producing output at that point.
func (b *budget) spend(n int) bool {
	b.remaining -= n
	return b.remaining >= 0
}

func redactValue(key string, v any, b *budget) (any, bool) {
	switch val := v.(type) {
	case nil:
		// Absence is not PHI.
		return nil, true

	case bool:
		if !b.spend(5) {
			return TruncatedMarker, false
		}
		return val, true

	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		if !b.spend(8) {
			return TruncatedMarker, false
		}
		return val, true

	case string:
		return redactString(key, val, b)

	case map[string]any:
		return redactMap(val, b)

	case []any:
		// Arrays may contain free text; always replaced, no inspection.
		if !b.spend(len(Marker)) {
			return TruncatedMarker, false
		}
		return Marker, true

	default:
		// Outside the closed value set. Replaced rather than inspected so the
		// recursion stays exhaustive.
		if !b.spend(len(Marker)) {
			return TruncatedMarker, false
		}
		return Marker, true
	}
}

func redactString(key, s string, b *budget) (any, bool) {
	if IsIdentifier(s) {
		if !b.spend(len(s)) {
			return TruncatedMarker, false
		}
		return s, true
	}
	if allowedKeys[key] && len(s) <= maxPassthroughLen && !looksStructured(s) {
		if !b.spend(len(s)) {
			return TruncatedMarker, false
		}
		return s, true
	}
	if !b.spend(len(Marker)) {
		return TruncatedMarker, false
	}
	return Marker, true
}

func redactMap(m map[string]any, b *budget) (any, bool) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(m))
	for _, k := range keys {
		if !b.spend(len(k)) {
			out["_truncated"] = true
			return out, false
		}
		v, ok := redactValue(k, m[k], b)
		out[k] = v
		if !ok {
			out["_truncated"] = true
			return out, false
		}
	}
	return out, true
}

// looksStructured reports whether s has a markup or structured-data shape
// (JSON, XML/HTML, template syntax). Structured strings are rejected even
// under allowlisted keys to prevent smuggling PHI through a status field.
func looksStructured(s string) bool {
	t := strings.TrimSpace(s)
	if t == "" {
		return false
	}
	switch t[0] {
	case '<', '{', '[':
		return true
	}
	return strings.Contains(t, "</") || strings.Contains(t, "{{")
}
