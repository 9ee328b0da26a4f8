// Package fingerprint computes stable fingerprints over normalized input
// structures. The digest is a correctness boundary for run deduplication, not
// a cache key: two inputs that normalize identically must hash identically
// forever, across processes and releases.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Version tags the normalization rules that produced a digest. Any change to
// the rules below requires bumping this so historical digests remain
// interpretable.
const Version = "v1"

// transientKeys are excluded from normalization at every nesting level:
// timestamps and per-request identifiers change between otherwise identical
// submissions.
var transientKeys = map[string]bool{
	"timestamp":    true,
	"created_at":   true,
	"updated_at":   true,
	"occurred_at":  true,
	"submitted_at": true,
	"request_id":   true,
	"trace_id":     true,
	"nonce":        true,
}

// Digest is a versioned hex-encoded fingerprint, "v1:<64 hex chars>".
type Digest string

// Version returns the normalization version tag carried by the digest.
func (d Digest) Version() string {
	if i := strings.IndexByte(string(d), ':'); i >= 0 {
		return string(d)[:i]
	}
	return ""
}

// Hex returns the raw hex digest without the version tag.
func (d Digest) Hex() string {
	if i := strings.IndexByte(string(d), ':'); i >= 0 {
		return string(d)[i+1:]
	}
	return string(d)
}

// Fingerprint normalizes input and returns its SHA-256 digest. Normalization:
// map keys sorted lexicographically at every level, transient keys dropped,
// non-integral floating values dropped, arrays of identifier strings sorted
// (sets of referenced record ids carry no order). Pure: no clock, no
// randomness.
func Fingerprint(input map[string]any) (Digest, error) {
	var b strings.Builder
	if err := writeCanonical(&b, input); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(b.String()))
	return Digest(Version + ":" + hex.EncodeToString(sum[:])), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("z")
	case bool:
		fmt.Fprintf(b, "b:%t;", val)
	case string:
		fmt.Fprintf(b, "s:%d:%s;", len(val), val)
	case int:
		fmt.Fprintf(b, "i:%d;", val)
	case int32:
		fmt.Fprintf(b, "i:%d;", val)
	case int64:
		fmt.Fprintf(b, "i:%d;", val)
	case float64:
		// JSON decoding yields float64 for every number. Integral values are
		// kept as integers; true floating values are excluded from the hash.
		if val == math.Trunc(val) && !math.IsInf(val, 0) {
			fmt.Fprintf(b, "i:%d;", int64(val))
		}
	case float32:
		f := float64(val)
		if f == math.Trunc(f) && !math.IsInf(f, 0) {
			fmt.Fprintf(b, "i:%d;", int64(f))
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			if transientKeys[k] {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("m{")
		for _, k := range keys {
			fmt.Fprintf(b, "k:%d:%s=", len(k), k)
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteString("}")
	case []any:
		items := val
		if isIdentifierSet(val) {
			items = sortedCopy(val)
		}
		b.WriteString("a[")
		for _, item := range items {
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteString("]")
	default:
		return fmt.Errorf("fingerprint: unsupported value type %T", v)
	}
	return nil
}

// isIdentifierSet reports whether every element is an identifier-shaped
// string. Such arrays are treated as sets: element order is not semantically
// meaningful.
func isIdentifierSet(items []any) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		s, ok := item.(string)
		if !ok || !identifierShaped(s) {
			return false
		}
	}
	return true
}

func identifierShaped(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, r := range s {
		switch i {
		case 8, 13, 18, 23:
			if r != '-' {
				return false
			}
		default:
			if !isHexRune(r) {
				return false
			}
		}
	}
	return true
}

func isHexRune(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

func sortedCopy(items []any) []any {
	out := make([]any, len(items))
	copy(out, items)
	sort.Slice(out, func(i, j int) bool {
		return out[i].(string) < out[j].(string)
	})
	return out
}
