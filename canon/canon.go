// Package canon implements the Canonicalizer (spec §4.1, C1): deterministic
// serialization of heterogeneous build inputs to a byte sequence, and a
// strong content hash of that sequence used as a cache key.
//
// The shape mirrors how the teacher repo composes deterministic command
// invocations (options.ToArgs in the pack's applecontainer/options package):
// a small value-to-canonical-form walker with explicit, declared ordering
// rules rather than relying on encoding/json's map ordering (which, while
// already sorted since Go 1.12, is not a contract we want to depend on or
// that callers should have to trust blindly).
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// SchemaVersion is wrapped around every snapshot. Bumping it invalidates all
// prior cache keys by construction (spec §4.1).
const SchemaVersion = 1

// ValidationError is returned when an input cannot be canonicalized, e.g. a
// string field holding non-UTF-8 bytes (spec §4.1 error contract is
// ferrors.CodeValidation; canon returns a plain error here and callers wrap
// it with ferrors.Wrap so this package stays free of the ferrors import
// cycle concern and is reusable standalone).
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("canon: invalid field %q: %s", e.Field, e.Msg)
}

// Value is the heterogeneous input this package can canonicalize: nil,
// bool, int or int64, string, []Value or []string (ordered list), Set
// (sorted set), or Map (map with lexicographically sorted keys). A plain
// map[string]Value that is not of type Map is rejected as unsupported.
type Value interface{}

// Set marks a []string that must be sorted before emission (spec §4.1:
// "Sets (tags, disabled services) are sorted lexicographically before
// emission to erase ordering noise").
type Set []string

// Map is an ordered-key-sorted map of canonical values.
type Map map[string]Value

// Snapshot wraps a canonical Map with the schema version tag.
type Snapshot struct {
	SchemaVersion int
	Fields        Map
}

// CanonicalBytes renders snap to its canonical byte form.
func CanonicalBytes(snap Snapshot) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf = append(buf, "schema_version="...)
	buf = appendInt(buf, int64(snap.SchemaVersion))
	buf = append(buf, '\n')

	b, err := canonicalizeMap(snap.Fields)
	if err != nil {
		return nil, err
	}
	buf = append(buf, b...)
	return buf, nil
}

// CacheKey returns the hex SHA-256 digest of snap's canonical bytes.
func CacheKey(snap Snapshot) (string, error) {
	b, err := CanonicalBytes(snap)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalizeMap(m Map) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	for _, k := range keys {
		v := m[k]
		if v == nil {
			continue // null/absent fields omitted (spec §4.1)
		}
		rendered, err := canonicalizeValue(v)
		if err != nil {
			return nil, &ValidationError{Field: k, Msg: err.Error()}
		}
		if rendered == nil {
			continue
		}
		nk, err := normalizeString(k)
		if err != nil {
			return nil, &ValidationError{Field: k, Msg: err.Error()}
		}
		buf = append(buf, nk...)
		buf = append(buf, '=')
		buf = append(buf, rendered...)
		buf = append(buf, '\n')
	}
	return buf, nil
}

func canonicalizeValue(v Value) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case int:
		return appendInt(nil, int64(t)), nil
	case int64:
		return appendInt(nil, t), nil
	case string:
		s, err := normalizeString(t)
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	case Set:
		sorted := append([]string(nil), t...)
		sort.Strings(sorted)
		return canonicalizeList(sorted)
	case []string:
		return canonicalizeList(t)
	case []Value:
		var buf []byte
		buf = append(buf, '[')
		for i, item := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			rendered, err := canonicalizeValue(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, rendered...)
		}
		buf = append(buf, ']')
		return buf, nil
	case Map:
		nested, err := canonicalizeMap(t)
		if err != nil {
			return nil, err
		}
		buf := []byte("{")
		buf = append(buf, nested...)
		buf = append(buf, '}')
		return buf, nil
	default:
		return nil, fmt.Errorf("unsupported canon value type %T", v)
	}
}

func canonicalizeList(items []string) ([]byte, error) {
	buf := []byte{'['}
	for i, s := range items {
		if i > 0 {
			buf = append(buf, ',')
		}
		norm, err := normalizeString(s)
		if err != nil {
			return nil, err
		}
		buf = append(buf, norm...)
	}
	buf = append(buf, ']')
	return buf, nil
}

func normalizeString(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("string is not valid UTF-8")
	}
	if !norm.NFC.IsNormalString(s) {
		s = norm.NFC.String(s)
	}
	return s, nil
}

func appendInt(buf []byte, v int64) []byte {
	return strconv.AppendInt(buf, v, 10)
}
