package models

import (
	"crypto/sha256"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// fingerprintSchemaVersion is folded into every fingerprint so a change to the
// canonicalization rules invalidates previously cached results.
const fingerprintSchemaVersion = "v1"

// Params is the opaque parameter set of a job. Values must be
// JSON-representable (strings, bools, numbers, nil, and arrays or maps of
// those); anything else is rejected at Submit time by Validate.
type Params map[string]any

// Validate checks that every value can be canonically serialized.
func (p Params) Validate() error {
	for k, v := range p {
		if err := validateValue(v); err != nil {
			return fmt.Errorf("%w: key %q: %v", ErrInvalidParams, k, err)
		}
	}
	return nil
}

// Canonical returns a deterministic serialization of the params: keys sorted
// recursively, numbers rendered in a fixed format. Two Params with the same
// logical content always produce the same bytes.
func (p Params) Canonical() (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	var b strings.Builder
	writeCanonicalMap(&b, map[string]any(p))
	return b.String(), nil
}

// Fingerprint computes the stable cache key for an (operation type, params)
// pair: a SHA-256 over the operation type, the canonical params, and the
// fingerprint schema version, rendered as lowercase hex.
func Fingerprint(operationType string, params Params) (string, error) {
	canonical, err := params.Canonical()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", fingerprintSchemaVersion, operationType, canonical)
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func validateValue(v any) error {
	switch val := v.(type) {
	case nil, bool, string:
		return nil
	case int, int32, int64, uint, uint32, uint64:
		return nil
	case float32:
		return validateFloat(float64(val))
	case float64:
		return validateFloat(val)
	case []any:
		for i, elem := range val {
			if err := validateValue(elem); err != nil {
				return fmt.Errorf("index %d: %v", i, err)
			}
		}
		return nil
	case map[string]any:
		for k, elem := range val {
			if err := validateValue(elem); err != nil {
				return fmt.Errorf("key %q: %v", k, err)
			}
		}
		return nil
	case Params:
		return Params(val).Validate()
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
}

func validateFloat(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite number %v", f)
	}
	return nil
}

func writeCanonicalMap(b *strings.Builder, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		writeCanonicalValue(b, m[k])
	}
	b.WriteByte('}')
}

func writeCanonicalValue(b *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case string:
		b.WriteString(strconv.Quote(val))
	case int:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case uint:
		b.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint32:
		b.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		b.WriteString(strconv.FormatUint(val, 10))
	case float32:
		writeCanonicalFloat(b, float64(val))
	case float64:
		writeCanonicalFloat(b, val)
	case []any:
		b.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonicalValue(b, elem)
		}
		b.WriteByte(']')
	case map[string]any:
		writeCanonicalMap(b, val)
	case Params:
		writeCanonicalMap(b, map[string]any(val))
	}
}

// writeCanonicalFloat renders whole floats as integers so 2.0 and 2 hash the
// same regardless of how the value arrived (JSON decoding yields float64).
func writeCanonicalFloat(b *strings.Builder, f float64) {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		b.WriteString(strconv.FormatInt(int64(f), 10))
		return
	}
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}
