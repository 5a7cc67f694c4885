package crypto

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/minio/sha256-simd"
)

var (
	ErrDuplicateKey = errors.New("canonical json: duplicate object key")
	ErrInvalidUTF8  = errors.New("canonical json: invalid UTF-8")
	ErrNotObject    = errors.New("canonical json: top-level value is not an object")
)

type member struct {
	key string
	val any
}

// object preserves members in input order; duplicates are rejected at parse time
type object []member

// Re-serializes arbitrary JSON bytes in to the canonical form which is signed and hashed:
//
//   - object keys sorted by UTF-8 byte order, at every level
//   - no insignificant whitespace
//   - numbers in shortest round-trip form; integral values below 1e21 have no fraction or exponent, and others use exponents like "1e+21" or "1e-7"
//   - strings escaped as by encoding/json, with no HTML escaping
//
// Duplicate keys, invalid UTF-8, non-finite numbers, and trailing data are errors.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	v, err := parseCanonical(raw)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Like [CanonicalizeJSON], but drops the named top-level fields first. The top-level value must be an object.
//
// This is how signed envelopes are canonicalized: the signature field itself is excluded.
func CanonicalizeJSONWithout(raw []byte, exclude ...string) ([]byte, error) {
	v, err := parseCanonical(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(object)
	if !ok {
		return nil, ErrNotObject
	}
	kept := make(object, 0, len(obj))
	for _, m := range obj {
		skip := false
		for _, ex := range exclude {
			if m.key == ex {
				skip = true
				break
			}
		}
		if !skip {
			kept = append(kept, m)
		}
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, kept); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Marshals a Go value with encoding/json, then canonicalizes the result.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: marshal: %w", err)
	}
	return CanonicalizeJSON(raw)
}

// Identity of a signed action: lower-case hex SHA-256 of the canonical bytes.
func ActionID(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func parseCanonical(raw []byte) (any, error) {
	if !utf8.Valid(raw) {
		return nil, ErrInvalidUTF8
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	v, err := parseValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("canonical json: trailing data after top-level value")
	}
	return v, nil
}

func parseValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := object{}
			seen := map[string]bool{}
			for dec.More() {
				ktok, err := dec.Token()
				if err != nil {
					return nil, fmt.Errorf("canonical json: %w", err)
				}
				key, ok := ktok.(string)
				if !ok {
					return nil, fmt.Errorf("canonical json: expected object key")
				}
				if seen[key] {
					return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
				}
				seen[key] = true
				val, err := parseValue(dec)
				if err != nil {
					return nil, err
				}
				obj = append(obj, member{key: key, val: val})
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("canonical json: %w", err)
			}
			return obj, nil
		case '[':
			arr := []any{}
			for dec.More() {
				val, err := parseValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("canonical json: %w", err)
			}
			return arr, nil
		default:
			return nil, fmt.Errorf("canonical json: unexpected delimiter %q", t)
		}
	default:
		// json.Number, string, bool, nil
		return t, nil
	}
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		s, err := formatNumber(t)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case string:
		writeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case object:
		sorted := make(object, len(t))
		copy(sorted, t)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].key < sorted[j].key })
		buf.WriteByte('{')
		for i, m := range sorted {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, m.key)
			buf.WriteByte(':')
			if err := writeCanonical(buf, m.val); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical json: unexpected value type %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	var sb bytes.Buffer
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	// encoding a plain string can not fail
	_ = enc.Encode(s)
	buf.Write(bytes.TrimSuffix(sb.Bytes(), []byte("\n")))
}

func formatNumber(n json.Number) (string, error) {
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return "", fmt.Errorf("canonical json: number out of range: %s", n)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return "", fmt.Errorf("canonical json: non-finite number: %s", n)
	}
	if f == 0 {
		// also covers negative zero
		return "0", nil
	}
	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	// Go renders at least two exponent digits ("1e-07"); strip the padding
	s := strconv.FormatFloat(f, 'e', -1, 64)
	mant, exp, _ := strings.Cut(s, "e")
	sign := exp[:1]
	digits := strings.TrimLeft(exp[1:], "0")
	return mant + "e" + sign + digits, nil
}
