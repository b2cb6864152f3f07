// Package integrity computes canonical content hashes for definitions.
//
// Two definitions that differ only in source formatting (key order,
// whitespace, "1.0" versus "1", composed versus decomposed Unicode) hash
// identically; changing any field value changes the hash.
//
// The canonical form is JSON with:
//   - object keys sorted by code point
//   - no insignificant whitespace
//   - strings in Unicode NFC
//   - integral numbers written as integers, other numbers in shortest
//     round-trip form
//
// Hashes are written as "sha256:<hex>".
package integrity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/errors"
)

// Prefix is the algorithm prefix of every hash produced by this package.
const Prefix = "sha256:"

// Hash returns the integrity hash of a definition.
func Hash(d *definition.Definition) (string, error) {
	data, err := Canonicalize(d.ToMap())
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInternal, err, "canonicalize %s", d)
	}
	return HashBytes(data), nil
}

// MustHash is like Hash but panics on error. Definitions built by the
// loaders only hold canonicalizable values, so this never fires for them.
func MustHash(d *definition.Definition) string {
	h, err := Hash(d)
	if err != nil {
		panic(err)
	}
	return h
}

// HashBytes hashes raw bytes with the package prefix.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:])
}

// Verify recomputes the hash of d and compares it with expected.
func Verify(d *definition.Definition, expected string) error {
	actual, err := Hash(d)
	if err != nil {
		return err
	}
	if actual != expected {
		return errors.New(errors.ErrCodeIntegrityMismatch, "integrity mismatch for %s", d).
			WithDetail("expected", expected).
			WithDetail("actual", actual)
	}
	return nil
}

// Equal reports whether two values have the same canonical form.
func Equal(a, b any) bool {
	ca, errA := Canonicalize(a)
	cb, errB := Canonicalize(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ca, cb)
}

// Canonicalize renders v in canonical JSON.
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(x))
	case string:
		return writeString(buf, x)
	case int:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int8, int16, int32, int64:
		buf.WriteString(strconv.FormatInt(reflect.ValueOf(x).Int(), 10))
	case uint, uint8, uint16, uint32, uint64:
		buf.WriteString(strconv.FormatUint(reflect.ValueOf(x).Uint(), 10))
	case float32:
		return writeFloat(buf, float64(x))
	case float64:
		return writeFloat(buf, x)
	case json.Number:
		return writeNumber(buf, x)
	case time.Time:
		return writeString(buf, x.UTC().Format(time.RFC3339Nano))
	case map[string]any:
		return writeObject(buf, x)
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[fmt.Sprint(k)] = e
		}
		return writeObject(buf, m)
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []string:
		items := make([]any, len(x))
		for i, s := range x {
			items[i] = s
		}
		return writeValue(buf, items)
	default:
		// Anything else goes through encoding/json and back so structs and
		// typed maps reduce to the cases above.
		data, err := json.Marshal(x)
		if err != nil {
			return err
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var generic any
		if err := dec.Decode(&generic); err != nil {
			return err
		}
		return writeValue(buf, generic)
	}
	return nil
}

func writeObject(buf *bytes.Buffer, m map[string]any) error {
	normalized := make(map[string]any, len(m))
	for k, v := range m {
		nk := norm.NFC.String(k)
		if _, dup := normalized[nk]; dup {
			return fmt.Errorf("keys %q collide after Unicode normalization", k)
		}
		normalized[nk] = v
	}
	keys := make([]string, 0, len(normalized))
	for k := range normalized {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeValue(buf, normalized[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

func writeNumber(buf *bytes.Buffer, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		// Out of float64 range; keep the literal digits.
		buf.WriteString(strings.ToLower(n.String()))
		return nil
	}
	return writeFloat(buf, f)
}

func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("number %v has no canonical form", f)
	}
	if f == 0 {
		f = 0 // drop the sign of negative zero
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
		return nil
	}
	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'e', -1, 64))
	return nil
}
