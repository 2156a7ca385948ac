package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"
)

// Canonical encoding of an entry's immutable fields.
//
// The canonical form is a JSON object whose keys — at every nesting
// level — are emitted in sorted order, so field-value-identical input
// produces byte-identical output regardless of construction order.
// The encoder covers exactly the immutable fields: the administrative
// metadata (timestamp, verification and archival flags) never appears
// in the canonical payload, so it can change without breaking the hash.
//
// Unsupported values (functions, channels, cyclic structures, NaN)
// produce an *EncodingError naming the offending path.

// EncodeCanonical serializes the immutable fields of an entry into its
// canonical byte representation. The result is stored verbatim on the
// entry as CanonicalPayload and used as the hash input.
func EncodeCanonical(e *Entry) ([]byte, error) {
	fields := map[string]any{
		"id":                  e.ID,
		"organisationId":      e.OrganisationID,
		"userId":              e.UserID,
		"adminId":             e.AdminID,
		"action":              e.Action,
		"resource":            e.Resource,
		"resourceId":          e.ResourceID,
		"category":            string(e.Category),
		"severity":            string(e.Severity),
		"outcome":             string(e.Outcome),
		"details":             e.Details,
		"legalBasis":          e.LegalBasis,
		"businessContext":     e.BusinessContext,
		"complianceFramework": e.ComplianceFramework,
		"ipAddress":           e.IPAddress,
		"userAgent":           e.UserAgent,
		"sessionId":           e.SessionID,
		"requestId":           e.RequestID,
		"correlationId":       e.CorrelationID,
	}

	var buf bytes.Buffer
	enc := &canonicalEncoder{seen: make(map[containerKey]bool)}
	if err := enc.writeValue(&buf, reflect.ValueOf(fields), "$"); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// canonicalEncoder walks a value tree writing sorted-key JSON.
// seen tracks container identities on the current descent path to
// detect cycles.
type canonicalEncoder struct {
	seen map[containerKey]bool
}

// containerKey identifies a map, slice, or pointer on the descent path.
// The kind disambiguates coincidental address overlap between container
// types.
type containerKey struct {
	kind reflect.Kind
	ptr  uintptr
}

func (c *canonicalEncoder) writeValue(buf *bytes.Buffer, v reflect.Value, path string) error {
	// Unwrap interfaces and pointers down to the concrete value.
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			buf.WriteString("null")
			return nil
		}
		if v.Kind() == reflect.Pointer {
			key := containerKey{reflect.Pointer, v.Pointer()}
			if c.seen[key] {
				return &EncodingError{Path: path, Reason: "cyclic reference"}
			}
			c.seen[key] = true
			defer delete(c.seen, key)
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Invalid:
		buf.WriteString("null")
		return nil

	case reflect.String:
		return writeJSONScalar(buf, v.String(), path)

	case reflect.Bool:
		buf.WriteString(strconv.FormatBool(v.Bool()))
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(v.Int(), 10))
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		buf.WriteString(strconv.FormatUint(v.Uint(), 10))
		return nil

	case reflect.Float32, reflect.Float64:
		return writeJSONScalar(buf, v.Float(), path)

	case reflect.Map:
		return c.writeMap(buf, v, path)

	case reflect.Slice, reflect.Array:
		return c.writeSlice(buf, v, path)

	case reflect.Struct:
		// time.Time is the one struct that shows up in payloads; encode
		// it as its UTC RFC 3339 form so wall-clock zone never leaks
		// into the canonical bytes.
		if t, ok := v.Interface().(time.Time); ok {
			return writeJSONScalar(buf, t.UTC().Format(time.RFC3339Nano), path)
		}
		return c.writeStruct(buf, v, path)

	default:
		return &EncodingError{Path: path, Reason: fmt.Sprintf("unsupported value of kind %s", v.Kind())}
	}
}

// writeMap emits a JSON object with keys in sorted order. Only
// string-keyed maps are canonicalizable.
func (c *canonicalEncoder) writeMap(buf *bytes.Buffer, v reflect.Value, path string) error {
	if v.Type().Key().Kind() != reflect.String {
		return &EncodingError{Path: path, Reason: fmt.Sprintf("map key type %s is not a string", v.Type().Key())}
	}
	if v.IsNil() {
		buf.WriteString("null")
		return nil
	}

	key := containerKey{reflect.Map, v.Pointer()}
	if c.seen[key] {
		return &EncodingError{Path: path, Reason: "cyclic reference"}
	}
	c.seen[key] = true
	defer delete(c.seen, key)

	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONScalar(buf, k, path); err != nil {
			return err
		}
		buf.WriteByte(':')
		elem := v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key()))
		if err := c.writeValue(buf, elem, path+"."+k); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func (c *canonicalEncoder) writeSlice(buf *bytes.Buffer, v reflect.Value, path string) error {
	if v.Kind() == reflect.Slice {
		if v.IsNil() {
			buf.WriteString("null")
			return nil
		}
		// []byte canonicalizes the way encoding/json does: base64 string.
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return writeJSONScalar(buf, v.Bytes(), path)
		}
		key := containerKey{reflect.Slice, v.Pointer()}
		if c.seen[key] {
			return &EncodingError{Path: path, Reason: "cyclic reference"}
		}
		c.seen[key] = true
		defer delete(c.seen, key)
	}

	buf.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := c.writeValue(buf, v.Index(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// writeStruct emits exported struct fields as an object with
// field names in sorted order (declaration order is ignored).
func (c *canonicalEncoder) writeStruct(buf *bytes.Buffer, v reflect.Value, path string) error {
	t := v.Type()
	names := make([]string, 0, t.NumField())
	index := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		names = append(names, f.Name)
		index[f.Name] = i
	}
	sort.Strings(names)

	buf.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONScalar(buf, name, path); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := c.writeValue(buf, v.Field(index[name]), path+"."+name); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeJSONScalar marshals a single scalar via encoding/json, turning
// marshal failures (NaN, infinities, invalid UTF-8 handling is fine)
// into EncodingErrors with the value's path.
func writeJSONScalar(buf *bytes.Buffer, v any, path string) error {
	b, err := json.Marshal(v)
	if err != nil {
		return &EncodingError{Path: path, Reason: err.Error()}
	}
	buf.Write(b)
	return nil
}
