package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// ProtocolDecodeError is returned when inbound text cannot be turned back into a value.
type ProtocolDecodeError struct {
	Payload string
	Err     error
}

func (e *ProtocolDecodeError) Error() string {
	return fmt.Sprintf("protocol decode: %v", e.Err)
}

func (e *ProtocolDecodeError) Unwrap() error {
	return e.Err
}

// CircularMarker returns the placeholder written in place of a repeated reference.
// An empty path denotes the traversal root.
func CircularMarker(path []string) string {
	return "[Circular ~" + strings.Join(path, ".") + "]"
}

// IsCircularMarker reports whether s is a placeholder produced by the encoder and
// returns the dot-joined path it points at.
func IsCircularMarker(s string) (string, bool) {
	if !strings.HasPrefix(s, "[Circular ~") || !strings.HasSuffix(s, "]") {
		return "", false
	}
	return s[len("[Circular ~") : len(s)-1], true
}

// Encode serializes v into JSON text. Any composite value reachable more than once
// is written in full at its first occurrence and as a circular marker afterwards,
// so cyclic graphs always terminate.
func Encode(v any) (string, error) {
	data, err := json.Marshal(Normalize(v))
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return string(data), nil
}

// Decode parses text produced by Encode. Markers are left as strings.
func Decode(text string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, &ProtocolDecodeError{Payload: text, Err: err}
	}
	return v, nil
}

// Normalize converts v into a tree made only of map[string]any, []any, strings,
// numbers, booleans and nil, with repeated references replaced by markers.
func Normalize(v any) any {
	w := &walker{paths: make(map[refKey][]string)}
	return w.walk(reflect.ValueOf(v), nil)
}

type refKey struct {
	ptr uintptr
	typ reflect.Type
	n   int
}

// walker remembers the path of the first occurrence of every reference it meets.
type walker struct {
	paths map[refKey][]string
}

var (
	stringerType  = reflect.TypeOf((*fmt.Stringer)(nil)).Elem()
	marshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	errorType     = reflect.TypeOf((*error)(nil)).Elem()
)

// visit records a reference and returns the marker when it was already seen.
func (w *walker) visit(v reflect.Value, path []string) (string, bool) {
	key := refKey{ptr: v.Pointer(), typ: v.Type()}
	if v.Kind() == reflect.Slice {
		key.n = v.Len()
	}
	if first, ok := w.paths[key]; ok {
		return CircularMarker(first), true
	}
	w.paths[key] = append([]string(nil), path...)
	return "", false
}

func (w *walker) walk(v reflect.Value, path []string) any {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return w.walk(v.Elem(), path)
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		if v.IsNil() {
			return nil
		}
		return "[" + v.Type().String() + "]"
	}

	if v.CanInterface() {
		if out, ok := w.special(v); ok {
			return out
		}
	}

	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if marker, seen := w.visit(v, path); seen {
			return marker
		}
		return w.walk(v.Elem(), path)

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		if marker, seen := w.visit(v, path); seen {
			return marker
		}
		keys := make([]string, 0, v.Len())
		byName := make(map[string]reflect.Value, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			name := fmt.Sprint(iter.Key().Interface())
			keys = append(keys, name)
			byName[name] = iter.Value()
		}
		sort.Strings(keys)
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			out[k] = w.walk(byName[k], append(path, k))
		}
		return out

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return string(v.Bytes())
		}
		if v.Len() > 0 {
			if marker, seen := w.visit(v, path); seen {
				return marker
			}
		}
		return w.walkList(v, path)

	case reflect.Array:
		return w.walkList(v, path)

	case reflect.Struct:
		out := make(map[string]any)
		w.walkStruct(v, path, out)
		return out

	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f

	case reflect.String:
		return v.String()
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Complex64, reflect.Complex128:
		return fmt.Sprint(v.Complex())
	}
	return fmt.Sprint(v)
}

// special handles values that know how to describe themselves.
func (w *walker) special(v reflect.Value) (any, bool) {
	t := v.Type()
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, false
	}
	if t.Implements(errorType) {
		return v.Interface().(error).Error(), true
	}
	if t.Implements(marshalerType) {
		data, err := v.Interface().(json.Marshaler).MarshalJSON()
		if err != nil {
			return fmt.Sprintf("[%s: %v]", t.String(), err), true
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return string(data), true
		}
		return out, true
	}
	switch v.Kind() {
	case reflect.Struct, reflect.Pointer:
		if t.Implements(stringerType) {
			return v.Interface().(fmt.Stringer).String(), true
		}
	}
	return nil, false
}

func (w *walker) walkList(v reflect.Value, path []string) []any {
	out := make([]any, v.Len())
	for i := range out {
		out[i] = w.walk(v.Index(i), append(path, strconv.Itoa(i)))
	}
	return out
}

func (w *walker) walkStruct(v reflect.Value, path []string, out map[string]any) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, omitEmpty, skip := jsonName(field)
		if skip {
			continue
		}
		fv := v.Field(i)
		if field.Anonymous && name == "" {
			inner := fv
			if inner.Kind() == reflect.Pointer {
				if inner.IsNil() {
					continue
				}
				inner = inner.Elem()
			}
			if inner.Kind() == reflect.Struct {
				w.walkStruct(inner, path, out)
				continue
			}
		}
		if name == "" {
			name = field.Name
		}
		if omitEmpty && fv.IsZero() {
			continue
		}
		out[name] = w.walk(fv, append(path, name))
	}
}

func jsonName(f reflect.StructField) (name string, omitEmpty, skip bool) {
	tag, ok := f.Tag.Lookup("json")
	if !ok {
		return "", false, false
	}
	if tag == "-" {
		return "", false, true
	}
	parts := strings.Split(tag, ",")
	for _, opt := range parts[1:] {
		if opt == "omitempty" || opt == "omitzero" {
			omitEmpty = true
		}
	}
	return parts[0], omitEmpty, false
}
