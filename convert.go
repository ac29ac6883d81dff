package odm

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/goccy/go-json"
)

var timeType = reflect.TypeOf(time.Time{})

// EqualValues compares two field values the way change detection needs it: numbers by value across
// widths, times by instant, pointers by instance, everything else deeply.
func EqualValues(a, b any) bool {
	if isNil(a) || isNil(b) {
		return isNil(a) && isNil(b)
	}
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			ia, aInt := asInt(a)
			ib, bInt := asInt(b)
			if aInt && bInt {
				return ia == ib
			}
			return fa == fb
		}
		return false
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	if ba, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && bytes.Equal(ba, bb)
	}
	va := reflect.ValueOf(a)
	if va.Kind() == reflect.Pointer {
		vb := reflect.ValueOf(b)
		return vb.Kind() == reflect.Pointer && va.Pointer() == vb.Pointer() && va.Type() == vb.Type()
	}
	return reflect.DeepEqual(a, b)
}

// IsZeroValue reports whether v is absent or the zero value of its type.
func IsZeroValue(v any) bool {
	if isNil(v) {
		return true
	}
	if c, ok := v.(PersistentCollection); ok {
		return c.IsInitialized() && len(c.Elements()) == 0
	}
	return reflect.ValueOf(v).IsZero()
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func asFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func asInt(v any) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f == math.Trunc(f) && f >= math.MinInt64 && f <= math.MaxInt64 {
			return int64(f), true
		}
	}
	return 0, false
}

// NormalizeID maps an identifier to the comparable form used as identity map key.
// Integral numbers of any width collapse to int64 and UUIDs to their string form.
func NormalizeID(id any) any {
	if isNil(id) {
		return nil
	}
	switch v := id.(type) {
	case string:
		return v
	case UUID:
		return v.String()
	}
	if i, ok := asInt(id); ok {
		return i
	}
	if f, ok := asFloat(id); ok {
		return f
	}
	if s, ok := id.(fmt.Stringer); ok {
		return s.String()
	}
	if !reflect.TypeOf(id).Comparable() {
		return fmt.Sprint(id)
	}
	return id
}

// References reports whether v, a stored reference field, holds id either directly or as an
// element of a reference array.
func References(v any, id any) bool {
	want := NormalizeID(id)
	if s, ok := v.([]any); ok {
		for _, e := range s {
			if NormalizeID(e) == want {
				return true
			}
		}
		return false
	}
	return !isNil(v) && NormalizeID(v) == want
}

// IDString formats an identifier for use in storage keys.
func IDString(id any) string {
	return fmt.Sprint(NormalizeID(id))
}

// ConvertTo converts a value read from a storage document into the Go type V of a field.
// Numbers convert across widths, RFC 3339 strings parse into time.Time and any other
// mismatch round trips through JSON.
func ConvertTo[V any](v any) (V, error) {
	var zero V
	if isNil(v) {
		return zero, nil
	}
	if tv, ok := v.(V); ok {
		return tv, nil
	}
	target := reflect.TypeOf((*V)(nil)).Elem()
	out, err := convertValue(v, target)
	if err != nil {
		return zero, err
	}
	return out.Interface().(V), nil
}

func convertValue(v any, target reflect.Type) (reflect.Value, error) {
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(target) {
		out := reflect.New(target).Elem()
		out.Set(rv)
		return out, nil
	}
	if target == timeType {
		if s, ok := v.(string); ok {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("can't convert %q to time: %w", s, err)
			}
			return reflect.ValueOf(t), nil
		}
	}
	if _, ok := asFloat(v); ok && isNumericKind(target.Kind()) {
		return rv.Convert(target), nil
	}
	if rv.Kind() == reflect.String && target.Kind() == reflect.String {
		return rv.Convert(target), nil
	}
	if rv.Kind() == reflect.Slice && target.Kind() == reflect.Slice && target.Elem().Kind() != reflect.Uint8 {
		out := reflect.MakeSlice(target, rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			e := rv.Index(i).Interface()
			if isNil(e) {
				continue
			}
			ev, err := convertValue(e, target.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(ev)
		}
		return out, nil
	}
	ba, err := json.Marshal(v)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("can't convert %T to %s: %w", v, target, err)
	}
	out := reflect.New(target)
	if err := json.Unmarshal(ba, out.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("can't convert %T to %s: %w", v, target, err)
	}
	return out.Elem(), nil
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
