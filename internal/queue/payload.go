package queue

import "reflect"

// Payload is a flat key/value message body. Values are numbers, strings,
// booleans or sequences, never nested maps or nil.
type Payload map[string]any

// ValidatePayload reports whether v is an acceptable message body and returns
// a copy of it as a Payload. Sequence values are copied too, so the caller may
// reuse v once it has been queued.
func ValidatePayload(v any) (Payload, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.IsNil() || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}

	p := make(Payload, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		val := iter.Value()
		if !validValue(val) {
			return nil, false
		}
		p[iter.Key().String()] = clone(val).Interface()
	}
	return p, true
}

func validValue(v reflect.Value) bool {
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return false
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	case reflect.Slice:
		return !v.IsNil()
	case reflect.Array:
		return true
	default:
		return false
	}
}

// clone copies the slices, arrays and maps reachable from v. Other values are
// returned as is.
func clone(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(clone(v.Elem()))
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		if !hasReferences(v.Type().Elem()) {
			reflect.Copy(out, v)
			return out
		}
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(clone(v.Index(i)))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(clone(v.Index(i)))
		}
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), clone(iter.Value()))
		}
		return out
	default:
		return v
	}
}

func hasReferences(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Interface, reflect.Slice, reflect.Map:
		return true
	case reflect.Array:
		return hasReferences(t.Elem())
	default:
		return false
	}
}
