package metadata

import "fmt"

// FromAny converts a JSON-compatible Go value into a typed Value.
//
// This is the adapter layer between the engine boundary (plain maps, slices
// and scalars) and the typed filtering model.
func FromAny(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case float64:
		// JSON numbers arrive as float64; keep integral values as ints so that
		// eq filters behave intuitively.
		if x == float64(int64(x)) {
			return Int(int64(x)), nil
		}
		return Float(x), nil
	case float32:
		return FromAny(float64(x))
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint32:
		return Int(int64(x)), nil
	case []Value:
		return Array(x), nil
	case []any:
		arr := make([]Value, len(x))
		for i := range x {
			vv, err := FromAny(x[i])
			if err != nil {
				return Value{}, err
			}
			arr[i] = vv
		}
		return Array(arr), nil
	case []string:
		arr := make([]Value, len(x))
		for i := range x {
			arr[i] = String(x[i])
		}
		return Array(arr), nil
	case []float64:
		arr := make([]Value, len(x))
		for i := range x {
			vv, err := FromAny(x[i])
			if err != nil {
				return Value{}, err
			}
			arr[i] = vv
		}
		return Array(arr), nil
	default:
		return Value{}, fmt.Errorf("unsupported metadata value type %T", v)
	}
}

// DocumentFromAny converts a map[string]any document to a typed Document.
func DocumentFromAny(m map[string]any) (Document, error) {
	if m == nil {
		return nil, nil
	}
	d := make(Document, len(m))
	for k, v := range m {
		vv, err := FromAny(v)
		if err != nil {
			return nil, err
		}
		d[k] = vv
	}
	return d, nil
}

// ToAny converts a Value back to a plain JSON-compatible Go value.
func ToAny(v Value) any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindInt:
		return v.I64
	case KindFloat:
		return v.F64
	case KindString:
		return v.S
	case KindBool:
		return v.B
	case KindArray:
		out := make([]any, len(v.A))
		for i := range v.A {
			out[i] = ToAny(v.A[i])
		}
		return out
	default:
		return nil
	}
}

// DocumentToAny converts a Document back to a plain map[string]any.
func DocumentToAny(d Document) map[string]any {
	if d == nil {
		return nil
	}
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = ToAny(v)
	}
	return out
}
