package snapshot

import "reflect"

const maxSanitizeDepth = 8

// SanitizeParams prunes values that cannot survive a serialize boundary
// (channels, functions, locks held behind pointers, open handles) from a
// free-form parameter document. Pruning is depth-bounded; anything past the
// bound is kept as-is rather than failing the whole capture.
func SanitizeParams(params map[string]any) map[string]any {
	out, _ := sanitizeValue(reflect.ValueOf(params), 0)
	if m, ok := out.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func sanitizeValue(v reflect.Value, depth int) (any, bool) {
	if !v.IsValid() {
		return nil, false
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, true
		}
		return sanitizeValue(v.Elem(), depth)
	}
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return nil, false
	case reflect.Ptr:
		if v.IsNil() {
			return nil, true
		}
		if depth >= maxSanitizeDepth {
			return v.Interface(), true
		}
		return sanitizeValue(v.Elem(), depth+1)
	case reflect.Map:
		if depth >= maxSanitizeDepth {
			return v.Interface(), true
		}
		out := map[string]any{}
		for _, k := range v.MapKeys() {
			if k.Kind() != reflect.String {
				continue
			}
			sv, keep := sanitizeValue(v.MapIndex(k), depth+1)
			if keep {
				out[k.String()] = sv
			}
		}
		return out, true
	case reflect.Slice, reflect.Array:
		if depth >= maxSanitizeDepth {
			return v.Interface(), true
		}
		out := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			sv, keep := sanitizeValue(v.Index(i), depth+1)
			if keep {
				out = append(out, sv)
			}
		}
		return out, true
	default:
		return v.Interface(), true
	}
}
