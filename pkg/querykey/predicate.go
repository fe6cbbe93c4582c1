package querykey

import (
	"encoding/json"
	"reflect"
)

// Predicate selects keys, e.g. for invalidation.
type Predicate func(Key) bool

// All matches every key.
func All() Predicate {
	return func(Key) bool { return true }
}

// Exact matches keys structurally equal to k.
func Exact(k Key) Predicate {
	want := k.Canonical()
	return func(other Key) bool { return other.Canonical() == want }
}

// ResourceIs matches every key of a resource class regardless of path or params.
func ResourceIs(resource string) Predicate {
	return func(k Key) bool { return k.Resource == resource }
}

// HasPrefix matches keys of resource whose path starts with the given segments.
// HasPrefix("orders", "user", uid) matches ("orders","user",uid) and
// ("orders","user",uid,"recent").
func HasPrefix(resource string, path ...string) Predicate {
	return func(k Key) bool {
		if k.Resource != resource || len(k.Path) < len(path) {
			return false
		}
		for i, seg := range path {
			if k.Path[i] != seg {
				return false
			}
		}
		return true
	}
}

// ParamEquals matches keys whose named parameter is structurally equal to value.
// Values are compared in their JSON form so 1 and 1.0 are the same parameter.
func ParamEquals(name string, value any) Predicate {
	want, wantErr := json.Marshal(value)
	return func(k Key) bool {
		got, ok := k.Params[name]
		if !ok {
			return false
		}
		if wantErr != nil {
			return reflect.DeepEqual(got, value)
		}
		raw, err := json.Marshal(got)
		return err == nil && string(raw) == string(want)
	}
}

// And matches keys accepted by every predicate.
func And(preds ...Predicate) Predicate {
	return func(k Key) bool {
		for _, p := range preds {
			if !p(k) {
				return false
			}
		}
		return true
	}
}

// Or matches keys accepted by at least one predicate.
func Or(preds ...Predicate) Predicate {
	return func(k Key) bool {
		for _, p := range preds {
			if p(k) {
				return true
			}
		}
		return false
	}
}
