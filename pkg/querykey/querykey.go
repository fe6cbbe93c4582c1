// Package querykey defines the canonical identity of a cacheable query.
//
// A Key is a resource name, an optional list of path segments and a parameter
// record. Two keys are equal iff their canonical serialized forms are equal; the
// serialization sorts parameter names so it does not depend on the order in which
// a map was populated.
package querykey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Key identifies a cacheable query, e.g. ("products", {category: "men"}) or
// ("orders", "user", uid).
type Key struct {
	Resource string
	Path     []string
	Params   map[string]any
}

// New creates a key for a resource with optional path segments.
func New(resource string, path ...string) Key {
	return Key{Resource: resource, Path: path}
}

// WithParams returns a copy of k carrying the given parameter record.
func (k Key) WithParams(params map[string]any) Key {
	out := Key{Resource: k.Resource, Path: append([]string(nil), k.Path...)}
	if len(params) > 0 {
		out.Params = make(map[string]any, len(params))
		for name, v := range params {
			out.Params[name] = v
		}
	}
	return out
}

// Canonical returns the deterministic serialized form of the key.
// encoding/json sorts map keys at every nesting level, which makes the
// parameter section independent of insertion order. The resource and each
// segment are path-escaped so '/' and '?' only ever appear as separators.
func (k Key) Canonical() string {
	var b strings.Builder
	b.WriteString(url.PathEscape(k.Resource))
	for _, seg := range k.Path {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(seg))
	}
	if len(k.Params) > 0 {
		b.WriteByte('?')
		raw, err := json.Marshal(k.Params)
		if err != nil {
			// Unencodable params (funcs, channels) still get a stable identity.
			raw = []byte(fmt.Sprintf("%v", k.Params))
		}
		b.Write(raw)
	}
	return b.String()
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return k.Canonical()
}

// Equal reports whether two keys have the same canonical form.
func (k Key) Equal(other Key) bool {
	return k.Canonical() == other.Canonical()
}

// Hash returns a short digest of the canonical form, suitable for external
// stores and flight-group names.
func (k Key) Hash() string {
	sum := sha256.Sum256([]byte(k.Canonical()))
	return hex.EncodeToString(sum[:16])
}

// Param returns the named parameter and whether it was set.
func (k Key) Param(name string) (any, bool) {
	v, ok := k.Params[name]
	return v, ok
}
