package cache

import (
	"time"

	"github.com/illmade-knight/go-querysync/pkg/querykey"
)

// DefaultStaleWindow applies to resource classes the policy does not name.
const DefaultStaleWindow = 30 * time.Second

// Policy maps a resource class to the duration a successful result stays fresh.
// Different instances of the same resource share a window, so the table is keyed
// by querykey.Key.Resource rather than by the full key.
type Policy struct {
	Default time.Duration
	Windows map[string]time.Duration
}

// NewPolicy creates a policy with the given fallback window. A non-positive
// fallback selects DefaultStaleWindow.
func NewPolicy(fallback time.Duration, windows map[string]time.Duration) Policy {
	if fallback <= 0 {
		fallback = DefaultStaleWindow
	}
	table := make(map[string]time.Duration, len(windows))
	for resource, w := range windows {
		table[resource] = w
	}
	return Policy{Default: fallback, Windows: table}
}

// WindowFor returns the staleness window for the key's resource class.
// A zero window is valid and means results are stale as soon as they land.
func (p Policy) WindowFor(key querykey.Key) time.Duration {
	if w, ok := p.Windows[key.Resource]; ok && w >= 0 {
		return w
	}
	if p.Default <= 0 {
		return DefaultStaleWindow
	}
	return p.Default
}
