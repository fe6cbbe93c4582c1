package invalidation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/illmade-knight/go-querysync/pkg/querykey"
)

// Attribute names read from broker messages.
const (
	AttrResource = "resource"
	AttrPath     = "path"
	AttrID       = "id"
)

// ErrEmptyEvent is returned for notifications that name no resource.
var ErrEmptyEvent = errors.New("invalidation event names no resource")

// Event describes which cached queries a server-side change affects.
//
// Resources lists the resource classes to invalidate; Path narrows each of them
// to keys with that path prefix. A product update, for example, is
// {Resources: [product], Path: [p1]} plus {Resources: [products]} for listings.
type Event struct {
	Resources []string       `json:"resources"`
	Path      []string       `json:"path,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// Predicate returns the key predicate the event selects.
func (e Event) Predicate() querykey.Predicate {
	preds := make([]querykey.Predicate, 0, len(e.Resources))
	for _, r := range e.Resources {
		p := querykey.HasPrefix(r, e.Path...)
		for name, v := range e.Params {
			p = querykey.And(p, querykey.ParamEquals(name, v))
		}
		preds = append(preds, p)
	}
	return querykey.Or(preds...)
}

func (e Event) String() string {
	return fmt.Sprintf("%s/%s", strings.Join(e.Resources, ","), strings.Join(e.Path, "/"))
}

// ParseEvent reads an Event from message attributes, falling back to a JSON
// payload when no resource attribute is present.
//
// Attributes: resource is a comma separated list, path a slash separated
// prefix, and id a final path segment appended to it.
func ParseEvent(msg Message) (Event, error) {
	if res := msg.Attributes[AttrResource]; res != "" {
		ev := Event{Resources: splitNonEmpty(res, ",")}
		ev.Path = splitNonEmpty(msg.Attributes[AttrPath], "/")
		if id := msg.Attributes[AttrID]; id != "" {
			ev.Path = append(ev.Path, id)
		}
		return validate(ev)
	}
	if len(msg.Payload) == 0 {
		return Event{}, ErrEmptyEvent
	}
	var ev Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal invalidation payload: %w", err)
	}
	return validate(ev)
}

func validate(ev Event) (Event, error) {
	ev.Resources = splitAll(ev.Resources)
	if len(ev.Resources) == 0 {
		return Event{}, ErrEmptyEvent
	}
	return ev, nil
}

func splitAll(in []string) []string {
	var out []string
	for _, s := range in {
		out = append(out, splitNonEmpty(s, ",")...)
	}
	return out
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
