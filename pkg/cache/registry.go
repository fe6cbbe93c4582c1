package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/rs/zerolog"
)

const (
	// DefaultGracePeriod is how long an unwatched entry survives.
	DefaultGracePeriod = 5 * time.Minute
	// DefaultGCInterval is how often Run scans for expired entries.
	DefaultGCInterval = time.Minute
)

// idleItem is an entry with no subscribers, stored in the idle list.
type idleItem struct {
	key   string
	since time.Time
}

// Registry tracks which consumers depend on which keys. It shares the store's
// lock, so subscriber counts and entry state never disagree.
//
// Keys with zero subscribers sit in an idle list ordered by the time they became
// idle. Resetting the grace timer moves a key to the back, so the list stays
// sorted and garbage collection only walks expired items.
type Registry struct {
	store       *Store
	gracePeriod time.Duration
	gcInterval  time.Duration
	logger      zerolog.Logger

	listeners map[string]map[uuid.UUID]Listener
	idle      *list.List               // of *idleItem, oldest first
	idleIndex map[string]*list.Element // fast lookups into idle
}

func newRegistry(store *Store, grace, interval time.Duration, logger zerolog.Logger) *Registry {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	return &Registry{
		store:       store,
		gracePeriod: grace,
		gcInterval:  interval,
		logger:      logger.With().Str("component", "SubscriptionRegistry").Logger(),
		listeners:   make(map[string]map[uuid.UUID]Listener),
		idle:        list.New(),
		idleIndex:   make(map[string]*list.Element),
	}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID   uuid.UUID
	Key  querykey.Key
	reg  *Registry
	once sync.Once
}

// Unsubscribe detaches the listener. It is safe to call more than once; it
// never cancels a fetch that other subscribers may be waiting on.
func (sub *Subscription) Unsubscribe() {
	sub.once.Do(func() { sub.reg.unsubscribe(sub) })
}

// Subscribe registers fn for changes to key and increments the key's subscriber
// count, creating an empty entry if the key has never been seen.
func (r *Registry) Subscribe(key querykey.Key, fn Listener) *Subscription {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	ck := key.Canonical()
	s.ensureLocked(key, s.clock.Now())
	set, ok := r.listeners[ck]
	if !ok {
		set = make(map[uuid.UUID]Listener)
		r.listeners[ck] = set
	}
	sub := &Subscription{ID: uuid.New(), Key: key, reg: r}
	set[sub.ID] = fn
	r.removeIdleLocked(ck)

	r.logger.Debug().Str("key", ck).Int("subscribers", len(set)).Msg("Subscribed.")
	return sub
}

// Subscribers returns the number of active subscribers of key.
func (r *Registry) Subscribers(key querykey.Key) int {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.countLocked(key.Canonical())
}

// GracePeriod returns how long a key may stay unwatched before collection.
func (r *Registry) GracePeriod() time.Duration { return r.gracePeriod }

func (r *Registry) unsubscribe(sub *Subscription) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	ck := sub.Key.Canonical()
	set := r.listeners[ck]
	delete(set, sub.ID)
	if len(set) > 0 {
		return
	}
	delete(r.listeners, ck)
	if _, ok := s.entries[ck]; ok {
		r.markIdleLocked(ck, s.clock.Now())
	}
	r.logger.Debug().Str("key", ck).Msg("Last subscriber left, grace period started.")
}

// CollectGarbage evicts entries whose subscriber count has been zero for at least
// the grace period. Entries with a fetch in flight are left for a later pass.
func (r *Registry) CollectGarbage() int {
	s := r.store
	var evicted int
	s.Update(func(tx *Txn) {
		cutoff := tx.now.Add(-r.gracePeriod)
		for el := r.idle.Front(); el != nil; {
			next := el.Next()
			item := el.Value.(*idleItem)
			if item.since.After(cutoff) {
				break
			}
			e, ok := s.entries[item.key]
			switch {
			case !ok:
				r.removeIdleLocked(item.key)
			case e.fetching:
				// revisit on the next pass
			default:
				if tx.Evict(e.key) {
					evicted++
				}
			}
			el = next
		}
	})
	if evicted > 0 {
		r.logger.Info().Int("evicted", evicted).Msg("Collected idle cache entries.")
	}
	return evicted
}

// Run collects garbage every GC interval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := r.store.clock.NewTicker(r.gcInterval)
	defer ticker.Stop()
	r.logger.Info().Dur("interval", r.gcInterval).Dur("grace_period", r.gracePeriod).Msg("Garbage collector started.")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Garbage collector stopped.")
			return ctx.Err()
		case <-ticker.Chan():
			r.CollectGarbage()
		}
	}
}

// --- helpers called with Store.mu held ---

func (r *Registry) entryCreatedLocked(ck string, now time.Time) {
	if len(r.listeners[ck]) == 0 {
		r.markIdleLocked(ck, now)
	}
}

func (r *Registry) forgetLocked(ck string) {
	r.removeIdleLocked(ck)
}

func (r *Registry) countLocked(ck string) int {
	return len(r.listeners[ck])
}

func (r *Registry) listenersLocked(ck string) []Listener {
	set := r.listeners[ck]
	if len(set) == 0 {
		return nil
	}
	out := make([]Listener, 0, len(set))
	for _, l := range set {
		out = append(out, l)
	}
	return out
}

// markIdleLocked starts or resets the grace timer for ck.
func (r *Registry) markIdleLocked(ck string, now time.Time) {
	if el, ok := r.idleIndex[ck]; ok {
		el.Value.(*idleItem).since = now
		r.idle.MoveToBack(el)
		return
	}
	r.idleIndex[ck] = r.idle.PushBack(&idleItem{key: ck, since: now})
}

func (r *Registry) removeIdleLocked(ck string) {
	if el, ok := r.idleIndex[ck]; ok {
		r.idle.Remove(el)
		delete(r.idleIndex, ck)
	}
}
