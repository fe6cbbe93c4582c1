// Package cache holds the query cache: the Store of entries keyed by canonical
// query key, the staleness Policy consulted when results land, and the Registry
// that tracks subscribers and garbage-collects entries nobody watches.
package cache

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a key has no cache entry.
var ErrNotFound = errors.New("cache entry not found")

// Status is the lifecycle state of a cache entry.
type Status int

const (
	StatusEmpty Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Listener receives the new state of a key after every change to its entry.
type Listener func(Snapshot)

// Snapshot is an immutable view of a cache entry.
type Snapshot struct {
	Key         querykey.Key
	Status      Status
	Data        any
	HasData     bool
	Err         error
	FetchedAt   time.Time
	StaleAfter  time.Time
	IsFetching  bool
	IsStale     bool
	Subscribers int
	Generation  uint64
}

// IsPending reports a first load that has not produced data yet.
func (s Snapshot) IsPending() bool {
	return s.Status == StatusLoading && !s.HasData
}

// entry is the mutable record behind a Snapshot. All fields are guarded by
// Store.mu.
type entry struct {
	key        querykey.Key
	status     Status
	data       any
	hasData    bool
	err        error
	fetchedAt  time.Time
	staleAfter time.Time
	window     time.Duration // per-query override; zero uses the policy
	fetching   bool

	// generation moves on every create, write, invalidation and eviction.
	// createdGen identifies the incarnation of the entry and lastWriteGen the
	// most recent data write.
	generation   uint64
	createdGen   uint64
	lastWriteGen uint64
}

// StoreConfig configures a Store and its Registry.
type StoreConfig struct {
	Policy      Policy
	GracePeriod time.Duration
	GCInterval  time.Duration
}

// Store is the single shared mutable resource of the query cache. Writes reach it
// through the query executor and the mutation coordinator.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64

	policy Policy
	clock  clockwork.Clock
	logger zerolog.Logger
	subs   *Registry
}

// NewStore creates an empty store. A nil clock selects the real clock.
func NewStore(cfg StoreConfig, clock clockwork.Clock, logger zerolog.Logger) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Policy.Windows == nil {
		cfg.Policy = NewPolicy(cfg.Policy.Default, nil)
	}
	s := &Store{
		entries: make(map[string]*entry),
		policy:  cfg.Policy,
		clock:   clock,
		logger:  logger.With().Str("component", "CacheStore").Logger(),
	}
	s.subs = newRegistry(s, cfg.GracePeriod, cfg.GCInterval, logger)
	return s
}

// Clock returns the clock the store stamps entries with.
func (s *Store) Clock() clockwork.Clock { return s.clock }

// Policy returns the staleness policy.
func (s *Store) Policy() Policy { return s.policy }

// Registry returns the subscription registry bound to this store.
func (s *Store) Registry() *Registry { return s.subs }

// Get returns the entry for key.
func (s *Store) Get(key querykey.Key) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key.Canonical()]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshotLocked(e, s.clock.Now()), true
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries returns snapshots of every entry ordered by canonical key.
func (s *Store) Entries() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	out := make([]Snapshot, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, s.snapshotLocked(e, now))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.Canonical() < out[j].Key.Canonical()
	})
	return out
}

// Write stores a successful result: status success, error cleared, fetchedAt now
// and staleAfter recomputed from the key's window.
func (s *Store) Write(key querykey.Key, data any) {
	s.Update(func(tx *Txn) { tx.Write(key, data) })
}

// MarkLoading flags an in-flight fetch. Entries without data move to loading;
// entries with data keep it for stale-while-revalidate. The returned generation
// tags the fetch for SettleFetch.
func (s *Store) MarkLoading(key querykey.Key) uint64 {
	var gen uint64
	s.Update(func(tx *Txn) {
		e := tx.ensure(key)
		s.markLoadingLocked(e)
		gen = e.generation
		tx.touch(e)
	})
	return gen
}

// MarkError records a failed fetch. Prior data is never discarded: with data the
// entry stays success and carries the error, without data it moves to error.
func (s *Store) MarkError(key querykey.Key, err error) {
	s.Update(func(tx *Txn) {
		e := tx.ensure(key)
		s.markErrorLocked(e, err)
		tx.touch(e)
	})
}

// Invalidate makes every matching entry stale immediately without discarding its
// data. It returns the number of entries touched.
func (s *Store) Invalidate(pred querykey.Predicate) int {
	var n int
	s.Update(func(tx *Txn) { n = tx.Invalidate(pred) })
	return n
}

// Evict removes the entry for key.
func (s *Store) Evict(key querykey.Key) bool {
	var ok bool
	s.Update(func(tx *Txn) { ok = tx.Evict(key) })
	return ok
}

// Clear removes every entry, e.g. on sign-out. Subscriptions survive and are
// told their entries are gone.
func (s *Store) Clear() int {
	var n int
	s.Update(func(tx *Txn) {
		for _, e := range s.entries {
			if tx.Evict(e.key) {
				n++
			}
		}
	})
	s.logger.Info().Int("evicted", n).Msg("Cache cleared.")
	return n
}

// SetStaleWindow overrides the policy window for one key. It applies to the next
// write; a non-positive window restores the policy.
func (s *Store) SetStaleWindow(key querykey.Key, window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ensureLocked(key, s.clock.Now())
	if window < 0 {
		window = 0
	}
	e.window = window
}

// --- fetch coordination ---

// FetchPlan is the executor's view of a key at the moment it was queried.
type FetchPlan struct {
	Snapshot   Snapshot
	NeedsFetch bool
	// FlightID names the entry incarnation; fetches for different incarnations of
	// the same key never share a flight.
	FlightID uint64
}

// Plan decides whether key needs a fetch. Fresh entries are returned as-is;
// absent, stale, failed or forced entries are flagged as fetching before Plan
// returns so the snapshot already reports IsFetching.
func (s *Store) Plan(key querykey.Key, window time.Duration, force bool) FetchPlan {
	var plan FetchPlan
	s.Update(func(tx *Txn) {
		e := tx.ensure(key)
		if window > 0 {
			e.window = window
		}
		plan.FlightID = e.createdGen
		if !force && s.freshLocked(e, tx.now) {
			plan.Snapshot = s.snapshotLocked(e, tx.now)
			return
		}
		s.markLoadingLocked(e)
		tx.touch(e)
		plan.NeedsFetch = true
		plan.Snapshot = s.snapshotLocked(e, tx.now)
	})
	return plan
}

// BeginFetch is called by the single leader of a flight. It re-checks freshness so
// a caller that planned a fetch just before another flight landed does not issue
// a redundant request. started is false when the cached data is now fresh.
func (s *Store) BeginFetch(key querykey.Key, force bool) (gen uint64, snap Snapshot, started bool) {
	s.Update(func(tx *Txn) {
		e := tx.ensure(key)
		if !force && s.freshLocked(e, tx.now) {
			if e.fetching {
				e.fetching = false
				tx.touch(e)
			}
			snap = s.snapshotLocked(e, tx.now)
			return
		}
		s.markLoadingLocked(e)
		tx.touch(e)
		gen, started = e.generation, true
	})
	return gen, snap, started
}

// Outcome describes what SettleFetch did with a fetch result.
type Outcome int

const (
	// OutcomeFresh: the result was written and is fresh.
	OutcomeFresh Outcome = iota
	// OutcomeRestaled: the key was invalidated while the fetch was in flight; the
	// result was written but left stale so the next access refetches.
	OutcomeRestaled
	// OutcomeDiscarded: a direct write landed after the fetch was issued; the
	// result was dropped in favor of the newer data.
	OutcomeDiscarded
	// OutcomeFailed: the fetch failed and the error was recorded.
	OutcomeFailed
	// OutcomeDropped: the entry was evicted while the fetch was in flight.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFresh:
		return "fresh"
	case OutcomeRestaled:
		return "restaled"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeFailed:
		return "failed"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// SettleFetch applies the result of a fetch issued at generation gen and clears
// the in-flight marker.
func (s *Store) SettleFetch(key querykey.Key, gen uint64, data any, fetchErr error) Outcome {
	var out Outcome
	s.Update(func(tx *Txn) {
		e, ok := s.entries[key.Canonical()]
		if !ok || e.createdGen > gen {
			out = OutcomeDropped
			return
		}
		e.fetching = false
		tx.touch(e)
		superseded := e.generation != gen
		switch {
		case superseded && e.lastWriteGen > gen:
			out = OutcomeDiscarded
		case fetchErr != nil:
			s.markErrorLocked(e, fetchErr)
			out = OutcomeFailed
		case superseded:
			s.writeLocked(e, data, tx.now)
			e.staleAfter = tx.now
			out = OutcomeRestaled
		default:
			s.writeLocked(e, data, tx.now)
			out = OutcomeFresh
		}
	})
	s.logger.Debug().Str("key", key.Canonical()).Str("outcome", out.String()).Msg("Fetch settled.")
	return out
}

// --- transactions ---

// Txn applies several changes atomically. Subscribers are notified once per
// touched key after the transaction commits.
type Txn struct {
	store   *Store
	now     time.Time
	touched map[string]struct{}
	order   []querykey.Key
}

// Update runs fn under the store lock and then notifies subscribers of every
// touched key. fn must not call other Store methods.
func (s *Store) Update(fn func(tx *Txn)) {
	s.UpdateDeferred(fn)()
}

// UpdateDeferred commits fn like Update but leaves delivery to the caller:
// subscribers hear nothing until the returned notify func runs. Callers that
// hold their own lock across the commit release it before calling notify.
func (s *Store) UpdateDeferred(fn func(tx *Txn)) (notify func()) {
	s.mu.Lock()
	tx := &Txn{store: s, now: s.clock.Now(), touched: make(map[string]struct{})}
	fn(tx)
	deliveries := tx.commitLocked()
	s.mu.Unlock()

	return func() {
		for _, d := range deliveries {
			for _, l := range d.listeners {
				l(d.snapshot)
			}
		}
	}
}

// Now returns the transaction timestamp.
func (tx *Txn) Now() time.Time { return tx.now }

// Get reads an entry inside the transaction.
func (tx *Txn) Get(key querykey.Key) (Snapshot, bool) {
	e, ok := tx.store.entries[key.Canonical()]
	if !ok {
		return Snapshot{}, false
	}
	return tx.store.snapshotLocked(e, tx.now), true
}

// Write stores data for key as a fresh successful result.
func (tx *Txn) Write(key querykey.Key, data any) {
	e := tx.ensure(key)
	tx.store.writeLocked(e, data, tx.now)
	tx.touch(e)
}

// Invalidate moves staleAfter to now on every matching entry.
func (tx *Txn) Invalidate(pred querykey.Predicate) int {
	var n int
	for _, e := range tx.store.entries {
		if !pred(e.key) {
			continue
		}
		tx.store.gen++
		e.generation = tx.store.gen
		e.staleAfter = tx.now
		tx.touch(e)
		n++
	}
	return n
}

// Evict removes the entry for key.
func (tx *Txn) Evict(key querykey.Key) bool {
	s := tx.store
	ck := key.Canonical()
	e, ok := s.entries[ck]
	if !ok {
		return false
	}
	s.gen++
	delete(s.entries, ck)
	s.subs.forgetLocked(ck)
	tx.touch(e)
	return true
}

func (tx *Txn) ensure(key querykey.Key) *entry {
	return tx.store.ensureLocked(key, tx.now)
}

func (tx *Txn) touch(e *entry) {
	ck := e.key.Canonical()
	if _, seen := tx.touched[ck]; seen {
		return
	}
	tx.touched[ck] = struct{}{}
	tx.order = append(tx.order, e.key)
}

type delivery struct {
	snapshot  Snapshot
	listeners []Listener
}

func (tx *Txn) commitLocked() []delivery {
	s := tx.store
	var out []delivery
	for _, key := range tx.order {
		ck := key.Canonical()
		listeners := s.subs.listenersLocked(ck)
		if len(listeners) == 0 {
			continue
		}
		snap := Snapshot{Key: key, Status: StatusEmpty, Subscribers: len(listeners)}
		if e, ok := s.entries[ck]; ok {
			snap = s.snapshotLocked(e, tx.now)
		}
		out = append(out, delivery{snapshot: snap, listeners: listeners})
	}
	return out
}

// --- locked helpers ---

func (s *Store) ensureLocked(key querykey.Key, now time.Time) *entry {
	ck := key.Canonical()
	if e, ok := s.entries[ck]; ok {
		return e
	}
	s.gen++
	e := &entry{
		key:        key.WithParams(key.Params),
		status:     StatusEmpty,
		generation: s.gen,
		createdGen: s.gen,
	}
	s.entries[ck] = e
	s.subs.entryCreatedLocked(ck, now)
	return e
}

func (s *Store) windowLocked(e *entry) time.Duration {
	if e.window > 0 {
		return e.window
	}
	return s.policy.WindowFor(e.key)
}

func (s *Store) freshLocked(e *entry, now time.Time) bool {
	return e.hasData && now.Before(e.staleAfter)
}

func (s *Store) writeLocked(e *entry, data any, now time.Time) {
	s.gen++
	e.generation = s.gen
	e.lastWriteGen = s.gen
	e.status = StatusSuccess
	e.data = data
	e.hasData = true
	e.err = nil
	e.fetchedAt = now
	e.staleAfter = now.Add(s.windowLocked(e))
}

func (s *Store) markLoadingLocked(e *entry) {
	e.fetching = true
	if !e.hasData {
		e.status = StatusLoading
	}
}

func (s *Store) markErrorLocked(e *entry, err error) {
	e.err = err
	if e.hasData {
		e.status = StatusSuccess
	} else {
		e.status = StatusError
	}
}

func (s *Store) snapshotLocked(e *entry, now time.Time) Snapshot {
	return Snapshot{
		Key:         e.key,
		Status:      e.status,
		Data:        e.data,
		HasData:     e.hasData,
		Err:         e.err,
		FetchedAt:   e.fetchedAt,
		StaleAfter:  e.staleAfter,
		IsFetching:  e.fetching,
		IsStale:     e.hasData && !now.Before(e.staleAfter),
		Subscribers: s.subs.countLocked(e.key.Canonical()),
		Generation:  e.generation,
	}
}
