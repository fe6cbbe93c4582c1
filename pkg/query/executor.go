// Package query serves cached reads. The Executor returns cached data while it is
// fresh, starts a fetch when it is absent or stale, and makes concurrent callers
// for the same key share a single fetch.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/cache"
	"github.com/illmade-knight/go-querysync/pkg/fetcherr"
	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrDisabled is returned by Fetch for a disabled query.
var ErrDisabled = errors.New("query is disabled")

// FetchFunc loads the data for one query. It should report failures with the
// error kinds from package fetcherr; anything else is classified as a network
// error.
type FetchFunc func(ctx context.Context) (any, error)

// Options tune a single query call.
type Options struct {
	// Disabled gates dependent queries, e.g. until a parent id is known. A
	// disabled query returns the idle snapshot and never touches the cache.
	Disabled bool
	// StaleWindow overrides the policy window for this key when positive.
	StaleWindow time.Duration
	// Force refetches even if the cached data is fresh.
	Force bool
}

// Executor runs queries against a cache.Store.
type Executor struct {
	store   *cache.Store
	flights singleflight.Group
	logger  zerolog.Logger
}

// NewExecutor creates an executor bound to store.
func NewExecutor(store *cache.Store, logger zerolog.Logger) (*Executor, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	return &Executor{
		store:  store,
		logger: logger.With().Str("component", "QueryExecutor").Logger(),
	}, nil
}

// Store returns the store the executor reads and writes.
func (e *Executor) Store() *cache.Store { return e.store }

// Query returns the current snapshot of key without waiting for the network. If
// the data is absent, stale or Force is set, a background fetch is started (or an
// in-flight one joined) and the snapshot reports IsFetching, carrying any stale
// data so callers can keep showing it while the refresh runs.
func (e *Executor) Query(ctx context.Context, key querykey.Key, fetch FetchFunc, opts Options) cache.Snapshot {
	if opts.Disabled {
		return cache.Snapshot{Key: key, Status: cache.StatusEmpty}
	}
	plan := e.store.Plan(key, opts.StaleWindow, opts.Force)
	if !plan.NeedsFetch {
		e.logger.Debug().Str("key", key.Canonical()).Msg("Cache hit.")
		return plan.Snapshot
	}
	e.start(ctx, key, fetch, opts.Force, plan.FlightID)
	return plan.Snapshot
}

// Fetch returns fresh data for key, fetching or joining the in-flight fetch as
// needed, and waits for it. Cancelling ctx abandons the wait, not the fetch,
// since other callers may share it.
func (e *Executor) Fetch(ctx context.Context, key querykey.Key, fetch FetchFunc, opts Options) (any, error) {
	if opts.Disabled {
		return nil, ErrDisabled
	}
	plan := e.store.Plan(key, opts.StaleWindow, opts.Force)
	if !plan.NeedsFetch {
		e.logger.Debug().Str("key", key.Canonical()).Msg("Cache hit.")
		return plan.Snapshot.Data, nil
	}
	ch := e.start(ctx, key, fetch, opts.Force, plan.FlightID)
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Refetch forces a new attempt for key, e.g. an explicit retry after a failure.
func (e *Executor) Refetch(ctx context.Context, key querykey.Key, fetch FetchFunc) (any, error) {
	return e.Fetch(ctx, key, fetch, Options{Force: true})
}

// Prefetch warms the cache for key without waiting.
func (e *Executor) Prefetch(ctx context.Context, key querykey.Key, fetch FetchFunc, opts Options) {
	_ = e.Query(ctx, key, fetch, opts)
}

// start joins the flight for key or becomes its leader. Flights are named by the
// key hash and the entry incarnation, so a fetch issued before an eviction is
// never shared with callers that arrive afterwards.
func (e *Executor) start(ctx context.Context, key querykey.Key, fetch FetchFunc, force bool, flightID uint64) <-chan singleflight.Result {
	name := fmt.Sprintf("%s#%d", key.Hash(), flightID)
	// The shared fetch outlives any one caller's context.
	fetchCtx := context.WithoutCancel(ctx)
	return e.flights.DoChan(name, func() (any, error) {
		return e.run(fetchCtx, key, fetch, force)
	})
}

// run is executed by exactly one caller per flight.
func (e *Executor) run(ctx context.Context, key querykey.Key, fetch FetchFunc, force bool) (any, error) {
	gen, snap, started := e.store.BeginFetch(key, force)
	if !started {
		return snap.Data, nil
	}

	e.logger.Debug().Str("key", key.Canonical()).Msg("Cache miss, fetching.")
	data, err := e.call(ctx, fetch)
	if err != nil {
		err = fetcherr.Classify(err)
	}

	outcome := e.store.SettleFetch(key, gen, data, err)
	switch outcome {
	case cache.OutcomeFailed:
		e.logger.Warn().Err(err).Str("key", key.Canonical()).Str("kind", fetcherr.KindOf(err).String()).Msg("Fetch failed.")
		return nil, err
	case cache.OutcomeDiscarded:
		// A mutation wrote newer data while we were in flight; serve that.
		if cur, ok := e.store.Get(key); ok && cur.HasData {
			return cur.Data, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// call invokes fetch, turning a panic into an error so the flight always settles
// and the in-flight marker is always cleared.
func (e *Executor) call(ctx context.Context, fetch FetchFunc) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panicked: %v", r)
		}
	}()
	return fetch(ctx)
}
