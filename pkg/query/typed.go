package query

import (
	"context"
	"fmt"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/cache"
	"github.com/illmade-knight/go-querysync/pkg/querykey"
)

// Result is a typed view of a cache snapshot, the shape a view consumes.
type Result[T any] struct {
	Data       T
	HasData    bool
	Status     cache.Status
	Err        error
	IsFetching bool
	IsStale    bool
	FetchedAt  time.Time
}

// IsLoading reports a first load with nothing to show yet.
func (r Result[T]) IsLoading() bool {
	return r.Status == cache.StatusLoading && !r.HasData
}

// Typed converts a snapshot. A value of an unexpected type is reported as an
// error rather than a panic.
func Typed[T any](snap cache.Snapshot) Result[T] {
	res := Result[T]{
		Status:     snap.Status,
		Err:        snap.Err,
		IsFetching: snap.IsFetching,
		IsStale:    snap.IsStale,
		FetchedAt:  snap.FetchedAt,
	}
	if !snap.HasData {
		return res
	}
	v, ok := snap.Data.(T)
	if !ok {
		res.Err = fmt.Errorf("cached value for %s is %T, not %T", snap.Key, snap.Data, res.Data)
		return res
	}
	res.Data, res.HasData = v, true
	return res
}

// Func adapts a typed fetch function.
func Func[T any](fn func(ctx context.Context) (T, error)) FetchFunc {
	return func(ctx context.Context) (any, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}

// QueryAs is the typed form of Executor.Query.
func QueryAs[T any](ctx context.Context, e *Executor, key querykey.Key, fn func(ctx context.Context) (T, error), opts Options) Result[T] {
	return Typed[T](e.Query(ctx, key, Func(fn), opts))
}

// FetchAs is the typed form of Executor.Fetch.
func FetchAs[T any](ctx context.Context, e *Executor, key querykey.Key, fn func(ctx context.Context) (T, error), opts Options) (T, error) {
	var zero T
	v, err := e.Fetch(ctx, key, Func(fn), opts)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cached value for %s is %T, not %T", key, v, zero)
	}
	return out, nil
}

// Watch subscribes fn to key and runs the query, the way a view mounts. fn sees
// every later change of the entry; the returned subscription detaches it.
func Watch[T any](ctx context.Context, e *Executor, key querykey.Key, fetch func(ctx context.Context) (T, error), opts Options, fn func(Result[T])) (*cache.Subscription, Result[T]) {
	sub := e.store.Registry().Subscribe(key, func(snap cache.Snapshot) {
		fn(Typed[T](snap))
	})
	return sub, QueryAs(ctx, e, key, fetch, opts)
}
