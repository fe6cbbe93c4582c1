package mutation

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-querysync/pkg/querykey"
)

// TypedResult is Result with a typed payload.
type TypedResult[T any] struct {
	Data T
	Err  error
}

// MutateAs is the typed form of Coordinator.Mutate.
func MutateAs[T any](ctx context.Context, c *Coordinator, fn func(ctx context.Context) (T, error), effects ...Effect) TypedResult[T] {
	res := c.Mutate(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, effects...)
	out := TypedResult[T]{Err: res.Err}
	if res.Data != nil {
		if v, ok := res.Data.(T); ok {
			out.Data = v
		}
	}
	return out
}

// SetDataAs derives a write from a typed mutation result.
func SetDataAs[T any](derive func(result T) (querykey.Key, any)) Effect {
	return SetDataFrom(func(result any) (querykey.Key, any, error) {
		v, ok := result.(T)
		if !ok {
			var zero T
			return querykey.Key{}, nil, fmt.Errorf("mutation result is %T, not %T", result, zero)
		}
		key, value := derive(v)
		return key, value, nil
	})
}
