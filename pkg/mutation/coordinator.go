// Package mutation runs write operations and propagates their results into the
// query cache through declared effects.
package mutation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-querysync/pkg/cache"
	"github.com/illmade-knight/go-querysync/pkg/fetcherr"
	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/rs/zerolog"
)

// Func performs the write. It is called exactly once per Mutate call; many
// writes, e.g. order creation, are not idempotent.
type Func func(ctx context.Context) (any, error)

// Effect is a cache change applied after a mutation succeeds.
type Effect interface {
	apply(tx *cache.Txn, result any) error
	describe() string
}

type setData struct {
	key   querykey.Key
	value any
}

func (e setData) apply(tx *cache.Txn, _ any) error {
	tx.Write(e.key, e.value)
	return nil
}

func (e setData) describe() string { return "set " + e.key.Canonical() }

// SetData writes value under key, for results that are already the canonical
// representation of that key's data.
func SetData(key querykey.Key, value any) Effect {
	return setData{key: key, value: value}
}

type setDataFrom struct {
	derive func(result any) (querykey.Key, any, error)
}

func (e setDataFrom) apply(tx *cache.Txn, result any) error {
	key, value, err := e.derive(result)
	if err != nil {
		return err
	}
	tx.Write(key, value)
	return nil
}

func (e setDataFrom) describe() string { return "set derived" }

// SetDataFrom writes a key and value derived from the mutation result, e.g. a
// freshly created order under its own id.
func SetDataFrom(derive func(result any) (querykey.Key, any, error)) Effect {
	return setDataFrom{derive: derive}
}

type invalidate struct {
	pred querykey.Predicate
	name string
}

func (e invalidate) apply(tx *cache.Txn, _ any) error {
	tx.Invalidate(e.pred)
	return nil
}

func (e invalidate) describe() string { return "invalidate " + e.name }

// Invalidate marks every key matching pred stale so dependent queries refetch.
func Invalidate(pred querykey.Predicate) Effect {
	return invalidate{pred: pred, name: "predicate"}
}

// InvalidateKey is Invalidate for a single exact key.
func InvalidateKey(key querykey.Key) Effect {
	return invalidate{pred: querykey.Exact(key), name: key.Canonical()}
}

// Result reports the outcome of one mutation.
type Result struct {
	ID   uuid.UUID
	Data any
	Err  error
	// Invalidated counts the entries marked stale by the invalidation effects.
	Invalidated int
}

// Coordinator executes mutations and applies their effects.
//
// Effects of one mutation are applied inside a single store transaction, and a
// coordinator-wide lock orders those transactions, so two mutations' effects
// never interleave: the second mutation's effects apply only after the first's.
// Subscribers are notified after that lock is released, in commit order, so a
// listener may itself start a mutation.
type Coordinator struct {
	store   *cache.Store
	logger  zerolog.Logger
	applyMu sync.Mutex
	pending atomic.Int64

	deliverMu sync.Mutex
	queue     []func()
	draining  bool
}

// NewCoordinator creates a coordinator writing to store.
func NewCoordinator(store *cache.Store, logger zerolog.Logger) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	return &Coordinator{
		store:  store,
		logger: logger.With().Str("component", "MutationCoordinator").Logger(),
	}, nil
}

// Pending returns the number of mutations currently running, counting from the
// call until its effects have been applied and delivered.
func (c *Coordinator) Pending() int {
	return int(c.pending.Load())
}

// Store returns the store the coordinator writes to.
func (c *Coordinator) Store() *cache.Store {
	return c.store
}

// Mutate runs fn once. On success the effects are applied in order; on failure
// the cache is left exactly as it was and the error is returned in the result.
func (c *Coordinator) Mutate(ctx context.Context, fn Func, effects ...Effect) Result {
	res := Result{ID: uuid.New()}
	logger := c.logger.With().Str("mutation_id", res.ID.String()).Logger()

	c.pending.Add(1)
	defer c.pending.Add(-1)

	data, err := c.call(ctx, fn)
	if err != nil {
		res.Err = fetcherr.Classify(err)
		logger.Warn().Err(res.Err).Str("kind", fetcherr.KindOf(res.Err).String()).Msg("Mutation failed, cache untouched.")
		return res
	}
	res.Data = data

	n, err := c.apply(data, effects)
	if err != nil {
		// The write itself succeeded; report the effect failure without hiding the data.
		res.Err = err
		logger.Error().Err(err).Msg("Mutation succeeded but its cache effects were not applied.")
		return res
	}
	res.Invalidated = n
	logger.Debug().Int("effects", len(effects)).Msg("Mutation applied.")
	return res
}

// Apply applies effects that have no write behind them, e.g. an invalidation
// pushed by another process. They are ordered against mutation effects exactly
// as another mutation's would be. Derived effects see a nil result.
func (c *Coordinator) Apply(effects ...Effect) Result {
	res := Result{ID: uuid.New()}
	c.pending.Add(1)
	defer c.pending.Add(-1)

	n, err := c.apply(nil, effects)
	if err != nil {
		res.Err = err
		c.logger.Error().Err(err).Str("mutation_id", res.ID.String()).Msg("Effects were not applied.")
		return res
	}
	res.Invalidated = n
	return res
}

// apply runs all effects in one transaction and returns how many entries were
// invalidated. A derived write that fails aborts the whole list; effects are
// validated before anything is written.
func (c *Coordinator) apply(result any, effects []Effect) (int, error) {
	if len(effects) == 0 {
		return 0, nil
	}
	writes, err := resolve(result, effects)
	if err != nil {
		return 0, err
	}

	var invalidated int
	c.applyMu.Lock()
	notify := c.store.UpdateDeferred(func(tx *cache.Txn) {
		for _, w := range writes {
			if inv, ok := w.(invalidate); ok {
				invalidated += tx.Invalidate(inv.pred)
				continue
			}
			_ = w.apply(tx, result)
		}
	})
	c.enqueueLocked(notify)
	c.applyMu.Unlock()

	c.drain()
	return invalidated, nil
}

// enqueueLocked queues a commit's notifications. Called with applyMu held so
// the queue follows commit order.
func (c *Coordinator) enqueueLocked(notify func()) {
	c.deliverMu.Lock()
	c.queue = append(c.queue, notify)
	c.deliverMu.Unlock()
}

// drain delivers queued notifications unless another caller already is. A
// mutation started from a listener finds the queue draining, so its
// notifications go out after that listener returns.
func (c *Coordinator) drain() {
	c.deliverMu.Lock()
	if c.draining {
		c.deliverMu.Unlock()
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.deliverMu.Unlock()
		c.deliver(next)
		c.deliverMu.Lock()
	}
	c.draining = false
	c.deliverMu.Unlock()
}

func (c *Coordinator) deliver(notify func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Cache listener panicked during delivery.")
		}
	}()
	notify()
}

// resolve turns derived effects into plain writes so that a failing derivation
// is detected before the transaction starts.
func resolve(result any, effects []Effect) ([]Effect, error) {
	out := make([]Effect, 0, len(effects))
	for i, eff := range effects {
		d, ok := eff.(setDataFrom)
		if !ok {
			out = append(out, eff)
			continue
		}
		key, value, err := d.derive(result)
		if err != nil {
			return nil, fmt.Errorf("effect %d (%s): %w", i, eff.describe(), err)
		}
		out = append(out, setData{key: key, value: value})
	}
	return out, nil
}

func (c *Coordinator) call(ctx context.Context, fn Func) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mutation panicked: %v", r)
		}
	}()
	return fn(ctx)
}
