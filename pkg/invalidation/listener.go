package invalidation

import (
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-querysync/pkg/mutation"
	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/rs/zerolog"
)

// Purger removes shared copies of responses, e.g. source.RedisResponseCache.
type Purger interface {
	Purge(ctx context.Context, keys ...querykey.Key) (int64, error)
}

// ListenerConfig holds configuration for a Listener.
type ListenerConfig struct {
	NumWorkers int `yaml:"num_workers"`
}

// Listener applies notifications from a MessageConsumer to the cache with a
// pool of workers. Messages that fail to parse are acked and dropped, since
// redelivery cannot fix them; purge failures are nacked.
type Listener struct {
	numWorkers int
	consumer   MessageConsumer
	applier    *Applier
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

// NewListener creates a Listener. purger may be nil.
func NewListener(cfg ListenerConfig, consumer MessageConsumer, coord *mutation.Coordinator, purger Purger, logger zerolog.Logger) (*Listener, error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 2
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if coord == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	return &Listener{
		numWorkers: cfg.NumWorkers,
		consumer:   consumer,
		applier:    NewApplier(coord, purger, logger),
		logger:     logger.With().Str("component", "InvalidationListener").Logger(),
	}, nil
}

// Start starts the consumer and the workers.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message consumer: %w", err)
	}
	l.wg.Add(l.numWorkers)
	for i := 0; i < l.numWorkers; i++ {
		go l.worker(ctx, i)
	}
	l.logger.Info().Int("worker_count", l.numWorkers).Msg("Invalidation listener started.")
	return nil
}

// Stop stops the consumer, then waits for workers to drain.
func (l *Listener) Stop(ctx context.Context) error {
	if err := l.consumer.Stop(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("Error during consumer stop, continuing shutdown.")
	}

	workerDone := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(workerDone)
	}()

	select {
	case <-workerDone:
		l.logger.Info().Msg("Invalidation listener stopped.")
		return nil
	case <-ctx.Done():
		l.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for invalidation workers to finish.")
		return ctx.Err()
	}
}

func (l *Listener) worker(ctx context.Context, workerID int) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-l.consumer.Messages():
			if !ok {
				l.logger.Debug().Int("worker_id", workerID).Msg("Consumer channel closed, worker exiting.")
				return
			}
			l.handleMessage(ctx, msg)
		}
	}
}

func (l *Listener) handleMessage(ctx context.Context, msg Message) {
	ev, err := ParseEvent(msg)
	if err != nil {
		l.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Dropping unreadable invalidation message.")
		msg.Ack()
		return
	}
	if _, err := l.applier.Apply(ctx, ev); err != nil {
		l.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to apply invalidation, Nacking.")
		msg.Nack()
		return
	}
	msg.Ack()
}

// Apply applies ev directly, bypassing the consumer.
func (l *Listener) Apply(ctx context.Context, ev Event) (int, error) {
	return l.applier.Apply(ctx, ev)
}

// Applier applies events to the cache, purging shared copies first. The
// invalidation goes through the mutation coordinator so it is ordered against
// the effects of local mutations.
type Applier struct {
	coord  *mutation.Coordinator
	purger Purger
	logger zerolog.Logger
}

// NewApplier creates an Applier. purger may be nil.
func NewApplier(coord *mutation.Coordinator, purger Purger, logger zerolog.Logger) *Applier {
	return &Applier{
		coord:  coord,
		purger: purger,
		logger: logger.With().Str("component", "InvalidationApplier").Logger(),
	}
}

// Apply invalidates every cached key the event selects and returns how many
// entries were marked stale. Shared copies are purged first so that the
// refetch triggered by the invalidation reaches the origin.
func (a *Applier) Apply(ctx context.Context, ev Event) (int, error) {
	pred := ev.Predicate()
	if a.purger != nil {
		var keys []querykey.Key
		for _, snap := range a.coord.Store().Entries() {
			if pred(snap.Key) {
				keys = append(keys, snap.Key)
			}
		}
		if _, err := a.purger.Purge(ctx, keys...); err != nil {
			return 0, fmt.Errorf("purge shared responses for %s: %w", ev, err)
		}
	}
	res := a.coord.Apply(mutation.Invalidate(pred))
	if res.Err != nil {
		return 0, fmt.Errorf("invalidate %s: %w", ev, res.Err)
	}
	a.logger.Debug().Str("event", ev.String()).Int("invalidated", res.Invalidated).Msg("Applied invalidation.")
	return res.Invalidated, nil
}
