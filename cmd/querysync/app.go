package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-querysync/pkg/cache"
	"github.com/illmade-knight/go-querysync/pkg/config"
	"github.com/illmade-knight/go-querysync/pkg/invalidation"
	"github.com/illmade-knight/go-querysync/pkg/mutation"
	"github.com/illmade-knight/go-querysync/pkg/query"
	"github.com/illmade-knight/go-querysync/pkg/source"
	"github.com/illmade-knight/go-querysync/pkg/storefront"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// app holds the wired components for one process.
type app struct {
	store      *cache.Store
	coord      *mutation.Coordinator
	storefront *storefront.Storefront
	applier    *invalidation.Applier
	shared     *source.RedisResponseCache
	firestore  *firestore.Client
	pubsub     *pubsub.Client
	logger     zerolog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{logger: logger}
	a.store = cache.NewStore(cfg.StoreConfig(), nil, logger)

	exec, err := query.NewExecutor(a.store, logger)
	if err != nil {
		return nil, err
	}
	a.coord, err = mutation.NewCoordinator(a.store, logger)
	if err != nil {
		return nil, err
	}

	auth := storefront.NewTokenAuth(cfg.Session.Token, cfg.Session.UserID)
	client, err := storefront.NewClient(cfg.Storefront, nil, auth, logger)
	if err != nil {
		return nil, err
	}

	sfCfg := storefront.Config{Client: client, Executor: exec, Coordinator: a.coord, Auth: auth}

	if cfg.RedisEnabled() {
		a.shared, err = source.NewRedisResponseCache(ctx, &cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		sfCfg.Shared = a.shared
	}

	if cfg.FirestoreEnabled() {
		a.firestore, err = firestore.NewClient(ctx, cfg.Firestore.ProjectID, clientOptions(cfg)...)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		src, err := source.NewFirestoreSource(&cfg.Firestore, a.firestore, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		sfCfg.Catalog = storefront.NewFirestoreCatalog(src)
	}

	a.storefront, err = storefront.New(sfCfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	var purger invalidation.Purger
	if a.shared != nil {
		purger = a.shared
	}
	a.applier = invalidation.NewApplier(a.coord, purger, logger)
	return a, nil
}

// newListener subscribes to the Pub/Sub change feed. It returns nil when the
// feed is not configured.
func (a *app) newListener(ctx context.Context, cfg *config.Config) (*invalidation.Listener, error) {
	if !cfg.PubsubEnabled() {
		return nil, nil
	}
	var err error
	a.pubsub, err = pubsub.NewClient(ctx, cfg.Invalidation.Pubsub.ProjectID, clientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	consumer, err := invalidation.NewGooglePubsubConsumer(&cfg.Invalidation.Pubsub, a.pubsub, a.logger)
	if err != nil {
		return nil, err
	}
	var purger invalidation.Purger
	if a.shared != nil {
		purger = a.shared
	}
	return invalidation.NewListener(cfg.Invalidation.Listener, consumer, a.coord, purger, a.logger)
}

func clientOptions(cfg *config.Config) []option.ClientOption {
	if cfg.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}
}

func (a *app) Close() {
	if a.shared != nil {
		_ = a.shared.Close()
	}
	if a.firestore != nil {
		_ = a.firestore.Close()
	}
	if a.pubsub != nil {
		_ = a.pubsub.Close()
	}
}
