package storefront

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-querysync/pkg/cache"
	"github.com/illmade-knight/go-querysync/pkg/mutation"
	"github.com/illmade-knight/go-querysync/pkg/query"
	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/illmade-knight/go-querysync/pkg/source"
	"github.com/rs/zerolog"
)

// Catalog reads products and categories. Client implements it over REST and
// FirestoreCatalog over a Firestore mirror of the catalog.
type Catalog interface {
	GetProducts(ctx context.Context, category string) ([]Product, error)
	GetProduct(ctx context.Context, id string) (Product, error)
	GetCategories(ctx context.Context) ([]Category, error)
}

// Storefront exposes the shop's data as cached queries and its writes as
// mutations whose effects keep dependent queries consistent.
type Storefront struct {
	client  *Client
	catalog Catalog
	exec    *query.Executor
	coord   *mutation.Coordinator
	auth    *TokenAuth
	shared  *source.RedisResponseCache
	logger  zerolog.Logger
}

// Config collects the Storefront's collaborators. Auth, Catalog and Shared are
// optional.
type Config struct {
	Client      *Client
	Executor    *query.Executor
	Coordinator *mutation.Coordinator
	Auth        *TokenAuth
	// Catalog overrides where catalog reads go; it defaults to Client.
	Catalog Catalog
	// Shared, when set, puts catalog responses (not user data) behind Redis.
	Shared *source.RedisResponseCache
}

// New creates a Storefront.
func New(cfg Config, logger zerolog.Logger) (*Storefront, error) {
	if cfg.Client == nil || cfg.Executor == nil || cfg.Coordinator == nil {
		return nil, fmt.Errorf("storefront requires a client, an executor and a coordinator")
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = cfg.Client
	}
	return &Storefront{
		client:  cfg.Client,
		catalog: catalog,
		exec:    cfg.Executor,
		coord:   cfg.Coordinator,
		auth:    cfg.Auth,
		shared:  cfg.Shared,
		logger:  logger.With().Str("component", "Storefront").Logger(),
	}, nil
}

// Store returns the cache backing the queries.
func (s *Storefront) Store() *cache.Store { return s.exec.Store() }

// sharedFetch wraps fetches of data that is identical for every user.
func sharedFetch[T any](s *Storefront, key querykey.Key, fetch func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	if s.shared == nil {
		return fetch
	}
	return source.ReadThrough(s.shared, key, fetch)
}

func (s *Storefront) productsFetch(category string) func(ctx context.Context) ([]Product, error) {
	return sharedFetch(s, ProductsKey(category), func(ctx context.Context) ([]Product, error) {
		return s.catalog.GetProducts(ctx, category)
	})
}

// Products returns the product listing for category.
func (s *Storefront) Products(ctx context.Context, category string, opts query.Options) ([]Product, error) {
	return query.FetchAs(ctx, s.exec, ProductsKey(category), s.productsFetch(category), opts)
}

// WatchProducts is the non-blocking form of Products: it returns the current
// state at once and calls fn whenever the listing changes.
func (s *Storefront) WatchProducts(ctx context.Context, category string, opts query.Options, fn func(query.Result[[]Product])) (*cache.Subscription, query.Result[[]Product]) {
	return query.Watch(ctx, s.exec, ProductsKey(category), s.productsFetch(category), opts, fn)
}

func (s *Storefront) Product(ctx context.Context, id string, opts query.Options) (Product, error) {
	return query.FetchAs(ctx, s.exec, ProductKey(id), sharedFetch(s, ProductKey(id), func(ctx context.Context) (Product, error) {
		return s.catalog.GetProduct(ctx, id)
	}), opts)
}

func (s *Storefront) Categories(ctx context.Context, opts query.Options) ([]Category, error) {
	return query.FetchAs(ctx, s.exec, CategoriesKey(), sharedFetch(s, CategoriesKey(), s.catalog.GetCategories), opts)
}

// UserOrders returns uid's order history. An empty uid means no session; the
// query is then disabled rather than sent.
func (s *Storefront) UserOrders(ctx context.Context, uid string, opts query.Options) ([]Order, error) {
	if uid == "" {
		return nil, ErrUnauthenticated
	}
	return query.FetchAs(ctx, s.exec, UserOrdersKey(uid), func(ctx context.Context) ([]Order, error) {
		return s.client.GetUserOrders(ctx, uid)
	}, opts)
}

// WatchUserOrders is the non-blocking form of UserOrders.
func (s *Storefront) WatchUserOrders(ctx context.Context, uid string, fn func(query.Result[[]Order])) (*cache.Subscription, query.Result[[]Order]) {
	return query.Watch(ctx, s.exec, UserOrdersKey(uid), func(ctx context.Context) ([]Order, error) {
		return s.client.GetUserOrders(ctx, uid)
	}, query.Options{Disabled: uid == ""}, fn)
}

func (s *Storefront) Order(ctx context.Context, id string, opts query.Options) (Order, error) {
	return query.FetchAs(ctx, s.exec, OrderKey(id), func(ctx context.Context) (Order, error) {
		return s.client.GetOrder(ctx, id)
	}, opts)
}

func (s *Storefront) Stats(ctx context.Context, opts query.Options) (Stats, error) {
	return query.FetchAs(ctx, s.exec, StatsKey(), s.client.GetStats, opts)
}

// CreateOrder places an order. On success the new order is cached under its
// own key, and the user's order history and the stats are invalidated. On
// failure the cache is unchanged.
func (s *Storefront) CreateOrder(ctx context.Context, order NewOrder) (Order, error) {
	if order.UserID == "" {
		return Order{}, ErrUnauthenticated
	}
	if len(order.Items) == 0 {
		return Order{}, fmt.Errorf("order has no items")
	}
	idempotencyKey := uuid.NewString()

	res := mutation.MutateAs(ctx, s.coord, func(ctx context.Context) (Order, error) {
		return s.client.PostOrder(ctx, order, idempotencyKey)
	},
		mutation.SetDataAs(func(created Order) (querykey.Key, any) {
			return OrderKey(created.ID), created
		}),
		mutation.Invalidate(querykey.HasPrefix(ResourceOrders, "user", order.UserID)),
		mutation.InvalidateKey(StatsKey()),
	)
	if res.Err != nil {
		return res.Data, fmt.Errorf("create order: %w", res.Err)
	}
	s.logger.Info().Str("order_id", res.Data.ID).Str("total", res.Data.Total.StringFixed(2)).Msg("Order created.")
	return res.Data, nil
}

// SignOut ends the session and drops every cached entry so that nothing
// fetched for the previous user survives. It returns the number of entries
// removed.
func (s *Storefront) SignOut() int {
	if s.auth != nil {
		s.auth.SignOut()
	}
	n := s.exec.Store().Clear()
	s.logger.Info().Int("entries", n).Msg("Signed out, cache cleared.")
	return n
}
