package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/fetcherr"
	"github.com/illmade-knight/go-querysync/pkg/microservice"
	"github.com/illmade-knight/go-querysync/pkg/query"
	"github.com/illmade-knight/go-querysync/pkg/storefront"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy, the change feed and the cache collector",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			listener, err := a.newListener(ctx, cfg)
			if err != nil {
				return err
			}
			if listener != nil {
				if err := listener.Start(ctx); err != nil {
					return err
				}
			}

			srv := microservice.NewQueryServer(cfg.HTTPPort, a.store, a.applier, a.coord, cfg.Invalidation.WebhookSecret, logger)
			registerCatalogRoutes(srv, a.storefront)
			if err := srv.Start(ctx); err != nil {
				return err
			}

			gcDone := make(chan struct{})
			go func() {
				defer close(gcDone)
				_ = a.store.Registry().Run(ctx)
			}()

			logger.Info().Str("service", cfg.ServiceName).Msg("querysync serving.")
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if listener != nil {
				if err := listener.Stop(shutdownCtx); err != nil {
					logger.Warn().Err(err).Msg("Invalidation listener did not stop cleanly.")
				}
			}
			<-gcDone
			return srv.Shutdown(shutdownCtx)
		},
	}
}

// registerCatalogRoutes serves catalog reads through the cache, so that many
// clients share one upstream request per key and staleness window.
func registerCatalogRoutes(srv *microservice.QueryServer, sf *storefront.Storefront) {
	srv.Handle("GET /api/products", func(w http.ResponseWriter, r *http.Request) {
		products, err := sf.Products(r.Context(), r.URL.Query().Get("category"), query.Options{})
		respond(w, products, err)
	})
	srv.Handle("GET /api/products/{id}", func(w http.ResponseWriter, r *http.Request) {
		product, err := sf.Product(r.Context(), r.PathValue("id"), query.Options{})
		respond(w, product, err)
	})
	srv.Handle("GET /api/categories", func(w http.ResponseWriter, r *http.Request) {
		categories, err := sf.Categories(r.Context(), query.Options{})
		respond(w, categories, err)
	})
}

func respond(w http.ResponseWriter, v any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		status := http.StatusBadGateway
		var srvErr *fetcherr.ServerError
		if errors.As(err, &srvErr) && srvErr.Status < 500 {
			status = srvErr.Status
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "kind": fetcherr.KindOf(err).String()})
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}
