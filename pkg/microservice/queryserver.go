package microservice

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/cache"
	"github.com/illmade-knight/go-querysync/pkg/invalidation"
	"github.com/rs/zerolog"
)

// Invalidator applies change notifications; invalidation.Listener implements it.
type Invalidator interface {
	Apply(ctx context.Context, ev invalidation.Event) (int, error)
}

// PendingCounter reports running mutations; mutation.Coordinator implements it.
type PendingCounter interface {
	Pending() int
}

// QueryServer serves the cache's operational endpoints:
//
//	GET  /healthz              entry, fetch, error and pending mutation counts
//	POST /webhooks/invalidate  apply a change notification (JSON invalidation.Event)
//	GET  /debug/cache          list cache entries
type QueryServer struct {
	*BaseServer
	store       *cache.Store
	invalidator Invalidator
	pending     PendingCounter
	secret      string
	logger      zerolog.Logger
}

// NewQueryServer registers the endpoints on a new BaseServer. pending may be
// nil; an empty secret leaves the webhook unauthenticated.
func NewQueryServer(port string, store *cache.Store, invalidator Invalidator, pending PendingCounter, secret string, logger zerolog.Logger) *QueryServer {
	s := &QueryServer{
		store:       store,
		invalidator: invalidator,
		pending:     pending,
		secret:      secret,
		logger:      logger.With().Str("component", "QueryServer").Logger(),
	}
	s.BaseServer = NewBaseServer(logger, port, s.health)
	s.Handle("POST /webhooks/invalidate", s.handleInvalidate)
	s.Handle("GET /debug/cache", s.handleEntries)
	return s
}

func (s *QueryServer) health() Health {
	var h Health
	for _, snap := range s.store.Entries() {
		h.Entries++
		if snap.IsFetching {
			h.Fetching++
		}
		if snap.Status == cache.StatusError {
			h.Errored++
		}
	}
	if s.pending != nil {
		h.PendingMutations = s.pending.Pending()
	}
	return h
}

// Start satisfies Service.
func (s *QueryServer) Start(_ context.Context) error {
	return s.BaseServer.Start()
}

const maxWebhookBody = 64 << 10

func (s *QueryServer) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.secret != "" {
		got := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid webhook secret"})
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}
	ev, err := invalidation.ParseEvent(invalidation.Message{Payload: body, Attributes: queryAttributes(r)})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	n, err := s.invalidator.Apply(r.Context(), ev)
	if err != nil {
		s.logger.Error().Err(err).Str("event", ev.String()).Msg("Webhook invalidation failed.")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"invalidated": n})
}

// queryAttributes lets simple webhooks pass ?resource=products&id=p1 instead
// of a JSON body.
func queryAttributes(r *http.Request) map[string]string {
	q := r.URL.Query()
	attrs := map[string]string{}
	for _, name := range []string{invalidation.AttrResource, invalidation.AttrPath, invalidation.AttrID} {
		if v := q.Get(name); v != "" {
			attrs[name] = v
		}
	}
	return attrs
}

// EntryView is the JSON form of one cache entry.
type EntryView struct {
	Key         string    `json:"key"`
	Status      string    `json:"status"`
	HasData     bool      `json:"hasData"`
	Error       string    `json:"error,omitempty"`
	IsStale     bool      `json:"isStale"`
	IsFetching  bool      `json:"isFetching"`
	Subscribers int       `json:"subscribers"`
	FetchedAt   time.Time `json:"fetchedAt,omitzero"`
	StaleAfter  time.Time `json:"staleAfter,omitzero"`
}

func (s *QueryServer) handleEntries(w http.ResponseWriter, _ *http.Request) {
	snaps := s.store.Entries()
	out := make([]EntryView, len(snaps))
	for i, snap := range snaps {
		v := EntryView{
			Key:         snap.Key.Canonical(),
			Status:      snap.Status.String(),
			HasData:     snap.HasData,
			IsStale:     snap.IsStale,
			IsFetching:  snap.IsFetching,
			Subscribers: snap.Subscribers,
			FetchedAt:   snap.FetchedAt,
			StaleAfter:  snap.StaleAfter,
		}
		if snap.Err != nil {
			v.Error = snap.Err.Error()
		}
		out[i] = v
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
