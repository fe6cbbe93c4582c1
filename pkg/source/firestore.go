package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-querysync/pkg/fetcherr"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore client.
type FirestoreConfig struct {
	ProjectID      string `yaml:"project_id"`
	CollectionName string `yaml:"collection"`
}

// FirestoreSource loads documents from one Firestore collection. Its methods
// return fetch functions suitable for query.Func, with errors already mapped
// onto fetcherr kinds.
type FirestoreSource struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreSource creates a FirestoreSource over an injected client.
func NewFirestoreSource(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreSource, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name cannot be empty")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreSource initialized.")

	return &FirestoreSource{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreSource").Logger(),
	}, nil
}

// In returns a source reading collection with the same client.
func (s *FirestoreSource) In(collection string) *FirestoreSource {
	return &FirestoreSource{
		client:         s.client,
		collectionName: collection,
		logger:         s.logger,
	}
}

// Filter is a single Where clause.
type Filter struct {
	Path  string
	Op    string
	Value any
}

// Document returns a fetch function that loads one document by id.
func Document[T any](s *FirestoreSource, id string) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		var zero T
		docSnap, err := s.client.Collection(s.collectionName).Doc(id).Get(ctx)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				s.logger.Warn().Str("id", id).Msg("Document not found in Firestore.")
			} else {
				s.logger.Error().Err(err).Str("id", id).Msg("Failed to get document from Firestore.")
			}
			return zero, mapFirestoreErr("get "+id, err)
		}

		var value T
		if err := docSnap.DataTo(&value); err != nil {
			s.logger.Error().Err(err).Str("id", id).Msg("Failed to map Firestore document data.")
			return zero, fetcherr.Decode(fmt.Errorf("firestore DataTo for %s: %w", id, err))
		}
		return value, nil
	}
}

// Collection returns a fetch function that loads every document matching
// filters, ordered by document id.
func Collection[T any](s *FirestoreSource, filters ...Filter) func(ctx context.Context) ([]T, error) {
	return func(ctx context.Context) ([]T, error) {
		q := s.client.Collection(s.collectionName).Query
		for _, f := range filters {
			q = q.Where(f.Path, f.Op, f.Value)
		}
		q = q.OrderBy(firestore.DocumentID, firestore.Asc)

		iter := q.Documents(ctx)
		defer iter.Stop()

		out := make([]T, 0)
		for {
			docSnap, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				s.logger.Error().Err(err).Msg("Failed to query Firestore collection.")
				return nil, mapFirestoreErr("query "+s.collectionName, err)
			}
			var value T
			if err := docSnap.DataTo(&value); err != nil {
				return nil, fetcherr.Decode(fmt.Errorf("firestore DataTo for %s: %w", docSnap.Ref.ID, err))
			}
			out = append(out, value)
		}
		s.logger.Debug().Int("count", len(out)).Msg("Fetched collection from Firestore.")
		return out, nil
	}
}

// Put writes a document, used by seeding tools and tests.
func (s *FirestoreSource) Put(ctx context.Context, id string, value any) error {
	_, err := s.client.Collection(s.collectionName).Doc(id).Set(ctx, value)
	if err != nil {
		s.logger.Error().Err(err).Str("id", id).Msg("Failed to write document to Firestore.")
		return fmt.Errorf("firestore set for %s: %w", id, err)
	}
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreSource) Close() error {
	s.logger.Info().Msg("FirestoreSource does not close the injected Firestore client.")
	return nil
}

// mapFirestoreErr turns gRPC status codes into fetch error kinds.
func mapFirestoreErr(op string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fetcherr.Server(http.StatusNotFound, "document not found")
	case codes.PermissionDenied:
		return fetcherr.Server(http.StatusForbidden, status.Convert(err).Message())
	case codes.Unauthenticated:
		return fetcherr.Server(http.StatusUnauthorized, status.Convert(err).Message())
	case codes.InvalidArgument, codes.FailedPrecondition:
		return fetcherr.Server(http.StatusBadRequest, status.Convert(err).Message())
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return fetcherr.Network(op, err)
	case codes.Unknown:
		// Not a gRPC status, e.g. a dial failure.
		return fetcherr.Network(op, err)
	default:
		return fetcherr.Server(http.StatusInternalServerError, status.Convert(err).Message())
	}
}
