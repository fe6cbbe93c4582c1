package source

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/illmade-knight/go-querysync/pkg/fetcherr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestMapFirestoreErr(t *testing.T) {
	testCases := []struct {
		name       string
		err        error
		wantKind   fetcherr.Kind
		wantStatus int
	}{
		{"not found", status.Error(codes.NotFound, "no doc"), fetcherr.KindServer, http.StatusNotFound},
		{"permission denied", status.Error(codes.PermissionDenied, "nope"), fetcherr.KindServer, http.StatusForbidden},
		{"unauthenticated", status.Error(codes.Unauthenticated, "who"), fetcherr.KindServer, http.StatusUnauthorized},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad"), fetcherr.KindServer, http.StatusBadRequest},
		{"internal", status.Error(codes.Internal, "boom"), fetcherr.KindServer, http.StatusInternalServerError},
		{"unavailable", status.Error(codes.Unavailable, "down"), fetcherr.KindNetwork, 0},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), fetcherr.KindNetwork, 0},
		{"plain error", errors.New("dial tcp: refused"), fetcherr.KindNetwork, 0},
		{"context canceled", context.Canceled, fetcherr.KindNetwork, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapFirestoreErr("get x", tc.err)

			assert.Equal(t, tc.wantKind, fetcherr.KindOf(got))
			if tc.wantStatus != 0 {
				assert.True(t, fetcherr.IsStatus(got, tc.wantStatus))
			}
		})
	}
}

func TestNewFirestoreSource_Validation(t *testing.T) {
	_, err := NewFirestoreSource(&FirestoreConfig{CollectionName: "products"}, nil, zerolog.Nop())
	assert.Error(t, err)
}
