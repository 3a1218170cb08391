package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"invalid", Invalid("missing %s", "message"), http.StatusBadRequest},
		{"unsupported", E("ingest", ErrUnsupportedContent), http.StatusUnsupportedMediaType},
		{"dimension", fmt.Errorf("search: %w", ErrDimensionMismatch), http.StatusConflict},
		{"embedding down", E("embed", ErrEmbeddingUnavailable), http.StatusServiceUnavailable},
		{"store down", ErrStoreUnavailable, http.StatusServiceUnavailable},
		{"provisioning", E("ensure", ErrProvisioningTimeout), http.StatusGatewayTimeout},
		{"generation", ErrGenerationTimeout, http.StatusGatewayTimeout},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestPublicMessage(t *testing.T) {
	err := E("chat", E("validate", Invalid("topk must be positive, got %d", -1)))
	assert.Equal(t, "invalid request: topk must be positive, got -1", PublicMessage(err))

	assert.Equal(t, ErrStoreUnavailable.Error(), PublicMessage(E("open", fmt.Errorf("%w: dial tcp", ErrStoreUnavailable))))
	assert.Equal(t, ErrGenerationTimeout.Error(), PublicMessage(E("open stream", ErrGenerationTimeout)))
	// Provider details never reach clients.
	assert.Equal(t, LLMErrorMessage, PublicMessage(errors.New("401 invalid api key sk-...")))
}

func TestE(t *testing.T) {
	assert.NoError(t, E("noop", nil))

	err := E("upsert", ErrCollectionNotFound)
	assert.EqualError(t, err, "upsert: collection not found")
	assert.ErrorIs(t, err, ErrCollectionNotFound)

	var de *Error
	assert.True(t, errors.As(err, &de))
	assert.Equal(t, "upsert", de.Op)
}
