package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrUnsupportedContent   = errors.New("unsupported content type")
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")
	ErrStoreUnavailable     = errors.New("vector store unavailable")
	ErrDimensionMismatch    = errors.New("embedding dimension mismatch")
	ErrProvisioningTimeout  = errors.New("provisioning timed out")
	ErrGenerationTimeout    = errors.New("generation timed out")
	// ErrStreamAborted is consumer-initiated cancellation. It is never framed.
	ErrStreamAborted = errors.New("stream aborted")

	ErrCollectionExists   = errors.New("collection already exists")
	ErrCollectionNotFound = errors.New("collection not found")
)

// LLMErrorMessage is sent to clients when generation fails for a reason
// they cannot act on.
const LLMErrorMessage = "There was an error calling the language model. Please try again later."

// Error annotates a failure with the operation that produced it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with an operation name. It returns nil for a nil error.
func E(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Invalid returns an ErrInvalidRequest carrying a caller-facing reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// HTTPStatus maps an error to the status reported before a stream is opened.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnsupportedContent):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrDimensionMismatch):
		return http.StatusConflict
	case errors.Is(err, ErrEmbeddingUnavailable), errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrProvisioningTimeout), errors.Is(err, ErrGenerationTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text reported to clients for err.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnsupportedContent),
		errors.Is(err, ErrDimensionMismatch):
		return unwrapAll(err)
	case errors.Is(err, ErrEmbeddingUnavailable):
		return ErrEmbeddingUnavailable.Error()
	case errors.Is(err, ErrStoreUnavailable):
		return ErrStoreUnavailable.Error()
	case errors.Is(err, ErrProvisioningTimeout):
		return ErrProvisioningTimeout.Error()
	case errors.Is(err, ErrGenerationTimeout):
		return ErrGenerationTimeout.Error()
	default:
		return LLMErrorMessage
	}
}

// unwrapAll strips *Error op prefixes so callers see the underlying reason.
func unwrapAll(err error) string {
	var de *Error
	for errors.As(err, &de) {
		err = de.Err
	}
	return err.Error()
}
