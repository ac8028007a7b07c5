package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/ember/internal/assetcache"
	"github.com/samcharles93/ember/internal/fetch"
	"github.com/samcharles93/ember/internal/generate"
	"github.com/samcharles93/ember/internal/hub"
	"github.com/samcharles93/ember/internal/model"
	"github.com/samcharles93/ember/internal/worker"
)

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{Message: msg, Type: errType},
	})
}

// classify maps a session error to an HTTP status and error type.
func classify(err error) (int, string) {
	var netErr *fetch.NetworkError
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, hub.ErrInvalidRepository),
		errors.Is(err, generate.ErrEmptyPrompt),
		errors.Is(err, generate.ErrInvalidSampleLen):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, model.ErrContextExceeded):
		return http.StatusBadRequest, "context_length_exceeded"
	case errors.Is(err, worker.ErrDownloadInProgress):
		return http.StatusConflict, "conflict_error"
	case errors.Is(err, worker.ErrAssetsMissing):
		return http.StatusServiceUnavailable, "assets_missing"
	case errors.As(err, &netErr), errors.Is(err, fetch.ErrNoBody):
		return http.StatusBadGateway, "upstream_error"
	case errors.Is(err, assetcache.ErrUnavailable):
		return http.StatusInternalServerError, "storage_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func writeSessionError(c *echo.Context, err error) error {
	status, typ := classify(err)
	return writeError(c, status, typ, err.Error())
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return out, newInvalidRequest("request body is empty")
		}
		return out, newInvalidRequest(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return out, nil
}
