package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/samcharles93/ember/internal/metrics"
)

// RequestID echoes the client's X-Request-Id or assigns a fresh uuid.
func RequestID() echo.MiddlewareFunc {
	return middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString})
}

// Metrics counts every request by method, matched route and status.
// Requests that match no route are counted as "other".
func Metrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			err := next(c)

			route := c.Path()
			if route == "" || route == "/*" {
				route = "other"
			}
			metrics.HTTPRequest(c.Request().Method, route, responseStatus(c, err))
			return err
		}
	}
}

// responseStatus is the status already written, or the one the error
// handler will write for err.
func responseStatus(c *echo.Context, err error) int {
	if resp, uerr := echo.UnwrapResponse(c.Response()); uerr == nil && resp.Committed {
		return resp.Status
	}
	if err == nil {
		return http.StatusOK
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return http.StatusInternalServerError
}
