package api

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// SSEStreamWriter writes named server-sent events. Headers are sent with the
// first event, so a handler can still answer with a plain JSON error until
// Started reports true.
type SSEStreamWriter struct {
	c       *echo.Context
	w       io.Writer
	flusher func()
	begun   bool
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	return &SSEStreamWriter{c: c, w: res, flusher: flusher.Flush}, nil
}

func (s *SSEStreamWriter) Started() bool {
	return s.begun
}

// Send writes one event and flushes it.
func (s *SSEStreamWriter) Send(event string, payload any) error {
	if !s.begun {
		h := s.c.Response().Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		s.begun = true
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	s.flusher()
	return nil
}

// Fail sends an error event.
func (s *SSEStreamWriter) Fail(err error) error {
	_, typ := classify(err)
	return s.Send("error", ErrorBody{Message: err.Error(), Type: typ})
}
