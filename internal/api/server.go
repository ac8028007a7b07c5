// Package api serves a session over HTTP with echo.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/ember/internal/fetch"
	"github.com/samcharles93/ember/internal/generate"
	"github.com/samcharles93/ember/internal/logger"
	"github.com/samcharles93/ember/internal/metrics"
	"github.com/samcharles93/ember/internal/version"
	"github.com/samcharles93/ember/internal/worker"
)

// Session is the part of worker.Session the server drives.
type Session interface {
	Status() worker.Status
	Inventory(ctx context.Context) []worker.Entry
	SetRepository(repo string) error
	Download(ctx context.Context, obs fetch.Observer) (*worker.Assets, error)
	ClearCache(ctx context.Context) error
	Generate(ctx context.Context, prompt string, cfg generate.Config, onToken func(string)) (worker.Generation, error)
}

var _ Session = (*worker.Session)(nil)

type Server struct {
	session  Session
	defaults generate.Config
	log      logger.Logger
}

type Option func(*Server)

// WithDefaults sets the generation settings a request starts from.
func WithDefaults(cfg generate.Config) Option {
	return func(s *Server) { s.defaults = cfg }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = logger.OrNop(l) }
}

func NewServer(session Session, opts ...Option) *Server {
	s := &Server{
		session:  session,
		defaults: generate.DefaultConfig(),
		log:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", s.handleMetrics)
	e.GET("/v1/status", s.handleStatus)
	e.PUT("/v1/repository", s.handleSetRepository)
	e.POST("/v1/download", s.handleDownload)
	e.DELETE("/v1/cache", s.handleClearCache)
	e.POST("/v1/generate", s.handleGenerate)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.String(),
	})
}

func (s *Server) handleMetrics(c *echo.Context) error {
	metrics.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

type statusResponse struct {
	worker.Status
	Assets []worker.Entry  `json:"assets"`
	Exists map[string]bool `json:"exists"`
}

func (s *Server) handleStatus(c *echo.Context) error {
	inv := s.session.Inventory(c.Request().Context())
	exists := make(map[string]bool, len(inv))
	for _, e := range inv {
		exists[e.Key] = e.Cached
	}
	return c.JSON(http.StatusOK, statusResponse{
		Status: s.session.Status(),
		Assets: inv,
		Exists: exists,
	})
}

type repositoryRequest struct {
	Repository string `json:"repository"`
}

func (s *Server) handleSetRepository(c *echo.Context) error {
	req, err := decodeJSON[repositoryRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	repo := strings.TrimSpace(req.Repository)
	if repo == "" {
		return writeBadRequest(c, newInvalidField("repository", "must not be empty").Error())
	}
	if err := s.session.SetRepository(repo); err != nil {
		return writeSessionError(c, err)
	}
	return c.JSON(http.StatusOK, s.session.Status())
}

type downloadResponse struct {
	Repository    string           `json:"repository"`
	AlreadyCached bool             `json:"already_cached"`
	Sizes         map[string]int64 `json:"sizes"`
}

func (s *Server) downloadSummary(ctx context.Context, assets *worker.Assets) downloadResponse {
	out := downloadResponse{Repository: s.session.Status().Repository, Sizes: map[string]int64{}}
	if assets == nil {
		out.AlreadyCached = true
		for _, e := range s.session.Inventory(ctx) {
			out.Sizes[e.Key] = e.Size
		}
		return out
	}
	out.Sizes["model"] = int64(len(assets.Model))
	out.Sizes["tokenizer"] = int64(len(assets.Tokenizer))
	out.Sizes["config"] = int64(len(assets.Config))
	return out
}

func (s *Server) handleDownload(c *echo.Context) error {
	ctx := c.Request().Context()
	if !wantsStream(c) {
		assets, err := s.session.Download(ctx, nil)
		if err != nil {
			return writeSessionError(c, err)
		}
		return c.JSON(http.StatusOK, s.downloadSummary(ctx, assets))
	}

	sse, err := NewSSEStreamWriter(c)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	var sendErr error
	obs := fetch.ObserverFunc(func(ev fetch.Event) {
		if sendErr != nil {
			return
		}
		switch ev := ev.(type) {
		case fetch.Begin:
			sendErr = sse.Send("begin", map[string]any{"asset": ev.Asset})
		case fetch.Progress:
			p := map[string]any{"asset": ev.Asset, "received": ev.Received}
			if ev.HasTotal {
				p["total"], p["percent"] = ev.Total, ev.Percent
			}
			sendErr = sse.Send("progress", p)
		case fetch.Complete:
			sendErr = sse.Send("complete", map[string]any{"asset": ev.Asset, "bytes": ev.Bytes})
		}
	})
	assets, err := s.session.Download(ctx, obs)
	if err != nil {
		if !sse.Started() {
			return writeSessionError(c, err)
		}
		return sse.Fail(err)
	}
	return sse.Send("done", s.downloadSummary(ctx, assets))
}

func (s *Server) handleClearCache(c *echo.Context) error {
	if err := s.session.ClearCache(c.Request().Context()); err != nil {
		return writeSessionError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"cleared": true, "status": s.session.Status()})
}

type generateRequest struct {
	Prompt        string   `json:"prompt"`
	Seed          *uint64  `json:"seed"`
	Temperature   *float64 `json:"temperature"`
	TopK          *int     `json:"top_k"`
	TopP          *float64 `json:"top_p"`
	SampleLen     *int     `json:"sample_len"`
	RepeatPenalty *float64 `json:"repeat_penalty"`
	RepeatLastN   *int     `json:"repeat_last_n"`
	NoKVCache     *bool    `json:"no_kv_cache"`
	Stream        bool     `json:"stream"`
}

// config overlays the request onto defaults and validates the result.
func (r generateRequest) config(defaults generate.Config) (generate.Config, error) {
	cfg := defaults
	if r.Seed != nil {
		cfg.Seed = *r.Seed
	}
	if r.Temperature != nil {
		cfg.Temperature = *r.Temperature
	}
	if r.TopK != nil {
		cfg.TopK = *r.TopK
	}
	if r.TopP != nil {
		cfg.TopP = *r.TopP
	}
	if r.SampleLen != nil {
		cfg.SampleLen = *r.SampleLen
	}
	if r.RepeatPenalty != nil {
		cfg.RepeatPenalty = *r.RepeatPenalty
	}
	if r.RepeatLastN != nil {
		cfg.RepeatLastN = *r.RepeatLastN
	}
	if r.NoKVCache != nil {
		cfg.UseKVCache = !*r.NoKVCache
	}

	switch {
	case strings.TrimSpace(r.Prompt) == "":
		return cfg, newInvalidField("prompt", "must not be empty")
	case cfg.SampleLen < 0:
		return cfg, newInvalidField("sample_len", "must not be negative")
	case cfg.TopK < 0:
		return cfg, newInvalidField("top_k", "must not be negative")
	case cfg.TopP < 0 || cfg.TopP > 1:
		return cfg, newInvalidField("top_p", "must be within [0, 1]")
	case cfg.RepeatPenalty < 0:
		return cfg, newInvalidField("repeat_penalty", "must not be negative")
	case cfg.RepeatLastN < 0:
		return cfg, newInvalidField("repeat_last_n", "must not be negative")
	}
	return cfg, nil
}

type generateResponse struct {
	ID              string  `json:"id"`
	Text            string  `json:"text"`
	Tokens          int     `json:"tokens"`
	PromptTokens    int     `json:"prompt_tokens"`
	StopReason      string  `json:"stop_reason"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

func summary(g worker.Generation) generateResponse {
	return generateResponse{
		ID:              g.ID,
		Text:            g.Text,
		Tokens:          g.TokenCount,
		PromptTokens:    g.PromptTokens,
		StopReason:      g.Reason.String(),
		TokensPerSecond: g.TokensPerSecond,
	}
}

func (s *Server) handleGenerate(c *echo.Context) error {
	req, err := decodeJSON[generateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	cfg, err := req.config(s.defaults)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	ctx := c.Request().Context()

	if !req.Stream && !wantsStream(c) {
		gen, err := s.session.Generate(ctx, req.Prompt, cfg, nil)
		if err != nil {
			s.log.Warn("generate failed", "id", gen.ID, "error", err)
			return writeSessionError(c, err)
		}
		return c.JSON(http.StatusOK, summary(gen))
	}

	sse, err := NewSSEStreamWriter(c)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	var sendErr error
	gen, err := s.session.Generate(ctx, req.Prompt, cfg, func(frag string) {
		if sendErr == nil {
			sendErr = sse.Send("token", map[string]string{"text": frag})
		}
	})
	if err != nil {
		s.log.Warn("generate failed", "id", gen.ID, "error", err)
		if !sse.Started() {
			return writeSessionError(c, err)
		}
		return sse.Fail(err)
	}
	if sendErr != nil {
		return sendErr
	}
	return sse.Send("done", summary(gen))
}

func wantsStream(c *echo.Context) bool {
	v := strings.ToLower(c.QueryParam("stream"))
	return v == "1" || v == "true"
}
