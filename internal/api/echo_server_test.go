package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/ember/internal/fetch"
	"github.com/samcharles93/ember/internal/generate"
	"github.com/samcharles93/ember/internal/hub"
	"github.com/samcharles93/ember/internal/worker"
)

type testSession struct {
	mu        sync.Mutex
	status    worker.Status
	cached    bool
	lastCfg   generate.Config
	genErr    error
	dlErr     error
	fragments []string
}

func (s *testSession) Status() worker.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *testSession) Inventory(context.Context) []worker.Entry {
	var out []worker.Entry
	for _, a := range hub.Assets() {
		e := worker.Entry{Key: a.Key, File: a.File, Cached: s.cached}
		if s.cached {
			e.Size = 3
		}
		out = append(out, e)
	}
	return out
}

func (s *testSession) SetRepository(repo string) error {
	if err := hub.ValidateRepository(repo); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = worker.Status{Repository: repo}
	return nil
}

func (s *testSession) Download(_ context.Context, obs fetch.Observer) (*worker.Assets, error) {
	if s.dlErr != nil {
		return nil, s.dlErr
	}
	if s.cached {
		return nil, nil
	}
	if obs != nil {
		obs.Observe(fetch.Begin{Asset: "config.json"})
		obs.Observe(fetch.Progress{Asset: "config.json", Received: 2, Total: 2, Percent: 100, HasTotal: true})
		obs.Observe(fetch.Complete{Asset: "config.json", Bytes: 2})
	}
	s.cached = true
	return &worker.Assets{Model: []byte("mmmm"), Tokenizer: []byte("tt"), Config: []byte("{}")}, nil
}

func (s *testSession) ClearCache(context.Context) error {
	s.cached = false
	return nil
}

func (s *testSession) Generate(_ context.Context, prompt string, cfg generate.Config, onToken func(string)) (worker.Generation, error) {
	s.lastCfg = cfg
	gen := worker.Generation{ID: "gen-1"}
	for _, f := range s.fragments {
		if onToken != nil {
			onToken(f)
		}
		gen.Text += f
		gen.TokenCount++
	}
	gen.PromptTokens = len(prompt)
	return gen, s.genErr
}

func newTestEcho(s *testSession) *echo.Echo {
	e := echo.New()
	NewServer(s).Register(e)
	return e
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(body string) []sseEvent {
	var out []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				ev.name = v
			}
			if v, ok := strings.CutPrefix(line, "data: "); ok {
				ev.data = v
			}
		}
		out = append(out, ev)
	}
	return out
}

func TestHealthAndStatus(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&testSession{status: worker.Status{Repository: "org/model"}})
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d %s", rec.Code, rec.Body.String())
	}
	got := decode[statusResponse](t, rec)
	if got.Repository != "org/model" || len(got.Assets) != 3 || got.Exists["model"] {
		t.Fatalf("status body = %+v", got)
	}
}

func TestSetRepository(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&testSession{})
	for _, body := range []string{``, `{"repository":""}`, `{"repository":"noslash"}`, `{`} {
		rec := doJSON(t, e, http.MethodPut, "/v1/repository", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: got %d %s", body, rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), `"type":"invalid_request_error"`) {
			t.Fatalf("body %q: unexpected error shape %s", body, rec.Body.String())
		}
	}

	rec := doJSON(t, e, http.MethodPut, "/v1/repository", `{"repository":"org/other"}`)
	if rec.Code != http.StatusOK || decode[worker.Status](t, rec).Repository != "org/other" {
		t.Fatalf("set repository: %d %s", rec.Code, rec.Body.String())
	}
}

func TestDownloadJSON(t *testing.T) {
	t.Parallel()

	s := &testSession{}
	e := newTestEcho(s)
	rec := doJSON(t, e, http.MethodPost, "/v1/download", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("download: %d %s", rec.Code, rec.Body.String())
	}
	got := decode[downloadResponse](t, rec)
	if got.AlreadyCached || got.Sizes["model"] != 4 {
		t.Fatalf("download body = %+v", got)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/download", "")
	if got := decode[downloadResponse](t, rec); !got.AlreadyCached || got.Sizes["config"] != 3 {
		t.Fatalf("second download body = %+v", got)
	}

	rec = doJSON(t, e, http.MethodDelete, "/v1/cache", "")
	if rec.Code != http.StatusOK || s.cached {
		t.Fatalf("clear cache: %d %s", rec.Code, rec.Body.String())
	}
}

func TestDownloadStream(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&testSession{})
	rec := doJSON(t, e, http.MethodPost, "/v1/download?stream=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("download stream: %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	var names []string
	for _, ev := range parseSSE(rec.Body.String()) {
		names = append(names, ev.name)
	}
	if strings.Join(names, ",") != "begin,progress,complete,done" {
		t.Fatalf("events = %v", names)
	}
	if !strings.Contains(rec.Body.String(), `"percent":100`) {
		t.Fatalf("progress lacks percent: %s", rec.Body.String())
	}
}

func TestDownloadConflict(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&testSession{dlErr: worker.ErrDownloadInProgress})
	for _, path := range []string{"/v1/download", "/v1/download?stream=1"} {
		rec := doJSON(t, e, http.MethodPost, path, "")
		if rec.Code != http.StatusConflict {
			t.Fatalf("%s: got %d %s", path, rec.Code, rec.Body.String())
		}
	}
}

func TestGenerateJSON(t *testing.T) {
	t.Parallel()

	s := &testSession{fragments: []string{"once", " upon"}}
	e := newTestEcho(s)
	rec := doJSON(t, e, http.MethodPost, "/v1/generate",
		`{"prompt":"hi","temperature":0,"sample_len":5,"top_p":0.9,"no_kv_cache":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("generate: %d %s", rec.Code, rec.Body.String())
	}
	got := decode[generateResponse](t, rec)
	if got.ID != "gen-1" || got.Text != "once upon" || got.Tokens != 2 || got.StopReason != "max_len" {
		t.Fatalf("generate body = %+v", got)
	}

	want := generate.DefaultConfig()
	want.Temperature, want.SampleLen, want.TopP, want.UseKVCache = 0, 5, 0.9, false
	if s.lastCfg != want {
		t.Fatalf("config = %+v, want %+v", s.lastCfg, want)
	}
}

func TestGenerateValidation(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&testSession{})
	for _, body := range []string{
		`{"prompt":""}`,
		`{"prompt":"x","sample_len":-1}`,
		`{"prompt":"x","top_p":1.5}`,
		`{"prompt":"x","top_k":-2}`,
		`not json`,
	} {
		rec := doJSON(t, e, http.MethodPost, "/v1/generate", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: got %d %s", body, rec.Code, rec.Body.String())
		}
	}
}

func TestGenerateStream(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&testSession{fragments: []string{"a", "é"}})
	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt":"hi","stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("generate stream: %d %s", rec.Code, rec.Body.String())
	}
	events := parseSSE(rec.Body.String())
	if len(events) != 3 || events[0].name != "token" || events[1].name != "token" || events[2].name != "done" {
		t.Fatalf("events = %+v", events)
	}
	var tok map[string]string
	if err := json.Unmarshal([]byte(events[1].data), &tok); err != nil || tok["text"] != "é" {
		t.Fatalf("second token = %q (%v)", events[1].data, err)
	}
}

func TestGenerateStreamFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("forward step 1: boom")
	e := newTestEcho(&testSession{fragments: []string{"a"}, genErr: boom})
	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt":"hi","stream":true}`)
	events := parseSSE(rec.Body.String())
	last := events[len(events)-1]
	if last.name != "error" || !strings.Contains(last.data, "boom") {
		t.Fatalf("events = %+v", events)
	}

	e = newTestEcho(&testSession{genErr: worker.ErrAssetsMissing})
	rec = doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt":"hi","stream":true}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("error before first token: got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRequestIDAndMetrics(t *testing.T) {
	t.Parallel()

	e := echo.New()
	e.Use(RequestID(), Metrics())
	NewServer(&testSession{}).Register(e)

	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	id := rec.Header().Get(echo.HeaderXRequestID)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("request id %q is not a uuid: %v", id, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(echo.HeaderXRequestID, "abc")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if got := rec.Header().Get(echo.HeaderXRequestID); got != "abc" {
		t.Fatalf("request id = %q, want abc", got)
	}

	doJSON(t, e, http.MethodGet, "/nowhere", "")
	doJSON(t, e, http.MethodPut, "/v1/repository", `{"repository":"bad"}`)

	rec = doJSON(t, e, http.MethodGet, "/metrics", "")
	body := rec.Body.String()
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	for _, want := range []string{
		`ember_http_requests_total{method="GET",route="/healthz",status="200"}`,
		`ember_http_requests_total{method="PUT",route="/v1/repository",status="400"}`,
		`status="404"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %s in:\n%s", want, body)
		}
	}
	if strings.Contains(body, `route="/nowhere"`) {
		t.Fatalf("unmatched path leaked into the route label:\n%s", body)
	}
}
