package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/ember/internal/assetcache"
	"github.com/samcharles93/ember/internal/fetch"
	"github.com/samcharles93/ember/internal/generate"
	"github.com/samcharles93/ember/internal/hub"
	"github.com/samcharles93/ember/internal/model/modeltest"
)

const repo = "org/tiny"

func tinyFiles(t *testing.T) map[string][]byte {
	t.Helper()
	cfg := modeltest.Config(16)
	weights, err := modeltest.Weights(cfg, 3)
	require.NoError(t, err)
	cfgJSON, err := modeltest.ConfigJSON(cfg)
	require.NoError(t, err)

	vocab := map[string]int{"</s>": 15}
	for i := range 15 {
		vocab[fmt.Sprintf("%c", 'a'+i)] = i
	}
	tok, err := json.Marshal(map[string]any{
		"model": map[string]any{"type": "BPE", "vocab": vocab, "merges": []string{}},
	})
	require.NoError(t, err)

	return map[string][]byte{
		"model.safetensors": weights,
		"tokenizer.json":    tok,
		"config.json":       cfgJSON,
	}
}

type fakeHub struct {
	*httptest.Server
	mu    sync.Mutex
	files map[string][]byte
	gate  chan struct{}
	hits  int
}

func newFakeHub(t *testing.T, files map[string][]byte) *fakeHub {
	h := &fakeHub{files: files}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.hits++
		gate := h.gate
		h.mu.Unlock()
		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		for name, body := range files {
			if r.URL.Path == "/"+repo+"/resolve/main/"+name {
				_, _ = w.Write(body)
				return
			}
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(h.Close)
	return h
}

func newSession(t *testing.T, h *fakeHub, opts ...Option) *Session {
	t.Helper()
	cache := assetcache.Open(t.TempDir())
	t.Cleanup(func() { cache.Close() })
	opts = append([]Option{WithRepository(repo), WithHub(hub.Hub{URL: h.URL}), WithDType("f32")}, opts...)
	return New(cache, fetch.New(), opts...)
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newFakeHub(t, tinyFiles(t))

	var (
		mu       sync.Mutex
		statuses []Status
	)
	s := newSession(t, h, WithStatusObserver(func(st Status) {
		mu.Lock()
		statuses = append(statuses, st)
		mu.Unlock()
	}))

	assert.Equal(t, Status{Repository: repo}, s.Status())
	assert.False(t, s.CheckDownloaded(ctx))

	var completes int
	assets, err := s.Download(ctx, fetch.Handlers{OnComplete: func(fetch.Complete) { completes++ }})
	require.NoError(t, err)
	require.NotNil(t, assets)
	assert.Equal(t, 3, completes)
	assert.NotEmpty(t, assets.Model)
	assert.True(t, s.Status().Downloaded)
	assert.True(t, s.CheckDownloaded(ctx))

	again, err := s.Download(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, again, "cached assets are not downloaded twice")
	assert.Equal(t, 3, h.hits)

	for _, e := range s.Inventory(ctx) {
		assert.True(t, e.Cached, e.Key)
		assert.Positive(t, e.Size, e.Key)
	}

	mu.Lock()
	sawDownloading := false
	for _, st := range statuses {
		sawDownloading = sawDownloading || st.Downloading
	}
	mu.Unlock()
	assert.True(t, sawDownloading)

	require.NoError(t, s.ClearCache(ctx))
	assert.False(t, s.Status().Downloaded)
	for _, e := range s.Inventory(ctx) {
		assert.False(t, e.Cached, e.Key)
	}
}

func TestSessionGenerate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newFakeHub(t, tinyFiles(t))
	s := newSession(t, h)

	cfg := generate.DefaultConfig()
	cfg.Temperature = 0
	cfg.SampleLen = 6

	var streamed string
	first, err := s.Generate(ctx, "abc", cfg, func(frag string) { streamed += frag })
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, first.Text, streamed)
	assert.True(t, s.Status().EngineLoaded)

	second, err := s.Generate(ctx, "abc", cfg, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.Tokens, second.Tokens)
	assert.Equal(t, 3, h.hits, "the engine is built once")
}

func TestSessionGenerateFromCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newFakeHub(t, tinyFiles(t))

	cache := assetcache.Open(t.TempDir())
	t.Cleanup(func() { cache.Close() })
	for name, body := range h.files {
		for _, a := range hub.Assets() {
			if a.File == name {
				require.NoError(t, cache.Put(ctx, a.Key, body))
			}
		}
	}

	s := New(cache, fetch.New(), WithRepository(repo), WithHub(hub.Hub{URL: h.URL}))
	cfg := generate.DefaultConfig()
	cfg.SampleLen = 3
	_, err := s.Generate(ctx, "ab", cfg, nil)
	require.NoError(t, err)
	assert.Zero(t, h.hits)
}

func TestSessionSetRepository(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newFakeHub(t, tinyFiles(t))
	s := newSession(t, h)

	_, err := s.Download(ctx, nil)
	require.NoError(t, err)

	require.ErrorIs(t, s.SetRepository("bad"), hub.ErrInvalidRepository)
	require.NoError(t, s.SetRepository(repo))
	assert.True(t, s.Status().Downloaded, "selecting the same repository is a no-op")

	require.NoError(t, s.SetRepository("other/model"))
	assert.Equal(t, Status{Repository: "other/model"}, s.Status())
}

func TestSessionRejectsConcurrentDownload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newFakeHub(t, tinyFiles(t))
	h.gate = make(chan struct{})

	started := make(chan struct{}, 8)
	s := newSession(t, h, WithStatusObserver(func(st Status) {
		if st.Downloading {
			started <- struct{}{}
		}
	}))

	done := make(chan error, 1)
	go func() {
		_, err := s.Download(ctx, nil)
		done <- err
	}()
	<-started

	_, err := s.Download(ctx, nil)
	require.ErrorIs(t, err, ErrDownloadInProgress)

	close(h.gate)
	require.NoError(t, <-done)
	assert.True(t, s.Status().Downloaded)
}

func TestSessionMissingAsset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	files := tinyFiles(t)
	delete(files, "config.json")
	h := newFakeHub(t, files)
	s := newSession(t, h)

	_, err := s.Generate(ctx, "abc", generate.DefaultConfig(), nil)
	var netErr *fetch.NetworkError
	require.True(t, errors.As(err, &netErr), "got %v", err)
	assert.Equal(t, http.StatusNotFound, netErr.Status)

	st := s.Status()
	assert.False(t, st.Downloading)
	assert.False(t, st.Downloaded)
	assert.False(t, st.EngineLoaded)
}
