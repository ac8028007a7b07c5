package acquire

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/ember/internal/assetcache"
	"github.com/samcharles93/ember/internal/fetch"
	"github.com/samcharles93/ember/internal/hub"
)

func hubServer(t *testing.T, files map[string]string) (*httptest.Server, *int) {
	t.Helper()
	var mu sync.Mutex
	hits := new(int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		*hits++
		mu.Unlock()
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func TestAcquireDownloadsAndCommits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv, _ := hubServer(t, map[string]string{
		"/org/model/resolve/main/model.safetensors": "weights",
	})
	cache := assetcache.Open(t.TempDir())
	t.Cleanup(func() { cache.Close() })

	var kinds []string
	task := New("org/model", fetch.New(), cache,
		WithHub(hub.Hub{URL: srv.URL}),
		WithObserver(fetch.ObserverFunc(func(ev fetch.Event) {
			switch ev.(type) {
			case fetch.Begin:
				kinds = append(kinds, "begin")
			case fetch.Complete:
				kinds = append(kinds, "complete")
			}
		})),
	)

	got, err := task.Acquire(ctx, "model.safetensors", "model")
	require.NoError(t, err)
	assert.Equal(t, "weights", string(got))
	assert.Equal(t, []string{"begin", "complete"}, kinds)

	assert.True(t, task.Exists(ctx, "model"))
	cached, ok := task.Get(ctx, "model")
	require.True(t, ok)
	assert.Equal(t, got, cached)

	assert.True(t, task.Remove(ctx, "model"))
	assert.False(t, task.Exists(ctx, "model"))
}

func TestAcquireAlwaysDownloads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv, hits := hubServer(t, map[string]string{"/org/model/resolve/main/config.json": "{}"})
	cache := assetcache.Open(t.TempDir())
	t.Cleanup(func() { cache.Close() })

	task := New("org/model", fetch.New(), cache, WithHub(hub.Hub{URL: srv.URL}))
	for range 2 {
		_, err := task.AcquireAsset(ctx, hub.Config, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, *hits)
}

func TestAcquireFailureWritesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv, _ := hubServer(t, nil)
	cache := assetcache.Open(t.TempDir())
	t.Cleanup(func() { cache.Close() })
	require.NoError(t, cache.Put(ctx, "model", []byte("old")))

	task := New("org/model", fetch.New(), cache, WithHub(hub.Hub{URL: srv.URL}))
	_, err := task.Acquire(ctx, "model.safetensors", "model")
	var netErr *fetch.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusNotFound, netErr.Status)

	got, _ := cache.Get(ctx, "model")
	assert.Equal(t, "old", string(got), "failed download leaves the cache untouched")
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (brokenStore) Put(context.Context, string, []byte) error  { return assetcache.ErrUnavailable }
func (brokenStore) Delete(context.Context, string) error       { return assetcache.ErrUnavailable }
func (brokenStore) Exists(context.Context, string) bool        { return false }

func TestAcquireSurvivesBrokenStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv, _ := hubServer(t, map[string]string{"/org/model/resolve/main/tokenizer.json": "tok"})

	task := New("org/model", fetch.New(), brokenStore{}, WithHub(hub.Hub{URL: srv.URL}))
	got, err := task.Acquire(ctx, "tokenizer.json", "tokenizer")
	require.NoError(t, err)
	assert.Equal(t, "tok", string(got))
	assert.False(t, task.Remove(ctx, "tokenizer"))
}

func TestAcquireRejectsBadRepository(t *testing.T) {
	t.Parallel()
	task := New("no-slash", fetch.New(), brokenStore{})
	_, err := task.Acquire(context.Background(), "config.json", "config")
	assert.True(t, errors.Is(err, hub.ErrInvalidRepository))
}

func TestConcurrentAcquireLastCommitWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv, _ := hubServer(t, map[string]string{
		"/org/model/resolve/main/a.bin": strings.Repeat("a", 4096),
		"/org/model/resolve/main/b.bin": strings.Repeat("b", 4096),
	})
	cache := assetcache.Open(t.TempDir())
	t.Cleanup(func() { cache.Close() })
	task := New("org/model", fetch.New(), cache, WithHub(hub.Hub{URL: srv.URL}))

	var wg sync.WaitGroup
	for _, f := range []string{"a.bin", "b.bin"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := task.Acquire(ctx, f, "shared")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, ok := cache.Get(ctx, "shared")
	require.True(t, ok)
	assert.True(t, got[0] == 'a' || got[0] == 'b')
	assert.Equal(t, strings.Repeat(string(got[0]), 4096), string(got), "one whole blob, never a mix")
}
