// Package acquire downloads repository assets and commits them to the asset
// cache.
package acquire

import (
	"context"
	"fmt"

	"github.com/samcharles93/ember/internal/assetcache"
	"github.com/samcharles93/ember/internal/fetch"
	"github.com/samcharles93/ember/internal/hub"
	"github.com/samcharles93/ember/internal/logger"
)

// Fetcher is the download half of a Task.
type Fetcher interface {
	Fetch(ctx context.Context, url, asset string, obs fetch.Observer) ([]byte, error)
}

// Store is the cache half of a Task.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key string, blob []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) bool
}

var _ Store = (*assetcache.Cache)(nil)

// Task acquires the files of one repository. No lock is held across a
// download, so concurrent acquisitions of one key race and the last commit
// wins.
type Task struct {
	repo    string
	hub     hub.Hub
	fetcher Fetcher
	store   Store
	obs     fetch.Observer
	log     logger.Logger
}

type Option func(*Task)

func WithHub(h hub.Hub) Option {
	return func(t *Task) { t.hub = h }
}

// WithObserver receives the download events of every acquisition.
func WithObserver(obs fetch.Observer) Option {
	return func(t *Task) { t.obs = obs }
}

func WithLogger(l logger.Logger) Option {
	return func(t *Task) { t.log = logger.OrNop(l) }
}

func New(repo string, fetcher Fetcher, store Store, opts ...Option) *Task {
	t := &Task{repo: repo, fetcher: fetcher, store: store, log: logger.Nop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Task) Repository() string { return t.repo }

// Acquire always downloads file and then stores it under key. A failed
// download writes nothing. A failed commit is logged and the bytes are still
// returned, since they can be fetched again later.
func (t *Task) Acquire(ctx context.Context, file, key string) ([]byte, error) {
	return t.AcquireWith(ctx, file, key, nil)
}

// AcquireWith is Acquire with an extra observer for this call only.
func (t *Task) AcquireWith(ctx context.Context, file, key string, obs fetch.Observer) ([]byte, error) {
	url, err := t.hub.ResolveURL(t.repo, file)
	if err != nil {
		return nil, err
	}
	data, err := t.fetcher.Fetch(ctx, url, file, fetch.Multi(t.obs, obs))
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", file, err)
	}
	if err := t.store.Put(ctx, key, data); err != nil {
		t.log.Warn("asset not persisted", "key", key, "file", file, "error", err)
	}
	return data, nil
}

// AcquireAsset acquires a.File under a.Key.
func (t *Task) AcquireAsset(ctx context.Context, a hub.Asset, obs fetch.Observer) ([]byte, error) {
	return t.AcquireWith(ctx, a.File, a.Key, obs)
}

func (t *Task) Exists(ctx context.Context, key string) bool {
	return t.store.Exists(ctx, key)
}

func (t *Task) Get(ctx context.Context, key string) ([]byte, bool) {
	return t.store.Get(ctx, key)
}

// Remove deletes key from the cache and reports whether that succeeded.
func (t *Task) Remove(ctx context.Context, key string) bool {
	if err := t.store.Delete(ctx, key); err != nil {
		t.log.Warn("asset not removed", "key", key, "error", err)
		return false
	}
	return true
}
