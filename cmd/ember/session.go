package main

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/ember/internal/assetcache"
	"github.com/samcharles93/ember/internal/config"
	"github.com/samcharles93/ember/internal/fetch"
	"github.com/samcharles93/ember/internal/hub"
	"github.com/samcharles93/ember/internal/logger"
	"github.com/samcharles93/ember/internal/version"
	"github.com/samcharles93/ember/internal/worker"
)

const hubHeaderTimeout = 30 * time.Second

// openSession wires the asset store, the fetcher and a session for the
// configured repository. The caller closes the returned cache.
func openSession(ctx context.Context, dtype string, extra ...worker.Option) (*worker.Session, *assetcache.Cache, error) {
	log := logger.FromContext(ctx)

	dir, err := config.ResolveCacheDir(cacheDir, fileConfig)
	if err != nil {
		return nil, nil, err
	}
	repo := repository
	if repo == "" {
		repo = hub.DefaultRepository
	}
	if err := hub.ValidateRepository(repo); err != nil {
		return nil, nil, fmt.Errorf("--repo %q: %w", repo, err)
	}

	cache := assetcache.Open(dir, assetcache.WithLogger(log))
	fetcher := fetch.New(
		fetch.WithToken(hfToken),
		fetch.WithUserAgent(version.UserAgent()),
		fetch.WithHeaderTimeout(hubHeaderTimeout),
		fetch.WithLogger(log),
	)
	opts := append([]worker.Option{
		worker.WithRepository(repo),
		worker.WithHub(hub.New(hubURL, revision, hfToken)),
		worker.WithDType(dtype),
		worker.WithLogger(log),
	}, extra...)
	session := worker.New(cache, fetcher, opts...)
	log.Debug("session ready", "repository", repo, "cache_dir", dir)
	return session, cache, nil
}
