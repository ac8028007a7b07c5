// Package worker keeps the state of one model session: which repository is
// selected, whether its assets are cached, and the engine built from them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/ember/internal/acquire"
	"github.com/samcharles93/ember/internal/assetcache"
	"github.com/samcharles93/ember/internal/fetch"
	"github.com/samcharles93/ember/internal/generate"
	"github.com/samcharles93/ember/internal/hub"
	"github.com/samcharles93/ember/internal/logger"
)

var (
	ErrDownloadInProgress = errors.New("download already in progress")
	ErrAssetsMissing      = errors.New("model assets are not cached")
)

// Status is a snapshot of the session flags.
type Status struct {
	Repository   string `json:"repository"`
	Downloading  bool   `json:"downloading"`
	Downloaded   bool   `json:"downloaded"`
	EngineLoaded bool   `json:"engine_loaded"`
}

// Assets holds the three blobs an engine is built from.
type Assets struct {
	Model     []byte
	Tokenizer []byte
	Config    []byte
}

func (a *Assets) slot(key string) *[]byte {
	switch key {
	case hub.Model.Key:
		return &a.Model
	case hub.Tokenizer.Key:
		return &a.Tokenizer
	case hub.Config.Key:
		return &a.Config
	}
	return nil
}

func (a *Assets) complete() bool {
	return a.Model != nil && a.Tokenizer != nil && a.Config != nil
}

// Entry describes one cached asset.
type Entry struct {
	Key    string `json:"key"`
	File   string `json:"file"`
	Cached bool   `json:"cached"`
	Size   int64  `json:"size"`
}

// Generation is the result of Session.Generate.
type Generation struct {
	ID string
	generate.Result
}

type Session struct {
	cache   *assetcache.Cache
	fetcher acquire.Fetcher
	hub     hub.Hub
	dtype   string
	log     logger.Logger

	onStatus func(Status)

	mu          sync.Mutex
	repo        string
	task        *acquire.Task
	engine      *generate.Engine
	downloading bool
	downloaded  bool
	cancel      context.CancelFunc

	build sync.Mutex
}

type Option func(*Session)

func WithRepository(repo string) Option {
	return func(s *Session) { s.repo = repo }
}

func WithHub(h hub.Hub) Option {
	return func(s *Session) { s.hub = h }
}

// WithDType sets the weight precision label passed to generate.New.
func WithDType(dtype string) Option {
	return func(s *Session) { s.dtype = dtype }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Session) { s.log = logger.OrNop(l) }
}

// WithStatusObserver is called after every flag change, outside the session
// lock.
func WithStatusObserver(fn func(Status)) Option {
	return func(s *Session) { s.onStatus = fn }
}

func New(cache *assetcache.Cache, fetcher acquire.Fetcher, opts ...Option) *Session {
	s := &Session{
		cache:   cache,
		fetcher: fetcher,
		repo:    hub.DefaultRepository,
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.task = s.newTask(s.repo)
	return s
}

func (s *Session) newTask(repo string) *acquire.Task {
	return acquire.New(repo, s.fetcher, s.cache, acquire.WithHub(s.hub), acquire.WithLogger(s.log))
}

func (s *Session) Repository() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo
}

// SetRepository switches the session to repo. Switching drops the engine,
// clears both flags and cancels a download of the previous repository.
func (s *Session) SetRepository(repo string) error {
	if err := hub.ValidateRepository(repo); err != nil {
		return err
	}
	s.mu.Lock()
	if repo == s.repo {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.repo = repo
	s.task = s.newTask(repo)
	s.engine = nil
	s.downloading = false
	s.downloaded = false
	st := s.statusLocked()
	s.mu.Unlock()

	s.log.Info("repository selected", "repository", repo)
	s.publish(st)
	return nil
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	return Status{
		Repository:   s.repo,
		Downloading:  s.downloading,
		Downloaded:   s.downloaded,
		EngineLoaded: s.engine != nil,
	}
}

func (s *Session) publish(st Status) {
	if s.onStatus != nil {
		s.onStatus(st)
	}
}

// update applies fn under the lock if the session still targets task, then
// publishes the new status.
func (s *Session) update(task *acquire.Task, fn func()) {
	s.mu.Lock()
	if task != nil && task != s.task {
		s.mu.Unlock()
		return
	}
	fn()
	st := s.statusLocked()
	s.mu.Unlock()
	s.publish(st)
}

// CheckDownloaded reports whether every asset is cached.
func (s *Session) CheckDownloaded(ctx context.Context) bool {
	s.mu.Lock()
	task := s.task
	s.mu.Unlock()

	ok := true
	for _, a := range hub.Assets() {
		if !task.Exists(ctx, a.Key) {
			ok = false
			break
		}
	}
	s.update(task, func() { s.downloaded = ok })
	return ok
}

// Inventory lists the assets and their cached sizes.
func (s *Session) Inventory(ctx context.Context) []Entry {
	assets := hub.Assets()
	out := make([]Entry, len(assets))
	for i, a := range assets {
		size, ok := s.cache.Size(ctx, a.Key)
		out[i] = Entry{Key: a.Key, File: a.File, Cached: ok, Size: size}
	}
	return out
}

// Download fetches all assets concurrently and caches them. It returns
// (nil, nil) when they are already cached. obs receives the events of all
// three downloads, one at a time.
func (s *Session) Download(ctx context.Context, obs fetch.Observer) (*Assets, error) {
	downloaded := s.CheckDownloaded(ctx)

	s.mu.Lock()
	if s.downloading {
		s.mu.Unlock()
		return nil, ErrDownloadInProgress
	}
	if downloaded || s.downloaded {
		s.mu.Unlock()
		s.log.Debug("assets already cached", "repository", s.Repository())
		return nil, nil
	}
	task := s.task
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.downloading = true
	st := s.statusLocked()
	s.mu.Unlock()
	s.publish(st)
	defer cancel()

	s.log.Info("downloading assets", "repository", task.Repository())
	obs = serialize(obs)
	var (
		assets Assets
		mu     sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range hub.Assets() {
		g.Go(func() error {
			data, err := task.AcquireAsset(gctx, a, obs)
			if err != nil {
				return err
			}
			mu.Lock()
			*assets.slot(a.Key) = data
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	s.update(nil, func() {
		if s.task == task {
			s.downloading = false
			s.downloaded = err == nil
			s.cancel = nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", task.Repository(), err)
	}
	s.log.Info("assets downloaded", "repository", task.Repository(),
		"model_bytes", len(assets.Model), "tokenizer_bytes", len(assets.Tokenizer), "config_bytes", len(assets.Config))
	return &assets, nil
}

// ClearCache removes every asset. The downloaded flag stays set only if no
// removal succeeded.
func (s *Session) ClearCache(ctx context.Context) error {
	s.mu.Lock()
	task := s.task
	s.mu.Unlock()

	removed := 0
	for _, a := range hub.Assets() {
		if task.Remove(ctx, a.Key) {
			removed++
		}
	}
	s.update(task, func() {
		if removed > 0 {
			s.downloaded = false
			s.engine = nil
		}
	})
	if removed < len(hub.Assets()) {
		return fmt.Errorf("clear cache: %d of %d assets not removed: %w", len(hub.Assets())-removed, len(hub.Assets()), assetcache.ErrUnavailable)
	}
	return nil
}

// Engine returns the engine for the current repository, downloading and
// building it on first use.
func (s *Session) Engine(ctx context.Context) (*generate.Engine, error) {
	s.build.Lock()
	defer s.build.Unlock()

	s.mu.Lock()
	engine, task := s.engine, s.task
	s.mu.Unlock()
	if engine != nil {
		return engine, nil
	}

	assets, err := s.Download(ctx, nil)
	if err != nil {
		return nil, err
	}
	if assets == nil {
		assets = &Assets{}
		for _, a := range hub.Assets() {
			if data, ok := task.Get(ctx, a.Key); ok {
				*assets.slot(a.Key) = data
			}
		}
	}
	if !assets.complete() {
		return nil, ErrAssetsMissing
	}

	engine, err = generate.New(assets.Model, assets.Tokenizer, assets.Config, s.dtype,
		generate.WithLogger(s.log.With("repository", task.Repository())))
	if err != nil {
		return nil, err
	}
	s.update(task, func() { s.engine = engine })
	return engine, nil
}

// Generate runs one generation against the current repository.
func (s *Session) Generate(ctx context.Context, prompt string, cfg generate.Config, onToken func(string)) (Generation, error) {
	gen := Generation{ID: uuid.NewString()}
	engine, err := s.Engine(ctx)
	if err != nil {
		return gen, err
	}
	s.log.Debug("generation requested", "id", gen.ID, "sample_len", cfg.SampleLen)
	gen.Result, err = engine.Generate(ctx, prompt, cfg, onToken)
	return gen, err
}

type lockedObserver struct {
	mu  sync.Mutex
	obs fetch.Observer
}

func (l *lockedObserver) Observe(ev fetch.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.obs.Observe(ev)
}

func serialize(obs fetch.Observer) fetch.Observer {
	if obs == nil {
		return nil
	}
	return &lockedObserver{obs: obs}
}
