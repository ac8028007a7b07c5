// Package assetcache is a persistent key to blob store backed by SQLite.
// Storage faults never escape as hard failures: reads degrade to a miss and
// writes report an error the caller may ignore.
package assetcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/samcharles93/ember/internal/logger"
	"github.com/samcharles93/ember/internal/metrics"
)

// ErrUnavailable wraps every storage failure.
var ErrUnavailable = errors.New("asset cache unavailable")

type Status int

const (
	NotFound Status = iota
	Found
	StorageUnavailable
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case StorageUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Lookup is the outcome of a read. Data is set only for Found and Err only
// for StorageUnavailable.
type Lookup struct {
	Status Status
	Data   []byte
	Err    error
}

func (l Lookup) OK() bool { return l.Status == Found }

// Cache is safe for concurrent use. The backing store is opened on first use;
// concurrent first calls share one open. A failed open is retried by the next
// operation.
type Cache struct {
	dir string
	log logger.Logger

	open singleflight.Group
	mu   sync.Mutex
	db   *sql.DB
}

type Option func(*Cache)

func WithLogger(l logger.Logger) Option {
	return func(c *Cache) { c.log = logger.OrNop(l) }
}

// Open returns a cache stored under dir. Nothing touches the disk until the
// first operation.
func Open(dir string, opts ...Option) *Cache {
	c := &Cache{dir: dir, log: logger.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Dir() string { return c.dir }

func (c *Cache) handle(ctx context.Context) (*sql.DB, error) {
	c.mu.Lock()
	db := c.db
	c.mu.Unlock()
	if db != nil {
		return db, nil
	}

	ch := c.open.DoChan("open", func() (any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.db != nil {
			return c.db, nil
		}
		db, err := openStore(context.WithoutCancel(ctx), c.dir)
		if err != nil {
			return nil, err
		}
		c.db = db
		return db, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*sql.DB), nil
	}
}

func (c *Cache) unavailable(op, key string, err error) error {
	metrics.CacheOp(op, metrics.ResultError)
	c.log.Warn("asset cache operation failed", "op", op, "key", key, "error", err)
	return fmt.Errorf("%w: %s %q: %w", ErrUnavailable, op, key, err)
}

// Lookup reads key, distinguishing a miss from a broken store.
func (c *Cache) Lookup(ctx context.Context, key string) Lookup {
	if err := ctx.Err(); err != nil {
		return Lookup{Status: StorageUnavailable, Err: err}
	}
	db, err := c.handle(ctx)
	if err != nil {
		return Lookup{Status: StorageUnavailable, Err: c.unavailable("get", key, err)}
	}
	var data []byte
	err = db.QueryRowContext(ctx, "SELECT value FROM models WHERE key = ?", key).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		metrics.CacheOp("get", metrics.ResultMiss)
		return Lookup{Status: NotFound}
	case err != nil:
		return Lookup{Status: StorageUnavailable, Err: c.unavailable("get", key, err)}
	}
	if data == nil {
		data = []byte{}
	}
	metrics.CacheOp("get", metrics.ResultOK)
	return Lookup{Status: Found, Data: data}
}

// Get returns the blob for key. Any storage failure reads as absent.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	l := c.Lookup(ctx, key)
	return l.Data, l.OK()
}

// Put stores blob under key, replacing any previous value in one statement.
func (c *Cache) Put(ctx context.Context, key string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := c.handle(ctx)
	if err != nil {
		return c.unavailable("put", key, err)
	}
	if blob == nil {
		blob = []byte{}
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO models (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, blob)
	if err != nil {
		return c.unavailable("put", key, err)
	}
	metrics.CacheOp("put", metrics.ResultOK)
	c.log.Debug("asset cached", "key", key, "bytes", len(blob))
	return nil
}

// Delete removes key. Deleting an absent key succeeds.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := c.handle(ctx)
	if err != nil {
		return c.unavailable("delete", key, err)
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM models WHERE key = ?", key); err != nil {
		return c.unavailable("delete", key, err)
	}
	metrics.CacheOp("delete", metrics.ResultOK)
	return nil
}

// Exists reports whether Get would return a value.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	_, ok := c.Size(ctx, key)
	return ok
}

// Size returns the stored length of key without reading the blob.
func (c *Cache) Size(ctx context.Context, key string) (int64, bool) {
	if ctx.Err() != nil {
		return 0, false
	}
	db, err := c.handle(ctx)
	if err != nil {
		c.unavailable("exists", key, err)
		return 0, false
	}
	var n int64
	err = db.QueryRowContext(ctx, "SELECT length(value) FROM models WHERE key = ?", key).Scan(&n)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		metrics.CacheOp("exists", metrics.ResultMiss)
		return 0, false
	case err != nil:
		c.unavailable("exists", key, err)
		return 0, false
	}
	metrics.CacheOp("exists", metrics.ResultOK)
	return n, true
}

// Close releases the store. A later operation reopens it.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}
