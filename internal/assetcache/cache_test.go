package assetcache

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := Open(t.TempDir())
	t.Cleanup(func() { c.Close() })

	blob := bytes.Repeat([]byte{0, 1, 2, 0xff}, 1000)
	require.False(t, c.Exists(ctx, "model"))
	require.Equal(t, NotFound, c.Lookup(ctx, "model").Status)

	require.NoError(t, c.Put(ctx, "model", blob))
	got, ok := c.Get(ctx, "model")
	require.True(t, ok)
	assert.Equal(t, blob, got)
	assert.True(t, c.Exists(ctx, "model"))
	n, ok := c.Size(ctx, "model")
	require.True(t, ok)
	assert.Equal(t, int64(len(blob)), n)

	require.NoError(t, c.Put(ctx, "model", []byte("replaced")))
	got, _ = c.Get(ctx, "model")
	assert.Equal(t, []byte("replaced"), got)

	require.NoError(t, c.Delete(ctx, "model"))
	_, ok = c.Get(ctx, "model")
	assert.False(t, ok)
	require.NoError(t, c.Delete(ctx, "model"), "deleting an absent key succeeds")
}

func TestEmptyBlobIsFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := Open(t.TempDir())
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Put(ctx, "config", nil))
	l := c.Lookup(ctx, "config")
	require.Equal(t, Found, l.Status)
	assert.NotNil(t, l.Data)
	assert.Empty(t, l.Data)
	assert.True(t, c.Exists(ctx, "config"))
}

func TestPersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	c := Open(dir)
	require.NoError(t, c.Put(ctx, "tokenizer", []byte("{}")))
	require.NoError(t, c.Close())

	c = Open(dir)
	t.Cleanup(func() { c.Close() })
	got, ok := c.Get(ctx, "tokenizer")
	require.True(t, ok)
	assert.Equal(t, []byte("{}"), got)

	db, err := sql.Open("sqlite3", storePath(dir))
	require.NoError(t, err)
	defer db.Close()
	var version int
	require.NoError(t, db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, SchemaVersion, version)
}

func TestUnavailableStoreDegradesToMiss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// A regular file where the directory should be makes every open fail.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	c := Open(blocker)

	l := c.Lookup(ctx, "model")
	assert.Equal(t, StorageUnavailable, l.Status)
	assert.ErrorIs(t, l.Err, ErrUnavailable)

	_, ok := c.Get(ctx, "model")
	assert.False(t, ok)
	assert.False(t, c.Exists(ctx, "model"))
	assert.ErrorIs(t, c.Put(ctx, "model", []byte("x")), ErrUnavailable)
	assert.ErrorIs(t, c.Delete(ctx, "model"), ErrUnavailable)
}

func TestNewerSchemaIsRejected(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	db, err := sql.Open("sqlite3", storePath(dir))
	require.NoError(t, err)
	_, err = db.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion+1))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	c := Open(dir)
	l := c.Lookup(context.Background(), "model")
	assert.Equal(t, StorageUnavailable, l.Status)
}

func TestConcurrentFirstUseSharesOneStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := Open(t.TempDir())
	t.Cleanup(func() { c.Close() })

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Put(ctx, fmt.Sprintf("k%d", i), []byte{byte(i)})
		}()
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "put %d", i)
	}
	for i := range errs {
		got, ok := c.Get(ctx, fmt.Sprintf("k%d", i))
		require.True(t, ok)
		assert.Equal(t, []byte{byte(i)}, got)
	}
}

func TestCancelledContext(t *testing.T) {
	t.Parallel()
	c := Open(t.TempDir())
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := c.Lookup(ctx, "model")
	assert.Equal(t, StorageUnavailable, l.Status)
	assert.True(t, errors.Is(l.Err, context.Canceled))
	assert.ErrorIs(t, c.Put(ctx, "model", []byte("x")), context.Canceled)
}

func TestStatusString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "found", Found.String())
	assert.Equal(t, "not_found", NotFound.String())
	assert.Equal(t, "unavailable", StorageUnavailable.String())
}
