package cache

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testCache(t *testing.T, dir, scope string) *Cache {
	t.Helper()
	return New(dir, scope, zaptest.NewLogger(t).Sugar())
}

func TestCacheRoundtrip(t *testing.T) {
	c := testCache(t, t.TempDir(), "test")

	assert.False(t, c.Has("answer"))
	_, err := c.Get("answer")
	assert.Error(t, err)

	require.NoError(t, c.Set("answer", []byte("42")))
	assert.True(t, c.Has("answer"))

	value, err := c.Get("answer")
	require.NoError(t, err)
	assert.Equal(t, "42", string(value))
}

func TestCacheGetFresh(t *testing.T) {
	c := testCache(t, t.TempDir(), "test")
	require.NoError(t, c.Set("answer", []byte("42")))

	value, err := c.GetFresh("answer", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "42", string(value))

	// An entry older than maxAge no longer counts.
	require.NoError(t, os.Chtimes(c.FileRef("answer"),
		time.Now().Add(-time.Hour), time.Now().Add(-time.Hour)))
	_, err = c.GetFresh("answer", time.Minute)
	assert.Error(t, err)
}

func TestCacheJSON(t *testing.T) {
	c := testCache(t, t.TempDir(), "test")

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, c.SetJSON("state", payload{Name: "x", Count: 3}))

	var got payload
	require.NoError(t, c.GetJSON("state", &got))
	assert.Equal(t, payload{Name: "x", Count: 3}, got)
}

func TestCacheScopesAreIsolated(t *testing.T) {
	dir := t.TempDir()
	a := testCache(t, dir, "alpha")
	b := testCache(t, dir, "beta")

	require.NoError(t, a.Set("key", []byte("from alpha")))
	assert.False(t, b.Has("key"))

	require.NoError(t, b.Set("key", []byte("from beta")))
	value, err := a.Get("key")
	require.NoError(t, err)
	assert.Equal(t, "from alpha", string(value))
}

func TestCachePruneKeepsTouchedEntries(t *testing.T) {
	dir := t.TempDir()
	old := testCache(t, dir, "test")
	require.NoError(t, old.Set("stale", []byte("old")))
	require.NoError(t, old.Set("kept", []byte("still used")))

	// A fresh run only touches one of the entries.
	c := testCache(t, dir, "test")
	assert.True(t, c.Has("kept"))
	require.NoError(t, c.Prune())

	assert.True(t, c.Has("kept"))
	assert.False(t, c.Has("stale"))
}

func TestCachePruneIgnoresForeignScopes(t *testing.T) {
	dir := t.TempDir()
	other := testCache(t, dir, "other")
	require.NoError(t, other.Set("key", []byte("untouchable")))

	c := testCache(t, dir, "test")
	require.NoError(t, c.Prune())
	assert.True(t, other.Has("key"))
}

func TestCacheClear(t *testing.T) {
	dir := t.TempDir()
	c := testCache(t, dir, "test")
	require.NoError(t, c.Set("a", []byte("1")))
	require.NoError(t, c.Set("b", []byte("2")))

	require.NoError(t, c.Clear())
	assert.False(t, c.Has("a"))
	assert.False(t, c.Has("b"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCacheFileRef(t *testing.T) {
	c := testCache(t, t.TempDir(), "test")
	require.NoError(t, c.Set("asset", []byte("payload")))

	content, err := os.ReadFile(c.FileRef("asset"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))
}
