package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/deemkeen/fedhub/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLCache(t *testing.T) *SQL {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewSQL(store)
}

func TestSQLCache(t *testing.T) {
	ctx := context.Background()
	c := newSQLCache(t)

	_, ok, err := c.Get(ctx, "abc", "probe")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "abc", "probe", "one"))
	require.NoError(t, c.Set(ctx, "abc", "probe", "two"))
	v, ok, err := c.Get(ctx, "abc", "probe")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "two", v)

	_, ok, _ = c.Get(ctx, "other", "probe")
	assert.False(t, ok, "scopes are independent")

	require.NoError(t, c.Delete(ctx, "abc", "probe"))
	_, ok, _ = c.Get(ctx, "abc", "probe")
	assert.False(t, ok)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := newSQLCache(t)

	type probe struct {
		Network string `json:"network"`
		URL     string `json:"url"`
	}
	require.NoError(t, SetJSON(ctx, c, "abc", "gprobe", probe{Network: "activitypub", URL: "https://x/u"}))

	var got probe
	ok, err := GetJSON(ctx, c, "abc", "gprobe", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "activitypub", got.Network)

	require.NoError(t, c.Set(ctx, "abc", "broken", "{"))
	_, err = GetJSON(ctx, c, "abc", "broken", &got)
	assert.Error(t, err)
}

func TestRedisKey(t *testing.T) {
	assert.Equal(t, "fedhub:pconfig:abc", redisKey("abc"))
}
