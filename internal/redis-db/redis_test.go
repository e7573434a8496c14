package redis_db

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRedisURL(t *testing.T) {
	opts, err := ParseRedisURL("redis:6379", false)
	require.NoError(t, err)
	assert.Equal(t, "redis:6379", opts.Addr)
	assert.Empty(t, opts.Password)

	opts, err = ParseRedisURL("redis://:s3cret@cache.internal:6380/2", false)
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, "s3cret", opts.Password)
	assert.Equal(t, 2, opts.DB)

	_, err = ParseRedisURL("redis://bad url with spaces//", false)
	assert.Error(t, err)
}

func TestNewRedisClient(t *testing.T) {
	_, err := NewRedisClient(nil, false)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	r, err := NewRedisClient([]string{mr.Addr()}, false)
	require.NoError(t, err)
	assert.NotNil(t, r.Client())
	assert.NotNil(t, r.MakeRedisClient())
}
