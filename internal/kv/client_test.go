package kv

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mutter0815/InviteFlow/pkg/config"
)

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewClient(config.RedisConfig{URL: "redis://" + mr.Addr() + "/0", PoolSize: 3, ReconnectBackoffMs: 100})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, 3, c.Options().PoolSize)
}

func TestNewClient_Errors(t *testing.T) {
	_, err := NewClient(config.RedisConfig{})
	assert.ErrorIs(t, err, ErrEmptyURL)

	_, err = NewClient(config.RedisConfig{URL: "://bad"})
	assert.Error(t, err)
}
