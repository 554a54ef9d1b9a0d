package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	c := &memory{m: make(map[string]entry), now: func() time.Time { return now }}

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(got))

	now = now.Add(2 * time.Minute)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryDeletePrefix(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	require.NoError(t, c.Set(ctx, "lb:accuracy:1", []byte("a"), 0))
	require.NoError(t, c.Set(ctx, "lb:streak:1", []byte("b"), 0))
	require.NoError(t, c.Set(ctx, "universe", []byte("c"), 0))

	require.NoError(t, c.DeletePrefix(ctx, "lb:"))
	_, ok, _ := c.Get(ctx, "lb:accuracy:1")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "universe")
	assert.True(t, ok)
}

func TestRedisGet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedis(db)
	ctx := context.Background()

	t.Run("hit", func(t *testing.T) {
		mock.ExpectGet("k").SetVal("v")
		got, ok, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v", string(got))
	})

	t.Run("miss is not an error", func(t *testing.T) {
		mock.ExpectGet("missing").RedisNil()
		got, ok, err := c.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, got)
	})

	t.Run("failure surfaces", func(t *testing.T) {
		mock.ExpectGet("boom").SetErr(errors.New("connection refused"))
		_, _, err := c.Get(ctx, "boom")
		assert.Error(t, err)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSetAndDeletePrefix(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedis(db)
	ctx := context.Background()

	mock.ExpectSet("lb:accuracy:1:25", []byte("rows"), time.Minute).SetVal("OK")
	require.NoError(t, c.Set(ctx, "lb:accuracy:1:25", []byte("rows"), time.Minute))

	mock.ExpectScan(0, "lb:*", 200).SetVal([]string{"lb:a", "lb:b"}, 7)
	mock.ExpectDel("lb:a", "lb:b").SetVal(2)
	mock.ExpectScan(7, "lb:*", 200).SetVal([]string{}, 0)
	require.NoError(t, c.DeletePrefix(ctx, "lb:"))

	require.NoError(t, mock.ExpectationsWereMet())
}
