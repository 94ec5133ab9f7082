package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedisStore はminiredisに接続したストアを生成する。
func newTestRedisStore(t *testing.T, cfg Config, now func() time.Time) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)

	s, err := NewRedisStore(client, cfg, now)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

// TestRedisStore はRedisストアのスライディングウィンドウを確認する。
func TestRedisStore(t *testing.T) {
	t.Parallel()

	t.Run("上限までは許可され超えると拒否されること", func(t *testing.T) {
		t.Parallel()

		s, mr := newTestRedisStore(t, DefaultConfig(), fixedClock)
		ctx := context.Background()

		for want := 9; want >= 0; want-- {
			res, err := s.Limit(ctx, "203.0.113.7")
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Equal(t, want, res.Remaining)
			assert.Equal(t, 10, res.Limit)
			assert.Equal(t, fixedNow.Add(time.Minute).UnixMilli(), res.ResetUnixMilli())
		}

		res, err := s.Limit(ctx, "203.0.113.7")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, 0, res.Remaining)

		key := windowKey("203.0.113.7", fixedNow.UnixMilli()/60000)
		got, err := mr.Get(key)
		require.NoError(t, err)
		assert.Equal(t, "10", got)
		assert.Equal(t, 2*time.Minute, mr.TTL(key))
	})

	t.Run("前のウィンドウの件数が経過割合で重み付けされること", func(t *testing.T) {
		t.Parallel()

		clock := &manualClock{now: fixedNow}
		s, _ := newTestRedisStore(t, DefaultConfig(), clock.Now)
		ctx := context.Background()

		for range 10 {
			_, err := s.Limit(ctx, "a")
			require.NoError(t, err)
		}

		// 次のウィンドウの中間では前のウィンドウの半分が数えられる
		clock.Advance(90 * time.Second)
		res, err := s.Limit(ctx, "a")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 4, res.Remaining)
		assert.Equal(t, fixedNow.Add(2*time.Minute), res.Reset)
	})

	t.Run("Redisの障害はエラーとして返ること", func(t *testing.T) {
		t.Parallel()

		s, mr := newTestRedisStore(t, DefaultConfig(), fixedClock)
		mr.SetError("ERR backend unavailable")

		_, err := s.Limit(context.Background(), "a")
		assert.Error(t, err)
	})

	t.Run("Limiter経由では障害時に仮の枠で許可されること", func(t *testing.T) {
		t.Parallel()

		s, mr := newTestRedisStore(t, DefaultConfig(), fixedClock)
		mr.SetError("ERR backend unavailable")

		l, err := NewLimiter(s, DefaultConfig(), zerolog.Nop(), WithClock(fixedClock))
		require.NoError(t, err)
		res := l.Check(context.Background(), "a")
		assert.True(t, res.Success)
		assert.Equal(t, 1000, res.Remaining)
	})

	t.Run("接続できない場合はクライアントを生成できないこと", func(t *testing.T) {
		t.Parallel()

		_, err := NewRedisClient(context.Background(), RedisOptions{})
		assert.ErrorIs(t, err, ErrInvalidConfig)

		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		_, err = NewRedisClient(context.Background(), RedisOptions{Addr: addr})
		assert.Error(t, err)
	})
}

// TestNewRedisStoreWithClient は既存のクライアントからストアを生成できることを確認する。
func TestNewRedisStoreWithClient(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	_, err := NewRedisStore(client, Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	s, err := NewRedisStore(client, Config{Requests: 1, Window: time.Second}, nil)
	require.NoError(t, err)
	res, err := s.Limit(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, res.Success)
}
