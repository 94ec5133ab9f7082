package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix はRedisキーの接頭辞。
const keyPrefix = "ratelimit"

// slidingWindowScript は前後2つの固定ウィンドウのカウンタから重み付きの件数を求め、
// 上限未満であれば現在のウィンドウを加算する。拒否時は -1、許可時は残数を返す。
var slidingWindowScript = redis.NewScript(`
local current_key = KEYS[1]
local previous_key = KEYS[2]
local limit = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", current_key) or "0")
local previous = tonumber(redis.call("GET", previous_key) or "0")

local elapsed = (now % window) / window
local weighted = math.floor((1 - elapsed) * previous)

if weighted + current >= limit then
  return -1
end

local count = redis.call("INCR", current_key)
if count == 1 then
  redis.call("PEXPIRE", current_key, window * 2)
end

return limit - (count + weighted)
`)

// RedisStore はRedisに保存するスライディングウィンドウのストア。
// 複数のインスタンスで同じカウンタを共有できる。
type RedisStore struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// RedisOptions はRedis接続の設定。
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient はRedisに接続し、疎通を確認したクライアントを返す。
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("%w: Redisのアドレスが指定されていません", ErrInvalidConfig)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return client, nil
}

// NewRedisStore はRedisストアを生成する。now が nil の場合は time.Now を使う。
func NewRedisStore(client *redis.Client, cfg Config, now func() time.Time) (*RedisStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &RedisStore{
		client: client,
		limit:  cfg.Requests,
		window: cfg.Window,
		now:    now,
	}, nil
}

// Limit はスクリプトを実行して判定と記録を行う。
func (s *RedisStore) Limit(ctx context.Context, identifier string) (Result, error) {
	windowMs := s.window.Milliseconds()
	nowMs := s.now().UnixMilli()
	index := nowMs / windowMs

	keys := []string{windowKey(identifier, index), windowKey(identifier, index-1)}
	remaining, err := slidingWindowScript.Run(ctx, s.client, keys, s.limit, nowMs, windowMs).Int64()
	if err != nil {
		return Result{}, fmt.Errorf("レート制限スクリプトの実行に失敗: %w", err)
	}

	res := Result{
		Success: remaining >= 0,
		Limit:   s.limit,
		Reset:   time.UnixMilli((index + 1) * windowMs),
	}
	if res.Success {
		res.Remaining = int(remaining)
	}
	return res, nil
}

// Close はRedisクライアントを閉じる。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func windowKey(identifier string, index int64) string {
	return keyPrefix + ":" + identifier + ":" + strconv.FormatInt(index, 10)
}
