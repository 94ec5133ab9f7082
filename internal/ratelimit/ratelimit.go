package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrInvalidConfig はレート制限の設定が不正な場合のエラー。
var ErrInvalidConfig = errors.New("不正なレート制限設定")

// バックエンド障害で許可した場合に返す仮の枠。
const (
	failOpenQuota  = 1000
	failOpenWindow = 60 * time.Second
)

// Result はレート制限の判定結果。
type Result struct {
	// Success はリクエストを許可するかどうか。
	Success bool
	// Limit はウィンドウあたりの上限。
	Limit int
	// Remaining は残りのリクエスト数。
	Remaining int
	// Reset は枠が回復する時刻。
	Reset time.Time
}

// ResetUnixMilli は Reset をエポックミリ秒で返す。
func (r Result) ResetUnixMilli() int64 {
	return r.Reset.UnixMilli()
}

// Store はカウンタの保存先。Limit は1回の呼び出しで判定と記録を原子的に行う。
type Store interface {
	Limit(ctx context.Context, identifier string) (Result, error)
}

// FailurePolicy は Store の障害時の振る舞い。
type FailurePolicy int

const (
	// FailOpen は障害時にリクエストを許可する。
	FailOpen FailurePolicy = iota
	// FailClosed は障害時にリクエストを拒否する。
	FailClosed
)

// String はポリシー名を返す。
func (p FailurePolicy) String() string {
	switch p {
	case FailOpen:
		return "open"
	case FailClosed:
		return "closed"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParseFailurePolicy は "open" または "closed" をポリシーに変換する。
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("%w: 不明な障害時ポリシー %q", ErrInvalidConfig, s)
	}
}

// Config はレート制限の設定。
type Config struct {
	// Requests はウィンドウ内で許可するリクエスト数。
	Requests int
	// Window はウィンドウの長さ。
	Window time.Duration
	// Policy はバックエンド障害時の振る舞い。
	Policy FailurePolicy
}

// DefaultConfig は10リクエスト/60秒、障害時は許可する設定を返す。
func DefaultConfig() Config {
	return Config{Requests: 10, Window: 60 * time.Second, Policy: FailOpen}
}

// Validate は設定値を検証する。
func (c Config) Validate() error {
	if c.Requests <= 0 {
		return fmt.Errorf("%w: リクエスト数は正の値が必要です: %d", ErrInvalidConfig, c.Requests)
	}
	if c.Window < time.Millisecond {
		return fmt.Errorf("%w: ウィンドウは1ミリ秒以上が必要です: %s", ErrInvalidConfig, c.Window)
	}
	if c.Policy != FailOpen && c.Policy != FailClosed {
		return fmt.Errorf("%w: 不明な障害時ポリシー %s", ErrInvalidConfig, c.Policy)
	}
	return nil
}

// Limiter は Store を使ってレート制限を判定する。
type Limiter struct {
	store          Store
	cfg            Config
	logger         zerolog.Logger
	now            func() time.Time
	onBackendError func()
}

// Option は Limiter の任意設定。
type Option func(*Limiter)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithBackendErrorHook は Store の障害のたびに呼ばれる関数を設定する。
func WithBackendErrorHook(fn func()) Option {
	return func(l *Limiter) {
		l.onBackendError = fn
	}
}

// NewLimiter は Limiter を生成する。
func NewLimiter(store Store, cfg Config, logger zerolog.Logger, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: ストアが指定されていません", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Config は Limiter の設定を返す。
func (l *Limiter) Config() Config {
	return l.cfg
}

// Check は識別子のリクエストを1回分記録し、判定結果を返す。
// Store が失敗した場合はエラーを返さず、FailurePolicy に従った結果を返す。
func (l *Limiter) Check(ctx context.Context, identifier string) Result {
	res, err := l.store.Limit(ctx, identifier)
	if err == nil {
		return res
	}

	if l.onBackendError != nil {
		l.onBackendError()
	}

	now := l.now()
	if l.cfg.Policy == FailClosed {
		l.logger.Error().Err(err).Str("identifier", identifier).Msg("rate limit backend failed, rejecting request")
		return Result{
			Success:   false,
			Limit:     l.cfg.Requests,
			Remaining: 0,
			Reset:     now.Add(l.cfg.Window),
		}
	}

	l.logger.Warn().Err(err).Str("identifier", identifier).Msg("rate limit backend failed, allowing request")
	return Result{
		Success:   true,
		Limit:     failOpenQuota,
		Remaining: failOpenQuota,
		Reset:     now.Add(failOpenWindow),
	}
}
