// Package config は環境変数と .env ファイルからアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// 設定値として受け付ける列挙値。
const (
	// StoreMemory はプロセス内のレート制限ストアを表す。
	StoreMemory = "memory"
	// StoreRedis はRedisのレート制限ストアを表す。
	StoreRedis = "redis"
	// FailOpen はレート制限バックエンドの障害時にリクエストを許可するポリシー。
	FailOpen = "open"
	// FailClosed はレート制限バックエンドの障害時にリクエストを拒否するポリシー。
	FailClosed = "closed"
)

// localOrigin は常に許可するローカル開発用オリジン。
const localOrigin = "http://localhost:3000"

// Config はアプリケーション全体の設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// Environment は実行環境（development, production など）。
	Environment string
	// LogLevel はログレベル。
	LogLevel string
	// BaseURL はアプリケーションのベースURL（NEXTAUTH_URL）。
	BaseURL string
	// VercelURL はデプロイ先プラットフォームのホスト名（スキームなし）。
	VercelURL string
	// AuthSecret はセッションJWTの署名鍵。
	AuthSecret string
	// DatabasePath はSQLiteデータベースのファイルパス。
	DatabasePath string
	// SecurityPolicyFile はセキュリティポリシーYAMLのパス。空の場合は組み込みの既定値を使う。
	SecurityPolicyFile string
	// MetricsEnabled は /metrics を公開するかどうか。
	MetricsEnabled bool
	// RateLimit はレート制限の設定。
	RateLimit RateLimitConfig
	// Redis はRedis接続の設定。
	Redis RedisConfig
	// GitHub はGitHub OAuthの設定。
	GitHub OAuthConfig
	// Google はGoogle OAuthの設定。
	Google OAuthConfig
}

// RateLimitConfig はスライディングウィンドウ方式のレート制限設定。
type RateLimitConfig struct {
	// Requests はウィンドウ内で許可するリクエスト数。
	Requests int
	// Window はウィンドウの長さ。
	Window time.Duration
	// FailurePolicy はバックエンド障害時の振る舞い（open または closed）。
	FailurePolicy string
	// Store はカウンタの保存先（memory または redis）。
	Store string
}

// RedisConfig はRedis接続設定。
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr は host:port 形式のアドレスを返す。
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// OAuthConfig はOAuthプロバイダのクライアント設定。
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
}

// Enabled はクライアントIDとシークレットが両方設定されているかを返す。
func (o OAuthConfig) Enabled() bool {
	return o.ClientID != "" && o.ClientSecret != ""
}

// IsProduction は本番環境かどうかを返す。
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

// AllowedOrigins はPOSTリクエストで許可するオリジンの一覧を返す。
// NEXTAUTH_URL、https://VERCEL_URL、http://localhost:3000 の順に、重複と空値を除いて返す。
func (c Config) AllowedOrigins() []string {
	candidates := []string{c.BaseURL}
	if c.VercelURL != "" {
		candidates = append(candidates, "https://"+c.VercelURL)
	}
	candidates = append(candidates, localOrigin)

	seen := make(map[string]struct{}, len(candidates))
	origins := make([]string, 0, len(candidates))
	for _, o := range candidates {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		origins = append(origins, o)
	}
	return origins
}

// Load は .env ファイル（存在する場合）と環境変数から設定を読み込む。
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv は指定された環境変数の参照関数から設定を組み立てる。
func FromEnv(getenv func(string) string) (Config, error) {
	env := envReader{getenv: getenv}

	cfg := Config{
		Port:               env.get("PORT", "8080"),
		Environment:        env.get("APP_ENV", "development"),
		LogLevel:           env.get("LOG_LEVEL", "info"),
		BaseURL:            strings.TrimRight(env.get("NEXTAUTH_URL", localOrigin), "/"),
		VercelURL:          env.get("VERCEL_URL", ""),
		AuthSecret:         env.get("AUTH_SECRET", "dev-secret-key"),
		DatabasePath:       env.get("DATABASE_PATH", "data/auth.db"),
		SecurityPolicyFile: env.get("SECURITY_POLICY_FILE", ""),
		GitHub: OAuthConfig{
			ClientID:     env.get("GITHUB_CLIENT_ID", ""),
			ClientSecret: env.get("GITHUB_CLIENT_SECRET", ""),
		},
		Google: OAuthConfig{
			ClientID:     env.get("GOOGLE_CLIENT_ID", ""),
			ClientSecret: env.get("GOOGLE_CLIENT_SECRET", ""),
		},
	}

	var err error
	if cfg.MetricsEnabled, err = env.boolean("METRICS_ENABLED", true); err != nil {
		return Config{}, err
	}
	if cfg.RateLimit, err = buildRateLimitConfig(env); err != nil {
		return Config{}, err
	}
	if cfg.Redis, err = buildRedisConfig(env); err != nil {
		return Config{}, err
	}

	if cfg.IsProduction() && cfg.AuthSecret == "dev-secret-key" {
		return Config{}, fmt.Errorf("本番環境では AUTH_SECRET の設定が必要です")
	}

	return cfg, nil
}

// buildRateLimitConfig はレート制限設定を読み込む。
func buildRateLimitConfig(env envReader) (RateLimitConfig, error) {
	requests, err := env.integer("RATE_LIMIT_REQUESTS", 10)
	if err != nil {
		return RateLimitConfig{}, err
	}
	if requests <= 0 {
		return RateLimitConfig{}, fmt.Errorf("RATE_LIMIT_REQUESTS は正の値が必要です: %d", requests)
	}

	windowSeconds, err := env.integer("RATE_LIMIT_WINDOW_SECONDS", 60)
	if err != nil {
		return RateLimitConfig{}, err
	}
	if windowSeconds <= 0 {
		return RateLimitConfig{}, fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS は正の値が必要です: %d", windowSeconds)
	}

	policy := strings.ToLower(env.get("RATE_LIMIT_FAILURE_POLICY", FailOpen))
	if policy != FailOpen && policy != FailClosed {
		return RateLimitConfig{}, fmt.Errorf("RATE_LIMIT_FAILURE_POLICY が不正です: %s", policy)
	}

	store := strings.ToLower(env.get("RATE_LIMIT_STORE", StoreMemory))
	if store != StoreMemory && store != StoreRedis {
		return RateLimitConfig{}, fmt.Errorf("RATE_LIMIT_STORE が不正です: %s", store)
	}

	return RateLimitConfig{
		Requests:      requests,
		Window:        time.Duration(windowSeconds) * time.Second,
		FailurePolicy: policy,
		Store:         store,
	}, nil
}

// buildRedisConfig はRedis接続設定を読み込む。
func buildRedisConfig(env envReader) (RedisConfig, error) {
	port, err := env.integer("REDIS_PORT", 6379)
	if err != nil {
		return RedisConfig{}, err
	}
	db, err := env.integer("REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}

	return RedisConfig{
		Host:     env.get("REDIS_HOST", "localhost"),
		Port:     port,
		Password: env.getenv("REDIS_PASSWORD"),
		DB:       db,
	}, nil
}

// envReader は環境変数を既定値付きで読み取る。
type envReader struct {
	getenv func(string) string
}

// get は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func (e envReader) get(key, fallback string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (e envReader) integer(key string, fallback int) (int, error) {
	raw := e.get(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s が不正です: %w", key, err)
	}
	return v, nil
}

func (e envReader) boolean(key string, fallback bool) (bool, error) {
	raw := e.get(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s が不正です: %w", key, err)
	}
	return v, nil
}
