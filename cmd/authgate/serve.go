package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/devflow/internal/auth"
	"github.com/nao1215/devflow/internal/config"
	"github.com/nao1215/devflow/internal/gatekeeper"
	"github.com/nao1215/devflow/internal/gateway"
	"github.com/nao1215/devflow/internal/ratelimit"
	"github.com/nao1215/devflow/internal/security"
	"github.com/nao1215/devflow/pkg/logging"
	"github.com/nao1215/devflow/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "認証ゲートウェイを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// serve は設定に従って各コンポーネントを組み立て、ctxがキャンセルされるまでサーバーを動かす。
func serve(ctx context.Context, cfg config.Config) error {
	logger, closeLog, err := logging.New(logging.Config{Level: cfg.LogLevel, Environment: cfg.Environment})
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	store, err := auth.OpenStore(cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var metrics *gatekeeper.Metrics
	if cfg.MetricsEnabled {
		metrics = gatekeeper.NewMetrics()
	}

	limiter, closeLimiter, err := newLimiter(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer func() { _ = closeLimiter.Close() }()

	validator := security.NewValidator(security.DefaultPolicy(cfg.AllowedOrigins()))
	if cfg.SecurityPolicyFile != "" {
		watcher, err := security.WatchPolicyFile(cfg.SecurityPolicyFile, cfg.AllowedOrigins(), validator, logger)
		if err != nil {
			return err
		}
		defer func() { _ = watcher.Close() }()
	}

	handler, err := auth.NewHandler(store, auth.Config{
		BaseURL:       cfg.BaseURL,
		Secret:        cfg.AuthSecret,
		SecureCookies: cfg.IsProduction(),
		Providers:     oauthProviders(cfg),
	}, logger)
	if err != nil {
		return err
	}

	pipeline, err := gatekeeper.New(gatekeeper.Options{
		Validator: validator,
		Limiter:   limiter,
		Delegate:  handler.Handlers(),
		Logger:    logger,
		Metrics:   metrics,
		CORS:      middleware.CORSConfig{AllowOrigin: cfg.BaseURL},
	})
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(gateway.Options{
		Addr:     ":" + cfg.Port,
		Pipeline: pipeline,
		Store:    store,
		Secret:   cfg.AuthSecret,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("rate_limit_store", cfg.RateLimit.Store).
		Str("failure_policy", cfg.RateLimit.FailurePolicy).
		Strs("allowed_origins", cfg.AllowedOrigins()).
		Msg("認証ゲートウェイの設定を読み込みました")
	return server.Run(ctx)
}

// newLimiter は設定されたストアでレート制限を生成する。戻り値の io.Closer はストアの後始末に使う。
func newLimiter(ctx context.Context, cfg config.Config, logger zerolog.Logger, metrics *gatekeeper.Metrics) (*ratelimit.Limiter, io.Closer, error) {
	policy, err := ratelimit.ParseFailurePolicy(cfg.RateLimit.FailurePolicy)
	if err != nil {
		return nil, nil, err
	}
	rlCfg := ratelimit.Config{
		Requests: cfg.RateLimit.Requests,
		Window:   cfg.RateLimit.Window,
		Policy:   policy,
	}

	var (
		store  ratelimit.Store
		closer io.Closer = nopCloser{}
	)
	switch cfg.RateLimit.Store {
	case config.StoreRedis:
		client, err := ratelimit.NewRedisClient(ctx, ratelimit.RedisOptions{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		rs, err := ratelimit.NewRedisStore(client, rlCfg, nil)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		store, closer = rs, rs
	case config.StoreMemory:
		ms, err := ratelimit.NewMemoryStore(rlCfg, nil)
		if err != nil {
			return nil, nil, err
		}
		store = ms
	default:
		return nil, nil, fmt.Errorf("不明なレート制限ストア: %q", cfg.RateLimit.Store)
	}

	limiter, err := ratelimit.NewLimiter(store, rlCfg, logger, ratelimit.WithBackendErrorHook(metrics.IncBackendErrors))
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return limiter, closer, nil
}

// oauthProviders はクライアントIDとシークレットが設定されたOAuthプロバイダを返す。
func oauthProviders(cfg config.Config) []*auth.Provider {
	var providers []*auth.Provider
	if cfg.GitHub.Enabled() {
		providers = append(providers, auth.GitHubProvider(cfg.GitHub.ClientID, cfg.GitHub.ClientSecret))
	}
	if cfg.Google.Enabled() {
		providers = append(providers, auth.GoogleProvider(cfg.Google.ClientID, cfg.Google.ClientSecret))
	}
	return providers
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
