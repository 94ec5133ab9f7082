package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/devflow/internal/auth"
	"github.com/nao1215/devflow/internal/gatekeeper"
	"github.com/nao1215/devflow/pkg/middleware"
	"github.com/rs/zerolog"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 10 * time.Second

// recentEventsLimit は /api/v1/me で返す監査イベントの件数。
const recentEventsLimit = 20

// Options はゲートウェイサーバーの構成要素。
type Options struct {
	// Addr はリッスンアドレス（例: ":8080"）。
	Addr string
	// Pipeline は /api/auth/*nextauth を処理するゲートキーピングパイプライン。
	Pipeline *gatekeeper.Pipeline
	// Store はユーザー情報と監査イベントのストア。
	Store *auth.Store
	// Secret はセッションJWTの署名鍵。
	Secret string
	// Metrics は /metrics で公開するメトリクス。nilの場合は公開しない。
	Metrics *gatekeeper.Metrics
	Logger  zerolog.Logger
}

// Server は認証ゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer は Run で起動するHTTPサーバー。
	httpServer *http.Server
	store      *auth.Store
	secret     string
	metrics    *gatekeeper.Metrics
	logger     zerolog.Logger
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(opts Options) (*Server, error) {
	if opts.Pipeline == nil {
		return nil, errors.New("パイプラインが指定されていません")
	}
	if opts.Store == nil {
		return nil, errors.New("ストアが指定されていません")
	}
	if opts.Secret == "" {
		return nil, errors.New("署名鍵が指定されていません")
	}

	router := gin.New()
	router.Use(middleware.Recovery(opts.Logger))

	s := &Server{
		router:  router,
		store:   opts.Store,
		secret:  opts.Secret,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes(opts.Pipeline)

	return s, nil
}

// Handler はルーターを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("ゲートウェイを起動しました")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("シャットダウンを開始します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}
	return nil
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes(p *gatekeeper.Pipeline) {
	// 認証エンドポイント（ゲートキーピングパイプライン経由）
	authPath := "/api/auth/*" + gatekeeper.ParamName
	s.router.GET(authPath, p.Handle(http.MethodGet))
	s.router.POST(authPath, p.Handle(http.MethodPost))
	s.router.OPTIONS(authPath, p.Preflight())

	// セッション必須のAPI
	api := s.router.Group("/api/v1")
	api.Use(middleware.SecureHeaders(), middleware.SessionAuth(s.secret, ""))
	{
		api.GET("/me", s.handleGetCurrentUser())
	}

	// セッションがなければサインイン画面へ
	s.router.GET("/dashboard",
		middleware.SecureHeaders(),
		middleware.SessionAuth(s.secret, "/signin"),
		s.handleDashboard(),
	)

	s.router.GET("/health", s.handleHealth())

	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// handleHealth はデータベースへの疎通を含むヘルスチェックのハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := s.store.Ping(ctx); err != nil {
			s.logger.Error().Err(err).Msg("ヘルスチェックに失敗しました")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "authgate"})
			return
		}
		version, err := s.store.SchemaVersion(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("スキーマバージョンの取得に失敗しました")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "authgate"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "authgate", "schema_version": version})
	}
}

// handleGetCurrentUser は認証済みユーザーの情報と最近の監査イベントを返すハンドラを返す。
func (s *Server) handleGetCurrentUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		ctx := c.Request.Context()
		user, err := s.store.GetUser(ctx, userID)
		if errors.Is(err, auth.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("ユーザーの取得に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの取得に失敗しました"})
			return
		}

		events, err := s.store.ListEvents(ctx, userID, recentEventsLimit)
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("監査イベントの取得に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "監査イベントの取得に失敗しました"})
			return
		}

		var provider string
		if session := middleware.GetSession(c); session != nil {
			provider = session.Provider
		}
		c.JSON(http.StatusOK, gin.H{
			"user":     user,
			"provider": provider,
			"events":   events,
		})
	}
}

// handleDashboard はダッシュボードのハンドラを返す。
func (s *Server) handleDashboard() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := middleware.GetSession(c)
		if session == nil {
			c.Redirect(http.StatusTemporaryRedirect, "/signin")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"user": gin.H{
				"id":    session.UserID,
				"name":  session.Name,
				"email": session.Email,
				"image": session.Image,
			},
		})
	}
}
