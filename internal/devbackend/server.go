package devbackend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nao1215/vetclinic/pkg/middleware"
)

// refreshCookie はリフレッシュトークンを保持するクッキー名。
const refreshCookie = "refresh_token"

// Config は開発用バックエンドの設定。
type Config struct {
	// Addr はリッスンアドレス。
	Addr string
	// JWTSecret はアクセストークン署名用の秘密鍵。
	JWTSecret string
	// AccessTTL はアクセストークンの有効期間。
	AccessTTL time.Duration
	// RefreshTTL はリフレッシュトークンの有効期間。
	RefreshTTL time.Duration
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// SecureCookie がtrueの場合はクッキーにSecure属性を付ける。
	SecureCookie bool
}

// Server は開発用バックエンドのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサーバー設定。
	cfg Config
	// store はSQLiteストア。
	store *Store
	// logger は構造化ロガー。
	logger *zap.Logger
	// registry は/metricsで公開するレジストリ。
	registry *prometheus.Registry
	// now は現在時刻の取得関数。テストで差し替える。
	now func() time.Time
}

// NewServer は新しいServerを生成する。
func NewServer(cfg Config, store *Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 5 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := middleware.NewHTTPMetrics(reg, "devbackend")

	router := gin.New()
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(httpMetrics.Handler())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:   router,
		cfg:      cfg,
		store:    store,
		logger:   logger,
		registry: reg,
		now:      time.Now,
	}
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はctxがキャンセルされるまでHTTPサーバーを起動する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("開発用バックエンドを起動します", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	s.logger.Info("開発用バックエンドを停止しました")
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// 認証エンドポイント（アクセストークン不要）
	auth := s.router.Group("/auth")
	{
		auth.POST("/login", s.handleLogin())
		auth.POST("/refresh", s.handleRefresh())
		auth.POST("/logout", s.handleLogout())
	}

	// 認証必須のAPIエンドポイント
	api := s.router.Group("/api")
	api.Use(middleware.JWTAuth(s.cfg.JWTSecret))
	{
		// バイナリ配信はテナントの絞り込みを行わない
		api.GET("/media/:name", s.handleMedia())

		scoped := api.Group("")
		scoped.Use(s.tenantScope())
		scoped.GET("/clinics", s.handleListClinics())
		scoped.GET("/owners", s.handleListOwners())
		scoped.GET("/animals", s.handleListAnimals())
		scoped.POST("/animals", s.handleCreateAnimal())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "devbackend"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "devbackend"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
}
