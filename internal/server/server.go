// Package server は通知サービスのHTTP APIを提供する。
//
// 利用者向けの通知一覧・既読・削除・統計とSSEストリーム、グループ参加、
// 他サービス向けの送信API（/internal）を公開する。
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/notifyhub/internal/connection"
	"github.com/nao1215/notifyhub/internal/group"
	"github.com/nao1215/notifyhub/internal/notification"
	"github.com/nao1215/notifyhub/internal/stream"
	"github.com/nao1215/notifyhub/pkg/middleware"
)

// DefaultHeartbeat はSSEのpingイベントの送信間隔。
const DefaultHeartbeat = 30 * time.Second

// Pinger はヘルスチェックで疎通を確認する依存先。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options はサーバーの構築に必要な設定と依存。
type Options struct {
	Port           string
	JWTSecret      string
	AllowedOrigins []string
	// Heartbeat はSSEのpingイベントの送信間隔。0ならDefaultHeartbeat。
	Heartbeat time.Duration
	// DevTokens がtrueなら /auth/dev-token で開発用トークンを発行する。
	DevTokens bool
	Logger    *slog.Logger

	Dispatcher *notification.Dispatcher
	Tracker    *notification.Tracker
	Registry   *connection.Registry
	Groups     *group.Directory
	Hub        *stream.Hub
	// Health はnilでもよい。
	Health Pinger
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	router     *gin.Engine
	port       string
	logger     *slog.Logger
	heartbeat  time.Duration
	dispatcher *notification.Dispatcher
	tracker    *notification.Tracker
	registry   *connection.Registry
	groups     *group.Directory
	hub        *stream.Hub
	health     Pinger
}

// NewServer は新しい通知サーバーを生成する。
func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.JWTSecret == "":
		return nil, errors.New("JWTシークレットが設定されていません")
	case opts.Dispatcher == nil, opts.Tracker == nil, opts.Registry == nil, opts.Groups == nil, opts.Hub == nil:
		return nil, errors.New("サーバーの依存が不足しています")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}

	router := gin.New()
	router.Use(middleware.Recovery(opts.Logger))
	router.Use(gin.Logger())
	router.Use(middleware.CORS(opts.AllowedOrigins))

	s := &Server{
		router:     router,
		port:       opts.Port,
		logger:     opts.Logger,
		heartbeat:  opts.Heartbeat,
		dispatcher: opts.Dispatcher,
		tracker:    opts.Tracker,
		registry:   opts.Registry,
		groups:     opts.Groups,
		hub:        opts.Hub,
		health:     opts.Health,
	}
	s.setupRoutes(opts.JWTSecret, opts.DevTokens)

	return s, nil
}

// Handler はルーティング済みのhttp.Handlerを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
// ctxのキャンセルはSSEストリームにも伝わり、接続中のセッションは閉じられる。
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTPサーバーを起動します", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	s.logger.Info("HTTPサーバーを停止しました")
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(jwtSecret string, devTokens bool) {
	if devTokens {
		s.router.POST("/auth/dev-token", s.handleDevToken(jwtSecret))
	}

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(jwtSecret))
	{
		notifications := api.Group("/notifications")
		{
			// SSEによるリアルタイム受信
			notifications.GET("/stream", s.handleStream())
			notifications.GET("", s.handleList())
			notifications.GET("/stats", s.handleStats())
			notifications.GET("/:id", s.handleGet())
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			notifications.DELETE("/:id", s.handleDelete())
		}

		groups := api.Group("/groups")
		{
			groups.GET("", s.handleListGroups())
			groups.GET("/:name/members", s.handleGroupMembers())
			groups.POST("/:name/join", s.handleJoinGroup())
			groups.POST("/:name/leave", s.handleLeaveGroup())
		}

		api.GET("/connections/users", s.handleConnectedUsers())

		// 通知送信（内部API - 他サービスから呼び出される）
		internal := api.Group("/internal")
		internal.Use(middleware.RequireRole(middleware.RoleService, middleware.RoleAdmin))
		{
			internal.POST("/send", s.handleSend())
			internal.POST("/send-to-group/:name", s.handleSendToGroup())
			internal.POST("/send-to-all", s.handleSendToAll())
			internal.POST("/approval", s.handleApprovalRequest())
			internal.POST("/approval-decision", s.handleApprovalDecision())
			internal.POST("/user-management", s.handleUserManagement())
			internal.POST("/data-change", s.handleDataChange())
			internal.POST("/task", s.handleTask())
			internal.POST("/system-alert", s.handleSystemAlert())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
}

// handleHealth はストアへの疎通を含めたヘルスチェックを返すハンドラ。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.health != nil {
			if err := s.health.Ping(c.Request.Context()); err != nil {
				s.logger.WarnContext(c.Request.Context(), "ヘルスチェックに失敗", slog.Any("error", err))
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "notification"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"service":  "notification",
			"sessions": s.registry.SessionCount(),
		})
	}
}

// respondError はドメインエラーをHTTPステータスに変換して返す。
// 想定外のエラーはfallbackのメッセージで500を返し、ログに記録する。
func (s *Server) respondError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, notification.ErrMalformedTarget),
		errors.Is(err, notification.ErrInvalidNotification),
		errors.Is(err, notification.ErrInvalidPage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, notification.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
	case errors.Is(err, notification.ErrStoreUnavailable):
		s.logger.ErrorContext(c.Request.Context(), fallback, slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "通知ストアが一時的に利用できません"})
	default:
		s.logger.ErrorContext(c.Request.Context(), fallback, slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
