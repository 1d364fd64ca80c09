package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nao1215/matreq/internal/access"
	"github.com/nao1215/matreq/internal/auth"
	"github.com/nao1215/matreq/internal/conversation"
	"github.com/nao1215/matreq/internal/session"
	"github.com/nao1215/matreq/pkg/event"
	"github.com/nao1215/matreq/pkg/middleware"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 10 * time.Second

// Config は通知サーバーの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// JWTSecret はアクセストークンの検証に使うシークレット。
	JWTSecret string
	// AllowedOrigins はCORSとストリーム接続で許可するオリジン。
	AllowedOrigins []string
	// Manager はプロフィールごとのセッション管理。
	Manager *session.Manager
	// Toasts はトースト履歴の保存先。
	Toasts *ToastStore
	// Gatherer は /metrics で公開するメトリクスの収集元。nil なら既定のレジストリ。
	Gatherer prometheus.Gatherer
	// Logger はログ出力先。
	Logger *slog.Logger
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// manager はプロフィールごとのセッション管理。
	manager *session.Manager
	// toasts はトースト履歴の保存先。
	toasts *ToastStore
	// upgrader はストリーム接続のWebSocketアップグレーダー。
	upgrader websocket.Upgrader
	// logger はログ出力先。
	logger *slog.Logger
}

// NewServer は新しい通知サーバーを生成する。
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:  router,
		port:    cfg.Port,
		manager: cfg.Manager,
		toasts:  cfg.Toasts,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(cfg.AllowedOrigins),
		},
		logger: logger,
	}
	s.setupRoutes(cfg.JWTSecret, gatherer)
	return s
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctx がキャンセルされたらグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(jwtSecret string, gatherer prometheus.Gatherer) {
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(jwtSecret))
	{
		sess := api.Group("/session")
		{
			// セッション開始
			sess.POST("", s.handleOpenSession())
			// セッション終了
			sess.DELETE("", s.handleCloseSession())
			// 表示中の会話を設定
			sess.PUT("/active-conversation", s.handleSetActiveConversation())
			// ホストUIのフォーカス状態を設定
			sess.PUT("/focus", s.handleSetFocus())
		}

		conversations := api.Group("/conversations")
		{
			conversations.GET("", s.handleListConversations())
			conversations.POST("/reload", s.handleReloadConversations())
			conversations.PUT("/:id/read", s.handleMarkConversationRead())
		}

		api.GET("/unread", s.handleUnread())

		toasts := api.Group("/toasts")
		{
			toasts.GET("", s.handleListToasts())
			toasts.GET("/unread", s.handleListUnreadToasts())
			toasts.PUT("/:id/read", s.handleMarkToastRead())
			toasts.PUT("/read-all", s.handleMarkAllToastsRead())
		}

		permission := api.Group("/notifications/permission")
		{
			permission.GET("", s.handlePermissionStatus())
			permission.POST("", s.handleRequestPermission())
		}

		// トーストのライブ配信（WebSocket）
		api.GET("/stream", s.handleStream())

		// イベント注入（内部API - バックエンドから呼び出される）
		internal := api.Group("/internal")
		{
			internal.POST("/events", s.handleInjectEvent())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notifier"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// session は認証済みユーザーのセッションを返す。
// 開始していなければ保存済みのトークン、無ければリクエストのトークンで開始する。
func (s *Server) session(c *gin.Context) (*session.Session, bool) {
	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)

	sess, err := s.manager.Resume(ctx, userID)
	if errors.Is(err, session.ErrNotFound) {
		sess, _, err = s.manager.Open(ctx, auth.Tokens{Access: middleware.GetToken(c)})
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "セッションの開始に失敗しました"})
		s.logger.Error("セッション取得エラー", "user_id", userID, "error", err)
		return nil, false
	}
	return sess, true
}

// openSessionRequest はセッション開始リクエストのJSON構造。
type openSessionRequest struct {
	// RefreshToken はアクセストークンの更新に使うリフレッシュトークン。
	RefreshToken string `json:"refresh_token"`
}

// handleOpenSession はリクエストのトークンでセッションを開始するハンドラ。
// 既に開始済みの場合はトークンを差し替える。
func (s *Server) handleOpenSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req openSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		sess, created, err := s.manager.Open(c.Request.Context(), auth.Tokens{
			Access:  middleware.GetToken(c),
			Refresh: req.RefreshToken,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "セッションの開始に失敗しました"})
			s.logger.Error("セッション開始エラー", "user_id", middleware.GetUserID(c), "error", err)
			return
		}

		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		c.JSON(status, gin.H{
			"profile_id": sess.ProfileID(),
			"role":       sess.Permission().Role,
			"created":    created,
		})
	}
}

// handleCloseSession はセッションを終了するハンドラ。
// logout=true を指定すると保存済みのトークンも削除する。
func (s *Server) handleCloseSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		logout := c.Query("logout") == "true"
		err := s.manager.Close(c.Request.Context(), middleware.GetUserID(c), logout)
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "セッションが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "セッションの終了に失敗しました"})
			s.logger.Error("セッション終了エラー", "error", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "セッションを終了しました"})
	}
}

// activeConversationRequest は表示中の会話の設定リクエスト。
type activeConversationRequest struct {
	// ConversationID は表示中の会話ID。0 で表示中の会話なし。
	ConversationID *int64 `json:"conversation_id" binding:"required"`
}

// handleSetActiveConversation は表示中の会話を設定するハンドラ。
func (s *Server) handleSetActiveConversation() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req activeConversationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		sess, ok := s.session(c)
		if !ok {
			return
		}
		// ルームの切り替えは再接続時にもやり直すため失敗しても設定は有効
		if err := sess.SetActiveConversation(c.Request.Context(), *req.ConversationID); err != nil {
			s.logger.Warn("会話ルームの切り替えに失敗", "user_id", sess.ProfileID(), "error", err)
		}
		c.JSON(http.StatusOK, gin.H{"active_conversation_id": sess.ActiveConversation()})
	}
}

// focusRequest はフォーカス状態の設定リクエスト。
type focusRequest struct {
	// Focused はホストUIがフォーカス中かどうか。
	Focused *bool `json:"focused" binding:"required"`
}

// handleSetFocus はホストUIのフォーカス状態を設定するハンドラ。
func (s *Server) handleSetFocus() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req focusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		sess, ok := s.session(c)
		if !ok {
			return
		}
		sess.SetFocused(*req.Focused)
		c.JSON(http.StatusOK, gin.H{"focused": sess.Focused()})
	}
}

// handleListConversations は既知の会話一覧を返すハンドラ。
func (s *Server) handleListConversations() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := s.session(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, sess.Conversations())
	}
}

// handleReloadConversations は会話一覧を再取得するハンドラ。
func (s *Server) handleReloadConversations() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := s.session(c)
		if !ok {
			return
		}
		added, err := sess.Reload(c.Request.Context())
		if errors.Is(err, conversation.ErrSuperseded) {
			c.JSON(http.StatusConflict, gin.H{"error": "より新しい再取得が実行中です"})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "会話一覧の取得に失敗しました"})
			s.logger.Warn("会話一覧の再取得エラー", "user_id", sess.ProfileID(), "error", err)
			return
		}
		if added == nil {
			added = []int64{}
		}
		c.JSON(http.StatusOK, gin.H{"added": added, "conversations": sess.Conversations()})
	}
}

// handleMarkConversationRead は会話の未読数を0に戻すハンドラ。
func (s *Server) handleMarkConversationRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "会話IDが不正です"})
			return
		}
		sess, ok := s.session(c)
		if !ok {
			return
		}
		if err := sess.MarkRead(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "既読処理に失敗しました"})
			s.logger.Error("会話既読処理エラー", "user_id", sess.ProfileID(), "error", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "会話を既読にしました"})
	}
}

// handleUnread は会話ごとの未読数と合計を返すハンドラ。
func (s *Server) handleUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := s.session(c)
		if !ok {
			return
		}
		counts, total := sess.Unread()
		c.JSON(http.StatusOK, gin.H{"counts": counts, "total": total})
	}
}

// handleListToasts は認証済みユーザーのトースト履歴を返すハンドラ。
func (s *Server) handleListToasts() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		toasts, err := s.toasts.List(c.Request.Context(), middleware.GetUserID(c), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トースト一覧の取得に失敗しました"})
			s.logger.Error("トースト一覧取得エラー", "error", err)
			return
		}
		c.JSON(http.StatusOK, toasts)
	}
}

// handleListUnreadToasts は認証済みユーザーの未読トーストを返すハンドラ。
func (s *Server) handleListUnreadToasts() gin.HandlerFunc {
	return func(c *gin.Context) {
		toasts, err := s.toasts.ListUnread(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読トースト一覧の取得に失敗しました"})
			s.logger.Error("未読トースト一覧取得エラー", "error", err)
			return
		}
		c.JSON(http.StatusOK, toasts)
	}
}

// handleMarkToastRead は指定されたトーストを既読にするハンドラ。
func (s *Server) handleMarkToastRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		toastID := c.Param("id")

		// トーストの存在確認と所有者チェック
		t, err := s.toasts.Get(ctx, toastID)
		if errors.Is(err, ErrToastNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "トーストが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トーストの取得に失敗しました"})
			s.logger.Error("トースト取得エラー", "error", err)
			return
		}
		if t.ProfileID != middleware.GetUserID(c) {
			c.JSON(http.StatusForbidden, gin.H{"error": "このトーストを操作する権限がありません"})
			return
		}

		if err := s.toasts.MarkAsRead(ctx, toastID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トーストの既読処理に失敗しました"})
			s.logger.Error("トースト既読処理エラー", "error", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "トーストを既読にしました"})
	}
}

// handleMarkAllToastsRead は認証済みユーザーの全トーストを既読にするハンドラ。
func (s *Server) handleMarkAllToastsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.toasts.MarkAllAsRead(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全トーストの既読処理に失敗しました"})
			s.logger.Error("全トースト既読処理エラー", "error", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "全トーストを既読にしました", "updated": n})
	}
}

// handlePermissionStatus はOS通知の可否を返すハンドラ。
func (s *Server) handlePermissionStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := s.session(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, sess.PermissionStatus(c.Request.Context()))
	}
}

// handleRequestPermission はOS通知の許可をユーザーに求めるハンドラ。
// 確認は1プロフィールにつき1回までで、2回目以降は記録済みの状態を返す。
func (s *Server) handleRequestPermission() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := s.session(c)
		if !ok {
			return
		}
		state, err := sess.RequestPermission(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "通知許可の要求に失敗しました", "state": state})
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": state})
	}
}

// injectEventRequest はイベント注入リクエストのJSON構造。
type injectEventRequest struct {
	// ProfileID は配送先のプロフィールID。0 なら全セッションに配送する。
	ProfileID int64 `json:"profile_id"`
	// Event はイベントの種類。
	Event string `json:"event" binding:"required"`
	// Data はイベントのペイロード。形は送信元に依存する。
	Data json.RawMessage `json:"data"`
}

// handleInjectEvent はリアルタイムチャネルを経由せずにイベントを配送するハンドラ。
// 内部API（管理者トークンを持つバックエンドから呼び出される）。
func (s *Server) handleInjectEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		if access.ParseRole(middleware.GetRole(c)) != access.RoleAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "イベントを注入する権限がありません"})
			return
		}

		var req injectEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		frame := &event.Frame{Event: event.Type(req.Event), Data: req.Data}
		deliveries, err := s.manager.Broadcast(c.Request.Context(), frame, req.ProfileID)
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "セッションが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "イベントの配送に失敗しました"})
			s.logger.Error("イベント配送エラー", "error", err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"deliveries": deliveries})
	}
}
