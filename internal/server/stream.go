package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nao1215/notifyhub/internal/stream"
	"github.com/nao1215/notifyhub/pkg/middleware"
)

// handleStream はSSEで通知をリアルタイムに配信するハンドラ。
// 接続ごとにセッションを発行し、切断時に登録を解除する。
// ユーザーの最初のセッションで user_connected、最後のセッションの切断で user_disconnected を全セッションへ送る。
func (s *Server) handleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userID := middleware.GetUserID(c)
		sessionID := uuid.NewString()

		client := s.hub.Open(sessionID, userID)
		if s.registry.RegisterReport(sessionID, userID) {
			s.hub.Announce(stream.EventUserConnected, userID)
		}
		s.logger.InfoContext(ctx, "SSEセッションを開始しました",
			slog.String("session_id", sessionID), slog.String("user_id", userID))

		defer func() {
			s.hub.Close(sessionID)
			if owner, last := s.registry.UnregisterReport(sessionID); last {
				s.hub.Announce(stream.EventUserDisconnected, owner)
			}
			s.logger.InfoContext(ctx, "SSEセッションを終了しました",
				slog.String("session_id", sessionID), slog.String("user_id", userID))
		}()

		c.Header("Content-Type", sse.ContentType)
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Header("X-Session-ID", sessionID)
		c.Status(http.StatusOK)
		c.Render(-1, sse.Event{Event: stream.EventPing, Data: pingPayload(sessionID)})
		c.Writer.Flush()

		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case msg := <-client.Messages():
				c.Render(-1, sse.Event{Event: msg.Event, Id: msg.ID, Data: string(msg.Data)})
			case <-ticker.C:
				c.Render(-1, sse.Event{Event: stream.EventPing, Data: pingPayload(sessionID)})
			}
			c.Writer.Flush()
		}
	}
}

// pingPayload はpingイベントのペイロード。
func pingPayload(sessionID string) gin.H {
	return gin.H{"session_id": sessionID, "time": time.Now().Unix()}
}
