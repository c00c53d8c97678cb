package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/notifyhub/internal/notification"
	"github.com/nao1215/notifyhub/pkg/middleware"
)

// contentRequest は送信APIに共通する通知内容のJSON構造。
type contentRequest struct {
	// Title は通知のタイトル。
	Title string `json:"title" binding:"required"`
	// Message は通知メッセージ。
	Message string `json:"message" binding:"required"`
	// Type は通知の種類。省略時はCustom。
	Type notification.Category `json:"type"`
	// Priority は優先度名（Low / Normal / High / Critical）。省略時はNormal。
	Priority notification.Priority `json:"priority"`
	// ActionURL は通知から遷移する先。
	ActionURL string `json:"action_url"`
	// IconURL は通知アイコン。
	IconURL string `json:"icon_url"`
	// ExpiresAt は有効期限（RFC3339形式）。
	ExpiresAt *time.Time `json:"expires_at"`
	// Metadata は任意の付加情報。
	Metadata notification.Metadata `json:"metadata"`
}

// sendRequest は宛先を指定する通知送信リクエストのJSON構造。
// target_user_id・target_group・broadcast のちょうど1つを指定する。
type sendRequest struct {
	contentRequest
	TargetUserID string `json:"target_user_id"`
	TargetGroup  string `json:"target_group"`
	Broadcast    bool   `json:"broadcast"`
}

// toNotification はリクエストと送信者から通知を組み立てる。
func (r *contentRequest) toNotification(c *gin.Context, target notification.Target) *notification.Notification {
	category := r.Type
	if category == "" {
		category = notification.CategoryCustom
	}
	priority := r.Priority
	if priority == 0 {
		priority = notification.PriorityNormal
	}
	return &notification.Notification{
		Title:      r.Title,
		Body:       r.Message,
		Category:   category,
		Priority:   priority,
		SenderID:   middleware.GetUserID(c),
		SenderName: middleware.GetUserName(c),
		Target:     target,
		ExpiresAt:  r.ExpiresAt,
		ActionURL:  r.ActionURL,
		IconURL:    r.IconURL,
		Metadata:   r.Metadata,
	}
}

// bindJSON はリクエストボディをreqに読み込む。失敗した場合は400を返してfalseを返す。
func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
		return false
	}
	return true
}

// respondDispatched は配信結果を201で返す。
func (s *Server) respondDispatched(c *gin.Context, result *notification.Result, err error) {
	if err != nil {
		s.respondError(c, err, "通知の送信に失敗しました")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         result.ID,
		"recipients": result.Recipients,
		"delivered":  result.Delivered,
		"failed":     result.Failed,
		"message":    "通知を送信しました",
	})
}

// handleSend は宛先を指定して通知を送信するハンドラ。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRequest
		if !bindJSON(c, &req) {
			return
		}
		target, err := notification.ParseTarget(req.TargetUserID, req.TargetGroup, req.Broadcast)
		if err != nil {
			s.respondError(c, err, "")
			return
		}
		result, err := s.dispatcher.Dispatch(requestContext(c), req.toNotification(c, target))
		s.respondDispatched(c, result, err)
	}
}

// handleSendToGroup はパスで指定したグループへ通知を送信するハンドラ。
func (s *Server) handleSendToGroup() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req contentRequest
		if !bindJSON(c, &req) {
			return
		}
		result, err := s.dispatcher.Dispatch(requestContext(c), req.toNotification(c, notification.ToGroup(c.Param("name"))))
		s.respondDispatched(c, result, err)
	}
}

// handleSendToAll は全体宛てに通知を送信するハンドラ。
func (s *Server) handleSendToAll() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req contentRequest
		if !bindJSON(c, &req) {
			return
		}
		result, err := s.dispatcher.Dispatch(requestContext(c), req.toNotification(c, notification.ToEveryone()))
		s.respondDispatched(c, result, err)
	}
}

// templateHandler は定型通知のパラメータを読み込んで送信するハンドラを返す。
func templateHandler[P any](s *Server, send func(ctx context.Context, p P) (*notification.Result, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var p P
		if !bindJSON(c, &p) {
			return
		}
		result, err := send(requestContext(c), p)
		s.respondDispatched(c, result, err)
	}
}

func (s *Server) handleApprovalRequest() gin.HandlerFunc {
	return templateHandler(s, s.dispatcher.SendApprovalRequest)
}

func (s *Server) handleApprovalDecision() gin.HandlerFunc {
	return templateHandler(s, s.dispatcher.SendApprovalDecision)
}

func (s *Server) handleUserManagement() gin.HandlerFunc {
	return templateHandler(s, s.dispatcher.SendUserManagement)
}

func (s *Server) handleDataChange() gin.HandlerFunc {
	return templateHandler(s, s.dispatcher.SendDataChange)
}

func (s *Server) handleTask() gin.HandlerFunc {
	return templateHandler(s, s.dispatcher.SendTask)
}

func (s *Server) handleSystemAlert() gin.HandlerFunc {
	return templateHandler(s, s.dispatcher.SendSystemAlert)
}
