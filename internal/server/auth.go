package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nao1215/notifyhub/pkg/middleware"
)

// devTokenTTL は開発用トークンの有効期限。
const devTokenTTL = 12 * time.Hour

// devTokenRequest は開発用トークン発行リクエストのJSON構造。
type devTokenRequest struct {
	// UserID は省略するとランダムに採番する。
	UserID string   `json:"user_id"`
	Name   string   `json:"name"`
	Roles  []string `json:"roles"`
}

// handleDevToken は開発用JWTトークンを発行するハンドラを返す。
// 本番環境では無効化すべき。
func (s *Server) handleDevToken(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req devTokenRequest
		if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
			return
		}
		if req.UserID == "" {
			req.UserID = uuid.NewString()
		}
		if req.Name == "" {
			req.Name = "開発ユーザー"
		}

		token, err := middleware.GenerateJWT(jwtSecret, req.UserID, req.Name, req.Roles, devTokenTTL)
		if err != nil {
			s.logger.ErrorContext(c.Request.Context(), "JWT生成エラー", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":   token,
			"user_id": req.UserID,
		})
	}
}
