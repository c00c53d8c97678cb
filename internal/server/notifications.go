package server

import (
	"context"
	"net/http"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/notifyhub/internal/notification"
	"github.com/nao1215/notifyhub/pkg/httpclient"
	"github.com/nao1215/notifyhub/pkg/middleware"
)

// defaultPageSize はpage_size未指定時の件数。
const defaultPageSize = 20

// requestContext は操作したユーザーIDを監査イベントへ伝播するコンテキストを返す。
func requestContext(c *gin.Context) context.Context {
	return httpclient.WithUserID(c.Request.Context(), middleware.GetUserID(c))
}

// listResponse は通知一覧のJSONレスポンス構造。
type listResponse struct {
	Items    []notification.Item `json:"items"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

// queryInt はクエリパラメータを整数として読む。未指定ならdef。
func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// handleList は認証済みユーザーの通知一覧を返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, ok := queryInt(c, "page", 1)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "pageは整数で指定してください"})
			return
		}
		pageSize, ok := queryInt(c, "page_size", defaultPageSize)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "page_sizeは整数で指定してください"})
			return
		}

		items, err := s.tracker.List(requestContext(c), middleware.GetUserID(c), page, pageSize)
		if err != nil {
			s.respondError(c, err, "通知一覧の取得に失敗しました")
			return
		}
		if items == nil {
			items = []notification.Item{}
		}

		c.JSON(http.StatusOK, listResponse{
			Items:    items,
			Page:     page,
			PageSize: min(pageSize, s.tracker.MaxPageSize()),
		})
	}
}

// handleStats は認証済みユーザーの通知統計を返すハンドラ。
func (s *Server) handleStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := s.tracker.Stats(requestContext(c), middleware.GetUserID(c))
		if err != nil {
			s.respondError(c, err, "通知統計の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// canView はユーザーが通知を参照できるかを返す。
// 宛先本人・グループの現メンバー・全体宛て・管理者が参照できる。
func (s *Server) canView(c *gin.Context, n *notification.Notification) bool {
	userID := middleware.GetUserID(c)
	switch n.Target.Kind() {
	case notification.TargetBroadcast:
		return true
	case notification.TargetUser:
		if n.Target.UserID() == userID {
			return true
		}
	case notification.TargetGroup:
		if s.groups.IsMember(n.Target.Group(), userID) {
			return true
		}
	}
	return slices.Contains(middleware.GetRoles(c), middleware.RoleAdmin)
}

// handleGet は通知を1件返すハンドラ。参照できない通知は存在しないものとして扱う。
func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.tracker.Fetch(requestContext(c), c.Param("id"))
		if err != nil {
			s.respondError(c, err, "通知の取得に失敗しました")
			return
		}
		if !s.canView(c, n) {
			s.respondError(c, notification.ErrNotFound, "")
			return
		}
		c.JSON(http.StatusOK, n)
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.tracker.MarkRead(requestContext(c), c.Param("id"), middleware.GetUserID(c)); err != nil {
			s.respondError(c, err, "通知の既読処理に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.tracker.MarkAllRead(requestContext(c), middleware.GetUserID(c))
		if err != nil {
			s.respondError(c, err, "全通知の既読処理に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました", "count": n})
	}
}

// handleDelete は通知を論理削除するハンドラ。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.tracker.SoftDelete(requestContext(c), c.Param("id"), middleware.GetUserID(c)); err != nil {
			s.respondError(c, err, "通知の削除に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "通知を削除しました"})
	}
}

// handleListGroups は既知のグループ名を返すハンドラ。
func (s *Server) handleListGroups() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"groups": s.groups.GroupNames()})
	}
}

// handleGroupMembers はグループのメンバーを返すハンドラ。
func (s *Server) handleGroupMembers() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		c.JSON(http.StatusOK, gin.H{"group": name, "members": s.groups.MembersOf(name)})
	}
}

// handleJoinGroup は認証済みユーザーをグループに参加させるハンドラ。
func (s *Server) handleJoinGroup() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		s.groups.Join(name, middleware.GetUserID(c))
		c.JSON(http.StatusOK, gin.H{"message": "グループに参加しました", "group": name})
	}
}

// handleLeaveGroup は認証済みユーザーをグループから脱退させるハンドラ。
func (s *Server) handleLeaveGroup() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		s.groups.Leave(name, middleware.GetUserID(c))
		c.JSON(http.StatusOK, gin.H{"message": "グループから脱退しました", "group": name})
	}
}

// handleConnectedUsers は接続中のユーザーを返すハンドラ。
func (s *Server) handleConnectedUsers() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"users": s.registry.ConnectedUsers()})
	}
}
