package middleware

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Issuer はこのサービスが発行するトークンのiss。
const Issuer = "notifyhub"

// ロール名。
const (
	// RoleService は通知の送信APIを呼び出せる内部サービス。
	RoleService = "service"
	// RoleAdmin は管理者。送信APIも呼び出せる。
	RoleAdmin = "admin"
)

// コンテキストキー。
const (
	contextKeyUserID   = "user_id"
	contextKeyUserName = "user_name"
	contextKeyRoles    = "roles"
)

// queryKeyAccessToken はEventSourceなどヘッダーを設定できないクライアント向けのクエリパラメータ名。
const queryKeyAccessToken = "access_token"

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Name は表示名。通知の送信者名に使う。
	Name string `json:"name,omitempty"`
	// Roles はユーザーのロール。
	Roles []string `json:"roles,omitempty"`
}

// headerKeyUserID はユーザーIDを伝播するためのHTTPヘッダーキー。
const headerKeyUserID = "X-User-ID"

// GenerateJWT はユーザー情報からJWTトークンを生成する。ttlが0以下なら24時間。
func GenerateJWT(secret, userID, name string, roles []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
		UserID: userID,
		Name:   name,
		Roles:  roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// bearerToken はAuthorizationヘッダー、なければクエリパラメータからトークンを取り出す。
func bearerToken(c *gin.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query(queryKeyAccessToken); token != "" {
			return token, ""
		}
		return "", "Authorizationヘッダーが必要です"
	}

	token, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		return "", "Bearer トークン形式が不正です"
	}
	return token, ""
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id"、"user_name"、"roles" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	return func(c *gin.Context) {
		tokenString, msg := bearerToken(c)
		if msg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		claims := &JWTClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid || claims.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set(contextKeyUserID, claims.UserID)
		c.Set(contextKeyUserName, claims.Name)
		c.Set(contextKeyRoles, claims.Roles)
		c.Header(headerKeyUserID, claims.UserID)
		c.Next()
	}
}

// RequireRole はいずれかのロールを持つユーザーだけを通すGinミドルウェアを返す。
// JWTAuthの後に適用すること。
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		granted := GetRoles(c)
		for _, r := range roles {
			if slices.Contains(granted, r) {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "この操作を行う権限がありません",
		})
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	return c.GetString(contextKeyUserID)
}

// GetUserName はGinコンテキストから表示名を取得する。
func GetUserName(c *gin.Context) string {
	return c.GetString(contextKeyUserName)
}

// GetRoles はGinコンテキストからロールを取得する。
func GetRoles(c *gin.Context) []string {
	return c.GetStringSlice(contextKeyRoles)
}
