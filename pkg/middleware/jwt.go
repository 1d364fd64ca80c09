package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims はバックエンドが発行するアクセストークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID int64 `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Role はユーザーのロール（admin / analyst / user）。
	Role string `json:"role"`
}

// コンテキストに格納するキー。
const (
	contextKeyUserID = "user_id"
	contextKeyEmail  = "email"
	contextKeyRole   = "role"
	contextKeyToken  = "access_token"
)

// GenerateJWT はユーザー情報からJWTトークンを生成する。
// 開発用トークンの発行とテストで使用する。
func GenerateJWT(secret string, userID int64, email, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "matreq-backend",
		},
		UserID: userID,
		Email:  email,
		Role:   role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id"・"email"・"role" と
// 検証済みのトークン文字列を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークンが必要です",
			})
			return
		}

		claims := &JWTClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid || claims.UserID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set(contextKeyUserID, claims.UserID)
		c.Set(contextKeyEmail, claims.Email)
		c.Set(contextKeyRole, claims.Role)
		c.Set(contextKeyToken, tokenString)
		c.Next()
	}
}

// bearerToken は Authorization ヘッダーからトークンを取り出す。
// ブラウザのWebSocketはヘッダーを設定できないため、access_token クエリも受け付ける。
func bearerToken(c *gin.Context) (string, bool) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		token, found := strings.CutPrefix(authHeader, "Bearer ")
		return token, found && token != ""
	}
	token := c.Query("access_token")
	return token, token != ""
}

// GetUserID はGinコンテキストからユーザーIDを取得する。取得できなければ0を返す。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) int64 {
	userID, _ := c.Get(contextKeyUserID)
	if id, ok := userID.(int64); ok {
		return id
	}
	return 0
}

// GetRole はGinコンテキストからロールを取得する。
func GetRole(c *gin.Context) string {
	return c.GetString(contextKeyRole)
}

// GetEmail はGinコンテキストからメールアドレスを取得する。
func GetEmail(c *gin.Context) string {
	return c.GetString(contextKeyEmail)
}

// GetToken はGinコンテキストから検証済みのアクセストークンを取得する。
func GetToken(c *gin.Context) string {
	return c.GetString(contextKeyToken)
}

// SetIdentity はテスト用ミドルウェアなどからユーザー情報をコンテキストに設定する。
func SetIdentity(c *gin.Context, userID int64, role, token string) {
	c.Set(contextKeyUserID, userID)
	c.Set(contextKeyRole, role)
	c.Set(contextKeyToken, token)
}
