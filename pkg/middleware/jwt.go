package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// SessionCookieName はセッションJWTを格納するCookie名。
const SessionCookieName = "authjs.session-token"

// SessionMaxAge はセッションの有効期間。
const SessionMaxAge = 30 * 24 * time.Hour

// sessionIssuer はセッションJWTのiss。
const sessionIssuer = "devflow-authgate"

// ErrInvalidSession はセッショントークンが無効であることを表す。
var ErrInvalidSession = errors.New("セッショントークンが無効です")

// SessionClaims はセッションJWTのクレーム（ペイロード）を表す。
type SessionClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Name は表示名。
	Name string `json:"name"`
	// Image はアバター画像のURL。
	Image string `json:"image,omitempty"`
	// Provider はサインインに使用したプロバイダ。
	Provider string `json:"provider"`
}

// GenerateSessionToken はクレームからHS256で署名したセッションJWTを生成する。
// 有効期限はnowからSessionMaxAge後に設定する。
func GenerateSessionToken(secret string, claims SessionClaims, now time.Time) (string, error) {
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.UserID,
		ExpiresAt: jwt.NewNumericDate(now.Add(SessionMaxAge)),
		IssuedAt:  jwt.NewNumericDate(now),
		Issuer:    sessionIssuer,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseSessionToken はセッションJWTを検証してクレームを返す。
func ParseSessionToken(secret, tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidSession
	}
	return claims, nil
}

// sessionToken はCookieまたはAuthorizationヘッダーからトークンを取り出す。
func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); found {
		return token
	}
	return ""
}

// SessionAuth はセッションJWTを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id" と "email" を設定する。
// redirectToが空でない場合、未認証のリクエストはそのパスにリダイレクトする。
// 空の場合は401を返す。
func SessionAuth(secret, redirectTo string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := ParseSessionToken(secret, sessionToken(c.Request))
		if err != nil {
			if redirectTo != "" {
				c.Redirect(http.StatusTemporaryRedirect, redirectTo)
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "認証が必要です",
			})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("email", claims.Email)
		c.Set("session", claims)
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// SessionAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// GetSession はGinコンテキストからセッションのクレームを取得する。
func GetSession(c *gin.Context) *SessionClaims {
	v, _ := c.Get("session")
	if claims, ok := v.(*SessionClaims); ok {
		return claims
	}
	return nil
}
