package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORSConfig はCORSプリフライト応答の設定。
type CORSConfig struct {
	// AllowOrigin はAccess-Control-Allow-Originに設定するオリジン（NEXTAUTH_URL）。
	AllowOrigin string
}

// CORSHeaders はプリフライト応答に付与するCORSヘッダーを返す。
// AllowOriginが空の場合は http://localhost:3000 を使用する。
func (cfg CORSConfig) CORSHeaders() http.Header {
	origin := cfg.AllowOrigin
	if origin == "" {
		origin = "http://localhost:3000"
	}

	h := make(http.Header, 4)
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	h.Set("Access-Control-Allow-Credentials", "true")
	return h
}

// Preflight はCORSプリフライトに応答するGinハンドラを返す。
// リクエストの内容を検査せず、常に200とCORSヘッダー・セキュリティヘッダーを返す。
func Preflight(cfg CORSConfig) gin.HandlerFunc {
	cors := cfg.CORSHeaders()
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for k, v := range cors {
			h[k] = append([]string(nil), v...)
		}
		ApplySecurityHeaders(h)
		c.AbortWithStatus(http.StatusOK)
	}
}
