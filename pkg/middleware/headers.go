package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// securityHeaders はすべてのレスポンスに付与するセキュリティヘッダー。
var securityHeaders = [...][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "1; mode=block"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"Permissions-Policy", "camera=(), microphone=(), geolocation=()"},
}

// SecurityHeaders はセキュリティヘッダーのコピーを返す。
func SecurityHeaders() http.Header {
	h := make(http.Header, len(securityHeaders))
	ApplySecurityHeaders(h)
	return h
}

// ApplySecurityHeaders はhにセキュリティヘッダーを設定する。
// 同名のヘッダーが既に存在する場合は上書きする。
func ApplySecurityHeaders(h http.Header) {
	for _, kv := range securityHeaders {
		h.Set(kv[0], kv[1])
	}
}

// SecureHeaders はレスポンスにセキュリティヘッダーを付与するGinミドルウェアを返す。
func SecureHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		ApplySecurityHeaders(c.Writer.Header())
		c.Next()
	}
}
