package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

// TestPreflight はCORSプリフライト応答を検証する。
func TestPreflight(t *testing.T) {
	t.Parallel()

	t.Run("200とCORSヘッダー・セキュリティヘッダーが返ること", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.OPTIONS("/api/auth/*nextauth", Preflight(CORSConfig{AllowOrigin: "https://devflow.example.com"}))

		req := httptest.NewRequest(http.MethodOptions, "/api/auth/session", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		req.Header.Set("User-Agent", "sqlmap/1.0")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://devflow.example.com" {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "https://devflow.example.com")
		}
		if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
			t.Errorf("Access-Control-Allow-Methods = %q, want %q", got, "GET, POST, OPTIONS")
		}
		if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, Authorization" {
			t.Errorf("Access-Control-Allow-Headers = %q, want %q", got, "Content-Type, Authorization")
		}
		if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
			t.Errorf("Access-Control-Allow-Credentials = %q, want %q", got, "true")
		}
		assertSecurityHeaders(t, w.Header())
		if w.Body.Len() != 0 {
			t.Errorf("ボディが空ではない: %q", w.Body.String())
		}
	})

	t.Run("AllowOrigin未設定時はlocalhostが使われること", func(t *testing.T) {
		t.Parallel()

		h := CORSConfig{}.CORSHeaders()
		if got := h.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "http://localhost:3000")
		}
	})

	t.Run("後続のハンドラが実行されないこと", func(t *testing.T) {
		t.Parallel()

		called := false
		router := gin.New()
		router.OPTIONS("/x", Preflight(CORSConfig{}), func(c *gin.Context) {
			called = true
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/x", nil))

		if called {
			t.Error("後続のハンドラが実行された")
		}
	})
}
