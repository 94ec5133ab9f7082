package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

var testOrigins = []string{"https://devflow.example.com", "http://localhost:3000"}

// newRequest は検査用のリクエストを生成する。rawPath はエスケープ済みのパス。
func newRequest(method, rawPath, userAgent, origin string) *http.Request {
	req := httptest.NewRequest(method, rawPath, nil)
	req.Header.Del("User-Agent")
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req
}

const browserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/605.1.15 Safari/605.1.15"

// TestValidatorValidate はバリデータの各検査を検証する。
func TestValidatorValidate(t *testing.T) {
	t.Parallel()

	v := NewValidator(DefaultPolicy(testOrigins))

	tests := []struct {
		name   string
		req    *http.Request
		valid  bool
		reason string
	}{
		{
			name:  "通常のブラウザからのGETは許可されること",
			req:   newRequest(http.MethodGet, "/api/auth/session", browserUA, ""),
			valid: true,
		},
		{
			name:  "User-Agentがない場合は許可されること",
			req:   newRequest(http.MethodGet, "/api/auth/session", "", ""),
			valid: true,
		},
		{
			name:   "sqlmapのUser-Agentは拒否されること",
			req:    newRequest(http.MethodGet, "/api/auth/session", "sqlmap/1.7", ""),
			reason: ReasonSuspiciousAgent,
		},
		{
			name:   "大文字のUser-Agentも拒否されること",
			req:    newRequest(http.MethodGet, "/api/auth/session", "Mozilla/5.0 (compatible; GoogleBot/2.1)", ""),
			reason: ReasonSuspiciousAgent,
		},
		{
			name:   "許可されていないOriginからのPOSTは拒否されること",
			req:    newRequest(http.MethodPost, "/api/auth/callback/credentials", browserUA, "https://evil.example.net"),
			reason: ReasonInvalidOrigin,
		},
		{
			name:  "許可されたOriginからのPOSTは許可されること",
			req:   newRequest(http.MethodPost, "/api/auth/callback/credentials", browserUA, "http://localhost:3000"),
			valid: true,
		},
		{
			name:  "OriginのないPOSTは許可されること",
			req:   newRequest(http.MethodPost, "/api/auth/callback/credentials", browserUA, ""),
			valid: true,
		},
		{
			name:  "GETではOriginを検査しないこと",
			req:   newRequest(http.MethodGet, "/api/auth/session", browserUA, "https://evil.example.net"),
			valid: true,
		},
		{
			name:   "エンコードされたディレクトリトラバーサルは拒否されること",
			req:    newRequest(http.MethodGet, "/api/auth/%2E%2E/etc/passwd", browserUA, ""),
			reason: ReasonMaliciousPath,
		},
		{
			name:   "二重エンコードは拒否されること",
			req:    newRequest(http.MethodGet, "/api/auth/%252e%252e/etc", browserUA, ""),
			reason: ReasonMaliciousPath,
		},
		{
			name:   "バックスラッシュのトラバーサルは拒否されること",
			req:    newRequest(http.MethodGet, "/api/auth/..%5Cwindows", browserUA, ""),
			reason: ReasonMaliciousPath,
		},
		{
			name:   "scriptタグは拒否されること",
			req:    newRequest(http.MethodGet, "/api/auth/%3CScript%3Ealert(1)", browserUA, ""),
			reason: ReasonMaliciousPath,
		},
		{
			name:   "SQLインジェクションの断片は拒否されること",
			req:    newRequest(http.MethodGet, "/api/auth/signin/x'UNION+SELECT", browserUA, ""),
			reason: ReasonMaliciousPath,
		},
		{
			name:   "User-Agentの検査がOriginより先に行われること",
			req:    newRequest(http.MethodPost, "/api/auth/%2e%2e/", "curl/8.0", "https://evil.example.net"),
			reason: ReasonSuspiciousAgent,
		},
		{
			name:   "Originの検査がパスより先に行われること",
			req:    newRequest(http.MethodPost, "/api/auth/%2e%2e/", browserUA, "https://evil.example.net"),
			reason: ReasonInvalidOrigin,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := v.Validate(tt.req)
			assert.Equal(t, tt.valid, got.Valid)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

// TestValidatorSwap はポリシーの差し替えを検証する。
func TestValidatorSwap(t *testing.T) {
	t.Parallel()

	v := NewValidator(DefaultPolicy(testOrigins))
	req := newRequest(http.MethodGet, "/api/auth/session", "HeadlessChrome", "")
	assert.True(t, v.Validate(req).Valid)

	v.Swap(NewPolicy([]string{"HeadlessChrome"}, testOrigins, nil))
	got := v.Validate(req)
	assert.False(t, got.Valid)
	assert.Equal(t, ReasonSuspiciousAgent, got.Reason)
	assert.Equal(t, []string{"headlesschrome"}, v.Policy().SuspiciousAgents())
}

// TestValidatorProperties は任意の入力に対して成り立つ性質を検証する。
func TestValidatorProperties(t *testing.T) {
	t.Parallel()

	v := NewValidator(DefaultPolicy(testOrigins))

	t.Run("拒否リストの語を含むUser-Agentは大文字小文字に関わらず拒否されること", func(t *testing.T) {
		t.Parallel()

		rapid.Check(t, func(rt *rapid.T) {
			token := rapid.SampledFrom(defaultSuspiciousAgents).Draw(rt, "token")
			upper := rapid.SliceOfN(rapid.Bool(), len(token), len(token)).Draw(rt, "upper")
			var b strings.Builder
			for i, r := range token {
				if upper[i] {
					b.WriteString(strings.ToUpper(string(r)))
				} else {
					b.WriteRune(r)
				}
			}
			prefix := rapid.StringMatching(`[A-Za-z0-9/ .;()]{0,12}`).Draw(rt, "prefix")
			suffix := rapid.StringMatching(`[A-Za-z0-9/ .;()]{0,12}`).Draw(rt, "suffix")
			method := rapid.SampledFrom([]string{http.MethodGet, http.MethodPost}).Draw(rt, "method")

			got := v.Validate(newRequest(method, "/api/auth/session", prefix+b.String()+suffix, ""))
			if got.Valid || got.Reason != ReasonSuspiciousAgent {
				rt.Fatalf("Validate() = %+v, want %q", got, ReasonSuspiciousAgent)
			}
		})
	})

	t.Run("許可リストにないOriginのPOSTは拒否されGETは許可されること", func(t *testing.T) {
		t.Parallel()

		rapid.Check(t, func(rt *rapid.T) {
			origin := rapid.StringMatching(`https://[a-z]{1,12}\.example\.org`).Draw(rt, "origin")

			post := v.Validate(newRequest(http.MethodPost, "/api/auth/signout", browserUA, origin))
			if post.Valid || post.Reason != ReasonInvalidOrigin {
				rt.Fatalf("POST Validate() = %+v, want %q", post, ReasonInvalidOrigin)
			}
			get := v.Validate(newRequest(http.MethodGet, "/api/auth/session", browserUA, origin))
			if !get.Valid {
				rt.Fatalf("GET Validate() = %+v, want valid", get)
			}
		})
	})
}
