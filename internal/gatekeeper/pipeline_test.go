package gatekeeper

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/devflow/internal/ratelimit"
	"github.com/nao1215/devflow/internal/security"
	"github.com/nao1215/devflow/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	testNow     = time.UnixMilli(1_700_000_040_000)
	testOrigins = []string{"https://devflow.example.com", "http://localhost:3000"}
)

const browserUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/126.0 Safari/537.36"

// spyValidator は呼び出し回数を数えるバリデータ。
type spyValidator struct {
	inner Validator
	calls atomic.Int32
	panic bool
}

func (v *spyValidator) Validate(r *http.Request) security.Verdict {
	v.calls.Add(1)
	if v.panic {
		panic("validator exploded")
	}
	return v.inner.Validate(r)
}

// spyLimiter は固定の結果を返し、呼び出しを記録するレート制限。
type spyLimiter struct {
	result ratelimit.Result
	calls  atomic.Int32
	last   atomic.Value
	panic  bool
}

func (l *spyLimiter) Check(_ context.Context, identifier string) ratelimit.Result {
	l.calls.Add(1)
	l.last.Store(identifier)
	if l.panic {
		panic("limiter exploded")
	}
	return l.result
}

// spyDelegate は固定のレスポンスを返し、受け取ったパラメータを記録する認証ハンドラ。
type spyDelegate struct {
	resp   *Response
	err    error
	panic  bool
	calls  atomic.Int32
	params atomic.Value
	method atomic.Value
}

func (d *spyDelegate) handler(method string) HandlerFunc {
	return func(_ context.Context, _ *http.Request, params Params) (*Response, error) {
		d.calls.Add(1)
		d.params.Store(params)
		d.method.Store(method)
		if d.panic {
			panic("delegate exploded")
		}
		if d.resp == nil {
			return nil, d.err
		}
		cp := *d.resp
		cp.Header = d.resp.Header.Clone()
		return &cp, d.err
	}
}

func allowed() ratelimit.Result {
	return ratelimit.Result{Success: true, Limit: 10, Remaining: 9, Reset: testNow.Add(time.Minute)}
}

func okResponse() *Response {
	resp := NewResponse(http.StatusOK, []byte(`{"user":null}`))
	resp.Header.Set("Content-Type", "application/json")
	return resp
}

// fixture はテスト用のパイプラインとルーター。
type fixture struct {
	validator *spyValidator
	limiter   *spyLimiter
	delegate  *spyDelegate
	metrics   *Metrics
	logs      *bytes.Buffer
	router    *gin.Engine
}

func newFixture(t *testing.T, limiter Limiter) *fixture {
	t.Helper()

	f := &fixture{
		validator: &spyValidator{inner: security.NewValidator(security.DefaultPolicy(testOrigins))},
		limiter:   &spyLimiter{result: allowed()},
		delegate:  &spyDelegate{resp: okResponse()},
		metrics:   NewMetrics(),
		logs:      &bytes.Buffer{},
	}
	if limiter == nil {
		limiter = f.limiter
	}

	p, err := New(Options{
		Validator: f.validator,
		Limiter:   limiter,
		Delegate:  Handlers{GET: f.delegate.handler(http.MethodGet), POST: f.delegate.handler(http.MethodPost)},
		Logger:    zerolog.New(f.logs),
		Metrics:   f.metrics,
		CORS:      middleware.CORSConfig{AllowOrigin: "https://devflow.example.com"},
		Now:       func() time.Time { return testNow },
	})
	require.NoError(t, err)

	r := gin.New()
	r.GET("/api/auth/*"+ParamName, p.Handle(http.MethodGet))
	r.POST("/api/auth/*"+ParamName, p.Handle(http.MethodPost))
	r.OPTIONS("/api/auth/*"+ParamName, p.Preflight())
	f.router = r
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func newRequest(method, target, userAgent string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("User-Agent", userAgent)
	return req
}

func assertSecurityHeaders(t *testing.T, h http.Header) {
	t.Helper()
	for k, v := range middleware.SecurityHeaders() {
		assert.Equal(t, v[0], h.Get(k), "header %s", k)
	}
}

func assertNoRateLimitHeaders(t *testing.T, h http.Header) {
	t.Helper()
	for _, k := range []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"} {
		assert.Empty(t, h.Values(k), "header %s", k)
	}
}

// TestNew はパイプライン生成時の検証を確認する。
func TestNew(t *testing.T) {
	t.Parallel()

	v := security.NewValidator(security.DefaultPolicy(testOrigins))
	l := &spyLimiter{}
	d := &spyDelegate{}
	h := Handlers{GET: d.handler(http.MethodGet), POST: d.handler(http.MethodPost)}

	_, err := New(Options{Limiter: l, Delegate: h})
	assert.Error(t, err)
	_, err = New(Options{Validator: v, Delegate: h})
	assert.Error(t, err)
	_, err = New(Options{Validator: v, Limiter: l, Delegate: Handlers{GET: h.GET}})
	assert.Error(t, err)

	p, err := New(Options{Validator: v, Limiter: l, Delegate: h})
	require.NoError(t, err)
	assert.NotNil(t, p)
}

// TestPipelineRejected はセキュリティ検査で拒否される場合を確認する。
func TestPipelineRejected(t *testing.T) {
	t.Parallel()

	t.Run("sqlmapのUser-Agentは403でレート制限ヘッダーを含まないこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		w := f.do(newRequest(http.MethodGet, "/api/auth/session", "sqlmap/1.0"))

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "Forbidden", w.Body.String())
		assertSecurityHeaders(t, w.Header())
		assertNoRateLimitHeaders(t, w.Header())
		assert.Zero(t, f.limiter.calls.Load(), "レート制限が呼ばれてはならない")
		assert.Zero(t, f.delegate.calls.Load())
		assert.Contains(t, f.logs.String(), "Security validation failed")
		assert.Contains(t, f.logs.String(), `"reason":"Suspicious user agent"`)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.requestsTotal.WithLabelValues(http.MethodGet, OutcomeRejected)))
	})

	t.Run("許可されていないOriginからのPOSTは403になること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		req := newRequest(http.MethodPost, "/api/auth/signout", browserUA)
		req.Header.Set("Origin", "https://evil.example.net")
		w := f.do(req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, f.logs.String(), `"reason":"Invalid origin"`)
		assert.Zero(t, f.limiter.calls.Load())
	})

	t.Run("OriginのないPOSTはOriginを理由に拒否されないこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		w := f.do(newRequest(http.MethodPost, "/api/auth/signout", browserUA))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int32(1), f.delegate.calls.Load())
	})

	t.Run("パスの攻撃パターンは403になること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		w := f.do(newRequest(http.MethodGet, "/api/auth/%3Cscript%3Ealert(1)", browserUA))

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, f.logs.String(), `"reason":"Malicious pattern detected"`)
	})
}

// TestPipelineThrottled はレート制限を超えた場合を確認する。
func TestPipelineThrottled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	reset := testNow.Add(30 * time.Second)
	f.limiter.result = ratelimit.Result{Success: false, Limit: 10, Remaining: 0, Reset: reset}

	w := f.do(newRequest(http.MethodGet, "/api/auth/session", browserUA))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "Too Many Requests", w.Body.String())
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(reset.UnixMilli(), 10), w.Header().Get("X-RateLimit-Reset"))
	assertSecurityHeaders(t, w.Header())
	assert.Zero(t, f.delegate.calls.Load())
	assert.Contains(t, f.logs.String(), "Rate limit exceeded")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.requestsTotal.WithLabelValues(http.MethodGet, OutcomeThrottled)))
}

// failingStore は常にエラーを返すストア。
type failingStore struct{}

func (failingStore) Limit(context.Context, string) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("redis: connection refused")
}

// TestPipelineFailOpen はレート制限バックエンドの障害時に許可されることを確認する。
func TestPipelineFailOpen(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	limiter, err := ratelimit.NewLimiter(failingStore{}, ratelimit.DefaultConfig(), zerolog.New(&logs),
		ratelimit.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	f := newFixture(t, limiter)
	w := f.do(newRequest(http.MethodGet, "/api/auth/session", browserUA))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1000", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1000", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(testNow.Add(time.Minute).UnixMilli(), 10), w.Header().Get("X-RateLimit-Reset"))
	assert.Contains(t, logs.String(), "rate limit backend failed, allowing request")
}

// TestPipelineDelegated は認証ハンドラへの委譲を確認する。
func TestPipelineDelegated(t *testing.T) {
	t.Parallel()

	t.Run("認証ハンドラのヘッダーを保持しつつセキュリティヘッダーで上書きすること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		resp := NewResponse(http.StatusFound, []byte("redirecting"))
		resp.Header.Set("Location", "https://github.com/login/oauth/authorize")
		resp.Header.Add("Set-Cookie", "a=1; Path=/")
		resp.Header.Add("Set-Cookie", "b=2; Path=/")
		resp.Header.Set("X-Frame-Options", "SAMEORIGIN")
		f.delegate.resp = resp

		w := f.do(newRequest(http.MethodGet, "/api/auth/signin/github", browserUA))

		assert.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "redirecting", w.Body.String())
		assert.Equal(t, "https://github.com/login/oauth/authorize", w.Header().Get("Location"))
		assert.Equal(t, []string{"a=1; Path=/", "b=2; Path=/"}, w.Header().Values("Set-Cookie"))
		assert.Equal(t, []string{"DENY"}, w.Header().Values("X-Frame-Options"))
		assertSecurityHeaders(t, w.Header())
		assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "9", w.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, strconv.FormatInt(testNow.Add(time.Minute).UnixMilli(), 10), w.Header().Get("X-RateLimit-Reset"))
		assert.Empty(t, w.Header().Get("Retry-After"))
	})

	t.Run("認証ハンドラのエラーステータスはそのまま返ること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		resp := NewResponse(http.StatusUnauthorized, []byte(`{"error":"CredentialsSignin"}`))
		f.delegate.resp = resp

		w := f.do(newRequest(http.MethodPost, "/api/auth/callback/credentials", browserUA))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, `{"error":"CredentialsSignin"}`, w.Body.String())
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.requestsTotal.WithLabelValues(http.MethodPost, OutcomeDelegated)))
	})

	t.Run("パスセグメントとメソッドが認証ハンドラに渡されること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		req := newRequest(http.MethodPost, "/api/auth/callback/github", browserUA)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		f.do(req)

		params, ok := f.delegate.params.Load().(Params)
		require.True(t, ok)
		assert.Equal(t, []string{"callback", "github"}, params.Segments)
		assert.Equal(t, http.MethodPost, f.delegate.method.Load())
		assert.Equal(t, "203.0.113.7", f.limiter.last.Load())

		logs := f.logs.String()
		assert.Contains(t, logs, "Auth POST request")
		assert.Contains(t, logs, `"provider":"callback"`)
		assert.Contains(t, logs, `"action":"github"`)
		assert.Contains(t, logs, "Auth POST response")
		assert.Contains(t, logs, `"status":200`)
	})
}

// TestPipelineFailed は予期しないエラーが 500 になることを確認する。
func TestPipelineFailed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{name: "認証ハンドラがエラーを返した場合", setup: func(f *fixture) { f.delegate.resp = nil; f.delegate.err = errors.New("db locked") }},
		{name: "認証ハンドラがレスポンスを返さなかった場合", setup: func(f *fixture) { f.delegate.resp = nil }},
		{name: "認証ハンドラがパニックした場合", setup: func(f *fixture) { f.delegate.panic = true }},
		{name: "レート制限がパニックした場合", setup: func(f *fixture) { f.limiter.panic = true }},
		{name: "バリデータがパニックした場合", setup: func(f *fixture) { f.validator.panic = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, nil)
			tt.setup(f)
			w := f.do(newRequest(http.MethodGet, "/api/auth/session", browserUA))

			assert.Equal(t, http.StatusInternalServerError, w.Code)
			assert.Equal(t, "Internal Server Error", w.Body.String())
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assertSecurityHeaders(t, w.Header())
			assertNoRateLimitHeaders(t, w.Header())
			assert.Contains(t, f.logs.String(), "Auth request failed")
			assert.Contains(t, f.logs.String(), `"stack":`)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.requestsTotal.WithLabelValues(http.MethodGet, OutcomeFailed)))
		})
	}
}

// TestPipelinePreflight はOPTIONSの応答を確認する。
func TestPipelinePreflight(t *testing.T) {
	t.Parallel()

	t.Run("バリデータとレート制限とロガーを呼ばずに200を返すこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		req := newRequest(http.MethodOptions, "/api/auth/%2e%2e/session", "sqlmap/1.0")
		req.Header.Set("Origin", "https://evil.example.net")
		w := f.do(req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "https://devflow.example.com", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "Content-Type, Authorization", w.Header().Get("Access-Control-Allow-Headers"))
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
		assertSecurityHeaders(t, w.Header())
		assert.Zero(t, f.validator.calls.Load())
		assert.Zero(t, f.limiter.calls.Load())
		assert.Zero(t, f.delegate.calls.Load())
		assert.Empty(t, f.logs.String())
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.requestsTotal.WithLabelValues(http.MethodOptions, OutcomePreflight)))
	})

	t.Run("任意のリクエストに対して同じ応答を返すこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		rapid.Check(t, func(rt *rapid.T) {
			path := rapid.StringMatching(`/api/auth/[a-z0-9%./]{0,24}`).Draw(rt, "path")
			ua := rapid.StringMatching(`[ -~]{0,40}`).Draw(rt, "user_agent")
			origin := rapid.StringMatching(`https?://[a-z]{1,10}\.[a-z]{2,3}`).Draw(rt, "origin")

			req := httptest.NewRequest(http.MethodOptions, "/api/auth/session", nil)
			req.URL.Path = path
			req.URL.RawPath = ""
			req.Header.Set("User-Agent", ua)
			req.Header.Set("Origin", origin)
			w := f.do(req)

			if w.Code != http.StatusOK {
				rt.Fatalf("status = %d, want 200", w.Code)
			}
			if w.Header().Get("Access-Control-Allow-Origin") == "" || w.Header().Get("X-Frame-Options") != "DENY" {
				rt.Fatalf("headers = %v", w.Header())
			}
		})
		assert.Zero(t, f.validator.calls.Load())
		assert.Zero(t, f.limiter.calls.Load())
		assert.Empty(t, f.logs.String())
	})
}

// TestPipelineDenylistedAgentProperty は拒否リストの語を含むUser-Agentがレート制限の前に拒否されることを確認する。
func TestPipelineDenylistedAgentProperty(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	agents := security.DefaultPolicy(nil).SuspiciousAgents()

	rapid.Check(t, func(rt *rapid.T) {
		agent := rapid.SampledFrom(agents).Draw(rt, "agent")
		prefix := rapid.StringMatching(`[A-Za-z0-9/ .]{0,10}`).Draw(rt, "prefix")
		method := rapid.SampledFrom([]string{http.MethodGet, http.MethodPost}).Draw(rt, "method")

		w := f.do(newRequest(method, "/api/auth/session", prefix+agent+"/1.0"))
		if w.Code != http.StatusForbidden {
			rt.Fatalf("status = %d, want 403", w.Code)
		}
	})
	assert.Zero(t, f.limiter.calls.Load())
	assert.Zero(t, f.delegate.calls.Load())
}

// TestRetryAfterSeconds は Retry-After の計算を確認する。
func TestRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		delta time.Duration
		want  int64
	}{
		{name: "ちょうど30秒", delta: 30 * time.Second, want: 30},
		{name: "端数は切り上げ", delta: 29001 * time.Millisecond, want: 30},
		{name: "1ミリ秒は1秒", delta: time.Millisecond, want: 1},
		{name: "0は0", delta: 0, want: 0},
		{name: "過去の時刻は0", delta: -5 * time.Second, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, retryAfterSeconds(testNow.Add(tt.delta), testNow))
		})
	}
}

// TestParseSegments はパスセグメントの分割を確認する。
func TestParseSegments(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"callback", "github"}, ParseSegments("/callback/github"))
	assert.Equal(t, []string{"session"}, ParseSegments("/session/"))
	assert.Empty(t, ParseSegments("/"))

	p := Params{Segments: []string{"signin"}}
	assert.Equal(t, "signin", p.Provider())
	assert.Equal(t, "", p.Action())
}
