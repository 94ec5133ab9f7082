package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/devflow/internal/ratelimit"
	"github.com/nao1215/devflow/internal/security"
	"github.com/nao1215/devflow/pkg/middleware"
	"github.com/rs/zerolog"
)

// 固定のレスポンスボディ。
const (
	bodyForbidden       = "Forbidden"
	bodyTooManyRequests = "Too Many Requests"
	bodyInternalError   = "Internal Server Error"
)

// Validator はリクエストのセキュリティ検査を行う。
type Validator interface {
	Validate(r *http.Request) security.Verdict
}

// Limiter はクライアント識別子ごとのレート制限を判定する。
type Limiter interface {
	Check(ctx context.Context, identifier string) ratelimit.Result
}

// Options はパイプラインの構成要素。
type Options struct {
	// Validator はセキュリティバリデータ。必須。
	Validator Validator
	// Limiter はレート制限。必須。
	Limiter Limiter
	// Delegate は認証ハンドラの組。GET と POST の両方が必須。
	Delegate Handlers
	// Logger は構造化ロガー。
	Logger zerolog.Logger
	// Metrics はPrometheusメトリクス。nil の場合は記録しない。
	Metrics *Metrics
	// CORS はプリフライト応答の設定。
	CORS middleware.CORSConfig
	// Now は現在時刻の取得関数。nil の場合は time.Now。
	Now func() time.Time
}

// Pipeline は認証リクエストのゲートキーピングパイプライン。
// リクエストをまたいで保持する状態はない。
type Pipeline struct {
	validator Validator
	limiter   Limiter
	delegate  Handlers
	logger    zerolog.Logger
	metrics   *Metrics
	preflight gin.HandlerFunc
	now       func() time.Time
}

// New はパイプラインを生成する。
func New(opts Options) (*Pipeline, error) {
	if opts.Validator == nil {
		return nil, errors.New("セキュリティバリデータが指定されていません")
	}
	if opts.Limiter == nil {
		return nil, errors.New("レート制限が指定されていません")
	}
	if opts.Delegate.GET == nil || opts.Delegate.POST == nil {
		return nil, errors.New("認証ハンドラのGETとPOSTが必要です")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Pipeline{
		validator: opts.Validator,
		limiter:   opts.Limiter,
		delegate:  opts.Delegate,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		preflight: middleware.Preflight(opts.CORS),
		now:       now,
	}, nil
}

// Preflight はOPTIONSリクエストに応答するハンドラを返す。
// バリデータ、レート制限、ロガーは一切呼び出さない。
func (p *Pipeline) Preflight() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := p.now()
		p.preflight(c)
		p.metrics.ObserveRequest(http.MethodOptions, OutcomePreflight, p.now().Sub(start))
	}
}

// Handle は指定されたメソッドのリクエストをパイプラインで処理するハンドラを返す。
// method は GET または POST。
func (p *Pipeline) Handle(method string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := p.now()
		req := &request{
			method:    method,
			ip:        ClientIdentifier(c.Request),
			userAgent: c.Request.Header.Get("User-Agent"),
			pathname:  c.Request.URL.Path,
			params:    Params{Segments: ParseSegments(c.Param(ParamName))},
			start:     start,
		}
		if req.userAgent == "" {
			req.userAgent = "unknown"
		}

		resp, outcome := p.process(c.Request, req)
		writeResponse(c, resp)
		p.metrics.ObserveRequest(method, outcome, p.now().Sub(start))
	}
}

// request は1リクエストの処理中に使うログ用の情報。
type request struct {
	method    string
	ip        string
	userAgent string
	pathname  string
	params    Params
	start     time.Time
}

// process は各段階を順に実行する。どの段階でパニックが発生しても FAILED として扱う。
func (p *Pipeline) process(r *http.Request, req *request) (resp *Response, outcome string) {
	defer func() {
		if rec := recover(); rec != nil {
			resp, outcome = p.fail(req, fmt.Errorf("panic: %v", rec), debug.Stack())
		}
	}()

	// SECURITY_CHECK
	if verdict := p.validator.Validate(r); !verdict.Valid {
		p.logger.Warn().
			Str("ip", req.ip).
			Str("userAgent", req.userAgent).
			Str("reason", verdict.Reason).
			Str("pathname", req.pathname).
			Msg("Security validation failed")
		return textResponse(http.StatusForbidden, bodyForbidden), OutcomeRejected
	}

	// RATE_LIMIT_CHECK
	quota := p.limiter.Check(r.Context(), req.ip)
	if !quota.Success {
		p.logger.Warn().
			Str("ip", req.ip).
			Str("userAgent", req.userAgent).
			Str("pathname", req.pathname).
			Int("limit", quota.Limit).
			Int("remaining", quota.Remaining).
			Msg("Rate limit exceeded")
		resp := textResponse(http.StatusTooManyRequests, bodyTooManyRequests)
		resp.Header.Set("Retry-After", strconv.FormatInt(retryAfterSeconds(quota.Reset, p.now()), 10))
		setRateLimitHeaders(resp.Header, quota)
		return resp, OutcomeThrottled
	}

	// DELEGATE
	p.logger.Info().
		Str("ip", req.ip).
		Str("userAgent", req.userAgent).
		Str("pathname", req.pathname).
		Str("provider", req.params.Provider()).
		Str("action", req.params.Action()).
		Msgf("Auth %s request", req.method)

	handler := p.delegate.forMethod(req.method)
	if handler == nil {
		return p.fail(req, fmt.Errorf("メソッド %s の認証ハンドラがありません", req.method), nil)
	}
	resp, err := handler(r.Context(), r, req.params)
	if err != nil {
		return p.fail(req, err, nil)
	}
	if resp == nil {
		return p.fail(req, errors.New("認証ハンドラがレスポンスを返しませんでした"), nil)
	}

	// RESPOND
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	middleware.ApplySecurityHeaders(resp.Header)
	setRateLimitHeaders(resp.Header, quota)

	p.logger.Info().
		Str("ip", req.ip).
		Str("userAgent", req.userAgent).
		Str("pathname", req.pathname).
		Int("status", resp.Status).
		Int64("duration", p.now().Sub(req.start).Milliseconds()).
		Msgf("Auth %s response", req.method)

	return resp, OutcomeDelegated
}

// fail はエラーを記録し、詳細を含まない 500 レスポンスを返す。
func (p *Pipeline) fail(req *request, err error, stack []byte) (*Response, string) {
	if stack == nil {
		stack = debug.Stack()
	}
	p.logger.Error().
		Str("error", err.Error()).
		Str("stack", string(stack)).
		Str("ip", req.ip).
		Str("userAgent", req.userAgent).
		Str("pathname", req.pathname).
		Str("method", req.method).
		Int64("duration", p.now().Sub(req.start).Milliseconds()).
		Msg("Auth request failed")

	resp := NewResponse(http.StatusInternalServerError, []byte(bodyInternalError))
	middleware.ApplySecurityHeaders(resp.Header)
	resp.Header.Set("Content-Type", "application/json")
	return resp, OutcomeFailed
}

// textResponse はセキュリティヘッダー付きのテキストレスポンスを生成する。
func textResponse(status int, body string) *Response {
	resp := NewResponse(status, []byte(body))
	middleware.ApplySecurityHeaders(resp.Header)
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return resp
}

func setRateLimitHeaders(h http.Header, quota ratelimit.Result) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(quota.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(quota.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(quota.ResetUnixMilli(), 10))
}

// retryAfterSeconds は枠が回復するまでの秒数を切り上げで返す。過去の時刻の場合は 0。
func retryAfterSeconds(reset, now time.Time) int64 {
	ms := reset.Sub(now).Milliseconds()
	if ms <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(ms) / 1000))
}

// writeResponse はレスポンスをクライアントに書き出す。
func writeResponse(c *gin.Context, resp *Response) {
	h := c.Writer.Header()
	for k, v := range resp.Header {
		h[k] = append([]string(nil), v...)
	}
	c.Status(resp.Status)
	if len(resp.Body) > 0 {
		_, _ = c.Writer.Write(resp.Body)
	} else {
		c.Writer.WriteHeaderNow()
	}
	c.Abort()
}
