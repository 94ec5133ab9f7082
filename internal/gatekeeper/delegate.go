package gatekeeper

import (
	"context"
	"net/http"
	"strings"
)

// ParamName はキャッチオールのルートパラメータ名（/api/auth/*nextauth）。
const ParamName = "nextauth"

// Params は認証ハンドラに渡すパスパラメータ。
type Params struct {
	// Segments は /api/auth/ 以降のパスを / で分割したもの。例: ["callback", "github"]
	Segments []string
}

// Provider は最初のセグメントを返す。存在しない場合は空文字。
func (p Params) Provider() string {
	return p.segment(0)
}

// Action は2番目のセグメントを返す。存在しない場合は空文字。
func (p Params) Action() string {
	return p.segment(1)
}

func (p Params) segment(i int) string {
	if i < len(p.Segments) {
		return p.Segments[i]
	}
	return ""
}

// ParseSegments はキャッチオールパラメータの値をセグメントに分割する。空のセグメントは除く。
func ParseSegments(raw string) []string {
	parts := strings.Split(raw, "/")
	segments := make([]string, 0, len(parts))
	for _, s := range parts {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// Response は認証ハンドラが返すレスポンス。パイプラインはヘッダーを追加してから書き出す。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewResponse はヘッダーを初期化したレスポンスを生成する。
func NewResponse(status int, body []byte) *Response {
	return &Response{Status: status, Header: make(http.Header), Body: body}
}

// HandlerFunc は認証ハンドラの1メソッド分の処理。
type HandlerFunc func(ctx context.Context, r *http.Request, params Params) (*Response, error)

// Handlers はメソッドごとの認証ハンドラの組。
type Handlers struct {
	GET  HandlerFunc
	POST HandlerFunc
}

func (h Handlers) forMethod(method string) HandlerFunc {
	switch method {
	case http.MethodGet:
		return h.GET
	case http.MethodPost:
		return h.POST
	default:
		return nil
	}
}
