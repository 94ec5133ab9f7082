package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// userAgent は外部APIに送信するUser-Agent。GitHub APIは指定がないと拒否する。
const userAgent = "devflow-authgate"

// maxResponseBytes はレスポンスボディの読み取り上限。
const maxResponseBytes = 1 << 20

// maxErrorBodyBytes はエラーに含めるレスポンスボディの上限。
const maxErrorBodyBytes = 512

// StatusError はプロバイダAPIが2xx以外を返したことを表す。
type StatusError struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Path はリクエストしたパス。
	Path string
	// Body はレスポンスボディの先頭部分。
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPエラー: path=%s, status=%d, body=%s", e.Path, e.StatusCode, e.Body)
}

// Client はOAuthプロバイダのユーザー情報APIを呼び出すHTTPクライアント。
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New はタイムアウト付きのクライアントを生成する。
// baseURLには接続先APIのベースURL（例: "https://api.github.com"）を指定する。
func New(baseURL string) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{
		Timeout: 10 * time.Second,
	})
}

// NewWithHTTPClient は任意のhttp.Clientを使うクライアントを生成する。
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// GetJSON は指定パスにGETリクエストを送信し、レスポンスボディをresultにデシリアライズする。
// コンテキストにアクセストークンがあればBearerトークンとして送信する。
func (c *Client) GetJSON(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if token, ok := ctx.Value(contextKeyAccessToken).(string); ok && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &StatusError{StatusCode: resp.StatusCode, Path: path, Body: string(body)}
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(result); err != nil {
		return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
	}
	return nil
}

type contextKey struct{}

// contextKeyAccessToken はコンテキストにアクセストークンを格納するためのキー。
var contextKeyAccessToken = contextKey{}

// WithAccessToken はコンテキストにOAuthアクセストークンを設定する。
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, contextKeyAccessToken, token)
}
