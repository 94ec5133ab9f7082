// Package httpclient はJSON APIを呼び出すHTTPクライアントを提供する。
//
// OAuthプロバイダ（GitHub/Google）のユーザー情報APIの呼び出しに使用する。
// アクセストークンはコンテキスト経由で渡し、Bearerトークンとして送信する。
package httpclient
