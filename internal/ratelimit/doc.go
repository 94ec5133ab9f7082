// Package ratelimit はクライアント識別子ごとのスライディングウィンドウ方式のレート制限を提供する。
//
// カウンタの保存先は Store インターフェースで抽象化され、Redis（複数インスタンスで共有）と
// プロセス内メモリの2つの実装を持つ。Limiter は Store の障害時に FailurePolicy に従って
// リクエストを許可または拒否する。
package ratelimit
