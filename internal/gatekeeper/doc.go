// Package gatekeeper は認証ハンドラの前段で動作するリクエスト処理パイプラインを提供する。
//
// パイプラインは1リクエストごとに次の順で処理を進める。
//
//	START → SECURITY_CHECK → RATE_LIMIT_CHECK → DELEGATE → RESPOND
//
// セキュリティ検査に失敗すると 403、レート制限を超えると 429 を返して終了する。
// 途中でエラーやパニックが発生した場合はどの段階でも 500 を返す。
// OPTIONS はこれらを経由せず、CORSヘッダーとセキュリティヘッダーを付けた 200 を返す。
package gatekeeper
