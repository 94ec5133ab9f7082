// Package middleware は認証ゲートウェイのGinミドルウェアとHTTPヘッダーの共通処理を提供する。
//
// セッションJWTの発行と検証、CORSプリフライト応答、セキュリティヘッダー、
// パニックリカバリを含む。
package middleware
