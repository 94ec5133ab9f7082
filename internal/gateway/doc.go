// Package gateway は認証ゲートウェイのHTTPサーバーを提供する。
//
// /api/auth/*nextauth をゲートキーピングパイプラインに接続し、
// ヘルスチェック、メトリクス、セッション必須のエンドポイントを公開する。
// 外部からアクセスされる唯一の入口であり、セキュリティの境界線として機能する。
package gateway
