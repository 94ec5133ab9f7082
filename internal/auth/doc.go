// Package auth はゲートキーピングパイプラインの委譲先となる認証ハンドラを提供する。
//
// /api/auth/ 以下のセッション取得、CSRFトークン発行、プロバイダ一覧、
// 資格情報によるサインインとユーザー登録、サインアウト、GitHub/GoogleのOAuthを扱う。
// ユーザーとアカウントはSQLiteに保存し、セッションはHS256で署名したJWTをCookieに格納する。
package auth
